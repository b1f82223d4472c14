package parsers

import (
	"encoding/csv"
	"fmt"
	"strings"

	"github.com/username/tradevault/backend/src/logger"
)

// ParseCSV turns raw file content into headers plus ordered row maps.
// It strips a UTF-8 byte-order mark, sniffs the delimiter from the header
// line, trims cell whitespace, and tolerates ragged rows the way broker
// exports require.
func ParseCSV(content string, fileName string) (*ParsedFile, error) {
	fileSize := int64(len(content))
	if fileSize > MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, fileSize, MaxFileSizeBytes)
	}

	content = strings.TrimPrefix(content, "\uFEFF")
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, fileName)
	}

	reader := csv.NewReader(strings.NewReader(content))
	reader.Comma = sniffDelimiter(content)
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true

	records, err := reader.ReadAll()
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrUnparsable, err)
	}
	if len(records) == 0 {
		return nil, fmt.Errorf("%w: %s", ErrEmptyFile, fileName)
	}

	headers := make([]string, 0, len(records[0]))
	for _, h := range records[0] {
		headers = append(headers, strings.TrimSpace(h))
	}
	if len(headers) == 0 || (len(headers) == 1 && headers[0] == "") {
		return nil, fmt.Errorf("%w: no header row in %s", ErrUnparsable, fileName)
	}

	var rows []map[string]string
	for _, record := range records[1:] {
		if isBlankRecord(record) {
			continue
		}
		row := make(map[string]string, len(headers))
		for i, h := range headers {
			if h == "" {
				continue
			}
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			} else {
				row[h] = ""
			}
		}
		rows = append(rows, row)
	}

	parsed := &ParsedFile{
		Headers:  headers,
		Rows:     rows,
		RowCount: len(rows),
		FileSize: fileSize,
	}
	if len(rows) > SampleRowLimit {
		parsed.SampleRows = rows[:SampleRowLimit]
	} else {
		parsed.SampleRows = rows
	}

	logger.L.Debug("Parsed CSV file",
		"fileName", fileName,
		"headers", len(headers),
		"rows", parsed.RowCount,
		"delimiter", string(reader.Comma))
	return parsed, nil
}

// sniffDelimiter picks the delimiter with the most occurrences in the header
// line. Comma wins ties, which matches the overwhelming majority of exports.
func sniffDelimiter(content string) rune {
	headerLine := content
	if idx := strings.IndexAny(content, "\r\n"); idx >= 0 {
		headerLine = content[:idx]
	}

	best, bestCount := ',', strings.Count(headerLine, ",")
	for _, candidate := range []rune{';', '\t'} {
		if count := strings.Count(headerLine, string(candidate)); count > bestCount {
			best, bestCount = candidate, count
		}
	}
	return best
}

func isBlankRecord(record []string) bool {
	for _, cell := range record {
		if strings.TrimSpace(cell) != "" {
			return false
		}
	}
	return true
}
