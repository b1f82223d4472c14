package parsers

import (
	"encoding/csv"
	"fmt"
	"regexp"
	"strings"

	"github.com/username/tradevault/backend/src/logger"
)

// Thinkorswim-style account statements are not flat CSVs: one file carries a
// dated banner line followed by several independently-headed order tables.
// They get a dedicated parser instead of the generic per-row pipeline.
var (
	// StatementSignature matches the dated banner line that identifies a
	// multi-section account statement export.
	StatementSignature = regexp.MustCompile(`(?m)^Account Statement for \w+.* on \d{1,2}/\d{1,2}/\d{2,4}`)

	sectionMarkerRe = regexp.MustCompile(`(?i)^(Working Orders|Filled Orders|Cancel(?:l)?ed Orders)\s*$`)
)

// Canonical section names as they appear in the statement.
const (
	SectionWorkingOrders   = "Working Orders"
	SectionFilledOrders    = "Filled Orders"
	SectionCancelledOrders = "Canceled Orders"
)

// IsSectionedStatement reports whether the content carries the whole-file
// multi-section signature.
func IsSectionedStatement(content string) bool {
	return StatementSignature.MatchString(content)
}

// OrderSection is one independently-headed table inside a statement.
type OrderSection struct {
	Name    string              `json:"name"`
	Headers []string            `json:"headers"`
	Rows    []map[string]string `json:"-"`
}

// SectionedFile is the parse result for a multi-section statement: the three
// order buckets, each with its own header row.
type SectionedFile struct {
	WorkingOrders   OrderSection `json:"working_orders"`
	FilledOrders    OrderSection `json:"filled_orders"`
	CancelledOrders OrderSection `json:"cancelled_orders"`
	FileSize        int64        `json:"file_size"`
}

// RowCount is the total number of order rows across all sections.
func (f *SectionedFile) RowCount() int {
	return len(f.WorkingOrders.Rows) + len(f.FilledOrders.Rows) + len(f.CancelledOrders.Rows)
}

// ParseSectionedStatement splits a multi-section statement into its working,
// filled and cancelled order buckets. Sections absent from the file simply
// yield empty buckets; a file with the signature but no recognizable section
// at all is unparsable.
func ParseSectionedStatement(content string, fileName string) (*SectionedFile, error) {
	fileSize := int64(len(content))
	if fileSize > MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: %d bytes (max %d)", ErrFileTooLarge, fileSize, MaxFileSizeBytes)
	}
	content = strings.TrimPrefix(content, "\uFEFF")
	if !StatementSignature.MatchString(content) {
		return nil, fmt.Errorf("%w: missing statement signature in %s", ErrUnparsable, fileName)
	}

	result := &SectionedFile{
		WorkingOrders:   OrderSection{Name: SectionWorkingOrders},
		FilledOrders:    OrderSection{Name: SectionFilledOrders},
		CancelledOrders: OrderSection{Name: SectionCancelledOrders},
		FileSize:        fileSize,
	}

	lines := strings.Split(strings.ReplaceAll(content, "\r\n", "\n"), "\n")
	sectionsFound := 0
	for i := 0; i < len(lines); i++ {
		marker := sectionMarkerRe.FindStringSubmatch(strings.TrimSpace(stripTrailingDelimiters(lines[i])))
		if marker == nil {
			continue
		}

		block, consumed := collectSectionBlock(lines[i+1:])
		section, err := parseSectionBlock(marker[1], block)
		if err != nil {
			logger.L.Warn("Skipping unparsable statement section",
				"fileName", fileName, "section", marker[1], "error", err)
			continue
		}
		sectionsFound++

		switch strings.ToLower(marker[1]) {
		case "working orders":
			result.WorkingOrders = section
		case "filled orders":
			result.FilledOrders = section
		default:
			result.CancelledOrders = section
		}
		i += consumed
	}

	if sectionsFound == 0 {
		return nil, fmt.Errorf("%w: no order sections found in %s", ErrUnparsable, fileName)
	}

	logger.L.Debug("Parsed sectioned statement",
		"fileName", fileName,
		"working", len(result.WorkingOrders.Rows),
		"filled", len(result.FilledOrders.Rows),
		"cancelled", len(result.CancelledOrders.Rows))
	return result, nil
}

// collectSectionBlock gathers lines until the next blank line or section
// marker, returning the block and how many lines were consumed.
func collectSectionBlock(lines []string) ([]string, int) {
	var block []string
	for i, line := range lines {
		trimmed := strings.TrimSpace(stripTrailingDelimiters(line))
		if trimmed == "" || sectionMarkerRe.MatchString(trimmed) {
			return block, i
		}
		block = append(block, line)
	}
	return block, len(lines)
}

func parseSectionBlock(name string, block []string) (OrderSection, error) {
	section := OrderSection{Name: canonicalSectionName(name)}
	if len(block) == 0 {
		return section, fmt.Errorf("section %q has no header row", name)
	}

	reader := csv.NewReader(strings.NewReader(strings.Join(block, "\n")))
	reader.FieldsPerRecord = -1
	reader.LazyQuotes = true
	records, err := reader.ReadAll()
	if err != nil {
		return section, fmt.Errorf("section %q: %w", name, err)
	}
	if len(records) == 0 {
		return section, fmt.Errorf("section %q has no rows", name)
	}

	for _, h := range records[0] {
		section.Headers = append(section.Headers, strings.TrimSpace(h))
	}
	for _, record := range records[1:] {
		if isBlankRecord(record) {
			continue
		}
		row := make(map[string]string, len(section.Headers))
		for i, h := range section.Headers {
			if h == "" {
				continue
			}
			if i < len(record) {
				row[h] = strings.TrimSpace(record[i])
			}
		}
		section.Rows = append(section.Rows, row)
	}
	return section, nil
}

func canonicalSectionName(name string) string {
	switch strings.ToLower(name) {
	case "working orders":
		return SectionWorkingOrders
	case "filled orders":
		return SectionFilledOrders
	default:
		return SectionCancelledOrders
	}
}

// stripTrailingDelimiters drops the trailing empty cells spreadsheet tools
// append to marker lines ("Filled Orders,,,,,").
func stripTrailingDelimiters(line string) string {
	return strings.TrimRight(line, ",;\t ")
}
