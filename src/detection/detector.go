package detection

import (
	"fmt"
	"regexp"
	"sort"
	"strings"

	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
)

// Confidence threshold tiers. Historically two overlapping detectors applied
// 0.7 and 0.6/0.8 at different decision steps; they are consolidated here as
// one scorer with named tiers.
const (
	// ThresholdHigh is an exact/high-confidence registry match the resolver
	// applies without hesitation.
	ThresholdHigh = 0.80
	// ThresholdDetect is the minimum confidence for the detector to report a
	// match at all.
	ThresholdDetect = 0.70
	// ThresholdMedium is the floor for a registry match the resolver still
	// applies, with lower trust.
	ThresholdMedium = 0.60
)

// Scoring weights per term.
const (
	weightHeaders     = 0.6
	weightValues      = 0.3
	weightExactBonus  = 0.1
	weightFileSig     = 0.8
	weightSectionSum  = 0.2
	valueMatchMinimum = 0.8

	// A format is rejected outright when the upload carries more than this
	// many headers beyond the format's mapped columns. A superficially
	// similar but extended layout must not win by coincidence.
	extraHeaderTolerance = 2
)

// FormatRepository abstracts where broker formats live: the static seed
// registry, the database-backed dynamic formats, or a merged view of both.
type FormatRepository interface {
	List() ([]models.BrokerFormat, error)
	Add(format models.BrokerFormat) error
}

// DetectionInput is everything the detector scores against. Content is only
// consulted for whole-file signature formats.
type DetectionInput struct {
	Headers    []string
	SampleRows []map[string]string
	Content    string
}

// DetectionResult reports the best-scoring format, whether it cleared the
// detection threshold, and the human-readable reasoning trail. The reasoning
// is user-facing diagnostics, not an error.
type DetectionResult struct {
	Format     *models.BrokerFormat `json:"format,omitempty"`
	Confidence float64              `json:"confidence"`
	Matched    bool                 `json:"matched"`
	Reasoning  []string             `json:"reasoning"`
}

// Detector scores every registry format against an upload.
type Detector struct {
	repo FormatRepository
}

func NewDetector(repo FormatRepository) *Detector {
	return &Detector{repo: repo}
}

// Detect scores all known formats and returns the best candidate. The result
// is deterministic for fixed input and registry contents: formats are scored
// in ID order and ties keep the earlier format.
func (d *Detector) Detect(input DetectionInput) (*DetectionResult, error) {
	formats, err := d.repo.List()
	if err != nil {
		return nil, fmt.Errorf("listing broker formats: %w", err)
	}
	sort.Slice(formats, func(i, j int) bool { return formats[i].ID < formats[j].ID })

	result := &DetectionResult{}
	var best *models.BrokerFormat
	bestScore := 0.0

	for i := range formats {
		f := formats[i]
		score, reason := ScoreFormat(f, input)
		result.Reasoning = append(result.Reasoning, reason)
		if score > bestScore {
			best = &formats[i]
			bestScore = score
		}
	}

	result.Format = best
	result.Confidence = bestScore
	result.Matched = best != nil && bestScore >= ThresholdDetect
	if !result.Matched {
		result.Reasoning = append(result.Reasoning,
			fmt.Sprintf("no format reached the %.2f detection threshold (best %.2f)", ThresholdDetect, bestScore))
	}

	logger.L.Debug("Format detection finished",
		"candidates", len(formats), "confidence", bestScore, "matched", result.Matched)
	return result, nil
}

// ScoreFormat computes the weighted confidence of one format against an
// upload, with a one-line reasoning summary.
func ScoreFormat(f models.BrokerFormat, input DetectionInput) (float64, string) {
	if f.DetectionPatterns.FilePattern != "" {
		return scoreFilePattern(f, input.Content)
	}

	required := f.DetectionPatterns.RequiredHeaders
	if len(required) == 0 {
		return 0, fmt.Sprintf("%s: no detection headers declared", f.Name)
	}

	// Extended layouts are rejected outright, not down-weighted.
	if len(input.Headers) > len(f.FieldMappings)+extraHeaderTolerance {
		return 0, fmt.Sprintf("%s: rejected, %d uploaded headers exceed %d mapped columns by more than %d",
			f.Name, len(input.Headers), len(f.FieldMappings), extraHeaderTolerance)
	}

	headerScore := headerMatchFraction(required, input.Headers)
	valueScore := valuePatternFraction(f.DetectionPatterns.ValuePatterns, input.SampleRows)
	exactScore := exactHeaderFraction(f.FieldMappings, input.Headers)

	total := headerScore*weightHeaders + valueScore*weightValues + exactScore*weightExactBonus
	return total, fmt.Sprintf("%s: headers %.2f, values %.2f, exact %.2f => %.2f",
		f.Name, headerScore, valueScore, exactScore, total)
}

// scoreFilePattern scores a whole-file signature format: 0.8 for the
// signature itself plus up to 0.2 spread across the named section markers.
func scoreFilePattern(f models.BrokerFormat, content string) (float64, string) {
	if content == "" {
		return 0, fmt.Sprintf("%s: no file content available for signature check", f.Name)
	}
	re, err := regexp.Compile(f.DetectionPatterns.FilePattern)
	if err != nil {
		logger.L.Warn("Invalid file pattern on broker format", "formatID", f.ID, "error", err)
		return 0, fmt.Sprintf("%s: invalid file pattern", f.Name)
	}
	if !re.MatchString(content) {
		return 0, fmt.Sprintf("%s: file signature not found", f.Name)
	}

	score := weightFileSig
	markers := f.DetectionPatterns.SectionMarkers
	found := 0
	if len(markers) > 0 {
		for _, marker := range markers {
			if strings.Contains(content, marker) {
				found++
			}
		}
		score += weightSectionSum * float64(found) / float64(len(markers))
	} else {
		score += weightSectionSum
	}
	return score, fmt.Sprintf("%s: file signature matched, %d/%d section markers => %.2f",
		f.Name, found, len(markers), score)
}

// headerMatchFraction is the fraction of required headers found among the
// uploaded headers via case-insensitive substring match in either direction.
func headerMatchFraction(required, uploaded []string) float64 {
	if len(required) == 0 {
		return 0
	}
	found := 0
	for _, req := range required {
		if headerPresent(req, uploaded) {
			found++
		}
	}
	return float64(found) / float64(len(required))
}

func headerPresent(required string, uploaded []string) bool {
	req := strings.ToLower(strings.TrimSpace(required))
	for _, h := range uploaded {
		have := strings.ToLower(strings.TrimSpace(h))
		if have == "" {
			continue
		}
		if strings.Contains(have, req) || strings.Contains(req, have) {
			return true
		}
	}
	return false
}

// valuePatternFraction scores declared per-column regexes against the sample
// rows. A column counts as matched only when at least 80% of its sampled
// values match.
func valuePatternFraction(patterns map[string]string, sampleRows []map[string]string) float64 {
	if len(patterns) == 0 {
		return 0
	}

	columns := make([]string, 0, len(patterns))
	for col := range patterns {
		columns = append(columns, col)
	}
	sort.Strings(columns)

	matchedColumns := 0
	for _, col := range columns {
		re, err := regexp.Compile(patterns[col])
		if err != nil {
			logger.L.Warn("Invalid value pattern on broker format", "column", col, "error", err)
			continue
		}

		sampled, matched := 0, 0
		for i, row := range sampleRows {
			if i >= 5 {
				break
			}
			value, ok := lookupCaseInsensitive(row, col)
			if !ok || value == "" {
				continue
			}
			sampled++
			if re.MatchString(value) {
				matched++
			}
		}
		if sampled > 0 && float64(matched)/float64(sampled) >= valueMatchMinimum {
			matchedColumns++
		}
	}
	return float64(matchedColumns) / float64(len(patterns))
}

// exactHeaderFraction is the fraction of uploaded headers that exactly equal
// one of the format's mapped column names.
func exactHeaderFraction(mappings map[string]models.FieldMapping, uploaded []string) float64 {
	if len(uploaded) == 0 {
		return 0
	}
	mapped := make(map[string]bool, len(mappings))
	for col := range mappings {
		mapped[strings.ToLower(strings.TrimSpace(col))] = true
	}
	exact := 0
	for _, h := range uploaded {
		if mapped[strings.ToLower(strings.TrimSpace(h))] {
			exact++
		}
	}
	return float64(exact) / float64(len(uploaded))
}

func lookupCaseInsensitive(row map[string]string, column string) (string, bool) {
	if v, ok := row[column]; ok {
		return v, true
	}
	want := strings.ToLower(strings.TrimSpace(column))
	for k, v := range row {
		if strings.ToLower(strings.TrimSpace(k)) == want {
			return v, true
		}
	}
	return "", false
}
