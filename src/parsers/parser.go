package parsers

import "errors"

// Size tiers for uploaded files. Files above MaxFileSizeBytes are rejected
// outright; the inline/background split is a contract for the caller, which
// decides whether to process in-request or hand off to a worker. This engine
// only classifies, it never schedules.
const (
	InlineSizeBytes     int64 = 5 * 1024 * 1024
	BackgroundSizeBytes int64 = 50 * 1024 * 1024
	MaxFileSizeBytes    int64 = 100 * 1024 * 1024
)

// SizeTier classifies a file size against the processing thresholds.
type SizeTier string

const (
	SizeTierInline     SizeTier = "INLINE"
	SizeTierBackground SizeTier = "BACKGROUND"
	SizeTierRejected   SizeTier = "REJECTED"
)

// TierForSize returns the processing tier for a file of the given byte size.
func TierForSize(size int64) SizeTier {
	switch {
	case size > MaxFileSizeBytes:
		return SizeTierRejected
	case size > InlineSizeBytes:
		return SizeTierBackground
	default:
		return SizeTierInline
	}
}

// Sentinel errors for file-level validation failures. These fail the whole
// request before any batch is created.
var (
	ErrEmptyFile    = errors.New("file is empty")
	ErrFileTooLarge = errors.New("file exceeds maximum allowed size")
	ErrUnparsable   = errors.New("file structure could not be parsed")
)

// ParsedFile is the raw parser's output for a flat delimited export:
// a header row plus ordered row maps, with the first rows sampled for
// format detection.
type ParsedFile struct {
	Headers    []string            `json:"headers"`
	Rows       []map[string]string `json:"-"`
	SampleRows []map[string]string `json:"sample_rows"`
	RowCount   int                 `json:"row_count"`
	FileSize   int64               `json:"file_size"`
}

// SampleRowLimit is how many leading rows the detector sees.
const SampleRowLimit = 5
