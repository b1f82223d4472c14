package services

import (
	"context"
	"errors"

	"github.com/username/tradevault/backend/src/models"
	"github.com/username/tradevault/backend/src/parsers"
)

var (
	// ErrValidationFailed marks file-level defects (empty, oversized,
	// unparsable). The request fails before any batch is created.
	ErrValidationFailed = errors.New("file validation failed")
	// ErrParsingFailed marks structural parse failures inside an otherwise
	// acceptable file.
	ErrParsingFailed = errors.New("file parsing failed")
	// ErrBatchNotFound is returned for unknown or foreign batch IDs.
	ErrBatchNotFound = errors.New("import batch not found")
	// ErrBatchNotPending is returned when a confirm/select call targets a
	// batch that is not waiting at a human gate.
	ErrBatchNotPending = errors.New("import batch is not awaiting user action")
)

// IngestInput is the inbound call contract for one upload.
type IngestInput struct {
	Content      string
	FileName     string
	UserID       int64
	UserEmail    string
	AccountTags  []string
	UserMappings []models.ColumnMapping
	BrokerHint   string
}

// MappingSummary reports the mapping set a batch will apply, for display in
// the review UI.
type MappingSummary struct {
	Mappings          []models.ColumnMapping `json:"mappings"`
	OverallConfidence float64                `json:"overall_confidence"`
	UnmappedFields    []string               `json:"unmapped_fields"`
}

// IngestionResult is the structured outcome every ingest call returns; the
// caller never sees a raw exception for row-level or adapter failures.
type IngestionResult struct {
	Success                 bool              `json:"success"`
	ImportBatchID           string            `json:"import_batch_id"`
	ImportType              models.ImportType `json:"import_type"`
	TotalRecords            int               `json:"total_records"`
	SuccessCount            int               `json:"success_count"`
	ErrorCount              int               `json:"error_count"`
	Errors                  []string          `json:"errors"`
	RequiresUserReview      bool              `json:"requires_user_review"`
	RequiresBrokerSelection bool              `json:"requires_broker_selection"`
	MappingResult           *MappingSummary   `json:"mapping_result,omitempty"`
	BrokerFormatUsed        string            `json:"broker_format_used,omitempty"`
}

// ValidationResult is the parse-and-detect-only preview for a file, with no
// persistence side effects.
type ValidationResult struct {
	Headers          []string            `json:"headers"`
	SampleRows       []map[string]string `json:"sample_rows"`
	RowCount         int                 `json:"row_count"`
	FileSize         int64               `json:"file_size"`
	SizeTier         parsers.SizeTier    `json:"size_tier"`
	Sectioned        bool                `json:"sectioned"`
	DetectedFormatID string              `json:"detected_format_id,omitempty"`
	DetectedFormat   string              `json:"detected_format,omitempty"`
	Confidence       float64             `json:"confidence"`
	Matched          bool                `json:"matched"`
	Reasoning        []string            `json:"reasoning"`
}

// IngestionService is the core engine contract consumed by the API layer.
type IngestionService interface {
	Ingest(ctx context.Context, input IngestInput) (*IngestionResult, error)
	Validate(content, fileName string) (*ValidationResult, error)
	ConfirmMapping(ctx context.Context, userID int64, batchID string, mappings []models.ColumnMapping, brokerName string, registerFormat bool) (*IngestionResult, error)
	SelectBroker(ctx context.Context, userID int64, batchID, brokerName string) (*IngestionResult, error)
	GetBatch(userID int64, batchID string) (*models.ImportBatch, error)
}
