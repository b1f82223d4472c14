package models

import "time"

// ImportType distinguishes the standard per-row mapping pipeline from the
// dedicated multi-section statement parser.
type ImportType string

const (
	ImportTypeStandard ImportType = "STANDARD"
	ImportTypeCustom   ImportType = "CUSTOM"
)

// BatchStatus is the lifecycle state of one import attempt.
type BatchStatus string

const (
	BatchStatusPending    BatchStatus = "PENDING"
	BatchStatusProcessing BatchStatus = "PROCESSING"
	BatchStatusCompleted  BatchStatus = "COMPLETED"
	BatchStatusFailed     BatchStatus = "FAILED"
)

// UploadStatus mirrors the batch lifecycle at finer granularity for audit.
type UploadStatus string

const (
	UploadStatusUploaded UploadStatus = "UPLOADED"
	UploadStatusParsing  UploadStatus = "PARSING"
	UploadStatusMapped   UploadStatus = "MAPPED"
	UploadStatusImported UploadStatus = "IMPORTED"
	UploadStatusFailed   UploadStatus = "FAILED"
)

// ParseMethod records which path produced the applied column mapping.
type ParseMethod string

const (
	ParseMethodStandard      ParseMethod = "STANDARD"
	ParseMethodAIMapped      ParseMethod = "AI_MAPPED"
	ParseMethodUserCorrected ParseMethod = "USER_CORRECTED"
)

// ImportBatch tracks one upload attempt from first byte to terminal state.
// A batch may sit at PENDING indefinitely while it waits for the user to
// pick a broker or approve a proposed mapping.
type ImportBatch struct {
	ID                      string          `json:"id"`
	UserID                  int64           `json:"user_id"`
	Filename                string          `json:"filename"`
	FileSize                int64           `json:"file_size"`
	BrokerType              string          `json:"broker_type"`
	ImportType              ImportType      `json:"import_type"`
	Status                  BatchStatus     `json:"status"`
	TotalRecords            int             `json:"total_records"`
	SuccessCount            int             `json:"success_count"`
	ErrorCount              int             `json:"error_count"`
	Errors                  []string        `json:"errors"`
	AIMappingUsed           bool            `json:"ai_mapping_used"`
	MappingConfidence       float64         `json:"mapping_confidence"`
	ColumnMappings          []ColumnMapping `json:"column_mappings"`
	UserReviewRequired      bool            `json:"user_review_required"`
	RequiresBrokerSelection bool            `json:"requires_broker_selection"`
	RawContent              string          `json:"-"`
	AccountTags             []string        `json:"account_tags"`
	CreatedAt               time.Time       `json:"created_at"`
	UpdatedAt               time.Time       `json:"updated_at"`
}

// CsvUploadLog is the audit trail of a single upload.
type CsvUploadLog struct {
	ID            string       `json:"id"`
	UserID        int64        `json:"user_id"`
	Filename      string       `json:"filename"`
	Headers       []string     `json:"headers"`
	RowCount      int          `json:"row_count"`
	UploadStatus  UploadStatus `json:"upload_status"`
	ParseMethod   ParseMethod  `json:"parse_method"`
	ImportBatchID string       `json:"import_batch_id,omitempty"`
	CreatedAt     time.Time    `json:"created_at"`
}

// PendingReview parks a proposed, not-yet-approved mapping behind the review
// gate. It is resolved when the user approves or corrects the mapping.
type PendingReview struct {
	ID               string          `json:"id"`
	UserID           int64           `json:"user_id"`
	ImportBatchID    string          `json:"import_batch_id"`
	ProposedMappings []ColumnMapping `json:"proposed_mappings"`
	Confidence       float64         `json:"confidence"`
	BrokerHint       string          `json:"broker_hint,omitempty"`
	Resolved         bool            `json:"resolved"`
	CreatedAt        time.Time       `json:"created_at"`
	ResolvedAt       *time.Time      `json:"resolved_at,omitempty"`
}
