package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/username/tradevault/backend/src/models"
)

// BatchStore persists import batches and their lifecycle transitions.
type BatchStore struct {
	db *sql.DB
}

func NewBatchStore(db *sql.DB) *BatchStore {
	return &BatchStore{db: db}
}

func (s *BatchStore) Create(batch *models.ImportBatch) error {
	errorsJSON, err := marshalJSON(batch.Errors)
	if err != nil {
		return fmt.Errorf("marshaling batch errors: %w", err)
	}
	mappingsJSON, err := marshalJSON(batch.ColumnMappings)
	if err != nil {
		return fmt.Errorf("marshaling column mappings: %w", err)
	}
	tagsJSON, err := marshalJSON(batch.AccountTags)
	if err != nil {
		return fmt.Errorf("marshaling account tags: %w", err)
	}

	now := time.Now().UTC()
	batch.CreatedAt = now
	batch.UpdatedAt = now

	_, err = s.db.Exec(`INSERT INTO import_batches
		(id, user_id, filename, file_size, broker_type, import_type, status,
		 total_records, success_count, error_count, errors, ai_mapping_used,
		 mapping_confidence, column_mappings, user_review_required,
		 requires_broker_selection, raw_content, account_tags, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		batch.ID, batch.UserID, batch.Filename, batch.FileSize, batch.BrokerType,
		string(batch.ImportType), string(batch.Status), batch.TotalRecords,
		batch.SuccessCount, batch.ErrorCount, errorsJSON, batch.AIMappingUsed,
		batch.MappingConfidence, mappingsJSON, batch.UserReviewRequired,
		batch.RequiresBrokerSelection, batch.RawContent, tagsJSON,
		batch.CreatedAt, batch.UpdatedAt)
	if err != nil {
		return fmt.Errorf("inserting import batch %s: %w", batch.ID, err)
	}
	return nil
}

func (s *BatchStore) Update(batch *models.ImportBatch) error {
	errorsJSON, err := marshalJSON(batch.Errors)
	if err != nil {
		return fmt.Errorf("marshaling batch errors: %w", err)
	}
	mappingsJSON, err := marshalJSON(batch.ColumnMappings)
	if err != nil {
		return fmt.Errorf("marshaling column mappings: %w", err)
	}

	batch.UpdatedAt = time.Now().UTC()
	res, err := s.db.Exec(`UPDATE import_batches SET
		broker_type = ?, import_type = ?, status = ?, total_records = ?,
		success_count = ?, error_count = ?, errors = ?, ai_mapping_used = ?,
		mapping_confidence = ?, column_mappings = ?, user_review_required = ?,
		requires_broker_selection = ?, raw_content = ?, updated_at = ?
		WHERE id = ? AND user_id = ?`,
		batch.BrokerType, string(batch.ImportType), string(batch.Status),
		batch.TotalRecords, batch.SuccessCount, batch.ErrorCount, errorsJSON,
		batch.AIMappingUsed, batch.MappingConfidence, mappingsJSON,
		batch.UserReviewRequired, batch.RequiresBrokerSelection,
		batch.RawContent, batch.UpdatedAt, batch.ID, batch.UserID)
	if err != nil {
		return fmt.Errorf("updating import batch %s: %w", batch.ID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("import batch %s: %w", batch.ID, ErrNotFound)
	}
	return nil
}

func (s *BatchStore) Get(userID int64, batchID string) (*models.ImportBatch, error) {
	row := s.db.QueryRow(`SELECT id, user_id, filename, file_size, broker_type,
		import_type, status, total_records, success_count, error_count, errors,
		ai_mapping_used, mapping_confidence, column_mappings,
		user_review_required, requires_broker_selection, raw_content,
		account_tags, created_at, updated_at
		FROM import_batches WHERE id = ? AND user_id = ?`, batchID, userID)

	var batch models.ImportBatch
	var importType, status string
	var errorsJSON, mappingsJSON, tagsJSON sql.NullString
	var brokerType, rawContent sql.NullString
	err := row.Scan(&batch.ID, &batch.UserID, &batch.Filename, &batch.FileSize,
		&brokerType, &importType, &status, &batch.TotalRecords,
		&batch.SuccessCount, &batch.ErrorCount, &errorsJSON,
		&batch.AIMappingUsed, &batch.MappingConfidence, &mappingsJSON,
		&batch.UserReviewRequired, &batch.RequiresBrokerSelection, &rawContent,
		&tagsJSON, &batch.CreatedAt, &batch.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("import batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying import batch %s: %w", batchID, err)
	}

	batch.BrokerType = brokerType.String
	batch.ImportType = models.ImportType(importType)
	batch.Status = models.BatchStatus(status)
	batch.RawContent = rawContent.String
	if err := unmarshalJSON(errorsJSON.String, &batch.Errors); err != nil {
		return nil, fmt.Errorf("decoding batch errors: %w", err)
	}
	if err := unmarshalJSON(mappingsJSON.String, &batch.ColumnMappings); err != nil {
		return nil, fmt.Errorf("decoding column mappings: %w", err)
	}
	if err := unmarshalJSON(tagsJSON.String, &batch.AccountTags); err != nil {
		return nil, fmt.Errorf("decoding account tags: %w", err)
	}
	return &batch, nil
}
