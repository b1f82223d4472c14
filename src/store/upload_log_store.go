package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/username/tradevault/backend/src/models"
)

// UploadLogStore keeps the per-upload audit trail. The log mirrors the batch
// lifecycle at finer granularity and exists purely for diagnostics.
type UploadLogStore struct {
	db *sql.DB
}

func NewUploadLogStore(db *sql.DB) *UploadLogStore {
	return &UploadLogStore{db: db}
}

func (s *UploadLogStore) Create(log *models.CsvUploadLog) error {
	headersJSON, err := marshalJSON(log.Headers)
	if err != nil {
		return fmt.Errorf("marshaling upload log headers: %w", err)
	}
	if log.CreatedAt.IsZero() {
		log.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`INSERT INTO csv_upload_logs
		(id, user_id, filename, headers, row_count, upload_status, parse_method, import_batch_id, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		log.ID, log.UserID, log.Filename, headersJSON, log.RowCount,
		string(log.UploadStatus), string(log.ParseMethod), log.ImportBatchID, log.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting upload log %s: %w", log.ID, err)
	}
	return nil
}

// SetStatus advances the audit status; headers and row count may be filled
// in once parsing has succeeded.
func (s *UploadLogStore) SetStatus(logID string, status models.UploadStatus) error {
	res, err := s.db.Exec(`UPDATE csv_upload_logs SET upload_status = ? WHERE id = ?`,
		string(status), logID)
	if err != nil {
		return fmt.Errorf("updating upload log %s status: %w", logID, err)
	}
	if affected, _ := res.RowsAffected(); affected == 0 {
		return fmt.Errorf("upload log %s: %w", logID, ErrNotFound)
	}
	return nil
}

// SetParsed records the parse outcome: original headers, row count and which
// mapping path produced the result.
func (s *UploadLogStore) SetParsed(logID string, headers []string, rowCount int, method models.ParseMethod) error {
	headersJSON, err := marshalJSON(headers)
	if err != nil {
		return fmt.Errorf("marshaling upload log headers: %w", err)
	}
	_, err = s.db.Exec(`UPDATE csv_upload_logs SET headers = ?, row_count = ?, parse_method = ? WHERE id = ?`,
		headersJSON, rowCount, string(method), logID)
	if err != nil {
		return fmt.Errorf("updating upload log %s parse info: %w", logID, err)
	}
	return nil
}

// LinkBatch ties the audit log to the batch it produced.
func (s *UploadLogStore) LinkBatch(logID, batchID string) error {
	_, err := s.db.Exec(`UPDATE csv_upload_logs SET import_batch_id = ? WHERE id = ?`, batchID, logID)
	if err != nil {
		return fmt.Errorf("linking upload log %s to batch %s: %w", logID, batchID, err)
	}
	return nil
}

// GetByBatch fetches the audit log for one batch.
func (s *UploadLogStore) GetByBatch(userID int64, batchID string) (*models.CsvUploadLog, error) {
	row := s.db.QueryRow(`SELECT id, user_id, filename, headers, row_count,
		upload_status, parse_method, import_batch_id, created_at
		FROM csv_upload_logs WHERE user_id = ? AND import_batch_id = ?`, userID, batchID)

	var log models.CsvUploadLog
	var headersJSON, parseMethod, linkedBatch sql.NullString
	var status string
	err := row.Scan(&log.ID, &log.UserID, &log.Filename, &headersJSON,
		&log.RowCount, &status, &parseMethod, &linkedBatch, &log.CreatedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("upload log for batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying upload log for batch %s: %w", batchID, err)
	}

	log.UploadStatus = models.UploadStatus(status)
	log.ParseMethod = models.ParseMethod(parseMethod.String)
	log.ImportBatchID = linkedBatch.String
	if err := unmarshalJSON(headersJSON.String, &log.Headers); err != nil {
		return nil, fmt.Errorf("decoding upload log headers: %w", err)
	}
	return &log, nil
}
