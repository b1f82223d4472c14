package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/username/tradevault/backend/src/models"
)

// ReviewStore persists the review-gate records that park AI-proposed
// mappings until a human approves or corrects them.
type ReviewStore struct {
	db *sql.DB
}

func NewReviewStore(db *sql.DB) *ReviewStore {
	return &ReviewStore{db: db}
}

func (s *ReviewStore) Create(review *models.PendingReview) error {
	mappingsJSON, err := marshalJSON(review.ProposedMappings)
	if err != nil {
		return fmt.Errorf("marshaling proposed mappings: %w", err)
	}
	if review.CreatedAt.IsZero() {
		review.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`INSERT INTO pending_reviews
		(id, user_id, import_batch_id, proposed_mappings, confidence, broker_hint, resolved, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		review.ID, review.UserID, review.ImportBatchID, mappingsJSON,
		review.Confidence, review.BrokerHint, review.Resolved, review.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting pending review %s: %w", review.ID, err)
	}
	return nil
}

// GetByBatch fetches the unresolved review for a batch, if any.
func (s *ReviewStore) GetByBatch(userID int64, batchID string) (*models.PendingReview, error) {
	row := s.db.QueryRow(`SELECT id, user_id, import_batch_id, proposed_mappings,
		confidence, broker_hint, resolved, created_at, resolved_at
		FROM pending_reviews WHERE user_id = ? AND import_batch_id = ? AND resolved = FALSE
		ORDER BY created_at DESC LIMIT 1`, userID, batchID)

	var review models.PendingReview
	var mappingsJSON, brokerHint sql.NullString
	var resolvedAt sql.NullTime
	err := row.Scan(&review.ID, &review.UserID, &review.ImportBatchID,
		&mappingsJSON, &review.Confidence, &brokerHint, &review.Resolved,
		&review.CreatedAt, &resolvedAt)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("pending review for batch %s: %w", batchID, ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("querying pending review for batch %s: %w", batchID, err)
	}

	review.BrokerHint = brokerHint.String
	if resolvedAt.Valid {
		review.ResolvedAt = &resolvedAt.Time
	}
	if err := unmarshalJSON(mappingsJSON.String, &review.ProposedMappings); err != nil {
		return nil, fmt.Errorf("decoding proposed mappings: %w", err)
	}
	return &review, nil
}

// ResolveBatch marks every unresolved review for a batch as handled. A batch
// can accumulate more than one review when broker selection re-runs the
// resolver, so resolution is batch-scoped rather than per review.
func (s *ReviewStore) ResolveBatch(userID int64, batchID string) error {
	now := time.Now().UTC()
	_, err := s.db.Exec(`UPDATE pending_reviews SET resolved = TRUE, resolved_at = ?
		WHERE user_id = ? AND import_batch_id = ? AND resolved = FALSE`, now, userID, batchID)
	if err != nil {
		return fmt.Errorf("resolving reviews for batch %s: %w", batchID, err)
	}
	return nil
}
