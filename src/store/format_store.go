package store

import (
	"database/sql"
	"fmt"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/username/tradevault/backend/src/detection"
	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
)

const (
	formatListCacheKey    = "broker_formats_all"
	formatCacheExpiration = 5 * time.Minute
)

// FormatStore is the database-backed half of the format registry: dynamic
// formats created from user-confirmed or AI-approved mappings.
type FormatStore struct {
	db *sql.DB
}

func NewFormatStore(db *sql.DB) *FormatStore {
	return &FormatStore{db: db}
}

func (s *FormatStore) List() ([]models.BrokerFormat, error) {
	rows, err := s.db.Query(`SELECT id, name, broker_name, version, fingerprint,
		confidence, field_mappings, detection_patterns, usage_count,
		last_success_rate, created_at
		FROM broker_formats ORDER BY id ASC`)
	if err != nil {
		return nil, fmt.Errorf("querying broker formats: %w", err)
	}
	defer rows.Close()

	var formats []models.BrokerFormat
	for rows.Next() {
		var f models.BrokerFormat
		var mappingsJSON, patternsJSON string
		if err := rows.Scan(&f.ID, &f.Name, &f.BrokerName, &f.Version,
			&f.Fingerprint, &f.Confidence, &mappingsJSON, &patternsJSON,
			&f.UsageCount, &f.LastSuccessRate, &f.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning broker format row: %w", err)
		}
		if err := unmarshalJSON(mappingsJSON, &f.FieldMappings); err != nil {
			return nil, fmt.Errorf("decoding field mappings for %s: %w", f.ID, err)
		}
		if err := unmarshalJSON(patternsJSON, &f.DetectionPatterns); err != nil {
			return nil, fmt.Errorf("decoding detection patterns for %s: %w", f.ID, err)
		}
		formats = append(formats, f)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating broker format rows: %w", err)
	}
	return formats, nil
}

func (s *FormatStore) Add(format models.BrokerFormat) error {
	mappingsJSON, err := marshalJSON(format.FieldMappings)
	if err != nil {
		return fmt.Errorf("marshaling field mappings: %w", err)
	}
	patternsJSON, err := marshalJSON(format.DetectionPatterns)
	if err != nil {
		return fmt.Errorf("marshaling detection patterns: %w", err)
	}
	if format.CreatedAt.IsZero() {
		format.CreatedAt = time.Now().UTC()
	}

	_, err = s.db.Exec(`INSERT INTO broker_formats
		(id, name, broker_name, version, fingerprint, confidence,
		 field_mappings, detection_patterns, usage_count, last_success_rate, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		format.ID, format.Name, format.BrokerName, format.Version,
		format.Fingerprint, format.Confidence, mappingsJSON, patternsJSON,
		format.UsageCount, format.LastSuccessRate, format.CreatedAt)
	if err != nil {
		return fmt.Errorf("inserting broker format %s: %w", format.ID, err)
	}
	return nil
}

// RecordUsage bumps the usage counter and folds the batch success rate into
// the stored bias after every registry-path import.
func (s *FormatStore) RecordUsage(formatID string, successRate float64) error {
	_, err := s.db.Exec(`UPDATE broker_formats
		SET usage_count = usage_count + 1, last_success_rate = ?
		WHERE id = ?`, successRate, formatID)
	if err != nil {
		return fmt.Errorf("recording usage for format %s: %w", formatID, err)
	}
	return nil
}

// MergedFormatRepository presents the static seed registry and the dynamic
// database formats as one list, cached briefly since detection hits it on
// every upload.
type MergedFormatRepository struct {
	static  *detection.StaticRegistry
	dynamic *FormatStore
	cache   *cache.Cache
}

func NewMergedFormatRepository(static *detection.StaticRegistry, dynamic *FormatStore, c *cache.Cache) *MergedFormatRepository {
	return &MergedFormatRepository{static: static, dynamic: dynamic, cache: c}
}

func (r *MergedFormatRepository) List() ([]models.BrokerFormat, error) {
	if cached, found := r.cache.Get(formatListCacheKey); found {
		return cached.([]models.BrokerFormat), nil
	}

	seeds, err := r.static.List()
	if err != nil {
		return nil, err
	}
	dynamic, err := r.dynamic.List()
	if err != nil {
		return nil, err
	}

	merged := make([]models.BrokerFormat, 0, len(seeds)+len(dynamic))
	merged = append(merged, seeds...)
	merged = append(merged, dynamic...)
	r.cache.Set(formatListCacheKey, merged, formatCacheExpiration)
	return merged, nil
}

// Add registers a dynamic format and invalidates the merged cache.
func (r *MergedFormatRepository) Add(format models.BrokerFormat) error {
	if err := r.dynamic.Add(format); err != nil {
		return err
	}
	r.cache.Delete(formatListCacheKey)
	logger.L.Info("Registered dynamic broker format", "formatID", format.ID, "broker", format.BrokerName)
	return nil
}

// RecordUsage updates usage stats for dynamic formats; static seeds keep
// their stats in memory only.
func (r *MergedFormatRepository) RecordUsage(formatID string, successRate float64) error {
	if err := r.dynamic.RecordUsage(formatID, successRate); err != nil {
		return err
	}
	r.cache.Delete(formatListCacheKey)
	return nil
}
