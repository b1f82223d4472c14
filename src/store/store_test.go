package store

import (
	"database/sql"
	"os"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/tradevault/backend/src/database"
	"github.com/username/tradevault/backend/src/detection"
	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

func newTestDB(t *testing.T) *sql.DB {
	t.Helper()
	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	// In-memory sqlite gives each pooled connection its own database.
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.CreateTables(db))
	return db
}

func TestBatchStoreRoundtrip(t *testing.T) {
	s := NewBatchStore(newTestDB(t))

	batch := &models.ImportBatch{
		ID:                "batch-1",
		UserID:            7,
		Filename:          "trades.csv",
		FileSize:          120,
		BrokerType:        "ibkr",
		ImportType:        models.ImportTypeStandard,
		Status:            models.BatchStatusPending,
		TotalRecords:      2,
		RawContent:        "a,b\n1,2\n",
		AccountTags:       []string{"ira"},
		MappingConfidence: 0.92,
		ColumnMappings: []models.ColumnMapping{
			{SourceColumn: "a", TargetColumn: "symbol", Priority: 1, DataType: models.DataTypeString},
		},
		UserReviewRequired: true,
	}
	require.NoError(t, s.Create(batch))

	got, err := s.Get(7, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, batch.Filename, got.Filename)
	assert.Equal(t, models.BatchStatusPending, got.Status)
	assert.Equal(t, batch.RawContent, got.RawContent)
	assert.Equal(t, []string{"ira"}, got.AccountTags)
	require.Len(t, got.ColumnMappings, 1)
	assert.Equal(t, "symbol", got.ColumnMappings[0].TargetColumn)
	assert.True(t, got.UserReviewRequired)

	got.Status = models.BatchStatusCompleted
	got.SuccessCount = 2
	got.RawContent = ""
	got.Errors = []string{"row 9: bad"}
	require.NoError(t, s.Update(got))

	updated, err := s.Get(7, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, updated.Status)
	assert.Empty(t, updated.RawContent)
	assert.Equal(t, []string{"row 9: bad"}, updated.Errors)
}

func TestBatchStoreScopedByUser(t *testing.T) {
	s := NewBatchStore(newTestDB(t))
	require.NoError(t, s.Create(&models.ImportBatch{
		ID: "batch-1", UserID: 7, Filename: "f.csv",
		ImportType: models.ImportTypeStandard, Status: models.BatchStatusPending,
	}))

	_, err := s.Get(8, "batch-1")
	assert.ErrorIs(t, err, ErrNotFound)

	foreign := &models.ImportBatch{ID: "batch-1", UserID: 8, Status: models.BatchStatusCompleted, ImportType: models.ImportTypeStandard}
	assert.ErrorIs(t, s.Update(foreign), ErrNotFound)

	_, err = s.Get(7, "no-such-batch")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestOrderStoreInsertIsDuplicateTolerant(t *testing.T) {
	s := NewOrderStore(newTestDB(t))
	executed := time.Date(2024, 7, 15, 9, 31, 2, 0, time.UTC)
	order := func() *models.NormalizedOrder {
		return &models.NormalizedOrder{
			UserID: 7, ImportBatchID: "batch-1", Symbol: "AAPL",
			Side: models.SideBuy, Quantity: 100, Status: models.OrderStatusFilled,
			OrderExecutedTime: executed, OrderPlacedTime: executed, BrokerType: "ibkr",
		}
	}

	dup, err := s.InsertOrder(order())
	require.NoError(t, err)
	assert.False(t, dup)

	exists, err := s.ExistsDuplicate(7, "AAPL", 100, executed, "ibkr")
	require.NoError(t, err)
	assert.True(t, exists)

	// The UNIQUE index catches a writer that raced past ExistsDuplicate.
	dup, err = s.InsertOrder(order())
	require.NoError(t, err)
	assert.True(t, dup)

	count, err := s.CountByBatch(7, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, 1, count)

	// A different broker is a different identity tuple.
	exists, err = s.ExistsDuplicate(7, "AAPL", 100, executed, "schwab")
	require.NoError(t, err)
	assert.False(t, exists)
}

func TestMergedFormatRepositoryCachesAndInvalidates(t *testing.T) {
	db := newTestDB(t)
	c := cache.New(time.Minute, time.Minute)
	repo := NewMergedFormatRepository(detection.NewStaticRegistry(), NewFormatStore(db), c)

	seeds, err := repo.List()
	require.NoError(t, err)
	seedCount := len(seeds)
	require.NotZero(t, seedCount)

	custom := models.BrokerFormat{
		ID: "acme-custom-1", Name: "Acme", BrokerName: "acme", Version: 1,
		Fingerprint: models.ComputeFingerprint([]string{"x", "y"}),
		Confidence:  0.85,
		FieldMappings: map[string]models.FieldMapping{
			"x": {TargetField: "symbol", DataType: models.DataTypeString, Required: true},
		},
		DetectionPatterns: models.DetectionPatterns{RequiredHeaders: []string{"x"}},
	}
	require.NoError(t, repo.Add(custom))

	// Add must bust the cached list.
	merged, err := repo.List()
	require.NoError(t, err)
	assert.Len(t, merged, seedCount+1)

	require.NoError(t, repo.RecordUsage("acme-custom-1", 0.75))
	var usage int
	var rate float64
	require.NoError(t, db.QueryRow(
		"SELECT usage_count, last_success_rate FROM broker_formats WHERE id = ?",
		"acme-custom-1").Scan(&usage, &rate))
	assert.Equal(t, 1, usage)
	assert.Equal(t, 0.75, rate)
}

func TestUploadLogLifecycle(t *testing.T) {
	s := NewUploadLogStore(newTestDB(t))

	log := &models.CsvUploadLog{
		ID: "log-1", UserID: 7, Filename: "trades.csv",
		UploadStatus: models.UploadStatusUploaded,
	}
	require.NoError(t, s.Create(log))
	require.NoError(t, s.SetStatus("log-1", models.UploadStatusParsing))
	require.NoError(t, s.SetParsed("log-1", []string{"Date", "Symbol"}, 2, models.ParseMethodStandard))
	require.NoError(t, s.LinkBatch("log-1", "batch-1"))
	require.NoError(t, s.SetStatus("log-1", models.UploadStatusImported))

	got, err := s.GetByBatch(7, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusImported, got.UploadStatus)
	assert.Equal(t, models.ParseMethodStandard, got.ParseMethod)
	assert.Equal(t, []string{"Date", "Symbol"}, got.Headers)
	assert.Equal(t, 2, got.RowCount)

	assert.ErrorIs(t, s.SetStatus("no-such-log", models.UploadStatusFailed), ErrNotFound)
}

func TestReviewStoreResolveBatch(t *testing.T) {
	s := NewReviewStore(newTestDB(t))

	first := &models.PendingReview{
		ID: "review-1", UserID: 7, ImportBatchID: "batch-1",
		ProposedMappings: []models.ColumnMapping{
			{SourceColumn: "a", TargetColumn: "symbol", Priority: 1, DataType: models.DataTypeString},
		},
		Confidence: 0.8,
		CreatedAt:  time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC),
	}
	require.NoError(t, s.Create(first))

	got, err := s.GetByBatch(7, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "review-1", got.ID)
	require.Len(t, got.ProposedMappings, 1)

	// A superseding review replaces the first once the old one is resolved.
	require.NoError(t, s.ResolveBatch(7, "batch-1"))
	second := &models.PendingReview{
		ID: "review-2", UserID: 7, ImportBatchID: "batch-1",
		Confidence: 0.9, BrokerHint: "ibkr",
		CreatedAt: time.Date(2024, 7, 15, 12, 5, 0, 0, time.UTC),
	}
	require.NoError(t, s.Create(second))

	got, err = s.GetByBatch(7, "batch-1")
	require.NoError(t, err)
	assert.Equal(t, "review-2", got.ID)
	assert.Equal(t, "ibkr", got.BrokerHint)

	require.NoError(t, s.ResolveBatch(7, "batch-1"))
	_, err = s.GetByBatch(7, "batch-1")
	assert.ErrorIs(t, err, ErrNotFound)

	// Resolving an already-clean batch is a no-op.
	require.NoError(t, s.ResolveBatch(7, "batch-1"))
}
