package services

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/patrickmn/go-cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/username/tradevault/backend/src/database"
	"github.com/username/tradevault/backend/src/detection"
	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/mapping"
	"github.com/username/tradevault/backend/src/models"
	"github.com/username/tradevault/backend/src/store"
)

func TestMain(m *testing.M) {
	logger.InitLogger("error")
	os.Exit(m.Run())
}

type stubMappingAdapter struct {
	proposal *mapping.MappingProposal
	err      error
	calls    int
}

func (a *stubMappingAdapter) ProposeMapping(_ context.Context, _ []string, _ []map[string]string, _ string) (*mapping.MappingProposal, error) {
	a.calls++
	if a.err != nil {
		return nil, a.err
	}
	return a.proposal, nil
}

var fixedNow = time.Date(2024, 7, 15, 12, 0, 0, 0, time.UTC)

func newTestService(t *testing.T, adapter mapping.MappingAdapter) (*ingestionServiceImpl, *sql.DB) {
	t.Helper()

	db, err := sql.Open("sqlite", ":memory:")
	require.NoError(t, err)
	db.SetMaxOpenConns(1)
	t.Cleanup(func() { db.Close() })
	require.NoError(t, database.CreateTables(db))

	engineCache := cache.New(time.Minute, time.Minute)
	formatRepo := store.NewMergedFormatRepository(detection.NewStaticRegistry(), store.NewFormatStore(db), engineCache)
	detector := detection.NewDetector(formatRepo)
	resolver := mapping.NewResolver(detector, adapter, true)

	svc := &ingestionServiceImpl{
		batches:    store.NewBatchStore(db),
		orders:     store.NewOrderStore(db),
		uploadLogs: store.NewUploadLogStore(db),
		reviews:    store.NewReviewStore(db),
		formats:    formatRepo,
		detector:   detector,
		resolver:   resolver,
		email:      &MockEmailService{ReviewBaseURL: "http://localhost:3000/imports"},
		cache:      engineCache,
		now:        func() time.Time { return fixedNow },
	}
	return svc, db
}

const ibkrCSV = "Date,Symbol,Buy/Sell,Quantity,T. Price,Comm/Fee\n" +
	"\"2024-07-15, 09:31:02\",AAPL,BUY,100,189.34,-1.00\n" +
	"\"2024-07-15, 10:02:11\",TSLA,SELL,50,250.10,-1.00\n"

const statementCSV = `Account Statement for 865243 on 7/15/24

Working Orders
Time Placed,Side,Qty,Symbol,Price,Order Type
7/14/24 21:10:00,BUY,10,MSFT,420.00,LMT

Filled Orders
Exec Time,Side,Qty,Symbol,Price,Pos Effect
7/15/24 09:31:02,BUY,100,AAPL,189.34,TO OPEN
7/15/24 10:05:00,SELL,50,TSLA,250.10,TO CLOSE

Canceled Orders
Time Canceled,Side,Qty,Symbol,Price
7/15/24 11:00:00,BUY,5,NVDA,120.00
`

func countRows(t *testing.T, db *sql.DB, query string, args ...interface{}) int {
	t.Helper()
	var n int
	require.NoError(t, db.QueryRow(query, args...).Scan(&n))
	return n
}

func TestIngestKnownBrokerExport(t *testing.T) {
	adapter := &stubMappingAdapter{}
	svc, db := newTestService(t, adapter)

	result, err := svc.Ingest(context.Background(), IngestInput{
		Content:  ibkrCSV,
		FileName: "trades.csv",
		UserID:   7,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, models.ImportTypeStandard, result.ImportType)
	assert.Equal(t, 2, result.TotalRecords)
	assert.Equal(t, 2, result.SuccessCount)
	assert.Zero(t, result.ErrorCount)
	assert.False(t, result.RequiresUserReview)
	assert.False(t, result.RequiresBrokerSelection)
	assert.Equal(t, "ibkr", result.BrokerFormatUsed)
	assert.Zero(t, adapter.calls)

	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders WHERE user_id = 7"))
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(1) FROM normalized_trades WHERE user_id = 7"))

	batch, err := svc.GetBatch(7, result.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Empty(t, batch.RawContent)

	uploadLog, err := svc.uploadLogs.GetByBatch(7, result.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.UploadStatusImported, uploadLog.UploadStatus)
	assert.Equal(t, models.ParseMethodStandard, uploadLog.ParseMethod)
}

func TestIngestRowErrorsDoNotSinkBatch(t *testing.T) {
	svc, _ := newTestService(t, &stubMappingAdapter{})

	content := "Date,Symbol,Buy/Sell,Quantity,T. Price,Comm/Fee\n" +
		"\"2024-07-15, 09:31:02\",AAPL,BUY,100,189.34,-1.00\n" +
		"\"2024-07-15, 10:02:11\",,SELL,50,250.10,-1.00\n"

	result, err := svc.Ingest(context.Background(), IngestInput{Content: content, FileName: "partial.csv", UserID: 7})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 2, result.TotalRecords)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Equal(t, 1, result.ErrorCount)
	require.Len(t, result.Errors, 1)
	assert.Contains(t, result.Errors[0], "row 2")
}

func TestIngestAllRowsFailingFailsBatch(t *testing.T) {
	svc, _ := newTestService(t, &stubMappingAdapter{})

	content := "Date,Symbol,Buy/Sell,Quantity,T. Price,Comm/Fee\n" +
		"\"2024-07-15, 09:31:02\",,BUY,100,189.34,-1.00\n"

	result, err := svc.Ingest(context.Background(), IngestInput{Content: content, FileName: "bad.csv", UserID: 7})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.Equal(t, 1, result.ErrorCount)

	batch, err := svc.GetBatch(7, result.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusFailed, batch.Status)
}

func TestIngestDuplicateGuardAcrossBatches(t *testing.T) {
	svc, db := newTestService(t, &stubMappingAdapter{})
	ctx := context.Background()

	first, err := svc.Ingest(ctx, IngestInput{Content: ibkrCSV, FileName: "trades.csv", UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, 2, first.SuccessCount)

	// Re-importing the identical file skips every row: not successes, not
	// errors.
	second, err := svc.Ingest(ctx, IngestInput{Content: ibkrCSV, FileName: "trades.csv", UserID: 7})
	require.NoError(t, err)
	assert.Equal(t, 2, second.TotalRecords)
	assert.Zero(t, second.SuccessCount)
	assert.Zero(t, second.ErrorCount)
	assert.True(t, second.Success)

	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders WHERE user_id = 7"))

	// A different user importing the same rows is unaffected.
	other, err := svc.Ingest(ctx, IngestInput{Content: ibkrCSV, FileName: "trades.csv", UserID: 8})
	require.NoError(t, err)
	assert.Equal(t, 2, other.SuccessCount)
}

func TestIngestDuplicateRowsWithinOneFile(t *testing.T) {
	svc, db := newTestService(t, &stubMappingAdapter{})

	content := "Date,Symbol,Buy/Sell,Quantity,T. Price,Comm/Fee\n" +
		"\"2024-07-15, 09:31:02\",AAPL,BUY,100,189.34,-1.00\n" +
		"\"2024-07-15, 09:31:02\",AAPL,BUY,100,189.34,-1.00\n"

	result, err := svc.Ingest(context.Background(), IngestInput{Content: content, FileName: "dup.csv", UserID: 7})
	require.NoError(t, err)

	assert.Equal(t, 2, result.TotalRecords)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Zero(t, result.ErrorCount)
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders WHERE user_id = 7"))
}

func TestIngestUnknownFormatParksBatch(t *testing.T) {
	adapter := &stubMappingAdapter{err: errors.New("upstream down")}
	svc, _ := newTestService(t, adapter)

	result, err := svc.Ingest(context.Background(), IngestInput{
		Content:  "foo,bar,baz\n1,2,3\n",
		FileName: "mystery.csv",
		UserID:   7,
	})
	require.NoError(t, err)

	assert.False(t, result.Success)
	assert.True(t, result.RequiresUserReview)
	assert.True(t, result.RequiresBrokerSelection)
	assert.Equal(t, 1, adapter.calls)

	batch, err := svc.GetBatch(7, result.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, batch.Status)
	// Raw content is retained so the batch can resume without re-upload.
	assert.Equal(t, "foo,bar,baz\n1,2,3\n", batch.RawContent)
}

func TestIngestSectionedStatement(t *testing.T) {
	adapter := &stubMappingAdapter{}
	svc, db := newTestService(t, adapter)

	result, err := svc.Ingest(context.Background(), IngestInput{
		Content:  statementCSV,
		FileName: "statement.csv",
		UserID:   7,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, models.ImportTypeCustom, result.ImportType)
	assert.Equal(t, 4, result.TotalRecords)
	assert.Equal(t, 4, result.SuccessCount)
	assert.Zero(t, result.ErrorCount)
	assert.Equal(t, "td_ameritrade", result.BrokerFormatUsed)
	assert.Zero(t, adapter.calls)

	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders WHERE status = 'WORKING'"))
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders WHERE status = 'FILLED'"))
	assert.Equal(t, 1, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders WHERE status = 'CANCELLED'"))
	// Only filled orders produce trade records.
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(1) FROM normalized_trades"))

	batch, err := svc.GetBatch(7, result.ImportBatchID)
	require.NoError(t, err)
	assert.False(t, batch.AIMappingUsed)
}

func TestSelectBrokerThenConfirmMapping(t *testing.T) {
	adapter := &stubMappingAdapter{proposal: &mapping.MappingProposal{
		Mappings: map[string]mapping.ProposedField{
			"tick": {Field: "symbol", Confidence: 0.9},
			"act":  {Field: "side", Confidence: 0.85},
			"amt":  {Field: "quantity", Confidence: 0.9},
		},
		OverallConfidence: 0.88,
	}}
	svc, db := newTestService(t, adapter)
	ctx := context.Background()

	content := "tick,act,amt\nAAPL,BUY,100\nTSLA,SELL,50\n"
	parked, err := svc.Ingest(ctx, IngestInput{Content: content, FileName: "custom.csv", UserID: 7})
	require.NoError(t, err)
	assert.True(t, parked.RequiresBrokerSelection)
	assert.True(t, parked.RequiresUserReview)
	require.NotNil(t, parked.MappingResult)

	// The AI proposal is never auto-applied: selecting a broker re-resolves
	// but the batch stays parked behind the review gate.
	selected, err := svc.SelectBroker(ctx, 7, parked.ImportBatchID, "obscurebroker")
	require.NoError(t, err)
	assert.False(t, selected.RequiresBrokerSelection)
	assert.True(t, selected.RequiresUserReview)
	assert.Zero(t, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders"))

	batch, err := svc.GetBatch(7, parked.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusPending, batch.Status)
	assert.Equal(t, "obscurebroker", batch.BrokerType)

	// Approving the proposal as-is (empty mappings) finishes the import.
	confirmed, err := svc.ConfirmMapping(ctx, 7, parked.ImportBatchID, nil, "", false)
	require.NoError(t, err)
	assert.True(t, confirmed.Success)
	assert.Equal(t, 2, confirmed.SuccessCount)
	assert.Equal(t, 2, countRows(t, db, "SELECT COUNT(1) FROM normalized_orders"))

	batch, err = svc.GetBatch(7, parked.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.BatchStatusCompleted, batch.Status)
	assert.Empty(t, batch.RawContent)

	uploadLog, err := svc.uploadLogs.GetByBatch(7, parked.ImportBatchID)
	require.NoError(t, err)
	assert.Equal(t, models.ParseMethodUserCorrected, uploadLog.ParseMethod)

	// The review is resolved; nothing is left pending for the batch.
	_, err = svc.reviews.GetByBatch(7, parked.ImportBatchID)
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestConfirmMappingRegistersDynamicFormat(t *testing.T) {
	adapter := &stubMappingAdapter{err: errors.New("adapter down")}
	svc, _ := newTestService(t, adapter)
	ctx := context.Background()

	content := "tick,act,amt\nAAPL,BUY,100\n"
	parked, err := svc.Ingest(ctx, IngestInput{Content: content, FileName: "custom.csv", UserID: 7})
	require.NoError(t, err)

	userMappings := []models.ColumnMapping{
		{SourceColumn: "tick", TargetColumn: "symbol", Confidence: 1.0, Priority: 1, DataType: models.DataTypeString, Transformer: "uppercase"},
		{SourceColumn: "act", TargetColumn: "side", Confidence: 1.0, Priority: 1, DataType: models.DataTypeString, Transformer: "sideMapping"},
		{SourceColumn: "amt", TargetColumn: "quantity", Confidence: 1.0, Priority: 1, DataType: models.DataTypeNumber, Transformer: "parseQuantity"},
	}
	confirmed, err := svc.ConfirmMapping(ctx, 7, parked.ImportBatchID, userMappings, "obscurebroker", true)
	require.NoError(t, err)
	assert.True(t, confirmed.Success)

	// The registered format makes the same layout detectable next time.
	validated, err := svc.Validate(content, "again.csv")
	require.NoError(t, err)
	assert.True(t, validated.Matched)
	assert.Contains(t, validated.DetectedFormatID, "obscurebroker-custom-")
}

func TestConfirmMappingGuards(t *testing.T) {
	svc, _ := newTestService(t, &stubMappingAdapter{})
	ctx := context.Background()

	_, err := svc.ConfirmMapping(ctx, 7, "no-such-batch", nil, "", false)
	assert.ErrorIs(t, err, ErrBatchNotFound)

	// A completed batch cannot be confirmed again.
	done, err := svc.Ingest(ctx, IngestInput{Content: ibkrCSV, FileName: "trades.csv", UserID: 7})
	require.NoError(t, err)
	_, err = svc.ConfirmMapping(ctx, 7, done.ImportBatchID, nil, "", false)
	assert.ErrorIs(t, err, ErrBatchNotPending)

	// Another user's batch is invisible.
	_, err = svc.GetBatch(99, done.ImportBatchID)
	assert.ErrorIs(t, err, ErrBatchNotFound)
}

func TestSelectBrokerGuards(t *testing.T) {
	svc, _ := newTestService(t, &stubMappingAdapter{})
	ctx := context.Background()

	_, err := svc.SelectBroker(ctx, 7, "no-such-batch", "ibkr")
	assert.ErrorIs(t, err, ErrBatchNotFound)

	done, err := svc.Ingest(ctx, IngestInput{Content: ibkrCSV, FileName: "trades.csv", UserID: 7})
	require.NoError(t, err)
	_, err = svc.SelectBroker(ctx, 7, done.ImportBatchID, "ibkr")
	assert.ErrorIs(t, err, ErrBatchNotPending)

	_, err = svc.SelectBroker(ctx, 7, done.ImportBatchID, "")
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestValidatePreview(t *testing.T) {
	svc, _ := newTestService(t, &stubMappingAdapter{})

	result, err := svc.Validate(ibkrCSV, "trades.csv")
	require.NoError(t, err)
	assert.True(t, result.Matched)
	assert.Equal(t, "ibkr-trades-v1", result.DetectedFormatID)
	assert.Equal(t, 2, result.RowCount)
	assert.False(t, result.Sectioned)

	sectioned, err := svc.Validate(statementCSV, "statement.csv")
	require.NoError(t, err)
	assert.True(t, sectioned.Sectioned)
	assert.Equal(t, 4, sectioned.RowCount)
	assert.Equal(t, "tos-statement-v1", sectioned.DetectedFormatID)

	_, err = svc.Validate("", "empty.csv")
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestIngestEmptyFileFailsValidation(t *testing.T) {
	svc, _ := newTestService(t, &stubMappingAdapter{})
	_, err := svc.Ingest(context.Background(), IngestInput{Content: "  \n ", FileName: "empty.csv", UserID: 7})
	assert.ErrorIs(t, err, ErrValidationFailed)
}

func TestIngestUserMappingsBypassDetection(t *testing.T) {
	adapter := &stubMappingAdapter{}
	svc, db := newTestService(t, adapter)

	userMappings := []models.ColumnMapping{
		{SourceColumn: "a", TargetColumn: "symbol", Confidence: 1.0, Priority: 1, DataType: models.DataTypeString, Transformer: "uppercase"},
		{SourceColumn: "b", TargetColumn: "side", Confidence: 1.0, Priority: 1, DataType: models.DataTypeString, Transformer: "sideMapping"},
		{SourceColumn: "c", TargetColumn: "quantity", Confidence: 1.0, Priority: 1, DataType: models.DataTypeNumber, Transformer: "parseQuantity"},
	}
	result, err := svc.Ingest(context.Background(), IngestInput{
		Content:      "a,b,c\nmsft,bot,25\n",
		FileName:     "manual.csv",
		UserID:       7,
		UserMappings: userMappings,
	})
	require.NoError(t, err)

	assert.True(t, result.Success)
	assert.Equal(t, 1, result.SuccessCount)
	assert.Zero(t, adapter.calls)

	var symbol, side string
	require.NoError(t, db.QueryRow("SELECT symbol, side FROM normalized_orders LIMIT 1").Scan(&symbol, &side))
	assert.Equal(t, "MSFT", symbol)
	assert.Equal(t, "BUY", side)
}

func TestIngestAccountTagsPropagate(t *testing.T) {
	svc, db := newTestService(t, &stubMappingAdapter{})

	result, err := svc.Ingest(context.Background(), IngestInput{
		Content:     ibkrCSV,
		FileName:    "trades.csv",
		UserID:      7,
		AccountTags: []string{"ira", "swing"},
	})
	require.NoError(t, err)
	assert.True(t, result.Success)

	var tags string
	require.NoError(t, db.QueryRow("SELECT tags FROM normalized_orders LIMIT 1").Scan(&tags))
	assert.Contains(t, tags, "ira")
	assert.Contains(t, tags, "swing")
}
