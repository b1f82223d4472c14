package services

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/patrickmn/go-cache"
	"github.com/username/tradevault/backend/src/detection"
	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/mapping"
	"github.com/username/tradevault/backend/src/models"
	"github.com/username/tradevault/backend/src/parsers"
	"github.com/username/tradevault/backend/src/security/validation"
	"github.com/username/tradevault/backend/src/store"
)

const validationCacheExpiration = 10 * time.Minute

// FormatRegistry is the registry surface the service needs: detection's
// read/add view plus usage statistics.
type FormatRegistry interface {
	detection.FormatRepository
	RecordUsage(formatID string, successRate float64) error
}

type ingestionServiceImpl struct {
	batches    *store.BatchStore
	orders     *store.OrderStore
	uploadLogs *store.UploadLogStore
	reviews    *store.ReviewStore
	formats    FormatRegistry
	detector   *detection.Detector
	resolver   *mapping.Resolver
	email      EmailService
	cache      *cache.Cache

	now func() time.Time
}

func NewIngestionService(
	batches *store.BatchStore,
	orders *store.OrderStore,
	uploadLogs *store.UploadLogStore,
	reviews *store.ReviewStore,
	formats FormatRegistry,
	detector *detection.Detector,
	resolver *mapping.Resolver,
	email EmailService,
	c *cache.Cache,
) IngestionService {
	return &ingestionServiceImpl{
		batches:    batches,
		orders:     orders,
		uploadLogs: uploadLogs,
		reviews:    reviews,
		formats:    formats,
		detector:   detector,
		resolver:   resolver,
		email:      email,
		cache:      c,
		now:        func() time.Time { return time.Now().UTC() },
	}
}

// Ingest runs the full pipeline for one upload: parse, resolve a mapping
// strategy, then either import rows or park the batch at a human gate.
// Row-level failures never abort the batch; they are counted and reported.
func (s *ingestionServiceImpl) Ingest(ctx context.Context, input IngestInput) (*IngestionResult, error) {
	uploadLog := &models.CsvUploadLog{
		ID:           uuid.NewString(),
		UserID:       input.UserID,
		Filename:     input.FileName,
		UploadStatus: models.UploadStatusUploaded,
	}
	if err := s.uploadLogs.Create(uploadLog); err != nil {
		return nil, fmt.Errorf("creating upload log: %w", err)
	}

	if strings.TrimSpace(input.Content) == "" {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, parsers.ErrEmptyFile)
	}
	if int64(len(input.Content)) > parsers.MaxFileSizeBytes {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, parsers.ErrFileTooLarge)
	}

	if err := s.uploadLogs.SetStatus(uploadLog.ID, models.UploadStatusParsing); err != nil {
		logger.L.Warn("Failed to advance upload log status", "uploadLogID", uploadLog.ID, "error", err)
	}

	// Multi-section statements bypass per-row mapping entirely.
	if len(input.UserMappings) == 0 && parsers.IsSectionedStatement(input.Content) {
		return s.ingestSectioned(input, uploadLog)
	}

	parsed, err := parsers.ParseCSV(input.Content, input.FileName)
	if err != nil {
		s.markUploadFailed(uploadLog.ID)
		if errors.Is(err, parsers.ErrEmptyFile) || errors.Is(err, parsers.ErrFileTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	resolution, err := s.resolver.Resolve(ctx, mapping.ResolveInput{
		Headers:      parsed.Headers,
		SampleRows:   parsed.SampleRows,
		Content:      input.Content,
		UserMappings: input.UserMappings,
		BrokerHint:   input.BrokerHint,
	})
	if err != nil {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("resolving mapping strategy: %w", err)
	}

	batch := s.newBatch(input, models.ImportTypeStandard)
	batch.TotalRecords = parsed.RowCount
	batch.ColumnMappings = resolution.Mappings
	batch.MappingConfidence = resolution.Confidence
	batch.AIMappingUsed = resolution.AIMappingUsed
	batch.BrokerType = s.brokerTypeFor(resolution, input.BrokerHint)

	if err := s.uploadLogs.SetParsed(uploadLog.ID, parsed.Headers, parsed.RowCount, parseMethodFor(resolution)); err != nil {
		logger.L.Warn("Failed to record parse info", "uploadLogID", uploadLog.ID, "error", err)
	}

	// Any human gate parks the batch with its raw content retained so the
	// confirm/select calls can re-run the pipeline without re-uploading.
	if resolution.RequiresReview || resolution.RequiresBrokerSelection {
		return s.parkBatch(input, uploadLog, batch, resolution)
	}

	return s.processRows(uploadLog, batch, resolution, parsed.Rows)
}

// ingestSectioned imports a multi-section statement: each bucket carries its
// own headers and yields orders with the matching status. Only filled orders
// produce trade records.
func (s *ingestionServiceImpl) ingestSectioned(input IngestInput, uploadLog *models.CsvUploadLog) (*IngestionResult, error) {
	sectioned, err := parsers.ParseSectionedStatement(input.Content, input.FileName)
	if err != nil {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	format, err := s.lookupFormat("tos-statement-v1")
	if err != nil {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("loading statement format: %w", err)
	}
	mappings := mapping.FormatMappings(*format)

	batch := s.newBatch(input, models.ImportTypeCustom)
	batch.TotalRecords = sectioned.RowCount()
	batch.ColumnMappings = mappings
	batch.MappingConfidence = 1.0
	batch.BrokerType = format.BrokerName
	batch.Status = models.BatchStatusProcessing
	if err := s.batches.Create(batch); err != nil {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("creating import batch: %w", err)
	}
	if err := s.uploadLogs.LinkBatch(uploadLog.ID, batch.ID); err != nil {
		logger.L.Warn("Failed to link upload log to batch", "uploadLogID", uploadLog.ID, "error", err)
	}
	if err := s.uploadLogs.SetParsed(uploadLog.ID, sectioned.FilledOrders.Headers, batch.TotalRecords, models.ParseMethodStandard); err != nil {
		logger.L.Warn("Failed to record parse info", "uploadLogID", uploadLog.ID, "error", err)
	}

	counts := &rowCounts{}
	sections := []struct {
		section parsers.OrderSection
		status  models.OrderStatus
		trades  bool
	}{
		{sectioned.WorkingOrders, models.OrderStatusWorking, false},
		{sectioned.FilledOrders, models.OrderStatusFilled, true},
		{sectioned.CancelledOrders, models.OrderStatusCancelled, false},
	}
	for _, sec := range sections {
		for i, row := range sec.section.Rows {
			label := fmt.Sprintf("%s row %d", sec.section.Name, i+1)
			s.importRow(batch, mappings, row, sec.status, sec.trades, label, counts)
		}
	}

	return s.finishBatch(uploadLog, batch, counts, "")
}

// parkBatch persists a PENDING batch waiting at the review or broker
// selection gate, records the pending review when a proposal exists, and
// notifies the user.
func (s *ingestionServiceImpl) parkBatch(input IngestInput, uploadLog *models.CsvUploadLog, batch *models.ImportBatch, resolution *mapping.Resolution) (*IngestionResult, error) {
	batch.Status = models.BatchStatusPending
	batch.UserReviewRequired = resolution.RequiresReview
	batch.RequiresBrokerSelection = resolution.RequiresBrokerSelection
	batch.RawContent = input.Content
	if err := s.batches.Create(batch); err != nil {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("creating import batch: %w", err)
	}
	if err := s.uploadLogs.LinkBatch(uploadLog.ID, batch.ID); err != nil {
		logger.L.Warn("Failed to link upload log to batch", "uploadLogID", uploadLog.ID, "error", err)
	}

	if resolution.RequiresReview {
		review := &models.PendingReview{
			ID:               uuid.NewString(),
			UserID:           input.UserID,
			ImportBatchID:    batch.ID,
			ProposedMappings: resolution.Mappings,
			Confidence:       resolution.Confidence,
			BrokerHint:       input.BrokerHint,
		}
		if err := s.reviews.Create(review); err != nil {
			logger.L.Error("Failed to create pending review", "batchID", batch.ID, "error", err)
		}
	}

	s.notifyParked(input, batch, resolution)

	logger.L.Info("Import batch parked awaiting user action",
		"batchID", batch.ID,
		"requiresReview", resolution.RequiresReview,
		"requiresBrokerSelection", resolution.RequiresBrokerSelection,
		"adapterFailed", resolution.AdapterFailed)

	result := s.resultFor(batch)
	if len(resolution.Mappings) > 0 || resolution.Proposal != nil {
		result.MappingResult = mappingSummary(resolution)
	}
	return result, nil
}

func (s *ingestionServiceImpl) notifyParked(input IngestInput, batch *models.ImportBatch, resolution *mapping.Resolution) {
	if input.UserEmail == "" {
		return
	}
	var err error
	if resolution.RequiresBrokerSelection {
		err = s.email.SendBrokerSelectionEmail(input.UserEmail, input.FileName, batch.ID)
	} else {
		err = s.email.SendReviewRequiredEmail(input.UserEmail, input.FileName, batch.ID)
	}
	if err != nil {
		logger.L.Error("Failed to send parked-import notification", "batchID", batch.ID, "error", err)
	}
}

// processRows imports a flat file's rows under the resolved mapping set.
func (s *ingestionServiceImpl) processRows(uploadLog *models.CsvUploadLog, batch *models.ImportBatch, resolution *mapping.Resolution, rows []map[string]string) (*IngestionResult, error) {
	batch.Status = models.BatchStatusProcessing
	if err := s.batches.Create(batch); err != nil {
		s.markUploadFailed(uploadLog.ID)
		return nil, fmt.Errorf("creating import batch: %w", err)
	}
	if err := s.uploadLogs.LinkBatch(uploadLog.ID, batch.ID); err != nil {
		logger.L.Warn("Failed to link upload log to batch", "uploadLogID", uploadLog.ID, "error", err)
	}
	if err := s.uploadLogs.SetStatus(uploadLog.ID, models.UploadStatusMapped); err != nil {
		logger.L.Warn("Failed to advance upload log status", "uploadLogID", uploadLog.ID, "error", err)
	}

	counts := &rowCounts{}
	for i, row := range rows {
		label := fmt.Sprintf("row %d", i+1)
		s.importRow(batch, batch.ColumnMappings, row, models.OrderStatusFilled, true, label, counts)
	}

	formatID := ""
	if resolution.Format != nil {
		formatID = resolution.Format.ID
	}
	return s.finishBatch(uploadLog, batch, counts, formatID)
}

// rowCounts accumulates the per-row outcome of one batch. Duplicates are
// excluded from both the success and the error count.
type rowCounts struct {
	success    int
	failed     int
	duplicates int
	errors     []string
}

// importRow builds, deduplicates and persists one order row. Errors land in
// the counts, never in a returned error: a bad row must not sink the batch.
func (s *ingestionServiceImpl) importRow(batch *models.ImportBatch, mappings []models.ColumnMapping, row map[string]string, status models.OrderStatus, withTrade bool, label string, counts *rowCounts) {
	order, err := mapping.BuildOrder(mappings, row, s.now())
	if err != nil {
		counts.failed++
		counts.errors = append(counts.errors, fmt.Sprintf("%s: %v", label, err))
		return
	}
	order.UserID = batch.UserID
	order.ImportBatchID = batch.ID
	order.BrokerType = batch.BrokerType
	order.Status = status
	order.Tags = batch.AccountTags
	validation.SanitizeMetadata(order.BrokerMetadata)

	exists, err := s.orders.ExistsDuplicate(order.UserID, order.Symbol, order.Quantity, order.OrderExecutedTime, order.BrokerType)
	if err != nil {
		counts.failed++
		counts.errors = append(counts.errors, fmt.Sprintf("%s: duplicate check failed: %v", label, err))
		return
	}
	if exists {
		counts.duplicates++
		logger.L.Debug("Skipping duplicate row", "batchID", batch.ID, "label", label, "symbol", order.Symbol)
		return
	}

	duplicate, err := s.orders.InsertOrder(order)
	if err != nil {
		counts.failed++
		counts.errors = append(counts.errors, fmt.Sprintf("%s: %v", label, err))
		return
	}
	if duplicate {
		counts.duplicates++
		return
	}

	if withTrade && status == models.OrderStatusFilled {
		trade := mapping.BuildTrade(mappings, row, order)
		trade.UserID = order.UserID
		trade.ImportBatchID = order.ImportBatchID
		trade.BrokerType = order.BrokerType
		trade.Tags = order.Tags
		if _, err := s.orders.InsertTrade(trade); err != nil {
			logger.L.Warn("Failed to persist trade record", "batchID", batch.ID, "label", label, "error", err)
		}
	}
	counts.success++
}

// finishBatch writes the terminal batch state and upload log status, and
// records usage stats for the registry format that drove the import.
func (s *ingestionServiceImpl) finishBatch(uploadLog *models.CsvUploadLog, batch *models.ImportBatch, counts *rowCounts, formatID string) (*IngestionResult, error) {
	batch.SuccessCount = counts.success
	batch.ErrorCount = counts.failed
	batch.Errors = counts.errors
	batch.RawContent = ""
	batch.UserReviewRequired = false
	batch.RequiresBrokerSelection = false
	if counts.failed < batch.TotalRecords {
		batch.Status = models.BatchStatusCompleted
	} else {
		batch.Status = models.BatchStatusFailed
	}

	if err := s.batches.Update(batch); err != nil {
		return nil, fmt.Errorf("finalizing import batch %s: %w", batch.ID, err)
	}

	logStatus := models.UploadStatusImported
	if batch.Status == models.BatchStatusFailed {
		logStatus = models.UploadStatusFailed
	}
	if err := s.uploadLogs.SetStatus(uploadLog.ID, logStatus); err != nil {
		logger.L.Warn("Failed to finalize upload log status", "uploadLogID", uploadLog.ID, "error", err)
	}

	if formatID != "" && batch.TotalRecords > 0 {
		successRate := float64(counts.success) / float64(batch.TotalRecords)
		if err := s.formats.RecordUsage(formatID, successRate); err != nil {
			logger.L.Warn("Failed to record format usage", "formatID", formatID, "error", err)
		}
	}

	logger.L.Info("Import batch finished",
		"batchID", batch.ID,
		"status", string(batch.Status),
		"total", batch.TotalRecords,
		"success", counts.success,
		"failed", counts.failed,
		"duplicatesSkipped", counts.duplicates)

	return s.resultFor(batch), nil
}

// Validate parses and detects without any persistence side effects. Results
// are cached by content hash since the UI calls this on every file pick.
func (s *ingestionServiceImpl) Validate(content, fileName string) (*ValidationResult, error) {
	if strings.TrimSpace(content) == "" {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, parsers.ErrEmptyFile)
	}
	if int64(len(content)) > parsers.MaxFileSizeBytes {
		return nil, fmt.Errorf("%w: %v", ErrValidationFailed, parsers.ErrFileTooLarge)
	}

	cacheKey := validationCacheKey(content)
	if cached, found := s.cache.Get(cacheKey); found {
		return cached.(*ValidationResult), nil
	}

	result := &ValidationResult{
		FileSize: int64(len(content)),
		SizeTier: parsers.TierForSize(int64(len(content))),
	}

	if parsers.IsSectionedStatement(content) {
		sectioned, err := parsers.ParseSectionedStatement(content, fileName)
		if err != nil {
			return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
		}
		result.Sectioned = true
		result.Headers = sectioned.FilledOrders.Headers
		result.RowCount = sectioned.RowCount()
		result.Matched = true
		result.Confidence = 1.0
		result.DetectedFormatID = "tos-statement-v1"
		result.DetectedFormat = "Thinkorswim Account Statement"
		result.Reasoning = []string{"whole-file statement signature matched"}
		s.cache.Set(cacheKey, result, validationCacheExpiration)
		return result, nil
	}

	parsed, err := parsers.ParseCSV(content, fileName)
	if err != nil {
		if errors.Is(err, parsers.ErrEmptyFile) || errors.Is(err, parsers.ErrFileTooLarge) {
			return nil, fmt.Errorf("%w: %v", ErrValidationFailed, err)
		}
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	detected, err := s.detector.Detect(detection.DetectionInput{
		Headers:    parsed.Headers,
		SampleRows: parsed.SampleRows,
		Content:    content,
	})
	if err != nil {
		return nil, fmt.Errorf("format detection: %w", err)
	}

	result.Headers = parsed.Headers
	result.SampleRows = parsed.SampleRows
	result.RowCount = parsed.RowCount
	result.Confidence = detected.Confidence
	result.Matched = detected.Matched
	result.Reasoning = detected.Reasoning
	if detected.Format != nil {
		result.DetectedFormatID = detected.Format.ID
		result.DetectedFormat = detected.Format.Name
	}

	s.cache.Set(cacheKey, result, validationCacheExpiration)
	return result, nil
}

// ConfirmMapping resumes a parked batch with a user-approved or corrected
// mapping set. An empty mapping set approves the parked proposal as-is.
func (s *ingestionServiceImpl) ConfirmMapping(ctx context.Context, userID int64, batchID string, mappings []models.ColumnMapping, brokerName string, registerFormat bool) (*IngestionResult, error) {
	batch, err := s.batches.Get(userID, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", batchID, ErrBatchNotFound)
		}
		return nil, err
	}
	if batch.Status != models.BatchStatusPending {
		return nil, fmt.Errorf("batch %s is %s: %w", batchID, batch.Status, ErrBatchNotPending)
	}
	if batch.RawContent == "" {
		return nil, fmt.Errorf("batch %s has no retained content: %w", batchID, ErrBatchNotPending)
	}

	review, reviewErr := s.reviews.GetByBatch(userID, batchID)
	if len(mappings) == 0 {
		if reviewErr != nil || len(review.ProposedMappings) == 0 {
			return nil, fmt.Errorf("batch %s has no proposed mappings to approve: %w", batchID, ErrBatchNotPending)
		}
		mappings = review.ProposedMappings
	}

	parsed, err := parsers.ParseCSV(batch.RawContent, batch.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	uploadLog, err := s.uploadLogs.GetByBatch(userID, batchID)
	if err != nil {
		return nil, fmt.Errorf("loading upload log for batch %s: %w", batchID, err)
	}
	if err := s.uploadLogs.SetParsed(uploadLog.ID, parsed.Headers, parsed.RowCount, models.ParseMethodUserCorrected); err != nil {
		logger.L.Warn("Failed to record parse info", "uploadLogID", uploadLog.ID, "error", err)
	}

	if brokerName != "" {
		batch.BrokerType = brokerName
	}
	batch.Status = models.BatchStatusProcessing
	batch.TotalRecords = parsed.RowCount
	batch.ColumnMappings = mappings
	batch.MappingConfidence = 1.0
	if err := s.batches.Update(batch); err != nil {
		return nil, fmt.Errorf("resuming import batch %s: %w", batchID, err)
	}

	counts := &rowCounts{}
	for i, row := range parsed.Rows {
		label := fmt.Sprintf("row %d", i+1)
		s.importRow(batch, mappings, row, models.OrderStatusFilled, true, label, counts)
	}

	if err := s.reviews.ResolveBatch(userID, batchID); err != nil {
		logger.L.Warn("Failed to resolve pending reviews", "batchID", batchID, "error", err)
	}

	if registerFormat {
		s.registerConfirmedFormat(batch, parsed.Headers, mappings, counts)
	}

	return s.finishBatch(uploadLog, batch, counts, "")
}

// registerConfirmedFormat turns a confirmed mapping set into a dynamic
// registry format so the next upload of the same layout is detected
// automatically. Registration failures are logged, never fatal.
func (s *ingestionServiceImpl) registerConfirmedFormat(batch *models.ImportBatch, headers []string, mappings []models.ColumnMapping, counts *rowCounts) {
	if counts.success == 0 {
		logger.L.Warn("Skipping format registration for batch with no successful rows", "batchID", batch.ID)
		return
	}
	broker := batch.BrokerType
	if broker == "" {
		broker = "custom"
	}

	fieldMappings := make(map[string]models.FieldMapping, len(mappings))
	var requiredHeaders []string
	for _, m := range mappings {
		fieldMappings[m.SourceColumn] = models.FieldMapping{
			TargetField: m.TargetColumn,
			DataType:    m.DataType,
			Required:    m.Priority == 1,
			Transformer: m.Transformer,
		}
		if m.Priority == 1 {
			requiredHeaders = append(requiredHeaders, m.SourceColumn)
		}
	}

	format := models.BrokerFormat{
		ID:            fmt.Sprintf("%s-custom-%s", strings.ToLower(broker), uuid.NewString()[:8]),
		Name:          fmt.Sprintf("%s (user confirmed)", broker),
		BrokerName:    broker,
		Version:       1,
		Fingerprint:   models.ComputeFingerprint(headers),
		Confidence:    0.85,
		FieldMappings: fieldMappings,
		DetectionPatterns: models.DetectionPatterns{
			RequiredHeaders: requiredHeaders,
		},
	}
	if err := s.formats.Add(format); err != nil {
		logger.L.Error("Failed to register confirmed format", "batchID", batch.ID, "error", err)
		return
	}
	logger.L.Info("Registered user-confirmed broker format", "formatID", format.ID, "batchID", batch.ID)
}

// SelectBroker resumes a batch parked for broker selection by re-running the
// resolver with the chosen broker as a hint. The result may still land at the
// review gate; it never parks for broker selection again.
func (s *ingestionServiceImpl) SelectBroker(ctx context.Context, userID int64, batchID, brokerName string) (*IngestionResult, error) {
	if strings.TrimSpace(brokerName) == "" {
		return nil, fmt.Errorf("%w: broker name is required", ErrValidationFailed)
	}

	batch, err := s.batches.Get(userID, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", batchID, ErrBatchNotFound)
		}
		return nil, err
	}
	if batch.Status != models.BatchStatusPending || !batch.RequiresBrokerSelection {
		return nil, fmt.Errorf("batch %s is not awaiting broker selection: %w", batchID, ErrBatchNotPending)
	}
	if batch.RawContent == "" {
		return nil, fmt.Errorf("batch %s has no retained content: %w", batchID, ErrBatchNotPending)
	}

	parsed, err := parsers.ParseCSV(batch.RawContent, batch.Filename)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrParsingFailed, err)
	}

	resolution, err := s.resolver.Resolve(ctx, mapping.ResolveInput{
		Headers:    parsed.Headers,
		SampleRows: parsed.SampleRows,
		Content:    batch.RawContent,
		BrokerHint: brokerName,
	})
	if err != nil {
		return nil, fmt.Errorf("resolving mapping strategy: %w", err)
	}

	uploadLog, err := s.uploadLogs.GetByBatch(userID, batchID)
	if err != nil {
		return nil, fmt.Errorf("loading upload log for batch %s: %w", batchID, err)
	}

	batch.BrokerType = brokerName
	batch.RequiresBrokerSelection = false
	batch.ColumnMappings = resolution.Mappings
	batch.MappingConfidence = resolution.Confidence
	batch.AIMappingUsed = batch.AIMappingUsed || resolution.AIMappingUsed
	if err := s.uploadLogs.SetParsed(uploadLog.ID, parsed.Headers, parsed.RowCount, parseMethodFor(resolution)); err != nil {
		logger.L.Warn("Failed to record parse info", "uploadLogID", uploadLog.ID, "error", err)
	}

	// An AI proposal still needs its review; the batch stays parked with the
	// broker recorded and a fresh pending review.
	if resolution.RequiresReview {
		batch.UserReviewRequired = true
		if err := s.batches.Update(batch); err != nil {
			return nil, fmt.Errorf("updating import batch %s: %w", batchID, err)
		}
		// The new proposal supersedes whatever review parked the batch.
		if err := s.reviews.ResolveBatch(userID, batchID); err != nil {
			logger.L.Warn("Failed to resolve superseded reviews", "batchID", batch.ID, "error", err)
		}
		review := &models.PendingReview{
			ID:               uuid.NewString(),
			UserID:           userID,
			ImportBatchID:    batch.ID,
			ProposedMappings: resolution.Mappings,
			Confidence:       resolution.Confidence,
			BrokerHint:       brokerName,
		}
		if err := s.reviews.Create(review); err != nil {
			logger.L.Error("Failed to create pending review", "batchID", batch.ID, "error", err)
		}

		logger.L.Info("Broker selected; batch awaiting mapping review", "batchID", batch.ID, "broker", brokerName)
		result := s.resultFor(batch)
		result.MappingResult = mappingSummary(resolution)
		return result, nil
	}

	batch.Status = models.BatchStatusProcessing
	batch.TotalRecords = parsed.RowCount
	if err := s.batches.Update(batch); err != nil {
		return nil, fmt.Errorf("resuming import batch %s: %w", batchID, err)
	}

	counts := &rowCounts{}
	for i, row := range parsed.Rows {
		label := fmt.Sprintf("row %d", i+1)
		s.importRow(batch, batch.ColumnMappings, row, models.OrderStatusFilled, true, label, counts)
	}

	formatID := ""
	if resolution.Format != nil {
		formatID = resolution.Format.ID
	}
	return s.finishBatch(uploadLog, batch, counts, formatID)
}

func (s *ingestionServiceImpl) GetBatch(userID int64, batchID string) (*models.ImportBatch, error) {
	batch, err := s.batches.Get(userID, batchID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil, fmt.Errorf("%s: %w", batchID, ErrBatchNotFound)
		}
		return nil, err
	}
	return batch, nil
}

func (s *ingestionServiceImpl) newBatch(input IngestInput, importType models.ImportType) *models.ImportBatch {
	return &models.ImportBatch{
		ID:          uuid.NewString(),
		UserID:      input.UserID,
		Filename:    input.FileName,
		FileSize:    int64(len(input.Content)),
		ImportType:  importType,
		Status:      models.BatchStatusPending,
		AccountTags: input.AccountTags,
	}
}

func (s *ingestionServiceImpl) resultFor(batch *models.ImportBatch) *IngestionResult {
	return &IngestionResult{
		Success:                 batch.Status == models.BatchStatusCompleted,
		ImportBatchID:           batch.ID,
		ImportType:              batch.ImportType,
		TotalRecords:            batch.TotalRecords,
		SuccessCount:            batch.SuccessCount,
		ErrorCount:              batch.ErrorCount,
		Errors:                  batch.Errors,
		RequiresUserReview:      batch.UserReviewRequired,
		RequiresBrokerSelection: batch.RequiresBrokerSelection,
		BrokerFormatUsed:        batch.BrokerType,
	}
}

func (s *ingestionServiceImpl) brokerTypeFor(resolution *mapping.Resolution, hint string) string {
	if resolution.Format != nil {
		return resolution.Format.BrokerName
	}
	return hint
}

func (s *ingestionServiceImpl) lookupFormat(formatID string) (*models.BrokerFormat, error) {
	formats, err := s.formats.List()
	if err != nil {
		return nil, err
	}
	for i := range formats {
		if formats[i].ID == formatID {
			return &formats[i], nil
		}
	}
	return nil, fmt.Errorf("format %s not registered", formatID)
}

func (s *ingestionServiceImpl) markUploadFailed(uploadLogID string) {
	if err := s.uploadLogs.SetStatus(uploadLogID, models.UploadStatusFailed); err != nil {
		logger.L.Warn("Failed to mark upload log failed", "uploadLogID", uploadLogID, "error", err)
	}
}

func parseMethodFor(resolution *mapping.Resolution) models.ParseMethod {
	switch {
	case resolution.AIMappingUsed:
		return models.ParseMethodAIMapped
	case resolution.Strategy == mapping.StrategyUserMappings:
		return models.ParseMethodUserCorrected
	default:
		return models.ParseMethodStandard
	}
}

func mappingSummary(resolution *mapping.Resolution) *MappingSummary {
	summary := &MappingSummary{
		Mappings:          resolution.Mappings,
		OverallConfidence: resolution.Confidence,
	}
	if resolution.Proposal != nil {
		summary.UnmappedFields = resolution.Proposal.UnmappedFields
	}
	return summary
}

func validationCacheKey(content string) string {
	sum := sha256.Sum256([]byte(content))
	return "validate_" + hex.EncodeToString(sum[:])
}
