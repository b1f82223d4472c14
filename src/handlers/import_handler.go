// backend/src/handlers/import_handler.go
package handlers

import (
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"mime/multipart"
	"net/http"
	"strings"

	"github.com/username/tradevault/backend/src/config"
	"github.com/username/tradevault/backend/src/logger"
	"github.com/username/tradevault/backend/src/models"
	"github.com/username/tradevault/backend/src/security/validation"
	"github.com/username/tradevault/backend/src/services"
	"github.com/username/tradevault/backend/src/utils"
)

type ImportHandler struct {
	ingestionService services.IngestionService
	formats          services.FormatRegistry
}

func NewImportHandler(ingestionService services.IngestionService, formats services.FormatRegistry) *ImportHandler {
	return &ImportHandler{
		ingestionService: ingestionService,
		formats:          formats,
	}
}

// readUploadedFile pulls the "file" form field through the content-type and
// magic-byte checks and returns its content.
func (h *ImportHandler) readUploadedFile(w http.ResponseWriter, r *http.Request, userID int64) (content string, fileName string, ok bool) {
	if err := r.ParseMultipartForm(config.Cfg.MaxUploadSizeBytes); err != nil {
		logger.L.Warn("Failed to parse multipart form or request too large", "userID", userID, "error", err, "limit", config.Cfg.MaxUploadSizeBytes)
		utils.SendJSONError(w, fmt.Sprintf("Failed to parse form or request too large (max %d MB)", config.Cfg.MaxUploadSizeBytes/(1024*1024)), http.StatusBadRequest)
		return "", "", false
	}

	file, fileHeader, err := r.FormFile("file")
	if err != nil {
		logger.L.Warn("Failed to retrieve file from request", "userID", userID, "error", err)
		utils.SendJSONError(w, "Failed to retrieve file from request. Ensure 'file' field is used.", http.StatusBadRequest)
		return "", "", false
	}
	defer file.Close()

	if fileHeader.Size > config.Cfg.MaxUploadSizeBytes {
		logger.L.Warn("Uploaded file header reports size too large", "userID", userID, "fileSize", fileHeader.Size, "limit", config.Cfg.MaxUploadSizeBytes)
		utils.SendJSONError(w, fmt.Sprintf("File too large, max %d MB (header check)", config.Cfg.MaxUploadSizeBytes/(1024*1024)), http.StatusBadRequest)
		return "", "", false
	}

	clientContentType := fileHeader.Header.Get("Content-Type")
	if err := validation.ValidateClientContentType(clientContentType); err != nil {
		logger.L.Warn("Invalid client-declared file type", "userID", userID, "contentType", clientContentType, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}

	detectedContentType, err := validation.ValidateFileContentByMagicBytes(file)
	if err != nil {
		logger.L.Warn("Server-side file content validation failed", "userID", userID, "filename", fileHeader.Filename, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
		return "", "", false
	}
	logger.L.Debug("File content validated", "userID", userID, "filename", fileHeader.Filename, "clientType", clientContentType, "detectedType", detectedContentType)

	data, err := readAll(file)
	if err != nil {
		logger.L.Error("Failed to read uploaded file", "userID", userID, "filename", fileHeader.Filename, "error", err)
		utils.SendJSONError(w, "Failed to read uploaded file.", http.StatusInternalServerError)
		return "", "", false
	}
	return data, fileHeader.Filename, true
}

func readAll(file multipart.File) (string, error) {
	var sb strings.Builder
	if _, err := io.Copy(&sb, file); err != nil {
		return "", err
	}
	return sb.String(), nil
}

// HandleImport ingests an uploaded file end to end. Optional form fields:
// broker_hint, account_tags (comma separated) and mappings (a JSON array of
// column mappings that bypasses detection).
func (h *ImportHandler) HandleImport(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	content, fileName, ok := h.readUploadedFile(w, r, userID)
	if !ok {
		return
	}

	input := services.IngestInput{
		Content:    content,
		FileName:   fileName,
		UserID:     userID,
		UserEmail:  GetUserEmailFromContext(r.Context()),
		BrokerHint: strings.TrimSpace(r.FormValue("broker_hint")),
	}
	if tags := strings.TrimSpace(r.FormValue("account_tags")); tags != "" {
		for _, tag := range strings.Split(tags, ",") {
			if tag = strings.TrimSpace(tag); tag != "" {
				input.AccountTags = append(input.AccountTags, tag)
			}
		}
	}
	if rawMappings := r.FormValue("mappings"); rawMappings != "" {
		if err := json.Unmarshal([]byte(rawMappings), &input.UserMappings); err != nil {
			logger.L.Warn("Invalid mappings field in upload", "userID", userID, "error", err)
			utils.SendJSONError(w, "Invalid 'mappings' field: expected a JSON array of column mappings.", http.StatusBadRequest)
			return
		}
	}

	logger.L.Info("Processing import request", "userID", userID, "filename", fileName)
	result, err := h.ingestionService.Ingest(r.Context(), input)
	if err != nil {
		h.sendIngestionError(w, userID, fileName, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleValidate previews a file without persisting anything: parse result,
// detected format and size tier.
func (h *ImportHandler) HandleValidate(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	content, fileName, ok := h.readUploadedFile(w, r, userID)
	if !ok {
		return
	}

	result, err := h.ingestionService.Validate(content, fileName)
	if err != nil {
		h.sendIngestionError(w, userID, fileName, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

type confirmMappingRequest struct {
	Mappings       []models.ColumnMapping `json:"mappings"`
	BrokerName     string                 `json:"broker_name"`
	RegisterFormat bool                   `json:"register_format"`
}

// HandleConfirmMapping resumes a parked batch with approved or corrected
// mappings. An empty mappings array approves the parked proposal as-is.
func (h *ImportHandler) HandleConfirmMapping(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}
	batchID := r.PathValue("id")

	var req confirmMappingRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	logger.L.Info("Processing mapping confirmation", "userID", userID, "batchID", batchID, "mappings", len(req.Mappings), "registerFormat", req.RegisterFormat)
	result, err := h.ingestionService.ConfirmMapping(r.Context(), userID, batchID, req.Mappings, req.BrokerName, req.RegisterFormat)
	if err != nil {
		h.sendBatchError(w, userID, batchID, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

type selectBrokerRequest struct {
	BrokerName string `json:"broker_name"`
}

// HandleSelectBroker resumes a batch parked for broker selection.
func (h *ImportHandler) HandleSelectBroker(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}
	batchID := r.PathValue("id")

	var req selectBrokerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		utils.SendJSONError(w, "Invalid request body", http.StatusBadRequest)
		return
	}

	logger.L.Info("Processing broker selection", "userID", userID, "batchID", batchID, "broker", req.BrokerName)
	result, err := h.ingestionService.SelectBroker(r.Context(), userID, batchID, req.BrokerName)
	if err != nil {
		h.sendBatchError(w, userID, batchID, err)
		return
	}
	utils.SendJSON(w, result, http.StatusOK)
}

// HandleGetBatch returns one import batch with ETag support, since review
// UIs poll this endpoint while a batch is parked.
func (h *ImportHandler) HandleGetBatch(w http.ResponseWriter, r *http.Request) {
	userID, ok := GetUserIDFromContext(r.Context())
	if !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}
	batchID := r.PathValue("id")

	batch, err := h.ingestionService.GetBatch(userID, batchID)
	if err != nil {
		h.sendBatchError(w, userID, batchID, err)
		return
	}

	w.Header().Set("Cache-Control", "no-cache, private")
	if etag, etagErr := utils.GenerateETag(batch); etagErr == nil && etag != "" {
		quotedETag := fmt.Sprintf("\"%s\"", etag)
		w.Header().Set("ETag", quotedETag)
		for _, cETag := range strings.Split(r.Header.Get("If-None-Match"), ",") {
			if strings.TrimSpace(cETag) == quotedETag {
				w.WriteHeader(http.StatusNotModified)
				return
			}
		}
	} else if etagErr != nil {
		logger.L.Warn("Proceeding without ETag check due to ETag generation error", "userID", userID, "batchID", batchID)
	}

	utils.SendJSON(w, batch, http.StatusOK)
}

// HandleListFormats returns every registered broker format, seeds and
// user-confirmed dynamic formats alike.
func (h *ImportHandler) HandleListFormats(w http.ResponseWriter, r *http.Request) {
	if _, ok := GetUserIDFromContext(r.Context()); !ok {
		utils.SendJSONError(w, "authentication required or user ID not found in context", http.StatusUnauthorized)
		return
	}

	formats, err := h.formats.List()
	if err != nil {
		logger.L.Error("Failed to list broker formats", "error", err)
		utils.SendJSONError(w, "Error retrieving broker formats.", http.StatusInternalServerError)
		return
	}
	utils.SendJSON(w, map[string]interface{}{"formats": formats}, http.StatusOK)
}

func (h *ImportHandler) sendIngestionError(w http.ResponseWriter, userID int64, fileName string, err error) {
	switch {
	case errors.Is(err, services.ErrValidationFailed):
		logger.L.Warn("Import failed file validation", "userID", userID, "filename", fileName, "error", err)
		utils.SendJSONError(w, fmt.Sprintf("File validation failed: %v", err), http.StatusBadRequest)
	case errors.Is(err, services.ErrParsingFailed):
		logger.L.Warn("Import failed during parsing", "userID", userID, "filename", fileName, "error", err)
		utils.SendJSONError(w, fmt.Sprintf("Error parsing file: %v", err), http.StatusBadRequest)
	default:
		logger.L.Error("Internal error processing import", "userID", userID, "filename", fileName, "error", err)
		utils.SendJSONError(w, "An internal error occurred while processing the file. Please try again later.", http.StatusInternalServerError)
	}
}

func (h *ImportHandler) sendBatchError(w http.ResponseWriter, userID int64, batchID string, err error) {
	switch {
	case errors.Is(err, services.ErrBatchNotFound):
		logger.L.Warn("Import batch not found", "userID", userID, "batchID", batchID)
		utils.SendJSONError(w, "Import batch not found.", http.StatusNotFound)
	case errors.Is(err, services.ErrBatchNotPending):
		logger.L.Warn("Import batch not awaiting user action", "userID", userID, "batchID", batchID, "error", err)
		utils.SendJSONError(w, err.Error(), http.StatusConflict)
	case errors.Is(err, services.ErrValidationFailed):
		utils.SendJSONError(w, err.Error(), http.StatusBadRequest)
	case errors.Is(err, services.ErrParsingFailed):
		logger.L.Warn("Batch resume failed during parsing", "userID", userID, "batchID", batchID, "error", err)
		utils.SendJSONError(w, fmt.Sprintf("Error parsing retained file: %v", err), http.StatusBadRequest)
	default:
		logger.L.Error("Internal error processing batch action", "userID", userID, "batchID", batchID, "error", err)
		utils.SendJSONError(w, "An internal error occurred. Please try again later.", http.StatusInternalServerError)
	}
}
