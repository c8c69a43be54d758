// Package handler exposes the import pipeline over HTTP. The handlers are a
// thin multipart/JSON shim; all semantics live in the service.
package handler

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime/multipart"
	"net/http"
	"strconv"

	"github.com/google/uuid"
	"github.com/gorilla/mux"

	"github.com/moneta-app/moneta/internal/domain/import/decoder"
	"github.com/moneta-app/moneta/internal/domain/import/normalizer"
	importrepo "github.com/moneta-app/moneta/internal/domain/import/repository"
	importservice "github.com/moneta-app/moneta/internal/domain/import/service"
	"github.com/moneta-app/moneta/pkg/middleware"
	"github.com/moneta-app/moneta/pkg/storage"
)

// ImportHandler handles the import endpoints.
type ImportHandler struct {
	svc          *importservice.ImportService
	archive      storage.Archive
	maxFileBytes int64
	logger       *slog.Logger
}

// NewImportHandler creates a new import handler. archive may be nil, which
// disables upload archiving.
func NewImportHandler(svc *importservice.ImportService, archive storage.Archive, maxFileBytes int64, logger *slog.Logger) *ImportHandler {
	return &ImportHandler{
		svc:          svc,
		archive:      archive,
		maxFileBytes: maxFileBytes,
		logger:       logger,
	}
}

// Register mounts the import routes on an authenticated subrouter.
func (h *ImportHandler) Register(r *mux.Router) {
	r.HandleFunc("/import/columns", h.AnalyzeColumns).Methods(http.MethodPost)
	r.HandleFunc("/import/preview", h.Preview).Methods(http.MethodPost)
	r.HandleFunc("/import/commit", h.Commit).Methods(http.MethodPost)
	r.HandleFunc("/import/jobs/{id}", h.JobStatus).Methods(http.MethodGet)
	r.HandleFunc("/import/files", h.ListFiles).Methods(http.MethodGet)
}

// AnalyzeColumns returns headers, sheet names, a suggested mapping and any
// saved preset for the uploaded file.
func (h *ImportHandler) AnalyzeColumns(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	file, ok := h.uploadedFile(w, r)
	if !ok {
		return
	}

	result, err := h.svc.AnalyzeColumns(r.Context(), accountID, file)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Preview runs the dry-run pipeline.
func (h *ImportHandler) Preview(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	file, ok := h.uploadedFile(w, r)
	if !ok {
		return
	}
	mapping, ok := h.mapping(w, r)
	if !ok {
		return
	}

	previewRows := 0
	if v := r.FormValue("previewRows"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			h.badRequest(w, "previewRows must be a non-negative integer")
			return
		}
		previewRows = n
	}

	result, err := h.svc.Preview(r.Context(), accountID, file, mapping, previewRows)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, result)
}

// Commit persists the import, or returns 202 with a job id when deferred.
func (h *ImportHandler) Commit(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	file, ok := h.uploadedFile(w, r)
	if !ok {
		return
	}
	mapping, ok := h.mapping(w, r)
	if !ok {
		return
	}

	opts := importservice.CommitOptions{
		SkipDuplicates:      r.FormValue("skipDuplicates") == "true",
		OverwriteDuplicates: r.FormValue("overwriteDuplicates") == "true",
		NotifyEmail:         r.FormValue("notifyEmail"),
	}

	result, err := h.svc.Commit(r.Context(), accountID, file, mapping, opts)
	if err != nil {
		h.writeError(w, err)
		return
	}

	// Archive the raw upload once the commit is accepted. Archiving is
	// content-addressed, so retried commits do not pile up copies.
	if h.archive != nil {
		if _, err := h.archive.Save(r.Context(), accountID, file.Name, file.ContentType, file.Data); err != nil {
			h.logger.Warn("failed to archive upload", slog.Any("error", err))
		}
	}

	status := http.StatusOK
	if result.Async {
		status = http.StatusAccepted
	}
	h.writeJSON(w, status, result)
}

// ListFiles returns the account's archived statement uploads.
func (h *ImportHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}
	if h.archive == nil {
		h.writeJSON(w, http.StatusOK, []*storage.ArchivedFile{})
		return
	}

	files, err := h.archive.List(r.Context(), accountID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	if files == nil {
		files = []*storage.ArchivedFile{}
	}
	h.writeJSON(w, http.StatusOK, files)
}

// JobStatus serves polling for deferred commits.
func (h *ImportHandler) JobStatus(w http.ResponseWriter, r *http.Request) {
	accountID, ok := h.account(w, r)
	if !ok {
		return
	}

	jobID, err := uuid.Parse(mux.Vars(r)["id"])
	if err != nil {
		h.badRequest(w, "invalid job id")
		return
	}

	job, err := h.svc.JobStatus(r.Context(), accountID, jobID)
	if err != nil {
		h.writeError(w, err)
		return
	}
	h.writeJSON(w, http.StatusOK, job)
}

func (h *ImportHandler) account(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	accountID, err := middleware.AccountIDFrom(r.Context())
	if err != nil {
		http.Error(w, "unauthenticated", http.StatusUnauthorized)
		return uuid.Nil, false
	}
	return accountID, true
}

// uploadedFile reads the multipart "file" part, bounded by the configured
// size limit plus slack for the other form fields.
func (h *ImportHandler) uploadedFile(w http.ResponseWriter, r *http.Request) (importservice.UploadedFile, bool) {
	r.Body = http.MaxBytesReader(w, r.Body, h.maxFileBytes+1<<20)
	if err := r.ParseMultipartForm(h.maxFileBytes); err != nil {
		h.badRequest(w, "invalid multipart upload")
		return importservice.UploadedFile{}, false
	}

	part, header, err := r.FormFile("file")
	if err != nil {
		h.badRequest(w, "missing file part")
		return importservice.UploadedFile{}, false
	}
	defer part.Close()

	data, err := io.ReadAll(part)
	if err != nil {
		h.badRequest(w, "unreadable file part")
		return importservice.UploadedFile{}, false
	}

	return importservice.UploadedFile{
		Name:        header.Filename,
		ContentType: contentType(header),
		Sheet:       r.FormValue("sheet"),
		Data:        data,
	}, true
}

func contentType(header *multipart.FileHeader) string {
	return header.Header.Get("Content-Type")
}

// mapping decodes the "mapping" form field.
func (h *ImportHandler) mapping(w http.ResponseWriter, r *http.Request) (normalizer.ColumnMapping, bool) {
	raw := r.FormValue("mapping")
	if raw == "" {
		h.badRequest(w, "missing mapping field")
		return normalizer.ColumnMapping{}, false
	}

	var mapping normalizer.ColumnMapping
	if err := json.Unmarshal([]byte(raw), &mapping); err != nil {
		h.badRequest(w, "invalid mapping JSON")
		return normalizer.ColumnMapping{}, false
	}
	return mapping, true
}

type errorResponse struct {
	Error string `json:"error"`
}

func (h *ImportHandler) badRequest(w http.ResponseWriter, message string) {
	h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: message})
}

// writeError maps structural pipeline errors onto HTTP statuses.
func (h *ImportHandler) writeError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, importrepo.ErrNotFound):
		h.writeJSON(w, http.StatusNotFound, errorResponse{Error: "not found"})
	case errors.Is(err, importservice.ErrFileTooLarge),
		errors.Is(err, importservice.ErrTooManyRows):
		h.writeJSON(w, http.StatusRequestEntityTooLarge, errorResponse{Error: err.Error()})
	case errors.Is(err, decoder.ErrUnsupportedFormat):
		h.writeJSON(w, http.StatusUnsupportedMediaType, errorResponse{Error: err.Error()})
	case errors.Is(err, decoder.ErrEmptyFile),
		errors.Is(err, decoder.ErrSheetNotFound),
		errors.Is(err, importservice.ErrEmptyUpload),
		errors.Is(err, normalizer.ErrInvalidMapping):
		h.writeJSON(w, http.StatusBadRequest, errorResponse{Error: err.Error()})
	default:
		h.logger.Error("import request failed", slog.Any("error", err))
		h.writeJSON(w, http.StatusInternalServerError, errorResponse{Error: "internal error"})
	}
}

func (h *ImportHandler) writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		h.logger.Error("failed to encode response", slog.Any("error", err))
	}
}
