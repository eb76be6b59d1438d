package handlers

import (
	"encoding/json"
	"errors"
	"io"
	"log/slog"
	"mime"
	"mime/multipart"
	"net/http"
	"strconv"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/yorukot/filevault/internal/access"
	"github.com/yorukot/filevault/internal/auth"
	"github.com/yorukot/filevault/internal/database"
	mw "github.com/yorukot/filevault/internal/middleware"
	"github.com/yorukot/filevault/internal/models"
	"github.com/yorukot/filevault/internal/services"
	"github.com/yorukot/filevault/internal/storage"
	"github.com/yorukot/filevault/internal/validation"
)

const (
	// multipartMemory is how much of a multipart form is kept in memory before spilling to disk
	multipartMemory = 32 << 20
	// multipartOverhead leaves room for boundaries and the comment field
	multipartOverhead = 1 << 20
	maxJSONBody       = 64 << 10
)

// APIHandler handles API requests
type APIHandler struct {
	fileService   *services.FileService
	logger        *slog.Logger
	baseURL       string
	maxUploadSize int64
}

// NewAPIHandler creates a new API handler
func NewAPIHandler(fileService *services.FileService, logger *slog.Logger, baseURL string, maxUploadSize int64) *APIHandler {
	return &APIHandler{
		fileService:   fileService,
		logger:        logger.With(slog.String("component", "api")),
		baseURL:       strings.TrimRight(baseURL, "/"),
		maxUploadSize: maxUploadSize,
	}
}

// FileResponse is a file record plus its download URL
type FileResponse struct {
	*models.FileRecord
	File string `json:"file"`
}

// UpdateRequest is the combined metadata update payload
type UpdateRequest struct {
	Name    *string `json:"name,omitempty"`
	Comment *string `json:"comment,omitempty"`
}

// RenameResponse is returned by the rename endpoint
type RenameResponse struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// CommentResponse is returned by the comment endpoint
type CommentResponse struct {
	ID      string `json:"id"`
	Comment string `json:"comment"`
}

// ShareResponse carries the public download URL of a file
type ShareResponse struct {
	FileID   string `json:"file_id"`
	ShareURL string `json:"share_url"`
}

// ErrorResponse represents an error response
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}

// UploadFile handles file upload
func (h *APIHandler) UploadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	limit := h.maxUploadSize + multipartOverhead
	if r.ContentLength > limit {
		respondError(w, "upload exceeds the size limit", string(validation.PayloadTooLarge), http.StatusRequestEntityTooLarge)
		return
	}

	r.Body = http.MaxBytesReader(w, r.Body, limit)
	if err := r.ParseMultipartForm(multipartMemory); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			respondError(w, "upload exceeds the size limit", string(validation.PayloadTooLarge), http.StatusRequestEntityTooLarge)
			return
		}
		respondError(w, "failed to parse form", "invalid_form", http.StatusBadRequest)
		return
	}
	defer r.MultipartForm.RemoveAll()

	in := services.UploadInput{Comment: r.FormValue("comment")}

	file, fileHeader, err := r.FormFile("file")
	switch {
	case err == nil:
		defer file.Close()
		in.Filename = rawFilename(fileHeader)
		in.Size = fileHeader.Size
		in.DeclaredType = fileHeader.Header.Get("Content-Type")
		in.Content = file
	case errors.Is(err, http.ErrMissingFile):
		// the validation pipeline reports the missing payload
	default:
		respondError(w, "failed to read file", "invalid_form", http.StatusBadRequest)
		return
	}

	rec, err := h.fileService.Upload(r.Context(), p, in)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, h.fileResponse(r, rec), http.StatusCreated)
}

// rawFilename returns the filename exactly as the client sent it.
// multipart strips directory components from FileHeader.Filename, which
// would hide traversal attempts from validation.
func rawFilename(fh *multipart.FileHeader) string {
	if _, params, err := mime.ParseMediaType(fh.Header.Get("Content-Disposition")); err == nil {
		if name, ok := params["filename"]; ok {
			return name
		}
	}
	return fh.Filename
}

// ListFiles handles listing the caller's files
func (h *APIHandler) ListFiles(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	files, err := h.fileService.List(r.Context(), p, r.URL.Query().Get("user_id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	resp := make([]FileResponse, 0, len(files))
	for i := range files {
		resp = append(resp, h.fileResponse(r, &files[i]))
	}
	respondJSON(w, resp, http.StatusOK)
}

// GetFile handles getting a single file's metadata
func (h *APIHandler) GetFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	rec, err := h.fileService.Get(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, h.fileResponse(r, rec), http.StatusOK)
}

// UpdateFile handles the combined metadata update
func (h *APIHandler) UpdateFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}

	rec, err := h.fileService.Update(r.Context(), p, chi.URLParam(r, "id"), database.MetadataUpdate{
		DisplayName: req.Name,
		Comment:     req.Comment,
	})
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, h.fileResponse(r, rec), http.StatusOK)
}

// RenameFile handles changing the display name
func (h *APIHandler) RenameFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	name := ""
	if req.Name != nil {
		name = *req.Name
	}

	rec, err := h.fileService.Rename(r.Context(), p, chi.URLParam(r, "id"), name)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, RenameResponse{ID: rec.ID, Name: rec.DisplayName}, http.StatusOK)
}

// CommentFile handles replacing the comment
func (h *APIHandler) CommentFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	var req UpdateRequest
	if !decodeJSON(w, r, &req) {
		return
	}
	if req.Comment == nil {
		h.respondServiceError(w, r, services.ErrNoFields)
		return
	}

	rec, err := h.fileService.Comment(r.Context(), p, chi.URLParam(r, "id"), *req.Comment)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, CommentResponse{ID: rec.ID, Comment: rec.Comment}, http.StatusOK)
}

// DeleteFile handles file deletion
func (h *APIHandler) DeleteFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	if err := h.fileService.Delete(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// DownloadFile streams the file as an attachment
func (h *APIHandler) DownloadFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	stream, err := h.fileService.OpenDownload(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	writeStream(w, r, stream, h.logger)
}

// PreviewFile streams the file for inline viewing when its type allows it
func (h *APIHandler) PreviewFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	stream, err := h.fileService.OpenPreview(r.Context(), p, chi.URLParam(r, "id"))
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.Header().Set("Content-Security-Policy", "default-src 'none'; img-src 'self'; style-src 'unsafe-inline'; sandbox")
	writeStream(w, r, stream, h.logger)
}

// ShareFile returns the file's public URL, minting a token on first use
func (h *APIHandler) ShareFile(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	token, err := h.fileService.EnsureShareToken(r.Context(), p, id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, ShareResponse{FileID: id, ShareURL: h.absoluteURL(r, "/api/files/shared/"+token+"/")}, http.StatusOK)
}

// RotateShare replaces the file's share token
func (h *APIHandler) RotateShare(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	id := chi.URLParam(r, "id")
	token, err := h.fileService.RotateShareToken(r.Context(), p, id)
	if err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	respondJSON(w, ShareResponse{FileID: id, ShareURL: h.absoluteURL(r, "/api/files/shared/"+token+"/")}, http.StatusOK)
}

// RevokeShare disables the file's public URL
func (h *APIHandler) RevokeShare(w http.ResponseWriter, r *http.Request) {
	p, ok := h.principal(w, r)
	if !ok {
		return
	}

	if err := h.fileService.RevokeShareToken(r.Context(), p, chi.URLParam(r, "id")); err != nil {
		h.respondServiceError(w, r, err)
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Helper functions

func (h *APIHandler) principal(w http.ResponseWriter, r *http.Request) (auth.Principal, bool) {
	p, ok := auth.FromContext(r.Context())
	if !ok {
		respondError(w, "authentication required", "unauthorized", http.StatusUnauthorized)
	}
	return p, ok
}

func (h *APIHandler) fileResponse(r *http.Request, rec *models.FileRecord) FileResponse {
	return FileResponse{
		FileRecord: rec,
		File:       h.absoluteURL(r, "/api/files/"+rec.ID+"/download/"),
	}
}

// absoluteURL prefers the configured public base URL over the request host
func (h *APIHandler) absoluteURL(r *http.Request, path string) string {
	if h.baseURL != "" {
		return h.baseURL + path
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	} else if proto := r.Header.Get("X-Forwarded-Proto"); proto == "https" || proto == "http" {
		scheme = proto
	}
	return scheme + "://" + r.Host + path
}

func (h *APIHandler) respondServiceError(w http.ResponseWriter, r *http.Request, err error) {
	respondServiceError(w, r, err, h.logger)
}

// respondServiceError maps domain errors onto status codes. Integrity
// faults and I/O failures surface as a generic error.
func respondServiceError(w http.ResponseWriter, r *http.Request, err error, logger *slog.Logger) {
	var verr *validation.Error
	switch {
	case errors.As(err, &verr):
		status := http.StatusBadRequest
		if verr.Reason == validation.PayloadTooLarge {
			status = http.StatusRequestEntityTooLarge
		}
		respondError(w, verr.Error(), string(verr.Reason), status)
	case errors.Is(err, services.ErrInvalidName):
		respondError(w, "invalid name", "invalid_name", http.StatusBadRequest)
	case errors.Is(err, services.ErrNoFields):
		respondError(w, "no fields to update", "no_fields", http.StatusBadRequest)
	case errors.Is(err, services.ErrCommentTooLong):
		respondError(w, "comment must be at most "+strconv.Itoa(services.MaxCommentLength)+" characters", "comment_too_long", http.StatusBadRequest)
	case errors.Is(err, access.ErrPermissionDenied):
		respondError(w, "permission denied", "permission_denied", http.StatusForbidden)
	case errors.Is(err, services.ErrFileNotFound), errors.Is(err, storage.ErrObjectNotFound):
		respondError(w, "file not found", "not_found", http.StatusNotFound)
	default:
		if !errors.Is(err, storage.ErrIntegrityFault) {
			logger.ErrorContext(r.Context(), "request failed",
				slog.String("route", mw.RoutePattern(r)),
				slog.Any("error", err),
			)
		}
		respondError(w, "internal server error", "internal_error", http.StatusInternalServerError)
	}
}

// writeStream sends an opened file with download or inline headers
func writeStream(w http.ResponseWriter, r *http.Request, stream *services.Stream, logger *slog.Logger) {
	defer stream.Body.Close()

	disposition := "inline"
	if stream.Attachment {
		disposition = "attachment"
	}
	if v := mime.FormatMediaType(disposition, map[string]string{"filename": stream.FileName}); v != "" {
		disposition = v
	}

	w.Header().Set("Content-Type", stream.MediaType)
	w.Header().Set("Content-Disposition", disposition)
	w.Header().Set("X-Content-Type-Options", "nosniff")
	if !strings.HasPrefix(stream.MediaType, "text/") {
		w.Header().Set("Content-Length", strconv.FormatInt(stream.Record.Size, 10))
	}
	w.WriteHeader(http.StatusOK)

	if _, err := io.Copy(w, stream.Body); err != nil {
		// headers are already sent
		logger.WarnContext(r.Context(), "stream interrupted",
			slog.String("file_id", stream.Record.ID),
			slog.Any("error", err),
		)
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, v any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBody)
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		respondError(w, "invalid request body", "invalid_body", http.StatusBadRequest)
		return false
	}
	return true
}

func respondJSON(w http.ResponseWriter, data interface{}, status int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func respondError(w http.ResponseWriter, message, code string, status int) {
	respondJSON(w, ErrorResponse{Error: message, Code: code}, status)
}
