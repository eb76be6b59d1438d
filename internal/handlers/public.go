package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/yorukot/filevault/internal/services"
)

// PublicHandler serves share links; no authentication required
type PublicHandler struct {
	fileService *services.FileService
	logger      *slog.Logger
}

// NewPublicHandler creates a new public handler
func NewPublicHandler(fileService *services.FileService, logger *slog.Logger) *PublicHandler {
	return &PublicHandler{
		fileService: fileService,
		logger:      logger.With(slog.String("component", "public")),
	}
}

// DownloadShared streams the file a share token points at. Unknown and
// malformed tokens look the same to the caller.
func (h *PublicHandler) DownloadShared(w http.ResponseWriter, r *http.Request) {
	stream, err := h.fileService.OpenShared(r.Context(), chi.URLParam(r, "token"))
	if err != nil {
		respondServiceError(w, r, err, h.logger)
		return
	}

	w.Header().Set("Cache-Control", "private, no-store")
	w.Header().Set("Referrer-Policy", "no-referrer")
	writeStream(w, r, stream, h.logger)
}
