package handlers

import (
	"log/slog"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	mw "github.com/yorukot/filevault/internal/middleware"
	"github.com/yorukot/filevault/internal/services"
)

// RouterConfig wires the HTTP surface
type RouterConfig struct {
	Files         *services.FileService
	Verifier      *mw.TokenVerifier
	Logger        *slog.Logger
	PublicBaseURL string
	MaxUploadSize int64
	Metrics       bool
}

// NewRouter builds the chi router with every route and middleware
func NewRouter(cfg RouterConfig) http.Handler {
	apiHandler := NewAPIHandler(cfg.Files, cfg.Logger, cfg.PublicBaseURL, cfg.MaxUploadSize)
	publicHandler := NewPublicHandler(cfg.Files, cfg.Logger)

	r := chi.NewRouter()

	// Global middleware
	r.Use(middleware.StripSlashes)
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(mw.RequestLogger(cfg.Logger))
	r.Use(middleware.Recoverer)
	if cfg.Metrics {
		r.Use(mw.Metrics)
	}

	r.Route("/api/files", func(r chi.Router) {
		// Public share links
		r.Get("/shared/{token}", publicHandler.DownloadShared)

		r.Group(func(r chi.Router) {
			r.Use(mw.BearerAuth(cfg.Verifier, cfg.Logger))

			r.Get("/", apiHandler.ListFiles)
			r.Post("/upload", apiHandler.UploadFile)
			r.Get("/{id}", apiHandler.GetFile)
			r.Patch("/{id}", apiHandler.UpdateFile)
			r.Delete("/{id}", apiHandler.DeleteFile)
			r.Get("/{id}/download", apiHandler.DownloadFile)
			r.Get("/{id}/content", apiHandler.PreviewFile)
			r.Post("/{id}/rename", apiHandler.RenameFile)
			r.Post("/{id}/comment", apiHandler.CommentFile)
			r.Post("/{id}/shared", apiHandler.ShareFile)
			r.Post("/{id}/shared/rotate", apiHandler.RotateShare)
			r.Delete("/{id}/shared", apiHandler.RevokeShare)
		})
	})

	// Health check endpoint
	r.Get("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	if cfg.Metrics {
		r.Handle("/metrics", promhttp.Handler())
	}

	return r
}
