package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gorm.io/gorm"

	"github.com/yorukot/filevault/internal/auth"
	"github.com/yorukot/filevault/internal/config"
	"github.com/yorukot/filevault/internal/database"
	"github.com/yorukot/filevault/internal/handlers"
	mw "github.com/yorukot/filevault/internal/middleware"
	"github.com/yorukot/filevault/internal/services"
	"github.com/yorukot/filevault/internal/storage"
)

var rootCmd = &cobra.Command{
	Use:           "filevault",
	Short:         "Multi-tenant file storage and sharing service",
	SilenceUsage:  true,
	SilenceErrors: true,
}

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		return runServe(cmd.Context())
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Remove stored files that no record references",
	Args:  cobra.NoArgs,
	RunE: func(cmd *cobra.Command, _ []string) error {
		dryRun, err := cmd.Flags().GetBool("dry-run")
		if err != nil {
			return err
		}
		return runSweep(cmd.Context(), dryRun)
	},
}

var tokenCmd = &cobra.Command{
	Use:   "token <user-id>",
	Short: "Sign a bearer token for local testing",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		isAdmin, _ := cmd.Flags().GetBool("admin")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		cfg, err := config.Load()
		if err != nil {
			return err
		}

		token, err := mw.NewTokenVerifier(cfg.JWTSecret, cfg.JWTIssuer).Sign(auth.Principal{
			ID:       args[0],
			Username: args[0],
			IsAdmin:  isAdmin,
		}, ttl)
		if err != nil {
			return fmt.Errorf("failed to sign token: %w", err)
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	sweepCmd.Flags().Bool("dry-run", false, "report orphans without deleting them")
	tokenCmd.Flags().Bool("admin", false, "grant the administrator role")
	tokenCmd.Flags().Duration("ttl", 24*time.Hour, "token lifetime")

	rootCmd.AddCommand(serveCmd, sweepCmd, tokenCmd)
}

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := rootCmd.ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, "Error:", err)
		os.Exit(1)
	}
}

// app holds the components shared by every command
type app struct {
	cfg    *config.Config
	logger *slog.Logger
	db     *gorm.DB
	files  *services.FileService
}

func setup() (*app, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	logger := cfg.NewLogger(os.Stdout)

	db, err := database.Open(cfg.DBPath)
	if err != nil {
		return nil, err
	}

	store, err := newStorage(cfg)
	if err != nil {
		database.Close(db)
		return nil, err
	}

	files := services.NewFileService(database.NewRecords(db), store, cfg.Pipeline(), logger)
	return &app{cfg: cfg, logger: logger, db: db, files: files}, nil
}

func newStorage(cfg *config.Config) (storage.Storage, error) {
	switch cfg.StorageBackend {
	case config.BackendS3:
		return storage.NewS3Storage(cfg.S3Config())
	default:
		return storage.NewLocalStorage(cfg.DataDir)
	}
}

func runServe(ctx context.Context) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer database.Close(a.db)

	router := handlers.NewRouter(handlers.RouterConfig{
		Files:         a.files,
		Verifier:      mw.NewTokenVerifier(a.cfg.JWTSecret, a.cfg.JWTIssuer),
		Logger:        a.logger,
		PublicBaseURL: a.cfg.PublicBaseURL,
		MaxUploadSize: a.cfg.MaxUploadSize,
		Metrics:       a.cfg.MetricsEnabled,
	})

	srv := &http.Server{
		Addr:              ":" + strconv.Itoa(a.cfg.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		a.logger.Info("starting server",
			slog.Int("port", a.cfg.Port),
			slog.String("storage_backend", a.cfg.StorageBackend),
		)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	a.logger.Info("shutting down", slog.Duration("timeout", a.cfg.ShutdownTimeout))
	shutdownCtx, cancel := context.WithTimeout(context.Background(), a.cfg.ShutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("graceful shutdown failed: %w", err)
	}
	return nil
}

func runSweep(ctx context.Context, dryRun bool) error {
	a, err := setup()
	if err != nil {
		return err
	}
	defer database.Close(a.db)

	report, err := a.files.Sweep(ctx, a.cfg.SweepGrace, dryRun)
	if err != nil {
		return err
	}

	fmt.Printf("scanned %d, orphans %d, removed %d (%d bytes), dangling records %d\n",
		report.Scanned, report.Orphans, report.Removed, report.RemovedBytes, report.Dangling)
	return nil
}
