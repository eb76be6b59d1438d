// Package config loads service settings from the environment, after an
// optional .env file.
package config

import (
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"

	"github.com/yorukot/filevault/internal/storage"
	"github.com/yorukot/filevault/internal/validation"
)

// Storage backends
const (
	BackendLocal = "local"
	BackendS3    = "s3"
)

// S3 holds the object storage settings, used with STORAGE_BACKEND=s3
type S3 struct {
	Endpoint        string `env:"S3_ENDPOINT"`
	Bucket          string `env:"S3_BUCKET"`
	Region          string `env:"S3_REGION" envDefault:"us-east-1"`
	AccessKeyID     string `env:"S3_ACCESS_KEY_ID"`
	SecretAccessKey string `env:"S3_SECRET_ACCESS_KEY"`
	UsePathStyle    bool   `env:"S3_USE_PATH_STYLE" envDefault:"true"`
}

// Config holds every runtime setting
type Config struct {
	Port            int           `env:"PORT" envDefault:"8080"`
	DBPath          string        `env:"DB_PATH" envDefault:"./data/filevault.db"`
	DataDir         string        `env:"DATA_DIR" envDefault:"./data/files"`
	StorageBackend  string        `env:"STORAGE_BACKEND" envDefault:"local"`
	MaxUploadSize   int64         `env:"MAX_UPLOAD_SIZE" envDefault:"104857600"`
	JWTSecret       string        `env:"AUTH_JWT_SECRET,required"`
	JWTIssuer       string        `env:"AUTH_JWT_ISSUER"`
	PublicBaseURL   string        `env:"PUBLIC_BASE_URL"`
	LogLevel        slog.Level    `env:"LOG_LEVEL" envDefault:"info"`
	LogFormat       string        `env:"LOG_FORMAT" envDefault:"json"`
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT" envDefault:"15s"`
	MetricsEnabled  bool          `env:"METRICS_ENABLED" envDefault:"true"`
	SweepGrace      time.Duration `env:"SWEEP_GRACE" envDefault:"1h"`

	S3 S3
}

// Load reads .env when present, then parses the process environment
func Load() (*Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return nil, fmt.Errorf("failed to load .env: %w", err)
	}
	return parse(env.Options{})
}

func parse(opts env.Options) (*Config, error) {
	cfg := &Config{}
	if err := env.ParseWithOptions(cfg, opts); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate rejects inconsistent settings
func (c *Config) Validate() error {
	var errs []error

	if c.Port <= 0 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT: %d is out of range", c.Port))
	}
	if c.JWTSecret == "" {
		errs = append(errs, errors.New("AUTH_JWT_SECRET: must not be empty"))
	}
	if c.MaxUploadSize <= 0 {
		errs = append(errs, fmt.Errorf("MAX_UPLOAD_SIZE: %d must be positive", c.MaxUploadSize))
	}
	if c.LogFormat != "json" && c.LogFormat != "text" {
		errs = append(errs, fmt.Errorf("LOG_FORMAT: unsupported format %q, expected json or text", c.LogFormat))
	}
	if c.SweepGrace < 0 {
		errs = append(errs, errors.New("SWEEP_GRACE: must not be negative"))
	}

	switch c.StorageBackend {
	case BackendLocal:
		if c.DataDir == "" {
			errs = append(errs, errors.New("DATA_DIR: required for the local backend"))
		}
	case BackendS3:
		if c.S3.Bucket == "" {
			errs = append(errs, errors.New("S3_BUCKET: required for the s3 backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("STORAGE_BACKEND: unsupported backend %q", c.StorageBackend))
	}

	return errors.Join(errs...)
}

// S3Config converts the S3 settings for the storage package
func (c *Config) S3Config() storage.S3Config {
	return storage.S3Config{
		Endpoint:        c.S3.Endpoint,
		Bucket:          c.S3.Bucket,
		Region:          c.S3.Region,
		AccessKeyID:     c.S3.AccessKeyID,
		SecretAccessKey: c.S3.SecretAccessKey,
		UsePathStyle:    c.S3.UsePathStyle,
	}
}

// Pipeline builds the upload validation pipeline for these settings
func (c *Config) Pipeline() *validation.Pipeline {
	return validation.New(validation.WithMaxSize(c.MaxUploadSize))
}

// NewLogger builds the service logger and installs it as the slog default
func (c *Config) NewLogger(w io.Writer) *slog.Logger {
	opts := &slog.HandlerOptions{Level: c.LogLevel}

	var handler slog.Handler
	if c.LogFormat == "text" {
		handler = slog.NewTextHandler(w, opts)
	} else {
		handler = slog.NewJSONHandler(w, opts)
	}

	logger := slog.New(handler)
	slog.SetDefault(logger)
	return logger
}
