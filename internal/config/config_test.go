package config

import (
	"bytes"
	"log/slog"
	"testing"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func parseMap(environ map[string]string) (*Config, error) {
	return parse(env.Options{Environment: environ})
}

func TestParse_Defaults(t *testing.T) {
	cfg, err := parseMap(map[string]string{"AUTH_JWT_SECRET": "s3cret"})
	require.NoError(t, err)

	assert.Equal(t, 8080, cfg.Port)
	assert.Equal(t, "./data/filevault.db", cfg.DBPath)
	assert.Equal(t, "./data/files", cfg.DataDir)
	assert.Equal(t, BackendLocal, cfg.StorageBackend)
	assert.Equal(t, int64(100<<20), cfg.MaxUploadSize)
	assert.Equal(t, slog.LevelInfo, cfg.LogLevel)
	assert.Equal(t, "json", cfg.LogFormat)
	assert.Equal(t, 15*time.Second, cfg.ShutdownTimeout)
	assert.True(t, cfg.MetricsEnabled)
	assert.Equal(t, time.Hour, cfg.SweepGrace)
	assert.Equal(t, int64(100<<20), cfg.Pipeline().MaxSize())
}

func TestParse_Overrides(t *testing.T) {
	cfg, err := parseMap(map[string]string{
		"AUTH_JWT_SECRET":   "s3cret",
		"AUTH_JWT_ISSUER":   "idp",
		"PORT":              "9090",
		"STORAGE_BACKEND":   "s3",
		"S3_BUCKET":         "vault",
		"S3_ENDPOINT":       "http://minio:9000",
		"S3_USE_PATH_STYLE": "false",
		"MAX_UPLOAD_SIZE":   "1024",
		"LOG_LEVEL":         "debug",
		"LOG_FORMAT":        "text",
		"SWEEP_GRACE":       "30m",
	})
	require.NoError(t, err)

	assert.Equal(t, 9090, cfg.Port)
	assert.Equal(t, "idp", cfg.JWTIssuer)
	assert.Equal(t, slog.LevelDebug, cfg.LogLevel)
	assert.Equal(t, 30*time.Minute, cfg.SweepGrace)
	assert.Equal(t, int64(1024), cfg.Pipeline().MaxSize())

	s3 := cfg.S3Config()
	assert.Equal(t, "vault", s3.Bucket)
	assert.Equal(t, "http://minio:9000", s3.Endpoint)
	assert.Equal(t, "us-east-1", s3.Region)
	assert.False(t, s3.UsePathStyle)
}

func TestParse_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		environ map[string]string
		want    string
	}{
		{name: "missing secret", environ: map[string]string{}, want: "AUTH_JWT_SECRET"},
		{name: "bad backend", environ: map[string]string{"AUTH_JWT_SECRET": "x", "STORAGE_BACKEND": "ftp"}, want: "STORAGE_BACKEND"},
		{name: "s3 without bucket", environ: map[string]string{"AUTH_JWT_SECRET": "x", "STORAGE_BACKEND": "s3"}, want: "S3_BUCKET"},
		{name: "bad log format", environ: map[string]string{"AUTH_JWT_SECRET": "x", "LOG_FORMAT": "xml"}, want: "LOG_FORMAT"},
		{name: "zero upload size", environ: map[string]string{"AUTH_JWT_SECRET": "x", "MAX_UPLOAD_SIZE": "0"}, want: "MAX_UPLOAD_SIZE"},
		{name: "port out of range", environ: map[string]string{"AUTH_JWT_SECRET": "x", "PORT": "70000"}, want: "PORT"},
		{name: "unparsable duration", environ: map[string]string{"AUTH_JWT_SECRET": "x", "SWEEP_GRACE": "soon"}, want: "SweepGrace"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := parseMap(tt.environ)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestNewLogger(t *testing.T) {
	var buf bytes.Buffer
	cfg := &Config{LogLevel: slog.LevelWarn, LogFormat: "json"}

	logger := cfg.NewLogger(&buf)
	t.Cleanup(func() { slog.SetDefault(slog.New(slog.DiscardHandler)) })

	logger.Info("hidden")
	logger.Warn("shown", slog.String("component", "test"))

	assert.NotContains(t, buf.String(), "hidden")
	assert.Contains(t, buf.String(), `"msg":"shown"`)
	assert.Contains(t, buf.String(), `"component":"test"`)
}
