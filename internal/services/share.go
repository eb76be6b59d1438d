package services

import (
	"context"
	"errors"
	"log/slog"
	"regexp"
	"strings"

	"github.com/google/uuid"

	"github.com/yorukot/filevault/internal/access"
	"github.com/yorukot/filevault/internal/auth"
	"github.com/yorukot/filevault/internal/database"
)

var shareTokenRegex = regexp.MustCompile(`^[a-f0-9]{32}$`)

// NewShareToken draws a fresh token from the UUIDv4 space
func NewShareToken() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}

// ValidShareToken reports whether token is well formed
func ValidShareToken(token string) bool {
	return shareTokenRegex.MatchString(token)
}

// EnsureShareToken returns the record's share token, minting one on the
// first request. Concurrent first requests agree on a single token.
func (s *FileService) EnsureShareToken(ctx context.Context, p auth.Principal, id string) (string, error) {
	rec, err := s.authorized(ctx, p, id, access.ActionShare)
	if err != nil {
		return "", err
	}
	if rec.IsShared() {
		return *rec.ShareToken, nil
	}

	token, err := s.records.SetShareTokenIfEmpty(ctx, rec.ID, NewShareToken())
	if err != nil {
		return "", s.mapRecordError(err)
	}

	s.logger.InfoContext(ctx, "file shared",
		slog.String("file_id", rec.ID),
		slog.String("principal_id", p.ID),
	)
	return token, nil
}

// RotateShareToken replaces the token; links carrying the old one stop working
func (s *FileService) RotateShareToken(ctx context.Context, p auth.Principal, id string) (string, error) {
	rec, err := s.authorized(ctx, p, id, access.ActionShare)
	if err != nil {
		return "", err
	}

	token := NewShareToken()
	if err := s.records.ReplaceShareToken(ctx, rec.ID, &token); err != nil {
		return "", s.mapRecordError(err)
	}

	s.logger.InfoContext(ctx, "share token rotated",
		slog.String("file_id", rec.ID),
		slog.String("principal_id", p.ID),
	)
	return token, nil
}

// RevokeShareToken disables anonymous access to the file
func (s *FileService) RevokeShareToken(ctx context.Context, p auth.Principal, id string) error {
	rec, err := s.authorized(ctx, p, id, access.ActionShare)
	if err != nil {
		return err
	}

	if err := s.records.ReplaceShareToken(ctx, rec.ID, nil); err != nil {
		return s.mapRecordError(err)
	}

	s.logger.InfoContext(ctx, "share token revoked",
		slog.String("file_id", rec.ID),
		slog.String("principal_id", p.ID),
	)
	return nil
}

// OpenShared opens the file a token points at, without any ownership check.
// Malformed tokens never reach the record store.
func (s *FileService) OpenShared(ctx context.Context, token string) (*Stream, error) {
	if !ValidShareToken(token) {
		return nil, ErrFileNotFound
	}

	rec, err := s.records.GetByShareToken(ctx, token)
	if err != nil {
		if errors.Is(err, database.ErrNotFound) {
			return nil, ErrFileNotFound
		}
		return nil, err
	}

	body, err := s.openBytes(ctx, rec, "shared_download")
	if err != nil {
		return nil, err
	}
	s.touchDownloaded(ctx, rec)
	downloadsTotal.WithLabelValues("shared").Inc()

	return &Stream{
		Record:     rec,
		Body:       body,
		MediaType:  downloadMediaType(rec),
		FileName:   rec.OriginalName,
		Attachment: true,
	}, nil
}
