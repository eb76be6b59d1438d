package services

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/yorukot/filevault/internal/access"
	"github.com/yorukot/filevault/internal/auth"
	"github.com/yorukot/filevault/internal/database"
	"github.com/yorukot/filevault/internal/models"
	"github.com/yorukot/filevault/internal/preview"
	"github.com/yorukot/filevault/internal/storage"
	"github.com/yorukot/filevault/internal/validation"
)

// MaxCommentLength is the longest accepted comment, in characters
const MaxCommentLength = 1024

var (
	ErrFileNotFound   = errors.New("file not found")
	ErrInvalidName    = errors.New("invalid name")
	ErrNoFields       = errors.New("no fields to update")
	ErrCommentTooLong = errors.New("comment too long")
)

var (
	integrityFaultsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "filevault_integrity_faults_total",
		Help: "Storage paths that failed the sandbox containment check.",
	})

	uploadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_uploads_total",
		Help: "Upload attempts by outcome.",
	}, []string{"status"})

	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "filevault_downloads_total",
		Help: "Opened byte streams by kind.",
	}, []string{"kind"})
)

// FileService handles file operations
type FileService struct {
	records  *database.Records
	storage  storage.Storage
	resolver *storage.Resolver
	pipeline *validation.Pipeline
	logger   *slog.Logger
	now      func() time.Time
}

// NewFileService creates a new file service instance
func NewFileService(records *database.Records, store storage.Storage, pipeline *validation.Pipeline, logger *slog.Logger) *FileService {
	return &FileService{
		records:  records,
		storage:  store,
		resolver: storage.NewResolver(),
		pipeline: pipeline,
		logger:   logger.With(slog.String("component", "file_service")),
		now:      time.Now,
	}
}

// UploadInput is an incoming upload as seen by the transport.
// A nil Content means no file part was sent.
type UploadInput struct {
	Filename     string
	DeclaredType string
	Size         int64
	Comment      string
	Content      io.Reader
}

// Stream is an opened file ready to be copied to a client
type Stream struct {
	Record     *models.FileRecord
	Body       io.ReadCloser
	MediaType  string
	FileName   string
	Attachment bool
}

// Upload validates the payload, writes it into the owner's sandbox and
// inserts the record. Nothing is left behind when any step fails.
func (s *FileService) Upload(ctx context.Context, p auth.Principal, in UploadInput) (*models.FileRecord, error) {
	if p.Anonymous() {
		return nil, fmt.Errorf("%w: anonymous upload", access.ErrPermissionDenied)
	}
	if utf8.RuneCountInString(in.Comment) > MaxCommentLength {
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, ErrCommentTooLong
	}

	var head []byte
	if in.Content != nil {
		buf := make([]byte, validation.SniffLength)
		n, err := io.ReadFull(in.Content, buf)
		if err != nil && !errors.Is(err, io.EOF) && !errors.Is(err, io.ErrUnexpectedEOF) {
			uploadsTotal.WithLabelValues("error").Inc()
			return nil, fmt.Errorf("failed to read upload: %w", err)
		}
		head = buf[:n]
	}

	res, err := s.pipeline.Validate(validation.UploadMeta{
		Present:      in.Content != nil && len(head) > 0,
		Filename:     in.Filename,
		Size:         in.Size,
		DeclaredType: in.DeclaredType,
	}, head)
	if err != nil {
		uploadsTotal.WithLabelValues("rejected").Inc()
		s.logger.InfoContext(ctx, "upload rejected",
			slog.String("owner_id", p.ID),
			slog.Any("error", err),
		)
		return nil, err
	}

	key, err := s.resolver.Resolve(p.ID, res.Name)
	if err != nil {
		s.integrityFault(ctx, "upload", p.ID, "", err)
		return nil, err
	}

	maxSize := s.pipeline.MaxSize()
	body := io.LimitReader(io.MultiReader(bytes.NewReader(head), in.Content), maxSize+1)
	written, err := s.storage.Put(ctx, key, body, in.Size)
	if err != nil {
		uploadsTotal.WithLabelValues("error").Inc()
		if errors.Is(err, storage.ErrIntegrityFault) {
			s.integrityFault(ctx, "upload", p.ID, "", err)
		}
		return nil, fmt.Errorf("failed to store upload: %w", err)
	}
	if written > maxSize {
		s.removeBytes(ctx, key)
		uploadsTotal.WithLabelValues("rejected").Inc()
		return nil, &validation.Error{
			Reason: validation.PayloadTooLarge,
			Detail: fmt.Sprintf("stream exceeds %d bytes limit", maxSize),
		}
	}

	rec := &models.FileRecord{
		ID:           uuid.NewString(),
		OwnerID:      p.ID,
		StoredPath:   key,
		OriginalName: res.Name,
		DisplayName:  res.Name,
		Comment:      in.Comment,
		Size:         written,
		MediaType:    res.MediaType,
	}
	if err := s.records.Create(ctx, rec); err != nil {
		s.removeBytes(ctx, key)
		uploadsTotal.WithLabelValues("error").Inc()
		return nil, err
	}

	uploadsTotal.WithLabelValues("stored").Inc()
	s.logger.InfoContext(ctx, "file uploaded",
		slog.String("file_id", rec.ID),
		slog.String("owner_id", rec.OwnerID),
		slog.Int64("size", rec.Size),
		slog.String("media_type", rec.MediaType),
		slog.Bool("sniffed", res.Sniffed),
	)
	return rec, nil
}

// List returns the records visible to p. Admins may pass a target owner.
func (s *FileService) List(ctx context.Context, p auth.Principal, requestedOwner string) ([]models.FileRecord, error) {
	owner, err := access.ListScope(p, requestedOwner)
	if err != nil {
		return nil, err
	}
	return s.records.ListByOwner(ctx, owner)
}

// Get retrieves a record p may read
func (s *FileService) Get(ctx context.Context, p auth.Principal, id string) (*models.FileRecord, error) {
	return s.authorized(ctx, p, id, access.ActionRead)
}

// OpenDownload opens the bytes of a file as a forced attachment
func (s *FileService) OpenDownload(ctx context.Context, p auth.Principal, id string) (*Stream, error) {
	rec, err := s.authorized(ctx, p, id, access.ActionDownload)
	if err != nil {
		return nil, err
	}

	body, err := s.openBytes(ctx, rec, "download")
	if err != nil {
		return nil, err
	}
	s.touchDownloaded(ctx, rec)
	downloadsTotal.WithLabelValues("download").Inc()

	return &Stream{
		Record:     rec,
		Body:       body,
		MediaType:  downloadMediaType(rec),
		FileName:   rec.OriginalName,
		Attachment: true,
	}, nil
}

// OpenPreview opens the bytes of a file for inline viewing when its
// display name allows it. Previews do not count as downloads.
func (s *FileService) OpenPreview(ctx context.Context, p auth.Principal, id string) (*Stream, error) {
	rec, err := s.authorized(ctx, p, id, access.ActionPreview)
	if err != nil {
		return nil, err
	}

	body, err := s.openBytes(ctx, rec, "preview")
	if err != nil {
		return nil, err
	}
	downloadsTotal.WithLabelValues("preview").Inc()

	res := preview.Resolve(rec.DisplayName)
	if res.Text {
		body = readCloser{Reader: preview.DecodeText(body), Closer: body}
	}
	return &Stream{
		Record:     rec,
		Body:       body,
		MediaType:  res.MediaType,
		FileName:   rec.DisplayName,
		Attachment: res.Attachment,
	}, nil
}

// Rename changes the display name
func (s *FileService) Rename(ctx context.Context, p auth.Principal, id, name string) (*models.FileRecord, error) {
	return s.update(ctx, p, id, database.MetadataUpdate{DisplayName: &name}, access.ActionRename)
}

// Comment replaces the comment
func (s *FileService) Comment(ctx context.Context, p auth.Principal, id, comment string) (*models.FileRecord, error) {
	return s.update(ctx, p, id, database.MetadataUpdate{Comment: &comment}, access.ActionComment)
}

// Update applies a combined metadata change
func (s *FileService) Update(ctx context.Context, p auth.Principal, id string, upd database.MetadataUpdate) (*models.FileRecord, error) {
	return s.update(ctx, p, id, upd, access.ActionUpdate)
}

func (s *FileService) update(ctx context.Context, p auth.Principal, id string, upd database.MetadataUpdate, action access.Action) (*models.FileRecord, error) {
	rec, err := s.authorized(ctx, p, id, action)
	if err != nil {
		return nil, err
	}

	if upd.DisplayName == nil && upd.Comment == nil {
		return nil, ErrNoFields
	}
	if upd.DisplayName != nil {
		if err := validation.CheckName(*upd.DisplayName); err != nil {
			return nil, fmt.Errorf("%w: %v", ErrInvalidName, err)
		}
	}
	if upd.Comment != nil && utf8.RuneCountInString(*upd.Comment) > MaxCommentLength {
		return nil, ErrCommentTooLong
	}

	updated, err := s.records.UpdateMetadata(ctx, rec.ID, upd)
	if err != nil {
		return nil, s.mapRecordError(err)
	}
	return updated, nil
}

// Delete removes the bytes, then the record
func (s *FileService) Delete(ctx context.Context, p auth.Principal, id string) error {
	rec, err := s.authorized(ctx, p, id, access.ActionDelete)
	if err != nil {
		return err
	}

	if err := s.resolver.Verify(rec.OwnerID, rec.StoredPath); err != nil {
		s.integrityFault(ctx, "delete", rec.OwnerID, rec.ID, err)
		return err
	}
	if err := s.storage.Delete(ctx, rec.StoredPath); err != nil {
		if errors.Is(err, storage.ErrIntegrityFault) {
			s.integrityFault(ctx, "delete", rec.OwnerID, rec.ID, err)
		}
		return fmt.Errorf("failed to delete file bytes: %w", err)
	}
	if err := s.records.Delete(ctx, rec.ID); err != nil {
		return s.mapRecordError(err)
	}

	s.logger.InfoContext(ctx, "file deleted",
		slog.String("file_id", rec.ID),
		slog.String("owner_id", rec.OwnerID),
		slog.String("principal_id", p.ID),
	)
	return nil
}

// authorized loads a record and runs the access gate against it
func (s *FileService) authorized(ctx context.Context, p auth.Principal, id string, action access.Action) (*models.FileRecord, error) {
	rec, err := s.records.Get(ctx, id)
	if err != nil {
		return nil, s.mapRecordError(err)
	}

	if err := access.Authorize(p, rec, action).Err(); err != nil {
		s.logger.WarnContext(ctx, "access denied",
			slog.String("file_id", rec.ID),
			slog.String("principal_id", p.ID),
			slog.String("action", string(action)),
		)
		return nil, err
	}
	return rec, nil
}

// openBytes re-verifies the stored path and opens it
func (s *FileService) openBytes(ctx context.Context, rec *models.FileRecord, op string) (io.ReadCloser, error) {
	if err := s.resolver.Verify(rec.OwnerID, rec.StoredPath); err != nil {
		s.integrityFault(ctx, op, rec.OwnerID, rec.ID, err)
		return nil, err
	}

	body, err := s.storage.Open(ctx, rec.StoredPath)
	if err != nil {
		if errors.Is(err, storage.ErrIntegrityFault) {
			s.integrityFault(ctx, op, rec.OwnerID, rec.ID, err)
		} else if errors.Is(err, storage.ErrObjectNotFound) {
			s.logger.WarnContext(ctx, "file bytes missing",
				slog.String("file_id", rec.ID),
				slog.String("owner_id", rec.OwnerID),
			)
		}
		return nil, err
	}
	return body, nil
}

func (s *FileService) touchDownloaded(ctx context.Context, rec *models.FileRecord) {
	at := s.now()
	if err := s.records.TouchDownloaded(ctx, rec.ID, at); err != nil {
		s.logger.WarnContext(ctx, "failed to record download time",
			slog.String("file_id", rec.ID),
			slog.Any("error", err),
		)
		return
	}
	rec.LastDownloadedAt = &at
}

// removeBytes discards a blob whose record was never committed
func (s *FileService) removeBytes(ctx context.Context, key string) {
	if err := s.storage.Delete(context.WithoutCancel(ctx), key); err != nil {
		s.logger.ErrorContext(ctx, "failed to remove uncommitted upload",
			slog.String("stored_path", key),
			slog.Any("error", err),
		)
	}
}

func (s *FileService) integrityFault(ctx context.Context, op, ownerID, fileID string, err error) {
	integrityFaultsTotal.Inc()
	s.logger.ErrorContext(ctx, "storage path integrity fault",
		slog.String("event", "integrity_fault"),
		slog.String("op", op),
		slog.String("owner_id", ownerID),
		slog.String("file_id", fileID),
		slog.Any("error", err),
	)
}

func (s *FileService) mapRecordError(err error) error {
	if errors.Is(err, database.ErrNotFound) {
		return ErrFileNotFound
	}
	return err
}

func downloadMediaType(rec *models.FileRecord) string {
	if rec.MediaType == "" {
		return preview.BinaryMediaType
	}
	return rec.MediaType
}

type readCloser struct {
	io.Reader
	io.Closer
}
