package services

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/gorm"

	"github.com/yorukot/filevault/internal/access"
	"github.com/yorukot/filevault/internal/auth"
	"github.com/yorukot/filevault/internal/database"
	"github.com/yorukot/filevault/internal/models"
	"github.com/yorukot/filevault/internal/preview"
	"github.com/yorukot/filevault/internal/storage"
	"github.com/yorukot/filevault/internal/validation"
)

var (
	alice = auth.Principal{ID: "alice", Username: "alice"}
	bob   = auth.Principal{ID: "bob", Username: "bob"}
	admin = auth.Principal{ID: "root", Username: "root", IsAdmin: true}
)

var storedKeyRegex = regexp.MustCompile(`^users/u_alice/[a-f0-9]{32}\.txt$`)

type testEnv struct {
	svc     *FileService
	store   *storage.LocalStorage
	records *database.Records
	db      *gorm.DB
}

func newTestEnv(t *testing.T, opts ...validation.Option) *testEnv {
	t.Helper()

	dir := t.TempDir()
	db, err := database.Open(filepath.Join(dir, "filevault.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = database.Close(db) })

	store, err := storage.NewLocalStorage(filepath.Join(dir, "files"))
	require.NoError(t, err)

	records := database.NewRecords(db)
	svc := NewFileService(records, store, validation.New(opts...), slog.New(slog.DiscardHandler))
	return &testEnv{svc: svc, store: store, records: records, db: db}
}

func (e *testEnv) upload(t *testing.T, p auth.Principal, name, content string) *models.FileRecord {
	t.Helper()
	rec, err := e.svc.Upload(context.Background(), p, UploadInput{
		Filename:     name,
		DeclaredType: "text/plain",
		Size:         int64(len(content)),
		Content:      strings.NewReader(content),
	})
	require.NoError(t, err)
	return rec
}

func (e *testEnv) physicalPath(key string) string {
	return filepath.Join(e.store.DataDir(), filepath.FromSlash(key))
}

func (e *testEnv) storedObjects(t *testing.T) []storage.Object {
	t.Helper()
	objects, err := e.store.List(context.Background(), storage.UsersPrefix)
	require.NoError(t, err)
	return objects
}

func readStream(t *testing.T, s *Stream) string {
	t.Helper()
	defer s.Body.Close()
	data, err := io.ReadAll(s.Body)
	require.NoError(t, err)
	return string(data)
}

func assertReason(t *testing.T, err error, want validation.Reason) {
	t.Helper()
	reason, ok := validation.ReasonOf(err)
	require.True(t, ok, "expected a validation error, got %v", err)
	assert.Equal(t, want, reason)
}

func TestUpload_RoundTrip(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	rec := env.upload(t, alice, "ok.txt", "hello world")
	assert.Equal(t, "alice", rec.OwnerID)
	assert.Equal(t, int64(11), rec.Size)
	assert.Equal(t, "ok.txt", rec.OriginalName)
	assert.Equal(t, "ok.txt", rec.DisplayName)
	assert.Equal(t, "text/plain", rec.MediaType)
	assert.Nil(t, rec.LastDownloadedAt)
	assert.Regexp(t, storedKeyRegex, rec.StoredPath)

	info, err := os.Stat(env.physicalPath(rec.StoredPath))
	require.NoError(t, err)
	assert.Equal(t, rec.Size, info.Size())

	stream, err := env.svc.OpenDownload(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", readStream(t, stream))
	assert.True(t, stream.Attachment)
	assert.Equal(t, "ok.txt", stream.FileName)

	got, err := env.svc.Get(ctx, alice, rec.ID)
	require.NoError(t, err)
	require.NotNil(t, got.LastDownloadedAt)
}

func TestUpload_LargeStreamKeepsBytes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	content := strings.Repeat("line of text\n", 10000)
	rec, err := env.svc.Upload(ctx, alice, UploadInput{
		Filename: "big.txt",
		Size:     -1,
		Content:  strings.NewReader(content),
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(content)), rec.Size)

	stream, err := env.svc.OpenDownload(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, content, readStream(t, stream))
}

func TestUpload_Rejections(t *testing.T) {
	elf := "\x7fELF\x02\x01\x01\x00\x00\x00\x00\x00\x00\x00\x00\x00\x02\x00\x3e\x00"

	tests := []struct {
		name     string
		filename string
		declared string
		content  io.Reader
		reason   validation.Reason
	}{
		{name: "traversal", filename: "../../etc/passwd.txt", content: strings.NewReader("x"), reason: validation.InvalidName},
		{name: "backslash traversal", filename: `..\..\boot.txt`, content: strings.NewReader("x"), reason: validation.InvalidName},
		{name: "executable", filename: "evil.exe", declared: "image/png", content: strings.NewReader("MZ"), reason: validation.ExtensionNotAllowed},
		{name: "markup", filename: "page.html", declared: "text/plain", content: strings.NewReader("<html>"), reason: validation.ExtensionNotAllowed},
		{name: "spoofed png", filename: "photo.png", declared: "image/png", content: strings.NewReader(elf), reason: validation.ContentTypeNotAllowed},
		{name: "missing", filename: "ok.txt", content: nil, reason: validation.MissingPayload},
		{name: "empty", filename: "ok.txt", content: strings.NewReader(""), reason: validation.MissingPayload},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			env := newTestEnv(t)
			_, err := env.svc.Upload(context.Background(), alice, UploadInput{
				Filename:     tt.filename,
				DeclaredType: tt.declared,
				Size:         -1,
				Content:      tt.content,
			})
			assertReason(t, err, tt.reason)
			assert.Empty(t, env.storedObjects(t))

			list, err := env.svc.List(context.Background(), alice, "")
			require.NoError(t, err)
			assert.Empty(t, list)
		})
	}
}

func TestUpload_StreamBeyondCeiling(t *testing.T) {
	env := newTestEnv(t, validation.WithMaxSize(16))

	_, err := env.svc.Upload(context.Background(), alice, UploadInput{
		Filename: "ok.txt",
		Size:     -1,
		Content:  strings.NewReader(strings.Repeat("a", 64)),
	})
	assertReason(t, err, validation.PayloadTooLarge)
	assert.Empty(t, env.storedObjects(t))

	rec := env.upload(t, alice, "ok.txt", strings.Repeat("a", 16))
	assert.Equal(t, int64(16), rec.Size)
}

func TestUpload_DeclaredSizeBeyondCeiling(t *testing.T) {
	env := newTestEnv(t, validation.WithMaxSize(16))

	_, err := env.svc.Upload(context.Background(), alice, UploadInput{
		Filename: "ok.txt",
		Size:     17,
		Content:  strings.NewReader("short"),
	})
	assertReason(t, err, validation.PayloadTooLarge)
}

func TestUpload_CommentTooLong(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Upload(context.Background(), alice, UploadInput{
		Filename: "ok.txt",
		Comment:  strings.Repeat("c", MaxCommentLength+1),
		Content:  strings.NewReader("hello"),
	})
	assert.ErrorIs(t, err, ErrCommentTooLong)
	assert.Empty(t, env.storedObjects(t))
}

func TestUpload_Anonymous(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Upload(context.Background(), auth.Principal{}, UploadInput{
		Filename: "ok.txt",
		Content:  strings.NewReader("hello"),
	})
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
}

func TestAccessDenied_LogsAction(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := env.upload(t, alice, "ok.txt", "hello world")

	var buf bytes.Buffer
	env.svc.logger = slog.New(slog.NewJSONHandler(&buf, nil))

	_, err := env.svc.Rename(ctx, bob, rec.ID, "mine.txt")
	require.ErrorIs(t, err, access.ErrPermissionDenied)
	assert.Contains(t, buf.String(), `"action":"rename"`)

	buf.Reset()
	_, err = env.svc.Comment(ctx, bob, rec.ID, "mine")
	require.ErrorIs(t, err, access.ErrPermissionDenied)
	assert.Contains(t, buf.String(), `"action":"comment"`)

	buf.Reset()
	name := "mine.txt"
	_, err = env.svc.Update(ctx, bob, rec.ID, database.MetadataUpdate{DisplayName: &name})
	require.ErrorIs(t, err, access.ErrPermissionDenied)
	assert.Contains(t, buf.String(), `"action":"update"`)
}

func TestOwnershipIsolation(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := env.upload(t, alice, "ok.txt", "hello world")

	_, err := env.svc.Get(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
	_, err = env.svc.OpenDownload(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
	_, err = env.svc.OpenPreview(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
	_, err = env.svc.Rename(ctx, bob, rec.ID, "mine.txt")
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
	_, err = env.svc.Comment(ctx, bob, rec.ID, "mine")
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
	_, err = env.svc.EnsureShareToken(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
	err = env.svc.Delete(ctx, bob, rec.ID)
	assert.ErrorIs(t, err, access.ErrPermissionDenied)

	list, err := env.svc.List(ctx, bob, "alice")
	require.NoError(t, err)
	assert.Empty(t, list)

	// bob's failed attempts changed nothing
	got, err := env.svc.Get(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "ok.txt", got.DisplayName)
	assert.Empty(t, got.Comment)
	assert.Nil(t, got.ShareToken)
	assert.Nil(t, got.LastDownloadedAt)

	stream, err := env.svc.OpenDownload(ctx, admin, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, "hello world", readStream(t, stream))

	list, err = env.svc.List(ctx, admin, "alice")
	require.NoError(t, err)
	require.Len(t, list, 1)
	assert.Equal(t, rec.ID, list[0].ID)
}

func TestGet_NotFound(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.svc.Get(context.Background(), alice, "missing")
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestUpdateMetadata(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := env.upload(t, alice, "ok.txt", "hello world")

	renamed, err := env.svc.Rename(ctx, alice, rec.ID, "renamed.txt")
	require.NoError(t, err)
	assert.Equal(t, "renamed.txt", renamed.DisplayName)
	assert.Equal(t, "ok.txt", renamed.OriginalName)
	assert.Equal(t, rec.StoredPath, renamed.StoredPath)

	commented, err := env.svc.Comment(ctx, alice, rec.ID, "quarterly numbers")
	require.NoError(t, err)
	assert.Equal(t, "quarterly numbers", commented.Comment)

	name, comment := "both.txt", ""
	both, err := env.svc.Update(ctx, admin, rec.ID, database.MetadataUpdate{DisplayName: &name, Comment: &comment})
	require.NoError(t, err)
	assert.Equal(t, "both.txt", both.DisplayName)
	assert.Empty(t, both.Comment)

	_, err = env.svc.Update(ctx, alice, rec.ID, database.MetadataUpdate{})
	assert.ErrorIs(t, err, ErrNoFields)

	for _, bad := range []string{"", "   ", "../up.txt", "a/b.txt", strings.Repeat("n", 256)} {
		_, err = env.svc.Rename(ctx, alice, rec.ID, bad)
		assert.ErrorIs(t, err, ErrInvalidName, bad)
	}

	_, err = env.svc.Comment(ctx, alice, rec.ID, strings.Repeat("é", MaxCommentLength))
	assert.NoError(t, err)
	_, err = env.svc.Comment(ctx, alice, rec.ID, strings.Repeat("é", MaxCommentLength+1))
	assert.ErrorIs(t, err, ErrCommentTooLong)
}

func TestOpenPreview(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := env.upload(t, alice, "notes.txt", "caf\xe9 au lait")

	stream, err := env.svc.OpenPreview(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, preview.TextMediaType, stream.MediaType)
	assert.False(t, stream.Attachment)
	assert.Equal(t, "caf� au lait", readStream(t, stream))

	got, err := env.svc.Get(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Nil(t, got.LastDownloadedAt, "previews are not downloads")

	_, err = env.svc.Rename(ctx, alice, rec.ID, "page.html")
	require.NoError(t, err)

	stream, err = env.svc.OpenPreview(ctx, alice, rec.ID)
	require.NoError(t, err)
	assert.Equal(t, preview.BinaryMediaType, stream.MediaType)
	assert.True(t, stream.Attachment)
	assert.Equal(t, "caf\xe9 au lait", readStream(t, stream))
}

func TestDelete(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := env.upload(t, alice, "ok.txt", "hello world")

	require.NoError(t, env.svc.Delete(ctx, alice, rec.ID))
	_, err := os.Stat(env.physicalPath(rec.StoredPath))
	assert.True(t, os.IsNotExist(err))

	_, err = env.svc.Get(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
	assert.ErrorIs(t, env.svc.Delete(ctx, alice, rec.ID), ErrFileNotFound)
}

func TestDelete_ToleratesMissingBytes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := env.upload(t, alice, "ok.txt", "hello world")
	require.NoError(t, os.Remove(env.physicalPath(rec.StoredPath)))

	_, err := env.svc.OpenDownload(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, storage.ErrObjectNotFound)

	require.NoError(t, env.svc.Delete(ctx, admin, rec.ID))
	_, err = env.svc.Get(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, ErrFileNotFound)
}

func TestIntegrityFault_TamperedStoredPath(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	victim := env.upload(t, bob, "secret.txt", "bob's secret")
	tampered := &models.FileRecord{
		ID:           "tampered",
		OwnerID:      "alice",
		StoredPath:   "users/u_bob/" + strings.Repeat("ab", 16) + ".txt",
		OriginalName: "x.txt",
		DisplayName:  "x.txt",
		Size:         victim.Size,
	}
	require.NoError(t, env.records.Create(ctx, tampered))

	_, err := env.svc.OpenDownload(ctx, alice, tampered.ID)
	assert.ErrorIs(t, err, storage.ErrIntegrityFault)
	_, err = env.svc.OpenPreview(ctx, alice, tampered.ID)
	assert.ErrorIs(t, err, storage.ErrIntegrityFault)
	assert.ErrorIs(t, env.svc.Delete(ctx, alice, tampered.ID), storage.ErrIntegrityFault)

	// bob's bytes survive the attempt
	stream, err := env.svc.OpenDownload(ctx, bob, victim.ID)
	require.NoError(t, err)
	assert.Equal(t, "bob's secret", readStream(t, stream))
}

func TestIntegrityFault_SymlinkedFile(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	rec := env.upload(t, alice, "ok.txt", "hello world")

	outside := filepath.Join(t.TempDir(), "passwd")
	require.NoError(t, os.WriteFile(outside, []byte("root:x:0:0"), 0o600))

	p := env.physicalPath(rec.StoredPath)
	require.NoError(t, os.Remove(p))
	require.NoError(t, os.Symlink(outside, p))

	_, err := env.svc.OpenDownload(ctx, alice, rec.ID)
	assert.ErrorIs(t, err, storage.ErrIntegrityFault)
}

func TestList_NewestFirst(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)

	first := env.upload(t, alice, "a.txt", "first")
	second := env.upload(t, alice, "b.txt", "second")
	env.upload(t, bob, "c.txt", "bob")

	list, err := env.svc.List(ctx, alice, "")
	require.NoError(t, err)
	require.Len(t, list, 2)
	ids := []string{list[0].ID, list[1].ID}
	assert.ElementsMatch(t, []string{first.ID, second.ID}, ids)

	_, err = env.svc.List(ctx, auth.Principal{}, "")
	assert.ErrorIs(t, err, access.ErrPermissionDenied)
}

func TestUpload_FailedInsertRemovesBytes(t *testing.T) {
	ctx := context.Background()
	env := newTestEnv(t)
	env.upload(t, alice, "ok.txt", "hello world")

	// closing the database makes the insert fail after the bytes are written
	sqlDB, err := env.db.DB()
	require.NoError(t, err)
	require.NoError(t, sqlDB.Close())

	_, err = env.svc.Upload(ctx, alice, UploadInput{
		Filename: "late.txt",
		Content:  bytes.NewReader([]byte("never committed")),
	})
	require.Error(t, err)
	assert.Len(t, env.storedObjects(t), 1)
}
