package storage

import (
	"context"
	"errors"
	"io"
	"time"
)

var (
	// ErrObjectNotFound is returned when the bytes behind a stored path are gone
	ErrObjectNotFound = errors.New("object not found")

	// ErrIntegrityFault is returned when a path fails the sandbox containment check.
	// Callers must log it as a security event and answer with a generic failure.
	ErrIntegrityFault = errors.New("storage path integrity fault")
)

// Object describes a stored blob as seen by a listing
type Object struct {
	Key     string
	Size    int64
	ModTime time.Time
}

// Storage defines the interface for file storage backends.
// Keys are sandbox-relative slash paths produced by a Resolver.
type Storage interface {
	// Put streams reader into key and returns the number of bytes persisted.
	// A failed or cancelled Put leaves nothing behind at key.
	Put(ctx context.Context, key string, reader io.Reader, size int64) (int64, error)

	// Open returns a reader for key. ErrObjectNotFound when missing.
	Open(ctx context.Context, key string) (io.ReadCloser, error)

	// Delete removes key, tolerating it being absent
	Delete(ctx context.Context, key string) error

	// List returns every object below prefix
	List(ctx context.Context, prefix string) ([]Object, error)
}
