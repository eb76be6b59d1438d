package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
)

// copyChunkSize bounds the memory used per streamed transfer
const copyChunkSize = 32 * 1024

// LocalStorage implements the Storage interface using the local filesystem
type LocalStorage struct {
	dataDir string // canonical, symlink-free root
}

// NewLocalStorage creates a new local filesystem storage backend
func NewLocalStorage(dataDir string) (*LocalStorage, error) {
	// Ensure data directory exists
	if err := os.MkdirAll(dataDir, 0o750); err != nil {
		return nil, fmt.Errorf("failed to create data directory: %w", err)
	}

	abs, err := filepath.Abs(dataDir)
	if err != nil {
		return nil, fmt.Errorf("failed to resolve data directory: %w", err)
	}
	canonical, err := filepath.EvalSymlinks(abs)
	if err != nil {
		return nil, fmt.Errorf("failed to canonicalize data directory: %w", err)
	}

	return &LocalStorage{
		dataDir: canonical,
	}, nil
}

// DataDir returns the canonical root directory
func (l *LocalStorage) DataDir() string {
	return l.dataDir
}

// Put streams reader into key through a temp file and renames it into place
func (l *LocalStorage) Put(ctx context.Context, key string, reader io.Reader, _ int64) (int64, error) {
	fullPath, err := l.locate(key, true)
	if err != nil {
		return 0, err
	}

	tmp, err := os.CreateTemp(filepath.Dir(fullPath), ".upload-*")
	if err != nil {
		return 0, fmt.Errorf("failed to create file: %w", err)
	}
	tmpPath := tmp.Name()

	written, err := copyWithContext(ctx, tmp, reader)
	if err == nil {
		err = tmp.Sync()
	}
	if closeErr := tmp.Close(); err == nil && closeErr != nil {
		err = closeErr
	}
	if err != nil {
		os.Remove(tmpPath) // Clean up on error
		return 0, fmt.Errorf("failed to save file: %w", err)
	}

	if err := os.Rename(tmpPath, fullPath); err != nil {
		os.Remove(tmpPath)
		return 0, fmt.Errorf("failed to move file into place: %w", err)
	}

	return written, nil
}

// Open retrieves a file from the local filesystem
func (l *LocalStorage) Open(_ context.Context, key string) (io.ReadCloser, error) {
	fullPath, err := l.locate(key, false)
	if err != nil {
		return nil, err
	}

	file, err := openNoFollow(fullPath)
	if err != nil {
		if errors.Is(err, ErrIntegrityFault) {
			return nil, err
		}
		if os.IsNotExist(err) {
			return nil, fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return nil, fmt.Errorf("failed to open file: %w", err)
	}
	return file, nil
}

// Delete removes a file from the local filesystem
func (l *LocalStorage) Delete(_ context.Context, key string) error {
	fullPath, err := l.locate(key, false)
	if err != nil {
		if errors.Is(err, ErrObjectNotFound) {
			return nil
		}
		return err
	}

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to delete file: %w", err)
	}
	return nil
}

// List walks prefix and returns every regular file below it.
// In-flight temp files are skipped.
func (l *LocalStorage) List(ctx context.Context, prefix string) ([]Object, error) {
	root := filepath.Join(l.dataDir, filepath.FromSlash(prefix))
	if root != l.dataDir && !VerifyContainment(root, l.dataDir) {
		return nil, fmt.Errorf("%w: prefix outside data directory", ErrIntegrityFault)
	}

	var objects []Object
	err := filepath.WalkDir(root, func(p string, d fs.DirEntry, err error) error {
		if err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				return nil
			}
			return err
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if !d.Type().IsRegular() || strings.HasPrefix(d.Name(), ".upload-") {
			return nil
		}

		info, err := d.Info()
		if err != nil {
			return nil
		}
		rel, err := filepath.Rel(l.dataDir, p)
		if err != nil {
			return nil
		}
		objects = append(objects, Object{
			Key:     filepath.ToSlash(rel),
			Size:    info.Size(),
			ModTime: info.ModTime(),
		})
		return nil
	})
	if err != nil {
		return nil, fmt.Errorf("failed to list files: %w", err)
	}
	return objects, nil
}

// locate maps key to an absolute path and proves it stays inside the data
// directory after symlink resolution. With create set, the parent directory
// is created first (owner sandboxes are made on first use).
func (l *LocalStorage) locate(key string, create bool) (string, error) {
	if key == "" || strings.ContainsAny(key, "\\\x00") {
		return "", fmt.Errorf("%w: invalid key", ErrIntegrityFault)
	}

	fullPath := filepath.Join(l.dataDir, filepath.FromSlash(key))
	if !VerifyContainment(fullPath, l.dataDir) {
		return "", fmt.Errorf("%w: key escapes data directory", ErrIntegrityFault)
	}

	parent := filepath.Dir(fullPath)
	if create {
		if err := os.MkdirAll(parent, 0o750); err != nil {
			return "", fmt.Errorf("failed to create owner directory: %w", err)
		}
	}

	canonicalParent, err := filepath.EvalSymlinks(parent)
	if err != nil {
		if os.IsNotExist(err) {
			return "", fmt.Errorf("%w: %s", ErrObjectNotFound, key)
		}
		return "", fmt.Errorf("failed to canonicalize path: %w", err)
	}
	canonical := filepath.Join(canonicalParent, filepath.Base(fullPath))

	// The target itself may be a symlink planted after the fact
	if info, err := os.Lstat(canonical); err == nil && info.Mode()&fs.ModeSymlink != 0 {
		return "", fmt.Errorf("%w: key is a symlink", ErrIntegrityFault)
	}

	if canonical != fullPath || !VerifyContainment(canonical, l.dataDir) {
		return "", fmt.Errorf("%w: key resolves outside data directory", ErrIntegrityFault)
	}
	return canonical, nil
}

// copyWithContext copies in bounded chunks, aborting when ctx is done
func copyWithContext(ctx context.Context, dst io.Writer, src io.Reader) (int64, error) {
	var written int64
	buf := make([]byte, copyChunkSize)
	for {
		if err := ctx.Err(); err != nil {
			return written, err
		}

		n, readErr := src.Read(buf)
		if n > 0 {
			nw, writeErr := dst.Write(buf[:n])
			written += int64(nw)
			if writeErr != nil {
				return written, writeErr
			}
			if nw != n {
				return written, io.ErrShortWrite
			}
		}
		if readErr == io.EOF {
			return written, nil
		}
		if readErr != nil {
			return written, readErr
		}
	}
}
