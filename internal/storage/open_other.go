//go:build !unix

package storage

import "os"

// openNoFollow falls back to a plain open; locate has already refused symlinks
func openNoFollow(path string) (*os.File, error) {
	return os.Open(path)
}
