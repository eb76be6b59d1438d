//go:build unix

package storage

import (
	"errors"
	"fmt"
	"os"
	"syscall"
)

// openNoFollow opens path for reading and refuses a symlink in the final
// component, so the symlink check and the open are a single operation.
func openNoFollow(path string) (*os.File, error) {
	file, err := os.OpenFile(path, os.O_RDONLY|syscall.O_NOFOLLOW, 0)
	if err != nil {
		if errors.Is(err, syscall.ELOOP) {
			return nil, fmt.Errorf("%w: key is a symlink", ErrIntegrityFault)
		}
		return nil, err
	}
	return file, nil
}
