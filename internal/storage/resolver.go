package storage

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"path"
	"path/filepath"
	"regexp"
	"strings"

	"github.com/google/uuid"
)

// usersNamespace is the top-level directory holding one sandbox per owner
const usersNamespace = "users"

// UsersPrefix is the key prefix shared by every owner sandbox
const UsersPrefix = usersNamespace + "/"

var (
	safeOwnerRegex = regexp.MustCompile(`^[A-Za-z0-9_-]{1,64}$`)
	safeExtRegex   = regexp.MustCompile(`^\.[a-z0-9]{1,16}$`)
	storedNameRgx  = regexp.MustCompile(`^[a-f0-9]{32}(\.[a-z0-9]{1,16})?$`)
)

// Resolver maps (owner, filename) pairs to sandbox-relative storage keys
// of the form users/<ownerDir>/<random><.ext>. Client-supplied names are
// never used as on-disk names.
type Resolver struct{}

// NewResolver creates a path resolver
func NewResolver() *Resolver {
	return &Resolver{}
}

// OwnerDir returns the stable sandbox directory name for ownerID.
// Plain identifiers are kept readable, anything else is hashed.
func OwnerDir(ownerID string) string {
	if safeOwnerRegex.MatchString(ownerID) {
		return "u_" + ownerID
	}
	sum := sha256.Sum256([]byte(ownerID))
	return "h_" + hex.EncodeToString(sum[:])
}

// OwnerRoot returns the sandbox-relative root key of ownerID
func OwnerRoot(ownerID string) string {
	return usersNamespace + "/" + OwnerDir(ownerID)
}

// Resolve generates a fresh storage key for candidateName inside the
// owner's sandbox. Only the sanitized extension of candidateName survives.
func (r *Resolver) Resolve(ownerID, candidateName string) (string, error) {
	if ownerID == "" {
		return "", fmt.Errorf("%w: empty owner", ErrIntegrityFault)
	}

	key := OwnerRoot(ownerID) + "/" + randomName() + SanitizeExtension(candidateName)
	if err := r.Verify(ownerID, key); err != nil {
		return "", err
	}
	return key, nil
}

// Verify re-checks a persisted storage key against the owner's sandbox.
// Stored keys are derived data and are verified on every use.
func (r *Resolver) Verify(ownerID, storedPath string) error {
	if ownerID == "" || storedPath == "" {
		return fmt.Errorf("%w: empty key", ErrIntegrityFault)
	}
	if strings.ContainsAny(storedPath, "\\\x00") || path.Clean(storedPath) != storedPath {
		return fmt.Errorf("%w: non canonical key", ErrIntegrityFault)
	}

	root := OwnerRoot(ownerID)
	if !VerifyContainment("/"+storedPath, "/"+root) {
		return fmt.Errorf("%w: key outside owner sandbox", ErrIntegrityFault)
	}
	if path.Dir(storedPath) != root || !storedNameRgx.MatchString(path.Base(storedPath)) {
		return fmt.Errorf("%w: unexpected key layout", ErrIntegrityFault)
	}
	return nil
}

// VerifyContainment reports whether p is a strict descendant of root.
// Both must be absolute; the check is purely lexical and touches no
// filesystem state, so callers that care about symlinks canonicalize first.
func VerifyContainment(p, root string) bool {
	if p == "" || root == "" {
		return false
	}
	if strings.ContainsRune(p, 0) || strings.ContainsRune(root, 0) {
		return false
	}
	if !filepath.IsAbs(p) || !filepath.IsAbs(root) {
		return false
	}

	rel, err := filepath.Rel(filepath.Clean(root), filepath.Clean(p))
	if err != nil {
		return false
	}
	if rel == "." || rel == ".." || strings.HasPrefix(rel, ".."+string(filepath.Separator)) {
		return false
	}
	return !filepath.IsAbs(rel)
}

// SanitizeExtension returns the lowercase extension of name, or "" when
// it contains anything but ASCII letters and digits.
func SanitizeExtension(name string) string {
	ext := strings.ToLower(filepath.Ext(name))
	if !safeExtRegex.MatchString(ext) {
		return ""
	}
	return ext
}

func randomName() string {
	return strings.ReplaceAll(uuid.NewString(), "-", "")
}
