// Package validation rejects unwanted uploads before any byte is persisted.
//
// Checks run in a fixed order and stop at the first failure: payload
// presence, size ceiling, name sanitation, extension policy, and content
// sniffing against a media-type allowlist and the extension's family.
package validation

import (
	"errors"
	"fmt"
	"mime"
	"path/filepath"
	"strings"
	"unicode"
)

// Reason is the machine-readable cause of a rejected upload
type Reason string

const (
	MissingPayload        Reason = "missing_payload"
	PayloadTooLarge       Reason = "payload_too_large"
	InvalidName           Reason = "invalid_name"
	ExtensionNotAllowed   Reason = "extension_not_allowed"
	ContentTypeNotAllowed Reason = "content_type_not_allowed"
)

// Error is returned for every rejected upload
type Error struct {
	Reason Reason
	Detail string
}

func (e *Error) Error() string {
	if e.Detail == "" {
		return "upload rejected: " + string(e.Reason)
	}
	return fmt.Sprintf("upload rejected: %s: %s", e.Reason, e.Detail)
}

// ReasonOf extracts the rejection reason from err, if it is a validation error
func ReasonOf(err error) (Reason, bool) {
	var verr *Error
	if errors.As(err, &verr) {
		return verr.Reason, true
	}
	return "", false
}

func reject(reason Reason, format string, args ...any) *Error {
	return &Error{Reason: reason, Detail: fmt.Sprintf(format, args...)}
}

// UploadMeta is what the transport knows about an incoming payload
type UploadMeta struct {
	Present      bool
	Filename     string
	Size         int64
	DeclaredType string
}

// Result is returned for accepted uploads
type Result struct {
	Name      string
	Extension string
	MediaType string
	// Sniffed is false when MediaType came from the declared content type
	Sniffed bool
}

// Pipeline validates uploads against fixed policy tables
type Pipeline struct {
	maxSize int64
	sniffer Sniffer
}

// Option configures a Pipeline
type Option func(*Pipeline)

// WithMaxSize overrides the size ceiling
func WithMaxSize(n int64) Option {
	return func(p *Pipeline) {
		if n > 0 {
			p.maxSize = n
		}
	}
}

// WithSniffer replaces the content detector. A nil sniffer disables
// detection, so every upload is judged by its declared content type.
func WithSniffer(s Sniffer) Option {
	return func(p *Pipeline) {
		p.sniffer = s
	}
}

// New creates a pipeline with the mimetype sniffer and the baseline ceiling
func New(opts ...Option) *Pipeline {
	p := &Pipeline{
		maxSize: DefaultMaxUploadSize,
		sniffer: MimetypeSniffer{},
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// MaxSize returns the configured ceiling in bytes
func (p *Pipeline) MaxSize() int64 {
	return p.maxSize
}

// Validate runs every check against meta and the payload's leading bytes
func (p *Pipeline) Validate(meta UploadMeta, head []byte) (Result, error) {
	if !meta.Present {
		return Result{}, reject(MissingPayload, "no file attached")
	}

	if meta.Size > p.maxSize {
		return Result{}, reject(PayloadTooLarge, "%d bytes exceeds %d bytes limit", meta.Size, p.maxSize)
	}

	if err := CheckName(meta.Filename); err != nil {
		return Result{}, err
	}

	ext := strings.ToLower(filepath.Ext(meta.Filename))
	if ExtensionDenied(ext) {
		return Result{}, reject(ExtensionNotAllowed, "extension %q is forbidden", ext)
	}
	if !ExtensionAllowed(ext) {
		return Result{}, reject(ExtensionNotAllowed, "extension %q is not allowed", ext)
	}

	mediaType, sniffed := p.detect(head, meta.DeclaredType)
	if mediaType == "" || !MediaTypeAllowed(mediaType) {
		return Result{}, reject(ContentTypeNotAllowed, "content type %q is not allowed", mediaType)
	}
	if !MediaTypeMatchesExtension(mediaType, ext) {
		return Result{}, reject(ContentTypeNotAllowed, "content type %q does not match extension %q", mediaType, ext)
	}

	return Result{
		Name:      meta.Filename,
		Extension: ext,
		MediaType: mediaType,
		Sniffed:   sniffed,
	}, nil
}

// CheckName rejects empty names, path separators, parent segments and
// control characters.
func CheckName(name string) error {
	if strings.TrimSpace(name) == "" {
		return reject(InvalidName, "empty file name")
	}
	if len(name) > maxNameLength {
		return reject(InvalidName, "file name longer than %d bytes", maxNameLength)
	}
	if strings.ContainsAny(name, `/\`) || strings.Contains(name, "..") {
		return reject(InvalidName, "file name contains path components")
	}
	for _, r := range name {
		if r == unicode.ReplacementChar || unicode.IsControl(r) {
			return reject(InvalidName, "file name contains control characters")
		}
	}
	return nil
}

// detect asks the sniffer first and degrades to the declared type
func (p *Pipeline) detect(head []byte, declared string) (string, bool) {
	if p.sniffer != nil {
		if len(head) > SniffLength {
			head = head[:SniffLength]
		}
		if mt, ok := p.sniffer.Sniff(head); ok {
			if bare := bareMediaType(mt); bare != "" && bare != genericBinary {
				return bare, true
			}
		}
	}
	return bareMediaType(declared), false
}

func bareMediaType(v string) string {
	if v == "" {
		return ""
	}
	mt, _, err := mime.ParseMediaType(v)
	if err != nil {
		return ""
	}
	return strings.ToLower(mt)
}
