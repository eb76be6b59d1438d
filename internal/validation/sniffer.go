package validation

import (
	"github.com/gabriel-vasile/mimetype"
)

// genericBinary is what detectors report when the magic bytes mean nothing to them
const genericBinary = "application/octet-stream"

// Sniffer derives a media type from the leading bytes of a payload.
// It is best effort: ok is false when detection is inconclusive, and the
// pipeline then falls back to the client-declared content type.
type Sniffer interface {
	Sniff(head []byte) (mediaType string, ok bool)
}

// SnifferFunc adapts a plain function to the Sniffer interface
type SnifferFunc func(head []byte) (string, bool)

// Sniff calls f(head)
func (f SnifferFunc) Sniff(head []byte) (string, bool) {
	return f(head)
}

// MimetypeSniffer detects content with github.com/gabriel-vasile/mimetype
type MimetypeSniffer struct{}

// Sniff implements Sniffer
func (MimetypeSniffer) Sniff(head []byte) (string, bool) {
	if len(head) == 0 {
		return "", false
	}
	mt := mimetype.Detect(head)
	if mt == nil || mt.Is(genericBinary) {
		return "", false
	}
	return mt.String(), true
}
