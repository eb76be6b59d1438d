// Package preview decides how a stored file may be shown inline.
package preview

import (
	"io"
	"path/filepath"
	"strings"

	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// BinaryMediaType is served for everything that is not explicitly previewable
const BinaryMediaType = "application/octet-stream"

// TextMediaType is served for decoded .txt previews
const TextMediaType = "text/plain; charset=utf-8"

var inlineTypes = map[string]string{
	".png":  "image/png",
	".jpg":  "image/jpeg",
	".jpeg": "image/jpeg",
	".gif":  "image/gif",
	".pdf":  "application/pdf",
}

// Result tells the transport how to deliver a preview
type Result struct {
	MediaType  string
	Attachment bool
	// Text means the content must go through DecodeText
	Text bool
}

// Resolve maps a display name to a safe delivery mode. Unknown extensions
// are never rendered inline.
func Resolve(displayName string) Result {
	ext := strings.ToLower(filepath.Ext(displayName))
	if ext == ".txt" {
		return Result{MediaType: TextMediaType, Text: true}
	}
	if mt, ok := inlineTypes[ext]; ok {
		return Result{MediaType: mt}
	}
	return Result{MediaType: BinaryMediaType, Attachment: true}
}

// DecodeText wraps r so invalid UTF-8 sequences come out as U+FFFD
func DecodeText(r io.Reader) io.Reader {
	return transform.NewReader(r, unicode.UTF8.NewDecoder())
}
