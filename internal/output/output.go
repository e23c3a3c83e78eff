// Package output delivers synthesized audio to callers, either as a
// file persisted under a configured directory or as an inline
// base64-encoded payload.
//
// File delivery writes to a temp path and renames into place, so a
// failed or cancelled write never leaves a partial audio file at the
// final path.
package output

import (
	"encoding/base64"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
	"time"
	"unicode"

	"github.com/google/uuid"
)

// DefaultInlineLimit is the ceiling for inline payloads when no
// explicit limit is configured. Inline delivery holds the whole encoded
// payload in memory on both sides, so very large audio belongs on disk.
const DefaultInlineLimit = 10 << 20 // 10 MiB

// maxStemRunes caps how much of the caller-supplied hint ends up in a
// generated filename.
const maxStemRunes = 30

// Mode selects how synthesized audio is returned.
type Mode string

const (
	ModeFile   Mode = "file"
	ModeInline Mode = "inline"
)

// ErrorKind classifies delivery failures.
type ErrorKind string

const (
	// KindWriteFailed marks filesystem failures: unwritable directory,
	// full disk, rename failure.
	KindWriteFailed ErrorKind = "write_failed"
	// KindPayloadTooLarge marks inline payloads above the configured
	// ceiling. The check runs before encoding.
	KindPayloadTooLarge ErrorKind = "payload_too_large"
)

// IOError reports a failed delivery. Callers branch on Kind.
type IOError struct {
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *IOError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("output: %s: %s: %v", e.Kind, e.Detail, e.Err)
	}
	return fmt.Sprintf("output: %s: %s", e.Kind, e.Detail)
}

func (e *IOError) Unwrap() error { return e.Err }

// Result is a delivered payload. File results carry Path; inline
// results carry EncodedAudio and MimeType. ByteSize is always the raw
// (pre-encoding) audio size.
type Result struct {
	Mode         Mode
	Path         string
	ByteSize     int
	EncodedAudio string
	MimeType     string
}

// Option is a functional option for configuring a [Handler].
type Option func(*Handler)

// WithInlineLimit sets the inline payload ceiling in bytes. Zero
// disables the ceiling. Default: [DefaultInlineLimit].
func WithInlineLimit(n int) Option {
	return func(h *Handler) {
		h.inlineLimit = n
	}
}

// Handler delivers audio payloads. Safe for concurrent use; it is
// read-only after construction.
type Handler struct {
	dir         string
	inlineLimit int
}

// NewHandler creates a [Handler] writing file-mode results under dir,
// creating the directory if needed.
func NewHandler(dir string, opts ...Option) (*Handler, error) {
	if dir == "" {
		return nil, fmt.Errorf("output: directory must not be empty")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("output: create directory: %w", err)
	}
	h := &Handler{
		dir:         dir,
		inlineLimit: DefaultInlineLimit,
	}
	for _, opt := range opts {
		opt(h)
	}
	return h, nil
}

// Dir returns the directory file-mode results are written to.
func (h *Handler) Dir() string { return h.dir }

// Handle delivers audio in the requested mode. hint seeds the generated
// filename in file mode (typically the spoken text) and is ignored
// inline. Failures are of type [*IOError].
func (h *Handler) Handle(audio []byte, contentType string, mode Mode, hint string) (*Result, error) {
	switch mode {
	case ModeFile:
		return h.toFile(audio, contentType, hint)
	case ModeInline:
		return h.toInline(audio, contentType)
	default:
		return nil, fmt.Errorf("output: unknown delivery mode %q", mode)
	}
}

// toFile writes audio under the output directory with a
// collision-resistant name: sanitized hint stem, UTC timestamp, and a
// short random suffix, finalized by rename.
func (h *Handler) toFile(audio []byte, contentType, hint string) (*Result, error) {
	name := fmt.Sprintf("%s_%s_%s%s",
		sanitizeStem(hint),
		time.Now().UTC().Format("20060102T150405"),
		uuid.NewString()[:8],
		extensionFor(contentType),
	)
	final := filepath.Join(h.dir, name)
	tmp := final + ".tmp"

	f, err := os.OpenFile(tmp, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o644)
	if err != nil {
		return nil, &IOError{Kind: KindWriteFailed, Detail: "create temp file", Err: err}
	}
	if _, err := f.Write(audio); err != nil {
		f.Close()
		os.Remove(tmp)
		return nil, &IOError{Kind: KindWriteFailed, Detail: "write audio", Err: err}
	}
	if err := f.Close(); err != nil {
		os.Remove(tmp)
		return nil, &IOError{Kind: KindWriteFailed, Detail: "close temp file", Err: err}
	}
	if err := os.Rename(tmp, final); err != nil {
		os.Remove(tmp)
		return nil, &IOError{Kind: KindWriteFailed, Detail: "finalize file", Err: err}
	}

	return &Result{
		Mode:     ModeFile,
		Path:     final,
		ByteSize: len(audio),
	}, nil
}

// toInline base64-encodes audio, enforcing the size ceiling first.
func (h *Handler) toInline(audio []byte, contentType string) (*Result, error) {
	if h.inlineLimit > 0 && len(audio) > h.inlineLimit {
		return nil, &IOError{
			Kind:   KindPayloadTooLarge,
			Detail: fmt.Sprintf("%d bytes exceeds inline limit of %d", len(audio), h.inlineLimit),
		}
	}
	return &Result{
		Mode:         ModeInline,
		EncodedAudio: base64.StdEncoding.EncodeToString(audio),
		MimeType:     mediaType(contentType),
		ByteSize:     len(audio),
	}, nil
}

// sanitizeStem reduces a filename hint to a safe stem: the first
// maxStemRunes runes, keeping letters, digits, and underscores, with
// spaces mapped to underscores. Empty results fall back to "speech".
func sanitizeStem(hint string) string {
	runes := []rune(hint)
	if len(runes) > maxStemRunes {
		runes = runes[:maxStemRunes]
	}
	var b strings.Builder
	for _, r := range runes {
		switch {
		case unicode.IsLetter(r) || unicode.IsDigit(r) || r == '_':
			b.WriteRune(r)
		case r == ' ':
			b.WriteByte('_')
		}
	}
	stem := b.String()
	if stem == "" {
		return "speech"
	}
	return stem
}

// extensionFor maps a content type to a filename extension.
func extensionFor(contentType string) string {
	switch mediaType(contentType) {
	case "audio/mpeg", "audio/mp3":
		return ".mp3"
	case "audio/wav", "audio/x-wav", "audio/wave":
		return ".wav"
	case "audio/opus", "audio/ogg":
		return ".opus"
	}
	return ".bin"
}

// mediaType normalizes a Content-Type header value, dropping
// parameters. Unparseable values pass through trimmed.
func mediaType(contentType string) string {
	mt, _, err := mime.ParseMediaType(contentType)
	if err != nil {
		return strings.TrimSpace(strings.ToLower(contentType))
	}
	return mt
}
