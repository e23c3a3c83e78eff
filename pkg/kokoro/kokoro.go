// Package kokoro implements an HTTP client for Kokoro-compatible
// speech-synthesis servers exposing the OpenAI-style audio API.
//
// Two endpoints are consumed: GET /v1/audio/voices for the voice
// catalog and POST /v1/audio/speech for synthesis. Synthesis responses
// are raw audio bytes in the requested format. The client performs a
// single attempt per call; callers own any retry policy so a retried
// POST can never silently produce duplicate audio.
//
// All failures are reported as [*BackendError] with a stable [ErrorKind]
// so callers can branch without string matching. [Client.Health] is the
// exception: it is itself a diagnostic and never returns an error.
package kokoro

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"sort"
	"strings"
	"time"
)

const (
	voicesEndpoint = "/v1/audio/voices"
	speechEndpoint = "/v1/audio/speech"

	defaultModel        = "kokoro"
	defaultTimeout      = 30 * time.Second
	defaultProbeTimeout = 5 * time.Second

	// maxErrorExcerpt bounds how much of an error response body is
	// copied into the error detail.
	maxErrorExcerpt = 512
)

// Format is an audio container/codec the backend can emit.
type Format string

const (
	FormatMP3  Format = "mp3"
	FormatWAV  Format = "wav"
	FormatOpus Format = "opus"
)

// IsValid reports whether f is one of the supported output formats.
func (f Format) IsValid() bool {
	switch f {
	case FormatMP3, FormatWAV, FormatOpus:
		return true
	}
	return false
}

// ContentType returns the canonical media type for f. Used as a
// fallback when the backend omits the Content-Type response header.
func (f Format) ContentType() string {
	switch f {
	case FormatMP3:
		return "audio/mpeg"
	case FormatWAV:
		return "audio/wav"
	case FormatOpus:
		return "audio/opus"
	}
	return "application/octet-stream"
}

// ErrorKind classifies backend call failures.
type ErrorKind string

const (
	// KindUnreachable marks transport-level failures: connection
	// refused, DNS failure, broken pipe.
	KindUnreachable ErrorKind = "unreachable"
	// KindTimeout marks calls that exceeded their time budget.
	KindTimeout ErrorKind = "timeout"
	// KindRejected marks 4xx responses, e.g. an unknown voice in a
	// blend. Whether the backend ignores unknown blend components or
	// rejects the whole request is backend-defined; the error is
	// deliberately opaque beyond the status and body excerpt.
	KindRejected ErrorKind = "rejected"
	// KindUnexpected marks any other non-2xx response.
	KindUnexpected ErrorKind = "unexpected"
	// KindMalformed marks response bodies that could not be decoded.
	KindMalformed ErrorKind = "malformed"
)

// BackendError reports a failed backend call. Callers branch on Kind;
// Detail is human-readable and Err preserves the transport cause when
// one exists.
type BackendError struct {
	Op     string
	Kind   ErrorKind
	Detail string
	Err    error
}

func (e *BackendError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("kokoro: %s: %s: %s", e.Op, e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("kokoro: %s: %s: %v", e.Op, e.Kind, e.Err)
	}
	return fmt.Sprintf("kokoro: %s: %s", e.Op, e.Kind)
}

func (e *BackendError) Unwrap() error { return e.Err }

// VoiceDescriptor describes one catalog entry. Only Name is guaranteed;
// the remaining fields depend on the backend build.
type VoiceDescriptor struct {
	Name        string `json:"name"`
	Gender      string `json:"gender,omitempty"`
	Language    string `json:"language,omitempty"`
	Description string `json:"description,omitempty"`
}

// SynthesisRequest carries one speech-synthesis call. Voice is the wire
// blend string (see the voiceblend package); Speed is assumed to be
// range-validated by the caller.
type SynthesisRequest struct {
	Text   string
	Voice  string
	Speed  float64
	Format Format
}

// Status is the result of a reachability probe.
type Status struct {
	Reachable  bool
	VoiceCount int
	LatencyMs  int64
	CheckedAt  time.Time
	BaseURL    string
}

// speechRequest is the wire shape of POST /v1/audio/speech.
type speechRequest struct {
	Model          string  `json:"model"`
	Input          string  `json:"input"`
	Voice          string  `json:"voice"`
	Speed          float64 `json:"speed"`
	ResponseFormat string  `json:"response_format"`
}

// Option is a functional option for configuring a [Client].
type Option func(*Client)

// WithTimeout sets the synthesis request timeout. Default: 30s.
func WithTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.httpClient.Timeout = d
	}
}

// WithProbeTimeout sets the per-call budget for catalog and health
// requests. Default: 5s.
func WithProbeTimeout(d time.Duration) Option {
	return func(c *Client) {
		c.probeTimeout = d
	}
}

// WithHTTPClient replaces the underlying HTTP client. Combine with
// WithTimeout after it if the replacement needs a non-default timeout.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) {
		c.httpClient = hc
	}
}

// WithModel overrides the model name sent in synthesis requests.
// Default: "kokoro".
func WithModel(model string) Option {
	return func(c *Client) {
		c.model = model
	}
}

// Client talks to one Kokoro-compatible server. Safe for concurrent
// use; it is read-only after construction.
type Client struct {
	baseURL      string
	model        string
	probeTimeout time.Duration
	httpClient   *http.Client
}

// New creates a [Client] for the server at baseURL (e.g.
// "http://localhost:8880"). The URL must be non-empty; a trailing
// slash is stripped.
func New(baseURL string, opts ...Option) (*Client, error) {
	if baseURL == "" {
		return nil, fmt.Errorf("kokoro: server URL must not be empty")
	}
	c := &Client{
		baseURL:      strings.TrimRight(baseURL, "/"),
		model:        defaultModel,
		probeTimeout: defaultProbeTimeout,
		httpClient:   &http.Client{Timeout: defaultTimeout},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c, nil
}

// BaseURL returns the configured server URL without a trailing slash.
func (c *Client) BaseURL() string { return c.baseURL }

// ListVoices fetches the voice catalog, sorted by name for
// deterministic output. The call is bounded by the probe timeout.
//
// The catalog endpoint has several shapes in the wild: a JSON array of
// descriptor objects, a JSON array of plain name strings, or either of
// those wrapped in {"voices": [...]}. All three decode.
func (c *Client) ListVoices(ctx context.Context) ([]VoiceDescriptor, error) {
	const op = "list voices"

	ctx, cancel := context.WithTimeout(ctx, c.probeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.baseURL+voicesEndpoint, nil)
	if err != nil {
		return nil, &BackendError{Op: op, Kind: KindUnreachable, Detail: "create request", Err: err}
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, &BackendError{Op: op, Kind: KindUnreachable, Detail: "cannot reach server", Err: err}
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		return nil, &BackendError{
			Op:   op,
			Kind: KindUnexpected,
			Detail: fmt.Sprintf("server returned status %d: %s",
				resp.StatusCode, bodyExcerpt(resp.Body)),
		}
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, &BackendError{Op: op, Kind: KindUnreachable, Detail: "read response", Err: err}
	}

	voices, err := decodeVoices(data)
	if err != nil {
		return nil, &BackendError{Op: op, Kind: KindMalformed, Detail: "decode voice catalog", Err: err}
	}

	sort.Slice(voices, func(i, j int) bool { return voices[i].Name < voices[j].Name })
	return voices, nil
}

// Synthesize converts text to speech and returns the raw audio bytes
// together with their content type. The call is bounded by the
// synthesis timeout.
func (c *Client) Synthesize(ctx context.Context, sreq SynthesisRequest) ([]byte, string, error) {
	const op = "synthesize speech"

	payload := speechRequest{
		Model:          c.model,
		Input:          sreq.Text,
		Voice:          sreq.Voice,
		Speed:          sreq.Speed,
		ResponseFormat: string(sreq.Format),
	}
	body, err := json.Marshal(payload)
	if err != nil {
		return nil, "", &BackendError{Op: op, Kind: KindMalformed, Detail: "encode request body", Err: err}
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+speechEndpoint, bytes.NewReader(body))
	if err != nil {
		return nil, "", &BackendError{Op: op, Kind: KindUnreachable, Detail: "create request", Err: err}
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, "", c.classifyTransport(op, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		kind := KindUnexpected
		if resp.StatusCode >= 400 && resp.StatusCode < 500 {
			kind = KindRejected
		}
		return nil, "", &BackendError{
			Op:   op,
			Kind: kind,
			Detail: fmt.Sprintf("server returned status %d: %s",
				resp.StatusCode, bodyExcerpt(resp.Body)),
		}
	}

	audio, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, "", c.classifyTransport(op, err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = sreq.Format.ContentType()
	}
	return audio, contentType, nil
}

// Health probes the server via the voice-catalog endpoint, measuring
// round-trip latency. It never returns an error: an unreachable server
// is encoded as Reachable=false, which is a normal diagnostic result.
func (c *Client) Health(ctx context.Context) Status {
	start := time.Now()
	voices, err := c.ListVoices(ctx)
	status := Status{
		LatencyMs: time.Since(start).Milliseconds(),
		CheckedAt: time.Now().UTC(),
		BaseURL:   c.baseURL,
	}
	if err != nil {
		return status
	}
	status.Reachable = true
	status.VoiceCount = len(voices)
	return status
}

// classifyTransport turns a transport error from the synthesis path
// into a timeout or unreachable BackendError.
func (c *Client) classifyTransport(op string, err error) *BackendError {
	var ne net.Error
	if errors.Is(err, context.DeadlineExceeded) || (errors.As(err, &ne) && ne.Timeout()) {
		return &BackendError{
			Op:     op,
			Kind:   KindTimeout,
			Detail: fmt.Sprintf("request exceeded %s", c.httpClient.Timeout),
			Err:    err,
		}
	}
	return &BackendError{Op: op, Kind: KindUnreachable, Detail: "cannot reach server", Err: err}
}

// decodeVoices decodes the catalog body in any of its known shapes.
func decodeVoices(data []byte) ([]VoiceDescriptor, error) {
	if voices, ok := decodeVoiceArray(data); ok {
		return voices, nil
	}
	var wrapper struct {
		Voices json.RawMessage `json:"voices"`
	}
	if err := json.Unmarshal(data, &wrapper); err == nil && len(wrapper.Voices) > 0 {
		if voices, ok := decodeVoiceArray(wrapper.Voices); ok {
			return voices, nil
		}
	}
	return nil, fmt.Errorf("unrecognized voice catalog shape")
}

// decodeVoiceArray tries the two array forms: descriptor objects and
// plain name strings.
func decodeVoiceArray(data []byte) ([]VoiceDescriptor, bool) {
	var descs []VoiceDescriptor
	if err := json.Unmarshal(data, &descs); err == nil {
		return descs, true
	}
	var names []string
	if err := json.Unmarshal(data, &names); err == nil {
		descs = make([]VoiceDescriptor, len(names))
		for i, name := range names {
			descs[i] = VoiceDescriptor{Name: name}
		}
		return descs, true
	}
	return nil, false
}

// bodyExcerpt reads a bounded, whitespace-collapsed excerpt of an error
// response body for inclusion in error details.
func bodyExcerpt(r io.Reader) string {
	data, err := io.ReadAll(io.LimitReader(r, maxErrorExcerpt))
	if err != nil || len(data) == 0 {
		return "(no body)"
	}
	return strings.Join(strings.Fields(string(data)), " ")
}

// DefaultVoices returns the built-in catalog shipped with the standard
// Kokoro voice pack. Used as an offline fallback by CLI surfaces and as
// a suggestion corpus; the live catalog always wins when reachable.
func DefaultVoices() []VoiceDescriptor {
	return []VoiceDescriptor{
		{Name: "af_bella", Gender: "female", Language: "en", Description: "Bella (American Female)"},
		{Name: "af_sky", Gender: "female", Language: "en", Description: "Sky (American Female)"},
		{Name: "af_nicole", Gender: "female", Language: "en", Description: "Nicole (American Female)"},
		{Name: "am_adam", Gender: "male", Language: "en", Description: "Adam (American Male)"},
		{Name: "am_michael", Gender: "male", Language: "en", Description: "Michael (American Male)"},
		{Name: "bf_emma", Gender: "female", Language: "en", Description: "Emma (British Female)"},
		{Name: "bf_isabella", Gender: "female", Language: "en", Description: "Isabella (British Female)"},
		{Name: "bm_george", Gender: "male", Language: "en", Description: "George (British Male)"},
		{Name: "bm_lewis", Gender: "male", Language: "en", Description: "Lewis (British Male)"},
	}
}
