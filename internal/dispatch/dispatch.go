// Package dispatch implements the tool-call orchestration layer. It
// resolves omitted request fields against configured defaults, validates
// everything before any network call, drives the synthesis backend and
// the audio sink, and maps every lower-level failure into a stable
// [*ToolError] so no internal error type crosses the protocol boundary.
package dispatch

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"strings"
	"time"

	"github.com/kokovox/kokovox/internal/observe"
	"github.com/kokovox/kokovox/internal/output"
	"github.com/kokovox/kokovox/pkg/kokoro"
	"github.com/kokovox/kokovox/pkg/voiceblend"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// Tool names as they appear on the protocol surface and in metrics.
const (
	ToolGenerateSpeech = "generate_speech"
	ToolListVoices     = "list_voices"
	ToolCheckStatus    = "check_status"
)

// Valid speed multiplier range. Values outside it are rejected, never
// clamped.
const (
	MinSpeed = 0.5
	MaxSpeed = 2.0
)

// previewRunes is how much of the input text is echoed back in results.
const previewRunes = 100

// ToolErrorKind classifies tool-call failures.
type ToolErrorKind string

const (
	KindInvalidText    ToolErrorKind = "invalid_text"
	KindInvalidVoice   ToolErrorKind = "invalid_voice"
	KindInvalidSpeed   ToolErrorKind = "invalid_speed"
	KindInvalidFormat  ToolErrorKind = "invalid_format"
	KindInvalidMode    ToolErrorKind = "invalid_mode"
	KindBackendFailure ToolErrorKind = "backend_failure"
	KindIOFailure      ToolErrorKind = "io_failure"
)

// ToolError is the only error shape returned by dispatcher operations.
// Kind is stable for programmatic branching; Detail (or the wrapped Err)
// carries the human-readable cause.
type ToolError struct {
	Tool   string
	Kind   ToolErrorKind
	Detail string
	Err    error
}

func (e *ToolError) Error() string {
	if e.Detail != "" {
		return fmt.Sprintf("dispatch: %s: %s: %s", e.Tool, e.Kind, e.Detail)
	}
	if e.Err != nil {
		return fmt.Sprintf("dispatch: %s: %s: %v", e.Tool, e.Kind, e.Err)
	}
	return fmt.Sprintf("dispatch: %s: %s", e.Tool, e.Kind)
}

func (e *ToolError) Unwrap() error { return e.Err }

// Backend is the synthesis server surface the dispatcher consumes.
type Backend interface {
	ListVoices(ctx context.Context) ([]kokoro.VoiceDescriptor, error)
	Synthesize(ctx context.Context, req kokoro.SynthesisRequest) ([]byte, string, error)
	Health(ctx context.Context) kokoro.Status
}

// Sink delivers synthesized audio to its destination.
type Sink interface {
	Handle(audio []byte, contentType string, mode output.Mode, hint string) (*output.Result, error)
}

var (
	_ Backend = (*kokoro.Client)(nil)
	_ Sink    = (*output.Handler)(nil)
)

// Defaults are the fallback request values applied when a caller omits a
// field. They are validated at construction; a bad default is a
// deployment mistake and must fail fast rather than be clamped per call.
type Defaults struct {
	Voice  string
	Speed  float64
	Format kokoro.Format
	Mode   output.Mode
}

func (d Defaults) validate() error {
	if _, err := voiceblend.Parse(d.Voice); err != nil {
		return fmt.Errorf("default voice: %w", err)
	}
	if err := validateSpeed(d.Speed); err != nil {
		return fmt.Errorf("default speed: %w", err)
	}
	if !d.Format.IsValid() {
		return fmt.Errorf("default format %q not one of mp3, wav, opus", d.Format)
	}
	if d.Mode != output.ModeFile && d.Mode != output.ModeInline {
		return fmt.Errorf("default delivery mode %q not one of file, inline", d.Mode)
	}
	return nil
}

// GenerateSpeechRequest carries one generate_speech invocation. An empty
// Voice, Format, or Mode and a nil Speed select the configured defaults;
// any explicit value, including an explicit out-of-range speed, is
// validated as given.
type GenerateSpeechRequest struct {
	Text   string
	Voice  string
	Speed  *float64
	Format kokoro.Format
	Mode   output.Mode
}

// SpeechResult reports a completed synthesis. Path is set in file mode,
// EncodedAudio and MimeType in inline mode. Voice, Speed, and Format echo
// the values actually sent to the backend after default resolution.
type SpeechResult struct {
	Mode         output.Mode
	Path         string
	EncodedAudio string
	MimeType     string
	ByteSize     int
	Voice        string
	Speed        float64
	Format       kokoro.Format
	TextPreview  string
}

// VoiceList is the result of list_voices: the live catalog plus static
// documentation of the blend mini-grammar so callers can self-discover
// it without a separate lookup.
type VoiceList struct {
	Voices          []kokoro.VoiceDescriptor
	BlendSyntaxHelp string
}

// StatusReport is the result of check_status. An unreachable backend is
// a normal report, not an error.
type StatusReport struct {
	Reachable  bool
	VoiceCount int
	LatencyMs  int64
	CheckedAt  time.Time
	BaseURL    string
	Message    string
}

// Option is a functional option for configuring a [Dispatcher].
type Option func(*Dispatcher)

// WithMetrics replaces the metrics instance. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(d *Dispatcher) {
		d.metrics = m
	}
}

// Dispatcher validates tool calls and orchestrates the backend and sink.
// Safe for concurrent use; it is read-only after construction and holds
// no per-call state, so parallel generate_speech calls proceed without
// serialization.
type Dispatcher struct {
	backend  Backend
	sink     Sink
	defaults Defaults
	metrics  *observe.Metrics
}

// New creates a [Dispatcher]. Both collaborators are required, and the
// defaults must be fully valid.
func New(backend Backend, sink Sink, defaults Defaults, opts ...Option) (*Dispatcher, error) {
	if backend == nil {
		return nil, fmt.Errorf("dispatch: backend must not be nil")
	}
	if sink == nil {
		return nil, fmt.Errorf("dispatch: sink must not be nil")
	}
	if err := defaults.validate(); err != nil {
		return nil, fmt.Errorf("dispatch: %w", err)
	}
	d := &Dispatcher{backend: backend, sink: sink, defaults: defaults}
	for _, opt := range opts {
		opt(d)
	}
	if d.metrics == nil {
		d.metrics = observe.DefaultMetrics()
	}
	return d, nil
}

// GenerateSpeech synthesizes speech for req and delivers the audio via
// the sink. All validation happens before the backend is contacted.
func (d *Dispatcher) GenerateSpeech(ctx context.Context, req GenerateSpeechRequest) (*SpeechResult, error) {
	ctx, span := observe.StartSpan(ctx, "dispatch.GenerateSpeech")
	defer span.End()

	res, err := d.generateSpeech(ctx, req)
	d.metrics.RecordToolCall(ctx, ToolGenerateSpeech, statusOf(err))
	return res, err
}

func (d *Dispatcher) generateSpeech(ctx context.Context, req GenerateSpeechRequest) (*SpeechResult, error) {
	voiceRaw := strings.TrimSpace(req.Voice)
	if voiceRaw == "" {
		voiceRaw = d.defaults.Voice
	}
	speed := d.defaults.Speed
	if req.Speed != nil {
		speed = *req.Speed
	}
	format := req.Format
	if format == "" {
		format = d.defaults.Format
	}
	mode := req.Mode
	if mode == "" {
		mode = d.defaults.Mode
	}

	if strings.TrimSpace(req.Text) == "" {
		return nil, &ToolError{Tool: ToolGenerateSpeech, Kind: KindInvalidText, Detail: "text must not be empty"}
	}
	if err := validateSpeed(speed); err != nil {
		return nil, &ToolError{Tool: ToolGenerateSpeech, Kind: KindInvalidSpeed, Detail: err.Error()}
	}
	if !format.IsValid() {
		return nil, &ToolError{
			Tool:   ToolGenerateSpeech,
			Kind:   KindInvalidFormat,
			Detail: fmt.Sprintf("unsupported format %q (want mp3, wav, or opus)", format),
		}
	}
	if mode != output.ModeFile && mode != output.ModeInline {
		return nil, &ToolError{
			Tool:   ToolGenerateSpeech,
			Kind:   KindInvalidMode,
			Detail: fmt.Sprintf("unsupported delivery mode %q (want file or inline)", mode),
		}
	}
	spec, err := voiceblend.Parse(voiceRaw)
	if err != nil {
		return nil, &ToolError{Tool: ToolGenerateSpeech, Kind: KindInvalidVoice, Err: err}
	}
	wireVoice := spec.String()

	trace.SpanFromContext(ctx).SetAttributes(
		attribute.String("voice", wireVoice),
		attribute.String("format", string(format)),
		attribute.String("mode", string(mode)),
	)
	observe.Logger(ctx).Info("generating speech",
		slog.String("voice", wireVoice),
		slog.Float64("speed", speed),
		slog.String("format", string(format)),
		slog.String("mode", string(mode)),
	)

	start := time.Now()
	audio, contentType, err := d.backend.Synthesize(ctx, kokoro.SynthesisRequest{
		Text:   req.Text,
		Voice:  wireVoice,
		Speed:  speed,
		Format: format,
	})
	if err != nil {
		d.metrics.RecordBackendError(ctx, "synthesize", backendKind(err))
		observe.Logger(ctx).Error("speech synthesis failed",
			slog.String("voice", wireVoice),
			slog.Any("error", err),
		)
		return nil, &ToolError{Tool: ToolGenerateSpeech, Kind: KindBackendFailure, Err: err}
	}
	d.metrics.SynthesisDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("format", string(format))))

	out, err := d.sink.Handle(audio, contentType, mode, req.Text)
	if err != nil {
		observe.Logger(ctx).Error("audio delivery failed", slog.Any("error", err))
		return nil, &ToolError{Tool: ToolGenerateSpeech, Kind: KindIOFailure, Err: err}
	}
	d.metrics.AudioBytes.Record(ctx, int64(out.ByteSize),
		metric.WithAttributes(
			observe.Attr("format", string(format)),
			observe.Attr("mode", string(mode)),
		))

	observe.Logger(ctx).Info("speech generated",
		slog.String("voice", wireVoice),
		slog.Int("bytes", out.ByteSize),
		slog.String("path", out.Path),
	)

	return &SpeechResult{
		Mode:         out.Mode,
		Path:         out.Path,
		EncodedAudio: out.EncodedAudio,
		MimeType:     out.MimeType,
		ByteSize:     out.ByteSize,
		Voice:        wireVoice,
		Speed:        speed,
		Format:       format,
		TextPreview:  preview(req.Text),
	}, nil
}

// ListVoices fetches the live voice catalog and attaches the blend
// syntax documentation.
func (d *Dispatcher) ListVoices(ctx context.Context) (*VoiceList, error) {
	ctx, span := observe.StartSpan(ctx, "dispatch.ListVoices")
	defer span.End()

	list, err := d.listVoices(ctx)
	d.metrics.RecordToolCall(ctx, ToolListVoices, statusOf(err))
	return list, err
}

func (d *Dispatcher) listVoices(ctx context.Context) (*VoiceList, error) {
	start := time.Now()
	voices, err := d.backend.ListVoices(ctx)
	if err != nil {
		d.metrics.RecordBackendError(ctx, "list_voices", backendKind(err))
		observe.Logger(ctx).Error("voice catalog fetch failed", slog.Any("error", err))
		return nil, &ToolError{Tool: ToolListVoices, Kind: KindBackendFailure, Err: err}
	}
	d.metrics.ProbeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("op", "list_voices")))

	return &VoiceList{Voices: voices, BlendSyntaxHelp: voiceblend.SyntaxHelp}, nil
}

// CheckStatus probes the backend and reports reachability. It never
// fails: an offline backend is a result, not an error.
func (d *Dispatcher) CheckStatus(ctx context.Context) *StatusReport {
	ctx, span := observe.StartSpan(ctx, "dispatch.CheckStatus")
	defer span.End()

	start := time.Now()
	st := d.backend.Health(ctx)
	d.metrics.ProbeDuration.Record(ctx, time.Since(start).Seconds(),
		metric.WithAttributes(observe.Attr("op", "health")))
	d.metrics.RecordToolCall(ctx, ToolCheckStatus, "ok")

	report := &StatusReport{
		Reachable:  st.Reachable,
		VoiceCount: st.VoiceCount,
		LatencyMs:  st.LatencyMs,
		CheckedAt:  st.CheckedAt,
		BaseURL:    st.BaseURL,
	}
	if st.Reachable {
		report.Message = fmt.Sprintf("Kokoro TTS service is running and accessible (%d voices)", st.VoiceCount)
	} else {
		report.Message = fmt.Sprintf("Cannot connect to Kokoro TTS service at %s; check that the backend is running", st.BaseURL)
	}

	observe.Logger(ctx).Info("status checked",
		slog.Bool("reachable", st.Reachable),
		slog.Int("voice_count", st.VoiceCount),
		slog.Int64("latency_ms", st.LatencyMs),
	)
	return report
}

// validateSpeed rejects speeds outside [MinSpeed, MaxSpeed]. NaN needs
// an explicit check since it fails every ordered comparison.
func validateSpeed(speed float64) error {
	if math.IsNaN(speed) || speed < MinSpeed || speed > MaxSpeed {
		return fmt.Errorf("speed %g out of range [%g, %g]", speed, MinSpeed, MaxSpeed)
	}
	return nil
}

// backendKind extracts the backend error kind for metric labels.
func backendKind(err error) string {
	var be *kokoro.BackendError
	if errors.As(err, &be) {
		return string(be.Kind)
	}
	return "unknown"
}

// statusOf converts an operation outcome into a metric status label.
func statusOf(err error) string {
	if err == nil {
		return "ok"
	}
	var te *ToolError
	if errors.As(err, &te) {
		return string(te.Kind)
	}
	return "error"
}

// preview returns the leading portion of text echoed back in results,
// truncated at a rune boundary with an ellipsis marker.
func preview(text string) string {
	runes := []rune(text)
	if len(runes) <= previewRunes {
		return text
	}
	return string(runes[:previewRunes]) + "..."
}
