package dispatch

import (
	"bytes"
	"context"
	"encoding/base64"
	"errors"
	"math"
	"os"
	"strings"
	"testing"

	"github.com/kokovox/kokovox/internal/observe"
	"github.com/kokovox/kokovox/internal/output"
	"github.com/kokovox/kokovox/pkg/kokoro"
	"github.com/kokovox/kokovox/pkg/voiceblend"
	sdkmetric "go.opentelemetry.io/otel/sdk/metric"
	"go.opentelemetry.io/otel/sdk/metric/metricdata"
)

// fakeBackend is a scripted Backend that counts every call.
type fakeBackend struct {
	voices  []kokoro.VoiceDescriptor
	listErr error

	audio       []byte
	contentType string
	synthErr    error

	status kokoro.Status

	listCalls   int
	synthCalls  int
	healthCalls int
	lastSynth   kokoro.SynthesisRequest
}

func (f *fakeBackend) ListVoices(ctx context.Context) ([]kokoro.VoiceDescriptor, error) {
	f.listCalls++
	if f.listErr != nil {
		return nil, f.listErr
	}
	return f.voices, nil
}

func (f *fakeBackend) Synthesize(ctx context.Context, req kokoro.SynthesisRequest) ([]byte, string, error) {
	f.synthCalls++
	f.lastSynth = req
	if f.synthErr != nil {
		return nil, "", f.synthErr
	}
	return f.audio, f.contentType, nil
}

func (f *fakeBackend) Health(ctx context.Context) kokoro.Status {
	f.healthCalls++
	return f.status
}

// fakeSink is a scripted Sink that counts every call.
type fakeSink struct {
	err    error
	result *output.Result

	calls           int
	lastAudio       []byte
	lastContentType string
	lastMode        output.Mode
	lastHint        string
}

func (f *fakeSink) Handle(audio []byte, contentType string, mode output.Mode, hint string) (*output.Result, error) {
	f.calls++
	f.lastAudio = append([]byte(nil), audio...)
	f.lastContentType = contentType
	f.lastMode = mode
	f.lastHint = hint
	if f.err != nil {
		return nil, f.err
	}
	if f.result != nil {
		return f.result, nil
	}
	return &output.Result{Mode: mode, Path: "/fake/speech.mp3", ByteSize: len(audio)}, nil
}

var testDefaults = Defaults{
	Voice:  "af_bella",
	Speed:  1.0,
	Format: kokoro.FormatMP3,
	Mode:   output.ModeFile,
}

func mustDispatcher(t *testing.T, backend Backend, sink Sink, opts ...Option) *Dispatcher {
	t.Helper()
	d, err := New(backend, sink, testDefaults, opts...)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	return d
}

// wantToolKind asserts err is a *ToolError of the given kind and returns it.
func wantToolKind(t *testing.T, err error, kind ToolErrorKind) *ToolError {
	t.Helper()
	if err == nil {
		t.Fatalf("got nil error, want ToolError with kind %s", kind)
	}
	var te *ToolError
	if !errors.As(err, &te) {
		t.Fatalf("error %v (%T) is not a *ToolError", err, err)
	}
	if te.Kind != kind {
		t.Fatalf("error kind = %s, want %s (full error: %v)", te.Kind, kind, err)
	}
	return te
}

func f64(v float64) *float64 { return &v }

// ---- New ----

func TestNew_RequiresCollaborators(t *testing.T) {
	sink := &fakeSink{}
	backend := &fakeBackend{}

	if _, err := New(nil, sink, testDefaults); err == nil {
		t.Error("New(nil backend) did not fail")
	}
	if _, err := New(backend, nil, testDefaults); err == nil {
		t.Error("New(nil sink) did not fail")
	}
	if _, err := New(backend, sink, testDefaults); err != nil {
		t.Errorf("New with valid arguments failed: %v", err)
	}
}

func TestNew_RejectsBadDefaults(t *testing.T) {
	tests := []struct {
		name     string
		defaults Defaults
	}{
		{"empty voice", Defaults{Voice: "", Speed: 1, Format: kokoro.FormatMP3, Mode: output.ModeFile}},
		{"malformed voice", Defaults{Voice: "af_bella(", Speed: 1, Format: kokoro.FormatMP3, Mode: output.ModeFile}},
		{"zero speed", Defaults{Voice: "af_bella", Speed: 0, Format: kokoro.FormatMP3, Mode: output.ModeFile}},
		{"speed too high", Defaults{Voice: "af_bella", Speed: 2.5, Format: kokoro.FormatMP3, Mode: output.ModeFile}},
		{"bad format", Defaults{Voice: "af_bella", Speed: 1, Format: "flac", Mode: output.ModeFile}},
		{"bad mode", Defaults{Voice: "af_bella", Speed: 1, Format: kokoro.FormatMP3, Mode: "stream"}},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := New(&fakeBackend{}, &fakeSink{}, tc.defaults); err == nil {
				t.Errorf("New(%+v) did not fail", tc.defaults)
			}
		})
	}
}

// ---- GenerateSpeech: default resolution ----

func TestGenerateSpeech_AppliesDefaults(t *testing.T) {
	backend := &fakeBackend{audio: []byte("mp3data"), contentType: "audio/mpeg"}
	sink := &fakeSink{}
	d := mustDispatcher(t, backend, sink)

	res, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{Text: "hello"})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}

	if backend.lastSynth.Voice != "af_bella" {
		t.Errorf("voice sent = %q, want default af_bella", backend.lastSynth.Voice)
	}
	if backend.lastSynth.Speed != 1.0 {
		t.Errorf("speed sent = %g, want default 1.0", backend.lastSynth.Speed)
	}
	if backend.lastSynth.Format != kokoro.FormatMP3 {
		t.Errorf("format sent = %q, want default mp3", backend.lastSynth.Format)
	}
	if sink.lastMode != output.ModeFile {
		t.Errorf("sink mode = %q, want default file", sink.lastMode)
	}
	if res.Voice != "af_bella" || res.Speed != 1.0 || res.Format != kokoro.FormatMP3 {
		t.Errorf("result does not echo resolved values: %+v", res)
	}
}

func TestGenerateSpeech_ExplicitValuesWin(t *testing.T) {
	backend := &fakeBackend{audio: []byte("wavdata"), contentType: "audio/wav"}
	sink := &fakeSink{}
	d := mustDispatcher(t, backend, sink)

	_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
		Text:   "hello",
		Voice:  "am_adam",
		Speed:  f64(1.5),
		Format: kokoro.FormatWAV,
		Mode:   output.ModeInline,
	})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}

	if backend.lastSynth.Voice != "am_adam" {
		t.Errorf("voice sent = %q, want am_adam", backend.lastSynth.Voice)
	}
	if backend.lastSynth.Speed != 1.5 {
		t.Errorf("speed sent = %g, want 1.5", backend.lastSynth.Speed)
	}
	if backend.lastSynth.Format != kokoro.FormatWAV {
		t.Errorf("format sent = %q, want wav", backend.lastSynth.Format)
	}
	if sink.lastMode != output.ModeInline {
		t.Errorf("sink mode = %q, want inline", sink.lastMode)
	}
}

func TestGenerateSpeech_NormalizesBlendString(t *testing.T) {
	backend := &fakeBackend{audio: []byte("x"), contentType: "audio/mpeg"}
	d := mustDispatcher(t, backend, &fakeSink{})

	res, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
		Text:  "hello",
		Voice: " af_bella( 2 ) + af_sky(1) ",
	})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if backend.lastSynth.Voice != "af_bella(2)+af_sky(1)" {
		t.Errorf("wire voice = %q, want af_bella(2)+af_sky(1)", backend.lastSynth.Voice)
	}
	if res.Voice != "af_bella(2)+af_sky(1)" {
		t.Errorf("result voice = %q, want normalized blend", res.Voice)
	}
}

// ---- GenerateSpeech: validation before any network call ----

func TestGenerateSpeech_EmptyTextRejected(t *testing.T) {
	backend := &fakeBackend{}
	sink := &fakeSink{}
	d := mustDispatcher(t, backend, sink)

	for _, text := range []string{"", "   ", "\n\t"} {
		_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{Text: text})
		wantToolKind(t, err, KindInvalidText)
	}
	if backend.synthCalls != 0 {
		t.Errorf("backend called %d times for empty text, want 0", backend.synthCalls)
	}
	if sink.calls != 0 {
		t.Errorf("sink called %d times for empty text, want 0", sink.calls)
	}
}

func TestGenerateSpeech_SpeedOutOfRangeRejected(t *testing.T) {
	backend := &fakeBackend{}
	d := mustDispatcher(t, backend, &fakeSink{})

	for _, speed := range []float64{3.0, 0.49, 2.01, 0, -1, math.NaN(), math.Inf(1)} {
		_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
			Text:  "hello",
			Speed: f64(speed),
		})
		te := wantToolKind(t, err, KindInvalidSpeed)
		if !strings.Contains(te.Detail, "out of range") {
			t.Errorf("speed %g: detail = %q, want range mention", speed, te.Detail)
		}
	}
	if backend.synthCalls != 0 {
		t.Errorf("backend called %d times for invalid speeds, want 0", backend.synthCalls)
	}
}

func TestGenerateSpeech_InvalidFormatRejected(t *testing.T) {
	backend := &fakeBackend{}
	d := mustDispatcher(t, backend, &fakeSink{})

	_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
		Text:   "hello",
		Format: "flac",
	})
	wantToolKind(t, err, KindInvalidFormat)
	if backend.synthCalls != 0 {
		t.Errorf("backend called %d times for invalid format, want 0", backend.synthCalls)
	}
}

func TestGenerateSpeech_InvalidModeRejected(t *testing.T) {
	backend := &fakeBackend{}
	d := mustDispatcher(t, backend, &fakeSink{})

	_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
		Text: "hello",
		Mode: "stream",
	})
	wantToolKind(t, err, KindInvalidMode)
	if backend.synthCalls != 0 {
		t.Errorf("backend called %d times for invalid mode, want 0", backend.synthCalls)
	}
}

func TestGenerateSpeech_InvalidVoicePropagatesParseError(t *testing.T) {
	backend := &fakeBackend{}
	d := mustDispatcher(t, backend, &fakeSink{})

	_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
		Text:  "hello",
		Voice: "af_bella(1)+af_bella(2)",
	})
	wantToolKind(t, err, KindInvalidVoice)

	var pe *voiceblend.ParseError
	if !errors.As(err, &pe) {
		t.Fatalf("ToolError does not wrap a ParseError: %v", err)
	}
	if pe.Kind != voiceblend.KindDuplicateVoice {
		t.Errorf("parse error kind = %s, want duplicate_voice", pe.Kind)
	}
	if backend.synthCalls != 0 {
		t.Errorf("backend called %d times for invalid voice, want 0", backend.synthCalls)
	}
}

// ---- GenerateSpeech: failure mapping ----

func TestGenerateSpeech_BackendFailureSkipsSink(t *testing.T) {
	backend := &fakeBackend{
		synthErr: &kokoro.BackendError{Op: "synthesize speech", Kind: kokoro.KindUnreachable, Detail: "cannot reach server"},
	}
	sink := &fakeSink{}
	d := mustDispatcher(t, backend, sink)

	_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{Text: "hello"})
	wantToolKind(t, err, KindBackendFailure)

	var be *kokoro.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("ToolError does not wrap a BackendError: %v", err)
	}
	if be.Kind != kokoro.KindUnreachable {
		t.Errorf("backend error kind = %s, want unreachable", be.Kind)
	}
	if sink.calls != 0 {
		t.Errorf("sink called %d times after backend failure, want 0", sink.calls)
	}
}

func TestGenerateSpeech_SinkFailureMapped(t *testing.T) {
	backend := &fakeBackend{audio: []byte("x"), contentType: "audio/mpeg"}
	sink := &fakeSink{err: &output.IOError{Kind: output.KindWriteFailed, Detail: "disk full"}}
	d := mustDispatcher(t, backend, sink)

	_, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{Text: "hello"})
	wantToolKind(t, err, KindIOFailure)

	var ioe *output.IOError
	if !errors.As(err, &ioe) {
		t.Fatalf("ToolError does not wrap an IOError: %v", err)
	}
	if ioe.Kind != output.KindWriteFailed {
		t.Errorf("io error kind = %s, want write_failed", ioe.Kind)
	}
}

// ---- GenerateSpeech: end to end with a real sink ----

func TestGenerateSpeech_FileEndToEnd(t *testing.T) {
	payload := bytes.Repeat([]byte{0xAB}, 1024)
	backend := &fakeBackend{audio: payload, contentType: "audio/mpeg"}

	sink, err := output.NewHandler(t.TempDir())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	d := mustDispatcher(t, backend, sink)

	res, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
		Text:   "This is a test of the speech pipeline",
		Voice:  "af_bella",
		Speed:  f64(1.0),
		Format: kokoro.FormatMP3,
		Mode:   output.ModeFile,
	})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}

	if res.ByteSize != 1024 {
		t.Errorf("ByteSize = %d, want 1024", res.ByteSize)
	}
	if !strings.HasSuffix(res.Path, ".mp3") {
		t.Errorf("path %q does not end in .mp3", res.Path)
	}
	written, err := os.ReadFile(res.Path)
	if err != nil {
		t.Fatalf("reading result file: %v", err)
	}
	if !bytes.Equal(written, payload) {
		t.Errorf("file content differs from synthesized audio (%d vs %d bytes)", len(written), len(payload))
	}

	if backend.lastSynth.Text != "This is a test of the speech pipeline" {
		t.Errorf("text sent = %q", backend.lastSynth.Text)
	}
	if res.TextPreview != "This is a test of the speech pipeline" {
		t.Errorf("TextPreview = %q", res.TextPreview)
	}
}

func TestGenerateSpeech_InlineEndToEnd(t *testing.T) {
	payload := []byte("inline audio payload")
	backend := &fakeBackend{audio: payload, contentType: "audio/mpeg"}

	sink, err := output.NewHandler(t.TempDir())
	if err != nil {
		t.Fatalf("NewHandler: %v", err)
	}
	d := mustDispatcher(t, backend, sink)

	res, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{
		Text: "hello",
		Mode: output.ModeInline,
	})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}

	if res.Path != "" {
		t.Errorf("inline result has path %q, want empty", res.Path)
	}
	if res.MimeType != "audio/mpeg" {
		t.Errorf("MimeType = %q, want audio/mpeg", res.MimeType)
	}
	decoded, err := base64.StdEncoding.DecodeString(res.EncodedAudio)
	if err != nil {
		t.Fatalf("decoding EncodedAudio: %v", err)
	}
	if !bytes.Equal(decoded, payload) {
		t.Errorf("decoded audio differs from payload")
	}
}

func TestGenerateSpeech_TextPreviewTruncation(t *testing.T) {
	backend := &fakeBackend{audio: []byte("x"), contentType: "audio/mpeg"}
	d := mustDispatcher(t, backend, &fakeSink{})

	long := strings.Repeat("a", 120)
	res, err := d.GenerateSpeech(context.Background(), GenerateSpeechRequest{Text: long})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	want := strings.Repeat("a", 100) + "..."
	if res.TextPreview != want {
		t.Errorf("TextPreview = %q (len %d), want 100 runes plus ellipsis", res.TextPreview, len(res.TextPreview))
	}

	exact := strings.Repeat("b", 100)
	res, err = d.GenerateSpeech(context.Background(), GenerateSpeechRequest{Text: exact})
	if err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if res.TextPreview != exact {
		t.Errorf("TextPreview of exactly 100 runes = %q, want unmodified text", res.TextPreview)
	}
}

// ---- ListVoices ----

func TestListVoices_ReturnsCatalogAndHelp(t *testing.T) {
	backend := &fakeBackend{
		voices: []kokoro.VoiceDescriptor{
			{Name: "af_bella", Gender: "female"},
			{Name: "am_adam", Gender: "male"},
		},
	}
	d := mustDispatcher(t, backend, &fakeSink{})

	list, err := d.ListVoices(context.Background())
	if err != nil {
		t.Fatalf("ListVoices: %v", err)
	}
	if len(list.Voices) != 2 {
		t.Fatalf("got %d voices, want 2", len(list.Voices))
	}
	if list.BlendSyntaxHelp == "" {
		t.Error("BlendSyntaxHelp is empty")
	}
	if list.BlendSyntaxHelp != voiceblend.SyntaxHelp {
		t.Errorf("BlendSyntaxHelp = %q, want the parser's documentation", list.BlendSyntaxHelp)
	}
}

func TestListVoices_BackendFailure(t *testing.T) {
	backend := &fakeBackend{
		listErr: &kokoro.BackendError{Op: "list voices", Kind: kokoro.KindUnreachable, Detail: "cannot reach server"},
	}
	d := mustDispatcher(t, backend, &fakeSink{})

	_, err := d.ListVoices(context.Background())
	wantToolKind(t, err, KindBackendFailure)

	var be *kokoro.BackendError
	if !errors.As(err, &be) {
		t.Fatalf("ToolError does not wrap a BackendError: %v", err)
	}
}

// ---- CheckStatus ----

func TestCheckStatus_Reachable(t *testing.T) {
	backend := &fakeBackend{
		status: kokoro.Status{
			Reachable:  true,
			VoiceCount: 9,
			LatencyMs:  12,
			BaseURL:    "http://localhost:8880",
		},
	}
	d := mustDispatcher(t, backend, &fakeSink{})

	report := d.CheckStatus(context.Background())
	if !report.Reachable {
		t.Error("report not reachable")
	}
	if report.VoiceCount != 9 {
		t.Errorf("VoiceCount = %d, want 9", report.VoiceCount)
	}
	if report.LatencyMs != 12 {
		t.Errorf("LatencyMs = %d, want 12", report.LatencyMs)
	}
	if report.BaseURL != "http://localhost:8880" {
		t.Errorf("BaseURL = %q", report.BaseURL)
	}
	if !strings.Contains(report.Message, "running and accessible") {
		t.Errorf("Message = %q, want reachable wording", report.Message)
	}
}

func TestCheckStatus_Unreachable(t *testing.T) {
	backend := &fakeBackend{
		status: kokoro.Status{Reachable: false, BaseURL: "http://localhost:8880"},
	}
	d := mustDispatcher(t, backend, &fakeSink{})

	report := d.CheckStatus(context.Background())
	if report.Reachable {
		t.Error("report claims reachable for offline backend")
	}
	if !strings.Contains(report.Message, "Cannot connect") {
		t.Errorf("Message = %q, want connection failure wording", report.Message)
	}
	if report.VoiceCount != 0 {
		t.Errorf("VoiceCount = %d, want 0", report.VoiceCount)
	}
}

// ---- metrics integration ----

func TestToolCallMetricsRecorded(t *testing.T) {
	reader := sdkmetric.NewManualReader()
	mp := sdkmetric.NewMeterProvider(sdkmetric.WithReader(reader))
	t.Cleanup(func() { _ = mp.Shutdown(context.Background()) })
	m, err := observe.NewMetrics(mp)
	if err != nil {
		t.Fatalf("NewMetrics: %v", err)
	}

	backend := &fakeBackend{audio: []byte("x"), contentType: "audio/mpeg"}
	d := mustDispatcher(t, backend, &fakeSink{}, WithMetrics(m))

	ctx := context.Background()
	if _, err := d.GenerateSpeech(ctx, GenerateSpeechRequest{Text: "hello"}); err != nil {
		t.Fatalf("GenerateSpeech: %v", err)
	}
	if _, err := d.GenerateSpeech(ctx, GenerateSpeechRequest{Text: "hello", Speed: f64(9)}); err == nil {
		t.Fatal("out-of-range speed did not fail")
	}

	var rm metricdata.ResourceMetrics
	if err := reader.Collect(ctx, &rm); err != nil {
		t.Fatalf("Collect: %v", err)
	}

	counts := map[string]int64{}
	for _, sm := range rm.ScopeMetrics {
		for _, met := range sm.Metrics {
			if met.Name != "kokovox.tool.calls" {
				continue
			}
			sum, ok := met.Data.(metricdata.Sum[int64])
			if !ok {
				t.Fatal("tool.calls is not a sum")
			}
			for _, dp := range sum.DataPoints {
				for _, kv := range dp.Attributes.ToSlice() {
					if string(kv.Key) == "status" {
						counts[kv.Value.AsString()] += dp.Value
					}
				}
			}
		}
	}

	if counts["ok"] != 1 {
		t.Errorf("status=ok count = %d, want 1", counts["ok"])
	}
	if counts["invalid_speed"] != 1 {
		t.Errorf("status=invalid_speed count = %d, want 1", counts["invalid_speed"])
	}
}
