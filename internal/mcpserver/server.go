// Package mcpserver exposes the speech pipeline over the Model Context
// Protocol.
//
// Three tools are registered via [New]:
//   - "generate_speech" synthesizes text into audio (file or inline).
//   - "list_voices" fetches the voice catalog plus blend syntax help.
//   - "check_status" probes backend reachability.
//
// Tool failures surface as CallToolResult with IsError set and a
// "kind: detail" text body; Go errors are reserved for transport and
// marshalling problems so clients always get a structured failure.
package mcpserver

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/kokovox/kokovox/internal/dispatch"
	"github.com/kokovox/kokovox/internal/output"
	"github.com/kokovox/kokovox/pkg/kokoro"
)

// Dispatcher is the slice of the dispatch layer the tool handlers use.
type Dispatcher interface {
	GenerateSpeech(ctx context.Context, req dispatch.GenerateSpeechRequest) (*dispatch.SpeechResult, error)
	ListVoices(ctx context.Context) (*dispatch.VoiceList, error)
	CheckStatus(ctx context.Context) *dispatch.StatusReport
}

var _ Dispatcher = (*dispatch.Dispatcher)(nil)

// ServerConfig carries the implementation metadata advertised to MCP
// clients during initialization.
type ServerConfig struct {
	Version string
}

// generateSpeechArgs is the JSON-decoded input for "generate_speech".
// Optional fields left unset fall back to the configured defaults.
type generateSpeechArgs struct {
	// Text is the text to synthesize.
	Text string `json:"text" mcp:"The text to convert to speech"`

	// Voice is a voice name or blend expression.
	Voice string `json:"voice,omitempty" mcp:"Voice name or blend expression, e.g. 'af_bella' or 'af_bella(2)+af_sky(1)' (default: configured voice)"`

	// Speed is the speaking rate.
	Speed *float64 `json:"speed,omitempty" mcp:"Speech speed between 0.5 and 2.0 (default: configured speed)"`

	// OutputFormat selects the audio container.
	OutputFormat string `json:"output_format,omitempty" mcp:"Audio format: mp3, wav, or opus (default: configured format)"`

	// SaveToFile selects file versus inline delivery.
	SaveToFile *bool `json:"save_to_file,omitempty" mcp:"Save audio to the output directory and return its path (true, the default), or return base64-encoded audio inline (false)"`
}

// generateSpeechResult is the structured output of "generate_speech".
// FilePath is set in file mode; AudioData and MimeType in inline mode.
type generateSpeechResult struct {
	Status      string  `json:"status"`
	FilePath    string  `json:"file_path,omitempty"`
	AudioData   string  `json:"audio_data,omitempty"`
	MimeType    string  `json:"mime_type,omitempty"`
	SizeBytes   int     `json:"size_bytes"`
	Voice       string  `json:"voice"`
	Speed       float64 `json:"speed"`
	Format      string  `json:"format"`
	TextPreview string  `json:"text_preview"`
}

// listVoicesResult is the structured output of "list_voices".
type listVoicesResult struct {
	Status          string                   `json:"status"`
	Voices          []kokoro.VoiceDescriptor `json:"voices"`
	BlendSyntaxHelp string                   `json:"blend_syntax_help"`
}

// checkStatusResult is the structured output of "check_status". The
// tool always succeeds; an unreachable backend is a normal result.
type checkStatusResult struct {
	Reachable  bool      `json:"reachable"`
	VoiceCount int       `json:"voice_count"`
	LatencyMs  int64     `json:"latency_ms"`
	BaseURL    string    `json:"base_url"`
	Message    string    `json:"message"`
	CheckedAt  time.Time `json:"checked_at"`
}

// server binds the tool handlers to their collaborators.
type server struct {
	dispatcher Dispatcher
}

// New builds the MCP server with the three speech tools registered.
// Run it with s.Run(ctx, &mcp.StdioTransport{}).
func New(cfg ServerConfig, d Dispatcher) *mcp.Server {
	impl := &mcp.Implementation{
		Name:    "kokovox",
		Title:   "Kokovox Text-to-Speech",
		Version: cfg.Version,
	}
	s := mcp.NewServer(impl, nil)
	srv := &server{dispatcher: d}

	mcp.AddTool(s, &mcp.Tool{
		Name:        dispatch.ToolGenerateSpeech,
		Title:       "Generate Speech",
		Description: "Convert text to speech using the Kokoro TTS engine. Supports voice blending, speed adjustment, and mp3/wav/opus output.",
		Annotations: &mcp.ToolAnnotations{
			IdempotentHint: true,
		},
	}, srv.generateSpeech)

	mcp.AddTool(s, &mcp.Tool{
		Name:        dispatch.ToolListVoices,
		Title:       "List Voices",
		Description: "List the available voices and explain the voice blending syntax.",
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint: true,
		},
	}, srv.listVoices)

	mcp.AddTool(s, &mcp.Tool{
		Name:        dispatch.ToolCheckStatus,
		Title:       "Check Status",
		Description: "Check whether the Kokoro TTS service is running and accessible.",
		Annotations: &mcp.ToolAnnotations{
			ReadOnlyHint: true,
		},
	}, srv.checkStatus)

	return s
}

func (s *server) generateSpeech(ctx context.Context, _ *mcp.CallToolRequest, args generateSpeechArgs) (*mcp.CallToolResult, generateSpeechResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, generateSpeechResult{}, err
	}

	var mode output.Mode
	if args.SaveToFile != nil {
		mode = output.ModeFile
		if !*args.SaveToFile {
			mode = output.ModeInline
		}
	}

	res, err := s.dispatcher.GenerateSpeech(ctx, dispatch.GenerateSpeechRequest{
		Text:   args.Text,
		Voice:  args.Voice,
		Speed:  args.Speed,
		Format: kokoro.Format(args.OutputFormat),
		Mode:   mode,
	})
	if err != nil {
		return errorResult(err), generateSpeechResult{}, nil
	}

	out := generateSpeechResult{
		Status:      "success",
		SizeBytes:   res.ByteSize,
		Voice:       res.Voice,
		Speed:       res.Speed,
		Format:      string(res.Format),
		TextPreview: res.TextPreview,
	}
	switch res.Mode {
	case output.ModeInline:
		out.AudioData = res.EncodedAudio
		out.MimeType = res.MimeType
	default:
		out.FilePath = res.Path
	}
	return nil, out, nil
}

func (s *server) listVoices(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, listVoicesResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, listVoicesResult{}, err
	}

	list, err := s.dispatcher.ListVoices(ctx)
	if err != nil {
		return errorResult(err), listVoicesResult{}, nil
	}
	return nil, listVoicesResult{
		Status:          "success",
		Voices:          list.Voices,
		BlendSyntaxHelp: list.BlendSyntaxHelp,
	}, nil
}

func (s *server) checkStatus(ctx context.Context, _ *mcp.CallToolRequest, _ struct{}) (*mcp.CallToolResult, checkStatusResult, error) {
	if err := ctx.Err(); err != nil {
		return nil, checkStatusResult{}, err
	}

	report := s.dispatcher.CheckStatus(ctx)
	return nil, checkStatusResult{
		Reachable:  report.Reachable,
		VoiceCount: report.VoiceCount,
		LatencyMs:  report.LatencyMs,
		BaseURL:    report.BaseURL,
		Message:    report.Message,
		CheckedAt:  report.CheckedAt,
	}, nil
}

// errorResult converts a dispatch failure into a structured tool error.
// The text body is "kind: detail" so clients can branch on the stable
// kind without parsing prose.
func errorResult(err error) *mcp.CallToolResult {
	var te *dispatch.ToolError
	if errors.As(err, &te) {
		detail := te.Detail
		if detail == "" && te.Err != nil {
			detail = te.Err.Error()
		}
		return &mcp.CallToolResult{
			Content: []mcp.Content{&mcp.TextContent{Text: fmt.Sprintf("%s: %s", te.Kind, detail)}},
			IsError: true,
		}
	}
	return &mcp.CallToolResult{
		Content: []mcp.Content{&mcp.TextContent{Text: err.Error()}},
		IsError: true,
	}
}
