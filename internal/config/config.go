// Package config provides the configuration schema and loader for the
// kokovox server and CLI.
//
// Configuration is layered: built-in defaults, then an optional YAML
// file, then environment variables. The environment names match the
// ones the tool has always used (KOKORO_BASE_URL, DEFAULT_VOICE, ...),
// so a plain env-only deployment needs no file at all.
package config

import (
	"log/slog"
	"time"
)

// LogLevel controls log verbosity for the kokovox process.
type LogLevel string

const (
	LogDebug LogLevel = "debug"
	LogInfo  LogLevel = "info"
	LogWarn  LogLevel = "warn"
	LogError LogLevel = "error"
)

// IsValid reports whether l is a recognised log level.
func (l LogLevel) IsValid() bool {
	switch l {
	case LogDebug, LogInfo, LogWarn, LogError:
		return true
	}
	return false
}

// Level maps l to its slog equivalent. Unrecognised values map to Info.
func (l LogLevel) Level() slog.Level {
	switch l {
	case LogDebug:
		return slog.LevelDebug
	case LogWarn:
		return slog.LevelWarn
	case LogError:
		return slog.LevelError
	}
	return slog.LevelInfo
}

// Config is the root configuration structure for kokovox.
// It is typically loaded with [Load] or, in tests, [LoadFromReader].
type Config struct {
	Backend   BackendConfig   `yaml:"backend"`
	Speech    SpeechConfig    `yaml:"speech"`
	Output    OutputConfig    `yaml:"output"`
	VoiceMode VoiceModeConfig `yaml:"voicemode"`
	Server    ServerConfig    `yaml:"server"`
}

// BackendConfig describes the Kokoro TTS server to talk to.
type BackendConfig struct {
	// BaseURL is the root of the Kokoro server's OpenAI-compatible API
	// (e.g., "http://localhost:8880"). Env: KOKORO_BASE_URL.
	BaseURL string `yaml:"base_url"`

	// Model is the model name sent with every synthesis request.
	Model string `yaml:"model"`

	// RequestTimeoutSeconds bounds a single synthesis call. Env: TIMEOUT.
	RequestTimeoutSeconds int `yaml:"request_timeout_seconds"`

	// ProbeTimeoutSeconds bounds catalog and health calls.
	ProbeTimeoutSeconds int `yaml:"probe_timeout_seconds"`
}

// RequestTimeout returns the synthesis timeout as a duration.
func (b BackendConfig) RequestTimeout() time.Duration {
	return time.Duration(b.RequestTimeoutSeconds) * time.Second
}

// ProbeTimeout returns the probe timeout as a duration.
func (b BackendConfig) ProbeTimeout() time.Duration {
	return time.Duration(b.ProbeTimeoutSeconds) * time.Second
}

// SpeechConfig holds the defaults applied when a generate_speech call
// omits a parameter.
type SpeechConfig struct {
	// DefaultVoice is a voice name or blend expression
	// (e.g., "af_bella" or "af_bella(2)+af_sky(1)"). Env: DEFAULT_VOICE.
	DefaultVoice string `yaml:"default_voice"`

	// DefaultSpeed is the speaking rate in the range [0.5, 2.0].
	// Env: DEFAULT_SPEED.
	DefaultSpeed float64 `yaml:"default_speed"`

	// DefaultFormat is the audio container: "mp3", "wav" or "opus".
	DefaultFormat string `yaml:"default_format"`
}

// OutputConfig controls where generated audio ends up.
type OutputConfig struct {
	// Directory receives generated audio files. A leading "~" expands to
	// the user's home directory. Env: OUTPUT_DIR.
	Directory string `yaml:"directory"`

	// InlineMaxBytes caps payloads returned as base64 in inline mode.
	InlineMaxBytes int `yaml:"inline_max_bytes"`
}

// VoiceModeConfig controls the cross-process voice-mode state and the
// local audio player used by the trigger.
type VoiceModeConfig struct {
	// StateFile is the JSON file recording whether voice mode is on and
	// which voice it uses. Env: KOKOVOX_STATE_FILE.
	StateFile string `yaml:"state_file"`

	// PlayerCommand launches a local audio player, shell-style quoted
	// (e.g., `mpv --no-terminal`). The audio path is appended as the
	// final argument. Empty disables playback. Env: KOKOVOX_PLAYER.
	PlayerCommand string `yaml:"player_command"`
}

// ServerConfig holds process-level settings.
type ServerConfig struct {
	// LogLevel controls verbosity. Env: KOKOVOX_LOG_LEVEL.
	LogLevel LogLevel `yaml:"log_level"`

	// DiagAddr, when non-empty, enables an HTTP listener serving
	// /healthz, /readyz and /metrics (e.g., "localhost:9090").
	// Env: KOKOVOX_DIAG_ADDR.
	DiagAddr string `yaml:"diag_addr"`
}

// Default returns the built-in configuration, matching the tool's
// historical env-variable defaults.
func Default() *Config {
	return &Config{
		Backend: BackendConfig{
			BaseURL:               "http://localhost:8880",
			Model:                 "kokoro",
			RequestTimeoutSeconds: 30,
			ProbeTimeoutSeconds:   5,
		},
		Speech: SpeechConfig{
			DefaultVoice:  "af_bella",
			DefaultSpeed:  1.0,
			DefaultFormat: "mp3",
		},
		Output: OutputConfig{
			Directory:      "~/tts_output",
			InlineMaxBytes: 10 << 20,
		},
		VoiceMode: VoiceModeConfig{
			StateFile: "~/.config/kokovox/voicemode.json",
		},
		Server: ServerConfig{
			LogLevel: LogInfo,
		},
	}
}
