package config

import (
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/url"
	"os"
	"path/filepath"
	"slices"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"

	"github.com/kokovox/kokovox/pkg/kokoro"
	"github.com/kokovox/kokovox/pkg/voiceblend"
)

// Load builds the effective configuration: built-in defaults, overlaid
// with the YAML file at path (skipped when path is empty), overlaid
// with environment variables. A .env file in the working directory is
// honoured first; a missing one is not an error.
func Load(path string) (*Config, error) {
	_ = godotenv.Load()

	cfg := Default()
	if path != "" {
		f, err := os.Open(path)
		if err != nil {
			return nil, fmt.Errorf("config: open %q: %w", path, err)
		}
		defer f.Close()

		if err := decodeInto(cfg, f); err != nil {
			return nil, fmt.Errorf("config: parse %q: %w", path, err)
		}
	}

	if err := applyEnv(cfg); err != nil {
		return nil, err
	}
	if err := expandPaths(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// LoadFromReader decodes a YAML config from r over the built-in
// defaults and validates the result. Environment variables are not
// consulted. Useful in tests where configs are string literals.
func LoadFromReader(r io.Reader) (*Config, error) {
	cfg := Default()
	if err := decodeInto(cfg, r); err != nil {
		return nil, fmt.Errorf("config: decode yaml: %w", err)
	}
	if err := expandPaths(cfg); err != nil {
		return nil, err
	}
	if err := Validate(cfg); err != nil {
		return nil, err
	}
	return cfg, nil
}

// decodeInto strictly decodes YAML from r over cfg. Unknown keys are an
// error so typos surface at startup instead of being silently ignored.
// An empty document leaves cfg untouched.
func decodeInto(cfg *Config, r io.Reader) error {
	dec := yaml.NewDecoder(r)
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		if errors.Is(err, io.EOF) {
			return nil
		}
		return fmt.Errorf("decode yaml: %w", err)
	}
	return nil
}

// applyEnv overlays environment variables onto cfg. The names predate
// the YAML file and are kept for compatibility with existing setups.
func applyEnv(cfg *Config) error {
	var errs []error

	if v, ok := os.LookupEnv("KOKORO_BASE_URL"); ok {
		cfg.Backend.BaseURL = v
	}
	if v, ok := os.LookupEnv("TIMEOUT"); ok {
		n, err := strconv.Atoi(v)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: TIMEOUT %q is not an integer", v))
		} else {
			cfg.Backend.RequestTimeoutSeconds = n
		}
	}
	if v, ok := os.LookupEnv("DEFAULT_VOICE"); ok {
		cfg.Speech.DefaultVoice = v
	}
	if v, ok := os.LookupEnv("DEFAULT_SPEED"); ok {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			errs = append(errs, fmt.Errorf("config: DEFAULT_SPEED %q is not a number", v))
		} else {
			cfg.Speech.DefaultSpeed = f
		}
	}
	if v, ok := os.LookupEnv("OUTPUT_DIR"); ok {
		cfg.Output.Directory = v
	}
	if v, ok := os.LookupEnv("KOKOVOX_STATE_FILE"); ok {
		cfg.VoiceMode.StateFile = v
	}
	if v, ok := os.LookupEnv("KOKOVOX_PLAYER"); ok {
		cfg.VoiceMode.PlayerCommand = v
	}
	if v, ok := os.LookupEnv("KOKOVOX_LOG_LEVEL"); ok {
		cfg.Server.LogLevel = LogLevel(v)
	}
	if v, ok := os.LookupEnv("KOKOVOX_DIAG_ADDR"); ok {
		cfg.Server.DiagAddr = v
	}

	return errors.Join(errs...)
}

// expandPaths resolves a leading "~" in path-valued fields to the
// user's home directory.
func expandPaths(cfg *Config) error {
	var err error
	if cfg.Output.Directory, err = expandHome(cfg.Output.Directory); err != nil {
		return fmt.Errorf("config: output.directory: %w", err)
	}
	if cfg.VoiceMode.StateFile, err = expandHome(cfg.VoiceMode.StateFile); err != nil {
		return fmt.Errorf("config: voicemode.state_file: %w", err)
	}
	return nil
}

func expandHome(path string) (string, error) {
	if path != "~" && !strings.HasPrefix(path, "~/") {
		return path, nil
	}
	home, err := os.UserHomeDir()
	if err != nil {
		return "", fmt.Errorf("resolve home directory: %w", err)
	}
	return filepath.Join(home, path[1:]), nil
}

// Validate checks that cfg contains a coherent set of values.
// It returns a joined error listing all validation failures found.
func Validate(cfg *Config) error {
	var errs []error

	// Backend
	if cfg.Backend.BaseURL == "" {
		errs = append(errs, errors.New("backend.base_url is required"))
	} else if u, err := url.Parse(cfg.Backend.BaseURL); err != nil || (u.Scheme != "http" && u.Scheme != "https") || u.Host == "" {
		errs = append(errs, fmt.Errorf("backend.base_url %q is not an http(s) URL", cfg.Backend.BaseURL))
	}
	if cfg.Backend.Model == "" {
		errs = append(errs, errors.New("backend.model is required"))
	}
	if cfg.Backend.RequestTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("backend.request_timeout_seconds %d must be positive", cfg.Backend.RequestTimeoutSeconds))
	}
	if cfg.Backend.ProbeTimeoutSeconds <= 0 {
		errs = append(errs, fmt.Errorf("backend.probe_timeout_seconds %d must be positive", cfg.Backend.ProbeTimeoutSeconds))
	}

	// Speech defaults
	if cfg.Speech.DefaultVoice == "" {
		errs = append(errs, errors.New("speech.default_voice is required"))
	} else if spec, err := voiceblend.Parse(cfg.Speech.DefaultVoice); err != nil {
		errs = append(errs, fmt.Errorf("speech.default_voice %q: %w", cfg.Speech.DefaultVoice, err))
	} else {
		warnUnknownVoices(spec)
	}
	if cfg.Speech.DefaultSpeed < 0.5 || cfg.Speech.DefaultSpeed > 2.0 {
		errs = append(errs, fmt.Errorf("speech.default_speed %.2f is out of range [0.5, 2.0]", cfg.Speech.DefaultSpeed))
	}
	if !kokoro.Format(cfg.Speech.DefaultFormat).IsValid() {
		errs = append(errs, fmt.Errorf("speech.default_format %q is invalid; valid values: mp3, wav, opus", cfg.Speech.DefaultFormat))
	}

	// Output
	if cfg.Output.Directory == "" {
		errs = append(errs, errors.New("output.directory is required"))
	}
	if cfg.Output.InlineMaxBytes <= 0 {
		errs = append(errs, fmt.Errorf("output.inline_max_bytes %d must be positive", cfg.Output.InlineMaxBytes))
	}

	// Voice mode
	if cfg.VoiceMode.StateFile == "" {
		errs = append(errs, errors.New("voicemode.state_file is required"))
	}

	// Server
	if cfg.Server.LogLevel != "" && !cfg.Server.LogLevel.IsValid() {
		errs = append(errs, fmt.Errorf("server.log_level %q is invalid; valid values: debug, info, warn, error", cfg.Server.LogLevel))
	}
	if cfg.Server.DiagAddr != "" {
		if _, _, err := net.SplitHostPort(cfg.Server.DiagAddr); err != nil {
			errs = append(errs, fmt.Errorf("server.diag_addr %q is not a host:port address", cfg.Server.DiagAddr))
		}
	}

	return errors.Join(errs...)
}

// warnUnknownVoices logs a warning for each blend component that is not
// in the built-in catalog. Backends may carry extra voices, so this is
// not an error.
func warnUnknownVoices(spec voiceblend.Spec) {
	known := knownVoiceNames()
	for _, name := range spec.Names() {
		if slices.Contains(known, name) {
			continue
		}
		slog.Warn("voice is not in the built-in catalog — it must exist on the backend",
			"voice", name,
			"known", known,
		)
	}
}

func knownVoiceNames() []string {
	descriptors := kokoro.DefaultVoices()
	names := make([]string, len(descriptors))
	for i, d := range descriptors {
		names[i] = d.Name
	}
	return names
}
