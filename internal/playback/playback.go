// Package playback runs a configurable external audio player for
// auto-speak output. The player command is parsed once at construction
// with shell-style quoting; the audio file path is appended as the
// final argument at play time. No shell is involved in the actual
// invocation, so the command cannot be used for injection via file
// names.
package playback

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"os/exec"
	"strings"
	"time"

	"github.com/kokovox/kokovox/internal/observe"
	"github.com/mattn/go-shellwords"
)

// defaultTimeout bounds a single playback run so a wedged player cannot
// hang the trigger process.
const defaultTimeout = 60 * time.Second

// maxStderrExcerpt bounds how much player stderr is copied into errors.
const maxStderrExcerpt = 512

// Option is a functional option for configuring a [Player].
type Option func(*Player)

// WithTimeout sets the per-run time budget. Zero disables the internal
// timeout, leaving cancellation entirely to the caller's context.
// Default: 60s.
func WithTimeout(d time.Duration) Option {
	return func(p *Player) {
		p.timeout = d
	}
}

// WithMetrics replaces the metrics instance. Default:
// [observe.DefaultMetrics].
func WithMetrics(m *observe.Metrics) Option {
	return func(p *Player) {
		p.metrics = m
	}
}

// Player runs the external audio player. Safe for concurrent use; it is
// read-only after construction.
type Player struct {
	argv    []string
	timeout time.Duration
	metrics *observe.Metrics
}

// NewPlayer parses command (e.g. "aplay -q" or "mpv --no-terminal")
// into an argv vector. An empty command is valid and yields a disabled
// player whose Play is a no-op, for setups where synthesized files are
// consumed by other means.
func NewPlayer(command string, opts ...Option) (*Player, error) {
	p := &Player{timeout: defaultTimeout}
	if strings.TrimSpace(command) != "" {
		parser := shellwords.NewParser()
		argv, err := parser.Parse(command)
		if err != nil {
			return nil, fmt.Errorf("playback: parse player command: %w", err)
		}
		if len(argv) == 0 {
			return nil, fmt.Errorf("playback: player command empty after parsing")
		}
		p.argv = argv
	}
	for _, opt := range opts {
		opt(p)
	}
	if p.metrics == nil {
		p.metrics = observe.DefaultMetrics()
	}
	return p, nil
}

// Enabled reports whether a player command is configured.
func (p *Player) Enabled() bool { return len(p.argv) > 0 }

// Command returns the configured player command for display, or the
// empty string when disabled.
func (p *Player) Command() string { return strings.Join(p.argv, " ") }

// Play runs the player on the audio file at path and waits for it to
// exit. A disabled player succeeds immediately, leaving the file on
// disk.
func (p *Player) Play(ctx context.Context, path string) error {
	if path == "" {
		return fmt.Errorf("playback: audio path must not be empty")
	}
	if !p.Enabled() {
		p.metrics.RecordPlayback(ctx, "skipped")
		observe.Logger(ctx).Debug("no player configured, leaving audio on disk",
			slog.String("path", path))
		return nil
	}

	if p.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.timeout)
		defer cancel()
	}

	args := append(append([]string{}, p.argv[1:]...), path)
	cmd := exec.CommandContext(ctx, p.argv[0], args...)
	var stderr bytes.Buffer
	cmd.Stderr = &stderr

	start := time.Now()
	if err := cmd.Run(); err != nil {
		p.metrics.RecordPlayback(ctx, "error")
		detail := strings.TrimSpace(stderr.String())
		if len(detail) > maxStderrExcerpt {
			detail = detail[:maxStderrExcerpt]
		}
		if detail != "" {
			return fmt.Errorf("playback: %s: %w: %s", p.argv[0], err, detail)
		}
		return fmt.Errorf("playback: %s: %w", p.argv[0], err)
	}

	p.metrics.RecordPlayback(ctx, "ok")
	observe.Logger(ctx).Debug("playback finished",
		slog.String("player", p.argv[0]),
		slog.String("path", path),
		slog.Duration("took", time.Since(start)))
	return nil
}
