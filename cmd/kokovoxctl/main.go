// Command kokovoxctl manages voice mode from the command line and talks
// to the Kokoro TTS backend directly: toggling the state file shared
// with the kokovox server, listing voices, one-shot synthesis, and the
// auto-speak trigger used by editor and shell hooks.
package main

import (
	"context"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/kokovox/kokovox/internal/config"
	"github.com/kokovox/kokovox/internal/dispatch"
	"github.com/kokovox/kokovox/internal/output"
	"github.com/kokovox/kokovox/internal/voicemode"
	"github.com/kokovox/kokovox/pkg/kokoro"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

// rootOptions carries the persistent flags shared by every subcommand.
type rootOptions struct {
	configPath string
	verbose    bool
}

func newRootCmd() *cobra.Command {
	opts := &rootOptions{}
	root := &cobra.Command{
		Use:   "kokovoxctl",
		Short: "Control voice mode and the Kokoro TTS backend",
		Long: `kokovoxctl manages the voice-mode state shared with the kokovox MCP
server and talks to the Kokoro TTS backend directly: listing voices,
one-shot synthesis, and the auto-speak trigger for hooks.`,
		Version:      version,
		SilenceUsage: true,
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			level := slog.LevelWarn
			if opts.verbose {
				level = slog.LevelDebug
			}
			slog.SetDefault(slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})))
		},
	}
	root.PersistentFlags().StringVar(&opts.configPath, "config", "", "path to the YAML configuration file (optional)")
	root.PersistentFlags().BoolVarP(&opts.verbose, "verbose", "v", false, "enable debug logging")

	root.AddCommand(
		newOnCmd(opts),
		newOffCmd(opts),
		newVoiceCmd(opts),
		newStatusCmd(opts),
		newVoicesCmd(opts),
		newSpeakCmd(opts),
		newTriggerCmd(opts),
	)
	return root
}

// deps bundles the collaborators every subcommand builds from config.
type deps struct {
	cfg    *config.Config
	client *kokoro.Client
	store  *voicemode.Store
}

func buildDeps(opts *rootOptions) (*deps, error) {
	cfg, err := config.Load(opts.configPath)
	if err != nil {
		return nil, err
	}
	client, err := kokoro.New(cfg.Backend.BaseURL,
		kokoro.WithModel(cfg.Backend.Model),
		kokoro.WithTimeout(cfg.Backend.RequestTimeout()),
		kokoro.WithProbeTimeout(cfg.Backend.ProbeTimeout()),
	)
	if err != nil {
		return nil, err
	}
	store, err := voicemode.NewStore(cfg.VoiceMode.StateFile)
	if err != nil {
		return nil, err
	}
	return &deps{cfg: cfg, client: client, store: store}, nil
}

// dispatcher assembles the synthesis pipeline; only speak and trigger
// need it, so it is not part of buildDeps.
func (d *deps) dispatcher() (*dispatch.Dispatcher, error) {
	sink, err := output.NewHandler(d.cfg.Output.Directory, output.WithInlineLimit(d.cfg.Output.InlineMaxBytes))
	if err != nil {
		return nil, err
	}
	return dispatch.New(d.client, sink, dispatch.Defaults{
		Voice:  d.cfg.Speech.DefaultVoice,
		Speed:  d.cfg.Speech.DefaultSpeed,
		Format: kokoro.Format(d.cfg.Speech.DefaultFormat),
		Mode:   output.ModeFile,
	})
}
