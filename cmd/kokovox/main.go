// Command kokovox is an MCP text-to-speech server fronting a Kokoro TTS
// backend. It speaks the Model Context Protocol on stdio, so all logging
// goes to stderr; stdout carries the JSON-RPC stream.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/sync/errgroup"

	"github.com/kokovox/kokovox/internal/config"
	"github.com/kokovox/kokovox/internal/dispatch"
	"github.com/kokovox/kokovox/internal/health"
	"github.com/kokovox/kokovox/internal/mcpserver"
	"github.com/kokovox/kokovox/internal/observe"
	"github.com/kokovox/kokovox/internal/output"
	"github.com/kokovox/kokovox/internal/voicemode"
	"github.com/kokovox/kokovox/pkg/kokoro"
)

// version is stamped at build time via -ldflags "-X main.version=...".
var version = "dev"

func main() {
	os.Exit(run())
}

func run() int {
	// ── CLI flags ──────────────────────────────────────────────────────────────
	configPath := flag.String("config", "", "path to the YAML configuration file (optional; environment variables alone are enough)")
	showVersion := flag.Bool("version", false, "print the version and exit")
	flag.Parse()

	if *showVersion {
		fmt.Println("kokovox", version)
		return 0
	}

	// ── Load configuration ────────────────────────────────────────────────────
	cfg, err := config.Load(*configPath)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			fmt.Fprintf(os.Stderr, "kokovox: config file %q not found — omit -config to run on environment variables alone\n", *configPath)
		} else {
			fmt.Fprintf(os.Stderr, "kokovox: %v\n", err)
		}
		return 1
	}

	// ── Logger ────────────────────────────────────────────────────────────────
	logger := newLogger(cfg.Server.LogLevel)
	slog.SetDefault(logger)

	// ── Signal context ────────────────────────────────────────────────────────
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// ── Telemetry ─────────────────────────────────────────────────────────────
	otelShutdown, err := observe.InitProvider(ctx, observe.ProviderConfig{
		ServiceName:    "kokovox",
		ServiceVersion: version,
	})
	if err != nil {
		slog.Error("failed to initialise telemetry", "err", err)
		return 1
	}
	defer func() {
		flushCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
		defer cancel()
		if err := otelShutdown(flushCtx); err != nil {
			slog.Warn("telemetry shutdown error", "err", err)
		}
	}()
	metrics := observe.DefaultMetrics()

	// ── Collaborators ─────────────────────────────────────────────────────────
	client, err := kokoro.New(cfg.Backend.BaseURL,
		kokoro.WithModel(cfg.Backend.Model),
		kokoro.WithTimeout(cfg.Backend.RequestTimeout()),
		kokoro.WithProbeTimeout(cfg.Backend.ProbeTimeout()),
	)
	if err != nil {
		slog.Error("failed to create backend client", "err", err)
		return 1
	}

	sink, err := output.NewHandler(cfg.Output.Directory, output.WithInlineLimit(cfg.Output.InlineMaxBytes))
	if err != nil {
		slog.Error("failed to prepare output directory", "err", err)
		return 1
	}

	store, err := voicemode.NewStore(cfg.VoiceMode.StateFile)
	if err != nil {
		slog.Error("failed to open voice mode state", "err", err)
		return 1
	}

	dispatcher, err := dispatch.New(client, sink, dispatch.Defaults{
		Voice:  cfg.Speech.DefaultVoice,
		Speed:  cfg.Speech.DefaultSpeed,
		Format: kokoro.Format(cfg.Speech.DefaultFormat),
		Mode:   output.ModeFile,
	}, dispatch.WithMetrics(metrics))
	if err != nil {
		slog.Error("failed to create dispatcher", "err", err)
		return 1
	}

	srv := mcpserver.New(mcpserver.ServerConfig{Version: version}, dispatcher)

	slog.Info("kokovox starting",
		"version", version,
		"backend", cfg.Backend.BaseURL,
		"voice", cfg.Speech.DefaultVoice,
		"output_dir", cfg.Output.Directory,
		"diag_addr", cfg.Server.DiagAddr,
	)

	// ── Serve ─────────────────────────────────────────────────────────────────
	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error {
		// stdin closing means the client is gone; bring the diag listener
		// down with it.
		defer stop()
		if err := srv.Run(gctx, &mcp.StdioTransport{}); err != nil && !errors.Is(err, context.Canceled) {
			return fmt.Errorf("mcp server: %w", err)
		}
		return nil
	})

	if cfg.Server.DiagAddr != "" {
		mux := http.NewServeMux()
		health.New(
			health.Backend(client),
			health.OutputDir(cfg.Output.Directory),
			health.StateFile(store),
		).Register(mux)
		mux.Handle("GET /metrics", promhttp.Handler())

		diag := &http.Server{
			Addr:              cfg.Server.DiagAddr,
			Handler:           observe.Middleware(metrics)(mux),
			ReadHeaderTimeout: 5 * time.Second,
		}

		g.Go(func() error {
			slog.Info("diagnostics listener started", "addr", cfg.Server.DiagAddr)
			if err := diag.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("diagnostics listener: %w", err)
			}
			return nil
		})

		g.Go(func() error {
			<-gctx.Done()
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			return diag.Shutdown(shutdownCtx)
		})
	}

	if err := g.Wait(); err != nil && !errors.Is(err, context.Canceled) {
		slog.Error("run error", "err", err)
		return 1
	}

	slog.Info("goodbye")
	return 0
}

func newLogger(level config.LogLevel) *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level.Level()}))
}
