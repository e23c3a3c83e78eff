package main

import (
	"context"
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/kokovox/kokovox/internal/observe"
	"github.com/kokovox/kokovox/internal/suggest"
	"github.com/kokovox/kokovox/internal/voicemode"
	"github.com/kokovox/kokovox/pkg/kokoro"
	"github.com/kokovox/kokovox/pkg/voiceblend"
)

func newOnCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "on [voice]",
		Short: "Enable voice mode",
		Long: `Enable voice mode so the auto-speak trigger starts speaking. The
voice defaults to the configured one and is validated against the
backend catalog, or against the built-in catalog when the backend is
offline.`,
		Args: cobra.MaximumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(opts)
			if err != nil {
				return err
			}
			voice := d.cfg.Speech.DefaultVoice
			if len(args) == 1 {
				voice = args[0]
			}
			resolved, err := resolveVoice(voice, catalogNames(cmd.Context(), d.client))
			if err != nil {
				return err
			}
			st, err := d.store.Enable(resolved)
			if err != nil {
				return err
			}
			observe.DefaultMetrics().RecordVoiceModeTransition(cmd.Context(), "enabled")
			fmt.Fprintf(cmd.OutOrStdout(), "voice mode enabled (voice %s)\n", st.Voice)
			return nil
		},
	}
}

func newOffCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "off",
		Short: "Disable voice mode",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(opts)
			if err != nil {
				return err
			}
			if _, err := d.store.Disable(); err != nil {
				return err
			}
			observe.DefaultMetrics().RecordVoiceModeTransition(cmd.Context(), "disabled")
			fmt.Fprintln(cmd.OutOrStdout(), "voice mode disabled")
			return nil
		},
	}
}

func newVoiceCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "voice <name>",
		Short: "Change the voice while voice mode is enabled",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			d, err := buildDeps(opts)
			if err != nil {
				return err
			}
			resolved, err := resolveVoice(args[0], catalogNames(cmd.Context(), d.client))
			if err != nil {
				return err
			}
			st, err := d.store.SetVoice(resolved)
			if err != nil {
				var se *voicemode.StateError
				if errors.As(err, &se) && se.Kind == voicemode.KindNotEnabled {
					return fmt.Errorf("voice mode is not enabled; run \"kokovoxctl on\" first")
				}
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "voice changed to %s\n", st.Voice)
			return nil
		},
	}
}

func newStatusCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "status",
		Short: "Show voice-mode state and backend reachability",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(opts)
			if err != nil {
				return err
			}
			st, err := d.store.Load()
			if err != nil {
				return err
			}
			fmt.Fprint(cmd.OutOrStdout(), formatStatus(st, d.client.Health(cmd.Context())))
			return nil
		},
	}
}

// formatStatus renders the two lines printed by "kokovoxctl status".
func formatStatus(st voicemode.State, health kokoro.Status) string {
	var b strings.Builder
	if st.Enabled {
		fmt.Fprintf(&b, "voice mode: enabled (voice %s)\n", st.Voice)
	} else {
		b.WriteString("voice mode: disabled\n")
	}
	if health.Reachable {
		fmt.Fprintf(&b, "backend:    %s reachable, %d voices, %dms\n", health.BaseURL, health.VoiceCount, health.LatencyMs)
	} else {
		fmt.Fprintf(&b, "backend:    %s unreachable\n", health.BaseURL)
	}
	return b.String()
}

// catalogNames returns the live backend voice names, or the built-in
// catalog when the backend is unreachable.
func catalogNames(ctx context.Context, client *kokoro.Client) []string {
	voices, err := client.ListVoices(ctx)
	if err != nil {
		voices = kokoro.DefaultVoices()
	}
	names := make([]string, len(voices))
	for i, v := range voices {
		names[i] = v.Name
	}
	return names
}

// resolveVoice validates a voice name or blend expression against the
// catalog and returns its canonical form. An unknown component fails
// with the closest catalog name when one clears the matcher thresholds.
func resolveVoice(raw string, catalog []string) (string, error) {
	spec, err := voiceblend.Parse(raw)
	if err != nil {
		return "", err
	}
	matcher := suggest.New()
	for _, name := range spec.Names() {
		if slices.Contains(catalog, name) {
			continue
		}
		if match, _, ok := matcher.Suggest(name, catalog); ok {
			return "", fmt.Errorf("unknown voice %q (did you mean %q?)", name, match)
		}
		return "", fmt.Errorf("unknown voice %q; run \"kokovoxctl voices\" for the catalog", name)
	}
	return spec.String(), nil
}
