package main

import (
	"fmt"
	"io"
	"log/slog"
	"strings"
	"text/tabwriter"

	"github.com/spf13/cobra"

	"github.com/kokovox/kokovox/internal/dispatch"
	"github.com/kokovox/kokovox/internal/output"
	"github.com/kokovox/kokovox/internal/playback"
	"github.com/kokovox/kokovox/internal/voicemode"
	"github.com/kokovox/kokovox/pkg/kokoro"
)

func newVoicesCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "voices",
		Short: "List available voices",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			d, err := buildDeps(opts)
			if err != nil {
				return err
			}
			voices, err := d.client.ListVoices(cmd.Context())
			if err != nil {
				slog.Debug("voice listing failed, using built-in catalog", "err", err)
				voices = kokoro.DefaultVoices()
				fmt.Fprintln(cmd.OutOrStdout(), "(backend offline, showing built-in catalog)")
			}
			printVoices(cmd.OutOrStdout(), voices)
			return nil
		},
	}
}

func printVoices(w io.Writer, voices []kokoro.VoiceDescriptor) {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	for _, v := range voices {
		fmt.Fprintf(tw, "%s\t%s\t%s\t%s\n", v.Name, v.Gender, v.Language, v.Description)
	}
	tw.Flush()
}

func newSpeakCmd(opts *rootOptions) *cobra.Command {
	var (
		voice  string
		speed  float64
		format string
		inline bool
		play   bool
	)
	cmd := &cobra.Command{
		Use:   "speak <text>...",
		Short: "Synthesize text to speech once",
		Long: `Synthesize the given text and print the resulting file path, or the
base64-encoded audio with --inline. With --play the file is handed to
the configured audio player afterwards.`,
		Args: cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if inline && play {
				return fmt.Errorf("--inline and --play cannot be combined")
			}
			d, err := buildDeps(opts)
			if err != nil {
				return err
			}
			dsp, err := d.dispatcher()
			if err != nil {
				return err
			}

			req := dispatch.GenerateSpeechRequest{
				Text:   strings.Join(args, " "),
				Voice:  voice,
				Format: kokoro.Format(format),
			}
			if cmd.Flags().Changed("speed") {
				req.Speed = &speed
			}
			if inline {
				req.Mode = output.ModeInline
			}

			res, err := dsp.GenerateSpeech(cmd.Context(), req)
			if err != nil {
				return err
			}

			if inline {
				fmt.Fprintln(cmd.OutOrStdout(), res.EncodedAudio)
				return nil
			}
			fmt.Fprintln(cmd.OutOrStdout(), res.Path)
			if play {
				player, err := playback.NewPlayer(d.cfg.VoiceMode.PlayerCommand)
				if err != nil {
					return err
				}
				return player.Play(cmd.Context(), res.Path)
			}
			return nil
		},
	}
	cmd.Flags().StringVar(&voice, "voice", "", "voice name or blend expression (default from config)")
	cmd.Flags().Float64Var(&speed, "speed", 0, "speech speed between 0.5 and 2.0 (default from config)")
	cmd.Flags().StringVar(&format, "format", "", "audio format: mp3, wav, or opus (default from config)")
	cmd.Flags().BoolVar(&inline, "inline", false, "print base64 audio instead of writing a file")
	cmd.Flags().BoolVar(&play, "play", false, "play the audio with the configured player")
	return cmd
}

func newTriggerCmd(opts *rootOptions) *cobra.Command {
	return &cobra.Command{
		Use:   "trigger [text]...",
		Short: "Speak text when voice mode is enabled",
		Long: `trigger is the auto-speak entry point: it takes text from its
arguments, or from stdin when no arguments are given, and synthesizes
it with the stored voice. When voice mode is disabled it exits
silently, so hooks can call it unconditionally.`,
		Args: cobra.ArbitraryArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			text := strings.Join(args, " ")
			if strings.TrimSpace(text) == "" {
				raw, err := io.ReadAll(cmd.InOrStdin())
				if err != nil {
					return fmt.Errorf("read stdin: %w", err)
				}
				text = string(raw)
			}
			text = strings.TrimSpace(text)
			if text == "" {
				slog.Debug("no text to speak")
				return nil
			}

			d, err := buildDeps(opts)
			if err != nil {
				return err
			}
			dsp, err := d.dispatcher()
			if err != nil {
				return err
			}
			player, err := playback.NewPlayer(d.cfg.VoiceMode.PlayerCommand)
			if err != nil {
				return err
			}
			tr, err := voicemode.NewTrigger(d.store, dsp, player)
			if err != nil {
				return err
			}
			return tr.Speak(cmd.Context(), text)
		},
	}
}
