package voicemode

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/kokovox/kokovox/internal/dispatch"
	"github.com/kokovox/kokovox/internal/output"
)

// Speaker synthesizes speech for the trigger. Implemented by
// [dispatch.Dispatcher].
type Speaker interface {
	GenerateSpeech(ctx context.Context, req dispatch.GenerateSpeechRequest) (*dispatch.SpeechResult, error)
}

// Player hands a finished audio file to the external playback
// collaborator.
type Player interface {
	Play(ctx context.Context, path string) error
}

// TriggerOption is a functional option for configuring a [Trigger].
type TriggerOption func(*Trigger)

// WithLogger sets the trigger's logger. Default: [slog.Default].
func WithLogger(log *slog.Logger) TriggerOption {
	return func(t *Trigger) {
		t.log = log
	}
}

// Trigger converts incoming text to speech when voice mode is enabled.
// It is designed to run in short-lived processes separate from the tool
// server, sharing only the state file with it.
type Trigger struct {
	store   *Store
	speaker Speaker
	player  Player
	log     *slog.Logger
}

// NewTrigger wires a [Trigger] from its collaborators.
func NewTrigger(store *Store, speaker Speaker, player Player, opts ...TriggerOption) (*Trigger, error) {
	if store == nil {
		return nil, fmt.Errorf("voicemode: trigger requires a store")
	}
	if speaker == nil {
		return nil, fmt.Errorf("voicemode: trigger requires a speaker")
	}
	if player == nil {
		return nil, fmt.Errorf("voicemode: trigger requires a player")
	}
	t := &Trigger{
		store:   store,
		speaker: speaker,
		player:  player,
		log:     slog.Default(),
	}
	for _, opt := range opts {
		opt(t)
	}
	return t, nil
}

// Speak reads the current voice-mode state and acts on it. Disabled
// state is a silent no-op. When enabled, the text is synthesized with
// the stored voice and the dispatcher's default speed and format, and
// the resulting file is handed to the player.
//
// Disabled state and synthesis failure both produce no audio, but they
// log differently: disabled at debug, failures at error.
func (t *Trigger) Speak(ctx context.Context, text string) error {
	st, err := t.store.Load()
	if err != nil {
		t.log.Error("voice mode state unreadable", slog.String("error", err.Error()))
		return err
	}
	if !st.Enabled {
		t.log.Debug("voice mode disabled, skipping speech")
		return nil
	}

	res, err := t.speaker.GenerateSpeech(ctx, dispatch.GenerateSpeechRequest{
		Text:  text,
		Voice: st.Voice,
		Mode:  output.ModeFile,
	})
	if err != nil {
		t.log.Error("auto-speak synthesis failed",
			slog.String("voice", st.Voice),
			slog.String("error", err.Error()))
		return err
	}

	if err := t.player.Play(ctx, res.Path); err != nil {
		t.log.Error("audio playback failed",
			slog.String("path", res.Path),
			slog.String("error", err.Error()))
		return err
	}

	t.log.Info("auto-speak completed",
		slog.String("voice", st.Voice),
		slog.String("path", res.Path),
		slog.Int("bytes", res.ByteSize))
	return nil
}
