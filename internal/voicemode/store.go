// Package voicemode persists the auto-speak control state and drives
// the trigger that acts on it.
//
// The state is a single JSON file owned by [Store]. Writes replace the
// file atomically (write to a temp path, rename over the original), so
// concurrent readers, including trigger processes running separately
// from the tool server, observe either the previous or the new state
// and never a torn mix. There is no cross-process locking; writers are
// infrequent manual toggles and readers tolerate reading the pre-toggle
// state.
package voicemode

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sync"
	"time"
)

// StateErrorKind classifies invalid voice-mode transitions.
type StateErrorKind string

// KindNotEnabled marks operations that require voice mode to be
// enabled, such as changing the selected voice.
const KindNotEnabled StateErrorKind = "not_enabled"

// StateError reports an invalid state transition.
type StateError struct {
	Kind   StateErrorKind
	Detail string
}

func (e *StateError) Error() string {
	return fmt.Sprintf("voicemode: %s: %s", e.Kind, e.Detail)
}

// State is the persisted voice-mode record. The zero value is the
// disabled state, which is also what a missing state file means.
type State struct {
	Enabled      bool      `json:"enabled"`
	Voice        string    `json:"voice"`
	LastModified time.Time `json:"last_modified"`
}

// Store owns the voice-mode state file. A process-local mutex
// serializes writers within one process; across processes the
// rename-based replace is the only guarantee, which suffices because
// readers never need a consistent read-modify-write cycle.
type Store struct {
	mu   sync.Mutex
	path string
}

// NewStore creates a [Store] persisting to path. The file and its
// directory are created lazily on first write.
func NewStore(path string) (*Store, error) {
	if path == "" {
		return nil, fmt.Errorf("voicemode: state file path must not be empty")
	}
	return &Store{path: path}, nil
}

// Path returns the state file location.
func (s *Store) Path() string { return s.path }

// Load reads the current state. A missing file is the disabled state,
// not an error.
func (s *Store) Load() (State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, fs.ErrNotExist) {
		return State{}, nil
	}
	if err != nil {
		return State{}, fmt.Errorf("voicemode: read state: %w", err)
	}
	var st State
	if err := json.Unmarshal(data, &st); err != nil {
		return State{}, fmt.Errorf("voicemode: decode state: %w", err)
	}
	return st, nil
}

// Enable turns voice mode on with the given voice. Calling it while
// already enabled is fine and simply updates the voice.
func (s *Store) Enable(voice string) (State, error) {
	if voice == "" {
		return State{}, fmt.Errorf("voicemode: voice must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{Enabled: true, Voice: voice, LastModified: time.Now().UTC()}
	if err := s.write(st); err != nil {
		return State{}, err
	}
	return st, nil
}

// Disable turns voice mode off. The selected voice is cleared; the next
// Enable chooses it anew.
func (s *Store) Disable() (State, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	st := State{Enabled: false, LastModified: time.Now().UTC()}
	if err := s.write(st); err != nil {
		return State{}, err
	}
	return st, nil
}

// SetVoice changes the selected voice. Valid only while enabled;
// otherwise it fails with a [*StateError] of kind [KindNotEnabled].
func (s *Store) SetVoice(voice string) (State, error) {
	if voice == "" {
		return State{}, fmt.Errorf("voicemode: voice must not be empty")
	}
	s.mu.Lock()
	defer s.mu.Unlock()

	st, err := s.Load()
	if err != nil {
		return State{}, err
	}
	if !st.Enabled {
		return State{}, &StateError{
			Kind:   KindNotEnabled,
			Detail: "voice mode is disabled; enable it before selecting a voice",
		}
	}
	st.Voice = voice
	st.LastModified = time.Now().UTC()
	if err := s.write(st); err != nil {
		return State{}, err
	}
	return st, nil
}

// write persists st atomically. The temp file lives next to the final
// path so the rename stays within one filesystem.
func (s *Store) write(st State) error {
	data, err := json.MarshalIndent(st, "", "  ")
	if err != nil {
		return fmt.Errorf("voicemode: encode state: %w", err)
	}
	data = append(data, '\n')

	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return fmt.Errorf("voicemode: create state directory: %w", err)
	}
	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("voicemode: write temp state: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		os.Remove(tmp)
		return fmt.Errorf("voicemode: replace state: %w", err)
	}
	return nil
}
