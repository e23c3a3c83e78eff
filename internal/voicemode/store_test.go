package voicemode

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"golang.org/x/sync/errgroup"
)

func mustStore(t *testing.T) *Store {
	t.Helper()
	s, err := NewStore(filepath.Join(t.TempDir(), "voicemode.json"))
	if err != nil {
		t.Fatalf("NewStore: %v", err)
	}
	return s
}

// ---- construction ----

func TestNewStore_EmptyPath(t *testing.T) {
	if _, err := NewStore(""); err == nil {
		t.Error("NewStore(\"\") did not fail")
	}
}

// ---- Load ----

func TestLoad_MissingFileIsDisabled(t *testing.T) {
	s := mustStore(t)

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Enabled {
		t.Error("missing state file reported as enabled")
	}
	if st.Voice != "" {
		t.Errorf("missing state file has voice %q", st.Voice)
	}
}

func TestLoad_CorruptFile(t *testing.T) {
	s := mustStore(t)
	if err := os.WriteFile(s.Path(), []byte("{not json"), 0o644); err != nil {
		t.Fatalf("writing corrupt state: %v", err)
	}

	_, err := s.Load()
	if err == nil {
		t.Fatal("Load of corrupt file did not fail")
	}
	if !strings.Contains(err.Error(), "decode state") {
		t.Errorf("error = %v, want decode mention", err)
	}
}

// ---- Enable / Disable ----

func TestEnable_PersistsState(t *testing.T) {
	s := mustStore(t)

	st, err := s.Enable("af_bella")
	if err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if !st.Enabled || st.Voice != "af_bella" {
		t.Errorf("returned state = %+v", st)
	}
	if st.LastModified.IsZero() {
		t.Error("LastModified not set")
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !got.Enabled || got.Voice != "af_bella" {
		t.Errorf("persisted state = %+v", got)
	}
}

func TestEnable_EmptyVoice(t *testing.T) {
	s := mustStore(t)
	if _, err := s.Enable(""); err == nil {
		t.Error("Enable(\"\") did not fail")
	}
}

func TestEnable_WhileEnabledUpdatesVoice(t *testing.T) {
	s := mustStore(t)

	if _, err := s.Enable("af_bella"); err != nil {
		t.Fatalf("first Enable: %v", err)
	}
	if _, err := s.Enable("am_adam"); err != nil {
		t.Fatalf("second Enable: %v", err)
	}

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !st.Enabled {
		t.Error("state disabled after repeated Enable")
	}
	if st.Voice != "am_adam" {
		t.Errorf("voice = %q, want am_adam", st.Voice)
	}
}

func TestDisable_ClearsVoice(t *testing.T) {
	s := mustStore(t)

	if _, err := s.Enable("af_bella"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	if _, err := s.Disable(); err != nil {
		t.Fatalf("Disable: %v", err)
	}

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if st.Enabled {
		t.Error("state still enabled after Disable")
	}
	if st.Voice != "" {
		t.Errorf("voice = %q after Disable, want empty", st.Voice)
	}
}

func TestDisable_WithoutPriorState(t *testing.T) {
	s := mustStore(t)

	if _, err := s.Disable(); err != nil {
		t.Fatalf("Disable on fresh store: %v", err)
	}
	if _, err := os.Stat(s.Path()); err != nil {
		t.Errorf("state file not written: %v", err)
	}
}

// ---- SetVoice ----

func TestSetVoice_RequiresEnabled(t *testing.T) {
	s := mustStore(t)

	_, err := s.SetVoice("af_sky")
	if err == nil {
		t.Fatal("SetVoice on disabled store did not fail")
	}
	var se *StateError
	if !errors.As(err, &se) {
		t.Fatalf("error %v (%T) is not a *StateError", err, err)
	}
	if se.Kind != KindNotEnabled {
		t.Errorf("error kind = %s, want not_enabled", se.Kind)
	}
}

func TestSetVoice_WhileEnabled(t *testing.T) {
	s := mustStore(t)

	if _, err := s.Enable("af_bella"); err != nil {
		t.Fatalf("Enable: %v", err)
	}
	st, err := s.SetVoice("bf_emma")
	if err != nil {
		t.Fatalf("SetVoice: %v", err)
	}
	if !st.Enabled || st.Voice != "bf_emma" {
		t.Errorf("state after SetVoice = %+v", st)
	}

	got, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if got.Voice != "bf_emma" {
		t.Errorf("persisted voice = %q, want bf_emma", got.Voice)
	}
}

func TestSetVoice_EmptyVoice(t *testing.T) {
	s := mustStore(t)
	if _, err := s.SetVoice(""); err == nil {
		t.Error("SetVoice(\"\") did not fail")
	}
}

// ---- persistence discipline ----

func TestWrite_SurvivesStrayTempFile(t *testing.T) {
	s := mustStore(t)

	// A crashed earlier write may leave garbage at the temp path; the
	// next write must still land intact.
	if err := os.WriteFile(s.Path()+".tmp", []byte("garbage from a dead writer"), 0o644); err != nil {
		t.Fatalf("planting stray temp file: %v", err)
	}

	if _, err := s.Enable("af_bella"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	st, err := s.Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if !st.Enabled || st.Voice != "af_bella" {
		t.Errorf("state = %+v, want enabled with af_bella", st)
	}
	if _, err := os.Stat(s.Path() + ".tmp"); !os.IsNotExist(err) {
		t.Error("temp file left behind after successful write")
	}
}

func TestStateFileWireShape(t *testing.T) {
	s := mustStore(t)
	if _, err := s.Enable("af_bella"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	raw, err := os.ReadFile(s.Path())
	if err != nil {
		t.Fatalf("reading state file: %v", err)
	}
	var doc map[string]any
	if err := json.Unmarshal(raw, &doc); err != nil {
		t.Fatalf("state file is not valid JSON: %v", err)
	}
	for _, key := range []string{"enabled", "voice", "last_modified"} {
		if _, ok := doc[key]; !ok {
			t.Errorf("state file missing %q key", key)
		}
	}
}

func TestConcurrentReadersNeverSeeTornState(t *testing.T) {
	s := mustStore(t)
	if _, err := s.Enable("af_bella"); err != nil {
		t.Fatalf("Enable: %v", err)
	}

	stop := make(chan struct{})
	var g errgroup.Group

	g.Go(func() error {
		defer close(stop)
		for i := 0; i < 50; i++ {
			if i%2 == 0 {
				if _, err := s.Enable("af_sky"); err != nil {
					return err
				}
			} else {
				if _, err := s.Disable(); err != nil {
					return err
				}
			}
		}
		return nil
	})

	for r := 0; r < 4; r++ {
		g.Go(func() error {
			for {
				select {
				case <-stop:
					return nil
				default:
				}
				st, err := s.Load()
				if err != nil {
					return fmt.Errorf("reader observed torn state: %w", err)
				}
				if st.Enabled && st.Voice == "" {
					return fmt.Errorf("enabled state without a voice")
				}
				if !st.Enabled && st.Voice != "" {
					return fmt.Errorf("disabled state with voice %q", st.Voice)
				}
			}
		})
	}

	if err := g.Wait(); err != nil {
		t.Fatal(err)
	}
}
