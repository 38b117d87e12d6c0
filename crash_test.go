package bob

import (
	"os"
	"path/filepath"
	"testing"
)

func TestCrashMarkerFreshStartIsClean(t *testing.T) {
	m := NewCrashMarker(filepath.Join(t.TempDir(), "exit.json"))
	crashed, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if crashed {
		t.Error("fresh marker reported a crash")
	}
}

func TestCrashMarkerDetectsUncleanExit(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exit.json")

	first := NewCrashMarker(path)
	if _, err := first.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// Process dies here without calling End.

	second := NewCrashMarker(path)
	crashed, err := second.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !crashed {
		t.Error("dirty marker not detected as crash")
	}
}

func TestCrashMarkerCleanExitNotReported(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exit.json")

	first := NewCrashMarker(path)
	if _, err := first.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if err := first.End(); err != nil {
		t.Fatalf("End: %v", err)
	}

	second := NewCrashMarker(path)
	crashed, err := second.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if crashed {
		t.Error("clean exit reported as crash")
	}
}

func TestCrashMarkerGarbageFileCountsClean(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exit.json")
	if err := os.WriteFile(path, []byte("not json"), 0o644); err != nil {
		t.Fatalf("write: %v", err)
	}

	m := NewCrashMarker(path)
	crashed, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if crashed {
		t.Error("unreadable marker should count as clean history")
	}
}

func TestCrashMarkerBeginStampsDirtyMarker(t *testing.T) {
	path := filepath.Join(t.TempDir(), "exit.json")
	m := NewCrashMarker(path)
	if _, err := m.Begin(); err != nil {
		t.Fatalf("Begin: %v", err)
	}
	// Begin again in the same "run": the marker on disk is dirty.
	crashed, err := m.Begin()
	if err != nil {
		t.Fatalf("Begin: %v", err)
	}
	if !crashed {
		t.Error("Begin should leave a dirty marker behind")
	}
}
