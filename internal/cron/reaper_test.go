package cron

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/coopco/kimibridge/internal/pending"
)

func writeFile(t *testing.T, path string) {
	t.Helper()
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(path, []byte("x"), 0o644); err != nil {
		t.Fatal(err)
	}
}

func TestSweepRemovesOnlyStaleFiles(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.pdf")
	fresh := filepath.Join(dir, "new.pdf")
	nested := filepath.Join(dir, "frames_1", "frame_00001.jpg")
	writeFile(t, stale)
	writeFile(t, fresh)
	writeFile(t, nested)

	r := NewReaper(dir, time.Hour, pending.NewDedup(0))
	// Pretend everything except "fresh" was written two hours ago.
	past := time.Now().Add(-2 * time.Hour)
	for _, p := range []string{stale, nested} {
		if err := os.Chtimes(p, past, past); err != nil {
			t.Fatal(err)
		}
	}

	removed := r.SweepOnce()
	if removed != 2 {
		t.Errorf("removed = %d, want 2", removed)
	}
	if _, err := os.Stat(stale); !os.IsNotExist(err) {
		t.Error("stale file survived sweep")
	}
	if _, err := os.Stat(fresh); err != nil {
		t.Error("fresh file was removed")
	}
	if _, err := os.Stat(filepath.Dir(nested)); !os.IsNotExist(err) {
		t.Error("emptied frame directory was not pruned")
	}
}

func TestSweepIdempotent(t *testing.T) {
	dir := t.TempDir()
	stale := filepath.Join(dir, "old.pdf")
	writeFile(t, stale)
	past := time.Now().Add(-2 * time.Hour)
	if err := os.Chtimes(stale, past, past); err != nil {
		t.Fatal(err)
	}

	r := NewReaper(dir, time.Hour, pending.NewDedup(0))
	if removed := r.SweepOnce(); removed != 1 {
		t.Errorf("first sweep removed %d, want 1", removed)
	}
	if removed := r.SweepOnce(); removed != 0 {
		t.Errorf("second sweep removed %d, want 0", removed)
	}
}

func TestSweepMissingDir(t *testing.T) {
	r := NewReaper(filepath.Join(t.TempDir(), "nope"), time.Hour, pending.NewDedup(0))
	if removed := r.SweepOnce(); removed != 0 {
		t.Errorf("removed = %d, want 0", removed)
	}
}

func TestStartStop(t *testing.T) {
	r := NewReaper(t.TempDir(), time.Hour, pending.NewDedup(0))
	if err := r.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	r.Stop()
}
