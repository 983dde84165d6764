// Package cron runs the background hygiene job: sweeping stale staged files
// and clearing the message dedup set.
package cron

import (
	"log/slog"
	"os"
	"path/filepath"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/coopco/kimibridge/internal/pending"
)

// Reaper deletes staging files older than the age threshold on a fixed
// schedule. It is advisory: the primary cleanup is the explicit cancel and
// finalize paths.
type Reaper struct {
	stagingDir string
	maxAge     time.Duration
	dedup      *pending.Dedup
	cron       *cron.Cron
	now        func() time.Time
}

// NewReaper builds a reaper over stagingDir. maxAge defaults to one hour.
func NewReaper(stagingDir string, maxAge time.Duration, dedup *pending.Dedup) *Reaper {
	if maxAge <= 0 {
		maxAge = time.Hour
	}
	return &Reaper{
		stagingDir: stagingDir,
		maxAge:     maxAge,
		dedup:      dedup,
		cron:       cron.New(),
		now:        time.Now,
	}
}

// Start schedules the hourly sweep.
func (r *Reaper) Start() error {
	if _, err := r.cron.AddFunc("@hourly", r.sweep); err != nil {
		return err
	}
	r.cron.Start()
	slog.Info("reaper: started", "staging_dir", r.stagingDir, "max_age", r.maxAge)
	return nil
}

// Stop halts the schedule and waits for a running sweep to finish.
func (r *Reaper) Stop() {
	ctx := r.cron.Stop()
	<-ctx.Done()
	slog.Info("reaper: stopped")
}

func (r *Reaper) sweep() {
	removed := r.SweepOnce()
	r.dedup.Clear()
	slog.Info("reaper: sweep complete", "removed", removed)
}

// SweepOnce walks the staging tree and deletes regular files older than the
// age threshold, then prunes directories left empty. Returns the number of
// files removed.
func (r *Reaper) SweepOnce() int {
	cutoff := r.now().Add(-r.maxAge)
	removed := 0

	var emptyCandidates []string
	err := filepath.WalkDir(r.stagingDir, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			slog.Warn("reaper: walk error", "path", path, "err", err)
			return nil
		}
		if d.IsDir() {
			if path != r.stagingDir {
				emptyCandidates = append(emptyCandidates, path)
			}
			return nil
		}
		info, err := d.Info()
		if err != nil {
			return nil
		}
		if info.ModTime().Before(cutoff) {
			// Files may be removed concurrently by explicit cleanup.
			if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
				slog.Warn("reaper: remove failed", "path", path, "err", err)
				return nil
			}
			removed++
		}
		return nil
	})
	if err != nil {
		slog.Error("reaper: sweep failed", "err", err)
	}

	// Deepest-first so nested frame directories collapse upward.
	for i := len(emptyCandidates) - 1; i >= 0; i-- {
		os.Remove(emptyCandidates[i])
	}
	return removed
}
