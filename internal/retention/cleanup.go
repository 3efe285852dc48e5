// Package retention deletes finished recordings once they are older than
// the configured number of days.
package retention

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// CleanupInterval is how often the cleanup runs.
const CleanupInterval = 1 * time.Hour

// spoolAge is how long an orphaned spool file is kept. Spools belong to a
// running session only while it is being recorded or encoded.
const spoolAge = 24 * time.Hour

var recordingExts = map[string]bool{".wav": true, ".ogg": true, ".mp3": true}

// Cleanup removes old recordings from an output directory.
type Cleanup struct {
	dir  func() string
	days int
	now  func() time.Time
}

// New creates a Cleanup for the directory returned by dir. The directory is
// looked up on every pass so option changes take effect.
func New(dir func() string, days int) *Cleanup {
	return &Cleanup{dir: dir, days: days, now: time.Now}
}

// Run sweeps immediately and then every CleanupInterval until ctx is done.
func (c *Cleanup) Run(ctx context.Context) {
	if c.days <= 0 {
		return
	}
	slog.Info("recording cleanup started", "retention_days", c.days, "interval", CleanupInterval)

	c.Sweep()

	ticker := time.NewTicker(CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			slog.Info("recording cleanup stopped")
			return
		case <-ticker.C:
			c.Sweep()
		}
	}
}

// Sweep performs one cleanup pass and returns the number of deleted files.
func (c *Cleanup) Sweep() int {
	basePath := c.dir()
	if basePath == "" || c.days <= 0 {
		return 0
	}

	now := c.now()
	cutoff := now.AddDate(0, 0, -c.days)
	slog.Debug("running recording cleanup", "path", basePath, "cutoff", cutoff.Format("2006-01-02"))

	entries, err := os.ReadDir(basePath)
	if err != nil {
		if !os.IsNotExist(err) {
			slog.Error("failed to read recording directory", "path", basePath, "error", err)
		}
		return 0
	}

	var deleted int
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		limit, ok := c.limitFor(entry.Name(), cutoff, now)
		if !ok {
			continue
		}
		info, err := entry.Info()
		if err != nil || !info.ModTime().Before(limit) {
			continue
		}

		path := filepath.Join(basePath, entry.Name())
		if err := os.Remove(path); err != nil {
			slog.Error("failed to remove old recording", "path", path, "error", err)
			continue
		}
		deleted++
		slog.Debug("removed old recording", "path", path)
	}

	if deleted > 0 {
		slog.Info("recording cleanup completed", "deleted_files", deleted)
	}
	return deleted
}

// limitFor returns the modification time before which name is deleted.
// Files that are not recordings or spools are never touched.
func (c *Cleanup) limitFor(name string, cutoff, now time.Time) (time.Time, bool) {
	ext := strings.ToLower(filepath.Ext(name))
	switch {
	case recordingExts[ext]:
		return cutoff, true
	case ext == ".f32":
		return now.Add(-spoolAge), true
	default:
		return time.Time{}, false
	}
}
