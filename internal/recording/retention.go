package recording

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// Default sweep cadence
const (
	DefaultRetentionDays = 30
	DefaultSweepInterval = 24 * time.Hour
	DefaultRetryInterval = time.Hour
)

// SweeperConfig holds per-camera retention settings
type SweeperConfig struct {
	CameraID      string
	OutputDir     string
	RetentionDays int
	Interval      time.Duration
	RetryInterval time.Duration

	// Now defaults to time.Now
	Now func() time.Time
}

// Sweeper deletes a camera's segment files, and their records, once their
// embedded date falls before the retention cutoff.
type Sweeper struct {
	cameraID      string
	dir           string
	retentionDays int
	interval      time.Duration
	retryInterval time.Duration
	store         SegmentStore
	now           func() time.Time
	logger        *slog.Logger
}

// NewSweeper creates a sweeper for one camera
func NewSweeper(cfg SweeperConfig, store SegmentStore) *Sweeper {
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = DefaultRetentionDays
	}
	if cfg.Interval <= 0 {
		cfg.Interval = DefaultSweepInterval
	}
	if cfg.RetryInterval <= 0 {
		cfg.RetryInterval = DefaultRetryInterval
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &Sweeper{
		cameraID:      cfg.CameraID,
		dir:           cfg.OutputDir,
		retentionDays: cfg.RetentionDays,
		interval:      cfg.Interval,
		retryInterval: cfg.RetryInterval,
		store:         store,
		now:           cfg.Now,
		logger:        slog.Default().With("component", "retention", "camera", cfg.CameraID),
	}
}

// Run sweeps immediately and then once per interval until ctx is done. A
// failed pass is retried after the shorter retry interval. A pass already
// in progress is allowed to finish.
func (s *Sweeper) Run(ctx context.Context) {
	s.logger.Info("Retention sweeper started", "days", s.retentionDays, "interval", s.interval)

	for {
		wait := s.interval
		if _, err := s.Sweep(ctx); err != nil {
			s.logger.Error("Retention sweep failed", "error", err, "retry_in", s.retryInterval)
			wait = s.retryInterval
		}

		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			s.logger.Info("Retention sweeper stopped")
			return
		case <-timer.C:
		}
	}
}

// Cutoff returns the first date that is still retained
func (s *Sweeper) Cutoff() time.Time {
	now := s.now()
	today := time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, now.Location())
	return today.AddDate(0, 0, -s.retentionDays)
}

// Sweep runs a single retention pass. Only a failure to list the output
// directory is returned; per-file problems are logged and counted.
func (s *Sweeper) Sweep(ctx context.Context) (*SweepStats, error) {
	stats := &SweepStats{}

	entries, err := os.ReadDir(s.dir)
	if err != nil {
		if os.IsNotExist(err) {
			return stats, nil
		}
		return stats, fmt.Errorf("failed to list %s: %w", s.dir, err)
	}

	cutoff := s.Cutoff()

	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}

		name := entry.Name()
		if !strings.HasPrefix(name, segmentPrefix(s.cameraID)) {
			continue
		}
		bucket, err := ParseSegmentName(name, s.cameraID, cutoff.Location())
		if err != nil {
			s.logger.Warn("Skipping unparseable segment name", "path", filepath.Join(s.dir, name), "error", err)
			stats.Skipped++
			continue
		}
		stats.FilesScanned++

		day := time.Date(bucket.Year(), bucket.Month(), bucket.Day(), 0, 0, 0, 0, bucket.Location())
		if !day.Before(cutoff) {
			continue
		}

		s.deleteSegment(ctx, filepath.Join(s.dir, name), stats)
	}

	if stats.FilesDeleted > 0 || stats.Failures > 0 || stats.Skipped > 0 {
		s.logger.Info("Retention sweep completed",
			"scanned", stats.FilesScanned,
			"files_deleted", stats.FilesDeleted,
			"records_deleted", stats.RecordsDeleted,
			"bytes_freed", stats.BytesFreed,
			"skipped", stats.Skipped,
			"failures", stats.Failures,
		)
	}

	return stats, nil
}

// deleteSegment removes the file and its record. The two deletes are
// attempted independently.
func (s *Sweeper) deleteSegment(ctx context.Context, path string, stats *SweepStats) {
	var size int64
	if info, err := os.Stat(path); err == nil {
		size = info.Size()
	}

	if err := os.Remove(path); err != nil && !os.IsNotExist(err) {
		s.logger.Error("Failed to delete segment file", "path", path, "error", err)
		stats.Failures++
	} else {
		stats.FilesDeleted++
		stats.BytesFreed += size
	}

	if s.store == nil {
		return
	}
	if err := s.store.DeleteSegment(ctx, s.cameraID, path); err != nil {
		s.logger.Error("Failed to delete segment record", "path", path, "error", err)
		stats.Failures++
		return
	}
	stats.RecordsDeleted++
}
