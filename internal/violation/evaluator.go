package violation

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/Spatial-NVR/ParkWatch/internal/detection"
	"github.com/Spatial-NVR/ParkWatch/internal/geofence"
)

// Camera is the slice of camera configuration the evaluator needs
type Camera struct {
	ID    string
	Name  string
	Areas []geofence.Area
}

// Evaluator checks frames against restricted areas and raises violations.
// One evaluator is shared by all camera workers.
type Evaluator struct {
	store    Store
	notifier Notifier
	now      func() time.Time
	logger   *slog.Logger

	mu        sync.Mutex
	lastAlert map[string]time.Time
}

// NewEvaluator creates an evaluator. notifier may be nil.
func NewEvaluator(store Store, notifier Notifier) *Evaluator {
	return &Evaluator{
		store:     store,
		notifier:  notifier,
		now:       time.Now,
		logger:    slog.Default().With("component", "violation_evaluator"),
		lastAlert: make(map[string]time.Time),
	}
}

func dedupKey(cameraID string, trackID int64) string {
	return fmt.Sprintf("%s_%d", cameraID, trackID)
}

// Evaluate runs the geofence over one frame's objects and returns the
// violations that passed deduplication. Each returned event has already been
// persisted (best effort) and pushed to the notifier.
func (e *Evaluator) Evaluate(ctx context.Context, cam Camera, objects []detection.TrackedObject) []Event {
	if len(cam.Areas) == 0 || len(objects) == 0 {
		return nil
	}

	candidates := geofence.Evaluate(objects, cam.Areas)
	if len(candidates) == 0 {
		return nil
	}

	var allowed []Event
	for _, c := range candidates {
		now := e.now()
		if !e.allow(dedupKey(cam.ID, c.TrackID), now) {
			continue
		}

		event := Event{
			CameraID:      cam.ID,
			CameraName:    cam.Name,
			TrackID:       c.TrackID,
			Timestamp:     now,
			VehicleType:   c.VehicleType,
			Location:      Location{X: int(c.Location.X), Y: int(c.Location.Y)},
			ViolationType: TypeParking,
			AreaID:        c.AreaID,
		}

		if err := e.store.Insert(ctx, &event); err != nil {
			e.logger.Error("Failed to store violation", "camera", cam.ID, "track", c.TrackID, "error", err)
		}
		if e.notifier != nil {
			e.notifier.EmitViolation(event)
		}

		e.logger.Info("Parking violation", "camera", cam.ID, "track", c.TrackID, "vehicle", c.VehicleType, "area", c.AreaID)
		allowed = append(allowed, event)
	}

	return allowed
}

// allow records now for key when the previous alert is absent or older than
// the dedup window.
func (e *Evaluator) allow(key string, now time.Time) bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	last, ok := e.lastAlert[key]
	if ok && now.Sub(last) <= DedupWindow {
		return false
	}
	e.lastAlert[key] = now
	return true
}

// Prune drops dedup entries whose last alert is older than maxAge and
// returns how many were removed. Entries are otherwise kept for the life of
// the process.
func (e *Evaluator) Prune(maxAge time.Duration) int {
	cutoff := e.now().Add(-maxAge)

	e.mu.Lock()
	defer e.mu.Unlock()

	removed := 0
	for key, last := range e.lastAlert {
		if last.Before(cutoff) {
			delete(e.lastAlert, key)
			removed++
		}
	}
	return removed
}

// Tracked returns the number of dedup entries currently held
func (e *Evaluator) Tracked() int {
	e.mu.Lock()
	defer e.mu.Unlock()
	return len(e.lastAlert)
}
