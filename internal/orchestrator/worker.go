package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/Spatial-NVR/ParkWatch/internal/config"
	"github.com/Spatial-NVR/ParkWatch/internal/detection"
	"github.com/Spatial-NVR/ParkWatch/internal/geofence"
	"github.com/Spatial-NVR/ParkWatch/internal/recording"
	"github.com/Spatial-NVR/ParkWatch/internal/violation"
)

// worker drives the tracked-frame loop for one camera. All of its state is
// private to the goroutine running it.
type worker struct {
	cfg        config.CameraConfig
	cam        violation.Camera
	tracker    detection.Tracker
	evaluator  FrameEvaluator
	detections DetectionStore
	writer     *recording.SegmentWriter
	interval   time.Duration
	now        func() time.Time
	update     func(func(*CameraStatus))
	logger     *slog.Logger

	// track id -> detection row already flagged as a violation
	seen    map[int64]bool
	started time.Time
	last    time.Time
}

func newWorker(cfg config.CameraConfig, opts Options, update func(func(*CameraStatus))) *worker {
	return &worker{
		cfg: cfg,
		cam: violation.Camera{
			ID:    cfg.ID,
			Name:  cfg.Name,
			Areas: cfg.Areas(),
		},
		tracker:    opts.Tracker,
		evaluator:  opts.Evaluator,
		detections: opts.Detections,
		writer: recording.NewSegmentWriter(recording.WriterConfig{
			CameraID:  cfg.ID,
			OutputDir: cfg.OutputDir,
			Extension: cfg.SegmentExt,
			Open:      opts.OpenSink,
			Now:       opts.Now,
		}, opts.Segments),
		interval: time.Second / time.Duration(cfg.TargetFPS),
		now:      opts.Now,
		update:   update,
		logger:   slog.Default().With("component", "camera_worker", "camera", cfg.ID),
		seen:     make(map[int64]bool),
		started:  opts.Now(),
	}
}

// run returns nil or ctx.Err() when cancelled, ErrStreamEnded when the
// tracker runs dry, and any other error when the stream fails.
func (w *worker) run(ctx context.Context) error {
	// Always release the segment file, whichever way the loop ends
	defer func() {
		if err := w.writer.Close(); err != nil {
			w.logger.Error("Failed to close segment", "error", err)
		}
	}()

	stream, err := w.tracker.Open(ctx, detection.StreamSpec{
		CameraID:       w.cfg.ID,
		Source:         w.cfg.SourceURL(),
		Model:          w.cfg.Model,
		TrackerProfile: w.cfg.TrackerProfile,
		TargetFPS:      w.cfg.TargetFPS,
		MaxWidth:       w.cfg.Stream.MaxWidth,
		MaxHeight:      w.cfg.Stream.MaxHeight,
		JPEGQuality:    w.cfg.Stream.JPEGQuality,
	})
	if err != nil {
		if ctx.Err() != nil {
			return ctx.Err()
		}
		return fmt.Errorf("failed to open tracker stream: %w", err)
	}
	defer func() {
		if err := stream.Close(); err != nil {
			w.logger.Warn("Failed to close tracker stream", "error", err)
		}
	}()

	w.logger.Info("Camera worker started", "areas", len(w.cam.Areas), "target_fps", w.cfg.TargetFPS)

	running := false
	for {
		frame, err := stream.Next(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			if errors.Is(err, detection.ErrEndOfStream) {
				return ErrStreamEnded
			}
			return fmt.Errorf("failed to read tracked frame: %w", err)
		}

		if !running {
			running = true
			w.update(func(s *CameraStatus) { s.Status = StatusRunning })
		}

		if err := w.pace(ctx); err != nil {
			return err
		}

		w.process(ctx, stream, frame)
	}
}

// pace holds the loop to at most TargetFPS frames per second. A slow
// tracker is never sped up.
func (w *worker) pace(ctx context.Context) error {
	if !w.last.IsZero() {
		if wait := w.interval - time.Since(w.last); wait > 0 {
			timer := time.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return ctx.Err()
			case <-timer.C:
			}
		}
	}
	w.last = time.Now()
	return nil
}

func (w *worker) process(ctx context.Context, stream detection.Stream, frame *detection.TrackedFrame) {
	if len(frame.Objects) == 0 {
		w.update(func(s *CameraStatus) { s.Frames++ })
		return
	}

	events := w.evaluator.Evaluate(ctx, w.cam, frame.Objects)

	annotated, err := stream.Annotate(frame)
	if err != nil {
		w.logger.Warn("Failed to annotate frame", "seq", frame.Seq, "error", err)
	} else if err := w.writer.WriteFrame(ctx, annotated); err != nil {
		w.logger.Error("Failed to write frame", "seq", frame.Seq, "error", err)
	}

	w.recordSightings(ctx, frame.Objects, events)

	segment := w.writer.CurrentPath()
	w.update(func(s *CameraStatus) {
		s.Frames++
		s.Violations += int64(len(events))
		s.Segment = segment
	})
}

// recordSightings stores one detection row per vehicle track, the first
// time the track is seen by this worker. A track that raises its first
// violation on a later frame has its row flagged then.
func (w *worker) recordSightings(ctx context.Context, objects []detection.TrackedObject, events []violation.Event) {
	if w.detections == nil {
		return
	}

	violating := make(map[int64]bool, len(events))
	for _, ev := range events {
		violating[ev.TrackID] = true
	}

	for _, obj := range objects {
		vehicle, ok := geofence.VehicleType(obj.ClassID)
		if !ok {
			continue
		}

		flagged, known := w.seen[obj.TrackID]
		if known {
			if violating[obj.TrackID] && !flagged {
				w.markViolation(ctx, obj.TrackID)
			}
			continue
		}
		w.seen[obj.TrackID] = violating[obj.TrackID]

		rec := &detection.Record{
			CameraID:    w.cfg.ID,
			TrackID:     obj.TrackID,
			Timestamp:   w.now(),
			VehicleType: vehicle,
			LocationX:   int(obj.CenterX),
			LocationY:   int(obj.CenterY),
			VideoPath:   w.writer.CurrentPath(),
			IsViolation: violating[obj.TrackID],
		}
		if err := w.detections.Insert(ctx, rec); err != nil {
			w.logger.Error("Failed to store detection", "track", obj.TrackID, "error", err)
		}
	}
}

func (w *worker) markViolation(ctx context.Context, trackID int64) {
	if _, err := w.detections.MarkViolation(ctx, w.cfg.ID, trackID, w.started); err != nil {
		w.logger.Error("Failed to flag detection", "track", trackID, "error", err)
		return
	}
	w.seen[trackID] = true
}
