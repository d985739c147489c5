package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Spatial-NVR/ParkWatch/internal/config"
	"github.com/Spatial-NVR/ParkWatch/internal/detection"
	"github.com/Spatial-NVR/ParkWatch/internal/recording"
)

// Options wires the orchestrator to its collaborators
type Options struct {
	Tracker    detection.Tracker
	Evaluator  FrameEvaluator
	Segments   recording.SegmentStore
	Detections DetectionStore
	Notifier   StatusNotifier // optional

	SweepInterval time.Duration
	RetryInterval time.Duration

	// OpenSink defaults to recording.OpenMJPEGFile
	OpenSink recording.SinkOpener
	// Now defaults to time.Now
	Now func() time.Time
}

type entry struct {
	status CameraStatus
	cancel context.CancelFunc
	done   chan struct{}
}

// Orchestrator owns the camera registry. At most one worker runs per camera
// id; the entry is removed when that worker has fully exited.
type Orchestrator struct {
	opts   Options
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu       sync.RWMutex
	active   map[string]*entry
	finished map[string]CameraStatus
	closed   bool
}

// New creates an orchestrator
func New(opts Options) *Orchestrator {
	if opts.Now == nil {
		opts.Now = time.Now
	}
	if opts.OpenSink == nil {
		opts.OpenSink = recording.OpenMJPEGFile
	}

	ctx, cancel := context.WithCancel(context.Background())
	return &Orchestrator{
		opts:     opts,
		logger:   slog.Default().With("component", "orchestrator"),
		ctx:      ctx,
		cancel:   cancel,
		active:   make(map[string]*entry),
		finished: make(map[string]CameraStatus),
	}
}

// Start registers the camera and spawns its worker and retention sweeper.
// Invalid configuration is returned as config.ValidationErrors before
// anything is spawned. Start never waits for the first frame.
func (o *Orchestrator) Start(cfg config.CameraConfig) (StartResult, error) {
	cfg.ApplyDefaults()
	if errs := cfg.Validate(); errs.HasErrors() {
		return StartResult{}, errs
	}

	o.mu.Lock()
	if o.closed {
		o.mu.Unlock()
		return StartResult{}, ErrShuttingDown
	}
	if _, exists := o.active[cfg.ID]; exists {
		o.mu.Unlock()
		o.logger.Info("Camera already being processed", "camera", cfg.ID)
		return StartResult{Success: false, Message: "camera already being processed"}, nil
	}

	runCtx, cancel := context.WithCancel(o.ctx)
	now := o.opts.Now()
	e := &entry{
		status: CameraStatus{
			CameraID:      cfg.ID,
			Name:          cfg.Name,
			Status:        StatusStarting,
			RetentionDays: cfg.RetentionDays,
			StartedAt:     now,
			UpdatedAt:     now,
		},
		cancel: cancel,
		done:   make(chan struct{}),
	}
	o.active[cfg.ID] = e
	delete(o.finished, cfg.ID)
	snapshot := e.status
	o.wg.Add(1)
	o.mu.Unlock()

	o.emit(snapshot)
	go o.run(runCtx, cancel, cfg, e)

	o.logger.Info("Started camera", "camera", cfg.ID, "retention_days", cfg.RetentionDays, "target_fps", cfg.TargetFPS)

	return StartResult{
		Success:       true,
		Status:        "started",
		CameraID:      cfg.ID,
		RetentionDays: cfg.RetentionDays,
	}, nil
}

// run supervises one camera. The worker and sweeper share ctx; whichever way
// the worker exits, the sweeper is stopped with it.
func (o *Orchestrator) run(ctx context.Context, cancel context.CancelFunc, cfg config.CameraConfig, e *entry) {
	defer o.wg.Done()
	defer close(e.done)

	w := newWorker(cfg, o.opts, func(fn func(*CameraStatus)) { o.update(e, fn) })
	sweeper := recording.NewSweeper(recording.SweeperConfig{
		CameraID:      cfg.ID,
		OutputDir:     cfg.OutputDir,
		RetentionDays: cfg.RetentionDays,
		Interval:      o.opts.SweepInterval,
		RetryInterval: o.opts.RetryInterval,
		Now:           o.opts.Now,
	}, o.opts.Segments)

	var g errgroup.Group
	var workerErr error
	g.Go(func() error {
		defer cancel()
		workerErr = w.run(ctx)
		return nil
	})
	g.Go(func() error {
		sweeper.Run(ctx)
		return nil
	})
	_ = g.Wait()

	final := StatusStopped
	msg := ""
	if workerErr != nil && !errors.Is(workerErr, context.Canceled) {
		final = StatusError
		msg = workerErr.Error()
		o.logger.Error("Camera worker failed", "camera", cfg.ID, "error", workerErr)
	} else {
		o.logger.Info("Camera worker stopped", "camera", cfg.ID)
	}

	o.mu.Lock()
	e.status.Status = final
	e.status.Error = msg
	e.status.UpdatedAt = o.opts.Now()
	snapshot := e.status
	if o.active[cfg.ID] == e {
		delete(o.active, cfg.ID)
	}
	o.finished[cfg.ID] = snapshot
	o.mu.Unlock()

	o.emit(snapshot)
}

// Stop cancels the camera's worker and sweeper. It returns once the signal
// is sent; the entry disappears when both have exited.
func (o *Orchestrator) Stop(cameraID string) error {
	o.mu.RLock()
	e, ok := o.active[cameraID]
	o.mu.RUnlock()
	if !ok {
		return ErrNotRunning
	}

	o.logger.Info("Stopping camera", "camera", cameraID)
	e.cancel()
	return nil
}

// Wait blocks until the camera's worker has exited or ctx is done. Unknown
// cameras return immediately.
func (o *Orchestrator) Wait(ctx context.Context, cameraID string) error {
	o.mu.RLock()
	e, ok := o.active[cameraID]
	o.mu.RUnlock()
	if !ok {
		return nil
	}

	select {
	case <-e.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// StatusAll returns a snapshot of every known camera. Active workers are
// reported with their live state; cameras whose worker has exited keep
// their terminal state until started again.
func (o *Orchestrator) StatusAll() map[string]CameraStatus {
	o.mu.RLock()
	defer o.mu.RUnlock()

	out := make(map[string]CameraStatus, len(o.active)+len(o.finished))
	for id, st := range o.finished {
		out[id] = st
	}
	for id, e := range o.active {
		out[id] = e.status
	}
	return out
}

// Status returns one camera's state
func (o *Orchestrator) Status(cameraID string) (CameraStatus, bool) {
	o.mu.RLock()
	defer o.mu.RUnlock()

	if e, ok := o.active[cameraID]; ok {
		return e.status, true
	}
	st, ok := o.finished[cameraID]
	return st, ok
}

// isActive reports whether a worker is registered for the camera
func (o *Orchestrator) isActive(cameraID string) bool {
	o.mu.RLock()
	defer o.mu.RUnlock()
	_, ok := o.active[cameraID]
	return ok
}

// Shutdown cancels every camera and waits for them to exit or ctx to expire
func (o *Orchestrator) Shutdown(ctx context.Context) error {
	o.mu.Lock()
	o.closed = true
	count := len(o.active)
	o.mu.Unlock()

	o.logger.Info("Shutting down orchestrator", "active_cameras", count)
	o.cancel()

	done := make(chan struct{})
	go func() {
		o.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("failed to stop camera workers: %w", ctx.Err())
	}
}

// update mutates the live status of an active camera and emits the result
// when the state itself changed
func (o *Orchestrator) update(e *entry, fn func(*CameraStatus)) {
	o.mu.Lock()
	before := e.status.Status
	fn(&e.status)
	e.status.UpdatedAt = o.opts.Now()
	snapshot := e.status
	o.mu.Unlock()

	if snapshot.Status != before {
		o.emit(snapshot)
	}
}

func (o *Orchestrator) emit(status CameraStatus) {
	if o.opts.Notifier != nil {
		o.opts.Notifier.EmitCameraStatus(status)
	}
}
