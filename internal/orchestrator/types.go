// Package orchestrator runs one processing worker and one retention sweeper
// per active camera and keeps the registry of their states.
package orchestrator

import (
	"context"
	"errors"
	"time"

	"github.com/Spatial-NVR/ParkWatch/internal/detection"
	"github.com/Spatial-NVR/ParkWatch/internal/violation"
)

// Status represents a camera worker state
type Status string

const (
	StatusStarting Status = "starting"
	StatusRunning  Status = "running"
	StatusStopped  Status = "stopped"
	StatusError    Status = "error"
)

// Terminal reports whether the worker has finished
func (s Status) Terminal() bool {
	return s == StatusStopped || s == StatusError
}

var (
	// ErrNotRunning is returned by Stop for cameras without an active worker
	ErrNotRunning = errors.New("camera is not being processed")
	// ErrStreamEnded marks a worker that exited because the tracker ran out of frames
	ErrStreamEnded = errors.New("tracker stream ended")
	// ErrShuttingDown is returned by Start once Shutdown has begun
	ErrShuttingDown = errors.New("orchestrator is shutting down")
)

// CameraStatus is a point-in-time view of one camera worker
type CameraStatus struct {
	CameraID      string    `json:"camera_id"`
	Name          string    `json:"name"`
	Status        Status    `json:"status"`
	Error         string    `json:"error,omitempty"`
	RetentionDays int       `json:"retention_days"`
	Frames        int64     `json:"frames"`
	Violations    int64     `json:"violations"`
	Segment       string    `json:"segment,omitempty"`
	StartedAt     time.Time `json:"started_at"`
	UpdatedAt     time.Time `json:"updated_at"`
}

// StartResult is the outcome of a Start call. A duplicate start is reported
// here with Success false rather than as an error.
type StartResult struct {
	Success       bool   `json:"success"`
	Status        string `json:"status,omitempty"`
	CameraID      string `json:"camera_id,omitempty"`
	RetentionDays int    `json:"retention_days,omitempty"`
	Message       string `json:"message,omitempty"`
}

// FrameEvaluator checks one frame for violations
type FrameEvaluator interface {
	Evaluate(ctx context.Context, cam violation.Camera, objects []detection.TrackedObject) []violation.Event
}

// DetectionStore persists per-track vehicle sightings
type DetectionStore interface {
	Insert(ctx context.Context, rec *detection.Record) error
	MarkViolation(ctx context.Context, cameraID string, trackID int64, since time.Time) (int64, error)
}

// StatusNotifier receives every worker status transition
type StatusNotifier interface {
	EmitCameraStatus(status CameraStatus)
}
