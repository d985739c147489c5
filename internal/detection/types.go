// Package detection is the boundary to the external tracker: the typed
// per-frame results it yields and the detection rows derived from them.
package detection

import (
	"context"
	"errors"
	"time"
)

// ErrEndOfStream is returned by Stream.Next once the source has no more frames
var ErrEndOfStream = errors.New("end of stream")

// BoundingBox is a detection box in pixel coordinates
type BoundingBox struct {
	X      float64 `json:"x"` // Top-left X
	Y      float64 `json:"y"` // Top-left Y
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

// Center returns the center point of the bounding box
func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// TrackedObject is one tracked object in a frame. It is populated once at the
// tracker boundary and never carries tracker-specific payloads past it.
type TrackedObject struct {
	TrackID    int64       `json:"track_id"`
	ClassID    int         `json:"class_id"`
	Confidence float64     `json:"confidence"`
	CenterX    float64     `json:"center_x"`
	CenterY    float64     `json:"center_y"`
	Box        BoundingBox `json:"box"`
}

// TrackedFrame is the tracker output for a single video frame
type TrackedFrame struct {
	Seq       int64           `json:"seq"`
	Timestamp time.Time       `json:"timestamp"`
	Width     int             `json:"width"`
	Height    int             `json:"height"`
	Objects   []TrackedObject `json:"objects"`

	// Annotated holds the rendered frame (boxes and labels drawn) when the
	// tracker ships it along with the results.
	Annotated []byte `json:"-"`
}

// StreamSpec tells the tracker which source to open and how to track it
type StreamSpec struct {
	CameraID       string `json:"camera_id"`
	Source         string `json:"source"`
	Model          string `json:"model"`
	TrackerProfile string `json:"tracker"`
	TargetFPS      int    `json:"target_fps,omitempty"`
	MaxWidth       int    `json:"max_width,omitempty"`
	MaxHeight      int    `json:"max_height,omitempty"`
	JPEGQuality    int    `json:"jpeg_quality,omitempty"`
}

// Tracker opens tracked streams for cameras
type Tracker interface {
	Open(ctx context.Context, spec StreamSpec) (Stream, error)
}

// Stream yields tracked frames for one camera in source order
type Stream interface {
	// Next blocks until the next frame is available. It returns
	// ErrEndOfStream when the source is exhausted and ctx.Err() when ctx
	// is cancelled while waiting.
	Next(ctx context.Context) (*TrackedFrame, error)

	// Annotate renders detection overlays onto the frame image
	Annotate(frame *TrackedFrame) ([]byte, error)

	Close() error
}

// Record is a persisted vehicle sighting, one per track per camera
type Record struct {
	ID          string    `json:"id"`
	CameraID    string    `json:"camera_id"`
	TrackID     int64     `json:"track_id"`
	Timestamp   time.Time `json:"timestamp"`
	VehicleType string    `json:"vehicle_type"`
	LocationX   int       `json:"location_x"`
	LocationY   int       `json:"location_y"`
	VideoPath   string    `json:"video_path,omitempty"`
	IsViolation bool      `json:"is_violation"`
}

// TrackerError is returned when the tracker service rejects a request
type TrackerError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

func (e *TrackerError) Error() string {
	return e.Message
}
