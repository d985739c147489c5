// Package violation turns geofence hits into deduplicated no-parking
// violations, persists them and pushes them to listeners.
package violation

import (
	"context"
	"time"
)

// TypeParking is the only violation type raised today
const TypeParking = "parking"

// DedupWindow is how long repeat hits for the same camera and track stay silent
const DedupWindow = 60 * time.Second

// Location is the vehicle center in whole pixels
type Location struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Event is a persisted violation
type Event struct {
	ID            string    `json:"id"`
	CameraID      string    `json:"camera_id"`
	CameraName    string    `json:"camera_name"`
	TrackID       int64     `json:"track_id"`
	Timestamp     time.Time `json:"timestamp"`
	VehicleType   string    `json:"vehicle_type"`
	Location      Location  `json:"location"`
	ViolationType string    `json:"violation_type"`
	AreaID        string    `json:"area_id"`
}

// Filter narrows List results. Zero values are ignored.
type Filter struct {
	CameraID      string
	StartTime     time.Time // inclusive
	EndTime       time.Time // inclusive
	VehicleType   string
	ViolationType string
	Limit         int
}

// Store persists violation events
type Store interface {
	Insert(ctx context.Context, event *Event) error
}

// Notifier receives allowed violations. Implementations must not block.
type Notifier interface {
	EmitViolation(event Event)
}
