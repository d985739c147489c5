// Package recording writes annotated camera output into hourly segment
// files and reclaims them once they fall out of the retention window.
package recording

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when no segment matches a lookup
var ErrNotFound = errors.New("segment not found")

// DefaultExtension is used when a camera does not configure one. Frames are
// concatenated JPEGs, which players read as Motion JPEG.
const DefaultExtension = "mjpeg"

// Segment is one camera-hour of recorded output
type Segment struct {
	ID         string    `json:"id"`
	CameraID   string    `json:"camera_id"`
	HourBucket time.Time `json:"hour_bucket"`
	FilePath   string    `json:"file_path"`
	CreatedAt  time.Time `json:"created_at"`
}

// SegmentStore records segment rotations and their removal
type SegmentStore interface {
	InsertSegment(ctx context.Context, cameraID string, bucket time.Time, path string) error
	DeleteSegment(ctx context.Context, cameraID string, path string) error
}

// SweepStats summarises one retention pass
type SweepStats struct {
	FilesScanned   int   `json:"files_scanned"`
	FilesDeleted   int   `json:"files_deleted"`
	RecordsDeleted int   `json:"records_deleted"`
	BytesFreed     int64 `json:"bytes_freed"`
	Skipped        int   `json:"skipped"`
	Failures       int   `json:"failures"`
}
