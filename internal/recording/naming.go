package recording

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"
)

// HourBucket truncates t to the start of its wall-clock hour in t's zone
func HourBucket(t time.Time) time.Time {
	return time.Date(t.Year(), t.Month(), t.Day(), t.Hour(), 0, 0, 0, t.Location())
}

// SegmentFileName returns camera_{id}_{YYYYMMDD}_{HH}.{ext} for the hour containing t
func SegmentFileName(cameraID string, t time.Time, ext string) string {
	if ext == "" {
		ext = DefaultExtension
	}
	return fmt.Sprintf("camera_%s_%s.%s", cameraID, t.Format("20060102_15"), strings.TrimPrefix(ext, "."))
}

func segmentPrefix(cameraID string) string {
	return "camera_" + cameraID + "_"
}

// SegmentPath joins the output directory and the segment file name
func SegmentPath(dir, cameraID string, t time.Time, ext string) string {
	return filepath.Join(dir, SegmentFileName(cameraID, t, ext))
}

// ParseSegmentName extracts the hour bucket from a segment file name that
// belongs to cameraID. The result is in loc.
func ParseSegmentName(name, cameraID string, loc *time.Location) (time.Time, error) {
	prefix := segmentPrefix(cameraID)
	if !strings.HasPrefix(name, prefix) {
		return time.Time{}, fmt.Errorf("not a segment of camera %s: %s", cameraID, name)
	}

	rest := strings.TrimPrefix(name, prefix)
	dot := strings.IndexByte(rest, '.')
	if dot < 0 || dot == len(rest)-1 {
		return time.Time{}, fmt.Errorf("missing extension: %s", name)
	}

	stamp := rest[:dot]
	if len(stamp) != len("20060102_15") {
		return time.Time{}, fmt.Errorf("malformed timestamp in %s", name)
	}

	t, err := time.ParseInLocation("20060102_15", stamp, loc)
	if err != nil {
		return time.Time{}, fmt.Errorf("malformed timestamp in %s: %w", name, err)
	}
	return t, nil
}
