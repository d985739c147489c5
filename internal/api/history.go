package api

import (
	"context"
	"errors"
	"net/http"
	"os"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/ParkWatch/internal/config"
	"github.com/Spatial-NVR/ParkWatch/internal/recording"
)

// SegmentFinder looks up recorded segments
type SegmentFinder interface {
	FindByHour(ctx context.Context, cameraID string, hour time.Time) (*recording.Segment, error)
	List(ctx context.Context, cameraID string, from, to time.Time) ([]recording.Segment, error)
}

// HistoryHandler handles recorded video lookups
type HistoryHandler struct {
	segments SegmentFinder
	loc      *time.Location
}

// NewHistoryHandler creates a new history handler. Requested hours are
// interpreted as wall-clock time in loc.
func NewHistoryHandler(segments SegmentFinder, loc *time.Location) *HistoryHandler {
	if loc == nil {
		loc = time.Local
	}
	return &HistoryHandler{segments: segments, loc: loc}
}

// Routes returns the history routes
func (h *HistoryHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Post("/query", h.Query)
	r.Get("/{camera}/segments", h.Segments)
	return r
}

// HistoryQueryRequest names a camera and a wall-clock hour
type HistoryQueryRequest struct {
	Year     int    `json:"year" validate:"required,min=1970,max=9999"`
	Month    int    `json:"month" validate:"required,min=1,max=12"`
	Day      int    `json:"day" validate:"required,min=1,max=31"`
	Hour     *int   `json:"hour" validate:"required,min=0,max=23"`
	CameraID string `json:"camera_id" validate:"required"`
}

// HistoryQueryResponse points at the segment covering the requested hour
type HistoryQueryResponse struct {
	Message  string `json:"message"`
	VideoURL string `json:"video_url"`
}

// Query returns the segment path for a camera hour
func (h *HistoryHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req HistoryQueryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	hour := time.Date(req.Year, time.Month(req.Month), req.Day, *req.Hour, 0, 0, 0, h.loc)
	if hour.Day() != req.Day || int(hour.Month()) != req.Month {
		BadRequest(w, "Invalid calendar date")
		return
	}

	seg, err := h.segments.FindByHour(r.Context(), req.CameraID, hour)
	if err != nil {
		if errors.Is(err, recording.ErrNotFound) {
			NotFound(w, "No video found for the specified time and camera")
			return
		}
		InternalError(w, err.Error())
		return
	}

	// The row can outlive its file if a sweep was interrupted
	if _, err := os.Stat(seg.FilePath); err != nil {
		NotFound(w, "No video found for the specified time and camera")
		return
	}

	OK(w, HistoryQueryResponse{
		Message:  "Query successful",
		VideoURL: seg.FilePath,
	})
}

// Segments lists a camera's recorded hours for ?date=YYYY-MM-DD, today when
// the date is omitted
func (h *HistoryHandler) Segments(w http.ResponseWriter, r *http.Request) {
	cameraID := chi.URLParam(r, "camera")
	if err := config.ValidateCameraID(cameraID); err != nil {
		BadRequest(w, err.Error())
		return
	}

	var day time.Time
	if date := r.URL.Query().Get("date"); date != "" {
		parsed, err := time.ParseInLocation("2006-01-02", date, h.loc)
		if err != nil {
			BadRequest(w, "Invalid date, expected YYYY-MM-DD")
			return
		}
		day = parsed
	} else {
		now := time.Now().In(h.loc)
		day = time.Date(now.Year(), now.Month(), now.Day(), 0, 0, 0, 0, h.loc)
	}

	segments, err := h.segments.List(r.Context(), cameraID, day, day.AddDate(0, 0, 1))
	if err != nil {
		InternalError(w, err.Error())
		return
	}

	JSONWithMeta(w, http.StatusOK, segments, &Meta{Total: len(segments)})
}
