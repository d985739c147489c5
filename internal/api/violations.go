package api

import (
	"context"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/ParkWatch/internal/violation"
)

const (
	defaultViolationLimit = 100
	maxViolationLimit     = 1000
)

// ViolationLister reads stored violations
type ViolationLister interface {
	List(ctx context.Context, f violation.Filter) ([]violation.Event, error)
}

// ViolationHandler handles violation API requests
type ViolationHandler struct {
	store ViolationLister
}

// NewViolationHandler creates a new violation handler
func NewViolationHandler(store ViolationLister) *ViolationHandler {
	return &ViolationHandler{store: store}
}

// Routes returns the violation routes
func (h *ViolationHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	return r
}

// List returns violations, newest first
func (h *ViolationHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseViolationFilter(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	events, err := h.store.List(r.Context(), f)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	if events == nil {
		events = []violation.Event{}
	}

	JSONWithMeta(w, http.StatusOK, events, &Meta{Total: len(events), Limit: f.Limit})
}

func parseViolationFilter(r *http.Request) (violation.Filter, error) {
	q := r.URL.Query()
	f := violation.Filter{
		CameraID:      q.Get("camera_id"),
		VehicleType:   q.Get("vehicle_type"),
		ViolationType: q.Get("violation_type"),
		Limit:         defaultViolationLimit,
	}

	if s := q.Get("start_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errBadParam("start_time", "RFC3339 timestamp")
		}
		f.StartTime = t
	}
	if s := q.Get("end_time"); s != "" {
		t, err := time.Parse(time.RFC3339, s)
		if err != nil {
			return f, errBadParam("end_time", "RFC3339 timestamp")
		}
		f.EndTime = t
	}
	if !f.StartTime.IsZero() && !f.EndTime.IsZero() && f.EndTime.Before(f.StartTime) {
		return f, errBadParam("end_time", "time not before start_time")
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, errBadParam("limit", "positive integer")
		}
		if n > maxViolationLimit {
			n = maxViolationLimit
		}
		f.Limit = n
	}

	return f, nil
}

type paramError struct {
	name string
	want string
}

func (e paramError) Error() string {
	return "invalid " + e.name + ": expected " + e.want
}

func errBadParam(name, want string) error {
	return paramError{name: name, want: want}
}
