package api

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/ParkWatch/internal/statistics"
)

// StatisticsService is the aggregator surface the statistics routes use
type StatisticsService interface {
	Location() *time.Location
	Daily(ctx context.Context, date string) (*statistics.DailyStatistics, error)
	Query(ctx context.Context, rangeType, value string) ([]statistics.DailyStatistics, error)
	Summary(ctx context.Context, startDate, endDate string) (*statistics.Summary, error)
	ComputeDaily(ctx context.Context, day time.Time) (*statistics.DailyStatistics, error)
}

// StatisticsHandler handles traffic statistics API requests
type StatisticsHandler struct {
	stats  StatisticsService
	now    func() time.Time
	logger *slog.Logger
}

// NewStatisticsHandler creates a new statistics handler
func NewStatisticsHandler(stats StatisticsService) *StatisticsHandler {
	return &StatisticsHandler{
		stats:  stats,
		now:    time.Now,
		logger: slog.Default().With("component", "api.statistics"),
	}
}

// Routes returns the statistics routes
func (h *StatisticsHandler) Routes() chi.Router {
	r := chi.NewRouter()

	r.Get("/daily", h.Daily)
	r.Post("/query", h.Query)
	r.Get("/summary", h.Summary)
	r.Post("/compute", h.Compute)

	return r
}

// StatisticsQueryRequest selects stored daily rows by calendar range
type StatisticsQueryRequest struct {
	Type  string `json:"type" validate:"required,oneof=year month week"`
	Range string `json:"range" validate:"required"`
}

// ComputeRequest names the day to recompute
type ComputeRequest struct {
	Date string `json:"date" validate:"required,datetime=2006-01-02"`
}

// Daily returns one day's statistics. The date defaults to today.
func (h *StatisticsHandler) Daily(w http.ResponseWriter, r *http.Request) {
	date := r.URL.Query().Get("date")
	if date == "" {
		date = h.now().In(h.stats.Location()).Format(statistics.DateLayout)
	} else if _, err := time.Parse(statistics.DateLayout, date); err != nil {
		BadRequest(w, "Invalid date format, expected YYYY-MM-DD")
		return
	}

	stats, err := h.stats.Daily(r.Context(), date)
	if err != nil {
		if errors.Is(err, statistics.ErrNotFound) {
			NotFound(w, "No statistics data found")
			return
		}
		InternalError(w, err.Error())
		return
	}
	OK(w, stats)
}

// Query returns the stored rows in a year, month or week
func (h *StatisticsHandler) Query(w http.ResponseWriter, r *http.Request) {
	var req StatisticsQueryRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}
	if _, _, err := statistics.RangeBounds(req.Type, req.Range, h.stats.Location()); err != nil {
		BadRequest(w, err.Error())
		return
	}

	rows, err := h.stats.Query(r.Context(), req.Type, req.Range)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	JSONWithMeta(w, http.StatusOK, rows, &Meta{Total: len(rows)})
}

// Summary totals stored rows between optional inclusive dates
func (h *StatisticsHandler) Summary(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	start, end := q.Get("start_date"), q.Get("end_date")
	for _, d := range []string{start, end} {
		if d == "" {
			continue
		}
		if _, err := time.Parse(statistics.DateLayout, d); err != nil {
			BadRequest(w, "Invalid date format, expected YYYY-MM-DD")
			return
		}
	}

	sum, err := h.stats.Summary(r.Context(), start, end)
	if err != nil {
		InternalError(w, err.Error())
		return
	}
	OK(w, sum)
}

// Compute recomputes and stores one day's statistics
func (h *StatisticsHandler) Compute(w http.ResponseWriter, r *http.Request) {
	var req ComputeRequest
	if err := decodeAndValidate(r, &req); err != nil {
		writeRequestError(w, err)
		return
	}

	day, err := time.ParseInLocation(statistics.DateLayout, req.Date, h.stats.Location())
	if err != nil {
		BadRequest(w, "Invalid date format, expected YYYY-MM-DD")
		return
	}

	stats, err := h.stats.ComputeDaily(r.Context(), day)
	if err != nil {
		h.logger.Error("Failed to compute statistics", "date", req.Date, "error", err)
		InternalError(w, err.Error())
		return
	}
	if stats == nil {
		NotFound(w, "No detections recorded for this date")
		return
	}
	OK(w, stats)
}
