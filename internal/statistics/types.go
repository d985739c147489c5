// Package statistics rolls detection rows up into per-day traffic summaries
package statistics

import (
	"context"
	"errors"
	"time"

	"github.com/Spatial-NVR/ParkWatch/internal/detection"
)

// DateLayout is the storage and API format of a statistics date
const DateLayout = "2006-01-02"

// ErrNotFound is returned when no statistics row exists for a date
var ErrNotFound = errors.New("statistics not found")

// HourCount is the number of vehicles seen during one hour of the day
type HourCount struct {
	Hour  int `json:"hour"`
	Count int `json:"count"`
}

// DailyStatistics summarises one day of vehicle sightings
type DailyStatistics struct {
	ID                  string         `json:"id"`
	Date                string         `json:"date"`
	TotalCount          int            `json:"total_count"`
	ViolationCount      int            `json:"violation_count"`
	HourlyCounts        [24]int        `json:"hourly_counts"`
	HourlyFlow          []HourCount    `json:"hourly_flow"`
	VehicleDistribution map[string]int `json:"vehicle_distribution"`
	PeakHours           []HourCount    `json:"peak_hours"`
	AverageHourly       float64        `json:"average_hourly"`
	UpdatedAt           time.Time      `json:"updated_at"`
}

// Summary merges a range of daily rows
type Summary struct {
	TotalCount          int            `json:"total_count"`
	VehicleDistribution map[string]int `json:"vehicle_distribution"`
	DaysCount           int            `json:"days_count"`
	StartDate           string         `json:"start_date,omitempty"`
	EndDate             string         `json:"end_date,omitempty"`
}

// Query range types
const (
	RangeYear  = "year"
	RangeMonth = "month"
	RangeWeek  = "week"
)

// DetectionSource reads sightings in [from, to). An empty camera id matches
// every camera.
type DetectionSource interface {
	Query(ctx context.Context, cameraID string, from, to time.Time) ([]detection.Record, error)
}

// Store persists daily rows
type Store interface {
	Upsert(ctx context.Context, stats *DailyStatistics) error
	Get(ctx context.Context, date string) (*DailyStatistics, error)
	Range(ctx context.Context, from, to string) ([]DailyStatistics, error)
}

// Notifier receives freshly computed statistics. Implementations must not block.
type Notifier interface {
	EmitStatistics(stats DailyStatistics)
}
