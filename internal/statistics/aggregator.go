package statistics

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// Aggregator computes and stores daily statistics
type Aggregator struct {
	source   DetectionSource
	store    Store
	notifier Notifier
	loc      *time.Location
	now      func() time.Time
	logger   *slog.Logger
}

// NewAggregator creates an aggregator. Days are bounded in loc; nil means
// time.Local. notifier may be nil.
func NewAggregator(source DetectionSource, store Store, notifier Notifier, loc *time.Location) *Aggregator {
	if loc == nil {
		loc = time.Local
	}
	return &Aggregator{
		source:   source,
		store:    store,
		notifier: notifier,
		loc:      loc,
		now:      time.Now,
		logger:   slog.Default().With("component", "statistics"),
	}
}

// Location returns the zone days are computed in
func (a *Aggregator) Location() *time.Location {
	return a.loc
}

// ComputeDaily rolls up every detection on the given day. It returns nil
// without error when the day has no detections; otherwise the row is
// stored, replacing any earlier one, and pushed to the notifier.
func (a *Aggregator) ComputeDaily(ctx context.Context, day time.Time) (*DailyStatistics, error) {
	day = day.In(a.loc)
	start := time.Date(day.Year(), day.Month(), day.Day(), 0, 0, 0, 0, a.loc)
	end := start.AddDate(0, 0, 1)

	records, err := a.source.Query(ctx, "", start, end)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	if len(records) == 0 {
		a.logger.Debug("No detections for day", "date", start.Format(DateLayout))
		return nil, nil
	}

	stats := &DailyStatistics{
		Date:                start.Format(DateLayout),
		TotalCount:          len(records),
		VehicleDistribution: make(map[string]int),
		HourlyFlow:          []HourCount{},
		PeakHours:           []HourCount{},
		UpdatedAt:           a.now(),
	}

	for _, rec := range records {
		stats.HourlyCounts[rec.Timestamp.In(a.loc).Hour()]++
		stats.VehicleDistribution[rec.VehicleType]++
		if rec.IsViolation {
			stats.ViolationCount++
		}
	}

	activeHours := 0
	for hour, count := range stats.HourlyCounts {
		if count > 0 {
			activeHours++
			stats.HourlyFlow = append(stats.HourlyFlow, HourCount{Hour: hour, Count: count})
		}
	}

	// Mean over hours that saw traffic; an idle hour is never a peak
	stats.AverageHourly = float64(stats.TotalCount) / float64(activeHours)
	for _, hc := range stats.HourlyFlow {
		if float64(hc.Count) > stats.AverageHourly {
			stats.PeakHours = append(stats.PeakHours, hc)
		}
	}

	if err := a.store.Upsert(ctx, stats); err != nil {
		return nil, fmt.Errorf("failed to store statistics: %w", err)
	}

	if a.notifier != nil {
		a.notifier.EmitStatistics(*stats)
	}

	a.logger.Info("Computed daily statistics", "date", stats.Date, "total", stats.TotalCount, "peak_hours", len(stats.PeakHours))
	return stats, nil
}

// Daily returns the stored row for date, computing it when missing. A day
// without detections returns ErrNotFound.
func (a *Aggregator) Daily(ctx context.Context, date string) (*DailyStatistics, error) {
	day, err := time.ParseInLocation(DateLayout, date, a.loc)
	if err != nil {
		return nil, fmt.Errorf("invalid date %q: %w", date, err)
	}

	stats, err := a.store.Get(ctx, date)
	if err == nil {
		return stats, nil
	}
	if !errors.Is(err, ErrNotFound) {
		return nil, err
	}

	stats, err = a.ComputeDaily(ctx, day)
	if err != nil {
		return nil, err
	}
	if stats == nil {
		return nil, ErrNotFound
	}
	return stats, nil
}

// Query returns the stored rows for a year ("2024"), a month ("2024-03")
// or the seven days starting at a date ("2024-03-11")
func (a *Aggregator) Query(ctx context.Context, rangeType, value string) ([]DailyStatistics, error) {
	from, to, err := RangeBounds(rangeType, value, a.loc)
	if err != nil {
		return nil, err
	}
	return a.store.Range(ctx, from.Format(DateLayout), to.AddDate(0, 0, -1).Format(DateLayout))
}

// Summary merges stored rows between two inclusive dates. Empty bounds are open.
func (a *Aggregator) Summary(ctx context.Context, startDate, endDate string) (*Summary, error) {
	for _, d := range []string{startDate, endDate} {
		if d == "" {
			continue
		}
		if _, err := time.ParseInLocation(DateLayout, d, a.loc); err != nil {
			return nil, fmt.Errorf("invalid date %q: %w", d, err)
		}
	}

	rows, err := a.store.Range(ctx, startDate, endDate)
	if err != nil {
		return nil, err
	}

	sum := &Summary{
		VehicleDistribution: make(map[string]int),
		DaysCount:           len(rows),
		StartDate:           startDate,
		EndDate:             endDate,
	}
	for _, row := range rows {
		sum.TotalCount += row.TotalCount
		for vehicle, n := range row.VehicleDistribution {
			sum.VehicleDistribution[vehicle] += n
		}
	}
	return sum, nil
}

// RangeBounds converts a query range into a half-open [from, to) day span
func RangeBounds(rangeType, value string, loc *time.Location) (time.Time, time.Time, error) {
	switch rangeType {
	case RangeYear:
		start, err := time.ParseInLocation("2006", value, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid year %q: %w", value, err)
		}
		return start, start.AddDate(1, 0, 0), nil
	case RangeMonth:
		start, err := time.ParseInLocation("2006-01", value, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid month %q: %w", value, err)
		}
		return start, start.AddDate(0, 1, 0), nil
	case RangeWeek:
		start, err := time.ParseInLocation(DateLayout, value, loc)
		if err != nil {
			return time.Time{}, time.Time{}, fmt.Errorf("invalid week start %q: %w", value, err)
		}
		return start, start.AddDate(0, 0, 7), nil
	default:
		return time.Time{}, time.Time{}, fmt.Errorf("unsupported range type %q", rangeType)
	}
}
