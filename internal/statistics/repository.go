package statistics

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteRepository stores one statistics row per date. The computed fields
// are kept as a JSON document next to the indexed date and total.
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Upsert writes stats for its date, replacing an existing row but keeping its ID
func (r *SQLiteRepository) Upsert(ctx context.Context, stats *DailyStatistics) error {
	if stats.Date == "" {
		return fmt.Errorf("statistics date is required")
	}
	if stats.UpdatedAt.IsZero() {
		stats.UpdatedAt = time.Now()
	}

	var existing string
	err := r.db.QueryRowContext(ctx, `SELECT id FROM daily_statistics WHERE date = ?`, stats.Date).Scan(&existing)
	switch {
	case err == nil:
		stats.ID = existing
	case errors.Is(err, sql.ErrNoRows):
		if stats.ID == "" {
			stats.ID = uuid.New().String()
		}
	default:
		return fmt.Errorf("failed to look up statistics: %w", err)
	}

	doc, err := json.Marshal(stats)
	if err != nil {
		return fmt.Errorf("failed to marshal statistics: %w", err)
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO daily_statistics (date, id, total_count, statistics, updated_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT(date) DO UPDATE SET
			total_count = excluded.total_count,
			statistics = excluded.statistics,
			updated_at = excluded.updated_at
	`, stats.Date, stats.ID, stats.TotalCount, string(doc), stats.UpdatedAt.Unix())
	if err != nil {
		return fmt.Errorf("failed to upsert statistics: %w", err)
	}
	return nil
}

// Get returns the row for date or ErrNotFound
func (r *SQLiteRepository) Get(ctx context.Context, date string) (*DailyStatistics, error) {
	var doc string
	err := r.db.QueryRowContext(ctx, `SELECT statistics FROM daily_statistics WHERE date = ?`, date).Scan(&doc)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get statistics: %w", err)
	}

	var stats DailyStatistics
	if err := json.Unmarshal([]byte(doc), &stats); err != nil {
		return nil, fmt.Errorf("failed to decode statistics for %s: %w", date, err)
	}
	return &stats, nil
}

// Range returns rows between two inclusive dates ordered by date. Either
// bound may be empty.
func (r *SQLiteRepository) Range(ctx context.Context, from, to string) ([]DailyStatistics, error) {
	query := `SELECT date, statistics FROM daily_statistics`
	var conditions []string
	var args []interface{}

	if from != "" {
		conditions = append(conditions, "date >= ?")
		args = append(args, from)
	}
	if to != "" {
		conditions = append(conditions, "date <= ?")
		args = append(args, to)
	}
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY date ASC"

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query statistics: %w", err)
	}
	defer rows.Close()

	out := []DailyStatistics{}
	for rows.Next() {
		var date, doc string
		if err := rows.Scan(&date, &doc); err != nil {
			return nil, err
		}
		var stats DailyStatistics
		if err := json.Unmarshal([]byte(doc), &stats); err != nil {
			return nil, fmt.Errorf("failed to decode statistics for %s: %w", date, err)
		}
		out = append(out, stats)
	}

	return out, rows.Err()
}
