package violation

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteRepository implements Store on the violations table
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores a violation, assigning an ID when empty
func (r *SQLiteRepository) Insert(ctx context.Context, event *Event) error {
	if event.ID == "" {
		event.ID = uuid.New().String()
	}
	if event.ViolationType == "" {
		event.ViolationType = TypeParking
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO violations (
			id, camera_id, camera_name, track_id, timestamp, vehicle_type,
			location_x, location_y, violation_type, area_id
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		event.ID,
		event.CameraID,
		event.CameraName,
		event.TrackID,
		event.Timestamp.Unix(),
		event.VehicleType,
		event.Location.X,
		event.Location.Y,
		event.ViolationType,
		event.AreaID,
	)
	if err != nil {
		return fmt.Errorf("failed to insert violation: %w", err)
	}
	return nil
}

// List returns violations matching the filter, newest first
func (r *SQLiteRepository) List(ctx context.Context, f Filter) ([]Event, error) {
	var conditions []string
	var args []interface{}

	if f.CameraID != "" {
		conditions = append(conditions, "camera_id = ?")
		args = append(args, f.CameraID)
	}
	if !f.StartTime.IsZero() {
		conditions = append(conditions, "timestamp >= ?")
		args = append(args, f.StartTime.Unix())
	}
	if !f.EndTime.IsZero() {
		conditions = append(conditions, "timestamp <= ?")
		args = append(args, f.EndTime.Unix())
	}
	if f.VehicleType != "" {
		conditions = append(conditions, "vehicle_type = ?")
		args = append(args, f.VehicleType)
	}
	if f.ViolationType != "" {
		conditions = append(conditions, "violation_type = ?")
		args = append(args, f.ViolationType)
	}

	query := `
		SELECT id, camera_id, camera_name, track_id, timestamp, vehicle_type,
			   location_x, location_y, violation_type, area_id
		FROM violations`
	if len(conditions) > 0 {
		query += " WHERE " + strings.Join(conditions, " AND ")
	}
	query += " ORDER BY timestamp DESC"
	if f.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list violations: %w", err)
	}
	defer rows.Close()

	events := []Event{}
	for rows.Next() {
		var ev Event
		var ts int64
		if err := rows.Scan(
			&ev.ID,
			&ev.CameraID,
			&ev.CameraName,
			&ev.TrackID,
			&ts,
			&ev.VehicleType,
			&ev.Location.X,
			&ev.Location.Y,
			&ev.ViolationType,
			&ev.AreaID,
		); err != nil {
			return nil, err
		}
		ev.Timestamp = time.Unix(ts, 0)
		events = append(events, ev)
	}

	return events, rows.Err()
}
