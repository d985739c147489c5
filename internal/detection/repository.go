package detection

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// SQLiteRepository stores vehicle sightings in the detections table
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// Insert stores a sighting, assigning an ID when empty
func (r *SQLiteRepository) Insert(ctx context.Context, rec *Record) error {
	if rec.ID == "" {
		rec.ID = uuid.New().String()
	}
	if rec.Timestamp.IsZero() {
		rec.Timestamp = time.Now()
	}

	_, err := r.db.ExecContext(ctx, `
		INSERT INTO detections (
			id, camera_id, track_id, timestamp, vehicle_type,
			location_x, location_y, video_path, is_violation
		) VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`,
		rec.ID,
		rec.CameraID,
		rec.TrackID,
		rec.Timestamp.Unix(),
		rec.VehicleType,
		rec.LocationX,
		rec.LocationY,
		nullString(rec.VideoPath),
		rec.IsViolation,
	)
	if err != nil {
		return fmt.Errorf("failed to insert detection: %w", err)
	}
	return nil
}

// MarkViolation flags the track's sightings stored at or after since. Track
// ids restart with every tracker session, so older rows are left alone. It
// returns the number of rows changed.
func (r *SQLiteRepository) MarkViolation(ctx context.Context, cameraID string, trackID int64, since time.Time) (int64, error) {
	result, err := r.db.ExecContext(ctx, `
		UPDATE detections SET is_violation = 1
		WHERE camera_id = ? AND track_id = ? AND timestamp >= ? AND is_violation = 0
	`, cameraID, trackID, since.Unix())
	if err != nil {
		return 0, fmt.Errorf("failed to mark detection: %w", err)
	}
	return result.RowsAffected()
}

// Query returns sightings with timestamp in [from, to). An empty cameraID
// matches all cameras.
func (r *SQLiteRepository) Query(ctx context.Context, cameraID string, from, to time.Time) ([]Record, error) {
	var conditions []string
	var args []interface{}

	conditions = append(conditions, "timestamp >= ?", "timestamp < ?")
	args = append(args, from.Unix(), to.Unix())

	if cameraID != "" {
		conditions = append(conditions, "camera_id = ?")
		args = append(args, cameraID)
	}

	query := `
		SELECT id, camera_id, track_id, timestamp, vehicle_type,
			   location_x, location_y, video_path, is_violation
		FROM detections
		WHERE ` + strings.Join(conditions, " AND ") + `
		ORDER BY timestamp ASC`

	rows, err := r.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to query detections: %w", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		var rec Record
		var ts int64
		var videoPath sql.NullString
		if err := rows.Scan(
			&rec.ID,
			&rec.CameraID,
			&rec.TrackID,
			&ts,
			&rec.VehicleType,
			&rec.LocationX,
			&rec.LocationY,
			&videoPath,
			&rec.IsViolation,
		); err != nil {
			return nil, err
		}
		rec.Timestamp = time.Unix(ts, 0)
		rec.VideoPath = videoPath.String
		records = append(records, rec)
	}

	return records, rows.Err()
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}
