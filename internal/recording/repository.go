package recording

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/google/uuid"
)

// SQLiteRepository implements SegmentStore on the segments table
type SQLiteRepository struct {
	db *sql.DB
}

// NewSQLiteRepository creates a new SQLite repository
func NewSQLiteRepository(db *sql.DB) *SQLiteRepository {
	return &SQLiteRepository{db: db}
}

// InsertSegment records a rotation. Re-inserting the same path (a worker
// restarted within the hour) is ignored.
func (r *SQLiteRepository) InsertSegment(ctx context.Context, cameraID string, bucket time.Time, path string) error {
	_, err := r.db.ExecContext(ctx, `
		INSERT OR IGNORE INTO segments (id, camera_id, hour_bucket, file_path, created_at)
		VALUES (?, ?, ?, ?, ?)
	`, uuid.New().String(), cameraID, bucket.Unix(), path, time.Now().Unix())
	if err != nil {
		return fmt.Errorf("failed to insert segment: %w", err)
	}
	return nil
}

// DeleteSegment removes the record for path. A missing row is not an error.
func (r *SQLiteRepository) DeleteSegment(ctx context.Context, cameraID string, path string) error {
	_, err := r.db.ExecContext(ctx, "DELETE FROM segments WHERE camera_id = ? AND file_path = ?", cameraID, path)
	if err != nil {
		return fmt.Errorf("failed to delete segment: %w", err)
	}
	return nil
}

// FindByHour returns the segment covering the given hour
func (r *SQLiteRepository) FindByHour(ctx context.Context, cameraID string, hour time.Time) (*Segment, error) {
	bucket := HourBucket(hour)

	var seg Segment
	var hourBucket, createdAt int64
	err := r.db.QueryRowContext(ctx, `
		SELECT id, camera_id, hour_bucket, file_path, created_at
		FROM segments
		WHERE camera_id = ? AND hour_bucket = ?
		ORDER BY created_at DESC
		LIMIT 1
	`, cameraID, bucket.Unix()).Scan(&seg.ID, &seg.CameraID, &hourBucket, &seg.FilePath, &createdAt)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to find segment: %w", err)
	}

	seg.HourBucket = time.Unix(hourBucket, 0)
	seg.CreatedAt = time.Unix(createdAt, 0)
	return &seg, nil
}

// List returns a camera's segments with hour bucket in [from, to), oldest first
func (r *SQLiteRepository) List(ctx context.Context, cameraID string, from, to time.Time) ([]Segment, error) {
	rows, err := r.db.QueryContext(ctx, `
		SELECT id, camera_id, hour_bucket, file_path, created_at
		FROM segments
		WHERE camera_id = ? AND hour_bucket >= ? AND hour_bucket < ?
		ORDER BY hour_bucket ASC
	`, cameraID, from.Unix(), to.Unix())
	if err != nil {
		return nil, fmt.Errorf("failed to list segments: %w", err)
	}
	defer rows.Close()

	segments := []Segment{}
	for rows.Next() {
		var seg Segment
		var hourBucket, createdAt int64
		if err := rows.Scan(&seg.ID, &seg.CameraID, &hourBucket, &seg.FilePath, &createdAt); err != nil {
			return nil, err
		}
		seg.HourBucket = time.Unix(hourBucket, 0)
		seg.CreatedAt = time.Unix(createdAt, 0)
		segments = append(segments, seg)
	}

	return segments, rows.Err()
}
