package recording

import (
	"bufio"
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"time"
)

// FrameSink receives encoded frames for one segment file
type FrameSink interface {
	WriteFrame(frame []byte) error
	Close() error
}

// SinkOpener opens the sink backing a segment path
type SinkOpener func(path string) (FrameSink, error)

// WriterConfig holds per-camera segment writer settings
type WriterConfig struct {
	CameraID  string
	OutputDir string
	Extension string

	// Open defaults to OpenMJPEGFile
	Open SinkOpener
	// Now defaults to time.Now
	Now func() time.Time
}

// SegmentWriter owns the single open output file of one camera and rotates
// it when the wall-clock hour changes. It is not safe for concurrent use;
// each camera worker owns its writer.
type SegmentWriter struct {
	cameraID  string
	outputDir string
	ext       string
	store     SegmentStore
	open      SinkOpener
	now       func() time.Time
	logger    *slog.Logger

	sink   FrameSink
	bucket time.Time
	path   string
}

// NewSegmentWriter creates a writer. Nothing is opened until the first frame.
func NewSegmentWriter(cfg WriterConfig, store SegmentStore) *SegmentWriter {
	if cfg.Extension == "" {
		cfg.Extension = DefaultExtension
	}
	if cfg.Open == nil {
		cfg.Open = OpenMJPEGFile
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	return &SegmentWriter{
		cameraID:  cfg.CameraID,
		outputDir: cfg.OutputDir,
		ext:       cfg.Extension,
		store:     store,
		open:      cfg.Open,
		now:       cfg.Now,
		logger:    slog.Default().With("component", "segment_writer", "camera", cfg.CameraID),
	}
}

// WriteFrame appends frame to the segment for the current hour, rotating
// first when the hour changed since the last write.
func (w *SegmentWriter) WriteFrame(ctx context.Context, frame []byte) error {
	bucket := HourBucket(w.now())

	if w.sink == nil || !bucket.Equal(w.bucket) {
		if err := w.rotate(ctx, bucket); err != nil {
			return err
		}
	}

	if err := w.sink.WriteFrame(frame); err != nil {
		return fmt.Errorf("failed to write frame to %s: %w", w.path, err)
	}
	return nil
}

func (w *SegmentWriter) rotate(ctx context.Context, bucket time.Time) error {
	if w.sink != nil {
		if err := w.sink.Close(); err != nil {
			w.logger.Error("Failed to close segment", "path", w.path, "error", err)
		}
		w.sink = nil
	}

	path := SegmentPath(w.outputDir, w.cameraID, bucket, w.ext)
	sink, err := w.open(path)
	if err != nil {
		return fmt.Errorf("failed to open segment %s: %w", path, err)
	}

	w.sink = sink
	w.bucket = bucket
	w.path = path

	if w.store != nil {
		if err := w.store.InsertSegment(ctx, w.cameraID, bucket, path); err != nil {
			w.logger.Error("Failed to record segment", "path", path, "error", err)
		}
	}

	w.logger.Info("Started segment", "path", path)
	return nil
}

// CurrentPath returns the open segment path, or "" before the first write
func (w *SegmentWriter) CurrentPath() string {
	return w.path
}

// Close flushes and closes the open segment. Calling it again is a no-op.
func (w *SegmentWriter) Close() error {
	if w.sink == nil {
		return nil
	}
	err := w.sink.Close()
	w.sink = nil
	if err != nil {
		return fmt.Errorf("failed to close segment %s: %w", w.path, err)
	}
	return nil
}

// mjpegFile appends JPEG frames to a buffered file
type mjpegFile struct {
	f   *os.File
	buf *bufio.Writer
}

// OpenMJPEGFile opens path for appending, creating parent directories. A
// worker restarted within the same hour keeps extending the same file.
func OpenMJPEGFile(path string) (FrameSink, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create output directory: %w", err)
	}

	f, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, err
	}

	return &mjpegFile{f: f, buf: bufio.NewWriterSize(f, 256*1024)}, nil
}

func (m *mjpegFile) WriteFrame(frame []byte) error {
	_, err := m.buf.Write(frame)
	return err
}

func (m *mjpegFile) Close() error {
	flushErr := m.buf.Flush()
	syncErr := m.f.Sync()
	closeErr := m.f.Close()

	switch {
	case flushErr != nil:
		return flushErr
	case syncErr != nil:
		return syncErr
	default:
		return closeErr
	}
}
