package orchestrator

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/Spatial-NVR/ParkWatch/internal/config"
	"github.com/Spatial-NVR/ParkWatch/internal/detection"
	"github.com/Spatial-NVR/ParkWatch/internal/recording"
	"github.com/Spatial-NVR/ParkWatch/internal/violation"
)

type fakeStream struct {
	frames chan *detection.TrackedFrame
	closed atomic.Bool
}

func newFakeStream(buffer int) *fakeStream {
	return &fakeStream{frames: make(chan *detection.TrackedFrame, buffer)}
}

func (s *fakeStream) Next(ctx context.Context) (*detection.TrackedFrame, error) {
	select {
	case f, ok := <-s.frames:
		if !ok {
			return nil, detection.ErrEndOfStream
		}
		return f, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (s *fakeStream) Annotate(frame *detection.TrackedFrame) ([]byte, error) {
	return []byte("annotated"), nil
}

func (s *fakeStream) Close() error {
	s.closed.Store(true)
	return nil
}

type fakeTracker struct {
	mu      sync.Mutex
	streams map[string]*fakeStream
	openErr error
	opens   int
	specs   []detection.StreamSpec
}

func newFakeTracker() *fakeTracker {
	return &fakeTracker{streams: make(map[string]*fakeStream)}
}

func (t *fakeTracker) stream(cameraID string, buffer int) *fakeStream {
	t.mu.Lock()
	defer t.mu.Unlock()
	s := newFakeStream(buffer)
	t.streams[cameraID] = s
	return s
}

func (t *fakeTracker) Open(ctx context.Context, spec detection.StreamSpec) (detection.Stream, error) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.opens++
	t.specs = append(t.specs, spec)
	if t.openErr != nil {
		return nil, t.openErr
	}
	s, ok := t.streams[spec.CameraID]
	if !ok {
		s = newFakeStream(0)
		t.streams[spec.CameraID] = s
	}
	return s, nil
}

func (t *fakeTracker) openCount() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.opens
}

type fakeEvaluator struct {
	calls atomic.Int32
}

// Evaluate flags every car inside the 100x100 test zone
func (e *fakeEvaluator) Evaluate(ctx context.Context, cam violation.Camera, objects []detection.TrackedObject) []violation.Event {
	e.calls.Add(1)
	var events []violation.Event
	for _, obj := range objects {
		if obj.ClassID == 2 && obj.CenterX <= 100 && obj.CenterY <= 100 {
			events = append(events, violation.Event{CameraID: cam.ID, TrackID: obj.TrackID})
		}
	}
	return events
}

type memSegments struct {
	mu       sync.Mutex
	inserted []string
}

func (m *memSegments) InsertSegment(ctx context.Context, cameraID string, bucket time.Time, path string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.inserted = append(m.inserted, path)
	return nil
}

func (m *memSegments) DeleteSegment(ctx context.Context, cameraID string, path string) error {
	return nil
}

func (m *memSegments) count() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.inserted)
}

type memDetections struct {
	mu      sync.Mutex
	records []detection.Record
}

func (m *memDetections) Insert(ctx context.Context, rec *detection.Record) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.records = append(m.records, *rec)
	return nil
}

func (m *memDetections) MarkViolation(ctx context.Context, cameraID string, trackID int64, since time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for i := range m.records {
		r := &m.records[i]
		if r.CameraID == cameraID && r.TrackID == trackID && !r.Timestamp.Before(since) && !r.IsViolation {
			r.IsViolation = true
			n++
		}
	}
	return n, nil
}

func (m *memDetections) all() []detection.Record {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]detection.Record(nil), m.records...)
}

type statusRecorder struct {
	mu     sync.Mutex
	events []CameraStatus
}

func (r *statusRecorder) EmitCameraStatus(status CameraStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, status)
}

func (r *statusRecorder) states(cameraID string) []Status {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []Status
	for _, e := range r.events {
		if e.CameraID == cameraID {
			out = append(out, e.Status)
		}
	}
	return out
}

type memSink struct {
	mu     sync.Mutex
	writes int
	closed bool
}

func (s *memSink) WriteFrame(frame []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.writes++
	return nil
}

func (s *memSink) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

type harness struct {
	orch       *Orchestrator
	tracker    *fakeTracker
	evaluator  *fakeEvaluator
	segments   *memSegments
	detections *memDetections
	statuses   *statusRecorder

	mu    sync.Mutex
	sinks []*memSink
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	h := &harness{
		tracker:    newFakeTracker(),
		evaluator:  &fakeEvaluator{},
		segments:   &memSegments{},
		detections: &memDetections{},
		statuses:   &statusRecorder{},
	}
	h.orch = New(Options{
		Tracker:    h.tracker,
		Evaluator:  h.evaluator,
		Segments:   h.segments,
		Detections: h.detections,
		Notifier:   h.statuses,
		OpenSink: func(path string) (recording.FrameSink, error) {
			h.mu.Lock()
			defer h.mu.Unlock()
			s := &memSink{}
			h.sinks = append(h.sinks, s)
			return s, nil
		},
	})
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = h.orch.Shutdown(ctx)
	})
	return h
}

func (h *harness) sinkList() []*memSink {
	h.mu.Lock()
	defer h.mu.Unlock()
	return append([]*memSink(nil), h.sinks...)
}

func testCamera(t *testing.T, id string) config.CameraConfig {
	return config.CameraConfig{
		ID:        id,
		Name:      "Camera " + id,
		Source:    "rtsp://10.0.0.1/" + id,
		OutputDir: t.TempDir(),
		TargetFPS: 30,
		RestrictedAreas: []config.AreaConfig{
			{ID: "zone", Points: [][]float64{{0, 0}, {100, 0}, {100, 100}, {0, 100}}},
		},
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func waitExit(t *testing.T, o *Orchestrator, cameraID string) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := o.Wait(ctx, cameraID); err != nil {
		t.Fatalf("worker %s did not exit: %v", cameraID, err)
	}
	waitFor(t, "deregistration", func() bool { return !o.isActive(cameraID) })
}

func car(trackID int64) detection.TrackedObject {
	return detection.TrackedObject{TrackID: trackID, ClassID: 2, CenterX: 50.4, CenterY: 49.6}
}

func TestStartResult(t *testing.T) {
	h := newHarness(t)

	res, err := h.orch.Start(testCamera(t, "cam1"))
	if err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	if !res.Success || res.Status != "started" || res.CameraID != "cam1" {
		t.Errorf("unexpected result %+v", res)
	}
	if res.RetentionDays != config.DefaultRetentionDays {
		t.Errorf("expected default retention %d, got %d", config.DefaultRetentionDays, res.RetentionDays)
	}

	st, ok := h.orch.Status("cam1")
	if !ok {
		t.Fatal("camera missing from registry")
	}
	if st.Status != StatusStarting && st.Status != StatusRunning {
		t.Errorf("expected starting or running, got %s", st.Status)
	}
}

func TestStartRejectsInvalidConfig(t *testing.T) {
	h := newHarness(t)

	cam := testCamera(t, "cam1")
	cam.Source = ""
	cam.RestrictedAreas[0].Points = [][]float64{{0, 0}, {1, 1}}

	_, err := h.orch.Start(cam)
	var verrs config.ValidationErrors
	if !errors.As(err, &verrs) {
		t.Fatalf("expected validation errors, got %v", err)
	}
	if len(verrs) != 2 {
		t.Errorf("expected 2 validation errors, got %v", verrs)
	}
	if h.orch.isActive("cam1") {
		t.Error("invalid camera should not be registered")
	}
	if h.tracker.openCount() != 0 {
		t.Error("tracker should not be opened for invalid config")
	}
}

func TestDuplicateStartRejected(t *testing.T) {
	h := newHarness(t)
	h.tracker.stream("cam1", 1).frames <- &detection.TrackedFrame{Seq: 1}
	cam := testCamera(t, "cam1")

	if res, err := h.orch.Start(cam); err != nil || !res.Success {
		t.Fatalf("first start failed: %+v %v", res, err)
	}

	res, err := h.orch.Start(cam)
	if err != nil {
		t.Fatalf("duplicate start should not error: %v", err)
	}
	if res.Success {
		t.Error("duplicate start should not succeed")
	}
	if res.Message != "camera already being processed" {
		t.Errorf("unexpected message %q", res.Message)
	}

	waitFor(t, "running", func() bool {
		st, _ := h.orch.Status("cam1")
		return st.Status == StatusRunning
	})
	if h.tracker.openCount() != 1 {
		t.Errorf("expected one tracker stream, got %d", h.tracker.openCount())
	}
}

func TestEndOfStreamMarksError(t *testing.T) {
	h := newHarness(t)
	stream := h.tracker.stream("cam1", 4)
	stream.frames <- &detection.TrackedFrame{Seq: 1, Objects: []detection.TrackedObject{car(7)}}
	close(stream.frames)

	if _, err := h.orch.Start(testCamera(t, "cam1")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, h.orch, "cam1")

	st, ok := h.orch.Status("cam1")
	if !ok {
		t.Fatal("terminal status should be kept")
	}
	if st.Status != StatusError {
		t.Errorf("expected error status, got %s", st.Status)
	}
	if !strings.Contains(st.Error, "stream ended") {
		t.Errorf("unexpected error message %q", st.Error)
	}
	if st.Frames != 1 || st.Violations != 1 {
		t.Errorf("expected 1 frame and 1 violation, got %d/%d", st.Frames, st.Violations)
	}

	if !stream.closed.Load() {
		t.Error("tracker stream should be closed")
	}
	sinks := h.sinkList()
	if len(sinks) != 1 || sinks[0].writes != 1 || !sinks[0].closed {
		t.Errorf("expected one written and closed segment, got %+v", sinks)
	}
	if h.segments.count() != 1 {
		t.Errorf("expected one segment record, got %d", h.segments.count())
	}

	got := h.statuses.states("cam1")
	want := []Status{StatusStarting, StatusRunning, StatusError}
	if len(got) != len(want) {
		t.Fatalf("status transitions = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("status transitions = %v, want %v", got, want)
			break
		}
	}
}

func TestTrackerOpenFailure(t *testing.T) {
	h := newHarness(t)
	h.tracker.openErr = errors.New("source unreachable")

	res, err := h.orch.Start(testCamera(t, "cam1"))
	if err != nil || !res.Success {
		t.Fatalf("Start should succeed even when the stream will fail: %+v %v", res, err)
	}
	waitExit(t, h.orch, "cam1")

	st, _ := h.orch.Status("cam1")
	if st.Status != StatusError || !strings.Contains(st.Error, "source unreachable") {
		t.Errorf("unexpected status %+v", st)
	}

	got := h.statuses.states("cam1")
	if len(got) != 2 || got[0] != StatusStarting || got[1] != StatusError {
		t.Errorf("unexpected transitions %v", got)
	}
}

func TestStopCancelsWorker(t *testing.T) {
	h := newHarness(t)
	stream := h.tracker.stream("cam1", 1)
	stream.frames <- &detection.TrackedFrame{Seq: 1}

	if _, err := h.orch.Start(testCamera(t, "cam1")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "running", func() bool {
		st, _ := h.orch.Status("cam1")
		return st.Status == StatusRunning
	})

	if err := h.orch.Stop("cam1"); err != nil {
		t.Fatalf("Stop failed: %v", err)
	}
	waitExit(t, h.orch, "cam1")

	st, _ := h.orch.Status("cam1")
	if st.Status != StatusStopped {
		t.Errorf("expected stopped, got %s", st.Status)
	}
	if st.Error != "" {
		t.Errorf("stopped camera should have no error, got %q", st.Error)
	}
	if !stream.closed.Load() {
		t.Error("tracker stream should be closed")
	}

	// A fresh start is accepted once the old worker is gone
	res, err := h.orch.Start(testCamera(t, "cam1"))
	if err != nil || !res.Success {
		t.Errorf("restart failed: %+v %v", res, err)
	}
}

func TestRunningOnFirstFrame(t *testing.T) {
	h := newHarness(t)
	stream := h.tracker.stream("cam1", 1)

	if _, err := h.orch.Start(testCamera(t, "cam1")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "open", func() bool { return h.tracker.openCount() == 1 })

	if st, _ := h.orch.Status("cam1"); st.Status != StatusStarting {
		t.Errorf("expected starting before any frame, got %s", st.Status)
	}

	stream.frames <- &detection.TrackedFrame{Seq: 1}
	waitFor(t, "running", func() bool {
		st, _ := h.orch.Status("cam1")
		return st.Status == StatusRunning
	})
}

func TestStopUnknownCamera(t *testing.T) {
	h := newHarness(t)

	if err := h.orch.Stop("ghost"); !errors.Is(err, ErrNotRunning) {
		t.Errorf("expected ErrNotRunning, got %v", err)
	}
}

func TestEmptyFramesSkipped(t *testing.T) {
	h := newHarness(t)
	stream := h.tracker.stream("cam1", 4)
	stream.frames <- &detection.TrackedFrame{Seq: 1}
	stream.frames <- &detection.TrackedFrame{Seq: 2}
	close(stream.frames)

	if _, err := h.orch.Start(testCamera(t, "cam1")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, h.orch, "cam1")

	if h.evaluator.calls.Load() != 0 {
		t.Error("evaluator should not run on empty frames")
	}
	if len(h.sinkList()) != 0 {
		t.Error("no segment should be opened for empty frames")
	}
	st, _ := h.orch.Status("cam1")
	if st.Frames != 2 {
		t.Errorf("expected 2 frames counted, got %d", st.Frames)
	}
}

func TestDetectionRecordedOncePerTrack(t *testing.T) {
	h := newHarness(t)
	stream := h.tracker.stream("cam1", 4)
	person := detection.TrackedObject{TrackID: 9, ClassID: 0, CenterX: 10, CenterY: 10}
	bus := detection.TrackedObject{TrackID: 8, ClassID: 5, CenterX: 500, CenterY: 500}
	stream.frames <- &detection.TrackedFrame{Seq: 1, Objects: []detection.TrackedObject{car(7), person}}
	stream.frames <- &detection.TrackedFrame{Seq: 2, Objects: []detection.TrackedObject{car(7), bus}}
	close(stream.frames)

	if _, err := h.orch.Start(testCamera(t, "cam1")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, h.orch, "cam1")

	records := h.detections.all()
	if len(records) != 2 {
		t.Fatalf("expected 2 detection rows, got %+v", records)
	}
	if records[0].TrackID != 7 || records[0].VehicleType != "car" || !records[0].IsViolation {
		t.Errorf("unexpected car row %+v", records[0])
	}
	if records[0].LocationX != 50 || records[0].LocationY != 49 {
		t.Errorf("expected truncated location 50,49, got %d,%d", records[0].LocationX, records[0].LocationY)
	}
	if records[0].VideoPath == "" {
		t.Error("detection should reference the current segment")
	}
	if records[1].TrackID != 8 || records[1].VehicleType != "bus" || records[1].IsViolation {
		t.Errorf("unexpected bus row %+v", records[1])
	}
}

func TestLateViolationFlagsDetection(t *testing.T) {
	h := newHarness(t)
	stream := h.tracker.stream("cam1", 4)
	outside := detection.TrackedObject{TrackID: 9, ClassID: 2, CenterX: 500, CenterY: 500}
	stream.frames <- &detection.TrackedFrame{Seq: 1, Objects: []detection.TrackedObject{outside}}
	stream.frames <- &detection.TrackedFrame{Seq: 2, Objects: []detection.TrackedObject{car(9)}}
	stream.frames <- &detection.TrackedFrame{Seq: 3, Objects: []detection.TrackedObject{car(9)}}
	close(stream.frames)

	if _, err := h.orch.Start(testCamera(t, "cam1")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, h.orch, "cam1")

	records := h.detections.all()
	if len(records) != 1 {
		t.Fatalf("expected one detection row for the track, got %+v", records)
	}
	if !records[0].IsViolation {
		t.Error("row should be flagged once the track parks inside the zone")
	}
	if records[0].LocationX != 500 {
		t.Errorf("row should keep the first sighting location, got %d", records[0].LocationX)
	}
}

func TestFrameRateCeiling(t *testing.T) {
	h := newHarness(t)
	stream := h.tracker.stream("cam1", 8)
	for i := 0; i < 5; i++ {
		stream.frames <- &detection.TrackedFrame{Seq: int64(i)}
	}
	close(stream.frames)

	cam := testCamera(t, "cam1")
	cam.TargetFPS = 20

	start := time.Now()
	if _, err := h.orch.Start(cam); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitExit(t, h.orch, "cam1")

	// Five frames at 20 fps need at least four 50ms gaps
	if elapsed := time.Since(start); elapsed < 190*time.Millisecond {
		t.Errorf("frames were not paced, took %s", elapsed)
	}
}

func TestStreamSpecFromConfig(t *testing.T) {
	h := newHarness(t)
	h.tracker.stream("cam1", 0)

	cam := testCamera(t, "cam1")
	cam.Model = "yolov8n.pt"
	cam.TrackerProfile = "bytetrack.yaml"
	cam.Stream.Username = "admin"
	cam.Stream.Password = "pw"
	cam.TargetFPS = 90

	if _, err := h.orch.Start(cam); err != nil {
		t.Fatalf("Start failed: %v", err)
	}
	waitFor(t, "open", func() bool { return h.tracker.openCount() == 1 })

	h.tracker.mu.Lock()
	spec := h.tracker.specs[0]
	h.tracker.mu.Unlock()

	if spec.Source != "rtsp://admin:pw@10.0.0.1/cam1" {
		t.Errorf("unexpected source %s", spec.Source)
	}
	if spec.Model != "yolov8n.pt" || spec.TrackerProfile != "bytetrack.yaml" {
		t.Errorf("unexpected spec %+v", spec)
	}
	if spec.MaxWidth != config.DefaultMaxWidth || spec.JPEGQuality != config.DefaultJPEGQuality {
		t.Errorf("stream defaults not applied: %+v", spec)
	}
	if spec.TargetFPS != config.MaxTargetFPS {
		t.Errorf("expected fps clamped to %d, got %d", config.MaxTargetFPS, spec.TargetFPS)
	}
}

func TestShutdownStopsAllCameras(t *testing.T) {
	h := newHarness(t)

	for _, id := range []string{"cam1", "cam2"} {
		if _, err := h.orch.Start(testCamera(t, id)); err != nil {
			t.Fatalf("Start %s failed: %v", id, err)
		}
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := h.orch.Shutdown(ctx); err != nil {
		t.Fatalf("Shutdown failed: %v", err)
	}

	all := h.orch.StatusAll()
	if len(all) != 2 {
		t.Fatalf("expected 2 cameras in status, got %d", len(all))
	}
	for id, st := range all {
		if st.Status != StatusStopped {
			t.Errorf("%s: expected stopped, got %s", id, st.Status)
		}
	}

	if _, err := h.orch.Start(testCamera(t, "cam3")); !errors.Is(err, ErrShuttingDown) {
		t.Errorf("expected ErrShuttingDown, got %v", err)
	}
}

func TestStatusAllIsSnapshot(t *testing.T) {
	h := newHarness(t)
	h.tracker.stream("cam1", 0)

	if _, err := h.orch.Start(testCamera(t, "cam1")); err != nil {
		t.Fatalf("Start failed: %v", err)
	}

	snap := h.orch.StatusAll()
	st := snap["cam1"]
	st.Status = StatusError
	snap["cam1"] = st

	if got, _ := h.orch.Status("cam1"); got.Status == StatusError {
		t.Error("mutating a snapshot should not touch the registry")
	}
}
