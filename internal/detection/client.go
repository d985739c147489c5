package detection

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"
)

// errPollTimeout marks a long-poll that hit its own deadline
var errPollTimeout = errors.New("tracker poll timed out")

// Client talks to the tracker sidecar over HTTP. Each opened stream is a
// server-side session that is long-polled for frames. Deadlines are set per
// request so a long-poll is not bound by the open/close timeout.
type Client struct {
	mu          sync.RWMutex
	httpClient  *http.Client
	baseURL     string
	timeout     time.Duration
	pollTimeout time.Duration
	logger      *slog.Logger

	// Stats
	frameCount int64
	errorCount int64
}

// ClientConfig holds client configuration
type ClientConfig struct {
	Address string
	// Timeout bounds opening and closing a stream
	Timeout time.Duration
	// PollTimeout bounds one long-poll for a frame; defaults to Timeout
	PollTimeout time.Duration
}

// NewClient creates a new tracker client
func NewClient(cfg ClientConfig) (*Client, error) {
	if cfg.Address == "" {
		return nil, fmt.Errorf("tracker address is required")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 30 * time.Second
	}
	if cfg.PollTimeout <= 0 {
		cfg.PollTimeout = cfg.Timeout
	}

	return &Client{
		httpClient:  &http.Client{},
		baseURL:     "http://" + cfg.Address,
		timeout:     cfg.Timeout,
		pollTimeout: cfg.PollTimeout,
		logger:      slog.Default().With("component", "tracker_client"),
	}, nil
}

// Open starts a tracking session for the camera source
func (c *Client) Open(ctx context.Context, spec StreamSpec) (Stream, error) {
	jsonBody, err := json.Marshal(spec)
	if err != nil {
		return nil, fmt.Errorf("failed to marshal request: %w", err)
	}

	ctx, cancel := context.WithTimeout(ctx, c.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/streams", bytes.NewReader(jsonBody))
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.httpClient.Do(req)
	if err != nil {
		c.countError()
		return nil, fmt.Errorf("tracker open failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		c.countError()
		return nil, decodeTrackerError(resp)
	}

	var result struct {
		StreamID string `json:"stream_id"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("failed to decode response: %w", err)
	}
	if result.StreamID == "" {
		return nil, fmt.Errorf("tracker returned empty stream id")
	}

	c.logger.Info("Opened tracker stream", "camera", spec.CameraID, "stream", result.StreamID)

	return &clientStream{
		client:   c,
		id:       result.StreamID,
		cameraID: spec.CameraID,
	}, nil
}

// Stats returns the number of frames received and failed requests
func (c *Client) Stats() (frames int64, errors int64) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.frameCount, c.errorCount
}

func (c *Client) countError() {
	c.mu.Lock()
	c.errorCount++
	c.mu.Unlock()
}

func decodeTrackerError(resp *http.Response) error {
	body, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
	var terr TrackerError
	if err := json.Unmarshal(body, &terr); err != nil || terr.Message == "" {
		terr.Message = fmt.Sprintf("tracker returned status %d", resp.StatusCode)
	}
	terr.Code = resp.StatusCode
	return &terr
}

// clientStream is a single tracker session
type clientStream struct {
	client   *Client
	id       string
	cameraID string

	closeOnce sync.Once
}

// wireFrame is the JSON frame shape the tracker emits
type wireFrame struct {
	Seq       int64 `json:"seq"`
	Timestamp int64 `json:"timestamp"` // unix millis
	Width     int   `json:"width"`
	Height    int   `json:"height"`
	Objects   []struct {
		TrackID    int64   `json:"track_id"`
		ClassID    int     `json:"class_id"`
		Confidence float64 `json:"confidence"`
		BBox       struct {
			X      float64 `json:"x"`
			Y      float64 `json:"y"`
			Width  float64 `json:"width"`
			Height float64 `json:"height"`
		} `json:"bbox"`
	} `json:"objects"`
	Annotated string `json:"annotated,omitempty"` // base64 JPEG
}

// Next long-polls the tracker. 204 means the source ended. A poll that
// outlives the poll timeout is retried once before it is reported.
func (s *clientStream) Next(ctx context.Context) (*TrackedFrame, error) {
	frame, err := s.poll(ctx)
	if errors.Is(err, errPollTimeout) {
		s.client.logger.Warn("Tracker poll timed out, retrying", "camera", s.cameraID, "stream", s.id)
		frame, err = s.poll(ctx)
	}
	return frame, err
}

func (s *clientStream) poll(ctx context.Context) (*TrackedFrame, error) {
	pollCtx, cancel := context.WithTimeout(ctx, s.client.pollTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(pollCtx, http.MethodGet, s.client.baseURL+"/streams/"+s.id+"/next", nil)
	if err != nil {
		return nil, fmt.Errorf("failed to create request: %w", err)
	}

	resp, err := s.client.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.client.countError()
		if pollCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", errPollTimeout, s.client.pollTimeout)
		}
		return nil, fmt.Errorf("tracker next failed: %w", err)
	}
	defer resp.Body.Close()

	switch resp.StatusCode {
	case http.StatusOK:
	case http.StatusNoContent, http.StatusGone:
		return nil, ErrEndOfStream
	default:
		s.client.countError()
		return nil, decodeTrackerError(resp)
	}

	var wf wireFrame
	if err := json.NewDecoder(resp.Body).Decode(&wf); err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		s.client.countError()
		if pollCtx.Err() != nil {
			return nil, fmt.Errorf("%w after %s", errPollTimeout, s.client.pollTimeout)
		}
		return nil, fmt.Errorf("failed to decode frame: %w", err)
	}

	frame := &TrackedFrame{
		Seq:       wf.Seq,
		Timestamp: time.UnixMilli(wf.Timestamp),
		Width:     wf.Width,
		Height:    wf.Height,
		Objects:   make([]TrackedObject, 0, len(wf.Objects)),
	}
	if wf.Timestamp == 0 {
		frame.Timestamp = time.Now()
	}

	for _, o := range wf.Objects {
		box := BoundingBox{X: o.BBox.X, Y: o.BBox.Y, Width: o.BBox.Width, Height: o.BBox.Height}
		cx, cy := box.Center()
		frame.Objects = append(frame.Objects, TrackedObject{
			TrackID:    o.TrackID,
			ClassID:    o.ClassID,
			Confidence: o.Confidence,
			CenterX:    cx,
			CenterY:    cy,
			Box:        box,
		})
	}

	if wf.Annotated != "" {
		data, err := base64.StdEncoding.DecodeString(wf.Annotated)
		if err != nil {
			return nil, fmt.Errorf("failed to decode annotated frame: %w", err)
		}
		frame.Annotated = data
	}

	s.client.mu.Lock()
	s.client.frameCount++
	s.client.mu.Unlock()

	return frame, nil
}

// Annotate returns the overlay image rendered by the tracker for this frame
func (s *clientStream) Annotate(frame *TrackedFrame) ([]byte, error) {
	if frame == nil || len(frame.Annotated) == 0 {
		return nil, fmt.Errorf("frame %d has no rendered image", frameSeq(frame))
	}
	return frame.Annotated, nil
}

// Close ends the tracker session. Safe to call more than once.
func (s *clientStream) Close() error {
	var err error
	s.closeOnce.Do(func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.client.timeout)
		defer cancel()

		req, reqErr := http.NewRequestWithContext(ctx, http.MethodDelete, s.client.baseURL+"/streams/"+s.id, nil)
		if reqErr != nil {
			err = reqErr
			return
		}

		resp, doErr := s.client.httpClient.Do(req)
		if doErr != nil {
			err = fmt.Errorf("tracker close failed: %w", doErr)
			return
		}
		resp.Body.Close()

		s.client.logger.Info("Closed tracker stream", "camera", s.cameraID, "stream", s.id)
	})
	return err
}

func frameSeq(frame *TrackedFrame) int64 {
	if frame == nil {
		return -1
	}
	return frame.Seq
}
