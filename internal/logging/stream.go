// Package logging keeps recent log records in memory so the API can serve
// them alongside the normal JSON output.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"strings"
	"sync"
	"time"
)

// LogEntry represents a structured log entry
type LogEntry struct {
	Time      time.Time              `json:"time"`
	Level     string                 `json:"level"`
	Message   string                 `json:"msg"`
	Component string                 `json:"component,omitempty"`
	Camera    string                 `json:"camera,omitempty"`
	Attrs     map[string]interface{} `json:"attrs,omitempty"`

	level slog.Level
}

const (
	defaultBufferSize = 1000
	subscriberBuffer  = 100
)

// RingBuffer keeps the last N entries and fans new ones out to live
// subscribers. Slow subscribers miss entries rather than block logging.
type RingBuffer struct {
	mu      sync.RWMutex
	entries []LogEntry
	next    int
	full    bool
	subs    map[chan LogEntry]struct{}
}

// NewRingBuffer creates a buffer holding size entries (1000 when size <= 0)
func NewRingBuffer(size int) *RingBuffer {
	if size <= 0 {
		size = defaultBufferSize
	}
	return &RingBuffer{
		entries: make([]LogEntry, size),
		subs:    make(map[chan LogEntry]struct{}),
	}
}

// Add stores entry, overwriting the oldest once full
func (rb *RingBuffer) Add(entry LogEntry) {
	rb.mu.Lock()
	defer rb.mu.Unlock()

	rb.entries[rb.next] = entry
	rb.next++
	if rb.next == len(rb.entries) {
		rb.next = 0
		rb.full = true
	}

	for ch := range rb.subs {
		select {
		case ch <- entry:
		default:
		}
	}
}

func (rb *RingBuffer) stored() int {
	if rb.full {
		return len(rb.entries)
	}
	return rb.next
}

// GetRecent returns the newest n entries (all when n <= 0), oldest first
func (rb *RingBuffer) GetRecent(n int) []LogEntry {
	rb.mu.RLock()
	defer rb.mu.RUnlock()

	if stored := rb.stored(); n <= 0 || n > stored {
		n = stored
	}

	out := make([]LogEntry, 0, n)
	size := len(rb.entries)
	for i := rb.next - n; i < rb.next; i++ {
		out = append(out, rb.entries[(i+size)%size])
	}
	return out
}

// Filter selects entries. Zero values match everything.
type Filter struct {
	Limit     int
	MinLevel  slog.Level
	Component string
	Camera    string
}

// Match reports whether e passes the level, component and camera checks.
// Limit is not considered.
func (f Filter) Match(e LogEntry) bool {
	switch {
	case e.level < f.MinLevel:
		return false
	case f.Component != "" && e.Component != f.Component:
		return false
	case f.Camera != "" && e.Camera != f.Camera:
		return false
	}
	return true
}

// Query returns the newest f.Limit matching entries, oldest first
func (rb *RingBuffer) Query(f Filter) []LogEntry {
	all := rb.GetRecent(0)

	matched := make([]LogEntry, 0, len(all))
	for _, e := range all {
		if f.Match(e) {
			matched = append(matched, e)
		}
	}
	if f.Limit > 0 && len(matched) > f.Limit {
		matched = matched[len(matched)-f.Limit:]
	}
	return matched
}

// Subscribe returns a channel receiving every entry added from now on
func (rb *RingBuffer) Subscribe() chan LogEntry {
	ch := make(chan LogEntry, subscriberBuffer)
	rb.mu.Lock()
	rb.subs[ch] = struct{}{}
	rb.mu.Unlock()
	return ch
}

// Unsubscribe stops delivery to ch and closes it
func (rb *RingBuffer) Unsubscribe(ch chan LogEntry) {
	rb.mu.Lock()
	delete(rb.subs, ch)
	rb.mu.Unlock()
	close(ch)
}

// ParseLevel maps debug|info|warn|error to a slog level
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// StreamHandler is a slog handler that captures logs to a ring buffer
type StreamHandler struct {
	buffer   *RingBuffer
	fallback slog.Handler
	level    slog.Level
	attrs    []slog.Attr
}

// NewStreamHandler creates a handler that captures logs to the ring buffer
// and writes them as JSON to fallback
func NewStreamHandler(buffer *RingBuffer, fallback io.Writer, level slog.Level) *StreamHandler {
	return &StreamHandler{
		buffer:   buffer,
		fallback: slog.NewJSONHandler(fallback, &slog.HandlerOptions{Level: level}),
		level:    level,
	}
}

// Enabled implements slog.Handler
func (h *StreamHandler) Enabled(_ context.Context, level slog.Level) bool {
	return level >= h.level
}

// Handle implements slog.Handler
func (h *StreamHandler) Handle(ctx context.Context, r slog.Record) error {
	entry := LogEntry{
		Time:    r.Time,
		Level:   r.Level.String(),
		Message: r.Message,
		Attrs:   make(map[string]interface{}),
		level:   r.Level,
	}

	collect := func(a slog.Attr) {
		switch a.Key {
		case "component":
			entry.Component = a.Value.String()
		case "camera":
			entry.Camera = a.Value.String()
		default:
			entry.Attrs[a.Key] = a.Value.Any()
		}
	}

	for _, a := range h.attrs {
		collect(a)
	}
	r.Attrs(func(a slog.Attr) bool {
		collect(a)
		return true
	})
	if len(entry.Attrs) == 0 {
		entry.Attrs = nil
	}

	h.buffer.Add(entry)

	return h.fallback.Handle(ctx, r)
}

// WithAttrs implements slog.Handler
func (h *StreamHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	merged := make([]slog.Attr, 0, len(h.attrs)+len(attrs))
	merged = append(merged, h.attrs...)
	merged = append(merged, attrs...)

	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithAttrs(attrs),
		level:    h.level,
		attrs:    merged,
	}
}

// WithGroup implements slog.Handler. Groups only affect the JSON output;
// buffered entries keep flat attribute keys.
func (h *StreamHandler) WithGroup(name string) slog.Handler {
	return &StreamHandler{
		buffer:   h.buffer,
		fallback: h.fallback.WithGroup(name),
		level:    h.level,
		attrs:    h.attrs,
	}
}
