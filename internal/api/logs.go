package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"github.com/Spatial-NVR/ParkWatch/internal/logging"
)

const defaultLogLimit = 200

// LogHandler exposes the in-memory log buffer
type LogHandler struct {
	buffer *logging.RingBuffer
}

// NewLogHandler creates a new log handler
func NewLogHandler(buffer *logging.RingBuffer) *LogHandler {
	return &LogHandler{buffer: buffer}
}

// Routes returns the log routes
func (h *LogHandler) Routes() chi.Router {
	r := chi.NewRouter()
	r.Get("/", h.List)
	r.Get("/stream", h.Stream)
	return r
}

func parseLogFilter(r *http.Request) (logging.Filter, error) {
	q := r.URL.Query()
	f := logging.Filter{
		Limit:     defaultLogLimit,
		Component: q.Get("component"),
		Camera:    q.Get("camera"),
	}

	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n <= 0 {
			return f, errBadParam("limit", "positive integer")
		}
		f.Limit = n
	}

	if s := q.Get("level"); s != "" {
		lvl, err := logging.ParseLevel(s)
		if err != nil {
			return f, errBadParam("level", "debug, info, warn or error")
		}
		f.MinLevel = lvl
	} else {
		f.MinLevel = slog.LevelDebug
	}

	return f, nil
}

// List returns recent log entries, oldest first
func (h *LogHandler) List(w http.ResponseWriter, r *http.Request) {
	f, err := parseLogFilter(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	entries := h.buffer.Query(f)
	JSONWithMeta(w, http.StatusOK, entries, &Meta{Total: len(entries), Limit: f.Limit})
}

// Stream provides Server-Sent Events for live log streaming. Only the level
// component and camera filters apply.
func (h *LogHandler) Stream(w http.ResponseWriter, r *http.Request) {
	f, err := parseLogFilter(r)
	if err != nil {
		BadRequest(w, err.Error())
		return
	}

	flusher, ok := w.(http.Flusher)
	if !ok {
		InternalError(w, "Streaming not supported")
		return
	}

	ch := h.buffer.Subscribe()
	defer h.buffer.Unsubscribe(ch)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()

	for {
		select {
		case <-r.Context().Done():
			return
		case entry := <-ch:
			if !f.Match(entry) {
				continue
			}
			data, err := json.Marshal(entry)
			if err != nil {
				continue
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}
