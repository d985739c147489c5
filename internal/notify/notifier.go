// Package notify pushes violations, statistics and camera status changes to
// listeners over the embedded NATS bus and the browser WebSocket hub.
package notify

import (
	"log/slog"

	"github.com/Spatial-NVR/ParkWatch/internal/orchestrator"
	"github.com/Spatial-NVR/ParkWatch/internal/statistics"
	"github.com/Spatial-NVR/ParkWatch/internal/violation"
)

// Notifier is every event kind the core emits
type Notifier interface {
	violation.Notifier
	statistics.Notifier
	orchestrator.StatusNotifier
}

// Fanout delivers each event to the event bus and the hub. Either may be
// nil. Delivery is fire-and-forget: failures are logged only.
type Fanout struct {
	bus    *EventBus
	hub    *Hub
	logger *slog.Logger
}

var _ Notifier = (*Fanout)(nil)

// NewFanout creates a notifier over bus and hub
func NewFanout(bus *EventBus, hub *Hub) *Fanout {
	return &Fanout{
		bus:    bus,
		hub:    hub,
		logger: slog.Default().With("component", "notifier"),
	}
}

// EmitViolation publishes a violation for its camera
func (f *Fanout) EmitViolation(event violation.Event) {
	f.publish(ViolationSubject(event.CameraID), event)
	if f.hub != nil {
		f.hub.BroadcastToCamera(event.CameraID, Message{Type: MessageTypeViolation, Data: event})
	}
}

// EmitStatistics publishes a freshly computed daily row
func (f *Fanout) EmitStatistics(stats statistics.DailyStatistics) {
	f.publish(SubjectStatistics, stats)
	if f.hub != nil {
		f.hub.Broadcast(Message{Type: MessageTypeStatistics, Data: stats})
	}
}

// EmitCameraStatus publishes a worker status transition
func (f *Fanout) EmitCameraStatus(status orchestrator.CameraStatus) {
	f.publish(CameraStatusSubject(status.CameraID), status)
	if f.hub != nil {
		f.hub.BroadcastToCamera(status.CameraID, Message{Type: MessageTypeCameraStatus, Data: status})
	}
}

func (f *Fanout) publish(subject string, data interface{}) {
	if f.bus == nil {
		return
	}
	if err := f.bus.Publish(subject, data); err != nil {
		f.logger.Warn("Failed to publish event", "subject", subject, "error", err)
	}
}
