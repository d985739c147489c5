package notify

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
	"github.com/nats-io/nats.go"
)

// Subjects published by ParkWatch. Violations and camera status are
// published per camera under their prefix.
const (
	SubjectViolations   = "parkwatch.violations"
	SubjectStatistics   = "parkwatch.statistics.daily"
	SubjectCameraStatus = "parkwatch.cameras"
)

// ViolationSubject returns the subject a camera's violations are published on
func ViolationSubject(cameraID string) string {
	return SubjectViolations + "." + cameraID
}

// CameraStatusSubject returns the subject a camera's status changes are published on
func CameraStatusSubject(cameraID string) string {
	return SubjectCameraStatus + "." + cameraID + ".status"
}

// EventBus publishes ParkWatch events as JSON on an embedded NATS server.
// External consumers connect when a port is configured.
type EventBus struct {
	server *server.Server
	conn   *nats.Conn
	logger *slog.Logger

	mu   sync.Mutex
	subs map[string][]*nats.Subscription
}

// EventBusConfig configures the embedded server
type EventBusConfig struct {
	Host string // default 127.0.0.1
	Port int    // 0 keeps the bus in-process only
}

const busReadyTimeout = 2 * time.Second

// NewEventBus starts the embedded server and connects to it in-process
func NewEventBus(cfg EventBusConfig, logger *slog.Logger) (*EventBus, error) {
	if cfg.Host == "" {
		cfg.Host = "127.0.0.1"
	}

	ns, err := server.NewServer(&server.Options{
		Host:       cfg.Host,
		Port:       cfg.Port,
		DontListen: cfg.Port == 0,
		NoSigs:     true,
		NoLog:      true,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create NATS server: %w", err)
	}

	go ns.Start()
	if !ns.ReadyForConnections(busReadyTimeout) {
		ns.Shutdown()
		return nil, fmt.Errorf("NATS server not ready after %s", busReadyTimeout)
	}

	nc, err := nats.Connect("", nats.InProcessServer(ns), nats.Name("parkwatch"))
	if err != nil {
		ns.Shutdown()
		return nil, fmt.Errorf("failed to connect to embedded NATS: %w", err)
	}

	eb := &EventBus{
		server: ns,
		conn:   nc,
		logger: logger.With("component", "eventbus"),
		subs:   make(map[string][]*nats.Subscription),
	}

	if cfg.Port == 0 {
		eb.logger.Info("Event bus started", "mode", "in-process")
	} else {
		eb.logger.Info("Event bus started", "url", ns.ClientURL())
	}
	return eb, nil
}

// Publish encodes data as JSON and publishes it on subject
func (eb *EventBus) Publish(subject string, data interface{}) error {
	payload, err := json.Marshal(data)
	if err != nil {
		return fmt.Errorf("failed to encode %s event: %w", subject, err)
	}
	if err := eb.conn.Publish(subject, payload); err != nil {
		return fmt.Errorf("failed to publish %s: %w", subject, err)
	}
	return nil
}

// subscribe registers an in-process handler. Wildcards follow NATS rules,
// so SubjectViolations+".>" sees every camera.
func (eb *EventBus) subscribe(subject string, handler func(*nats.Msg)) (*nats.Subscription, error) {
	sub, err := eb.conn.Subscribe(subject, handler)
	if err != nil {
		return nil, fmt.Errorf("failed to subscribe to %s: %w", subject, err)
	}

	eb.mu.Lock()
	eb.subs[subject] = append(eb.subs[subject], sub)
	eb.mu.Unlock()
	return sub, nil
}

// unsubscribe drops every handler registered for subject
func (eb *EventBus) unsubscribe(subject string) {
	eb.mu.Lock()
	subs := eb.subs[subject]
	delete(eb.subs, subject)
	eb.mu.Unlock()

	for _, sub := range subs {
		_ = sub.Unsubscribe()
	}
}

// flush blocks until the server has seen everything published so far
func (eb *EventBus) flush() error {
	return eb.conn.Flush()
}

// Stop drains pending messages and shuts the server down
func (eb *EventBus) Stop() {
	if err := eb.conn.Drain(); err != nil {
		eb.logger.Warn("Event bus drain failed", "error", err)
	}
	eb.server.Shutdown()
	eb.logger.Info("Event bus stopped")
}

// HealthCheck round-trips a flush to the embedded server
func (eb *EventBus) HealthCheck(ctx context.Context) error {
	if !eb.conn.IsConnected() {
		return fmt.Errorf("event bus connection is %s", eb.conn.Status())
	}
	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, busReadyTimeout)
		defer cancel()
	}
	if err := eb.conn.FlushWithContext(ctx); err != nil {
		return fmt.Errorf("event bus flush failed: %w", err)
	}
	return nil
}
