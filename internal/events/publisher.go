// Package events carries fleet domain events over NATS.
package events

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/nats-io/nats.go"

	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
)

const (
	SubjectAlertCreated   = "fleet.alerts.created"
	SubjectAlertResolved  = "fleet.alerts.resolved"
	SubjectCommandCreated = "fleet.commands.created"
	SubjectPolicyChanged  = "fleet.policy.changed"
	// SubjectTelemetry is consumed, not published, by this service
	SubjectTelemetry = "fleet.telemetry.activity"
)

// Publisher sends one message. Implementations must be safe for concurrent use.
type Publisher interface {
	Publish(subject string, header nats.Header, data []byte) error
}

// NATSPublisher publishes on a shared connection
type NATSPublisher struct {
	conn *nats.Conn
}

// NewNATSPublisher wraps an established connection
func NewNATSPublisher(conn *nats.Conn) *NATSPublisher {
	return &NATSPublisher{conn: conn}
}

// Publish fails fast when the connection is down; nothing is buffered for later
func (p *NATSPublisher) Publish(subject string, header nats.Header, data []byte) error {
	if p.conn == nil || !p.conn.IsConnected() {
		return fmt.Errorf("NATS connection not available")
	}
	msg := &nats.Msg{
		Subject: subject,
		Data:    data,
		Header:  header,
	}
	if err := p.conn.PublishMsg(msg); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", subject, err)
	}
	return nil
}

// Nop drops every message; used when NATS is not configured
type Nop struct{}

func (Nop) Publish(string, nats.Header, []byte) error { return nil }

// Emitter turns domain changes into messages. Publish failures are logged and
// counted but never returned: events are a notification side channel.
type Emitter struct {
	pub     Publisher
	logger  *slog.Logger
	metrics *metrics.Metrics
	now     func() time.Time
}

// NewEmitter creates an emitter; a nil publisher behaves like Nop
func NewEmitter(pub Publisher, m *metrics.Metrics, logger *slog.Logger) *Emitter {
	if pub == nil {
		pub = Nop{}
	}
	return &Emitter{pub: pub, logger: logger, metrics: m, now: time.Now}
}

func (e *Emitter) emit(subject string, header nats.Header, v any) {
	data, err := json.Marshal(v)
	if err != nil {
		e.logger.Error("failed to marshal event", "subject", subject, "error", err)
		return
	}
	header.Set("x-timestamp", strconv.FormatInt(e.now().UnixMilli(), 10))
	if err := e.pub.Publish(subject, header, data); err != nil {
		e.metrics.PublishErrors.WithLabelValues(subject).Inc()
		e.logger.Warn("failed to publish event", "subject", subject, "error", err)
		return
	}
	e.logger.Debug("published event", "subject", subject)
}

// AlertCreated announces a newly raised alert
func (e *Emitter) AlertCreated(a *model.Alert) {
	h := nats.Header{}
	h.Set("x-alert-id", a.ID)
	h.Set("x-endpoint-id", a.EndpointID)
	h.Set("x-severity", string(a.Severity))
	h.Set("x-kind", string(a.Kind))
	e.emit(SubjectAlertCreated, h, a)
}

// AlertResolved announces an active to resolved transition
func (e *Emitter) AlertResolved(a *model.Alert) {
	h := nats.Header{}
	h.Set("x-alert-id", a.ID)
	h.Set("x-endpoint-id", a.EndpointID)
	e.emit(SubjectAlertResolved, h, a)
}

// CommandCreated announces a queued directive
func (e *Emitter) CommandCreated(c *model.Command) {
	h := nats.Header{}
	h.Set("x-command-id", c.ID)
	h.Set("x-endpoint-id", c.EndpointID)
	h.Set("x-kind", string(c.Kind))
	e.emit(SubjectCommandCreated, h, c)
}

// PolicyChanged announces a new policy version
func (e *Emitter) PolicyChanged(p *model.Policy) {
	h := nats.Header{}
	h.Set("x-policy-version", strconv.FormatInt(p.Version, 10))
	e.emit(SubjectPolicyChanged, h, p)
}
