package events

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/nats-io/nats.go"

	"aegisflux/backend/fleetwatch/internal/model"
)

// Ingester is the part of the ingestion pipeline the subscriber needs
type Ingester interface {
	Ingest(ctx context.Context, r *model.ActivityReport) (*model.IngestResult, error)
}

// Subscriber accepts activity reports published by agents that speak NATS instead of HTTP
type Subscriber struct {
	nc       *nats.Conn
	queue    string
	ingester Ingester
	timeout  time.Duration
	logger   *slog.Logger
	sub      *nats.Subscription
}

// reply is sent back when the agent used request/reply
type reply struct {
	ActivityID    string   `json:"activity_id,omitempty"`
	AlertsCreated []string `json:"alerts_created,omitempty"`
	Error         string   `json:"error,omitempty"`
}

// NewSubscriber creates a queue subscriber; every replica shares the queue group
func NewSubscriber(nc *nats.Conn, queue string, ingester Ingester, timeout time.Duration, logger *slog.Logger) *Subscriber {
	return &Subscriber{
		nc:       nc,
		queue:    queue,
		ingester: ingester,
		timeout:  timeout,
		logger:   logger,
	}
}

// Subscribe listens until ctx is canceled, then drains the subscription
func (s *Subscriber) Subscribe(ctx context.Context) error {
	sub, err := s.nc.QueueSubscribe(SubjectTelemetry, s.queue, s.handleMessage)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", SubjectTelemetry, err)
	}
	s.sub = sub
	s.logger.Info("subscribed to telemetry", "subject", SubjectTelemetry, "queue", s.queue)

	<-ctx.Done()

	if err := sub.Drain(); err != nil {
		s.logger.Error("failed to drain telemetry subscription", "error", err)
		return err
	}
	s.logger.Info("telemetry subscription drained")
	return nil
}

func (s *Subscriber) handleMessage(msg *nats.Msg) {
	out := s.handle(msg.Data)
	if msg.Reply == "" {
		return
	}
	data, err := json.Marshal(out)
	if err != nil {
		s.logger.Error("failed to marshal reply", "error", err)
		return
	}
	if err := msg.Respond(data); err != nil {
		s.logger.Warn("failed to respond to telemetry request", "error", err)
	}
}

func (s *Subscriber) handle(data []byte) reply {
	var r model.ActivityReport
	if err := json.Unmarshal(data, &r); err != nil {
		s.logger.Warn("failed to decode telemetry message", "error", err)
		return reply{Error: fmt.Sprintf("%v: %v", model.ErrInvalidReport, err)}
	}

	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	res, err := s.ingester.Ingest(ctx, &r)
	if err != nil {
		s.logger.Warn("telemetry ingest failed", "endpoint_id", r.EndpointID, "error", err)
		return reply{Error: err.Error()}
	}
	return reply{ActivityID: res.ActivityID, AlertsCreated: res.AlertsCreated}
}
