// Package alerts exposes the operator view over raised alerts.
package alerts

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/store"
)

// MaxListLimit caps a single listing
const MaxListLimit = 1000

// Manager lists and resolves alerts
type Manager struct {
	store        store.Store
	emitter      *events.Emitter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time
}

// NewManager creates an alert manager
func NewManager(st store.Store, em *events.Emitter, m *metrics.Metrics, storeTimeout time.Duration, logger *slog.Logger) *Manager {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Manager{
		store:        st,
		emitter:      em,
		metrics:      m,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// List returns alerts matching the filter, newest first
func (m *Manager) List(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error) {
	if f.Status != "" && !f.Status.Valid() {
		return nil, fmt.Errorf("%w: unknown status %q", model.ErrInvalidArgument, f.Status)
	}
	if f.Severity != "" && !f.Severity.Valid() {
		return nil, fmt.Errorf("%w: unknown severity %q", model.ErrInvalidArgument, f.Severity)
	}
	if f.Limit < 0 {
		return nil, fmt.Errorf("%w: limit must be non-negative", model.ErrInvalidArgument)
	}
	if f.Limit == 0 || f.Limit > MaxListLimit {
		f.Limit = MaxListLimit
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.store.ListAlerts(ctx, f)
}

// Get returns one alert or model.ErrNotFound
func (m *Manager) Get(ctx context.Context, id string) (*model.Alert, error) {
	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()
	return m.store.GetAlert(ctx, strings.TrimSpace(id))
}

// Resolve marks the alert resolved. Resolving twice returns the same state without error,
// and concurrent resolves count and emit once.
func (m *Manager) Resolve(ctx context.Context, id string) (*model.Alert, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return nil, fmt.Errorf("%w: alert id is required", model.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, m.storeTimeout)
	defer cancel()

	after, changed, err := m.store.ResolveAlert(ctx, id, m.now().UTC())
	if err != nil {
		return nil, err
	}
	// only the call that made the transition reports it
	if !changed {
		return after, nil
	}

	m.metrics.AlertsResolved.Inc()
	m.emitter.AlertResolved(after)
	m.logger.Info("alert resolved", "alert_id", id, "endpoint_id", after.EndpointID)
	return after, nil
}
