// Package reconcile closes the gap left by fan-out for endpoints that registered after
// a domain was blocked, and applies activity retention.
package reconcile

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"aegisflux/backend/fleetwatch/internal/dispatch"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/store"
)

// Dispatcher is the part of the command queue the reconciler uses
type Dispatcher interface {
	BlockedDomains(ctx context.Context, endpointID string) ([]string, error)
	Enqueue(ctx context.Context, endpointID string, kind model.CommandKind, domain, reason, origin string) (*model.Command, error)
}

// Endpoints lists the registry
type Endpoints interface {
	Snapshot() []model.Endpoint
}

// Policies provides the current policy
type Policies interface {
	Snapshot() *model.Policy
}

const (
	reason       = "Reconciled with policy"
	pruneTimeout = 30 * time.Second
)

// Result summarizes one sweep
type Result struct {
	EndpointsChecked int                   `json:"endpoints_checked"`
	CommandsCreated  int                   `json:"commands_created"`
	Failures         []model.FanOutFailure `json:"failures,omitempty"`
	ActivitiesPruned int64                 `json:"activities_pruned"`
}

// Reconciler enqueues BlockDomain for every policy-blocked domain an endpoint's
// effective blocklist lacks. It never unblocks.
type Reconciler struct {
	dispatcher Dispatcher
	endpoints  Endpoints
	policies   Policies
	store      store.Store
	metrics    *metrics.Metrics
	logger     *slog.Logger
	interval   time.Duration
	retention  time.Duration
	now        func() time.Time
}

// New creates a reconciler. A zero retention disables pruning.
func New(d Dispatcher, eps Endpoints, ps Policies, st store.Store, m *metrics.Metrics,
	interval, retention time.Duration, logger *slog.Logger) *Reconciler {
	return &Reconciler{
		dispatcher: d,
		endpoints:  eps,
		policies:   ps,
		store:      st,
		metrics:    m,
		logger:     logger,
		interval:   interval,
		retention:  retention,
		now:        time.Now,
	}
}

// Start runs a sweep every interval until ctx is canceled. A non-positive interval disables it.
func (r *Reconciler) Start(ctx context.Context) {
	if r.interval <= 0 {
		r.logger.Info("reconciler disabled")
		return
	}
	r.logger.Info("reconciler started", "interval", r.interval.String())

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			r.logger.Info("reconciler stopped")
			return
		case <-ticker.C:
			if _, err := r.RunOnce(ctx); err != nil {
				r.logger.Error("reconcile sweep failed", "error", err)
			}
		}
	}
}

// RunOnce performs one sweep and, when retention is set, prunes old activities
func (r *Reconciler) RunOnce(ctx context.Context) (*Result, error) {
	res := &Result{}
	blocked := r.policies.Snapshot().BlockedDomains

	for _, ep := range r.endpoints.Snapshot() {
		if ctx.Err() != nil {
			return res, ctx.Err()
		}
		res.EndpointsChecked++
		if len(blocked) == 0 {
			continue
		}

		effective, err := r.dispatcher.BlockedDomains(ctx, ep.EndpointID)
		if err != nil {
			res.Failures = append(res.Failures, model.FanOutFailure{EndpointID: ep.EndpointID, Error: err.Error()})
			continue
		}
		have := model.NewStringSet(effective...)

		for _, domain := range blocked.Sorted() {
			if have.Has(domain) {
				continue
			}
			if _, err := r.dispatcher.Enqueue(ctx, ep.EndpointID, model.CommandBlockDomain, domain, reason, dispatch.OriginReconcile); err != nil {
				res.Failures = append(res.Failures, model.FanOutFailure{EndpointID: ep.EndpointID, Error: err.Error()})
				continue
			}
			res.CommandsCreated++
			r.metrics.ReconcileCommands.Inc()
		}
	}

	if r.retention > 0 {
		pctx, cancel := context.WithTimeout(ctx, pruneTimeout)
		n, err := r.store.PruneActivities(pctx, r.now().Add(-r.retention))
		cancel()
		if err != nil {
			return res, fmt.Errorf("prune activities: %w", err)
		}
		res.ActivitiesPruned = n
		r.metrics.ActivitiesPruned.Add(float64(n))
	}

	r.logger.Info("reconcile sweep complete",
		"endpoints", res.EndpointsChecked,
		"commands_created", res.CommandsCreated,
		"failures", len(res.Failures),
		"activities_pruned", res.ActivitiesPruned)
	return res, nil
}
