// Package dispatch queues enforcement commands and hands them to polling endpoints.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"time"

	"github.com/google/uuid"
	lru "github.com/hashicorp/golang-lru/v2"

	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/registry"
	"aegisflux/backend/fleetwatch/internal/store"
)

// Origin labels why a command was created
const (
	OriginOperator  = "operator"
	OriginFanOut    = "fanout"
	OriginReconcile = "reconcile"
)

// Options tunes the dispatcher
type Options struct {
	StoreTimeout time.Duration
	CacheSize    int
}

// Dispatcher owns the command queue. PollPending, Enqueue and BlockedDomains for the
// same endpoint are serialized; different endpoints proceed in parallel.
type Dispatcher struct {
	store        store.Store
	registry     *registry.Registry
	emitter      *events.Emitter
	metrics      *metrics.Metrics
	logger       *slog.Logger
	locks        *keyedMutex
	blocked      *lru.Cache[string, []string]
	storeTimeout time.Duration
	now          func() time.Time
}

// New creates a dispatcher
func New(st store.Store, reg *registry.Registry, em *events.Emitter, m *metrics.Metrics, logger *slog.Logger, opts Options) (*Dispatcher, error) {
	if opts.StoreTimeout <= 0 {
		opts.StoreTimeout = 5 * time.Second
	}
	if opts.CacheSize <= 0 {
		opts.CacheSize = 1024
	}
	cache, err := lru.New[string, []string](opts.CacheSize)
	if err != nil {
		return nil, fmt.Errorf("failed to create blocklist cache: %w", err)
	}
	return &Dispatcher{
		store:        st,
		registry:     reg,
		emitter:      em,
		metrics:      m,
		logger:       logger,
		locks:        newKeyedMutex(),
		blocked:      cache,
		storeTimeout: opts.StoreTimeout,
		now:          time.Now,
	}, nil
}

func validateDirective(kind model.CommandKind, domain string) (string, error) {
	if kind != model.CommandBlockDomain && kind != model.CommandUnblockDomain {
		return "", fmt.Errorf("%w: unknown command kind %q", model.ErrInvalidArgument, kind)
	}
	d := model.NormalizeDomain(domain)
	if d == "" {
		return "", fmt.Errorf("%w: domain is required", model.ErrInvalidArgument)
	}
	if strings.ContainsAny(d, " \t/") {
		return "", fmt.Errorf("%w: invalid domain %q", model.ErrInvalidArgument, domain)
	}
	return d, nil
}

// CommandEndpoint queues a single directive for one known endpoint. The policy is not touched.
func (d *Dispatcher) CommandEndpoint(ctx context.Context, endpointID string, kind model.CommandKind, domain, reason string) (*model.Command, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return nil, fmt.Errorf("%w: endpoint_id is required", model.ErrInvalidArgument)
	}
	if !d.registry.Known(endpointID) {
		return nil, fmt.Errorf("endpoint %s: %w", endpointID, model.ErrNotFound)
	}
	return d.Enqueue(ctx, endpointID, kind, domain, reason, OriginOperator)
}

// Enqueue persists one command and invalidates the endpoint's cached blocklist
func (d *Dispatcher) Enqueue(ctx context.Context, endpointID string, kind model.CommandKind, domain, reason, origin string) (*model.Command, error) {
	normalized, err := validateDirective(kind, domain)
	if err != nil {
		return nil, err
	}

	cmd := &model.Command{
		ID:         uuid.NewString(),
		EndpointID: endpointID,
		Kind:       kind,
		Domain:     normalized,
		Reason:     reason,
		CreatedAt:  d.now().UTC(),
	}

	if err := d.insert(ctx, cmd); err != nil {
		return nil, err
	}

	d.metrics.CommandsCreated.WithLabelValues(string(kind), origin).Inc()
	d.emitter.CommandCreated(cmd)
	d.logger.Info("command queued",
		"command_id", cmd.ID,
		"endpoint_id", endpointID,
		"kind", kind,
		"domain", normalized,
		"origin", origin)
	return cmd, nil
}

// insert holds the endpoint lock across the write and the cache invalidation.
// The wait for the lock shares the store timeout.
func (d *Dispatcher) insert(ctx context.Context, cmd *model.Command) error {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()

	unlock, err := d.locks.Lock(ctx, cmd.EndpointID)
	if err != nil {
		return fmt.Errorf("queue command: %w", err)
	}
	defer unlock()

	if err := d.store.InsertCommand(ctx, cmd); err != nil {
		return fmt.Errorf("queue command for %s: %w", cmd.EndpointID, err)
	}
	d.blocked.Remove(cmd.EndpointID)
	return nil
}

// FanOut queues the directive for every endpoint in the current registry snapshot.
// A failure for one endpoint is recorded and the rest continue.
func (d *Dispatcher) FanOut(ctx context.Context, kind model.CommandKind, domain, reason string) (*model.FanOutResult, error) {
	normalized, err := validateDirective(kind, domain)
	if err != nil {
		return nil, err
	}

	targets := d.registry.Snapshot()
	result := &model.FanOutResult{
		Kind:        kind,
		Domain:      normalized,
		EndpointIDs: make([]string, 0, len(targets)),
	}
	for _, ep := range targets {
		if _, err := d.Enqueue(ctx, ep.EndpointID, kind, normalized, reason, OriginFanOut); err != nil {
			d.metrics.FanOutFailures.Inc()
			d.logger.Warn("fan-out enqueue failed", "endpoint_id", ep.EndpointID, "domain", normalized, "error", err)
			result.Failures = append(result.Failures, model.FanOutFailure{EndpointID: ep.EndpointID, Error: err.Error()})
			continue
		}
		result.EndpointIDs = append(result.EndpointIDs, ep.EndpointID)
	}
	result.CommandsCreated = len(result.EndpointIDs)

	d.logger.Info("fan-out complete",
		"kind", kind,
		"domain", normalized,
		"targets", len(targets),
		"created", result.CommandsCreated,
		"failed", len(result.Failures))
	return result, nil
}

// PollPending returns the endpoint's undelivered commands in creation order and marks
// them delivered. A command is returned by at most one call; an unknown endpoint gets none.
func (d *Dispatcher) PollPending(ctx context.Context, endpointID string) ([]*model.Command, error) {
	endpointID = strings.TrimSpace(endpointID)
	if endpointID == "" {
		return nil, fmt.Errorf("%w: endpoint_id is required", model.ErrInvalidArgument)
	}

	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()

	unlock, err := d.locks.Lock(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("poll commands: %w", err)
	}
	defer unlock()

	cmds, err := d.store.ClaimPending(ctx, endpointID, d.now().UTC())
	if err != nil {
		return nil, fmt.Errorf("poll commands for %s: %w", endpointID, err)
	}
	if len(cmds) > 0 {
		d.metrics.CommandsDelivered.Add(float64(len(cmds)))
		d.logger.Info("commands delivered", "endpoint_id", endpointID, "count", len(cmds))
	}
	return cmds, nil
}

// ListCommands is the admin view over every command
func (d *Dispatcher) ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, error) {
	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()
	return d.store.ListCommands(ctx, f)
}

// BlockedDomains returns the domains whose most recent command for the endpoint is a block,
// delivered or not. Results are cached until the next command for the endpoint.
func (d *Dispatcher) BlockedDomains(ctx context.Context, endpointID string) ([]string, error) {
	if cached, ok := d.blocked.Get(endpointID); ok {
		return append([]string(nil), cached...), nil
	}

	ctx, cancel := context.WithTimeout(ctx, d.storeTimeout)
	defer cancel()

	unlock, err := d.locks.Lock(ctx, endpointID)
	if err != nil {
		return nil, fmt.Errorf("blocked domains: %w", err)
	}
	defer unlock()

	if cached, ok := d.blocked.Get(endpointID); ok {
		return append([]string(nil), cached...), nil
	}

	cmds, err := d.store.ListCommands(ctx, model.CommandFilter{EndpointID: endpointID})
	if err != nil {
		return nil, fmt.Errorf("blocked domains for %s: %w", endpointID, err)
	}

	// newest first, so the first command seen per domain decides
	latest := make(map[string]model.CommandKind)
	for _, c := range cmds {
		if _, seen := latest[c.Domain]; !seen {
			latest[c.Domain] = c.Kind
		}
	}
	blocked := make([]string, 0, len(latest))
	for domain, kind := range latest {
		if kind == model.CommandBlockDomain {
			blocked = append(blocked, domain)
		}
	}
	sort.Strings(blocked)

	d.blocked.Add(endpointID, blocked)
	return append([]string(nil), blocked...), nil
}
