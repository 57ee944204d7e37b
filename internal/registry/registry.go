// Package registry tracks every endpoint that has ever reported.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"sync"
	"time"

	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/store"
)

// Registry is the in-memory view of known endpoints, backed by the store
type Registry struct {
	store     store.Store
	logger    *slog.Logger
	mu        sync.RWMutex
	endpoints map[string]model.Endpoint
}

// New creates an empty registry. Call Load to rebuild it from the store.
func New(st store.Store, logger *slog.Logger) *Registry {
	return &Registry{
		store:     st,
		logger:    logger,
		endpoints: make(map[string]model.Endpoint),
	}
}

// Load replaces the in-memory view with the persisted endpoints
func (r *Registry) Load(ctx context.Context) error {
	eps, err := r.store.ListEndpoints(ctx)
	if err != nil {
		return fmt.Errorf("load endpoints: %w", err)
	}

	loaded := make(map[string]model.Endpoint, len(eps))
	for _, e := range eps {
		loaded[e.EndpointID] = *e
	}

	r.mu.Lock()
	r.endpoints = loaded
	r.mu.Unlock()

	r.logger.Info("endpoint registry loaded", "endpoints", len(loaded))
	return nil
}

// Touch records a report from the endpoint. The store is written first so a failed
// write leaves the in-memory view untouched. An older report never replaces a newer one.
func (r *Registry) Touch(ctx context.Context, endpointID, reportID string, at time.Time) (model.Endpoint, error) {
	r.mu.RLock()
	e, known := r.endpoints[endpointID]
	r.mu.RUnlock()

	if !known {
		e = model.Endpoint{EndpointID: endpointID, FirstSeenAt: at}
	}
	e.LastSeenAt = at
	e.LastReportID = reportID

	if err := r.store.UpsertEndpoint(ctx, &e); err != nil {
		return model.Endpoint{}, fmt.Errorf("upsert endpoint %s: %w", endpointID, err)
	}

	r.mu.Lock()
	// a concurrent Touch may have registered it first or carried a newer report
	if cur, ok := r.endpoints[endpointID]; ok {
		if cur.FirstSeenAt.Before(e.FirstSeenAt) {
			e.FirstSeenAt = cur.FirstSeenAt
		}
		if cur.LastSeenAt.After(e.LastSeenAt) {
			e.LastSeenAt = cur.LastSeenAt
			e.LastReportID = cur.LastReportID
		}
	}
	r.endpoints[endpointID] = e
	r.mu.Unlock()

	if !known {
		r.logger.Info("new endpoint registered", "endpoint_id", endpointID)
	}
	return e, nil
}

// Get returns the endpoint or model.ErrNotFound
func (r *Registry) Get(endpointID string) (model.Endpoint, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.endpoints[endpointID]
	if !ok {
		return model.Endpoint{}, fmt.Errorf("endpoint %s: %w", endpointID, model.ErrNotFound)
	}
	return e, nil
}

// Known reports whether the endpoint has ever reported
func (r *Registry) Known(endpointID string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.endpoints[endpointID]
	return ok
}

// Snapshot returns a copy of every endpoint, sorted by id
func (r *Registry) Snapshot() []model.Endpoint {
	r.mu.RLock()
	out := make([]model.Endpoint, 0, len(r.endpoints))
	for _, e := range r.endpoints {
		out = append(out, e)
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out
}

// ActiveSince returns endpoints that reported at or after the cutoff
func (r *Registry) ActiveSince(cutoff time.Time) []model.Endpoint {
	all := r.Snapshot()
	out := all[:0]
	for _, e := range all {
		if !e.LastSeenAt.Before(cutoff) {
			out = append(out, e)
		}
	}
	return out
}

// Len returns the number of known endpoints
func (r *Registry) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return len(r.endpoints)
}
