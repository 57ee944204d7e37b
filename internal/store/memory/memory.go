// Package memory is an in-process store used for tests and single-node runs
// where durability is not needed.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"aegisflux/backend/fleetwatch/internal/model"
)

type commandRecord struct {
	seq int64
	cmd model.Command
}

type alertRecord struct {
	seq   int64
	alert model.Alert
}

// Store keeps every collection in maps guarded by a single RWMutex
type Store struct {
	mu         sync.RWMutex
	seq        int64
	activities map[string]model.Activity
	alerts     map[string]*alertRecord
	commands   map[string]*commandRecord
	pending    map[string][]string // endpoint id -> undelivered command ids in creation order
	endpoints  map[string]model.Endpoint
	policy     *model.Policy
	closed     bool
}

// New creates an empty memory store
func New() *Store {
	return &Store{
		activities: make(map[string]model.Activity),
		alerts:     make(map[string]*alertRecord),
		commands:   make(map[string]*commandRecord),
		pending:    make(map[string][]string),
		endpoints:  make(map[string]model.Endpoint),
	}
}

func (s *Store) check(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return fmt.Errorf("%w: %v", model.ErrUnavailable, err)
	}
	if s.closed {
		return fmt.Errorf("%w: store closed", model.ErrUnavailable)
	}
	return nil
}

func (s *Store) nextSeq() int64 {
	s.seq++
	return s.seq
}

// InsertActivity stores a copy of the activity
func (s *Store) InsertActivity(ctx context.Context, a *model.Activity) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.activities[a.ID]; ok {
		return fmt.Errorf("activity %s already exists", a.ID)
	}
	cp := *a
	cp.Report.ProcessNames = append([]string(nil), a.Report.ProcessNames...)
	cp.Report.Destinations = append([]model.Destination(nil), a.Report.Destinations...)
	s.activities[a.ID] = cp
	return nil
}

func (s *Store) GetActivity(ctx context.Context, id string) (*model.Activity, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	a, ok := s.activities[id]
	if !ok {
		return nil, fmt.Errorf("activity %s: %w", id, model.ErrNotFound)
	}
	return &a, nil
}

func (s *Store) PruneActivities(ctx context.Context, before time.Time) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return 0, err
	}
	var n int64
	for id, a := range s.activities {
		if a.Report.ReceivedAt.Before(before) {
			delete(s.activities, id)
			n++
		}
	}
	return n, nil
}

func (s *Store) InsertAlert(ctx context.Context, a *model.Alert) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.alerts[a.ID]; ok {
		return fmt.Errorf("alert %s already exists", a.ID)
	}
	s.alerts[a.ID] = &alertRecord{seq: s.nextSeq(), alert: *a}
	return nil
}

func (s *Store) GetAlert(ctx context.Context, id string) (*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	rec, ok := s.alerts[id]
	if !ok {
		return nil, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	a := rec.alert
	return &a, nil
}

func (s *Store) ListAlerts(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	recs := make([]*alertRecord, 0, len(s.alerts))
	for _, rec := range s.alerts {
		if f.Matches(&rec.alert) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}

	out := make([]*model.Alert, len(recs))
	for i, rec := range recs {
		a := rec.alert
		out[i] = &a
	}
	return out, nil
}

func (s *Store) ResolveAlert(ctx context.Context, id string, at time.Time) (*model.Alert, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, false, err
	}
	rec, ok := s.alerts[id]
	if !ok {
		return nil, false, fmt.Errorf("alert %s: %w", id, model.ErrNotFound)
	}
	changed := rec.alert.Status == model.AlertActive
	if changed {
		resolvedAt := at
		rec.alert.Status = model.AlertResolved
		rec.alert.ResolvedAt = &resolvedAt
	}
	a := rec.alert
	return &a, changed, nil
}

func (s *Store) InsertCommand(ctx context.Context, c *model.Command) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if _, ok := s.commands[c.ID]; ok {
		return fmt.Errorf("command %s already exists", c.ID)
	}
	s.commands[c.ID] = &commandRecord{seq: s.nextSeq(), cmd: *c}
	if !c.Delivered {
		s.pending[c.EndpointID] = append(s.pending[c.EndpointID], c.ID)
	}
	return nil
}

func (s *Store) ClaimPending(ctx context.Context, endpointID string, at time.Time) ([]*model.Command, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	ids := s.pending[endpointID]
	delete(s.pending, endpointID)

	out := make([]*model.Command, 0, len(ids))
	for _, id := range ids {
		rec := s.commands[id]
		deliveredAt := at
		rec.cmd.Delivered = true
		rec.cmd.DeliveredAt = &deliveredAt
		c := rec.cmd
		out = append(out, &c)
	}
	return out, nil
}

func (s *Store) ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}

	recs := make([]*commandRecord, 0)
	for _, rec := range s.commands {
		if f.Matches(&rec.cmd) {
			recs = append(recs, rec)
		}
	}
	sort.Slice(recs, func(i, j int) bool { return recs[i].seq > recs[j].seq })
	if f.Limit > 0 && len(recs) > f.Limit {
		recs = recs[:f.Limit]
	}

	out := make([]*model.Command, len(recs))
	for i, rec := range recs {
		c := rec.cmd
		out[i] = &c
	}
	return out, nil
}

func (s *Store) LoadPolicy(ctx context.Context) (*model.Policy, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	if s.policy == nil {
		return nil, fmt.Errorf("policy: %w", model.ErrNotFound)
	}
	return s.policy.Clone(), nil
}

func (s *Store) SavePolicy(ctx context.Context, p *model.Policy) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	s.policy = p.Clone()
	return nil
}

func (s *Store) UpsertEndpoint(ctx context.Context, e *model.Endpoint) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.check(ctx); err != nil {
		return err
	}
	if existing, ok := s.endpoints[e.EndpointID]; ok {
		if existing.LastSeenAt.Before(e.LastSeenAt) {
			existing.LastSeenAt = e.LastSeenAt
			existing.LastReportID = e.LastReportID
			s.endpoints[e.EndpointID] = existing
		}
		return nil
	}
	s.endpoints[e.EndpointID] = *e
	return nil
}

func (s *Store) ListEndpoints(ctx context.Context) ([]*model.Endpoint, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if err := s.check(ctx); err != nil {
		return nil, err
	}
	out := make([]*model.Endpoint, 0, len(s.endpoints))
	for _, e := range s.endpoints {
		e := e
		out = append(out, &e)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].EndpointID < out[j].EndpointID })
	return out, nil
}

func (s *Store) Ping(ctx context.Context) error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.check(ctx)
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}
