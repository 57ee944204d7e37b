// Package policy owns the fleet policy singleton and the operator mutations on it.
package policy

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"time"

	"gopkg.in/yaml.v3"

	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/store"
)

// Store holds the current policy as an immutable, versioned value. Readers get clones;
// writers are serialized and persist before the new value becomes visible.
type Store struct {
	st           store.Store
	logger       *slog.Logger
	storeTimeout time.Duration
	now          func() time.Time

	writeMu sync.Mutex
	mu      sync.RWMutex
	current *model.Policy
}

// NewStore creates a policy store over the persistence layer
func NewStore(st store.Store, storeTimeout time.Duration, logger *slog.Logger) *Store {
	if storeTimeout <= 0 {
		storeTimeout = 5 * time.Second
	}
	return &Store{
		st:           st,
		logger:       logger,
		storeTimeout: storeTimeout,
		now:          time.Now,
	}
}

// Init loads the persisted policy. When none exists the seed is saved as version 1.
func (s *Store) Init(ctx context.Context, seed *model.Policy) error {
	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()

	p, err := s.st.LoadPolicy(ctx)
	switch {
	case err == nil:
		s.logger.Info("policy loaded", "version", p.Version)
	case errors.Is(err, model.ErrNotFound):
		if seed == nil {
			seed = &model.Policy{}
		}
		p = seed.Clone()
		p.Normalize()
		if err := p.Thresholds.Validate(); err != nil {
			return fmt.Errorf("seed policy: %w", err)
		}
		p.Version = 1
		p.UpdatedAt = s.now().UTC()
		if err := s.st.SavePolicy(ctx, p); err != nil {
			return fmt.Errorf("save seed policy: %w", err)
		}
		s.logger.Info("policy seeded", "version", p.Version,
			"blocked_domains", len(p.BlockedDomains),
			"blocked_keywords", len(p.BlockedKeywords))
	default:
		return fmt.Errorf("load policy: %w", err)
	}

	s.mu.Lock()
	s.current = p
	s.mu.Unlock()
	return nil
}

// Snapshot returns a private copy of the current policy
func (s *Store) Snapshot() *model.Policy {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.current == nil {
		p := &model.Policy{}
		p.Normalize()
		return p
	}
	return s.current.Clone()
}

// Update applies fn to a copy of the policy. If fn reports a change the version is
// bumped, the copy persisted and then published to readers. The returned policy is a copy.
func (s *Store) Update(ctx context.Context, fn func(p *model.Policy) (bool, error)) (*model.Policy, bool, error) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	next := s.Snapshot()
	changed, err := fn(next)
	if err != nil {
		return nil, false, err
	}
	if !changed {
		return next, false, nil
	}
	next.Version++
	next.UpdatedAt = s.now().UTC()

	ctx, cancel := context.WithTimeout(ctx, s.storeTimeout)
	defer cancel()
	if err := s.st.SavePolicy(ctx, next); err != nil {
		return nil, false, fmt.Errorf("save policy: %w", err)
	}

	s.mu.Lock()
	s.current = next.Clone()
	s.mu.Unlock()

	return next, true, nil
}

// LoadSeedFile reads a YAML policy document on top of defaults
func LoadSeedFile(path string, defaults *model.Policy) (*model.Policy, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy file %s: %w", path, err)
	}

	p := defaults.Clone()
	if p == nil {
		p = &model.Policy{}
	}
	if err := yaml.Unmarshal(data, p); err != nil {
		return nil, fmt.Errorf("parse policy file %s: %w", path, err)
	}
	p.Normalize()
	if err := p.Thresholds.Validate(); err != nil {
		return nil, fmt.Errorf("policy file %s: %w", path, err)
	}
	return p, nil
}
