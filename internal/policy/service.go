package policy

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/model"
)

// FanOuter queues one directive per registered endpoint
type FanOuter interface {
	FanOut(ctx context.Context, kind model.CommandKind, domain, reason string) (*model.FanOutResult, error)
}

const (
	defaultBlockReason   = "Blocked by policy"
	defaultUnblockReason = "Removed from blocked domains"
)

// Service is the operator-facing mutation path for the policy
type Service struct {
	policies *Store
	fanout   FanOuter
	emitter  *events.Emitter
	logger   *slog.Logger
}

// NewService creates the policy service
func NewService(policies *Store, fanout FanOuter, emitter *events.Emitter, logger *slog.Logger) *Service {
	return &Service{
		policies: policies,
		fanout:   fanout,
		emitter:  emitter,
		logger:   logger,
	}
}

// Policy returns the current policy
func (s *Service) Policy() *model.Policy {
	return s.policies.Snapshot()
}

func normalizeEntry(field, v string) (string, error) {
	n := model.NormalizeDomain(v)
	if n == "" {
		return "", fmt.Errorf("%w: %s is required", model.ErrInvalidArgument, field)
	}
	if strings.ContainsAny(n, " \t/") {
		return "", fmt.Errorf("%w: invalid %s %q", model.ErrInvalidArgument, field, v)
	}
	return n, nil
}

func (s *Service) update(ctx context.Context, op string, fn func(p *model.Policy) (bool, error)) (*model.Policy, error) {
	p, changed, err := s.policies.Update(ctx, fn)
	if err != nil {
		return nil, err
	}
	if changed {
		s.emitter.PolicyChanged(p)
		s.logger.Info("policy updated", "op", op, "version", p.Version)
	}
	return p, nil
}

// SetBlockedDomain adds the domain to the policy and queues a block for every known
// endpoint. The fan-out runs even when the domain was already blocked.
func (s *Service) SetBlockedDomain(ctx context.Context, domain, reason string) (*model.FanOutResult, error) {
	d, err := normalizeEntry("domain", domain)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = defaultBlockReason
	}
	if _, err := s.update(ctx, "block_domain", func(p *model.Policy) (bool, error) {
		return p.BlockedDomains.Add(d), nil
	}); err != nil {
		return nil, err
	}
	return s.fanout.FanOut(ctx, model.CommandBlockDomain, d, reason)
}

// RemoveBlockedDomain drops the domain from the policy and queues an unblock for every known endpoint
func (s *Service) RemoveBlockedDomain(ctx context.Context, domain, reason string) (*model.FanOutResult, error) {
	d, err := normalizeEntry("domain", domain)
	if err != nil {
		return nil, err
	}
	if reason == "" {
		reason = defaultUnblockReason
	}
	if _, err := s.update(ctx, "unblock_domain", func(p *model.Policy) (bool, error) {
		return p.BlockedDomains.Remove(d), nil
	}); err != nil {
		return nil, err
	}
	return s.fanout.FanOut(ctx, model.CommandUnblockDomain, d, reason)
}

func (s *Service) AddAllowedDomain(ctx context.Context, domain string) (*model.Policy, error) {
	d, err := normalizeEntry("domain", domain)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, "allow_domain", func(p *model.Policy) (bool, error) {
		return p.AllowedDomains.Add(d), nil
	})
}

func (s *Service) RemoveAllowedDomain(ctx context.Context, domain string) (*model.Policy, error) {
	d, err := normalizeEntry("domain", domain)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, "disallow_domain", func(p *model.Policy) (bool, error) {
		return p.AllowedDomains.Remove(d), nil
	})
}

func (s *Service) AddBlockedKeyword(ctx context.Context, keyword string) (*model.Policy, error) {
	k, err := normalizeEntry("keyword", keyword)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, "add_keyword", func(p *model.Policy) (bool, error) {
		return p.BlockedKeywords.Add(k), nil
	})
}

func (s *Service) RemoveBlockedKeyword(ctx context.Context, keyword string) (*model.Policy, error) {
	k, err := normalizeEntry("keyword", keyword)
	if err != nil {
		return nil, err
	}
	return s.update(ctx, "remove_keyword", func(p *model.Policy) (bool, error) {
		return p.BlockedKeywords.Remove(k), nil
	})
}

// UpdateThresholds applies a partial thresholds change
func (s *Service) UpdateThresholds(ctx context.Context, u model.ThresholdsUpdate) (*model.Policy, error) {
	if u.Empty() {
		return nil, fmt.Errorf("%w: no thresholds given", model.ErrInvalidArgument)
	}
	return s.update(ctx, "thresholds", func(p *model.Policy) (bool, error) {
		next := u.Apply(p.Thresholds)
		if err := next.Validate(); err != nil {
			return false, err
		}
		if next == p.Thresholds {
			return false, nil
		}
		p.Thresholds = next
		return true, nil
	})
}
