// Package store defines the persistence boundary for activities, alerts, commands,
// the policy singleton and the endpoint registry.
package store

import (
	"context"
	"time"

	"aegisflux/backend/fleetwatch/internal/model"
)

// Store is implemented by the memory and SQL backends.
//
// Lookups of a single record return model.ErrNotFound when it does not exist.
// Backend failures are wrapped with model.ErrUnavailable.
type Store interface {
	InsertActivity(ctx context.Context, a *model.Activity) error
	GetActivity(ctx context.Context, id string) (*model.Activity, error)
	// PruneActivities deletes activities received before the cutoff and returns how many went
	PruneActivities(ctx context.Context, before time.Time) (int64, error)

	InsertAlert(ctx context.Context, a *model.Alert) error
	GetAlert(ctx context.Context, id string) (*model.Alert, error)
	// ListAlerts returns matching alerts, newest first
	ListAlerts(ctx context.Context, f model.AlertFilter) ([]*model.Alert, error)
	// ResolveAlert moves an active alert to resolved. Already resolved alerts are returned
	// unchanged; changed reports whether this call made the transition.
	ResolveAlert(ctx context.Context, id string, at time.Time) (a *model.Alert, changed bool, err error)

	InsertCommand(ctx context.Context, c *model.Command) error
	// ClaimPending marks every undelivered command of the endpoint delivered and returns
	// them in creation order. A command is returned by at most one call.
	ClaimPending(ctx context.Context, endpointID string, at time.Time) ([]*model.Command, error)
	// ListCommands returns matching commands, newest first
	ListCommands(ctx context.Context, f model.CommandFilter) ([]*model.Command, error)

	LoadPolicy(ctx context.Context) (*model.Policy, error)
	SavePolicy(ctx context.Context, p *model.Policy) error

	// UpsertEndpoint keeps first_seen and never moves last_seen backwards
	UpsertEndpoint(ctx context.Context, e *model.Endpoint) error
	ListEndpoints(ctx context.Context) ([]*model.Endpoint, error)

	Ping(ctx context.Context) error
	Close() error
}
