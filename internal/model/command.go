package model

import (
	"fmt"
	"strings"
	"time"
)

// CommandKind is the enforcement directive an agent applies
type CommandKind string

const (
	CommandBlockDomain   CommandKind = "BLOCK_DOMAIN"
	CommandUnblockDomain CommandKind = "UNBLOCK_DOMAIN"
)

// ParseCommandKind accepts the wire names case-insensitively
func ParseCommandKind(s string) (CommandKind, error) {
	switch CommandKind(strings.ToUpper(strings.TrimSpace(s))) {
	case CommandBlockDomain:
		return CommandBlockDomain, nil
	case CommandUnblockDomain:
		return CommandUnblockDomain, nil
	}
	return "", fmt.Errorf("%w: unknown command kind %q", ErrInvalidArgument, s)
}

// Command is a directive queued for one endpoint. Once delivered it is never mutated again.
type Command struct {
	ID          string      `json:"id"`
	EndpointID  string      `json:"endpoint_id"`
	Kind        CommandKind `json:"kind"`
	Domain      string      `json:"domain"`
	Reason      string      `json:"reason"`
	CreatedAt   time.Time   `json:"created_at"`
	Delivered   bool        `json:"delivered"`
	DeliveredAt *time.Time  `json:"delivered_at,omitempty"`
}

// CommandFilter selects commands for the admin listing
type CommandFilter struct {
	EndpointID string
	Delivered  *bool
	Limit      int
}

// Matches reports whether the command satisfies the filter, ignoring Limit
func (f CommandFilter) Matches(c *Command) bool {
	if f.EndpointID != "" && c.EndpointID != f.EndpointID {
		return false
	}
	if f.Delivered != nil && c.Delivered != *f.Delivered {
		return false
	}
	return true
}

// FanOutFailure records an endpoint a policy-wide directive could not be queued for
type FanOutFailure struct {
	EndpointID string `json:"endpoint_id"`
	Error      string `json:"error"`
}

// FanOutResult is what the operator observes after a policy-wide directive
type FanOutResult struct {
	Kind            CommandKind     `json:"kind"`
	Domain          string          `json:"domain"`
	CommandsCreated int             `json:"commands_created"`
	EndpointIDs     []string        `json:"endpoint_ids"`
	Failures        []FanOutFailure `json:"failures,omitempty"`
}
