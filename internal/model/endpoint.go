package model

import "time"

// Endpoint is a registry entry derived from the latest report of a managed machine
type Endpoint struct {
	EndpointID   string    `json:"endpoint_id"`
	FirstSeenAt  time.Time `json:"first_seen_at"`
	LastSeenAt   time.Time `json:"last_seen_at"`
	LastReportID string    `json:"last_report_id"`
}
