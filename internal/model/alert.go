package model

import "time"

// AlertStatus is the lifecycle state of an alert
type AlertStatus string

const (
	AlertActive   AlertStatus = "active"
	AlertResolved AlertStatus = "resolved"
)

// Valid reports whether s is a known status
func (s AlertStatus) Valid() bool {
	return s == AlertActive || s == AlertResolved
}

// Alert is raised by ingestion from a finding and resolved by an operator
type Alert struct {
	ID             string      `json:"id"`
	EndpointID     string      `json:"endpoint_id"`
	Kind           FindingKind `json:"kind"`
	Reason         string      `json:"reason"`
	Severity       Severity    `json:"severity"`
	Status         AlertStatus `json:"status"`
	CreatedAt      time.Time   `json:"created_at"`
	ResolvedAt     *time.Time  `json:"resolved_at,omitempty"`
	SourceReportID string      `json:"source_report_id"`
}

// AlertFilter selects alerts for listing; zero values match everything
type AlertFilter struct {
	Status     AlertStatus
	Severity   Severity
	EndpointID string
	Limit      int
}

// Matches reports whether the alert satisfies the filter, ignoring Limit
func (f AlertFilter) Matches(a *Alert) bool {
	if f.Status != "" && a.Status != f.Status {
		return false
	}
	if f.Severity != "" && a.Severity != f.Severity {
		return false
	}
	if f.EndpointID != "" && a.EndpointID != f.EndpointID {
		return false
	}
	return true
}
