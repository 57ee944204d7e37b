package model

import (
	"math"
	"time"
)

// Destination is a single remote endpoint observed in an activity report
type Destination struct {
	IP     string `json:"ip"`
	Port   int    `json:"port"`
	Domain string `json:"domain,omitempty"`
}

// ActivityReport represents one telemetry observation submitted by an endpoint agent
type ActivityReport struct {
	EndpointID   string        `json:"endpoint_id"`
	ReceivedAt   time.Time     `json:"received_at"`
	CollectedAt  *time.Time    `json:"collected_at,omitempty"` // agent clock, informational only
	BytesSent    int64         `json:"bytes_sent"`
	BytesRecv    int64         `json:"bytes_recv"`
	ProcessNames []string      `json:"processes"`
	CPUPercent   float64       `json:"cpu_percent"`
	Destinations []Destination `json:"destinations"`
}

// TotalBytes returns the combined sent and received byte count, saturating at math.MaxInt64
func (r *ActivityReport) TotalBytes() int64 {
	if r.BytesSent > 0 && r.BytesRecv > math.MaxInt64-r.BytesSent {
		return math.MaxInt64
	}
	return r.BytesSent + r.BytesRecv
}

// Activity is the persisted audit record of an ingested report
type Activity struct {
	ID     string         `json:"id"`
	Report ActivityReport `json:"report"`
}

// IngestResult is returned to the agent after a report has been processed
type IngestResult struct {
	ActivityID    string   `json:"activity_id"`
	AlertsCreated []string `json:"alerts_created"`
}
