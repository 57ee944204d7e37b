package model

// Severity is the impact level attached to a finding and the alert it produces
type Severity string

const (
	SeverityLow      Severity = "low"
	SeverityMedium   Severity = "medium"
	SeverityHigh     Severity = "high"
	SeverityCritical Severity = "critical"
)

var severityLevels = map[Severity]int{
	SeverityLow:      1,
	SeverityMedium:   2,
	SeverityHigh:     3,
	SeverityCritical: 4,
}

// Valid reports whether s is one of the known severities
func (s Severity) Valid() bool {
	_, ok := severityLevels[s]
	return ok
}

// Level returns the numeric rank of s, 0 when unknown
func (s Severity) Level() int {
	return severityLevels[s]
}

// FindingKind identifies the detection rule that produced a finding
type FindingKind string

const (
	FindingBlockedProcess       FindingKind = "blocked_process"
	FindingBandwidthExceeded    FindingKind = "bandwidth_exceeded"
	FindingSuspiciousDomain     FindingKind = "suspicious_domain"
	FindingExcessiveConnections FindingKind = "excessive_connections"
	FindingHighCPU              FindingKind = "high_cpu"
)

// FindingKinds lists every kind in rule declaration order
var FindingKinds = []FindingKind{
	FindingBlockedProcess,
	FindingBandwidthExceeded,
	FindingSuspiciousDomain,
	FindingExcessiveConnections,
	FindingHighCPU,
}

// findingSeverity is the single place a kind's severity is declared
var findingSeverity = map[FindingKind]Severity{
	FindingBlockedProcess:       SeverityHigh,
	FindingBandwidthExceeded:    SeverityMedium,
	FindingSuspiciousDomain:     SeverityMedium,
	FindingExcessiveConnections: SeverityMedium,
	FindingHighCPU:              SeverityLow,
}

// Severity returns the severity declared for the kind
func (k FindingKind) Severity() Severity {
	return findingSeverity[k]
}

// Finding is a single rule match produced by the detector
type Finding struct {
	Kind           FindingKind `json:"kind"`
	Severity       Severity    `json:"severity"`
	Detail         string      `json:"detail"`
	SourceReportID string      `json:"source_report_id,omitempty"`
}

// NewFinding builds a finding whose severity comes from the kind table
func NewFinding(kind FindingKind, detail, sourceReportID string) Finding {
	return Finding{
		Kind:           kind,
		Severity:       kind.Severity(),
		Detail:         detail,
		SourceReportID: sourceReportID,
	}
}
