// Package detect evaluates activity reports against the fleet policy.
package detect

import (
	"fmt"
	"strings"

	"aegisflux/backend/fleetwatch/internal/model"
)

// networkToolKeywords flag a destination domain as suspicious on substring match.
// The set is fixed and independent of the policy's process keywords.
var networkToolKeywords = []string{"torrent", "proxy", "vpn"}

const bytesPerMB = 1024 * 1024

// rule is one detection check. Rules never share state.
type rule func(r *model.ActivityReport, p *model.Policy, reportID string) []model.Finding

// rules run in declaration order and every one of them runs
var rules = []rule{
	blockedProcesses,
	bandwidthExceeded,
	suspiciousDomains,
	excessiveConnections,
	highCPU,
}

// Detect returns every finding the report triggers under the policy, ordered by rule.
// The report is assumed valid. reportID is stamped on each finding and may be empty.
func Detect(r *model.ActivityReport, p *model.Policy, reportID string) []model.Finding {
	if r == nil || p == nil {
		return nil
	}
	var findings []model.Finding
	for _, check := range rules {
		findings = append(findings, check(r, p, reportID)...)
	}
	return findings
}

func blockedProcesses(r *model.ActivityReport, p *model.Policy, reportID string) []model.Finding {
	if len(r.ProcessNames) == 0 || len(p.BlockedKeywords) == 0 {
		return nil
	}
	keywords := p.BlockedKeywords.Sorted()

	var findings []model.Finding
	seen := make(map[string]struct{}, len(r.ProcessNames))
	for _, name := range r.ProcessNames {
		if _, dup := seen[name]; dup {
			continue
		}
		seen[name] = struct{}{}

		if containsAny(strings.ToLower(name), keywords) {
			findings = append(findings, model.NewFinding(model.FindingBlockedProcess,
				fmt.Sprintf("Blocked application detected: %s", name), reportID))
		}
	}
	return findings
}

func bandwidthExceeded(r *model.ActivityReport, p *model.Policy, reportID string) []model.Finding {
	total := r.TotalBytes()
	if total <= p.BandwidthBytes {
		return nil
	}
	detail := fmt.Sprintf("Bandwidth threshold exceeded: %.2f MB (limit: %.0f MB)",
		float64(total)/bytesPerMB, float64(p.BandwidthBytes)/bytesPerMB)
	return []model.Finding{model.NewFinding(model.FindingBandwidthExceeded, detail, reportID)}
}

func suspiciousDomains(r *model.ActivityReport, p *model.Policy, reportID string) []model.Finding {
	var findings []model.Finding
	seen := make(map[string]struct{})
	for _, d := range r.Destinations {
		domain := model.NormalizeDomain(d.Domain)
		if domain == "" {
			continue
		}
		if _, dup := seen[domain]; dup {
			continue
		}
		seen[domain] = struct{}{}

		// allow-list is an exact match and wins over both checks
		if p.AllowedDomains.Has(domain) {
			continue
		}
		switch {
		case p.BlockedDomains.Has(domain):
			findings = append(findings, model.NewFinding(model.FindingSuspiciousDomain,
				fmt.Sprintf("Blocked domain access detected: %s", domain), reportID))
		case containsAny(domain, networkToolKeywords):
			findings = append(findings, model.NewFinding(model.FindingSuspiciousDomain,
				fmt.Sprintf("Suspicious domain access detected: %s", domain), reportID))
		}
	}
	return findings
}

func excessiveConnections(r *model.ActivityReport, p *model.Policy, reportID string) []model.Finding {
	n := len(r.Destinations)
	if n == 0 || n <= p.ConnectionCount {
		return nil
	}
	detail := fmt.Sprintf("Excessive network connections detected: %d active connections (limit: %d)",
		n, p.ConnectionCount)
	return []model.Finding{model.NewFinding(model.FindingExcessiveConnections, detail, reportID)}
}

func highCPU(r *model.ActivityReport, p *model.Policy, reportID string) []model.Finding {
	if r.CPUPercent <= p.CPUPercent {
		return nil
	}
	detail := fmt.Sprintf("High CPU usage detected: %.1f%% (threshold: %g%%)", r.CPUPercent, p.CPUPercent)
	return []model.Finding{model.NewFinding(model.FindingHighCPU, detail, reportID)}
}

func containsAny(s string, needles []string) bool {
	for _, n := range needles {
		if n != "" && strings.Contains(s, n) {
			return true
		}
	}
	return false
}
