package model

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// NormalizeDomain lowercases and trims a domain or keyword. Policy sets hold normalized values only.
func NormalizeDomain(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

// StringSet is an unordered set of normalized strings that serializes as a sorted array
type StringSet map[string]struct{}

// NewStringSet builds a set from values, normalizing and dropping empties
func NewStringSet(values ...string) StringSet {
	s := make(StringSet, len(values))
	for _, v := range values {
		s.Add(v)
	}
	return s
}

// Add inserts v and reports whether the set changed
func (s StringSet) Add(v string) bool {
	v = NormalizeDomain(v)
	if v == "" {
		return false
	}
	if _, ok := s[v]; ok {
		return false
	}
	s[v] = struct{}{}
	return true
}

// Remove deletes v and reports whether the set changed
func (s StringSet) Remove(v string) bool {
	v = NormalizeDomain(v)
	if _, ok := s[v]; !ok {
		return false
	}
	delete(s, v)
	return true
}

func (s StringSet) Has(v string) bool {
	_, ok := s[NormalizeDomain(v)]
	return ok
}

// Sorted returns the members in lexical order
func (s StringSet) Sorted() []string {
	out := make([]string, 0, len(s))
	for v := range s {
		out = append(out, v)
	}
	sort.Strings(out)
	return out
}

func (s StringSet) Clone() StringSet {
	out := make(StringSet, len(s))
	for v := range s {
		out[v] = struct{}{}
	}
	return out
}

func (s StringSet) MarshalJSON() ([]byte, error) {
	return json.Marshal(s.Sorted())
}

func (s *StringSet) UnmarshalJSON(data []byte) error {
	var values []string
	if err := json.Unmarshal(data, &values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}

// MarshalYAML lets the policy seed file use plain sequences
func (s StringSet) MarshalYAML() (interface{}, error) {
	return s.Sorted(), nil
}

func (s *StringSet) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var values []string
	if err := unmarshal(&values); err != nil {
		return err
	}
	*s = NewStringSet(values...)
	return nil
}

// Thresholds are the numeric detection limits of a policy
type Thresholds struct {
	BandwidthBytes  int64   `json:"bandwidth_threshold_bytes" yaml:"bandwidth_threshold_bytes"`
	CPUPercent      float64 `json:"cpu_threshold_percent" yaml:"cpu_threshold_percent"`
	ConnectionCount int     `json:"connection_count_threshold" yaml:"connection_count_threshold"`
}

// Validate checks that thresholds are within their domains
func (t Thresholds) Validate() error {
	if t.BandwidthBytes < 0 {
		return fmt.Errorf("%w: bandwidth threshold must be non-negative", ErrInvalidArgument)
	}
	if t.CPUPercent < 0 || t.CPUPercent > 100 {
		return fmt.Errorf("%w: cpu threshold must be between 0 and 100", ErrInvalidArgument)
	}
	if t.ConnectionCount < 0 {
		return fmt.Errorf("%w: connection threshold must be non-negative", ErrInvalidArgument)
	}
	return nil
}

// ThresholdsUpdate is a partial thresholds change; nil fields are left as they are
type ThresholdsUpdate struct {
	BandwidthBytes  *int64   `json:"bandwidth_threshold_bytes,omitempty"`
	CPUPercent      *float64 `json:"cpu_threshold_percent,omitempty"`
	ConnectionCount *int     `json:"connection_count_threshold,omitempty"`
}

// Apply returns t with the non-nil fields of u applied
func (u ThresholdsUpdate) Apply(t Thresholds) Thresholds {
	if u.BandwidthBytes != nil {
		t.BandwidthBytes = *u.BandwidthBytes
	}
	if u.CPUPercent != nil {
		t.CPUPercent = *u.CPUPercent
	}
	if u.ConnectionCount != nil {
		t.ConnectionCount = *u.ConnectionCount
	}
	return t
}

// Empty reports whether the update changes nothing
func (u ThresholdsUpdate) Empty() bool {
	return u.BandwidthBytes == nil && u.CPUPercent == nil && u.ConnectionCount == nil
}

// Policy is the fleet-wide detection and enforcement configuration
type Policy struct {
	BlockedDomains  StringSet `json:"blocked_domains" yaml:"blocked_domains"`
	AllowedDomains  StringSet `json:"allowed_domains" yaml:"allowed_domains"`
	BlockedKeywords StringSet `json:"blocked_keywords" yaml:"blocked_keywords"`
	Thresholds      `yaml:",inline"`
	Version         int64     `json:"version" yaml:"-"`
	UpdatedAt       time.Time `json:"updated_at" yaml:"-"`
}

// Clone returns a deep copy safe to hand out to readers
func (p *Policy) Clone() *Policy {
	if p == nil {
		return nil
	}
	out := *p
	out.BlockedDomains = p.BlockedDomains.Clone()
	out.AllowedDomains = p.AllowedDomains.Clone()
	out.BlockedKeywords = p.BlockedKeywords.Clone()
	return &out
}

// Normalize makes sure every set is non-nil
func (p *Policy) Normalize() {
	if p.BlockedDomains == nil {
		p.BlockedDomains = StringSet{}
	}
	if p.AllowedDomains == nil {
		p.AllowedDomains = StringSet{}
	}
	if p.BlockedKeywords == nil {
		p.BlockedKeywords = StringSet{}
	}
}
