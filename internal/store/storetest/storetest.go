// Package storetest holds the behaviour every store.Store backend must share.
package storetest

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/store"
)

// Factory returns a fresh, empty store for one subtest
type Factory func(t *testing.T) store.Store

// Run executes the conformance suite against the backend
func Run(t *testing.T, newStore Factory) {
	tests := []struct {
		name string
		fn   func(t *testing.T, s store.Store)
	}{
		{"Activities", testActivities},
		{"AlertLifecycle", testAlertLifecycle},
		{"ListAlertsFilter", testListAlertsFilter},
		{"ClaimPendingOrder", testClaimPendingOrder},
		{"ClaimPendingConcurrent", testClaimPendingConcurrent},
		{"ListCommands", testListCommands},
		{"Policy", testPolicy},
		{"Endpoints", testEndpoints},
		{"ResolveAlertConcurrent", testResolveAlertConcurrent},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := newStore(t)
			t.Cleanup(func() { _ = s.Close() })
			tt.fn(t, s)
		})
	}
}

var base = time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

func testActivities(t *testing.T, s store.Store) {
	ctx := context.Background()

	old := &model.Activity{ID: "act-old", Report: model.ActivityReport{
		EndpointID: "pc-1", ReceivedAt: base.Add(-48 * time.Hour), BytesSent: 10,
	}}
	fresh := &model.Activity{ID: "act-new", Report: model.ActivityReport{
		EndpointID:   "pc-1",
		ReceivedAt:   base,
		ProcessNames: []string{"bash"},
		CPUPercent:   3.5,
		Destinations: []model.Destination{{IP: "10.0.0.1", Port: 53, Domain: "dns.local"}},
	}}
	require.NoError(t, s.InsertActivity(ctx, old))
	require.NoError(t, s.InsertActivity(ctx, fresh))

	got, err := s.GetActivity(ctx, "act-new")
	require.NoError(t, err)
	assert.Equal(t, "pc-1", got.Report.EndpointID)
	assert.Equal(t, []string{"bash"}, got.Report.ProcessNames)
	assert.Equal(t, "dns.local", got.Report.Destinations[0].Domain)
	assert.True(t, base.Equal(got.Report.ReceivedAt))

	n, err := s.PruneActivities(ctx, base.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, int64(1), n)

	_, err = s.GetActivity(ctx, "act-old")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func newAlert(id, endpoint string, sev model.Severity, at time.Time) *model.Alert {
	return &model.Alert{
		ID:             id,
		EndpointID:     endpoint,
		Kind:           model.FindingHighCPU,
		Reason:         "High CPU usage detected",
		Severity:       sev,
		Status:         model.AlertActive,
		CreatedAt:      at,
		SourceReportID: "act-" + id,
	}
}

func testAlertLifecycle(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertAlert(ctx, newAlert("a1", "pc-1", model.SeverityLow, base)))

	first, changed, err := s.ResolveAlert(ctx, "a1", base.Add(time.Minute))
	require.NoError(t, err)
	assert.True(t, changed)
	assert.Equal(t, model.AlertResolved, first.Status)
	require.NotNil(t, first.ResolvedAt)

	second, changed, err := s.ResolveAlert(ctx, "a1", base.Add(time.Hour))
	require.NoError(t, err)
	assert.False(t, changed)
	assert.Equal(t, model.AlertResolved, second.Status)
	assert.True(t, first.ResolvedAt.Equal(*second.ResolvedAt), "resolved_at must not move")
	assert.Equal(t, model.SeverityLow, second.Severity)

	_, _, err = s.ResolveAlert(ctx, "missing", base)
	assert.ErrorIs(t, err, model.ErrNotFound)
	_, err = s.GetAlert(ctx, "missing")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func testListAlertsFilter(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertAlert(ctx, newAlert("a1", "pc-1", model.SeverityHigh, base)))
	require.NoError(t, s.InsertAlert(ctx, newAlert("a2", "pc-2", model.SeverityLow, base.Add(time.Second))))
	require.NoError(t, s.InsertAlert(ctx, newAlert("a3", "pc-1", model.SeverityLow, base.Add(2*time.Second))))
	_, _, err := s.ResolveAlert(ctx, "a2", base.Add(time.Minute))
	require.NoError(t, err)

	ids := func(alerts []*model.Alert) []string {
		out := make([]string, 0, len(alerts))
		for _, a := range alerts {
			out = append(out, a.ID)
		}
		return out
	}

	all, err := s.ListAlerts(ctx, model.AlertFilter{})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "a2", "a1"}, ids(all))

	active, err := s.ListAlerts(ctx, model.AlertFilter{Status: model.AlertActive})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3", "a1"}, ids(active))

	low, err := s.ListAlerts(ctx, model.AlertFilter{Severity: model.SeverityLow, EndpointID: "pc-1"})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, ids(low))

	limited, err := s.ListAlerts(ctx, model.AlertFilter{Limit: 1})
	require.NoError(t, err)
	assert.Equal(t, []string{"a3"}, ids(limited))
}

func newCommand(id, endpoint, domain string, at time.Time) *model.Command {
	return &model.Command{
		ID:         id,
		EndpointID: endpoint,
		Kind:       model.CommandBlockDomain,
		Domain:     domain,
		Reason:     "policy",
		CreatedAt:  at,
	}
}

func testClaimPendingOrder(t *testing.T, s store.Store) {
	ctx := context.Background()
	// identical timestamps still keep insertion order
	require.NoError(t, s.InsertCommand(ctx, newCommand("c1", "pc-1", "a.com", base)))
	require.NoError(t, s.InsertCommand(ctx, newCommand("c2", "pc-1", "b.com", base)))
	require.NoError(t, s.InsertCommand(ctx, newCommand("c3", "pc-2", "c.com", base)))
	require.NoError(t, s.InsertCommand(ctx, newCommand("c4", "pc-1", "d.com", base.Add(time.Second))))

	claimed, err := s.ClaimPending(ctx, "pc-1", base.Add(time.Minute))
	require.NoError(t, err)
	require.Len(t, claimed, 3)
	assert.Equal(t, "c1", claimed[0].ID)
	assert.Equal(t, "c2", claimed[1].ID)
	assert.Equal(t, "c4", claimed[2].ID)
	for _, c := range claimed {
		assert.True(t, c.Delivered)
		require.NotNil(t, c.DeliveredAt)
	}

	again, err := s.ClaimPending(ctx, "pc-1", base.Add(2*time.Minute))
	require.NoError(t, err)
	assert.Empty(t, again)

	other, err := s.ClaimPending(ctx, "pc-2", base.Add(2*time.Minute))
	require.NoError(t, err)
	require.Len(t, other, 1)

	none, err := s.ClaimPending(ctx, "unknown", base)
	require.NoError(t, err)
	assert.Empty(t, none)
}

func testClaimPendingConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	const total = 50
	for i := 0; i < total; i++ {
		require.NoError(t, s.InsertCommand(ctx, newCommand(fmt.Sprintf("c%02d", i), "pc-1", "x.com", base)))
	}

	var (
		wg   sync.WaitGroup
		mu   sync.Mutex
		seen = make(map[string]int)
	)
	for w := 0; w < 8; w++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			claimed, err := s.ClaimPending(ctx, "pc-1", time.Now())
			assert.NoError(t, err)
			mu.Lock()
			defer mu.Unlock()
			for _, c := range claimed {
				seen[c.ID]++
			}
		}()
	}
	wg.Wait()

	assert.Len(t, seen, total)
	for id, n := range seen {
		assert.Equal(t, 1, n, "command %s delivered %d times", id, n)
	}
}

func testListCommands(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertCommand(ctx, newCommand("c1", "pc-1", "a.com", base)))
	require.NoError(t, s.InsertCommand(ctx, newCommand("c2", "pc-2", "b.com", base.Add(time.Second))))
	require.NoError(t, s.InsertCommand(ctx, newCommand("c3", "pc-1", "c.com", base.Add(2*time.Second))))
	_, err := s.ClaimPending(ctx, "pc-2", base.Add(time.Minute))
	require.NoError(t, err)

	all, err := s.ListCommands(ctx, model.CommandFilter{})
	require.NoError(t, err)
	require.Len(t, all, 3)
	assert.Equal(t, "c3", all[0].ID)

	delivered := true
	got, err := s.ListCommands(ctx, model.CommandFilter{Delivered: &delivered})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c2", got[0].ID)

	pending := false
	got, err = s.ListCommands(ctx, model.CommandFilter{EndpointID: "pc-1", Delivered: &pending, Limit: 1})
	require.NoError(t, err)
	require.Len(t, got, 1)
	assert.Equal(t, "c3", got[0].ID)
}

func testPolicy(t *testing.T, s store.Store) {
	ctx := context.Background()

	_, err := s.LoadPolicy(ctx)
	assert.ErrorIs(t, err, model.ErrNotFound)

	p := &model.Policy{
		BlockedDomains:  model.NewStringSet("evil.com"),
		BlockedKeywords: model.NewStringSet("nmap"),
		Thresholds:      model.Thresholds{BandwidthBytes: 1 << 20, CPUPercent: 80, ConnectionCount: 50},
		Version:         1,
		UpdatedAt:       base,
	}
	p.Normalize()
	require.NoError(t, s.SavePolicy(ctx, p))

	p.BlockedDomains.Add("worse.com")
	p.Version = 2
	require.NoError(t, s.SavePolicy(ctx, p))

	got, err := s.LoadPolicy(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(2), got.Version)
	assert.Equal(t, []string{"evil.com", "worse.com"}, got.BlockedDomains.Sorted())
	assert.NotNil(t, got.AllowedDomains)
	assert.Equal(t, 80.0, got.CPUPercent)
}

func testEndpoints(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.UpsertEndpoint(ctx, &model.Endpoint{
		EndpointID: "pc-2", FirstSeenAt: base, LastSeenAt: base, LastReportID: "r1",
	}))
	require.NoError(t, s.UpsertEndpoint(ctx, &model.Endpoint{
		EndpointID: "pc-1", FirstSeenAt: base, LastSeenAt: base, LastReportID: "r2",
	}))
	require.NoError(t, s.UpsertEndpoint(ctx, &model.Endpoint{
		EndpointID: "pc-2", FirstSeenAt: base.Add(time.Hour), LastSeenAt: base.Add(time.Hour), LastReportID: "r3",
	}))

	eps, err := s.ListEndpoints(ctx)
	require.NoError(t, err)
	require.Len(t, eps, 2)
	assert.Equal(t, "pc-1", eps[0].EndpointID)
	assert.Equal(t, "pc-2", eps[1].EndpointID)
	assert.Equal(t, "r3", eps[1].LastReportID)
	assert.True(t, base.Equal(eps[1].FirstSeenAt), "first seen must be kept")
	assert.True(t, base.Add(time.Hour).Equal(eps[1].LastSeenAt))

	// a late, older report must not move last_seen backwards
	require.NoError(t, s.UpsertEndpoint(ctx, &model.Endpoint{
		EndpointID: "pc-2", FirstSeenAt: base, LastSeenAt: base.Add(time.Minute), LastReportID: "r-stale",
	}))
	eps, err = s.ListEndpoints(ctx)
	require.NoError(t, err)
	assert.Equal(t, "r3", eps[1].LastReportID)
	assert.True(t, base.Add(time.Hour).Equal(eps[1].LastSeenAt))
}

func testResolveAlertConcurrent(t *testing.T, s store.Store) {
	ctx := context.Background()
	require.NoError(t, s.InsertAlert(ctx, newAlert("race", "pc-1", model.SeverityHigh, base)))

	const workers = 8
	var (
		wg          sync.WaitGroup
		transitions atomic.Int32
	)
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, changed, err := s.ResolveAlert(ctx, "race", base.Add(time.Minute))
			assert.NoError(t, err)
			if changed {
				transitions.Add(1)
			}
		}()
	}
	wg.Wait()
	assert.Equal(t, int32(1), transitions.Load())
}
