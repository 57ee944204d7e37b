package policy

import (
	"context"
	"log/slog"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/backend/fleetwatch/internal/dispatch"
	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/events/eventstest"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/registry"
	"aegisflux/backend/fleetwatch/internal/store"
	"aegisflux/backend/fleetwatch/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func seedPolicy() *model.Policy {
	p := &model.Policy{
		BlockedKeywords: model.NewStringSet("torrent", "proxy", "nmap", "wireshark", "metasploit"),
		Thresholds: model.Thresholds{
			BandwidthBytes:  500 * 1024 * 1024,
			CPUPercent:      90,
			ConnectionCount: 100,
		},
	}
	p.Normalize()
	return p
}

type fixture struct {
	store      store.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	policies   *Store
	service    *Service
	events     *eventstest.Recorder
}

func newFixture(t *testing.T, endpoints ...string) *fixture {
	t.Helper()
	ctx := context.Background()
	logger := testLogger()
	st := memory.New()
	reg := registry.New(st, logger)
	for _, id := range endpoints {
		_, err := reg.Touch(ctx, id, "r-"+id, time.Now())
		require.NoError(t, err)
	}

	rec := &eventstest.Recorder{}
	m := metrics.NewNop()
	em := events.NewEmitter(rec, m, logger)
	d, err := dispatch.New(st, reg, em, m, logger, dispatch.Options{})
	require.NoError(t, err)

	ps := NewStore(st, time.Second, logger)
	require.NoError(t, ps.Init(ctx, seedPolicy()))

	return &fixture{
		store:      st,
		registry:   reg,
		dispatcher: d,
		policies:   ps,
		service:    NewService(ps, d, em, logger),
		events:     rec,
	}
}

func TestSetBlockedDomain_FanOutToKnownEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")

	res, err := f.service.SetBlockedDomain(ctx, "torrentsite.com", "p2p")
	require.NoError(t, err)
	assert.Equal(t, 2, res.CommandsCreated)
	assert.Equal(t, []string{"A", "B"}, res.EndpointIDs)
	assert.True(t, f.service.Policy().BlockedDomains.Has("torrentsite.com"))

	first, err := f.dispatcher.PollPending(ctx, "A")
	require.NoError(t, err)
	require.Len(t, first, 1)
	assert.Equal(t, model.CommandBlockDomain, first[0].Kind)
	assert.Equal(t, "torrentsite.com", first[0].Domain)
	assert.Equal(t, "p2p", first[0].Reason)

	second, err := f.dispatcher.PollPending(ctx, "A")
	require.NoError(t, err)
	assert.Empty(t, second)
}

func TestRemoveBlockedDomain_FanOutToCurrentMembership(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A", "B")

	_, err := f.service.SetBlockedDomain(ctx, "torrentsite.com", "")
	require.NoError(t, err)

	// membership changes between the two operations
	_, err = f.registry.Touch(ctx, "C", "r-C", time.Now())
	require.NoError(t, err)

	res, err := f.service.RemoveBlockedDomain(ctx, "torrentsite.com", "")
	require.NoError(t, err)
	assert.Equal(t, 3, res.CommandsCreated)
	assert.Equal(t, []string{"A", "B", "C"}, res.EndpointIDs)
	assert.False(t, f.service.Policy().BlockedDomains.Has("torrentsite.com"))

	cmds, err := f.dispatcher.PollPending(ctx, "C")
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandUnblockDomain, cmds[0].Kind)
	assert.Equal(t, defaultUnblockReason, cmds[0].Reason)

	cmds, err = f.dispatcher.PollPending(ctx, "A")
	require.NoError(t, err)
	require.Len(t, cmds, 2)
	assert.Equal(t, model.CommandBlockDomain, cmds[0].Kind)
	assert.Equal(t, model.CommandUnblockDomain, cmds[1].Kind)
}

func TestSetBlockedDomain_ExactlyOnePendingPerEndpoint(t *testing.T) {
	ctx := context.Background()
	ids := []string{"e1", "e2", "e3", "e4", "e5"}
	f := newFixture(t, ids...)

	_, err := f.service.SetBlockedDomain(ctx, "Bad.Example", "")
	require.NoError(t, err)

	pending := false
	for _, id := range ids {
		cmds, err := f.dispatcher.ListCommands(ctx, model.CommandFilter{EndpointID: id, Delivered: &pending})
		require.NoError(t, err)
		require.Len(t, cmds, 1, "endpoint %s", id)
		assert.Equal(t, "bad.example", cmds[0].Domain)
		assert.Equal(t, model.CommandBlockDomain, cmds[0].Kind)
	}
}

func TestSetBlockedDomain_RepeatKeepsVersion(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A")

	_, err := f.service.SetBlockedDomain(ctx, "x.com", "")
	require.NoError(t, err)
	v := f.service.Policy().Version

	res, err := f.service.SetBlockedDomain(ctx, "X.com", "")
	require.NoError(t, err)
	assert.Equal(t, 1, res.CommandsCreated, "repeat still fans out")
	assert.Equal(t, v, f.service.Policy().Version)
	assert.Len(t, f.events.BySubject(events.SubjectPolicyChanged), 1)
}

func TestSetBlockedDomain_InvalidDomain(t *testing.T) {
	f := newFixture(t, "A")

	_, err := f.service.SetBlockedDomain(context.Background(), "   ", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	_, err = f.service.SetBlockedDomain(context.Background(), "http://x.com/a", "")
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestNonFanOutSetters(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, "A")

	_, err := f.service.AddAllowedDomain(ctx, "corp-vpn.example.com")
	require.NoError(t, err)
	_, err = f.service.AddBlockedKeyword(ctx, "Steam")
	require.NoError(t, err)
	_, err = f.service.RemoveBlockedKeyword(ctx, "nmap")
	require.NoError(t, err)
	p, err := f.service.RemoveAllowedDomain(ctx, "corp-vpn.example.com")
	require.NoError(t, err)

	assert.False(t, p.AllowedDomains.Has("corp-vpn.example.com"))
	assert.True(t, p.BlockedKeywords.Has("steam"))
	assert.False(t, p.BlockedKeywords.Has("nmap"))
	assert.Equal(t, int64(5), p.Version)

	cmds, err := f.dispatcher.ListCommands(ctx, model.CommandFilter{})
	require.NoError(t, err)
	assert.Empty(t, cmds, "allow-list and keyword changes never create commands")
}

func TestUpdateThresholds(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	cpu := 75.0
	p, err := f.service.UpdateThresholds(ctx, model.ThresholdsUpdate{CPUPercent: &cpu})
	require.NoError(t, err)
	assert.Equal(t, 75.0, p.CPUPercent)
	assert.Equal(t, 100, p.ConnectionCount)
	assert.Equal(t, int64(2), p.Version)

	// same value again is a no-op
	p, err = f.service.UpdateThresholds(ctx, model.ThresholdsUpdate{CPUPercent: &cpu})
	require.NoError(t, err)
	assert.Equal(t, int64(2), p.Version)

	bad := 120.0
	_, err = f.service.UpdateThresholds(ctx, model.ThresholdsUpdate{CPUPercent: &bad})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
	assert.Equal(t, 75.0, f.service.Policy().CPUPercent)

	_, err = f.service.UpdateThresholds(ctx, model.ThresholdsUpdate{})
	assert.ErrorIs(t, err, model.ErrInvalidArgument)
}

func TestStore_PersistFailureKeepsCurrent(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	before := f.service.Policy()

	_ = f.store.Close()
	_, err := f.service.AddBlockedKeyword(ctx, "steam")
	assert.ErrorIs(t, err, model.ErrUnavailable)

	after := f.service.Policy()
	assert.Equal(t, before.Version, after.Version)
	assert.False(t, after.BlockedKeywords.Has("steam"))
}

func TestStore_InitLoadsPersisted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	_, err := f.service.AddBlockedKeyword(ctx, "steam")
	require.NoError(t, err)

	// a fresh process sees the persisted policy, not the seed
	again := NewStore(f.store, time.Second, testLogger())
	require.NoError(t, again.Init(ctx, seedPolicy()))
	assert.True(t, again.Snapshot().BlockedKeywords.Has("steam"))
	assert.Equal(t, int64(2), again.Snapshot().Version)
}

func TestStore_SnapshotIsolation(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	snap := f.policies.Snapshot()
	snap.BlockedDomains.Add("leak.com")
	assert.False(t, f.policies.Snapshot().BlockedDomains.Has("leak.com"))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(2)
		go func(i int) {
			defer wg.Done()
			_, err := f.service.AddAllowedDomain(ctx, "ok"+string(rune('a'+i))+".com")
			assert.NoError(t, err)
		}(i)
		go func() {
			defer wg.Done()
			_ = f.policies.Snapshot().AllowedDomains.Sorted()
		}()
	}
	wg.Wait()

	assert.Len(t, f.policies.Snapshot().AllowedDomains, 10)
	assert.Equal(t, int64(11), f.policies.Snapshot().Version)
}

func TestLoadSeedFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "policy.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
blocked_domains:
  - Evil.com
allowed_domains: [school.edu]
cpu_threshold_percent: 80
`), 0o644))

	p, err := LoadSeedFile(path, seedPolicy())
	require.NoError(t, err)
	assert.True(t, p.BlockedDomains.Has("evil.com"))
	assert.True(t, p.AllowedDomains.Has("school.edu"))
	assert.Equal(t, 80.0, p.CPUPercent)
	assert.Equal(t, 100, p.ConnectionCount, "unset fields keep defaults")
	assert.True(t, p.BlockedKeywords.Has("nmap"))

	require.NoError(t, os.WriteFile(path, []byte("cpu_threshold_percent: 400\n"), 0o644))
	_, err = LoadSeedFile(path, seedPolicy())
	assert.ErrorIs(t, err, model.ErrInvalidArgument)

	_, err = LoadSeedFile(filepath.Join(t.TempDir(), "missing.yaml"), seedPolicy())
	assert.Error(t, err)
}
