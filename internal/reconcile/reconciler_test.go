package reconcile

import (
	"context"
	"log/slog"
	"os"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/backend/fleetwatch/internal/dispatch"
	"aegisflux/backend/fleetwatch/internal/events"
	"aegisflux/backend/fleetwatch/internal/metrics"
	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/policy"
	"aegisflux/backend/fleetwatch/internal/registry"
	"aegisflux/backend/fleetwatch/internal/store/memory"
)

type fixture struct {
	store      *memory.Store
	registry   *registry.Registry
	dispatcher *dispatch.Dispatcher
	service    *policy.Service
	reconciler *Reconciler
}

func newFixture(t *testing.T, retention time.Duration) *fixture {
	t.Helper()
	logger := slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
	st := memory.New()
	reg := registry.New(st, logger)
	m := metrics.NewNop()
	em := events.NewEmitter(events.Nop{}, m, logger)

	d, err := dispatch.New(st, reg, em, m, logger, dispatch.Options{})
	require.NoError(t, err)
	ps := policy.NewStore(st, time.Second, logger)
	require.NoError(t, ps.Init(context.Background(), nil))

	return &fixture{
		store:      st,
		registry:   reg,
		dispatcher: d,
		service:    policy.NewService(ps, d, em, logger),
		reconciler: New(d, reg, ps, st, m, time.Minute, retention, logger),
	}
}

func (f *fixture) touch(t *testing.T, id string) {
	t.Helper()
	_, err := f.registry.Touch(context.Background(), id, "r-"+id, time.Now())
	require.NoError(t, err)
}

func TestRunOnce_CatchesLateEndpoints(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.touch(t, "A")

	_, err := f.service.SetBlockedDomain(ctx, "evil.com", "")
	require.NoError(t, err)
	_, err = f.service.SetBlockedDomain(ctx, "worse.com", "")
	require.NoError(t, err)

	// joins after both fan-outs
	f.touch(t, "late")

	res, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, res.EndpointsChecked)
	assert.Equal(t, 2, res.CommandsCreated)
	assert.Empty(t, res.Failures)

	got, err := f.dispatcher.BlockedDomains(ctx, "late")
	require.NoError(t, err)
	assert.Equal(t, []string{"evil.com", "worse.com"}, got)

	// converged: a second sweep queues nothing
	res, err = f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CommandsCreated)
}

func TestRunOnce_NeverUnblocks(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 0)
	f.touch(t, "A")

	_, err := f.dispatcher.CommandEndpoint(ctx, "A", model.CommandBlockDomain, "manual.com", "")
	require.NoError(t, err)

	res, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, res.CommandsCreated)

	cmds, err := f.dispatcher.ListCommands(ctx, model.CommandFilter{EndpointID: "A"})
	require.NoError(t, err)
	require.Len(t, cmds, 1)
	assert.Equal(t, model.CommandBlockDomain, cmds[0].Kind)
}

func TestRunOnce_PrunesOldActivities(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, 24*time.Hour)

	require.NoError(t, f.store.InsertActivity(ctx, &model.Activity{ID: "old", Report: model.ActivityReport{
		EndpointID: "A", ReceivedAt: time.Now().Add(-72 * time.Hour),
	}}))
	require.NoError(t, f.store.InsertActivity(ctx, &model.Activity{ID: "new", Report: model.ActivityReport{
		EndpointID: "A", ReceivedAt: time.Now(),
	}}))

	res, err := f.reconciler.RunOnce(ctx)
	require.NoError(t, err)
	assert.Equal(t, int64(1), res.ActivitiesPruned)

	_, err = f.store.GetActivity(ctx, "new")
	assert.NoError(t, err)
}

func TestStart_DisabledReturnsImmediately(t *testing.T) {
	f := newFixture(t, 0)
	f.reconciler.interval = 0

	done := make(chan struct{})
	go func() {
		f.reconciler.Start(context.Background())
		close(done)
	}()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("disabled reconciler did not return")
	}
}

func TestStart_StopsOnCancel(t *testing.T) {
	f := newFixture(t, 0)
	f.reconciler.interval = 10 * time.Millisecond

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		f.reconciler.Start(ctx)
		close(done)
	}()
	time.Sleep(30 * time.Millisecond)
	cancel()

	select {
	case <-done:
	case <-time.After(time.Second):
		t.Fatal("reconciler did not stop")
	}
}
