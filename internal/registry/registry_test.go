package registry

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"aegisflux/backend/fleetwatch/internal/model"
	"aegisflux/backend/fleetwatch/internal/store/memory"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelError}))
}

func TestRegistry_TouchAndSnapshot(t *testing.T) {
	ctx := context.Background()
	reg := New(memory.New(), testLogger())
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := reg.Touch(ctx, "pc-b", "r1", t0)
	require.NoError(t, err)
	_, err = reg.Touch(ctx, "pc-a", "r2", t0.Add(time.Minute))
	require.NoError(t, err)
	e, err := reg.Touch(ctx, "pc-b", "r3", t0.Add(2*time.Minute))
	require.NoError(t, err)

	assert.Equal(t, t0, e.FirstSeenAt)
	assert.Equal(t, "r3", e.LastReportID)

	snap := reg.Snapshot()
	require.Len(t, snap, 2)
	assert.Equal(t, "pc-a", snap[0].EndpointID)
	assert.Equal(t, "pc-b", snap[1].EndpointID)

	// snapshot is a copy
	snap[0].LastReportID = "mutated"
	got, err := reg.Get("pc-a")
	require.NoError(t, err)
	assert.Equal(t, "r2", got.LastReportID)

	_, err = reg.Get("pc-z")
	assert.ErrorIs(t, err, model.ErrNotFound)
}

func TestRegistry_ActiveSince(t *testing.T) {
	ctx := context.Background()
	reg := New(memory.New(), testLogger())
	now := time.Now().UTC()

	_, _ = reg.Touch(ctx, "stale", "r1", now.Add(-48*time.Hour))
	_, _ = reg.Touch(ctx, "fresh", "r2", now.Add(-time.Minute))

	active := reg.ActiveSince(now.Add(-24 * time.Hour))
	require.Len(t, active, 1)
	assert.Equal(t, "fresh", active[0].EndpointID)
	assert.Equal(t, 2, reg.Len())
}

func TestRegistry_LoadRebuildsFromStore(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	first := New(st, testLogger())
	for i := 0; i < 3; i++ {
		_, err := first.Touch(ctx, fmt.Sprintf("pc-%d", i), "r", time.Now())
		require.NoError(t, err)
	}

	second := New(st, testLogger())
	require.NoError(t, second.Load(ctx))
	assert.Equal(t, 3, second.Len())
	assert.True(t, second.Known("pc-2"))
}

func TestRegistry_TouchStoreFailureLeavesViewUntouched(t *testing.T) {
	st := memory.New()
	reg := New(st, testLogger())
	_ = st.Close()

	_, err := reg.Touch(context.Background(), "pc-1", "r1", time.Now())
	assert.ErrorIs(t, err, model.ErrUnavailable)
	assert.False(t, reg.Known("pc-1"))
}

func TestRegistry_ConcurrentTouch(t *testing.T) {
	ctx := context.Background()
	reg := New(memory.New(), testLogger())

	var wg sync.WaitGroup
	for i := 0; i < 20; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, err := reg.Touch(ctx, fmt.Sprintf("pc-%d", i%5), fmt.Sprintf("r%d", i), time.Now())
			assert.NoError(t, err)
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 5, reg.Len())
}

func TestRegistry_OlderReportDoesNotRewindLastSeen(t *testing.T) {
	ctx := context.Background()
	st := memory.New()
	reg := New(st, testLogger())
	t0 := time.Date(2026, 5, 1, 9, 0, 0, 0, time.UTC)

	_, err := reg.Touch(ctx, "pc-1", "r-new", t0.Add(time.Minute))
	require.NoError(t, err)
	e, err := reg.Touch(ctx, "pc-1", "r-old", t0)
	require.NoError(t, err)

	assert.Equal(t, "r-new", e.LastReportID)
	assert.Equal(t, t0.Add(time.Minute), e.LastSeenAt)

	got, err := reg.Get("pc-1")
	require.NoError(t, err)
	assert.Equal(t, "r-new", got.LastReportID)

	// the persisted row agrees, so a reload sees the same view
	require.NoError(t, reg.Load(ctx))
	got, err = reg.Get("pc-1")
	require.NoError(t, err)
	assert.Equal(t, "r-new", got.LastReportID)
	assert.True(t, t0.Add(time.Minute).Equal(got.LastSeenAt))
}
