package reliability_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/reliability"
)

func newCounterStore(t *testing.T) reliability.CounterStore {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return reliability.NewRedisCounterStore(client)
}

func TestRedisCounterStoreCurrentStateRoundTrip(t *testing.T) {
	cs := newCounterStore(t)
	ctx := context.Background()

	_, found, err := cs.CurrentState(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, found)

	require.NoError(t, cs.SetCurrentState(ctx, "msg-1", model.MilestoneReceived))
	state, found, err := cs.CurrentState(ctx, "msg-1")
	require.NoError(t, err)
	require.True(t, found)
	assert.Equal(t, model.MilestoneReceived, state)

	require.NoError(t, cs.ClearCurrentState(ctx, "msg-1"))
	_, found, err = cs.CurrentState(ctx, "msg-1")
	require.NoError(t, err)
	assert.False(t, found)
}

func TestRedisCounterStoreIncrementDecrement(t *testing.T) {
	cs := newCounterStore(t)
	ctx := context.Background()

	require.NoError(t, cs.IncrementCount(ctx, model.MilestoneStored))
	require.NoError(t, cs.IncrementCount(ctx, model.MilestoneStored))
	require.NoError(t, cs.DecrementCount(ctx, model.MilestoneStored))
	// no direct getter is exposed beyond what Tracker needs; this just
	// exercises that increment/decrement never error against a live server.
}

func TestRedisCounterStoreScanExpired(t *testing.T) {
	cs := newCounterStore(t)
	ctx := context.Background()
	now := time.Now()

	require.NoError(t, cs.SetExpiry(ctx, "expired-1", now.Add(-time.Minute)))
	require.NoError(t, cs.SetExpiry(ctx, "expired-2", now.Add(-time.Second)))
	require.NoError(t, cs.SetExpiry(ctx, "not-yet", now.Add(time.Hour)))

	ids, err := cs.ScanExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"expired-1", "expired-2"}, ids)

	require.NoError(t, cs.ClearExpiry(ctx, "expired-1"))
	ids, err = cs.ScanExpired(ctx, now, 10)
	require.NoError(t, err)
	assert.ElementsMatch(t, []string{"expired-2"}, ids)
}
