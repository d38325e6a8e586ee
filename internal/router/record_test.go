package router_test

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/router"
	"github.com/relaypush/relaypush/internal/storage/redis"
)

func newStore(t *testing.T) *router.Store {
	t.Helper()
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)
	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	return router.New(redis.NewWithClient(client), 3)
}

func TestClaimWebSocketMintsOnFirstConnect(t *testing.T) {
	s := newStore(t)
	uaid := deviceid.New()

	rec, err := s.ClaimWebSocket(context.Background(), uaid, "node-a", time.Now())
	require.NoError(t, err)
	require.Equal(t, "node-a", rec.RouterData)
	require.Equal(t, int64(1), rec.Version)
}

func TestClaimWebSocketVersionMonotonic(t *testing.T) {
	s := newStore(t)
	uaid := deviceid.New()
	ctx := context.Background()

	rec1, err := s.ClaimWebSocket(ctx, uaid, "node-a", time.Now())
	require.NoError(t, err)

	rec2, err := s.ClaimWebSocket(ctx, uaid, "node-b", time.Now())
	require.NoError(t, err)

	require.Greater(t, rec2.Version, rec1.Version, "version observed by any reader is non-decreasing on each successive read")
	require.Equal(t, "node-b", rec2.RouterData)
}

func TestLoadStaleConnectedAtMintsFresh(t *testing.T) {
	s := newStore(t)
	uaid := deviceid.New()
	ctx := context.Background()

	past := time.Now().Add(-router.StaleAfter - time.Hour)
	_, err := s.ClaimWebSocket(ctx, uaid, "node-a", past)
	require.NoError(t, err)

	_, found, err := s.Load(ctx, uaid, time.Now())
	require.NoError(t, err)
	require.False(t, found, "a record whose connected_at is implausibly old must not be reused")
}

func TestAddChannelIdempotent(t *testing.T) {
	s := newStore(t)
	uaid := deviceid.New()
	chid := deviceid.New()
	ctx := context.Background()

	_, err := s.ClaimWebSocket(ctx, uaid, "node-a", time.Now())
	require.NoError(t, err)

	require.NoError(t, s.AddChannel(ctx, uaid, chid))
	require.NoError(t, s.AddChannel(ctx, uaid, chid))

	rec, found, err := s.Load(ctx, uaid, time.Now())
	require.NoError(t, err)
	require.True(t, found)
	require.True(t, rec.HasChannel(chid))
}
