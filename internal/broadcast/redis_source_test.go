package broadcast_test

import (
	"context"
	"testing"

	"github.com/alicebob/miniredis/v2"
	goredis "github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/broadcast"
)

func TestRedisSourceFetchReadsWholeHash(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	_, err = client.HSet(context.Background(), "broadcasts", map[string]interface{}{
		"errata":   "v3",
		"featureA": "v1",
	}).Result()
	require.NoError(t, err)

	src := broadcast.NewRedisSource(client)
	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Equal(t, map[string]string{"errata": "v3", "featureA": "v1"}, got)
}

func TestRedisSourceFetchEmptyHash(t *testing.T) {
	mr, err := miniredis.Run()
	require.NoError(t, err)
	t.Cleanup(mr.Close)

	client := goredis.NewClient(&goredis.Options{Addr: mr.Addr()})
	src := broadcast.NewRedisSource(client)

	got, err := src.Fetch(context.Background())
	require.NoError(t, err)
	require.Empty(t, got)
}
