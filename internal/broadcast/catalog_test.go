package broadcast_test

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/broadcast"
)

type staticSource struct{ snapshot map[string]string }

func (s *staticSource) Fetch(ctx context.Context) (map[string]string, error) {
	return s.snapshot, nil
}

func runAndStop(t *testing.T, cat *broadcast.Catalog) {
	t.Helper()
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		cat.Run(ctx)
		close(done)
	}()
	time.Sleep(10 * time.Millisecond) // let the initial synchronous refresh land
	cancel()
	<-done
}

func TestComputeDeltaSnapshot(t *testing.T) {
	src := &staticSource{snapshot: map[string]string{"a": "v2", "b": "v1"}}
	cat := broadcast.New(src, time.Hour, nil)
	runAndStop(t, cat)

	delta, err := cat.ComputeDelta(map[string]string{"a": "v1", "b": "v1"})
	require.NoError(t, err)
	require.Equal(t, map[string]string{"a": "v2"}, delta)
}

func TestComputeDeltaUnknownID(t *testing.T) {
	src := &staticSource{snapshot: map[string]string{"a": "v1"}}
	cat := broadcast.New(src, time.Hour, nil)
	runAndStop(t, cat)

	_, err := cat.ComputeDelta(map[string]string{"unknown": "v1"})
	var invalid *broadcast.InvalidBroadcast
	require.ErrorAs(t, err, &invalid)
}

func TestInitialDelta(t *testing.T) {
	src := &staticSource{snapshot: map[string]string{"a": "v1", "b": "v1"}}
	cat := broadcast.New(src, time.Hour, nil)
	runAndStop(t, cat)

	delta := cat.InitialDelta(map[string]string{"a": "", "missing": ""})
	require.Equal(t, map[string]string{"a": "v1"}, delta)
}
