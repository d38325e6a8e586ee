package message_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/message"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/storage"
)

// fakeDriver lets Store's retry policy be tested without a real backend.
type fakeDriver struct {
	storage.Driver
	storeCalls int
	failTimes  int
	failWith   error
}

func (f *fakeDriver) StoreNotif(ctx context.Context, uaid deviceid.ID, n *model.Notification) error {
	f.storeCalls++
	if f.storeCalls <= f.failTimes {
		return f.failWith
	}
	return nil
}

func TestStoreRetriesTransientThenSucceeds(t *testing.T) {
	d := &fakeDriver{failTimes: 2, failWith: &storage.RetryableStorage{Cause: errors.New("timeout")}}
	s := message.New(d)
	s2 := withNoSleep(s)

	err := s2.Store(context.Background(), deviceid.New(), &model.Notification{Expiry: time.Now().Add(time.Minute)})
	require.NoError(t, err)
	require.Equal(t, 3, d.storeCalls)
}

func TestStoreSurfacesFatalImmediately(t *testing.T) {
	d := &fakeDriver{failTimes: 1, failWith: &storage.FatalStorage{Cause: errors.New("row too large")}}
	s := withNoSleep(message.New(d))

	err := s.Store(context.Background(), deviceid.New(), &model.Notification{Expiry: time.Now().Add(time.Minute)})
	require.Error(t, err)
	require.Equal(t, 1, d.storeCalls, "fatal storage errors must not be retried")
}

func TestStoreExhaustsRetriesThenSurfaces(t *testing.T) {
	d := &fakeDriver{failTimes: 10, failWith: &storage.RetryableStorage{Cause: errors.New("timeout")}}
	s := withNoSleep(message.New(d))

	err := s.Store(context.Background(), deviceid.New(), &model.Notification{Expiry: time.Now().Add(time.Minute)})
	require.Error(t, err)
	require.Equal(t, 3, d.storeCalls, "RetryableStorage surfaces to caller only after retries exhausted")
}

// withNoSleep swaps in a no-op sleep so retry tests run instantly; Store's
// sleep field is unexported by design (callers configure retry timing via
// the package, not per-call), so tests reach in through the test-only
// SetSleepForTest hook in export_test.go.
func withNoSleep(s *message.Store) *message.Store {
	message.SetSleepForTest(s, func(time.Duration) {})
	return s
}
