// Package message implements the MessageStore contract on top of a
// storage.Driver: bounded-retry store, fetch/delete passthrough, and the
// current_timestamp high-water mark.
package message

import (
	"context"
	"errors"
	"math/rand"
	"time"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/storage"
)

// retryBase and maxAttempts implement bounded exponential backoff with
// jitter: at most 3 attempts, 50ms base.
const (
	retryBase   = 50 * time.Millisecond
	maxAttempts = 3
)

type Store struct {
	driver storage.Driver
	sleep  func(time.Duration)
}

func New(driver storage.Driver) *Store {
	return &Store{driver: driver, sleep: time.Sleep}
}

// Store writes notif under its computed SortKey, retrying RetryableStorage
// failures with bounded backoff+jitter and surfacing FatalStorage
// immediately.
func (s *Store) Store(ctx context.Context, uaid deviceid.ID, notif *model.Notification) error {
	var lastErr error
	for attempt := 0; attempt < maxAttempts; attempt++ {
		err := s.driver.StoreNotif(ctx, uaid, notif)
		if err == nil {
			return nil
		}

		var fatal *storage.FatalStorage
		if errors.As(err, &fatal) {
			return err
		}

		var retryable *storage.RetryableStorage
		if !errors.As(err, &retryable) {
			return err
		}

		lastErr = err
		if attempt < maxAttempts-1 {
			s.sleep(backoff(attempt))
		}
	}
	return lastErr
}

func backoff(attempt int) time.Duration {
	d := retryBase << uint(attempt)
	return d + time.Duration(rand.Int63n(int64(retryBase)+1))
}

// Fetch returns all pending notifications since sinceExclusive, in the
// order MessageStore.fetch guarantees: topic messages first, then
// non-topic messages ordered by increasing received_at.
func (s *Store) Fetch(ctx context.Context, uaid deviceid.ID, sinceExclusive int64) (storage.NotificationReader, error) {
	return s.driver.FetchNotifs(ctx, uaid, sinceExclusive)
}

// Delete removes the row at sortKey; idempotent.
func (s *Store) Delete(ctx context.Context, uaid deviceid.ID, sortKey string) error {
	return s.driver.DeleteNotif(ctx, uaid, sortKey)
}

// UpdateCurrentTimestamp sets current_timestamp = max(current, ts)
// atomically; the driver itself performs the max() comparison.
func (s *Store) UpdateCurrentTimestamp(ctx context.Context, uaid deviceid.ID, ts int64) error {
	return s.driver.UpdateCurrentTimestamp(ctx, uaid, ts)
}
