// Package storage defines the pluggable StorageDriver contract and its two
// failure classes. internal/storage/redis provides the one concrete
// implementation this repository ships; any other backend need only
// satisfy Driver.
package storage

import (
	"context"
	"errors"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
)

// RetryableStorage signals a transient storage error: the caller (or the
// driver itself) should retry with backoff before surfacing it.
type RetryableStorage struct{ Cause error }

func (e *RetryableStorage) Error() string { return "storage: retryable: " + e.Cause.Error() }
func (e *RetryableStorage) Unwrap() error { return e.Cause }

// FatalStorage signals a non-retryable storage error (payload-too-large,
// row-too-large) that must surface immediately.
type FatalStorage struct{ Cause error }

func (e *FatalStorage) Error() string { return "storage: fatal: " + e.Cause.Error() }
func (e *FatalStorage) Unwrap() error { return e.Cause }

// ErrConflict is returned by PutRouter when expectedVersion no longer
// matches the stored record: the optimistic-concurrency conflict signal.
var ErrConflict = errors.New("storage: router record version conflict")

// ErrNotFound is returned when a row does not exist.
var ErrNotFound = errors.New("storage: not found")

// NotificationReader is a lazy sequence of Notification: finite,
// non-restartable, TTL-filtered at read time.
type NotificationReader interface {
	// Next advances to the next notification. Returns false at end of
	// sequence (err is nil) or on a read failure (err is non-nil).
	Next(ctx context.Context) (*model.Notification, bool, error)
	Close() error
}

// Driver is the pluggable key/value store contract: conditional writes,
// row-range reads, cell TTLs. It is intentionally storage-engine agnostic;
// MessageStore and RouterRecord business logic live one layer up in
// internal/message and internal/router, which call this interface and add
// the ordering/collapsing/optimistic-retry semantics.
type Driver interface {
	GetRouter(ctx context.Context, uaid deviceid.ID) (*model.RouterRecord, error)
	PutRouter(ctx context.Context, rec *model.RouterRecord, expectedVersion int64) error
	DeleteRouter(ctx context.Context, uaid deviceid.ID) error

	AddChannel(ctx context.Context, uaid, chid deviceid.ID) error
	RemoveChannel(ctx context.Context, uaid, chid deviceid.ID) error
	ListChannels(ctx context.Context, uaid deviceid.ID) ([]deviceid.ID, error)

	StoreNotif(ctx context.Context, uaid deviceid.ID, notif *model.Notification) error
	FetchNotifs(ctx context.Context, uaid deviceid.ID, sinceExclusive int64) (NotificationReader, error)
	DeleteNotif(ctx context.Context, uaid deviceid.ID, sortKey string) error

	UpdateCurrentTimestamp(ctx context.Context, uaid deviceid.ID, ts int64) error
}
