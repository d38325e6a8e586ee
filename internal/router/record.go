// Package router implements RouterRecord business logic on top of a
// storage.Driver: optimistic-concurrency retries on version conflicts,
// staleness detection for UAID minting, and channel registration. This is
// the layer the ConnectionFSM and Publisher call; neither talks to
// storage.Driver directly.
package router

import (
	"context"
	"math/rand"
	"time"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/storage"
)

// StaleAfter and ClockSkew define when a loaded RouterRecord is treated as
// stale rather than reused: connected_at more than StaleAfter in the past
// (matched to Notification's own MaxTTL) or more than ClockSkew in the
// future means mint a fresh UAID instead of resuming.
const (
	StaleAfter = model.MaxTTL
	ClockSkew  = 5 * time.Minute
)

// Store wraps a storage.Driver with RouterRecord semantics.
type Store struct {
	driver  storage.Driver
	retries int
}

func New(driver storage.Driver, retries int) *Store {
	if retries <= 0 {
		retries = 3
	}
	return &Store{driver: driver, retries: retries}
}

// Load fetches a RouterRecord; returns (nil, false, nil) if none exists or
// it is stale enough that the caller should mint a fresh UAID instead.
func (s *Store) Load(ctx context.Context, uaid deviceid.ID, now time.Time) (*model.RouterRecord, bool, error) {
	rec, err := s.driver.GetRouter(ctx, uaid)
	if err == storage.ErrNotFound {
		return nil, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	if s.isStale(rec, now) {
		return nil, false, nil
	}
	return rec, true, nil
}

func (s *Store) isStale(rec *model.RouterRecord, now time.Time) bool {
	connectedAt := time.UnixMilli(rec.ConnectedAt)
	if now.Sub(connectedAt) > StaleAfter {
		return true
	}
	if connectedAt.Sub(now) > ClockSkew {
		return true
	}
	return false
}

// ClaimWebSocket records nodeLocator as the current route for uaid and sets
// connected_at = now, creating the record if it does not exist. It retries
// the optimistic update up to Store.retries times on a version conflict,
// re-reading the record between attempts.
func (s *Store) ClaimWebSocket(ctx context.Context, uaid deviceid.ID, nodeLocator string, now time.Time) (*model.RouterRecord, error) {
	for attempt := 0; attempt <= s.retries; attempt++ {
		rec, err := s.driver.GetRouter(ctx, uaid)
		var expectedVersion int64
		if err == storage.ErrNotFound {
			rec = &model.RouterRecord{UAID: uaid, Channels: map[deviceid.ID]struct{}{}}
			expectedVersion = 0
		} else if err != nil {
			return nil, err
		} else {
			expectedVersion = rec.Version
		}

		rec.RouterType = model.RouterWebSocket
		rec.RouterData = nodeLocator
		rec.ConnectedAt = now.UnixMilli()

		if err := s.driver.PutRouter(ctx, rec, expectedVersion); err == nil {
			return rec, nil
		} else if err != storage.ErrConflict {
			return nil, err
		}

		jitter(attempt)
	}
	return nil, storage.ErrConflict
}

// Create installs rec as a brand-new RouterRecord, used by the Registration
// HTTP mobile-bridge path to mint a record for a freshly-issued UAID. It is
// a single conditional write with no retry loop: collisions on a
// freshly-minted 128-bit UAID are not a condition this layer needs to
// retry around.
func (s *Store) Create(ctx context.Context, rec *model.RouterRecord) error {
	return s.driver.PutRouter(ctx, rec, 0)
}

// AddChannel registers chid on the record, idempotent on repeat, retrying
// on version conflict like ClaimWebSocket.
func (s *Store) AddChannel(ctx context.Context, uaid, chid deviceid.ID) error {
	if err := s.driver.AddChannel(ctx, uaid, chid); err != nil {
		return err
	}
	return s.bumpVersion(ctx, uaid)
}

// RemoveChannel unregisters chid from the record.
func (s *Store) RemoveChannel(ctx context.Context, uaid, chid deviceid.ID) error {
	if err := s.driver.RemoveChannel(ctx, uaid, chid); err != nil {
		return err
	}
	return s.bumpVersion(ctx, uaid)
}

// bumpVersion re-reads and rewrites the record purely to advance Version,
// so it increases on every mutation even for mutations (channel add/
// remove) that live in a side set.
func (s *Store) bumpVersion(ctx context.Context, uaid deviceid.ID) error {
	for attempt := 0; attempt <= s.retries; attempt++ {
		rec, err := s.driver.GetRouter(ctx, uaid)
		if err != nil {
			return err
		}
		if err := s.driver.PutRouter(ctx, rec, rec.Version); err == nil {
			return nil
		} else if err != storage.ErrConflict {
			return err
		}
		jitter(attempt)
	}
	return storage.ErrConflict
}

// UpdateCurrentTimestamp advances the device's high-water ack mark.
func (s *Store) UpdateCurrentTimestamp(ctx context.Context, uaid deviceid.ID, ts int64) error {
	return s.driver.UpdateCurrentTimestamp(ctx, uaid, ts)
}

func (s *Store) Invalidate(ctx context.Context, uaid deviceid.ID) error {
	return s.driver.DeleteRouter(ctx, uaid)
}

func jitter(attempt int) {
	base := time.Duration(1<<uint(attempt)) * 10 * time.Millisecond
	time.Sleep(base + time.Duration(rand.Int63n(int64(10*time.Millisecond)+1)))
}
