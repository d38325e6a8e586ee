// Package broadcast implements the BroadcastCatalog: a process-wide
// versioned key/value table refreshed on an interval from an upstream
// Source, exposed to readers as a copy-on-write snapshot so readers never
// block writers. The snapshot-swap idiom is grounded on
// chaitanyaphalak-go-mcast's InMemoryStateMachine, which likewise commits
// a new value into a Storage and lets readers query it without taking a
// writer's lock.
package broadcast

import (
	"context"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"
)

// Source is the upstream this package polls for the current broadcast
// catalog. The underlying key/value store implementation is out of scope
// here; callers supply whatever resolves broadcast_id -> version_string
// for their deployment.
type Source interface {
	Fetch(ctx context.Context) (map[string]string, error)
}

// InvalidBroadcast is returned by ComputeDelta for an id not present in the
// current snapshot.
type InvalidBroadcast struct{ ID string }

func (e *InvalidBroadcast) Error() string {
	return fmt.Sprintf("broadcast: unknown id %q", e.ID)
}

// Catalog holds the latest snapshot as an atomic.Value so readers (the
// common case) never block on the poller's writes.
type Catalog struct {
	snapshot atomic.Value // map[string]string
	source   Source
	interval time.Duration
	logger   log.Logger
}

func New(source Source, interval time.Duration, logger log.Logger) *Catalog {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	c := &Catalog{source: source, interval: interval, logger: logger}
	c.snapshot.Store(map[string]string{})
	return c
}

// Run polls Source on Interval until ctx is cancelled. Poll failures do not
// abort the service; the previous snapshot persists and a log line is
// emitted in place of a poll-failure metric.
func (c *Catalog) Run(ctx context.Context) {
	ticker := time.NewTicker(c.interval)
	defer ticker.Stop()

	c.refresh(ctx)
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			c.refresh(ctx)
		}
	}
}

func (c *Catalog) refresh(ctx context.Context) {
	next, err := c.source.Fetch(ctx)
	if err != nil {
		level.Error(c.logger).Log("msg", "broadcast catalog poll failed, keeping previous snapshot", "error", err)
		return
	}
	c.snapshot.Store(next)
}

func (c *Catalog) current() map[string]string {
	return c.snapshot.Load().(map[string]string)
}

// ComputeDelta returns, for each id the client already tracks, a
// (id, version) pair only where the snapshot disagrees with the client's
// version. An id absent from the snapshot fails with InvalidBroadcast.
func (c *Catalog) ComputeDelta(clientVersions map[string]string) (map[string]string, error) {
	snap := c.current()
	delta := make(map[string]string)
	for id, clientVersion := range clientVersions {
		serverVersion, ok := snap[id]
		if !ok {
			return nil, &InvalidBroadcast{ID: id}
		}
		if serverVersion != clientVersion {
			delta[id] = serverVersion
		}
	}
	return delta, nil
}

// InitialDelta returns, for each id in subscribe that the current snapshot
// holds, the snapshot's version of it; ids the snapshot does not hold are
// left out. It builds the HelloAck's computed initial broadcast delta when
// a client subscribes to a set of ids for the first time with no prior
// versions.
func (c *Catalog) InitialDelta(subscribe map[string]string) map[string]string {
	snap := c.current()
	delta := make(map[string]string)
	for id := range subscribe {
		if v, ok := snap[id]; ok {
			delta[id] = v
		}
	}
	return delta
}
