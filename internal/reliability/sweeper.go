package reliability

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/relaypush/relaypush/internal/model"
)

// sweepBatchSize bounds how many expired message ids a single sweep tick
// claims, the same "don't let one slow tick become unbounded work" shape
// broadcast.Catalog.refresh gets for free from polling a whole-snapshot
// Source; here the expiry table can grow unboundedly so an explicit cap is
// needed.
const sweepBatchSize = 500

// Sweeper periodically scans the expiry table and finalizes any message
// whose expiry has passed as Expired. Its ticker-loop shape is grounded
// directly on broadcast.Catalog.Run.
type Sweeper struct {
	tracker  *Tracker
	counters CounterStore
	interval time.Duration
	logger   log.Logger
	now      func() time.Time
}

func NewSweeper(tracker *Tracker, counters CounterStore, interval time.Duration, logger log.Logger) *Sweeper {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Sweeper{tracker: tracker, counters: counters, interval: interval, logger: logger, now: time.Now}
}

// Run sweeps on Interval until ctx is cancelled.
func (s *Sweeper) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.sweep(ctx)
		}
	}
}

func (s *Sweeper) sweep(ctx context.Context) {
	expired, err := s.counters.ScanExpired(ctx, s.now(), sweepBatchSize)
	if err != nil {
		level.Error(s.logger).Log("msg", "reliability sweep scan failed", "error", err)
		return
	}
	for _, messageID := range expired {
		if err := s.tracker.Finalize(ctx, messageID, model.MilestoneExpired); err != nil {
			level.Error(s.logger).Log("msg", "failed to finalize expired message", "message_id", messageID, "error", err)
		}
	}
}
