// Package reliability implements an optional per-message milestone state
// machine backed by a counter table and an expiry table, with terminal
// transitions additionally recorded to a durable log for long-term
// analysis. The counter/expiry
// half is grounded on internal/storage/redis's use of go-redis for
// low-latency, short-lived state; the durable log is grounded on
// jordigilh-kubernaut's sqlx+pgx+goose repository pattern
// (test/unit/datastorage/workflow_repository_test.go's
// sqlx.NewDb/NewWorkflowRepository shape), since a counter table has no
// long-term audit value once its row is gone.
package reliability

import (
	"context"
	"time"

	"github.com/go-kit/kit/log"
	"github.com/go-kit/kit/log/level"

	"github.com/relaypush/relaypush/internal/model"
)

// CounterStore is the state_counts/expiry-table half of the tracker,
// satisfied by redisCounterStore (see redis_counters.go) in production and
// by an in-memory fake in tests.
type CounterStore interface {
	CurrentState(ctx context.Context, messageID string) (model.ReliabilityMilestone, bool, error)
	SetCurrentState(ctx context.Context, messageID string, state model.ReliabilityMilestone) error
	ClearCurrentState(ctx context.Context, messageID string) error
	IncrementCount(ctx context.Context, state model.ReliabilityMilestone) error
	DecrementCount(ctx context.Context, state model.ReliabilityMilestone) error
	SetExpiry(ctx context.Context, messageID string, expiry time.Time) error
	ClearExpiry(ctx context.Context, messageID string) error
	ScanExpired(ctx context.Context, now time.Time, limit int64) ([]string, error)
}

// DurableLog is the long-term-analysis half: one row per finalized
// message, satisfied by sqlLog (see log.go) in production.
type DurableLog interface {
	Record(ctx context.Context, row LogRow) error
}

// LogRow is one finalize() event persisted for long-term analysis.
type LogRow struct {
	MessageID  string
	Milestone  model.ReliabilityMilestone
	RecordedAt time.Time
}

// Tracker implements the enter/finalize/sweep operations of the milestone
// state machine.
type Tracker struct {
	counters CounterStore
	log      DurableLog
	logger   log.Logger
	now      func() time.Time
}

func New(counters CounterStore, durableLog DurableLog, logger log.Logger) *Tracker {
	if logger == nil {
		logger = log.NewNopLogger()
	}
	return &Tracker{counters: counters, log: durableLog, logger: logger, now: time.Now}
}

// Enter decrements the old state counter (if messageID was already
// tracked), increments new_state, and upserts its expiry. An illegal
// transition (per model.CanTransition) is logged and ignored rather than
// applied.
func (t *Tracker) Enter(ctx context.Context, messageID string, newState model.ReliabilityMilestone, expiry time.Time) error {
	prev, found, err := t.counters.CurrentState(ctx, messageID)
	if err != nil {
		return err
	}
	if found && !model.CanTransition(prev, newState) {
		level.Warn(t.logger).Log("msg", "ignoring illegal reliability transition", "message_id", messageID, "from", prev, "to", newState)
		return nil
	}

	if found {
		if err := t.counters.DecrementCount(ctx, prev); err != nil {
			return err
		}
	}
	if err := t.counters.IncrementCount(ctx, newState); err != nil {
		return err
	}
	if err := t.counters.SetCurrentState(ctx, messageID, newState); err != nil {
		return err
	}
	return t.counters.SetExpiry(ctx, messageID, expiry)
}

// Finalize decrements the old state counter, increments terminalState,
// records a durable log row, and removes messageID from the expiry table.
// Like Enter, an illegal transition is logged and ignored; so is a
// terminalState that is not terminal.
func (t *Tracker) Finalize(ctx context.Context, messageID string, terminalState model.ReliabilityMilestone) error {
	if !terminalState.Terminal() {
		level.Warn(t.logger).Log("msg", "ignoring finalize to a non-terminal state", "message_id", messageID, "to", terminalState)
		return nil
	}
	prev, found, err := t.counters.CurrentState(ctx, messageID)
	if err != nil {
		return err
	}
	if found && !model.CanTransition(prev, terminalState) {
		level.Warn(t.logger).Log("msg", "ignoring illegal reliability transition", "message_id", messageID, "from", prev, "to", terminalState)
		return nil
	}

	if found {
		if err := t.counters.DecrementCount(ctx, prev); err != nil {
			return err
		}
	}
	if err := t.counters.IncrementCount(ctx, terminalState); err != nil {
		return err
	}
	if err := t.counters.ClearCurrentState(ctx, messageID); err != nil {
		return err
	}
	if err := t.counters.ClearExpiry(ctx, messageID); err != nil {
		return err
	}

	if err := t.log.Record(ctx, LogRow{MessageID: messageID, Milestone: terminalState, RecordedAt: t.now()}); err != nil {
		level.Error(t.logger).Log("msg", "failed to record reliability log row", "message_id", messageID, "error", err)
		return err
	}
	return nil
}
