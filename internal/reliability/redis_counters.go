package reliability

import (
	"context"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaypush/relaypush/internal/model"
)

// redis key layout, grounded on internal/storage/redis's own flat-prefix
// naming (routerKey/chansKey/msgsKey):
//   reliability:counts            hash, field=state, value=count
//   reliability:current           hash, field=message_id, value=state
//   reliability:expiry            zset, member=message_id, score=expiry unix seconds
const (
	countsKey  = "reliability:counts"
	currentKey = "reliability:current"
	expiryKey  = "reliability:expiry"
)

// redisCounterStore is the production CounterStore, backed by a single
// go-redis client shared with (or sized independently of) the main
// storage.Driver's pool.
type redisCounterStore struct {
	client *goredis.Client
}

func NewRedisCounterStore(client *goredis.Client) CounterStore {
	return &redisCounterStore{client: client}
}

func (s *redisCounterStore) CurrentState(ctx context.Context, messageID string) (model.ReliabilityMilestone, bool, error) {
	v, err := s.client.HGet(ctx, currentKey, messageID).Result()
	if err == goredis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, err
	}
	return model.ReliabilityMilestone(v), true, nil
}

func (s *redisCounterStore) SetCurrentState(ctx context.Context, messageID string, state model.ReliabilityMilestone) error {
	return s.client.HSet(ctx, currentKey, messageID, string(state)).Err()
}

func (s *redisCounterStore) ClearCurrentState(ctx context.Context, messageID string) error {
	return s.client.HDel(ctx, currentKey, messageID).Err()
}

func (s *redisCounterStore) IncrementCount(ctx context.Context, state model.ReliabilityMilestone) error {
	return s.client.HIncrBy(ctx, countsKey, string(state), 1).Err()
}

func (s *redisCounterStore) DecrementCount(ctx context.Context, state model.ReliabilityMilestone) error {
	return s.client.HIncrBy(ctx, countsKey, string(state), -1).Err()
}

func (s *redisCounterStore) SetExpiry(ctx context.Context, messageID string, expiry time.Time) error {
	return s.client.ZAdd(ctx, expiryKey, goredis.Z{
		Score:  float64(expiry.Unix()),
		Member: messageID,
	}).Err()
}

func (s *redisCounterStore) ClearExpiry(ctx context.Context, messageID string) error {
	return s.client.ZRem(ctx, expiryKey, messageID).Err()
}

// ScanExpired returns up to limit message ids whose expiry score is <= now,
// the sweeper's source of work.
func (s *redisCounterStore) ScanExpired(ctx context.Context, now time.Time, limit int64) ([]string, error) {
	return s.client.ZRangeByScore(ctx, expiryKey, &goredis.ZRangeBy{
		Min:   "-inf",
		Max:   strconv.FormatInt(now.Unix(), 10),
		Count: limit,
	}).Result()
}
