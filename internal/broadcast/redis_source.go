package broadcast

import (
	"context"

	goredis "github.com/redis/go-redis/v9"
)

// broadcastsKey is the single hash a deployment's operators (or a config
// pipeline fronting this service) write broadcast_id -> version_string
// pairs into; polled wholesale by redisSource.Fetch, the same flat-key
// convention internal/storage/redis/driver.go uses for its own hashes.
const broadcastsKey = "broadcasts"

// redisSource is a Source backed by a single Redis hash, the simplest
// upstream a deployment can stand up without a dedicated config-push
// service of its own.
type redisSource struct {
	client *goredis.Client
}

// NewRedisSource builds a Source that reads the whole broadcast catalog
// out of one Redis hash on every poll.
func NewRedisSource(client *goredis.Client) Source {
	return &redisSource{client: client}
}

func (s *redisSource) Fetch(ctx context.Context) (map[string]string, error) {
	return s.client.HGetAll(ctx, broadcastsKey).Result()
}
