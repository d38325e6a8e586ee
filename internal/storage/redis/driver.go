// Package redis implements the storage.Driver contract against Redis.
// Redis's sorted sets give the SortKey ordering directly (score 0 for
// topic rows so they always sort before any non-topic row, scored by
// received_at otherwise), its native PEXPIRE gives a belt-and-braces
// row-TTL alongside the application-level expiry check, and WATCH/MULTI
// gives the optimistic conditional-update-on-version check.
package redis

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"github.com/relaypush/relaypush/internal/deviceid"
	"github.com/relaypush/relaypush/internal/model"
	"github.com/relaypush/relaypush/internal/storage"
)

// Driver is a storage.Driver backed by a single Redis client/cluster.
type Driver struct {
	client *goredis.Client
	now    func() time.Time
}

// Options configures the pool the way tr1d1um.go's newClient configures an
// http.Client: address plus bounded pool sizing from config.
type Options struct {
	Addr     string
	Password string
	PoolSize int
}

func New(o Options) *Driver {
	return &Driver{
		client: goredis.NewClient(&goredis.Options{
			Addr:     o.Addr,
			Password: o.Password,
			PoolSize: o.PoolSize,
		}),
		now: time.Now,
	}
}

// NewWithClient wraps an already-constructed client, used by tests against
// a miniredis instance.
func NewWithClient(c *goredis.Client) *Driver {
	return &Driver{client: c, now: time.Now}
}

func routerKey(uaid deviceid.ID) string  { return "router:" + uaid.String() }
func chansKey(uaid deviceid.ID) string   { return "chans:" + uaid.String() }
func msgsKey(uaid deviceid.ID) string    { return "msgs:" + uaid.String() }
func msgRowKey(uaid deviceid.ID, sortKey string) string {
	return "msg:" + uaid.String() + ":" + sortKey
}
func clockKey(uaid deviceid.ID) string { return "clock:" + uaid.String() }

func classify(err error) error {
	if err == nil {
		return nil
	}
	if errors.Is(err, goredis.Nil) {
		return nil
	}
	return &storage.RetryableStorage{Cause: err}
}

// --- RouterRecord ---

func (d *Driver) GetRouter(ctx context.Context, uaid deviceid.ID) (*model.RouterRecord, error) {
	fields, err := d.client.HGetAll(ctx, routerKey(uaid)).Result()
	if err != nil {
		return nil, classify(err)
	}
	if len(fields) == 0 {
		return nil, storage.ErrNotFound
	}

	rec := &model.RouterRecord{UAID: uaid}
	rec.RouterType = model.RouterType(fields["router_type"])
	rec.RouterData = fields["router_data"]
	rec.BridgeAppID = fields["bridge_app_id"]
	rec.BridgeSecret = fields["bridge_secret"]
	rec.ConnectedAt, _ = strconv.ParseInt(fields["connected_at"], 10, 64)
	rec.CurrentTimestamp, _ = strconv.ParseInt(fields["current_timestamp"], 10, 64)
	rec.Version, _ = strconv.ParseInt(fields["version"], 10, 64)

	chids, err := d.ListChannels(ctx, uaid)
	if err != nil {
		return nil, err
	}
	rec.Channels = make(map[deviceid.ID]struct{}, len(chids))
	for _, c := range chids {
		rec.Channels[c] = struct{}{}
	}

	return rec, nil
}

// PutRouter writes rec with an optimistic check against expectedVersion,
// using WATCH/MULTI the way go-redis documents optimistic locking. rec's
// new version is always expectedVersion+1 on success.
func (d *Driver) PutRouter(ctx context.Context, rec *model.RouterRecord, expectedVersion int64) error {
	key := routerKey(rec.UAID)

	txf := func(tx *goredis.Tx) error {
		current, err := tx.HGet(ctx, key, "version").Result()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		var currentVersion int64
		if current != "" {
			currentVersion, _ = strconv.ParseInt(current, 10, 64)
		}
		if currentVersion != expectedVersion {
			return storage.ErrConflict
		}

		newVersion := expectedVersion + 1
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.HSet(ctx, key, map[string]interface{}{
				"router_type":       string(rec.RouterType),
				"router_data":       rec.RouterData,
				"bridge_app_id":     rec.BridgeAppID,
				"bridge_secret":     rec.BridgeSecret,
				"connected_at":      rec.ConnectedAt,
				"current_timestamp": rec.CurrentTimestamp,
				"version":           newVersion,
			})
			return nil
		})
		if err == nil {
			rec.Version = newVersion
		}
		return err
	}

	err := d.client.Watch(ctx, txf, key)
	if errors.Is(err, storage.ErrConflict) {
		return storage.ErrConflict
	}
	return classify(err)
}

func (d *Driver) DeleteRouter(ctx context.Context, uaid deviceid.ID) error {
	_, err := d.client.Del(ctx, routerKey(uaid), chansKey(uaid)).Result()
	return classify(err)
}

// --- Channels ---

func (d *Driver) AddChannel(ctx context.Context, uaid, chid deviceid.ID) error {
	return classify(d.client.SAdd(ctx, chansKey(uaid), chid.String()).Err())
}

func (d *Driver) RemoveChannel(ctx context.Context, uaid, chid deviceid.ID) error {
	return classify(d.client.SRem(ctx, chansKey(uaid), chid.String()).Err())
}

func (d *Driver) ListChannels(ctx context.Context, uaid deviceid.ID) ([]deviceid.ID, error) {
	members, err := d.client.SMembers(ctx, chansKey(uaid)).Result()
	if err != nil {
		return nil, classify(err)
	}
	ids := make([]deviceid.ID, 0, len(members))
	for _, m := range members {
		id, err := deviceid.Parse(m)
		if err != nil {
			continue
		}
		ids = append(ids, id)
	}
	return ids, nil
}

// --- Notifications ---

const topicScore = 0

// nextReceivedAt derives a strictly-monotonic received_at in milliseconds,
// guarding the invariant that received_at must be strictly greater than
// any prior received_at for the device, even across clock skew or two
// stores in the same millisecond.
func (d *Driver) nextReceivedAt(ctx context.Context, uaid deviceid.ID) (int64, error) {
	key := clockKey(uaid)
	nowMs := d.now().UnixMilli()
	var next int64

	txf := func(tx *goredis.Tx) error {
		last, err := tx.Get(ctx, key).Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		next = nowMs
		if next <= last {
			next = last + 1
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.Set(ctx, key, next, 0)
			return nil
		})
		return err
	}

	if err := d.client.Watch(ctx, txf, key); err != nil {
		return 0, classify(err)
	}
	return next, nil
}

func (d *Driver) StoreNotif(ctx context.Context, uaid deviceid.ID, n *model.Notification) error {
	if len(n.Data) > model.MaxData {
		return &storage.FatalStorage{Cause: fmt.Errorf("payload %d bytes exceeds MaxData", len(n.Data))}
	}

	score := float64(topicScore)
	if !n.IsTopic() {
		ts, err := d.nextReceivedAt(ctx, uaid)
		if err != nil {
			return err
		}
		n.ReceivedAt = ts
		score = float64(ts)
	}

	sortKey := n.SortKey()
	rowKey := msgRowKey(uaid, sortKey)
	ttl := time.Until(n.Expiry)
	if ttl <= 0 {
		return nil // already expired, nothing to store
	}

	pipe := d.client.TxPipeline()
	pipe.ZAdd(ctx, msgsKey(uaid), goredis.Z{Score: score, Member: sortKey})
	pipe.HSet(ctx, rowKey, map[string]interface{}{
		"channel_id":     n.ChannelID.String(),
		"version":        n.Version,
		"ttl_seconds":    n.TTLSeconds,
		"expiry_unix_ms": n.Expiry.UnixMilli(),
		"topic":          n.Topic,
		"data":           n.Data,
		"encoding":       n.Headers.Encoding,
		"encryption":     n.Headers.Encryption,
		"crypto_key":     n.Headers.CryptoKey,
		"encryption_key": n.Headers.EncryptionKey,
		"received_at":    n.ReceivedAt,
	})
	pipe.PExpire(ctx, rowKey, ttl)
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (d *Driver) DeleteNotif(ctx context.Context, uaid deviceid.ID, sortKey string) error {
	pipe := d.client.TxPipeline()
	pipe.ZRem(ctx, msgsKey(uaid), sortKey)
	pipe.Del(ctx, msgRowKey(uaid, sortKey))
	_, err := pipe.Exec(ctx)
	return classify(err)
}

func (d *Driver) UpdateCurrentTimestamp(ctx context.Context, uaid deviceid.ID, ts int64) error {
	key := routerKey(uaid)
	txf := func(tx *goredis.Tx) error {
		current, err := tx.HGet(ctx, key, "current_timestamp").Int64()
		if err != nil && !errors.Is(err, goredis.Nil) {
			return err
		}
		if ts <= current {
			return nil
		}
		_, err = tx.TxPipelined(ctx, func(p goredis.Pipeliner) error {
			p.HSet(ctx, key, "current_timestamp", ts)
			return nil
		})
		return err
	}
	return classify(d.client.Watch(ctx, txf, key))
}

func (d *Driver) FetchNotifs(ctx context.Context, uaid deviceid.ID, sinceExclusive int64) (storage.NotificationReader, error) {
	topicMembers, err := d.client.ZRangeByScore(ctx, msgsKey(uaid), &goredis.ZRangeBy{
		Min: "0", Max: "0",
	}).Result()
	if err != nil {
		return nil, classify(err)
	}

	nonTopicMembers, err := d.client.ZRangeByScore(ctx, msgsKey(uaid), &goredis.ZRangeBy{
		Min: fmt.Sprintf("(%d", sinceExclusive),
		Max: "+inf",
	}).Result()
	if err != nil {
		return nil, classify(err)
	}

	ordered := make([]string, 0, len(topicMembers)+len(nonTopicMembers))
	ordered = append(ordered, topicMembers...)
	ordered = append(ordered, nonTopicMembers...)

	return &reader{driver: d, uaid: uaid, sortKeys: ordered, now: d.now}, nil
}

// reader is a finite, non-restartable lazy sequence of notifications.
type reader struct {
	driver   *Driver
	uaid     deviceid.ID
	sortKeys []string
	idx      int
	now      func() time.Time
}

func (r *reader) Next(ctx context.Context) (*model.Notification, bool, error) {
	for r.idx < len(r.sortKeys) {
		sortKey := r.sortKeys[r.idx]
		r.idx++

		fields, err := r.driver.client.HGetAll(ctx, msgRowKey(r.uaid, sortKey)).Result()
		if err != nil {
			return nil, false, classify(err)
		}
		if len(fields) == 0 {
			continue // row expired/deleted between ZRANGE and HGETALL
		}

		n := &model.Notification{}
		n.ChannelID, _ = deviceid.Parse(fields["channel_id"])
		n.Version = fields["version"]
		n.Topic = fields["topic"]
		n.Data = []byte(fields["data"])
		ttl, _ := strconv.ParseInt(fields["ttl_seconds"], 10, 64)
		n.TTLSeconds = ttl
		expiryMs, _ := strconv.ParseInt(fields["expiry_unix_ms"], 10, 64)
		n.Expiry = time.UnixMilli(expiryMs)
		n.ReceivedAt, _ = strconv.ParseInt(fields["received_at"], 10, 64)
		n.Headers = model.Headers{
			Encoding:      fields["encoding"],
			Encryption:    fields["encryption"],
			CryptoKey:     fields["crypto_key"],
			EncryptionKey: fields["encryption_key"],
		}

		if n.Expired((r.now)()) {
			continue // a reader must never emit an expired row
		}

		return n, true, nil
	}
	return nil, false, nil
}

func (r *reader) Close() error { return nil }
