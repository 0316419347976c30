package outbox

import (
	"context"
	"encoding/json"
	"time"

	"github.com/pkg/errors"
	r "github.com/redis/go-redis/v9"
)

const defaultKey = "outbox:events"

// RedisQ keeps events on a Redis list: LPUSH to enqueue, BRPOP to consume.
type RedisQ struct {
	rdb *r.Client
	key string
}

func NewRedisQ(rdb *r.Client, key string) *RedisQ {
	if key == "" {
		key = defaultKey
	}
	return &RedisQ{rdb: rdb, key: key}
}

func (q *RedisQ) Push(ctx context.Context, e Event) error {
	b, err := json.Marshal(e)
	if err != nil {
		return errors.Wrap(err, "encode event")
	}
	return q.rdb.LPush(ctx, q.key, b).Err()
}

func (q *RedisQ) Pop(ctx context.Context, block time.Duration) (Event, bool, error) {
	res, err := q.rdb.BRPop(ctx, block, q.key).Result()
	if errors.Is(err, r.Nil) {
		return Event{}, false, nil
	}
	if err != nil {
		return Event{}, false, err
	}
	if len(res) != 2 {
		return Event{}, false, nil
	}
	var e Event
	if err := json.Unmarshal([]byte(res[1]), &e); err != nil {
		return Event{}, false, errors.Wrap(err, "decode event")
	}
	return e, true, nil
}

// RedisBroadcaster publishes realtime notifications with PUBLISH.
type RedisBroadcaster struct{ rdb *r.Client }

func NewRedisBroadcaster(rdb *r.Client) *RedisBroadcaster { return &RedisBroadcaster{rdb} }

func (b *RedisBroadcaster) Publish(ctx context.Context, channel string, msg []byte) error {
	return b.rdb.Publish(ctx, channel, msg).Err()
}
