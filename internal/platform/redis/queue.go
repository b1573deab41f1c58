package redis

import (
	"context"
	"fmt"
	"strconv"
	"time"

	"github.com/phrazzld/relay-api/internal/scheduler"
	goredis "github.com/redis/go-redis/v9"
)

var popDueScript = goredis.NewScript(`
local items = redis.call("ZRANGEBYSCORE", KEYS[1], "-inf", ARGV[1], "LIMIT", 0, ARGV[2])
if #items > 0 then
	redis.call("ZREM", KEYS[1], unpack(items))
end
return items
`)

// Queue implements scheduler.Queue on a sorted set.
type Queue struct {
	client goredis.UniversalClient
	key    string
}

var _ scheduler.Queue = (*Queue)(nil)

// NewQueue creates a Queue stored under prefix + "jobs".
func NewQueue(client goredis.UniversalClient, prefix string) *Queue {
	return &Queue{client: client, key: prefix + "jobs"}
}

// Push implements scheduler.Queue. ZADD LT keeps the earlier due time when
// the member is already queued.
func (q *Queue) Push(ctx context.Context, member string, at time.Time) error {
	err := q.client.ZAddLT(ctx, q.key, goredis.Z{
		Score:  float64(at.UnixMilli()),
		Member: member,
	}).Err()
	if err != nil {
		return fmt.Errorf("zadd: %w", err)
	}
	return nil
}

// PopDue implements scheduler.Queue.
func (q *Queue) PopDue(ctx context.Context, now time.Time, limit int) ([]string, error) {
	res, err := popDueScript.Run(ctx, q.client, []string{q.key},
		strconv.FormatInt(now.UnixMilli(), 10), limit).StringSlice()
	if err != nil && err != goredis.Nil {
		return nil, fmt.Errorf("pop due: %w", err)
	}
	return res, nil
}

// Len returns the number of queued jobs.
func (q *Queue) Len(ctx context.Context) (int64, error) {
	return q.client.ZCard(ctx, q.key).Result()
}
