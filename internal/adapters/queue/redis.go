package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"delivery-route-ledger/internal/domain"
	"delivery-route-ledger/internal/platform/obs"

	"github.com/redis/go-redis/v9"
)

// RedisQueue is a durable AnchorQueue. Each script touches the keys below
// atomically:
//
//	jobs      hash  route -> queued job JSON
//	qver      hash  route -> queued version
//	due       zset  route scored by next attempt (unix ms)
//	inflight  hash  route -> claimed job JSON
//	iver      hash  route -> claimed version
//	leases    zset  route scored by lease expiry (unix ms)
type RedisQueue struct {
	rdb    redis.UniversalClient
	prefix string
	lease  time.Duration
}

func NewRedisQueue(rdb redis.UniversalClient, prefix string, leaseFor time.Duration) *RedisQueue {
	if prefix == "" {
		prefix = "anchorq"
	}
	if leaseFor <= 0 {
		leaseFor = DefaultLease
	}
	return &RedisQueue{rdb: rdb, prefix: prefix, lease: leaseFor}
}

func (q *RedisQueue) key(name string) string { return q.prefix + ":" + name }

func (q *RedisQueue) allKeys() []string {
	return []string{
		q.key("jobs"), q.key("qver"), q.key("due"),
		q.key("inflight"), q.key("iver"), q.key("leases"),
	}
}

var enqueueScript = redis.NewScript(`
local qv = redis.call('HGET', KEYS[2], ARGV[1])
if qv and tonumber(qv) >= tonumber(ARGV[2]) then return 0 end
local iv = redis.call('HGET', KEYS[5], ARGV[1])
if iv and tonumber(iv) >= tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[6], '-inf', ARGV[1])
for _, r in ipairs(expired) do
  local j = redis.call('HGET', KEYS[4], r)
  local v = redis.call('HGET', KEYS[5], r)
  redis.call('HDEL', KEYS[4], r)
  redis.call('HDEL', KEYS[5], r)
  redis.call('ZREM', KEYS[6], r)
  local qv = redis.call('HGET', KEYS[2], r)
  if j and v and ((not qv) or tonumber(qv) < tonumber(v)) then
    redis.call('HSET', KEYS[1], r, j)
    redis.call('HSET', KEYS[2], r, v)
    redis.call('ZADD', KEYS[3], ARGV[1], r)
  end
end
local limit = tonumber(ARGV[2])
local out = {}
local due = redis.call('ZRANGEBYSCORE', KEYS[3], '-inf', ARGV[1])
for _, r in ipairs(due) do
  if limit > 0 and #out >= limit then break end
  if redis.call('HEXISTS', KEYS[4], r) == 0 then
    local j = redis.call('HGET', KEYS[1], r)
    local v = redis.call('HGET', KEYS[2], r)
    redis.call('HDEL', KEYS[1], r)
    redis.call('HDEL', KEYS[2], r)
    redis.call('ZREM', KEYS[3], r)
    if j then
      redis.call('HSET', KEYS[4], r, j)
      redis.call('HSET', KEYS[5], r, v)
      redis.call('ZADD', KEYS[6], ARGV[3], r)
      table.insert(out, j)
    end
  end
end
return out
`)

var ackScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[5], ARGV[1])
if v and tonumber(v) == tonumber(ARGV[2]) then
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('HDEL', KEYS[5], ARGV[1])
  redis.call('ZREM', KEYS[6], ARGV[1])
  return 1
end
return 0
`)

var retryScript = redis.NewScript(`
local v = redis.call('HGET', KEYS[5], ARGV[1])
if v and tonumber(v) == tonumber(ARGV[2]) then
  redis.call('HDEL', KEYS[4], ARGV[1])
  redis.call('HDEL', KEYS[5], ARGV[1])
  redis.call('ZREM', KEYS[6], ARGV[1])
end
local qv = redis.call('HGET', KEYS[2], ARGV[1])
if qv and tonumber(qv) >= tonumber(ARGV[2]) then return 0 end
redis.call('HSET', KEYS[1], ARGV[1], ARGV[3])
redis.call('HSET', KEYS[2], ARGV[1], ARGV[2])
redis.call('ZADD', KEYS[3], ARGV[4], ARGV[1])
return 1
`)

func (q *RedisQueue) Enqueue(ctx context.Context, job domain.AnchorJob) (err error) {
	defer obs.Time(ctx, "queue.redis.Enqueue")(&err)

	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("enqueue %q v%d: encode job: %w", job.RouteID, job.Version, err)
	}

	if err := enqueueScript.Run(ctx, q.rdb, q.allKeys(),
		job.RouteID, job.Version, payload, job.NextAttemptAt.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("enqueue %q v%d: %w", job.RouteID, job.Version, err)
	}
	return nil
}

func (q *RedisQueue) Claim(ctx context.Context, now time.Time, limit int) ([]domain.AnchorJob, error) {
	res, err := claimScript.Run(ctx, q.rdb, q.allKeys(),
		now.UnixMilli(), limit, now.Add(q.lease).UnixMilli()).Slice()
	if err != nil && err != redis.Nil {
		return nil, fmt.Errorf("claim anchor jobs: %w", err)
	}

	jobs := make([]domain.AnchorJob, 0, len(res))
	for _, raw := range res {
		s, ok := raw.(string)
		if !ok {
			return nil, fmt.Errorf("claim anchor jobs: unexpected reply type %T", raw)
		}
		var job domain.AnchorJob
		if err := json.Unmarshal([]byte(s), &job); err != nil {
			return nil, fmt.Errorf("claim anchor jobs: decode job: %w", err)
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (q *RedisQueue) Ack(ctx context.Context, job domain.AnchorJob) error {
	if err := ackScript.Run(ctx, q.rdb, q.allKeys(), job.RouteID, job.Version).Err(); err != nil {
		return fmt.Errorf("ack %q v%d: %w", job.RouteID, job.Version, err)
	}
	return nil
}

func (q *RedisQueue) Retry(ctx context.Context, job domain.AnchorJob, next time.Time) error {
	job.NextAttemptAt = next
	payload, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("retry %q v%d: encode job: %w", job.RouteID, job.Version, err)
	}

	if err := retryScript.Run(ctx, q.rdb, q.allKeys(),
		job.RouteID, job.Version, payload, next.UnixMilli()).Err(); err != nil {
		return fmt.Errorf("retry %q v%d: %w", job.RouteID, job.Version, err)
	}
	return nil
}

func (q *RedisQueue) Pending(ctx context.Context, routeID string) (bool, error) {
	pipe := q.rdb.Pipeline()
	queued := pipe.HExists(ctx, q.key("jobs"), routeID)
	claimed := pipe.HExists(ctx, q.key("inflight"), routeID)
	if _, err := pipe.Exec(ctx); err != nil {
		return false, fmt.Errorf("pending %q: %w", routeID, err)
	}
	return queued.Val() || claimed.Val(), nil
}

// Len returns the number of queued and claimed jobs.
func (q *RedisQueue) Len(ctx context.Context) (int, error) {
	pipe := q.rdb.Pipeline()
	queued := pipe.HLen(ctx, q.key("jobs"))
	claimed := pipe.HLen(ctx, q.key("inflight"))
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, fmt.Errorf("queue length: %w", err)
	}
	return int(queued.Val() + claimed.Val()), nil
}
