// Package redisq is a queue.Backend on Redis. Per queue it keeps
//
//	<prefix><queue>:job:<id>  envelope JSON (immutable, expires after ack)
//	<prefix><queue>:wait      list of ready ids
//	<prefix><queue>:active    zset id -> lease deadline (ms)
//	<prefix><queue>:delayed   zset id -> run at (ms)
//	<prefix><queue>:attempts  hash id -> deliveries
//	<prefix><queue>:errors    hash id -> last error
//	<prefix><queue>:failed    list of dead-lettered ids
//
// State transitions run as Lua scripts so a crash between two commands never
// loses or duplicates an id. Jobs whose lease expires are put back on wait.
package redisq

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/redis/go-redis/v9"

	"slotbook/backend/internal/queue"
)

type Config struct {
	Prefix            string
	PollInterval      time.Duration
	VisibilityTimeout time.Duration
	// Retention is how long an acknowledged job id keeps blocking re-enqueue.
	Retention time.Duration
}

type Backend struct {
	rdb  redis.UniversalClient
	cfg  Config
	tick time.Duration
}

func New(rdb redis.UniversalClient, cfg Config) *Backend {
	if strings.TrimSpace(cfg.Prefix) == "" {
		cfg.Prefix = "slotbook:queue:"
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = time.Second
	}
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = 5 * time.Minute
	}
	if cfg.Retention <= 0 {
		cfg.Retention = 24 * time.Hour
	}
	tick := 100 * time.Millisecond
	if cfg.PollInterval < tick {
		tick = cfg.PollInterval
	}
	return &Backend{rdb: rdb, cfg: cfg, tick: tick}
}

type keys struct {
	jobPrefix string
	wait      string
	active    string
	delayed   string
	attempts  string
	errors    string
	failed    string
}

func (b *Backend) keys(queueName string) keys {
	base := b.cfg.Prefix + queueName + ":"
	return keys{
		jobPrefix: base + "job:",
		wait:      base + "wait",
		active:    base + "active",
		delayed:   base + "delayed",
		attempts:  base + "attempts",
		errors:    base + "errors",
		failed:    base + "failed",
	}
}

// KEYS: job key, wait, delayed. ARGV: envelope, id, run at ms, now ms.
var enqueueScript = redis.NewScript(`
if redis.call("SET", KEYS[1], ARGV[1], "NX") == false then
  return 0
end
if tonumber(ARGV[3]) > tonumber(ARGV[4]) then
  redis.call("ZADD", KEYS[3], ARGV[3], ARGV[2])
else
  redis.call("RPUSH", KEYS[2], ARGV[2])
end
return 1
`)

// KEYS: wait, active, delayed. ARGV: now ms.
var promoteScript = redis.NewScript(`
local moved = 0
local due = redis.call("ZRANGEBYSCORE", KEYS[3], "-inf", ARGV[1])
for _, id in ipairs(due) do
  redis.call("ZREM", KEYS[3], id)
  redis.call("RPUSH", KEYS[1], id)
  moved = moved + 1
end
local expired = redis.call("ZRANGEBYSCORE", KEYS[2], "-inf", ARGV[1])
for _, id in ipairs(expired) do
  redis.call("ZREM", KEYS[2], id)
  redis.call("LPUSH", KEYS[1], id)
  moved = moved + 1
end
return moved
`)

// KEYS: wait, active, attempts. ARGV: lease deadline ms, job key prefix.
var claimScript = redis.NewScript(`
while true do
  local id = redis.call("LPOP", KEYS[1])
  if not id then
    return false
  end
  local raw = redis.call("GET", ARGV[2] .. id)
  if raw then
    redis.call("ZADD", KEYS[2], ARGV[1], id)
    local attempts = redis.call("HINCRBY", KEYS[3], id, 1)
    return {raw, attempts}
  end
end
`)

// KEYS: active, job key, attempts, errors. ARGV: id, retention ms.
var ackScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("HDEL", KEYS[3], ARGV[1])
redis.call("HDEL", KEYS[4], ARGV[1])
redis.call("PEXPIRE", KEYS[2], ARGV[2])
return 1
`)

// KEYS: active, delayed, errors. ARGV: id, run at ms, error.
var retryScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("ZADD", KEYS[2], ARGV[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[3])
return 1
`)

// KEYS: active, failed, errors. ARGV: id, error.
var failScript = redis.NewScript(`
redis.call("ZREM", KEYS[1], ARGV[1])
redis.call("RPUSH", KEYS[2], ARGV[1])
redis.call("HSET", KEYS[3], ARGV[1], ARGV[2])
return 1
`)

func (b *Backend) Enqueue(ctx context.Context, job queue.Job) (bool, error) {
	job.Attempts = 0
	raw, err := json.Marshal(job)
	if err != nil {
		return false, err
	}
	k := b.keys(job.Queue)
	now := time.Now().UnixMilli()
	res, err := enqueueScript.Run(ctx, b.rdb,
		[]string{k.jobPrefix + job.ID, k.wait, k.delayed},
		raw, job.ID, now, now,
	).Int64()
	if err != nil {
		return false, err
	}
	return res == 1, nil
}

func (b *Backend) Dequeue(ctx context.Context, queueName string) (queue.Job, error) {
	k := b.keys(queueName)
	deadline := time.Now().Add(b.cfg.PollInterval)
	for {
		now := time.Now()
		if err := promoteScript.Run(ctx, b.rdb, []string{k.wait, k.active, k.delayed}, now.UnixMilli()).Err(); err != nil {
			return queue.Job{}, err
		}

		lease := now.Add(b.cfg.VisibilityTimeout).UnixMilli()
		res, err := claimScript.Run(ctx, b.rdb, []string{k.wait, k.active, k.attempts}, lease, k.jobPrefix).Slice()
		switch {
		case err == nil:
			return decodeClaim(res)
		case !errors.Is(err, redis.Nil):
			return queue.Job{}, err
		}

		if !time.Now().Before(deadline) {
			return queue.Job{}, queue.ErrNoJob
		}
		select {
		case <-ctx.Done():
			return queue.Job{}, ctx.Err()
		case <-time.After(b.tick):
		}
	}
}

func decodeClaim(res []any) (queue.Job, error) {
	if len(res) != 2 {
		return queue.Job{}, fmt.Errorf("redisq: unexpected claim result %v", res)
	}
	raw, ok := res[0].(string)
	if !ok {
		return queue.Job{}, fmt.Errorf("redisq: unexpected envelope type %T", res[0])
	}
	var job queue.Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return queue.Job{}, fmt.Errorf("redisq: decode envelope: %w", err)
	}
	attempts, err := toInt(res[1])
	if err != nil {
		return queue.Job{}, err
	}
	job.Attempts = attempts
	return job, nil
}

func toInt(v any) (int, error) {
	switch n := v.(type) {
	case int64:
		return int(n), nil
	case int:
		return n, nil
	case string:
		return strconv.Atoi(n)
	default:
		return 0, fmt.Errorf("redisq: unexpected attempts type %T", v)
	}
}

func (b *Backend) Ack(ctx context.Context, job queue.Job) error {
	k := b.keys(job.Queue)
	return ackScript.Run(ctx, b.rdb,
		[]string{k.active, k.jobPrefix + job.ID, k.attempts, k.errors},
		job.ID, b.cfg.Retention.Milliseconds(),
	).Err()
}

func (b *Backend) Retry(ctx context.Context, job queue.Job, runAt time.Time, cause error) error {
	k := b.keys(job.Queue)
	return retryScript.Run(ctx, b.rdb,
		[]string{k.active, k.delayed, k.errors},
		job.ID, runAt.UnixMilli(), errorText(cause),
	).Err()
}

func (b *Backend) Fail(ctx context.Context, job queue.Job, cause error) error {
	k := b.keys(job.Queue)
	return failScript.Run(ctx, b.rdb,
		[]string{k.active, k.failed, k.errors},
		job.ID, errorText(cause),
	).Err()
}

func (b *Backend) Ping(ctx context.Context) error {
	return b.rdb.Ping(ctx).Err()
}

// Failed lists dead-lettered job ids, oldest first.
func (b *Backend) Failed(ctx context.Context, queueName string) ([]string, error) {
	return b.rdb.LRange(ctx, b.keys(queueName).failed, 0, -1).Result()
}

func errorText(err error) string {
	if err == nil {
		return ""
	}
	return err.Error()
}

var _ queue.Backend = (*Backend)(nil)
