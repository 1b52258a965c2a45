// Package redisq is a Redis-backed queue.Backend.
//
// Layout under a key prefix:
//
//	<prefix>:delayed  ZSET  id -> ready time (unix ms)
//	<prefix>:active   ZSET  id -> lease deadline (unix ms)
//	<prefix>:jobs     HASH  id -> JSON job envelope
//	<prefix>:dead     ZSET  id -> bury time (unix ms)
//	<prefix>:deadjobs HASH  id -> JSON job envelope
//
// State changes that touch more than one key run as Lua scripts or MULTI
// transactions so a crashed worker never leaves a job half-moved.
package redisq

import (
	"context"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/pkg/errors"
	"github.com/redis/go-redis/v9"

	"github.com/djlord-it/easy-notify/internal/queue"
)

const DefaultPrefix = "easynotify:queue"

var putScript = redis.NewScript(`
if redis.call('ZSCORE', KEYS[2], ARGV[1]) then
	return 0
end
redis.call('HSET', KEYS[3], ARGV[1], ARGV[3])
redis.call('ZADD', KEYS[1], ARGV[2], ARGV[1])
return 1
`)

var removeScript = redis.NewScript(`
local removed = redis.call('ZREM', KEYS[1], ARGV[1])
if removed == 1 then
	redis.call('HDEL', KEYS[2], ARGV[1])
end
return removed
`)

// claimScript first returns expired leases to delayed, counting the expiry
// as an attempt with ARGV[4] as the last error, then moves up to ARGV[3] due
// ids from delayed to active and returns id, envelope pairs.
var claimScript = redis.NewScript(`
local expired = redis.call('ZRANGEBYSCORE', KEYS[2], '-inf', ARGV[1])
for _, id in ipairs(expired) do
	redis.call('ZREM', KEYS[2], id)
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		local ok, job = pcall(cjson.decode, body)
		if ok and type(job) == 'table' then
			job['attempt'] = (tonumber(job['attempt']) or 0) + 1
			job['last_error'] = ARGV[4]
			redis.call('HSET', KEYS[3], id, cjson.encode(job))
		end
	end
	redis.call('ZADD', KEYS[1], ARGV[1], id)
end
local ids = redis.call('ZRANGEBYSCORE', KEYS[1], '-inf', ARGV[1], 'LIMIT', 0, tonumber(ARGV[3]))
local out = {}
for _, id in ipairs(ids) do
	redis.call('ZREM', KEYS[1], id)
	local body = redis.call('HGET', KEYS[3], id)
	if body then
		redis.call('ZADD', KEYS[2], ARGV[2], id)
		table.insert(out, id)
		table.insert(out, body)
	end
end
return out
`)

type Backend struct {
	client redis.UniversalClient
	prefix string
}

func New(client redis.UniversalClient, prefix string) *Backend {
	if prefix == "" {
		prefix = DefaultPrefix
	}
	return &Backend{client: client, prefix: prefix}
}

func (b *Backend) delayedKey() string  { return b.prefix + ":delayed" }
func (b *Backend) activeKey() string   { return b.prefix + ":active" }
func (b *Backend) jobsKey() string     { return b.prefix + ":jobs" }
func (b *Backend) deadKey() string     { return b.prefix + ":dead" }
func (b *Backend) deadJobsKey() string { return b.prefix + ":deadjobs" }

func millis(t time.Time) int64 { return t.UnixMilli() }

func (b *Backend) Put(ctx context.Context, job queue.Job, readyAt time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "redisq: encode job")
	}

	keys := []string{b.delayedKey(), b.activeKey(), b.jobsKey()}
	n, err := putScript.Run(ctx, b.client, keys, job.ID.String(), millis(readyAt), string(body)).Int()
	if err != nil {
		return errors.Wrap(err, "redisq: put")
	}
	if n == 0 {
		return queue.ErrJobActive
	}
	return nil
}

func (b *Backend) Remove(ctx context.Context, id uuid.UUID) (bool, error) {
	keys := []string{b.delayedKey(), b.jobsKey()}
	n, err := removeScript.Run(ctx, b.client, keys, id.String()).Int()
	if err != nil {
		return false, errors.Wrap(err, "redisq: remove")
	}
	return n == 1, nil
}

func (b *Backend) Has(ctx context.Context, id uuid.UUID) (bool, error) {
	var delayed, active *redis.FloatCmd
	_, err := b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		delayed = p.ZScore(ctx, b.delayedKey(), id.String())
		active = p.ZScore(ctx, b.activeKey(), id.String())
		return nil
	})
	if err != nil && !errors.Is(err, redis.Nil) {
		return false, errors.Wrap(err, "redisq: has")
	}
	return delayed.Err() == nil || active.Err() == nil, nil
}

func (b *Backend) Claim(ctx context.Context, now time.Time, lease time.Duration, limit int) ([]queue.Job, error) {
	if limit <= 0 {
		return nil, nil
	}
	keys := []string{b.delayedKey(), b.activeKey(), b.jobsKey()}
	bodies, err := claimScript.Run(ctx, b.client, keys, millis(now), millis(now.Add(lease)), limit, queue.ErrLeaseExpired.Error()).StringSlice()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, errors.Wrap(err, "redisq: claim")
	}

	jobs := make([]queue.Job, 0, len(bodies)/2)
	for i := 0; i+1 < len(bodies); i += 2 {
		id, body := bodies[i], bodies[i+1]
		var job queue.Job
		if err := json.Unmarshal([]byte(body), &job); err != nil {
			// A corrupt envelope would be reclaimed forever; bury it raw.
			if buryErr := b.buryRaw(ctx, id, body); buryErr != nil {
				return jobs, buryErr
			}
			continue
		}
		jobs = append(jobs, job)
	}
	return jobs, nil
}

func (b *Backend) Ack(ctx context.Context, id uuid.UUID) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.activeKey(), id.String())
		p.HDel(ctx, b.jobsKey(), id.String())
		return nil
	})
	return errors.Wrap(err, "redisq: ack")
}

func (b *Backend) Retry(ctx context.Context, job queue.Job, readyAt time.Time) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "redisq: encode job")
	}
	_, err = b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.activeKey(), job.ID.String())
		p.HSet(ctx, b.jobsKey(), job.ID.String(), string(body))
		p.ZAdd(ctx, b.delayedKey(), redis.Z{Score: float64(millis(readyAt)), Member: job.ID.String()})
		return nil
	})
	return errors.Wrap(err, "redisq: retry")
}

func (b *Backend) Bury(ctx context.Context, job queue.Job) error {
	body, err := json.Marshal(job)
	if err != nil {
		return errors.Wrap(err, "redisq: encode job")
	}
	return b.buryRaw(ctx, job.ID.String(), string(body))
}

func (b *Backend) buryRaw(ctx context.Context, id, body string) error {
	_, err := b.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.ZRem(ctx, b.activeKey(), id)
		p.HDel(ctx, b.jobsKey(), id)
		p.ZAdd(ctx, b.deadKey(), redis.Z{Score: float64(time.Now().UnixMilli()), Member: id})
		p.HSet(ctx, b.deadJobsKey(), id, body)
		return nil
	})
	return errors.Wrap(err, "redisq: bury")
}

// Depth returns the number of waiting, active and buried jobs.
func (b *Backend) Depth(ctx context.Context) (waiting, active, dead int64, err error) {
	var w, a, d *redis.IntCmd
	_, err = b.client.Pipelined(ctx, func(p redis.Pipeliner) error {
		w = p.ZCard(ctx, b.delayedKey())
		a = p.ZCard(ctx, b.activeKey())
		d = p.ZCard(ctx, b.deadKey())
		return nil
	})
	if err != nil {
		return 0, 0, 0, errors.Wrap(err, "redisq: depth")
	}
	return w.Val(), a.Val(), d.Val(), nil
}
