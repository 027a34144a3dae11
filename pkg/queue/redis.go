package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// jobTTL keeps terminal job records around for inspection; the ledger is the
// durable source of truth.
const jobTTL = 24 * time.Hour

// RedisQueue implements the queue over Redis: a pending list, a delayed
// zset for backoff, one record per job, and one dedup key per logical unit
// of work.
type RedisQueue struct {
	redis *redis.Client
	name  string
}

func NewRedisQueue(redisURL, name string) (*RedisQueue, error) {
	opt, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, fmt.Errorf("invalid redis URL: %w", err)
	}

	client := redis.NewClient(opt)
	if err := client.Ping(context.Background()).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis: %w", err)
	}

	return &RedisQueue{redis: client, name: name}, nil
}

func (q *RedisQueue) Close() error {
	return q.redis.Close()
}

func (q *RedisQueue) jobKey(key string) string   { return fmt.Sprintf("%s:job:%s", q.name, key) }
func (q *RedisQueue) dedupKey(key string) string { return fmt.Sprintf("%s:dedup:%s", q.name, key) }
func (q *RedisQueue) pendingKey() string         { return q.name + ":pending" }
func (q *RedisQueue) delayedKey() string         { return q.name + ":delayed" }

// Add submits work under a deterministic key. The SETNX on the dedup key
// resolves concurrent duplicate submissions: one caller wins, the others get
// ErrDuplicate and recover the winner's job via GetJob.
func (q *RedisQueue) Add(ctx context.Context, key string, payload []byte, opts AddOptions) (Job, error) {
	dedup := opts.DedupKey
	if dedup == "" {
		dedup = key
	}
	ok, err := q.redis.SetNX(ctx, q.dedupKey(dedup), key, 0).Result()
	if err != nil {
		return Job{}, fmt.Errorf("dedup check: %w", err)
	}
	if !ok {
		return Job{}, ErrDuplicate
	}

	job := Job{
		Key:         key,
		Dedup:       dedup,
		Payload:     payload,
		MaxAttempts: opts.Attempts,
		BackoffMS:   opts.Backoff.Milliseconds(),
		EnqueuedAt:  time.Now().Unix(),
	}
	if err := q.saveJob(ctx, job, 0); err != nil {
		return Job{}, err
	}
	if err := q.redis.RPush(ctx, q.pendingKey(), key).Err(); err != nil {
		return Job{}, err
	}
	return job, nil
}

// GetJob resolves a dedup key to its active job, if any.
func (q *RedisQueue) GetJob(ctx context.Context, dedupKey string) (Job, bool, error) {
	key, err := q.redis.Get(ctx, q.dedupKey(dedupKey)).Result()
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	job, err := q.loadJob(ctx, key)
	if err == redis.Nil {
		return Job{}, false, nil
	}
	if err != nil {
		return Job{}, false, err
	}
	return job, true, nil
}

// Next promotes due delayed jobs, then blocks briefly on the pending list.
// It returns (nil, nil) when no work is available.
func (q *RedisQueue) Next(ctx context.Context) (Delivery, error) {
	if err := q.promoteDue(ctx); err != nil {
		return nil, err
	}

	result, err := q.redis.BLPop(ctx, 5*time.Second, q.pendingKey()).Result()
	if err == redis.Nil {
		return nil, nil // No jobs available.
	}
	if err != nil {
		return nil, err
	}

	key := result[1]
	job, err := q.loadJob(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("load job %s: %w", key, err)
	}

	job.Attempt++
	if err := q.saveJob(ctx, job, 0); err != nil {
		return nil, err
	}
	return &redisDelivery{queue: q, job: job}, nil
}

func (q *RedisQueue) promoteDue(ctx context.Context) error {
	now := fmt.Sprintf("%d", time.Now().Unix())
	keys, err := q.redis.ZRangeByScore(ctx, q.delayedKey(), &redis.ZRangeBy{Min: "-inf", Max: now}).Result()
	if err != nil {
		return err
	}
	for _, key := range keys {
		removed, err := q.redis.ZRem(ctx, q.delayedKey(), key).Result()
		if err != nil {
			return err
		}
		// Another worker may have promoted it first.
		if removed == 0 {
			continue
		}
		if err := q.redis.RPush(ctx, q.pendingKey(), key).Err(); err != nil {
			return err
		}
	}
	return nil
}

func (q *RedisQueue) saveJob(ctx context.Context, job Job, ttl time.Duration) error {
	data, err := json.Marshal(job)
	if err != nil {
		return err
	}
	return q.redis.Set(ctx, q.jobKey(job.Key), data, ttl).Err()
}

func (q *RedisQueue) loadJob(ctx context.Context, key string) (Job, error) {
	data, err := q.redis.Get(ctx, q.jobKey(key)).Bytes()
	if err != nil {
		return Job{}, err
	}
	var job Job
	if err := json.Unmarshal(data, &job); err != nil {
		return Job{}, err
	}
	return job, nil
}

type redisDelivery struct {
	queue *RedisQueue
	job   Job
}

func (d *redisDelivery) Job() Job { return d.job }

func (d *redisDelivery) Ack(ctx context.Context) error {
	q := d.queue
	if err := q.redis.Del(ctx, q.jobKey(d.job.Key)).Err(); err != nil {
		return err
	}
	return q.redis.Del(ctx, q.dedupKey(d.job.Dedup)).Err()
}

func (d *redisDelivery) Fail(ctx context.Context, msg string) error {
	q := d.queue
	d.job.LastError = msg
	// Keep the terminal record briefly for operators; release the dedup
	// key so a later rebuild of the same version can enqueue.
	if err := q.saveJob(ctx, d.job, jobTTL); err != nil {
		return err
	}
	return q.redis.Del(ctx, q.dedupKey(d.job.Dedup)).Err()
}

func (d *redisDelivery) Retry(ctx context.Context, msg string) error {
	q := d.queue
	d.job.LastError = msg
	if err := q.saveJob(ctx, d.job, 0); err != nil {
		return err
	}
	backoff := time.Duration(d.job.BackoffMS) * time.Millisecond * time.Duration(d.job.Attempt)
	readyAt := time.Now().Add(backoff).Unix()
	return q.redis.ZAdd(ctx, q.delayedKey(), redis.Z{Score: float64(readyAt), Member: d.job.Key}).Err()
}
