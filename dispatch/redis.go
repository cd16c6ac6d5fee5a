package dispatch

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

// DefaultQueue is the list jobs are pushed to.
const DefaultQueue = "onboarding:jobs"

// RedisQueue is an at-least-once job queue on a Redis list. A job moves atomically to a
// processing list when claimed and is removed from it once handled, so jobs claimed by a
// crashed consumer survive and can be returned with Requeue.
type RedisQueue struct {
	client     *redis.Client
	queue      string
	processing string
	logger     logrus.FieldLogger
	callback   Callback
}

// NewRedisQueue creates a queue on client. An empty name uses DefaultQueue.
func NewRedisQueue(client *redis.Client, name string, logger logrus.FieldLogger) *RedisQueue {
	if name == "" {
		name = DefaultQueue
	}
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &RedisQueue{
		client:     client,
		queue:      name,
		processing: name + ":processing",
		logger:     logger,
	}
}

// OnProcessed registers a callback invoked after every consumed job.
func (q *RedisQueue) OnProcessed(cb Callback) { q.callback = cb }

// Submit pushes a job to the head of the queue; consumers pop from the tail.
func (q *RedisQueue) Submit(ctx context.Context, job Job) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	if err := q.client.LPush(ctx, q.queue, data).Err(); err != nil {
		return fmt.Errorf("failed to enqueue job: %w", err)
	}
	return nil
}

// Claim waits up to timeout for a job and moves it to the processing list. The raw payload
// must be passed to Ack once the job is handled.
func (q *RedisQueue) Claim(ctx context.Context, timeout time.Duration) (Job, string, error) {
	raw, err := q.client.BRPopLPush(ctx, q.queue, q.processing, timeout).Result()
	if errors.Is(err, redis.Nil) {
		return Job{}, "", ErrNoJob
	}
	if err != nil {
		return Job{}, "", fmt.Errorf("failed to claim job: %w", err)
	}

	var job Job
	if err := json.Unmarshal([]byte(raw), &job); err != nil {
		return Job{}, raw, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return job, raw, nil
}

// Ack removes a handled job from the processing list.
func (q *RedisQueue) Ack(ctx context.Context, raw string) error {
	return q.client.LRem(ctx, q.processing, 1, raw).Err()
}

// Requeue returns every job stranded in the processing list to the queue.
func (q *RedisQueue) Requeue(ctx context.Context) (int, error) {
	n := 0
	for {
		err := q.client.RPopLPush(ctx, q.processing, q.queue).Err()
		if errors.Is(err, redis.Nil) {
			return n, nil
		}
		if err != nil {
			return n, fmt.Errorf("failed to requeue jobs: %w", err)
		}
		n++
	}
}

// Len returns the number of pending and claimed jobs.
func (q *RedisQueue) Len(ctx context.Context) (pending, claimed int64, err error) {
	pipe := q.client.Pipeline()
	p := pipe.LLen(ctx, q.queue)
	c := pipe.LLen(ctx, q.processing)
	if _, err := pipe.Exec(ctx); err != nil {
		return 0, 0, err
	}
	return p.Val(), c.Val(), nil
}

// Consume runs concurrency consumer loops until ctx is done. Jobs whose payload cannot be
// decoded are dropped from the processing list.
func (q *RedisQueue) Consume(ctx context.Context, runner Runner, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		g.Go(func() error {
			for gctx.Err() == nil {
				job, raw, err := q.Claim(gctx, time.Second)
				switch {
				case errors.Is(err, ErrNoJob):
					continue
				case gctx.Err() != nil:
					return nil
				case err != nil && raw == "":
					q.logger.WithError(err).Warn("queue_claim_failed")
					time.Sleep(time.Second)
					continue
				case err != nil:
					q.logger.WithError(err).Error("queue_job_dropped")
					_ = q.Ack(context.WithoutCancel(gctx), raw)
					continue
				}

				final, perr := Process(gctx, runner, job)
				if gctx.Err() != nil {
					// leave the job claimed so Requeue hands it to the next consumer
					return nil
				}
				logResult(q.logger, job, final, perr)
				if err := q.Ack(gctx, raw); err != nil {
					q.logger.WithError(err).Warn("queue_ack_failed")
				}
				if q.callback != nil {
					q.callback(job, final, perr)
				}
			}
			return nil
		})
	}
	return g.Wait()
}
