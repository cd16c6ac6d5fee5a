package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"

	"github.com/DyNATgIT/ARK/types"
)

const (
	recordPrefix     = "onboarding:record:"
	checkpointPrefix = "onboarding:checkpoints:"
	recordIndexKey   = "onboarding:records"
)

// RedisStorage is a Redis-backed implementation of the Storage interface. Records are JSON
// strings; checkpoints live in one hash per workflow keyed by phase, which makes rewrites idempotent.
type RedisStorage struct {
	client *redis.Client
	now    func() time.Time
}

// RedisOptions extends redis.Options with additional configuration.
type RedisOptions struct {
	Addr         string
	Password     string
	DB           int
	PoolSize     int
	MinIdleConns int
	IdleTimeout  time.Duration
}

// NewRedisStorage creates a new RedisStorage instance with configurable options.
func NewRedisStorage(opts RedisOptions) (*RedisStorage, error) {
	client, err := NewRedisClient(opts)
	if err != nil {
		return nil, err
	}
	return NewRedisStorageFromClient(client), nil
}

// NewRedisClient dials and pings a Redis server.
func NewRedisClient(opts RedisOptions) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         opts.Addr,
		Password:     opts.Password,
		DB:           opts.DB,
		PoolSize:     opts.PoolSize,
		MinIdleConns: opts.MinIdleConns,
		IdleTimeout:  opts.IdleTimeout,
	})

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if _, err := client.Ping(ctx).Result(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to Redis: %w", err)
	}
	return client, nil
}

// NewRedisStorageFromClient wraps an existing client, e.g. one shared with the job queue.
func NewRedisStorageFromClient(client *redis.Client) *RedisStorage {
	return &RedisStorage{client: client, now: time.Now}
}

func (s *RedisStorage) getRecord(ctx context.Context, workflowID string) (*types.WorkflowRecord, error) {
	return readRecord(ctx, s.client, workflowID)
}

func readRecord(ctx context.Context, c redis.Cmdable, workflowID string) (*types.WorkflowRecord, error) {
	key := recordPrefix + workflowID
	data, err := c.Get(ctx, key).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	} else if err != nil {
		return nil, fmt.Errorf("failed to get %s from Redis: %w", key, err)
	}
	var rec types.WorkflowRecord
	if err := json.Unmarshal(data, &rec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal %s: %w", key, err)
	}
	return &rec, nil
}

func (s *RedisStorage) putRecord(ctx context.Context, pipe redis.Pipeliner, rec types.WorkflowRecord) error {
	data, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("failed to marshal record %s: %w", rec.WorkflowID, err)
	}
	pipe.Set(ctx, recordPrefix+rec.WorkflowID, data, 0)
	pipe.SAdd(ctx, recordIndexKey, rec.WorkflowID)
	return nil
}

// WriteCheckpoint stores the checkpoint and the refreshed record in one pipeline.
func (s *RedisStorage) WriteCheckpoint(ctx context.Context, workflowID string, phase types.Phase, snapshot types.WorkflowState) error {
	return withContextError(ctx, func() error {
		now := s.now()
		existing, err := s.getRecord(ctx, workflowID)
		if err != nil {
			return err
		}

		cp, err := json.Marshal(NewCheckpoint(workflowID, phase, snapshot, now))
		if err != nil {
			return fmt.Errorf("failed to marshal checkpoint %s/%s: %w", workflowID, phase, err)
		}

		pipe := s.client.TxPipeline()
		pipe.HSet(ctx, checkpointPrefix+workflowID, string(phase), cp)
		if err := s.putRecord(ctx, pipe, advanceRecord(existing, workflowID, snapshot, now)); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to write checkpoint %s/%s: %w", workflowID, phase, err)
		}
		return nil
	})
}

// SaveRecord stores a record in Redis.
func (s *RedisStorage) SaveRecord(ctx context.Context, rec types.WorkflowRecord) error {
	return withContextError(ctx, func() error {
		pipe := s.client.TxPipeline()
		if err := s.putRecord(ctx, pipe, rec); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to save record %s: %w", rec.WorkflowID, err)
		}
		return nil
	})
}

// TransitionRecord watches the record key and writes rec only if its status is still from.
func (s *RedisStorage) TransitionRecord(ctx context.Context, rec types.WorkflowRecord, from types.Status) error {
	return withContextError(ctx, func() error {
		key := recordPrefix + rec.WorkflowID
		err := s.client.Watch(ctx, func(tx *redis.Tx) error {
			cur, err := readRecord(ctx, tx, rec.WorkflowID)
			if err != nil {
				return err
			}
			if cur == nil {
				return fmt.Errorf("%w: key=%s", ErrWorkflowNotFound, key)
			}
			if cur.Status != from {
				return fmt.Errorf("%w: key=%s status=%s want=%s", ErrStatusConflict, key, cur.Status, from)
			}
			_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
				return s.putRecord(ctx, pipe, rec)
			})
			return err
		}, key)
		if errors.Is(err, redis.TxFailedErr) {
			return fmt.Errorf("%w: key=%s changed during transition", ErrStatusConflict, key)
		}
		return err
	})
}

// Finalize applies the outcome to the stored record.
func (s *RedisStorage) Finalize(ctx context.Context, workflowID string, final types.WorkflowState, outcome types.Outcome) error {
	return withContextError(ctx, func() error {
		existing, err := s.getRecord(ctx, workflowID)
		if err != nil {
			return err
		}
		pipe := s.client.TxPipeline()
		if err := s.putRecord(ctx, pipe, finalizeRecord(existing, workflowID, final, outcome)); err != nil {
			return err
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to finalize %s: %w", workflowID, err)
		}
		return nil
	})
}

// GetRecord retrieves a record from Redis.
func (s *RedisStorage) GetRecord(ctx context.Context, workflowID string) (types.WorkflowRecord, error) {
	return withContext(ctx, func() (types.WorkflowRecord, error) {
		rec, err := s.getRecord(ctx, workflowID)
		if err != nil {
			return types.WorkflowRecord{}, err
		}
		if rec == nil {
			return types.WorkflowRecord{}, fmt.Errorf("%w: key=%s%s", ErrWorkflowNotFound, recordPrefix, workflowID)
		}
		return *rec, nil
	})
}

// ListCheckpoints reads the checkpoint hash of a workflow.
func (s *RedisStorage) ListCheckpoints(ctx context.Context, workflowID string) ([]types.Checkpoint, error) {
	return withContext(ctx, func() ([]types.Checkpoint, error) {
		key := checkpointPrefix + workflowID
		raw, err := s.client.HGetAll(ctx, key).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to read %s: %w", key, err)
		}
		out := make([]types.Checkpoint, 0, len(raw))
		for phase, data := range raw {
			var cp types.Checkpoint
			if err := json.Unmarshal([]byte(data), &cp); err != nil {
				return nil, fmt.Errorf("failed to unmarshal checkpoint %s/%s: %w", workflowID, phase, err)
			}
			out = append(out, cp)
		}
		sortCheckpoints(out)
		return out, nil
	})
}

// ListRecords loads every indexed record and filters by status.
func (s *RedisStorage) ListRecords(ctx context.Context, status types.Status) ([]types.WorkflowRecord, error) {
	return withContext(ctx, func() ([]types.WorkflowRecord, error) {
		recs, err := s.allRecords(ctx)
		if err != nil {
			return nil, err
		}
		out := recs[:0]
		for _, rec := range recs {
			if status == "" || rec.Status == status {
				out = append(out, rec)
			}
		}
		sortRecords(out)
		return out, nil
	})
}

func (s *RedisStorage) allRecords(ctx context.Context) ([]types.WorkflowRecord, error) {
	ids, err := s.client.SMembers(ctx, recordIndexKey).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to read record index: %w", err)
	}
	if len(ids) == 0 {
		return nil, nil
	}

	pipe := s.client.Pipeline()
	cmds := make([]*redis.StringCmd, len(ids))
	for i, id := range ids {
		cmds[i] = pipe.Get(ctx, recordPrefix+id)
	}
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return nil, fmt.Errorf("failed to execute pipeline for records: %w", err)
	}

	out := make([]types.WorkflowRecord, 0, len(ids))
	for i, cmd := range cmds {
		data, err := cmd.Bytes()
		if errors.Is(err, redis.Nil) {
			continue
		} else if err != nil {
			return nil, fmt.Errorf("failed to get record %s: %w", ids[i], err)
		}
		var rec types.WorkflowRecord
		if err := json.Unmarshal(data, &rec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal record %s: %w", ids[i], err)
		}
		out = append(out, rec)
	}
	return out, nil
}

// ClearCompleted removes terminal records and their checkpoints from Redis.
func (s *RedisStorage) ClearCompleted(ctx context.Context) error {
	return withContextError(ctx, func() error {
		recs, err := s.allRecords(ctx)
		if err != nil {
			return err
		}

		pipe := s.client.Pipeline()
		for _, rec := range recs {
			if rec.Status.IsTerminal() {
				pipe.Del(ctx, recordPrefix+rec.WorkflowID, checkpointPrefix+rec.WorkflowID)
				pipe.SRem(ctx, recordIndexKey, rec.WorkflowID)
			}
		}
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("failed to execute pipeline for deletion: %w", err)
		}
		return nil
	})
}

// Close closes the Redis client connection.
func (s *RedisStorage) Close() error {
	return s.client.Close()
}
