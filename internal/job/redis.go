package job

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// DefaultJobTTL is how long job records are kept in redis.
const DefaultJobTTL = 24 * time.Hour

const (
	jobKeyPrefix = "job:"
	jobIndexKey  = "jobs:index"
)

var _ Repository = (*RedisRepository)(nil)

// RedisRepository stores job snapshots as JSON with an expiry. A sorted
// set indexed by creation time backs List; members whose record expired
// are dropped from it lazily.
type RedisRepository struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisRepository creates a repository on an existing client.
func NewRedisRepository(client *redis.Client, ttl time.Duration) *RedisRepository {
	if ttl <= 0 {
		ttl = DefaultJobTTL
	}
	return &RedisRepository{client: client, ttl: ttl}
}

func jobKey(id string) string {
	return jobKeyPrefix + id
}

// Save writes the snapshot and refreshes its expiry.
func (r *RedisRepository) Save(ctx context.Context, job *Job) error {
	snapshot := job.Clone()
	data, err := json.Marshal(snapshot)
	if err != nil {
		return fmt.Errorf("marshal job: %w", err)
	}

	pipe := r.client.TxPipeline()
	pipe.Set(ctx, jobKey(snapshot.ID), data, r.ttl)
	pipe.ZAdd(ctx, jobIndexKey, redis.Z{
		Score:  float64(snapshot.CreatedAt.UnixMilli()),
		Member: snapshot.ID,
	})
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("save job %s: %w", snapshot.ID, err)
	}
	return nil
}

// FindByID loads a job snapshot.
func (r *RedisRepository) FindByID(ctx context.Context, id string) (*Job, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, ErrJobNotFound
		}
		return nil, fmt.Errorf("get job %s: %w", id, err)
	}
	return decodeJob(data)
}

// List returns the jobs that have not expired, newest first.
func (r *RedisRepository) List(ctx context.Context) ([]*Job, error) {
	ids, err := r.client.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("list job ids: %w", err)
	}
	if len(ids) == 0 {
		return []*Job{}, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, fmt.Errorf("load jobs: %w", err)
	}

	jobs := make([]*Job, 0, len(values))
	var expired []any
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			expired = append(expired, ids[i])
			continue
		}
		j, err := decodeJob([]byte(s))
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, j)
	}

	if len(expired) > 0 {
		// Best effort; a failure only leaves stale index entries behind.
		_ = r.client.ZRem(ctx, jobIndexKey, expired...).Err()
	}
	return jobs, nil
}

// Delete removes a job record and its index entry.
func (r *RedisRepository) Delete(ctx context.Context, id string) error {
	n, err := r.client.Del(ctx, jobKey(id)).Result()
	if err != nil {
		return fmt.Errorf("delete job %s: %w", id, err)
	}
	if err := r.client.ZRem(ctx, jobIndexKey, id).Err(); err != nil {
		return fmt.Errorf("unindex job %s: %w", id, err)
	}
	if n == 0 {
		return ErrJobNotFound
	}
	return nil
}

func decodeJob(data []byte) (*Job, error) {
	var j Job
	if err := json.Unmarshal(data, &j); err != nil {
		return nil, fmt.Errorf("unmarshal job: %w", err)
	}
	return &j, nil
}
