package store

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/eztheme/builder/internal/model"
)

const maxTxRetries = 10

// Redis stores each job as JSON under build:<id>, with a per-owner sorted
// set (scored by creation time) and a per-status set as indexes.
type Redis struct {
	client    *redis.Client
	retention time.Duration
}

// NewRedis creates a Redis store. A positive retention expires finished
// jobs; pending and processing jobs never expire.
func NewRedis(client *redis.Client, retention time.Duration) *Redis {
	return &Redis{client: client, retention: retention}
}

func jobKey(id string) string {
	return fmt.Sprintf("build:%s", id)
}

func ownerKey(owner string) string {
	return fmt.Sprintf("builds:owner:%s", owner)
}

func statusKey(status model.BuildStatus) string {
	return fmt.Sprintf("builds:status:%s", status)
}

func (r *Redis) ttl(status model.BuildStatus) time.Duration {
	if status == model.BuildStatusCompleted || status == model.BuildStatusFailed {
		return r.retention
	}
	return 0
}

func (r *Redis) Create(ctx context.Context, job *model.BuildJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("marshal build: %w", err)
	}

	ok, err := r.client.SetNX(ctx, jobKey(job.ID), data, r.ttl(job.Status)).Result()
	if err != nil {
		return fmt.Errorf("save build: %w", err)
	}
	if !ok {
		return ErrAlreadyExists
	}

	_, err = r.client.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
		pipe.ZAdd(ctx, ownerKey(job.Owner), redis.Z{
			Score:  float64(job.CreatedAt.UnixNano()),
			Member: job.ID,
		})
		pipe.SAdd(ctx, statusKey(job.Status), job.ID)
		return nil
	})
	if err != nil {
		return fmt.Errorf("index build: %w", err)
	}
	return nil
}

func (r *Redis) Get(ctx context.Context, id string) (*model.BuildJob, error) {
	data, err := r.client.Get(ctx, jobKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return decodeJob(data)
}

func (r *Redis) UpdateStatus(ctx context.Context, id string, u model.StatusUpdate) (*model.BuildJob, error) {
	if err := validateUpdate(u); err != nil {
		return nil, err
	}

	key := jobKey(id)
	var updated *model.BuildJob

	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return ErrNotFound
		}
		if err != nil {
			return err
		}
		job, err := decodeJob(data)
		if err != nil {
			return err
		}

		prev := job.Status
		u.Apply(job, now())
		encoded, err := json.Marshal(job)
		if err != nil {
			return err
		}

		_, err = tx.TxPipelined(ctx, func(pipe redis.Pipeliner) error {
			pipe.Set(ctx, key, encoded, r.ttl(job.Status))
			if prev != job.Status {
				pipe.SRem(ctx, statusKey(prev), id)
			}
			pipe.SAdd(ctx, statusKey(job.Status), id)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxTxRetries; i++ {
		err := r.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return updated, nil
	}
	return nil, fmt.Errorf("update build %s: too many concurrent writers", id)
}

func (r *Redis) List(ctx context.Context, owner string, page, limit int) ([]*model.BuildJob, int, error) {
	key := ownerKey(owner)
	start := int64(offset(page, limit))

	ids, err := r.client.ZRevRange(ctx, key, start, start+int64(limit)-1).Result()
	if err != nil {
		return nil, 0, err
	}
	jobs, missing, err := r.load(ctx, ids)
	if err != nil {
		return nil, 0, err
	}
	if len(missing) > 0 {
		r.client.ZRem(ctx, key, toAny(missing)...)
	}

	total, err := r.client.ZCard(ctx, key).Result()
	if err != nil {
		return nil, 0, err
	}
	return jobs, int(total), nil
}

func (r *Redis) ListByStatus(ctx context.Context, status model.BuildStatus) ([]*model.BuildJob, error) {
	ids, err := r.client.SMembers(ctx, statusKey(status)).Result()
	if err != nil {
		return nil, err
	}
	jobs, missing, err := r.load(ctx, ids)
	if err != nil {
		return nil, err
	}
	if len(missing) > 0 {
		r.client.SRem(ctx, statusKey(status), toAny(missing)...)
	}

	out := jobs[:0]
	for _, job := range jobs {
		// the index may briefly disagree with the record during an update
		if job.Status == status {
			out = append(out, job)
		}
	}
	return out, nil
}

// load fetches jobs by id, reporting ids whose records have expired.
func (r *Redis) load(ctx context.Context, ids []string) ([]*model.BuildJob, []string, error) {
	jobs := make([]*model.BuildJob, 0, len(ids))
	if len(ids) == 0 {
		return jobs, nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = jobKey(id)
	}
	values, err := r.client.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, nil, err
	}

	var missing []string
	for i, v := range values {
		s, ok := v.(string)
		if !ok {
			missing = append(missing, ids[i])
			continue
		}
		job, err := decodeJob([]byte(s))
		if err != nil {
			return nil, nil, err
		}
		jobs = append(jobs, job)
	}
	return jobs, missing, nil
}

func decodeJob(data []byte) (*model.BuildJob, error) {
	var job model.BuildJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("decode build: %w", err)
	}
	return &job, nil
}

func toAny(ids []string) []any {
	out := make([]any, len(ids))
	for i, id := range ids {
		out[i] = id
	}
	return out
}
