package document

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/feichai0017/contract-extractor/internal/models"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
)

// JobStore persists job records.
type JobStore interface {
	Save(ctx context.Context, job *models.ExtractionJob) error
	Get(ctx context.Context, id string) (*models.ExtractionJob, error)
	// List returns jobs newest first.
	List(ctx context.Context, opts ListOptions) (*JobList, error)
	Delete(ctx context.Context, id string) error
	// Update applies fn to the current record and saves it atomically. An
	// error from fn leaves the record untouched and is returned as is.
	Update(ctx context.Context, id string, fn func(job *models.ExtractionJob) error) (*models.ExtractionJob, error)
}

type ListOptions struct {
	// Status filters when set.
	Status models.JobStatus
	Offset int
	Limit  int
}

type JobList struct {
	Jobs   []*models.ExtractionJob `json:"jobs"`
	Total  int                     `json:"total"`
	Offset int                     `json:"offset"`
	Limit  int                     `json:"limit"`
}

const (
	jobKeyPrefix = "extraction_job:"
	jobIndexKey  = "extraction_jobs"

	maxUpdateAttempts = 10
)

// RedisJobStore keeps each job as JSON under extraction_job:<id> and indexes
// ids by creation time in a sorted set.
type RedisJobStore struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRedisJobStore expires records after ttl; zero keeps them forever.
func NewRedisJobStore(client *redis.Client, ttl time.Duration) *RedisJobStore {
	return &RedisJobStore{client: client, ttl: ttl}
}

func (s *RedisJobStore) Save(ctx context.Context, job *models.ExtractionJob) error {
	data, err := json.Marshal(job)
	if err != nil {
		return fmt.Errorf("failed to marshal job: %w", err)
	}
	_, err = s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Set(ctx, jobKeyPrefix+job.ID, data, s.ttl)
		p.ZAdd(ctx, jobIndexKey, redis.Z{Score: float64(job.CreatedAt.UnixNano()), Member: job.ID})
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to save job: %w", err)
	}
	return nil
}

func (s *RedisJobStore) Get(ctx context.Context, id string) (*models.ExtractionJob, error) {
	data, err := s.client.Get(ctx, jobKeyPrefix+id).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, apperrors.NotFound("job %s not found", id)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	var job models.ExtractionJob
	if err := json.Unmarshal(data, &job); err != nil {
		return nil, fmt.Errorf("failed to unmarshal job: %w", err)
	}
	return &job, nil
}

// Update runs fn inside WATCH/MULTI on the job key and starts over when
// another writer touches the key first.
func (s *RedisJobStore) Update(ctx context.Context, id string, fn func(job *models.ExtractionJob) error) (*models.ExtractionJob, error) {
	key := jobKeyPrefix + id
	var updated models.ExtractionJob
	txf := func(tx *redis.Tx) error {
		data, err := tx.Get(ctx, key).Bytes()
		if errors.Is(err, redis.Nil) {
			return apperrors.NotFound("job %s not found", id)
		}
		if err != nil {
			return fmt.Errorf("failed to get job: %w", err)
		}
		var job models.ExtractionJob
		if err := json.Unmarshal(data, &job); err != nil {
			return fmt.Errorf("failed to unmarshal job: %w", err)
		}
		if err := fn(&job); err != nil {
			return err
		}
		out, err := json.Marshal(&job)
		if err != nil {
			return fmt.Errorf("failed to marshal job: %w", err)
		}
		_, err = tx.TxPipelined(ctx, func(p redis.Pipeliner) error {
			p.Set(ctx, key, out, s.ttl)
			return nil
		})
		if err == nil {
			updated = job
		}
		return err
	}

	for i := 0; i < maxUpdateAttempts; i++ {
		err := s.client.Watch(ctx, txf, key)
		if errors.Is(err, redis.TxFailedErr) {
			continue
		}
		if err != nil {
			return nil, err
		}
		return &updated, nil
	}
	return nil, fmt.Errorf("failed to update job %s: record kept changing", id)
}

func (s *RedisJobStore) List(ctx context.Context, opts ListOptions) (*JobList, error) {
	ids, err := s.client.ZRevRange(ctx, jobIndexKey, 0, -1).Result()
	if err != nil {
		return nil, fmt.Errorf("failed to list jobs: %w", err)
	}
	all := make([]*models.ExtractionJob, 0, len(ids))
	if len(ids) > 0 {
		keys := make([]string, len(ids))
		for i, id := range ids {
			keys[i] = jobKeyPrefix + id
		}
		values, err := s.client.MGet(ctx, keys...).Result()
		if err != nil {
			return nil, fmt.Errorf("failed to load jobs: %w", err)
		}
		var expired []interface{}
		for i, v := range values {
			raw, ok := v.(string)
			if !ok {
				expired = append(expired, ids[i])
				continue
			}
			var job models.ExtractionJob
			if err := json.Unmarshal([]byte(raw), &job); err != nil {
				continue
			}
			all = append(all, &job)
		}
		if len(expired) > 0 {
			s.client.ZRem(ctx, jobIndexKey, expired...)
		}
	}
	return page(filterStatus(all, opts.Status), opts), nil
}

func (s *RedisJobStore) Delete(ctx context.Context, id string) error {
	_, err := s.client.TxPipelined(ctx, func(p redis.Pipeliner) error {
		p.Del(ctx, jobKeyPrefix+id)
		p.ZRem(ctx, jobIndexKey, id)
		return nil
	})
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	return nil
}

func filterStatus(jobs []*models.ExtractionJob, status models.JobStatus) []*models.ExtractionJob {
	if status == "" {
		return jobs
	}
	out := jobs[:0]
	for _, j := range jobs {
		if j.Status == status {
			out = append(out, j)
		}
	}
	return out
}

func page(jobs []*models.ExtractionJob, opts ListOptions) *JobList {
	list := &JobList{Total: len(jobs), Offset: opts.Offset, Limit: opts.Limit, Jobs: []*models.ExtractionJob{}}
	if opts.Offset >= len(jobs) {
		return list
	}
	end := len(jobs)
	if opts.Limit > 0 && opts.Offset+opts.Limit < end {
		end = opts.Offset + opts.Limit
	}
	list.Jobs = jobs[opts.Offset:end]
	return list
}
