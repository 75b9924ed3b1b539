// Package queue moves extraction jobs from the API to the workers through
// asynq.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/hibiken/asynq"

	cfg "github.com/feichai0017/contract-extractor/config"
)

const TaskTypeExtraction = "extraction:process"

const (
	QueueCritical = "critical"
	QueueDefault  = "default"
	QueueLow      = "low"
)

// Queues are the asynq queues and their weights.
var Queues = map[string]int{
	QueueCritical: 6,
	QueueDefault:  3,
	QueueLow:      1,
}

type Queue interface {
	Enqueue(ctx context.Context, task *Task) error
	// Cancel removes a task that has not started and signals a running one.
	Cancel(ctx context.Context, taskID string) error
	Close() error
}

// Task is the asynq payload. Payload carries the job-specific body.
type Task struct {
	ID        string          `json:"id"`
	Type      string          `json:"type"`
	Priority  int             `json:"priority"`
	Payload   json.RawMessage `json:"payload"`
	CreatedAt time.Time       `json:"createdAt"`

	// Retried and MaxRetry describe the current delivery; the worker fills
	// them in from asynq.
	Retried  int `json:"-"`
	MaxRetry int `json:"-"`
}

// LastAttempt reports whether a failure of this delivery will not be
// redelivered.
func (t *Task) LastAttempt() bool {
	return t.Retried >= t.MaxRetry
}

// Decode unmarshals an asynq payload produced by Enqueue.
func Decode(data []byte) (*Task, error) {
	var task Task
	if err := json.Unmarshal(data, &task); err != nil {
		return nil, fmt.Errorf("failed to unmarshal task: %w", err)
	}
	if task.ID == "" || len(task.Payload) == 0 {
		return nil, fmt.Errorf("invalid task data: missing required fields")
	}
	return &task, nil
}

type QueueConfig struct {
	RedisAddr     string
	RedisPassword string
	RedisDB       int
	// MaxRetries is asynq's redelivery budget; model calls retry inside a
	// delivery, so this stays low.
	MaxRetries     int
	ProcessTimeout time.Duration
	Retention      time.Duration
}

type AsynqQueue struct {
	client    *asynq.Client
	inspector *asynq.Inspector
	cfg       QueueConfig
}

// GetQueue builds a queue from the redis and server settings.
func GetQueue() *AsynqQueue {
	redisCfg := cfg.GetRedisConfig()
	serverCfg := cfg.GetServerConfig()
	return NewAsynqQueue(QueueConfig{
		RedisAddr:      redisCfg.Addr,
		RedisPassword:  redisCfg.Password,
		RedisDB:        redisCfg.DB,
		MaxRetries:     1,
		ProcessTimeout: serverCfg.JobTimeout,
		Retention:      24 * time.Hour,
	})
}

func NewAsynqQueue(c QueueConfig) *AsynqQueue {
	opt := RedisOpt(c.RedisAddr, c.RedisPassword, c.RedisDB)
	return &AsynqQueue{
		client:    asynq.NewClient(opt),
		inspector: asynq.NewInspector(opt),
		cfg:       c,
	}
}

func RedisOpt(addr, password string, db int) asynq.RedisClientOpt {
	return asynq.RedisClientOpt{Addr: addr, Password: password, DB: db}
}

func (q *AsynqQueue) Enqueue(ctx context.Context, task *Task) error {
	payload, err := json.Marshal(task)
	if err != nil {
		return fmt.Errorf("failed to marshal task: %w", err)
	}
	t := asynq.NewTask(task.Type, payload, q.options(task)...)
	if _, err := q.client.EnqueueContext(ctx, t); err != nil {
		return fmt.Errorf("failed to enqueue task: %w", err)
	}
	return nil
}

func (q *AsynqQueue) options(task *Task) []asynq.Option {
	opts := []asynq.Option{
		asynq.TaskID(task.ID),
		asynq.Queue(queueFor(task.Priority)),
		asynq.MaxRetry(q.cfg.MaxRetries),
	}
	if q.cfg.ProcessTimeout > 0 {
		opts = append(opts, asynq.Timeout(q.cfg.ProcessTimeout))
	}
	if q.cfg.Retention > 0 {
		opts = append(opts, asynq.Retention(q.cfg.Retention))
	}
	return opts
}

func queueFor(priority int) string {
	switch priority {
	case 1:
		return QueueCritical
	case 2:
		return QueueDefault
	default:
		return QueueLow
	}
}

func (q *AsynqQueue) Cancel(ctx context.Context, taskID string) error {
	var errs []error
	for name := range Queues {
		err := q.inspector.DeleteTask(name, taskID)
		if err == nil {
			return nil
		}
		if !errors.Is(err, asynq.ErrTaskNotFound) && !errors.Is(err, asynq.ErrQueueNotFound) {
			errs = append(errs, err)
		}
	}
	// Not pending anywhere: it may be running.
	if err := q.inspector.CancelProcessing(taskID); err != nil {
		errs = append(errs, err)
		return fmt.Errorf("failed to cancel task: %w", errors.Join(errs...))
	}
	return nil
}

func (q *AsynqQueue) Close() error {
	return errors.Join(q.client.Close(), q.inspector.Close())
}
