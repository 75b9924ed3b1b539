package document

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"sort"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/contract-extractor/internal/agent/document/testdoc"
	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/internal/service/extraction"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/queue"
)

type memStorage struct {
	mu       sync.Mutex
	objects  map[string][]byte
	modified map[string]time.Time
	now      func() time.Time
}

func newMemStorage(now func() time.Time) *memStorage {
	return &memStorage{objects: map[string][]byte{}, modified: map[string]time.Time{}, now: now}
}

func (m *memStorage) Store(_ context.Context, r io.Reader, key string) (string, error) {
	data, err := io.ReadAll(r)
	if err != nil {
		return "", err
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.objects[key] = data
	m.modified[key] = m.now()
	return key, nil
}

func (m *memStorage) Get(_ context.Context, key string) (io.ReadCloser, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	data, ok := m.objects[key]
	if !ok {
		return nil, apperrors.NotFound("object %s does not exist", key)
	}
	return io.NopCloser(bytes.NewReader(data)), nil
}

func (m *memStorage) Delete(_ context.Context, key string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.objects, key)
	delete(m.modified, key)
	return nil
}

func (m *memStorage) CleanupBefore(_ context.Context, threshold time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for key, at := range m.modified {
		if at.Before(threshold) {
			delete(m.objects, key)
			delete(m.modified, key)
			n++
		}
	}
	return n, nil
}

func (m *memStorage) has(key string) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	_, ok := m.objects[key]
	return ok
}

type memJobs struct {
	mu   sync.Mutex
	jobs map[string]models.ExtractionJob
}

func newMemJobs() *memJobs { return &memJobs{jobs: map[string]models.ExtractionJob{}} }

func (m *memJobs) Save(_ context.Context, job *models.ExtractionJob) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.jobs[job.ID] = *job
	return nil
}

func (m *memJobs) Get(_ context.Context, id string) (*models.ExtractionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job %s not found", id)
	}
	return &job, nil
}

func (m *memJobs) Update(_ context.Context, id string, fn func(*models.ExtractionJob) error) (*models.ExtractionJob, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, apperrors.NotFound("job %s not found", id)
	}
	if err := fn(&job); err != nil {
		return nil, err
	}
	m.jobs[id] = job
	return &job, nil
}

func (m *memJobs) List(_ context.Context, opts ListOptions) (*JobList, error) {
	m.mu.Lock()
	all := make([]*models.ExtractionJob, 0, len(m.jobs))
	for _, j := range m.jobs {
		j := j
		all = append(all, &j)
	}
	m.mu.Unlock()
	sort.Slice(all, func(i, k int) bool { return all[i].CreatedAt.After(all[k].CreatedAt) })
	return page(filterStatus(all, opts.Status), opts), nil
}

func (m *memJobs) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.jobs, id)
	return nil
}

type fakeQueue struct {
	mu         sync.Mutex
	tasks      []*queue.Task
	cancelled  []string
	enqueueErr error
}

func (q *fakeQueue) Enqueue(_ context.Context, task *queue.Task) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.enqueueErr != nil {
		return q.enqueueErr
	}
	q.tasks = append(q.tasks, task)
	return nil
}

func (q *fakeQueue) Cancel(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.cancelled = append(q.cancelled, id)
	return nil
}

func (q *fakeQueue) Close() error { return nil }

type extractFunc func(ctx context.Context, in extraction.Input, cfg models.ExtractionConfig) (*models.ExtractionResult, error)

func (f extractFunc) Extract(ctx context.Context, in extraction.Input, cfg models.ExtractionConfig) (*models.ExtractionResult, error) {
	return f(ctx, in, cfg)
}

type harness struct {
	svc     *DocumentService
	storage *memStorage
	jobs    *memJobs
	queue   *fakeQueue
	clock   time.Time
}

func newHarness(t *testing.T, extract extractFunc) *harness {
	t.Helper()
	h := &harness{jobs: newMemJobs(), queue: &fakeQueue{}, clock: time.Date(2024, 3, 1, 9, 0, 0, 0, time.UTC)}
	now := func() time.Time { return h.clock }
	h.storage = newMemStorage(now)
	h.svc = NewService(extract, nil, h.queue, h.storage, h.jobs, logger.NewNop(), &ServiceConfig{
		Defaults:        models.DefaultExtractionConfig(),
		QueuePriority:   2,
		RetentionPeriod: 7 * 24 * time.Hour,
	})
	h.svc.now = now
	return h
}

func (h *harness) tick(d time.Duration) { h.clock = h.clock.Add(d) }

func sampleResult() *models.ExtractionResult {
	md := &models.Metadata{}
	md.Set("Contract Lifecycle", "Party A", models.FieldResult{
		ExtractedValue: "Acme Corp",
		MatchFlag:      models.MatchSameAsTemplate,
		Validation:     models.Validation{Score: 90, Status: models.StatusValid},
	})
	return &models.ExtractionResult{
		Metadata: md,
		Config:   models.DefaultExtractionConfig(),
		Warnings: []string{"page 2: ocr failed"},
		Stats:    models.ExtractionStats{FieldsFound: 1, FieldsTotal: 1},
	}
}

func upload() SubmitRequest {
	return SubmitRequest{FileName: "Acme MSA.pdf", Data: testdoc.PDF("MSA", "Master Services Agreement")}
}

func TestSubmitStoresAndQueues(t *testing.T) {
	h := newHarness(t, nil)

	req := upload()
	req.Mode = "text_llm"
	job, err := h.svc.Submit(context.Background(), req)
	require.NoError(t, err)

	assert.Equal(t, models.JobPending, job.Status)
	assert.Equal(t, "Acme MSA.pdf", job.FileName)
	assert.Equal(t, models.PDF, job.FileType)
	assert.Equal(t, models.ModeTextLLM, job.Config.Mode)
	assert.Equal(t, models.MethodHybrid, job.Config.Method)
	assert.Equal(t, "uploads/"+job.ID+".pdf", job.UploadKey)
	assert.True(t, h.storage.has(job.UploadKey))

	require.Len(t, h.queue.tasks, 1)
	task := h.queue.tasks[0]
	assert.Equal(t, job.ID, task.ID)
	assert.Equal(t, queue.TaskTypeExtraction, task.Type)
	assert.JSONEq(t, `{"jobId":"`+job.ID+`"}`, string(task.Payload))

	stored, err := h.svc.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, stored.Status)
}

func TestSubmitRejectsBeforeStoring(t *testing.T) {
	h := newHarness(t, nil)

	tests := []struct {
		name string
		req  SubmitRequest
		want error
	}{
		{"incompatible overrides", SubmitRequest{FileName: "a.pdf", Data: upload().Data, Method: "vision_all", Mode: "text_llm"}, apperrors.ErrConfiguration},
		{"unknown engine", SubmitRequest{FileName: "a.pdf", Data: upload().Data, OCREngine: "abbyy"}, apperrors.ErrConfiguration},
		{"legacy word file", SubmitRequest{FileName: "a.doc", Data: []byte("binary")}, apperrors.ErrValidation},
		{"empty file", SubmitRequest{FileName: "a.pdf"}, apperrors.ErrValidation},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := h.svc.Submit(context.Background(), tt.req)
			assert.ErrorIs(t, err, tt.want)
		})
	}
	assert.Empty(t, h.queue.tasks)
	assert.Empty(t, h.storage.objects)
}

func TestSubmitRollsBackWhenQueueFails(t *testing.T) {
	h := newHarness(t, nil)
	h.queue.enqueueErr = errors.New("redis down")

	_, err := h.svc.Submit(context.Background(), upload())
	require.Error(t, err)
	assert.Empty(t, h.storage.objects)
	assert.Empty(t, h.jobs.jobs)
}

func TestHandleExtractionCompletes(t *testing.T) {
	var gotInput extraction.Input
	var gotCfg models.ExtractionConfig
	h := newHarness(t, func(_ context.Context, in extraction.Input, cfg models.ExtractionConfig) (*models.ExtractionResult, error) {
		gotInput, gotCfg = in, cfg
		return sampleResult(), nil
	})
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	h.tick(time.Minute)
	require.NoError(t, h.svc.HandleExtraction(ctx, h.queue.tasks[0]))

	assert.Equal(t, "Acme MSA.pdf", gotInput.FileName)
	assert.Equal(t, upload().Data, gotInput.Data)
	assert.Equal(t, job.Config, gotCfg)

	done, err := h.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Equal(t, ResultKey(job.ID), done.ResultKey)
	assert.Equal(t, []string{"page 2: ocr failed"}, done.Warnings)
	require.NotNil(t, done.StartedAt)
	require.NotNil(t, done.CompletedAt)

	doc, err := h.svc.GetResult(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, job.ID, doc.JobID)
	assert.Equal(t, models.JobCompleted, doc.Status)
	r, ok := doc.Result.Metadata.Get("Contract Lifecycle", "Party A")
	require.True(t, ok)
	assert.Equal(t, "Acme Corp", r.ExtractedValue)
}

func TestHandleExtractionRecordsFailure(t *testing.T) {
	h := newHarness(t, func(context.Context, extraction.Input, models.ExtractionConfig) (*models.ExtractionResult, error) {
		return nil, apperrors.ExternalCallExhausted("llm_multimodal", 0, 3, errors.New("503"))
	})
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	err = h.svc.HandleExtraction(ctx, h.queue.tasks[0])
	assert.ErrorIs(t, err, apperrors.ErrExternalCallExhausted)

	failed, err := h.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, failed.Status)
	require.NotNil(t, failed.Error)
	assert.Equal(t, "external_call_exhausted", failed.Error.Kind)
	assert.Equal(t, "llm_multimodal", failed.Error.Stage)

	_, err = h.svc.GetResult(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.ErrorContains(t, err, "failed")
}

func TestHandleExtractionCancelledContext(t *testing.T) {
	h := newHarness(t, func(ctx context.Context, _ extraction.Input, _ models.ExtractionConfig) (*models.ExtractionResult, error) {
		return nil, apperrors.Cancelled("dispatch", ctx.Err())
	})
	ctx, cancel := context.WithCancel(context.Background())

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	cancel()
	err = h.svc.HandleExtraction(ctx, h.queue.tasks[0])
	assert.ErrorIs(t, err, apperrors.ErrCancelled)

	got, err := h.svc.GetStatus(context.Background(), job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.Equal(t, "dispatch", got.Error.Stage)
}

func TestCancelJob(t *testing.T) {
	calls := 0
	h := newHarness(t, func(context.Context, extraction.Input, models.ExtractionConfig) (*models.ExtractionResult, error) {
		calls++
		return sampleResult(), nil
	})
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)

	cancelled, err := h.svc.CancelJob(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, cancelled.Status)
	assert.Equal(t, []string{job.ID}, h.queue.cancelled)

	// A task delivered anyway is skipped.
	require.NoError(t, h.svc.HandleExtraction(ctx, h.queue.tasks[0]))
	assert.Zero(t, calls)

	_, err = h.svc.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	_, err = h.svc.CancelJob(ctx, "missing")
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
}

func TestHandleExtractionRetriesInternalErrors(t *testing.T) {
	calls := 0
	h := newHarness(t, func(context.Context, extraction.Input, models.ExtractionConfig) (*models.ExtractionResult, error) {
		calls++
		if calls == 1 {
			return nil, errors.New("connection reset by peer")
		}
		return sampleResult(), nil
	})
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	task := h.queue.tasks[0]
	task.MaxRetry = 1

	err = h.svc.HandleExtraction(ctx, task)
	require.Error(t, err)
	pending, err := h.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobPending, pending.Status)
	assert.Nil(t, pending.StartedAt)
	require.NotNil(t, pending.Error)
	assert.Equal(t, "internal", pending.Error.Kind)

	// asynq redelivers the same task.
	task.Retried = 1
	require.NoError(t, h.svc.HandleExtraction(ctx, task))
	assert.Equal(t, 2, calls)

	done, err := h.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, done.Status)
	assert.Nil(t, done.Error)
}

func TestHandleExtractionInternalErrorOnLastDelivery(t *testing.T) {
	h := newHarness(t, func(context.Context, extraction.Input, models.ExtractionConfig) (*models.ExtractionResult, error) {
		return nil, errors.New("connection reset by peer")
	})
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	task := h.queue.tasks[0]
	task.Retried, task.MaxRetry = 3, 3

	require.Error(t, h.svc.HandleExtraction(ctx, task))
	failed, err := h.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobFailed, failed.Status)
	assert.Equal(t, "internal", failed.Error.Kind)
}

func TestCancelJobDuringExtraction(t *testing.T) {
	var h *harness
	var jobID string
	h = newHarness(t, func(ctx context.Context, _ extraction.Input, _ models.ExtractionConfig) (*models.ExtractionResult, error) {
		_, err := h.svc.CancelJob(ctx, jobID)
		require.NoError(t, err)
		return sampleResult(), nil
	})
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	jobID = job.ID
	require.NoError(t, h.svc.HandleExtraction(ctx, h.queue.tasks[0]))

	got, err := h.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCancelled, got.Status)
	assert.Empty(t, got.ResultKey)
	assert.False(t, h.storage.has(ResultKey(job.ID)))
}

func TestCancelJobAfterCompletion(t *testing.T) {
	h := newHarness(t, func(context.Context, extraction.Input, models.ExtractionConfig) (*models.ExtractionResult, error) {
		return sampleResult(), nil
	})
	ctx := context.Background()

	job, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleExtraction(ctx, h.queue.tasks[0]))

	_, err = h.svc.CancelJob(ctx, job.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.Empty(t, h.queue.cancelled)

	got, err := h.svc.GetStatus(ctx, job.ID)
	require.NoError(t, err)
	assert.Equal(t, models.JobCompleted, got.Status)
	assert.True(t, h.storage.has(ResultKey(job.ID)))
}

func TestGetResultNotReady(t *testing.T) {
	h := newHarness(t, nil)
	job, err := h.svc.Submit(context.Background(), upload())
	require.NoError(t, err)

	_, err = h.svc.GetResult(context.Background(), job.ID)
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.ErrorContains(t, err, "pending")
}

func TestListJobs(t *testing.T) {
	h := newHarness(t, func(context.Context, extraction.Input, models.ExtractionConfig) (*models.ExtractionResult, error) {
		return sampleResult(), nil
	})
	ctx := context.Background()

	var ids []string
	for i := 0; i < 5; i++ {
		job, err := h.svc.Submit(ctx, upload())
		require.NoError(t, err)
		ids = append(ids, job.ID)
		h.tick(time.Second)
	}
	require.NoError(t, h.svc.HandleExtraction(ctx, h.queue.tasks[0]))

	all, err := h.svc.ListJobs(ctx, ListOptions{})
	require.NoError(t, err)
	assert.Equal(t, 5, all.Total)
	assert.Equal(t, DefaultListLimit, all.Limit)
	assert.Equal(t, ids[4], all.Jobs[0].ID)

	pageTwo, err := h.svc.ListJobs(ctx, ListOptions{Offset: 2, Limit: 2})
	require.NoError(t, err)
	require.Len(t, pageTwo.Jobs, 2)
	assert.Equal(t, ids[2], pageTwo.Jobs[0].ID)

	completed, err := h.svc.ListJobs(ctx, ListOptions{Status: models.JobCompleted})
	require.NoError(t, err)
	require.Equal(t, 1, completed.Total)
	assert.Equal(t, ids[0], completed.Jobs[0].ID)

	beyond, err := h.svc.ListJobs(ctx, ListOptions{Offset: 10, Limit: 500})
	require.NoError(t, err)
	assert.Empty(t, beyond.Jobs)
	assert.Equal(t, MaxListLimit, beyond.Limit)
}

func TestCleanupJobs(t *testing.T) {
	h := newHarness(t, func(context.Context, extraction.Input, models.ExtractionConfig) (*models.ExtractionResult, error) {
		return sampleResult(), nil
	})
	ctx := context.Background()

	old, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)
	require.NoError(t, h.svc.HandleExtraction(ctx, h.queue.tasks[0]))
	h.tick(8 * 24 * time.Hour)
	fresh, err := h.svc.Submit(ctx, upload())
	require.NoError(t, err)

	report, err := h.svc.CleanupJobs(ctx)
	require.NoError(t, err)
	assert.Equal(t, 2, report.ObjectsDeleted)
	assert.Equal(t, 1, report.JobsDeleted)

	_, err = h.svc.GetStatus(ctx, old.ID)
	assert.ErrorIs(t, err, apperrors.ErrNotFound)
	_, err = h.svc.GetStatus(ctx, fresh.ID)
	assert.NoError(t, err)
	assert.True(t, h.storage.has(fresh.UploadKey))
}

func TestHandleExtractionRejectsBadPayload(t *testing.T) {
	h := newHarness(t, nil)
	err := h.svc.HandleExtraction(context.Background(), &queue.Task{ID: "x", Payload: json.RawMessage(`{}`)})
	assert.ErrorIs(t, err, apperrors.ErrValidation)
	assert.True(t, strings.Contains(err.Error(), "invalid extraction task"))
}
