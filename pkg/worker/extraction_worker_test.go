package worker

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/hibiken/asynq"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/feichai0017/contract-extractor/internal/service/document"
	apperrors "github.com/feichai0017/contract-extractor/pkg/errors"
	"github.com/feichai0017/contract-extractor/pkg/logger"
	"github.com/feichai0017/contract-extractor/pkg/queue"
)

type fakeService struct {
	err     error
	handled []string
	cleaned int
}

func (f *fakeService) HandleExtraction(_ context.Context, task *queue.Task) error {
	f.handled = append(f.handled, task.ID)
	return f.err
}

func (f *fakeService) CleanupJobs(context.Context) (*document.CleanupReport, error) {
	f.cleaned++
	return &document.CleanupReport{ObjectsDeleted: 2}, nil
}

func newTestWorker(svc Service) *ExtractionWorker {
	return &ExtractionWorker{
		BaseWorker: BaseWorker{logger: logger.NewNop()},
		service:    svc,
	}
}

func extractionTask(t *testing.T, id string) *asynq.Task {
	t.Helper()
	payload, err := json.Marshal(queue.Task{
		ID:      id,
		Type:    queue.TaskTypeExtraction,
		Payload: json.RawMessage(`{"jobId":"` + id + `"}`),
	})
	require.NoError(t, err)
	return asynq.NewTask(queue.TaskTypeExtraction, payload)
}

func TestHandleExtraction(t *testing.T) {
	svc := &fakeService{}
	w := newTestWorker(svc)

	require.NoError(t, w.handleExtraction(context.Background(), extractionTask(t, "job-1")))
	assert.Equal(t, []string{"job-1"}, svc.handled)
}

func TestHandleExtractionRetryPolicy(t *testing.T) {
	tests := []struct {
		name      string
		err       error
		skipRetry bool
	}{
		{"job failure", apperrors.ResponseParse("bad json", nil), true},
		{"cancelled", apperrors.Cancelled("extract", context.Canceled), true},
		{"infrastructure", errors.New("redis: connection refused"), false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := newTestWorker(&fakeService{err: tt.err})
			err := w.handleExtraction(context.Background(), extractionTask(t, "job-1"))
			require.Error(t, err)
			assert.Equal(t, tt.skipRetry, errors.Is(err, asynq.SkipRetry))
		})
	}
}

func TestHandleExtractionMalformed(t *testing.T) {
	svc := &fakeService{}
	err := newTestWorker(svc).handleExtraction(context.Background(), asynq.NewTask(queue.TaskTypeExtraction, []byte("{")))
	assert.ErrorIs(t, err, asynq.SkipRetry)
	assert.Empty(t, svc.handled)
}

func TestHandleCleanup(t *testing.T) {
	svc := &fakeService{}
	require.NoError(t, newTestWorker(svc).handleCleanup(context.Background(), asynq.NewTask(TaskTypeCleanup, nil)))
	assert.Equal(t, 1, svc.cleaned)
}
