// Package document runs contract extraction as asynchronous jobs: uploads
// are validated and stored, queued for a worker, and their results kept
// for download.
package document

import (
	"context"

	"github.com/feichai0017/contract-extractor/internal/models"
	"github.com/feichai0017/contract-extractor/pkg/converters"
	"github.com/feichai0017/contract-extractor/pkg/queue"
)

type DocumentProcessor interface {
	Submit(ctx context.Context, req SubmitRequest) (*models.ExtractionJob, error)
	HandleExtraction(ctx context.Context, task *queue.Task) error
	GetStatus(ctx context.Context, jobID string) (*models.ExtractionJob, error)
	GetResult(ctx context.Context, jobID string) (*converters.ProcessedDocument, error)
	ListJobs(ctx context.Context, opts ListOptions) (*JobList, error)
	CancelJob(ctx context.Context, jobID string) (*models.ExtractionJob, error)
	CleanupJobs(ctx context.Context) (*CleanupReport, error)
}

// SubmitRequest is one upload. Empty override fields fall back to the
// service defaults.
type SubmitRequest struct {
	FileName  string
	Data      []byte
	Method    string
	Mode      string
	OCREngine string
}

type CleanupReport struct {
	ObjectsDeleted int `json:"objectsDeleted"`
	JobsDeleted    int `json:"jobsDeleted"`
}
