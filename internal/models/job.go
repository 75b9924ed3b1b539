package models

import "time"

// JobStatus is the lifecycle state of an extraction job.
type JobStatus string

const (
	JobPending    JobStatus = "pending"
	JobProcessing JobStatus = "processing"
	JobCompleted  JobStatus = "completed"
	JobFailed     JobStatus = "failed"
	JobCancelled  JobStatus = "cancelled"
)

func (s JobStatus) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

func ParseJobStatus(s string) (JobStatus, bool) {
	switch st := JobStatus(normalizeEnumName(s)); st {
	case JobPending, JobProcessing, JobCompleted, JobFailed, JobCancelled:
		return st, true
	default:
		return "", false
	}
}

// JobError is the persisted form of a failed job's error.
type JobError struct {
	Kind    string `json:"kind"`
	Stage   string `json:"stage,omitempty"`
	Page    int    `json:"page,omitempty"`
	Message string `json:"message"`
}

// ExtractionJob is the record kept for every uploaded document.
type ExtractionJob struct {
	ID          string           `json:"jobId"`
	Status      JobStatus        `json:"status"`
	FileName    string           `json:"fileName"`
	FileType    FileType         `json:"fileType"`
	FileSize    int64            `json:"fileSize"`
	FileHash    string           `json:"fileHash,omitempty"`
	Config      ExtractionConfig `json:"config"`
	UploadKey   string           `json:"uploadKey"`
	ResultKey   string           `json:"resultKey,omitempty"`
	Error       *JobError        `json:"error,omitempty"`
	Warnings    []string         `json:"warnings,omitempty"`
	CreatedAt   time.Time        `json:"createdAt"`
	UpdatedAt   time.Time        `json:"updatedAt"`
	StartedAt   *time.Time       `json:"startedAt,omitempty"`
	CompletedAt *time.Time       `json:"completedAt,omitempty"`
}
