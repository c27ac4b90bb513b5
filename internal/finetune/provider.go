// Package finetune provides the fine-tuning provider abstraction used by the
// training orchestrator: dataset upload, job submission, status polling, and
// model deployment.
package finetune

import (
	"context"
)

// JobState is the provider-side state of a fine-tuning job.
type JobState string

const (
	JobPending   JobState = "pending"
	JobRunning   JobState = "running"
	JobCompleted JobState = "completed"
	JobFailed    JobState = "failed"
	JobCancelled JobState = "cancelled"
)

// Terminal reports whether the job will make no further progress.
func (s JobState) Terminal() bool {
	return s == JobCompleted || s == JobFailed || s == JobCancelled
}

// UploadResult describes an uploaded training file.
type UploadResult struct {
	FileID   string
	Filename string
	Bytes    int64
}

// JobInfo is a snapshot of a fine-tuning job.
type JobInfo struct {
	JobID   string
	State   JobState
	ModelID string // resulting model, set when State is completed
	Message string // provider status detail, may be empty
}

// Provider defines the fine-tuning backend interface.
type Provider interface {
	// Upload stores a JSONL training file with the provider.
	Upload(ctx context.Context, filename string, data []byte) (UploadResult, error)

	// Train starts a fine-tuning job on a previously uploaded file.
	Train(ctx context.Context, fileID, baseModel, suffix string) (string, error)

	// JobStatus fetches the current state of a job.
	JobStatus(ctx context.Context, jobID string) (JobInfo, error)

	// Deploy makes a completed model available for inference.
	Deploy(ctx context.Context, modelID string) error
}
