// Package queue implements the durable, priority-ordered, retrying work
// queue. All coordination between workers reduces to conditional updates on
// the jobs table; there are no locks, leases or brokers. Selection and
// locking are deliberately two separate operations: the read may be stale,
// mutual exclusion comes entirely from the conditional write.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/constants"
)

// Job is one persisted unit of work in a named queue.
type Job struct {
	ID           string              `json:"id"`
	QueueName    string              `json:"queueName"`
	JobType      string              `json:"jobType"`
	Payload      json.RawMessage     `json:"payload"`
	Priority     int                 `json:"priority"`
	Status       constants.JobStatus `json:"status"`
	Attempts     int                 `json:"attempts"`
	MaxAttempts  int                 `json:"maxAttempts"`
	ScheduledAt  time.Time           `json:"scheduledAt"`
	StartedAt    *time.Time          `json:"startedAt,omitempty"`
	CompletedAt  *time.Time          `json:"completedAt,omitempty"`
	ErrorMessage string              `json:"errorMessage,omitempty"`
	CreatedAt    time.Time           `json:"createdAt"`
	UpdatedAt    time.Time           `json:"updatedAt"`
}

// EnqueueOptions tune a single enqueue.
type EnqueueOptions struct {
	// JobID enables deduplication: if a job with this id is already
	// pending/processing/retrying, Enqueue returns the existing id.
	JobID       string
	Priority    int
	MaxAttempts int
	Delay       time.Duration
}

// BulkItem is one entry for EnqueueBulk. No cross-item atomicity.
type BulkItem struct {
	JobType string
	Payload any
	Opts    EnqueueOptions
}

// Stats reports per-status counts for one queue.
type Stats struct {
	QueueName  string `json:"queueName"`
	Pending    int    `json:"pending"`
	Processing int    `json:"processing"`
	Completed  int    `json:"completed"`
	Failed     int    `json:"failed"`
	Retrying   int    `json:"retrying"`
}

// Total returns the number of jobs across all states.
func (s Stats) Total() int {
	return s.Pending + s.Processing + s.Completed + s.Failed + s.Retrying
}

// Queue is the coordination mechanism the orchestrator drives documents
// through. Implementations must guarantee at-most-one-active-claim per job.
type Queue interface {
	Name() string
	Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error)
	EnqueueBulk(ctx context.Context, items []BulkItem) ([]string, error)
	// ClaimNext returns (nil, nil) when no eligible job exists or another
	// worker won the claim race. Callers treat that as a normal outcome.
	ClaimNext(ctx context.Context) (*Job, error)
	Get(ctx context.Context, id string) (*Job, error)
	Complete(ctx context.Context, id string) error
	FailWithRetry(ctx context.Context, id, errorMessage string) error
	// Cancel only succeeds while the job is pending/retrying. A job already
	// processing cannot be cancelled; Cancel returns false.
	Cancel(ctx context.Context, id string) (bool, error)
	// Retry resets a terminally failed job to pending. Returns false for any
	// other state.
	Retry(ctx context.Context, id string) (bool, error)
	Stats(ctx context.Context) (Stats, error)
	CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error)
	ListRecent(ctx context.Context, limit int) ([]*Job, error)
}

// BaseBackoff is the backoff unit: the delay before attempt k's retry is
// BaseBackoff * 2^k (attempt 1 -> 20s, 2 -> 40s, 3 -> 80s).
const BaseBackoff = 10 * time.Second

// Backoff returns the retry delay after the given attempt count.
func Backoff(attempts int) time.Duration {
	if attempts < 0 {
		attempts = 0
	}
	if attempts > 20 {
		attempts = 20
	}
	return BaseBackoff * (1 << uint(attempts))
}

// PipelineJobID derives the deterministic job id for a document stage, so a
// retried orchestration step can never create duplicate stage jobs. The
// initial ingestion job uses the bare document id form.
func PipelineJobID(documentID uuid.UUID, stage constants.Stage) string {
	if stage == constants.StageIngestion {
		return fmt.Sprintf("pipeline-%s", documentID)
	}
	return fmt.Sprintf("pipeline-%s-%s", documentID, stage)
}

func marshalPayload(payload any) (json.RawMessage, error) {
	switch p := payload.(type) {
	case nil:
		return json.RawMessage("{}"), nil
	case json.RawMessage:
		return p, nil
	case []byte:
		return json.RawMessage(p), nil
	default:
		b, err := json.Marshal(payload)
		if err != nil {
			return nil, fmt.Errorf("marshal payload: %w", err)
		}
		return b, nil
	}
}
