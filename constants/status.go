package constants

// JobStatus is the canonical status for rows in the jobs table.
type JobStatus string

// Stable values (store these exact strings in DB).
const (
	JobStatusPending    JobStatus = "pending"    // eligible once scheduled_at has passed
	JobStatusProcessing JobStatus = "processing" // claimed by exactly one worker
	JobStatusCompleted  JobStatus = "completed"  // terminal success
	JobStatusFailed     JobStatus = "failed"     // terminal failure (attempts exhausted or cancelled)
	JobStatusRetrying   JobStatus = "retrying"   // failed, waiting out backoff
)

// ActiveJobStatuses are the states in which a job id is considered live for
// deduplication: re-enqueueing the same id returns the existing job.
var ActiveJobStatuses = []JobStatus{JobStatusPending, JobStatusProcessing, JobStatusRetrying}

// ClaimableJobStatuses are the states a conditional claim may transition from.
var ClaimableJobStatuses = []JobStatus{JobStatusPending, JobStatusRetrying}

// IsTerminalJobStatus reports whether s is completed or failed.
func IsTerminalJobStatus(s JobStatus) bool {
	return s == JobStatusCompleted || s == JobStatusFailed
}

// DocumentStatus is the user-visible lifecycle of a document. Document status
// and job status are eventually consistent, never transactionally linked.
type DocumentStatus string

const (
	DocumentStatusQueued     DocumentStatus = "queued"
	DocumentStatusProcessing DocumentStatus = "processing"
	DocumentStatusReady      DocumentStatus = "ready"
	DocumentStatusError      DocumentStatus = "error"
	DocumentStatusCancelled  DocumentStatus = "cancelled"
)

// Queue names. Queues are independently pollable and independently throttled.
const (
	QueuePipeline     = "pipeline"
	QueueNotification = "notification"
)
