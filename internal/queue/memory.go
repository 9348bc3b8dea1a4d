package queue

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
)

// MemoryQueue implements Queue in process, with the same claim, backoff and
// dedup semantics as the Postgres implementation. Used for tests and for
// single-node development without Postgres.
type MemoryQueue struct {
	name            string
	log             *slog.Logger
	maxAttempts     int
	claimsPerMinute int

	mu     sync.Mutex
	jobs   map[string]*Job
	claims []time.Time
	now    func() time.Time
}

type MemoryOption func(*MemoryQueue)

// WithMemoryClock overrides the time source, letting tests walk through
// backoff windows without sleeping.
func WithMemoryClock(now func() time.Time) MemoryOption {
	return func(q *MemoryQueue) {
		if now != nil {
			q.now = now
		}
	}
}

// WithMemoryMaxAttempts sets the default max attempts.
func WithMemoryMaxAttempts(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithMemoryClaimsPerMinute caps jobs started in a trailing 60s window.
// Exceeding the ceiling makes ClaimNext decline without error.
func WithMemoryClaimsPerMinute(n int) MemoryOption {
	return func(q *MemoryQueue) {
		if n > 0 {
			q.claimsPerMinute = n
		}
	}
}

func NewMemoryQueue(name string, log *slog.Logger, opts ...MemoryOption) *MemoryQueue {
	if log == nil {
		log = slog.Default()
	}
	q := &MemoryQueue{
		name:        name,
		log:         log,
		maxAttempts: 3,
		jobs:        make(map[string]*Job),
		now:         func() time.Time { return time.Now().UTC() },
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *MemoryQueue) Name() string { return q.name }

func (q *MemoryQueue) Enqueue(_ context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
	body, err := marshalPayload(payload)
	if err != nil {
		return "", err
	}
	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	maxAttempts := opts.MaxAttempts
	if maxAttempts <= 0 {
		maxAttempts = q.maxAttempts
	}

	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if existing, ok := q.jobs[id]; ok {
		if !constants.IsTerminalJobStatus(existing.Status) {
			return id, nil
		}
		// Terminal row under the same id: reset in place.
	}
	q.jobs[id] = &Job{
		ID:          id,
		QueueName:   q.name,
		JobType:     jobType,
		Payload:     body,
		Priority:    opts.Priority,
		Status:      constants.JobStatusPending,
		MaxAttempts: maxAttempts,
		ScheduledAt: now.Add(opts.Delay),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	return id, nil
}

func (q *MemoryQueue) EnqueueBulk(ctx context.Context, items []BulkItem) ([]string, error) {
	ids := make([]string, 0, len(items))
	for _, it := range items {
		id, err := q.Enqueue(ctx, it.JobType, it.Payload, it.Opts)
		if err != nil {
			return ids, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func (q *MemoryQueue) ClaimNext(_ context.Context) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	now := q.now()
	if q.claimsPerMinute > 0 {
		cutoff := now.Add(-time.Minute)
		kept := q.claims[:0]
		for _, ts := range q.claims {
			if ts.After(cutoff) {
				kept = append(kept, ts)
			}
		}
		q.claims = kept
		if len(q.claims) >= q.claimsPerMinute {
			q.log.Debug("claim throttled", "queue", q.name, "started_last_minute", len(q.claims), "ceiling", q.claimsPerMinute)
			return nil, nil
		}
	}
	var eligible []*Job
	for _, j := range q.jobs {
		if (j.Status == constants.JobStatusPending || j.Status == constants.JobStatusRetrying) &&
			!j.ScheduledAt.After(now) {
			eligible = append(eligible, j)
		}
	}
	if len(eligible) == 0 {
		return nil, nil
	}
	sort.Slice(eligible, func(a, b int) bool {
		if eligible[a].Priority != eligible[b].Priority {
			return eligible[a].Priority > eligible[b].Priority
		}
		return eligible[a].ScheduledAt.Before(eligible[b].ScheduledAt)
	})

	j := eligible[0]
	started := now
	j.Status = constants.JobStatusProcessing
	j.StartedAt = &started
	j.UpdatedAt = now
	if q.claimsPerMinute > 0 {
		q.claims = append(q.claims, now)
	}
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) Get(_ context.Context, id string) (*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *j
	return &cp, nil
}

func (q *MemoryQueue) Complete(_ context.Context, id string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.Status != constants.JobStatusProcessing {
		return common.ErrNotFound
	}
	now := q.now()
	j.Status = constants.JobStatusCompleted
	j.CompletedAt = &now
	j.UpdatedAt = now
	return nil
}

func (q *MemoryQueue) FailWithRetry(_ context.Context, id, errorMessage string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.Status != constants.JobStatusProcessing {
		return common.ErrNotFound
	}
	now := q.now()
	j.Attempts++
	j.ErrorMessage = errorMessage
	j.StartedAt = nil
	j.UpdatedAt = now
	if j.Attempts >= j.MaxAttempts {
		j.Status = constants.JobStatusFailed
		return nil
	}
	j.Status = constants.JobStatusRetrying
	j.ScheduledAt = now.Add(Backoff(j.Attempts))
	return nil
}

func (q *MemoryQueue) Cancel(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok {
		return false, nil
	}
	if j.Status != constants.JobStatusPending && j.Status != constants.JobStatusRetrying {
		return false, nil
	}
	j.Status = constants.JobStatusFailed
	j.ErrorMessage = "cancelled by user"
	j.UpdatedAt = q.now()
	return true, nil
}

func (q *MemoryQueue) Retry(_ context.Context, id string) (bool, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	j, ok := q.jobs[id]
	if !ok || j.Status != constants.JobStatusFailed {
		return false, nil
	}
	now := q.now()
	j.Status = constants.JobStatusPending
	j.Attempts = 0
	j.ScheduledAt = now
	j.StartedAt = nil
	j.CompletedAt = nil
	j.UpdatedAt = now
	return true, nil
}

func (q *MemoryQueue) Stats(_ context.Context) (Stats, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	stats := Stats{QueueName: q.name}
	for _, j := range q.jobs {
		switch j.Status {
		case constants.JobStatusPending:
			stats.Pending++
		case constants.JobStatusProcessing:
			stats.Processing++
		case constants.JobStatusCompleted:
			stats.Completed++
		case constants.JobStatusFailed:
			stats.Failed++
		case constants.JobStatusRetrying:
			stats.Retrying++
		}
	}
	return stats, nil
}

func (q *MemoryQueue) CleanupCompleted(_ context.Context, olderThan time.Duration) (int64, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	cutoff := q.now().Add(-olderThan)
	var deleted int64
	for id, j := range q.jobs {
		if j.Status == constants.JobStatusCompleted && j.CompletedAt != nil && j.CompletedAt.Before(cutoff) {
			delete(q.jobs, id)
			deleted++
		}
	}
	return deleted, nil
}

func (q *MemoryQueue) ListRecent(_ context.Context, limit int) ([]*Job, error) {
	q.mu.Lock()
	defer q.mu.Unlock()
	out := make([]*Job, 0, len(q.jobs))
	for _, j := range q.jobs {
		cp := *j
		out = append(out, &cp)
	}
	sort.Slice(out, func(a, b int) bool { return out[a].UpdatedAt.After(out[b].UpdatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
