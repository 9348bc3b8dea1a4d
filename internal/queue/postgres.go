package queue

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
)

// PostgresQueue is the durable Queue over a single jobs table. One instance
// serves one logical queue name; queues are independently pollable and
// independently throttled.
type PostgresQueue struct {
	pool            *pgxpool.Pool
	name            string
	log             *slog.Logger
	maxAttempts     int
	claimsPerMinute int
}

type Option func(*PostgresQueue)

// WithDefaultMaxAttempts sets the max attempts applied when an enqueue does
// not specify one.
func WithDefaultMaxAttempts(n int) Option {
	return func(q *PostgresQueue) {
		if n > 0 {
			q.maxAttempts = n
		}
	}
}

// WithClaimsPerMinute caps jobs started in a trailing 60s window. Exceeding
// the ceiling makes ClaimNext decline even though work exists.
func WithClaimsPerMinute(n int) Option {
	return func(q *PostgresQueue) {
		if n > 0 {
			q.claimsPerMinute = n
		}
	}
}

// NewPostgresQueue returns the Queue for the given queue name.
func NewPostgresQueue(pool *pgxpool.Pool, name string, log *slog.Logger, opts ...Option) *PostgresQueue {
	if log == nil {
		log = slog.Default()
	}
	q := &PostgresQueue{
		pool:        pool,
		name:        name,
		log:         log,
		maxAttempts: 3,
	}
	for _, o := range opts {
		o(q)
	}
	return q
}

func (q *PostgresQueue) Name() string { return q.name }

const jobColumns = `id, queue_name, job_type, payload, priority, status, attempts,
	max_attempts, scheduled_at, started_at, completed_at, error_message, created_at, updated_at`

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var errMsg *string
	err := row.Scan(&j.ID, &j.QueueName, &j.JobType, &j.Payload, &j.Priority, &j.Status,
		&j.Attempts, &j.MaxAttempts, &j.ScheduledAt, &j.StartedAt, &j.CompletedAt,
		&errMsg, &j.CreatedAt, &j.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if errMsg != nil {
		j.ErrorMessage = *errMsg
	}
	return &j, nil
}

// Enqueue inserts a job, or returns the existing id when a supplied JobID is
// still live (idempotent re-enqueue). A terminal row under the same id is
// reset in place to a fresh pending job.
func (q *PostgresQueue) Enqueue(ctx context.Context, jobType string, payload any, opts EnqueueOptions) (string, error) {
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
	scheduledAt := time.Now().UTC().Add(opts.Delay)

	ct, err := q.pool.Exec(ctx, `
		INSERT INTO jobs (id, queue_name, job_type, payload, priority, status, max_attempts, scheduled_at)
		VALUES ($1, $2, $3, $4, $5, 'pending', $6, $7)
		ON CONFLICT (id) DO NOTHING`,
		id, q.name, jobType, body, opts.Priority, maxAttempts, scheduledAt)
	if err != nil {
		return "", common.WrapError(err, "enqueue")
	}
	if ct.RowsAffected() == 1 {
		q.log.Info("job enqueued", "queue", q.name, "job_id", id, "job_type", jobType, "priority", opts.Priority)
		return id, nil
	}

	// Conflict: a job with this id already exists.
	var status constants.JobStatus
	if err := q.pool.QueryRow(ctx, `SELECT status FROM jobs WHERE id = $1`, id).Scan(&status); err != nil {
		return "", common.WrapError(err, "enqueue dedup lookup")
	}
	if !constants.IsTerminalJobStatus(status) {
		q.log.Debug("enqueue deduplicated", "queue", q.name, "job_id", id, "status", status)
		return id, nil
	}

	// Terminal row: reset it in place. Conditional so a concurrent reset or
	// retry cannot double-apply.
	reset, err := q.pool.Exec(ctx, `
		UPDATE jobs SET queue_name = $2, job_type = $3, payload = $4, priority = $5,
			status = 'pending', attempts = 0, max_attempts = $6, scheduled_at = $7,
			started_at = NULL, completed_at = NULL, error_message = NULL, updated_at = NOW()
		WHERE id = $1 AND status IN ('completed', 'failed')`,
		id, q.name, jobType, body, opts.Priority, maxAttempts, scheduledAt)
	if err != nil {
		return "", common.WrapError(err, "enqueue reset")
	}
	if reset.RowsAffected() == 1 {
		q.log.Info("terminal job re-enqueued", "queue", q.name, "job_id", id)
	}
	return id, nil
}

// EnqueueBulk enqueues each item with Enqueue semantics. A failed item aborts
// the batch; earlier items stay enqueued.
func (q *PostgresQueue) EnqueueBulk(ctx context.Context, items []BulkItem) ([]string, error) {
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

// ClaimNext selects the best eligible job and attempts the conditional flip
// to processing. Zero rows on the flip means another worker won the race;
// that is "no job available", never an error.
func (q *PostgresQueue) ClaimNext(ctx context.Context) (*Job, error) {
	if q.claimsPerMinute > 0 {
		var started int
		err := q.pool.QueryRow(ctx, `
			SELECT COUNT(*) FROM jobs
			WHERE queue_name = $1 AND started_at > NOW() - INTERVAL '60 seconds'`,
			q.name).Scan(&started)
		if err != nil {
			return nil, common.WrapError(err, "claim rate check")
		}
		if started >= q.claimsPerMinute {
			q.log.Debug("claim throttled", "queue", q.name, "started_last_minute", started, "ceiling", q.claimsPerMinute)
			return nil, nil
		}
	}

	var candidate string
	err := q.pool.QueryRow(ctx, `
		SELECT id FROM jobs
		WHERE queue_name = $1 AND status IN ('pending', 'retrying') AND scheduled_at <= NOW()
		ORDER BY priority DESC, scheduled_at ASC
		LIMIT 1`, q.name).Scan(&candidate)
	if err == pgx.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, common.WrapError(err, "claim select")
	}

	row := q.pool.QueryRow(ctx, `
		UPDATE jobs SET status = 'processing', started_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'retrying')
		RETURNING `+jobColumns, candidate)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		// Lost the race; the stale read is expected.
		return nil, nil
	}
	if err != nil {
		return nil, common.WrapError(err, "claim update")
	}
	q.log.Info("job claimed", "queue", q.name, "job_id", job.ID, "job_type", job.JobType, "attempts", job.Attempts)
	return job, nil
}

func (q *PostgresQueue) Get(ctx context.Context, id string) (*Job, error) {
	row := q.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM jobs WHERE id = $1`, id)
	job, err := scanJob(row)
	if err == pgx.ErrNoRows {
		return nil, common.ErrNotFound
	}
	return job, err
}

func (q *PostgresQueue) Complete(ctx context.Context, id string) error {
	ct, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'completed', completed_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND status = 'processing'`, id)
	if err != nil {
		return common.WrapError(err, "complete")
	}
	if ct.RowsAffected() == 0 {
		return fmt.Errorf("complete %s: %w", id, common.ErrNotFound)
	}
	q.log.Info("job completed", "queue", q.name, "job_id", id)
	return nil
}

// FailWithRetry increments attempts and either schedules a backoff retry or
// marks the job terminally failed once attempts reach max_attempts. The error
// message is retained across retries for diagnosis.
func (q *PostgresQueue) FailWithRetry(ctx context.Context, id, errorMessage string) error {
	var status constants.JobStatus
	var attempts int
	err := q.pool.QueryRow(ctx, `
		UPDATE jobs SET
			attempts = attempts + 1,
			error_message = $2,
			status = CASE WHEN attempts + 1 >= max_attempts THEN 'failed' ELSE 'retrying' END,
			scheduled_at = CASE WHEN attempts + 1 >= max_attempts THEN scheduled_at
				ELSE NOW() + make_interval(secs => 10 * power(2, attempts + 1)) END,
			started_at = NULL,
			updated_at = NOW()
		WHERE id = $1 AND status = 'processing'
		RETURNING status, attempts`, id, errorMessage).Scan(&status, &attempts)
	if err == pgx.ErrNoRows {
		return fmt.Errorf("fail %s: %w", id, common.ErrNotFound)
	}
	if err != nil {
		return common.WrapError(err, "fail with retry")
	}
	if status == constants.JobStatusFailed {
		q.log.Warn("job failed permanently", "queue", q.name, "job_id", id, "attempts", attempts, "error", errorMessage)
	} else {
		q.log.Warn("job scheduled for retry", "queue", q.name, "job_id", id,
			"attempts", attempts, "backoff", Backoff(attempts).String(), "error", errorMessage)
	}
	return nil
}

func (q *PostgresQueue) Cancel(ctx context.Context, id string) (bool, error) {
	ct, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'failed', error_message = 'cancelled by user', updated_at = NOW()
		WHERE id = $1 AND status IN ('pending', 'retrying')`, id)
	if err != nil {
		return false, common.WrapError(err, "cancel")
	}
	cancelled := ct.RowsAffected() > 0
	if cancelled {
		q.log.Info("job cancelled", "queue", q.name, "job_id", id)
	}
	return cancelled, nil
}

func (q *PostgresQueue) Retry(ctx context.Context, id string) (bool, error) {
	ct, err := q.pool.Exec(ctx, `
		UPDATE jobs SET status = 'pending', attempts = 0, scheduled_at = NOW(),
			started_at = NULL, completed_at = NULL, updated_at = NOW()
		WHERE id = $1 AND status = 'failed'`, id)
	if err != nil {
		return false, common.WrapError(err, "retry")
	}
	retried := ct.RowsAffected() > 0
	if retried {
		q.log.Info("failed job reset to pending", "queue", q.name, "job_id", id)
	}
	return retried, nil
}

func (q *PostgresQueue) Stats(ctx context.Context) (Stats, error) {
	rows, err := q.pool.Query(ctx, `
		SELECT status, COUNT(*) FROM jobs WHERE queue_name = $1 GROUP BY status`, q.name)
	if err != nil {
		return Stats{}, common.WrapError(err, "stats")
	}
	defer rows.Close()

	stats := Stats{QueueName: q.name}
	for rows.Next() {
		var status constants.JobStatus
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return Stats{}, err
		}
		switch status {
		case constants.JobStatusPending:
			stats.Pending = n
		case constants.JobStatusProcessing:
			stats.Processing = n
		case constants.JobStatusCompleted:
			stats.Completed = n
		case constants.JobStatusFailed:
			stats.Failed = n
		case constants.JobStatusRetrying:
			stats.Retrying = n
		}
	}
	return stats, rows.Err()
}

// CleanupCompleted deletes completed rows past the retention window. Failed
// rows are never deleted; they are kept for audit.
func (q *PostgresQueue) CleanupCompleted(ctx context.Context, olderThan time.Duration) (int64, error) {
	cutoff := time.Now().UTC().Add(-olderThan)
	ct, err := q.pool.Exec(ctx, `
		DELETE FROM jobs WHERE queue_name = $1 AND status = 'completed' AND completed_at < $2`,
		q.name, cutoff)
	if err != nil {
		return 0, common.WrapError(err, "cleanup")
	}
	if n := ct.RowsAffected(); n > 0 {
		q.log.Info("completed jobs cleaned up", "queue", q.name, "deleted", n)
		return n, nil
	}
	return 0, nil
}

func (q *PostgresQueue) ListRecent(ctx context.Context, limit int) ([]*Job, error) {
	if limit <= 0 {
		limit = 100
	}
	rows, err := q.pool.Query(ctx, `
		SELECT `+jobColumns+` FROM jobs WHERE queue_name = $1
		ORDER BY updated_at DESC LIMIT $2`, q.name, limit)
	if err != nil {
		return nil, common.WrapError(err, "list recent")
	}
	defer rows.Close()

	var out []*Job
	for rows.Next() {
		job, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, job)
	}
	return out, rows.Err()
}
