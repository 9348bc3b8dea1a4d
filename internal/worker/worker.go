// Package worker runs the polling process loop, the reconciliation sweep
// and terminal-job cleanup. All of it is poll-based; there are no broker
// subscriptions to tear down on shutdown.
package worker

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/orchestrator"
	"github.com/inkwell-ai/inkwell/internal/queue"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

type Worker struct {
	orch      *orchestrator.Orchestrator
	pipeline  queue.Queue
	docs      repository.DocumentRepository
	cfg       common.WorkerConfig
	retention time.Duration
	logger    *slog.Logger

	wg   sync.WaitGroup
	once sync.Once
	stop context.CancelFunc
}

func New(orch *orchestrator.Orchestrator, pipeline queue.Queue, docs repository.DocumentRepository, cfg common.WorkerConfig, retention time.Duration, logger *slog.Logger) *Worker {
	if logger == nil {
		logger = slog.Default()
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.ProcessTimeout <= 0 {
		cfg.ProcessTimeout = 3 * time.Minute
	}
	if retention <= 0 {
		retention = 72 * time.Hour
	}
	return &Worker{orch: orch, pipeline: pipeline, docs: docs, cfg: cfg, retention: retention, logger: logger}
}

// Start launches the poll loops and the background sweeps. Idempotent.
func (w *Worker) Start(ctx context.Context) {
	w.once.Do(func() {
		ctx, w.stop = context.WithCancel(ctx)

		for i := 0; i < w.cfg.Concurrency; i++ {
			w.wg.Add(1)
			go func(workerID int) {
				defer w.wg.Done()
				w.pollLoop(ctx, workerID)
			}(i + 1)
		}

		if w.cfg.SweepInterval > 0 {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.sweepLoop(ctx)
			}()
		}
		if w.cfg.CleanupInterval > 0 {
			w.wg.Add(1)
			go func() {
				defer w.wg.Done()
				w.cleanupLoop(ctx)
			}()
		}
	})
}

// Shutdown waits for in-flight work to finish or ctx to expire.
func (w *Worker) Shutdown(ctx context.Context) {
	if w.stop != nil {
		w.stop()
	}
	done := make(chan struct{})
	go func() { defer close(done); w.wg.Wait() }()

	select {
	case <-ctx.Done():
		w.logger.Warn("shutdown interrupted by context")
	case <-done:
		w.logger.Info("worker drained, shutdown complete")
	}
}

// pollLoop claims and processes jobs until the context is cancelled. An
// empty claim backs off for the poll interval; consecutive infrastructure
// errors back off harder so a dead database does not produce a hot loop.
func (w *Worker) pollLoop(ctx context.Context, workerID int) {
	w.logger.Info("worker started", "worker_id", workerID)
	defer w.logger.Info("worker stopped", "worker_id", workerID)

	errStreak := 0
	for {
		if ctx.Err() != nil {
			return
		}

		procCtx, cancel := context.WithTimeout(ctx, w.cfg.ProcessTimeout)
		res, err := w.orch.Process(procCtx)
		cancel()

		switch {
		case err != nil:
			errStreak++
			w.logger.Error("process cycle failed", "worker_id", workerID, "streak", errStreak, "error", err)
			if !sleep(ctx, backoffFor(errStreak, w.cfg.PollInterval)) {
				return
			}
		case !res.Processed:
			errStreak = 0
			if !sleep(ctx, w.cfg.PollInterval) {
				return
			}
		default:
			errStreak = 0
			// Job handled; immediately try for the next one.
		}
	}
}

// sweepLoop resumes documents stuck without a live job, typically after a
// crash between stage completion and successor enqueue.
func (w *Worker) sweepLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.SweepInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		cutoff := time.Now().UTC().Add(-w.cfg.StaleAfter)
		stalled, err := w.docs.FindStalled(ctx, cutoff)
		if err != nil {
			w.logger.Error("sweep query failed", "error", err)
			continue
		}
		for _, doc := range stalled {
			if err := w.orch.Resume(ctx, doc); err != nil {
				w.logger.Error("sweep resume failed", "document_id", doc.ID, "error", err)
				continue
			}
			w.logger.Info("sweep resumed document", "document_id", doc.ID)
		}
		if len(stalled) > 0 {
			w.logger.Info("sweep cycle done", "resumed", len(stalled))
		}
	}
}

// cleanupLoop removes old completed jobs. Failed jobs are never deleted;
// they are the audit trail.
func (w *Worker) cleanupLoop(ctx context.Context) {
	ticker := time.NewTicker(w.cfg.CleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		removed, err := w.pipeline.CleanupCompleted(ctx, w.retention)
		if err != nil {
			w.logger.Error("cleanup failed", "error", err)
			continue
		}
		if removed > 0 {
			w.logger.Info("cleanup removed completed jobs", "count", removed)
		}
	}
}

func backoffFor(streak int, base time.Duration) time.Duration {
	if streak > 5 {
		streak = 5
	}
	return base * time.Duration(1<<uint(streak-1))
}

// sleep waits d or until ctx is done; reports whether the caller should
// keep running.
func sleep(ctx context.Context, d time.Duration) bool {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return false
	case <-t.C:
		return true
	}
}
