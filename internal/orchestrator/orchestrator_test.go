package orchestrator

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/guard"
	"github.com/inkwell-ai/inkwell/internal/queue"
	"github.com/inkwell-ai/inkwell/internal/repository"
	"github.com/inkwell-ai/inkwell/internal/stages"
)

// fakeDocs is an in-memory DocumentRepository sufficient for orchestration.
type fakeDocs struct {
	mu       sync.Mutex
	docs     map[uuid.UUID]*repository.Document
	projects map[uuid.UUID]*repository.Project
}

func newFakeDocs() *fakeDocs {
	return &fakeDocs{
		docs:     make(map[uuid.UUID]*repository.Document),
		projects: make(map[uuid.UUID]*repository.Project),
	}
}

func (f *fakeDocs) Get(_ context.Context, id uuid.UUID) (*repository.Document, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (f *fakeDocs) Upsert(_ context.Context, doc *repository.Document) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *doc
	f.docs[doc.ID] = &cp
	return nil
}

func (f *fakeDocs) UpdateStatus(_ context.Context, id uuid.UUID, status constants.DocumentStatus, steps repository.ProcessingSteps) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	d, ok := f.docs[id]
	if !ok {
		return common.ErrNotFound
	}
	d.Status = status
	d.Steps = steps
	return nil
}

func (f *fakeDocs) SetContentType(context.Context, uuid.UUID, string) error   { return nil }
func (f *fakeDocs) SetExtractedText(context.Context, uuid.UUID, string) error { return nil }
func (f *fakeDocs) SetLanguage(context.Context, uuid.UUID, string) error      { return nil }
func (f *fakeDocs) SetSummary(context.Context, uuid.UUID, string) error       { return nil }
func (f *fakeDocs) ReplaceChunks(context.Context, uuid.UUID, []repository.Chunk) error {
	return nil
}
func (f *fakeDocs) ListChunks(context.Context, uuid.UUID) ([]repository.Chunk, error) {
	return nil, nil
}

func (f *fakeDocs) CountActiveByOwner(_ context.Context, ownerID string) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.docs {
		if d.OwnerID == ownerID &&
			(d.Status == constants.DocumentStatusQueued || d.Status == constants.DocumentStatusProcessing) {
			n++
		}
	}
	return n, nil
}

func (f *fakeDocs) CountActiveByProject(_ context.Context, projectID uuid.UUID) (int, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	n := 0
	for _, d := range f.docs {
		if d.ProjectID == projectID &&
			(d.Status == constants.DocumentStatusQueued || d.Status == constants.DocumentStatusProcessing) {
			n++
		}
	}
	return n, nil
}

func (f *fakeDocs) FindStalled(context.Context, time.Time) ([]*repository.Document, error) {
	return nil, nil
}

func (f *fakeDocs) GetProject(_ context.Context, id uuid.UUID) (*repository.Project, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	p, ok := f.projects[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (f *fakeDocs) CreateProject(_ context.Context, p *repository.Project) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *p
	f.projects[p.ID] = &cp
	return nil
}

// fakeGuard returns scripted admission results.
type fakeGuard struct {
	authValid    bool
	userID       string
	owns         bool
	limitAllowed bool
	rateAllowed  bool
	abuse        guard.AbuseAction
	signals      int
}

func allowAllGuard() *fakeGuard {
	return &fakeGuard{authValid: true, userID: "u1", owns: true, limitAllowed: true, rateAllowed: true, abuse: guard.AbuseNone}
}

func (g *fakeGuard) ValidateAuth(context.Context, string) (guard.AuthResult, error) {
	return guard.AuthResult{IsValid: g.authValid, UserID: g.userID}, nil
}
func (g *fakeGuard) VerifyOwnership(context.Context, string, string, uuid.UUID) (bool, error) {
	return g.owns, nil
}
func (g *fakeGuard) CheckConcurrentLimit(context.Context, string, uuid.UUID, string) (guard.LimitResult, error) {
	return guard.LimitResult{Allowed: g.limitAllowed, Current: 5, Limit: 5}, nil
}
func (g *fakeGuard) CheckRateLimit(context.Context, string, string) (guard.RateResult, error) {
	return guard.RateResult{Allowed: g.rateAllowed, ResetAt: time.Now().Add(time.Minute)}, nil
}
func (g *fakeGuard) DetectAbusePatterns(context.Context, string) (guard.AbuseAction, error) {
	return g.abuse, nil
}
func (g *fakeGuard) RecordSignal(context.Context, string, string) error {
	g.signals++
	return nil
}

// fakeInvoker succeeds unless a stage has scripted failures remaining, and
// can run a hook mid-execution.
type fakeInvoker struct {
	mu       sync.Mutex
	failures map[constants.Stage]int
	calls    map[constants.Stage]int
	order    []constants.Stage
	hook     func(stage constants.Stage)
}

func newFakeInvoker() *fakeInvoker {
	return &fakeInvoker{
		failures: make(map[constants.Stage]int),
		calls:    make(map[constants.Stage]int),
	}
}

func (f *fakeInvoker) Invoke(_ context.Context, stage constants.Stage, _ stages.Input) (stages.Result, error) {
	f.mu.Lock()
	f.calls[stage]++
	f.order = append(f.order, stage)
	failing := f.failures[stage] > 0
	if failing {
		f.failures[stage]--
	}
	hook := f.hook
	f.mu.Unlock()

	if hook != nil {
		hook(stage)
	}
	if failing {
		return stages.Result{Error: "scripted failure"}, errors.New("scripted failure")
	}
	return stages.Result{Success: true, Data: map[string]any{"stage": string(stage)}}, nil
}

type countingRecorder struct {
	mu        sync.Mutex
	started   int
	completed int
	failed    int
}

func (r *countingRecorder) StageStarted(constants.Stage) {
	r.mu.Lock()
	r.started++
	r.mu.Unlock()
}
func (r *countingRecorder) StageCompleted(constants.Stage, time.Duration) {
	r.mu.Lock()
	r.completed++
	r.mu.Unlock()
}
func (r *countingRecorder) StageFailed(constants.Stage, time.Duration) {
	r.mu.Lock()
	r.failed++
	r.mu.Unlock()
}

type harness struct {
	orch     *Orchestrator
	pipeline *queue.MemoryQueue
	notify   *queue.MemoryQueue
	docs     *fakeDocs
	guard    *fakeGuard
	invoker  *fakeInvoker
	recorder *countingRecorder
	clock    *time.Time
}

func newHarness(t *testing.T) *harness {
	t.Helper()
	cur := time.Now().UTC()
	clock := &cur
	pipeline := queue.NewMemoryQueue(constants.QueuePipeline, nil,
		queue.WithMemoryClock(func() time.Time { return *clock }),
		queue.WithMemoryMaxAttempts(3),
	)
	notify := queue.NewMemoryQueue(constants.QueueNotification, nil)
	docs := newFakeDocs()
	g := allowAllGuard()
	inv := newFakeInvoker()
	rec := &countingRecorder{}
	orch := New(pipeline, notify, docs, g, inv, rec, common.StagesConfig{ChunkSize: 500, ChunkOverlap: 50, ChunkStrategy: "sentence"}, nil)
	return &harness{orch: orch, pipeline: pipeline, notify: notify, docs: docs, guard: g, invoker: inv, recorder: rec, clock: clock}
}

func (h *harness) enqueue(t *testing.T) EnqueueResult {
	t.Helper()
	projectID := uuid.New()
	res, err := h.orch.Enqueue(context.Background(), EnqueueRequest{
		Credential:  "key",
		ProjectID:   projectID,
		StoragePath: "/data/doc.pdf",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	return res
}

// drain processes until the queue is empty, advancing the clock past any
// backoff window when nothing is immediately claimable.
func (h *harness) drain(t *testing.T, maxCycles int) {
	t.Helper()
	ctx := context.Background()
	idle := 0
	for i := 0; i < maxCycles; i++ {
		res, err := h.orch.Process(ctx)
		if err != nil {
			t.Fatalf("process: %v", err)
		}
		if res.Processed {
			idle = 0
			continue
		}
		idle++
		if idle > 2 {
			return
		}
		*h.clock = h.clock.Add(2 * time.Minute)
	}
	t.Fatal("drain did not converge")
}

func TestEnqueueRejections(t *testing.T) {
	cases := []struct {
		name     string
		mutate   func(*fakeGuard)
		wantCode string
	}{
		{"invalid auth", func(g *fakeGuard) { g.authValid = false }, common.CodeAuthInvalid},
		{"ownership denied", func(g *fakeGuard) { g.owns = false }, common.CodeOwnershipDenied},
		{"concurrency ceiling", func(g *fakeGuard) { g.limitAllowed = false }, common.CodeConcurrencyLimit},
		{"rate limited", func(g *fakeGuard) { g.rateAllowed = false }, common.CodeRateLimited},
		{"abuse blocked", func(g *fakeGuard) { g.abuse = guard.AbuseBlock }, common.CodeAbuseBlocked},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			h := newHarness(t)
			c.mutate(h.guard)
			_, err := h.orch.Enqueue(context.Background(), EnqueueRequest{
				Credential:  "key",
				ProjectID:   uuid.New(),
				StoragePath: "/data/doc.pdf",
			})
			if err == nil {
				t.Fatal("expected rejection")
			}
			if got := common.ErrorCode(err); got != c.wantCode {
				t.Fatalf("code %s, want %s", got, c.wantCode)
			}
			// Nothing may reach the queue on rejection.
			stats, _ := h.pipeline.Stats(context.Background())
			if stats.Total() != 0 {
				t.Fatalf("queue not empty after rejection: %+v", stats)
			}
		})
	}
}

func TestOwnershipDenialRecordsSignal(t *testing.T) {
	h := newHarness(t)
	h.guard.owns = false
	_, err := h.orch.Enqueue(context.Background(), EnqueueRequest{
		Credential: "key", ProjectID: uuid.New(), StoragePath: "/data/doc.pdf",
	})
	if err == nil {
		t.Fatal("expected rejection")
	}
	if h.guard.signals == 0 {
		t.Fatal("ownership denial did not record an abuse signal")
	}
}

func TestFullPipelineWalk(t *testing.T) {
	h := newHarness(t)
	res := h.enqueue(t)
	h.drain(t, 50)

	doc, err := h.docs.Get(context.Background(), res.DocumentID)
	if err != nil {
		t.Fatal(err)
	}
	if doc.Status != constants.DocumentStatusReady {
		t.Fatalf("document status %s, want ready", doc.Status)
	}
	if len(doc.Steps.CompletedStages) != len(constants.PipelineStages) {
		t.Fatalf("completed %d stages, want %d", len(doc.Steps.CompletedStages), len(constants.PipelineStages))
	}
	for i, s := range constants.PipelineStages {
		if doc.Steps.CompletedStages[i] != s {
			t.Fatalf("stage %d is %s, want %s", i, doc.Steps.CompletedStages[i], s)
		}
	}

	// Every stage ran exactly once, in pipeline order.
	if len(h.invoker.order) != len(constants.PipelineStages) {
		t.Fatalf("invocations %v", h.invoker.order)
	}
	for i, s := range constants.PipelineStages {
		if h.invoker.order[i] != s {
			t.Fatalf("invocation %d is %s, want %s", i, h.invoker.order[i], s)
		}
	}

	// All six stage jobs completed; a ready notification was emitted.
	stats, _ := h.pipeline.Stats(context.Background())
	if stats.Completed != len(constants.PipelineStages) || stats.Pending+stats.Processing+stats.Retrying != 0 {
		t.Fatalf("pipeline stats: %+v", stats)
	}
	nstats, _ := h.notify.Stats(context.Background())
	if nstats.Pending != 1 {
		t.Fatalf("notification stats: %+v", nstats)
	}
	if h.recorder.started != 6 || h.recorder.completed != 6 || h.recorder.failed != 0 {
		t.Fatalf("recorder: %+v", h.recorder)
	}
}

func TestStageFailureRetriesSameStage(t *testing.T) {
	h := newHarness(t)
	h.invoker.failures[constants.StageExtraction] = 2

	res := h.enqueue(t)
	h.drain(t, 80)

	doc, _ := h.docs.Get(context.Background(), res.DocumentID)
	if doc.Status != constants.DocumentStatusReady {
		t.Fatalf("document status %s, want ready after retries", doc.Status)
	}
	if h.invoker.calls[constants.StageExtraction] != 3 {
		t.Fatalf("extraction ran %d times, want 3", h.invoker.calls[constants.StageExtraction])
	}
	// Earlier and later stages are not re-run by a mid-pipeline retry.
	if h.invoker.calls[constants.StageIngestion] != 1 || h.invoker.calls[constants.StageSummarization] != 1 {
		t.Fatalf("unexpected re-runs: %v", h.invoker.calls)
	}
	// Extraction appears exactly once in the checkpoint.
	count := 0
	for _, s := range doc.Steps.CompletedStages {
		if s == constants.StageExtraction {
			count++
		}
	}
	if count != 1 {
		t.Fatalf("extraction checkpointed %d times", count)
	}
}

func TestStageFailureExhaustsAttempts(t *testing.T) {
	h := newHarness(t)
	h.invoker.failures[constants.StageIngestion] = 99

	res := h.enqueue(t)
	h.drain(t, 50)

	doc, _ := h.docs.Get(context.Background(), res.DocumentID)
	if doc.Status != constants.DocumentStatusError {
		t.Fatalf("document status %s, want error", doc.Status)
	}
	if doc.Steps.FailedStage != constants.StageIngestion {
		t.Fatalf("failed stage %s", doc.Steps.FailedStage)
	}
	if h.invoker.calls[constants.StageIngestion] != 3 {
		t.Fatalf("ingestion ran %d times, want 3 (max attempts)", h.invoker.calls[constants.StageIngestion])
	}
	stats, _ := h.pipeline.Stats(context.Background())
	if stats.Failed != 1 {
		t.Fatalf("stats: %+v", stats)
	}
}

func TestCancelPendingDocument(t *testing.T) {
	h := newHarness(t)
	res := h.enqueue(t)

	ok, err := h.orch.Cancel(context.Background(), "key", res.DocumentID)
	if err != nil || !ok {
		t.Fatalf("cancel: ok=%v err=%v", ok, err)
	}
	doc, _ := h.docs.Get(context.Background(), res.DocumentID)
	if doc.Status != constants.DocumentStatusCancelled {
		t.Fatalf("document status %s, want cancelled", doc.Status)
	}

	// The withdrawn job must not execute.
	pr, err := h.orch.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if pr.Processed {
		t.Fatalf("processed a cancelled job: %+v", pr)
	}
	if len(h.invoker.order) != 0 {
		t.Fatalf("stages ran after cancel: %v", h.invoker.order)
	}
}

func TestCancelMidStageDiscardsChaining(t *testing.T) {
	h := newHarness(t)
	res := h.enqueue(t)

	// Cancel the document while the first stage is executing.
	h.invoker.hook = func(stage constants.Stage) {
		if stage == constants.StageIngestion {
			doc, _ := h.docs.Get(context.Background(), res.DocumentID)
			_ = h.docs.UpdateStatus(context.Background(), res.DocumentID, constants.DocumentStatusCancelled, doc.Steps)
		}
	}

	pr, err := h.orch.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if !pr.Processed || !pr.Discarded {
		t.Fatalf("expected discarded result, got %+v", pr)
	}

	doc, _ := h.docs.Get(context.Background(), res.DocumentID)
	if doc.Status != constants.DocumentStatusCancelled {
		t.Fatalf("document status %s, want cancelled", doc.Status)
	}
	// No successor job was chained.
	stats, _ := h.pipeline.Stats(context.Background())
	if stats.Pending != 0 || stats.Completed != 1 {
		t.Fatalf("stats after discard: %+v", stats)
	}
}

func TestRetryJobResetsDocument(t *testing.T) {
	h := newHarness(t)
	h.invoker.failures[constants.StageIngestion] = 99
	res := h.enqueue(t)
	h.drain(t, 50)

	doc, _ := h.docs.Get(context.Background(), res.DocumentID)
	if doc.Status != constants.DocumentStatusError {
		t.Fatalf("precondition: document status %s", doc.Status)
	}

	h.invoker.failures[constants.StageIngestion] = 0
	ok, err := h.orch.RetryJob(context.Background(), "key", res.JobID)
	if err != nil || !ok {
		t.Fatalf("retry: ok=%v err=%v", ok, err)
	}
	doc, _ = h.docs.Get(context.Background(), res.DocumentID)
	if doc.Status != constants.DocumentStatusQueued {
		t.Fatalf("document status %s, want queued", doc.Status)
	}

	h.drain(t, 50)
	doc, _ = h.docs.Get(context.Background(), res.DocumentID)
	if doc.Status != constants.DocumentStatusReady {
		t.Fatalf("document status %s, want ready after retry", doc.Status)
	}
}

func TestResumeFromCheckpoint(t *testing.T) {
	h := newHarness(t)
	docID := uuid.New()
	doc := &repository.Document{
		ID:          docID,
		ProjectID:   uuid.New(),
		OwnerID:     "u1",
		StoragePath: "/data/doc.pdf",
		Status:      constants.DocumentStatusProcessing,
		Steps: repository.ProcessingSteps{
			CompletedStages: []constants.Stage{constants.StageIngestion, constants.StageExtraction},
		},
	}
	if err := h.docs.Upsert(context.Background(), doc); err != nil {
		t.Fatal(err)
	}

	if err := h.orch.Resume(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	job, err := h.pipeline.Get(context.Background(), queue.PipelineJobID(docID, constants.StageLanguage))
	if err != nil {
		t.Fatalf("resume job missing: %v", err)
	}
	p, err := ParsePayload(job.Payload)
	if err != nil {
		t.Fatal(err)
	}
	if p.CurrentStage != constants.StageLanguage || len(p.CompletedStages) != 2 {
		t.Fatalf("resume payload: %+v", p)
	}

	h.drain(t, 50)
	got, _ := h.docs.Get(context.Background(), docID)
	if got.Status != constants.DocumentStatusReady {
		t.Fatalf("document status %s, want ready", got.Status)
	}
	// Already-checkpointed stages are not re-executed.
	if h.invoker.calls[constants.StageIngestion] != 0 || h.invoker.calls[constants.StageExtraction] != 0 {
		t.Fatalf("resume re-ran stages: %v", h.invoker.calls)
	}
}

func TestResumeFullyCompletedDocument(t *testing.T) {
	h := newHarness(t)
	docID := uuid.New()
	doc := &repository.Document{
		ID:     docID,
		Status: constants.DocumentStatusProcessing,
		Steps: repository.ProcessingSteps{
			CompletedStages: append([]constants.Stage{}, constants.PipelineStages...),
		},
	}
	if err := h.docs.Upsert(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	if err := h.orch.Resume(context.Background(), doc); err != nil {
		t.Fatal(err)
	}
	got, _ := h.docs.Get(context.Background(), docID)
	if got.Status != constants.DocumentStatusReady {
		t.Fatalf("document status %s, want ready", got.Status)
	}
	stats, _ := h.pipeline.Stats(context.Background())
	if stats.Total() != 0 {
		t.Fatalf("resume enqueued a job for a finished document: %+v", stats)
	}
}

func TestProcessEmptyQueue(t *testing.T) {
	h := newHarness(t)
	res, err := h.orch.Process(context.Background())
	if err != nil {
		t.Fatal(err)
	}
	if res.Processed {
		t.Fatalf("processed on empty queue: %+v", res)
	}
}

func TestNewDefaultsOptionalDependencies(t *testing.T) {
	pipeline := queue.NewMemoryQueue(constants.QueuePipeline, nil)
	orch := New(pipeline, nil, newFakeDocs(), allowAllGuard(), newFakeInvoker(), nil, common.StagesConfig{}, nil)

	res, err := orch.Enqueue(context.Background(), EnqueueRequest{
		Credential:  "key",
		ProjectID:   uuid.New(),
		StoragePath: "/data/doc.pdf",
	})
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if res.JobID == "" || res.Status != string(constants.DocumentStatusQueued) {
		t.Fatalf("result %+v", res)
	}
}

func TestEnqueueReadyDocumentNeedsForce(t *testing.T) {
	h := newHarness(t)
	first := h.enqueue(t)
	h.drain(t, 40)

	doc, _ := h.docs.Get(context.Background(), first.DocumentID)
	if doc.Status != constants.DocumentStatusReady {
		t.Fatalf("document status %s, want ready", doc.Status)
	}

	again, err := h.orch.Enqueue(context.Background(), EnqueueRequest{
		Credential:  "key",
		DocumentID:  first.DocumentID,
		ProjectID:   uuid.New(),
		StoragePath: "/data/doc.pdf",
	})
	if err != nil {
		t.Fatalf("re-enqueue: %v", err)
	}
	if again.Status != string(constants.DocumentStatusReady) || again.JobID != "" {
		t.Fatalf("re-enqueue without force created work: %+v", again)
	}
	stats, _ := h.pipeline.Stats(context.Background())
	if stats.Pending != 0 {
		t.Fatalf("pending jobs after no-op enqueue: %+v", stats)
	}

	forced, err := h.orch.Enqueue(context.Background(), EnqueueRequest{
		Credential:     "key",
		DocumentID:     first.DocumentID,
		ProjectID:      uuid.New(),
		StoragePath:    "/data/doc.pdf",
		ForceReprocess: true,
	})
	if err != nil {
		t.Fatalf("forced enqueue: %v", err)
	}
	if forced.Status != string(constants.DocumentStatusQueued) {
		t.Fatalf("forced result %+v", forced)
	}
	doc, _ = h.docs.Get(context.Background(), first.DocumentID)
	if doc.Status != constants.DocumentStatusQueued {
		t.Fatalf("document status %s after forced enqueue, want queued", doc.Status)
	}
	stats, _ = h.pipeline.Stats(context.Background())
	if stats.Pending != 1 {
		t.Fatalf("stats after forced enqueue: %+v", stats)
	}
}
