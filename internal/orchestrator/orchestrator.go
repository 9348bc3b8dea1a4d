package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/guard"
	"github.com/inkwell-ai/inkwell/internal/queue"
	"github.com/inkwell-ai/inkwell/internal/repository"
	"github.com/inkwell-ai/inkwell/internal/stages"
)

// Recorder receives stage lifecycle events. The metrics package provides
// the Prometheus-backed implementation; tests use fakes.
type Recorder interface {
	StageStarted(stage constants.Stage)
	StageCompleted(stage constants.Stage, elapsed time.Duration)
	StageFailed(stage constants.Stage, elapsed time.Duration)
}

// NopRecorder discards all events.
type NopRecorder struct{}

func (NopRecorder) StageStarted(constants.Stage)                  {}
func (NopRecorder) StageCompleted(constants.Stage, time.Duration) {}
func (NopRecorder) StageFailed(constants.Stage, time.Duration)    {}

// Orchestrator sequences pipeline stages over the job queue. It owns the
// stage chaining rules; stage work itself runs behind the Invoker.
type Orchestrator struct {
	pipeline queue.Queue
	notify   queue.Queue
	docs     repository.DocumentRepository
	guard    guard.Guard
	invoker  stages.Invoker
	recorder Recorder
	cfg      common.StagesConfig
	log      *slog.Logger
}

// JobTypeStage is the job_type for every pipeline stage job.
const JobTypeStage = "pipeline.stage"

// JobTypeDocumentReady is the notification emitted when a document
// finishes its last stage.
const JobTypeDocumentReady = "document.ready"

func New(
	pipeline queue.Queue,
	notify queue.Queue,
	docs repository.DocumentRepository,
	g guard.Guard,
	invoker stages.Invoker,
	recorder Recorder,
	cfg common.StagesConfig,
	log *slog.Logger,
) *Orchestrator {
	if recorder == nil {
		recorder = NopRecorder{}
	}
	if log == nil {
		log = slog.Default()
	}
	return &Orchestrator{
		pipeline: pipeline,
		notify:   notify,
		docs:     docs,
		guard:    g,
		invoker:  invoker,
		recorder: recorder,
		cfg:      cfg,
		log:      log,
	}
}

// EnqueueRequest carries an externally triggered pipeline start.
type EnqueueRequest struct {
	Credential     string
	DocumentID     uuid.UUID
	ProjectID      uuid.UUID
	StoragePath    string
	Priority       int
	ForceReprocess bool
}

// EnqueueResult reports the admitted job.
type EnqueueResult struct {
	JobID      string    `json:"jobId"`
	DocumentID uuid.UUID `json:"documentId"`
	Status     string    `json:"status"`
}

// Enqueue runs the full admission sequence and, on success, creates the
// document row and its ingestion job. Rejections carry distinct error
// codes so the transport layer can map them to statuses.
func (o *Orchestrator) Enqueue(ctx context.Context, req EnqueueRequest) (EnqueueResult, error) {
	auth, err := o.guard.ValidateAuth(ctx, req.Credential)
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("validate auth: %w", err)
	}
	if !auth.IsValid {
		return EnqueueResult{}, common.NewAppError(common.CodeAuthInvalid, "invalid or missing credential", nil)
	}
	userID := auth.UserID

	if err := o.admit(ctx, userID, req.ProjectID); err != nil {
		return EnqueueResult{}, err
	}

	docID := req.DocumentID
	if docID == uuid.Nil {
		docID = uuid.New()
	} else if existing, err := o.docs.Get(ctx, docID); err == nil {
		// A finished document is not re-run unless the caller forces it.
		if existing.Status == constants.DocumentStatusReady && !req.ForceReprocess {
			o.log.Info("pipeline.enqueue.noop",
				"document_id", docID,
				"status", existing.Status,
			)
			return EnqueueResult{DocumentID: docID, Status: string(existing.Status)}, nil
		}
	} else if !errors.Is(err, common.ErrNotFound) {
		return EnqueueResult{}, fmt.Errorf("load document: %w", err)
	}

	now := time.Now().UTC()
	doc := &repository.Document{
		ID:          docID,
		ProjectID:   req.ProjectID,
		OwnerID:     userID,
		StoragePath: req.StoragePath,
		Status:      constants.DocumentStatusQueued,
		Steps: repository.ProcessingSteps{
			CurrentStage:    constants.StageIngestion,
			CompletedStages: []constants.Stage{},
			StartedAt:       &now,
		},
	}
	if err := o.docs.Upsert(ctx, doc); err != nil {
		return EnqueueResult{}, fmt.Errorf("persist document: %w", err)
	}

	payload := Payload{
		DocumentID:      docID,
		ProjectID:       req.ProjectID,
		StoragePath:     req.StoragePath,
		OwnerID:         userID,
		CurrentStage:    constants.StageIngestion,
		CompletedStages: []constants.Stage{},
		ForceReprocess:  req.ForceReprocess,
		Priority:        req.Priority,
	}
	jobID, err := o.pipeline.Enqueue(ctx, JobTypeStage, payload, queue.EnqueueOptions{
		JobID:    queue.PipelineJobID(docID, constants.StageIngestion),
		Priority: req.Priority,
	})
	if err != nil {
		return EnqueueResult{}, fmt.Errorf("enqueue ingestion job: %w", err)
	}

	o.log.Info("pipeline.enqueue.ok",
		"document_id", docID,
		"project_id", req.ProjectID,
		"user_id", userID,
		"job_id", jobID,
		"priority", req.Priority,
	)
	return EnqueueResult{JobID: jobID, DocumentID: docID, Status: string(constants.DocumentStatusQueued)}, nil
}

// admit applies the admission checks in a fixed order so each rejection
// reason is distinguishable: ownership, concurrency ceilings, rate
// limit, then abuse posture.
func (o *Orchestrator) admit(ctx context.Context, userID string, projectID uuid.UUID) error {
	owns, err := o.guard.VerifyOwnership(ctx, userID, guard.ResourceProject, projectID)
	if err != nil {
		return fmt.Errorf("verify ownership: %w", err)
	}
	if !owns {
		_ = o.guard.RecordSignal(ctx, userID, guard.SeverityHigh)
		return common.NewAppError(common.CodeOwnershipDenied, "user does not own the target project", nil)
	}

	for _, kind := range []string{guard.LimitKindUser, guard.LimitKindProject} {
		limit, err := o.guard.CheckConcurrentLimit(ctx, userID, projectID, kind)
		if err != nil {
			return fmt.Errorf("check %s concurrency: %w", kind, err)
		}
		if !limit.Allowed {
			return common.NewAppError(common.CodeConcurrencyLimit,
				fmt.Sprintf("%s concurrency ceiling reached (%d of %d active)", kind, limit.Current, limit.Limit), nil)
		}
	}

	rate, err := o.guard.CheckRateLimit(ctx, userID, guard.BucketEnqueue)
	if err != nil {
		return fmt.Errorf("check rate limit: %w", err)
	}
	if !rate.Allowed {
		return common.NewAppError(common.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded, retry after %s", time.Until(rate.ResetAt).Round(time.Second)), nil)
	}

	action, err := o.guard.DetectAbusePatterns(ctx, userID)
	if err != nil {
		return fmt.Errorf("detect abuse: %w", err)
	}
	switch action {
	case guard.AbuseBlock:
		return common.NewAppError(common.CodeAbuseBlocked, "submissions temporarily blocked for this user", nil)
	case guard.AbuseThrottle, guard.AbuseWarn:
		o.log.Warn("pipeline.admit.abuse", "user_id", userID, "action", action)
	}
	return nil
}

// ProcessResult describes the outcome of one Process call. Stage failures
// are data here, not errors: the queue's retry machinery already recorded
// them, and the caller only needs the picture.
type ProcessResult struct {
	Processed  bool            `json:"processed"`
	JobID      string          `json:"jobId,omitempty"`
	DocumentID uuid.UUID       `json:"documentId,omitempty"`
	Stage      constants.Stage `json:"stage,omitempty"`
	Ready      bool            `json:"ready,omitempty"`
	Discarded  bool            `json:"discarded,omitempty"`
	Error      string          `json:"error,omitempty"`
	Data       map[string]any  `json:"data,omitempty"`
}

// Process claims at most one pipeline job, executes its stage, and either
// chains the next stage or finishes the document. A nil claim returns
// Processed=false. Errors are returned only for infrastructure faults.
func (o *Orchestrator) Process(ctx context.Context) (ProcessResult, error) {
	job, err := o.pipeline.ClaimNext(ctx)
	if err != nil {
		return ProcessResult{}, fmt.Errorf("claim job: %w", err)
	}
	if job == nil {
		return ProcessResult{Processed: false}, nil
	}

	payload, err := ParsePayload(job.Payload)
	if err != nil {
		// A payload that cannot be decoded will never succeed; burn its
		// attempts through the normal failure path.
		if ferr := o.pipeline.FailWithRetry(ctx, job.ID, err.Error()); ferr != nil {
			return ProcessResult{}, fmt.Errorf("fail malformed job %s: %w", job.ID, ferr)
		}
		o.log.Error("pipeline.process.badpayload", "job_id", job.ID, "error", err)
		return ProcessResult{Processed: true, JobID: job.ID, Error: err.Error()}, nil
	}
	stage := payload.CurrentStage
	res := ProcessResult{Processed: true, JobID: job.ID, DocumentID: payload.DocumentID, Stage: stage}

	doc, err := o.docs.Get(ctx, payload.DocumentID)
	if err != nil {
		return res, fmt.Errorf("load document %s: %w", payload.DocumentID, err)
	}
	if doc.Status == constants.DocumentStatusCancelled {
		// Cancellation raced the claim; drop the work without running it.
		if err := o.pipeline.Complete(ctx, job.ID); err != nil {
			return res, fmt.Errorf("complete cancelled job %s: %w", job.ID, err)
		}
		o.log.Info("pipeline.process.discard", "job_id", job.ID, "document_id", payload.DocumentID)
		res.Discarded = true
		return res, nil
	}

	steps := doc.Steps
	steps.CurrentStage = stage
	steps.CompletedStages = payload.CompletedStages
	if err := o.docs.UpdateStatus(ctx, payload.DocumentID, constants.DocumentStatusProcessing, steps); err != nil {
		return res, fmt.Errorf("mark document processing: %w", err)
	}

	input := stages.Input{
		DocumentID:  payload.DocumentID,
		ProjectID:   payload.ProjectID,
		Stage:       stage,
		StoragePath: payload.StoragePath,
	}
	if stage == constants.StageChunking {
		input.ChunkSize = o.cfg.ChunkSize
		input.ChunkOverlap = o.cfg.ChunkOverlap
		input.ChunkStrategy = o.cfg.ChunkStrategy
	}

	o.recorder.StageStarted(stage)
	started := time.Now()
	stageRes, execErr := o.invoker.Invoke(ctx, stage, input)
	elapsed := time.Since(started)

	if execErr != nil {
		o.recorder.StageFailed(stage, elapsed)
		return o.failStage(ctx, job.ID, payload, steps, execErr, res)
	}
	o.recorder.StageCompleted(stage, elapsed)
	res.Data = stageRes.Data

	// Re-read before chaining: a cancel issued mid-stage must win.
	doc, err = o.docs.Get(ctx, payload.DocumentID)
	if err != nil {
		return res, fmt.Errorf("reload document %s: %w", payload.DocumentID, err)
	}
	if doc.Status == constants.DocumentStatusCancelled {
		if err := o.pipeline.Complete(ctx, job.ID); err != nil {
			return res, fmt.Errorf("complete cancelled job %s: %w", job.ID, err)
		}
		o.log.Info("pipeline.process.discard", "job_id", job.ID, "document_id", payload.DocumentID, "stage", stage)
		res.Discarded = true
		return res, nil
	}

	completed := append(append([]constants.Stage{}, payload.CompletedStages...), stage)
	steps.CompletedStages = completed
	steps.FailedStage = ""
	steps.LastError = ""

	if constants.IsLastStage(stage) {
		return o.finishDocument(ctx, job.ID, payload, steps, res)
	}

	next := constants.NextStage(stage)
	steps.CurrentStage = next
	if err := o.docs.UpdateStatus(ctx, payload.DocumentID, constants.DocumentStatusProcessing, steps); err != nil {
		return res, fmt.Errorf("advance document steps: %w", err)
	}

	nextPayload := payload
	nextPayload.CurrentStage = next
	nextPayload.CompletedStages = completed
	nextID := queue.PipelineJobID(payload.DocumentID, next)
	// Enqueue the successor before completing the current job so a crash
	// between the two duplicates work instead of losing it.
	if _, err := o.pipeline.Enqueue(ctx, JobTypeStage, nextPayload, queue.EnqueueOptions{
		JobID:    nextID,
		Priority: payload.Priority,
	}); err != nil {
		return res, fmt.Errorf("enqueue stage %s: %w", next, err)
	}
	if err := o.pipeline.Complete(ctx, job.ID); err != nil {
		return res, fmt.Errorf("complete job %s: %w", job.ID, err)
	}

	o.log.Info("pipeline.process.ok",
		"job_id", job.ID,
		"document_id", payload.DocumentID,
		"stage", stage,
		"next", next,
		"elapsed_ms", elapsed.Milliseconds(),
	)
	return res, nil
}

func (o *Orchestrator) failStage(ctx context.Context, jobID string, payload Payload, steps repository.ProcessingSteps, execErr error, res ProcessResult) (ProcessResult, error) {
	steps.FailedStage = payload.CurrentStage
	steps.LastError = execErr.Error()
	if err := o.docs.UpdateStatus(ctx, payload.DocumentID, constants.DocumentStatusError, steps); err != nil {
		return res, fmt.Errorf("mark document error: %w", err)
	}
	if err := o.pipeline.FailWithRetry(ctx, jobID, execErr.Error()); err != nil {
		return res, fmt.Errorf("fail job %s: %w", jobID, err)
	}
	o.log.Warn("pipeline.process.stagefail",
		"job_id", jobID,
		"document_id", payload.DocumentID,
		"stage", payload.CurrentStage,
		"error", execErr,
	)
	res.Error = execErr.Error()
	return res, nil
}

func (o *Orchestrator) finishDocument(ctx context.Context, jobID string, payload Payload, steps repository.ProcessingSteps, res ProcessResult) (ProcessResult, error) {
	steps.CurrentStage = ""
	if err := o.docs.UpdateStatus(ctx, payload.DocumentID, constants.DocumentStatusReady, steps); err != nil {
		return res, fmt.Errorf("mark document ready: %w", err)
	}
	if o.notify != nil {
		if _, err := o.notify.Enqueue(ctx, JobTypeDocumentReady, map[string]any{
			"documentId": payload.DocumentID,
			"projectId":  payload.ProjectID,
			"ownerId":    payload.OwnerID,
		}, queue.EnqueueOptions{}); err != nil {
			// Notification loss is tolerable; the document state is the
			// source of truth.
			o.log.Warn("pipeline.notify.fail", "document_id", payload.DocumentID, "error", err)
		}
	}
	if err := o.pipeline.Complete(ctx, jobID); err != nil {
		return res, fmt.Errorf("complete job %s: %w", jobID, err)
	}
	o.log.Info("pipeline.process.ready", "job_id", jobID, "document_id", payload.DocumentID)
	res.Ready = true
	return res, nil
}

// Cancel withdraws the document's live pipeline job, if any, and marks the
// document cancelled. Only pending or retrying jobs can be withdrawn; a
// stage already running finishes but its output is discarded.
func (o *Orchestrator) Cancel(ctx context.Context, credential string, documentID uuid.UUID) (bool, error) {
	userID, err := o.admitControl(ctx, credential)
	if err != nil {
		return false, err
	}
	doc, err := o.docs.Get(ctx, documentID)
	if err != nil {
		if errors.Is(err, common.ErrNotFound) {
			return false, err
		}
		return false, fmt.Errorf("load document: %w", err)
	}
	owns, err := o.guard.VerifyOwnership(ctx, userID, guard.ResourceDocument, documentID)
	if err != nil {
		return false, fmt.Errorf("verify ownership: %w", err)
	}
	if !owns {
		_ = o.guard.RecordSignal(ctx, userID, guard.SeverityHigh)
		return false, common.NewAppError(common.CodeOwnershipDenied, "user does not own the document", nil)
	}

	cancelled := false
	for _, stage := range constants.PipelineStages {
		ok, err := o.pipeline.Cancel(ctx, queue.PipelineJobID(documentID, stage))
		if err != nil {
			return false, fmt.Errorf("cancel stage %s: %w", stage, err)
		}
		if ok {
			cancelled = true
		}
	}
	if !cancelled && doc.Status != constants.DocumentStatusProcessing {
		return false, nil
	}

	steps := doc.Steps
	if err := o.docs.UpdateStatus(ctx, documentID, constants.DocumentStatusCancelled, steps); err != nil {
		return false, fmt.Errorf("mark document cancelled: %w", err)
	}
	o.log.Info("pipeline.cancel.ok", "document_id", documentID, "user_id", userID, "job_withdrawn", cancelled)
	return true, nil
}

// CancelJob withdraws a single queue job by id and, when it carries a
// pipeline payload, marks its document cancelled.
func (o *Orchestrator) CancelJob(ctx context.Context, credential, jobID string) (bool, error) {
	userID, err := o.admitControl(ctx, credential)
	if err != nil {
		return false, err
	}
	job, err := o.pipeline.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	payload, perr := ParsePayload(job.Payload)
	if perr == nil {
		owns, err := o.guard.VerifyOwnership(ctx, userID, guard.ResourceDocument, payload.DocumentID)
		if err != nil {
			return false, fmt.Errorf("verify ownership: %w", err)
		}
		if !owns {
			_ = o.guard.RecordSignal(ctx, userID, guard.SeverityHigh)
			return false, common.NewAppError(common.CodeOwnershipDenied, "user does not own the job's document", nil)
		}
	}
	ok, err := o.pipeline.Cancel(ctx, jobID)
	if err != nil || !ok {
		return ok, err
	}
	if perr == nil {
		doc, derr := o.docs.Get(ctx, payload.DocumentID)
		if derr == nil {
			if uerr := o.docs.UpdateStatus(ctx, payload.DocumentID, constants.DocumentStatusCancelled, doc.Steps); uerr != nil {
				return true, fmt.Errorf("mark document cancelled: %w", uerr)
			}
		}
	}
	o.log.Info("pipeline.cancel.ok", "job_id", jobID, "user_id", userID)
	return true, nil
}

// RetryJob re-queues a failed job with a fresh attempt budget and puts its
// document back in the queued state.
func (o *Orchestrator) RetryJob(ctx context.Context, credential, jobID string) (bool, error) {
	userID, err := o.admitControl(ctx, credential)
	if err != nil {
		return false, err
	}
	job, err := o.pipeline.Get(ctx, jobID)
	if err != nil {
		return false, err
	}
	payload, perr := ParsePayload(job.Payload)
	if perr == nil {
		owns, err := o.guard.VerifyOwnership(ctx, userID, guard.ResourceDocument, payload.DocumentID)
		if err != nil {
			return false, fmt.Errorf("verify ownership: %w", err)
		}
		if !owns {
			_ = o.guard.RecordSignal(ctx, userID, guard.SeverityHigh)
			return false, common.NewAppError(common.CodeOwnershipDenied, "user does not own the job's document", nil)
		}
	}
	ok, err := o.pipeline.Retry(ctx, jobID)
	if err != nil || !ok {
		return ok, err
	}
	if perr == nil {
		doc, derr := o.docs.Get(ctx, payload.DocumentID)
		if derr == nil {
			steps := doc.Steps
			steps.FailedStage = ""
			steps.LastError = ""
			if uerr := o.docs.UpdateStatus(ctx, payload.DocumentID, constants.DocumentStatusQueued, steps); uerr != nil {
				return true, fmt.Errorf("re-queue document: %w", uerr)
			}
		}
	}
	o.log.Info("pipeline.retry.ok", "job_id", jobID, "user_id", userID)
	return true, nil
}

// admitControl authenticates and rate limits a control-plane call
// (cancel, retry). Ownership is checked by the caller against the
// concrete resource.
func (o *Orchestrator) admitControl(ctx context.Context, credential string) (string, error) {
	auth, err := o.guard.ValidateAuth(ctx, credential)
	if err != nil {
		return "", fmt.Errorf("validate auth: %w", err)
	}
	if !auth.IsValid {
		return "", common.NewAppError(common.CodeAuthInvalid, "invalid or missing credential", nil)
	}
	rate, err := o.guard.CheckRateLimit(ctx, auth.UserID, guard.BucketControl)
	if err != nil {
		return "", fmt.Errorf("check rate limit: %w", err)
	}
	if !rate.Allowed {
		return "", common.NewAppError(common.CodeRateLimited,
			fmt.Sprintf("rate limit exceeded, retry after %s", time.Until(rate.ResetAt).Round(time.Second)), nil)
	}
	return auth.UserID, nil
}

// JobStatus reports a single job.
func (o *Orchestrator) JobStatus(ctx context.Context, jobID string) (*queue.Job, error) {
	return o.pipeline.Get(ctx, jobID)
}

// QueueStats reports pipeline queue depth by status.
func (o *Orchestrator) QueueStats(ctx context.Context) (queue.Stats, error) {
	return o.pipeline.Stats(ctx)
}

// Resume re-queues a stalled document from its recorded checkpoint. Used
// by the reconciliation sweep for documents stuck in processing with no
// live job.
func (o *Orchestrator) Resume(ctx context.Context, doc *repository.Document) error {
	completed := doc.Steps.CompletedStages
	if len(completed) >= len(constants.PipelineStages) {
		steps := doc.Steps
		steps.CurrentStage = ""
		if err := o.docs.UpdateStatus(ctx, doc.ID, constants.DocumentStatusReady, steps); err != nil {
			return fmt.Errorf("mark document ready: %w", err)
		}
		return nil
	}

	next := constants.PipelineStages[len(completed)]
	payload := Payload{
		DocumentID:      doc.ID,
		ProjectID:       doc.ProjectID,
		StoragePath:     doc.StoragePath,
		OwnerID:         doc.OwnerID,
		CurrentStage:    next,
		CompletedStages: completed,
	}
	if _, err := o.pipeline.Enqueue(ctx, JobTypeStage, payload, queue.EnqueueOptions{
		JobID: queue.PipelineJobID(doc.ID, next),
	}); err != nil {
		return fmt.Errorf("enqueue resume job: %w", err)
	}

	steps := doc.Steps
	steps.CurrentStage = next
	if err := o.docs.UpdateStatus(ctx, doc.ID, constants.DocumentStatusQueued, steps); err != nil {
		return fmt.Errorf("re-queue document: %w", err)
	}
	o.log.Info("pipeline.resume.ok", "document_id", doc.ID, "stage", next, "completed", len(completed))
	return nil
}
