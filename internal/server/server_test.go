package server

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/export"
	"github.com/inkwell-ai/inkwell/internal/guard"
	"github.com/inkwell-ai/inkwell/internal/orchestrator"
	"github.com/inkwell-ai/inkwell/internal/queue"
	"github.com/inkwell-ai/inkwell/internal/repository"
	"github.com/inkwell-ai/inkwell/internal/stages"
)

func init() {
	gin.SetMode(gin.TestMode)
}

type memDocs struct {
	mu   sync.Mutex
	docs map[uuid.UUID]*repository.Document
}

func newMemDocs() *memDocs {
	return &memDocs{docs: make(map[uuid.UUID]*repository.Document)}
}

func (m *memDocs) Get(_ context.Context, id uuid.UUID) (*repository.Document, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return nil, common.ErrNotFound
	}
	cp := *d
	return &cp, nil
}

func (m *memDocs) Upsert(_ context.Context, doc *repository.Document) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *doc
	m.docs[doc.ID] = &cp
	return nil
}

func (m *memDocs) UpdateStatus(_ context.Context, id uuid.UUID, status constants.DocumentStatus, steps repository.ProcessingSteps) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	d, ok := m.docs[id]
	if !ok {
		return common.ErrNotFound
	}
	d.Status = status
	d.Steps = steps
	return nil
}

func (m *memDocs) SetContentType(context.Context, uuid.UUID, string) error            { return nil }
func (m *memDocs) SetExtractedText(context.Context, uuid.UUID, string) error          { return nil }
func (m *memDocs) SetLanguage(context.Context, uuid.UUID, string) error               { return nil }
func (m *memDocs) SetSummary(context.Context, uuid.UUID, string) error                { return nil }
func (m *memDocs) ReplaceChunks(context.Context, uuid.UUID, []repository.Chunk) error { return nil }
func (m *memDocs) ListChunks(context.Context, uuid.UUID) ([]repository.Chunk, error) {
	return nil, nil
}
func (m *memDocs) CountActiveByOwner(context.Context, string) (int, error)      { return 0, nil }
func (m *memDocs) CountActiveByProject(context.Context, uuid.UUID) (int, error) { return 0, nil }
func (m *memDocs) FindStalled(context.Context, time.Time) ([]*repository.Document, error) {
	return nil, nil
}
func (m *memDocs) GetProject(context.Context, uuid.UUID) (*repository.Project, error) {
	return nil, common.ErrNotFound
}
func (m *memDocs) CreateProject(context.Context, *repository.Project) error { return nil }

type allowGuard struct {
	authValid bool
}

func (g *allowGuard) ValidateAuth(context.Context, string) (guard.AuthResult, error) {
	return guard.AuthResult{IsValid: g.authValid, UserID: "u1"}, nil
}
func (g *allowGuard) VerifyOwnership(context.Context, string, string, uuid.UUID) (bool, error) {
	return true, nil
}
func (g *allowGuard) CheckConcurrentLimit(context.Context, string, uuid.UUID, string) (guard.LimitResult, error) {
	return guard.LimitResult{Allowed: true}, nil
}
func (g *allowGuard) CheckRateLimit(context.Context, string, string) (guard.RateResult, error) {
	return guard.RateResult{Allowed: true, ResetAt: time.Now().Add(time.Minute)}, nil
}
func (g *allowGuard) DetectAbusePatterns(context.Context, string) (guard.AbuseAction, error) {
	return guard.AbuseNone, nil
}
func (g *allowGuard) RecordSignal(context.Context, string, string) error { return nil }

type echoExecutor struct {
	stage constants.Stage
	err   error
}

func (e *echoExecutor) Stage() constants.Stage { return e.stage }
func (e *echoExecutor) Execute(_ context.Context, in stages.Input) (stages.Result, error) {
	if e.err != nil {
		return stages.Result{Error: e.err.Error()}, e.err
	}
	return stages.Result{Success: true, Data: map[string]any{"documentId": in.DocumentID.String()}}, nil
}

type testEnv struct {
	srv      *Server
	router   *gin.Engine
	docs     *memDocs
	pipeline *queue.MemoryQueue
	guard    *allowGuard
	healthy  bool
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	env := &testEnv{
		docs:     newMemDocs(),
		pipeline: queue.NewMemoryQueue(constants.QueuePipeline, nil),
		guard:    &allowGuard{authValid: true},
		healthy:  true,
	}
	registry := stages.NewRegistry(
		&echoExecutor{stage: constants.StageIngestion},
		&echoExecutor{stage: constants.StageExtraction, err: errors.New("no text layer")},
	)
	orch := orchestrator.New(
		env.pipeline, nil, env.docs, env.guard,
		stages.NewLocalInvoker(registry), nil, common.StagesConfig{}, nil,
	)
	env.srv = New(
		common.ServerConfig{Mode: gin.TestMode, InternalSecret: "s3cret"},
		orch, registry, export.NewService(env.pipeline, nil), env.docs,
		HealthFunc(func(context.Context) error {
			if env.healthy {
				return nil
			}
			return errors.New("db down")
		}),
		zap.NewNop(),
	)
	env.router = env.srv.Router()
	return env
}

func (e *testEnv) do(t *testing.T, method, path string, body any, header map[string]string) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		b, err := json.Marshal(body)
		if err != nil {
			t.Fatal(err)
		}
		reader = bytes.NewReader(b)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer test-key")
	for k, v := range header {
		req.Header.Set(k, v)
	}
	w := httptest.NewRecorder()
	e.router.ServeHTTP(w, req)
	return w
}

func TestHealthz(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}

	env.healthy = false
	w = env.do(t, http.MethodGet, "/healthz", nil, nil)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("degraded status %d", w.Code)
	}
}

func TestEnqueueDocument(t *testing.T) {
	env := newTestEnv(t)

	w := env.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"projectId":   uuid.NewString(),
		"storagePath": "/data/doc.pdf",
	}, nil)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var res struct {
		JobID      string `json:"jobId"`
		DocumentID string `json:"documentId"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !strings.HasPrefix(res.JobID, "pipeline-") {
		t.Fatalf("job id %q", res.JobID)
	}
	if _, err := uuid.Parse(res.DocumentID); err != nil {
		t.Fatalf("document id %q: %v", res.DocumentID, err)
	}

	stats, _ := env.pipeline.Stats(context.Background())
	if stats.Pending != 1 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestEnqueueDocumentValidation(t *testing.T) {
	env := newTestEnv(t)

	cases := []struct {
		name string
		body map[string]any
	}{
		{"missing everything", map[string]any{}},
		{"bad uuid", map[string]any{"projectId": "not-a-uuid", "storagePath": "/x"}},
		{"missing storage path", map[string]any{"projectId": uuid.NewString()}},
		{"priority out of range", map[string]any{"projectId": uuid.NewString(), "storagePath": "/x", "priority": 500}},
	}
	for _, c := range cases {
		w := env.do(t, http.MethodPost, "/v1/documents", c.body, nil)
		if w.Code != http.StatusBadRequest {
			t.Errorf("%s: status %d, want 400", c.name, w.Code)
		}
	}
}

func TestEnqueueDocumentAuthRejected(t *testing.T) {
	env := newTestEnv(t)
	env.guard.authValid = false

	w := env.do(t, http.MethodPost, "/v1/documents", map[string]any{
		"projectId":   uuid.NewString(),
		"storagePath": "/data/doc.pdf",
	}, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("status %d, want 401", w.Code)
	}
	if !strings.Contains(w.Body.String(), common.CodeAuthInvalid) {
		t.Fatalf("body %s", w.Body)
	}
}

func TestGetJob(t *testing.T) {
	env := newTestEnv(t)
	id, err := env.pipeline.Enqueue(context.Background(), "pipeline.stage", nil, queue.EnqueueOptions{JobID: "job-1"})
	if err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/v1/jobs/"+id, nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var job queue.Job
	if err := json.Unmarshal(w.Body.Bytes(), &job); err != nil {
		t.Fatal(err)
	}
	if job.ID != "job-1" || job.Status != constants.JobStatusPending {
		t.Fatalf("job %+v", job)
	}

	w = env.do(t, http.MethodGet, "/v1/jobs/missing", nil, nil)
	if w.Code != http.StatusNotFound {
		t.Fatalf("missing job status %d", w.Code)
	}
}

func TestCancelJobConflict(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.pipeline.Enqueue(context.Background(), "t", nil, queue.EnqueueOptions{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}
	if _, err := env.pipeline.ClaimNext(context.Background()); err != nil {
		t.Fatal(err)
	}

	// Processing jobs cannot be withdrawn.
	w := env.do(t, http.MethodPost, "/v1/jobs/job-1/cancel", nil, nil)
	if w.Code != http.StatusConflict {
		t.Fatalf("status %d, want 409", w.Code)
	}
}

func TestQueueStats(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.pipeline.Enqueue(context.Background(), "t", nil, queue.EnqueueOptions{}); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/v1/queue/stats", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	var stats struct {
		QueueName string `json:"queueName"`
		Pending   int    `json:"pending"`
		Total     int    `json:"total"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &stats); err != nil {
		t.Fatal(err)
	}
	if stats.QueueName != constants.QueuePipeline || stats.Pending != 1 || stats.Total != 1 {
		t.Fatalf("stats %+v", stats)
	}
}

func TestInternalSecretGate(t *testing.T) {
	env := newTestEnv(t)

	// Missing header.
	w := env.do(t, http.MethodPost, "/internal/process", nil, nil)
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("no header: status %d", w.Code)
	}
	// Wrong secret.
	w = env.do(t, http.MethodPost, "/internal/process", nil, map[string]string{stages.SecretHeader: "wrong"})
	if w.Code != http.StatusUnauthorized {
		t.Fatalf("wrong secret: status %d", w.Code)
	}
	// Correct secret against an empty queue.
	w = env.do(t, http.MethodPost, "/internal/process", nil, map[string]string{stages.SecretHeader: "s3cret"})
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var res struct {
		Processed bool `json:"processed"`
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Processed {
		t.Fatal("processed on an empty queue")
	}
}

func TestInternalSecretUnconfigured(t *testing.T) {
	env := newTestEnv(t)
	env.srv.cfg.InternalSecret = ""
	router := env.srv.Router()

	req := httptest.NewRequest(http.MethodPost, "/internal/process", nil)
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	if w.Code != http.StatusServiceUnavailable {
		t.Fatalf("status %d, want 503", w.Code)
	}
}

func TestExecuteStage(t *testing.T) {
	env := newTestEnv(t)
	secret := map[string]string{stages.SecretHeader: "s3cret"}
	input := stages.Input{DocumentID: uuid.New()}

	// Registered stage succeeds.
	w := env.do(t, http.MethodPost, "/internal/stages/ingestion", input, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d: %s", w.Code, w.Body)
	}
	var res stages.Result
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result %+v", res)
	}

	// Executor failure is data, not a transport error.
	w = env.do(t, http.MethodPost, "/internal/stages/extraction", input, secret)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if err := json.Unmarshal(w.Body.Bytes(), &res); err != nil {
		t.Fatal(err)
	}
	if res.Success || res.Error == "" {
		t.Fatalf("result %+v", res)
	}

	// Unknown stage name.
	w = env.do(t, http.MethodPost, "/internal/stages/transmogrify", input, secret)
	if w.Code != http.StatusNotFound {
		t.Fatalf("status %d, want 404", w.Code)
	}
}

func TestExportJobs(t *testing.T) {
	env := newTestEnv(t)
	if _, err := env.pipeline.Enqueue(context.Background(), "t", nil, queue.EnqueueOptions{JobID: "job-1"}); err != nil {
		t.Fatal(err)
	}

	w := env.do(t, http.MethodGet, "/v1/admin/jobs/export?limit=10", nil, nil)
	if w.Code != http.StatusOK {
		t.Fatalf("status %d", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); !strings.Contains(ct, "spreadsheetml") {
		t.Fatalf("content type %q", ct)
	}
	if w.Body.Len() == 0 {
		t.Fatal("empty export body")
	}
}
