package repository

import (
	"context"
	"errors"
	"os"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
)

// Integration tests run only against a real database:
//
//	TEST_DATABASE_URL=postgres://... go test ./internal/repository/
func testPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	dsn := os.Getenv("TEST_DATABASE_URL")
	if dsn == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping integration test")
	}
	ctx := context.Background()
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		t.Fatalf("connect: %v", err)
	}
	t.Cleanup(pool.Close)
	if err := InitSchema(ctx, pool); err != nil {
		t.Fatalf("init schema: %v", err)
	}
	for _, table := range []string{"document_chunks", "documents", "projects", "jobs"} {
		if _, err := pool.Exec(ctx, "TRUNCATE "+table+" CASCADE"); err != nil {
			t.Fatalf("truncate %s: %v", table, err)
		}
	}
	return pool
}

func TestDocumentRoundTrip(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewDocumentRepository(pool, nil)

	started := time.Now().UTC().Truncate(time.Second)
	doc := &Document{
		ID:          uuid.New(),
		ProjectID:   uuid.New(),
		OwnerID:     "alice",
		StoragePath: "/data/doc.pdf",
		Status:      constants.DocumentStatusQueued,
		Steps: ProcessingSteps{
			CurrentStage:    constants.StageIngestion,
			CompletedStages: []constants.Stage{},
			StartedAt:       &started,
		},
	}
	if err := repo.Upsert(ctx, doc); err != nil {
		t.Fatal(err)
	}

	got, err := repo.Get(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if got.OwnerID != "alice" || got.Status != constants.DocumentStatusQueued {
		t.Fatalf("document %+v", got)
	}
	if got.Steps.CurrentStage != constants.StageIngestion || got.Steps.StartedAt == nil {
		t.Fatalf("steps %+v", got.Steps)
	}

	steps := got.Steps
	steps.CompletedStages = append(steps.CompletedStages, constants.StageIngestion)
	steps.CurrentStage = constants.StageExtraction
	if err := repo.UpdateStatus(ctx, doc.ID, constants.DocumentStatusProcessing, steps); err != nil {
		t.Fatal(err)
	}
	got, _ = repo.Get(ctx, doc.ID)
	if got.Status != constants.DocumentStatusProcessing || len(got.Steps.CompletedStages) != 1 {
		t.Fatalf("after update: %+v", got)
	}
	if got.Steps.UpdatedAt == nil {
		t.Fatal("UpdateStatus did not stamp the steps")
	}

	if _, err := repo.Get(ctx, uuid.New()); !errors.Is(err, common.ErrNotFound) {
		t.Fatalf("missing document: %v", err)
	}
}

func TestReplaceChunksIsIdempotent(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewDocumentRepository(pool, nil)

	doc := &Document{ID: uuid.New(), ProjectID: uuid.New(), OwnerID: "alice", Status: constants.DocumentStatusProcessing}
	if err := repo.Upsert(ctx, doc); err != nil {
		t.Fatal(err)
	}

	first := []Chunk{{Seq: 0, Content: "one", TokenCount: 1}, {Seq: 1, Content: "two", TokenCount: 1}}
	if err := repo.ReplaceChunks(ctx, doc.ID, first); err != nil {
		t.Fatal(err)
	}
	second := []Chunk{{Seq: 0, Content: "uno", TokenCount: 1, Embedding: []float32{0.1, 0.2}}}
	if err := repo.ReplaceChunks(ctx, doc.ID, second); err != nil {
		t.Fatal(err)
	}

	chunks, err := repo.ListChunks(ctx, doc.ID)
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 1 || chunks[0].Content != "uno" {
		t.Fatalf("chunks %+v", chunks)
	}
	if len(chunks[0].Embedding) != 2 {
		t.Fatalf("embedding not persisted: %+v", chunks[0])
	}
}

func TestCountActive(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewDocumentRepository(pool, nil)
	projectID := uuid.New()

	for _, status := range []constants.DocumentStatus{
		constants.DocumentStatusQueued,
		constants.DocumentStatusProcessing,
		constants.DocumentStatusReady, // not active
	} {
		doc := &Document{ID: uuid.New(), ProjectID: projectID, OwnerID: "alice", Status: status}
		if err := repo.Upsert(ctx, doc); err != nil {
			t.Fatal(err)
		}
	}

	n, err := repo.CountActiveByOwner(ctx, "alice")
	if err != nil {
		t.Fatal(err)
	}
	if n != 2 {
		t.Fatalf("active by owner %d, want 2", n)
	}
	n, _ = repo.CountActiveByProject(ctx, projectID)
	if n != 2 {
		t.Fatalf("active by project %d, want 2", n)
	}
}

func TestFindStalled(t *testing.T) {
	pool := testPool(t)
	ctx := context.Background()
	repo := NewDocumentRepository(pool, nil)

	stuck := &Document{ID: uuid.New(), ProjectID: uuid.New(), OwnerID: "alice", Status: constants.DocumentStatusProcessing}
	covered := &Document{ID: uuid.New(), ProjectID: uuid.New(), OwnerID: "alice", Status: constants.DocumentStatusProcessing}
	finished := &Document{ID: uuid.New(), ProjectID: uuid.New(), OwnerID: "alice", Status: constants.DocumentStatusReady}
	for _, d := range []*Document{stuck, covered, finished} {
		if err := repo.Upsert(ctx, d); err != nil {
			t.Fatal(err)
		}
	}

	// The covered document has a live pipeline job referencing it.
	if _, err := pool.Exec(ctx, `
		INSERT INTO jobs (id, queue_name, job_type, payload, status, max_attempts, scheduled_at)
		VALUES ($1, $2, 'pipeline.stage', $3, 'pending', 3, NOW())`,
		"pipeline-"+covered.ID.String(), string(constants.QueuePipeline),
		[]byte(`{"documentId":"`+covered.ID.String()+`"}`)); err != nil {
		t.Fatal(err)
	}

	stalled, err := repo.FindStalled(ctx, time.Now().UTC().Add(time.Minute))
	if err != nil {
		t.Fatal(err)
	}
	if len(stalled) != 1 || stalled[0].ID != stuck.ID {
		ids := make([]uuid.UUID, 0, len(stalled))
		for _, d := range stalled {
			ids = append(ids, d.ID)
		}
		t.Fatalf("stalled %v, want exactly %s", ids, stuck.ID)
	}
}
