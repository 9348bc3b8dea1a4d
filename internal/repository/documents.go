package repository

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
)

// ProcessingSteps is the per-document pipeline progress record. It is updated
// at every stage transition so UI and recovery logic can inspect progress
// without reading the queue. CompletedStages is append-only for a given run.
type ProcessingSteps struct {
	CurrentStage    constants.Stage   `json:"currentStage,omitempty"`
	CompletedStages []constants.Stage `json:"completedStages"`
	StartedAt       *time.Time        `json:"startedAt,omitempty"`
	UpdatedAt       *time.Time        `json:"updatedAt,omitempty"`
	FailedStage     constants.Stage   `json:"failedStage,omitempty"`
	LastError       string            `json:"lastError,omitempty"`
}

// Document is the external entity the orchestrator mutates as a side channel.
// Document status and job status are eventually consistent.
type Document struct {
	ID            uuid.UUID
	ProjectID     uuid.UUID
	OwnerID       string
	StoragePath   string
	ContentType   string
	Status        constants.DocumentStatus
	Steps         ProcessingSteps
	ExtractedText string
	Language      string
	Summary       string
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Project groups documents and carries share-based access.
type Project struct {
	ID      uuid.UUID
	OwnerID string
	Name    string
	Members []string
}

// Chunk is one indexed slice of a document.
type Chunk struct {
	Seq        int
	Content    string
	TokenCount int
	Embedding  []float32
}

// DocumentRepository is the storage boundary the orchestrator, guard and
// stage executors share.
type DocumentRepository interface {
	Get(ctx context.Context, id uuid.UUID) (*Document, error)
	Upsert(ctx context.Context, doc *Document) error
	UpdateStatus(ctx context.Context, id uuid.UUID, status constants.DocumentStatus, steps ProcessingSteps) error
	SetContentType(ctx context.Context, id uuid.UUID, contentType string) error
	SetExtractedText(ctx context.Context, id uuid.UUID, text string) error
	SetLanguage(ctx context.Context, id uuid.UUID, language string) error
	SetSummary(ctx context.Context, id uuid.UUID, summary string) error
	ReplaceChunks(ctx context.Context, id uuid.UUID, chunks []Chunk) error
	ListChunks(ctx context.Context, id uuid.UUID) ([]Chunk, error)
	CountActiveByOwner(ctx context.Context, ownerID string) (int, error)
	CountActiveByProject(ctx context.Context, projectID uuid.UUID) (int, error)
	FindStalled(ctx context.Context, updatedBefore time.Time) ([]*Document, error)
	GetProject(ctx context.Context, id uuid.UUID) (*Project, error)
	CreateProject(ctx context.Context, p *Project) error
}

type documentRepo struct {
	pool *pgxpool.Pool
	log  *slog.Logger
}

// NewDocumentRepository returns the Postgres-backed DocumentRepository.
func NewDocumentRepository(pool *pgxpool.Pool, log *slog.Logger) DocumentRepository {
	if log == nil {
		log = slog.Default()
	}
	return &documentRepo{pool: pool, log: log}
}

const documentColumns = `id, project_id, owner_id, storage_path, content_type, status,
	processing_steps, extracted_text, language, summary, created_at, updated_at`

func scanDocument(row pgx.Row) (*Document, error) {
	var d Document
	var steps []byte
	err := row.Scan(&d.ID, &d.ProjectID, &d.OwnerID, &d.StoragePath, &d.ContentType,
		&d.Status, &steps, &d.ExtractedText, &d.Language, &d.Summary, &d.CreatedAt, &d.UpdatedAt)
	if err != nil {
		return nil, err
	}
	if len(steps) > 0 {
		if err := json.Unmarshal(steps, &d.Steps); err != nil {
			return nil, fmt.Errorf("decode processing_steps: %w", err)
		}
	}
	return &d, nil
}

func (r *documentRepo) Get(ctx context.Context, id uuid.UUID) (*Document, error) {
	row := r.pool.QueryRow(ctx,
		`SELECT `+documentColumns+` FROM documents WHERE id = $1`, id)
	doc, err := scanDocument(row)
	if err == pgx.ErrNoRows {
		return nil, common.ErrNotFound
	}
	return doc, err
}

func (r *documentRepo) Upsert(ctx context.Context, doc *Document) error {
	steps, err := json.Marshal(doc.Steps)
	if err != nil {
		return err
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO documents (id, project_id, owner_id, storage_path, content_type, status, processing_steps)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (id) DO UPDATE SET
			storage_path = EXCLUDED.storage_path,
			status = EXCLUDED.status,
			processing_steps = EXCLUDED.processing_steps,
			updated_at = NOW()`,
		doc.ID, doc.ProjectID, doc.OwnerID, doc.StoragePath, doc.ContentType, doc.Status, steps)
	if err != nil {
		r.log.Error("document upsert failed", "document_id", doc.ID, "error", err)
	}
	return err
}

func (r *documentRepo) UpdateStatus(ctx context.Context, id uuid.UUID, status constants.DocumentStatus, steps ProcessingSteps) error {
	now := time.Now().UTC()
	steps.UpdatedAt = &now
	b, err := json.Marshal(steps)
	if err != nil {
		return err
	}
	ct, err := r.pool.Exec(ctx, `
		UPDATE documents SET status = $2, processing_steps = $3, updated_at = NOW()
		WHERE id = $1`, id, status, b)
	if err != nil {
		return err
	}
	if ct.RowsAffected() == 0 {
		return common.ErrNotFound
	}
	return nil
}

func (r *documentRepo) SetContentType(ctx context.Context, id uuid.UUID, contentType string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE documents SET content_type = $2, updated_at = NOW() WHERE id = $1`, id, contentType)
	return err
}

func (r *documentRepo) SetExtractedText(ctx context.Context, id uuid.UUID, text string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE documents SET extracted_text = $2, updated_at = NOW() WHERE id = $1`, id, text)
	return err
}

func (r *documentRepo) SetLanguage(ctx context.Context, id uuid.UUID, language string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE documents SET language = $2, updated_at = NOW() WHERE id = $1`, id, language)
	return err
}

func (r *documentRepo) SetSummary(ctx context.Context, id uuid.UUID, summary string) error {
	_, err := r.pool.Exec(ctx,
		`UPDATE documents SET summary = $2, updated_at = NOW() WHERE id = $1`, id, summary)
	return err
}

// ReplaceChunks overwrites the chunk set wholesale so re-running chunking or
// indexing never appends duplicates.
func (r *documentRepo) ReplaceChunks(ctx context.Context, id uuid.UUID, chunks []Chunk) error {
	tx, err := r.pool.Begin(ctx)
	if err != nil {
		return err
	}
	defer tx.Rollback(ctx)

	if _, err := tx.Exec(ctx, `DELETE FROM document_chunks WHERE document_id = $1`, id); err != nil {
		return err
	}
	for _, c := range chunks {
		var emb []byte
		if c.Embedding != nil {
			if emb, err = json.Marshal(c.Embedding); err != nil {
				return err
			}
		}
		if _, err := tx.Exec(ctx, `
			INSERT INTO document_chunks (document_id, seq, content, token_count, embedding)
			VALUES ($1, $2, $3, $4, $5)`,
			id, c.Seq, c.Content, c.TokenCount, emb); err != nil {
			return err
		}
	}
	return tx.Commit(ctx)
}

func (r *documentRepo) ListChunks(ctx context.Context, id uuid.UUID) ([]Chunk, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT seq, content, token_count, embedding
		FROM document_chunks WHERE document_id = $1 ORDER BY seq`, id)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Chunk
	for rows.Next() {
		var c Chunk
		var emb []byte
		if err := rows.Scan(&c.Seq, &c.Content, &c.TokenCount, &emb); err != nil {
			return nil, err
		}
		if len(emb) > 0 {
			if err := json.Unmarshal(emb, &c.Embedding); err != nil {
				return nil, fmt.Errorf("decode embedding: %w", err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

func (r *documentRepo) CountActiveByOwner(ctx context.Context, ownerID string) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM documents
		WHERE owner_id = $1 AND status IN ('queued', 'processing')`, ownerID).Scan(&n)
	return n, err
}

func (r *documentRepo) CountActiveByProject(ctx context.Context, projectID uuid.UUID) (int, error) {
	var n int
	err := r.pool.QueryRow(ctx, `
		SELECT COUNT(*) FROM documents
		WHERE project_id = $1 AND status IN ('queued', 'processing')`, projectID).Scan(&n)
	return n, err
}

// FindStalled returns documents stuck in a non-terminal status with no live
// pipeline job. A crash between "executor succeeded" and "next job enqueued"
// produces exactly this shape; the sweeper resumes them from the
// completedStages checkpoint.
func (r *documentRepo) FindStalled(ctx context.Context, updatedBefore time.Time) ([]*Document, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+documentColumns+` FROM documents d
		WHERE d.status IN ('queued', 'processing')
		  AND d.updated_at < $1
		  AND NOT EXISTS (
			SELECT 1 FROM jobs j
			WHERE j.queue_name = $2
			  AND j.status IN ('pending', 'processing', 'retrying')
			  AND j.payload->>'documentId' = d.id::text)`,
		updatedBefore, constants.QueuePipeline)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*Document
	for rows.Next() {
		doc, err := scanDocument(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, doc)
	}
	return out, rows.Err()
}

func (r *documentRepo) GetProject(ctx context.Context, id uuid.UUID) (*Project, error) {
	var p Project
	var members []byte
	err := r.pool.QueryRow(ctx,
		`SELECT id, owner_id, name, members FROM projects WHERE id = $1`, id).
		Scan(&p.ID, &p.OwnerID, &p.Name, &members)
	if err == pgx.ErrNoRows {
		return nil, common.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if len(members) > 0 {
		if err := json.Unmarshal(members, &p.Members); err != nil {
			return nil, fmt.Errorf("decode members: %w", err)
		}
	}
	return &p, nil
}

func (r *documentRepo) CreateProject(ctx context.Context, p *Project) error {
	members, err := json.Marshal(p.Members)
	if err != nil {
		return err
	}
	if p.Members == nil {
		members = []byte("[]")
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO projects (id, owner_id, name, members) VALUES ($1, $2, $3, $4)
		ON CONFLICT (id) DO NOTHING`, p.ID, p.OwnerID, p.Name, members)
	return err
}
