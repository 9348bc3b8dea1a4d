package repository

import (
	"context"

	"github.com/jackc/pgx/v5/pgxpool"
)

// InitSchema creates the tables the orchestrator depends on. Safe to run on
// every startup. Jobs and documents are joined only by the documentId inside
// the job payload; the queue layer is schema-agnostic about payload contents.
func InitSchema(ctx context.Context, pool *pgxpool.Pool) error {
	schema := `
    CREATE TABLE IF NOT EXISTS jobs (
        id            TEXT PRIMARY KEY,
        queue_name    TEXT NOT NULL,
        job_type      TEXT NOT NULL,
        payload       JSONB NOT NULL DEFAULT '{}',
        priority      INTEGER NOT NULL DEFAULT 0,
        status        TEXT NOT NULL DEFAULT 'pending',
        attempts      INTEGER NOT NULL DEFAULT 0,
        max_attempts  INTEGER NOT NULL DEFAULT 3,
        scheduled_at  TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        started_at    TIMESTAMPTZ,
        completed_at  TIMESTAMPTZ,
        error_message TEXT,
        created_at    TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at    TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_jobs_claim
        ON jobs (queue_name, status, priority DESC, scheduled_at ASC);
    CREATE INDEX IF NOT EXISTS idx_jobs_document
        ON jobs ((payload->>'documentId'));

    CREATE TABLE IF NOT EXISTS projects (
        id         UUID PRIMARY KEY,
        owner_id   TEXT NOT NULL,
        name       TEXT NOT NULL DEFAULT '',
        members    JSONB NOT NULL DEFAULT '[]',
        created_at TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );

    CREATE TABLE IF NOT EXISTS documents (
        id               UUID PRIMARY KEY,
        project_id       UUID NOT NULL,
        owner_id         TEXT NOT NULL,
        storage_path     TEXT NOT NULL,
        content_type     TEXT NOT NULL DEFAULT '',
        status           TEXT NOT NULL DEFAULT 'queued',
        processing_steps JSONB NOT NULL DEFAULT '{}',
        extracted_text   TEXT NOT NULL DEFAULT '',
        language         TEXT NOT NULL DEFAULT '',
        summary          TEXT NOT NULL DEFAULT '',
        created_at       TIMESTAMPTZ NOT NULL DEFAULT NOW(),
        updated_at       TIMESTAMPTZ NOT NULL DEFAULT NOW()
    );
    CREATE INDEX IF NOT EXISTS idx_documents_owner_status ON documents (owner_id, status);
    CREATE INDEX IF NOT EXISTS idx_documents_project_status ON documents (project_id, status);

    CREATE TABLE IF NOT EXISTS document_chunks (
        document_id UUID NOT NULL,
        seq         INTEGER NOT NULL,
        content     TEXT NOT NULL,
        token_count INTEGER NOT NULL DEFAULT 0,
        embedding   JSONB,
        PRIMARY KEY (document_id, seq)
    );
    `
	_, err := pool.Exec(ctx, schema)
	return err
}
