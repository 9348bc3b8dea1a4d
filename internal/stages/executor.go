// Package stages defines the stage executor contract and ships the built-in
// executors. Executors are stateless and idempotent: re-running one with the
// same input overwrites its output, never appends. They never touch the job
// queue; retry decisions belong to the queue alone.
package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/google/uuid"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/common"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// Input is the fixed input contract for every stage executor.
type Input struct {
	DocumentID  uuid.UUID       `json:"documentId"`
	ProjectID   uuid.UUID       `json:"projectId"`
	Stage       constants.Stage `json:"stage"`
	StoragePath string          `json:"storagePath,omitempty"`

	// Chunking parameters, set only for the chunking stage.
	ChunkSize     int    `json:"chunkSize,omitempty"`
	ChunkOverlap  int    `json:"chunkOverlap,omitempty"`
	ChunkStrategy string `json:"chunkStrategy,omitempty"`
}

// Result is the fixed output contract.
type Result struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Error   string         `json:"error,omitempty"`
}

func ok(data map[string]any) Result {
	return Result{Success: true, Data: data}
}

// Executor performs one stage's transformation for a document.
type Executor interface {
	Stage() constants.Stage
	Execute(ctx context.Context, in Input) (Result, error)
}

// Registry holds one executor per stage name.
type Registry struct {
	executors map[constants.Stage]Executor
}

func NewRegistry(execs ...Executor) *Registry {
	r := &Registry{executors: make(map[constants.Stage]Executor, len(execs))}
	for _, e := range execs {
		r.executors[e.Stage()] = e
	}
	return r
}

// DefaultRegistry wires the six built-in executors.
func DefaultRegistry(docs repository.DocumentRepository, summarizer llm.Summarizer, embedder llm.Embedder, cfg common.StagesConfig, log *slog.Logger) *Registry {
	if log == nil {
		log = slog.Default()
	}
	return NewRegistry(
		NewIngestionExecutor(docs, log),
		NewExtractionExecutor(docs, cfg.ArtifactDir, log),
		NewLanguageExecutor(docs, log),
		NewChunkingExecutor(docs, log),
		NewSummarizationExecutor(docs, summarizer, log),
		NewIndexingExecutor(docs, embedder, log),
	)
}

// Get returns the executor for a stage.
func (r *Registry) Get(stage constants.Stage) (Executor, error) {
	e, ok := r.executors[stage]
	if !ok {
		return nil, fmt.Errorf("no executor registered for stage %q", stage)
	}
	return e, nil
}
