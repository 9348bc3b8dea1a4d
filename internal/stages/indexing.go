package stages

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// embedBatchSize bounds one embeddings request.
const embedBatchSize = 64

// IndexingExecutor embeds the document's chunks and rewrites the chunk set
// with vectors attached. Re-running replaces the same rows.
type IndexingExecutor struct {
	docs     repository.DocumentRepository
	embedder llm.Embedder
	log      *slog.Logger
}

func NewIndexingExecutor(docs repository.DocumentRepository, embedder llm.Embedder, log *slog.Logger) *IndexingExecutor {
	return &IndexingExecutor{docs: docs, embedder: embedder, log: log}
}

func (e *IndexingExecutor) Stage() constants.Stage { return constants.StageIndexing }

func (e *IndexingExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	chunks, err := e.docs.ListChunks(ctx, in.DocumentID)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("indexing: load chunks: %w", err)
	}
	if len(chunks) == 0 {
		return Result{Error: "document has no chunks"}, fmt.Errorf("indexing: document %s has no chunks", in.DocumentID)
	}

	for start := 0; start < len(chunks); start += embedBatchSize {
		end := start + embedBatchSize
		if end > len(chunks) {
			end = len(chunks)
		}
		texts := make([]string, 0, end-start)
		for _, c := range chunks[start:end] {
			texts = append(texts, c.Content)
		}
		vectors, err := e.embedder.Embed(ctx, texts)
		if err != nil {
			return Result{Error: err.Error()}, fmt.Errorf("indexing: embed batch at %d: %w", start, err)
		}
		for i := range vectors {
			chunks[start+i].Embedding = vectors[i]
		}
	}

	if err := e.docs.ReplaceChunks(ctx, in.DocumentID, chunks); err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("indexing: persist: %w", err)
	}

	e.log.Info("stage.indexing.ok", "document_id", in.DocumentID, "chunks", len(chunks))
	return ok(map[string]any{"indexed": len(chunks)}), nil
}
