package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// Chunk strategies.
const (
	StrategyFixed    = "fixed"
	StrategySentence = "sentence"
)

// ChunkingExecutor slices extracted text into overlapping chunks and
// replaces the document's chunk set wholesale, so a re-run never duplicates.
type ChunkingExecutor struct {
	docs repository.DocumentRepository
	log  *slog.Logger
}

func NewChunkingExecutor(docs repository.DocumentRepository, log *slog.Logger) *ChunkingExecutor {
	return &ChunkingExecutor{docs: docs, log: log}
}

func (e *ChunkingExecutor) Stage() constants.Stage { return constants.StageChunking }

func (e *ChunkingExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	doc, err := e.docs.Get(ctx, in.DocumentID)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("chunking: load document: %w", err)
	}
	if strings.TrimSpace(doc.ExtractedText) == "" {
		return Result{Error: "document has no extracted text"}, fmt.Errorf("chunking: document %s has no extracted text", in.DocumentID)
	}

	size := in.ChunkSize
	if size <= 0 {
		size = 1000
	}
	overlap := in.ChunkOverlap
	if overlap < 0 || overlap >= size {
		overlap = 0
	}
	strategy := in.ChunkStrategy
	if strategy == "" {
		strategy = StrategySentence
	}

	pieces := ChunkText(doc.ExtractedText, size, overlap, strategy)
	chunks := make([]repository.Chunk, len(pieces))
	for i, p := range pieces {
		chunks[i] = repository.Chunk{
			Seq:        i,
			Content:    p,
			TokenCount: len(strings.Fields(p)),
		}
	}
	if err := e.docs.ReplaceChunks(ctx, in.DocumentID, chunks); err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("chunking: persist: %w", err)
	}

	e.log.Info("stage.chunking.ok",
		"document_id", in.DocumentID,
		"chunks", len(chunks),
		"strategy", strategy,
	)
	return ok(map[string]any{"chunks": len(chunks), "strategy": strategy}), nil
}

// ChunkText splits text into chunks of at most size characters with the
// given overlap. The sentence strategy prefers breaking at sentence ends
// inside the window; fixed cuts at exact offsets.
func ChunkText(text string, size, overlap int, strategy string) []string {
	text = strings.TrimSpace(text)
	if text == "" {
		return nil
	}
	if size <= 0 {
		return []string{text}
	}
	if overlap < 0 || overlap >= size {
		overlap = 0
	}

	var out []string
	for start := 0; start < len(text); {
		end := start + size
		if end >= len(text) {
			out = append(out, strings.TrimSpace(text[start:]))
			break
		}
		if strategy == StrategySentence {
			if cut := lastSentenceEnd(text[start:end]); cut > 0 {
				end = start + cut
			}
		}
		out = append(out, strings.TrimSpace(text[start:end]))
		next := end - overlap
		if next <= start {
			// Overlap would stall the walk; advance past the window.
			next = end
		}
		start = next
	}
	return out
}

// lastSentenceEnd returns the index just past the last sentence terminator
// in s, or 0 when none exists past the midpoint (a too-early break would
// produce degenerate chunks).
func lastSentenceEnd(s string) int {
	for i := len(s) - 1; i > len(s)/2; i-- {
		switch s[i] {
		case '.', '!', '?', '\n':
			return i + 1
		}
	}
	return 0
}
