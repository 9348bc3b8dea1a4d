package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/llm"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// SummarizationExecutor asks the model for a schema-validated summary and
// overwrites the document's summary field.
type SummarizationExecutor struct {
	docs       repository.DocumentRepository
	summarizer llm.Summarizer
	log        *slog.Logger
}

func NewSummarizationExecutor(docs repository.DocumentRepository, summarizer llm.Summarizer, log *slog.Logger) *SummarizationExecutor {
	return &SummarizationExecutor{docs: docs, summarizer: summarizer, log: log}
}

func (e *SummarizationExecutor) Stage() constants.Stage { return constants.StageSummarization }

func (e *SummarizationExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	doc, err := e.docs.Get(ctx, in.DocumentID)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("summarization: load document: %w", err)
	}
	if strings.TrimSpace(doc.ExtractedText) == "" {
		return Result{Error: "document has no extracted text"}, fmt.Errorf("summarization: document %s has no extracted text", in.DocumentID)
	}

	fields, _, err := e.summarizer.Summarize(ctx, llm.SummarizeRequest{
		Text:     doc.ExtractedText,
		Language: doc.Language,
	})
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("summarization: %w", err)
	}

	if err := e.docs.SetSummary(ctx, in.DocumentID, fields.Summary); err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("summarization: persist: %w", err)
	}

	e.log.Info("stage.summarization.ok",
		"document_id", in.DocumentID,
		"summary_len", len(fields.Summary),
		"key_points", len(fields.KeyPoints),
		"confidence", fields.Confidence,
	)
	return ok(map[string]any{
		"summaryLength": len(fields.Summary),
		"keyPoints":     len(fields.KeyPoints),
		"confidence":    fields.Confidence,
	}), nil
}
