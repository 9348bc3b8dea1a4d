package stages

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// LanguageExecutor detects the document language by stopword frequency and
// overwrites the document's language field. Unknown languages resolve to
// "en" with zero confidence rather than failing the pipeline.
type LanguageExecutor struct {
	docs repository.DocumentRepository
	log  *slog.Logger
}

func NewLanguageExecutor(docs repository.DocumentRepository, log *slog.Logger) *LanguageExecutor {
	return &LanguageExecutor{docs: docs, log: log}
}

func (e *LanguageExecutor) Stage() constants.Stage { return constants.StageLanguage }

// stopwords per ISO 639-1 code. Short, high-frequency function words only.
var stopwords = map[string][]string{
	"en": {"the", "and", "of", "to", "in", "is", "that", "it", "for", "was", "with", "are"},
	"es": {"el", "la", "de", "que", "y", "en", "los", "del", "se", "las", "por", "un"},
	"fr": {"le", "la", "de", "et", "les", "des", "est", "un", "une", "que", "dans", "pour"},
	"de": {"der", "die", "und", "das", "ist", "von", "den", "mit", "nicht", "ein", "auf", "sich"},
	"pt": {"de", "que", "e", "o", "da", "em", "um", "para", "com", "uma", "os", "não"},
	"it": {"di", "che", "e", "il", "la", "per", "un", "in", "una", "sono", "non", "del"},
}

func (e *LanguageExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	doc, err := e.docs.Get(ctx, in.DocumentID)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("language: load document: %w", err)
	}
	if strings.TrimSpace(doc.ExtractedText) == "" {
		return Result{Error: "document has no extracted text"}, fmt.Errorf("language: document %s has no extracted text", in.DocumentID)
	}

	lang, confidence := DetectLanguage(doc.ExtractedText)
	if err := e.docs.SetLanguage(ctx, in.DocumentID, lang); err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("language: persist: %w", err)
	}

	e.log.Info("stage.language.ok", "document_id", in.DocumentID, "language", lang, "confidence", confidence)
	return ok(map[string]any{"language": lang, "confidence": confidence}), nil
}

// DetectLanguage scores stopword hits per language over the first part of
// the text and returns the winner with a 0..1 confidence.
func DetectLanguage(text string) (string, float64) {
	if len(text) > 20000 {
		text = text[:20000]
	}
	words := strings.Fields(strings.ToLower(text))
	if len(words) == 0 {
		return "en", 0
	}

	scores := make(map[string]int, len(stopwords))
	for _, w := range words {
		w = strings.Trim(w, ".,;:!?\"'()[]")
		for lang, stops := range stopwords {
			for _, s := range stops {
				if w == s {
					scores[lang]++
					break
				}
			}
		}
	}

	best, bestScore, total := "en", 0, 0
	for lang, n := range scores {
		total += n
		if n > bestScore || (n == bestScore && lang < best) {
			best, bestScore = lang, n
		}
	}
	if bestScore == 0 {
		return "en", 0
	}
	return best, float64(bestScore) / float64(total)
}
