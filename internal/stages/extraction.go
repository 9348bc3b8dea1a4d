package stages

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"unicode/utf8"

	"github.com/pdfcpu/pdfcpu/pkg/api"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// ExtractionExecutor pulls plain text out of the stored file and overwrites
// the document's extracted_text. PDFs go through pdfcpu content extraction;
// everything else is treated as UTF-8 text.
type ExtractionExecutor struct {
	docs        repository.DocumentRepository
	artifactDir string
	log         *slog.Logger
}

func NewExtractionExecutor(docs repository.DocumentRepository, artifactDir string, log *slog.Logger) *ExtractionExecutor {
	if artifactDir == "" {
		artifactDir = os.TempDir()
	}
	return &ExtractionExecutor{docs: docs, artifactDir: artifactDir, log: log}
}

func (e *ExtractionExecutor) Stage() constants.Stage { return constants.StageExtraction }

func (e *ExtractionExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	doc, err := e.docs.Get(ctx, in.DocumentID)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("extraction: load document: %w", err)
	}
	path := in.StoragePath
	if path == "" {
		path = doc.StoragePath
	}

	var text string
	var pages int
	if strings.HasPrefix(doc.ContentType, "application/pdf") || strings.EqualFold(filepath.Ext(path), ".pdf") {
		text, pages, err = e.extractPDF(path)
	} else {
		text, err = readTextFile(path)
	}
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("extraction: %w", err)
	}
	if strings.TrimSpace(text) == "" {
		// Empty text is a validation failure, not a transient error, but the
		// queue treats both identically; retries exhaust quickly.
		return Result{Error: "no extractable text"}, fmt.Errorf("extraction: no extractable text in %s", path)
	}

	if err := e.docs.SetExtractedText(ctx, in.DocumentID, text); err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("extraction: persist text: %w", err)
	}

	e.log.Info("stage.extraction.ok",
		"document_id", in.DocumentID,
		"chars", len(text),
		"pages", pages,
	)
	return ok(map[string]any{"chars": len(text), "pages": pages}), nil
}

func (e *ExtractionExecutor) extractPDF(path string) (string, int, error) {
	if err := api.ValidateFile(path, nil); err != nil {
		return "", 0, fmt.Errorf("invalid pdf: %w", err)
	}
	pages, err := api.PageCountFile(path)
	if err != nil {
		return "", 0, fmt.Errorf("page count: %w", err)
	}

	outDir, err := os.MkdirTemp(e.artifactDir, "extract-*")
	if err != nil {
		return "", 0, err
	}
	defer os.RemoveAll(outDir)

	if err := api.ExtractContentFile(path, outDir, nil, nil); err != nil {
		return "", 0, fmt.Errorf("extract content: %w", err)
	}

	entries, err := os.ReadDir(outDir)
	if err != nil {
		return "", 0, err
	}
	var b strings.Builder
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		raw, err := os.ReadFile(filepath.Join(outDir, entry.Name()))
		if err != nil {
			return "", 0, err
		}
		b.WriteString(textFromContentStream(string(raw)))
		b.WriteString("\n")
	}
	return b.String(), pages, nil
}

// textFromContentStream pulls string literals out of a PDF content stream.
// Best effort: scanned PDFs carry no text operators and need OCR upstream.
func textFromContentStream(content string) string {
	var b strings.Builder
	depth := 0
	escaped := false
	for i := 0; i < len(content); i++ {
		ch := content[i]
		if depth > 0 {
			switch {
			case escaped:
				switch ch {
				case 'n':
					b.WriteByte('\n')
				case 't':
					b.WriteByte('\t')
				case '(', ')', '\\':
					b.WriteByte(ch)
				}
				escaped = false
			case ch == '\\':
				escaped = true
			case ch == '(':
				depth++
			case ch == ')':
				depth--
				if depth == 0 {
					b.WriteByte(' ')
				}
			default:
				b.WriteByte(ch)
			}
			continue
		}
		if ch == '(' {
			depth = 1
		}
	}
	return b.String()
}

func readTextFile(path string) (string, error) {
	raw, err := os.ReadFile(path)
	if err != nil {
		return "", err
	}
	if !utf8.Valid(raw) {
		return "", fmt.Errorf("%s is not valid UTF-8 text", filepath.Base(path))
	}
	return string(raw), nil
}
