package stages

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/gabriel-vasile/mimetype"

	"github.com/inkwell-ai/inkwell/constants"
	"github.com/inkwell-ai/inkwell/internal/repository"
)

// IngestionExecutor verifies the uploaded file is readable, fingerprints it
// and records the sniffed content type on the document.
type IngestionExecutor struct {
	docs repository.DocumentRepository
	log  *slog.Logger
}

func NewIngestionExecutor(docs repository.DocumentRepository, log *slog.Logger) *IngestionExecutor {
	return &IngestionExecutor{docs: docs, log: log}
}

func (e *IngestionExecutor) Stage() constants.Stage { return constants.StageIngestion }

func (e *IngestionExecutor) Execute(ctx context.Context, in Input) (Result, error) {
	if in.StoragePath == "" {
		return Result{Error: "storagePath is required"}, fmt.Errorf("ingestion: storagePath is required")
	}

	info, err := os.Stat(in.StoragePath)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("ingestion: stat: %w", err)
	}
	if info.IsDir() {
		return Result{Error: "storagePath is a directory"}, fmt.Errorf("ingestion: %s is a directory", in.StoragePath)
	}

	f, err := os.Open(in.StoragePath)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("ingestion: open: %w", err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("ingestion: hash: %w", err)
	}
	checksum := hex.EncodeToString(h.Sum(nil))

	mtype, err := mimetype.DetectFile(in.StoragePath)
	if err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("ingestion: detect type: %w", err)
	}

	if err := e.docs.SetContentType(ctx, in.DocumentID, mtype.String()); err != nil {
		return Result{Error: err.Error()}, fmt.Errorf("ingestion: persist content type: %w", err)
	}

	e.log.Info("stage.ingestion.ok",
		"document_id", in.DocumentID,
		"size_bytes", info.Size(),
		"content_type", mtype.String(),
	)
	return ok(map[string]any{
		"sizeBytes":   info.Size(),
		"checksum":    checksum,
		"contentType": mtype.String(),
	}), nil
}
