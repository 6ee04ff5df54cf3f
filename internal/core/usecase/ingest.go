package usecase

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"io"
	"log/slog"
	"os"
	"time"

	"github.com/google/uuid"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

type IngestFileUseCase struct {
	evidence ports.EvidenceStore
	queue    ports.MessageQueue
	logger   *slog.Logger
}

func NewIngestFileUseCase(
	evidence ports.EvidenceStore,
	queue ports.MessageQueue,
	logger *slog.Logger,
) *IngestFileUseCase {
	return &IngestFileUseCase{
		evidence: evidence,
		queue:    queue,
		logger:   logger,
	}
}

// IngestFile records a file-appeared event. Re-ingestion of identical bytes
// is a no-op reported as duplicate, never an error.
func (uc *IngestFileUseCase) IngestFile(ctx context.Context, path string, discoveredAt time.Time) (*domain.RawFile, bool, error) {
	hash, err := hashFileContent(path)
	if err != nil {
		return nil, false, fmt.Errorf("hash file content: %w", err)
	}

	file := &domain.RawFile{
		ID:           uuid.NewString(),
		Path:         path,
		ContentHash:  hash,
		DiscoveredAt: discoveredAt.UTC(),
		Extraction:   domain.ExtractionPending,
	}

	duplicate, err := uc.evidence.RecordFile(ctx, file)
	if err != nil {
		return nil, false, fmt.Errorf("record raw file: %w", err)
	}
	if duplicate {
		uc.logger.Info("duplicate_ingestion", "path", path, "content_hash", hash)
		return file, true, nil
	}

	if err := uc.queue.PublishFileDiscovered(ctx, file.ID); err != nil {
		return nil, false, fmt.Errorf("publish discovery event: %w", err)
	}
	return file, false, nil
}

func hashFileContent(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", fmt.Errorf("open %s: %w", path, err)
	}
	defer f.Close()

	h := sha256.New()
	if _, err := io.Copy(h, f); err != nil {
		return "", fmt.Errorf("read %s: %w", path, err)
	}
	return hex.EncodeToString(h.Sum(nil)), nil
}
