package ports

import (
	"context"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

// FileIngestor is the inbound contract for file-appeared events.
type FileIngestor interface {
	IngestFile(ctx context.Context, path string, discoveredAt time.Time) (*domain.RawFile, bool, error)
}

// SessionStatusReader answers status queries by session id or raw file path.
type SessionStatusReader interface {
	SessionStatus(ctx context.Context, sessionID string) (*domain.Session, error)
	StatusForPath(ctx context.Context, path string) (*domain.Session, error)
}

// SessionFlusher force-closes every collecting session so partial batches
// are classified instead of waiting out their timers.
type SessionFlusher interface {
	FlushOpen(ctx context.Context) error
}

// PipelineDriver is the inbound contract for the worker loop.
type PipelineDriver interface {
	HandleFileDiscovered(ctx context.Context, fileID string) error
	Sweep(ctx context.Context) error
	FlushOpen(ctx context.Context) error
}
