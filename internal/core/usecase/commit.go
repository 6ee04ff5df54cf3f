package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/resilience"
)

// CommitSessionUseCase persists the final artifacts and marks the session
// committed. Commit is idempotent: a re-run yields byte-identical artifacts.
type CommitSessionUseCase struct {
	sessions   ports.SessionRepository
	evidence   ports.EvidenceStore
	writer     ports.OutputWriter
	thumbnails ports.ThumbnailWriter
	executor   *resilience.Executor
	logger     *slog.Logger
}

func NewCommitSessionUseCase(
	sessions ports.SessionRepository,
	evidence ports.EvidenceStore,
	writer ports.OutputWriter,
	thumbnails ports.ThumbnailWriter,
	executor *resilience.Executor,
	logger *slog.Logger,
) *CommitSessionUseCase {
	return &CommitSessionUseCase{
		sessions:   sessions,
		evidence:   evidence,
		writer:     writer,
		thumbnails: thumbnails,
		executor:   executor,
		logger:     logger,
	}
}

// CommitSession writes the YAML record and Markdown summary, then records
// output paths. Thumbnail generation is best-effort; its failure never
// blocks the commit of the primary record.
func (uc *CommitSessionUseCase) CommitSession(ctx context.Context, sessionID string) (*domain.OutputPaths, error) {
	session, err := uc.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}
	if session.Classification == nil {
		return nil, domain.WrapError(domain.ErrInvalidInput, "commit session",
			fmt.Errorf("session %s has no classification result", sessionID))
	}

	var paths *domain.OutputPaths
	err = uc.executor.Execute(ctx, "output.commit", func(callCtx context.Context) error {
		var commitErr error
		paths, commitErr = uc.writer.Commit(callCtx, session, session.Classification)
		return commitErr
	}, classifyPersistenceError)
	if err != nil {
		diag := &domain.Diagnostic{
			Stage:      "commit",
			Attempts:   1,
			LastError:  err.Error(),
			ErrorKind:  "PersistenceError",
			RecordedAt: time.Now().UTC(),
		}
		if diagErr := uc.evidence.RecordDiagnostic(ctx, sessionID, diag); diagErr != nil {
			uc.logger.Error("record_diagnostic_failed", "session_id", sessionID, "error", diagErr)
		}
		return nil, domain.WrapError(domain.ErrPersistence, "commit session", err)
	}

	if err := uc.sessions.SaveOutputPaths(ctx, sessionID, paths); err != nil {
		return nil, fmt.Errorf("save output paths: %w", err)
	}

	if uc.thumbnails != nil {
		uc.writeThumbnails(ctx, session)
	}
	return paths, nil
}

func (uc *CommitSessionUseCase) writeThumbnails(ctx context.Context, session *domain.Session) {
	sourcePaths := make([]string, 0, len(session.MemberFileIDs))
	for _, fileID := range session.MemberFileIDs {
		file, err := uc.evidence.GetFile(ctx, fileID)
		if err != nil {
			uc.logger.Warn("thumbnail_source_missing", "session_id", session.ID, "file_id", fileID, "error", err)
			continue
		}
		sourcePaths = append(sourcePaths, file.Path)
	}
	if err := uc.thumbnails.WriteThumbnails(ctx, session, sourcePaths); err != nil {
		uc.logger.Warn("thumbnail_generation_failed", "session_id", session.ID, "error", err)
	}
}

func classifyPersistenceError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
