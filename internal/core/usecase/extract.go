package usecase

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/resilience"
)

// ExtractFileUseCase turns one RawFile into its PageEvidence. Runs
// independently of session boundaries so pages can be OCR'd before their
// session is identified.
type ExtractFileUseCase struct {
	evidence  ports.EvidenceStore
	extractor ports.PageExtractor
	executor  *resilience.Executor
	logger    *slog.Logger
}

func NewExtractFileUseCase(
	evidence ports.EvidenceStore,
	extractor ports.PageExtractor,
	executor *resilience.Executor,
	logger *slog.Logger,
) *ExtractFileUseCase {
	return &ExtractFileUseCase{
		evidence:  evidence,
		extractor: extractor,
		executor:  executor,
		logger:    logger,
	}
}

// ExtractByID produces exactly one PageEvidence for the file. Transient
// extraction failures are retried with bounded backoff; exhaustion records a
// failed evidence row so the session is never blocked by one bad page.
func (uc *ExtractFileUseCase) ExtractByID(ctx context.Context, fileID string) (*domain.PageEvidence, error) {
	file, err := uc.evidence.GetFile(ctx, fileID)
	if err != nil {
		return nil, fmt.Errorf("fetch raw file: %w", err)
	}
	if file.Extraction != domain.ExtractionPending {
		return nil, domain.WrapError(domain.ErrEvidenceConflict, "extract file",
			fmt.Errorf("file %s already in extraction state %s", fileID, file.Extraction))
	}

	var pages []ports.ExtractedPage
	err = uc.executor.Execute(ctx, "extract.pages", func(callCtx context.Context) error {
		var callErr error
		pages, callErr = uc.extractor.ExtractPages(callCtx, file.Path)
		return callErr
	}, classifyExtractionError)

	if err != nil {
		ev := &domain.PageEvidence{
			RawFileID:   file.ID,
			Failed:      true,
			QRPayloads:  []string{},
			ExtractedAt: time.Now().UTC(),
		}
		if recErr := uc.evidence.RecordPageEvidence(ctx, ev); recErr != nil {
			return nil, fmt.Errorf("%w; record failed evidence: %v", err, recErr)
		}
		if stateErr := uc.evidence.UpdateExtractionState(ctx, file.ID, domain.ExtractionFailed); stateErr != nil {
			return nil, fmt.Errorf("%w; mark extraction failed: %v", err, stateErr)
		}
		uc.logger.Warn("extraction_failed", "file_id", file.ID, "path", file.Path, "error", err)
		return ev, nil
	}

	ev := mergePages(file.ID, pages)
	if err := uc.evidence.RecordPageEvidence(ctx, ev); err != nil {
		return nil, fmt.Errorf("record page evidence: %w", err)
	}
	if err := uc.evidence.UpdateExtractionState(ctx, file.ID, domain.ExtractionDone); err != nil {
		return nil, fmt.Errorf("mark extraction done: %w", err)
	}
	return ev, nil
}

// mergePages folds a multi-page source (a PDF) into the single evidence row
// owned by its RawFile: texts concatenated in page order, QR payloads
// deduplicated, confidence averaged over pages that produced text, and the
// visible-content signal carried over so a blank scan stays distinguishable
// from an unreadable one.
func mergePages(fileID string, pages []ports.ExtractedPage) *domain.PageEvidence {
	var texts []string
	var confSum float64
	var confCount int
	var nonEmpty bool
	seen := make(map[string]struct{})
	payloads := []string{}

	for _, page := range pages {
		if text := strings.TrimSpace(page.Text); text != "" {
			texts = append(texts, text)
			confSum += page.Confidence
			confCount++
		}
		nonEmpty = nonEmpty || page.NonEmptyImage
		for _, payload := range page.QRPayloads {
			if _, ok := seen[payload]; ok {
				continue
			}
			seen[payload] = struct{}{}
			payloads = append(payloads, payload)
		}
	}

	ev := &domain.PageEvidence{
		RawFileID:     fileID,
		OCRText:       strings.Join(texts, "\n\n"),
		QRPayloads:    payloads,
		NonEmptyImage: nonEmpty,
		ExtractedAt:   time.Now().UTC(),
	}
	if confCount > 0 {
		ev.OCRConfidence = confSum / float64(confCount)
	}
	return ev
}

func classifyExtractionError(err error) resilience.ErrorClassification {
	if err == nil {
		return resilience.ErrorClassification{}
	}
	if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	if domain.IsKind(err, domain.ErrInvalidInput) {
		return resilience.ErrorClassification{Retryable: false, RecordFailure: false}
	}
	// OCR engines and PDF rendering fail transiently under memory and I/O
	// pressure; default to retry-eligible.
	return resilience.ErrorClassification{Retryable: true, RecordFailure: true}
}
