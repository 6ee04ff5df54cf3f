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
)

// ClassifySessionUseCase runs the single LLM field extraction over a closed
// session's accumulated evidence.
type ClassifySessionUseCase struct {
	sessions    ports.SessionRepository
	evidence    ports.EvidenceStore
	classifier  ports.SessionClassifier
	maxAttempts int
	backoff     time.Duration
	logger      *slog.Logger
}

func NewClassifySessionUseCase(
	sessions ports.SessionRepository,
	evidence ports.EvidenceStore,
	classifier ports.SessionClassifier,
	maxAttempts int,
	logger *slog.Logger,
) *ClassifySessionUseCase {
	if maxAttempts <= 0 {
		maxAttempts = 3
	}
	return &ClassifySessionUseCase{
		sessions:    sessions,
		evidence:    evidence,
		classifier:  classifier,
		maxAttempts: maxAttempts,
		backoff:     2 * time.Second,
		logger:      logger,
	}
}

// ClassifySession produces and persists the ClassificationResult for an
// awaiting session. Malformed LLM output is retried with the same input up
// to the attempt bound; exhaustion fails the session with a structured
// diagnostic that preserves the raw output, never a best-guess record.
func (uc *ClassifySessionUseCase) ClassifySession(ctx context.Context, sessionID string) (*domain.ClassificationResult, error) {
	session, err := uc.sessions.GetByID(ctx, sessionID)
	if err != nil {
		return nil, fmt.Errorf("fetch session: %w", err)
	}

	bundle, pages, err := uc.BundleForSession(ctx, session)
	if err != nil {
		return nil, err
	}

	var lastErr error
	var lastRaw string
	backoff := uc.backoff
	for attempt := 1; attempt <= uc.maxAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		result, raw, callErr := uc.classifier.Classify(ctx, bundle)
		lastRaw = raw
		if callErr == nil {
			callErr = result.Validate()
		}
		uc.auditAttempt(ctx, sessionID, bundle, raw, callErr)

		if callErr == nil {
			result.SuspectedQR = suspectedQR(bundle, pages)
			if err := uc.sessions.SaveClassification(ctx, sessionID, result); err != nil {
				return nil, fmt.Errorf("save classification: %w", err)
			}
			return result, nil
		}

		lastErr = callErr
		uc.logger.Warn("classification_attempt_failed",
			"session_id", sessionID,
			"attempt", attempt,
			"max_attempts", uc.maxAttempts,
			"error", callErr,
		)
		if attempt < uc.maxAttempts {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(backoff):
			}
			backoff *= 2
		}
	}

	diag := &domain.Diagnostic{
		Stage:      "classification",
		Attempts:   uc.maxAttempts,
		LastError:  lastErr.Error(),
		ErrorKind:  errorKind(lastErr),
		RawOutput:  lastRaw,
		RecordedAt: time.Now().UTC(),
	}
	if err := uc.evidence.RecordDiagnostic(ctx, sessionID, diag); err != nil {
		uc.logger.Error("record_diagnostic_failed", "session_id", sessionID, "error", err)
	}
	return nil, fmt.Errorf("classify session %s after %d attempts: %w", sessionID, uc.maxAttempts, lastErr)
}

// BundleForSession builds the ordered evidence bundle: page texts in member
// insertion order plus the deduplicated union of QR payloads.
func (uc *ClassifySessionUseCase) BundleForSession(ctx context.Context, session *domain.Session) (ports.EvidenceBundle, []domain.PageEvidence, error) {
	pages, err := uc.evidence.EvidenceForFiles(ctx, session.MemberFileIDs)
	if err != nil {
		return ports.EvidenceBundle{}, nil, fmt.Errorf("load session evidence: %w", err)
	}

	bundle := ports.EvidenceBundle{SessionID: session.ID}
	seen := make(map[string]struct{})
	for _, page := range pages {
		bundle.PageTexts = append(bundle.PageTexts, page.OCRText)
		for _, payload := range page.QRPayloads {
			if _, ok := seen[payload]; ok {
				continue
			}
			seen[payload] = struct{}{}
			bundle.QRPayloads = append(bundle.QRPayloads, payload)
		}
	}
	return bundle, pages, nil
}

// suspectedQR is true iff any QR payload decoded, or any non-failed page
// produced empty or near-empty OCR text despite carrying visible image
// content: the page is likely mostly a barcode or graphic. A genuinely
// blank page raises no suspicion.
func suspectedQR(bundle ports.EvidenceBundle, pages []domain.PageEvidence) bool {
	if len(bundle.QRPayloads) > 0 {
		return true
	}
	for _, page := range pages {
		if page.Failed || !page.NonEmptyImage {
			continue
		}
		if len(strings.TrimSpace(page.OCRText)) < domain.NearEmptyOCRThreshold {
			return true
		}
	}
	return false
}

func (uc *ClassifySessionUseCase) auditAttempt(ctx context.Context, sessionID string, bundle ports.EvidenceBundle, raw string, callErr error) {
	errDetail := ""
	if callErr != nil {
		errDetail = callErr.Error()
	}
	prompt := fmt.Sprintf("pages=%d qr_payloads=%d", len(bundle.PageTexts), len(bundle.QRPayloads))
	if err := uc.evidence.RecordLLMInteraction(ctx, sessionID, prompt, raw, errDetail); err != nil {
		uc.logger.Error("llm_audit_write_failed", "session_id", sessionID, "error", err)
	}
}

func errorKind(err error) string {
	switch {
	case domain.IsKind(err, domain.ErrSchemaValidation):
		return "SchemaValidationError"
	case domain.IsKind(err, domain.ErrTransientExternal),
		errors.Is(err, context.DeadlineExceeded):
		return "TransientExternalError"
	case domain.IsKind(err, domain.ErrPersistence):
		return "PersistenceError"
	default:
		return "UnknownError"
	}
}
