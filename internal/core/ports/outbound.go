package ports

import (
	"context"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

// EvidenceStore persists raw files, page evidence and failure diagnostics.
type EvidenceStore interface {
	// RecordFile is idempotent keyed by content hash. A re-ingestion of
	// identical bytes returns the existing file with duplicate=true.
	RecordFile(ctx context.Context, file *domain.RawFile) (duplicate bool, err error)
	// RecordPageEvidence may be called at most once per raw file; a second
	// call fails with domain.ErrEvidenceConflict.
	RecordPageEvidence(ctx context.Context, ev *domain.PageEvidence) error
	GetFile(ctx context.Context, id string) (*domain.RawFile, error)
	FindFileByPath(ctx context.Context, path string) (*domain.RawFile, error)
	UpdateExtractionState(ctx context.Context, fileID string, state domain.ExtractionState) error
	EvidenceForFiles(ctx context.Context, fileIDs []string) ([]domain.PageEvidence, error)
	RecordDiagnostic(ctx context.Context, sessionID string, diag *domain.Diagnostic) error
	RecordLLMInteraction(ctx context.Context, sessionID, prompt, response, errDetail string) error
}

// SessionRepository persists session state and the file->session index.
type SessionRepository interface {
	Create(ctx context.Context, session *domain.Session) error
	GetByID(ctx context.Context, id string) (*domain.Session, error)
	SessionIDForFile(ctx context.Context, fileID string) (string, error)
	AppendMember(ctx context.Context, sessionID, fileID string, at time.Time) error
	// ReassignMembers repoints every member of the source session to the
	// target in one statement, preserving insertion order after the target's
	// existing members.
	ReassignMembers(ctx context.Context, fromSessionID, toSessionID string, at time.Time) error
	UpdateState(ctx context.Context, id string, state domain.SessionState, forceClosed bool) error
	SaveClassification(ctx context.Context, id string, result *domain.ClassificationResult) error
	SaveOutputPaths(ctx context.Context, id string, paths *domain.OutputPaths) error
	ListByState(ctx context.Context, state domain.SessionState) ([]domain.Session, error)
}

// MessageQueue carries file-discovered events from the watcher to the worker.
type MessageQueue interface {
	PublishFileDiscovered(ctx context.Context, fileID string) error
	SubscribeFileDiscovered(ctx context.Context, handler func(context.Context, string) error) error
}

// ExtractedPage is the extraction output for one rendered page.
type ExtractedPage struct {
	Text       string
	Confidence float64
	QRPayloads []string
	// NonEmptyImage reports that the page had visible content even when OCR
	// produced no text, which feeds the suspected-QR signal.
	NonEmptyImage bool
}

// PageExtractor produces per-page text and QR payloads for one raw file.
// PDF sources may expand into multiple pages.
type PageExtractor interface {
	ExtractPages(ctx context.Context, path string) ([]ExtractedPage, error)
}

// EvidenceBundle is the ordered text plus QR payload union handed to the LLM.
type EvidenceBundle struct {
	SessionID  string
	PageTexts  []string
	QRPayloads []string
}

// SessionClassifier is the LLM collaborator. Classify returns the parsed
// result together with the raw model output for the audit log.
type SessionClassifier interface {
	Classify(ctx context.Context, bundle EvidenceBundle) (*domain.ClassificationResult, string, error)
	// SameDocument is the lightweight tie-break judgment the assembler uses
	// before closing a session.
	SameDocument(ctx context.Context, a, b EvidenceBundle) (bool, error)
}

// OutputWriter persists the final YAML record and Markdown summary.
// Implementations must be idempotent per session and crash-safe: a partially
// written artifact must never become visible.
type OutputWriter interface {
	Commit(ctx context.Context, session *domain.Session, result *domain.ClassificationResult) (*domain.OutputPaths, error)
}

// ThumbnailWriter renders best-effort per-page thumbnails. Failures are
// logged, never propagated into the commit.
type ThumbnailWriter interface {
	WriteThumbnails(ctx context.Context, session *domain.Session, sourcePaths []string) error
}
