package usecase

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
	"github.com/doublej/snail-mail-parser/internal/infrastructure/resilience"
)

func testLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

func testExecutor() *resilience.Executor {
	return resilience.NewExecutor(resilience.Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: time.Millisecond,
		RetryMaxBackoff:     2 * time.Millisecond,
		RetryMultiplier:     2.0,
		BreakerEnabled:      false,
	})
}

type llmAudit struct {
	sessionID string
	prompt    string
	response  string
	errDetail string
}

// memEvidence is an in-memory EvidenceStore honoring the port contracts:
// content-hash dedup and at-most-once evidence.
type memEvidence struct {
	mu           sync.Mutex
	files        map[string]*domain.RawFile
	byHash       map[string]string
	evidence     map[string]*domain.PageEvidence
	diagnostics  map[string][]*domain.Diagnostic
	interactions []llmAudit
}

func newMemEvidence() *memEvidence {
	return &memEvidence{
		files:       make(map[string]*domain.RawFile),
		byHash:      make(map[string]string),
		evidence:    make(map[string]*domain.PageEvidence),
		diagnostics: make(map[string][]*domain.Diagnostic),
	}
}

func (m *memEvidence) RecordFile(_ context.Context, file *domain.RawFile) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, dup := m.byHash[file.ContentHash]; dup {
		return true, nil
	}
	clone := *file
	m.files[file.ID] = &clone
	m.byHash[file.ContentHash] = file.ID
	return false, nil
}

func (m *memEvidence) RecordPageEvidence(_ context.Context, ev *domain.PageEvidence) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, exists := m.evidence[ev.RawFileID]; exists {
		return domain.WrapError(domain.ErrEvidenceConflict, "insert page evidence",
			fmt.Errorf("evidence already recorded for file %s", ev.RawFileID))
	}
	clone := *ev
	m.evidence[ev.RawFileID] = &clone
	return nil
}

func (m *memEvidence) GetFile(_ context.Context, id string) (*domain.RawFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrFileNotFound, "fetch raw file", fmt.Errorf("no raw file %s", id))
	}
	clone := *file
	return &clone, nil
}

func (m *memEvidence) FindFileByPath(_ context.Context, path string) (*domain.RawFile, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, file := range m.files {
		if file.Path == path {
			clone := *file
			return &clone, nil
		}
	}
	return nil, domain.WrapError(domain.ErrFileNotFound, "fetch raw file", fmt.Errorf("no raw file for %s", path))
}

func (m *memEvidence) UpdateExtractionState(_ context.Context, fileID string, state domain.ExtractionState) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	file, ok := m.files[fileID]
	if !ok {
		return domain.WrapError(domain.ErrFileNotFound, "update extraction state", fmt.Errorf("no raw file %s", fileID))
	}
	file.Extraction = state
	return nil
}

func (m *memEvidence) EvidenceForFiles(_ context.Context, fileIDs []string) ([]domain.PageEvidence, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]domain.PageEvidence, 0, len(fileIDs))
	for _, id := range fileIDs {
		if ev, ok := m.evidence[id]; ok {
			out = append(out, *ev)
		}
	}
	return out, nil
}

func (m *memEvidence) RecordDiagnostic(_ context.Context, sessionID string, diag *domain.Diagnostic) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *diag
	m.diagnostics[sessionID] = append(m.diagnostics[sessionID], &clone)
	return nil
}

func (m *memEvidence) RecordLLMInteraction(_ context.Context, sessionID, prompt, response, errDetail string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.interactions = append(m.interactions, llmAudit{sessionID, prompt, response, errDetail})
	return nil
}

func (m *memEvidence) addFile(file *domain.RawFile) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *file
	m.files[file.ID] = &clone
	m.byHash[file.ContentHash] = file.ID
}

func (m *memEvidence) addEvidence(ev *domain.PageEvidence) {
	m.mu.Lock()
	defer m.mu.Unlock()
	clone := *ev
	m.evidence[ev.RawFileID] = &clone
}

// memSessions is an in-memory SessionRepository. ReassignMembers removes the
// source session row, matching the Postgres implementation.
type memSessions struct {
	mu        sync.Mutex
	sessions  map[string]*domain.Session
	fileIndex map[string]string
}

func newMemSessions() *memSessions {
	return &memSessions{
		sessions:  make(map[string]*domain.Session),
		fileIndex: make(map[string]string),
	}
}

func cloneSession(s *domain.Session) *domain.Session {
	clone := *s
	clone.MemberFileIDs = append([]string(nil), s.MemberFileIDs...)
	return &clone
}

func (m *memSessions) Create(_ context.Context, session *domain.Session) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.sessions[session.ID] = cloneSession(session)
	for _, fileID := range session.MemberFileIDs {
		m.fileIndex[fileID] = session.ID
	}
	return nil
}

func (m *memSessions) GetByID(_ context.Context, id string) (*domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return nil, domain.WrapError(domain.ErrSessionNotFound, "fetch session", fmt.Errorf("no session %s", id))
	}
	return cloneSession(session), nil
}

func (m *memSessions) SessionIDForFile(_ context.Context, fileID string) (string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	id, ok := m.fileIndex[fileID]
	if !ok {
		return "", domain.WrapError(domain.ErrSessionNotFound, "lookup session for file",
			fmt.Errorf("file %s belongs to no session", fileID))
	}
	return id, nil
}

func (m *memSessions) AppendMember(_ context.Context, sessionID, fileID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[sessionID]
	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "append member", fmt.Errorf("no session %s", sessionID))
	}
	session.MemberFileIDs = append(session.MemberFileIDs, fileID)
	session.LastActivityAt = at
	m.fileIndex[fileID] = sessionID
	return nil
}

func (m *memSessions) ReassignMembers(_ context.Context, fromSessionID, toSessionID string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	from, ok := m.sessions[fromSessionID]
	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "reassign members", fmt.Errorf("no session %s", fromSessionID))
	}
	to, ok := m.sessions[toSessionID]
	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "reassign members", fmt.Errorf("no session %s", toSessionID))
	}
	to.MemberFileIDs = append(to.MemberFileIDs, from.MemberFileIDs...)
	to.LastActivityAt = at
	for _, fileID := range from.MemberFileIDs {
		m.fileIndex[fileID] = toSessionID
	}
	delete(m.sessions, fromSessionID)
	return nil
}

func (m *memSessions) UpdateState(_ context.Context, id string, state domain.SessionState, forceClosed bool) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "update session state", fmt.Errorf("no session %s", id))
	}
	session.State = state
	session.ForceClosed = session.ForceClosed || forceClosed
	if state != domain.StateCollecting && session.ClosedAt.IsZero() {
		session.ClosedAt = time.Now().UTC()
	}
	return nil
}

func (m *memSessions) SaveClassification(_ context.Context, id string, result *domain.ClassificationResult) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "save classification", fmt.Errorf("no session %s", id))
	}
	clone := *result
	session.Classification = &clone
	return nil
}

func (m *memSessions) SaveOutputPaths(_ context.Context, id string, paths *domain.OutputPaths) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return domain.WrapError(domain.ErrSessionNotFound, "save output paths", fmt.Errorf("no session %s", id))
	}
	clone := *paths
	session.OutputPaths = &clone
	return nil
}

func (m *memSessions) ListByState(_ context.Context, state domain.SessionState) ([]domain.Session, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []domain.Session
	for _, session := range m.sessions {
		if session.State == state {
			out = append(out, *cloneSession(session))
		}
	}
	return out, nil
}

func (m *memSessions) stateOf(id string) domain.SessionState {
	m.mu.Lock()
	defer m.mu.Unlock()
	session, ok := m.sessions[id]
	if !ok {
		return ""
	}
	return session.State
}

type fakeQueue struct {
	mu        sync.Mutex
	published []string
	publishFn func(fileID string) error
}

func (q *fakeQueue) PublishFileDiscovered(_ context.Context, fileID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	if q.publishFn != nil {
		if err := q.publishFn(fileID); err != nil {
			return err
		}
	}
	q.published = append(q.published, fileID)
	return nil
}

func (q *fakeQueue) SubscribeFileDiscovered(context.Context, func(context.Context, string) error) error {
	return nil
}

type fakeExtractor struct {
	mu    sync.Mutex
	pages map[string][]ports.ExtractedPage
	errs  map[string]error
	calls map[string]int
}

func (f *fakeExtractor) ExtractPages(_ context.Context, path string) ([]ports.ExtractedPage, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.calls == nil {
		f.calls = make(map[string]int)
	}
	f.calls[path]++
	if err, ok := f.errs[path]; ok {
		return nil, err
	}
	return f.pages[path], nil
}

type classifyReply struct {
	result *domain.ClassificationResult
	raw    string
	err    error
}

type fakeClassifier struct {
	mu       sync.Mutex
	replies  []classifyReply
	calls    int
	same     bool
	sameErr  error
	sameLogs [][2]string
}

func (f *fakeClassifier) Classify(_ context.Context, bundle ports.EvidenceBundle) (*domain.ClassificationResult, string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if len(f.replies) == 0 {
		return nil, "", fmt.Errorf("no scripted reply for call %d", f.calls)
	}
	reply := f.replies[0]
	if len(f.replies) > 1 {
		f.replies = f.replies[1:]
	}
	return reply.result, reply.raw, reply.err
}

func (f *fakeClassifier) SameDocument(_ context.Context, a, b ports.EvidenceBundle) (bool, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.sameLogs = append(f.sameLogs, [2]string{a.SessionID, b.SessionID})
	return f.same, f.sameErr
}

func validResult() *domain.ClassificationResult {
	return &domain.ClassificationResult{
		Sender:         "Energy Co",
		Date:           "2026-08-12",
		Subject:        "August invoice",
		DocumentType:   domain.TypeInvoice,
		ContentSummary: "Monthly energy invoice.",
		Confidence:     0.9,
	}
}

type fakeWriter struct {
	mu      sync.Mutex
	commits int
	err     error
}

func (f *fakeWriter) Commit(_ context.Context, session *domain.Session, _ *domain.ClassificationResult) (*domain.OutputPaths, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.commits++
	if f.err != nil {
		return nil, f.err
	}
	return &domain.OutputPaths{
		YAML:     "/out/sender/" + session.ID + ".yaml",
		Markdown: "/out/sender/" + session.ID + ".md",
	}, nil
}

type fakeThumbnailer struct {
	mu    sync.Mutex
	calls int
	err   error
}

func (f *fakeThumbnailer) WriteThumbnails(context.Context, *domain.Session, []string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	return f.err
}
