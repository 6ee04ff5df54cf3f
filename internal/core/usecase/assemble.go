package usecase

import (
	"context"
	"fmt"
	"log/slog"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
	"github.com/doublej/snail-mail-parser/internal/core/ports"
)

type AssemblerConfig struct {
	GroupingWindow time.Duration
	QuietPeriod    time.Duration
	MaxIdle        time.Duration
	PageCeiling    int
}

// openSession is the in-memory arena entry for one collecting session. The
// fileIndex maps RawFile id -> session id so merges are pointer reassignment,
// not graph rewiring.
type openSession struct {
	id           string
	stem         string
	pageCount    int
	openedAt     time.Time
	lastActivity time.Time
}

// Assembler decides which RawFiles constitute one physical mail item. It is
// not goroutine-safe; the coordinator serializes every call.
type Assembler struct {
	sessions ports.SessionRepository
	cfg      AssemblerConfig
	logger   *slog.Logger

	open      map[string]*openSession
	order     []string // open session ids, oldest first
	fileIndex map[string]string
}

func NewAssembler(sessions ports.SessionRepository, cfg AssemblerConfig, logger *slog.Logger) *Assembler {
	return &Assembler{
		sessions:  sessions,
		cfg:       cfg,
		logger:    logger,
		open:      make(map[string]*openSession),
		fileIndex: make(map[string]string),
	}
}

// sequenceSuffix matches trailing page markers like _p1, -02, " page 3".
var sequenceSuffix = regexp.MustCompile(`(?i)[_\-. ](?:p(?:age)?[_\-. ]?)?\d{1,3}$`)

// fileStem reduces a path to the shared-prefix grouping key: base name,
// lowercased, extension and trailing sequence suffix stripped.
func fileStem(path string) string {
	base := strings.ToLower(strings.TrimSuffix(filepath.Base(path), filepath.Ext(path)))
	return sequenceSuffix.ReplaceAllString(base, "")
}

// Restore rebuilds the open-session arena from durable state after a restart.
func (a *Assembler) Restore(ctx context.Context, evidence ports.EvidenceStore) error {
	collecting, err := a.sessions.ListByState(ctx, domain.StateCollecting)
	if err != nil {
		return fmt.Errorf("list collecting sessions: %w", err)
	}
	for i := range collecting {
		sess := collecting[i]
		entry := &openSession{
			id:           sess.ID,
			pageCount:    len(sess.MemberFileIDs),
			openedAt:     sess.OpenedAt,
			lastActivity: sess.LastActivityAt,
		}
		for _, fileID := range sess.MemberFileIDs {
			a.fileIndex[fileID] = sess.ID
			if entry.stem == "" {
				if file, err := evidence.GetFile(ctx, fileID); err == nil {
					entry.stem = fileStem(file.Path)
				}
			}
		}
		a.open[sess.ID] = entry
		a.order = append(a.order, sess.ID)
	}
	return nil
}

// AssignFile places a file in an open session or opens a new one. A file
// joins an existing session only when the filename stem matches and the
// session saw activity within the grouping window; otherwise the arrival of
// an unrelated file starts its own session and implicitly ends the window
// chain of older ones.
func (a *Assembler) AssignFile(ctx context.Context, file *domain.RawFile) (string, error) {
	if existing, ok := a.fileIndex[file.ID]; ok {
		return existing, nil
	}

	stem := fileStem(file.Path)
	now := file.DiscoveredAt

	for i := len(a.order) - 1; i >= 0; i-- {
		entry := a.open[a.order[i]]
		if entry == nil || entry.stem != stem {
			continue
		}
		if now.Sub(entry.lastActivity) > a.cfg.GroupingWindow {
			continue
		}
		if err := a.sessions.AppendMember(ctx, entry.id, file.ID, now); err != nil {
			return "", fmt.Errorf("append session member: %w", err)
		}
		entry.pageCount++
		entry.lastActivity = now
		a.fileIndex[file.ID] = entry.id
		a.logger.Info("session_member_added", "session_id", entry.id, "file_id", file.ID, "pages", entry.pageCount)
		return entry.id, nil
	}

	session := &domain.Session{
		ID:             uuid.NewString(),
		MemberFileIDs:  []string{file.ID},
		State:          domain.StateCollecting,
		OpenedAt:       now,
		LastActivityAt: now,
	}
	if err := a.sessions.Create(ctx, session); err != nil {
		return "", fmt.Errorf("create session: %w", err)
	}
	a.open[session.ID] = &openSession{
		id:           session.ID,
		stem:         stem,
		pageCount:    1,
		openedAt:     now,
		lastActivity: now,
	}
	a.order = append(a.order, session.ID)
	a.fileIndex[file.ID] = session.ID
	a.logger.Info("session_opened", "session_id", session.ID, "file_id", file.ID, "stem", stem)
	return session.ID, nil
}

// CloseDecision is one action the sweep decided for an open session.
type CloseDecision struct {
	SessionID string
	// CandidateID is the adjacent collecting session to consult the
	// same-document judgment against; empty when none exists.
	CandidateID string
	// Force marks the max-idle liveness close that skips the tie-break.
	Force bool
}

// DueSessions snapshots which collecting sessions are ready to leave the
// collecting state. Called on a periodic sweep so the cost stays
// O(open sessions) per tick.
func (a *Assembler) DueSessions(now time.Time) []CloseDecision {
	var due []CloseDecision
	for idx, id := range a.order {
		entry := a.open[id]
		if entry == nil {
			continue
		}
		idle := now.Sub(entry.lastActivity)
		if idle >= a.cfg.MaxIdle {
			due = append(due, CloseDecision{SessionID: id, Force: true})
			continue
		}
		if idle >= a.cfg.QuietPeriod || entry.pageCount >= a.cfg.PageCeiling {
			due = append(due, CloseDecision{
				SessionID:   id,
				CandidateID: a.adjacentCandidate(idx),
			})
		}
	}
	return due
}

// adjacentCandidate returns the next open session in opened order, the only
// merge partner the single-pass rule considers.
func (a *Assembler) adjacentCandidate(idx int) string {
	for next := idx + 1; next < len(a.order); next++ {
		if a.open[a.order[next]] != nil {
			return a.order[next]
		}
	}
	return ""
}

// IsOpen reports whether a session is still collecting. Merge decisions are
// re-checked against this after the unlocked tie-break call.
func (a *Assembler) IsOpen(sessionID string) bool {
	return a.open[sessionID] != nil
}

// Merge folds the source session into the target. Legal only while both are
// still collecting; the caller verified that under the coordinator lock.
func (a *Assembler) Merge(ctx context.Context, sourceID, targetID string) error {
	source, target := a.open[sourceID], a.open[targetID]
	if source == nil || target == nil {
		return domain.WrapError(domain.ErrInvalidInput, "merge sessions",
			fmt.Errorf("merge %s into %s: both must be collecting", sourceID, targetID))
	}

	now := time.Now().UTC()
	if err := a.sessions.ReassignMembers(ctx, sourceID, targetID, now); err != nil {
		return fmt.Errorf("reassign session members: %w", err)
	}
	for fileID, sessID := range a.fileIndex {
		if sessID == sourceID {
			a.fileIndex[fileID] = targetID
		}
	}
	target.pageCount += source.pageCount
	target.lastActivity = now
	a.dropOpen(sourceID)
	a.logger.Info("sessions_merged", "source", sourceID, "target", targetID, "pages", target.pageCount)
	return nil
}

// Close transitions a collecting session to awaiting_classification. The
// forced flag records the liveness close taken on max-idle timeout.
func (a *Assembler) Close(ctx context.Context, sessionID string, forced bool) error {
	if a.open[sessionID] == nil {
		return domain.WrapError(domain.ErrSessionNotFound, "close session",
			fmt.Errorf("session %s is not collecting", sessionID))
	}
	if err := a.sessions.UpdateState(ctx, sessionID, domain.StateAwaiting, forced); err != nil {
		return fmt.Errorf("close session: %w", err)
	}
	a.dropOpen(sessionID)
	if forced {
		a.logger.Warn("session_force_closed", "session_id", sessionID)
	} else {
		a.logger.Info("session_closed", "session_id", sessionID)
	}
	return nil
}

// OpenSessionIDs lists collecting sessions oldest first.
func (a *Assembler) OpenSessionIDs() []string {
	ids := make([]string, 0, len(a.open))
	for _, id := range a.order {
		if a.open[id] != nil {
			ids = append(ids, id)
		}
	}
	return ids
}

func (a *Assembler) dropOpen(sessionID string) {
	delete(a.open, sessionID)
	for i, id := range a.order {
		if id == sessionID {
			a.order = append(a.order[:i], a.order[i+1:]...)
			break
		}
	}
	// Index entries for a merged session were repointed before the drop;
	// anything still referencing it belongs to a closed session.
	for fileID, sessID := range a.fileIndex {
		if sessID == sessionID {
			delete(a.fileIndex, fileID)
		}
	}
}
