package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

type SessionRepository struct {
	db *sql.DB
}

func NewSessionRepository(db *sql.DB) *SessionRepository {
	return &SessionRepository{db: db}
}

func (r *SessionRepository) Create(ctx context.Context, session *domain.Session) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin create session tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO sessions (id, state, opened_at, last_activity_at, force_closed)
VALUES ($1,$2,$3,$4,$5)
`,
		session.ID, string(session.State), session.OpenedAt, session.LastActivityAt, session.ForceClosed,
	)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert session", err)
	}

	for _, fileID := range session.MemberFileIDs {
		_, err = tx.ExecContext(ctx, `
INSERT INTO session_members (raw_file_id, session_id, added_at)
VALUES ($1,$2,$3)
`,
			fileID, session.ID, session.LastActivityAt,
		)
		if err != nil {
			return domain.WrapError(domain.ErrPersistence, "insert session member", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit create session tx: %w", err)
	}
	return nil
}

func (r *SessionRepository) GetByID(ctx context.Context, id string) (*domain.Session, error) {
	session, err := r.scanSession(r.db.QueryRowContext(ctx, `
SELECT id, state, opened_at, closed_at, last_activity_at, force_closed, classification, output_yaml, output_markdown
FROM sessions
WHERE id = $1
`, id))
	if err != nil {
		return nil, err
	}
	if err := r.loadMembers(ctx, session); err != nil {
		return nil, err
	}
	return session, nil
}

func (r *SessionRepository) SessionIDForFile(ctx context.Context, fileID string) (string, error) {
	var sessionID string
	err := r.db.QueryRowContext(ctx, `
SELECT session_id FROM session_members WHERE raw_file_id = $1
`, fileID).Scan(&sessionID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", domain.WrapError(domain.ErrSessionNotFound, "lookup session for file",
				fmt.Errorf("file %s belongs to no session", fileID))
		}
		return "", fmt.Errorf("scan session member: %w", err)
	}
	return sessionID, nil
}

func (r *SessionRepository) AppendMember(ctx context.Context, sessionID, fileID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin append member tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
INSERT INTO session_members (raw_file_id, session_id, added_at)
VALUES ($1,$2,$3)
`,
		fileID, sessionID, at,
	)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert session member", err)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = $2 WHERE id = $1
`, sessionID, at)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "touch session activity", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit append member tx: %w", err)
	}
	return nil
}

// ReassignMembers moves every member of the source session to the target and
// removes the now-empty source row in the same transaction, so a restart can
// never resurrect it. position is monotonic across the table, which keeps the
// moved members ordered after the target's own.
func (r *SessionRepository) ReassignMembers(ctx context.Context, fromSessionID, toSessionID string, at time.Time) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin reassign tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	_, err = tx.ExecContext(ctx, `
UPDATE session_members
SET session_id = $2, position = nextval(pg_get_serial_sequence('session_members', 'position'))
WHERE session_id = $1
`, fromSessionID, toSessionID)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "reassign session members", err)
	}

	_, err = tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = $1`, fromSessionID)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "delete merged session", err)
	}

	_, err = tx.ExecContext(ctx, `
UPDATE sessions SET last_activity_at = $2 WHERE id = $1
`, toSessionID, at)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "touch merge target activity", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit reassign tx: %w", err)
	}
	return nil
}

func (r *SessionRepository) UpdateState(ctx context.Context, id string, state domain.SessionState, forceClosed bool) error {
	var closedAt any
	if state != domain.StateCollecting {
		closedAt = time.Now().UTC()
	}
	result, err := r.db.ExecContext(ctx, `
UPDATE sessions
SET state = $2, force_closed = force_closed OR $3, closed_at = COALESCE(closed_at, $4)
WHERE id = $1
`, id, string(state), forceClosed, closedAt)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "update session state", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("session state rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "update session state", fmt.Errorf("no session %s", id))
	}
	return nil
}

func (r *SessionRepository) SaveClassification(ctx context.Context, id string, result *domain.ClassificationResult) error {
	payload, err := json.Marshal(result)
	if err != nil {
		return fmt.Errorf("marshal classification: %w", err)
	}
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions SET classification = $2 WHERE id = $1
`, id, payload)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save classification", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("classification rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "save classification", fmt.Errorf("no session %s", id))
	}
	return nil
}

func (r *SessionRepository) SaveOutputPaths(ctx context.Context, id string, paths *domain.OutputPaths) error {
	res, err := r.db.ExecContext(ctx, `
UPDATE sessions SET output_yaml = $2, output_markdown = $3 WHERE id = $1
`, id, paths.YAML, paths.Markdown)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "save output paths", err)
	}
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("output paths rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrSessionNotFound, "save output paths", fmt.Errorf("no session %s", id))
	}
	return nil
}

func (r *SessionRepository) ListByState(ctx context.Context, state domain.SessionState) ([]domain.Session, error) {
	rows, err := r.db.QueryContext(ctx, `
SELECT id, state, opened_at, closed_at, last_activity_at, force_closed, classification, output_yaml, output_markdown
FROM sessions
WHERE state = $1
ORDER BY opened_at
`, string(state))
	if err != nil {
		return nil, fmt.Errorf("query sessions by state: %w", err)
	}
	defer rows.Close()

	var sessions []domain.Session
	for rows.Next() {
		session, err := r.scanSessionRows(rows)
		if err != nil {
			return nil, err
		}
		sessions = append(sessions, *session)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate sessions: %w", err)
	}

	for i := range sessions {
		if err := r.loadMembers(ctx, &sessions[i]); err != nil {
			return nil, err
		}
	}
	return sessions, nil
}

func (r *SessionRepository) loadMembers(ctx context.Context, session *domain.Session) error {
	rows, err := r.db.QueryContext(ctx, `
SELECT raw_file_id
FROM session_members
WHERE session_id = $1
ORDER BY position
`, session.ID)
	if err != nil {
		return fmt.Errorf("query session members: %w", err)
	}
	defer rows.Close()

	session.MemberFileIDs = session.MemberFileIDs[:0]
	for rows.Next() {
		var fileID string
		if err := rows.Scan(&fileID); err != nil {
			return fmt.Errorf("scan session member: %w", err)
		}
		session.MemberFileIDs = append(session.MemberFileIDs, fileID)
	}
	if err := rows.Err(); err != nil {
		return fmt.Errorf("iterate session members: %w", err)
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func (r *SessionRepository) scanSession(row *sql.Row) (*domain.Session, error) {
	session, err := scanSessionFields(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrSessionNotFound, "fetch session", err)
		}
		return nil, err
	}
	return session, nil
}

func (r *SessionRepository) scanSessionRows(rows *sql.Rows) (*domain.Session, error) {
	return scanSessionFields(rows)
}

func scanSessionFields(row rowScanner) (*domain.Session, error) {
	var session domain.Session
	var state string
	var closedAt sql.NullTime
	var classification []byte
	var outputYAML, outputMarkdown sql.NullString

	err := row.Scan(&session.ID, &state, &session.OpenedAt, &closedAt, &session.LastActivityAt,
		&session.ForceClosed, &classification, &outputYAML, &outputMarkdown)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, err
		}
		return nil, fmt.Errorf("scan session: %w", err)
	}

	session.State = domain.SessionState(state)
	if closedAt.Valid {
		session.ClosedAt = closedAt.Time
	}
	if len(classification) > 0 {
		var result domain.ClassificationResult
		if err := json.Unmarshal(classification, &result); err != nil {
			return nil, fmt.Errorf("unmarshal classification: %w", err)
		}
		session.Classification = &result
	}
	if outputYAML.Valid || outputMarkdown.Valid {
		session.OutputPaths = &domain.OutputPaths{YAML: outputYAML.String, Markdown: outputMarkdown.String}
	}
	return &session, nil
}
