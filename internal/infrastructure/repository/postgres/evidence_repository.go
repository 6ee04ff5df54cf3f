package postgres

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/doublej/snail-mail-parser/internal/core/domain"
)

type EvidenceRepository struct {
	db *sql.DB
}

func NewEvidenceRepository(db *sql.DB) *EvidenceRepository {
	return &EvidenceRepository{db: db}
}

func OpenDB(dsn string) (*sql.DB, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("sql open: %w", err)
	}
	db.SetMaxOpenConns(10)
	db.SetMaxIdleConns(10)
	db.SetConnMaxLifetime(30 * time.Minute)

	if err := db.Ping(); err != nil {
		return nil, fmt.Errorf("db ping: %w", err)
	}
	return db, nil
}

func (r *EvidenceRepository) EnsureSchema(ctx context.Context) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin schema tx: %w", err)
	}
	defer func() {
		_ = tx.Rollback()
	}()

	// Serialize bootstrap DDL across watcher/worker startups.
	if _, err := tx.ExecContext(ctx, `SELECT pg_advisory_xact_lock($1)`, int64(2026030801)); err != nil {
		return fmt.Errorf("acquire schema lock: %w", err)
	}

	const query = `
CREATE TABLE IF NOT EXISTS raw_files (
	id TEXT PRIMARY KEY,
	path TEXT NOT NULL,
	content_hash TEXT NOT NULL UNIQUE,
	page_index INT NOT NULL DEFAULT 0,
	discovered_at TIMESTAMPTZ NOT NULL,
	extraction_state TEXT NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_raw_files_path ON raw_files(path);

CREATE TABLE IF NOT EXISTS page_evidence (
	raw_file_id TEXT PRIMARY KEY REFERENCES raw_files(id),
	ocr_text TEXT NOT NULL,
	ocr_confidence DOUBLE PRECISION NOT NULL DEFAULT 0,
	qr_payloads JSONB NOT NULL DEFAULT '[]'::jsonb,
	non_empty_image BOOLEAN NOT NULL DEFAULT FALSE,
	failed BOOLEAN NOT NULL DEFAULT FALSE,
	extracted_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS sessions (
	id TEXT PRIMARY KEY,
	state TEXT NOT NULL,
	opened_at TIMESTAMPTZ NOT NULL,
	closed_at TIMESTAMPTZ,
	last_activity_at TIMESTAMPTZ NOT NULL,
	force_closed BOOLEAN NOT NULL DEFAULT FALSE,
	classification JSONB,
	output_yaml TEXT,
	output_markdown TEXT
);

CREATE INDEX IF NOT EXISTS idx_sessions_state ON sessions(state);

CREATE TABLE IF NOT EXISTS session_members (
	raw_file_id TEXT PRIMARY KEY REFERENCES raw_files(id),
	session_id TEXT NOT NULL REFERENCES sessions(id),
	position BIGSERIAL,
	added_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_session_members_session ON session_members(session_id, position);

CREATE TABLE IF NOT EXISTS session_diagnostics (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	stage TEXT NOT NULL,
	attempts INT NOT NULL,
	last_error TEXT NOT NULL,
	error_kind TEXT NOT NULL,
	raw_output TEXT,
	recorded_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS llm_interactions (
	id BIGSERIAL PRIMARY KEY,
	session_id TEXT NOT NULL,
	prompt TEXT NOT NULL,
	response TEXT,
	error_detail TEXT,
	created_at TIMESTAMPTZ NOT NULL
);
`
	if _, err := tx.ExecContext(ctx, query); err != nil {
		return fmt.Errorf("execute schema ddl: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit schema tx: %w", err)
	}
	return nil
}

// RecordFile inserts the file unless identical bytes were seen before.
// The content_hash unique constraint makes re-ingestion a reported no-op.
func (r *EvidenceRepository) RecordFile(ctx context.Context, file *domain.RawFile) (bool, error) {
	result, err := r.db.ExecContext(ctx, `
INSERT INTO raw_files (id, path, content_hash, page_index, discovered_at, extraction_state)
VALUES ($1,$2,$3,$4,$5,$6)
ON CONFLICT (content_hash) DO NOTHING
`,
		file.ID, file.Path, file.ContentHash, file.PageIndex, file.DiscoveredAt, string(file.Extraction),
	)
	if err != nil {
		return false, domain.WrapError(domain.ErrPersistence, "insert raw file", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("raw file rows affected: %w", err)
	}
	return affected == 0, nil
}

// RecordPageEvidence enforces the at-most-once contract: a conflicting
// insert means a second extraction ran for the same file, which is a bug.
func (r *EvidenceRepository) RecordPageEvidence(ctx context.Context, ev *domain.PageEvidence) error {
	payloads, err := json.Marshal(ev.QRPayloads)
	if err != nil {
		return fmt.Errorf("marshal qr payloads: %w", err)
	}

	result, err := r.db.ExecContext(ctx, `
INSERT INTO page_evidence (raw_file_id, ocr_text, ocr_confidence, qr_payloads, non_empty_image, failed, extracted_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
ON CONFLICT (raw_file_id) DO NOTHING
`,
		ev.RawFileID, ev.OCRText, ev.OCRConfidence, payloads, ev.NonEmptyImage, ev.Failed, ev.ExtractedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert page evidence", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("page evidence rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrEvidenceConflict, "insert page evidence",
			fmt.Errorf("evidence already recorded for file %s", ev.RawFileID))
	}
	return nil
}

func (r *EvidenceRepository) GetFile(ctx context.Context, id string) (*domain.RawFile, error) {
	return r.scanFile(r.db.QueryRowContext(ctx, `
SELECT id, path, content_hash, page_index, discovered_at, extraction_state
FROM raw_files
WHERE id = $1
`, id), id)
}

func (r *EvidenceRepository) FindFileByPath(ctx context.Context, path string) (*domain.RawFile, error) {
	return r.scanFile(r.db.QueryRowContext(ctx, `
SELECT id, path, content_hash, page_index, discovered_at, extraction_state
FROM raw_files
WHERE path = $1
ORDER BY discovered_at DESC
LIMIT 1
`, path), path)
}

func (r *EvidenceRepository) scanFile(row *sql.Row, key string) (*domain.RawFile, error) {
	var file domain.RawFile
	var state string
	err := row.Scan(&file.ID, &file.Path, &file.ContentHash, &file.PageIndex, &file.DiscoveredAt, &state)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, domain.WrapError(domain.ErrFileNotFound, "fetch raw file", fmt.Errorf("no raw file for %s", key))
		}
		return nil, fmt.Errorf("scan raw file: %w", err)
	}
	file.Extraction = domain.ExtractionState(state)
	return &file, nil
}

func (r *EvidenceRepository) UpdateExtractionState(ctx context.Context, fileID string, state domain.ExtractionState) error {
	result, err := r.db.ExecContext(ctx, `
UPDATE raw_files
SET extraction_state = $2
WHERE id = $1
`, fileID, string(state))
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "update extraction state", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("extraction state rows affected: %w", err)
	}
	if affected == 0 {
		return domain.WrapError(domain.ErrFileNotFound, "update extraction state", fmt.Errorf("no raw file %s", fileID))
	}
	return nil
}

// EvidenceForFiles returns evidence in the order of the given ids, which is
// the session's member insertion order. Files still awaiting extraction are
// skipped, not errors.
func (r *EvidenceRepository) EvidenceForFiles(ctx context.Context, fileIDs []string) ([]domain.PageEvidence, error) {
	out := make([]domain.PageEvidence, 0, len(fileIDs))
	for _, fileID := range fileIDs {
		row := r.db.QueryRowContext(ctx, `
SELECT raw_file_id, ocr_text, ocr_confidence, qr_payloads, non_empty_image, failed, extracted_at
FROM page_evidence
WHERE raw_file_id = $1
`, fileID)

		var ev domain.PageEvidence
		var payloadsRaw []byte
		err := row.Scan(&ev.RawFileID, &ev.OCRText, &ev.OCRConfidence, &payloadsRaw, &ev.NonEmptyImage, &ev.Failed, &ev.ExtractedAt)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				continue
			}
			return nil, fmt.Errorf("scan page evidence: %w", err)
		}
		if err := json.Unmarshal(payloadsRaw, &ev.QRPayloads); err != nil {
			return nil, fmt.Errorf("unmarshal qr payloads: %w", err)
		}
		out = append(out, ev)
	}
	return out, nil
}

func (r *EvidenceRepository) RecordDiagnostic(ctx context.Context, sessionID string, diag *domain.Diagnostic) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO session_diagnostics (session_id, stage, attempts, last_error, error_kind, raw_output, recorded_at)
VALUES ($1,$2,$3,$4,$5,$6,$7)
`,
		sessionID, diag.Stage, diag.Attempts, diag.LastError, diag.ErrorKind, diag.RawOutput, diag.RecordedAt,
	)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert diagnostic", err)
	}
	return nil
}

func (r *EvidenceRepository) RecordLLMInteraction(ctx context.Context, sessionID, prompt, response, errDetail string) error {
	_, err := r.db.ExecContext(ctx, `
INSERT INTO llm_interactions (session_id, prompt, response, error_detail, created_at)
VALUES ($1,$2,$3,$4,$5)
`,
		sessionID, prompt, response, errDetail, time.Now().UTC(),
	)
	if err != nil {
		return domain.WrapError(domain.ErrPersistence, "insert llm interaction", err)
	}
	return nil
}
