package analysis

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"
)

// PostgresStore persists records in Postgres via the pgx stdlib driver.
type PostgresStore struct {
	db         *sql.DB
	schemaOnce sync.Once
	schemaErr  error
}

func NewPostgresStore(dsn string) (*PostgresStore, error) {
	db, err := sql.Open("pgx", strings.TrimSpace(dsn))
	if err != nil {
		return nil, fmt.Errorf("open db: %w", err)
	}
	if err := db.Ping(); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("ping db: %w", err)
	}
	return &PostgresStore{db: db}, nil
}

func (s *PostgresStore) ensureSchema() error {
	if s == nil || s.db == nil {
		return fmt.Errorf("db is nil")
	}
	s.schemaOnce.Do(func() {
		_, s.schemaErr = s.db.Exec(`
CREATE TABLE IF NOT EXISTS analyses (
  id TEXT PRIMARY KEY,
  type TEXT NOT NULL DEFAULT 'full_repo',
  status TEXT NOT NULL DEFAULT 'draft',
  sandbox_ref TEXT NOT NULL DEFAULT '',
  model TEXT NOT NULL DEFAULT '',
  prompt TEXT NOT NULL DEFAULT '',
  exit_code INT,
  pr_metadata JSONB,
  comments_posted INT NOT NULL DEFAULT 0,
  created_at TIMESTAMP WITH TIME ZONE DEFAULT NOW(),
  updated_at TIMESTAMP WITH TIME ZONE DEFAULT NOW()
);
CREATE INDEX IF NOT EXISTS idx_analyses_status ON analyses (status);
`)
	})
	return s.schemaErr
}

func (s *PostgresStore) Create(ctx context.Context, rec Record) error {
	if err := s.ensureSchema(); err != nil {
		return err
	}
	rec = normalizeRecord(rec)
	if rec.ID == "" {
		return fmt.Errorf("id is required")
	}
	prJSON, err := marshalPR(rec.PR)
	if err != nil {
		return err
	}
	now := time.Now()
	if rec.CreatedAt.IsZero() {
		rec.CreatedAt = now
	}
	_, err = s.db.ExecContext(ctx, `
INSERT INTO analyses (id, type, status, sandbox_ref, model, prompt, exit_code, pr_metadata, comments_posted, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11)`,
		rec.ID, rec.Type, rec.Status, rec.SandboxRef, rec.Model, rec.Prompt,
		rec.ExitCode, prJSON, rec.CommentsPosted, rec.CreatedAt, now)
	if err != nil {
		return fmt.Errorf("insert analysis: %w", err)
	}
	return nil
}

func (s *PostgresStore) Get(ctx context.Context, id string) (Record, error) {
	if err := s.ensureSchema(); err != nil {
		return Record{}, err
	}
	row := s.db.QueryRowContext(ctx, selectColumns+` WHERE id = $1`, strings.TrimSpace(id))
	return scanRecord(row)
}

func (s *PostgresStore) Update(ctx context.Context, id string, fn func(*Record)) (Record, error) {
	if err := s.ensureSchema(); err != nil {
		return Record{}, err
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Record{}, fmt.Errorf("begin tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, selectColumns+` WHERE id = $1 FOR UPDATE`, strings.TrimSpace(id))
	rec, err := scanRecord(row)
	if err != nil {
		return Record{}, err
	}
	fn(&rec)
	rec.ID = strings.TrimSpace(id)
	rec = normalizeRecord(rec)
	rec.UpdatedAt = time.Now()

	prJSON, err := marshalPR(rec.PR)
	if err != nil {
		return Record{}, err
	}
	_, err = tx.ExecContext(ctx, `
UPDATE analyses
SET type=$2, status=$3, sandbox_ref=$4, model=$5, prompt=$6, exit_code=$7,
    pr_metadata=$8, comments_posted=$9, updated_at=$10
WHERE id=$1`,
		rec.ID, rec.Type, rec.Status, rec.SandboxRef, rec.Model, rec.Prompt,
		rec.ExitCode, prJSON, rec.CommentsPosted, rec.UpdatedAt)
	if err != nil {
		return Record{}, fmt.Errorf("update analysis: %w", err)
	}
	if err := tx.Commit(); err != nil {
		return Record{}, fmt.Errorf("commit: %w", err)
	}
	return rec, nil
}

func (s *PostgresStore) List(ctx context.Context) ([]Record, error) {
	if err := s.ensureSchema(); err != nil {
		return nil, err
	}
	rows, err := s.db.QueryContext(ctx, selectColumns+` ORDER BY created_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("list analyses: %w", err)
	}
	defer rows.Close()
	var out []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rec)
	}
	return out, rows.Err()
}

const selectColumns = `SELECT id, type, status, sandbox_ref, model, prompt, exit_code, pr_metadata, comments_posted, created_at, updated_at FROM analyses`

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(row rowScanner) (Record, error) {
	var rec Record
	var exitCode sql.NullInt64
	var prJSON []byte
	err := row.Scan(
		&rec.ID, &rec.Type, &rec.Status, &rec.SandboxRef, &rec.Model,
		&rec.Prompt, &exitCode, &prJSON, &rec.CommentsPosted,
		&rec.CreatedAt, &rec.UpdatedAt,
	)
	if errors.Is(err, sql.ErrNoRows) {
		return Record{}, ErrNotFound
	}
	if err != nil {
		return Record{}, fmt.Errorf("scan analysis: %w", err)
	}
	if exitCode.Valid {
		code := int(exitCode.Int64)
		rec.ExitCode = &code
	}
	if len(prJSON) > 0 {
		var pr PRMetadata
		if err := json.Unmarshal(prJSON, &pr); err != nil {
			return Record{}, fmt.Errorf("decode pr metadata: %w", err)
		}
		rec.PR = &pr
	}
	return rec, nil
}

func marshalPR(pr *PRMetadata) ([]byte, error) {
	if pr == nil {
		return nil, nil
	}
	raw, err := json.Marshal(pr)
	if err != nil {
		return nil, fmt.Errorf("encode pr metadata: %w", err)
	}
	return raw, nil
}
