package storage

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/jmoiron/sqlx"
	_ "modernc.org/sqlite"

	"github.com/HishamBS/third-eye-mcp-sub000/pipeline/envelope"
)

// SQLiteStore is the SQLite-backed Store. Pending stages, trusted flag and
// status live here so a paused session survives a process restart.
type SQLiteStore struct {
	db *sqlx.DB
}

var _ Store = (*SQLiteStore)(nil)

// NewSQLiteStore opens (creating if needed) the database at path and
// initializes the schema. Use ":memory:" for an ephemeral database.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sqlx.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}

	pragmas := []string{
		`PRAGMA journal_mode = WAL`,
		`PRAGMA foreign_keys = ON`,
		`PRAGMA busy_timeout = 5000`,
	}
	for _, stmt := range pragmas {
		if _, err := db.Exec(stmt); err != nil {
			db.Close()
			return nil, fmt.Errorf("failed to execute pragma: %w", err)
		}
	}

	store := &SQLiteStore{db: db}
	if err := store.initSchema(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to initialize schema: %w", err)
	}
	return store, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}

func (s *SQLiteStore) initSchema() error {
	statements := []string{
		`CREATE TABLE IF NOT EXISTS runs (
seq INTEGER PRIMARY KEY AUTOINCREMENT,
id TEXT NOT NULL UNIQUE,
session_id TEXT NOT NULL,
stage TEXT NOT NULL,
backend TEXT NOT NULL,
model TEXT NOT NULL,
input TEXT NOT NULL,
result TEXT NOT NULL,
tokens_in INTEGER NOT NULL DEFAULT 0,
tokens_out INTEGER NOT NULL DEFAULT 0,
latency_ms INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL
)`,
		`CREATE INDEX IF NOT EXISTS idx_runs_session ON runs(session_id, seq)`,
		`CREATE TABLE IF NOT EXISTS sessions (
id TEXT PRIMARY KEY,
status TEXT NOT NULL,
task TEXT NOT NULL,
trusted INTEGER NOT NULL DEFAULT 0,
paused_stage TEXT,
pending_stages TEXT,
context TEXT,
branch_set INTEGER NOT NULL DEFAULT 0,
code_task INTEGER NOT NULL DEFAULT 0,
created_at TIMESTAMP NOT NULL,
updated_at TIMESTAMP NOT NULL
)`,
	}

	for _, stmt := range statements {
		if _, err := s.db.Exec(stmt); err != nil {
			return err
		}
	}
	return nil
}

type dbRun struct {
	ID        string    `db:"id"`
	SessionID string    `db:"session_id"`
	Stage     string    `db:"stage"`
	Backend   string    `db:"backend"`
	Model     string    `db:"model"`
	Input     string    `db:"input"`
	Result    string    `db:"result"`
	TokensIn  int       `db:"tokens_in"`
	TokensOut int       `db:"tokens_out"`
	LatencyMS int       `db:"latency_ms"`
	CreatedAt time.Time `db:"created_at"`
}

type dbSession struct {
	ID            string         `db:"id"`
	Status        string         `db:"status"`
	Task          string         `db:"task"`
	Trusted       bool           `db:"trusted"`
	PausedStage   sql.NullString `db:"paused_stage"`
	PendingStages sql.NullString `db:"pending_stages"`
	Context       sql.NullString `db:"context"`
	BranchSet     bool           `db:"branch_set"`
	CodeTask      bool           `db:"code_task"`
	CreatedAt     time.Time      `db:"created_at"`
	UpdatedAt     time.Time      `db:"updated_at"`
}

// InsertRun implements Store.
func (s *SQLiteStore) InsertRun(ctx context.Context, record *RunRecord) error {
	result, err := json.Marshal(record.Result)
	if err != nil {
		return fmt.Errorf("failed to marshal run result: %w", err)
	}

	row := dbRun{
		ID:        record.ID,
		SessionID: record.SessionID,
		Stage:     record.Stage,
		Backend:   record.Backend,
		Model:     record.Model,
		Input:     record.Input,
		Result:    string(result),
		TokensIn:  record.TokensIn,
		TokensOut: record.TokensOut,
		LatencyMS: record.LatencyMS,
		CreatedAt: record.CreatedAt.UTC(),
	}

	_, err = s.db.NamedExecContext(ctx, `INSERT INTO runs
(id, session_id, stage, backend, model, input, result, tokens_in, tokens_out, latency_ms, created_at)
VALUES (:id, :session_id, :stage, :backend, :model, :input, :result, :tokens_in, :tokens_out, :latency_ms, :created_at)`, row)
	if err != nil {
		return fmt.Errorf("failed to insert run: %w", err)
	}
	return nil
}

// UpsertSession implements Store.
func (s *SQLiteStore) UpsertSession(ctx context.Context, session *SessionRecord) error {
	var pending sql.NullString
	if session.PendingStages != nil {
		data, err := json.Marshal(session.PendingStages)
		if err != nil {
			return fmt.Errorf("failed to marshal pending stages: %w", err)
		}
		pending = sql.NullString{String: string(data), Valid: true}
	}

	row := dbSession{
		ID:            session.ID,
		Status:        string(session.Status),
		Task:          session.Task,
		Trusted:       session.Trusted,
		PausedStage:   sql.NullString{String: session.PausedStage, Valid: session.PausedStage != ""},
		PendingStages: pending,
		Context:       sql.NullString{String: session.Context, Valid: session.Context != ""},
		BranchSet:     session.BranchSet,
		CodeTask:      session.CodeTask,
		CreatedAt:     session.CreatedAt.UTC(),
		UpdatedAt:     session.UpdatedAt.UTC(),
	}

	_, err := s.db.NamedExecContext(ctx, `INSERT INTO sessions
(id, status, task, trusted, paused_stage, pending_stages, context, branch_set, code_task, created_at, updated_at)
VALUES (:id, :status, :task, :trusted, :paused_stage, :pending_stages, :context, :branch_set, :code_task, :created_at, :updated_at)
ON CONFLICT(id) DO UPDATE SET
status = excluded.status,
task = excluded.task,
trusted = excluded.trusted,
paused_stage = excluded.paused_stage,
pending_stages = excluded.pending_stages,
context = excluded.context,
branch_set = excluded.branch_set,
code_task = excluded.code_task,
updated_at = excluded.updated_at`, row)
	if err != nil {
		return fmt.Errorf("failed to upsert session: %w", err)
	}
	return nil
}

// GetSession implements Store.
func (s *SQLiteStore) GetSession(ctx context.Context, sessionID string) (*SessionRecord, error) {
	var row dbSession
	err := s.db.GetContext(ctx, &row, `SELECT id, status, task, trusted, paused_stage, pending_stages, context,
branch_set, code_task, created_at, updated_at FROM sessions WHERE id = ?`, sessionID)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, ErrSessionNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query session: %w", err)
	}

	session := &SessionRecord{
		ID:          row.ID,
		Status:      Status(row.Status),
		Task:        row.Task,
		Trusted:     row.Trusted,
		PausedStage: row.PausedStage.String,
		Context:     row.Context.String,
		BranchSet:   row.BranchSet,
		CodeTask:    row.CodeTask,
		CreatedAt:   row.CreatedAt,
		UpdatedAt:   row.UpdatedAt,
	}
	if row.PendingStages.Valid {
		if err := json.Unmarshal([]byte(row.PendingStages.String), &session.PendingStages); err != nil {
			return nil, fmt.Errorf("failed to unmarshal pending stages: %w", err)
		}
	}
	return session, nil
}

// QuerySessionRuns implements Store. Records come back in execution order.
func (s *SQLiteStore) QuerySessionRuns(ctx context.Context, sessionID string, limit, offset int) ([]*RunRecord, error) {
	if limit <= 0 {
		limit = -1 // SQLite: no limit
	}

	var rows []dbRun
	err := s.db.SelectContext(ctx, &rows, `SELECT id, session_id, stage, backend, model, input, result,
tokens_in, tokens_out, latency_ms, created_at
FROM runs WHERE session_id = ? ORDER BY seq LIMIT ? OFFSET ?`, sessionID, limit, offset)
	if err != nil {
		return nil, fmt.Errorf("failed to query runs: %w", err)
	}

	out := make([]*RunRecord, 0, len(rows))
	for _, row := range rows {
		var result envelope.StageResult
		if err := json.Unmarshal([]byte(row.Result), &result); err != nil {
			return nil, fmt.Errorf("failed to unmarshal run result %s: %w", row.ID, err)
		}
		out = append(out, &RunRecord{
			ID:        row.ID,
			SessionID: row.SessionID,
			Stage:     row.Stage,
			Backend:   row.Backend,
			Model:     row.Model,
			Input:     row.Input,
			Result:    &result,
			TokensIn:  row.TokensIn,
			TokensOut: row.TokensOut,
			LatencyMS: row.LatencyMS,
			CreatedAt: row.CreatedAt,
		})
	}
	return out, nil
}
