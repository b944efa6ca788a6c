package store

import (
	"context"
	"database/sql"
	"fmt"

	_ "modernc.org/sqlite"
)

// SQLiteStore is a single-file Store backend.
//
// Suited to development, testing, and single-process deployments. Uses WAL
// mode so readers do not block behind the writer, and creates its schema on
// first open. Pass ":memory:" for an ephemeral database.
type SQLiteStore struct {
	sqlCore
	path string
}

// NewSQLiteStore opens (and if needed creates) a SQLite-backed store at the
// given path.
func NewSQLiteStore(path string) (*SQLiteStore, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("failed to open SQLite connection: %w", err)
	}

	// SQLite allows one writer at a time.
	db.SetMaxOpenConns(1)
	db.SetMaxIdleConns(1)
	db.SetConnMaxLifetime(0)

	ctx := context.Background()
	for _, pragma := range []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA foreign_keys=ON",
		"PRAGMA busy_timeout=5000",
	} {
		if _, err := db.ExecContext(ctx, pragma); err != nil {
			_ = db.Close()
			return nil, fmt.Errorf("failed to apply %q: %w", pragma, err)
		}
	}

	s := &SQLiteStore{sqlCore: sqlCore{db: db}, path: path}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *SQLiteStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_executions (
			id TEXT NOT NULL PRIMARY KEY,
			org_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			status TEXT NOT NULL,
			parent_execution_id TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_org_agent ON process_executions(org_id, agent_id)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_status ON process_executions(status)`,
		`CREATE INDEX IF NOT EXISTS idx_exec_parent ON process_executions(parent_execution_id)`,
		`CREATE TABLE IF NOT EXISTS process_execution_seq (
			org_id TEXT NOT NULL,
			agent_id TEXT NOT NULL,
			last_number INTEGER NOT NULL DEFAULT 0,
			PRIMARY KEY (org_id, agent_id)
		)`,
		`CREATE TABLE IF NOT EXISTS process_node_executions (
			id TEXT NOT NULL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			execution_order INTEGER NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_node_exec ON process_node_executions(execution_id, execution_order)`,
		`CREATE TABLE IF NOT EXISTS process_approvals (
			id TEXT NOT NULL PRIMARY KEY,
			execution_id TEXT NOT NULL,
			org_id TEXT NOT NULL,
			status TEXT NOT NULL,
			deadline TEXT NOT NULL DEFAULT '',
			escalate_to TEXT NOT NULL DEFAULT '',
			created_at TEXT NOT NULL,
			data TEXT NOT NULL
		)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_org_status ON process_approvals(org_id, status)`,
		`CREATE INDEX IF NOT EXISTS idx_approval_deadline ON process_approvals(status, deadline)`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// NextExecutionNumber returns the next monotonic execution number for an
// agent using an upsert on the sequence row.
func (s *SQLiteStore) NextExecutionNumber(ctx context.Context, orgID, agentID string) (int64, error) {
	var n int64
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO process_execution_seq (org_id, agent_id, last_number)
		VALUES (?, ?, 1)
		ON CONFLICT(org_id, agent_id) DO UPDATE SET last_number = last_number + 1
		RETURNING last_number`, orgID, agentID).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("failed to advance execution number: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *SQLiteStore) Close() error {
	return s.db.Close()
}
