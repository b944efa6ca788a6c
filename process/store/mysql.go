package store

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	_ "github.com/go-sql-driver/mysql"
)

// MySQLStore is a MySQL/MariaDB Store backend for multi-process deployments.
//
// The DSN must enable parseTime or use default settings compatible with the
// string timestamp columns; the store keeps timestamps as fixed-width UTC
// strings so no session time zone configuration is needed.
type MySQLStore struct {
	sqlCore
}

// NewMySQLStore opens a MySQL-backed store and creates the schema when
// missing.
//
//	store, err := NewMySQLStore("user:pass@tcp(localhost:3306)/procflow")
func NewMySQLStore(dsn string) (*MySQLStore, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open MySQL connection: %w", err)
	}

	db.SetMaxOpenConns(25)
	db.SetMaxIdleConns(5)
	db.SetConnMaxLifetime(5 * time.Minute)

	ctx := context.Background()
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to ping MySQL: %w", err)
	}

	s := &MySQLStore{sqlCore: sqlCore{db: db}}
	if err := s.createTables(ctx); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("failed to create tables: %w", err)
	}
	return s, nil
}

func (s *MySQLStore) createTables(ctx context.Context) error {
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS process_executions (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			org_id VARCHAR(64) NOT NULL,
			agent_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			parent_execution_id VARCHAR(64) NOT NULL DEFAULT '',
			created_at VARCHAR(32) NOT NULL,
			data LONGTEXT NOT NULL,
			INDEX idx_exec_org_agent (org_id, agent_id),
			INDEX idx_exec_status (status),
			INDEX idx_exec_parent (parent_execution_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS process_execution_seq (
			org_id VARCHAR(64) NOT NULL,
			agent_id VARCHAR(64) NOT NULL,
			last_number BIGINT NOT NULL DEFAULT 0,
			PRIMARY KEY (org_id, agent_id)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS process_node_executions (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			execution_order INT NOT NULL,
			data LONGTEXT NOT NULL,
			INDEX idx_node_exec (execution_id, execution_order)
		) ENGINE=InnoDB`,
		`CREATE TABLE IF NOT EXISTS process_approvals (
			id VARCHAR(64) NOT NULL PRIMARY KEY,
			execution_id VARCHAR(64) NOT NULL,
			org_id VARCHAR(64) NOT NULL,
			status VARCHAR(32) NOT NULL,
			deadline VARCHAR(32) NOT NULL DEFAULT '',
			escalate_to VARCHAR(64) NOT NULL DEFAULT '',
			created_at VARCHAR(32) NOT NULL,
			data LONGTEXT NOT NULL,
			INDEX idx_approval_org_status (org_id, status),
			INDEX idx_approval_deadline (status, deadline)
		) ENGINE=InnoDB`,
	}
	for _, stmt := range stmts {
		if _, err := s.db.ExecContext(ctx, stmt); err != nil {
			return fmt.Errorf("schema statement failed: %w", err)
		}
	}
	return nil
}

// NextExecutionNumber returns the next monotonic execution number for an
// agent. LAST_INSERT_ID carries the incremented value back atomically.
func (s *MySQLStore) NextExecutionNumber(ctx context.Context, orgID, agentID string) (int64, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO process_execution_seq (org_id, agent_id, last_number)
		VALUES (?, ?, LAST_INSERT_ID(1))
		ON DUPLICATE KEY UPDATE last_number = LAST_INSERT_ID(last_number + 1)`,
		orgID, agentID)
	if err != nil {
		return 0, fmt.Errorf("failed to advance execution number: %w", err)
	}
	var n int64
	if err := s.db.QueryRowContext(ctx, "SELECT LAST_INSERT_ID()").Scan(&n); err != nil {
		return 0, fmt.Errorf("failed to read execution number: %w", err)
	}
	return n, nil
}

// Close closes the database.
func (s *MySQLStore) Close() error {
	return s.db.Close()
}
