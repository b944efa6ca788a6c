package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// sqlTimeLayout is a fixed-width UTC layout so string comparison orders
// chronologically in both backends.
const sqlTimeLayout = "2006-01-02 15:04:05.000000000"

func formatSQLTime(t time.Time) string {
	return t.UTC().Format(sqlTimeLayout)
}

// sqlCore implements the Store CRUD surface shared by the SQLite and MySQL
// backends. Records are stored as JSON documents with the queryable fields
// lifted into indexed columns; both backends use ? placeholders.
type sqlCore struct {
	db *sql.DB
}

func (s *sqlCore) CreateExecution(ctx context.Context, exec *ProcessExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_executions (id, org_id, agent_id, status, parent_execution_id, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?)`,
		exec.ID, exec.OrgID, exec.AgentID, exec.Status, exec.ParentExecutionID,
		formatSQLTime(exec.CreatedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert execution: %w", err)
	}
	return nil
}

func (s *sqlCore) UpdateExecution(ctx context.Context, exec *ProcessExecution) error {
	data, err := json.Marshal(exec)
	if err != nil {
		return fmt.Errorf("failed to marshal execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_executions
		SET org_id = ?, agent_id = ?, status = ?, parent_execution_id = ?, data = ?
		WHERE id = ?`,
		exec.OrgID, exec.AgentID, exec.Status, exec.ParentExecutionID, string(data), exec.ID)
	if err != nil {
		return fmt.Errorf("failed to update execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		// RowsAffected is 0 both for a missing row and for a no-op update,
		// so confirm the row is actually absent.
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM process_executions WHERE id = ?", exec.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
	}
	return nil
}

func (s *sqlCore) GetExecution(ctx context.Context, id string) (*ProcessExecution, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM process_executions WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query execution: %w", err)
	}
	var exec ProcessExecution
	if err := json.Unmarshal([]byte(data), &exec); err != nil {
		return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
	}
	return &exec, nil
}

func (s *sqlCore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ProcessExecution, error) {
	query := "SELECT data FROM process_executions WHERE 1=1"
	var args []interface{}
	if filter.OrgID != "" {
		query += " AND org_id = ?"
		args = append(args, filter.OrgID)
	}
	if filter.AgentID != "" {
		query += " AND agent_id = ?"
		args = append(args, filter.AgentID)
	}
	if filter.Status != "" {
		query += " AND status = ?"
		args = append(args, filter.Status)
	}
	if filter.ParentID != "" {
		query += " AND parent_execution_id = ?"
		args = append(args, filter.ParentID)
	}
	query += " ORDER BY created_at DESC"
	if filter.Limit > 0 {
		query += " LIMIT ?"
		args = append(args, filter.Limit)
		if filter.Offset > 0 {
			query += " OFFSET ?"
			args = append(args, filter.Offset)
		}
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ProcessExecution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan execution: %w", err)
		}
		var exec ProcessExecution
		if err := json.Unmarshal([]byte(data), &exec); err != nil {
			return nil, fmt.Errorf("failed to unmarshal execution: %w", err)
		}
		out = append(out, &exec)
	}
	return out, rows.Err()
}

func (s *sqlCore) CountExecutionsByStatus(ctx context.Context, orgID string) (map[string]int, error) {
	query := "SELECT status, COUNT(*) FROM process_executions"
	var args []interface{}
	if orgID != "" {
		query += " WHERE org_id = ?"
		args = append(args, orgID)
	}
	query += " GROUP BY status"

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("failed to count executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	counts := make(map[string]int)
	for rows.Next() {
		var status string
		var n int
		if err := rows.Scan(&status, &n); err != nil {
			return nil, fmt.Errorf("failed to scan count: %w", err)
		}
		counts[status] = n
	}
	return counts, rows.Err()
}

func (s *sqlCore) CreateNodeExecution(ctx context.Context, ne *ProcessNodeExecution) error {
	data, err := json.Marshal(ne)
	if err != nil {
		return fmt.Errorf("failed to marshal node execution: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_node_executions (id, execution_id, execution_order, data)
		VALUES (?, ?, ?, ?)`,
		ne.ID, ne.ExecutionID, ne.ExecutionOrder, string(data))
	if err != nil {
		return fmt.Errorf("failed to insert node execution: %w", err)
	}
	return nil
}

func (s *sqlCore) UpdateNodeExecution(ctx context.Context, ne *ProcessNodeExecution) error {
	data, err := json.Marshal(ne)
	if err != nil {
		return fmt.Errorf("failed to marshal node execution: %w", err)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_node_executions SET execution_order = ?, data = ? WHERE id = ?`,
		ne.ExecutionOrder, string(data), ne.ID)
	if err != nil {
		return fmt.Errorf("failed to update node execution: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM process_node_executions WHERE id = ?", ne.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
	}
	return nil
}

func (s *sqlCore) ListNodeExecutions(ctx context.Context, executionID string) ([]*ProcessNodeExecution, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM process_node_executions
		WHERE execution_id = ? ORDER BY execution_order ASC`, executionID)
	if err != nil {
		return nil, fmt.Errorf("failed to list node executions: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ProcessNodeExecution
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan node execution: %w", err)
		}
		var ne ProcessNodeExecution
		if err := json.Unmarshal([]byte(data), &ne); err != nil {
			return nil, fmt.Errorf("failed to unmarshal node execution: %w", err)
		}
		out = append(out, &ne)
	}
	return out, rows.Err()
}

func (s *sqlCore) CreateApproval(ctx context.Context, ar *ProcessApprovalRequest) error {
	data, err := json.Marshal(ar)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}
	deadline := ""
	if ar.Deadline != nil {
		deadline = formatSQLTime(*ar.Deadline)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO process_approvals (id, execution_id, org_id, status, deadline, escalate_to, created_at, data)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		ar.ID, ar.ExecutionID, ar.OrgID, ar.Status, deadline, ar.EscalateTo,
		formatSQLTime(ar.CreatedAt), string(data))
	if err != nil {
		return fmt.Errorf("failed to insert approval: %w", err)
	}
	return nil
}

func (s *sqlCore) UpdateApproval(ctx context.Context, ar *ProcessApprovalRequest) error {
	data, err := json.Marshal(ar)
	if err != nil {
		return fmt.Errorf("failed to marshal approval: %w", err)
	}
	deadline := ""
	if ar.Deadline != nil {
		deadline = formatSQLTime(*ar.Deadline)
	}
	res, err := s.db.ExecContext(ctx, `
		UPDATE process_approvals
		SET status = ?, deadline = ?, escalate_to = ?, data = ?
		WHERE id = ?`,
		ar.Status, deadline, ar.EscalateTo, string(data), ar.ID)
	if err != nil {
		return fmt.Errorf("failed to update approval: %w", err)
	}
	rows, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("failed to read rows affected: %w", err)
	}
	if rows == 0 {
		var exists int
		if err := s.db.QueryRowContext(ctx,
			"SELECT 1 FROM process_approvals WHERE id = ?", ar.ID).Scan(&exists); err == sql.ErrNoRows {
			return ErrNotFound
		}
	}
	return nil
}

func (s *sqlCore) GetApproval(ctx context.Context, id string) (*ProcessApprovalRequest, error) {
	var data string
	err := s.db.QueryRowContext(ctx,
		"SELECT data FROM process_approvals WHERE id = ?", id).Scan(&data)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to query approval: %w", err)
	}
	var ar ProcessApprovalRequest
	if err := json.Unmarshal([]byte(data), &ar); err != nil {
		return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
	}
	return &ar, nil
}

// ListPendingApprovalsForUser fetches pending approvals for the org and
// applies the assignment rules in Go; the assignee lists live inside the
// JSON document.
func (s *sqlCore) ListPendingApprovalsForUser(ctx context.Context, orgID, userID string, roleIDs, groupIDs []string) ([]*ProcessApprovalRequest, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM process_approvals
		WHERE org_id = ? AND status = ? ORDER BY created_at ASC`, orgID, ApprovalPending)
	if err != nil {
		return nil, fmt.Errorf("failed to list approvals: %w", err)
	}
	defer func() { _ = rows.Close() }()

	var out []*ProcessApprovalRequest
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		var ar ProcessApprovalRequest
		if err := json.Unmarshal([]byte(data), &ar); err != nil {
			return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
		}
		if approvalVisibleTo(&ar, userID, roleIDs, groupIDs) {
			out = append(out, &ar)
		}
	}
	return out, rows.Err()
}

func (s *sqlCore) ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]string, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT data FROM process_approvals
		WHERE status = ? AND deadline != '' AND deadline < ?`,
		ApprovalPending, formatSQLTime(now))
	if err != nil {
		return nil, fmt.Errorf("failed to query overdue approvals: %w", err)
	}

	var overdue []*ProcessApprovalRequest
	for rows.Next() {
		var data string
		if err := rows.Scan(&data); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to scan approval: %w", err)
		}
		var ar ProcessApprovalRequest
		if err := json.Unmarshal([]byte(data), &ar); err != nil {
			_ = rows.Close()
			return nil, fmt.Errorf("failed to unmarshal approval: %w", err)
		}
		overdue = append(overdue, &ar)
	}
	if err := rows.Err(); err != nil {
		_ = rows.Close()
		return nil, err
	}
	_ = rows.Close()

	var affected []string
	for _, ar := range overdue {
		if ar.EscalateTo != "" || len(ar.EscalationUserIDs) > 0 {
			ar.Status = ApprovalEscalated
			ar.Escalated = true
			escalatedAt := now
			ar.EscalatedAt = &escalatedAt
		} else {
			ar.Status = ApprovalExpired
		}
		ar.UpdatedAt = now
		if err := s.UpdateApproval(ctx, ar); err != nil {
			return affected, err
		}
		affected = append(affected, ar.ID)
	}
	return affected, nil
}
