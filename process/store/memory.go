package store

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is an in-memory Store for tests and single-process use.
//
// Records are deep-copied on both write and read, so callers can mutate
// what they pass in or get back without corrupting stored data.
type MemoryStore struct {
	mu         sync.RWMutex
	executions map[string]*ProcessExecution
	nodeExecs  map[string]*ProcessNodeExecution
	approvals  map[string]*ProcessApprovalRequest
	execSeq    map[string]int64 // orgID/agentID -> last execution number
	closed     bool
}

// NewMemoryStore creates an empty MemoryStore.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		executions: make(map[string]*ProcessExecution),
		nodeExecs:  make(map[string]*ProcessNodeExecution),
		approvals:  make(map[string]*ProcessApprovalRequest),
		execSeq:    make(map[string]int64),
	}
}

func (m *MemoryStore) checkOpen() error {
	if m.closed {
		return fmt.Errorf("store is closed")
	}
	return nil
}

// CreateExecution inserts a new execution record.
func (m *MemoryStore) CreateExecution(ctx context.Context, exec *ProcessExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if exec.ID == "" {
		return fmt.Errorf("execution id is required")
	}
	if _, exists := m.executions[exec.ID]; exists {
		return fmt.Errorf("execution %s already exists", exec.ID)
	}
	cp, err := cloneRecord(exec)
	if err != nil {
		return err
	}
	m.executions[exec.ID] = cp
	return nil
}

// UpdateExecution replaces an existing execution record.
func (m *MemoryStore) UpdateExecution(ctx context.Context, exec *ProcessExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, exists := m.executions[exec.ID]; !exists {
		return ErrNotFound
	}
	cp, err := cloneRecord(exec)
	if err != nil {
		return err
	}
	m.executions[exec.ID] = cp
	return nil
}

// GetExecution retrieves an execution by id.
func (m *MemoryStore) GetExecution(ctx context.Context, id string) (*ProcessExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	exec, ok := m.executions[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(exec)
}

// ListExecutions returns executions matching the filter, newest first.
func (m *MemoryStore) ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ProcessExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var matched []*ProcessExecution
	for _, exec := range m.executions {
		if filter.OrgID != "" && exec.OrgID != filter.OrgID {
			continue
		}
		if filter.AgentID != "" && exec.AgentID != filter.AgentID {
			continue
		}
		if filter.Status != "" && exec.Status != filter.Status {
			continue
		}
		if filter.ParentID != "" && exec.ParentExecutionID != filter.ParentID {
			continue
		}
		matched = append(matched, exec)
	}

	sort.Slice(matched, func(i, j int) bool {
		return matched[i].CreatedAt.After(matched[j].CreatedAt)
	})

	if filter.Offset > 0 {
		if filter.Offset >= len(matched) {
			matched = nil
		} else {
			matched = matched[filter.Offset:]
		}
	}
	if filter.Limit > 0 && len(matched) > filter.Limit {
		matched = matched[:filter.Limit]
	}

	out := make([]*ProcessExecution, 0, len(matched))
	for _, exec := range matched {
		cp, err := cloneRecord(exec)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	return out, nil
}

// CountExecutionsByStatus returns execution counts per status for an org.
func (m *MemoryStore) CountExecutionsByStatus(ctx context.Context, orgID string) (map[string]int, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	counts := make(map[string]int)
	for _, exec := range m.executions {
		if orgID != "" && exec.OrgID != orgID {
			continue
		}
		counts[exec.Status]++
	}
	return counts, nil
}

// NextExecutionNumber returns the next monotonic execution number for an agent.
func (m *MemoryStore) NextExecutionNumber(ctx context.Context, orgID, agentID string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return 0, err
	}
	key := orgID + "/" + agentID
	m.execSeq[key]++
	return m.execSeq[key], nil
}

// CreateNodeExecution inserts a node execution record.
func (m *MemoryStore) CreateNodeExecution(ctx context.Context, ne *ProcessNodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if ne.ID == "" {
		return fmt.Errorf("node execution id is required")
	}
	cp, err := cloneRecord(ne)
	if err != nil {
		return err
	}
	m.nodeExecs[ne.ID] = cp
	return nil
}

// UpdateNodeExecution replaces a node execution record.
func (m *MemoryStore) UpdateNodeExecution(ctx context.Context, ne *ProcessNodeExecution) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, exists := m.nodeExecs[ne.ID]; !exists {
		return ErrNotFound
	}
	cp, err := cloneRecord(ne)
	if err != nil {
		return err
	}
	m.nodeExecs[ne.ID] = cp
	return nil
}

// ListNodeExecutions returns an execution's node records in execution order.
func (m *MemoryStore) ListNodeExecutions(ctx context.Context, executionID string) ([]*ProcessNodeExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var out []*ProcessNodeExecution
	for _, ne := range m.nodeExecs {
		if ne.ExecutionID != executionID {
			continue
		}
		cp, err := cloneRecord(ne)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].ExecutionOrder < out[j].ExecutionOrder
	})
	return out, nil
}

// CreateApproval inserts an approval request.
func (m *MemoryStore) CreateApproval(ctx context.Context, ar *ProcessApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if ar.ID == "" {
		return fmt.Errorf("approval id is required")
	}
	cp, err := cloneRecord(ar)
	if err != nil {
		return err
	}
	m.approvals[ar.ID] = cp
	return nil
}

// UpdateApproval replaces an approval request.
func (m *MemoryStore) UpdateApproval(ctx context.Context, ar *ProcessApprovalRequest) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return err
	}
	if _, exists := m.approvals[ar.ID]; !exists {
		return ErrNotFound
	}
	cp, err := cloneRecord(ar)
	if err != nil {
		return err
	}
	m.approvals[ar.ID] = cp
	return nil
}

// GetApproval retrieves an approval request by id.
func (m *MemoryStore) GetApproval(ctx context.Context, id string) (*ProcessApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}
	ar, ok := m.approvals[id]
	if !ok {
		return nil, ErrNotFound
	}
	return cloneRecord(ar)
}

// ListPendingApprovalsForUser returns pending approvals visible to a user.
func (m *MemoryStore) ListPendingApprovalsForUser(ctx context.Context, orgID, userID string, roleIDs, groupIDs []string) ([]*ProcessApprovalRequest, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var out []*ProcessApprovalRequest
	for _, ar := range m.approvals {
		if ar.Status != ApprovalPending || ar.OrgID != orgID {
			continue
		}
		if !approvalVisibleTo(ar, userID, roleIDs, groupIDs) {
			continue
		}
		cp, err := cloneRecord(ar)
		if err != nil {
			return nil, err
		}
		out = append(out, cp)
	}
	sort.Slice(out, func(i, j int) bool {
		return out[i].CreatedAt.Before(out[j].CreatedAt)
	})
	return out, nil
}

func approvalVisibleTo(ar *ProcessApprovalRequest, userID string, roleIDs, groupIDs []string) bool {
	// No assignees at all: anyone in the org may decide.
	if len(ar.AssignedUserIDs) == 0 && len(ar.AssignedRoleIDs) == 0 && len(ar.AssignedGroupIDs) == 0 {
		return true
	}
	for _, id := range ar.AssignedUserIDs {
		if id == userID {
			return true
		}
	}
	if intersects(ar.AssignedRoleIDs, roleIDs) {
		return true
	}
	return intersects(ar.AssignedGroupIDs, groupIDs)
}

func intersects(a, b []string) bool {
	for _, x := range a {
		for _, y := range b {
			if x == y {
				return true
			}
		}
	}
	return false
}

// ExpireOverdueApprovals marks overdue pending approvals expired or escalated.
func (m *MemoryStore) ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if err := m.checkOpen(); err != nil {
		return nil, err
	}

	var affected []string
	for _, ar := range m.approvals {
		if ar.Status != ApprovalPending || ar.Deadline == nil || !ar.Deadline.Before(now) {
			continue
		}
		if ar.EscalateTo != "" || len(ar.EscalationUserIDs) > 0 {
			ar.Status = ApprovalEscalated
			ar.Escalated = true
			escalatedAt := now
			ar.EscalatedAt = &escalatedAt
		} else {
			ar.Status = ApprovalExpired
		}
		ar.UpdatedAt = now
		affected = append(affected, ar.ID)
	}
	return affected, nil
}

// Close marks the store closed; subsequent operations fail.
func (m *MemoryStore) Close() error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.closed = true
	return nil
}

// cloneRecord deep-copies a record through a JSON round trip.
func cloneRecord[T any](in *T) (*T, error) {
	data, err := json.Marshal(in)
	if err != nil {
		return nil, fmt.Errorf("failed to clone record: %w", err)
	}
	out := new(T)
	if err := json.Unmarshal(data, out); err != nil {
		return nil, fmt.Errorf("failed to clone record: %w", err)
	}
	return out, nil
}
