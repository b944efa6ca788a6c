// Package store provides persistence for process executions: the Store
// interface plus memory, SQLite, and MySQL backends.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a requested execution, node execution, or
// approval does not exist.
var ErrNotFound = errors.New("not found")

// Execution statuses.
const (
	StatusPending   = "pending"
	StatusRunning   = "running"
	StatusWaiting   = "waiting"
	StatusPaused    = "paused"
	StatusCompleted = "completed"
	StatusFailed    = "failed"
	StatusCancelled = "cancelled"
	StatusTimedOut  = "timed_out"
)

// Node execution statuses.
const (
	NodeStatusPending   = "pending"
	NodeStatusRunning   = "running"
	NodeStatusWaiting   = "waiting"
	NodeStatusCompleted = "completed"
	NodeStatusFailed    = "failed"
	NodeStatusSkipped   = "skipped"
	NodeStatusRetrying  = "retrying"
)

// Approval statuses.
const (
	ApprovalPending   = "pending"
	ApprovalApproved  = "approved"
	ApprovalRejected  = "rejected"
	ApprovalExpired   = "expired"
	ApprovalEscalated = "escalated"
)

// ProcessExecution is the durable record of one process run.
//
// Map- and slice-typed fields are stored as JSON in the SQL backends.
type ProcessExecution struct {
	ID              string `json:"id"`
	OrgID           string `json:"org_id"`
	AgentID         string `json:"agent_id"`
	ConversationID  string `json:"conversation_id,omitempty"`
	ExecutionNumber int64  `json:"execution_number"`
	CorrelationID   string `json:"correlation_id,omitempty"`

	Status       string                 `json:"status"`
	TriggerType  string                 `json:"trigger_type"`
	TriggerInput map[string]interface{} `json:"trigger_input,omitempty"`

	CurrentNodeID  string                 `json:"current_node_id,omitempty"`
	CompletedNodes []string               `json:"completed_nodes,omitempty"`
	SkippedNodes   []string               `json:"skipped_nodes,omitempty"`
	Variables      map[string]interface{} `json:"variables,omitempty"`
	Output         interface{}            `json:"output,omitempty"`

	// CheckpointData is the engine's serialized resume state. WaitingFor
	// records what a paused execution is blocked on (approval, human_task,
	// delay, schedule, event, subprocess).
	CheckpointData map[string]interface{} `json:"checkpoint_data,omitempty"`
	CanResume      bool                   `json:"can_resume"`
	CheckpointAt   *time.Time             `json:"checkpoint_at,omitempty"`
	WaitingFor     string                 `json:"waiting_for,omitempty"`

	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorNodeID  string                 `json:"error_node_id,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`

	RetryCount  int        `json:"retry_count"`
	MaxRetries  int        `json:"max_retries"`
	LastRetryAt *time.Time `json:"last_retry_at,omitempty"`

	StartedAt       *time.Time `json:"started_at,omitempty"`
	CompletedAt     *time.Time `json:"completed_at,omitempty"`
	TotalDurationMS int64      `json:"total_duration_ms"`

	NodeCountExecuted int `json:"node_count_executed"`
	ToolCallsCount    int `json:"tool_calls_count"`
	AICallsCount      int `json:"ai_calls_count"`
	TokensUsed        int `json:"tokens_used"`

	ParentExecutionID string `json:"parent_execution_id,omitempty"`
	ParentNodeID      string `json:"parent_node_id,omitempty"`
	ExecutionDepth    int    `json:"execution_depth"`

	ProcessVersion     int                    `json:"process_version"`
	DefinitionSnapshot map[string]interface{} `json:"definition_snapshot,omitempty"`
	Metadata           map[string]interface{} `json:"metadata,omitempty"`

	CreatedAt time.Time `json:"created_at"`
	CreatedBy string    `json:"created_by,omitempty"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ProcessNodeExecution is the audit record of one node attempt group within
// an execution. ExecutionOrder is the global 1-indexed position across the
// run, including parallel branch nodes.
type ProcessNodeExecution struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	NodeType    string `json:"node_type"`
	NodeName    string `json:"node_name,omitempty"`

	Status string                 `json:"status"`
	Input  map[string]interface{} `json:"input,omitempty"`
	Output interface{}            `json:"output,omitempty"`

	// VariablesBefore and VariablesAfter are masked snapshots of the
	// variable bag around the node, for audit diffing.
	VariablesBefore map[string]interface{} `json:"variables_before,omitempty"`
	VariablesAfter  map[string]interface{} `json:"variables_after,omitempty"`

	// BranchTaken records the labeled branch a routing or gate node chose.
	BranchTaken string `json:"branch_taken,omitempty"`

	// LoopIndex and LoopTotal place the record inside a loop iteration.
	LoopIndex *int `json:"loop_index,omitempty"`
	LoopTotal *int `json:"loop_total,omitempty"`

	// Per-node-type diagnostic details, populated for tool, AI, and HTTP
	// nodes respectively.
	ToolDetails map[string]interface{} `json:"tool_details,omitempty"`
	LLMDetails  map[string]interface{} `json:"llm_details,omitempty"`
	HTTPDetails map[string]interface{} `json:"http_details,omitempty"`

	ErrorMessage string                 `json:"error_message,omitempty"`
	ErrorDetails map[string]interface{} `json:"error_details,omitempty"`

	Attempt        int `json:"attempt"`
	MaxAttempts    int `json:"max_attempts"`
	ExecutionOrder int `json:"execution_order"`

	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`
	DurationMS  int64      `json:"duration_ms"`

	// WaitDurationMS is how long a gate node spent parked before resume.
	WaitDurationMS int64 `json:"wait_duration_ms,omitempty"`
	TokensUsed     int   `json:"tokens_used"`
}

// ProcessApprovalRequest is a pending human decision blocking an execution.
type ProcessApprovalRequest struct {
	ID          string `json:"id"`
	ExecutionID string `json:"execution_id"`
	NodeID      string `json:"node_id"`
	OrgID       string `json:"org_id"`

	Title       string                 `json:"title"`
	Description string                 `json:"description,omitempty"`
	ContextData map[string]interface{} `json:"context_data,omitempty"`

	// AssigneeType is "any" (one decision suffices) or "all".
	AssigneeType     string   `json:"assignee_type"`
	AssignedUserIDs  []string `json:"assigned_user_ids,omitempty"`
	AssignedRoleIDs  []string `json:"assigned_role_ids,omitempty"`
	AssignedGroupIDs []string `json:"assigned_group_ids,omitempty"`

	// Priority is a host-facing inbox hint ("low", "normal", "high").
	Priority string `json:"priority,omitempty"`

	// MinApprovals is the approval quorum; values below 2 mean a single
	// approval decides. ApprovalCount tracks approvals received so far.
	MinApprovals  int `json:"min_approvals,omitempty"`
	ApprovalCount int `json:"approval_count"`

	Status           string     `json:"status"`
	Decision         string     `json:"decision,omitempty"`
	DecisionComments string     `json:"decision_comments,omitempty"`
	DecidedBy        string     `json:"decided_by,omitempty"`
	DecidedAt        *time.Time `json:"decided_at,omitempty"`

	// DecisionData accumulates every individual decision under "decisions",
	// so multi-approver gates keep the full trail.
	DecisionData map[string]interface{} `json:"decision_data,omitempty"`

	Deadline   *time.Time `json:"deadline,omitempty"`
	EscalateTo string     `json:"escalate_to,omitempty"`

	// EscalateAfterHours and EscalationUserIDs configure deadline
	// escalation; Escalated and EscalatedAt record that it happened.
	EscalateAfterHours float64    `json:"escalate_after_hours,omitempty"`
	EscalationUserIDs  []string   `json:"escalation_user_ids,omitempty"`
	Escalated          bool       `json:"escalated"`
	EscalatedAt        *time.Time `json:"escalated_at,omitempty"`

	// ReminderSent marks that the host has sent a pending reminder.
	ReminderSent bool `json:"reminder_sent"`

	CreatedAt time.Time `json:"created_at"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ExecutionFilter selects executions for ListExecutions. Zero values mean
// no filter; Limit 0 means no limit.
type ExecutionFilter struct {
	OrgID    string
	AgentID  string
	Status   string
	ParentID string
	Limit    int
	Offset   int
}

// Store persists process executions, their node-level audit trail, and
// approval requests.
//
// Implementations must be safe for concurrent use; parallel branches and
// sub-processes write concurrently.
type Store interface {
	// CreateExecution inserts a new execution record.
	CreateExecution(ctx context.Context, exec *ProcessExecution) error

	// UpdateExecution replaces an existing execution record.
	// Returns ErrNotFound if the id does not exist.
	UpdateExecution(ctx context.Context, exec *ProcessExecution) error

	// GetExecution retrieves an execution by id.
	GetExecution(ctx context.Context, id string) (*ProcessExecution, error)

	// ListExecutions returns executions matching the filter, newest first.
	ListExecutions(ctx context.Context, filter ExecutionFilter) ([]*ProcessExecution, error)

	// CountExecutionsByStatus returns execution counts per status for an
	// organization.
	CountExecutionsByStatus(ctx context.Context, orgID string) (map[string]int, error)

	// NextExecutionNumber returns the next monotonic execution number for
	// an agent, starting at 1.
	NextExecutionNumber(ctx context.Context, orgID, agentID string) (int64, error)

	// CreateNodeExecution inserts a node execution record.
	CreateNodeExecution(ctx context.Context, ne *ProcessNodeExecution) error

	// UpdateNodeExecution replaces a node execution record.
	// Returns ErrNotFound if the id does not exist.
	UpdateNodeExecution(ctx context.Context, ne *ProcessNodeExecution) error

	// ListNodeExecutions returns an execution's node records ordered by
	// execution order.
	ListNodeExecutions(ctx context.Context, executionID string) ([]*ProcessNodeExecution, error)

	// CreateApproval inserts an approval request.
	CreateApproval(ctx context.Context, ar *ProcessApprovalRequest) error

	// UpdateApproval replaces an approval request.
	// Returns ErrNotFound if the id does not exist.
	UpdateApproval(ctx context.Context, ar *ProcessApprovalRequest) error

	// GetApproval retrieves an approval request by id.
	GetApproval(ctx context.Context, id string) (*ProcessApprovalRequest, error)

	// ListPendingApprovalsForUser returns pending approvals visible to a
	// user: direct assignment, role or group intersection, or an approval
	// with no assignees at all (anyone may decide).
	ListPendingApprovalsForUser(ctx context.Context, orgID, userID string, roleIDs, groupIDs []string) ([]*ProcessApprovalRequest, error)

	// ExpireOverdueApprovals marks pending approvals past their deadline
	// as expired, or escalated when an escalation target is set. Returns
	// the affected approval ids so hosts can notify.
	ExpireOverdueApprovals(ctx context.Context, now time.Time) ([]string, error)

	// Close releases backend resources.
	Close() error
}
