package process

import (
	"context"
	"time"

	"github.com/procflow/procflow-go/process/store"
)

// ResumeInput carries the data that unblocks a waiting execution.
type ResumeInput struct {
	// Variables are written into state before execution continues,
	// attributed to the resume.
	Variables map[string]interface{}

	// ApprovalID, Decision, Comments, and DecidedBy apply a decision to
	// an approval or human-task gate. Decision is "approved" or "rejected".
	ApprovalID string
	Decision   string
	Comments   string
	DecidedBy  string

	// EventPayload becomes the waiting node's output for event gates and
	// human tasks without an approval record.
	EventPayload map[string]interface{}
}

// Decision values.
const (
	DecisionApproved = "approved"
	DecisionRejected = "rejected"
)

// Resume continues a waiting execution from its checkpoint. Resuming an
// already-finished execution is idempotent and returns the stored result.
func (e *Engine) Resume(ctx context.Context, executionID string, input ResumeInput) (*ProcessResult, error) {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return nil, wrapError(CategoryValidation, "EXECUTION_NOT_FOUND", err, "execution %s not found", executionID)
	}

	switch rec.Status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled, store.StatusTimedOut:
		return resultFromRecord(rec), nil
	case store.StatusWaiting, store.StatusPaused:
	default:
		return nil, NewValidationError("INVALID_RESUME", "execution %s is %s, not waiting", executionID, rec.Status)
	}
	if !rec.CanResume || rec.CheckpointData == nil {
		return nil, NewValidationError("INVALID_RESUME", "execution %s has no resumable checkpoint", executionID)
	}

	def, err := DefinitionFromSnapshot(rec.DefinitionSnapshot)
	if err != nil {
		return nil, NewInternalError("SNAPSHOT_DECODE_FAILED", "execution %s has an unreadable definition snapshot: %v", executionID, err)
	}
	cp, err := CheckpointFromMap(rec.CheckpointData)
	if err != nil {
		return nil, NewInternalError("CHECKPOINT_DECODE_FAILED", "execution %s has an unreadable checkpoint: %v", executionID, err)
	}

	st := NewState(def, e.clock)
	st.RestoreCheckpoint(cp)
	if len(input.Variables) > 0 {
		st.SetVariables(input.Variables, "resume")
	}

	waitingNode := def.GetNode(rec.CurrentNodeID)
	if waitingNode == nil {
		return nil, NewInternalError("RESUME_NODE_MISSING", "waiting node %s no longer exists in the definition", rec.CurrentNodeID)
	}

	// The waiting node may already be completed when two resume calls
	// race; completing it again would double its effects.
	alreadyDone := st.HasCompleted(waitingNode.ID)

	req := ExecuteRequest{
		OrgID:       rec.OrgID,
		AgentID:     rec.AgentID,
		UserID:      input.DecidedBy,
		TriggerType: rec.TriggerType,
		depth:       rec.ExecutionDepth,
	}
	r := e.newRun(def, rec, req)
	r.order.Store(int64(countNodeRecords(ctx, e.store, rec.ID)))
	r.tokens.Store(int64(rec.TokensUsed))
	r.aiCalls.Store(int64(rec.AICallsCount))
	r.toolCalls.Store(int64(rec.ToolCallsCount))

	waitingKind := WaitingKind(rec.WaitingFor)
	if waitingKind == "" {
		waitingKind = WaitEvent
	}

	rec.Status = store.StatusRunning
	rec.WaitingFor = ""
	rec.UpdatedAt = e.clock()
	if err := e.store.UpdateExecution(ctx, rec); err != nil {
		return nil, wrapError(CategoryInternal, "STORE_ERROR", err, "failed to mark execution running: %v", err)
	}
	e.metrics.execWaiting(-1)
	e.metrics.execStarted()

	gate, gateErr := e.applyGateInput(ctx, waitingKind, waitingNode, st, input)
	if gateErr != nil {
		return r.finalize(ctx, st, failedOutcome(gateErr.WithNode(waitingNode.ID), waitingNode.ID), true), nil
	}
	if gate.Status == NodeWaiting {
		return r.finalize(ctx, st, walkOutcome{kind: outcomeWaiting, waitingNode: waitingNode, waitingRes: gate}, true), nil
	}

	var startID string
	if alreadyDone {
		startID = st.Current()
		if startID == waitingNode.ID {
			next, selErr := r.selectNext(st, waitingNode, gate)
			if selErr != nil {
				return r.finalize(ctx, st, failedOutcome(selErr.WithNode(waitingNode.ID), waitingNode.ID), true), nil
			}
			startID = next
		}
	} else {
		// An approved gate on a tool call re-executes the node; the gate
		// counter lets it through this time.
		if gate.BranchTaken == DecisionApproved && waitingNode.Type == NodeToolCall {
			st.IncrCounter(approvalGateKey(waitingNode.ID))
			r.closeWaitingNodeRecord(ctx, st, waitingNode, gate)
			return e.drive(ctx, r, st, waitingNode.ID, true), nil
		}
		r.recordSuccess(st, waitingNode, gate)
		r.closeWaitingNodeRecord(ctx, st, waitingNode, gate)
		if gate.Status == NodeFailed {
			return r.finalize(ctx, st, failedOutcome(gate.Err.WithNode(waitingNode.ID), waitingNode.ID), true), nil
		}
		var next string
		if gate.BranchTaken == DecisionRejected {
			// A rejection never continues down the normal path; it needs an
			// explicitly labeled rejection edge, otherwise the process fails.
			next = r.rejectedRoute(waitingNode)
			if next == "" {
				rejErr := NewBusinessError("APPROVAL_REJECTED", "approval at node %s was rejected", waitingNode.ID).WithNode(waitingNode.ID)
				return r.finalize(ctx, st, failedOutcome(rejErr, waitingNode.ID), true), nil
			}
		} else {
			var selErr *ExecutionError
			next, selErr = r.selectNext(st, waitingNode, gate)
			if selErr != nil {
				return r.finalize(ctx, st, failedOutcome(selErr.WithNode(waitingNode.ID), waitingNode.ID), true), nil
			}
		}
		next = r.adjustForLoops(st, waitingNode, gate, next)
		if next == "" {
			return r.finalize(ctx, st, walkOutcome{kind: outcomeCompleted, output: gate.Output}, true), nil
		}
		startID = next
	}
	if startID == "" {
		return r.finalize(ctx, st, walkOutcome{kind: outcomeCompleted}, true), nil
	}

	return e.drive(ctx, r, st, startID, true), nil
}

// closeWaitingNodeRecord completes the audit record the gate left in the
// waiting state, recording the parked duration and the decision outcome.
func (r *execRun) closeWaitingNodeRecord(ctx context.Context, st *State, node *Node, gate *NodeResult) {
	records, err := r.e.store.ListNodeExecutions(ctx, r.rec.ID)
	if err != nil {
		return
	}
	for i := len(records) - 1; i >= 0; i-- {
		ne := records[i]
		if ne.NodeID != node.ID || ne.Status != store.NodeStatusWaiting {
			continue
		}
		now := r.e.clock()
		ne.Status = store.NodeStatusCompleted
		ne.CompletedAt = &now
		if ne.StartedAt != nil {
			ne.WaitDurationMS = now.Sub(*ne.StartedAt).Milliseconds()
		}
		ne.Output = st.MaskValue(gate.Output)
		ne.BranchTaken = gate.BranchTaken
		ne.VariablesAfter = st.ExportVariables()
		_ = r.e.store.UpdateNodeExecution(ctx, ne)
		return
	}
}

// rejectedRoute finds the rejection successor of a gate node: an outgoing
// edge labeled "rejected", or a rejected_node config entry.
func (r *execRun) rejectedRoute(node *Node) string {
	if target := configString(node.Config, "rejected_node", ""); target != "" {
		return target
	}
	for _, edge := range r.def.OutgoingEdges(node.ID) {
		if edge.Label == DecisionRejected {
			return edge.Target
		}
	}
	return ""
}

// applyGateInput turns resume input into the waiting node's result: the
// decision for approval gates, the payload for events and human tasks, a
// plain success for timers.
func (e *Engine) applyGateInput(ctx context.Context, kind WaitingKind, node *Node, st *State, input ResumeInput) (*NodeResult, *ExecutionError) {
	switch kind {
	case WaitApproval, WaitHumanTask:
		decision := input.Decision
		if decision == "" {
			decision = DecisionApproved
		}
		if decision != DecisionApproved && decision != DecisionRejected {
			return nil, NewValidationError("INVALID_DECISION", "decision %q is not approved or rejected", input.Decision)
		}
		if input.ApprovalID != "" {
			input.Decision = decision
			ar, err := e.recordDecision(ctx, input)
			if err != nil {
				return nil, err
			}
			if ar.Status == store.ApprovalPending {
				// Quorum not met yet; the gate stays parked on the same
				// approval record.
				return Waiting(kind, map[string]interface{}{
					"approval_id":   ar.ID,
					"approvals":     ar.ApprovalCount,
					"min_approvals": ar.MinApprovals,
				}), nil
			}
		}
		output := map[string]interface{}{
			"approved":   decision == DecisionApproved,
			"decision":   decision,
			"comments":   input.Comments,
			"decided_by": input.DecidedBy,
		}
		for k, v := range input.EventPayload {
			output[k] = v
		}
		res := Success(output)
		res.BranchTaken = decision
		return res, nil

	case WaitEvent:
		var out interface{} = map[string]interface{}{"received": true}
		if input.EventPayload != nil {
			out = input.EventPayload
		}
		return Success(out), nil

	case WaitSubProcess:
		out := map[string]interface{}{"resumed": true}
		for k, v := range input.EventPayload {
			out[k] = v
		}
		return Success(out), nil

	default: // delay, schedule
		return Success(map[string]interface{}{"waited": true}), nil
	}
}

// recordDecision persists a decision on the approval record. A rejection
// or a quorum-meeting approval closes the record; an approval short of
// the quorum leaves it pending with the count advanced. A decision on an
// already-decided approval is rejected so two approvers cannot both win
// an "any" gate.
func (e *Engine) recordDecision(ctx context.Context, input ResumeInput) (*store.ProcessApprovalRequest, *ExecutionError) {
	ar, err := e.store.GetApproval(ctx, input.ApprovalID)
	if err != nil {
		return nil, wrapError(CategoryValidation, "APPROVAL_NOT_FOUND", err, "approval %s not found", input.ApprovalID)
	}
	if ar.Status != store.ApprovalPending {
		return nil, NewValidationError("APPROVAL_ALREADY_DECIDED", "approval %s is already %s", ar.ID, ar.Status)
	}
	now := e.clock()
	if ar.DecisionData == nil {
		ar.DecisionData = map[string]interface{}{}
	}
	decisions, _ := ar.DecisionData["decisions"].([]interface{})
	ar.DecisionData["decisions"] = append(decisions, map[string]interface{}{
		"decision":   input.Decision,
		"comments":   input.Comments,
		"decided_by": input.DecidedBy,
		"decided_at": now.Format(time.RFC3339),
	})

	if input.Decision == DecisionRejected {
		ar.Status = store.ApprovalRejected
	} else {
		ar.ApprovalCount++
		if ar.MinApprovals <= 1 || ar.ApprovalCount >= ar.MinApprovals {
			ar.Status = store.ApprovalApproved
		}
	}
	if ar.Status != store.ApprovalPending {
		ar.Decision = input.Decision
		ar.DecisionComments = input.Comments
		ar.DecidedBy = input.DecidedBy
		ar.DecidedAt = &now
	}
	ar.UpdatedAt = now
	if err := e.store.UpdateApproval(ctx, ar); err != nil {
		return nil, wrapError(CategoryInternal, "STORE_ERROR", err, "failed to record decision: %v", err)
	}
	return ar, nil
}

func countNodeRecords(ctx context.Context, s store.Store, executionID string) int {
	records, err := s.ListNodeExecutions(ctx, executionID)
	if err != nil {
		return 0
	}
	return len(records)
}

// resultFromRecord rebuilds a ProcessResult from a stored execution, for
// idempotent resume calls on finished runs.
func resultFromRecord(rec *store.ProcessExecution) *ProcessResult {
	result := &ProcessResult{
		ExecutionID:    rec.ID,
		Status:         ExecutionStatus(rec.Status),
		Output:         rec.Output,
		FinalVariables: rec.Variables,
		NodesExecuted:  rec.NodeCountExecuted,
		TokensUsed:     rec.TokensUsed,
	}
	if rec.Status == store.StatusFailed || rec.Status == store.StatusTimedOut {
		result.FailedNodeID = rec.ErrorNodeID
		code := "EXECUTION_FAILED"
		category := CategoryInternal
		if rec.ErrorDetails != nil {
			if v, ok := rec.ErrorDetails["code"].(string); ok && v != "" {
				code = v
			}
			if v, ok := rec.ErrorDetails["category"].(string); ok && v != "" {
				category = ErrorCategory(v)
			}
		}
		result.Err = newError(category, code, "%s", rec.ErrorMessage)
	}
	return result
}
