package process

import (
	"context"
	"fmt"
	"strings"
)

// toolCallExecutor invokes a registered tool with interpolated arguments.
// Tools can be gated behind an approval: the first pass pauses the
// execution, and an approved resume runs the tool.
//
// Config:
//
//	tool               tool name (required)
//	args               argument map, interpolated (optional)
//	requires_approval  pause for approval before running, default false
//	approval_title     title on the approval request
type toolCallExecutor struct {
	deps *Dependencies
}

func (x *toolCallExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "tool", "") == "" {
		return NewValidationError("MISSING_CONFIG", "tool call node %s needs a tool name", node.ID)
	}
	return nil
}

func (x *toolCallExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	name := configString(node.Config, "tool", "")

	if denied(name, x.deps.AllowedTools, x.deps.DeniedTools) {
		return Failure(newError(CategoryAuthorization, "TOOL_ACCESS_DENIED",
			"tool %s is not permitted for this process", name))
	}
	t, ok := x.deps.Tools[name]
	if !ok {
		return Failure(NewConfigurationError("TOOL_NOT_FOUND", "tool %s is not registered", name))
	}

	args := map[string]interface{}{}
	if raw := configMap(node.Config, "args"); raw != nil {
		resolved, err := st.InterpolateValue(raw)
		if err != nil {
			return Failure(err)
		}
		args = resolved.(map[string]interface{})
	}

	if configBool(node.Config, "requires_approval", false) && st.Counter(approvalGateKey(node.ID)) == 0 {
		title := configString(node.Config, "approval_title", fmt.Sprintf("Approve tool call: %s", name))
		// Approvers see the resolved arguments, not the templates.
		return Waiting(WaitApproval, map[string]interface{}{
			"title":       title,
			"description": fmt.Sprintf("Process wants to run tool %s", name),
			"context":     map[string]interface{}{"tool": name, "args": args},
		})
	}

	result, err := t.Execute(ctx, args)
	if err != nil {
		return Failure(wrapError(CategoryExternal, "TOOL_ERROR", err, "tool %s failed: %v", name, err).Retryable())
	}
	if !result.Success {
		// A domain-level failure from the tool is not an infrastructure
		// error and is not retried.
		return Failure(NewBusinessError("TOOL_REJECTED", "tool %s reported: %s", name, result.Error))
	}

	out := make(map[string]interface{}, len(result.Data))
	for k, v := range result.Data {
		out[k] = v
	}
	res := Success(out)
	res.Details = map[string]interface{}{"tool": name, "args": args}
	return res
}

// approvalGateKey is the internal counter an approved resume sets to let
// a gated node proceed.
func approvalGateKey(nodeID string) string { return "gate:" + nodeID }

// denied applies the deny list first, then the allow list; an empty allow
// list permits everything not denied.
func denied(name string, allowed, deniedList []string) bool {
	for _, d := range deniedList {
		if d == name {
			return true
		}
	}
	if len(allowed) == 0 {
		return false
	}
	for _, a := range allowed {
		if a == name {
			return false
		}
	}
	return true
}

// scriptExecutor evaluates a sandboxed expression against the variables.
// The expression language has no IO, so scripts can only compute.
//
// Config:
//
//	script      the expression (required)
//	variables   extra named expressions evaluated and written to state
type scriptExecutor struct{}

const maxScriptLength = 8192

func (x *scriptExecutor) Validate(node *Node) *ExecutionError {
	script := configString(node.Config, "script", "")
	if script == "" {
		return NewValidationError("MISSING_CONFIG", "script node %s needs a script", node.ID)
	}
	if len(script) > maxScriptLength {
		return NewValidationError("SCRIPT_TOO_LONG", "script node %s exceeds %d characters", node.ID, maxScriptLength)
	}
	return nil
}

func (x *scriptExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	script := configString(node.Config, "script", "")
	value, err := st.Evaluate(strings.TrimSpace(script))
	if err != nil {
		return Failure(err)
	}

	res := Success(value)
	if extra := configMap(node.Config, "variables"); len(extra) > 0 {
		res.VariablesUpdate = make(map[string]interface{}, len(extra))
		for name, expr := range extra {
			code, ok := expr.(string)
			if !ok {
				return Failure(NewValidationError("INVALID_CONFIG",
					"script node %s variable %s must be an expression string", node.ID, name))
			}
			v, evalErr := st.Evaluate(code)
			if evalErr != nil {
				return Failure(evalErr)
			}
			res.VariablesUpdate[name] = v
		}
	}
	return res
}
