package process

import (
	"context"
	"fmt"
)

// conditionExecutor evaluates a boolean expression and routes on it.
//
// Config:
//
//	expression  boolean expression (required)
//	true_node   successor when true (optional, else edges route)
//	false_node  successor when false (optional)
type conditionExecutor struct{}

func (x *conditionExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "expression", "") == "" {
		return NewValidationError("MISSING_CONFIG", "condition node %s needs an expression", node.ID)
	}
	return nil
}

func (x *conditionExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	expression := configString(node.Config, "expression", "")
	value, err := st.EvaluateCondition(expression)
	if err != nil {
		return Failure(err)
	}

	res := Success(value)
	if value {
		res.BranchTaken = "true"
		res.NextNodeID = configString(node.Config, "true_node", "")
	} else {
		res.BranchTaken = "false"
		res.NextNodeID = configString(node.Config, "false_node", "")
	}
	return res
}

// switchExecutor evaluates an expression and routes by its stringified
// value.
//
// Config:
//
//	expression  expression producing the switch value (required)
//	cases       map of value to successor node id (optional; a matched
//	            case with an empty id routes through edge labels instead)
//	default     successor when no case matches (optional)
type switchExecutor struct{}

func (x *switchExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "expression", "") == "" {
		return NewValidationError("MISSING_CONFIG", "switch node %s needs an expression", node.ID)
	}
	return nil
}

func (x *switchExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	expression := configString(node.Config, "expression", "")
	value, err := st.Evaluate(expression)
	if err != nil {
		return Failure(err)
	}
	key := stringifyValue(value)

	res := Success(key)
	res.BranchTaken = key

	cases := configMap(node.Config, "cases")
	if target, ok := cases[key]; ok {
		if id, ok := target.(string); ok && id != "" {
			res.NextNodeID = id
		}
		return res
	}
	if def := configString(node.Config, "default", ""); def != "" {
		res.BranchTaken = "default"
		res.NextNodeID = def
		return res
	}
	if len(cases) > 0 {
		return Failure(NewBusinessError("NO_CASE_MATCHED",
			"switch value %s matched no case and no default is configured", fmt.Sprintf("%q", key)))
	}
	return res
}
