package process

import "context"

const defaultWhileMaxIterations = 100

// loopExecutor iterates a body sub-path over a list of items. The engine
// drives the per-item walk through the pushed loop frame; this executor
// only opens it.
//
// Config:
//
//	items       expression, {{ placeholder }}, or literal list (required)
//	item_var    variable holding the current item, default "item"
//	index_var   variable holding the current index (optional)
//	body_nodes  node ids forming the loop body, in walk order (required)
//	exit_node   successor after the last item (optional, else edges route)
//	max_items   cap on list length, default 1000
type loopExecutor struct{}

func (x *loopExecutor) Validate(node *Node) *ExecutionError {
	if _, ok := node.Config["items"]; !ok {
		return NewValidationError("MISSING_CONFIG", "loop node %s needs items", node.ID)
	}
	if len(configStringSlice(node.Config, "body_nodes")) == 0 {
		return NewValidationError("MISSING_CONFIG", "loop node %s needs body_nodes", node.ID)
	}
	return nil
}

func (x *loopExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	resolved, err := st.InterpolateValue(node.Config["items"])
	if err != nil {
		return Failure(err)
	}
	items, ok := resolved.([]interface{})
	if !ok {
		if resolved == nil {
			items = nil
		} else {
			return Failure(NewValidationError("INVALID_ITEMS",
				"loop node %s items resolved to %T, want a list", node.ID, resolved))
		}
	}

	maxItems := configInt(node.Config, "max_items", 1000)
	if len(items) > maxItems {
		return Failure(NewResourceError("MAX_ITERATIONS_EXCEEDED",
			"loop node %s has %d items, cap is %d", node.ID, len(items), maxItems))
	}

	exitNode := configString(node.Config, "exit_node", "")
	if len(items) == 0 {
		res := Success(map[string]interface{}{"results": []interface{}{}, "iterations": 0})
		res.NextNodeID = exitNode
		return res
	}

	body := configStringSlice(node.Config, "body_nodes")
	st.PushLoop(&LoopFrame{
		NodeID:     node.ID,
		Items:      items,
		ItemVar:    configString(node.Config, "item_var", "item"),
		IndexVar:   configString(node.Config, "index_var", ""),
		BodyNodes:  body,
		ExitNodeID: exitNode,
	})

	res := Success(map[string]interface{}{"iterations": len(items)})
	res.NextNodeID = body[0]
	return res
}

// whileExecutor re-evaluates a condition each time the walk passes through
// it; the loop body routes back to this node. The iteration counter lives
// in engine-internal state, never in variables.
//
// Config:
//
//	condition       boolean expression (required)
//	body_node       successor while the condition holds (required)
//	exit_node       successor once it fails (optional, else edges route)
//	max_iterations  iteration cap, default 100
type whileExecutor struct{}

func (x *whileExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "condition", "") == "" {
		return NewValidationError("MISSING_CONFIG", "while node %s needs a condition", node.ID)
	}
	if configString(node.Config, "body_node", "") == "" {
		return NewValidationError("MISSING_CONFIG", "while node %s needs a body_node", node.ID)
	}
	return nil
}

func (x *whileExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	counterKey := "while:" + node.ID
	maxIter := configInt(node.Config, "max_iterations", defaultWhileMaxIterations)

	count := st.IncrCounter(counterKey)
	if count > maxIter {
		st.ResetCounter(counterKey)
		return Failure(NewResourceError("MAX_ITERATIONS_EXCEEDED",
			"while node %s exceeded %d iterations", node.ID, maxIter))
	}

	hold, err := st.EvaluateCondition(configString(node.Config, "condition", ""))
	if err != nil {
		st.ResetCounter(counterKey)
		return Failure(err)
	}

	if hold {
		res := Success(map[string]interface{}{"iteration": count})
		res.NextNodeID = configString(node.Config, "body_node", "")
		res.BranchTaken = "body"
		return res
	}

	st.ResetCounter(counterKey)
	res := Success(map[string]interface{}{"iterations": count - 1})
	res.NextNodeID = configString(node.Config, "exit_node", "")
	res.BranchTaken = "exit"
	return res
}
