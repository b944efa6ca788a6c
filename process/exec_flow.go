package process

import (
	"context"
	"strings"
)

// startExecutor begins the walk. It carries no behavior of its own.
type startExecutor struct{}

func (x *startExecutor) Validate(node *Node) *ExecutionError { return nil }

func (x *startExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	return Success(nil)
}

// endExecutor terminates the walk, optionally collecting a final output
// value from its config.
type endExecutor struct{}

func (x *endExecutor) Validate(node *Node) *ExecutionError { return nil }

func (x *endExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	if raw, ok := node.Config["output"]; ok {
		out, err := st.InterpolateValue(raw)
		if err != nil {
			return Failure(err)
		}
		return Success(out)
	}
	return Success(nil)
}

// mergeExecutor joins parallel branches and combines the outputs of its
// source nodes. The branch bookkeeping happens in the engine; by the time
// the merge node runs, every joined branch's node outputs are visible.
//
// Config:
//
//	strategy      "concat", "object", or "array"; without a strategy the
//	              node is a pure join point with no output
//	source_nodes  node ids whose outputs feed the merge (required when a
//	              strategy is set)
type mergeExecutor struct{}

func (x *mergeExecutor) Validate(node *Node) *ExecutionError {
	strategy := configString(node.Config, "strategy", "")
	switch strategy {
	case "", "concat", "object", "array":
	default:
		return NewValidationError("INVALID_CONFIG", "merge node %s has unknown strategy %q", node.ID, strategy)
	}
	if strategy != "" && len(configStringSlice(node.Config, "source_nodes")) == 0 {
		return NewValidationError("MISSING_CONFIG", "merge node %s needs source_nodes for strategy %s", node.ID, strategy)
	}
	return nil
}

func (x *mergeExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	strategy := configString(node.Config, "strategy", "")
	if strategy == "" {
		return Success(nil)
	}

	sources := configStringSlice(node.Config, "source_nodes")
	outputs := make([]interface{}, len(sources))
	for i, id := range sources {
		out, _ := st.NodeOutput(id)
		outputs[i] = out
	}

	switch strategy {
	case "object":
		merged := map[string]interface{}{}
		for i, out := range outputs {
			switch v := out.(type) {
			case nil:
			case map[string]interface{}:
				for k, item := range v {
					merged[k] = item
				}
			default:
				// A scalar source keeps its node id as the key.
				merged[sources[i]] = v
			}
		}
		return Success(merged)

	case "array":
		list := make([]interface{}, len(outputs))
		copy(list, outputs)
		return Success(list)

	default: // concat
		allLists := true
		for _, out := range outputs {
			if _, ok := out.([]interface{}); !ok && out != nil {
				allLists = false
				break
			}
		}
		if allLists {
			var flat []interface{}
			for _, out := range outputs {
				if items, ok := out.([]interface{}); ok {
					flat = append(flat, items...)
				}
			}
			return Success(flat)
		}
		var b strings.Builder
		for _, out := range outputs {
			b.WriteString(stringifyValue(out))
		}
		return Success(b.String())
	}
}

// gatewayExecutor is an exclusive routing point: it produces no output and
// lets its conditional outgoing edges pick the successor.
type gatewayExecutor struct{}

func (x *gatewayExecutor) Validate(node *Node) *ExecutionError { return nil }

func (x *gatewayExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	return Success(nil)
}
