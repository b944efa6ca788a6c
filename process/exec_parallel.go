package process

import "context"

// parallelExecutor fans out into concurrent branches. The engine runs the
// branches and joins them; this executor only names the entry nodes. With
// no configured branches the engine fans out along the node's edges.
//
// Config:
//
//	branches    entry node ids, one per branch (optional, else edges)
//	join        "wait_all" (default), "wait_any", or "wait_n"
//	wait_count  required branch completions for wait_n
//	fail_fast   cancel siblings on first failure, default true
type parallelExecutor struct{}

func (x *parallelExecutor) Validate(node *Node) *ExecutionError {
	join := configString(node.Config, "join", JoinWaitAll)
	switch join {
	case JoinWaitAll, JoinWaitAny:
	case JoinWaitN:
		if configInt(node.Config, "wait_count", 0) <= 0 {
			return NewValidationError("INVALID_JOIN", "parallel node %s needs a positive wait_count for wait_n", node.ID)
		}
	default:
		return NewValidationError("INVALID_JOIN", "parallel node %s has unknown join strategy %q", node.ID, join)
	}
	return nil
}

func (x *parallelExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	res := Success(nil)
	res.NextNodeIDs = configStringSlice(node.Config, "branches")
	return res
}

// subProcessExecutor requests a child execution; the engine performs it.
//
// Config:
//
//	definition       inline child definition (map form)
//	definition_id    id resolved through the definitions dependency
//	input            map interpolated into the child's trigger input
//	wait             block until the child finishes, default true
//	timeout_seconds  bound on a waited-on child, default none
type subProcessExecutor struct {
	deps *Dependencies
}

func (x *subProcessExecutor) Validate(node *Node) *ExecutionError {
	_, inline := node.Config["definition"]
	if !inline && configString(node.Config, "definition_id", "") == "" {
		return NewValidationError("MISSING_CONFIG", "sub-process node %s needs a definition or definition_id", node.ID)
	}
	return nil
}

func (x *subProcessExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	var def *Definition
	if inline, ok := node.Config["definition"].(map[string]interface{}); ok {
		parsed, err := DefinitionFromSnapshot(inline)
		if err != nil {
			return Failure(NewValidationError("INVALID_DEFINITION",
				"sub-process node %s has an invalid inline definition: %v", node.ID, err))
		}
		def = parsed
	} else {
		if x.deps.Definitions == nil {
			return Failure(NewConfigurationError("MISSING_DEPENDENCY",
				"sub-process node %s references a definition id but no definition resolver is configured", node.ID))
		}
		id := configString(node.Config, "definition_id", "")
		resolved, err := x.deps.Definitions.Get(ctx, id)
		if err != nil {
			return Failure(wrapError(CategoryConfiguration, "DEFINITION_NOT_FOUND", err,
				"sub-process definition %s could not be resolved: %v", id, err))
		}
		def = resolved
	}

	input := map[string]interface{}{}
	if raw := configMap(node.Config, "input"); raw != nil {
		resolved, err := st.InterpolateValue(raw)
		if err != nil {
			return Failure(err)
		}
		input = resolved.(map[string]interface{})
	}

	res := Success(nil)
	res.SubProcess = &SubProcessRequest{
		Definition:        def,
		Input:             input,
		WaitForCompletion: configBool(node.Config, "wait", true),
		TimeoutSeconds:    configInt(node.Config, "timeout_seconds", 0),
	}
	return res
}
