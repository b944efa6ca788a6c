package process

// NodeStatus is the outcome of one node execution.
type NodeStatus string

// Node outcomes.
const (
	NodeSuccess NodeStatus = "success"
	NodeFailed  NodeStatus = "failed"
	NodeSkipped NodeStatus = "skipped"
	NodeWaiting NodeStatus = "waiting"
)

// ExecutionStatus is the lifecycle state of a process execution.
type ExecutionStatus string

// Execution lifecycle states.
const (
	ExecutionPending   ExecutionStatus = "pending"
	ExecutionRunning   ExecutionStatus = "running"
	ExecutionWaiting   ExecutionStatus = "waiting"
	ExecutionPaused    ExecutionStatus = "paused"
	ExecutionCompleted ExecutionStatus = "completed"
	ExecutionFailed    ExecutionStatus = "failed"
	ExecutionCancelled ExecutionStatus = "cancelled"
	ExecutionTimedOut  ExecutionStatus = "timed_out"
)

// WaitingKind names what a paused execution is blocked on.
type WaitingKind string

// Waiting kinds.
const (
	WaitApproval   WaitingKind = "approval"
	WaitHumanTask  WaitingKind = "human_task"
	WaitDelay      WaitingKind = "delay"
	WaitSchedule   WaitingKind = "schedule"
	WaitEvent      WaitingKind = "event"
	WaitSubProcess WaitingKind = "subprocess"
)

// NodeResult is what an executor returns for one node attempt.
type NodeResult struct {
	Status NodeStatus

	// Output is the node's result value, recorded under the node id and,
	// when the node declares an output variable, published into variables.
	Output interface{}

	// VariablesUpdate holds additional variable writes beyond the output
	// variable, applied atomically with the node's completion.
	VariablesUpdate map[string]interface{}

	// NextNodeID overrides edge selection when set. NextNodeIDs is the
	// fan-out set for PARALLEL nodes.
	NextNodeID  string
	NextNodeIDs []string

	// BranchTaken records which labeled branch a routing node chose.
	BranchTaken string

	// Err is set when Status is NodeFailed.
	Err *ExecutionError

	// WaitingFor and WaitingMetadata describe a NodeWaiting pause; the
	// metadata drives approval/task record creation and resume routing.
	WaitingFor      WaitingKind
	WaitingMetadata map[string]interface{}

	// SubProcess requests a child execution; only SUB_PROCESS nodes set it.
	SubProcess *SubProcessRequest

	// TokensUsed reports model token consumption for accounting.
	TokensUsed int

	// Details carries executor-specific diagnostics onto the node's audit
	// record: the tool and arguments, the model and token split, or the
	// request method, URL, and status code.
	Details map[string]interface{}

	// Attempts is the number of attempts the retry envelope spent on this
	// node, at least 1 once the node has run.
	Attempts int

	// Logs are human-readable notes recorded on the node execution,
	// such as output-verification warnings.
	Logs []string
}

// SubProcessRequest asks the engine to run a child process.
type SubProcessRequest struct {
	// Definition is the child definition to run.
	Definition *Definition

	// Input seeds the child's trigger input.
	Input map[string]interface{}

	// WaitForCompletion blocks the parent until the child finishes.
	WaitForCompletion bool

	// TimeoutSeconds bounds a waited-on child; zero means no bound.
	TimeoutSeconds int
}

// Success builds a successful NodeResult carrying an output value.
func Success(output interface{}) *NodeResult {
	return &NodeResult{Status: NodeSuccess, Output: output}
}

// Failure builds a failed NodeResult.
func Failure(err *ExecutionError) *NodeResult {
	return &NodeResult{Status: NodeFailed, Err: err}
}

// Skip builds a skipped NodeResult with a reason log.
func Skip(reason string) *NodeResult {
	r := &NodeResult{Status: NodeSkipped}
	if reason != "" {
		r.Logs = []string{reason}
	}
	return r
}

// Waiting builds a waiting NodeResult.
func Waiting(kind WaitingKind, meta map[string]interface{}) *NodeResult {
	return &NodeResult{Status: NodeWaiting, WaitingFor: kind, WaitingMetadata: meta}
}

// ProcessResult is the outcome of Engine.Execute or Engine.Resume.
type ProcessResult struct {
	ExecutionID string
	Status      ExecutionStatus

	// Output is the END node's collected output, when the process
	// completed.
	Output interface{}

	// FinalVariables is a copy of the variable bag at termination or pause.
	FinalVariables map[string]interface{}

	// NodesExecuted counts completed nodes, including repeats across loop
	// iterations and parallel branch nodes.
	NodesExecuted int

	// Err and FailedNodeID are set when Status is ExecutionFailed or
	// ExecutionTimedOut.
	Err          *ExecutionError
	FailedNodeID string

	// WaitingFor, ResumeNodeID, and WaitingMetadata describe a waiting
	// pause; ResumeNodeID is the node execution resumes at.
	WaitingFor      WaitingKind
	ResumeNodeID    string
	WaitingMetadata map[string]interface{}

	// TokensUsed totals model token consumption across the run.
	TokensUsed int
}
