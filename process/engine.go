package process

import (
	"context"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/procflow/procflow-go/process/emit"
	"github.com/procflow/procflow-go/process/store"
)

// Engine defaults, overridable per definition or per engine option.
const (
	defaultMaxNodeExecutions   = 1000
	defaultCheckpointInterval  = 5
	defaultMaxParallelBranches = 8
	defaultMaxSubProcessDepth  = 5
)

// Engine executes process definitions step by step: it walks the node
// graph, persists an audit trail, pauses on human and timer gates, and
// resumes from checkpoints.
type Engine struct {
	deps     *Dependencies
	registry *Registry
	store    store.Store
	emitter  emit.Emitter
	metrics  *Metrics

	maxParallel int
	maxDepth    int
	outputRoot  string
	clock       func() time.Time

	mu        sync.Mutex
	cancels   map[string]context.CancelFunc
	cancelled map[string]bool
}

// Option configures an Engine.
type Option func(*Engine)

// WithEmitter sets the observability emitter. Default is no emission.
func WithEmitter(em emit.Emitter) Option {
	return func(e *Engine) { e.emitter = em }
}

// WithMetrics sets the Prometheus collectors. Default is no metrics.
func WithMetrics(m *Metrics) Option {
	return func(e *Engine) { e.metrics = m }
}

// WithRegistry replaces the built-in executor registry.
func WithRegistry(r *Registry) Option {
	return func(e *Engine) { e.registry = r }
}

// WithMaxParallelBranches caps concurrently running parallel branches.
func WithMaxParallelBranches(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxParallel = n
		}
	}
}

// WithMaxSubProcessDepth caps sub-process nesting.
func WithMaxSubProcessDepth(n int) Option {
	return func(e *Engine) {
		if n > 0 {
			e.maxDepth = n
		}
	}
}

// WithOutputRoot sets the directory under which per-execution output
// directories are created for file operation nodes.
func WithOutputRoot(dir string) Option {
	return func(e *Engine) { e.outputRoot = dir }
}

// WithClock overrides time.Now, for tests.
func WithClock(clock func() time.Time) Option {
	return func(e *Engine) { e.clock = clock }
}

// New creates an engine. A nil store falls back to in-memory persistence;
// a nil deps bundle disables the executors that need external services.
func New(deps *Dependencies, st store.Store, opts ...Option) *Engine {
	if deps == nil {
		deps = &Dependencies{}
	}
	if st == nil {
		st = store.NewMemoryStore()
	}
	e := &Engine{
		deps:        deps,
		registry:    DefaultRegistry(),
		store:       st,
		emitter:     emit.NullEmitter{},
		metrics:     nil,
		maxParallel: defaultMaxParallelBranches,
		maxDepth:    defaultMaxSubProcessDepth,
		outputRoot:  deps.OutputRoot,
		clock:       deps.now,
		cancels:     make(map[string]context.CancelFunc),
		cancelled:   make(map[string]bool),
	}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Store exposes the persistence backend, for hosts that list executions
// or pending approvals directly.
func (e *Engine) Store() store.Store { return e.store }

// ExecuteRequest describes one process run.
type ExecuteRequest struct {
	Definition *Definition

	OrgID          string
	AgentID        string
	UserID         string
	ConversationID string
	CorrelationID  string

	// TriggerType records how the run started ("manual", "webhook",
	// "schedule", "event", "subprocess").
	TriggerType string

	// TriggerInput seeds variables: through the definition's input mapping
	// when one is declared, otherwise copied key by key.
	TriggerInput map[string]interface{}

	Metadata map[string]interface{}

	// Parent linkage, set internally for sub-process runs.
	parentExecutionID string
	parentNodeID      string
	depth             int
}

// Execute runs a process definition to completion, failure, or a waiting
// pause. The returned ProcessResult is also persisted on the execution
// record; the error return is reserved for invalid requests, execution
// outcomes are reported in the result.
func (e *Engine) Execute(ctx context.Context, req ExecuteRequest) (*ProcessResult, error) {
	def := req.Definition
	if def == nil {
		return nil, NewValidationError("INVALID_DEFINITION", "definition is required")
	}
	if err := def.Validate(); err != nil {
		return nil, err
	}
	if req.depth > e.maxDepth {
		return nil, NewResourceError("MAX_DEPTH_EXCEEDED", "sub-process nesting exceeds %d levels", e.maxDepth)
	}

	number, err := e.store.NextExecutionNumber(ctx, req.OrgID, req.AgentID)
	if err != nil {
		return nil, wrapError(CategoryInternal, "STORE_ERROR", err, "failed to allocate execution number: %v", err)
	}

	now := e.clock()
	rec := &store.ProcessExecution{
		ID:                 uuid.NewString(),
		OrgID:              req.OrgID,
		AgentID:            req.AgentID,
		ConversationID:     req.ConversationID,
		ExecutionNumber:    number,
		CorrelationID:      req.CorrelationID,
		Status:             store.StatusRunning,
		TriggerType:        req.TriggerType,
		TriggerInput:       req.TriggerInput,
		StartedAt:          &now,
		ParentExecutionID:  req.parentExecutionID,
		ParentNodeID:       req.parentNodeID,
		ExecutionDepth:     req.depth,
		ProcessVersion:     def.Version,
		DefinitionSnapshot: def.Snapshot(),
		Metadata:           req.Metadata,
		CreatedAt:          now,
		CreatedBy:          req.UserID,
		UpdatedAt:          now,
	}
	if err := e.store.CreateExecution(ctx, rec); err != nil {
		return nil, wrapError(CategoryInternal, "STORE_ERROR", err, "failed to create execution record: %v", err)
	}

	st := NewState(def, e.clock)
	seedTriggerInput(st, def, req.TriggerInput)

	r := e.newRun(def, rec, req)
	start := def.StartNode()
	e.metrics.execStarted()
	return e.drive(ctx, r, st, start.ID, false), nil
}

// seedTriggerInput publishes trigger input into variables, through the
// definition's input mapping when one is declared.
func seedTriggerInput(st *State, def *Definition, input map[string]interface{}) {
	if len(input) == 0 {
		return
	}
	if len(def.InputMapping) > 0 {
		for varName, field := range def.InputMapping {
			if v, ok := input[field]; ok {
				st.SetVariable(varName, v, "trigger")
			}
		}
		return
	}
	st.SetVariables(input, "trigger")
}

// newRun assembles the per-run bookkeeping shared by the main walk and
// its parallel branches.
func (e *Engine) newRun(def *Definition, rec *store.ProcessExecution, req ExecuteRequest) *execRun {
	ec := &ExecContext{
		Deps:        e.deps,
		ExecutionID: rec.ID,
		OrgID:       req.OrgID,
		AgentID:     req.AgentID,
		UserID:      req.UserID,
		TriggerType: req.TriggerType,
		Depth:       req.depth,
		engine:      e,
	}
	if e.outputRoot != "" {
		ec.OutputDir = filepath.Join(e.outputRoot, rec.ID)
	}
	r := &execRun{e: e, def: def, rec: rec, ec: ec}
	r.maxNodes = def.Settings.MaxNodeExecutions
	if r.maxNodes <= 0 {
		r.maxNodes = defaultMaxNodeExecutions
	}
	if def.Settings.MaxExecutionTimeSeconds > 0 {
		r.deadline = e.clock().Add(time.Duration(def.Settings.MaxExecutionTimeSeconds) * time.Second)
	}
	r.checkpointEvery = 0
	if def.Settings.CheckpointEnabled {
		r.checkpointEvery = def.Settings.CheckpointIntervalNodes
		if r.checkpointEvery <= 0 {
			r.checkpointEvery = defaultCheckpointInterval
		}
	}
	return r
}

// drive runs the walk from startID under a cancellable context registered
// for Cancel, then finalizes the execution record.
func (e *Engine) drive(ctx context.Context, r *execRun, st *State, startID string, resumed bool) *ProcessResult {
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()
	e.mu.Lock()
	e.cancels[r.rec.ID] = cancel
	e.mu.Unlock()
	defer func() {
		e.mu.Lock()
		delete(e.cancels, r.rec.ID)
		e.mu.Unlock()
	}()

	msg := emit.MsgProcessStarted
	if resumed {
		msg = emit.MsgProcessResumed
	}
	r.emit(msg, st, "", nil)

	out := r.walk(runCtx, st, startID, false)
	return r.finalize(context.WithoutCancel(runCtx), st, out, resumed)
}

// execRun is the bookkeeping shared by one execution's main walk and its
// parallel branches: the record, the shared order and usage counters, and
// the run limits.
type execRun struct {
	e   *Engine
	def *Definition
	rec *store.ProcessExecution
	ec  *ExecContext

	order     atomic.Int64
	tokens    atomic.Int64
	aiCalls   atomic.Int64
	toolCalls atomic.Int64

	maxNodes        int
	deadline        time.Time
	checkpointEvery int
	sinceCheckpoint int
}

// outcomeKind classifies how a walk ended.
type outcomeKind int

const (
	outcomeCompleted outcomeKind = iota
	outcomeFailed
	outcomeWaiting
	outcomeCancelled
	outcomeTimedOut
	outcomeMerge
)

type walkOutcome struct {
	kind outcomeKind

	output interface{}

	err        *ExecutionError
	failedNode string

	waitingNode *Node
	waitingRes  *NodeResult

	mergeNodeID string
}

func failedOutcome(err *ExecutionError, nodeID string) walkOutcome {
	return walkOutcome{kind: outcomeFailed, err: err, failedNode: nodeID}
}

// walk executes nodes from nodeID until a terminal outcome. In branch
// mode the walk stops, without executing it, at the first MERGE node.
func (r *execRun) walk(ctx context.Context, st *State, nodeID string, branch bool) walkOutcome {
	var lastOutput interface{}

	for nodeID != "" {
		if err := ctx.Err(); err != nil {
			return r.interrupted(err)
		}
		if r.e.isCancelled(r.rec.ID) {
			return walkOutcome{kind: outcomeCancelled}
		}
		if !r.deadline.IsZero() && r.e.clock().After(r.deadline) {
			return walkOutcome{
				kind: outcomeTimedOut,
				err: NewTimeoutError("EXECUTION_TIMEOUT", "execution exceeded its %ds limit",
					r.def.Settings.MaxExecutionTimeSeconds),
				failedNode: nodeID,
			}
		}

		node := r.def.GetNode(nodeID)
		if node == nil {
			return failedOutcome(NewValidationError("NODE_NOT_FOUND", "node %s does not exist", nodeID), nodeID)
		}
		if branch && node.Type == NodeMerge {
			return walkOutcome{kind: outcomeMerge, mergeNodeID: node.ID}
		}
		st.SetCurrent(node.ID)

		if !node.IsEnabled() {
			st.MarkSkipped(node.ID)
			r.emit(emit.MsgNodeSkipped, st, node.ID, map[string]interface{}{"reason": "disabled"})
			next, err := r.selectNext(st, node, nil)
			if err != nil {
				return failedOutcome(err.WithNode(node.ID), node.ID)
			}
			nodeID = r.adjustForLoops(st, node, nil, next)
			continue
		}

		if st.CompletedCount() >= r.maxNodes {
			return failedOutcome(NewResourceError("MAX_NODES_EXCEEDED",
				"execution exceeded %d node executions", r.maxNodes).WithNode(node.ID), node.ID)
		}

		res := r.executeNode(ctx, st, node)

		switch res.Status {
		case NodeFailed:
			if node.SkipOnError {
				st.MarkSkipped(node.ID)
				r.emit(emit.MsgNodeSkipped, st, node.ID, map[string]interface{}{
					"reason": "skip_on_error", "error": st.MaskSensitive(res.Err.Error()),
				})
				res = nil
				break
			}
			if ctx.Err() != nil {
				return r.interrupted(ctx.Err())
			}
			return failedOutcome(res.Err.WithNode(node.ID), node.ID)

		case NodeWaiting:
			if branch {
				return failedOutcome(NewConfigurationError("WAIT_IN_PARALLEL",
					"node %s cannot wait inside a parallel branch", node.ID).WithNode(node.ID), node.ID)
			}
			return walkOutcome{kind: outcomeWaiting, waitingNode: node, waitingRes: res}

		case NodeSkipped:
			st.MarkSkipped(node.ID)

		case NodeSuccess:
			r.recordSuccess(st, node, res)
			lastOutput = res.Output
		}

		if node.Type == NodeEnd && res != nil && res.Status == NodeSuccess {
			return walkOutcome{kind: outcomeCompleted, output: res.Output}
		}

		if node.Type == NodeParallel && res != nil && res.Status == NodeSuccess && len(res.NextNodeIDs) == 0 {
			for _, edge := range r.def.OutgoingEdges(node.ID) {
				res.NextNodeIDs = append(res.NextNodeIDs, edge.Target)
			}
		}

		if res != nil && len(res.NextNodeIDs) > 0 {
			pout := r.runParallel(ctx, st, node, res.NextNodeIDs)
			if pout.kind != outcomeMerge {
				return pout
			}
			nodeID = pout.mergeNodeID
			continue
		}

		next, selErr := r.selectNext(st, node, res)
		if selErr != nil {
			return failedOutcome(selErr.WithNode(node.ID), node.ID)
		}
		nodeID = r.adjustForLoops(st, node, res, next)
		if nodeID == "" {
			// Dead end without an END node: the process completes with the
			// last successful output.
			return walkOutcome{kind: outcomeCompleted, output: lastOutput}
		}
	}
	return walkOutcome{kind: outcomeCompleted, output: lastOutput}
}

func (r *execRun) interrupted(err error) walkOutcome {
	if err == context.DeadlineExceeded {
		return walkOutcome{
			kind: outcomeTimedOut,
			err:  NewTimeoutError("EXECUTION_TIMEOUT", "execution deadline exceeded"),
		}
	}
	return walkOutcome{kind: outcomeCancelled}
}

// recordSuccess publishes a successful node's output and variable writes
// and advances checkpoint bookkeeping.
func (r *execRun) recordSuccess(st *State, node *Node, res *NodeResult) {
	st.SetNodeOutput(node.ID, res.Output)
	if node.OutputVariable != "" {
		st.SetVariable(node.OutputVariable, res.Output, node.ID)
	}
	if len(res.VariablesUpdate) > 0 {
		st.SetVariables(res.VariablesUpdate, node.ID)
	}
	st.MarkCompleted(node.ID)

	if r.checkpointEvery > 0 {
		r.sinceCheckpoint++
		if r.sinceCheckpoint >= r.checkpointEvery {
			r.sinceCheckpoint = 0
			r.persistCheckpoint(st)
		}
	}
}

// persistCheckpoint writes the current resume state onto the execution
// record. Failures are reported as warnings, not execution failures.
func (r *execRun) persistCheckpoint(st *State) {
	ctx := context.Background()
	rec, err := r.e.store.GetExecution(ctx, r.rec.ID)
	if err != nil {
		rec = r.rec
	}
	now := r.e.clock()
	rec.CheckpointData = st.CreateCheckpoint().ToMap()
	rec.CheckpointAt = &now
	rec.CanResume = true
	rec.CurrentNodeID = st.Current()
	rec.CompletedNodes = st.CompletedNodes()
	rec.SkippedNodes = st.SkippedNodes()
	rec.Variables = st.ExportCheckpoint().Variables
	rec.NodeCountExecuted = st.CompletedCount()
	rec.UpdatedAt = now
	if err := r.e.store.UpdateExecution(ctx, rec); err != nil {
		r.emit(emit.MsgWarning, st, st.Current(), map[string]interface{}{"error": "checkpoint write failed: " + err.Error()})
		return
	}
	r.e.metrics.checkpointWritten()
	r.emit(emit.MsgCheckpoint, st, st.Current(), nil)
}

// executeNode runs one node through the retry and timeout envelopes,
// maintaining its audit record and events.
func (r *execRun) executeNode(ctx context.Context, st *State, node *Node) *NodeResult {
	exec, execErr := r.e.registry.Resolve(node.Type, r.e.deps)
	if execErr != nil {
		return Failure(execErr.WithNode(node.ID))
	}
	if verr := exec.Validate(node); verr != nil {
		return Failure(verr.WithNode(node.ID))
	}

	input, ierr := resolveInputMapping(st, node)
	if ierr != nil {
		return Failure(ierr.WithNode(node.ID))
	}

	started := r.e.clock()
	ne := &store.ProcessNodeExecution{
		ID:              uuid.NewString(),
		ExecutionID:     r.rec.ID,
		NodeID:          node.ID,
		NodeType:        string(node.Type),
		NodeName:        node.Name,
		Status:          store.NodeStatusRunning,
		Input:           input,
		VariablesBefore: st.ExportVariables(),
		MaxAttempts:     maxAttempts(node),
		ExecutionOrder:  int(r.order.Add(1)),
		StartedAt:       &started,
	}
	if frame := st.CurrentLoop(); frame != nil && frame.InBody(node.ID) {
		idx, total := frame.Index, len(frame.Items)
		ne.LoopIndex = &idx
		ne.LoopTotal = &total
	}
	_ = r.e.store.CreateNodeExecution(ctx, ne)
	r.emit(emit.MsgNodeStarted, st, node.ID, nil)

	hooks := envelopeHooks{
		onRetry: func(attempt int, delay time.Duration, err *ExecutionError) {
			r.e.metrics.nodeRetried()
			ne.Status = store.NodeStatusRetrying
			ne.Attempt = attempt
			_ = r.e.store.UpdateNodeExecution(ctx, ne)
			r.emit(emit.MsgNodeRetrying, st, node.ID, map[string]interface{}{
				"attempt":  attempt,
				"delay_ms": delay.Milliseconds(),
				"error":    st.MaskSensitive(err.Error()),
			})
		},
	}
	res := executeWithTimeout(ctx, exec, node, st, r.ec, hooks)

	if res.SubProcess != nil && res.Status == NodeSuccess {
		res = r.runSubProcess(ctx, node, res)
	}

	switch node.Type {
	case NodeAITask:
		r.aiCalls.Add(1)
	case NodeToolCall:
		r.toolCalls.Add(1)
	}
	if res.TokensUsed > 0 {
		r.tokens.Add(int64(res.TokensUsed))
		r.e.metrics.addTokens(res.TokensUsed)
	}

	finished := r.e.clock()
	ne.CompletedAt = &finished
	ne.DurationMS = finished.Sub(started).Milliseconds()
	ne.Attempt = res.Attempts
	ne.TokensUsed = res.TokensUsed
	ne.BranchTaken = res.BranchTaken
	if len(res.Details) > 0 {
		switch node.Type {
		case NodeToolCall:
			ne.ToolDetails = res.Details
		case NodeAITask:
			ne.LLMDetails = res.Details
		case NodeHTTPRequest:
			ne.HTTPDetails = res.Details
		}
	}
	seconds := finished.Sub(started).Seconds()

	meta := map[string]interface{}{"duration_ms": ne.DurationMS}
	if res.TokensUsed > 0 {
		meta["tokens"] = res.TokensUsed
	}
	if res.Attempts > 1 {
		meta["attempt"] = res.Attempts
	}
	for _, line := range res.Logs {
		r.emit(emit.MsgWarning, st, node.ID, map[string]interface{}{"note": st.MaskSensitive(line)})
	}

	switch res.Status {
	case NodeSuccess:
		ne.Status = store.NodeStatusCompleted
		ne.Output = st.MaskValue(res.Output)
		// The node's writes land in state after this record updates, so the
		// after-view overlays them onto the current export.
		after := st.ExportVariables()
		if node.OutputVariable != "" {
			after[node.OutputVariable] = st.MaskValue(res.Output)
		}
		for k, v := range res.VariablesUpdate {
			after[k] = st.MaskValue(v)
		}
		ne.VariablesAfter = after
		r.emit(emit.MsgNodeCompleted, st, node.ID, meta)
	case NodeSkipped:
		ne.Status = store.NodeStatusSkipped
		r.emit(emit.MsgNodeSkipped, st, node.ID, meta)
	case NodeWaiting:
		ne.Status = store.NodeStatusWaiting
	case NodeFailed:
		ne.Status = store.NodeStatusFailed
		ne.ErrorMessage = st.MaskSensitive(res.Err.Error())
		ne.ErrorDetails = map[string]interface{}{
			"category": string(res.Err.Category),
			"code":     res.Err.Code,
		}
		meta["error"] = ne.ErrorMessage
		meta["error_code"] = res.Err.Code
		r.e.metrics.nodeFailed(res.Err.Category)
		r.emit(emit.MsgNodeFailed, st, node.ID, meta)
	}
	_ = r.e.store.UpdateNodeExecution(ctx, ne)
	r.e.metrics.observeNode(node.Type, res.Status, seconds)
	return res
}

func maxAttempts(node *Node) int {
	if node.Retry.Enabled && node.Retry.MaxAttempts > 1 {
		return node.Retry.MaxAttempts
	}
	return 1
}

// resolveInputMapping evaluates a node's declared input sources against
// the current state.
func resolveInputMapping(st *State, node *Node) (map[string]interface{}, *ExecutionError) {
	if len(node.InputMapping) == 0 {
		return nil, nil
	}
	out := make(map[string]interface{}, len(node.InputMapping))
	for name, src := range node.InputMapping {
		v, err := st.InterpolateValue(src)
		if err != nil {
			return nil, err
		}
		out[name] = v
	}
	return out, nil
}

// runSubProcess performs a child execution requested by a node result.
func (r *execRun) runSubProcess(ctx context.Context, node *Node, res *NodeResult) *NodeResult {
	sp := res.SubProcess
	req := ExecuteRequest{
		Definition:        sp.Definition,
		OrgID:             r.ec.OrgID,
		AgentID:           r.ec.AgentID,
		UserID:            r.ec.UserID,
		TriggerType:       "subprocess",
		TriggerInput:      sp.Input,
		parentExecutionID: r.rec.ID,
		parentNodeID:      node.ID,
		depth:             r.ec.Depth + 1,
	}

	if !sp.WaitForCompletion {
		engine := r.e
		go func() {
			_, _ = engine.Execute(context.Background(), req)
		}()
		return Success(map[string]interface{}{"started": true})
	}

	cctx := ctx
	if sp.TimeoutSeconds > 0 {
		var cancel context.CancelFunc
		cctx, cancel = context.WithTimeout(ctx, time.Duration(sp.TimeoutSeconds)*time.Second)
		defer cancel()
	}
	child, err := r.e.Execute(cctx, req)
	if err != nil {
		if ee, ok := err.(*ExecutionError); ok {
			return Failure(ee.WithNode(node.ID))
		}
		return Failure(wrapError(CategoryInternal, "SUBPROCESS_FAILED", err, "sub-process failed to start: %v", err))
	}

	switch child.Status {
	case ExecutionCompleted:
		out := Success(map[string]interface{}{
			"execution_id": child.ExecutionID,
			"output":       child.Output,
		})
		out.TokensUsed = child.TokensUsed
		return out
	case ExecutionWaiting:
		return Waiting(WaitSubProcess, map[string]interface{}{
			"child_execution_id": child.ExecutionID,
			"child_waiting_for":  string(child.WaitingFor),
		})
	case ExecutionCancelled:
		return Failure(newError(CategoryCancelled, "SUBPROCESS_CANCELLED", "sub-process %s was cancelled", child.ExecutionID))
	default:
		err := child.Err
		if err == nil {
			err = NewInternalError("SUBPROCESS_FAILED", "sub-process %s ended with status %s", child.ExecutionID, child.Status)
		}
		return Failure(err.WithDetail("child_execution_id", child.ExecutionID))
	}
}

// selectNext picks the successor node. Precedence: the result's explicit
// override, the node's fixed route, an edge whose label matches the taken
// branch, the first conditional edge that evaluates true, then the default
// or first unconditional edge.
func (r *execRun) selectNext(st *State, node *Node, res *NodeResult) (string, *ExecutionError) {
	if res != nil && res.NextNodeID != "" {
		return res.NextNodeID, nil
	}
	if node.Next != "" {
		return node.Next, nil
	}

	edges := r.def.OutgoingEdges(node.ID)
	if len(edges) == 0 {
		return "", nil
	}

	if res != nil && res.BranchTaken != "" {
		for _, edge := range edges {
			if edge.Label == res.BranchTaken {
				return edge.Target, nil
			}
		}
	}

	defaultTarget := ""
	firstPlain := ""
	for _, edge := range edges {
		if edge.Condition == "" {
			if edge.EdgeType == "default" && defaultTarget == "" {
				defaultTarget = edge.Target
			} else if firstPlain == "" {
				firstPlain = edge.Target
			}
			continue
		}
		ok, err := st.EvaluateCondition(edge.Condition)
		if err != nil {
			return "", err
		}
		if ok {
			return edge.Target, nil
		}
	}
	if defaultTarget != "" {
		return defaultTarget, nil
	}
	return firstPlain, nil
}

// adjustForLoops applies loop-frame iteration semantics to the selected
// successor: when the frame's body finishes an iteration the walk either
// jumps back to the body start for the next item or pops the frame and
// exits the loop.
func (r *execRun) adjustForLoops(st *State, node *Node, res *NodeResult, next string) string {
	frame := st.CurrentLoop()
	if frame == nil || !frame.InBody(node.ID) {
		return next
	}

	iterationDone := next == "" || next == frame.NodeID || !frame.InBody(next)
	if !iterationDone {
		return next
	}

	if res != nil {
		st.AppendLoopResult(res.Output)
	} else {
		st.AppendLoopResult(nil)
	}

	if st.AdvanceLoop() {
		return frame.BodyNodes[0]
	}

	done := st.PopLoop()
	summary := map[string]interface{}{
		"results":    done.Results,
		"iterations": len(done.Results),
	}
	st.SetNodeOutput(done.NodeID, summary)
	if loopNode := r.def.GetNode(done.NodeID); loopNode != nil && loopNode.OutputVariable != "" {
		st.SetVariable(loopNode.OutputVariable, summary, done.NodeID)
	}
	if next == "" || next == done.NodeID || done.InBody(next) {
		return done.ExitNodeID
	}
	return next
}

// emit sends one observability event.
func (r *execRun) emit(msg string, st *State, nodeID string, meta map[string]interface{}) {
	step := 0
	if st != nil {
		step = st.CompletedCount()
	}
	r.e.emitter.Emit(emit.Event{
		ExecutionID: r.rec.ID,
		Step:        step,
		NodeID:      nodeID,
		Msg:         msg,
		Meta:        meta,
	})
}

// finalize persists the terminal (or waiting) record state and builds the
// ProcessResult.
func (r *execRun) finalize(ctx context.Context, st *State, out walkOutcome, resumed bool) *ProcessResult {
	rec := r.rec
	now := r.e.clock()

	rec.CurrentNodeID = st.Current()
	rec.CompletedNodes = st.CompletedNodes()
	rec.SkippedNodes = st.SkippedNodes()
	rec.Variables = st.ExportCheckpoint().Variables
	rec.NodeCountExecuted = st.CompletedCount()
	rec.TokensUsed = int(r.tokens.Load())
	rec.AICallsCount = int(r.aiCalls.Load())
	rec.ToolCallsCount = int(r.toolCalls.Load())
	rec.UpdatedAt = now

	result := &ProcessResult{
		ExecutionID:    rec.ID,
		FinalVariables: st.Variables(),
		NodesExecuted:  st.CompletedCount(),
		TokensUsed:     rec.TokensUsed,
	}

	switch out.kind {
	case outcomeCompleted:
		result.Status = ExecutionCompleted
		result.Output = out.output
		rec.Status = store.StatusCompleted
		rec.Output = st.MaskValue(out.output)
		rec.CompletedAt = &now
		rec.CanResume = false
		rec.CheckpointData = nil
		r.emit(emit.MsgProcessCompleted, st, "", map[string]interface{}{"nodes": result.NodesExecuted})

	case outcomeWaiting:
		result.Status = ExecutionWaiting
		result.WaitingFor = out.waitingRes.WaitingFor
		result.ResumeNodeID = out.waitingNode.ID
		result.WaitingMetadata = out.waitingRes.WaitingMetadata
		r.persistWaiting(ctx, st, out.waitingNode, out.waitingRes, result)
		r.e.metrics.execWaiting(1)

	case outcomeCancelled:
		result.Status = ExecutionCancelled
		result.Err = newError(CategoryCancelled, "USER_CANCELLED", "execution was cancelled")
		rec.Status = store.StatusCancelled
		rec.CompletedAt = &now
		rec.ErrorMessage = result.Err.Message
		r.emit(emit.MsgProcessCancelled, st, "", nil)

	case outcomeTimedOut:
		result.Status = ExecutionTimedOut
		result.Err = out.err
		result.FailedNodeID = out.failedNode
		rec.Status = store.StatusTimedOut
		rec.CompletedAt = &now
		rec.ErrorMessage = st.MaskSensitive(out.err.Error())
		rec.ErrorNodeID = out.failedNode
		r.emit(emit.MsgProcessFailed, st, out.failedNode, map[string]interface{}{
			"error": rec.ErrorMessage, "error_code": out.err.Code,
		})

	default:
		result.Status = ExecutionFailed
		result.Err = out.err
		result.FailedNodeID = out.failedNode
		rec.Status = store.StatusFailed
		rec.CompletedAt = &now
		rec.ErrorMessage = st.MaskSensitive(out.err.Error())
		rec.ErrorNodeID = out.failedNode
		rec.ErrorDetails = map[string]interface{}{
			"category":     string(out.err.Category),
			"code":         out.err.Code,
			"user_message": out.err.UserFacing(),
		}
		// Terminal state is preserved for post-mortem resume after a fix.
		rec.CheckpointData = st.CreateCheckpoint().ToMap()
		rec.CheckpointAt = &now
		rec.CanResume = out.err.IsRetryable || out.err.IsUserFixable
		r.emit(emit.MsgProcessFailed, st, out.failedNode, map[string]interface{}{
			"error": rec.ErrorMessage, "error_code": out.err.Code,
		})
	}

	if rec.StartedAt != nil {
		rec.TotalDurationMS = now.Sub(*rec.StartedAt).Milliseconds()
	}
	_ = r.e.store.UpdateExecution(ctx, rec)
	if out.kind != outcomeWaiting {
		r.e.metrics.execFinished(result.Status)
	} else {
		r.e.metrics.execFinished(ExecutionWaiting)
	}
	return result
}

// persistWaiting checkpoints a paused execution and, for approval gates,
// creates the approval request record.
func (r *execRun) persistWaiting(ctx context.Context, st *State, node *Node, res *NodeResult, result *ProcessResult) {
	rec := r.rec
	now := r.e.clock()

	rec.Status = store.StatusWaiting
	rec.WaitingFor = string(res.WaitingFor)
	rec.CurrentNodeID = node.ID
	rec.CheckpointData = st.CreateCheckpoint().ToMap()
	rec.CheckpointAt = &now
	rec.CanResume = true
	r.e.metrics.checkpointWritten()

	// A re-parked gate (quorum not yet met) already has its approval record.
	existingApproval, _ := res.WaitingMetadata["approval_id"].(string)
	if existingApproval != "" {
		if result.WaitingMetadata == nil {
			result.WaitingMetadata = map[string]interface{}{}
		}
		result.WaitingMetadata["approval_id"] = existingApproval
	} else if res.WaitingFor == WaitApproval || res.WaitingFor == WaitHumanTask {
		ar := approvalFromMetadata(rec, node, res.WaitingMetadata, now)
		if err := r.e.store.CreateApproval(ctx, ar); err != nil {
			r.emit(emit.MsgWarning, st, node.ID, map[string]interface{}{"error": "approval record write failed: " + err.Error()})
		} else {
			if result.WaitingMetadata == nil {
				result.WaitingMetadata = map[string]interface{}{}
			}
			result.WaitingMetadata["approval_id"] = ar.ID
		}
	}

	r.emit(emit.MsgProcessWaiting, st, node.ID, map[string]interface{}{"waiting_for": string(res.WaitingFor)})
}

// approvalFromMetadata builds the durable approval request from the
// executor's waiting metadata.
func approvalFromMetadata(rec *store.ProcessExecution, node *Node, meta map[string]interface{}, now time.Time) *store.ProcessApprovalRequest {
	ar := &store.ProcessApprovalRequest{
		ID:           uuid.NewString(),
		ExecutionID:  rec.ID,
		NodeID:       node.ID,
		OrgID:        rec.OrgID,
		Status:       store.ApprovalPending,
		AssigneeType: "any",
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if meta == nil {
		return ar
	}
	if v, ok := meta["title"].(string); ok {
		ar.Title = v
	}
	if v, ok := meta["description"].(string); ok {
		ar.Description = v
	}
	if v, ok := meta["assignee_type"].(string); ok && v != "" {
		ar.AssigneeType = v
	}
	if v, ok := meta["assigned_user_ids"].([]string); ok {
		ar.AssignedUserIDs = v
	}
	if v, ok := meta["assigned_role_ids"].([]string); ok {
		ar.AssignedRoleIDs = v
	}
	if v, ok := meta["assigned_group_ids"].([]string); ok {
		ar.AssignedGroupIDs = v
	}
	if v, ok := meta["context"].(map[string]interface{}); ok {
		ar.ContextData = v
	}
	if v, ok := meta["deadline"].(time.Time); ok {
		ar.Deadline = &v
	}
	if v, ok := meta["escalate_to"].(string); ok {
		ar.EscalateTo = v
	}
	if v, ok := meta["priority"].(string); ok {
		ar.Priority = v
	}
	if v, ok := meta["min_approvals"].(int); ok {
		ar.MinApprovals = v
	}
	if v, ok := meta["escalate_after_hours"].(float64); ok {
		ar.EscalateAfterHours = v
	}
	if v, ok := meta["escalation_user_ids"].([]string); ok {
		ar.EscalationUserIDs = v
	}
	return ar
}

func (e *Engine) isCancelled(executionID string) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.cancelled[executionID]
}

// Cancel stops a running or waiting execution and, transitively, its
// sub-process executions. Terminal executions are left untouched.
func (e *Engine) Cancel(ctx context.Context, executionID string) error {
	rec, err := e.store.GetExecution(ctx, executionID)
	if err != nil {
		return err
	}
	switch rec.Status {
	case store.StatusCompleted, store.StatusFailed, store.StatusCancelled, store.StatusTimedOut:
		return nil
	}

	e.mu.Lock()
	e.cancelled[executionID] = true
	cancel := e.cancels[executionID]
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}

	// Waiting executions have no live goroutine to interrupt, so mark the
	// record directly.
	if rec.Status == store.StatusWaiting || rec.Status == store.StatusPaused || rec.Status == store.StatusPending {
		now := e.clock()
		rec.Status = store.StatusCancelled
		rec.CompletedAt = &now
		rec.CanResume = false
		rec.ErrorMessage = "execution was cancelled"
		rec.UpdatedAt = now
		if err := e.store.UpdateExecution(ctx, rec); err != nil {
			return err
		}
		e.emitter.Emit(emit.Event{ExecutionID: executionID, Msg: emit.MsgProcessCancelled})
	}

	children, err := e.store.ListExecutions(ctx, store.ExecutionFilter{ParentID: executionID})
	if err != nil {
		return nil
	}
	for _, child := range children {
		_ = e.Cancel(ctx, child.ID)
	}
	return nil
}
