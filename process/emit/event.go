package emit

// Standard event messages emitted during process execution.
//
// Hosts can rely on these values when filtering or routing events.
const (
	MsgProcessStarted   = "process_started"
	MsgProcessCompleted = "process_completed"
	MsgProcessFailed    = "process_failed"
	MsgProcessWaiting   = "process_waiting"
	MsgProcessCancelled = "process_cancelled"
	MsgProcessResumed   = "process_resumed"
	MsgNodeStarted      = "node_started"
	MsgNodeCompleted    = "node_completed"
	MsgNodeFailed       = "node_failed"
	MsgNodeSkipped      = "node_skipped"
	MsgNodeRetrying     = "node_retrying"
	MsgCheckpoint       = "checkpoint"
	MsgWarning          = "warning"
)

// Event is an observability event emitted during process execution.
//
// Events cover the full execution lifecycle: process start/stop, per-node
// start/complete/skip/fail, retries, checkpoints, and warnings (for example
// output-verification findings on AI nodes).
//
// Events are delivered to an Emitter, which can log them, convert them to
// OpenTelemetry spans, buffer them for inspection, or discard them.
type Event struct {
	// ExecutionID identifies the process execution that produced the event.
	ExecutionID string

	// Step is the 1-indexed count of nodes completed so far.
	// Zero for process-level events.
	Step int

	// NodeID identifies the node the event concerns.
	// Empty for process-level events.
	NodeID string

	// Msg is one of the Msg* constants above.
	Msg string

	// Meta holds additional structured data. Common keys:
	//   - "duration_ms": node execution duration
	//   - "error": error message
	//   - "error_code": stable error code
	//   - "tokens": token count for model calls
	//   - "attempt": retry attempt number
	//   - "waiting_for": what a paused execution is waiting on
	Meta map[string]interface{}
}
