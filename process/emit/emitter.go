package emit

// Emitter receives observability events from process execution.
//
// Implementations should be:
//   - Non-blocking: never slow down the engine's step loop
//   - Thread-safe: parallel branches emit concurrently
//   - Resilient: a failing backend must not crash an execution
type Emitter interface {
	// Emit delivers one event. Implementations must not panic; delivery
	// errors are handled internally (buffer, drop, log).
	Emit(event Event)
}
