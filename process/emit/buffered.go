package emit

import "sync"

// BufferedEmitter stores events in memory, organized by execution ID.
//
// Intended for tests, debugging, and hosts that want to expose a live
// execution timeline. Everything stays in memory; long-running deployments
// should Clear finished executions or cap the buffer with maxPerExecution.
type BufferedEmitter struct {
	mu              sync.RWMutex
	events          map[string][]Event // executionID -> events
	maxPerExecution int                // 0 = unbounded
}

// HistoryFilter selects a subset of an execution's events. All set fields
// must match (AND logic); zero values mean no filter.
type HistoryFilter struct {
	NodeID  string
	Msg     string
	MinStep *int
	MaxStep *int
}

// NewBufferedEmitter creates an unbounded BufferedEmitter.
func NewBufferedEmitter() *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event)}
}

// NewBoundedEmitter creates a BufferedEmitter that keeps at most max events
// per execution, dropping the oldest when full.
func NewBoundedEmitter(max int) *BufferedEmitter {
	return &BufferedEmitter{events: make(map[string][]Event), maxPerExecution: max}
}

// Emit appends the event to the execution's history.
func (b *BufferedEmitter) Emit(event Event) {
	b.mu.Lock()
	defer b.mu.Unlock()

	evs := append(b.events[event.ExecutionID], event)
	if b.maxPerExecution > 0 && len(evs) > b.maxPerExecution {
		evs = evs[len(evs)-b.maxPerExecution:]
	}
	b.events[event.ExecutionID] = evs
}

// History returns all events for an execution in emission order.
// Returns an empty slice when nothing was recorded.
func (b *BufferedEmitter) History(executionID string) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	events := b.events[executionID]
	result := make([]Event, len(events))
	copy(result, events)
	return result
}

// HistoryWithFilter returns the execution's events matching the filter,
// in emission order.
func (b *BufferedEmitter) HistoryWithFilter(executionID string, filter HistoryFilter) []Event {
	b.mu.RLock()
	defer b.mu.RUnlock()

	result := []Event{}
	for _, event := range b.events[executionID] {
		if !matchesFilter(event, filter) {
			continue
		}
		result = append(result, event)
	}
	return result
}

func matchesFilter(event Event, filter HistoryFilter) bool {
	if filter.NodeID != "" && event.NodeID != filter.NodeID {
		return false
	}
	if filter.Msg != "" && event.Msg != filter.Msg {
		return false
	}
	if filter.MinStep != nil && event.Step < *filter.MinStep {
		return false
	}
	if filter.MaxStep != nil && event.Step > *filter.MaxStep {
		return false
	}
	return true
}

// Clear removes stored events for one execution, or for all executions when
// executionID is empty.
func (b *BufferedEmitter) Clear(executionID string) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if executionID == "" {
		b.events = make(map[string][]Event)
		return
	}
	delete(b.events, executionID)
}
