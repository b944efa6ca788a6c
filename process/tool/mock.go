package tool

import (
	"context"
	"sync"
)

// MockTool is a scriptable Tool for tests. Results are consumed FIFO;
// when the queue is empty it returns DefaultResult.
type MockTool struct {
	mu sync.Mutex

	ToolName      string
	DefaultResult Result

	queue []mockCall
	calls []map[string]interface{}
}

type mockCall struct {
	result Result
	err    error
}

// NewMockTool creates a MockTool with the given name and a successful
// empty default result.
func NewMockTool(name string) *MockTool {
	return &MockTool{
		ToolName:      name,
		DefaultResult: Result{Success: true, Data: map[string]interface{}{}},
	}
}

// Name returns the configured tool name.
func (m *MockTool) Name() string { return m.ToolName }

// QueueResult appends a scripted result.
func (m *MockTool) QueueResult(r Result) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockCall{result: r})
}

// QueueError appends a scripted invocation error.
func (m *MockTool) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockCall{err: err})
}

// Execute pops the next scripted outcome, recording the arguments.
func (m *MockTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	if err := ctx.Err(); err != nil {
		return Result{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	m.calls = append(m.calls, args)

	if len(m.queue) == 0 {
		return m.DefaultResult, nil
	}
	next := m.queue[0]
	m.queue = m.queue[1:]
	return next.result, next.err
}

// Calls returns the recorded argument maps in invocation order.
func (m *MockTool) Calls() []map[string]interface{} {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]map[string]interface{}, len(m.calls))
	copy(out, m.calls)
	return out
}
