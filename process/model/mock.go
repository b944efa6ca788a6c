package model

import (
	"context"
	"sync"
)

// MockClient is a scriptable ChatClient for tests.
//
// Responses are consumed in FIFO order; when the queue is empty the mock
// returns DefaultResponse. Queued errors interleave with responses in the
// order they were added.
//
//	m := model.NewMockClient()
//	m.QueueResponse(`{"status":"ok"}`, 12)
//	m.QueueError(&model.ProviderError{Code: "rate_limited", Retryable: true})
type MockClient struct {
	mu sync.Mutex

	// DefaultResponse is returned when the queue is empty.
	DefaultResponse ChatResponse

	queue []mockTurn
	calls []MockCall
}

type mockTurn struct {
	resp ChatResponse
	err  error
}

// MockCall records one Chat invocation for assertions.
type MockCall struct {
	Messages []Message
	Opts     *ChatOptions
}

// NewMockClient creates a MockClient with an "ok" default response.
func NewMockClient() *MockClient {
	return &MockClient{DefaultResponse: ChatResponse{Content: "ok"}}
}

// QueueResponse appends a successful response to the queue.
func (m *MockClient) QueueResponse(content string, tokens int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockTurn{resp: ChatResponse{Content: content, TotalTokens: tokens}})
}

// QueueError appends a failure to the queue.
func (m *MockClient) QueueError(err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.queue = append(m.queue, mockTurn{err: err})
}

// Chat pops the next scripted turn, recording the call.
func (m *MockClient) Chat(ctx context.Context, messages []Message, opts *ChatOptions) (ChatResponse, error) {
	if err := ctx.Err(); err != nil {
		return ChatResponse{}, err
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	msgs := make([]Message, len(messages))
	copy(msgs, messages)
	m.calls = append(m.calls, MockCall{Messages: msgs, Opts: opts})

	if len(m.queue) == 0 {
		return m.DefaultResponse, nil
	}
	turn := m.queue[0]
	m.queue = m.queue[1:]
	if turn.err != nil {
		return ChatResponse{}, turn.err
	}
	return turn.resp, nil
}

// Calls returns a copy of all recorded invocations.
func (m *MockClient) Calls() []MockCall {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]MockCall, len(m.calls))
	copy(out, m.calls)
	return out
}

// CallCount returns how many times Chat was invoked.
func (m *MockClient) CallCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.calls)
}
