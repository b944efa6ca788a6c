package process

import (
	"context"
	"testing"
	"time"
)

// stubExecutor returns scripted results in order, repeating the last one.
type stubExecutor struct {
	results []*NodeResult
	calls   int
}

func (s *stubExecutor) Validate(node *Node) *ExecutionError { return nil }

func (s *stubExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	i := s.calls
	s.calls++
	if i >= len(s.results) {
		i = len(s.results) - 1
	}
	r := *s.results[i]
	return &r
}

func noSleep() envelopeHooks {
	return envelopeHooks{sleep: func(ctx context.Context, d time.Duration) error { return ctx.Err() }}
}

func TestExecuteWithRetry(t *testing.T) {
	st := NewState(nil, nil)
	ec := &ExecContext{Deps: &Dependencies{}}

	t.Run("retryable failure then success", func(t *testing.T) {
		stub := &stubExecutor{results: []*NodeResult{
			Failure(NewConnectionError("BOOM", "transient")),
			Failure(NewConnectionError("BOOM", "transient")),
			Success("ok"),
		}}
		node := &Node{ID: "n", Retry: RetryConfig{Enabled: true, MaxAttempts: 5, DelaySeconds: 0.001}}

		res := executeWithRetry(context.Background(), stub, node, st, ec, noSleep())
		if res.Status != NodeSuccess || res.Output != "ok" {
			t.Fatalf("res = %+v", res)
		}
		if stub.calls != 3 || res.Attempts != 3 {
			t.Errorf("calls=%d attempts=%d, want 3", stub.calls, res.Attempts)
		}
	})

	t.Run("non-retryable error stops immediately", func(t *testing.T) {
		stub := &stubExecutor{results: []*NodeResult{
			Failure(NewValidationError("BAD", "permanent")),
		}}
		node := &Node{ID: "n", Retry: RetryConfig{Enabled: true, MaxAttempts: 5}}

		res := executeWithRetry(context.Background(), stub, node, st, ec, noSleep())
		if res.Status != NodeFailed || stub.calls != 1 {
			t.Errorf("calls=%d status=%s", stub.calls, res.Status)
		}
	})

	t.Run("attempt budget exhausted", func(t *testing.T) {
		stub := &stubExecutor{results: []*NodeResult{
			Failure(NewConnectionError("BOOM", "always")),
		}}
		node := &Node{ID: "n", Retry: RetryConfig{Enabled: true, MaxAttempts: 3, DelaySeconds: 0.001}}

		res := executeWithRetry(context.Background(), stub, node, st, ec, noSleep())
		if res.Status != NodeFailed || stub.calls != 3 || res.Attempts != 3 {
			t.Errorf("calls=%d attempts=%d status=%s", stub.calls, res.Attempts, res.Status)
		}
	})

	t.Run("retry disabled runs once", func(t *testing.T) {
		stub := &stubExecutor{results: []*NodeResult{
			Failure(NewConnectionError("BOOM", "transient")),
		}}
		node := &Node{ID: "n"}

		res := executeWithRetry(context.Background(), stub, node, st, ec, noSleep())
		if stub.calls != 1 || res.Attempts != 1 {
			t.Errorf("calls=%d attempts=%d", stub.calls, res.Attempts)
		}
	})

	t.Run("onRetry observes each re-attempt", func(t *testing.T) {
		stub := &stubExecutor{results: []*NodeResult{
			Failure(NewConnectionError("BOOM", "transient")),
			Success("ok"),
		}}
		node := &Node{ID: "n", Retry: RetryConfig{Enabled: true, MaxAttempts: 3, DelaySeconds: 0.001}}

		var retries int
		hooks := noSleep()
		hooks.onRetry = func(attempt int, delay time.Duration, err *ExecutionError) { retries++ }
		res := executeWithRetry(context.Background(), stub, node, st, ec, hooks)
		if res.Status != NodeSuccess || retries != 1 {
			t.Errorf("retries=%d status=%s", retries, res.Status)
		}
	})
}

func TestRetryDelay(t *testing.T) {
	rc := RetryConfig{Enabled: true, MaxAttempts: 5, DelaySeconds: 1, BackoffMultiplier: 2}

	if d := retryDelay(rc, 0); d != time.Second {
		t.Errorf("first delay = %v", d)
	}
	if d := retryDelay(rc, 2); d != 4*time.Second {
		t.Errorf("third delay = %v", d)
	}
	// The backoff never exceeds the cap.
	if d := retryDelay(rc, 30); d != maxRetryDelay {
		t.Errorf("capped delay = %v", d)
	}
	// A multiplier below 1 degrades to constant delay.
	flat := RetryConfig{DelaySeconds: 2, BackoffMultiplier: 0}
	if d := retryDelay(flat, 3); d != 2*time.Second {
		t.Errorf("flat delay = %v", d)
	}
}

// slowExecutor blocks until its context is cancelled.
type slowExecutor struct{}

func (s *slowExecutor) Validate(node *Node) *ExecutionError { return nil }

func (s *slowExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	<-ctx.Done()
	return Failure(NewTimeoutError("INTERRUPTED", "cut off: %v", ctx.Err()))
}

func TestExecuteWithTimeout(t *testing.T) {
	st := NewState(nil, nil)
	ec := &ExecContext{Deps: &Dependencies{}}

	t.Run("fail action", func(t *testing.T) {
		node := &Node{ID: "n", Timeout: TimeoutConfig{Enabled: true, Seconds: 0.02, Action: TimeoutActionFail}}
		res := executeWithTimeout(context.Background(), &slowExecutor{}, node, st, ec, noSleep())
		if res.Status != NodeFailed || res.Err.Code != "TIMEOUT_ERROR" {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("skip action", func(t *testing.T) {
		node := &Node{ID: "n", Timeout: TimeoutConfig{Enabled: true, Seconds: 0.02, Action: TimeoutActionSkip}}
		res := executeWithTimeout(context.Background(), &slowExecutor{}, node, st, ec, noSleep())
		if res.Status != NodeSkipped {
			t.Errorf("status = %s, want skipped", res.Status)
		}
	})

	t.Run("no timeout configured passes through", func(t *testing.T) {
		stub := &stubExecutor{results: []*NodeResult{Success("ok")}}
		node := &Node{ID: "n"}
		res := executeWithTimeout(context.Background(), stub, node, st, ec, noSleep())
		if res.Status != NodeSuccess {
			t.Errorf("status = %s", res.Status)
		}
	})

	t.Run("fast node unaffected by timeout", func(t *testing.T) {
		stub := &stubExecutor{results: []*NodeResult{Success("ok")}}
		node := &Node{ID: "n", Timeout: TimeoutConfig{Enabled: true, Seconds: 5}}
		res := executeWithTimeout(context.Background(), stub, node, st, ec, noSleep())
		if res.Status != NodeSuccess {
			t.Errorf("status = %s", res.Status)
		}
	})

	t.Run("retry action re-runs within budget", func(t *testing.T) {
		node := &Node{
			ID:      "n",
			Timeout: TimeoutConfig{Enabled: true, Seconds: 0.02, Action: TimeoutActionRetry},
			Retry:   RetryConfig{Enabled: true, MaxAttempts: 2, DelaySeconds: 0.001},
		}
		res := executeWithTimeout(context.Background(), &slowExecutor{}, node, st, ec, noSleep())
		if res.Status != NodeFailed || res.Err.Code != "TIMEOUT_ERROR" {
			t.Errorf("res = %+v", res)
		}
	})
}
