package process

import (
	"context"
	"errors"
	"math"
	"time"
)

// envelopeHooks lets the engine observe retries and control sleeping.
// The zero value sleeps for real and observes nothing.
type envelopeHooks struct {
	// onRetry fires before each re-attempt with the 1-based attempt that
	// just failed.
	onRetry func(attempt int, delay time.Duration, err *ExecutionError)

	// sleep overrides the context-aware delay between attempts.
	sleep func(ctx context.Context, d time.Duration) error
}

func (h envelopeHooks) doSleep(ctx context.Context, d time.Duration) error {
	if h.sleep != nil {
		return h.sleep(ctx, d)
	}
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

const maxRetryDelay = 60 * time.Second

// retryDelay computes the wait before re-attempt attempt+1. attempt is
// zero-based over failures, so the first retry waits DelaySeconds.
func retryDelay(rc RetryConfig, attempt int) time.Duration {
	base := time.Duration(rc.DelaySeconds * float64(time.Second))
	if base <= 0 {
		base = time.Second
	}
	mult := rc.BackoffMultiplier
	if mult < 1 {
		mult = 1
	}
	d := time.Duration(float64(base) * math.Pow(mult, float64(attempt)))
	if d > maxRetryDelay || d < 0 {
		d = maxRetryDelay
	}
	return d
}

// executeWithRetry runs one node attempt and, when the node has retry
// enabled and the failure is retryable, re-attempts with exponential
// backoff up to MaxAttempts total attempts. A rate-limit hint on the
// error overrides the computed delay. The returned result carries the
// attempt count.
func executeWithRetry(ctx context.Context, exec NodeExecutor, node *Node, st *State, ec *ExecContext, hooks envelopeHooks) *NodeResult {
	attempts := 1
	if node.Retry.Enabled && node.Retry.MaxAttempts > 1 {
		attempts = node.Retry.MaxAttempts
	}

	var res *NodeResult
	for attempt := 1; attempt <= attempts; attempt++ {
		res = exec.Execute(ctx, node, st, ec)
		if res == nil {
			res = Failure(NewInternalError("NIL_RESULT", "executor for node %s returned no result", node.ID))
		}
		res.Attempts = attempt

		if res.Status != NodeFailed || res.Err == nil || !res.Err.IsRetryable || attempt == attempts {
			return res
		}
		if ctx.Err() != nil {
			return res
		}

		delay := retryDelay(node.Retry, attempt-1)
		if res.Err.RetryAfterSeconds > 0 {
			delay = time.Duration(res.Err.RetryAfterSeconds) * time.Second
		}
		if hooks.onRetry != nil {
			hooks.onRetry(attempt, delay, res.Err)
		}
		if err := hooks.doSleep(ctx, delay); err != nil {
			return res
		}
	}
	return res
}

// executeWithTimeout is the outer envelope: it runs the retry envelope
// under the node's per-attempt-set deadline when one is configured and
// applies the timeout action. "fail" (the default) turns the overrun into
// a TIMEOUT_ERROR failure, "skip" marks the node skipped, and "retry"
// re-runs the whole envelope up to the node's retry attempt budget.
func executeWithTimeout(ctx context.Context, exec NodeExecutor, node *Node, st *State, ec *ExecContext, hooks envelopeHooks) *NodeResult {
	tc := node.Timeout
	if !tc.Enabled || tc.Seconds <= 0 {
		return executeWithRetry(ctx, exec, node, st, ec, hooks)
	}

	budget := 1
	if tc.Action == TimeoutActionRetry && node.Retry.Enabled && node.Retry.MaxAttempts > 1 {
		budget = node.Retry.MaxAttempts
	}

	nodeDeadline := time.Duration(tc.Seconds * float64(time.Second))
	for round := 1; ; round++ {
		tctx, cancel := context.WithTimeout(ctx, nodeDeadline)
		res := executeWithRetry(tctx, exec, node, st, ec, hooks)
		timedOut := tctx.Err() != nil && ctx.Err() == nil && nodeHitDeadline(res)
		cancel()

		if !timedOut {
			return res
		}

		switch tc.Action {
		case TimeoutActionSkip:
			skip := Skip("skipped: timed out after " + nodeDeadline.String())
			skip.Attempts = res.Attempts
			return skip
		case TimeoutActionRetry:
			if round < budget {
				delay := retryDelay(node.Retry, round-1)
				if hooks.onRetry != nil {
					hooks.onRetry(round, delay, timeoutError(node, tc))
				}
				if err := hooks.doSleep(ctx, delay); err == nil {
					continue
				}
			}
			fail := Failure(timeoutError(node, tc))
			fail.Attempts = res.Attempts
			return fail
		default:
			fail := Failure(timeoutError(node, tc))
			fail.Attempts = res.Attempts
			return fail
		}
	}
}

func timeoutError(node *Node, tc TimeoutConfig) *ExecutionError {
	return NewTimeoutError("TIMEOUT_ERROR", "node %s exceeded its %gs timeout", node.ID, tc.Seconds).WithNode(node.ID)
}

// nodeHitDeadline decides whether a failure under an expired timeout
// context was caused by the deadline rather than a concurrent domain
// failure. A success that slipped in before expiry stands.
func nodeHitDeadline(res *NodeResult) bool {
	if res == nil {
		return true
	}
	if res.Status != NodeFailed {
		return false
	}
	if res.Err == nil {
		return true
	}
	if errors.Is(res.Err, context.DeadlineExceeded) {
		return true
	}
	return res.Err.Category == CategoryTimeout || res.Err.Category == CategoryCancelled
}
