package process

import (
	"context"
	"sync"

	"github.com/procflow/procflow-go/process/emit"
)

// Join strategies for parallel branches.
const (
	JoinWaitAll = "wait_all"
	JoinWaitAny = "wait_any"
	JoinWaitN   = "wait_n"
)

type branchResult struct {
	index   int
	startID string
	state   *State
	out     walkOutcome
}

// runParallel fans out the given branch entry nodes on isolated state
// snapshots, joins per the parallel node's strategy, and merges branch
// writes back in completion order. It returns an outcomeMerge carrying
// the MERGE node the branches converged on.
func (r *execRun) runParallel(ctx context.Context, st *State, node *Node, branchIDs []string) walkOutcome {
	cfg := node.Config
	join := configString(cfg, "join", JoinWaitAll)
	waitN := configInt(cfg, "wait_count", 0)
	failFast := configBool(cfg, "fail_fast", true)

	switch join {
	case JoinWaitAll, JoinWaitAny:
	case JoinWaitN:
		if waitN <= 0 || waitN > len(branchIDs) {
			return failedOutcome(NewConfigurationError("INVALID_JOIN",
				"wait_count %d is out of range for %d branches", waitN, len(branchIDs)).WithNode(node.ID), node.ID)
		}
	default:
		return failedOutcome(NewConfigurationError("INVALID_JOIN",
			"unknown join strategy %q", join).WithNode(node.ID), node.ID)
	}

	need := len(branchIDs)
	if join == JoinWaitAny {
		need = 1
	} else if join == JoinWaitN {
		need = waitN
	}

	branchCtx, cancelBranches := context.WithCancel(ctx)
	defer cancelBranches()

	results := make(chan branchResult, len(branchIDs))
	sem := make(chan struct{}, r.e.maxParallel)
	var wg sync.WaitGroup
	for i, startID := range branchIDs {
		wg.Add(1)
		go func(index int, startID string) {
			defer wg.Done()
			sem <- struct{}{}
			defer func() { <-sem }()
			branchState := st.Snapshot()
			out := r.walk(branchCtx, branchState, startID, true)
			results <- branchResult{index: index, startID: startID, state: branchState, out: out}
		}(i, startID)
	}
	go func() {
		wg.Wait()
		close(results)
	}()

	mergeID := ""
	succeeded := 0
	var firstFailure *branchResult
	var pending []branchResult

	// Merge in completion order so later-finishing branches win variable
	// conflicts deterministically by finish time.
	for br := range results {
		switch br.out.kind {
		case outcomeMerge:
			st.MergeFrom(br.state)
			succeeded++
			if mergeID == "" {
				mergeID = br.out.mergeNodeID
			} else if mergeID != br.out.mergeNodeID {
				cancelBranches()
				return failedOutcome(NewConfigurationError("MERGE_MISMATCH",
					"parallel branches of %s converge on different merge nodes (%s and %s)",
					node.ID, mergeID, br.out.mergeNodeID).WithNode(node.ID), node.ID)
			}
			if succeeded >= need {
				cancelBranches()
				// Drain remaining branches; late finishers past the join
				// threshold are discarded, not merged.
				for range results {
				}
				return walkOutcome{kind: outcomeMerge, mergeNodeID: mergeID}
			}
		case outcomeCancelled, outcomeTimedOut:
			pending = append(pending, br)
		default:
			if firstFailure == nil {
				failed := br
				firstFailure = &failed
				if failFast {
					cancelBranches()
				}
			}
			r.emit(emit.MsgWarning, st, br.startID, map[string]interface{}{
				"note": "parallel branch failed: " + branchErrMessage(br),
			})
		}
	}

	if firstFailure != nil {
		err := firstFailure.out.err
		if err == nil {
			err = NewInternalError("BRANCH_FAILED", "parallel branch starting at %s failed", firstFailure.startID)
		}
		return failedOutcome(err, firstFailure.out.failedNode)
	}
	for _, br := range pending {
		if br.out.kind == outcomeTimedOut {
			return br.out
		}
	}
	if len(pending) > 0 {
		return walkOutcome{kind: outcomeCancelled}
	}
	if succeeded < need {
		return failedOutcome(NewInternalError("JOIN_UNSATISFIED",
			"only %d of the required %d branches of %s completed", succeeded, need, node.ID).WithNode(node.ID), node.ID)
	}
	return walkOutcome{kind: outcomeMerge, mergeNodeID: mergeID}
}

func branchErrMessage(br branchResult) string {
	if br.out.err != nil {
		return br.out.err.Error()
	}
	return "unknown error"
}
