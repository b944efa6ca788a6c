package store

import (
	"context"
	"errors"
	"testing"
	"time"
)

// backends under test; MySQL is exercised only with a live server.
func testStores(t *testing.T) map[string]Store {
	t.Helper()
	sqlite, err := NewSQLiteStore(":memory:")
	if err != nil {
		t.Fatalf("sqlite: %v", err)
	}
	t.Cleanup(func() { _ = sqlite.Close() })
	return map[string]Store{
		"memory": NewMemoryStore(),
		"sqlite": sqlite,
	}
}

func TestExecutionCRUD(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			exec := &ProcessExecution{
				ID:          "exe-1",
				OrgID:       "org-1",
				AgentID:     "agent-1",
				Status:      StatusRunning,
				TriggerType: "manual",
				Variables:   map[string]interface{}{"amount": 42.5},
				CreatedAt:   now,
				UpdatedAt:   now,
			}
			if err := s.CreateExecution(ctx, exec); err != nil {
				t.Fatalf("create: %v", err)
			}

			got, err := s.GetExecution(ctx, "exe-1")
			if err != nil {
				t.Fatalf("get: %v", err)
			}
			if got.Status != StatusRunning || got.Variables["amount"] != 42.5 {
				t.Errorf("got %+v", got)
			}

			got.Status = StatusCompleted
			got.NodeCountExecuted = 7
			if err := s.UpdateExecution(ctx, got); err != nil {
				t.Fatalf("update: %v", err)
			}
			got, err = s.GetExecution(ctx, "exe-1")
			if err != nil {
				t.Fatalf("reget: %v", err)
			}
			if got.Status != StatusCompleted || got.NodeCountExecuted != 7 {
				t.Errorf("update not persisted: %+v", got)
			}

			if _, err := s.GetExecution(ctx, "missing"); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing get err = %v, want ErrNotFound", err)
			}
			if err := s.UpdateExecution(ctx, &ProcessExecution{ID: "missing"}); !errors.Is(err, ErrNotFound) {
				t.Errorf("missing update err = %v, want ErrNotFound", err)
			}
		})
	}
}

func TestListExecutionsFilter(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			base := time.Now().UTC()
			seed := []*ProcessExecution{
				{ID: "a", OrgID: "org-1", AgentID: "ag-1", Status: StatusCompleted, CreatedAt: base.Add(1 * time.Second)},
				{ID: "b", OrgID: "org-1", AgentID: "ag-1", Status: StatusFailed, CreatedAt: base.Add(2 * time.Second)},
				{ID: "c", OrgID: "org-1", AgentID: "ag-2", Status: StatusCompleted, CreatedAt: base.Add(3 * time.Second)},
				{ID: "d", OrgID: "org-2", AgentID: "ag-1", Status: StatusCompleted, CreatedAt: base.Add(4 * time.Second)},
			}
			for _, e := range seed {
				if err := s.CreateExecution(ctx, e); err != nil {
					t.Fatalf("seed %s: %v", e.ID, err)
				}
			}

			got, err := s.ListExecutions(ctx, ExecutionFilter{OrgID: "org-1"})
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("org-1 count = %d, want 3", len(got))
			}
			// Newest first.
			if got[0].ID != "c" {
				t.Errorf("first = %s, want c", got[0].ID)
			}

			got, err = s.ListExecutions(ctx, ExecutionFilter{OrgID: "org-1", AgentID: "ag-1", Status: StatusCompleted})
			if err != nil {
				t.Fatalf("list filtered: %v", err)
			}
			if len(got) != 1 || got[0].ID != "a" {
				t.Errorf("filtered = %v", got)
			}

			got, err = s.ListExecutions(ctx, ExecutionFilter{OrgID: "org-1", Limit: 2, Offset: 1})
			if err != nil {
				t.Fatalf("list paged: %v", err)
			}
			if len(got) != 2 || got[0].ID != "b" {
				t.Errorf("paged = %v", got)
			}

			counts, err := s.CountExecutionsByStatus(ctx, "org-1")
			if err != nil {
				t.Fatalf("count: %v", err)
			}
			if counts[StatusCompleted] != 2 || counts[StatusFailed] != 1 {
				t.Errorf("counts = %v", counts)
			}
		})
	}
}

func TestNextExecutionNumber(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for want := int64(1); want <= 3; want++ {
				n, err := s.NextExecutionNumber(ctx, "org-1", "ag-1")
				if err != nil {
					t.Fatalf("next: %v", err)
				}
				if n != want {
					t.Errorf("number = %d, want %d", n, want)
				}
			}
			// Independent sequence per agent.
			n, err := s.NextExecutionNumber(ctx, "org-1", "ag-2")
			if err != nil {
				t.Fatalf("next: %v", err)
			}
			if n != 1 {
				t.Errorf("ag-2 number = %d, want 1", n)
			}
		})
	}
}

func TestNodeExecutions(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			for i, id := range []string{"ne-2", "ne-1", "ne-3"} {
				order := map[string]int{"ne-1": 1, "ne-2": 2, "ne-3": 3}[id]
				ne := &ProcessNodeExecution{
					ID:             id,
					ExecutionID:    "exe-1",
					NodeID:         "node",
					NodeType:       "AI_TASK",
					Status:         NodeStatusCompleted,
					Attempt:        i + 1,
					ExecutionOrder: order,
				}
				if err := s.CreateNodeExecution(ctx, ne); err != nil {
					t.Fatalf("create %s: %v", id, err)
				}
			}

			got, err := s.ListNodeExecutions(ctx, "exe-1")
			if err != nil {
				t.Fatalf("list: %v", err)
			}
			if len(got) != 3 {
				t.Fatalf("count = %d, want 3", len(got))
			}
			for i, ne := range got {
				if ne.ExecutionOrder != i+1 {
					t.Errorf("position %d has order %d", i, ne.ExecutionOrder)
				}
			}

			got[0].Status = NodeStatusFailed
			got[0].ErrorMessage = "boom"
			if err := s.UpdateNodeExecution(ctx, got[0]); err != nil {
				t.Fatalf("update: %v", err)
			}
			reread, err := s.ListNodeExecutions(ctx, "exe-1")
			if err != nil {
				t.Fatalf("relist: %v", err)
			}
			if reread[0].Status != NodeStatusFailed || reread[0].ErrorMessage != "boom" {
				t.Errorf("update not persisted: %+v", reread[0])
			}
		})
	}
}

func TestApprovals(t *testing.T) {
	for name, s := range testStores(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			now := time.Now().UTC()
			past := now.Add(-time.Hour)
			future := now.Add(time.Hour)

			seed := []*ProcessApprovalRequest{
				{ID: "ap-direct", ExecutionID: "e1", OrgID: "org-1", Title: "direct", AssigneeType: "any",
					AssignedUserIDs: []string{"user-1"}, Status: ApprovalPending, Deadline: &future, CreatedAt: now},
				{ID: "ap-role", ExecutionID: "e2", OrgID: "org-1", Title: "role", AssigneeType: "any",
					AssignedRoleIDs: []string{"role-mgr"}, Status: ApprovalPending, CreatedAt: now.Add(time.Second)},
				{ID: "ap-open", ExecutionID: "e3", OrgID: "org-1", Title: "open", AssigneeType: "any",
					Status: ApprovalPending, CreatedAt: now.Add(2 * time.Second)},
				{ID: "ap-other", ExecutionID: "e4", OrgID: "org-1", Title: "other", AssigneeType: "any",
					AssignedUserIDs: []string{"user-9"}, Status: ApprovalPending, CreatedAt: now.Add(3 * time.Second)},
				{ID: "ap-overdue", ExecutionID: "e5", OrgID: "org-1", Title: "late", AssigneeType: "any",
					AssignedUserIDs: []string{"user-1"}, Status: ApprovalPending, Deadline: &past, CreatedAt: now.Add(4 * time.Second)},
				{ID: "ap-escalate", ExecutionID: "e6", OrgID: "org-1", Title: "late2", AssigneeType: "any",
					Status: ApprovalPending, Deadline: &past, EscalateTo: "user-boss", CreatedAt: now.Add(5 * time.Second)},
			}
			for _, ar := range seed {
				if err := s.CreateApproval(ctx, ar); err != nil {
					t.Fatalf("create %s: %v", ar.ID, err)
				}
			}

			t.Run("visibility", func(t *testing.T) {
				got, err := s.ListPendingApprovalsForUser(ctx, "org-1", "user-1", []string{"role-mgr"}, nil)
				if err != nil {
					t.Fatalf("list: %v", err)
				}
				// direct + role + open + overdue (still pending), not ap-other.
				ids := map[string]bool{}
				for _, ar := range got {
					ids[ar.ID] = true
				}
				for _, want := range []string{"ap-direct", "ap-role", "ap-open", "ap-overdue"} {
					if !ids[want] {
						t.Errorf("missing %s in %v", want, ids)
					}
				}
				if ids["ap-other"] {
					t.Error("ap-other should not be visible")
				}
			})

			t.Run("decision", func(t *testing.T) {
				ar, err := s.GetApproval(ctx, "ap-direct")
				if err != nil {
					t.Fatalf("get: %v", err)
				}
				ar.Status = ApprovalApproved
				ar.Decision = "approved"
				ar.DecidedBy = "user-1"
				decidedAt := now
				ar.DecidedAt = &decidedAt
				if err := s.UpdateApproval(ctx, ar); err != nil {
					t.Fatalf("update: %v", err)
				}
				got, err := s.GetApproval(ctx, "ap-direct")
				if err != nil {
					t.Fatalf("reget: %v", err)
				}
				if got.Status != ApprovalApproved || got.DecidedBy != "user-1" {
					t.Errorf("decision not persisted: %+v", got)
				}
			})

			t.Run("expiry sweep", func(t *testing.T) {
				affected, err := s.ExpireOverdueApprovals(ctx, now)
				if err != nil {
					t.Fatalf("sweep: %v", err)
				}
				if len(affected) != 2 {
					t.Fatalf("affected = %v, want 2 ids", affected)
				}
				late, _ := s.GetApproval(ctx, "ap-overdue")
				if late.Status != ApprovalExpired {
					t.Errorf("ap-overdue status = %s", late.Status)
				}
				esc, _ := s.GetApproval(ctx, "ap-escalate")
				if esc.Status != ApprovalEscalated {
					t.Errorf("ap-escalate status = %s", esc.Status)
				}
				if !esc.Escalated || esc.EscalatedAt == nil {
					t.Errorf("ap-escalate escalated=%v at=%v", esc.Escalated, esc.EscalatedAt)
				}
				// Future deadlines untouched.
				role, _ := s.GetApproval(ctx, "ap-role")
				if role.Status != ApprovalPending {
					t.Errorf("ap-role status = %s", role.Status)
				}
			})
		})
	}
}

func TestMemoryStoreIsolation(t *testing.T) {
	s := NewMemoryStore()
	ctx := context.Background()
	exec := &ProcessExecution{
		ID: "exe-1", OrgID: "org-1", AgentID: "ag-1", Status: StatusRunning,
		Variables: map[string]interface{}{"k": "v"}, CreatedAt: time.Now(),
	}
	if err := s.CreateExecution(ctx, exec); err != nil {
		t.Fatal(err)
	}

	// Mutating the original after Create must not leak into the store.
	exec.Variables["k"] = "changed"
	got, _ := s.GetExecution(ctx, "exe-1")
	if got.Variables["k"] != "v" {
		t.Errorf("store saw caller mutation: %v", got.Variables)
	}

	// Mutating a Get result must not leak either.
	got.Variables["k"] = "changed2"
	again, _ := s.GetExecution(ctx, "exe-1")
	if again.Variables["k"] != "v" {
		t.Errorf("store saw reader mutation: %v", again.Variables)
	}
}
