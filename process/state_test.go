package process

import (
	"strings"
	"testing"
)

func newTestState(t *testing.T) *State {
	t.Helper()
	def := &Definition{
		ID: "p",
		Nodes: []*Node{
			{ID: "start", Type: NodeStart},
		},
		Variables: []VariableDef{
			{Name: "amount", Default: 250.0},
			{Name: "token", Default: "secret-abc", Sensitive: true},
		},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return NewState(def, nil)
}

func TestStateVariables(t *testing.T) {
	st := newTestState(t)

	if v, _ := st.GetVariable("amount"); v != 250.0 {
		t.Errorf("default amount = %v", v)
	}

	st.SetVariable("status", "open", "node-1")
	st.SetVariables(map[string]interface{}{"a": 1, "b": 2}, "node-2")

	log := st.ChangeLog()
	if len(log) != 3 {
		t.Fatalf("change log has %d entries, want 3", len(log))
	}
	if log[0].Name != "status" || log[0].ChangedBy != "node-1" {
		t.Errorf("first change = %+v", log[0])
	}

	vars := st.Variables()
	vars["amount"] = 0.0
	if v, _ := st.GetVariable("amount"); v != 250.0 {
		t.Error("Variables() must return a copy")
	}
}

func TestStateMaskSensitive(t *testing.T) {
	st := newTestState(t)

	masked := st.MaskSensitive("calling api with secret-abc now")
	if strings.Contains(masked, "secret-abc") {
		t.Errorf("sensitive value leaked: %s", masked)
	}
	if !strings.Contains(masked, maskPlaceholder) {
		t.Errorf("mask placeholder missing: %s", masked)
	}

	st.SetVariable("extra", "hunter2", "n")
	st.MarkSensitive("extra")
	if got := st.MaskSensitive("pw is hunter2"); strings.Contains(got, "hunter2") {
		t.Errorf("late-marked sensitive value leaked: %s", got)
	}
}

func TestStateMaskValue(t *testing.T) {
	st := newTestState(t)

	t.Run("string", func(t *testing.T) {
		got := st.MaskValue("auth: secret-abc")
		if s, _ := got.(string); strings.Contains(s, "secret-abc") {
			t.Errorf("leaked: %v", got)
		}
	})

	t.Run("nested map", func(t *testing.T) {
		got := st.MaskValue(map[string]interface{}{
			"headers": map[string]interface{}{"Authorization": "Bearer secret-abc"},
			"amount":  250.0,
		})
		m, ok := got.(map[string]interface{})
		if !ok {
			t.Fatalf("got %T", got)
		}
		headers := m["headers"].(map[string]interface{})
		if strings.Contains(headers["Authorization"].(string), "secret-abc") {
			t.Errorf("leaked: %v", headers)
		}
		if m["amount"] != 250.0 {
			t.Errorf("non-sensitive value changed: %v", m["amount"])
		}
	})

	t.Run("clean value untouched", func(t *testing.T) {
		in := map[string]interface{}{"status": "ok"}
		got := st.MaskValue(in)
		m, ok := got.(map[string]interface{})
		if !ok || m["status"] != "ok" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("nil", func(t *testing.T) {
		if got := st.MaskValue(nil); got != nil {
			t.Errorf("got %v", got)
		}
	})
}

func TestStateProgress(t *testing.T) {
	st := newTestState(t)

	st.MarkCompleted("a")
	st.MarkCompleted("b")
	st.MarkCompleted("a") // loop iterations repeat ids
	st.MarkSkipped("c")

	if got := st.CompletedCount(); got != 3 {
		t.Errorf("CompletedCount = %d", got)
	}
	if !st.HasCompleted("a") || st.HasCompleted("zzz") {
		t.Error("HasCompleted wrong")
	}
	if got := st.SkippedNodes(); len(got) != 1 || got[0] != "c" {
		t.Errorf("SkippedNodes = %v", got)
	}
}

func TestStateCheckpointRoundTrip(t *testing.T) {
	st := newTestState(t)
	st.SetVariable("result", map[string]interface{}{"n": 7.0}, "calc")
	st.MarkCompleted("start")
	st.MarkCompleted("calc")
	st.SetNodeOutput("calc", 7.0)
	st.SetCurrent("calc")
	st.IncrCounter("while:w1")

	cp := st.CreateCheckpoint()
	if cp.Variables["token"] != "secret-abc" {
		t.Error("CreateCheckpoint must keep real values for resume")
	}

	stored := cp.ToMap()
	restoredCp, err := CheckpointFromMap(stored)
	if err != nil {
		t.Fatalf("CheckpointFromMap: %v", err)
	}

	fresh := NewState(nil, nil)
	fresh.RestoreCheckpoint(restoredCp)
	if v, _ := fresh.GetVariable("token"); v != "secret-abc" {
		t.Errorf("restored token = %v", v)
	}
	if fresh.Current() != "calc" || fresh.CompletedCount() != 2 {
		t.Errorf("restored progress wrong: current=%s count=%d", fresh.Current(), fresh.CompletedCount())
	}
	if fresh.Counter("while:w1") != 1 {
		t.Error("internal counters lost in checkpoint")
	}
	if out, ok := fresh.NodeOutput("calc"); !ok || out != 7.0 {
		t.Errorf("restored node output = %v", out)
	}
	if got := fresh.MaskSensitive("x secret-abc x"); strings.Contains(got, "secret-abc") {
		t.Error("sensitive names lost in checkpoint")
	}
}

func TestStateExportCheckpointMasks(t *testing.T) {
	st := newTestState(t)
	cp := st.ExportCheckpoint()
	if cp.Variables["token"] != maskPlaceholder {
		t.Errorf("exported token = %v, want mask", cp.Variables["token"])
	}
	if cp.Variables["amount"] != 250.0 {
		t.Errorf("non-sensitive variable altered: %v", cp.Variables["amount"])
	}
}

func TestLoopFrames(t *testing.T) {
	st := newTestState(t)
	st.PushLoop(&LoopFrame{
		NodeID:    "loop",
		Items:     []interface{}{"x", "y", "z"},
		ItemVar:   "item",
		IndexVar:  "i",
		BodyNodes: []string{"body"},
	})

	if v, _ := st.GetVariable("item"); v != "x" {
		t.Errorf("first item = %v", v)
	}
	if v, _ := st.GetVariable("i"); v != 0 {
		t.Errorf("first index = %v", v)
	}

	st.AppendLoopResult("rx")
	if !st.AdvanceLoop() {
		t.Fatal("advance to second item failed")
	}
	if v, _ := st.GetVariable("item"); v != "y" {
		t.Errorf("second item = %v", v)
	}

	st.AppendLoopResult("ry")
	st.AdvanceLoop()
	st.AppendLoopResult("rz")
	if st.AdvanceLoop() {
		t.Error("advance past last item should report false")
	}

	frame := st.PopLoop()
	if frame == nil || len(frame.Results) != 3 {
		t.Fatalf("popped frame = %+v", frame)
	}
	if st.CurrentLoop() != nil {
		t.Error("frame stack not empty after pop")
	}
}

func TestSnapshotMerge(t *testing.T) {
	st := newTestState(t)
	st.SetVariable("shared", "main", "setup")
	st.MarkCompleted("start")

	branch := st.Snapshot()
	branch.SetVariable("shared", "branch", "b1")
	branch.SetVariable("branch_only", true, "b1")
	branch.SetNodeOutput("b1", "out")
	branch.MarkCompleted("b1")
	branch.MarkSkipped("b2")

	// Branch isolation: main is untouched until merge.
	if v, _ := st.GetVariable("shared"); v != "main" {
		t.Errorf("main saw branch write early: %v", v)
	}

	st.MergeFrom(branch)

	if v, _ := st.GetVariable("shared"); v != "branch" {
		t.Errorf("merged shared = %v", v)
	}
	if v, _ := st.GetVariable("branch_only"); v != true {
		t.Errorf("merged branch_only = %v", v)
	}
	if out, ok := st.NodeOutput("b1"); !ok || out != "out" {
		t.Errorf("merged output = %v", out)
	}
	// Only the branch's own completions come back, not the inherited prefix.
	if got := st.CompletedNodes(); len(got) != 2 || got[1] != "b1" {
		t.Errorf("merged completions = %v", got)
	}
	if got := st.SkippedNodes(); len(got) != 1 || got[0] != "b2" {
		t.Errorf("merged skips = %v", got)
	}
}

func TestCountersStayInternal(t *testing.T) {
	st := newTestState(t)
	st.IncrCounter("while:w")
	st.IncrCounter("while:w")

	if st.Counter("while:w") != 2 {
		t.Errorf("counter = %d", st.Counter("while:w"))
	}
	if _, ok := st.GetVariable("while:w"); ok {
		t.Error("counter leaked into variables")
	}
	cp := st.ExportCheckpoint()
	if _, ok := cp.Variables["while:w"]; ok {
		t.Error("counter leaked into checkpoint variables")
	}

	st.ResetCounter("while:w")
	if st.Counter("while:w") != 0 {
		t.Error("reset failed")
	}
}
