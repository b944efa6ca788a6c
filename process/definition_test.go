package process

import (
	"errors"
	"testing"
)

func TestParseDefinition(t *testing.T) {
	raw := []byte(`{
		"id": "proc-1",
		"name": "Test Process",
		"version": 2,
		"nodes": [
			{"id": "start", "type": "START"},
			{"id": "work", "type": "SCRIPT", "config": {"script": "1 + 1"}},
			{"id": "end", "type": "END"}
		],
		"edges": [
			{"source": "start", "target": "work"},
			{"source": "work", "target": "end"}
		],
		"variables": [
			{"name": "amount", "type": "number", "default": 100},
			{"name": "api_key", "sensitive": true}
		]
	}`)

	def, err := ParseDefinition(raw)
	if err != nil {
		t.Fatalf("ParseDefinition: %v", err)
	}
	if def.ID != "proc-1" || def.Version != 2 {
		t.Errorf("got id=%s version=%d", def.ID, def.Version)
	}
	if def.StartNode() == nil || def.StartNode().ID != "start" {
		t.Errorf("wrong start node")
	}
	if got := def.GetNode("work"); got == nil || got.Type != NodeScript {
		t.Errorf("GetNode(work) = %v", got)
	}
	if edges := def.OutgoingEdges("start"); len(edges) != 1 || edges[0].Target != "work" {
		t.Errorf("OutgoingEdges(start) = %v", edges)
	}
}

func TestDefinitionValidateErrors(t *testing.T) {
	cases := []struct {
		name string
		def  *Definition
		code string
	}{
		{
			name: "no id",
			def:  &Definition{Nodes: []*Node{{ID: "start", Type: NodeStart}}},
			code: "INVALID_DEFINITION",
		},
		{
			name: "no nodes",
			def:  &Definition{ID: "p"},
			code: "INVALID_DEFINITION",
		},
		{
			name: "duplicate node",
			def: &Definition{ID: "p", Nodes: []*Node{
				{ID: "start", Type: NodeStart},
				{ID: "start", Type: NodeEnd},
			}},
			code: "DUPLICATE_NODE",
		},
		{
			name: "unknown type",
			def: &Definition{ID: "p", Nodes: []*Node{
				{ID: "start", Type: NodeStart},
				{ID: "x", Type: "BOGUS"},
			}},
			code: "UNKNOWN_NODE_TYPE",
		},
		{
			name: "no start",
			def:  &Definition{ID: "p", Nodes: []*Node{{ID: "end", Type: NodeEnd}}},
			code: "NO_START_NODE",
		},
		{
			name: "two starts",
			def: &Definition{ID: "p", Nodes: []*Node{
				{ID: "a", Type: NodeStart},
				{ID: "b", Type: NodeStart},
			}},
			code: "INVALID_DEFINITION",
		},
		{
			name: "dangling edge",
			def: &Definition{ID: "p",
				Nodes: []*Node{{ID: "start", Type: NodeStart}},
				Edges: []Edge{{Source: "start", Target: "missing"}},
			},
			code: "NODE_NOT_FOUND",
		},
		{
			name: "dangling next",
			def: &Definition{ID: "p", Nodes: []*Node{
				{ID: "start", Type: NodeStart, Next: "missing"},
			}},
			code: "NODE_NOT_FOUND",
		},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			err := tc.def.Validate()
			if err == nil {
				t.Fatal("expected error")
			}
			var ee *ExecutionError
			if !errors.As(err, &ee) {
				t.Fatalf("expected *ExecutionError, got %T", err)
			}
			if ee.Code != tc.code {
				t.Errorf("code = %s, want %s", ee.Code, tc.code)
			}
		})
	}
}

func TestDefinitionSnapshotRoundTrip(t *testing.T) {
	def := &Definition{
		ID:   "p",
		Name: "Round Trip",
		Nodes: []*Node{
			{ID: "start", Type: NodeStart},
			{ID: "end", Type: NodeEnd, Config: map[string]interface{}{"output": "{{ x }}"}},
		},
		Edges:     []Edge{{Source: "start", Target: "end"}},
		Variables: []VariableDef{{Name: "x", Default: 42.0}},
	}
	if err := def.Validate(); err != nil {
		t.Fatalf("Validate: %v", err)
	}

	restored, err := DefinitionFromSnapshot(def.Snapshot())
	if err != nil {
		t.Fatalf("DefinitionFromSnapshot: %v", err)
	}
	if restored.ID != def.ID || len(restored.Nodes) != 2 || len(restored.Edges) != 1 {
		t.Errorf("restored definition does not match: %+v", restored)
	}
	if restored.GetNode("end").Config["output"] != "{{ x }}" {
		t.Errorf("node config lost in round trip")
	}
}

func TestNodeIsEnabled(t *testing.T) {
	n := &Node{ID: "x", Type: NodeScript}
	if !n.IsEnabled() {
		t.Error("nil Enabled should default to true")
	}
	off := false
	n.Enabled = &off
	if n.IsEnabled() {
		t.Error("explicitly disabled node reported enabled")
	}
}
