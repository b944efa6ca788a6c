package process

import (
	"context"
	"testing"
)

func dataState(t *testing.T) *State {
	t.Helper()
	st := NewState(nil, nil)
	st.SetVariables(map[string]interface{}{
		"order": map[string]interface{}{
			"id":     "o-1",
			"total":  120.0,
			"email":  "buyer@example.com",
			"nested": map[string]interface{}{"sku": "A7", "qty": 2.0},
		},
		"lines": []interface{}{
			map[string]interface{}{"sku": "A7", "amount": 40.0, "region": "eu"},
			map[string]interface{}{"sku": "B2", "amount": 80.0, "region": "us"},
			map[string]interface{}{"sku": "C9", "amount": 15.0, "region": "eu"},
		},
	}, "test")
	return st
}

func execNode(t *testing.T, x NodeExecutor, node *Node, st *State) *NodeResult {
	t.Helper()
	if err := x.Validate(node); err != nil {
		t.Fatalf("Validate: %v", err)
	}
	return x.Execute(context.Background(), node, st, &ExecContext{Deps: &Dependencies{}})
}

func TestTransformExecutor(t *testing.T) {
	st := dataState(t)
	x := &transformExecutor{}

	t.Run("map", func(t *testing.T) {
		node := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "map",
			"input":     "{{ order }}",
			"mapping": map[string]interface{}{
				"ref":   `input.id`,
				"gross": `input.total * 1.2`,
			},
		}}
		res := execNode(t, x, node, st)
		if res.Status != NodeSuccess {
			t.Fatalf("res = %+v", res)
		}
		out := res.Output.(map[string]interface{})
		if out["ref"] != "o-1" || out["gross"] != 144.0 {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("rename", func(t *testing.T) {
		node := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "rename",
			"input":     "{{ order }}",
			"renames":   map[string]interface{}{"email": "contact"},
		}}
		out := execNode(t, x, node, st).Output.(map[string]interface{})
		if out["contact"] != "buyer@example.com" {
			t.Errorf("out = %v", out)
		}
		if _, ok := out["email"]; ok {
			t.Error("old key survived rename")
		}
	})

	t.Run("pick and omit", func(t *testing.T) {
		pick := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "pick", "input": "{{ order }}",
			"keys": []interface{}{"id", "total"},
		}}
		out := execNode(t, x, pick, st).Output.(map[string]interface{})
		if len(out) != 2 || out["id"] != "o-1" {
			t.Errorf("pick = %v", out)
		}

		omit := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "omit", "input": "{{ order }}",
			"keys": []interface{}{"email"},
		}}
		out = execNode(t, x, omit, st).Output.(map[string]interface{})
		if _, ok := out["email"]; ok {
			t.Errorf("omit kept email: %v", out)
		}
	})

	t.Run("flatten", func(t *testing.T) {
		node := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "flatten", "input": "{{ order }}",
		}}
		out := execNode(t, x, node, st).Output.(map[string]interface{})
		if out["nested.sku"] != "A7" || out["nested.qty"] != 2.0 {
			t.Errorf("flatten = %v", out)
		}
	})

	t.Run("merge", func(t *testing.T) {
		node := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "merge",
			"sources": []interface{}{
				map[string]interface{}{"a": 1.0},
				"{{ order.nested }}",
			},
		}}
		out := execNode(t, x, node, st).Output.(map[string]interface{})
		if out["a"] != 1.0 || out["sku"] != "A7" {
			t.Errorf("merge = %v", out)
		}
	})

	t.Run("script", func(t *testing.T) {
		node := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "script", "input": "{{ order }}",
			"script": `input.total > 100 ? "large" : "small"`,
		}}
		if got := execNode(t, x, node, st).Output; got != "large" {
			t.Errorf("script = %v", got)
		}
	})

	t.Run("unknown operation rejected", func(t *testing.T) {
		node := &Node{ID: "t", Type: NodeTransform, Config: map[string]interface{}{
			"operation": "explode", "input": "{{ order }}",
		}}
		if err := x.Validate(node); err == nil || err.Code != "INVALID_CONFIG" {
			t.Errorf("err = %v", err)
		}
	})
}

func TestValidateExecutor(t *testing.T) {
	st := dataState(t)
	x := &validateExecutor{}

	t.Run("rules pass", func(t *testing.T) {
		node := &Node{ID: "v", Type: NodeValidate, Config: map[string]interface{}{
			"input": "{{ order }}",
			"rules": []interface{}{
				map[string]interface{}{"field": "id", "rule": "required"},
				map[string]interface{}{"field": "total", "rule": "min", "value": 100},
				map[string]interface{}{"field": "email", "rule": "pattern", "value": `@example\.com$`},
			},
		}}
		res := execNode(t, x, node, st)
		if res.Status != NodeSuccess || res.BranchTaken != "valid" {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("violations fail by default", func(t *testing.T) {
		node := &Node{ID: "v", Type: NodeValidate, Config: map[string]interface{}{
			"input": "{{ order }}",
			"rules": []interface{}{
				map[string]interface{}{"field": "missing_field", "rule": "required"},
				map[string]interface{}{"field": "total", "rule": "max", "value": 50},
			},
		}}
		res := execNode(t, x, node, st)
		if res.Status != NodeFailed || res.Err.Code != "VALIDATION_FAILED" {
			t.Fatalf("res = %+v", res)
		}
		violations, _ := res.Err.Details["violations"].([]string)
		if len(violations) != 2 {
			t.Errorf("violations = %v", violations)
		}
	})

	t.Run("soft mode branches instead", func(t *testing.T) {
		node := &Node{ID: "v", Type: NodeValidate, Config: map[string]interface{}{
			"input":           "{{ order }}",
			"fail_on_invalid": false,
			"rules": []interface{}{
				map[string]interface{}{"field": "missing_field", "rule": "required"},
			},
		}}
		res := execNode(t, x, node, st)
		if res.Status != NodeSuccess || res.BranchTaken != "invalid" {
			t.Fatalf("res = %+v", res)
		}
		out := res.Output.(map[string]interface{})
		if out["valid"] != false {
			t.Errorf("out = %v", out)
		}
	})

	t.Run("expression check", func(t *testing.T) {
		node := &Node{ID: "v", Type: NodeValidate, Config: map[string]interface{}{
			"input":      "{{ order }}",
			"expression": `input.total > 0 && input.id != ""`,
		}}
		if res := execNode(t, x, node, st); res.Status != NodeSuccess {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("schema check", func(t *testing.T) {
		node := &Node{ID: "v", Type: NodeValidate, Config: map[string]interface{}{
			"input": "{{ order }}",
			"schema": map[string]interface{}{
				"type":     "object",
				"required": []interface{}{"id", "total", "does_not_exist"},
			},
		}}
		res := execNode(t, x, node, st)
		if res.Status != NodeFailed || res.Err.Code != "VALIDATION_FAILED" {
			t.Errorf("res = %+v", res)
		}
	})
}

func TestFilterExecutor(t *testing.T) {
	st := dataState(t)
	x := &filterExecutor{}

	node := &Node{ID: "f", Type: NodeFilter, Config: map[string]interface{}{
		"input":     "{{ lines }}",
		"condition": `item.region == "eu"`,
	}}
	res := execNode(t, x, node, st)
	if res.Status != NodeSuccess {
		t.Fatalf("res = %+v", res)
	}
	kept := res.Output.([]interface{})
	if len(kept) != 2 {
		t.Fatalf("kept = %v", kept)
	}
	if kept[1].(map[string]interface{})["sku"] != "C9" {
		t.Errorf("kept = %v", kept)
	}

	// Non-boolean conditions are configuration errors.
	bad := &Node{ID: "f", Type: NodeFilter, Config: map[string]interface{}{
		"input": "{{ lines }}", "condition": "item.amount",
	}}
	if res := execNode(t, x, bad, st); res.Status != NodeFailed || res.Err.Code != "INVALID_CONFIG" {
		t.Errorf("res = %+v", res)
	}
}

func TestMapExecutor(t *testing.T) {
	st := dataState(t)
	x := &mapExecutor{}

	node := &Node{ID: "m", Type: NodeMap, Config: map[string]interface{}{
		"input":      "{{ lines }}",
		"expression": "item.amount * 2",
	}}
	res := execNode(t, x, node, st)
	if res.Status != NodeSuccess {
		t.Fatalf("res = %+v", res)
	}
	out := res.Output.([]interface{})
	if len(out) != 3 || out[0] != 80.0 || out[2] != 30.0 {
		t.Errorf("out = %v", out)
	}
	// The item binding never lands in variables.
	if _, ok := st.GetVariable("item"); ok {
		t.Error("item binding leaked")
	}
}

func TestAggregateExecutor(t *testing.T) {
	st := dataState(t)
	x := &aggregateExecutor{}

	agg := func(op string, extra map[string]interface{}) *NodeResult {
		cfg := map[string]interface{}{"input": "{{ lines }}", "operation": op}
		for k, v := range extra {
			cfg[k] = v
		}
		return execNode(t, x, &Node{ID: "a", Type: NodeAggregate, Config: cfg}, st)
	}

	if got := agg("count", nil).Output; got != 3 {
		t.Errorf("count = %v", got)
	}
	if got := agg("sum", map[string]interface{}{"field": "amount"}).Output; got != 135.0 {
		t.Errorf("sum = %v", got)
	}
	if got := agg("avg", map[string]interface{}{"field": "amount"}).Output; got != 45.0 {
		t.Errorf("avg = %v", got)
	}
	if got := agg("min", map[string]interface{}{"field": "amount"}).Output; got != 15.0 {
		t.Errorf("min = %v", got)
	}
	if got := agg("max", map[string]interface{}{"field": "amount"}).Output; got != 80.0 {
		t.Errorf("max = %v", got)
	}
	if got := agg("first", nil).Output.(map[string]interface{})["sku"]; got != "A7" {
		t.Errorf("first = %v", got)
	}
	if got := agg("last", nil).Output.(map[string]interface{})["sku"]; got != "C9" {
		t.Errorf("last = %v", got)
	}

	groups := agg("group_by", map[string]interface{}{"field": "region"}).Output.(map[string]interface{})
	eu, _ := groups["eu"].([]interface{})
	us, _ := groups["us"].([]interface{})
	if len(eu) != 2 || len(us) != 1 {
		t.Errorf("groups = %v", groups)
	}

	// Non-numeric values reject the numeric folds.
	bad := agg("sum", map[string]interface{}{"field": "sku"})
	if bad.Status != NodeFailed || bad.Err.Code != "INVALID_INPUT" {
		t.Errorf("bad = %+v", bad)
	}
}
