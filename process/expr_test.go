package process

import (
	"testing"
)

func exprState(t *testing.T) *State {
	t.Helper()
	st := NewState(nil, nil)
	st.SetVariables(map[string]interface{}{
		"amount":   1500.0,
		"customer": map[string]interface{}{"name": "Acme", "tier": "gold"},
		"tags":     []interface{}{"a", "b"},
	}, "test")
	st.SetNodeOutput("lookup", map[string]interface{}{"score": 0.9})
	return st
}

func TestEvaluate(t *testing.T) {
	st := exprState(t)

	cases := []struct {
		expr string
		want interface{}
	}{
		{"amount * 2", 3000.0},
		{`customer.name`, "Acme"},
		{`customer.tier == "gold"`, true},
		{`len(tags)`, 2},
		{`nodes.lookup.score`, 0.9},
		{`missing == nil`, true},
		// Conditions written in template form compile like their plain form.
		{`{{ amount }} > 1000`, true},
		{`{{ customer.name }} == "Acme"`, true},
		{`{{ amount }} / 2`, 750.0},
	}
	for _, tc := range cases {
		t.Run(tc.expr, func(t *testing.T) {
			got, err := st.Evaluate(tc.expr)
			if err != nil {
				t.Fatalf("Evaluate(%q): %v", tc.expr, err)
			}
			if got != tc.want {
				t.Errorf("Evaluate(%q) = %v, want %v", tc.expr, got, tc.want)
			}
		})
	}

	if _, err := st.Evaluate(""); err == nil || err.Code != "EMPTY_EXPRESSION" {
		t.Errorf("empty expression error = %v", err)
	}
	if _, err := st.Evaluate("1 +* 2"); err == nil || err.Code != "EXPRESSION_COMPILE_FAILED" {
		t.Errorf("compile error = %v", err)
	}
}

func TestEvaluateCondition(t *testing.T) {
	st := exprState(t)

	ok, err := st.EvaluateCondition("amount > 1000")
	if err != nil || !ok {
		t.Errorf("condition = %v, %v", ok, err)
	}

	ok, err = st.EvaluateCondition("{{ amount }} > 1000")
	if err != nil || !ok {
		t.Errorf("template condition = %v, %v", ok, err)
	}

	_, err = st.EvaluateCondition("amount + 1")
	if err == nil || err.Code != "CONDITION_EVAL_FAILED" {
		t.Errorf("non-boolean condition error = %v", err)
	}
	if err != nil && err.IsUserFixable {
		t.Error("condition failures are not fixable by the requester")
	}
}

func TestEvaluateWith(t *testing.T) {
	st := exprState(t)

	got, err := st.EvaluateWith("item * 2 + amount", map[string]interface{}{"item": 10.0})
	if err != nil {
		t.Fatalf("EvaluateWith: %v", err)
	}
	if got != 1520.0 {
		t.Errorf("got %v", got)
	}
	// Transient bindings never land in state.
	if _, ok := st.GetVariable("item"); ok {
		t.Error("transient binding leaked into variables")
	}
}

func TestInterpolateString(t *testing.T) {
	st := exprState(t)

	got, err := st.InterpolateString("Order for {{ customer.name }} totals {{ amount }} ({{ customer.tier }})")
	if err != nil {
		t.Fatalf("InterpolateString: %v", err)
	}
	want := "Order for Acme totals 1500 (gold)"
	if got != want {
		t.Errorf("got %q, want %q", got, want)
	}

	if _, err := st.InterpolateString("{{ 1 +* }}"); err == nil {
		t.Error("expected error for bad placeholder")
	}

	plain, err := st.InterpolateString("no placeholders here")
	if err != nil || plain != "no placeholders here" {
		t.Errorf("plain string mangled: %q %v", plain, err)
	}
}

func TestInterpolateValue(t *testing.T) {
	st := exprState(t)

	t.Run("whole placeholder keeps type", func(t *testing.T) {
		got, err := st.InterpolateValue("{{ customer }}")
		if err != nil {
			t.Fatal(err)
		}
		m, ok := got.(map[string]interface{})
		if !ok || m["tier"] != "gold" {
			t.Errorf("got %T %v", got, got)
		}
	})

	t.Run("embedded placeholder stringifies", func(t *testing.T) {
		got, err := st.InterpolateValue("total: {{ amount }}")
		if err != nil {
			t.Fatal(err)
		}
		if got != "total: 1500" {
			t.Errorf("got %v", got)
		}
	})

	t.Run("recurses through maps and slices", func(t *testing.T) {
		got, err := st.InterpolateValue(map[string]interface{}{
			"who":  "{{ customer.name }}",
			"list": []interface{}{"{{ amount }}", "fixed"},
		})
		if err != nil {
			t.Fatal(err)
		}
		m := got.(map[string]interface{})
		if m["who"] != "Acme" {
			t.Errorf("who = %v", m["who"])
		}
		list := m["list"].([]interface{})
		if list[0] != 1500.0 || list[1] != "fixed" {
			t.Errorf("list = %v", list)
		}
	})

	t.Run("non-string passthrough", func(t *testing.T) {
		got, err := st.InterpolateValue(42.0)
		if err != nil || got != 42.0 {
			t.Errorf("got %v %v", got, err)
		}
	})
}
