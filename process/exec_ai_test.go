package process

import (
	"context"
	"testing"

	"github.com/procflow/procflow-go/process/model"
)

func TestAITaskExecutorStructured(t *testing.T) {
	mock := model.NewMockClient()
	mock.QueueResponse(`{"name": "Acme", "score": 87}`, 12)

	st := NewState(nil, nil)
	x := &aiTaskExecutor{deps: &Dependencies{Model: mock}}
	node := &Node{ID: "a", Type: NodeAITask, Config: map[string]interface{}{
		"prompt":        "Score the account.",
		"output_format": "structured",
		"verify":        false,
		"schema": map[string]interface{}{
			"type":     "object",
			"required": []interface{}{"name", "score"},
			"properties": map[string]interface{}{
				"name":  map[string]interface{}{"type": "string"},
				"score": map[string]interface{}{"type": "number"},
			},
		},
	}}

	res := execNode(t, x, node, st)
	if res.Status != NodeSuccess {
		t.Fatalf("res = %+v", res)
	}
	out := res.Output.(map[string]interface{})
	if out["name"] != "Acme" || out["score"] != 87.0 {
		t.Errorf("out = %v", out)
	}
	if res.TokensUsed != 12 {
		t.Errorf("tokens = %d", res.TokensUsed)
	}
}

func TestAITaskSchemaViolationRetryable(t *testing.T) {
	mock := model.NewMockClient()
	mock.QueueResponse(`{"name": 42}`, 5)

	st := NewState(nil, nil)
	x := &aiTaskExecutor{deps: &Dependencies{Model: mock}}
	node := &Node{ID: "a", Type: NodeAITask, Config: map[string]interface{}{
		"prompt":        "Name the account.",
		"output_format": "structured",
		"verify":        false,
		"schema": map[string]interface{}{
			"type":       "object",
			"properties": map[string]interface{}{"name": map[string]interface{}{"type": "string"}},
		},
	}}

	res := execNode(t, x, node, st)
	if res.Status != NodeFailed || res.Err.Code != "SCHEMA_VIOLATION" {
		t.Fatalf("res = %+v", res)
	}
	if !res.Err.IsRetryable {
		t.Error("schema violations should be retryable, the model may correct itself")
	}
}

func TestAITaskMissingModel(t *testing.T) {
	st := NewState(nil, nil)
	x := &aiTaskExecutor{deps: &Dependencies{}}
	node := &Node{ID: "a", Type: NodeAITask, Config: map[string]interface{}{"prompt": "hi"}}

	res := x.Execute(context.Background(), node, st, &ExecContext{Deps: &Dependencies{}})
	if res.Status != NodeFailed || res.Err.Code != "MISSING_DEPENDENCY" {
		t.Errorf("res = %+v", res)
	}
}

func TestClassifyModelError(t *testing.T) {
	cases := []struct {
		providerCode string
		wantCode     string
		retryable    bool
	}{
		{"rate_limited", "MODEL_RATE_LIMITED", true},
		{"invalid_api_key", "MODEL_AUTH_FAILED", false},
		{"quota_exceeded", "MODEL_QUOTA_EXCEEDED", false},
		{"timeout", "MODEL_TIMEOUT", true},
	}
	for _, tc := range cases {
		t.Run(tc.providerCode, func(t *testing.T) {
			err := classifyModelError(&model.ProviderError{Code: tc.providerCode, Message: "x"})
			if err.Code != tc.wantCode {
				t.Errorf("code = %s, want %s", err.Code, tc.wantCode)
			}
			if err.IsRetryable != tc.retryable {
				t.Errorf("retryable = %v, want %v", err.IsRetryable, tc.retryable)
			}
		})
	}
}

func TestDecodeModelJSON(t *testing.T) {
	cases := []struct {
		name    string
		content string
		wantKey string
	}{
		{"bare object", `{"a": 1}`, "a"},
		{"json fence", "```json\n{\"a\": 1}\n```", "a"},
		{"anonymous fence", "```\n{\"a\": 1}\n```", "a"},
		{"leading whitespace", "\n  {\"a\": 1}", "a"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			out, err := decodeModelJSON(tc.content)
			if err != nil {
				t.Fatalf("decode: %v", err)
			}
			if _, ok := out.(map[string]interface{})[tc.wantKey]; !ok {
				t.Errorf("out = %v", out)
			}
		})
	}

	if _, err := decodeModelJSON("definitely not json"); err == nil {
		t.Error("expected decode error")
	}
}

func TestVerifyModelOutput(t *testing.T) {
	g := AIGuardrails{}

	t.Run("clean answer passes", func(t *testing.T) {
		w := verifyModelOutput("Add 100 and 250.", "The total of 100 and 250 is 350.", g)
		if len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("empty answer flagged", func(t *testing.T) {
		if w := verifyModelOutput("anything", "   ", g); len(w) != 1 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("short answer flagged", func(t *testing.T) {
		if w := verifyModelOutput("Explain the outage.", "ok", g); len(w) == 0 {
			t.Error("short answer not flagged")
		}
	})

	t.Run("unsupported number flagged", func(t *testing.T) {
		w := verifyModelOutput("Invoice lines: 100, 250.", "You owe 987654.", g)
		if len(w) == 0 {
			t.Error("fabricated number not flagged")
		}
	})

	t.Run("number within tolerance passes", func(t *testing.T) {
		w := verifyModelOutput("The reading was 1000.", "Roughly 1050.", g)
		if len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("pairwise sums count as supported", func(t *testing.T) {
		w := verifyModelOutput("Parts cost 40 and 60.", "Together that is 100.", g)
		if len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("no numbers in prompt skips the check", func(t *testing.T) {
		w := verifyModelOutput("Tell me a story.", "Once there were 3 bears in the woods.", g)
		if len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})
}

func TestVerifyStructuredOutput(t *testing.T) {
	g := AIGuardrails{}
	prompt := "Invoice lines: 100 and 250. Summarize it."

	t.Run("supported totals pass", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{
			"total":   350.0,
			"amount":  250.0,
			"summary": "Two invoice lines adding up to 350.",
		}, g)
		if len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("fabricated total flagged", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{"total": 9999.0}, g)
		if len(w) != 1 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("total within tolerance passes", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{"grand_total": 360.0}, g)
		if len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("key normalization", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{"Grand Total": 9999.0}, g)
		if len(w) != 1 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("short narrative flagged", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{"summary": "ok"}, g)
		if len(w) != 1 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("placeholder narrative flagged", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{
			"details": "No information provided.",
		}, g)
		if len(w) != 1 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("refusal narrative flagged", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{
			"description": "As an AI, I cannot access invoice systems.",
		}, g)
		if len(w) != 1 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("unclassified fields ignored", func(t *testing.T) {
		w := verifyStructuredOutput(prompt, map[string]interface{}{
			"status": "x",
			"weight": 123456.0,
		}, g)
		if len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})

	t.Run("non-object output ignored", func(t *testing.T) {
		if w := verifyStructuredOutput(prompt, []interface{}{1.0, 2.0}, g); len(w) != 0 {
			t.Errorf("warnings = %v", w)
		}
	})
}

func TestExtractNumbers(t *testing.T) {
	got := extractNumbers("paid -12.5 of 100 total")
	if len(got) != 2 || got[0] != -12.5 || got[1] != 100 {
		t.Errorf("got %v", got)
	}
}
