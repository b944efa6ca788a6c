package process

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
)

func httpState(t *testing.T) *State {
	t.Helper()
	st := NewState(nil, nil)
	st.SetVariables(map[string]interface{}{
		"order_id":  "o-42",
		"api_token": "tok-123",
	}, "test")
	return st
}

func TestHTTPRequestExecutor(t *testing.T) {
	st := httpState(t)

	t.Run("json round trip", func(t *testing.T) {
		var gotPath, gotAuth string
		var gotBody map[string]interface{}
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotPath = r.URL.Path
			gotAuth = r.Header.Get("Authorization")
			json.NewDecoder(r.Body).Decode(&gotBody)
			w.Header().Set("Content-Type", "application/json")
			w.WriteHeader(http.StatusCreated)
			w.Write([]byte(`{"id": "created-1"}`))
		}))
		defer srv.Close()

		x := &httpRequestExecutor{deps: &Dependencies{}}
		node := &Node{ID: "h", Type: NodeHTTPRequest, Config: map[string]interface{}{
			"method": "POST",
			"url":    srv.URL + "/orders/{{ order_id }}",
			"body":   map[string]interface{}{"ref": "{{ order_id }}"},
			"auth":   map[string]interface{}{"type": "bearer", "token": "{{ api_token }}"},
		}}

		res := execNode(t, x, node, st)
		if res.Status != NodeSuccess {
			t.Fatalf("res = %+v", res)
		}
		if gotPath != "/orders/o-42" || gotAuth != "Bearer tok-123" {
			t.Errorf("path=%s auth=%s", gotPath, gotAuth)
		}
		if gotBody["ref"] != "o-42" {
			t.Errorf("body = %v", gotBody)
		}

		out := res.Output.(map[string]interface{})
		if out["status"] != http.StatusCreated {
			t.Errorf("status = %v", out["status"])
		}
		body := out["body"].(map[string]interface{})
		if body["id"] != "created-1" {
			t.Errorf("body = %v", body)
		}
	})

	t.Run("server errors are retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "overloaded", http.StatusServiceUnavailable)
		}))
		defer srv.Close()

		x := &httpRequestExecutor{deps: &Dependencies{}}
		node := &Node{ID: "h", Type: NodeHTTPRequest, Config: map[string]interface{}{"url": srv.URL}}

		res := execNode(t, x, node, st)
		if res.Status != NodeFailed || res.Err.Code != "HTTP_503" {
			t.Fatalf("res = %+v", res)
		}
		if !res.Err.IsRetryable {
			t.Error("503 should be retryable")
		}
	})

	t.Run("client errors are not retryable", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			http.Error(w, "no such thing", http.StatusNotFound)
		}))
		defer srv.Close()

		x := &httpRequestExecutor{deps: &Dependencies{}}
		node := &Node{ID: "h", Type: NodeHTTPRequest, Config: map[string]interface{}{"url": srv.URL}}

		res := execNode(t, x, node, st)
		if res.Status != NodeFailed || res.Err.Code != "HTTP_404" || res.Err.IsRetryable {
			t.Fatalf("res = %+v", res)
		}
	})

	t.Run("custom success codes", func(t *testing.T) {
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusNotFound)
		}))
		defer srv.Close()

		x := &httpRequestExecutor{deps: &Dependencies{}}
		node := &Node{ID: "h", Type: NodeHTTPRequest, Config: map[string]interface{}{
			"url":           srv.URL,
			"success_codes": []interface{}{200, 404},
		}}

		if res := execNode(t, x, node, st); res.Status != NodeSuccess {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("non-http url rejected", func(t *testing.T) {
		x := &httpRequestExecutor{deps: &Dependencies{}}
		node := &Node{ID: "h", Type: NodeHTTPRequest, Config: map[string]interface{}{
			"url": "ftp://example.com/file",
		}}
		res := execNode(t, x, node, st)
		if res.Status != NodeFailed || res.Err.Code != "INVALID_URL" {
			t.Errorf("res = %+v", res)
		}
	})

	t.Run("api key auth header", func(t *testing.T) {
		var gotKey string
		srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			gotKey = r.Header.Get("X-Custom-Key")
			w.Write([]byte("ok"))
		}))
		defer srv.Close()

		x := &httpRequestExecutor{deps: &Dependencies{}}
		node := &Node{ID: "h", Type: NodeHTTPRequest, Config: map[string]interface{}{
			"url": srv.URL,
			"auth": map[string]interface{}{
				"type": "api_key", "header": "X-Custom-Key", "value": "{{ api_token }}",
			},
		}}

		res := execNode(t, x, node, st)
		if res.Status != NodeSuccess || gotKey != "tok-123" {
			t.Errorf("key=%s res=%+v", gotKey, res)
		}
		// Plain text responses come back as strings.
		out := res.Output.(map[string]interface{})
		if out["body"] != "ok" {
			t.Errorf("body = %v", out["body"])
		}
	})
}
