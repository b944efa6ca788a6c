package tool

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"strings"
)

// HTTPTool performs HTTP requests on behalf of a process.
//
// Arguments:
//   - url: target URL (required)
//   - method: "GET" or "POST" (default "GET")
//   - headers: optional map of header name to value
//   - body: optional request body string (POST)
//
// Result data:
//   - status_code, headers, body
//
// Non-2xx responses are domain failures: Success=false with the status in
// Error, never a Go error.
type HTTPTool struct {
	client *http.Client
}

// NewHTTPTool creates an HTTPTool. A nil client uses http.DefaultClient;
// timeouts come from the caller's context.
func NewHTTPTool(client *http.Client) *HTTPTool {
	if client == nil {
		client = http.DefaultClient
	}
	return &HTTPTool{client: client}
}

// Name returns "http_request".
func (h *HTTPTool) Name() string {
	return "http_request"
}

// Execute performs the request.
func (h *HTTPTool) Execute(ctx context.Context, args map[string]interface{}) (Result, error) {
	urlStr, ok := args["url"].(string)
	if !ok || urlStr == "" {
		return Result{}, fmt.Errorf("url argument required (string)")
	}

	method := "GET"
	if m, ok := args["method"].(string); ok && m != "" {
		method = strings.ToUpper(m)
	}
	if method != "GET" && method != "POST" {
		return Result{}, fmt.Errorf("unsupported HTTP method: %s (supported: GET, POST)", method)
	}

	var body io.Reader
	if bodyStr, ok := args["body"].(string); ok && bodyStr != "" {
		body = bytes.NewBufferString(bodyStr)
	}

	req, err := http.NewRequestWithContext(ctx, method, urlStr, body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to create request: %w", err)
	}
	if headers, ok := args["headers"].(map[string]interface{}); ok {
		for key, value := range headers {
			if valueStr, ok := value.(string); ok {
				req.Header.Set(key, valueStr)
			}
		}
	}

	resp, err := h.client.Do(req)
	if err != nil {
		return Result{}, fmt.Errorf("failed to execute request: %w", err)
	}
	defer func() { _ = resp.Body.Close() }()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return Result{}, fmt.Errorf("failed to read response body: %w", err)
	}

	respHeaders := make(map[string]interface{})
	for key, values := range resp.Header {
		if len(values) == 1 {
			respHeaders[key] = values[0]
		} else {
			respHeaders[key] = values
		}
	}

	data := map[string]interface{}{
		"status_code": resp.StatusCode,
		"headers":     respHeaders,
		"body":        string(respBody),
	}

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return Result{
			Success: false,
			Data:    data,
			Error:   fmt.Sprintf("HTTP %d", resp.StatusCode),
		}, nil
	}
	return Result{Success: true, Data: data}, nil
}
