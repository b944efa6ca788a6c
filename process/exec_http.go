package process

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
)

const maxHTTPResponseBytes = 10 << 20

// httpRequestExecutor performs an HTTP call.
//
// Config:
//
//	method         HTTP method, default GET
//	url            request URL template (required)
//	headers        map of header templates
//	body           request body; maps and slices are sent as JSON
//	auth           {type: bearer|basic|api_key, ...} credentials
//	success_codes  status codes treated as success, default any 2xx
type httpRequestExecutor struct {
	deps *Dependencies
}

func (x *httpRequestExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "url", "") == "" {
		return NewValidationError("MISSING_CONFIG", "http node %s needs a url", node.ID)
	}
	return nil
}

func (x *httpRequestExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	url, err := st.InterpolateString(configString(node.Config, "url", ""))
	if err != nil {
		return Failure(err)
	}
	if !strings.HasPrefix(url, "http://") && !strings.HasPrefix(url, "https://") {
		return Failure(NewValidationError("INVALID_URL", "url %q must be http or https", url))
	}
	method := strings.ToUpper(configString(node.Config, "method", http.MethodGet))

	var bodyReader io.Reader
	contentType := ""
	if raw, ok := node.Config["body"]; ok {
		resolved, ierr := st.InterpolateValue(raw)
		if ierr != nil {
			return Failure(ierr)
		}
		switch b := resolved.(type) {
		case string:
			bodyReader = strings.NewReader(b)
		default:
			encoded, merr := json.Marshal(b)
			if merr != nil {
				return Failure(NewValidationError("INVALID_BODY", "request body is not serializable: %v", merr))
			}
			bodyReader = bytes.NewReader(encoded)
			contentType = "application/json"
		}
	}

	req, reqErr := http.NewRequestWithContext(ctx, method, url, bodyReader)
	if reqErr != nil {
		return Failure(NewValidationError("INVALID_REQUEST", "failed to build request: %v", reqErr))
	}
	if contentType != "" {
		req.Header.Set("Content-Type", contentType)
	}
	for name, raw := range configMap(node.Config, "headers") {
		value, herr := st.InterpolateString(fmt.Sprintf("%v", raw))
		if herr != nil {
			return Failure(herr)
		}
		req.Header.Set(name, value)
	}
	if authErr := applyAuth(req, st, configMap(node.Config, "auth")); authErr != nil {
		return Failure(authErr)
	}

	resp, doErr := x.deps.httpClient().Do(req)
	if doErr != nil {
		if ctx.Err() != nil {
			return Failure(NewTimeoutError("HTTP_TIMEOUT", "request to %s was cut off: %v", url, doErr))
		}
		return Failure(NewConnectionError("HTTP_CONNECTION_FAILED", "request to %s failed: %v", url, doErr))
	}
	defer resp.Body.Close()

	raw, readErr := io.ReadAll(io.LimitReader(resp.Body, maxHTTPResponseBytes))
	if readErr != nil {
		return Failure(NewConnectionError("HTTP_READ_FAILED", "failed to read response from %s: %v", url, readErr))
	}

	if !statusOK(resp.StatusCode, node.Config) {
		httpErr := newError(CategoryExternal, fmt.Sprintf("HTTP_%d", resp.StatusCode),
			"%s %s returned status %d", method, url, resp.StatusCode)
		if resp.StatusCode == http.StatusRequestTimeout || resp.StatusCode == http.StatusTooManyRequests || resp.StatusCode >= 500 {
			httpErr.IsRetryable = true
		}
		return Failure(httpErr.WithDetail("body", truncate(string(raw), 2048)))
	}

	res := Success(map[string]interface{}{
		"status":  resp.StatusCode,
		"headers": flattenHeaders(resp.Header),
		"body":    decodeBody(resp.Header.Get("Content-Type"), raw),
	})
	res.Details = map[string]interface{}{
		"method":      method,
		"url":         url,
		"status_code": resp.StatusCode,
	}
	return res
}

func applyAuth(req *http.Request, st *State, auth map[string]interface{}) *ExecutionError {
	if auth == nil {
		return nil
	}
	render := func(key string) (string, *ExecutionError) {
		return st.InterpolateString(configString(auth, key, ""))
	}
	switch configString(auth, "type", "") {
	case "bearer":
		token, err := render("token")
		if err != nil {
			return err
		}
		req.Header.Set("Authorization", "Bearer "+token)
	case "basic":
		user, err := render("username")
		if err != nil {
			return err
		}
		pass, err := render("password")
		if err != nil {
			return err
		}
		req.SetBasicAuth(user, pass)
	case "api_key":
		value, err := render("value")
		if err != nil {
			return err
		}
		header := configString(auth, "header", "X-API-Key")
		req.Header.Set(header, value)
	case "":
	default:
		return NewValidationError("INVALID_CONFIG", "unknown auth type %q", configString(auth, "type", ""))
	}
	return nil
}

func statusOK(status int, cfg map[string]interface{}) bool {
	codes := configSlice(cfg, "success_codes")
	if len(codes) == 0 {
		return status >= 200 && status < 300
	}
	for _, c := range codes {
		if configInt(map[string]interface{}{"c": c}, "c", -1) == status {
			return true
		}
	}
	return false
}

func decodeBody(contentType string, raw []byte) interface{} {
	if strings.Contains(contentType, "application/json") {
		var out interface{}
		if err := json.Unmarshal(raw, &out); err == nil {
			return out
		}
	}
	return string(raw)
}

func flattenHeaders(h http.Header) map[string]interface{} {
	out := make(map[string]interface{}, len(h))
	for name := range h {
		out[name] = h.Get(name)
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
