package process

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v6"

	"github.com/procflow/procflow-go/process/model"
)

// Output formats for AI task nodes.
const (
	aiFormatText       = "text"
	aiFormatJSON       = "json"
	aiFormatStructured = "structured"
)

// aiTaskExecutor runs a chat completion and post-processes the answer:
// JSON decoding, schema validation, and output verification against the
// prompt content.
//
// Config:
//
//	prompt         user prompt template (required unless messages is set)
//	system         system prompt template (optional)
//	messages       explicit [{role, content}] turns (optional)
//	output_format  "text" (default), "json", or "structured"
//	schema         JSON schema for structured output
//	temperature    generation temperature (optional)
//	max_tokens     completion cap (optional)
//	verify         run output verification, default true
type aiTaskExecutor struct {
	deps *Dependencies
}

func (x *aiTaskExecutor) Validate(node *Node) *ExecutionError {
	if configString(node.Config, "prompt", "") == "" && len(configSlice(node.Config, "messages")) == 0 {
		return NewValidationError("MISSING_CONFIG", "ai task node %s needs a prompt or messages", node.ID)
	}
	format := configString(node.Config, "output_format", aiFormatText)
	switch format {
	case aiFormatText, aiFormatJSON, aiFormatStructured:
	default:
		return NewValidationError("INVALID_CONFIG", "ai task node %s has unknown output_format %q", node.ID, format)
	}
	if format == aiFormatStructured && configMap(node.Config, "schema") == nil {
		return NewValidationError("MISSING_CONFIG", "ai task node %s needs a schema for structured output", node.ID)
	}
	return nil
}

func (x *aiTaskExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	if x.deps.Model == nil {
		return Failure(NewConfigurationError("MISSING_DEPENDENCY", "no model client is configured"))
	}

	messages, promptText, err := x.buildMessages(node, st)
	if err != nil {
		return Failure(err)
	}

	format := configString(node.Config, "output_format", aiFormatText)
	opts := &model.ChatOptions{
		MaxTokens: configInt(node.Config, "max_tokens", 0),
		JSONMode:  format != aiFormatText,
	}
	if raw, ok := node.Config["temperature"]; ok {
		t := configFloat(map[string]interface{}{"t": raw}, "t", 0)
		opts.Temperature = &t
	}

	resp, chatErr := x.deps.Model.Chat(ctx, messages, opts)
	if chatErr != nil {
		return Failure(classifyModelError(chatErr))
	}

	res := &NodeResult{Status: NodeSuccess, TokensUsed: resp.TotalTokens}
	res.Details = map[string]interface{}{
		"output_format": format,
		"total_tokens":  resp.TotalTokens,
		"message_count": len(messages),
	}

	switch format {
	case aiFormatText:
		res.Output = resp.Content
	case aiFormatJSON, aiFormatStructured:
		value, jsonErr := decodeModelJSON(resp.Content)
		if jsonErr != nil {
			fail := Failure(NewValidationError("INVALID_JSON",
				"model returned invalid JSON: %v", jsonErr).Retryable())
			fail.TokensUsed = resp.TotalTokens
			return fail
		}
		if format == aiFormatStructured {
			if schemaErr := validateAgainstSchema(configMap(node.Config, "schema"), value); schemaErr != nil {
				fail := Failure(NewValidationError("SCHEMA_VIOLATION",
					"model output does not match the schema: %v", schemaErr).Retryable())
				fail.TokensUsed = resp.TotalTokens
				return fail
			}
		}
		res.Output = value
	}

	if configBool(node.Config, "verify", true) {
		warnings := verifyModelOutput(promptText, resp.Content, x.deps.Guardrails)
		if format != aiFormatText {
			warnings = append(warnings, verifyStructuredOutput(promptText, res.Output, x.deps.Guardrails)...)
		}
		if len(warnings) > 0 {
			if x.deps.Guardrails.FailOnWarning {
				fail := Failure(NewBusinessError("VERIFICATION_FAILED",
					"model output failed verification: %s", strings.Join(warnings, "; ")))
				fail.TokensUsed = resp.TotalTokens
				return fail
			}
			res.Logs = warnings
		}
	}
	return res
}

// buildMessages assembles the chat turns, interpolating templates, and
// returns the concatenated prompt text for verification.
func (x *aiTaskExecutor) buildMessages(node *Node, st *State) ([]model.Message, string, *ExecutionError) {
	var messages []model.Message
	var promptParts []string

	if system := configString(node.Config, "system", ""); system != "" {
		rendered, err := st.InterpolateString(system)
		if err != nil {
			return nil, "", err
		}
		messages = append(messages, model.Message{Role: model.RoleSystem, Content: rendered})
		promptParts = append(promptParts, rendered)
	}

	if raw := configSlice(node.Config, "messages"); len(raw) > 0 {
		for _, item := range raw {
			m, ok := item.(map[string]interface{})
			if !ok {
				return nil, "", NewValidationError("INVALID_CONFIG", "ai task node %s has a malformed message entry", node.ID)
			}
			role := configString(m, "role", model.RoleUser)
			content, err := st.InterpolateString(configString(m, "content", ""))
			if err != nil {
				return nil, "", err
			}
			messages = append(messages, model.Message{Role: role, Content: content})
			promptParts = append(promptParts, content)
		}
		return messages, strings.Join(promptParts, "\n"), nil
	}

	prompt, err := st.InterpolateString(configString(node.Config, "prompt", ""))
	if err != nil {
		return nil, "", err
	}
	messages = append(messages, model.Message{Role: model.RoleUser, Content: prompt})
	promptParts = append(promptParts, prompt)
	return messages, strings.Join(promptParts, "\n"), nil
}

// classifyModelError maps provider failures onto engine error categories.
func classifyModelError(err error) *ExecutionError {
	var pe *model.ProviderError
	if errors.As(err, &pe) {
		switch pe.Code {
		case "rate_limited":
			return NewRateLimitError("MODEL_RATE_LIMITED", 0, "model provider rate limited the call: %s", pe.Message)
		case "invalid_api_key":
			e := newError(CategoryAuthentication, "MODEL_AUTH_FAILED", "model provider rejected the credentials: %s", pe.Message)
			return e
		case "quota_exceeded":
			return NewResourceError("MODEL_QUOTA_EXCEEDED", "model provider quota exhausted: %s", pe.Message)
		case "timeout":
			return NewTimeoutError("MODEL_TIMEOUT", "model call timed out: %s", pe.Message)
		default:
			e := wrapError(CategoryExternal, "MODEL_ERROR", pe, "model call failed: %s", pe.Message)
			e.IsRetryable = pe.Retryable
			return e
		}
	}
	return wrapError(CategoryExternal, "MODEL_ERROR", err, "model call failed: %v", err)
}

// decodeModelJSON parses a model answer as JSON, tolerating markdown code
// fences around the payload.
func decodeModelJSON(content string) (interface{}, error) {
	trimmed := strings.TrimSpace(content)
	if strings.HasPrefix(trimmed, "```") {
		trimmed = strings.TrimPrefix(trimmed, "```json")
		trimmed = strings.TrimPrefix(trimmed, "```")
		trimmed = strings.TrimSuffix(strings.TrimSpace(trimmed), "```")
		trimmed = strings.TrimSpace(trimmed)
	}
	var out interface{}
	if err := json.Unmarshal([]byte(trimmed), &out); err != nil {
		return nil, err
	}
	return out, nil
}

// validateAgainstSchema checks a decoded value against a JSON schema.
func validateAgainstSchema(schemaDoc map[string]interface{}, value interface{}) error {
	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("node://schema.json", schemaDoc); err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	schema, err := compiler.Compile("node://schema.json")
	if err != nil {
		return fmt.Errorf("invalid schema: %w", err)
	}
	return schema.Validate(value)
}

var numberPattern = regexp.MustCompile(`-?\d+(?:\.\d+)?`)

// verifyModelOutput cross-checks an answer against its prompt: empty or
// suspiciously short answers, and numbers in the answer that appear in no
// form in the prompt. Findings are warnings, not proof of error.
func verifyModelOutput(prompt, answer string, g AIGuardrails) []string {
	var warnings []string

	trimmed := strings.TrimSpace(answer)
	if trimmed == "" {
		return []string{"model returned an empty answer"}
	}
	minLen := g.MinAnswerLength
	if minLen <= 0 {
		minLen = 10
	}
	if len(trimmed) < minLen {
		warnings = append(warnings, fmt.Sprintf("answer is only %d characters", len(trimmed)))
	}

	tolerance := g.NumericTolerance
	if tolerance <= 0 {
		tolerance = 0.10
	}
	promptNumbers := extractNumbers(prompt)
	if len(promptNumbers) > 0 {
		for _, n := range extractNumbers(trimmed) {
			if !numberSupported(n, promptNumbers, tolerance) {
				warnings = append(warnings,
					fmt.Sprintf("answer mentions %s which matches no number in the input", formatNumber(n)))
			}
		}
	}
	return warnings
}

// Field classes for structured verification, matched on normalized keys.
var (
	monetaryFieldKeys = map[string]bool{
		"total": true, "amount": true, "grandtotal": true,
		"sum": true, "net": true, "gross": true,
	}
	narrativeFieldKeys = map[string]bool{
		"details": true, "summary": true, "description": true, "notes": true,
	}
	placeholderPatterns = []*regexp.Regexp{
		regexp.MustCompile(`(?i)^(n/?a|none|unknown|tbd|todo|pending)\.?$`),
		regexp.MustCompile(`(?i)^as an ai\b`),
		regexp.MustCompile(`(?i)\bi (cannot|can't|am unable to)\b`),
		regexp.MustCompile(`(?i)^no (information|details?|data) (provided|available)`),
	}
)

// normalizeFieldKey lowercases a key and strips separators, so
// "grand_total", "Grand Total", and "GRAND-TOTAL" all read the same.
func normalizeFieldKey(key string) string {
	return strings.NewReplacer("_", "", "-", "", " ", "").Replace(strings.ToLower(key))
}

// verifyStructuredOutput checks the top-level fields of a decoded answer:
// monetary fields must trace back to the prompt's numbers, narrative
// fields must hold more than a placeholder.
func verifyStructuredOutput(prompt string, value interface{}, g AIGuardrails) []string {
	fields, ok := value.(map[string]interface{})
	if !ok {
		return nil
	}
	tolerance := g.NumericTolerance
	if tolerance <= 0 {
		tolerance = 0.10
	}
	promptNumbers := extractNumbers(prompt)

	var warnings []string
	for key, raw := range fields {
		norm := normalizeFieldKey(key)
		switch {
		case monetaryFieldKeys[norm]:
			n, isNumber := raw.(float64)
			if !isNumber || len(promptNumbers) == 0 {
				continue
			}
			if !numberSupported(n, promptNumbers, tolerance) {
				warnings = append(warnings, fmt.Sprintf(
					"field %s is %s, which matches no number in the input", key, formatNumber(n)))
			}
		case narrativeFieldKeys[norm]:
			s, isString := raw.(string)
			if !isString {
				continue
			}
			trimmed := strings.TrimSpace(s)
			if len(trimmed) < 10 {
				warnings = append(warnings, fmt.Sprintf("field %s is too short to be informative: %q", key, trimmed))
				continue
			}
			for _, p := range placeholderPatterns {
				if p.MatchString(trimmed) {
					warnings = append(warnings, fmt.Sprintf("field %s looks like a placeholder: %q", key, trimmed))
					break
				}
			}
		}
	}
	return warnings
}

func extractNumbers(text string) []float64 {
	matches := numberPattern.FindAllString(text, -1)
	out := make([]float64, 0, len(matches))
	for _, m := range matches {
		if n, err := strconv.ParseFloat(m, 64); err == nil {
			out = append(out, n)
		}
	}
	return out
}

// numberSupported reports whether n is within tolerance of any source
// number, or derivable as a sum of up to two of them.
func numberSupported(n float64, source []float64, tolerance float64) bool {
	within := func(a, b float64) bool {
		if b == 0 {
			return math.Abs(a) < 1e-9
		}
		return math.Abs(a-b) <= math.Abs(b)*tolerance
	}
	for _, s := range source {
		if within(n, s) {
			return true
		}
	}
	for i := range source {
		for j := i; j < len(source); j++ {
			if within(n, source[i]+source[j]) {
				return true
			}
		}
	}
	return false
}

func formatNumber(n float64) string {
	if n == math.Trunc(n) {
		return strconv.FormatInt(int64(n), 10)
	}
	return strconv.FormatFloat(n, 'f', -1, 64)
}
