package process

import (
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/expr-lang/expr"
	"github.com/expr-lang/expr/vm"
)

// interpolationPattern matches {{ expression }} placeholders.
var interpolationPattern = regexp.MustCompile(`\{\{\s*(.+?)\s*\}\}`)

const maxCachedPrograms = 512

// programCache memoizes compiled expression programs. Programs compile
// with undefined variables allowed, so one program serves any environment.
type programCache struct {
	mu       sync.Mutex
	programs map[string]*vm.Program
}

var exprCache = &programCache{programs: make(map[string]*vm.Program)}

// normalizeExpression rewrites {{ ... }} placeholders embedded in an
// expression into parenthesized sub-expressions, so conditions written in
// template form ("{{ amount }} > 100") compile like their plain form.
func normalizeExpression(code string) string {
	if !strings.Contains(code, "{{") {
		return code
	}
	return interpolationPattern.ReplaceAllString(code, "($1)")
}

func (c *programCache) compile(code string) (*vm.Program, error) {
	c.mu.Lock()
	if p, ok := c.programs[code]; ok {
		c.mu.Unlock()
		return p, nil
	}
	c.mu.Unlock()

	program, err := expr.Compile(code, expr.AllowUndefinedVariables())
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.programs) >= maxCachedPrograms {
		// Cheap reset; recompilation is fast and the cache refills with
		// the working set.
		c.programs = make(map[string]*vm.Program)
	}
	c.programs[code] = program
	c.mu.Unlock()
	return program, nil
}

// exprEnv is the evaluation environment: all variables at the top level,
// plus node outputs under "nodes".
func (s *State) exprEnv() map[string]interface{} {
	env := s.Variables()
	env["nodes"] = s.NodeOutputs()
	return env
}

// Evaluate runs one expression against the current variables and returns
// its value.
func (s *State) Evaluate(code string) (interface{}, *ExecutionError) {
	code = strings.TrimSpace(normalizeExpression(code))
	if code == "" {
		return nil, NewValidationError("EMPTY_EXPRESSION", "expression is empty")
	}
	program, err := exprCache.compile(code)
	if err != nil {
		return nil, wrapError(CategoryValidation, "EXPRESSION_COMPILE_FAILED", err,
			"failed to compile expression %q: %v", code, err)
	}
	out, err := expr.Run(program, s.exprEnv())
	if err != nil {
		return nil, wrapError(CategoryBusinessLogic, "EXPRESSION_EVAL_FAILED", err,
			"failed to evaluate expression %q: %v", code, err)
	}
	return out, nil
}

// EvaluateWith runs an expression with extra transient bindings layered
// over the variables; the bindings are not written to state.
func (s *State) EvaluateWith(code string, extra map[string]interface{}) (interface{}, *ExecutionError) {
	code = strings.TrimSpace(normalizeExpression(code))
	if code == "" {
		return nil, NewValidationError("EMPTY_EXPRESSION", "expression is empty")
	}
	program, err := exprCache.compile(code)
	if err != nil {
		return nil, wrapError(CategoryValidation, "EXPRESSION_COMPILE_FAILED", err,
			"failed to compile expression %q: %v", code, err)
	}
	env := s.exprEnv()
	for k, v := range extra {
		env[k] = v
	}
	out, err := expr.Run(program, env)
	if err != nil {
		return nil, wrapError(CategoryBusinessLogic, "EXPRESSION_EVAL_FAILED", err,
			"failed to evaluate expression %q: %v", code, err)
	}
	return out, nil
}

// EvaluateCondition runs an expression that must produce a boolean. A
// failing condition is not user-fixable: the requester cannot repair a
// broken rule or the upstream data it references.
func (s *State) EvaluateCondition(code string) (bool, *ExecutionError) {
	out, execErr := s.Evaluate(code)
	if execErr != nil {
		e := *execErr
		e.Code = "CONDITION_EVAL_FAILED"
		e.IsUserFixable = false
		return false, &e
	}
	b, ok := out.(bool)
	if !ok {
		err := newError(CategoryBusinessLogic, "CONDITION_EVAL_FAILED",
			"condition %q evaluated to %T, want boolean", code, out)
		return false, err
	}
	return b, nil
}

// InterpolateString substitutes every {{ expression }} placeholder in the
// template with its evaluated value, stringified.
func (s *State) InterpolateString(template string) (string, *ExecutionError) {
	var firstErr *ExecutionError
	out := interpolationPattern.ReplaceAllStringFunc(template, func(match string) string {
		if firstErr != nil {
			return match
		}
		code := interpolationPattern.FindStringSubmatch(match)[1]
		value, err := s.Evaluate(code)
		if err != nil {
			firstErr = err
			return match
		}
		return stringifyValue(value)
	})
	if firstErr != nil {
		return "", firstErr
	}
	return out, nil
}

// InterpolateValue recursively interpolates a JSON-shaped value. A string
// that is exactly one placeholder returns the evaluated value with its
// type preserved; other strings interpolate textually; maps and slices
// recurse.
func (s *State) InterpolateValue(v interface{}) (interface{}, *ExecutionError) {
	switch val := v.(type) {
	case string:
		if code, ok := wholePlaceholder(val); ok {
			return s.Evaluate(code)
		}
		return s.InterpolateString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, item := range val {
			iv, err := s.InterpolateValue(item)
			if err != nil {
				return nil, err
			}
			out[k] = iv
		}
		return out, nil
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, item := range val {
			iv, err := s.InterpolateValue(item)
			if err != nil {
				return nil, err
			}
			out[i] = iv
		}
		return out, nil
	default:
		return v, nil
	}
}

// wholePlaceholder reports whether the string is exactly one
// {{ expression }} and returns the inner expression.
func wholePlaceholder(s string) (string, bool) {
	trimmed := strings.TrimSpace(s)
	match := interpolationPattern.FindStringSubmatch(trimmed)
	if match == nil || match[0] != trimmed {
		return "", false
	}
	return match[1], true
}

func stringifyValue(v interface{}) string {
	if v == nil {
		return ""
	}
	switch val := v.(type) {
	case string:
		return val
	case float64:
		// Render integral floats without the trailing ".0" JSON decoding
		// gives numeric variables.
		if val == float64(int64(val)) {
			return fmt.Sprintf("%d", int64(val))
		}
		return fmt.Sprintf("%v", val)
	default:
		return fmt.Sprintf("%v", val)
	}
}
