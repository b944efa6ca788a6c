package process

import (
	"context"
	"fmt"
	"regexp"
	"strings"
)

// dataInput resolves the shared "input" config key data nodes operate on.
func dataInput(node *Node, st *State) (interface{}, *ExecutionError) {
	raw, ok := node.Config["input"]
	if !ok {
		return nil, NewValidationError("MISSING_CONFIG", "node %s needs an input", node.ID)
	}
	return st.InterpolateValue(raw)
}

func dataInputList(node *Node, st *State) ([]interface{}, *ExecutionError) {
	value, err := dataInput(node, st)
	if err != nil {
		return nil, err
	}
	if value == nil {
		return nil, nil
	}
	list, ok := value.([]interface{})
	if !ok {
		return nil, NewValidationError("INVALID_INPUT", "node %s input resolved to %T, want a list", node.ID, value)
	}
	return list, nil
}

// transformExecutor reshapes a value.
//
// Config:
//
//	input      source value, interpolated (required)
//	operation  map|rename|pick|omit|flatten|merge|script (required)
//	mapping    map operation: output key to expression over "input"
//	renames    rename operation: old key to new key
//	keys       pick/omit operations: key list
//	sources    merge operation: list of map values, interpolated
//	script     script operation: expression over "input"
type transformExecutor struct{}

func (x *transformExecutor) Validate(node *Node) *ExecutionError {
	op := configString(node.Config, "operation", "")
	switch op {
	case "map", "rename", "pick", "omit", "flatten", "script":
		if _, ok := node.Config["input"]; !ok {
			return NewValidationError("MISSING_CONFIG", "transform node %s needs an input", node.ID)
		}
		return nil
	case "merge":
		return nil
	case "":
		return NewValidationError("MISSING_CONFIG", "transform node %s needs an operation", node.ID)
	default:
		return NewValidationError("INVALID_CONFIG", "transform node %s has unknown operation %q", node.ID, op)
	}
}

func (x *transformExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	op := configString(node.Config, "operation", "")

	if op == "merge" {
		merged := map[string]interface{}{}
		for _, raw := range configSlice(node.Config, "sources") {
			resolved, err := st.InterpolateValue(raw)
			if err != nil {
				return Failure(err)
			}
			m, ok := resolved.(map[string]interface{})
			if !ok {
				return Failure(NewValidationError("INVALID_INPUT", "merge source resolved to %T, want a map", resolved))
			}
			for k, v := range m {
				merged[k] = v
			}
		}
		return Success(merged)
	}

	input, err := dataInput(node, st)
	if err != nil {
		return Failure(err)
	}

	switch op {
	case "script":
		value, evalErr := st.EvaluateWith(configString(node.Config, "script", ""), map[string]interface{}{"input": input})
		if evalErr != nil {
			return Failure(evalErr)
		}
		return Success(value)

	case "map":
		out := map[string]interface{}{}
		for key, raw := range configMap(node.Config, "mapping") {
			code, ok := raw.(string)
			if !ok {
				return Failure(NewValidationError("INVALID_CONFIG", "mapping for %s must be an expression string", key))
			}
			value, evalErr := st.EvaluateWith(code, map[string]interface{}{"input": input})
			if evalErr != nil {
				return Failure(evalErr)
			}
			out[key] = value
		}
		return Success(out)
	}

	src, ok := input.(map[string]interface{})
	if !ok {
		return Failure(NewValidationError("INVALID_INPUT", "transform node %s input resolved to %T, want a map", node.ID, input))
	}

	switch op {
	case "rename":
		out := make(map[string]interface{}, len(src))
		renames := configMap(node.Config, "renames")
		for k, v := range src {
			name := k
			if newName, ok := renames[k].(string); ok && newName != "" {
				name = newName
			}
			out[name] = v
		}
		return Success(out)

	case "pick":
		out := map[string]interface{}{}
		for _, key := range configStringSlice(node.Config, "keys") {
			if v, ok := src[key]; ok {
				out[key] = v
			}
		}
		return Success(out)

	case "omit":
		drop := map[string]bool{}
		for _, key := range configStringSlice(node.Config, "keys") {
			drop[key] = true
		}
		out := make(map[string]interface{}, len(src))
		for k, v := range src {
			if !drop[k] {
				out[k] = v
			}
		}
		return Success(out)

	case "flatten":
		out := map[string]interface{}{}
		flattenInto(out, "", src)
		return Success(out)
	}
	return Failure(NewInternalError("UNREACHABLE", "unhandled transform operation"))
}

func flattenInto(out map[string]interface{}, prefix string, src map[string]interface{}) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]interface{}); ok {
			flattenInto(out, key, nested)
			continue
		}
		out[key] = v
	}
}

// validateExecutor checks a value against field rules, a boolean
// expression, or a JSON schema.
//
// Config:
//
//	input            value under test, interpolated (required)
//	rules            [{field, rule, value}] field rules
//	expression       boolean expression over "input"
//	schema           JSON schema document
//	fail_on_invalid  fail the node on violations, default true
type validateExecutor struct{}

func (x *validateExecutor) Validate(node *Node) *ExecutionError {
	if _, ok := node.Config["input"]; !ok {
		return NewValidationError("MISSING_CONFIG", "validate node %s needs an input", node.ID)
	}
	if len(configSlice(node.Config, "rules")) == 0 &&
		configString(node.Config, "expression", "") == "" &&
		configMap(node.Config, "schema") == nil {
		return NewValidationError("MISSING_CONFIG", "validate node %s needs rules, an expression, or a schema", node.ID)
	}
	return nil
}

func (x *validateExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	input, err := dataInput(node, st)
	if err != nil {
		return Failure(err)
	}

	var violations []string

	for _, raw := range configSlice(node.Config, "rules") {
		rule, ok := raw.(map[string]interface{})
		if !ok {
			return Failure(NewValidationError("INVALID_CONFIG", "rules must be maps"))
		}
		if msg := checkFieldRule(input, rule); msg != "" {
			violations = append(violations, msg)
		}
	}

	if code := configString(node.Config, "expression", ""); code != "" {
		value, evalErr := st.EvaluateWith(code, map[string]interface{}{"input": input})
		if evalErr != nil {
			return Failure(evalErr)
		}
		pass, ok := value.(bool)
		if !ok {
			return Failure(NewValidationError("INVALID_CONFIG", "validation expression produced %T, want boolean", value))
		}
		if !pass {
			violations = append(violations, "expression check failed")
		}
	}

	if schemaDoc := configMap(node.Config, "schema"); schemaDoc != nil {
		if schemaErr := validateAgainstSchema(schemaDoc, input); schemaErr != nil {
			violations = append(violations, schemaErr.Error())
		}
	}

	if len(violations) > 0 {
		if configBool(node.Config, "fail_on_invalid", true) {
			return Failure(NewBusinessError("VALIDATION_FAILED",
				"input failed validation: %s", strings.Join(violations, "; ")).
				WithDetail("violations", violations))
		}
		res := Success(map[string]interface{}{"valid": false, "violations": violations})
		res.BranchTaken = "invalid"
		return res
	}
	res := Success(map[string]interface{}{"valid": true})
	res.BranchTaken = "valid"
	return res
}

func checkFieldRule(input interface{}, rule map[string]interface{}) string {
	field := configString(rule, "field", "")
	kind := configString(rule, "rule", "required")

	var value interface{}
	present := false
	if m, ok := input.(map[string]interface{}); ok && field != "" {
		value, present = m[field]
	} else if field == "" {
		value, present = input, input != nil
	}

	switch kind {
	case "required":
		if !present || value == nil || value == "" {
			return fmt.Sprintf("%s is required", field)
		}
	case "type":
		if !present {
			return ""
		}
		want := configString(rule, "value", "")
		if !valueHasType(value, want) {
			return fmt.Sprintf("%s must be of type %s", field, want)
		}
	case "min", "max":
		if !present {
			return ""
		}
		n, ok := toFloat(value)
		if !ok {
			return fmt.Sprintf("%s must be numeric", field)
		}
		bound := configFloat(rule, "value", 0)
		if kind == "min" && n < bound {
			return fmt.Sprintf("%s must be at least %v", field, bound)
		}
		if kind == "max" && n > bound {
			return fmt.Sprintf("%s must be at most %v", field, bound)
		}
	case "min_length", "max_length":
		if !present {
			return ""
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("%s must be a string", field)
		}
		bound := configInt(rule, "value", 0)
		if kind == "min_length" && len(s) < bound {
			return fmt.Sprintf("%s must be at least %d characters", field, bound)
		}
		if kind == "max_length" && len(s) > bound {
			return fmt.Sprintf("%s must be at most %d characters", field, bound)
		}
	case "pattern":
		if !present {
			return ""
		}
		s, ok := value.(string)
		if !ok {
			return fmt.Sprintf("%s must be a string", field)
		}
		pattern := configString(rule, "value", "")
		re, err := regexp.Compile(pattern)
		if err != nil {
			return fmt.Sprintf("rule for %s has invalid pattern %q", field, pattern)
		}
		if !re.MatchString(s) {
			return fmt.Sprintf("%s does not match %s", field, pattern)
		}
	}
	return ""
}

func valueHasType(v interface{}, want string) bool {
	switch want {
	case "string":
		_, ok := v.(string)
		return ok
	case "number":
		_, ok := toFloat(v)
		return ok
	case "boolean":
		_, ok := v.(bool)
		return ok
	case "object":
		_, ok := v.(map[string]interface{})
		return ok
	case "array":
		_, ok := v.([]interface{})
		return ok
	}
	return true
}

func toFloat(v interface{}) (float64, bool) {
	switch n := v.(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	}
	return 0, false
}

// filterExecutor keeps list items whose condition holds. The item is bound
// as "item" and its position as "index", without touching variables.
//
// Config:
//
//	input      source list, interpolated (required)
//	condition  boolean expression over item/index (required)
type filterExecutor struct{}

func (x *filterExecutor) Validate(node *Node) *ExecutionError {
	if _, ok := node.Config["input"]; !ok {
		return NewValidationError("MISSING_CONFIG", "filter node %s needs an input", node.ID)
	}
	if configString(node.Config, "condition", "") == "" {
		return NewValidationError("MISSING_CONFIG", "filter node %s needs a condition", node.ID)
	}
	return nil
}

func (x *filterExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	list, err := dataInputList(node, st)
	if err != nil {
		return Failure(err)
	}
	condition := configString(node.Config, "condition", "")

	kept := []interface{}{}
	for i, item := range list {
		value, evalErr := st.EvaluateWith(condition, map[string]interface{}{"item": item, "index": i})
		if evalErr != nil {
			return Failure(evalErr)
		}
		pass, ok := value.(bool)
		if !ok {
			return Failure(NewValidationError("INVALID_CONFIG", "filter condition produced %T, want boolean", value))
		}
		if pass {
			kept = append(kept, item)
		}
	}
	return Success(kept)
}

// mapExecutor applies an expression to each list item.
//
// Config:
//
//	input       source list, interpolated (required)
//	expression  expression over item/index (required)
type mapExecutor struct{}

func (x *mapExecutor) Validate(node *Node) *ExecutionError {
	if _, ok := node.Config["input"]; !ok {
		return NewValidationError("MISSING_CONFIG", "map node %s needs an input", node.ID)
	}
	if configString(node.Config, "expression", "") == "" {
		return NewValidationError("MISSING_CONFIG", "map node %s needs an expression", node.ID)
	}
	return nil
}

func (x *mapExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	list, err := dataInputList(node, st)
	if err != nil {
		return Failure(err)
	}
	expression := configString(node.Config, "expression", "")

	out := make([]interface{}, 0, len(list))
	for i, item := range list {
		value, evalErr := st.EvaluateWith(expression, map[string]interface{}{"item": item, "index": i})
		if evalErr != nil {
			return Failure(evalErr)
		}
		out = append(out, value)
	}
	return Success(out)
}

// aggregateExecutor folds a list into a summary value.
//
// Config:
//
//	input      source list, interpolated (required)
//	operation  count|sum|avg|min|max|first|last|group_by (required)
//	field      map-item field the numeric operations and group_by read
type aggregateExecutor struct{}

func (x *aggregateExecutor) Validate(node *Node) *ExecutionError {
	if _, ok := node.Config["input"]; !ok {
		return NewValidationError("MISSING_CONFIG", "aggregate node %s needs an input", node.ID)
	}
	op := configString(node.Config, "operation", "")
	switch op {
	case "count", "sum", "avg", "min", "max", "first", "last", "group_by":
	case "":
		return NewValidationError("MISSING_CONFIG", "aggregate node %s needs an operation", node.ID)
	default:
		return NewValidationError("INVALID_CONFIG", "aggregate node %s has unknown operation %q", node.ID, op)
	}
	if op == "group_by" && configString(node.Config, "field", "") == "" {
		return NewValidationError("MISSING_CONFIG", "aggregate node %s needs a field for group_by", node.ID)
	}
	return nil
}

func (x *aggregateExecutor) Execute(ctx context.Context, node *Node, st *State, ec *ExecContext) *NodeResult {
	list, err := dataInputList(node, st)
	if err != nil {
		return Failure(err)
	}
	op := configString(node.Config, "operation", "")
	field := configString(node.Config, "field", "")

	switch op {
	case "count":
		return Success(len(list))
	case "first":
		if len(list) == 0 {
			return Success(nil)
		}
		return Success(list[0])
	case "last":
		if len(list) == 0 {
			return Success(nil)
		}
		return Success(list[len(list)-1])
	case "group_by":
		groups := map[string]interface{}{}
		for _, item := range list {
			key := stringifyValue(fieldValue(item, field))
			bucket, _ := groups[key].([]interface{})
			groups[key] = append(bucket, item)
		}
		return Success(groups)
	}

	// Numeric folds.
	var numbers []float64
	for _, item := range list {
		n, ok := toFloat(fieldValue(item, field))
		if !ok {
			return Failure(NewValidationError("INVALID_INPUT",
				"aggregate %s needs numeric values, got %T", op, fieldValue(item, field)))
		}
		numbers = append(numbers, n)
	}
	if len(numbers) == 0 {
		if op == "sum" {
			return Success(float64(0))
		}
		return Success(nil)
	}

	switch op {
	case "sum", "avg":
		total := 0.0
		for _, n := range numbers {
			total += n
		}
		if op == "avg" {
			total /= float64(len(numbers))
		}
		return Success(total)
	case "min":
		m := numbers[0]
		for _, n := range numbers[1:] {
			if n < m {
				m = n
			}
		}
		return Success(m)
	case "max":
		m := numbers[0]
		for _, n := range numbers[1:] {
			if n > m {
				m = n
			}
		}
		return Success(m)
	}
	return Failure(NewInternalError("UNREACHABLE", "unhandled aggregate operation"))
}

func fieldValue(item interface{}, field string) interface{} {
	if field == "" {
		return item
	}
	if m, ok := item.(map[string]interface{}); ok {
		return m[field]
	}
	return nil
}
