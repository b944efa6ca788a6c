package process

import "fmt"

// ErrorCategory classifies an ExecutionError for routing and retry
// decisions.
type ErrorCategory string

// Error categories.
const (
	CategoryValidation     ErrorCategory = "validation"
	CategoryConfiguration  ErrorCategory = "configuration"
	CategoryConnection     ErrorCategory = "connection"
	CategoryAuthentication ErrorCategory = "authentication"
	CategoryAuthorization  ErrorCategory = "authorization"
	CategoryTimeout        ErrorCategory = "timeout"
	CategoryRateLimit      ErrorCategory = "rate_limit"
	CategoryResource       ErrorCategory = "resource"
	CategoryBusinessLogic  ErrorCategory = "business_logic"
	CategoryExternal       ErrorCategory = "external"
	CategoryInternal       ErrorCategory = "internal"
	CategoryCancelled      ErrorCategory = "cancelled"
)

// ExecutionError is the classified failure type used throughout the engine.
//
// Every failure carries a stable Code for programmatic handling, a technical
// Message for operators, and (via UserFacing) a business-level rendering
// for end users. IsRetryable drives the retry envelope; IsUserFixable tells
// the host whether surfacing the error to the requester can unblock it.
type ExecutionError struct {
	Category ErrorCategory          `json:"category"`
	Code     string                 `json:"code"`
	Message  string                 `json:"message"`
	NodeID   string                 `json:"node_id,omitempty"`
	Details  map[string]interface{} `json:"details,omitempty"`

	IsRetryable       bool `json:"is_retryable"`
	IsUserFixable     bool `json:"is_user_fixable"`
	RetryAfterSeconds int  `json:"retry_after_seconds,omitempty"`

	cause error
}

// Error renders "CODE: message".
func (e *ExecutionError) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// Unwrap exposes the wrapped cause for errors.Is/As.
func (e *ExecutionError) Unwrap() error { return e.cause }

// WithNode returns a copy bound to a node id.
func (e *ExecutionError) WithNode(nodeID string) *ExecutionError {
	cp := *e
	cp.NodeID = nodeID
	return &cp
}

// WithDetail returns a copy with one detail entry added.
func (e *ExecutionError) WithDetail(key string, value interface{}) *ExecutionError {
	cp := *e
	cp.Details = make(map[string]interface{}, len(e.Details)+1)
	for k, v := range e.Details {
		cp.Details[k] = v
	}
	cp.Details[key] = value
	return &cp
}

// Retryable returns a copy marked retryable.
func (e *ExecutionError) Retryable() *ExecutionError {
	cp := *e
	cp.IsRetryable = true
	return &cp
}

func newError(cat ErrorCategory, code, format string, args ...interface{}) *ExecutionError {
	return &ExecutionError{
		Category: cat,
		Code:     code,
		Message:  fmt.Sprintf(format, args...),
	}
}

func wrapError(cat ErrorCategory, code string, cause error, format string, args ...interface{}) *ExecutionError {
	e := newError(cat, code, format, args...)
	e.cause = cause
	return e
}

// NewValidationError creates a non-retryable, user-fixable validation error.
func NewValidationError(code, format string, args ...interface{}) *ExecutionError {
	e := newError(CategoryValidation, code, format, args...)
	e.IsUserFixable = true
	return e
}

// NewConfigurationError creates a non-retryable configuration error.
func NewConfigurationError(code, format string, args ...interface{}) *ExecutionError {
	return newError(CategoryConfiguration, code, format, args...)
}

// NewConnectionError creates a retryable connection error.
func NewConnectionError(code, format string, args ...interface{}) *ExecutionError {
	e := newError(CategoryConnection, code, format, args...)
	e.IsRetryable = true
	return e
}

// NewTimeoutError creates a retryable timeout error.
func NewTimeoutError(code, format string, args ...interface{}) *ExecutionError {
	e := newError(CategoryTimeout, code, format, args...)
	e.IsRetryable = true
	return e
}

// NewRateLimitError creates a retryable rate-limit error with a retry hint.
func NewRateLimitError(code string, retryAfterSeconds int, format string, args ...interface{}) *ExecutionError {
	e := newError(CategoryRateLimit, code, format, args...)
	e.IsRetryable = true
	e.RetryAfterSeconds = retryAfterSeconds
	return e
}

// NewResourceError creates a non-retryable resource-exhaustion error.
func NewResourceError(code, format string, args ...interface{}) *ExecutionError {
	return newError(CategoryResource, code, format, args...)
}

// NewBusinessError creates a non-retryable, user-fixable business error.
func NewBusinessError(code, format string, args ...interface{}) *ExecutionError {
	e := newError(CategoryBusinessLogic, code, format, args...)
	e.IsUserFixable = true
	return e
}

// NewInternalError creates a non-retryable internal error.
func NewInternalError(code, format string, args ...interface{}) *ExecutionError {
	return newError(CategoryInternal, code, format, args...)
}

// UserMessage is the business-level rendering of an ExecutionError, safe to
// show to a non-technical requester.
type UserMessage struct {
	Title   string `json:"title"`
	Message string `json:"message"`
	Action  string `json:"action,omitempty"`
}

// userMessages maps stable error codes to business renderings. Codes not
// listed fall back to a per-category generic message.
var userMessages = map[string]UserMessage{
	"CONDITION_EVAL_FAILED": {
		Title:   "Process rule could not be evaluated",
		Message: "A decision rule in this process references data that is missing or has an unexpected format.",
		Action:  "Check the condition expression and the variables it references.",
	},
	"NO_EXECUTOR": {
		Title:   "Unsupported step type",
		Message: "This process contains a step type the engine does not recognize.",
		Action:  "Update the process definition or upgrade the engine.",
	},
	"MAX_NODES_EXCEEDED": {
		Title:   "Process ran too long",
		Message: "The process exceeded its step limit and was stopped to prevent a runaway loop.",
		Action:  "Check loops in the process for missing exit conditions.",
	},
	"MAX_ITERATIONS_EXCEEDED": {
		Title:   "Loop ran too long",
		Message: "A loop in the process exceeded its iteration limit.",
		Action:  "Check the loop's exit condition.",
	},
	"EXECUTION_TIMEOUT": {
		Title:   "Process timed out",
		Message: "The process exceeded its maximum allowed run time.",
	},
	"TIMEOUT_ERROR": {
		Title:   "A step timed out",
		Message: "A step took longer than its configured time limit.",
		Action:  "Retry, or raise the step's timeout if this keeps happening.",
	},
	"TOOL_ACCESS_DENIED": {
		Title:   "Tool not allowed",
		Message: "This process tried to use a tool it is not permitted to use.",
		Action:  "Ask an administrator to allow the tool for this process.",
	},
	"INVALID_JSON": {
		Title:   "AI returned an unexpected format",
		Message: "The AI step did not return data in the expected format.",
		Action:  "Retry; if it persists, adjust the step's output instructions.",
	},
	"NO_RECIPIENTS": {
		Title:   "No one to notify",
		Message: "The notification step could not resolve any recipients.",
		Action:  "Check the recipient configuration for this step.",
	},
	"EXTRACTION_FAILED": {
		Title:   "Could not read document",
		Message: "No text could be extracted from the provided file.",
		Action:  "Check that the file is not empty, scanned, or corrupted.",
	},
	"USER_CANCELLED": {
		Title:   "Process cancelled",
		Message: "This process was cancelled on request.",
	},
}

var categoryMessages = map[ErrorCategory]UserMessage{
	CategoryValidation:     {Title: "Invalid input", Message: "Some of the provided data is invalid.", Action: "Correct the highlighted data and try again."},
	CategoryConfiguration:  {Title: "Process misconfigured", Message: "A step in this process is not configured correctly.", Action: "Contact the process owner."},
	CategoryConnection:     {Title: "Connection problem", Message: "A service this process depends on could not be reached.", Action: "Try again in a few minutes."},
	CategoryAuthentication: {Title: "Authentication failed", Message: "A service rejected the configured credentials.", Action: "Ask an administrator to update the credentials."},
	CategoryAuthorization:  {Title: "Not permitted", Message: "The process attempted an action it is not authorized for."},
	CategoryTimeout:        {Title: "Timed out", Message: "An operation took too long to complete.", Action: "Try again."},
	CategoryRateLimit:      {Title: "Too many requests", Message: "A service asked us to slow down.", Action: "Try again shortly."},
	CategoryResource:       {Title: "Limit reached", Message: "The process hit a resource limit."},
	CategoryBusinessLogic:  {Title: "Business rule violation", Message: "The process stopped because a business rule was not met."},
	CategoryExternal:       {Title: "External service error", Message: "An external service reported an error.", Action: "Try again later."},
	CategoryInternal:       {Title: "Unexpected error", Message: "Something went wrong inside the process engine.", Action: "Contact support if this persists."},
	CategoryCancelled:      {Title: "Cancelled", Message: "The operation was cancelled."},
}

// UserFacing returns the business-level rendering for this error: a
// code-specific message when one exists, otherwise the category generic.
func (e *ExecutionError) UserFacing() UserMessage {
	if msg, ok := userMessages[e.Code]; ok {
		return msg
	}
	if msg, ok := categoryMessages[e.Category]; ok {
		return msg
	}
	return UserMessage{Title: "Process error", Message: e.Message}
}
