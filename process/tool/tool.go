// Package tool defines the contract for tools that TOOL_CALL nodes invoke,
// plus an HTTP tool and a scriptable mock.
package tool

import "context"

// Result is the structured outcome of a tool invocation. A tool can fail
// in a domain sense (Success=false with Error set) without returning a Go
// error; Go errors are reserved for invocation-level failures (bad input,
// transport problems, cancellation).
type Result struct {
	Success bool                   `json:"success"`
	Data    map[string]interface{} `json:"data,omitempty"`
	Error   string                 `json:"error,omitempty"`
}

// Tool is an executable capability the host platform exposes to processes:
// CRM lookups, ticket creation, spreadsheet edits, anything with a named
// entry point and map-shaped arguments.
//
// Implementations should:
//   - Validate required arguments and fail fast on bad input
//   - Respect context cancellation and deadlines
//   - Report domain failures through Result rather than Go errors
type Tool interface {
	// Name returns the unique identifier for this tool, lowercase with
	// underscores ("create_ticket", "lookup_customer").
	Name() string

	// Execute runs the tool with the given arguments.
	Execute(ctx context.Context, args map[string]interface{}) (Result, error)
}
