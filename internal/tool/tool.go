package tool

import "context"

// Tool is the interface every tool exposed to MCP callers must implement.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any // JSON Schema
	// Execute runs the tool. A returned error is reported to the caller as a
	// tool failure with the error text, not as a protocol error.
	Execute(ctx context.Context, params map[string]any) (string, error)
}

// Definition describes a tool in MCP tools/list format.
type Definition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}
