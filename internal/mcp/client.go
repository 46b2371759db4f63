package mcp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"strings"
	"sync/atomic"

	"github.com/h1v3-io/coworker/internal/tool"
)

// Transport carries one JSON-RPC message and returns the reply, if any.
type Transport interface {
	Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error)
	Close() error
}

// HTTPTransport POSTs JSON-RPC messages to an MCP endpoint.
type HTTPTransport struct {
	url    string
	apiKey string
	client *http.Client
}

// NewHTTPTransport creates a transport for url. apiKey, if set, is sent as a
// bearer token. Calls are bounded by their context only, since ask_a_coworker
// may wait as long as its timeout.
func NewHTTPTransport(url, apiKey string) *HTTPTransport {
	return &HTTPTransport{
		url:    url,
		apiKey: apiKey,
		client: &http.Client{},
	}
}

func (t *HTTPTransport) Send(ctx context.Context, msg json.RawMessage) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, t.url, bytes.NewReader(msg))
	if err != nil {
		return nil, fmt.Errorf("mcp http: create request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if t.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+t.apiKey)
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("mcp http: request: %w", err)
	}
	defer resp.Body.Close()

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, fmt.Errorf("mcp http: read response: %w", err)
	}

	switch resp.StatusCode {
	case http.StatusOK:
		return json.RawMessage(body), nil
	case http.StatusAccepted:
		return nil, nil
	default:
		return nil, fmt.Errorf("mcp http: status %d: %s", resp.StatusCode, strings.TrimSpace(string(body)))
	}
}

func (t *HTTPTransport) Close() error { return nil }

// ToolError is a tool failure reported with isError.
type ToolError struct {
	Tool string
	Text string
}

func (e *ToolError) Error() string {
	return fmt.Sprintf("mcp tool %q error: %s", e.Tool, e.Text)
}

// Client is a connection to an MCP server.
type Client struct {
	name      string
	transport Transport
	tools     []tool.Definition
	nextID    atomic.Int64
}

// NewClient performs the initialize handshake and discovers the server's tools.
func NewClient(ctx context.Context, name string, transport Transport) (*Client, error) {
	c := &Client{
		name:      name,
		transport: transport,
	}

	if err := c.initialize(ctx); err != nil {
		return nil, err
	}
	if err := c.discoverTools(ctx); err != nil {
		return nil, err
	}
	return c, nil
}

func (c *Client) call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	req := Request{
		JSONRPC: "2.0",
		ID:      json.RawMessage(strconv.FormatInt(c.nextID.Add(1), 10)),
		Method:  method,
	}
	if params != nil {
		raw, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("mcp: marshal params: %w", err)
		}
		req.Params = raw
	}

	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("mcp: marshal request: %w", err)
	}

	respData, err := c.transport.Send(ctx, data)
	if err != nil {
		return nil, err
	}

	var resp Response
	if err := json.Unmarshal(respData, &resp); err != nil {
		return nil, fmt.Errorf("mcp: unmarshal response: %w", err)
	}
	if resp.Error != nil {
		return nil, resp.Error
	}
	return resp.Result, nil
}

func (c *Client) initialize(ctx context.Context) error {
	params := map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      Implementation{Name: c.name, Version: "0.1.0"},
	}

	if _, err := c.call(ctx, "initialize", params); err != nil {
		return fmt.Errorf("mcp: initialize %q: %w", c.name, err)
	}

	// Best-effort; servers answer notifications with no body.
	notif, _ := json.Marshal(Request{JSONRPC: "2.0", Method: "notifications/initialized"})
	c.transport.Send(ctx, notif)
	return nil
}

func (c *Client) discoverTools(ctx context.Context) error {
	result, err := c.call(ctx, "tools/list", nil)
	if err != nil {
		return fmt.Errorf("mcp: tools/list %q: %w", c.name, err)
	}

	var list ToolsListResult
	if err := json.Unmarshal(result, &list); err != nil {
		return fmt.Errorf("mcp: parse tools list: %w", err)
	}
	c.tools = list.Tools
	return nil
}

// CallTool invokes a tool and returns its text output. A result flagged
// isError is returned as a *ToolError.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (string, error) {
	result, err := c.call(ctx, "tools/call", CallToolParams{
		Name:      name,
		Arguments: arguments,
	})
	if err != nil {
		return "", err
	}

	var callResult CallToolResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return "", fmt.Errorf("mcp: parse tool result: %w", err)
	}

	var parts []string
	for _, c := range callResult.Content {
		if c.Type == "text" && c.Text != "" {
			parts = append(parts, c.Text)
		}
	}
	output := strings.Join(parts, "\n")

	if callResult.IsError {
		return "", &ToolError{Tool: name, Text: output}
	}
	return output, nil
}

// Tools returns the tools the server advertised.
func (c *Client) Tools() []tool.Definition {
	return c.tools
}

// Close shuts down the transport.
func (c *Client) Close() error {
	return c.transport.Close()
}
