package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	"github.com/h1v3-io/coworker/internal/tool"
)

const maxRequestBytes = 1 << 20

// Server exposes a tool registry as an MCP server over HTTP POST.
type Server struct {
	tools  *tool.Registry
	info   Implementation
	logger *slog.Logger
}

// NewServer creates a server for the tools in reg.
func NewServer(reg *tool.Registry, version string, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		tools:  reg,
		info:   Implementation{Name: "coworker", Version: version},
		logger: logger,
	}
}

// ServeHTTP handles one JSON-RPC message per request. Notifications get
// 202 Accepted with no body.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBytes))
	if err != nil {
		http.Error(w, "failed to read body", http.StatusBadRequest)
		return
	}

	var req Request
	if err := json.Unmarshal(body, &req); err != nil {
		writeResponse(w, &Response{JSONRPC: "2.0", ID: json.RawMessage("null"),
			Error: &RPCError{Code: CodeParseError, Message: "parse error"}})
		return
	}

	resp := s.Handle(r.Context(), &req)
	if resp == nil {
		w.WriteHeader(http.StatusAccepted)
		return
	}
	writeResponse(w, resp)
}

// Handle dispatches a request. It returns nil for notifications.
func (s *Server) Handle(ctx context.Context, req *Request) *Response {
	if req.JSONRPC != "2.0" || req.Method == "" {
		if req.IsNotification() {
			return nil
		}
		return errorResponse(req.ID, CodeInvalidRequest, "invalid request")
	}
	if req.IsNotification() {
		s.logger.Debug("mcp notification", "method", req.Method)
		return nil
	}

	var (
		result any
		rpcErr *RPCError
	)
	switch req.Method {
	case "initialize":
		result = InitializeResult{
			ProtocolVersion: ProtocolVersion,
			Capabilities:    map[string]any{"tools": map[string]any{}},
			ServerInfo:      s.info,
		}
	case "ping":
		result = map[string]any{}
	case "tools/list":
		result = ToolsListResult{Tools: s.tools.Definitions()}
	case "tools/call":
		result, rpcErr = s.callTool(ctx, req.Params)
	default:
		rpcErr = &RPCError{Code: CodeMethodNotFound, Message: fmt.Sprintf("method not found: %s", req.Method)}
	}
	if rpcErr != nil {
		return errorResponse(req.ID, rpcErr.Code, rpcErr.Message)
	}

	data, err := json.Marshal(result)
	if err != nil {
		return errorResponse(req.ID, CodeInternalError, err.Error())
	}
	return &Response{JSONRPC: "2.0", ID: req.ID, Result: data}
}

func (s *Server) callTool(ctx context.Context, raw json.RawMessage) (any, *RPCError) {
	var p CallToolParams
	if err := json.Unmarshal(raw, &p); err != nil || p.Name == "" {
		return nil, &RPCError{Code: CodeInvalidParams, Message: "tools/call needs a tool name"}
	}
	if !s.tools.Has(p.Name) {
		return nil, &RPCError{Code: CodeInvalidParams, Message: fmt.Sprintf("unknown tool: %s", p.Name)}
	}
	if p.Arguments == nil {
		p.Arguments = map[string]any{}
	}

	start := time.Now()
	out, err := s.tools.Execute(ctx, p.Name, p.Arguments)
	logger := s.logger.With("tool", p.Name, "duration", time.Since(start))
	if err != nil {
		if errors.Is(err, context.Canceled) {
			logger.Info("mcp caller went away")
		} else {
			logger.Info("mcp tool returned error", "error", err)
		}
		return TextResult(err.Error(), true), nil
	}
	logger.Info("mcp tool completed")
	return TextResult(out, false), nil
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	if len(id) == 0 {
		id = json.RawMessage("null")
	}
	return &Response{JSONRPC: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

func writeResponse(w http.ResponseWriter, resp *Response) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(resp)
}
