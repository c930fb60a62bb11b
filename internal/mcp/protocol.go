// Package mcp implements the JSON-RPC 2.0 framing and session transports of
// the Model Context Protocol, and a minimal protocol handler exercising
// them. The wire types and dispatch style are ported from skyline's
// internal/mcp server; what changed is how a session's frames move between
// an HTTP request and the handler — here every frame crosses the shared
// store (internal/store) so any stateless replica can serve any request in
// a session's lifetime, not just the replica that started it.
package mcp

import (
	"context"
	"encoding/json"
)

const protocolVersion = "2025-11-25"

// Request is a JSON-RPC 2.0 request or notification frame. A notification
// has no ID (or a JSON null ID) and expects no Response.
type Request struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

// IsNotification reports whether req carries no id and therefore expects no response.
func (req *Request) IsNotification() bool {
	return len(req.ID) == 0 || string(req.ID) == "null"
}

// Response is a JSON-RPC 2.0 response frame.
type Response struct {
	Jsonrpc string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Result  any             `json:"result,omitempty"`
	Error   *RPCError       `json:"error,omitempty"`
}

// RPCError is a JSON-RPC 2.0 error object.
type RPCError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
	Data    any    `json:"data,omitempty"`
}

func success(id json.RawMessage, result any) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Result: result}
}

func errorResponse(id json.RawMessage, code int, message string) *Response {
	return &Response{Jsonrpc: "2.0", ID: id, Error: &RPCError{Code: code, Message: message}}
}

// ClientInfo is the clientInfo object sent in an initialize request's params.
type ClientInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// ToolDef describes a tool surfaced via tools/list.
type ToolDef struct {
	Name        string         `json:"name"`
	Description string         `json:"description,omitempty"`
	InputSchema map[string]any `json:"inputSchema,omitempty"`
}

// ResourceDef describes a resource surfaced via resources/list.
type ResourceDef struct {
	URI         string `json:"uri"`
	Name        string `json:"name"`
	Description string `json:"description,omitempty"`
	MimeType    string `json:"mimeType,omitempty"`
}

// Catalog supplies the tool and resource surface the protocol handler
// dispatches tools/call and resources/list against. Production wiring is a
// single opaque demo registry (cmd/mcp-relay); tests use a small in-package
// stub.
type Catalog interface {
	Tools() []ToolDef
	CallTool(ctx context.Context, name string, args map[string]any) (any, error)
	// ListResources returns a page of resources starting at cursor ("" for
	// the first page) and the cursor for the next page, or "" if this is
	// the last page.
	ListResources(cursor string) (resources []ResourceDef, nextCursor string)
}

// Handler dispatches JSON-RPC frames for one session. It is deliberately
// stateless beyond its catalog: ServerTransport owns the session lifecycle
// and idle timeout, Handler only answers individual frames.
type Handler struct {
	catalog     Catalog
	serverName  string
	version     string
}

// NewHandler builds a Handler that answers requests against catalog.
func NewHandler(catalog Catalog, serverName, version string) *Handler {
	if version == "" {
		version = "dev"
	}
	return &Handler{catalog: catalog, serverName: serverName, version: version}
}

// Handle dispatches a single frame, returning nil for notifications (no
// reply expected).
func (h *Handler) Handle(ctx context.Context, req *Request) *Response {
	if req.Jsonrpc != "2.0" {
		return errorResponse(req.ID, -32600, "invalid jsonrpc version")
	}
	if req.IsNotification() {
		return nil
	}

	switch req.Method {
	case "initialize":
		return success(req.ID, map[string]any{
			"protocolVersion": protocolVersion,
			"capabilities": map[string]any{
				"tools":     map[string]any{"list": true, "call": true},
				"resources": map[string]any{"list": true},
			},
			"serverInfo": map[string]any{
				"name":    h.serverName,
				"version": h.version,
			},
		})
	case "tools/list":
		return h.handleToolsList(req.ID)
	case "tools/call":
		return h.handleToolsCall(ctx, req.ID, req.Params)
	case "resources/list":
		return h.handleResourcesList(req.ID, req.Params)
	case "ping":
		return success(req.ID, map[string]any{})
	default:
		return errorResponse(req.ID, -32601, "method not found")
	}
}

func (h *Handler) handleToolsList(id json.RawMessage) *Response {
	return success(id, map[string]any{"tools": h.catalog.Tools()})
}

type toolCallParams struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

func (h *Handler) handleToolsCall(ctx context.Context, id json.RawMessage, raw json.RawMessage) *Response {
	var params toolCallParams
	if err := json.Unmarshal(raw, &params); err != nil {
		return errorResponse(id, -32602, "invalid params")
	}
	if params.Name == "" {
		return errorResponse(id, -32602, "missing tool name")
	}
	args := params.Arguments
	if args == nil {
		args = map[string]any{}
	}
	result, err := h.catalog.CallTool(ctx, params.Name, args)
	if err != nil {
		return errorResponse(id, -32000, err.Error())
	}
	return success(id, map[string]any{
		"content": []map[string]any{
			{"type": "text", "text": result},
		},
	})
}

type resourcesListParams struct {
	Cursor string `json:"cursor"`
}

func (h *Handler) handleResourcesList(id json.RawMessage, raw json.RawMessage) *Response {
	var params resourcesListParams
	if len(raw) > 0 {
		_ = json.Unmarshal(raw, &params)
	}
	resources, next := h.catalog.ListResources(params.Cursor)
	result := map[string]any{"resources": resources}
	if next != "" {
		result["nextCursor"] = next
	}
	return success(id, result)
}
