package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
)

type stubCatalog struct{}

func (stubCatalog) Tools() []ToolDef {
	return []ToolDef{
		{Name: "echo", Description: "echoes its input"},
		{Name: "add", Description: "adds two numbers"},
	}
}

func (stubCatalog) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "echo":
		return fmt.Sprintf("%v", args["text"]), nil
	case "add":
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return fmt.Sprintf("%v", a+b), nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

func (stubCatalog) ListResources(cursor string) ([]ResourceDef, string) {
	all := []ResourceDef{
		{URI: "demo://a", Name: "a"},
		{URI: "demo://b", Name: "b"},
		{URI: "demo://c", Name: "c"},
	}
	const pageSize = 2
	start := 0
	if cursor != "" {
		for i, r := range all {
			if r.URI == cursor {
				start = i
				break
			}
		}
	}
	end := start + pageSize
	if end >= len(all) {
		return all[start:], ""
	}
	return all[start:end], all[end].URI
}

func newTestHandler() *Handler {
	return NewHandler(stubCatalog{}, "test-relay", "0.0.1")
}

func TestHandleInitialize(t *testing.T) {
	h := newTestHandler()
	req := &Request{Jsonrpc: "2.0", ID: json.RawMessage("1"), Method: "initialize"}
	resp := h.Handle(context.Background(), req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok || result["protocolVersion"] != protocolVersion {
		t.Fatalf("unexpected initialize result: %+v", resp.Result)
	}
}

func TestHandleNotificationReturnsNil(t *testing.T) {
	h := newTestHandler()
	req := &Request{Jsonrpc: "2.0", Method: "notifications/initialized"}
	if resp := h.Handle(context.Background(), req); resp != nil {
		t.Fatalf("expected nil response for notification, got %+v", resp)
	}
}

func TestHandleToolsList(t *testing.T) {
	h := newTestHandler()
	req := &Request{Jsonrpc: "2.0", ID: json.RawMessage(`"a"`), Method: "tools/list"}
	resp := h.Handle(context.Background(), req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
	result := resp.Result.(map[string]any)
	tools := result["tools"].([]ToolDef)
	if len(tools) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(tools))
	}
}

func TestHandleToolsCallEcho(t *testing.T) {
	h := newTestHandler()
	params, _ := json.Marshal(map[string]any{"name": "echo", "arguments": map[string]any{"text": "hi"}})
	req := &Request{Jsonrpc: "2.0", ID: json.RawMessage("2"), Method: "tools/call", Params: params}
	resp := h.Handle(context.Background(), req)
	if resp == nil || resp.Error != nil {
		t.Fatalf("unexpected response: %+v", resp)
	}
}

func TestHandleToolsCallUnknownTool(t *testing.T) {
	h := newTestHandler()
	params, _ := json.Marshal(map[string]any{"name": "nope"})
	req := &Request{Jsonrpc: "2.0", ID: json.RawMessage("3"), Method: "tools/call", Params: params}
	resp := h.Handle(context.Background(), req)
	if resp.Error == nil {
		t.Fatal("expected an error for an unknown tool")
	}
}

func TestHandleResourcesListPagination(t *testing.T) {
	h := newTestHandler()
	req := &Request{Jsonrpc: "2.0", ID: json.RawMessage("4"), Method: "resources/list"}
	resp := h.Handle(context.Background(), req)
	result := resp.Result.(map[string]any)
	resources := result["resources"].([]ResourceDef)
	if len(resources) != 2 {
		t.Fatalf("expected first page of 2, got %d", len(resources))
	}
	next, ok := result["nextCursor"].(string)
	if !ok || next != "demo://c" {
		t.Fatalf("expected next cursor demo://c, got %v", result["nextCursor"])
	}

	params, _ := json.Marshal(map[string]any{"cursor": next})
	req2 := &Request{Jsonrpc: "2.0", ID: json.RawMessage("5"), Method: "resources/list", Params: params}
	resp2 := h.Handle(context.Background(), req2)
	result2 := resp2.Result.(map[string]any)
	resources2 := result2["resources"].([]ResourceDef)
	if len(resources2) != 1 {
		t.Fatalf("expected final page of 1, got %d", len(resources2))
	}
	if _, ok := result2["nextCursor"]; ok {
		t.Fatal("expected no nextCursor on the final page")
	}
}

func TestHandleUnknownMethod(t *testing.T) {
	h := newTestHandler()
	req := &Request{Jsonrpc: "2.0", ID: json.RawMessage("6"), Method: "bogus"}
	resp := h.Handle(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found error, got %+v", resp.Error)
	}
}

func TestHandleRejectsWrongJSONRPCVersion(t *testing.T) {
	h := newTestHandler()
	req := &Request{Jsonrpc: "1.0", ID: json.RawMessage("7"), Method: "ping"}
	resp := h.Handle(context.Background(), req)
	if resp.Error == nil || resp.Error.Code != -32600 {
		t.Fatalf("expected invalid-version error, got %+v", resp.Error)
	}
}
