package main

import (
	"context"
	"fmt"

	"mcp-relay/internal/mcp"
)

// demoCatalog is the single opaque tool/resource registry this relay ships
// with. The distributed session machinery (C5-C9) is the point of this
// repository; what the tools actually do is deliberately uninteresting.
type demoCatalog struct{}

func (demoCatalog) Tools() []mcp.ToolDef {
	return []mcp.ToolDef{
		{
			Name:        "echo",
			Description: "Returns the given text unchanged.",
			InputSchema: map[string]any{
				"type":       "object",
				"properties": map[string]any{"text": map[string]any{"type": "string"}},
				"required":   []string{"text"},
			},
		},
		{
			Name:        "add",
			Description: "Adds two numbers.",
			InputSchema: map[string]any{
				"type": "object",
				"properties": map[string]any{
					"a": map[string]any{"type": "number"},
					"b": map[string]any{"type": "number"},
				},
				"required": []string{"a", "b"},
			},
		},
	}
}

func (demoCatalog) CallTool(ctx context.Context, name string, args map[string]any) (any, error) {
	switch name {
	case "echo":
		text, _ := args["text"].(string)
		return text, nil
	case "add":
		a, _ := args["a"].(float64)
		b, _ := args["b"].(float64)
		return a + b, nil
	default:
		return nil, fmt.Errorf("unknown tool %q", name)
	}
}

var demoResources = []mcp.ResourceDef{
	{URI: "demo://a", Name: "a", Description: "first demo resource", MimeType: "text/plain"},
	{URI: "demo://b", Name: "b", Description: "second demo resource", MimeType: "text/plain"},
	{URI: "demo://c", Name: "c", Description: "third demo resource", MimeType: "text/plain"},
}

const demoPageSize = 2

func (demoCatalog) ListResources(cursor string) ([]mcp.ResourceDef, string) {
	start := 0
	if cursor != "" {
		for i, r := range demoResources {
			if r.URI == cursor {
				start = i
				break
			}
		}
	}
	end := start + demoPageSize
	if end > len(demoResources) {
		end = len(demoResources)
	}
	page := demoResources[start:end]

	nextCursor := ""
	if end < len(demoResources) {
		nextCursor = demoResources[end].URI
	}
	return page, nextCursor
}

var _ mcp.Catalog = demoCatalog{}
