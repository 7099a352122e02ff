package dispatch

import (
	"context"
	"encoding/json"

	"github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/veilcrawl/veilcrawl/kit"
)

// RegisterMCP exposes the command table as MCP tools. Each tool routes
// through the same registry as the WebSocket surface, so argument
// validation and behavior are identical across transports.
func RegisterMCP(srv *mcp.Server, reg *Registry) {
	for _, t := range mcpTools {
		registerTool(srv, reg, t)
	}
}

func inputSchema(properties map[string]any, required []string) map[string]any {
	s := map[string]any{
		"type":       "object",
		"properties": properties,
	}
	if len(required) > 0 {
		s["required"] = required
	}
	return s
}

type mcpTool struct {
	name        string
	verb        string
	description string
	properties  map[string]any
	required    []string
}

var mcpTools = []mcpTool{
	{
		name: "browser_navigate", verb: "navigate",
		description: "Navigate the active page (or a named page) to a URL.",
		properties: map[string]any{
			"url":    map[string]any{"type": "string", "description": "Destination URL"},
			"pageId": map[string]any{"type": "string", "description": "Target page id (defaults to active)"},
		},
		required: []string{"url"},
	},
	{
		name: "browser_get_content", verb: "get_content",
		description: "Extract the current page as html, markdown, or plain text.",
		properties: map[string]any{
			"format": map[string]any{"type": "string", "enum": []string{"html", "markdown", "text"}},
			"pageId": map[string]any{"type": "string"},
		},
	},
	{
		name: "browser_execute_script", verb: "execute_script",
		description: "Run a JavaScript snippet in the page and return its value.",
		properties: map[string]any{
			"script": map[string]any{"type": "string", "description": "JavaScript function body"},
			"pageId": map[string]any{"type": "string"},
		},
		required: []string{"script"},
	},
	{
		name: "browser_click", verb: "click",
		description: "Click the first element matching a CSS selector.",
		properties: map[string]any{
			"selector": map[string]any{"type": "string"},
			"pageId":   map[string]any{"type": "string"},
		},
		required: []string{"selector"},
	},
	{
		name: "browser_type_text", verb: "type_text",
		description: "Type text into the element matching a CSS selector.",
		properties: map[string]any{
			"selector": map[string]any{"type": "string"},
			"text":     map[string]any{"type": "string"},
			"pageId":   map[string]any{"type": "string"},
		},
		required: []string{"selector", "text"},
	},
	{
		name: "browser_screenshot", verb: "screenshot_viewport",
		description: "Capture the visible viewport as a base64-encoded image.",
		properties: map[string]any{
			"format":  map[string]any{"type": "string", "enum": []string{"png", "jpeg", "webp"}},
			"quality": map[string]any{"type": "integer"},
			"preset":  map[string]any{"type": "string", "enum": []string{"forensic", "web", "thumbnail", "archival"}},
			"pageId":  map[string]any{"type": "string"},
		},
	},
	{
		name: "browser_list_tabs", verb: "list_tabs",
		description: "List open pages with their URLs and titles.",
		properties:  map[string]any{},
	},
	{
		name: "browser_get_cookies", verb: "get_cookies",
		description: "Read cookies from the active page, optionally filtered.",
		properties: map[string]any{
			"domain": map[string]any{"type": "string"},
			"name":   map[string]any{"type": "string"},
			"pageId": map[string]any{"type": "string"},
		},
	},
	{
		name: "browser_fill_form", verb: "fill",
		description: "Analyze and fill a form with the supplied field values.",
		properties: map[string]any{
			"data":      map[string]any{"type": "object", "description": "Field name to value"},
			"formIndex": map[string]any{"type": "integer"},
			"submit":    map[string]any{"type": "boolean"},
			"pageId":    map[string]any{"type": "string"},
		},
		required: []string{"data"},
	},
	{
		name: "browser_list_sock_puppets", verb: "list_sock_puppets",
		description: "Search the identity store for sock-puppet entities.",
		properties: map[string]any{
			"search": map[string]any{"type": "string"},
		},
	},
	{
		name: "browser_status", verb: "status",
		description: "Report dispatcher, page, and pool health.",
		properties:  map[string]any{},
	},
}

func registerTool(srv *mcp.Server, reg *Registry, t mcpTool) {
	tool := &mcp.Tool{
		Name:        t.name,
		Description: t.description,
		InputSchema: inputSchema(t.properties, t.required),
	}

	endpoint := func(ctx context.Context, req any) (any, error) {
		args := req.(Args)
		ctx = kit.WithTransport(ctx, "mcp")
		return reg.Dispatch(ctx, t.verb, args)
	}

	decode := func(req *mcp.CallToolRequest) (*kit.MCPDecodeResult, error) {
		args := Args{}
		if len(req.Params.Arguments) > 0 {
			if err := json.Unmarshal(req.Params.Arguments, &args); err != nil {
				return nil, err
			}
		}
		return &kit.MCPDecodeResult{Request: args}, nil
	}

	kit.RegisterMCPTool(srv, tool, endpoint, decode)
}
