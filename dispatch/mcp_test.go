package dispatch

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/modelcontextprotocol/go-sdk/mcp"
)

var testMCPImpl = &mcp.Implementation{Name: "veilcrawl-test", Version: "0.1.0"}

func mcpSession(t *testing.T) *mcp.ClientSession {
	t.Helper()
	d, _, _ := newTestDeps(t)
	reg := NewRegistry()
	RegisterAll(reg, d)

	srv := mcp.NewServer(testMCPImpl, nil)
	RegisterMCP(srv, reg)

	serverT, clientT := mcp.NewInMemoryTransports()
	ctx := context.Background()
	go func() { _ = srv.Run(ctx, serverT) }()

	client := mcp.NewClient(testMCPImpl, nil)
	session, err := client.Connect(ctx, clientT, nil)
	if err != nil {
		t.Fatalf("client connect: %v", err)
	}
	t.Cleanup(func() { session.Close() })
	return session
}

func mcpCallTool(t *testing.T, session *mcp.ClientSession, name string, args any) string {
	t.Helper()
	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      name,
		Arguments: args,
	})
	if err != nil {
		t.Fatalf("CallTool(%s): %v", name, err)
	}
	if err := result.GetError(); err != nil {
		t.Fatalf("CallTool(%s) tool error: %v", name, err)
	}
	tc, ok := result.Content[0].(*mcp.TextContent)
	if !ok {
		t.Fatalf("CallTool(%s): expected TextContent", name)
	}
	return tc.Text
}

func TestMCP_ListTools(t *testing.T) {
	session := mcpSession(t)

	tools, err := session.ListTools(context.Background(), &mcp.ListToolsParams{})
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}
	names := map[string]bool{}
	for _, tool := range tools.Tools {
		names[tool.Name] = true
	}
	for _, want := range []string{"browser_navigate", "browser_screenshot", "browser_get_content", "browser_status"} {
		if !names[want] {
			t.Errorf("missing tool %s", want)
		}
	}
}

func TestMCP_Status(t *testing.T) {
	session := mcpSession(t)

	text := mcpCallTool(t, session, "browser_status", map[string]any{})
	var resp struct {
		Healthy  bool `json:"healthy"`
		UptimeMs int  `json:"uptimeMs"`
	}
	if err := json.Unmarshal([]byte(text), &resp); err != nil {
		t.Fatalf("unmarshal: %v (%s)", err, text)
	}
	if !resp.Healthy {
		t.Fatal("expected healthy")
	}
}

func TestMCP_Navigate(t *testing.T) {
	session := mcpSession(t)

	text := mcpCallTool(t, session, "browser_navigate", map[string]any{"url": "https://example.com/doc"})
	var nav struct {
		Navigated bool   `json:"navigated"`
		URL       string `json:"url"`
	}
	if err := json.Unmarshal([]byte(text), &nav); err != nil {
		t.Fatalf("unmarshal: %v", err)
	}
	if !nav.Navigated || nav.URL != "https://example.com/doc" {
		t.Fatalf("navigate = %+v", nav)
	}
}

func TestMCP_ValidationError(t *testing.T) {
	session := mcpSession(t)

	result, err := session.CallTool(context.Background(), &mcp.CallToolParams{
		Name:      "browser_navigate",
		Arguments: map[string]any{},
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}
	toolErr := result.GetError()
	if toolErr == nil {
		t.Fatal("expected tool error for missing url")
	}
	if !strings.Contains(toolErr.Error(), "url is required") {
		t.Fatalf("error = %v", toolErr)
	}
}
