package tools

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"
)

func TestSchemaToMap(t *testing.T) {
	schema := mcp.ToolInputSchema{
		Type: "object",
		Properties: map[string]any{
			"query": map[string]any{"type": "string"},
		},
		Required: []string{"query"},
	}

	m := schemaToMap(schema)
	if m["type"] != "object" {
		t.Errorf("expected type object, got %v", m["type"])
	}
	props, ok := m["properties"].(map[string]any)
	if !ok {
		t.Fatalf("expected properties map, got %T", m["properties"])
	}
	if _, ok := props["query"]; !ok {
		t.Error("expected query property to survive the round trip")
	}
}

func TestNewMCPClient_UnsupportedType(t *testing.T) {
	_, err := newMCPClient(context.Background(), MCPServerConfig{Name: "x", Type: "carrier-pigeon"})
	if err == nil {
		t.Fatal("expected error for unsupported server type")
	}
}
