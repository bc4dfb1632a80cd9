package tools

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/codefionn/agentloop/internal/logger"
)

// MCPServerConfig describes how to reach one MCP server.
type MCPServerConfig struct {
	Name    string   `json:"name"`
	Type    string   `json:"type,omitempty"` // stdio (default), sse or http
	Command string   `json:"command,omitempty"`
	Args    []string `json:"args,omitempty"`
	Env     []string `json:"env,omitempty"`
	URL     string   `json:"url,omitempty"`
}

// RegisterMCPTools connects to the server, lists its tools and registers
// each one under "<server>_<tool>". The returned client must be closed on
// shutdown.
func RegisterMCPTools(ctx context.Context, registry *Registry, cfg MCPServerConfig) (*client.Client, error) {
	cli, err := newMCPClient(ctx, cfg)
	if err != nil {
		return nil, err
	}

	listed, err := cli.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		cli.Close()
		return nil, fmt.Errorf("could not list tools for %s: %w", cfg.Name, err)
	}

	for _, remote := range listed.Tools {
		registry.Register(&MCPTool{
			client:      cli,
			name:        cfg.Name + "_" + remote.Name,
			remoteName:  remote.Name,
			description: remote.Description,
			schema:      schemaToMap(remote.InputSchema),
		})
	}
	logger.Info("mcp: registered %d tool(s) from %s", len(listed.Tools), cfg.Name)
	return cli, nil
}

func newMCPClient(ctx context.Context, cfg MCPServerConfig) (*client.Client, error) {
	var cli *client.Client
	var err error

	switch cfg.Type {
	case "", "stdio":
		env := append(os.Environ(), cfg.Env...)
		cli, err = client.NewStdioMCPClient(cfg.Command, env, cfg.Args...)
	case "sse":
		cli, err = client.NewSSEMCPClient(cfg.URL)
	case "http":
		cli, err = client.NewStreamableHttpClient(cfg.URL)
	default:
		return nil, fmt.Errorf("unsupported MCP server type: %q (supported: stdio, sse, http)", cfg.Type)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to create MCP client for %s: %w", cfg.Name, err)
	}

	if err := cli.Start(ctx); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to start MCP client for %s: %w", cfg.Name, err)
	}
	if _, err := cli.Initialize(ctx, mcp.InitializeRequest{}); err != nil {
		cli.Close()
		return nil, fmt.Errorf("failed to initialize MCP client for %s: %w", cfg.Name, err)
	}
	return cli, nil
}

// MCPTool adapts one remote MCP tool to the Tool interface.
type MCPTool struct {
	client      *client.Client
	name        string
	remoteName  string
	description string
	schema      map[string]any
}

func (t *MCPTool) Name() string {
	return t.name
}

func (t *MCPTool) Description() string {
	return t.description
}

func (t *MCPTool) Parameters() map[string]any {
	return t.schema
}

func (t *MCPTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	request := mcp.CallToolRequest{}
	request.Params.Name = t.remoteName
	request.Params.Arguments = args

	result, err := t.client.CallTool(ctx, request)
	if err != nil {
		return nil, fmt.Errorf("mcp call %s: %w", t.remoteName, err)
	}

	var sb strings.Builder
	for _, content := range result.Content {
		switch c := content.(type) {
		case mcp.TextContent:
			sb.WriteString(c.Text)
		default:
			sb.WriteString("[non-text content]")
		}
	}

	if result.IsError {
		return nil, errors.New(sb.String())
	}
	return &Result{LLMContent: sb.String()}, nil
}

// schemaToMap renders the server-provided input schema as a plain JSON
// schema object.
func schemaToMap(schema mcp.ToolInputSchema) map[string]any {
	payload, err := json.Marshal(schema)
	if err != nil {
		logger.Warn("mcp: could not marshal tool schema: %v", err)
		return map[string]any{"type": "object"}
	}
	var m map[string]any
	if err := json.Unmarshal(payload, &m); err != nil || len(m) == 0 {
		return map[string]any{"type": "object"}
	}
	return m
}
