package tools

import (
	"context"
	"fmt"

	"github.com/codefionn/agentloop/internal/fsys"
	"github.com/codefionn/agentloop/internal/logger"
)

// WriteFileTool creates or overwrites files.
type WriteFileTool struct {
	fs fsys.FileSystem
}

func NewWriteFileTool(filesystem fsys.FileSystem) *WriteFileTool {
	return &WriteFileTool{fs: filesystem}
}

func (t *WriteFileTool) Name() string {
	return "write_file"
}

func (t *WriteFileTool) Description() string {
	return "Write content to a file, creating it and any parent directories if needed. Overwrites existing content."
}

func (t *WriteFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to write (relative to the working directory)",
			},
			"content": map[string]any{
				"type":        "string",
				"description": "Full content to write",
			},
		},
		"required": []string{"path", "content"},
	}
}

func (t *WriteFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path := GetStringParam(args, "path", "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	content, ok := args["content"].(string)
	if !ok {
		return nil, fmt.Errorf("content is required")
	}

	existed, err := t.fs.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error checking file: %w", err)
	}

	if err := t.fs.WriteFile(ctx, path, []byte(content)); err != nil {
		return nil, fmt.Errorf("error writing file: %w", err)
	}

	action := "created"
	if existed {
		action = "overwrote"
	}
	logger.Debug("write_file: %s %s (%d bytes)", action, path, len(content))

	return &Result{
		LLMContent: map[string]any{
			"path":          path,
			"bytes_written": len(content),
			"created":       !existed,
		},
		ReturnDisplay: fmt.Sprintf("Wrote %d bytes to %s", len(content), path),
	}, nil
}
