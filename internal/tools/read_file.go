package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/agentloop/internal/fsys"
	"github.com/codefionn/agentloop/internal/logger"
)

const maxReadLines = 2000

// ReadFileTool reads files from the working tree.
type ReadFileTool struct {
	fs fsys.FileSystem
}

func NewReadFileTool(filesystem fsys.FileSystem) *ReadFileTool {
	return &ReadFileTool{fs: filesystem}
}

func (t *ReadFileTool) Name() string {
	return "read_file"
}

func (t *ReadFileTool) Description() string {
	return "Read a file from the filesystem. Can read the entire file or a specific line range. Maximum 2000 lines per read."
}

func (t *ReadFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to read (relative to the working directory)",
			},
			"from_line": map[string]any{
				"type":        "integer",
				"description": "Starting line number (1-indexed, optional)",
			},
			"to_line": map[string]any{
				"type":        "integer",
				"description": "Ending line number (1-indexed, optional, max 2000 lines from start)",
			},
		},
		"required": []string{"path"},
	}
}

func (t *ReadFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path := GetStringParam(args, "path", "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}

	fromLine := GetIntParam(args, "from_line", 0)
	toLine := GetIntParam(args, "to_line", 0)

	logger.Debug("read_file: path=%s, from_line=%d, to_line=%d", path, fromLine, toLine)

	exists, err := t.fs.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error checking file: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("file not found: %s", path)
	}

	var content string
	if fromLine > 0 && toLine > 0 {
		if toLine-fromLine+1 > maxReadLines {
			return nil, fmt.Errorf("cannot read more than %d lines at once", maxReadLines)
		}
		lines, err := t.fs.ReadFileLines(ctx, path, fromLine, toLine)
		if err != nil {
			return nil, fmt.Errorf("error reading file lines: %w", err)
		}
		content = strings.Join(lines, "\n")
	} else {
		data, err := t.fs.ReadFile(ctx, path)
		if err != nil {
			return nil, fmt.Errorf("error reading file: %w", err)
		}
		if isLikelyBinaryFile(path, data) {
			return nil, fmt.Errorf("file appears to be binary: %s", path)
		}
		content = string(data)

		lineCount := strings.Count(content, "\n") + 1
		if lineCount > maxReadLines {
			lines, err := t.fs.ReadFileLines(ctx, path, 1, maxReadLines)
			if err != nil {
				return nil, fmt.Errorf("error reading file lines: %w", err)
			}
			content = strings.Join(lines, "\n")
			content += fmt.Sprintf("\n\n[... file truncated, %d total lines, showing first %d. Use from_line and to_line to read more]", lineCount, maxReadLines)
		}
	}

	lineCount := len(strings.Split(content, "\n"))
	logger.Debug("read_file: read %s (%d lines)", path, lineCount)

	return &Result{
		LLMContent: map[string]any{
			"path":    path,
			"content": content,
			"lines":   lineCount,
		},
		ReturnDisplay: fmt.Sprintf("Read %s (%d lines)", path, lineCount),
	}, nil
}
