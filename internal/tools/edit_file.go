package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/codefionn/agentloop/internal/fsys"
	"github.com/codefionn/agentloop/internal/logger"
)

// EditFileTool performs exact string replacement in an existing file.
type EditFileTool struct {
	fs fsys.FileSystem
}

func NewEditFileTool(filesystem fsys.FileSystem) *EditFileTool {
	return &EditFileTool{fs: filesystem}
}

func (t *EditFileTool) Name() string {
	return "edit_file"
}

func (t *EditFileTool) Description() string {
	return "Replace an exact string in a file. The old string must match exactly once unless replace_all is set. Use read_file first to get the exact text."
}

func (t *EditFileTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to edit (relative to the working directory)",
			},
			"old_string": map[string]any{
				"type":        "string",
				"description": "Exact text to replace",
			},
			"new_string": map[string]any{
				"type":        "string",
				"description": "Replacement text",
			},
			"replace_all": map[string]any{
				"type":        "boolean",
				"description": "Replace every occurrence instead of requiring a unique match",
			},
		},
		"required": []string{"path", "old_string", "new_string"},
	}
}

func (t *EditFileTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path := GetStringParam(args, "path", "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	oldString := GetStringParam(args, "old_string", "")
	if oldString == "" {
		return nil, fmt.Errorf("old_string is required")
	}
	newString := GetStringParam(args, "new_string", "")
	replaceAll := GetBoolParam(args, "replace_all", false)

	if oldString == newString {
		return nil, fmt.Errorf("old_string and new_string are identical")
	}

	data, err := t.fs.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}
	content := string(data)

	count := strings.Count(content, oldString)
	if count == 0 {
		return nil, fmt.Errorf("old_string not found in %s", path)
	}
	if count > 1 && !replaceAll {
		return nil, fmt.Errorf("old_string matches %d times in %s; make it unique or set replace_all", count, path)
	}

	var updated string
	replaced := count
	if replaceAll {
		updated = strings.ReplaceAll(content, oldString, newString)
	} else {
		updated = strings.Replace(content, oldString, newString, 1)
		replaced = 1
	}

	if err := t.fs.WriteFile(ctx, path, []byte(updated)); err != nil {
		return nil, fmt.Errorf("error writing file: %w", err)
	}

	logger.Debug("edit_file: %s, %d replacement(s)", path, replaced)

	return &Result{
		LLMContent: map[string]any{
			"path":         path,
			"replacements": replaced,
		},
		ReturnDisplay: fmt.Sprintf("Edited %s (%d replacement(s))", path, replaced),
	}, nil
}
