package tools

import (
	"context"
	"fmt"
	"strings"

	"github.com/sourcegraph/go-diff/diff"

	"github.com/codefionn/agentloop/internal/fsys"
	"github.com/codefionn/agentloop/internal/logger"
)

// ApplyDiffTool updates an existing file by applying a unified diff.
type ApplyDiffTool struct {
	fs fsys.FileSystem
}

func NewApplyDiffTool(filesystem fsys.FileSystem) *ApplyDiffTool {
	return &ApplyDiffTool{fs: filesystem}
}

func (t *ApplyDiffTool) Name() string {
	return "apply_diff"
}

func (t *ApplyDiffTool) Description() string {
	return "Update an existing file by applying a unified diff with standard hunk headers (@@ -l,c +l,c @@). Prefer edit_file for simple replacements."
}

func (t *ApplyDiffTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"path": map[string]any{
				"type":        "string",
				"description": "Path to the file to update (relative to the working directory)",
			},
			"diff": map[string]any{
				"type":        "string",
				"description": "Unified diff to apply; file headers (---/+++) are optional, hunk headers are required",
			},
		},
		"required": []string{"path", "diff"},
	}
}

func (t *ApplyDiffTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	path := GetStringParam(args, "path", "")
	if path == "" {
		return nil, fmt.Errorf("path is required")
	}
	diffText := GetStringParam(args, "diff", "")
	if diffText == "" {
		return nil, fmt.Errorf("diff is required")
	}

	logger.Debug("apply_diff: path=%s", path)

	exists, err := t.fs.Exists(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error checking file: %w", err)
	}
	if !exists {
		return nil, fmt.Errorf("cannot apply diff to non-existent file: %s (use write_file instead)", path)
	}

	current, err := t.fs.ReadFile(ctx, path)
	if err != nil {
		return nil, fmt.Errorf("error reading file: %w", err)
	}

	updated, err := applyUnifiedDiff(string(current), diffText)
	if err != nil {
		return nil, fmt.Errorf("error applying diff: %w", err)
	}

	if err := t.fs.WriteFile(ctx, path, []byte(updated)); err != nil {
		return nil, fmt.Errorf("error writing file: %w", err)
	}

	logger.Debug("apply_diff: updated %s (%d bytes)", path, len(updated))

	return &Result{
		LLMContent: map[string]any{
			"path":          path,
			"bytes_written": len(updated),
		},
		ReturnDisplay: fmt.Sprintf("Applied diff to %s", path),
	}, nil
}

// applyUnifiedDiff parses diffText and replays its hunks over original.
func applyUnifiedDiff(original, diffText string) (string, error) {
	// ParseFileDiff requires file headers; synthesize them when the model
	// sent bare hunks.
	if !strings.HasPrefix(diffText, "---") && !strings.HasPrefix(diffText, "diff ") {
		diffText = "--- a/file\n+++ b/file\n" + diffText
	}

	fileDiff, err := diff.ParseFileDiff([]byte(diffText))
	if err != nil {
		return "", fmt.Errorf("failed to parse unified diff: %w", err)
	}

	originalLines := strings.Split(original, "\n")
	result := make([]string, 0, len(originalLines))
	pos := 0

	for _, hunk := range fileDiff.Hunks {
		hunkStart := int(hunk.OrigStartLine) - 1
		for pos < hunkStart && pos < len(originalLines) {
			result = append(result, originalLines[pos])
			pos++
		}

		for _, line := range strings.Split(string(hunk.Body), "\n") {
			if len(line) == 0 {
				continue
			}
			switch line[0] {
			case ' ':
				if pos < len(originalLines) {
					result = append(result, originalLines[pos])
					pos++
				}
			case '-':
				if pos < len(originalLines) {
					pos++
				}
			case '+':
				result = append(result, line[1:])
			}
		}
	}

	for pos < len(originalLines) {
		result = append(result, originalLines[pos])
		pos++
	}

	return strings.Join(result, "\n"), nil
}
