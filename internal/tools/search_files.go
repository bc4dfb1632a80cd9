package tools

import (
	"context"
	"fmt"
	"regexp"
	"strings"

	"github.com/codefionn/agentloop/internal/fsys"
	"github.com/codefionn/agentloop/internal/logger"
)

const (
	maxSearchMatches = 200
	maxSearchDepth   = 12
)

// SearchFilesTool scans the working tree for a regular expression.
type SearchFilesTool struct {
	fs fsys.FileSystem
}

func NewSearchFilesTool(filesystem fsys.FileSystem) *SearchFilesTool {
	return &SearchFilesTool{fs: filesystem}
}

func (t *SearchFilesTool) Name() string {
	return "search_files"
}

func (t *SearchFilesTool) Description() string {
	return "Search file contents under a directory with a Go regular expression. Returns matching lines with file paths and line numbers. Hidden directories and binary files are skipped."
}

func (t *SearchFilesTool) Parameters() map[string]any {
	return map[string]any{
		"type": "object",
		"properties": map[string]any{
			"pattern": map[string]any{
				"type":        "string",
				"description": "Go regular expression to search for",
			},
			"dir": map[string]any{
				"type":        "string",
				"description": "Directory to search (relative to the working directory, defaults to .)",
			},
			"file_pattern": map[string]any{
				"type":        "string",
				"description": "Optional substring filter on file names, e.g. \".go\"",
			},
		},
		"required": []string{"pattern"},
	}
}

type searchMatch struct {
	Path string `json:"path"`
	Line int    `json:"line"`
	Text string `json:"text"`
}

func (t *SearchFilesTool) Execute(ctx context.Context, args map[string]any) (*Result, error) {
	pattern := GetStringParam(args, "pattern", "")
	if pattern == "" {
		return nil, fmt.Errorf("pattern is required")
	}
	re, err := regexp.Compile(pattern)
	if err != nil {
		return nil, fmt.Errorf("invalid pattern: %w", err)
	}

	dir := GetStringParam(args, "dir", ".")
	filePattern := GetStringParam(args, "file_pattern", "")

	logger.Debug("search_files: pattern=%s dir=%s", pattern, dir)

	var matches []searchMatch
	truncated, err := t.walk(ctx, dir, filePattern, re, &matches, 0)
	if err != nil {
		return nil, err
	}

	return &Result{
		LLMContent: map[string]any{
			"matches":   matches,
			"count":     len(matches),
			"truncated": truncated,
		},
		ReturnDisplay: fmt.Sprintf("Found %d match(es) for %q", len(matches), pattern),
	}, nil
}

// walk scans dir recursively, appending matches until the cap is hit.
// Returns true when the cap cut the search short.
func (t *SearchFilesTool) walk(ctx context.Context, dir, filePattern string, re *regexp.Regexp, matches *[]searchMatch, depth int) (bool, error) {
	if depth > maxSearchDepth {
		return false, nil
	}
	if err := ctx.Err(); err != nil {
		return false, err
	}

	entries, err := t.fs.ListDir(ctx, dir)
	if err != nil {
		if depth == 0 {
			return false, fmt.Errorf("error listing %s: %w", dir, err)
		}
		return false, nil
	}

	for _, entry := range entries {
		name := entry.Path[strings.LastIndex(entry.Path, "/")+1:]
		if strings.HasPrefix(name, ".") {
			continue
		}
		if entry.IsDir {
			if done, err := t.walk(ctx, entry.Path, filePattern, re, matches, depth+1); done || err != nil {
				return done, err
			}
			continue
		}
		if filePattern != "" && !strings.Contains(name, filePattern) {
			continue
		}
		if isBinaryExtension(entry.Path) {
			continue
		}

		data, err := t.fs.ReadFile(ctx, entry.Path)
		if err != nil || hasBinaryContent(data) {
			continue
		}

		for i, line := range strings.Split(string(data), "\n") {
			if re.MatchString(line) {
				*matches = append(*matches, searchMatch{Path: entry.Path, Line: i + 1, Text: strings.TrimSpace(line)})
				if len(*matches) >= maxSearchMatches {
					return true, nil
				}
			}
		}
	}
	return false, nil
}
