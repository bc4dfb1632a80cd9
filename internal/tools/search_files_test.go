package tools

import (
	"context"
	"fmt"
	"testing"
)

func TestSearchFilesTool_FindsMatchesAcrossDirs(t *testing.T) {
	fs := newTestFS(t)
	tool := NewSearchFilesTool(fs)

	files := map[string]string{
		"a.txt":        "hello world\ngoodbye",
		"sub/b.go":     "package main\nfunc hello() {}",
		".hidden/c.md": "hello hidden",
	}
	for path, content := range files {
		if err := fs.WriteFile(context.Background(), path, []byte(content)); err != nil {
			t.Fatalf("setup write failed: %v", err)
		}
	}

	result, err := tool.Execute(context.Background(), map[string]any{
		"pattern": "hello",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := result.LLMContent.(map[string]any)
	matches := payload["matches"].([]searchMatch)
	if len(matches) != 2 {
		t.Fatalf("expected 2 matches (hidden dir skipped), got %d: %v", len(matches), matches)
	}
	if payload["count"].(int) != 2 {
		t.Errorf("expected count 2, got %v", payload["count"])
	}
	if payload["truncated"].(bool) {
		t.Error("expected truncated=false")
	}

	seen := map[string]int{}
	for _, m := range matches {
		seen[m.Path] = m.Line
	}
	if seen["a.txt"] != 1 {
		t.Errorf("expected match in a.txt line 1, got %v", seen)
	}
	if seen["sub/b.go"] != 2 {
		t.Errorf("expected match in sub/b.go line 2, got %v", seen)
	}
}

func TestSearchFilesTool_FilePatternFilter(t *testing.T) {
	fs := newTestFS(t)
	tool := NewSearchFilesTool(fs)

	_ = fs.WriteFile(context.Background(), "a.txt", []byte("needle"))
	_ = fs.WriteFile(context.Background(), "b.go", []byte("needle"))

	result, err := tool.Execute(context.Background(), map[string]any{
		"pattern":      "needle",
		"file_pattern": ".go",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches := result.LLMContent.(map[string]any)["matches"].([]searchMatch)
	if len(matches) != 1 || matches[0].Path != "b.go" {
		t.Errorf("expected only b.go to match, got %v", matches)
	}
}

func TestSearchFilesTool_SkipsBinaryFiles(t *testing.T) {
	fs := newTestFS(t)
	tool := NewSearchFilesTool(fs)

	_ = fs.WriteFile(context.Background(), "blob.bin", []byte("needle\x00needle"))
	_ = fs.WriteFile(context.Background(), "plain.txt", []byte("needle"))

	result, err := tool.Execute(context.Background(), map[string]any{
		"pattern": "needle",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	matches := result.LLMContent.(map[string]any)["matches"].([]searchMatch)
	if len(matches) != 1 || matches[0].Path != "plain.txt" {
		t.Errorf("expected only plain.txt to match, got %v", matches)
	}
}

func TestSearchFilesTool_CapsMatches(t *testing.T) {
	fs := newTestFS(t)
	tool := NewSearchFilesTool(fs)

	for i := 0; i < 3; i++ {
		var content string
		for j := 0; j < 100; j++ {
			content += "needle\n"
		}
		if err := fs.WriteFile(context.Background(), fmt.Sprintf("f%d.txt", i), []byte(content)); err != nil {
			t.Fatalf("setup write failed: %v", err)
		}
	}

	result, err := tool.Execute(context.Background(), map[string]any{
		"pattern": "needle",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := result.LLMContent.(map[string]any)
	if payload["count"].(int) != maxSearchMatches {
		t.Errorf("expected count capped at %d, got %v", maxSearchMatches, payload["count"])
	}
	if !payload["truncated"].(bool) {
		t.Error("expected truncated=true")
	}
}

func TestSearchFilesTool_InvalidPattern(t *testing.T) {
	tool := NewSearchFilesTool(newTestFS(t))

	if _, err := tool.Execute(context.Background(), map[string]any{"pattern": "["}); err == nil {
		t.Fatal("expected error for invalid regular expression")
	}
}

func TestSearchFilesTool_MissingDir(t *testing.T) {
	tool := NewSearchFilesTool(newTestFS(t))

	_, err := tool.Execute(context.Background(), map[string]any{
		"pattern": "x",
		"dir":     "does-not-exist",
	})
	if err == nil {
		t.Fatal("expected error for missing search root")
	}
}
