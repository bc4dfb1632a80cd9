package tools

import (
	"context"
	"strings"
	"testing"
)

func TestReadFileTool_Name(t *testing.T) {
	tool := NewReadFileTool(newTestFS(t))
	if tool.Name() != "read_file" {
		t.Errorf("expected name read_file, got %s", tool.Name())
	}
}

func TestReadFileTool_ReadEntireFile(t *testing.T) {
	fs := newTestFS(t)
	tool := NewReadFileTool(fs)

	content := "line 1\nline 2\nline 3"
	if err := fs.WriteFile(context.Background(), "test.txt", []byte(content)); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	result, err := tool.Execute(context.Background(), map[string]any{
		"path": "test.txt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := result.LLMContent.(map[string]any)
	if payload["content"].(string) != content {
		t.Errorf("expected content %q, got %q", content, payload["content"])
	}
	if payload["lines"].(int) != 3 {
		t.Errorf("expected 3 lines, got %d", payload["lines"])
	}
}

func TestReadFileTool_ReadLineRange(t *testing.T) {
	fs := newTestFS(t)
	tool := NewReadFileTool(fs)

	content := "line 1\nline 2\nline 3\nline 4\nline 5"
	if err := fs.WriteFile(context.Background(), "test.txt", []byte(content)); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	result, err := tool.Execute(context.Background(), map[string]any{
		"path":      "test.txt",
		"from_line": 2,
		"to_line":   4,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	payload := result.LLMContent.(map[string]any)
	expected := "line 2\nline 3\nline 4"
	if payload["content"].(string) != expected {
		t.Errorf("expected content %q, got %q", expected, payload["content"])
	}
	if payload["lines"].(int) != 3 {
		t.Errorf("expected 3 lines, got %d", payload["lines"])
	}
}

func TestReadFileTool_FileNotFound(t *testing.T) {
	tool := NewReadFileTool(newTestFS(t))

	_, err := tool.Execute(context.Background(), map[string]any{
		"path": "nope.txt",
	})
	if err == nil {
		t.Fatal("expected error for missing file")
	}
	if !strings.Contains(err.Error(), "file not found") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadFileTool_PathRequired(t *testing.T) {
	tool := NewReadFileTool(newTestFS(t))

	if _, err := tool.Execute(context.Background(), map[string]any{}); err == nil {
		t.Fatal("expected error for missing path")
	}
}

func TestReadFileTool_RejectsBinary(t *testing.T) {
	fs := newTestFS(t)
	tool := NewReadFileTool(fs)

	if err := fs.WriteFile(context.Background(), "blob.bin", []byte{0x00, 0x01, 0x02}); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	_, err := tool.Execute(context.Background(), map[string]any{
		"path": "blob.bin",
	})
	if err == nil {
		t.Fatal("expected error for binary file")
	}
	if !strings.Contains(err.Error(), "binary") {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestReadFileTool_TruncatesLongFiles(t *testing.T) {
	fs := newTestFS(t)
	tool := NewReadFileTool(fs)

	var sb strings.Builder
	for i := 0; i < 2500; i++ {
		sb.WriteString("x\n")
	}
	if err := fs.WriteFile(context.Background(), "long.txt", []byte(sb.String())); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	result, err := tool.Execute(context.Background(), map[string]any{
		"path": "long.txt",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	content := result.LLMContent.(map[string]any)["content"].(string)
	if !strings.Contains(content, "file truncated") {
		t.Error("expected truncation marker in content")
	}
	if !strings.Contains(content, "2501 total lines") {
		t.Errorf("expected total line count in marker, got tail %q", content[len(content)-120:])
	}
}

func TestReadFileTool_RangeTooLarge(t *testing.T) {
	fs := newTestFS(t)
	tool := NewReadFileTool(fs)

	if err := fs.WriteFile(context.Background(), "test.txt", []byte("x")); err != nil {
		t.Fatalf("setup write failed: %v", err)
	}

	_, err := tool.Execute(context.Background(), map[string]any{
		"path":      "test.txt",
		"from_line": 1,
		"to_line":   5000,
	})
	if err == nil {
		t.Fatal("expected error for oversized range")
	}
	if !strings.Contains(err.Error(), "cannot read more than") {
		t.Errorf("unexpected error: %v", err)
	}
}
