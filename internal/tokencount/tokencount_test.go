package tokencount

import (
	"testing"

	"github.com/codefionn/agentloop/internal/llm"
)

func TestEstimateTextNonEmpty(t *testing.T) {
	count, _ := EstimateText("gpt-4", "hello world, this is a test sentence")
	if count <= 0 {
		t.Errorf("expected positive token count, got %d", count)
	}
}

func TestEstimateTextEmpty(t *testing.T) {
	count, _ := EstimateText("gpt-4", "")
	if count != 0 {
		t.Errorf("empty text should count 0 tokens, got %d", count)
	}
}

func TestEstimateTextUnknownModelFallsBack(t *testing.T) {
	count, approx := EstimateText("no-such-model-xyz", "some words to count here")
	if count <= 0 {
		t.Errorf("fallback encoding should still count tokens, got %d", count)
	}
	if !approx {
		t.Error("unknown model should be flagged approximate")
	}
}

func TestEstimateContents(t *testing.T) {
	contents := []*llm.Content{
		llm.NewUserText("please list the files"),
		llm.NewModelContent(&llm.FunctionCallPart{
			Name: "list_dir",
			Args: map[string]any{"path": "."},
		}),
		llm.NewUserContent(&llm.FunctionResponsePart{
			ID:       "c1",
			Name:     "list_dir",
			Response: map[string]any{"output": "main.go\nREADME.md"},
		}),
	}

	total, _ := EstimateContents("gpt-4", contents)
	if total <= 3*perContentOverhead {
		t.Errorf("expected more than bare overhead, got %d", total)
	}

	empty, _ := EstimateContents("gpt-4", nil)
	if empty != 0 {
		t.Errorf("nil contents should count 0, got %d", empty)
	}
}

func TestEstimateUsage(t *testing.T) {
	prompt := []*llm.Content{llm.NewUserText("what is in main.go?")}
	reply := llm.NewModelContent(&llm.TextPart{Text: "main.go defines the entrypoint."})

	usage := EstimateUsage("gpt-4", "you are a coding assistant", prompt, reply)
	if usage == nil {
		t.Fatal("EstimateUsage returned nil")
	}
	if !usage.Estimated {
		t.Error("usage should be marked estimated")
	}
	if usage.PromptTokens <= 0 || usage.ResponseTokens <= 0 {
		t.Errorf("expected positive counts, got prompt=%d response=%d", usage.PromptTokens, usage.ResponseTokens)
	}
	if usage.TotalTokens != usage.PromptTokens+usage.ResponseTokens {
		t.Errorf("total %d != prompt %d + response %d", usage.TotalTokens, usage.PromptTokens, usage.ResponseTokens)
	}
}
