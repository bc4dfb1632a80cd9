package llm

import (
	"testing"

	"google.golang.org/genai"
)

func TestConvertContentToGenAIRoles(t *testing.T) {
	user := convertContentToGenAI(NewUserContent(&TextPart{Text: "hi"}))
	if user == nil {
		t.Fatal("expected a converted content")
	}
	if user.Role != string(genai.RoleUser) {
		t.Errorf("user content converted to role %q", user.Role)
	}

	model := convertContentToGenAI(NewModelContent(&TextPart{Text: "hello"}))
	if model == nil {
		t.Fatal("expected a converted content")
	}
	if model.Role != string(genai.RoleModel) {
		t.Errorf("model content converted to role %q", model.Role)
	}
}

func TestConvertContentToGenAISkipsThoughts(t *testing.T) {
	converted := convertContentToGenAI(NewModelContent(
		&ThoughtPart{Text: "planning"},
		&TextPart{Text: "answer"},
	))
	if converted == nil {
		t.Fatal("expected a converted content")
	}
	if len(converted.Parts) != 1 {
		t.Fatalf("expected the thought to be dropped, got %d parts", len(converted.Parts))
	}
	if converted.Parts[0].Text != "answer" {
		t.Errorf("unexpected surviving part: %+v", converted.Parts[0])
	}

	if got := convertContentToGenAI(NewModelContent(&ThoughtPart{Text: "only"})); got != nil {
		t.Errorf("thought-only content should convert to nil, got %+v", got)
	}
}

func TestConvertContentToGenAIFunctionCall(t *testing.T) {
	converted := convertContentToGenAI(NewModelContent(&FunctionCallPart{
		ID:   "call-1",
		Name: "read_file",
		Args: map[string]any{"path": "main.go"},
	}))
	if converted == nil || len(converted.Parts) != 1 {
		t.Fatalf("expected one converted part, got %+v", converted)
	}
	call := converted.Parts[0].FunctionCall
	if call == nil {
		t.Fatal("expected a function call part")
	}
	if call.ID != "call-1" || call.Name != "read_file" {
		t.Errorf("call converted as %+v", call)
	}
	if call.Args["path"] != "main.go" {
		t.Errorf("args converted as %+v", call.Args)
	}
}
