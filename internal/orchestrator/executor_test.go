package orchestrator

import (
	"context"
	"errors"
	"reflect"
	"strings"
	"sync"
	"testing"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/telemetry"
	"github.com/codefionn/agentloop/internal/tools"
)

type fakeTool struct {
	name    string
	execute func(ctx context.Context, args map[string]any) (*tools.Result, error)
}

func (t *fakeTool) Name() string               { return t.name }
func (t *fakeTool) Description() string        { return "tool for tests" }
func (t *fakeTool) Parameters() map[string]any { return map[string]any{"type": "object"} }

func (t *fakeTool) Execute(ctx context.Context, args map[string]any) (*tools.Result, error) {
	return t.execute(ctx, args)
}

// recordingSink captures telemetry events for assertions.
type recordingSink struct {
	mu        sync.Mutex
	requests  []telemetry.APIRequest
	responses []telemetry.APIResponse
	apiErrors []telemetry.APIError
	toolCalls []telemetry.ToolCall
	loops     []telemetry.LoopDetected
}

func (s *recordingSink) LogAPIRequest(e telemetry.APIRequest) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.requests = append(s.requests, e)
}

func (s *recordingSink) LogAPIResponse(e telemetry.APIResponse) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.responses = append(s.responses, e)
}

func (s *recordingSink) LogAPIError(e telemetry.APIError) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.apiErrors = append(s.apiErrors, e)
}

func (s *recordingSink) LogToolCall(e telemetry.ToolCall) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.toolCalls = append(s.toolCalls, e)
}

func (s *recordingSink) LogLoopDetected(e telemetry.LoopDetected) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.loops = append(s.loops, e)
}

// panickingSink misbehaves on every event.
type panickingSink struct{}

func (panickingSink) LogAPIRequest(telemetry.APIRequest)     { panic("sink down") }
func (panickingSink) LogAPIResponse(telemetry.APIResponse)   { panic("sink down") }
func (panickingSink) LogAPIError(telemetry.APIError)         { panic("sink down") }
func (panickingSink) LogToolCall(telemetry.ToolCall)         { panic("sink down") }
func (panickingSink) LogLoopDetected(telemetry.LoopDetected) { panic("sink down") }

func functionResponse(t *testing.T, resp ToolCallResponse) *llm.FunctionResponsePart {
	t.Helper()
	if len(resp.ResponseParts) != 1 {
		t.Fatalf("expected exactly one response part, got %d", len(resp.ResponseParts))
	}
	part, ok := resp.ResponseParts[0].(*llm.FunctionResponsePart)
	if !ok {
		t.Fatalf("expected a function response part, got %T", resp.ResponseParts[0])
	}
	return part
}

func TestExecutor_ToolNotFound(t *testing.T) {
	sink := &recordingSink{}
	exec := NewToolCallExecutor(tools.NewRegistry(), sink)

	resp := exec.Execute(context.Background(), ToolCallRequest{
		CallID:   "call-1",
		Name:     "no_such_tool",
		PromptID: "prompt-1",
	})

	if resp.Err == nil {
		t.Fatal("expected an error for an unregistered tool")
	}
	if !strings.Contains(resp.Err.Error(), "tool not found: no_such_tool") {
		t.Errorf("unexpected error: %v", resp.Err)
	}
	if resp.CallID != "call-1" {
		t.Errorf("CallID = %q, want call-1", resp.CallID)
	}

	part := functionResponse(t, resp)
	if part.ID != "call-1" || part.Name != "no_such_tool" {
		t.Errorf("response part identity = %q/%q", part.ID, part.Name)
	}
	msg, ok := part.Response["error"].(string)
	if !ok || !strings.Contains(msg, "not found") {
		t.Errorf("expected an error field, got %v", part.Response)
	}
	if !strings.Contains(resp.ResultDisplay, "not found") {
		t.Errorf("ResultDisplay = %q, want the error text", resp.ResultDisplay)
	}

	if len(sink.toolCalls) != 1 {
		t.Fatalf("expected one tool call event, got %d", len(sink.toolCalls))
	}
	if sink.toolCalls[0].Success {
		t.Error("tool call event should not report success")
	}
}

func TestExecutor_StringResultWrapped(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&fakeTool{
		name: "greet",
		execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{LLMContent: "hello world", ReturnDisplay: "greeted"}, nil
		},
	})
	exec := NewToolCallExecutor(registry, nil)

	resp := exec.Execute(context.Background(), ToolCallRequest{CallID: "c1", Name: "greet"})
	if resp.Err != nil {
		t.Fatalf("Execute returned error: %v", resp.Err)
	}
	if resp.ResultDisplay != "greeted" {
		t.Errorf("ResultDisplay = %q, want greeted", resp.ResultDisplay)
	}

	part := functionResponse(t, resp)
	if got := part.Response["output"]; got != "hello world" {
		t.Errorf("output = %v, want hello world", got)
	}
}

func TestExecutor_StructuredResultPassedThrough(t *testing.T) {
	structured := map[string]any{"files": []any{"a.go", "b.go"}, "count": 2}
	registry := tools.NewRegistry()
	registry.Register(&fakeTool{
		name: "list",
		execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{LLMContent: structured}, nil
		},
	})
	exec := NewToolCallExecutor(registry, nil)

	resp := exec.Execute(context.Background(), ToolCallRequest{CallID: "c1", Name: "list"})
	part := functionResponse(t, resp)
	if !reflect.DeepEqual(part.Response, structured) {
		t.Errorf("response = %v, want %v", part.Response, structured)
	}
}

func TestExecutor_ToolErrorFoldedIntoResponse(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&fakeTool{
		name: "broken",
		execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return nil, errors.New("disk on fire")
		},
	})
	sink := &recordingSink{}
	exec := NewToolCallExecutor(registry, sink)

	resp := exec.Execute(context.Background(), ToolCallRequest{CallID: "c1", Name: "broken"})
	if resp.Err == nil || !strings.Contains(resp.Err.Error(), "disk on fire") {
		t.Fatalf("Err = %v, want the tool's error", resp.Err)
	}

	part := functionResponse(t, resp)
	if msg, _ := part.Response["error"].(string); msg != "disk on fire" {
		t.Errorf("error field = %v", part.Response["error"])
	}
	if resp.ResultDisplay != "disk on fire" {
		t.Errorf("ResultDisplay = %q, want disk on fire", resp.ResultDisplay)
	}
	if len(sink.toolCalls) != 1 || sink.toolCalls[0].Error != "disk on fire" {
		t.Errorf("tool call event = %+v", sink.toolCalls)
	}
}

func TestExecutor_ToolPanicRecovered(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&fakeTool{
		name: "panicky",
		execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			panic("boom")
		},
	})
	exec := NewToolCallExecutor(registry, nil)

	resp := exec.Execute(context.Background(), ToolCallRequest{CallID: "c1", Name: "panicky"})
	if resp.Err == nil || !strings.Contains(resp.Err.Error(), "boom") {
		t.Fatalf("Err = %v, want the recovered panic", resp.Err)
	}
	part := functionResponse(t, resp)
	if _, ok := part.Response["error"]; !ok {
		t.Errorf("expected an error field, got %v", part.Response)
	}
	if !strings.Contains(resp.ResultDisplay, "boom") {
		t.Errorf("ResultDisplay = %q, want the recovered panic", resp.ResultDisplay)
	}
}

func TestExecutor_PanickingSinkDoesNotBreakExecution(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&fakeTool{
		name: "ok",
		execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{LLMContent: "fine"}, nil
		},
	})
	exec := NewToolCallExecutor(registry, panickingSink{})

	resp := exec.Execute(context.Background(), ToolCallRequest{CallID: "c1", Name: "ok"})
	if resp.Err != nil {
		t.Fatalf("Execute returned error: %v", resp.Err)
	}
	part := functionResponse(t, resp)
	if got := part.Response["output"]; got != "fine" {
		t.Errorf("output = %v, want fine", got)
	}
}

func TestExecutor_LogsCallDetails(t *testing.T) {
	registry := tools.NewRegistry()
	registry.Register(&fakeTool{
		name: "echo",
		execute: func(ctx context.Context, args map[string]any) (*tools.Result, error) {
			return &tools.Result{LLMContent: args["value"]}, nil
		},
	})
	sink := &recordingSink{}
	exec := NewToolCallExecutor(registry, sink)

	args := map[string]any{"value": "x"}
	exec.Execute(context.Background(), ToolCallRequest{
		CallID:   "call-7",
		Name:     "echo",
		Args:     args,
		PromptID: "prompt-7",
	})

	if len(sink.toolCalls) != 1 {
		t.Fatalf("expected one tool call event, got %d", len(sink.toolCalls))
	}
	event := sink.toolCalls[0]
	if event.PromptID != "prompt-7" || event.CallID != "call-7" || event.Name != "echo" {
		t.Errorf("event identity = %+v", event)
	}
	if !event.Success || event.Error != "" {
		t.Errorf("event should report success, got %+v", event)
	}
	if !reflect.DeepEqual(event.Args, args) {
		t.Errorf("event args = %v, want %v", event.Args, args)
	}
	if event.DurationMs < 0 {
		t.Errorf("negative duration %d", event.DurationMs)
	}
}

func TestResponsePartsWrapping(t *testing.T) {
	req := ToolCallRequest{CallID: "c1", Name: "t"}

	tests := []struct {
		name       string
		llmContent any
		want       map[string]any
	}{
		{"nil", nil, map[string]any{"output": ""}},
		{"string", "text", map[string]any{"output": "text"}},
		{"map", map[string]any{"k": "v"}, map[string]any{"k": "v"}},
		{"number", 42, map[string]any{"output": 42}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts := responseParts(req, tt.llmContent)
			if len(parts) != 1 {
				t.Fatalf("expected one part, got %d", len(parts))
			}
			part := parts[0].(*llm.FunctionResponsePart)
			if !reflect.DeepEqual(part.Response, tt.want) {
				t.Errorf("response = %v, want %v", part.Response, tt.want)
			}
		})
	}
}
