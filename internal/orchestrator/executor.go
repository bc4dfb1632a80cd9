package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/telemetry"
	"github.com/codefionn/agentloop/internal/tools"
)

// ToolCallRequest identifies one model-requested tool invocation.
type ToolCallRequest struct {
	CallID   string
	Name     string
	Args     map[string]any
	PromptID string
}

// ToolCallResponse is the outcome of one tool call. ResponseParts always
// carries a function response the model can read, error or not; Err is set
// in addition so the caller can render the failure.
type ToolCallResponse struct {
	CallID        string
	ResponseParts []llm.Part
	ResultDisplay string
	Err           error
}

// ToolCallExecutor resolves tool calls against a registry and converts every
// outcome into a response the model can consume. Failures, a missing tool
// and a panicking tool included, are folded into the response instead of
// propagating, so the model can see what went wrong and self-correct.
type ToolCallExecutor struct {
	registry *tools.Registry
	sink     telemetry.Sink
}

// NewToolCallExecutor creates an executor over the given registry. A nil
// sink disables telemetry.
func NewToolCallExecutor(registry *tools.Registry, sink telemetry.Sink) *ToolCallExecutor {
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	return &ToolCallExecutor{registry: registry, sink: sink}
}

// Execute runs one tool call. It never returns an error and never panics;
// every call is reported to the telemetry sink regardless of outcome.
func (e *ToolCallExecutor) Execute(ctx context.Context, req ToolCallRequest) ToolCallResponse {
	start := time.Now()

	tool, ok := e.registry.Get(req.Name)
	if !ok {
		err := fmt.Errorf("tool not found: %s", req.Name)
		logger.Warn("tool call %s: %v", req.CallID, err)
		e.logToolCall(req, time.Since(start), err)
		return errorResponse(req, err)
	}

	result, err := runTool(ctx, tool, req.Args)
	e.logToolCall(req, time.Since(start), err)
	if err != nil {
		logger.Warn("tool %s failed: %v", req.Name, err)
		return errorResponse(req, err)
	}

	return ToolCallResponse{
		CallID:        req.CallID,
		ResponseParts: responseParts(req, result.LLMContent),
		ResultDisplay: result.ReturnDisplay,
	}
}

// runTool invokes the tool and converts a panic into an error so one
// misbehaving tool cannot take down the turn.
func runTool(ctx context.Context, tool tools.Tool, args map[string]any) (result *tools.Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("tool panicked: %v", r)
		}
	}()

	result, err = tool.Execute(ctx, args)
	if err != nil {
		return nil, err
	}
	if result == nil {
		result = &tools.Result{}
	}
	return result, nil
}

func errorResponse(req ToolCallRequest, err error) ToolCallResponse {
	return ToolCallResponse{
		CallID: req.CallID,
		ResponseParts: []llm.Part{&llm.FunctionResponsePart{
			ID:       req.CallID,
			Name:     req.Name,
			Response: map[string]any{"error": err.Error()},
		}},
		ResultDisplay: err.Error(),
		Err:           err,
	}
}

// responseParts wraps a tool's content into function response parts. A plain
// string becomes an output field, a map passes through as the response
// object, anything else is wrapped under output as-is.
func responseParts(req ToolCallRequest, llmContent any) []llm.Part {
	var response map[string]any
	switch v := llmContent.(type) {
	case nil:
		response = map[string]any{"output": ""}
	case string:
		response = map[string]any{"output": v}
	case map[string]any:
		response = v
	default:
		response = map[string]any{"output": v}
	}
	return []llm.Part{&llm.FunctionResponsePart{
		ID:       req.CallID,
		Name:     req.Name,
		Response: response,
	}}
}

func (e *ToolCallExecutor) logToolCall(req ToolCallRequest, elapsed time.Duration, callErr error) {
	event := telemetry.ToolCall{
		PromptID:   req.PromptID,
		CallID:     req.CallID,
		Name:       req.Name,
		Args:       req.Args,
		DurationMs: elapsed.Milliseconds(),
		Success:    callErr == nil,
	}
	if callErr != nil {
		event.Error = callErr.Error()
	}
	logEvent(func() { e.sink.LogToolCall(event) })
}

// logEvent delivers one telemetry event. Telemetry must never affect control
// flow, so a panicking sink is contained here.
func logEvent(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			logger.Error("telemetry sink panicked: %v", r)
		}
	}()
	fn()
}
