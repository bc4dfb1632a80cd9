// Package telemetry reports orchestration events. The default sink writes
// through the application logger; callers treat every sink as fire-and-forget.
package telemetry

import (
	"encoding/json"

	"github.com/codefionn/agentloop/internal/logger"
)

// maxArgsLogged caps the rendered argument JSON in log lines.
const maxArgsLogged = 512

// APIRequest is emitted before each generate call.
type APIRequest struct {
	PromptID string
	Model    string
	Turn     int
	Contents int
}

// APIResponse is emitted after a successful generate call.
type APIResponse struct {
	PromptID     string
	Model        string
	DurationMs   int64
	InputTokens  int
	OutputTokens int
}

// APIError is emitted when a generate call fails after retries.
type APIError struct {
	PromptID   string
	Model      string
	Kind       string
	DurationMs int64
	Err        error
}

// ToolCall is emitted once per tool invocation, success or not.
type ToolCall struct {
	PromptID   string
	CallID     string
	Name       string
	Args       map[string]any
	DurationMs int64
	Success    bool
	Error      string
}

// LoopDetected is emitted when repetition aborts a prompt.
type LoopDetected struct {
	PromptID string
	Reason   string
}

// Sink receives orchestration events. Implementations should return quickly
// and must tolerate partially filled events.
type Sink interface {
	LogAPIRequest(e APIRequest)
	LogAPIResponse(e APIResponse)
	LogAPIError(e APIError)
	LogToolCall(e ToolCall)
	LogLoopDetected(e LoopDetected)
}

// LogSink writes every event through the application logger.
type LogSink struct{}

func (LogSink) LogAPIRequest(e APIRequest) {
	logger.Debug("api request: prompt=%s model=%s turn=%d contents=%d", e.PromptID, e.Model, e.Turn, e.Contents)
}

func (LogSink) LogAPIResponse(e APIResponse) {
	logger.Debug("api response: prompt=%s model=%s duration=%dms tokens=%d/%d",
		e.PromptID, e.Model, e.DurationMs, e.InputTokens, e.OutputTokens)
}

func (LogSink) LogAPIError(e APIError) {
	logger.Warn("api error: prompt=%s model=%s kind=%s duration=%dms: %v",
		e.PromptID, e.Model, e.Kind, e.DurationMs, e.Err)
}

func (LogSink) LogToolCall(e ToolCall) {
	logger.Info("tool call: prompt=%s call=%s tool=%s args=%s duration=%dms success=%t error=%q",
		e.PromptID, e.CallID, e.Name, renderArgs(e.Args), e.DurationMs, e.Success, e.Error)
}

func (LogSink) LogLoopDetected(e LoopDetected) {
	logger.Warn("loop detected: prompt=%s reason=%s", e.PromptID, e.Reason)
}

// NopSink discards every event.
type NopSink struct{}

func (NopSink) LogAPIRequest(APIRequest)     {}
func (NopSink) LogAPIResponse(APIResponse)   {}
func (NopSink) LogAPIError(APIError)         {}
func (NopSink) LogToolCall(ToolCall)         {}
func (NopSink) LogLoopDetected(LoopDetected) {}

func renderArgs(args map[string]any) string {
	if len(args) == 0 {
		return "{}"
	}
	payload, err := json.Marshal(args)
	if err != nil {
		return "{?}"
	}
	if len(payload) > maxArgsLogged {
		return string(payload[:maxArgsLogged]) + "..."
	}
	return string(payload)
}
