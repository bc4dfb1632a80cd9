package telemetry

import (
	"strings"
	"testing"
)

func TestRenderArgs(t *testing.T) {
	if got := renderArgs(nil); got != "{}" {
		t.Errorf("expected {} for nil args, got %s", got)
	}

	got := renderArgs(map[string]any{"path": "main.go"})
	if !strings.Contains(got, `"path":"main.go"`) {
		t.Errorf("unexpected rendering: %s", got)
	}

	huge := renderArgs(map[string]any{"content": strings.Repeat("x", 2*maxArgsLogged)})
	if len(huge) > maxArgsLogged+len("...") {
		t.Errorf("expected truncated rendering, got %d chars", len(huge))
	}
	if !strings.HasSuffix(huge, "...") {
		t.Error("expected truncation marker")
	}
}

func TestSinksAcceptEvents(t *testing.T) {
	// Both bundled sinks must accept empty events without blowing up.
	for _, sink := range []Sink{LogSink{}, NopSink{}} {
		sink.LogAPIRequest(APIRequest{})
		sink.LogAPIResponse(APIResponse{})
		sink.LogAPIError(APIError{})
		sink.LogToolCall(ToolCall{})
		sink.LogLoopDetected(LoopDetected{})
	}
}
