package orchestrator

import (
	"context"

	"github.com/codefionn/agentloop/internal/llm"
)

// streamBuffer is the event channel capacity. Forwarding only blocks once
// the consumer falls this far behind.
const streamBuffer = 64

// StreamEvent is one item forwarded to the consumer during a streaming
// submission. Exactly one field is set.
type StreamEvent struct {
	// Chunk is a streamed model response delta. It may carry text, thought
	// or function call parts.
	Chunk *llm.GenerateResponse
	// ToolResult reports one completed tool call.
	ToolResult *ToolCallResponse
}

// Stream is the consumer's view of one streaming submission. The consumer
// must drain Events or cancel the submission context; an abandoned stream
// keeps its turn running and blocks queued submissions.
type Stream struct {
	events chan StreamEvent
	done   chan struct{}
	err    error
}

func newStream() *Stream {
	return &Stream{
		events: make(chan StreamEvent, streamBuffer),
		done:   make(chan struct{}),
	}
}

// Events returns the event channel. It is closed when the turn finishes.
func (s *Stream) Events() <-chan StreamEvent {
	return s.events
}

// Wait blocks until the turn finishes and returns its terminal error:
// nil on a completed turn, the cause otherwise.
func (s *Stream) Wait() error {
	<-s.done
	return s.err
}

func (s *Stream) send(ctx context.Context, event StreamEvent) error {
	select {
	case s.events <- event:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// finish publishes the terminal error and closes the stream. The err write
// is ordered before the channel closes, so readers returning from Wait or a
// drained Events see it.
func (s *Stream) finish(err error) {
	s.err = err
	close(s.events)
	close(s.done)
}
