// Package orchestrator drives the agent loop: send the transcript to the
// model, run the tool calls it requests, feed the results back, and repeat
// until the model answers in plain text or a stop condition fires.
package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/codefionn/agentloop/internal/history"
	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/loopdetect"
	"github.com/codefionn/agentloop/internal/retry"
	"github.com/codefionn/agentloop/internal/store"
	"github.com/codefionn/agentloop/internal/telemetry"
	"github.com/codefionn/agentloop/internal/tokencount"
	"github.com/codefionn/agentloop/internal/tools"
)

// DefaultMaxTurns bounds the tool-call loop within one submission.
const DefaultMaxTurns = 100

// TurnState is where the controller currently is within a submission. The
// terminal state of the previous submission stays readable until the next
// one begins.
type TurnState int

const (
	StateIdle TurnState = iota
	StateSending
	StateStreaming
	StateAwaitingResponse
	StateProcessingToolCalls
	StateDone
	StateAborted
	StateErrored
)

// String returns a short name for the state.
func (s TurnState) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateSending:
		return "sending"
	case StateStreaming:
		return "streaming"
	case StateAwaitingResponse:
		return "awaiting_response"
	case StateProcessingToolCalls:
		return "processing_tool_calls"
	case StateDone:
		return "done"
	case StateAborted:
		return "aborted"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// Options configures a Controller. Zero values fall back to the defaults of
// the packages they tune.
type Options struct {
	// Model is the identifier sent with each generate call.
	Model string
	// FallbackModels are switched to, in order, under persistent rate
	// limiting. A model is never switched back to within the same retry
	// cycle once it has been fallen back from.
	FallbackModels []string

	SystemPrompt string
	// AuthType is passed through to the retry fallback handler.
	AuthType string

	// MaxTurns bounds the tool-call loop within one submission. Defaults
	// to DefaultMaxTurns.
	MaxTurns int

	Temperature float64
	MaxTokens   int

	// MaxAttempts, InitialDelay and MaxDelay tune the retry policy.
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration

	// ToolLoopThreshold and ContentLoopThreshold tune loop detection.
	ToolLoopThreshold    int
	ContentLoopThreshold int

	// Sink receives telemetry events. Nil disables telemetry.
	Sink telemetry.Sink

	// Store, when set, persists the transcript after every completed turn
	// under SessionID.
	Store *store.Store
	// SessionID names the persisted session. Defaults to a random id.
	SessionID string
}

// Controller runs the agent loop for one session. At most one submission is
// in flight at a time; concurrent SendMessage and SendMessageStream calls
// queue behind the running one. The transcript is owned by the controller
// and only ever handed out as a copy.
type Controller struct {
	generator llm.ContentGenerator
	registry  *tools.Registry
	executor  *ToolCallExecutor
	history   *history.ConversationHistory
	detector  *loopdetect.Detector
	sink      telemetry.Sink
	opts      Options
	sessionID string

	// sendMu serializes submissions.
	sendMu sync.Mutex

	mu    sync.Mutex
	state TurnState
	model string // current model, swapped by fallback
}

// emitFunc forwards one event to the streaming consumer.
type emitFunc func(StreamEvent) error

// replyResult is one model reply, assembled from however many chunks the
// backend produced.
type replyResult struct {
	model   string
	last    *llm.GenerateResponse
	outputs []*llm.Content
	calls   []*llm.FunctionCallPart
	usage   *llm.UsageMetadata
}

// NewController creates a controller over the given backend and tool
// registry.
func NewController(generator llm.ContentGenerator, registry *tools.Registry, opts Options) *Controller {
	sink := opts.Sink
	if sink == nil {
		sink = telemetry.NopSink{}
	}
	sessionID := opts.SessionID
	if sessionID == "" {
		sessionID = uuid.NewString()
	}
	return &Controller{
		generator: generator,
		registry:  registry,
		executor:  NewToolCallExecutor(registry, sink),
		history:   history.New(),
		detector:  loopdetect.NewWithThresholds(opts.ToolLoopThreshold, opts.ContentLoopThreshold),
		sink:      sink,
		opts:      opts,
		sessionID: sessionID,
		state:     StateIdle,
		model:     opts.Model,
	}
}

// SendMessage runs one blocking submission: the tool-call loop executes to
// completion and the final model response is returned. PromptID tags the
// submission in telemetry; empty gets a random id.
func (c *Controller) SendMessage(ctx context.Context, parts []llm.Part, promptID string) (*llm.GenerateResponse, error) {
	c.sendMu.Lock()
	defer c.sendMu.Unlock()
	return c.run(ctx, parts, promptID, nil, false)
}

// SendMessageStream runs one submission, forwarding model chunks and tool
// results to the returned stream as they happen. Chunk forwarding is never
// held up by transcript bookkeeping; by the time Wait returns, the
// transcript is complete.
func (c *Controller) SendMessageStream(ctx context.Context, parts []llm.Part, promptID string) *Stream {
	s := newStream()
	go func() {
		c.sendMu.Lock()
		defer c.sendMu.Unlock()
		_, err := c.run(ctx, parts, promptID, func(event StreamEvent) error {
			return s.send(ctx, event)
		}, true)
		s.finish(err)
	}()
	return s
}

// GetHistory returns a copy of the transcript: the curated replayable view
// when curated is true, everything recorded otherwise.
func (c *Controller) GetHistory(curated bool) []*llm.Content {
	return c.history.GetHistory(curated)
}

// AddHistory appends one entry to the transcript.
func (c *Controller) AddHistory(content *llm.Content) {
	c.history.Append(content)
}

// ClearHistory drops the transcript.
func (c *Controller) ClearHistory() {
	c.history.Clear()
}

// SetHistory replaces the transcript, e.g. when resuming a stored session.
func (c *Controller) SetHistory(contents []*llm.Content) {
	c.history.SetHistory(contents)
}

// State returns the current turn state.
func (c *Controller) State() TurnState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

// Model returns the model the next generate call will use. It differs from
// Options.Model after a fallback.
func (c *Controller) Model() string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.model
}

// SessionID returns the id the transcript is persisted under.
func (c *Controller) SessionID() string {
	return c.sessionID
}

// run executes one submission. The caller holds sendMu.
func (c *Controller) run(ctx context.Context, parts []llm.Part, promptID string, emit emitFunc, streaming bool) (*llm.GenerateResponse, error) {
	if promptID == "" {
		promptID = uuid.NewString()
	}
	c.detector.Reset()

	// recording tracks the decoupled transcript write of the previous
	// reply. It must land before the next generate call reads the curated
	// history, and before the submission returns.
	var recording sync.WaitGroup
	defer recording.Wait()

	pending := llm.NewUserContent(parts...)
	maxTurns := c.opts.MaxTurns
	if maxTurns <= 0 {
		maxTurns = DefaultMaxTurns
	}

	var final *llm.GenerateResponse
	for turn := 1; ; turn++ {
		if turn > maxTurns {
			logger.Warn("turn limit %d reached for prompt %s", maxTurns, promptID)
			c.setState(StateDone)
			return final, nil
		}
		if err := ctx.Err(); err != nil {
			c.setState(StateAborted)
			return final, err
		}
		recording.Wait()

		c.setState(StateSending)
		result, err := c.generate(ctx, pending, promptID, turn, emit, streaming)
		if err != nil {
			return final, c.failTurn(promptID, err)
		}
		final = result.last

		userInput := pending
		outputs := result.outputs
		recording.Add(1)
		go func() {
			defer recording.Done()
			c.recordTurn(userInput, outputs)
		}()

		if len(result.calls) == 0 {
			c.setState(StateDone)
			return final, nil
		}

		c.setState(StateProcessingToolCalls)
		responses, err := c.executeCalls(ctx, result.calls, promptID, emit)
		if err != nil {
			c.setState(StateAborted)
			return final, err
		}
		pending = llm.NewUserContent(responses...)
	}
}

// generate runs one model call under the retry policy and assembles the
// reply. Persistent rate limiting may swap the model for the next attempt;
// the swap survives the turn, so later turns keep using the fallback.
func (c *Controller) generate(ctx context.Context, pending *llm.Content, promptID string, turn int, emit emitFunc, streaming bool) (*replyResult, error) {
	burned := make(map[string]bool)
	var forwarded atomic.Bool

	opts := retry.Options{
		MaxAttempts:  c.opts.MaxAttempts,
		InitialDelay: c.opts.InitialDelay,
		MaxDelay:     c.opts.MaxDelay,
		AuthType:     c.opts.AuthType,
		OnPersistent429: func(string, error) string {
			return c.fallbackModel(burned)
		},
		// Once a chunk has been forwarded the consumer has seen partial
		// output; retrying would replay it.
		ShouldRetry: func(err error) bool {
			if forwarded.Load() {
				return false
			}
			return retry.DefaultShouldRetry(err)
		},
	}

	start := time.Now()
	result, err := retry.Do(ctx, opts, func(ctx context.Context) (*replyResult, error) {
		return c.attempt(ctx, pending, promptID, turn, emit, streaming, &forwarded)
	})
	elapsed := time.Since(start)
	if err != nil {
		var loopErr *llm.LoopDetectedError
		if !errors.As(err, &loopErr) && llm.Classify(err) != llm.KindAborted {
			c.logAPIError(promptID, elapsed, err)
		}
		return nil, err
	}
	c.logAPIResponse(promptID, elapsed, result)
	return result, nil
}

// attempt is one generate call. The request is rebuilt every attempt so a
// model fallback takes effect immediately.
func (c *Controller) attempt(ctx context.Context, pending *llm.Content, promptID string, turn int, emit emitFunc, streaming bool, forwarded *atomic.Bool) (*replyResult, error) {
	req := c.buildRequest(pending)
	c.logAPIRequest(req, promptID, turn)

	collector := &replyCollector{}
	if !streaming {
		c.setState(StateAwaitingResponse)
		resp, err := c.generator.GenerateContent(ctx, req)
		if err != nil {
			return nil, err
		}
		if c.checkLoop(resp) {
			return nil, &llm.LoopDetectedError{Reason: c.detector.Reason()}
		}
		collector.add(resp)
		if c.detector.Flush() {
			return nil, &llm.LoopDetectedError{Reason: c.detector.Reason()}
		}
		return collector.result(req), nil
	}

	c.setState(StateStreaming)
	err := c.generator.GenerateContentStream(ctx, req, func(chunk *llm.GenerateResponse) error {
		if err := ctx.Err(); err != nil {
			return err
		}
		if c.checkLoop(chunk) {
			return &llm.LoopDetectedError{Reason: c.detector.Reason()}
		}
		collector.add(chunk)
		if emit != nil {
			forwarded.Store(true)
			return emit(StreamEvent{Chunk: chunk})
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	// The reply is complete, so text still buffered in the detector forms
	// the final sentences.
	if c.detector.Flush() {
		return nil, &llm.LoopDetectedError{Reason: c.detector.Reason()}
	}
	return collector.result(req), nil
}

// checkLoop feeds the chunk's tool calls and text to the loop detector and
// reports whether it tripped. Thought and usage-only chunks are skipped:
// they carry no activity worth tracking and must not reset the tool-call
// counter between replies.
func (c *Controller) checkLoop(chunk *llm.GenerateResponse) bool {
	content := chunk.First()
	if content == nil {
		return false
	}
	for _, p := range content.Parts {
		switch v := p.(type) {
		case *llm.FunctionCallPart:
			if v != nil && c.detector.AddAndCheck(&loopdetect.ToolCallEvent{Name: v.Name, Args: v.Args}) {
				return true
			}
		case *llm.TextPart:
			if v != nil && v.Text != "" && c.detector.AddAndCheck(&loopdetect.ContentEvent{Text: v.Text}) {
				return true
			}
		}
	}
	return false
}

// executeCalls runs the reply's tool calls sequentially in request order and
// gathers their function responses, which the caller sends back as a single
// user entry. Cancellation stops before the next call starts; running tools
// observe the context themselves.
func (c *Controller) executeCalls(ctx context.Context, calls []*llm.FunctionCallPart, promptID string, emit emitFunc) ([]llm.Part, error) {
	parts := make([]llm.Part, 0, len(calls))
	for _, call := range calls {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		response := c.executor.Execute(ctx, ToolCallRequest{
			CallID:   call.ID,
			Name:     call.Name,
			Args:     call.Args,
			PromptID: promptID,
		})
		if emit != nil {
			if err := emit(StreamEvent{ToolResult: &response}); err != nil {
				return nil, err
			}
		}
		parts = append(parts, response.ResponseParts...)
	}
	return parts, nil
}

// fallbackModel switches to the next fallback model and returns it, or ""
// when none is left. Models already fallen back from in this retry cycle
// are never reused.
func (c *Controller) fallbackModel(burned map[string]bool) string {
	c.mu.Lock()
	defer c.mu.Unlock()
	burned[c.model] = true
	for _, m := range c.opts.FallbackModels {
		if !burned[m] {
			logger.Info("switching from model %s to fallback %s", c.model, m)
			c.model = m
			return m
		}
	}
	return ""
}

func (c *Controller) buildRequest(pending *llm.Content) *llm.GenerateRequest {
	contents := c.history.GetHistory(true)
	contents = append(contents, pending)
	return &llm.GenerateRequest{
		Model:        c.Model(),
		SystemPrompt: c.opts.SystemPrompt,
		Contents:     contents,
		Tools:        c.registry.FunctionDeclarations(),
		Temperature:  c.opts.Temperature,
		MaxTokens:    c.opts.MaxTokens,
	}
}

// recordTurn writes one completed exchange to the transcript and persists
// it. Persistence failures are logged, never surfaced.
func (c *Controller) recordTurn(userInput *llm.Content, outputs []*llm.Content) {
	c.history.RecordTurn(userInput, outputs, nil)
	if c.opts.Store == nil {
		return
	}
	if err := c.opts.Store.SaveTurn(c.sessionID, c.history.GetHistory(false)); err != nil {
		logger.Warn("persisting session %s failed: %v", c.sessionID, err)
	}
}

// failTurn maps a terminal error onto the closing state and telemetry.
func (c *Controller) failTurn(promptID string, err error) error {
	var loopErr *llm.LoopDetectedError
	switch {
	case errors.As(err, &loopErr):
		c.logLoopDetected(promptID, loopErr.Reason)
		c.setState(StateAborted)
	case llm.Classify(err) == llm.KindAborted:
		c.setState(StateAborted)
	default:
		c.setState(StateErrored)
	}
	return err
}

func (c *Controller) setState(state TurnState) {
	c.mu.Lock()
	c.state = state
	c.mu.Unlock()
}

func (c *Controller) logAPIRequest(req *llm.GenerateRequest, promptID string, turn int) {
	logEvent(func() {
		c.sink.LogAPIRequest(telemetry.APIRequest{
			PromptID: promptID,
			Model:    req.Model,
			Turn:     turn,
			Contents: len(req.Contents),
		})
	})
}

func (c *Controller) logAPIResponse(promptID string, elapsed time.Duration, result *replyResult) {
	logEvent(func() {
		event := telemetry.APIResponse{
			PromptID:   promptID,
			Model:      result.model,
			DurationMs: elapsed.Milliseconds(),
		}
		if result.usage != nil {
			event.InputTokens = result.usage.PromptTokens
			event.OutputTokens = result.usage.ResponseTokens
		}
		c.sink.LogAPIResponse(event)
	})
}

func (c *Controller) logAPIError(promptID string, elapsed time.Duration, err error) {
	logEvent(func() {
		c.sink.LogAPIError(telemetry.APIError{
			PromptID:   promptID,
			Model:      c.Model(),
			Kind:       llm.Classify(err).String(),
			DurationMs: elapsed.Milliseconds(),
			Err:        err,
		})
	})
}

func (c *Controller) logLoopDetected(promptID, reason string) {
	logEvent(func() {
		c.sink.LogLoopDetected(telemetry.LoopDetected{PromptID: promptID, Reason: reason})
	})
}

// replyCollector assembles a reply from stream chunks. Function calls get an
// id here when the backend omitted one, before anything else can observe
// the part, so transcript and tool responses agree on it.
type replyCollector struct {
	last    *llm.GenerateResponse
	outputs []*llm.Content
	calls   []*llm.FunctionCallPart
	usage   *llm.UsageMetadata
}

func (rc *replyCollector) add(chunk *llm.GenerateResponse) {
	if chunk == nil {
		return
	}
	rc.last = chunk
	if chunk.Usage != nil {
		rc.usage = chunk.Usage
	}
	content := chunk.First()
	if content == nil {
		return
	}
	for _, call := range content.FunctionCalls() {
		if call.ID == "" {
			call.ID = uuid.NewString()
		}
		rc.calls = append(rc.calls, call)
	}
	// The transcript write runs concurrently with the consumer reading the
	// forwarded chunk and may merge entries in place, so it gets its own
	// copy.
	rc.outputs = append(rc.outputs, content.Clone())
}

// result finalizes the reply, estimating usage locally when the backend did
// not report any.
func (rc *replyCollector) result(req *llm.GenerateRequest) *replyResult {
	usage := rc.usage
	if usage == nil {
		reply := &llm.Content{Role: llm.RoleModel}
		for _, out := range rc.outputs {
			reply.Parts = append(reply.Parts, out.Parts...)
		}
		usage = tokencount.EstimateUsage(req.Model, req.SystemPrompt, req.Contents, reply)
	}
	return &replyResult{
		model:   req.Model,
		last:    rc.last,
		outputs: rc.outputs,
		calls:   rc.calls,
		usage:   usage,
	}
}
