// Package compact shrinks a long conversation by replacing its oldest
// entries with a model-written summary, keeping the most recent exchanges
// verbatim.
package compact

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/codefionn/agentloop/internal/llm"
	"github.com/codefionn/agentloop/internal/logger"
	"github.com/codefionn/agentloop/internal/tokencount"
)

const (
	defaultTokenThreshold   = 0.7
	defaultPreserveFraction = 0.3
	defaultTimeout          = 60 * time.Second

	summaryAck = "Understood. I will continue from this summary."
)

// Compactor rewrites the head of a conversation into a summary once the
// transcript approaches the model's context window.
type Compactor struct {
	generator llm.ContentGenerator
	model     string

	// TokenThreshold is the fraction of the context window at which the
	// conversation counts as too large.
	TokenThreshold float64
	// PreserveFraction is the share of recent entries kept verbatim.
	PreserveFraction float64
	// ContextWindow overrides the detected window size in tokens.
	ContextWindow int
	// ChunkTokens caps the size of a single summarization request. Zero
	// uses the compaction threshold.
	ChunkTokens int
	// Timeout bounds each summarization request.
	Timeout time.Duration
}

// New creates a Compactor with the default thresholds.
func New(generator llm.ContentGenerator, model string) *Compactor {
	return &Compactor{
		generator:        generator,
		model:            model,
		TokenThreshold:   defaultTokenThreshold,
		PreserveFraction: defaultPreserveFraction,
		Timeout:          defaultTimeout,
	}
}

// Result describes one compaction pass.
type Result struct {
	Compacted    bool
	History      []*llm.Content
	TokensBefore int
	TokensAfter  int
}

// NeedsCompaction reports whether the conversation has grown past the
// configured share of the context window.
func (c *Compactor) NeedsCompaction(systemPrompt string, history []*llm.Content) bool {
	if len(history) == 0 {
		return false
	}
	usage := tokencount.EstimateUsage(c.model, systemPrompt, history, nil)
	return float64(usage.TotalTokens) >= c.threshold()
}

// Compact summarizes the oldest entries and returns the shortened history:
// a user entry carrying the summary, a model acknowledgement and the
// preserved tail. The caller decides when to compact, typically via
// NeedsCompaction.
func (c *Compactor) Compact(ctx context.Context, systemPrompt string, history []*llm.Content) (*Result, error) {
	before := tokencount.EstimateUsage(c.model, systemPrompt, history, nil).TotalTokens
	result := &Result{History: history, TokensBefore: before, TokensAfter: before}
	if len(history) == 0 {
		return result, nil
	}

	split := c.splitIndex(history)
	head, tail := history[:split], history[split:]

	summary, err := c.summarize(ctx, renderTranscript(head))
	if err != nil {
		return nil, err
	}

	compacted := make([]*llm.Content, 0, len(tail)+2)
	compacted = append(compacted,
		llm.NewUserText("Summary of the conversation so far:\n\n"+summary),
		llm.NewModelContent(&llm.TextPart{Text: summaryAck}),
	)
	compacted = append(compacted, llm.CloneContents(tail)...)

	result.Compacted = true
	result.History = compacted
	result.TokensAfter = tokencount.EstimateUsage(c.model, systemPrompt, compacted, nil).TotalTokens
	logger.Info("compact: history %d -> %d entries, ~%d -> ~%d tokens",
		len(history), len(compacted), before, result.TokensAfter)
	return result, nil
}

func (c *Compactor) threshold() float64 {
	fraction := c.TokenThreshold
	if fraction <= 0 || fraction > 1 {
		fraction = defaultTokenThreshold
	}
	window := c.ContextWindow
	if window <= 0 {
		window = llm.ContextWindow(c.model)
	}
	return fraction * float64(window)
}

// splitIndex picks where the preserved tail starts. The tail must begin at a
// plain user entry, a function response cannot be separated from the call
// that produced it. When no such entry exists in the preserve zone the whole
// conversation is summarized.
func (c *Compactor) splitIndex(history []*llm.Content) int {
	preserve := c.PreserveFraction
	if preserve <= 0 || preserve >= 1 {
		preserve = defaultPreserveFraction
	}
	split := len(history) - int(float64(len(history))*preserve)
	if split < 1 {
		split = 1
	}
	for split < len(history) && !startsNewExchange(history[split]) {
		split++
	}
	return split
}

func startsNewExchange(content *llm.Content) bool {
	if content == nil || content.Role != llm.RoleUser || len(content.Parts) == 0 {
		return false
	}
	for _, part := range content.Parts {
		if _, ok := part.(*llm.FunctionResponsePart); ok {
			return false
		}
	}
	return true
}

// summarize condenses the transcript, splitting it into chunks when it is
// too large for a single request and gluing the partial summaries together.
func (c *Compactor) summarize(ctx context.Context, transcript string) (string, error) {
	budget := c.ChunkTokens
	if budget <= 0 {
		budget = int(c.threshold())
	}
	chunks := splitIntoChunks(transcript, budget)
	if len(chunks) == 1 {
		return c.complete(ctx, summaryPrompt(chunks[0], 0, 0))
	}

	partials := make([]string, 0, len(chunks))
	for i, chunk := range chunks {
		partial, err := c.complete(ctx, summaryPrompt(chunk, i+1, len(chunks)))
		if err != nil {
			return "", fmt.Errorf("summarize part %d of %d: %w", i+1, len(chunks), err)
		}
		partials = append(partials, partial)
	}

	joined := strings.Join(partials, "\n\n---\n\n")
	combined, err := c.complete(ctx, combinePrompt(joined))
	if err != nil {
		logger.Debug("compact: combining partial summaries failed, keeping them joined: %v", err)
		return joined, nil
	}
	return combined, nil
}

func (c *Compactor) complete(ctx context.Context, prompt string) (string, error) {
	timeout := c.Timeout
	if timeout <= 0 {
		timeout = defaultTimeout
	}
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	resp, err := c.generator.GenerateContent(ctx, &llm.GenerateRequest{
		Model:    c.model,
		Contents: []*llm.Content{llm.NewUserText(prompt)},
	})
	if err != nil {
		return "", err
	}
	text := strings.TrimSpace(resp.Text())
	if text == "" {
		return "", errors.New("model returned an empty summary")
	}
	return text, nil
}

func summaryPrompt(transcript string, part, total int) string {
	var sb strings.Builder
	sb.WriteString("Summarize this coding assistant conversation")
	if total > 1 {
		fmt.Fprintf(&sb, " (part %d of %d)", part, total)
	}
	sb.WriteString(". Keep every detail needed to continue the work: the user's goals, ")
	sb.WriteString("decisions made, files created or modified, commands run with their ")
	sb.WriteString("outcomes, and anything still unfinished.\n\n")
	sb.WriteString(transcript)
	return sb.String()
}

func combinePrompt(partials string) string {
	return "Combine these partial summaries of one coding assistant conversation " +
		"into a single coherent summary. Keep the user's goals, decisions made, " +
		"file changes, command outcomes and open work.\n\n" + partials
}

// renderTranscript flattens conversation entries into plain text for the
// summarization prompt.
func renderTranscript(contents []*llm.Content) string {
	var sb strings.Builder
	for _, content := range contents {
		if content == nil {
			continue
		}
		for _, part := range content.Parts {
			switch p := part.(type) {
			case *llm.TextPart:
				fmt.Fprintf(&sb, "%s: %s\n", content.Role, p.Text)
			case *llm.FunctionCallPart:
				fmt.Fprintf(&sb, "%s called %s(%s)\n", content.Role, p.Name, compactJSON(p.Args))
			case *llm.FunctionResponsePart:
				fmt.Fprintf(&sb, "%s returned %s\n", p.Name, compactJSON(p.Response))
			}
		}
	}
	return sb.String()
}

func compactJSON(v map[string]any) string {
	data, err := json.Marshal(v)
	if err != nil {
		return "{}"
	}
	const limit = 200
	runes := []rune(string(data))
	if len(runes) > limit {
		return string(runes[:limit]) + "..."
	}
	return string(data)
}

func estimateTokens(text string) int {
	return (len([]rune(text)) + 3) / 4
}

// splitIntoChunks cuts text into pieces of at most tokenBudget estimated
// tokens, preferring line boundaries near the cut.
func splitIntoChunks(text string, tokenBudget int) []string {
	if tokenBudget <= 0 || estimateTokens(text) <= tokenBudget {
		return []string{text}
	}

	runes := []rune(text)
	chunkSize := tokenBudget * 4
	var chunks []string
	for len(runes) > 0 {
		if len(runes) <= chunkSize {
			chunks = append(chunks, string(runes))
			break
		}
		split := chunkSize
		for i := chunkSize; i > chunkSize-200 && i > 0; i-- {
			if runes[i] == '\n' {
				split = i + 1
				break
			}
		}
		chunks = append(chunks, string(runes[:split]))
		runes = runes[split:]
	}
	return chunks
}
