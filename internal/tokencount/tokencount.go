// Package tokencount estimates token usage when a backend response omits
// usage metadata. Counts come from tiktoken when an encoding is available
// and fall back to a rune heuristic otherwise, so results are estimates,
// never billing-exact.
package tokencount

import (
	"encoding/json"
	"unicode/utf8"

	"github.com/pkoukk/tiktoken-go"

	"github.com/codefionn/agentloop/internal/llm"
)

const (
	systemMessageOverhead = 2
	perContentOverhead    = 4
	inlineDataOverhead    = 256
)

// EstimateText returns the estimated token count of a string and whether the
// estimate used the rune heuristic or a non-model fallback encoding.
func EstimateText(model, text string) (int, bool) {
	encoder, approx := encodingForModel(model)
	return tokenCount(encoder, text), approx
}

// EstimateContents returns the estimated token total for a content sequence.
func EstimateContents(model string, contents []*llm.Content) (int, bool) {
	encoder, approx := encodingForModel(model)

	total := 0
	for _, content := range contents {
		total += contentTokens(encoder, content)
	}
	return total, approx
}

// EstimateUsage builds usage metadata for one exchange: the prompt contents
// plus the model reply. The result is always marked Estimated.
func EstimateUsage(model, systemPrompt string, prompt []*llm.Content, reply *llm.Content) *llm.UsageMetadata {
	encoder, _ := encodingForModel(model)

	promptTokens := tokenCount(encoder, systemPrompt)
	if systemPrompt != "" {
		promptTokens += systemMessageOverhead
	}
	for _, content := range prompt {
		promptTokens += contentTokens(encoder, content)
	}

	responseTokens := contentTokens(encoder, reply)

	return &llm.UsageMetadata{
		PromptTokens:   promptTokens,
		ResponseTokens: responseTokens,
		TotalTokens:    promptTokens + responseTokens,
		Estimated:      true,
	}
}

func contentTokens(encoder *tiktoken.Tiktoken, content *llm.Content) int {
	if content == nil || len(content.Parts) == 0 {
		return 0
	}

	tokens := perContentOverhead
	for _, part := range content.Parts {
		switch v := part.(type) {
		case *llm.TextPart:
			if v != nil {
				tokens += tokenCount(encoder, v.Text)
			}
		case *llm.ThoughtPart:
			if v != nil {
				tokens += tokenCount(encoder, v.Text)
			}
		case *llm.FunctionCallPart:
			if v != nil {
				tokens += tokenCount(encoder, v.Name)
				if data, err := json.Marshal(v.Args); err == nil {
					tokens += tokenCount(encoder, string(data))
				}
			}
		case *llm.FunctionResponsePart:
			if v != nil {
				tokens += tokenCount(encoder, v.Name)
				if data, err := json.Marshal(v.Response); err == nil {
					tokens += tokenCount(encoder, string(data))
				}
			}
		case *llm.InlineDataPart:
			if v != nil {
				tokens += inlineDataOverhead
			}
		}
	}
	return tokens
}

func encodingForModel(model string) (*tiktoken.Tiktoken, bool) {
	encoder, err := tiktoken.EncodingForModel(model)
	if err == nil {
		return encoder, false
	}

	fallback, err := tiktoken.GetEncoding("cl100k_base")
	if err != nil {
		return nil, true
	}
	return fallback, true
}

func tokenCount(encoder *tiktoken.Tiktoken, text string) int {
	if text == "" {
		return 0
	}

	if encoder != nil {
		return len(encoder.Encode(text, nil, nil))
	}

	runes := utf8.RuneCountInString(text)
	if runes == 0 {
		return 0
	}

	// Rough heuristic: 1 token per 4 characters.
	return (runes + 3) / 4
}
