package llm

import (
	"context"
	"fmt"
	"strings"
)

// NewGenerator creates a ContentGenerator for the named provider.
func NewGenerator(ctx context.Context, provider, apiKey, model string) (ContentGenerator, error) {
	switch strings.ToLower(strings.TrimSpace(provider)) {
	case "google", "gemini":
		return NewGoogleGenerator(ctx, apiKey, model)
	case "anthropic", "claude":
		return NewAnthropicGenerator(apiKey, model)
	case "openai":
		return NewOpenAIGenerator(apiKey, model)
	default:
		return nil, fmt.Errorf("unknown provider: %s", provider)
	}
}
