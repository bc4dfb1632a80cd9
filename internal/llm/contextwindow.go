package llm

import "strings"

const defaultContextWindow = 128_000

// ContextWindow returns the approximate context window of a model in tokens.
// Unknown models get a conservative default.
func ContextWindow(model string) int {
	id := strings.ToLower(strings.TrimSpace(model))
	switch {
	case strings.Contains(id, "gemini-1.5-pro"):
		return 2_000_000
	case strings.Contains(id, "gemini"):
		return 1_000_000
	case strings.Contains(id, "claude"):
		return 200_000
	case strings.Contains(id, "o3"), strings.Contains(id, "o4-mini"):
		return 200_000
	case strings.Contains(id, "gpt-5"), strings.Contains(id, "gpt-4.1"), strings.Contains(id, "gpt-4o"):
		return 128_000
	case strings.Contains(id, "gpt-4"):
		return 8_192
	case strings.Contains(id, "gpt-3.5"):
		return 16_384
	}
	return defaultContextWindow
}
