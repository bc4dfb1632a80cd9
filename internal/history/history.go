// Package history stores the session transcript and derives the curated
// view that is safe to replay to the model.
package history

import (
	"sync"

	"github.com/codefionn/agentloop/internal/llm"
)

// ConversationHistory holds one session's transcript. The comprehensive view
// keeps every entry that was recorded; the curated view drops model runs
// that cannot be replayed, together with the prompt that produced them.
type ConversationHistory struct {
	mu       sync.RWMutex
	contents []*llm.Content
}

// New creates an empty history.
func New() *ConversationHistory {
	return &ConversationHistory{}
}

// Append adds one entry to the comprehensive history.
func (h *ConversationHistory) Append(content *llm.Content) {
	if content == nil {
		return
	}
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contents = append(h.contents, content)
}

// GetHistory returns a deep copy of the transcript, curated or
// comprehensive. Mutating the returned slice or its contents never affects
// the stored history.
func (h *ConversationHistory) GetHistory(curated bool) []*llm.Content {
	h.mu.RLock()
	defer h.mu.RUnlock()
	if curated {
		return llm.CloneContents(curate(h.contents))
	}
	return llm.CloneContents(h.contents)
}

// Len returns the number of comprehensive entries.
func (h *ConversationHistory) Len() int {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return len(h.contents)
}

// Clear drops the whole transcript.
func (h *ConversationHistory) Clear() {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contents = nil
}

// SetHistory replaces the transcript. The input is deep-copied and thought
// parts are removed, matching what RecordTurn would have persisted.
func (h *ConversationHistory) SetHistory(contents []*llm.Content) {
	h.mu.Lock()
	defer h.mu.Unlock()
	h.contents = stripThoughtContents(llm.CloneContents(contents))
}

// RecordTurn appends one completed exchange: the user input, then the model
// outputs. Thought parts are never persisted. When the backend supplied its
// own transcript of automatic function calling, that transcript is
// authoritative and replaces the locally tracked user input. Adjacent
// plain-text model outputs are merged, within the batch and against the
// previous last entry, so a reply split across stream chunks lands as a
// single entry.
func (h *ConversationHistory) RecordTurn(userInput *llm.Content, modelOutputs []*llm.Content, autoFunctionCallHistory []*llm.Content) {
	h.mu.Lock()
	defer h.mu.Unlock()

	outputs := stripThoughtContents(modelOutputs)

	fromTranscript := len(autoFunctionCallHistory) > 0
	pushedUser := false
	if fromTranscript {
		h.contents = append(h.contents, llm.CloneContents(curate(autoFunctionCallHistory))...)
	} else if userInput != nil {
		h.contents = append(h.contents, userInput)
		pushedUser = true
	}

	outputs = mergeTextRuns(outputs)
	if len(outputs) == 0 {
		if pushedUser {
			// Record the empty reply so the transcript keeps
			// alternating; curation drops it together with the
			// prompt.
			h.contents = append(h.contents, &llm.Content{Role: llm.RoleModel})
		}
		return
	}

	if !fromTranscript {
		if n := len(h.contents); n > 0 && canMergeText(h.contents[n-1], outputs[0]) {
			mergeInto(h.contents[n-1], outputs[0])
			outputs = outputs[1:]
		}
	}
	h.contents = append(h.contents, outputs...)
}

// stripThoughtContents removes thought parts from each entry. Entries that
// carried nothing but thoughts are dropped; entries that were already empty
// stay, so an empty model reply remains visible to curation.
func stripThoughtContents(contents []*llm.Content) []*llm.Content {
	out := make([]*llm.Content, 0, len(contents))
	for _, c := range contents {
		if c == nil {
			continue
		}
		if len(c.Parts) == 0 {
			out = append(out, c)
			continue
		}
		if stripped := c.StripThoughts(); stripped != nil {
			out = append(out, stripped)
		}
	}
	return out
}

// curate derives the replayable view. User entries pass through; a run of
// consecutive model entries survives only when every entry in it is valid,
// otherwise the whole run is dropped along with the user turn that prompted
// it.
func curate(contents []*llm.Content) []*llm.Content {
	var curated []*llm.Content
	i := 0
	for i < len(contents) {
		c := contents[i]
		if c == nil {
			i++
			continue
		}
		if c.Role != llm.RoleModel {
			curated = append(curated, c)
			i++
			continue
		}
		start := i
		valid := true
		for i < len(contents) && contents[i] != nil && contents[i].Role == llm.RoleModel {
			if !contents[i].Valid() {
				valid = false
			}
			i++
		}
		if valid {
			curated = append(curated, contents[start:i]...)
		} else if n := len(curated); n > 0 && curated[n-1].Role == llm.RoleUser {
			// A prompt whose answer cannot be replayed must not be
			// replayed either.
			curated = curated[:n-1]
		}
	}
	return curated
}

// mergeTextRuns joins adjacent plain-text model entries in a batch.
func mergeTextRuns(contents []*llm.Content) []*llm.Content {
	var out []*llm.Content
	for _, c := range contents {
		if n := len(out); n > 0 && canMergeText(out[n-1], c) {
			mergeInto(out[n-1], c)
			continue
		}
		out = append(out, c)
	}
	return out
}

// isTextContent reports whether the entry is a model content led by a text
// part.
func isTextContent(c *llm.Content) bool {
	if c == nil || c.Role != llm.RoleModel || len(c.Parts) == 0 {
		return false
	}
	text, ok := c.Parts[0].(*llm.TextPart)
	return ok && text != nil
}

func canMergeText(dst, src *llm.Content) bool {
	return isTextContent(dst) && isTextContent(src)
}

// mergeInto concatenates src's leading text into dst's leading text part and
// carries over the trailing parts.
func mergeInto(dst, src *llm.Content) {
	dst.Parts[0].(*llm.TextPart).Text += src.Parts[0].(*llm.TextPart).Text
	if len(src.Parts) > 1 {
		dst.Parts = append(dst.Parts, src.Parts[1:]...)
	}
}
