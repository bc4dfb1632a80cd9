// Package loopdetect watches model activity for unproductive repetition:
// the same tool call issued over and over, or the same sentence streamed
// over and over.
package loopdetect

import (
	"encoding/json"
	"fmt"
	"regexp"
	"strings"
	"sync"

	"github.com/cespare/xxhash/v2"

	"github.com/codefionn/agentloop/internal/logger"
)

const (
	// DefaultToolLoopThreshold is the number of identical consecutive tool
	// calls that confirm a loop.
	DefaultToolLoopThreshold = 5
	// DefaultContentLoopThreshold is the number of identical consecutive
	// sentences that confirm a loop.
	DefaultContentLoopThreshold = 10

	maxBufferChars = 16384 // cap on buffered unterminated text
)

// Reasons reported by Reason after a loop is confirmed.
const (
	ReasonToolCalls = "tool_calls"
	ReasonContent   = "content"
)

// Event is one observed item of model activity. The concrete types are
// ToolCallEvent, ContentEvent and OtherEvent.
type Event interface {
	loopEvent()
}

// ToolCallEvent is a model-requested tool invocation.
type ToolCallEvent struct {
	Name string
	Args map[string]any
}

// ContentEvent is a streamed chunk of model text, possibly much smaller than
// a sentence.
type ContentEvent struct {
	Text string
}

// OtherEvent is any activity that is neither a tool call nor text, e.g. a
// thought or usage metadata.
type OtherEvent struct{}

func (*ToolCallEvent) loopEvent() {}
func (*ContentEvent) loopEvent()  {}
func (*OtherEvent) loopEvent()    {}

// sentenceEndPattern matches a run of terminal punctuation only when
// whitespace follows, so call punctuation like console.log() is not a
// sentence boundary. While streaming, the end of the buffer is just a
// chunk boundary and never terminates a sentence; Flush handles the
// genuine end of a reply.
var (
	sentenceEndPattern   = regexp.MustCompile(`[.!?]+\s`)
	sentenceFlushPattern = regexp.MustCompile(`[.!?]+(?:\s|$)`)
)

// Detector tracks consecutive repetition across the events of one prompt.
// Safe for concurrent use.
type Detector struct {
	mu sync.Mutex

	toolThreshold    int
	contentThreshold int

	lastToolSignature uint64 // signature of the previous tool call
	toolRepeats       int    // consecutive calls with that signature

	buffer          string // text still waiting for a sentence boundary
	lastSentence    string // previous completed sentence, normalized
	sentenceRepeats int    // consecutive occurrences of that sentence

	reason string
}

// New creates a detector with the default thresholds.
func New() *Detector {
	return NewWithThresholds(DefaultToolLoopThreshold, DefaultContentLoopThreshold)
}

// NewWithThresholds creates a detector with custom thresholds. Values below
// one fall back to the defaults.
func NewWithThresholds(toolThreshold, contentThreshold int) *Detector {
	if toolThreshold < 1 {
		toolThreshold = DefaultToolLoopThreshold
	}
	if contentThreshold < 1 {
		contentThreshold = DefaultContentLoopThreshold
	}
	return &Detector{toolThreshold: toolThreshold, contentThreshold: contentThreshold}
}

// AddAndCheck feeds one event into the detector and reports whether a loop
// is confirmed as of this event. Tool-call events reset the sentence
// tracking; any event that is neither a tool call nor content resets
// everything.
func (d *Detector) AddAndCheck(event Event) bool {
	d.mu.Lock()
	defer d.mu.Unlock()

	switch e := event.(type) {
	case *ToolCallEvent:
		d.resetContentLocked()
		return d.noteToolCall(e)
	case *ContentEvent:
		return d.noteContent(e.Text)
	default:
		d.resetAllLocked()
		return false
	}
}

// Reason returns what kind of loop tripped the detector, or "" if none did.
func (d *Detector) Reason() string {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.reason
}

// Reset clears all tracking, e.g. at the start of a new prompt.
func (d *Detector) Reset() {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.resetAllLocked()
	d.reason = ""
}

func (d *Detector) noteToolCall(e *ToolCallEvent) bool {
	sig := toolCallSignature(e.Name, e.Args)
	if sig == d.lastToolSignature && d.toolRepeats > 0 {
		d.toolRepeats++
	} else {
		d.lastToolSignature = sig
		d.toolRepeats = 1
	}
	if d.toolRepeats >= d.toolThreshold {
		d.reason = ReasonToolCalls
		logger.Warn("loop detected: tool call %s repeated %d times", e.Name, d.toolRepeats)
		return true
	}
	return false
}

func (d *Detector) noteContent(text string) bool {
	d.buffer += text
	if len(d.buffer) > maxBufferChars {
		d.buffer = d.buffer[len(d.buffer)-maxBufferChars:]
	}
	return d.countSentences(d.extractSentences(sentenceEndPattern))
}

// Flush finishes the current reply: text still buffered at the end of the
// stream is allowed to terminate at the buffer end, since no more chunks
// follow. Reports whether the final sentences confirmed a loop.
func (d *Detector) Flush() bool {
	d.mu.Lock()
	defer d.mu.Unlock()
	tripped := d.countSentences(d.extractSentences(sentenceFlushPattern))
	d.buffer = ""
	return tripped
}

func (d *Detector) countSentences(sentences []string) bool {
	tripped := false
	for _, sentence := range sentences {
		if sentence == d.lastSentence {
			d.sentenceRepeats++
		} else {
			d.lastSentence = sentence
			d.sentenceRepeats = 1
		}
		if d.sentenceRepeats >= d.contentThreshold {
			d.reason = ReasonContent
			logger.Warn("loop detected: sentence repeated %d times", d.sentenceRepeats)
			tripped = true
		}
	}
	return tripped
}

// extractSentences pulls completed sentences off the front of the buffer and
// leaves the unterminated tail in place. Sentences are whitespace-normalized
// so chunk boundaries do not matter.
func (d *Detector) extractSentences(pattern *regexp.Regexp) []string {
	matches := pattern.FindAllStringIndex(d.buffer, -1)
	if len(matches) == 0 {
		return nil
	}

	var sentences []string
	start := 0
	for _, m := range matches {
		sentence := strings.Join(strings.Fields(d.buffer[start:m[1]]), " ")
		if sentence != "" {
			sentences = append(sentences, sentence)
		}
		start = m[1]
	}
	d.buffer = d.buffer[start:]
	return sentences
}

func (d *Detector) resetContentLocked() {
	d.buffer = ""
	d.lastSentence = ""
	d.sentenceRepeats = 0
}

func (d *Detector) resetAllLocked() {
	d.resetContentLocked()
	d.lastToolSignature = 0
	d.toolRepeats = 0
}

// toolCallSignature hashes a tool call into a comparable value. Marshaling
// the argument map yields canonical JSON with sorted keys, so two calls with
// equal arguments hash equally no matter how the maps were built.
func toolCallSignature(name string, args map[string]any) uint64 {
	payload, err := json.Marshal(args)
	if err != nil {
		payload = []byte(fmt.Sprintf("%v", args))
	}
	h := xxhash.New()
	h.WriteString(name)
	h.Write([]byte{'\n'})
	h.Write(payload)
	return h.Sum64()
}
