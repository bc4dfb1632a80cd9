package loopdetect

import (
	"fmt"
	"testing"
)

func sameCall() *ToolCallEvent {
	return &ToolCallEvent{Name: "read_file", Args: map[string]any{"path": "main.go"}}
}

func TestToolCallLoopTripsOnFifthCall(t *testing.T) {
	d := New()
	for i := 1; i <= 4; i++ {
		if d.AddAndCheck(sameCall()) {
			t.Fatalf("tripped early on call %d", i)
		}
	}
	if !d.AddAndCheck(sameCall()) {
		t.Fatal("expected trip on the fifth identical call")
	}
	if d.Reason() != ReasonToolCalls {
		t.Errorf("expected reason %q, got %q", ReasonToolCalls, d.Reason())
	}
}

func TestToolCallDifferentCallResetsCounter(t *testing.T) {
	d := New()
	for i := 0; i < 4; i++ {
		if d.AddAndCheck(sameCall()) {
			t.Fatal("tripped early")
		}
	}
	other := func() *ToolCallEvent {
		return &ToolCallEvent{Name: "shell", Args: map[string]any{"command": "ls"}}
	}
	if d.AddAndCheck(other()) {
		t.Fatal("a differing call must reset the counter, not trip")
	}
	for i := 2; i <= 4; i++ {
		if d.AddAndCheck(other()) {
			t.Fatalf("tripped early on repetition %d of the new call", i)
		}
	}
	if !d.AddAndCheck(other()) {
		t.Fatal("expected trip on the fifth identical repetition of the new call")
	}
}

func TestToolCallSignatureIgnoresMapConstructionOrder(t *testing.T) {
	d := New()
	makeA := func() *ToolCallEvent {
		return &ToolCallEvent{Name: "search", Args: map[string]any{
			"pattern": "TODO",
			"opts":    map[string]any{"recursive": true, "depth": 2},
		}}
	}
	makeB := func() *ToolCallEvent {
		args := map[string]any{}
		args["opts"] = map[string]any{"depth": 2, "recursive": true}
		args["pattern"] = "TODO"
		return &ToolCallEvent{Name: "search", Args: args}
	}
	events := []*ToolCallEvent{makeA(), makeB(), makeA(), makeB(), makeA()}
	for i, ev := range events {
		tripped := d.AddAndCheck(ev)
		if i < 4 && tripped {
			t.Fatalf("tripped early on call %d", i+1)
		}
		if i == 4 && !tripped {
			t.Fatal("equal arguments must hash equally regardless of map construction")
		}
	}
}

func TestContentLoopTripsOnTenthSentence(t *testing.T) {
	d := New()
	for i := 1; i <= 9; i++ {
		if d.AddAndCheck(&ContentEvent{Text: "I will try that again. "}) {
			t.Fatalf("tripped early on sentence %d", i)
		}
	}
	if !d.AddAndCheck(&ContentEvent{Text: "I will try that again. "}) {
		t.Fatal("expected trip on the tenth identical sentence")
	}
	if d.Reason() != ReasonContent {
		t.Errorf("expected reason %q, got %q", ReasonContent, d.Reason())
	}
}

func TestContentLoopAtTokenGranularity(t *testing.T) {
	d := New()
	tokens := []string{"The ", "same ", "thing ", "again", ". "}
	for round := 1; round <= 10; round++ {
		for _, tok := range tokens {
			tripped := d.AddAndCheck(&ContentEvent{Text: tok})
			want := round == 10 && tok == ". "
			if tripped != want {
				t.Fatalf("round %d token %q: tripped=%v, want %v", round, tok, tripped, want)
			}
		}
	}
}

func TestChunkBoundariesDoNotSplitSentences(t *testing.T) {
	d := New()
	// The same sentence, chunked differently every time, still counts as
	// one repeated sentence.
	chunkings := [][]string{
		{"Repeat after me. "},
		{"Repeat ", "after me. "},
		{"Rep", "eat after", " me. "},
		{"Repeat after me", ". "},
	}
	count := 0
	for round := 0; round < 3; round++ {
		for _, chunks := range chunkings {
			count++
			for i, chunk := range chunks {
				tripped := d.AddAndCheck(&ContentEvent{Text: chunk})
				last := i == len(chunks)-1
				if tripped != (count >= 10 && last) {
					t.Fatalf("occurrence %d chunk %q: tripped=%v", count, chunk, tripped)
				}
			}
			if count >= 10 {
				return
			}
		}
	}
}

func TestFunctionCallPunctuationIsNotASentence(t *testing.T) {
	d := New()
	for i := 0; i < 20; i++ {
		if d.AddAndCheck(&ContentEvent{Text: "console.log()"}) {
			t.Fatalf("console.log() tripped the detector on repetition %d", i+1)
		}
	}
	d.Reset()
	for i := 0; i < 20; i++ {
		if d.AddAndCheck(&ContentEvent{Text: "obj.method() "}) {
			t.Fatalf("obj.method() tripped the detector on repetition %d", i+1)
		}
	}
}

func TestCodeTokensStreamedIndividuallyNeverTrip(t *testing.T) {
	d := New()
	// One token per chunk, the way backends actually stream. The period
	// lands at a chunk boundary every time, but a chunk boundary is not a
	// sentence boundary.
	tokens := []string{"console", ".", "log", "()", " "}
	for round := 1; round <= 30; round++ {
		for _, tok := range tokens {
			if d.AddAndCheck(&ContentEvent{Text: tok}) {
				t.Fatalf("tripped on round %d token %q", round, tok)
			}
		}
	}
	if d.Flush() {
		t.Fatal("flushing code text must not trip the detector")
	}
}

func TestFlushCountsTrailingSentence(t *testing.T) {
	d := NewWithThresholds(1000, 3)
	for i := 1; i <= 3; i++ {
		// No trailing whitespace: the sentence only completes at the end
		// of the reply.
		if d.AddAndCheck(&ContentEvent{Text: "Done."}) {
			t.Fatalf("tripped mid-stream on reply %d", i)
		}
		tripped := d.Flush()
		if tripped != (i == 3) {
			t.Fatalf("reply %d: flush tripped=%v", i, tripped)
		}
	}
	if d.Reason() != ReasonContent {
		t.Errorf("expected reason %q, got %q", ReasonContent, d.Reason())
	}
}

func TestFlushDiscardsUnterminatedTail(t *testing.T) {
	d := NewWithThresholds(1000, 2)
	if d.AddAndCheck(&ContentEvent{Text: "left hanging"}) {
		t.Fatal("tripped without a completed sentence")
	}
	if d.Flush() {
		t.Fatal("unterminated text must not count as a sentence")
	}
	// The discarded tail must not prefix the next reply's first sentence.
	if d.AddAndCheck(&ContentEvent{Text: "Again. "}) {
		t.Fatal("tripped early")
	}
	if !d.AddAndCheck(&ContentEvent{Text: "Again. "}) {
		t.Fatal("expected trip on the second identical sentence")
	}
}

func TestMidSentenceCodePunctuationIsKeptInOneSentence(t *testing.T) {
	d := New()
	if d.AddAndCheck(&ContentEvent{Text: "Call console.log() and check obj.prop too. "}) {
		t.Fatal("a single sentence must not trip the detector")
	}
	// Nine more of the same complete sentence.
	for i := 2; i <= 9; i++ {
		if d.AddAndCheck(&ContentEvent{Text: "Call console.log() and check obj.prop too. "}) {
			t.Fatalf("tripped early on repetition %d", i)
		}
	}
	if !d.AddAndCheck(&ContentEvent{Text: "Call console.log() and check obj.prop too. "}) {
		t.Fatal("expected trip on the tenth repetition")
	}
}

func TestToolCallResetsSentenceTracking(t *testing.T) {
	d := New()
	for i := 0; i < 9; i++ {
		if d.AddAndCheck(&ContentEvent{Text: "Nearly looping here. "}) {
			t.Fatal("tripped early")
		}
	}
	if d.AddAndCheck(sameCall()) {
		t.Fatal("first tool call must not trip")
	}
	for i := 0; i < 9; i++ {
		if d.AddAndCheck(&ContentEvent{Text: "Nearly looping here. "}) {
			t.Fatalf("sentence counter survived the tool call, tripped on %d", i+1)
		}
	}
	if !d.AddAndCheck(&ContentEvent{Text: "Nearly looping here. "}) {
		t.Fatal("expected trip on the tenth sentence after the reset")
	}
}

func TestOtherEventResetsEverything(t *testing.T) {
	d := New()
	for i := 0; i < 4; i++ {
		if d.AddAndCheck(sameCall()) {
			t.Fatal("tripped early")
		}
	}
	if d.AddAndCheck(&OtherEvent{}) {
		t.Fatal("other events never trip")
	}
	for i := 0; i < 4; i++ {
		if d.AddAndCheck(sameCall()) {
			t.Fatalf("tool counter survived the reset, tripped on %d", i+1)
		}
	}
	if !d.AddAndCheck(sameCall()) {
		t.Fatal("expected trip on the fifth call after the reset")
	}
}

func TestTextBetweenToolCallsKeepsToolCounter(t *testing.T) {
	d := New()
	d.AddAndCheck(sameCall())
	d.AddAndCheck(sameCall())
	if d.AddAndCheck(&ContentEvent{Text: "Let me try that again. "}) {
		t.Fatal("single sentence must not trip")
	}
	if d.AddAndCheck(sameCall()) || d.AddAndCheck(sameCall()) {
		t.Fatal("tripped early")
	}
	if !d.AddAndCheck(sameCall()) {
		t.Fatal("expected trip on the fifth identical call despite interleaved text")
	}
}

func TestResetClearsState(t *testing.T) {
	d := New()
	for i := 0; i < 4; i++ {
		d.AddAndCheck(sameCall())
	}
	d.Reset()
	if d.Reason() != "" {
		t.Errorf("expected empty reason after reset, got %q", d.Reason())
	}
	for i := 1; i <= 4; i++ {
		if d.AddAndCheck(sameCall()) {
			t.Fatalf("tripped on call %d after reset", i)
		}
	}
}

func TestDistinctSentencesNeverTrip(t *testing.T) {
	d := New()
	for i := 0; i < 30; i++ {
		text := fmt.Sprintf("Sentence number %d is unique. ", i)
		if d.AddAndCheck(&ContentEvent{Text: text}) {
			t.Fatalf("distinct sentences tripped the detector at %d", i)
		}
	}
}

func TestNewWithThresholds(t *testing.T) {
	d := NewWithThresholds(2, 3)

	call := func() *ToolCallEvent {
		return &ToolCallEvent{Name: "shell", Args: map[string]any{"command": "ls"}}
	}
	if d.AddAndCheck(call()) {
		t.Fatal("tripped on first call with threshold 2")
	}
	if !d.AddAndCheck(call()) {
		t.Fatal("expected trip on second identical call with threshold 2")
	}

	d = NewWithThresholds(0, -1)
	for i := 1; i <= DefaultToolLoopThreshold-1; i++ {
		if d.AddAndCheck(call()) {
			t.Fatalf("tripped on call %d with default thresholds", i)
		}
	}
	if !d.AddAndCheck(call()) {
		t.Fatal("expected trip at the default threshold")
	}
}
