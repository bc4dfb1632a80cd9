package llm

import "context"

// FunctionDeclaration describes one callable tool to the model. Parameters
// holds a JSON schema object.
type FunctionDeclaration struct {
	Name        string
	Description string
	Parameters  map[string]any
}

// GenerateRequest is a provider-neutral completion request.
type GenerateRequest struct {
	Model        string
	SystemPrompt string
	Contents     []*Content
	Tools        []*FunctionDeclaration
	Temperature  float64
	MaxTokens    int
}

// UsageMetadata reports token accounting for one response.
type UsageMetadata struct {
	PromptTokens    int
	ResponseTokens  int
	ThoughtTokens   int
	TotalTokens     int
	// Estimated is set when the counts were computed locally because the
	// backend omitted usage data.
	Estimated bool
}

// Candidate is one generated completion.
type Candidate struct {
	Content      *Content
	FinishReason string
}

// GenerateResponse is a provider-neutral completion response. During
// streaming each chunk is a GenerateResponse carrying the delta parts.
type GenerateResponse struct {
	Candidates []*Candidate
	Usage      *UsageMetadata
}

// First returns the first candidate's content, or nil.
func (r *GenerateResponse) First() *Content {
	if r == nil || len(r.Candidates) == 0 {
		return nil
	}
	return r.Candidates[0].Content
}

// Text concatenates the text parts of the first candidate.
func (r *GenerateResponse) Text() string {
	return r.First().Text()
}

// FunctionCalls returns the function-call parts of the first candidate.
func (r *GenerateResponse) FunctionCalls() []*FunctionCallPart {
	return r.First().FunctionCalls()
}

// StreamFunc receives one streamed response chunk. Returning an error stops
// the stream and propagates to the GenerateContentStream caller.
type StreamFunc func(*GenerateResponse) error

// ContentGenerator is the backend boundary: one blocking completion call and
// one streaming variant that invokes fn once per chunk, in order. Usage
// metadata, when the backend reports it, rides on the final chunk.
type ContentGenerator interface {
	GenerateContent(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error)
	GenerateContentStream(ctx context.Context, req *GenerateRequest, fn StreamFunc) error
}
