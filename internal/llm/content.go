package llm

// Role identifies the author of a Content entry.
type Role string

const (
	// RoleUser marks content authored by the user, including tool responses
	// replayed back to the model.
	RoleUser Role = "user"
	// RoleModel marks content authored by the model.
	RoleModel Role = "model"
)

// Content is one conversation entry: a role plus an ordered list of parts.
type Content struct {
	Role  Role
	Parts []Part
}

// Part is one piece of a Content entry. The concrete types are TextPart,
// FunctionCallPart, FunctionResponsePart, ThoughtPart and InlineDataPart;
// consumers dispatch with a type switch.
type Part interface {
	part()
}

// TextPart carries plain model or user text.
type TextPart struct {
	Text string
}

// FunctionCallPart is a model-requested tool invocation.
type FunctionCallPart struct {
	ID   string
	Name string
	Args map[string]any
}

// FunctionResponsePart carries a tool result back to the model.
type FunctionResponsePart struct {
	ID       string
	Name     string
	Response map[string]any
}

// ThoughtPart carries model reasoning that is surfaced to the UI but never
// replayed to the model.
type ThoughtPart struct {
	Text string
}

// InlineDataPart carries raw bytes, e.g. an image attached to a prompt.
type InlineDataPart struct {
	MIMEType string
	Data     []byte
}

func (*TextPart) part()             {}
func (*FunctionCallPart) part()     {}
func (*FunctionResponsePart) part() {}
func (*ThoughtPart) part()          {}
func (*InlineDataPart) part()       {}

// NewUserContent builds a user Content from the given parts.
func NewUserContent(parts ...Part) *Content {
	return &Content{Role: RoleUser, Parts: parts}
}

// NewModelContent builds a model Content from the given parts.
func NewModelContent(parts ...Part) *Content {
	return &Content{Role: RoleModel, Parts: parts}
}

// NewUserText builds a user Content holding a single text part.
func NewUserText(text string) *Content {
	return NewUserContent(&TextPart{Text: text})
}

// Valid reports whether the content can be replayed to the model: at least
// one part, no empty part, and no non-thought text part holding the empty
// string.
func (c *Content) Valid() bool {
	if c == nil || len(c.Parts) == 0 {
		return false
	}
	for _, p := range c.Parts {
		if emptyPart(p) {
			return false
		}
		if text, ok := p.(*TextPart); ok && text.Text == "" {
			return false
		}
	}
	return true
}

// emptyPart reports whether the part carries no payload at all, the
// equivalent of an empty object in a wire transcript.
func emptyPart(p Part) bool {
	switch v := p.(type) {
	case nil:
		return true
	case *TextPart:
		return v == nil
	case *FunctionCallPart:
		return v == nil || v.Name == ""
	case *FunctionResponsePart:
		return v == nil || (v.ID == "" && v.Name == "" && v.Response == nil)
	case *ThoughtPart:
		return v == nil
	case *InlineDataPart:
		return v == nil || (v.MIMEType == "" && len(v.Data) == 0)
	default:
		return true
	}
}

// Clone returns a deep copy of the content. Mutating the copy, including
// nested argument maps, never affects the original.
func (c *Content) Clone() *Content {
	if c == nil {
		return nil
	}
	parts := make([]Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		parts = append(parts, ClonePart(p))
	}
	return &Content{Role: c.Role, Parts: parts}
}

// CloneContents deep-copies a content slice.
func CloneContents(contents []*Content) []*Content {
	if contents == nil {
		return nil
	}
	out := make([]*Content, 0, len(contents))
	for _, c := range contents {
		out = append(out, c.Clone())
	}
	return out
}

// ClonePart returns a deep copy of a single part.
func ClonePart(p Part) Part {
	switch v := p.(type) {
	case *TextPart:
		if v == nil {
			return (*TextPart)(nil)
		}
		cp := *v
		return &cp
	case *FunctionCallPart:
		if v == nil {
			return (*FunctionCallPart)(nil)
		}
		return &FunctionCallPart{ID: v.ID, Name: v.Name, Args: cloneValueMap(v.Args)}
	case *FunctionResponsePart:
		if v == nil {
			return (*FunctionResponsePart)(nil)
		}
		return &FunctionResponsePart{ID: v.ID, Name: v.Name, Response: cloneValueMap(v.Response)}
	case *ThoughtPart:
		if v == nil {
			return (*ThoughtPart)(nil)
		}
		cp := *v
		return &cp
	case *InlineDataPart:
		if v == nil {
			return (*InlineDataPart)(nil)
		}
		data := make([]byte, len(v.Data))
		copy(data, v.Data)
		return &InlineDataPart{MIMEType: v.MIMEType, Data: data}
	default:
		return p
	}
}

func cloneValueMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = cloneValue(v)
	}
	return out
}

func cloneValue(v any) any {
	switch val := v.(type) {
	case map[string]any:
		return cloneValueMap(val)
	case []any:
		out := make([]any, len(val))
		for i, item := range val {
			out[i] = cloneValue(item)
		}
		return out
	case []byte:
		out := make([]byte, len(val))
		copy(out, val)
		return out
	default:
		return v
	}
}

// Text concatenates the non-thought text parts of the content.
func (c *Content) Text() string {
	if c == nil {
		return ""
	}
	var out string
	for _, p := range c.Parts {
		if text, ok := p.(*TextPart); ok && text != nil {
			out += text.Text
		}
	}
	return out
}

// FunctionCalls returns the function-call parts of the content in order.
func (c *Content) FunctionCalls() []*FunctionCallPart {
	if c == nil {
		return nil
	}
	var calls []*FunctionCallPart
	for _, p := range c.Parts {
		if call, ok := p.(*FunctionCallPart); ok && call != nil {
			calls = append(calls, call)
		}
	}
	return calls
}

// StripThoughts returns a copy of the content with thought parts removed.
// Returns nil when nothing but thoughts remained.
func (c *Content) StripThoughts() *Content {
	if c == nil {
		return nil
	}
	parts := make([]Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		if _, ok := p.(*ThoughtPart); ok {
			continue
		}
		parts = append(parts, p)
	}
	if len(parts) == 0 {
		return nil
	}
	return &Content{Role: c.Role, Parts: parts}
}
