// Package tools defines the capabilities the model can call and the registry
// the orchestrator resolves call names against.
package tools

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/codefionn/agentloop/internal/llm"
)

// Result is what a tool hands back: content destined for the model and an
// optional human-oriented rendering for the caller's display.
type Result struct {
	// LLMContent is a string or a JSON-marshalable structure that becomes
	// the function response sent to the model.
	LLMContent any
	// ReturnDisplay is shown to the user instead of LLMContent when set.
	ReturnDisplay string
}

// Tool is one callable capability. Parameters returns a JSON schema object
// describing the accepted arguments. Execute may return an error; callers
// fold errors into the transcript rather than aborting the turn.
type Tool interface {
	Name() string
	Description() string
	Parameters() map[string]any
	Execute(ctx context.Context, args map[string]any) (*Result, error)
}

// Registry holds the tools available to a session. Registration happens
// during startup; afterwards the registry is read-only.
type Registry struct {
	tools map[string]Tool
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{tools: make(map[string]Tool)}
}

// Register adds a tool, replacing any previous tool with the same name.
func (r *Registry) Register(tool Tool) {
	r.tools[tool.Name()] = tool
}

// Get retrieves a tool by name.
func (r *Registry) Get(name string) (Tool, bool) {
	tool, ok := r.tools[name]
	return tool, ok
}

// Names returns the registered tool names, sorted.
func (r *Registry) Names() []string {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// FunctionDeclarations renders every registered tool for a generate
// request, in stable order.
func (r *Registry) FunctionDeclarations() []*llm.FunctionDeclaration {
	decls := make([]*llm.FunctionDeclaration, 0, len(r.tools))
	for _, name := range r.Names() {
		tool := r.tools[name]
		decls = append(decls, &llm.FunctionDeclaration{
			Name:        tool.Name(),
			Description: tool.Description(),
			Parameters:  tool.Parameters(),
		})
	}
	return decls
}

// GetStringParam returns the string value for key, or defaultVal.
func GetStringParam(params map[string]any, key string, defaultVal string) string {
	if val, ok := params[key]; ok {
		if str, ok := val.(string); ok {
			return str
		}
	}
	return defaultVal
}

// GetIntParam returns the integer value for key, or defaultVal. JSON decoded
// numbers arrive as float64 or json.Number depending on the decoder.
func GetIntParam(params map[string]any, key string, defaultVal int) int {
	if val, ok := params[key]; ok {
		switch v := val.(type) {
		case int:
			return v
		case float64:
			return int(v)
		case json.Number:
			if i, err := v.Int64(); err == nil {
				return int(i)
			}
		}
	}
	return defaultVal
}

// GetBoolParam returns the boolean value for key, or defaultVal.
func GetBoolParam(params map[string]any, key string, defaultVal bool) bool {
	if val, ok := params[key]; ok {
		if b, ok := val.(bool); ok {
			return b
		}
	}
	return defaultVal
}
