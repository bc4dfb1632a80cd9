package store

import (
	"encoding/json"
	"fmt"

	"github.com/codefionn/agentloop/internal/llm"
)

// partRecord is the stored envelope for one part. Type selects which of the
// remaining fields carry the payload.
type partRecord struct {
	Type     string         `json:"type"`
	Text     string         `json:"text,omitempty"`
	ID       string         `json:"id,omitempty"`
	Name     string         `json:"name,omitempty"`
	Args     map[string]any `json:"args,omitempty"`
	Response map[string]any `json:"response,omitempty"`
	MIMEType string         `json:"mime_type,omitempty"`
	Data     []byte         `json:"data,omitempty"`
}

const (
	partText             = "text"
	partFunctionCall     = "function_call"
	partFunctionResponse = "function_response"
	partThought          = "thought"
	partInlineData       = "inline_data"
)

func encodeParts(parts []llm.Part) ([]byte, error) {
	records := make([]partRecord, 0, len(parts))
	for _, p := range parts {
		switch v := p.(type) {
		case *llm.TextPart:
			records = append(records, partRecord{Type: partText, Text: v.Text})
		case *llm.FunctionCallPart:
			records = append(records, partRecord{Type: partFunctionCall, ID: v.ID, Name: v.Name, Args: v.Args})
		case *llm.FunctionResponsePart:
			records = append(records, partRecord{Type: partFunctionResponse, ID: v.ID, Name: v.Name, Response: v.Response})
		case *llm.ThoughtPart:
			records = append(records, partRecord{Type: partThought, Text: v.Text})
		case *llm.InlineDataPart:
			records = append(records, partRecord{Type: partInlineData, MIMEType: v.MIMEType, Data: v.Data})
		default:
			return nil, fmt.Errorf("unsupported part type %T", p)
		}
	}
	return json.Marshal(records)
}

func decodeParts(data []byte) ([]llm.Part, error) {
	var records []partRecord
	if err := json.Unmarshal(data, &records); err != nil {
		return nil, err
	}

	parts := make([]llm.Part, 0, len(records))
	for _, r := range records {
		switch r.Type {
		case partText:
			parts = append(parts, &llm.TextPart{Text: r.Text})
		case partFunctionCall:
			parts = append(parts, &llm.FunctionCallPart{ID: r.ID, Name: r.Name, Args: r.Args})
		case partFunctionResponse:
			parts = append(parts, &llm.FunctionResponsePart{ID: r.ID, Name: r.Name, Response: r.Response})
		case partThought:
			parts = append(parts, &llm.ThoughtPart{Text: r.Text})
		case partInlineData:
			parts = append(parts, &llm.InlineDataPart{MIMEType: r.MIMEType, Data: r.Data})
		default:
			return nil, fmt.Errorf("unknown part type %q", r.Type)
		}
	}
	return parts, nil
}
