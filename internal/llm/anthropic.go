package llm

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	anthropic "github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/shared/constant"

	"github.com/codefionn/agentloop/internal/logger"
)

const (
	defaultAnthropicModel     = "claude-3-5-sonnet-20241022"
	defaultAnthropicMaxTokens = 4096
)

// AnthropicGenerator implements ContentGenerator using the official
// Anthropic SDK.
type AnthropicGenerator struct {
	client anthropic.Client
	model  string
}

// NewAnthropicGenerator creates an Anthropic-backed generator.
func NewAnthropicGenerator(apiKey, model string) (*AnthropicGenerator, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("anthropic generator requires an API key")
	}

	if strings.TrimSpace(model) == "" {
		model = defaultAnthropicModel
	}

	return &AnthropicGenerator{
		client: anthropic.NewClient(option.WithAPIKey(key)),
		model:  model,
	}, nil
}

func (g *AnthropicGenerator) GenerateContent(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	params, model, err := g.buildParams(req)
	if err != nil {
		return nil, err
	}

	msg, err := g.client.Messages.New(ctx, params)
	if err != nil {
		return nil, wrapAnthropicError(model, err)
	}

	return convertAnthropicMessage(msg), nil
}

func (g *AnthropicGenerator) GenerateContentStream(ctx context.Context, req *GenerateRequest, fn StreamFunc) error {
	params, model, err := g.buildParams(req)
	if err != nil {
		return err
	}

	stream := g.client.Messages.NewStreaming(ctx, params)
	if stream == nil {
		return &BackendError{Model: model, Message: "anthropic stream failed: no stream returned"}
	}
	defer stream.Close()

	accumulated := anthropic.Message{}
	for stream.Next() {
		event := stream.Current()
		if err := accumulated.Accumulate(event); err != nil {
			return wrapAnthropicError(model, err)
		}

		deltaEvent, ok := event.AsAny().(anthropic.ContentBlockDeltaEvent)
		if !ok {
			continue
		}

		var part Part
		switch delta := deltaEvent.Delta.AsAny().(type) {
		case anthropic.TextDelta:
			if delta.Text == "" {
				continue
			}
			part = &TextPart{Text: delta.Text}
		case anthropic.ThinkingDelta:
			if delta.Thinking == "" {
				continue
			}
			part = &ThoughtPart{Text: delta.Thinking}
		default:
			// Tool-use input arrives as partial JSON; it is surfaced whole
			// from the accumulated message once the stream ends.
			continue
		}

		chunk := &GenerateResponse{Candidates: []*Candidate{{
			Content: &Content{Role: RoleModel, Parts: []Part{part}},
		}}}
		if err := fn(chunk); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return wrapAnthropicError(model, err)
	}

	// Final chunk: completed tool calls plus usage metadata.
	final := convertAnthropicMessage(&accumulated)
	if final != nil {
		tail := &GenerateResponse{Usage: final.Usage}
		if calls := final.FunctionCalls(); len(calls) > 0 {
			parts := make([]Part, 0, len(calls))
			for _, call := range calls {
				parts = append(parts, call)
			}
			tail.Candidates = []*Candidate{{
				Content:      &Content{Role: RoleModel, Parts: parts},
				FinishReason: finishReasonFromAnthropic(&accumulated),
			}}
		}
		if len(tail.Candidates) > 0 || tail.Usage != nil {
			return fn(tail)
		}
	}
	return nil
}

func (g *AnthropicGenerator) buildParams(req *GenerateRequest) (anthropic.MessageNewParams, string, error) {
	if req == nil {
		return anthropic.MessageNewParams{}, g.model, fmt.Errorf("anthropic request cannot be nil")
	}

	model := req.Model
	if model == "" {
		model = g.model
	}

	messages, err := convertContentsToAnthropic(req.Contents)
	if err != nil {
		return anthropic.MessageNewParams{}, model, err
	}
	if len(messages) == 0 {
		return anthropic.MessageNewParams{}, model, fmt.Errorf("anthropic request requires at least one message")
	}

	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = defaultAnthropicMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		MaxTokens: int64(maxTokens),
		Messages:  messages,
	}

	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		params.System = []anthropic.TextBlockParam{{Text: sys}}
	}
	if req.Temperature > 0 {
		params.Temperature = anthropic.Float(req.Temperature)
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToAnthropic(req.Tools)
	}

	return params, model, nil
}

func convertContentsToAnthropic(contents []*Content) ([]anthropic.MessageParam, error) {
	messages := make([]anthropic.MessageParam, 0, len(contents))
	for idx, content := range contents {
		if content == nil {
			continue
		}

		blocks := make([]anthropic.ContentBlockParamUnion, 0, len(content.Parts))
		for _, p := range content.Parts {
			switch v := p.(type) {
			case *TextPart:
				if v != nil && v.Text != "" {
					blocks = append(blocks, anthropic.NewTextBlock(v.Text))
				}
			case *FunctionCallPart:
				if v == nil {
					continue
				}
				callID := v.ID
				if callID == "" {
					callID = fmt.Sprintf("tool_call_%d", idx)
				}
				args := v.Args
				if args == nil {
					args = map[string]any{}
				}
				blocks = append(blocks, anthropic.NewToolUseBlock(callID, args, v.Name))
			case *FunctionResponsePart:
				if v == nil {
					continue
				}
				payload, err := json.Marshal(v.Response)
				if err != nil {
					return nil, fmt.Errorf("invalid tool response at index %d: %w", idx, err)
				}
				blocks = append(blocks, anthropic.NewToolResultBlock(v.ID, string(payload), false))
			case *ThoughtPart:
				// Never replayed.
			case *InlineDataPart:
				if v != nil && len(v.Data) > 0 {
					encoded := base64.StdEncoding.EncodeToString(v.Data)
					blocks = append(blocks, anthropic.NewImageBlockBase64(v.MIMEType, encoded))
				}
			}
		}
		if len(blocks) == 0 {
			continue
		}

		role := anthropic.MessageParamRoleUser
		if content.Role == RoleModel {
			role = anthropic.MessageParamRoleAssistant
		}
		messages = append(messages, anthropic.MessageParam{Role: role, Content: blocks})
	}
	return messages, nil
}

func convertToolsToAnthropic(tools []*FunctionDeclaration) []anthropic.ToolUnionParam {
	result := make([]anthropic.ToolUnionParam, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || tool.Name == "" {
			continue
		}

		schema := anthropic.ToolInputSchemaParam{Type: constant.Object("object")}
		if params := tool.Parameters; params != nil {
			if props, ok := params["properties"]; ok {
				schema.Properties = props
			}
			if req, ok := params["required"].([]string); ok && len(req) > 0 {
				schema.Required = req
			} else if raw, ok := params["required"].([]any); ok {
				names := make([]string, 0, len(raw))
				for _, item := range raw {
					if s, ok := item.(string); ok && s != "" {
						names = append(names, s)
					}
				}
				if len(names) > 0 {
					schema.Required = names
				}
			}
		}

		param := &anthropic.ToolParam{
			Name:        tool.Name,
			InputSchema: schema,
			Type:        anthropic.ToolTypeCustom,
		}
		if tool.Description != "" {
			param.Description = anthropic.String(tool.Description)
		}

		result = append(result, anthropic.ToolUnionParam{OfTool: param})
	}
	if len(result) == 0 {
		return nil
	}
	return result
}

func convertAnthropicMessage(msg *anthropic.Message) *GenerateResponse {
	if msg == nil {
		return nil
	}

	parts := make([]Part, 0, len(msg.Content))
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			if block.Text != "" {
				parts = append(parts, &TextPart{Text: block.Text})
			}
		case "thinking":
			if block.Thinking != "" {
				parts = append(parts, &ThoughtPart{Text: block.Thinking})
			}
		case "tool_use":
			args := map[string]any{}
			if len(block.Input) > 0 {
				if err := json.Unmarshal(block.Input, &args); err != nil {
					logger.Warn("anthropic tool_use input not an object: %v", err)
					args = map[string]any{"raw": string(block.Input)}
				}
			}
			parts = append(parts, &FunctionCallPart{ID: block.ID, Name: block.Name, Args: args})
		}
	}

	resp := &GenerateResponse{}
	if len(parts) > 0 {
		resp.Candidates = []*Candidate{{
			Content:      &Content{Role: RoleModel, Parts: parts},
			FinishReason: finishReasonFromAnthropic(msg),
		}}
	}
	if msg.Usage.InputTokens > 0 || msg.Usage.OutputTokens > 0 {
		resp.Usage = &UsageMetadata{
			PromptTokens:   int(msg.Usage.InputTokens),
			ResponseTokens: int(msg.Usage.OutputTokens),
			TotalTokens:    int(msg.Usage.InputTokens + msg.Usage.OutputTokens),
		}
	}
	if len(resp.Candidates) == 0 && resp.Usage == nil {
		return nil
	}
	return resp
}

func finishReasonFromAnthropic(msg *anthropic.Message) string {
	if msg == nil {
		return ""
	}
	if msg.StopReason != "" {
		return string(msg.StopReason)
	}
	return msg.StopSequence
}

func wrapAnthropicError(model string, err error) error {
	var apierr *anthropic.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			StatusCode: apierr.StatusCode,
			Model:      model,
			Message:    apierr.Error(),
			Err:        err,
		}
	}
	return &BackendError{Model: model, Err: fmt.Errorf("anthropic request failed: %w", err)}
}
