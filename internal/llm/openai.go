package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	openai "github.com/openai/openai-go"
	"github.com/openai/openai-go/option"
	"github.com/openai/openai-go/shared"

	"github.com/codefionn/agentloop/internal/logger"
)

const defaultOpenAIModel = "gpt-4.1"

// OpenAIGenerator implements ContentGenerator over the OpenAI chat
// completions API.
type OpenAIGenerator struct {
	client openai.Client
	model  string
}

// NewOpenAIGenerator creates an OpenAI-backed generator.
func NewOpenAIGenerator(apiKey, model string) (*OpenAIGenerator, error) {
	if strings.TrimSpace(apiKey) == "" {
		return nil, fmt.Errorf("openai generator requires an API key")
	}

	if strings.TrimSpace(model) == "" {
		model = defaultOpenAIModel
	}

	return &OpenAIGenerator{
		client: openai.NewClient(option.WithAPIKey(apiKey)),
		model:  model,
	}, nil
}

func (g *OpenAIGenerator) GenerateContent(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	params, model := g.buildParams(req)

	completion, err := g.client.Chat.Completions.New(ctx, params)
	if err != nil {
		return nil, wrapOpenAIError(model, err)
	}

	return convertOpenAICompletion(completion), nil
}

func (g *OpenAIGenerator) GenerateContentStream(ctx context.Context, req *GenerateRequest, fn StreamFunc) error {
	params, model := g.buildParams(req)

	stream := g.client.Chat.Completions.NewStreaming(ctx, params)
	acc := openai.ChatCompletionAccumulator{}

	for stream.Next() {
		chunk := stream.Current()
		acc.AddChunk(chunk)

		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta.Content
		if delta == "" {
			continue
		}

		out := &GenerateResponse{Candidates: []*Candidate{{
			Content: &Content{Role: RoleModel, Parts: []Part{&TextPart{Text: delta}}},
		}}}
		if err := fn(out); err != nil {
			return err
		}
	}

	if err := stream.Err(); err != nil {
		return wrapOpenAIError(model, err)
	}

	// Tool calls and usage become available once the accumulator has seen
	// the whole stream.
	final := convertOpenAICompletion(&acc.ChatCompletion)
	if final == nil {
		return nil
	}
	tail := &GenerateResponse{Usage: final.Usage}
	if calls := final.FunctionCalls(); len(calls) > 0 {
		parts := make([]Part, 0, len(calls))
		for _, call := range calls {
			parts = append(parts, call)
		}
		finish := ""
		if len(final.Candidates) > 0 {
			finish = final.Candidates[0].FinishReason
		}
		tail.Candidates = []*Candidate{{
			Content:      &Content{Role: RoleModel, Parts: parts},
			FinishReason: finish,
		}}
	}
	if len(tail.Candidates) > 0 || tail.Usage != nil {
		return fn(tail)
	}
	return nil
}

func (g *OpenAIGenerator) buildParams(req *GenerateRequest) (openai.ChatCompletionNewParams, string) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	messages := make([]openai.ChatCompletionMessageParamUnion, 0, len(req.Contents)+1)
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		messages = append(messages, openai.SystemMessage(sys))
	}
	messages = append(messages, convertContentsToOpenAI(req.Contents)...)

	params := openai.ChatCompletionNewParams{
		Model:    shared.ChatModel(model),
		Messages: messages,
	}
	if req.Temperature > 0 {
		params.Temperature = openai.Float(req.Temperature)
	}
	if req.MaxTokens > 0 {
		params.MaxTokens = openai.Int(int64(req.MaxTokens))
	}
	if len(req.Tools) > 0 {
		params.Tools = convertToolsToOpenAI(req.Tools)
	}

	return params, model
}

func convertContentsToOpenAI(contents []*Content) []openai.ChatCompletionMessageParamUnion {
	out := make([]openai.ChatCompletionMessageParamUnion, 0, len(contents))
	for _, content := range contents {
		if content == nil {
			continue
		}

		if content.Role == RoleModel {
			var text strings.Builder
			var toolCalls []openai.ChatCompletionMessageToolCallParam
			for _, p := range content.Parts {
				switch v := p.(type) {
				case *TextPart:
					if v != nil {
						text.WriteString(v.Text)
					}
				case *FunctionCallPart:
					if v == nil {
						continue
					}
					args, err := json.Marshal(v.Args)
					if err != nil || len(args) == 0 {
						args = []byte("{}")
					}
					toolCalls = append(toolCalls, openai.ChatCompletionMessageToolCallParam{
						ID: v.ID,
						Function: openai.ChatCompletionMessageToolCallFunctionParam{
							Name:      v.Name,
							Arguments: string(args),
						},
					})
				}
			}

			if len(toolCalls) == 0 {
				if text.Len() > 0 {
					out = append(out, openai.AssistantMessage(text.String()))
				}
				continue
			}
			assistant := openai.ChatCompletionAssistantMessageParam{ToolCalls: toolCalls}
			if text.Len() > 0 {
				assistant.Content = openai.ChatCompletionAssistantMessageParamContentUnion{
					OfString: openai.String(text.String()),
				}
			}
			out = append(out, openai.ChatCompletionMessageParamUnion{OfAssistant: &assistant})
			continue
		}

		// User-role entries carry either plain text or tool responses.
		var text strings.Builder
		for _, p := range content.Parts {
			switch v := p.(type) {
			case *TextPart:
				if v != nil {
					text.WriteString(v.Text)
				}
			case *FunctionResponsePart:
				if v == nil {
					continue
				}
				payload, err := json.Marshal(v.Response)
				if err != nil || len(payload) == 0 {
					payload = []byte("{}")
				}
				out = append(out, openai.ToolMessage(string(payload), v.ID))
			}
		}
		if text.Len() > 0 {
			out = append(out, openai.UserMessage(text.String()))
		}
	}
	return out
}

func convertToolsToOpenAI(tools []*FunctionDeclaration) []openai.ChatCompletionToolParam {
	out := make([]openai.ChatCompletionToolParam, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		fn := shared.FunctionDefinitionParam{Name: tool.Name}
		if tool.Description != "" {
			fn.Description = openai.String(tool.Description)
		}
		if len(tool.Parameters) > 0 {
			fn.Parameters = shared.FunctionParameters(tool.Parameters)
		}
		out = append(out, openai.ChatCompletionToolParam{Function: fn})
	}
	return out
}

func convertOpenAICompletion(completion *openai.ChatCompletion) *GenerateResponse {
	if completion == nil {
		return nil
	}

	resp := &GenerateResponse{}
	if len(completion.Choices) > 0 {
		choice := completion.Choices[0]
		parts := make([]Part, 0, 1+len(choice.Message.ToolCalls))
		if choice.Message.Content != "" {
			parts = append(parts, &TextPart{Text: choice.Message.Content})
		}
		for _, tc := range choice.Message.ToolCalls {
			args := map[string]any{}
			if raw := strings.TrimSpace(tc.Function.Arguments); raw != "" {
				if err := json.Unmarshal([]byte(raw), &args); err != nil {
					logger.Warn("openai tool call arguments not an object: %v", err)
					args = map[string]any{"raw": raw}
				}
			}
			parts = append(parts, &FunctionCallPart{
				ID:   tc.ID,
				Name: tc.Function.Name,
				Args: args,
			})
		}
		if len(parts) > 0 {
			resp.Candidates = []*Candidate{{
				Content:      &Content{Role: RoleModel, Parts: parts},
				FinishReason: choice.FinishReason,
			}}
		}
	}

	if completion.Usage.PromptTokens > 0 || completion.Usage.CompletionTokens > 0 {
		resp.Usage = &UsageMetadata{
			PromptTokens:   int(completion.Usage.PromptTokens),
			ResponseTokens: int(completion.Usage.CompletionTokens),
			TotalTokens:    int(completion.Usage.TotalTokens),
		}
	}

	if len(resp.Candidates) == 0 && resp.Usage == nil {
		return nil
	}
	return resp
}

func wrapOpenAIError(model string, err error) error {
	var apierr *openai.Error
	if errors.As(err, &apierr) {
		return &BackendError{
			StatusCode: apierr.StatusCode,
			Model:      model,
			Message:    apierr.Error(),
			Err:        err,
		}
	}
	return &BackendError{Model: model, Err: fmt.Errorf("openai request failed: %w", err)}
}
