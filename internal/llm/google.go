package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/codefionn/agentloop/internal/logger"
)

const defaultGoogleModel = "gemini-2.5-flash"

// GoogleGenerator implements ContentGenerator against the Gemini API.
type GoogleGenerator struct {
	client *genai.Client
	model  string
}

// NewGoogleGenerator creates a Gemini-backed generator.
func NewGoogleGenerator(ctx context.Context, apiKey, model string) (*GoogleGenerator, error) {
	key := strings.TrimSpace(apiKey)
	if key == "" {
		return nil, fmt.Errorf("google generator requires an API key")
	}

	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		APIKey:  key,
		Backend: genai.BackendGeminiAPI,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create google genai client: %w", err)
	}

	if strings.TrimSpace(model) == "" {
		model = defaultGoogleModel
	}

	return &GoogleGenerator{client: client, model: model}, nil
}

func (g *GoogleGenerator) GenerateContent(ctx context.Context, req *GenerateRequest) (*GenerateResponse, error) {
	contents, cfg, model := g.buildCall(req)

	resp, err := g.client.Models.GenerateContent(ctx, model, contents, cfg)
	if err != nil {
		return nil, wrapGoogleError(model, err)
	}

	return convertGoogleResponse(resp), nil
}

func (g *GoogleGenerator) GenerateContentStream(ctx context.Context, req *GenerateRequest, fn StreamFunc) error {
	contents, cfg, model := g.buildCall(req)

	stream := g.client.Models.GenerateContentStream(ctx, model, contents, cfg)
	for result, err := range stream {
		if err != nil {
			return wrapGoogleError(model, err)
		}
		chunk := convertGoogleResponse(result)
		if chunk == nil {
			continue
		}
		if err := fn(chunk); err != nil {
			return err
		}
	}
	return nil
}

func (g *GoogleGenerator) buildCall(req *GenerateRequest) ([]*genai.Content, *genai.GenerateContentConfig, string) {
	model := req.Model
	if model == "" {
		model = g.model
	}

	contents := make([]*genai.Content, 0, len(req.Contents))
	for _, c := range req.Contents {
		if converted := convertContentToGenAI(c); converted != nil {
			contents = append(contents, converted)
		}
	}

	cfg := &genai.GenerateContentConfig{}
	if sys := strings.TrimSpace(req.SystemPrompt); sys != "" {
		cfg.SystemInstruction = genai.NewContentFromText(sys, genai.RoleUser)
	}
	if req.Temperature > 0 {
		cfg.Temperature = genai.Ptr(float32(req.Temperature))
	}
	if req.MaxTokens > 0 {
		cfg.MaxOutputTokens = int32(req.MaxTokens)
	}
	if len(req.Tools) > 0 {
		cfg.Tools = convertToolsToGenAI(req.Tools)
		cfg.ToolConfig = &genai.ToolConfig{
			FunctionCallingConfig: &genai.FunctionCallingConfig{Mode: genai.FunctionCallingConfigModeAuto},
		}
	}

	return contents, cfg, model
}

func convertContentToGenAI(c *Content) *genai.Content {
	if c == nil {
		return nil
	}

	parts := make([]*genai.Part, 0, len(c.Parts))
	for _, p := range c.Parts {
		switch v := p.(type) {
		case *TextPart:
			if v != nil {
				parts = append(parts, genai.NewPartFromText(v.Text))
			}
		case *FunctionCallPart:
			if v != nil {
				parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
					ID:   v.ID,
					Name: v.Name,
					Args: v.Args,
				}})
			}
		case *FunctionResponsePart:
			if v != nil {
				parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
					ID:       v.ID,
					Name:     v.Name,
					Response: v.Response,
				}})
			}
		case *ThoughtPart:
			// Thoughts are display-only and never sent back to the model.
		case *InlineDataPart:
			if v != nil {
				parts = append(parts, &genai.Part{InlineData: &genai.Blob{
					MIMEType: v.MIMEType,
					Data:     v.Data,
				}})
			}
		}
	}
	if len(parts) == 0 {
		return nil
	}

	var role genai.Role = genai.RoleUser
	if c.Role == RoleModel {
		role = genai.RoleModel
	}
	return genai.NewContentFromParts(parts, role)
}

func convertGoogleResponse(resp *genai.GenerateContentResponse) *GenerateResponse {
	if resp == nil {
		return nil
	}

	out := &GenerateResponse{}
	for _, candidate := range resp.Candidates {
		if candidate == nil {
			continue
		}
		out.Candidates = append(out.Candidates, &Candidate{
			Content:      convertContentFromGenAI(candidate.Content),
			FinishReason: string(candidate.FinishReason),
		})
	}

	if usage := resp.UsageMetadata; usage != nil {
		out.Usage = &UsageMetadata{
			PromptTokens:   int(usage.PromptTokenCount),
			ResponseTokens: int(usage.CandidatesTokenCount),
			ThoughtTokens:  int(usage.ThoughtsTokenCount),
			TotalTokens:    int(usage.TotalTokenCount),
		}
	}

	if len(out.Candidates) == 0 && out.Usage == nil {
		return nil
	}
	return out
}

func convertContentFromGenAI(content *genai.Content) *Content {
	if content == nil {
		return nil
	}

	parts := make([]Part, 0, len(content.Parts))
	for _, part := range content.Parts {
		if part == nil {
			continue
		}
		switch {
		case part.FunctionCall != nil:
			parts = append(parts, &FunctionCallPart{
				ID:   part.FunctionCall.ID,
				Name: part.FunctionCall.Name,
				Args: part.FunctionCall.Args,
			})
		case part.FunctionResponse != nil:
			parts = append(parts, &FunctionResponsePart{
				ID:       part.FunctionResponse.ID,
				Name:     part.FunctionResponse.Name,
				Response: part.FunctionResponse.Response,
			})
		case part.InlineData != nil:
			parts = append(parts, &InlineDataPart{
				MIMEType: part.InlineData.MIMEType,
				Data:     part.InlineData.Data,
			})
		case part.Thought:
			parts = append(parts, &ThoughtPart{Text: part.Text})
		default:
			parts = append(parts, &TextPart{Text: part.Text})
		}
	}

	role := RoleModel
	if content.Role == string(genai.RoleUser) {
		role = RoleUser
	}
	return &Content{Role: role, Parts: parts}
}

func convertToolsToGenAI(tools []*FunctionDeclaration) []*genai.Tool {
	decls := make([]*genai.FunctionDeclaration, 0, len(tools))
	for _, tool := range tools {
		if tool == nil || tool.Name == "" {
			continue
		}
		decls = append(decls, &genai.FunctionDeclaration{
			Name:                 tool.Name,
			Description:          tool.Description,
			ParametersJsonSchema: tool.Parameters,
		})
	}
	if len(decls) == 0 {
		return nil
	}
	return []*genai.Tool{{FunctionDeclarations: decls}}
}

func wrapGoogleError(model string, err error) error {
	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		logger.Debug("google genai error: status=%d message=%s", apiErr.Code, apiErr.Message)
		return &BackendError{
			StatusCode: apiErr.Code,
			Model:      model,
			Message:    apiErr.Message,
			Err:        err,
		}
	}
	return &BackendError{Model: model, Err: fmt.Errorf("google genai request failed: %w", err)}
}
