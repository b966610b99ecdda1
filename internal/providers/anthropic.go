package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/finchbot/finch/pkg/models"
)

const anthropicDefaultMaxTokens = 4096

// AnthropicProvider implements Provider over the Anthropic Messages API.
type AnthropicProvider struct {
	client anthropic.Client
}

// NewAnthropicProvider creates a provider for the given key. baseURL
// overrides the endpoint when non-empty.
func NewAnthropicProvider(apiKey, baseURL string) (*AnthropicProvider, error) {
	if apiKey == "" {
		return nil, errors.New("anthropic api key not configured")
	}
	opts := []option.RequestOption{option.WithAPIKey(apiKey)}
	if baseURL != "" {
		opts = append(opts, option.WithBaseURL(baseURL))
	}
	return &AnthropicProvider{client: anthropic.NewClient(opts...)}, nil
}

func (p *AnthropicProvider) Name() string { return "anthropic" }

func (p *AnthropicProvider) Capabilities() Capabilities {
	return Capabilities{Vision: true, NativeToolCalls: true, Streaming: false}
}

func (p *AnthropicProvider) buildParams(req *ChatRequest, model string, temperature float64) (anthropic.MessageNewParams, error) {
	messages, err := convertAnthropicMessages(req.Messages)
	if err != nil {
		return anthropic.MessageNewParams{}, err
	}

	params := anthropic.MessageNewParams{
		Model:       anthropic.Model(model),
		Messages:    messages,
		MaxTokens:   anthropicDefaultMaxTokens,
		Temperature: anthropic.Float(temperature),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	for _, t := range req.Tools {
		var schema anthropic.ToolInputSchemaParam
		if err := json.Unmarshal(t.Parameters, &schema); err != nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid schema for tool %s: %w", t.Name, err)
		}
		tool := anthropic.ToolUnionParamOfTool(schema, t.Name)
		if tool.OfTool == nil {
			return anthropic.MessageNewParams{}, fmt.Errorf("invalid tool definition for %s", t.Name)
		}
		tool.OfTool.Description = anthropic.String(t.Description)
		params.Tools = append(params.Tools, tool)
	}
	return params, nil
}

// convertAnthropicMessages maps role-tagged history to Anthropic's
// content-block form. Tool-role messages become user messages carrying a
// tool_result block; consecutive parts stay in document order.
func convertAnthropicMessages(msgs []models.ChatMessage) ([]anthropic.MessageParam, error) {
	var out []anthropic.MessageParam
	for _, m := range msgs {
		if m.Role == models.RoleSystem {
			continue
		}

		var content []anthropic.ContentBlockParamUnion
		if len(m.Parts) > 0 {
			for _, part := range m.Parts {
				switch {
				case part.ImageURL != "":
					content = append(content, anthropic.NewImageBlock(anthropic.URLImageSourceParam{
						Type: "url",
						URL:  part.ImageURL,
					}))
				case part.Text != "":
					content = append(content, anthropic.NewTextBlock(part.Text))
				}
			}
		} else if m.Content != "" {
			content = append(content, anthropic.NewTextBlock(m.Content))
		}

		if m.Role == models.RoleTool {
			content = []anthropic.ContentBlockParamUnion{
				anthropic.NewToolResultBlock(m.ToolCallID, m.Content, false),
			}
		}

		for _, tc := range m.ToolCalls {
			var input map[string]any
			if err := json.Unmarshal([]byte(tc.Arguments), &input); err != nil {
				return nil, fmt.Errorf("invalid tool call arguments for %s: %w", tc.Name, err)
			}
			content = append(content, anthropic.NewToolUseBlock(tc.ID, input, tc.Name))
		}

		if len(content) == 0 {
			continue
		}
		if m.Role == models.RoleAssistant {
			out = append(out, anthropic.NewAssistantMessage(content...))
		} else {
			out = append(out, anthropic.NewUserMessage(content...))
		}
	}
	return out, nil
}

func (p *AnthropicProvider) Chat(ctx context.Context, req *ChatRequest, model string, temperature float64) (*models.ChatResponse, error) {
	params, err := p.buildParams(req, model, temperature)
	if err != nil {
		return nil, newError(p.Name(), err)
	}

	msg, err := p.client.Messages.New(ctx, params)
	if err != nil {
		return nil, newError(p.Name(), err)
	}

	out := &models.ChatResponse{
		Usage: &models.Usage{
			InputTokens:  int(msg.Usage.InputTokens),
			OutputTokens: int(msg.Usage.OutputTokens),
		},
	}
	for _, block := range msg.Content {
		switch block.Type {
		case "text":
			out.Text += block.Text
		case "thinking":
			out.Reasoning += block.Thinking
		case "tool_use":
			out.ToolCalls = append(out.ToolCalls, models.ToolCall{
				ID:        block.ID,
				Name:      block.Name,
				Arguments: string(block.Input),
			})
		}
	}
	return out, nil
}
