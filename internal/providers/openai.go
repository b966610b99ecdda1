package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"

	"github.com/finchbot/finch/pkg/models"
	openai "github.com/sashabaranov/go-openai"
)

// OpenAIProvider speaks the OpenAI chat-completions wire format. It also
// serves any OpenAI-compatible endpoint via BaseURL.
type OpenAIProvider struct {
	client *openai.Client
	vision bool
}

// NewOpenAIProvider creates a provider for the given key. baseURL overrides
// the endpoint for compatible servers; empty means api.openai.com.
func NewOpenAIProvider(apiKey, baseURL string) (*OpenAIProvider, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	return &OpenAIProvider{client: openai.NewClientWithConfig(cfg), vision: true}, nil
}

func (p *OpenAIProvider) Name() string { return "openai" }

func (p *OpenAIProvider) Capabilities() Capabilities {
	return Capabilities{Vision: p.vision, NativeToolCalls: true, Streaming: true}
}

func (p *OpenAIProvider) buildRequest(req *ChatRequest, model string, temperature float64) openai.ChatCompletionRequest {
	messages := make([]openai.ChatCompletionMessage, 0, len(req.Messages)+1)
	if req.System != "" {
		messages = append(messages, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: req.System,
		})
	}
	for _, m := range req.Messages {
		messages = append(messages, p.convertMessage(m))
	}

	out := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    messages,
		Temperature: float32(temperature),
	}
	for _, t := range req.Tools {
		out.Tools = append(out.Tools, openai.Tool{
			Type: openai.ToolTypeFunction,
			Function: &openai.FunctionDefinition{
				Name:        t.Name,
				Description: t.Description,
				Parameters:  json.RawMessage(t.Parameters),
			},
		})
	}
	return out
}

func (p *OpenAIProvider) convertMessage(m models.ChatMessage) openai.ChatCompletionMessage {
	out := openai.ChatCompletionMessage{Role: string(m.Role)}

	switch m.Role {
	case models.RoleAssistant:
		out.Content = m.Content
		for _, tc := range m.ToolCalls {
			out.ToolCalls = append(out.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
	case models.RoleTool:
		out.Content = m.Content
		out.ToolCallID = m.ToolCallID
	default:
		if len(m.Parts) > 0 {
			for _, part := range m.Parts {
				if part.ImageURL != "" {
					out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
						Type:     openai.ChatMessagePartTypeImageURL,
						ImageURL: &openai.ChatMessageImageURL{URL: part.ImageURL},
					})
				} else if part.Text != "" {
					out.MultiContent = append(out.MultiContent, openai.ChatMessagePart{
						Type: openai.ChatMessagePartTypeText,
						Text: part.Text,
					})
				}
			}
		} else {
			out.Content = m.Content
		}
	}
	return out
}

func (p *OpenAIProvider) Chat(ctx context.Context, req *ChatRequest, model string, temperature float64) (*models.ChatResponse, error) {
	resp, err := p.client.CreateChatCompletion(ctx, p.buildRequest(req, model, temperature))
	if err != nil {
		return nil, newError(p.Name(), err)
	}
	if len(resp.Choices) == 0 {
		return nil, newError(p.Name(), errors.New("empty completion"))
	}

	choice := resp.Choices[0]
	out := &models.ChatResponse{
		Text: choice.Message.Content,
		Usage: &models.Usage{
			InputTokens:  resp.Usage.PromptTokens,
			OutputTokens: resp.Usage.CompletionTokens,
		},
		Reasoning: choice.Message.ReasoningContent,
	}
	for _, tc := range choice.Message.ToolCalls {
		out.ToolCalls = append(out.ToolCalls, models.ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return out, nil
}

func (p *OpenAIProvider) ChatStream(ctx context.Context, req *ChatRequest, model string, temperature float64, onDelta func(string)) (*models.ChatResponse, error) {
	chatReq := p.buildRequest(req, model, temperature)
	chatReq.Stream = true

	stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
	if err != nil {
		return nil, newError(p.Name(), err)
	}
	defer stream.Close()

	var text string
	pending := map[int]*models.ToolCall{}
	order := []int{}

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, newError(p.Name(), err)
		}
		if len(chunk.Choices) == 0 {
			continue
		}
		delta := chunk.Choices[0].Delta
		if delta.Content != "" {
			text += delta.Content
			if onDelta != nil {
				onDelta(delta.Content)
			}
		}
		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			call, ok := pending[idx]
			if !ok {
				call = &models.ToolCall{}
				pending[idx] = call
				order = append(order, idx)
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			call.Arguments += tc.Function.Arguments
		}
	}

	out := &models.ChatResponse{Text: text}
	for _, idx := range order {
		out.ToolCalls = append(out.ToolCalls, *pending[idx])
	}
	return out, nil
}

// OpenAIEmbedder implements memory.Embedder over the embeddings endpoint.
type OpenAIEmbedder struct {
	client *openai.Client
	model  openai.EmbeddingModel
}

// NewOpenAIEmbedder creates an embedder; model defaults to
// text-embedding-3-small.
func NewOpenAIEmbedder(apiKey, baseURL, model string) (*OpenAIEmbedder, error) {
	if apiKey == "" {
		return nil, errors.New("openai api key not configured")
	}
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}
	return &OpenAIEmbedder{client: openai.NewClientWithConfig(cfg), model: openai.EmbeddingModel(model)}, nil
}

func (e *OpenAIEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	resp, err := e.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: []string{text},
		Model: e.model,
	})
	if err != nil {
		return nil, newError("openai-embeddings", err)
	}
	if len(resp.Data) == 0 {
		return nil, fmt.Errorf("empty embedding response")
	}
	return resp.Data[0].Embedding, nil
}
