package llm

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
)

// OpenAIClient talks to any OpenAI-compatible chat completions endpoint,
// including hosted APIs and a local Ollama /v1 surface.
type OpenAIClient struct {
	client      *openai.Client
	logger      *slog.Logger
	temperature float32
	maxTokens   int
}

// OpenAIOption configures an OpenAIClient.
type OpenAIOption func(*OpenAIClient)

// WithLogger sets a logger for request diagnostics.
func WithLogger(l *slog.Logger) OpenAIOption {
	return func(c *OpenAIClient) { c.logger = l }
}

// WithTemperature sets the sampling temperature on every request.
func WithTemperature(t float64) OpenAIOption {
	return func(c *OpenAIClient) { c.temperature = float32(t) }
}

// WithMaxTokens caps the completion length on every request.
func WithMaxTokens(n int) OpenAIOption {
	return func(c *OpenAIClient) { c.maxTokens = n }
}

// NewOpenAIClient creates a client for the given base URL. An empty
// apiKey is fine for local endpoints that don't authenticate.
func NewOpenAIClient(baseURL, apiKey string, httpClient *http.Client, opts ...OpenAIOption) *OpenAIClient {
	cfg := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		cfg.BaseURL = baseURL
	}
	if httpClient != nil {
		cfg.HTTPClient = httpClient
	}

	c := &OpenAIClient{
		client: openai.NewClientWithConfig(cfg),
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(c)
	}
	return c
}

// Chat implements Client.
func (c *OpenAIClient) Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error) {
	req := c.buildRequest(model, messages, tools, false)

	c.logger.Log(ctx, LevelTrace, "chat request",
		"model", model,
		"messages", len(messages),
		"tools", len(tools),
	)

	resp, err := c.client.CreateChatCompletion(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat completion: %w", err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("chat completion: no choices in response")
	}

	choice := resp.Choices[0]
	out := &ChatResponse{
		Model:        resp.Model,
		CreatedAt:    time.Unix(resp.Created, 0),
		Message:      fromOpenAIMessage(choice.Message),
		FinishReason: string(choice.FinishReason),
		InputTokens:  resp.Usage.PromptTokens,
		OutputTokens: resp.Usage.CompletionTokens,
	}

	c.logger.Log(ctx, LevelTrace, "chat response",
		"finish_reason", out.FinishReason,
		"tool_calls", len(out.Message.ToolCalls),
		"content_len", len(out.Message.Content),
	)

	return out, nil
}

// ChatStream implements Client. Tool-call fragments arriving across
// deltas are accumulated by index before the final response is built.
func (c *OpenAIClient) ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error) {
	req := c.buildRequest(model, messages, tools, true)

	stream, err := c.client.CreateChatCompletionStream(ctx, req)
	if err != nil {
		return nil, fmt.Errorf("chat stream: %w", err)
	}
	defer stream.Close()

	var (
		content      string
		reasoning    string
		finishReason string
		respModel    string
		toolCalls    []ToolCall
		usage        openai.Usage
	)

	for {
		chunk, err := stream.Recv()
		if errors.Is(err, io.EOF) {
			break
		}
		if err != nil {
			return nil, fmt.Errorf("chat stream recv: %w", err)
		}

		if chunk.Model != "" {
			respModel = chunk.Model
		}
		if chunk.Usage != nil {
			usage = *chunk.Usage
		}
		if len(chunk.Choices) == 0 {
			continue
		}

		choice := chunk.Choices[0]
		if choice.FinishReason != "" {
			finishReason = string(choice.FinishReason)
		}

		delta := choice.Delta
		if delta.ReasoningContent != "" {
			reasoning += delta.ReasoningContent
		}
		if delta.Content != "" {
			content += delta.Content
			if callback != nil {
				callback(StreamEvent{Kind: KindToken, Token: delta.Content})
			}
		}

		for _, tc := range delta.ToolCalls {
			idx := 0
			if tc.Index != nil {
				idx = *tc.Index
			}
			for len(toolCalls) <= idx {
				toolCalls = append(toolCalls, ToolCall{})
			}
			if tc.ID != "" {
				toolCalls[idx].ID = tc.ID
			}
			if tc.Function.Name != "" {
				toolCalls[idx].Name = tc.Function.Name
			}
			toolCalls[idx].Arguments += tc.Function.Arguments
		}
	}

	resp := &ChatResponse{
		Model:     respModel,
		CreatedAt: time.Now(),
		Message: Message{
			Role:      openai.ChatMessageRoleAssistant,
			Content:   content,
			Reasoning: reasoning,
			ToolCalls: toolCalls,
		},
		FinishReason: finishReason,
		InputTokens:  usage.PromptTokens,
		OutputTokens: usage.CompletionTokens,
	}

	if callback != nil {
		callback(StreamEvent{Kind: KindDone, Response: resp})
	}

	return resp, nil
}

// Ping implements Client by listing models on the endpoint.
func (c *OpenAIClient) Ping(ctx context.Context) error {
	_, err := c.client.ListModels(ctx)
	return err
}

func (c *OpenAIClient) buildRequest(model string, messages []Message, tools []map[string]any, stream bool) openai.ChatCompletionRequest {
	req := openai.ChatCompletionRequest{
		Model:       model,
		Messages:    toOpenAIMessages(messages),
		Temperature: c.temperature,
		MaxTokens:   c.maxTokens,
		Tools:       toOpenAITools(tools),
		Stream:      stream,
	}
	if stream {
		req.StreamOptions = &openai.StreamOptions{IncludeUsage: true}
	}
	return req
}

func toOpenAIMessages(messages []Message) []openai.ChatCompletionMessage {
	out := make([]openai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		om := openai.ChatCompletionMessage{
			Role:       m.Role,
			Content:    m.Content,
			ToolCallID: m.ToolCallID,
		}
		for _, tc := range m.ToolCalls {
			om.ToolCalls = append(om.ToolCalls, openai.ToolCall{
				ID:   tc.ID,
				Type: openai.ToolTypeFunction,
				Function: openai.FunctionCall{
					Name:      tc.Name,
					Arguments: tc.Arguments,
				},
			})
		}
		out = append(out, om)
	}
	return out
}

func fromOpenAIMessage(m openai.ChatCompletionMessage) Message {
	msg := Message{
		Role:       m.Role,
		Content:    m.Content,
		Reasoning:  m.ReasoningContent,
		ToolCallID: m.ToolCallID,
	}
	for _, tc := range m.ToolCalls {
		msg.ToolCalls = append(msg.ToolCalls, ToolCall{
			ID:        tc.ID,
			Name:      tc.Function.Name,
			Arguments: tc.Function.Arguments,
		})
	}
	return msg
}

// toOpenAITools converts tool catalogue entries from their wire-shape
// maps ({"type": "function", "function": {...}}) to typed definitions.
func toOpenAITools(tools []map[string]any) []openai.Tool {
	if len(tools) == 0 {
		return nil
	}
	out := make([]openai.Tool, 0, len(tools))
	for _, t := range tools {
		fn, ok := t["function"].(map[string]any)
		if !ok {
			continue
		}
		def := &openai.FunctionDefinition{}
		if name, ok := fn["name"].(string); ok {
			def.Name = name
		}
		if desc, ok := fn["description"].(string); ok {
			def.Description = desc
		}
		if params, ok := fn["parameters"]; ok {
			def.Parameters = params
		}
		out = append(out, openai.Tool{
			Type:     openai.ToolTypeFunction,
			Function: def,
		})
	}
	return out
}
