package llm

import "context"

// Client is the interface that all completion providers must implement.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// Transport failures are returned to the caller unmodified; the
	// client does not retry.
	Chat(ctx context.Context, model string, messages []Message, tools []map[string]any) (*ChatResponse, error)

	// ChatStream sends a streaming chat request. If callback is non-nil,
	// incremental tokens are delivered to it.
	ChatStream(ctx context.Context, model string, messages []Message, tools []map[string]any, callback StreamCallback) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
