// Package providers adapts LLM backends to the runtime's provider contract.
package providers

import (
	"context"

	"github.com/finchbot/finch/pkg/models"
)

// Capabilities declares what a provider can do. The turn engine consults
// Vision before forwarding image-bearing messages and Streaming before
// entering the draft lifecycle.
type Capabilities struct {
	Vision          bool
	NativeToolCalls bool
	Streaming       bool
}

// ChatRequest is the provider-independent request shape.
type ChatRequest struct {
	System   string
	Messages []models.ChatMessage
	Tools    []models.ToolSpec
}

// Provider is an opaque handle over one LLM backend. Implementations are
// stateless between calls and safe for concurrent use.
type Provider interface {
	// Chat performs one completion.
	Chat(ctx context.Context, req *ChatRequest, model string, temperature float64) (*models.ChatResponse, error)

	Name() string
	Capabilities() Capabilities
}

// StreamingProvider is implemented by providers that can deliver text
// deltas while the completion is in flight. onDelta is called from the
// request goroutine with each text fragment; the final response is
// returned as from Chat.
type StreamingProvider interface {
	Provider
	ChatStream(ctx context.Context, req *ChatRequest, model string, temperature float64, onDelta func(string)) (*models.ChatResponse, error)
}
