// Package llm provides LLM client implementations.
package llm

import "context"

// Client is the interface the classifier depends on. It is narrower than a
// general-purpose chat client: classification is a single non-streaming
// request per message, never tool-calling, so that shape is not exposed here.
type Client interface {
	// Chat sends a chat completion request and returns the response.
	// format, when set to "json", asks the provider to constrain its
	// output to valid JSON. temperature of 0 uses the provider's own
	// default rather than forcing greedy decoding.
	Chat(ctx context.Context, model string, messages []Message, format string, temperature float64) (*ChatResponse, error)

	// Ping checks if the provider is reachable.
	Ping(ctx context.Context) error
}
