package chat

import "context"

// BackendClient abstracts an external LLM endpoint (OpenAI-compatible, Anthropic, ...)
type BackendClient interface {
	// Complete sends the full role-tagged log and returns the next assistant turn
	Complete(ctx context.Context, req *CompletionRequest) (*Completion, error)
}

// BackendFunc adapts a plain function to BackendClient
type BackendFunc func(ctx context.Context, req *CompletionRequest) (*Completion, error)

func (f BackendFunc) Complete(ctx context.Context, req *CompletionRequest) (*Completion, error) {
	return f(ctx, req)
}

// Router selects the backend responsible for a model identifier
type Router interface {
	Route(modelID string) (BackendClient, error)
}
