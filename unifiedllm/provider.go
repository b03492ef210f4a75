package unifiedllm

import "context"

// Adapter is one model provider backend.
type Adapter interface {
	// Name is the provider identifier requests are routed by, such as
	// "openai" or "anthropic".
	Name() string
	Complete(ctx context.Context, req Request) (*Response, error)
}

// Handler performs a completion. Middleware wraps Handlers.
type Handler func(ctx context.Context, req Request) (*Response, error)

// Middleware decorates a Handler.
type Middleware func(next Handler) Handler

// chain wraps h so that mw[0] runs outermost.
func chain(h Handler, mw []Middleware) Handler {
	for i := len(mw) - 1; i >= 0; i-- {
		h = mw[i](h)
	}
	return h
}
