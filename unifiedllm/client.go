package unifiedllm

import (
	"context"
	"errors"
	"sort"
	"sync"
)

// Client routes requests to registered adapters through a middleware chain.
type Client struct {
	mu         sync.RWMutex
	adapters   map[string]Adapter
	fallback   string
	middleware []Middleware
	handler    Handler
}

// ClientOption configures a Client.
type ClientOption func(*Client)

// WithAdapter registers a. The first adapter registered becomes the
// fallback provider unless WithFallback names another.
func WithAdapter(a Adapter) ClientOption {
	return func(c *Client) { c.register(a) }
}

// WithFallback names the provider used when a request names none.
func WithFallback(provider string) ClientOption {
	return func(c *Client) { c.fallback = provider }
}

// WithMiddleware appends mw to the chain.
func WithMiddleware(mw ...Middleware) ClientOption {
	return func(c *Client) { c.middleware = append(c.middleware, mw...) }
}

func NewClient(opts ...ClientOption) *Client {
	c := &Client{adapters: map[string]Adapter{}}
	for _, opt := range opts {
		opt(c)
	}
	c.handler = chain(c.dispatch, c.middleware)
	return c
}

// NewClientFromEnv registers a gollm adapter for every supported provider
// whose API key is present in the environment.
func NewClientFromEnv(opts ...ClientOption) *Client {
	c := NewClient(opts...)
	for _, provider := range []string{"anthropic", "openai"} {
		if a, err := NewGollmAdapter(provider, ""); err == nil {
			c.Register(a)
		}
	}
	return c
}

func (c *Client) register(a Adapter) {
	c.adapters[a.Name()] = a
	if c.fallback == "" {
		c.fallback = a.Name()
	}
}

// Register adds an adapter after construction.
func (c *Client) Register(a Adapter) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.register(a)
}

// Use appends middleware after construction.
func (c *Client) Use(mw ...Middleware) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.middleware = append(c.middleware, mw...)
	c.handler = chain(c.dispatch, c.middleware)
}

// Providers lists registered provider names in sorted order.
func (c *Client) Providers() []string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	names := make([]string, 0, len(c.adapters))
	for name := range c.adapters {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Fallback returns the provider used for requests that name none.
func (c *Client) Fallback() string {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.fallback
}

// route picks the provider for req: the one it names, then the model
// catalog's owner of req.Model if registered, then the fallback.
func (c *Client) route(req Request) (string, error) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if req.Provider != "" {
		if _, ok := c.adapters[req.Provider]; !ok {
			return "", configError("provider %q is not registered", req.Provider)
		}
		return req.Provider, nil
	}
	if info := GetModelInfo(req.Model); info != nil {
		if _, ok := c.adapters[info.Provider]; ok {
			return info.Provider, nil
		}
	}
	if c.fallback == "" {
		return "", configError("no provider registered")
	}
	return c.fallback, nil
}

// Complete sends req to its provider.
func (c *Client) Complete(ctx context.Context, req Request) (*Response, error) {
	provider, err := c.route(req)
	if err != nil {
		return nil, err
	}
	req.Provider = provider
	c.mu.RLock()
	h := c.handler
	c.mu.RUnlock()
	return h(ctx, req)
}

func (c *Client) dispatch(ctx context.Context, req Request) (*Response, error) {
	c.mu.RLock()
	a, ok := c.adapters[req.Provider]
	c.mu.RUnlock()
	if !ok {
		return nil, configError("provider %q is not registered", req.Provider)
	}
	return a.Complete(ctx, req)
}

// Close closes every adapter that holds resources.
func (c *Client) Close() error {
	c.mu.RLock()
	defer c.mu.RUnlock()
	var errs []error
	for _, a := range c.adapters {
		if closer, ok := a.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
