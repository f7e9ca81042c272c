package llm

import (
	"context"
	"strings"
)

// ProviderAdapter is one provider backend.
type ProviderAdapter interface {
	Name() string
	Complete(ctx context.Context, req Request) (Response, error)
}

// Client routes requests to registered provider adapters. The first
// registered adapter becomes the default.
type Client struct {
	providers       map[string]ProviderAdapter
	defaultProvider string
}

// NewClient creates an empty client.
func NewClient() *Client {
	return &Client{providers: map[string]ProviderAdapter{}}
}

// Register adds an adapter under its canonical name.
func (c *Client) Register(adapter ProviderAdapter) {
	if c.providers == nil {
		c.providers = map[string]ProviderAdapter{}
	}
	name := canonicalProviderName(adapter.Name())
	c.providers[name] = adapter
	if c.defaultProvider == "" {
		c.defaultProvider = name
	}
}

// SetDefaultProvider overrides which adapter serves requests that do not
// name a provider.
func (c *Client) SetDefaultProvider(name string) {
	c.defaultProvider = canonicalProviderName(name)
}

// ProviderNames lists registered adapters.
func (c *Client) ProviderNames() []string {
	if c == nil || len(c.providers) == 0 {
		return nil
	}
	out := make([]string, 0, len(c.providers))
	for k := range c.providers {
		out = append(out, k)
	}
	return out
}

// Complete validates the request and dispatches it to the named or
// default provider.
func (c *Client) Complete(ctx context.Context, req Request) (Response, error) {
	if err := req.Validate(); err != nil {
		return Response{}, err
	}
	prov := req.Provider
	if prov == "" {
		prov = c.defaultProvider
	}
	if prov == "" {
		return Response{}, &ConfigurationError{Message: "no provider specified and no default provider configured"}
	}
	prov = canonicalProviderName(prov)
	adapter, ok := c.providers[prov]
	if !ok {
		return Response{}, &ConfigurationError{Message: "unknown provider: " + prov}
	}
	req.Provider = prov
	return adapter.Complete(ctx, req)
}

func canonicalProviderName(name string) string {
	return strings.ToLower(strings.TrimSpace(name))
}
