package executor

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"

	"github.com/santhosh-tekuri/jsonschema/v5"

	"github.com/fngate/fngate/internal/fn"
)

// toolHandler executes one tool call and returns the textual result the
// model sees.
type toolHandler func(ctx context.Context, args map[string]any) (string, error)

// boundTool pairs a tool declaration with its handler and compiled
// argument schema.
type boundTool struct {
	spec    fn.ToolSpec
	handler toolHandler
	schema  *jsonschema.Schema
}

// toolRegistry is the per-function-id set of bound tools, cached across
// dispatches.
type toolRegistry struct {
	tools map[string]*boundTool
}

// NestedInvoker dispatches a nested function call from a function tool.
// The dispatcher satisfies it.
type NestedInvoker interface {
	Invoke(ctx context.Context, functionID string, input map[string]any, correlationID string) (*Response, error)
}

// WebClient performs the HTTP calls behind builtin and api tools.
type WebClient interface {
	Do(req *http.Request) (*http.Response, error)
}

// toolFactory builds handlers keyed by implementation type. An unknown
// type yields a nil handler and the tool is skipped.
type toolFactory struct {
	web      WebClient
	invoker  NestedInvoker
	searcher SearchService
}

// SearchService backs the web_search builtin.
type SearchService interface {
	Search(ctx context.Context, query string) (string, error)
}

const toolResultLimit = 64 * 1024

// Registries are cached per function id, so handlers must not capture
// request-scoped values; the correlation id travels in the context.
type ctxKey int

const correlationKey ctxKey = iota

// WithCorrelation stamps a correlation id onto the context for nested
// dispatch attribution.
func WithCorrelation(ctx context.Context, id string) context.Context {
	return context.WithValue(ctx, correlationKey, id)
}

// CorrelationFrom returns the stamped correlation id, if any.
func CorrelationFrom(ctx context.Context) string {
	id, _ := ctx.Value(correlationKey).(string)
	return id
}

func (f *toolFactory) build(impl fn.ToolImpl) toolHandler {
	switch impl.Type {
	case fn.ToolBuiltin:
		return f.builtin(impl.Builtin)
	case fn.ToolAPI:
		return f.apiTool(impl)
	case fn.ToolFunction:
		return f.functionTool(impl.FunctionID)
	default:
		// Inline handlers are rejected with 501 before the loop starts;
		// anything else unknown is skipped.
		return nil
	}
}

func (f *toolFactory) builtin(name string) toolHandler {
	switch name {
	case "web_search":
		return func(ctx context.Context, args map[string]any) (string, error) {
			query, _ := args["query"].(string)
			if query == "" {
				return "", fmt.Errorf("web_search requires a query argument")
			}
			if f.searcher == nil {
				return "", fmt.Errorf("web_search backend not configured")
			}
			return f.searcher.Search(ctx, query)
		}
	case "web_fetch":
		return func(ctx context.Context, args map[string]any) (string, error) {
			url, _ := args["url"].(string)
			if url == "" {
				return "", fmt.Errorf("web_fetch requires a url argument")
			}
			return f.fetch(ctx, url)
		}
	default:
		return func(ctx context.Context, args map[string]any) (string, error) {
			return "", fmt.Errorf("unknown builtin tool %q", name)
		}
	}
}

func (f *toolFactory) fetch(ctx context.Context, url string) (string, error) {
	if f.web == nil {
		return "", fmt.Errorf("web client not configured")
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, url, nil)
	if err != nil {
		return "", err
	}
	resp, err := f.web.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	payload, err := io.ReadAll(io.LimitReader(resp.Body, toolResultLimit))
	if err != nil {
		return "", err
	}
	if resp.StatusCode >= 400 {
		return "", fmt.Errorf("fetch %s: status %d", url, resp.StatusCode)
	}
	return string(payload), nil
}

func (f *toolFactory) apiTool(impl fn.ToolImpl) toolHandler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		if f.web == nil {
			return "", fmt.Errorf("web client not configured")
		}
		payload, err := json.Marshal(args)
		if err != nil {
			return "", err
		}
		req, err := http.NewRequestWithContext(ctx, http.MethodPost, impl.Endpoint, bytes.NewReader(payload))
		if err != nil {
			return "", err
		}
		req.Header.Set("Content-Type", "application/json")
		for k, v := range impl.Headers {
			req.Header.Set(k, v)
		}
		resp, err := f.web.Do(req)
		if err != nil {
			return "", err
		}
		defer resp.Body.Close()
		body, err := io.ReadAll(io.LimitReader(resp.Body, toolResultLimit))
		if err != nil {
			return "", err
		}
		if resp.StatusCode >= 400 {
			return "", fmt.Errorf("api tool %s: status %d: %s", impl.Endpoint, resp.StatusCode, body)
		}
		return string(body), nil
	}
}

func (f *toolFactory) functionTool(functionID string) toolHandler {
	return func(ctx context.Context, args map[string]any) (string, error) {
		if f.invoker == nil {
			return "", fmt.Errorf("nested dispatch not configured")
		}
		resp, err := f.invoker.Invoke(ctx, functionID, args, CorrelationFrom(ctx))
		if err != nil {
			return "", err
		}
		body := map[string]any{}
		for k, v := range resp.Body {
			if k != "_meta" {
				body[k] = v
			}
		}
		encoded, err := json.Marshal(body)
		if err != nil {
			return "", err
		}
		return string(encoded), nil
	}
}

// buildRegistry binds every tool in the spec. Tools whose implementation
// type is unknown are skipped.
func (f *toolFactory) buildRegistry(spec *fn.AgenticSpec) *toolRegistry {
	reg := &toolRegistry{tools: map[string]*boundTool{}}
	for _, tool := range spec.Tools {
		handler := f.build(tool.Implementation)
		if handler == nil {
			continue
		}
		bound := &boundTool{spec: tool, handler: handler}
		if len(tool.InputSchema) > 0 {
			if schema, err := compileSchema(tool.Name, tool.InputSchema); err == nil {
				bound.schema = schema
			}
		}
		reg.tools[tool.Name] = bound
	}
	return reg
}

func compileSchema(name string, raw json.RawMessage) (*jsonschema.Schema, error) {
	compiler := jsonschema.NewCompiler()
	url := "inline://tool/" + name
	if err := compiler.AddResource(url, bytes.NewReader(raw)); err != nil {
		return nil, err
	}
	return compiler.Compile(url)
}

// call validates the arguments and runs the handler.
func (t *boundTool) call(ctx context.Context, raw json.RawMessage) (string, error) {
	args := map[string]any{}
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &args); err != nil {
			return "", fmt.Errorf("tool %s: arguments are not a JSON object: %w", t.spec.Name, err)
		}
	}
	if t.schema != nil {
		var doc any
		if len(raw) > 0 {
			_ = json.Unmarshal(raw, &doc)
		} else {
			doc = map[string]any{}
		}
		if err := t.schema.Validate(doc); err != nil {
			return "", fmt.Errorf("tool %s: invalid arguments: %w", t.spec.Name, err)
		}
	}
	return t.handler(ctx, args)
}
