package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"sort"
	"strings"
	"sync"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/llm"
)

// DefaultMaxIterations bounds the agentic tool loop when the function
// does not set its own limit.
const DefaultMaxIterations = 10

// AgenticExecutor runs tier-3 multi-step agent functions. Tool
// registries are cached per function id across dispatches.
type AgenticExecutor struct {
	client       ModelClient
	defaultModel string
	factory      *toolFactory

	mu         sync.Mutex
	registries map[string]*toolRegistry
}

// NewAgenticExecutor creates the executor. client may be nil when the
// host provides no AI binding; executions then fail with 503. invoker
// backs function tools, web backs api and builtin tools, searcher backs
// web_search.
func NewAgenticExecutor(client ModelClient, defaultModel string, invoker NestedInvoker, web WebClient, searcher SearchService) *AgenticExecutor {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	if web == nil {
		web = http.DefaultClient
	}
	return &AgenticExecutor{
		client:       client,
		defaultModel: defaultModel,
		factory:      &toolFactory{web: web, invoker: invoker, searcher: searcher},
		registries:   map[string]*toolRegistry{},
	}
}

// SetInvoker binds nested dispatch after construction; the dispatcher
// and agentic executor reference each other.
func (e *AgenticExecutor) SetInvoker(invoker NestedInvoker) {
	e.factory.invoker = invoker
}

// InvalidateTools drops every cached registry for a function, for use
// after redeploy or rollback.
func (e *AgenticExecutor) InvalidateTools(functionID string) {
	e.mu.Lock()
	for key := range e.registries {
		if strings.HasPrefix(key, functionID+"@") {
			delete(e.registries, key)
		}
	}
	e.mu.Unlock()
}

func (e *AgenticExecutor) registry(meta *fn.Metadata) *toolRegistry {
	key := meta.ID + "@" + meta.Version
	e.mu.Lock()
	defer e.mu.Unlock()
	if reg, ok := e.registries[key]; ok {
		return reg
	}
	reg := e.factory.buildRegistry(meta.Agentic)
	e.registries[key] = reg
	return reg
}

func (e *AgenticExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	if e.client == nil {
		return nil, httperr.New(httperr.KindUnavailable,
			"ai client binding not configured").WithCode("ai_unavailable")
	}
	spec := req.Meta.Agentic
	if spec == nil {
		return nil, httperr.New(httperr.KindValidation,
			"function %s has no agentic configuration", req.Meta.ID)
	}
	for _, tool := range spec.Tools {
		if tool.Implementation.Type == fn.ToolInline {
			return nil, httperr.New(httperr.KindNotImplemented,
				"tool %q uses an inline handler; inline tool handlers are not supported, deploy the code as a function and reference it by id",
				tool.Name)
		}
	}

	model := spec.Model
	if model == "" {
		model = e.defaultModel
	}
	maxIterations := spec.MaxIterations
	if maxIterations <= 0 {
		maxIterations = DefaultMaxIterations
	}

	reg := e.registry(req.Meta)
	tools := make([]llm.ToolDef, 0, len(reg.tools))
	for _, t := range reg.tools {
		tools = append(tools, llm.ToolDef{
			Name:        t.spec.Name,
			Description: t.spec.Description,
			InputSchema: t.spec.InputSchema,
		})
	}
	sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })

	goal, err := json.Marshal(map[string]any{"goal": spec.Goal, "input": req.Input})
	if err != nil {
		return nil, httperr.Wrap(httperr.KindInternal, err, "encode agent goal")
	}

	ctx = WithCorrelation(ctx, req.CorrelationID)
	messages := []llm.Message{llm.UserText(string(goal))}
	toolsUsed := map[string]bool{}
	iterations := 0
	budget := int64(spec.TokenBudget)
	var tokensUsed int64
	var final llm.Response

	for iterations < maxIterations {
		iterations++
		resp, err := e.client.Complete(ctx, llm.Request{
			Model:    model,
			System:   spec.SystemPrompt,
			Messages: messages,
			Tools:    tools,
		})
		if err != nil {
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			return nil, httperr.Wrap(httperr.KindInvocation, err,
				"agent %s failed at iteration %d", req.Meta.ID, iterations)
		}
		final = resp
		tokensUsed += resp.Usage.InputTokens + resp.Usage.OutputTokens

		uses := resp.ToolUses()
		if len(uses) == 0 {
			break
		}
		// The token budget bounds the whole run, not a single completion;
		// stop looping once cumulative usage crosses it.
		if budget > 0 && tokensUsed >= budget {
			break
		}
		messages = append(messages, llm.Message{Role: llm.RoleAssistant, Content: resp.Content})
		results := make([]llm.ContentBlock, 0, len(uses))
		for _, use := range uses {
			toolsUsed[use.ToolName] = true
			result, err := e.runTool(ctx, reg, use)
			if err != nil {
				results = append(results, llm.ToolResultBlock(use.ToolID, err.Error(), true))
				continue
			}
			results = append(results, llm.ToolResultBlock(use.ToolID, result, false))
		}
		messages = append(messages, llm.Message{Role: llm.RoleUser, Content: results})
	}

	body := map[string]any{}
	text := final.Text()
	if len(spec.OutputSchema) > 0 {
		var parsed any
		if err := json.Unmarshal([]byte(text), &parsed); err == nil {
			if obj, ok := parsed.(map[string]any); ok {
				body = obj
			} else {
				body["output"] = parsed
			}
		} else {
			body["output"] = text
		}
	} else {
		body["output"] = text
	}

	used := make([]string, 0, len(toolsUsed))
	for name := range toolsUsed {
		used = append(used, name)
	}
	sort.Strings(used)

	body["_meta"] = map[string]any{
		"agenticExecution": map[string]any{
			"model":      model,
			"iterations": iterations,
			"toolsUsed":  used,
			"tokensUsed": tokensUsed,
		},
	}
	return &Response{Status: http.StatusOK, Body: body}, nil
}

func (e *AgenticExecutor) runTool(ctx context.Context, reg *toolRegistry, use llm.ContentBlock) (string, error) {
	tool, ok := reg.tools[use.ToolName]
	if !ok {
		return "", httperr.New(httperr.KindValidation, "unknown tool %q", use.ToolName)
	}
	return tool.call(ctx, use.ToolInput)
}
