package executor

import (
	"context"
	"encoding/json"
	"net/http"
	"regexp"
	"strings"

	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/llm"
)

// DefaultModel serves generative and agentic functions that do not pin
// one.
const DefaultModel = "claude-sonnet-4-5"

// GenerativeExecutor runs tier-2 single-shot generation functions.
type GenerativeExecutor struct {
	client       ModelClient
	defaultModel string
}

// NewGenerativeExecutor creates the executor. client may be nil when the
// host provides no AI binding; executions then fail with 503.
func NewGenerativeExecutor(client ModelClient, defaultModel string) *GenerativeExecutor {
	if defaultModel == "" {
		defaultModel = DefaultModel
	}
	return &GenerativeExecutor{client: client, defaultModel: defaultModel}
}

func (e *GenerativeExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	if e.client == nil {
		return nil, httperr.New(httperr.KindUnavailable,
			"ai client binding not configured").WithCode("ai_unavailable")
	}
	spec := req.Meta.Generative
	if spec == nil {
		return nil, httperr.New(httperr.KindValidation,
			"function %s has no generative configuration", req.Meta.ID)
	}

	model := spec.Model
	if model == "" {
		model = e.defaultModel
	}
	prompt := renderTemplate(spec.UserPrompt, req.Input)

	resp, err := e.client.Complete(ctx, llm.Request{
		Model:       model,
		System:      spec.SystemPrompt,
		Messages:    []llm.Message{llm.UserText(prompt)},
		Temperature: spec.Temperature,
		MaxTokens:   spec.MaxTokens,
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, httperr.Wrap(httperr.KindInvocation, err,
			"generation failed for %s", req.Meta.ID)
	}

	body := map[string]any{}
	text := resp.Text()
	if len(spec.OutputSchema) > 0 {
		var parsed any
		if err := json.Unmarshal([]byte(strings.TrimSpace(text)), &parsed); err != nil {
			return nil, httperr.Wrap(httperr.KindInvocation, err,
				"model output for %s is not valid JSON", req.Meta.ID)
		}
		if obj, ok := parsed.(map[string]any); ok {
			body = obj
		} else {
			body["output"] = parsed
		}
	} else {
		body["output"] = text
	}

	body["_meta"] = map[string]any{
		"generativeExecution": map[string]any{
			"model": model,
			"tokens": map[string]any{
				"input":  resp.Usage.InputTokens,
				"output": resp.Usage.OutputTokens,
			},
			"stopReason": resp.StopReason,
		},
	}
	return &Response{Status: http.StatusOK, Body: body}, nil
}

var templateVar = regexp.MustCompile(`\{\{\s*([A-Za-z_][A-Za-z0-9_]*)\s*\}\}`)

// renderTemplate substitutes {{var}} placeholders with JSON-stringified
// input fields. Unknown placeholders are left intact.
func renderTemplate(prompt string, input map[string]any) string {
	return templateVar.ReplaceAllStringFunc(prompt, func(match string) string {
		name := templateVar.FindStringSubmatch(match)[1]
		value, ok := input[name]
		if !ok {
			return match
		}
		if s, ok := value.(string); ok {
			return s
		}
		encoded, err := json.Marshal(value)
		if err != nil {
			return match
		}
		return string(encoded)
	})
}
