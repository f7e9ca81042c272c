package executor

import (
	"context"
	"errors"
	"net/http"
	"testing"

	"github.com/oklog/ulid/v2"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/llm"
	"github.com/fngate/fngate/internal/store"
)

type fakeSandbox struct {
	result *SandboxResult
	err    error
	calls  int
}

func (s *fakeSandbox) Invoke(ctx context.Context, artifact *store.Artifact, input map[string]any) (*SandboxResult, error) {
	s.calls++
	if s.err != nil {
		return nil, s.err
	}
	return s.result, nil
}

func codeMeta(id string) *fn.Metadata {
	return &fn.Metadata{
		ID:      id,
		Version: "1.0.0",
		Kind:    fn.KindCode,
		Code:    &fn.CodeSpec{Language: fn.LangJavaScript, EntryPoint: "index.js"},
	}
}

func TestCodeExecutorRequiresSandboxBinding(t *testing.T) {
	e := NewCodeExecutor(nil)
	_, err := e.Execute(context.Background(), Request{
		Meta: codeMeta("adder"),
		Code: &store.Artifact{Text: "x"},
	})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindUnavailable {
		t.Fatalf("error = %v, want service_unavailable", err)
	}
}

func TestCodeExecutorRequiresArtifact(t *testing.T) {
	e := NewCodeExecutor(&fakeSandbox{})
	_, err := e.Execute(context.Background(), Request{Meta: codeMeta("adder")})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindNotFound {
		t.Fatalf("error = %v, want not_found", err)
	}
}

func TestCodeExecutorPropagatesUserStatus(t *testing.T) {
	sandbox := &fakeSandbox{result: &SandboxResult{
		Status: http.StatusTeapot,
		Body:   map[string]any{"sum": float64(3)},
	}}
	e := NewCodeExecutor(sandbox)

	resp, err := e.Execute(context.Background(), Request{
		Meta:  codeMeta("adder"),
		Input: map[string]any{"a": 1, "b": 2},
		Code:  &store.Artifact{Text: "export default add"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != http.StatusTeapot {
		t.Fatalf("status = %d, want propagated 418", resp.Status)
	}
	if resp.Body["sum"] != float64(3) {
		t.Fatalf("body = %+v", resp.Body)
	}
}

func TestCodeExecutorWrapsSandboxFailure(t *testing.T) {
	e := NewCodeExecutor(&fakeSandbox{err: errors.New("segfault")})
	_, err := e.Execute(context.Background(), Request{
		Meta: codeMeta("adder"),
		Code: &store.Artifact{Text: "x"},
	})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindInvocation {
		t.Fatalf("error = %v, want invocation", err)
	}
}

func generativeMeta(prompt string, schema string) *fn.Metadata {
	spec := &fn.GenerativeSpec{UserPrompt: prompt}
	if schema != "" {
		spec.OutputSchema = []byte(schema)
	}
	return &fn.Metadata{ID: "summarize", Version: "1.0.0", Kind: fn.KindGenerative, Generative: spec}
}

func TestGenerativeExecutorTemplatesPrompt(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{Content: []llm.ContentBlock{llm.TextBlock("done")}, StopReason: llm.StopEndTurn},
	}}
	e := NewGenerativeExecutor(model, "")

	resp, err := e.Execute(context.Background(), Request{
		Meta:  generativeMeta("Summarize {{text}} in {{count}} words for {{missing}}", ""),
		Input: map[string]any{"text": "the report", "count": 5},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != http.StatusOK || resp.Body["output"] != "done" {
		t.Fatalf("response = %+v", resp)
	}

	sent := model.Requests[0].Messages[0].Content[0].Text
	want := "Summarize the report in 5 words for {{missing}}"
	if sent != want {
		t.Fatalf("prompt = %q, want %q", sent, want)
	}
	if model.Requests[0].Model != DefaultModel {
		t.Fatalf("model = %q, want default", model.Requests[0].Model)
	}
}

func TestGenerativeExecutorParsesSchemaOutput(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{
			Content:    []llm.ContentBlock{llm.TextBlock(`{"summary":"short","score":7}`)},
			StopReason: llm.StopEndTurn,
			Usage:      llm.Usage{InputTokens: 12, OutputTokens: 8},
		},
	}}
	e := NewGenerativeExecutor(model, "")

	resp, err := e.Execute(context.Background(), Request{
		Meta:  generativeMeta("Summarize {{text}}", `{"type":"object"}`),
		Input: map[string]any{"text": "report"},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Body["summary"] != "short" || resp.Body["score"] != float64(7) {
		t.Fatalf("body = %+v", resp.Body)
	}

	meta := resp.Body["_meta"].(map[string]any)
	gen := meta["generativeExecution"].(map[string]any)
	if gen["stopReason"] != llm.StopEndTurn {
		t.Fatalf("generativeExecution = %+v", gen)
	}
	tokens := gen["tokens"].(map[string]any)
	if tokens["input"] != int64(12) || tokens["output"] != int64(8) {
		t.Fatalf("tokens = %+v", tokens)
	}
}

func TestGenerativeExecutorRejectsNonJSONWithSchema(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{Content: []llm.ContentBlock{llm.TextBlock("not json")}, StopReason: llm.StopEndTurn},
	}}
	e := NewGenerativeExecutor(model, "")

	_, err := e.Execute(context.Background(), Request{
		Meta:  generativeMeta("go", `{"type":"object"}`),
		Input: map[string]any{},
	})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindInvocation {
		t.Fatalf("error = %v, want invocation", err)
	}
}

func TestGenerativeExecutorRequiresClientBinding(t *testing.T) {
	e := NewGenerativeExecutor(nil, "")
	_, err := e.Execute(context.Background(), Request{Meta: generativeMeta("go", "")})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindUnavailable {
		t.Fatalf("error = %v, want service_unavailable", err)
	}
}

func TestHumanExecutorFilesTask(t *testing.T) {
	tasks := NewMemoryTaskService("")
	e := NewHumanExecutor(tasks)

	resp, err := e.Execute(context.Background(), Request{
		Meta: &fn.Metadata{
			ID:      "approve-expense",
			Version: "1.0.0",
			Kind:    fn.KindHuman,
			Human: &fn.HumanSpec{
				Assignees: []fn.Assignee{{Type: "role", Value: "finance"}},
			},
		},
		Input: map[string]any{"amount": 120},
	})
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if resp.Status != http.StatusAccepted {
		t.Fatalf("status = %d, want 202", resp.Status)
	}
	if resp.Body["taskStatus"] != "pending" {
		t.Fatalf("body = %+v", resp.Body)
	}

	taskID, _ := resp.Body["taskId"].(string)
	if _, err := ulid.Parse(taskID); err != nil {
		t.Fatalf("task id %q is not a ULID: %v", taskID, err)
	}

	task, err := tasks.GetTask(context.Background(), taskID)
	if err != nil {
		t.Fatalf("get task: %v", err)
	}
	if task.InteractionType != fn.InteractApproval {
		t.Fatalf("interaction = %q, want default approval", task.InteractionType)
	}
	if task.URL != "/v1/tasks/"+taskID {
		t.Fatalf("url = %q", task.URL)
	}
}

func TestHumanExecutorRequiresTaskBinding(t *testing.T) {
	e := NewHumanExecutor(nil)
	_, err := e.Execute(context.Background(), Request{
		Meta: &fn.Metadata{ID: "x", Kind: fn.KindHuman, Human: &fn.HumanSpec{}},
	})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindUnavailable {
		t.Fatalf("error = %v, want service_unavailable", err)
	}
}

func TestRenderTemplateEncodesValues(t *testing.T) {
	got := renderTemplate("a={{a}} b={{b}} c={{c}}", map[string]any{
		"a": "plain",
		"b": map[string]any{"k": "v"},
		"c": []any{1, 2},
	})
	want := `a=plain b={"k":"v"} c=[1,2]`
	if got != want {
		t.Fatalf("rendered = %q, want %q", got, want)
	}
}
