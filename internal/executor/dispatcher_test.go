package executor

import (
	"context"
	"fmt"
	"net/http"
	"testing"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/llm"
	"github.com/fngate/fngate/internal/store"
)

type fakeResolver struct {
	metas     map[string]*fn.Metadata
	artifacts map[string]*store.Artifact
}

func (r *fakeResolver) Resolve(ctx context.Context, id string) (*fn.Metadata, *store.Artifact, error) {
	meta, ok := r.metas[id]
	if !ok {
		return nil, nil, fmt.Errorf("function %s: %w", id, store.ErrNotFound)
	}
	return meta, r.artifacts[id], nil
}

type stubExecutor struct {
	resp *Response
	err  error
}

func (s *stubExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	if s.err != nil {
		return nil, s.err
	}
	return s.resp, nil
}

func newTestDispatcher(model ModelClient, resolver Resolver) *Dispatcher {
	gen := NewGenerativeExecutor(model, "")
	return NewDispatcher(
		NewCodeExecutor(nil),
		gen,
		NewAgenticExecutor(model, "", nil, nil, nil),
		NewHumanExecutor(NewMemoryTaskService("")),
		resolver,
		nil,
	)
}

func TestDispatchAttachesUniformMeta(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{Content: []llm.ContentBlock{llm.TextBlock("hi")}, StopReason: llm.StopEndTurn},
	}}
	d := newTestDispatcher(model, nil)

	resp, err := d.Dispatch(context.Background(), Request{
		Meta:  generativeMeta("say hi", ""),
		Input: map[string]any{},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	meta := resp.Body["_meta"].(map[string]any)
	if meta["executorType"] != "generative" || meta["tier"] != 2 {
		t.Fatalf("_meta = %+v", meta)
	}
	if _, ok := meta["durationMs"].(int64); !ok {
		t.Fatalf("_meta.durationMs missing: %+v", meta)
	}
	if _, ok := meta["generativeExecution"]; !ok {
		t.Fatalf("tier-specific _meta lost: %+v", meta)
	}
}

func TestDispatchUnknownKindReturns501(t *testing.T) {
	d := newTestDispatcher(&llm.FakeAdapter{}, nil)

	resp, err := d.Dispatch(context.Background(), Request{
		Meta: &fn.Metadata{ID: "odd", Version: "1.0.0", Kind: "quantum"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Status != http.StatusNotImplemented {
		t.Fatalf("status = %d, want 501", resp.Status)
	}
	if resp.Body["message"] != "Unknown function type" {
		t.Fatalf("body = %+v", resp.Body)
	}
	meta := resp.Body["_meta"].(map[string]any)
	if meta["tier"] != 1 {
		t.Fatalf("_meta.tier = %v, want 1", meta["tier"])
	}
}

func TestDispatchMissingExecutorReturns503(t *testing.T) {
	d := NewDispatcher(nil, nil, nil, nil, nil, nil)

	_, err := d.Dispatch(context.Background(), Request{Meta: generativeMeta("x", "")})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindUnavailable {
		t.Fatalf("error = %v, want service_unavailable", err)
	}
}

func TestDispatchMapsDeadlineTo504(t *testing.T) {
	d := NewDispatcher(nil, &stubExecutor{err: context.DeadlineExceeded}, nil, nil, nil, nil)

	_, err := d.Dispatch(context.Background(), Request{Meta: generativeMeta("x", "")})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindTimeout {
		t.Fatalf("error = %v, want timeout", err)
	}
}

func cascadeMeta(policy fn.ErrorHandling, steps ...string) *fn.Metadata {
	spec := &fn.CascadeSpec{ErrorHandling: policy}
	for _, id := range steps {
		spec.Steps = append(spec.Steps, fn.CascadeStep{FunctionID: id})
	}
	return &fn.Metadata{ID: "pipeline", Version: "1.0.0", Kind: fn.KindCascade, Cascade: spec}
}

func TestCascadeChainsStepOutputs(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{Content: []llm.ContentBlock{llm.TextBlock("first out")}, StopReason: llm.StopEndTurn},
		{Content: []llm.ContentBlock{llm.TextBlock("second out")}, StopReason: llm.StopEndTurn},
	}}
	resolver := &fakeResolver{metas: map[string]*fn.Metadata{
		"step-one": generativeMeta("expand {{seed}}", ""),
		"step-two": generativeMeta("refine {{output}}", ""),
	}}
	d := newTestDispatcher(model, resolver)

	resp, err := d.Dispatch(context.Background(), Request{
		Meta:  cascadeMeta("", "step-one", "step-two"),
		Input: map[string]any{"seed": "idea"},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Body["output"] != "second out" {
		t.Fatalf("body = %+v", resp.Body)
	}

	// Step two's prompt is rendered from step one's stripped output.
	second := model.Requests[1].Messages[0].Content[0].Text
	if second != "refine first out" {
		t.Fatalf("second prompt = %q", second)
	}

	meta := resp.Body["_meta"].(map[string]any)
	tiers := meta["tiersAttempted"].([]int)
	if len(tiers) != 2 || tiers[0] != 2 || tiers[1] != 2 {
		t.Fatalf("tiersAttempted = %v", tiers)
	}
	if meta["stepsExecuted"] != 2 {
		t.Fatalf("stepsExecuted = %v", meta["stepsExecuted"])
	}
}

func TestCascadeHonorsDeclaredStepTier(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{Content: []llm.ContentBlock{llm.TextBlock("out")}, StopReason: llm.StopEndTurn},
		{Content: []llm.ContentBlock{llm.TextBlock("final")}, StopReason: llm.StopEndTurn},
	}}
	resolver := &fakeResolver{metas: map[string]*fn.Metadata{
		"step-a": generativeMeta("expand", ""),
		"step-b": generativeMeta("refine", ""),
	}}
	d := newTestDispatcher(model, resolver)

	meta := cascadeMeta("", "step-a", "step-b")
	meta.Cascade.Steps[0].Tier = "agentic"
	meta.Cascade.Steps[1].Tier = "2"

	resp, err := d.Dispatch(context.Background(), Request{
		Meta:  meta,
		Input: map[string]any{},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}

	// Declared tiers win over the resolved kind's tier.
	tiers := resp.Body["_meta"].(map[string]any)["tiersAttempted"].([]int)
	if len(tiers) != 2 || tiers[0] != 3 || tiers[1] != 2 {
		t.Fatalf("tiersAttempted = %v, want [3 2]", tiers)
	}
}

func TestCascadeFailFastOnMissingStep(t *testing.T) {
	resolver := &fakeResolver{metas: map[string]*fn.Metadata{}}
	d := newTestDispatcher(&llm.FakeAdapter{}, resolver)

	_, err := d.Dispatch(context.Background(), Request{
		Meta:  cascadeMeta(fn.FailFast, "ghost"),
		Input: map[string]any{},
	})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindNotFound {
		t.Fatalf("error = %v, want not_found", err)
	}
	if he.Context["failedStep"] != "ghost" {
		t.Fatalf("context = %+v", he.Context)
	}
}

func TestCascadeContinueSkipsFailedSteps(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{Content: []llm.ContentBlock{llm.TextBlock("survivor")}, StopReason: llm.StopEndTurn},
	}}
	resolver := &fakeResolver{metas: map[string]*fn.Metadata{
		"good": generativeMeta("go", ""),
	}}
	d := newTestDispatcher(model, resolver)

	resp, err := d.Dispatch(context.Background(), Request{
		Meta:  cascadeMeta(fn.Continue, "ghost", "good"),
		Input: map[string]any{},
	})
	if err != nil {
		t.Fatalf("dispatch: %v", err)
	}
	if resp.Body["output"] != "survivor" {
		t.Fatalf("body = %+v", resp.Body)
	}
	meta := resp.Body["_meta"].(map[string]any)
	if meta["stepsExecuted"] != 1 {
		t.Fatalf("stepsExecuted = %v", meta["stepsExecuted"])
	}
}

func TestCascadeNoSuccessfulSteps(t *testing.T) {
	resolver := &fakeResolver{metas: map[string]*fn.Metadata{}}
	d := newTestDispatcher(&llm.FakeAdapter{}, resolver)

	_, err := d.Dispatch(context.Background(), Request{
		Meta:  cascadeMeta(fn.BestEffort, "ghost-one", "ghost-two"),
		Input: map[string]any{},
	})
	he, ok := httperr.As(err)
	if !ok || he.Kind != httperr.KindInternal {
		t.Fatalf("error = %v, want internal", err)
	}
	if he.Message != "no successful steps" {
		t.Fatalf("message = %q", he.Message)
	}
}

func TestNestedInvokeResolvesAndDispatches(t *testing.T) {
	model := &llm.FakeAdapter{Responses: []llm.Response{
		{Content: []llm.ContentBlock{llm.TextBlock("nested")}, StopReason: llm.StopEndTurn},
	}}
	resolver := &fakeResolver{metas: map[string]*fn.Metadata{
		"inner": generativeMeta("run", ""),
	}}
	d := newTestDispatcher(model, resolver)

	resp, err := d.Invoke(context.Background(), "inner", map[string]any{}, "corr-1")
	if err != nil {
		t.Fatalf("invoke: %v", err)
	}
	if resp.Body["output"] != "nested" {
		t.Fatalf("body = %+v", resp.Body)
	}
}
