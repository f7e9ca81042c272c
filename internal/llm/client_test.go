package llm

import (
	"context"
	"errors"
	"testing"
)

func TestClientRoutesToDefaultProvider(t *testing.T) {
	fake := &FakeAdapter{Responses: []Response{
		{Content: []ContentBlock{TextBlock("hello")}, StopReason: StopEndTurn},
	}}
	c := NewClient()
	c.Register(fake)

	resp, err := c.Complete(context.Background(), Request{Messages: []Message{UserText("hi")}})
	if err != nil {
		t.Fatalf("complete: %v", err)
	}
	if resp.Text() != "hello" {
		t.Fatalf("text = %q, want hello", resp.Text())
	}
	if fake.CallCount() != 1 {
		t.Fatalf("adapter calls = %d, want 1", fake.CallCount())
	}
}

func TestClientRoutesByProviderName(t *testing.T) {
	a := &FakeAdapter{ProviderName: "alpha"}
	b := &FakeAdapter{ProviderName: "beta"}
	c := NewClient()
	c.Register(a)
	c.Register(b)

	req := Request{Provider: "Beta", Messages: []Message{UserText("hi")}}
	if _, err := c.Complete(context.Background(), req); err != nil {
		t.Fatalf("complete: %v", err)
	}
	if b.CallCount() != 1 || a.CallCount() != 0 {
		t.Fatalf("calls alpha=%d beta=%d, want routed to beta", a.CallCount(), b.CallCount())
	}
}

func TestClientRejectsUnknownProvider(t *testing.T) {
	c := NewClient()
	c.Register(&FakeAdapter{})

	_, err := c.Complete(context.Background(), Request{
		Provider: "nope",
		Messages: []Message{UserText("hi")},
	})
	var cfg *ConfigurationError
	if !errors.As(err, &cfg) {
		t.Fatalf("error = %v, want ConfigurationError", err)
	}
}

func TestClientValidatesRequest(t *testing.T) {
	c := NewClient()
	c.Register(&FakeAdapter{})

	cases := []struct {
		name string
		req  Request
	}{
		{"no messages", Request{}},
		{"bad role", Request{Messages: []Message{{Role: "system", Content: []ContentBlock{TextBlock("x")}}}}},
		{"empty content", Request{Messages: []Message{{Role: RoleUser}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			var cfg *ConfigurationError
			if _, err := c.Complete(context.Background(), tc.req); !errors.As(err, &cfg) {
				t.Fatalf("error = %v, want ConfigurationError", err)
			}
		})
	}
}

func TestResponseToolUses(t *testing.T) {
	resp := Response{Content: []ContentBlock{
		TextBlock("thinking"),
		{Type: BlockToolUse, ToolID: "t1", ToolName: "web_search"},
	}, StopReason: StopToolUse}

	uses := resp.ToolUses()
	if len(uses) != 1 || uses[0].ToolName != "web_search" {
		t.Fatalf("tool uses = %+v, want one web_search", uses)
	}
}

func TestProviderErrorRetryable(t *testing.T) {
	cases := []struct {
		status int
		want   bool
	}{
		{429, true},
		{500, true},
		{503, true},
		{0, true},
		{400, false},
		{401, false},
		{404, false},
	}
	for _, tc := range cases {
		e := &ProviderError{Provider: "anthropic", StatusCode: tc.status}
		if got := e.Retryable(); got != tc.want {
			t.Errorf("status %d retryable = %v, want %v", tc.status, got, tc.want)
		}
	}
}
