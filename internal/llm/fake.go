package llm

import (
	"context"
	"sync"
)

// FakeAdapter replays scripted responses in order and records every
// request it served. Tests use it in place of a real provider.
type FakeAdapter struct {
	ProviderName string
	Responses    []Response
	Err          error

	mu       sync.Mutex
	next     int
	Requests []Request
}

func (f *FakeAdapter) Name() string {
	if f.ProviderName == "" {
		return "fake"
	}
	return f.ProviderName
}

func (f *FakeAdapter) Complete(ctx context.Context, req Request) (Response, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.Requests = append(f.Requests, req)
	if f.Err != nil {
		return Response{}, f.Err
	}
	if f.next >= len(f.Responses) {
		return Response{StopReason: StopEndTurn}, nil
	}
	resp := f.Responses[f.next]
	f.next++
	return resp, nil
}

// CallCount reports how many requests the adapter served.
func (f *FakeAdapter) CallCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.Requests)
}
