package executor

import (
	"context"
	"net/http"

	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/store"
)

// SandboxResult is what the host sandbox returns for one invocation.
// A zero Status means 200.
type SandboxResult struct {
	Status int
	Header http.Header
	Body   map[string]any
}

// Sandbox executes a code artifact in the host's isolated runtime. The
// gateway treats it as an opaque service.
type Sandbox interface {
	Invoke(ctx context.Context, artifact *store.Artifact, input map[string]any) (*SandboxResult, error)
}

// CodeExecutor runs tier-1 code functions through the sandbox binding.
type CodeExecutor struct {
	sandbox Sandbox
}

// NewCodeExecutor creates the executor. sandbox may be nil when the host
// provides no binding; executions then fail with 503.
func NewCodeExecutor(sandbox Sandbox) *CodeExecutor {
	return &CodeExecutor{sandbox: sandbox}
}

func (e *CodeExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	if e.sandbox == nil {
		return nil, httperr.New(httperr.KindUnavailable,
			"code sandbox binding not configured").WithCode("sandbox_unavailable")
	}
	if req.Code == nil || len(req.Code.Bytes()) == 0 {
		return nil, httperr.New(httperr.KindNotFound,
			"no code artifact for function %s", req.Meta.ID)
	}

	result, err := e.sandbox.Invoke(ctx, req.Code, req.Input)
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, httperr.Wrap(httperr.KindInvocation, err,
			"function %s failed", req.Meta.ID)
	}

	status := result.Status
	if status == 0 {
		status = http.StatusOK
	}
	return &Response{Status: status, Header: result.Header, Body: result.Body}, nil
}
