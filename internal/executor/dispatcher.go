package executor

import (
	"context"
	"errors"
	"net/http"
	"time"

	"go.uber.org/zap"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/httperr"
	"github.com/fngate/fngate/internal/store"
)

// Resolver produces the metadata and, for code functions, the artifact
// behind a function id. The loader satisfies it at the server boundary.
type Resolver interface {
	Resolve(ctx context.Context, functionID string) (*fn.Metadata, *store.Artifact, error)
}

// Dispatcher selects the executor for a function's kind, enforces the
// tier budget, and assembles the uniform _meta block. It also serves
// nested dispatch for function tools and cascade steps.
type Dispatcher struct {
	executors map[fn.Kind]Executor
	resolver  Resolver
	logger    *zap.Logger
	now       func() time.Time
}

// NewDispatcher wires the four tier executors. Any may be nil; dispatch
// to a missing executor fails with 503.
func NewDispatcher(code, generative, agentic, human Executor, resolver Resolver, logger *zap.Logger) *Dispatcher {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Dispatcher{
		executors: map[fn.Kind]Executor{
			fn.KindCode:       code,
			fn.KindGenerative: generative,
			fn.KindAgentic:    agentic,
			fn.KindHuman:      human,
		},
		resolver: resolver,
		logger:   logger,
		now:      time.Now,
	}
}

// Dispatch executes one resolved function and returns the HTTP-shaped
// response with _meta attached. Classified failures come back as *httperr.E.
func (d *Dispatcher) Dispatch(ctx context.Context, req Request) (*Response, error) {
	start := d.now()
	kind := req.Meta.Kind

	if kind == fn.KindCascade {
		return d.runCascade(ctx, req, start)
	}

	known := false
	for _, k := range fn.KnownKinds() {
		if k == kind {
			known = true
			break
		}
	}
	if !known {
		resp := &Response{
			Status: http.StatusNotImplemented,
			Body: map[string]any{
				"error":   "not_implemented",
				"message": "Unknown function type",
			},
		}
		d.attachMeta(resp, string(kind), 1, start)
		return resp, nil
	}

	tier := kind.Tier()
	exec := d.executors[kind]
	if exec == nil {
		return nil, httperr.New(httperr.KindUnavailable,
			"no executor bound for %s functions", kind).WithCode("executor_unavailable")
	}

	ctx, cancel := context.WithTimeout(ctx, BudgetFor(tier))
	defer cancel()

	resp, err := exec.Execute(ctx, req)
	elapsed := d.now().Sub(start)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) {
			return nil, httperr.Wrap(httperr.KindTimeout, err,
				"function %s exceeded its tier %d budget", req.Meta.ID, tier).
				WithContext("durationMs", elapsed.Milliseconds())
		}
		return nil, err
	}

	d.attachMeta(resp, string(kind), tier, start)
	d.logger.Debug("dispatched function",
		zap.String("function_id", req.Meta.ID),
		zap.String("kind", string(kind)),
		zap.Int("tier", tier),
		zap.Int("status", resp.Status),
		zap.Duration("duration", elapsed))
	return resp, nil
}

// Invoke resolves and dispatches a function by id, for nested calls from
// function tools.
func (d *Dispatcher) Invoke(ctx context.Context, functionID string, input map[string]any, correlationID string) (*Response, error) {
	if d.resolver == nil {
		return nil, httperr.New(httperr.KindUnavailable, "function resolver not configured")
	}
	meta, artifact, err := d.resolver.Resolve(ctx, functionID)
	if err != nil {
		return nil, err
	}
	return d.Dispatch(ctx, Request{
		Meta:          meta,
		Input:         input,
		Code:          artifact,
		CorrelationID: correlationID,
	})
}

// attachMeta merges the uniform _meta fields into the response body,
// preserving tier-specific entries the executor already attached.
func (d *Dispatcher) attachMeta(resp *Response, executorType string, tier int, start time.Time) {
	if resp.Body == nil {
		resp.Body = map[string]any{}
	}
	meta, _ := resp.Body["_meta"].(map[string]any)
	if meta == nil {
		meta = map[string]any{}
	}
	meta["executorType"] = executorType
	meta["tier"] = tier
	meta["durationMs"] = d.now().Sub(start).Milliseconds()
	resp.Body["_meta"] = meta
}
