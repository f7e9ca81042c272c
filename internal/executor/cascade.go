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

// runCascade executes the cascade's steps in order, feeding each step's
// stripped output body into the next step's input.
func (d *Dispatcher) runCascade(ctx context.Context, req Request, start time.Time) (*Response, error) {
	spec := req.Meta.Cascade
	if spec == nil || len(spec.Steps) == 0 {
		return nil, httperr.New(httperr.KindValidation,
			"function %s has no cascade steps", req.Meta.ID)
	}
	if d.resolver == nil {
		return nil, httperr.New(httperr.KindUnavailable, "function resolver not configured")
	}
	policy := spec.ErrorHandling
	if policy == "" {
		policy = fn.FailFast
	}

	input := req.Input
	tiersAttempted := make([]int, 0, len(spec.Steps))
	stepsExecuted := 0
	var lastSuccess *Response

	for _, step := range spec.Steps {
		meta, artifact, err := d.resolver.Resolve(ctx, step.FunctionID)
		if err != nil {
			if policy == fn.FailFast {
				return nil, cascadeStepError(err, step.FunctionID, tiersAttempted, stepsExecuted)
			}
			continue
		}

		// A step's declared tier overrides the resolved kind's tier for
		// both the budget and the attempt record.
		tier := meta.Kind.Tier()
		stepCtx := ctx
		cancel := context.CancelFunc(func() {})
		if declared := fn.TierFor(step.Tier); declared > 0 {
			tier = declared
			stepCtx, cancel = context.WithTimeout(ctx, BudgetFor(declared))
		}
		tiersAttempted = append(tiersAttempted, tier)
		resp, err := d.Dispatch(stepCtx, Request{
			Meta:          meta,
			Input:         input,
			Code:          artifact,
			CorrelationID: req.CorrelationID,
		})
		cancel()
		if err != nil {
			if policy == fn.FailFast {
				return nil, cascadeStepError(err, step.FunctionID, tiersAttempted, stepsExecuted)
			}
			continue
		}
		stepsExecuted++
		lastSuccess = resp
		input = stripMeta(resp.Body)

		d.logger.Debug("cascade step complete",
			zap.String("cascade_id", req.Meta.ID),
			zap.String("step_id", step.FunctionID),
			zap.Int("status", resp.Status))
	}

	if lastSuccess == nil {
		return nil, httperr.New(httperr.KindInternal, "no successful steps").
			WithContext("tiersAttempted", tiersAttempted).
			WithContext("stepsExecuted", stepsExecuted)
	}

	out := &Response{
		Status: http.StatusOK,
		Header: lastSuccess.Header,
		Body:   map[string]any{},
	}
	for k, v := range stripMeta(lastSuccess.Body) {
		out.Body[k] = v
	}
	out.Body["_meta"] = map[string]any{
		"tiersAttempted": tiersAttempted,
		"stepsExecuted":  stepsExecuted,
	}
	d.attachMeta(out, string(fn.KindCascade), req.Meta.Kind.Tier(), start)
	return out, nil
}

// cascadeStepError tags a step failure with cascade progress so the
// envelope shows how far execution got.
func cascadeStepError(err error, stepID string, tiers []int, executed int) error {
	e, ok := httperr.As(err)
	if !ok {
		kind := httperr.KindInternal
		if errors.Is(err, store.ErrNotFound) {
			kind = httperr.KindNotFound
		}
		e = httperr.Wrap(kind, err, "cascade step %s failed", stepID)
	}
	return e.WithContext("failedStep", stepID).
		WithContext("tiersAttempted", tiers).
		WithContext("stepsExecuted", executed)
}

// stripMeta copies a response body without its _meta entry.
func stripMeta(body map[string]any) map[string]any {
	out := map[string]any{}
	for k, v := range body {
		if k != "_meta" {
			out[k] = v
		}
	}
	return out
}
