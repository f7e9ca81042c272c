// Package executor implements the four tier executors, the dispatcher
// that selects among them and enforces tier budgets, and cascade
// orchestration. Executors receive resolved metadata plus input and
// return HTTP-shaped responses; the dispatcher assembles the uniform
// _meta block.
package executor

import (
	"context"
	"net/http"
	"time"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/llm"
	"github.com/fngate/fngate/internal/store"
)

// Tier execution budgets.
const (
	CodeBudget       = 5 * time.Second
	GenerativeBudget = 30 * time.Second
	AgenticBudget    = 5 * time.Minute
	HumanBudget      = 24 * time.Hour
)

// Request is one execution of a resolved function.
type Request struct {
	Meta  *fn.Metadata
	Input map[string]any

	// Code carries the artifact for code functions.
	Code *store.Artifact

	// CorrelationID propagates into _meta and nested calls.
	CorrelationID string
}

// Response is the HTTP-shaped outcome of an execution. Body is mutated
// by the dispatcher to attach _meta.
type Response struct {
	Status int
	Header http.Header
	Body   map[string]any
}

// Executor runs one tier.
type Executor interface {
	Execute(ctx context.Context, req Request) (*Response, error)
}

// ModelClient is the slice of the llm client the generative and agentic
// executors consume.
type ModelClient interface {
	Complete(ctx context.Context, req llm.Request) (llm.Response, error)
}

// BudgetFor returns the execution budget of a tier.
func BudgetFor(tier int) time.Duration {
	switch tier {
	case 2:
		return GenerativeBudget
	case 3:
		return AgenticBudget
	case 4:
		return HumanBudget
	default:
		return CodeBudget
	}
}
