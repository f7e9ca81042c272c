package executor

import (
	"context"
	"crypto/rand"
	"net/http"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/fngate/fngate/internal/fn"
	"github.com/fngate/fngate/internal/httperr"
)

// defaultHumanSLA bounds a task when the function declares none.
const defaultHumanSLA = 24 * time.Hour

// Task is a pending human interaction.
type Task struct {
	ID              string             `json:"id"`
	FunctionID      string             `json:"functionId"`
	InteractionType fn.InteractionType `json:"interactionType"`
	Input           map[string]any     `json:"input,omitempty"`
	Assignees       []fn.Assignee      `json:"assignees,omitempty"`
	Status          string             `json:"status"`
	CreatedAt       time.Time          `json:"createdAt"`
	ExpiresAt       time.Time          `json:"expiresAt"`
	URL             string             `json:"url"`
}

// TaskService persists human tasks. Production deployments bind a
// durable backend; MemoryTaskService serves tests and single nodes.
type TaskService interface {
	CreateTask(ctx context.Context, task *Task) (*Task, error)
	GetTask(ctx context.Context, id string) (*Task, error)
}

// HumanExecutor runs tier-4 human-in-the-loop functions by filing a
// task and answering 202.
type HumanExecutor struct {
	tasks TaskService
}

// NewHumanExecutor creates the executor. tasks may be nil when the host
// provides no binding; executions then fail with 503.
func NewHumanExecutor(tasks TaskService) *HumanExecutor {
	return &HumanExecutor{tasks: tasks}
}

func (e *HumanExecutor) Execute(ctx context.Context, req Request) (*Response, error) {
	if e.tasks == nil {
		return nil, httperr.New(httperr.KindUnavailable,
			"human task service binding not configured").WithCode("tasks_unavailable")
	}
	spec := req.Meta.Human
	if spec == nil {
		return nil, httperr.New(httperr.KindValidation,
			"function %s has no human configuration", req.Meta.ID)
	}

	interaction := spec.InteractionType
	if interaction == "" {
		interaction = fn.InteractApproval
	}
	sla := defaultHumanSLA
	if spec.SLA != nil && spec.SLA.DurationMS > 0 {
		sla = time.Duration(spec.SLA.DurationMS) * time.Millisecond
	}

	now := time.Now().UTC()
	task, err := e.tasks.CreateTask(ctx, &Task{
		FunctionID:      req.Meta.ID,
		InteractionType: interaction,
		Input:           req.Input,
		Assignees:       spec.Assignees,
		Status:          "pending",
		CreatedAt:       now,
		ExpiresAt:       now.Add(sla),
	})
	if err != nil {
		if ctx.Err() != nil {
			return nil, ctx.Err()
		}
		return nil, httperr.Wrap(httperr.KindInternal, err,
			"create task for %s", req.Meta.ID)
	}

	fields := map[string]any{
		"taskId":     task.ID,
		"taskUrl":    task.URL,
		"taskStatus": task.Status,
		"expiresAt":  task.ExpiresAt.Format(time.RFC3339),
	}
	body := map[string]any{
		"_meta": map[string]any{"humanExecution": fields},
	}
	for k, v := range fields {
		body[k] = v
	}
	return &Response{Status: http.StatusAccepted, Body: body}, nil
}

// MemoryTaskService is a mutex-guarded in-memory TaskService with ULID
// task ids.
type MemoryTaskService struct {
	BaseURL string

	mu    sync.Mutex
	tasks map[string]*Task
}

// NewMemoryTaskService creates an empty service.
func NewMemoryTaskService(baseURL string) *MemoryTaskService {
	if baseURL == "" {
		baseURL = "/v1/tasks"
	}
	return &MemoryTaskService{BaseURL: baseURL, tasks: map[string]*Task{}}
}

func (s *MemoryTaskService) CreateTask(ctx context.Context, task *Task) (*Task, error) {
	cp := *task
	cp.ID = ulid.MustNew(ulid.Timestamp(cp.CreatedAt), rand.Reader).String()
	cp.URL = s.BaseURL + "/" + cp.ID

	s.mu.Lock()
	s.tasks[cp.ID] = &cp
	s.mu.Unlock()

	out := cp
	return &out, nil
}

func (s *MemoryTaskService) GetTask(ctx context.Context, id string) (*Task, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	task, ok := s.tasks[id]
	if !ok {
		return nil, httperr.New(httperr.KindNotFound, "task %s not found", id)
	}
	cp := *task
	return &cp, nil
}
