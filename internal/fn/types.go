// Package fn defines the function metadata model shared by the registry,
// loader, and executors. Metadata is a tagged union over Kind; exactly one
// variant record is populated for a valid value.
package fn

import (
	"encoding/json"
	"strings"
	"time"
)

// Kind selects the execution tier for a function.
type Kind string

const (
	KindCode       Kind = "code"
	KindGenerative Kind = "generative"
	KindAgentic    Kind = "agentic"
	KindHuman      Kind = "human"
	KindCascade    Kind = "cascade"
)

// Tier returns the numeric execution tier for the kind. Unknown kinds map
// to tier 1 so the error path still reports a tier.
func (k Kind) Tier() int {
	switch k {
	case KindCode:
		return 1
	case KindGenerative:
		return 2
	case KindAgentic:
		return 3
	case KindHuman:
		return 4
	default:
		return 1
	}
}

// KnownKinds lists the accepted kind tags in declaration order.
func KnownKinds() []Kind {
	return []Kind{KindCode, KindGenerative, KindAgentic, KindHuman, KindCascade}
}

// TierFor maps a declared tier label to its numeric tier. Labels may be
// kind names or the numeric buckets "1" through "4". Unknown labels
// return 0.
func TierFor(label string) int {
	switch strings.ToLower(strings.TrimSpace(label)) {
	case "1", string(KindCode):
		return 1
	case "2", string(KindGenerative):
		return 2
	case "3", string(KindAgentic):
		return 3
	case "4", string(KindHuman):
		return 4
	default:
		return 0
	}
}

// Language is a supported code-function source language.
type Language string

const (
	LangTypeScript     Language = "typescript"
	LangJavaScript     Language = "javascript"
	LangRust           Language = "rust"
	LangGo             Language = "go"
	LangZig            Language = "zig"
	LangAssemblyScript Language = "assemblyscript"
	LangPython         Language = "python"
	LangCSharp         Language = "csharp"
)

// KnownLanguages lists the accepted languages for code functions.
func KnownLanguages() []Language {
	return []Language{
		LangTypeScript, LangJavaScript, LangRust, LangGo,
		LangZig, LangAssemblyScript, LangPython, LangCSharp,
	}
}

// Metadata is the stored description of a deployed function. Identity is
// (ID, Version); stored metadata is immutable per identity pair.
type Metadata struct {
	ID      string `json:"id"`
	Version string `json:"version"`
	Kind    Kind   `json:"kind"`

	Name        string   `json:"name,omitempty"`
	Description string   `json:"description,omitempty"`
	Tags        []string `json:"tags,omitempty"`
	OwnerID     string   `json:"ownerId,omitempty"`
	OrgID       string   `json:"orgId,omitempty"`

	CreatedAt *time.Time `json:"createdAt,omitempty"`
	UpdatedAt *time.Time `json:"updatedAt,omitempty"`

	Code       *CodeSpec       `json:"code,omitempty"`
	Generative *GenerativeSpec `json:"generative,omitempty"`
	Agentic    *AgenticSpec    `json:"agentic,omitempty"`
	Human      *HumanSpec      `json:"human,omitempty"`
	Cascade    *CascadeSpec    `json:"cascade,omitempty"`
}

// CodeSpec configures a tier-1 deterministic code function.
type CodeSpec struct {
	Language     Language          `json:"language"`
	EntryPoint   string            `json:"entryPoint,omitempty"`
	Dependencies map[string]string `json:"dependencies,omitempty"`
}

// GenerativeSpec configures a tier-2 single-shot generation function.
// UserPrompt may contain {{var}} placeholders substituted from the
// invocation input.
type GenerativeSpec struct {
	Model        string           `json:"model,omitempty"`
	UserPrompt   string           `json:"userPrompt"`
	SystemPrompt string           `json:"systemPrompt,omitempty"`
	OutputSchema json.RawMessage  `json:"outputSchema,omitempty"`
	InputSchema  json.RawMessage  `json:"inputSchema,omitempty"`
	Temperature  *float64         `json:"temperature,omitempty"`
	MaxTokens    int              `json:"maxTokens,omitempty"`
	Examples     []GenerationShot `json:"examples,omitempty"`
}

// GenerationShot is a few-shot example pair for a generative function.
type GenerationShot struct {
	Input  json.RawMessage `json:"input"`
	Output json.RawMessage `json:"output"`
}

// AgenticSpec configures a tier-3 multi-step agent function.
type AgenticSpec struct {
	Model         string          `json:"model,omitempty"`
	SystemPrompt  string          `json:"systemPrompt"`
	Goal          string          `json:"goal"`
	Tools         []ToolSpec      `json:"tools,omitempty"`
	MaxIterations int             `json:"maxIterations,omitempty"`
	TokenBudget   int             `json:"tokenBudget,omitempty"`
	OutputSchema  json.RawMessage `json:"outputSchema,omitempty"`
}

// ToolImplKind tags how a tool is implemented.
type ToolImplKind string

const (
	ToolBuiltin  ToolImplKind = "builtin"
	ToolAPI      ToolImplKind = "api"
	ToolInline   ToolImplKind = "inline"
	ToolFunction ToolImplKind = "function"
)

// ToolSpec declares one tool available to an agentic function.
type ToolSpec struct {
	Name           string          `json:"name"`
	Description    string          `json:"description,omitempty"`
	InputSchema    json.RawMessage `json:"inputSchema,omitempty"`
	Implementation ToolImpl        `json:"implementation"`
}

// ToolImpl is the tagged implementation variant of a tool.
type ToolImpl struct {
	Type ToolImplKind `json:"type"`

	// Name of the builtin (type=builtin).
	Builtin string `json:"name,omitempty"`

	// Endpoint for HTTP POST dispatch (type=api).
	Endpoint string            `json:"endpoint,omitempty"`
	Headers  map[string]string `json:"headers,omitempty"`

	// FunctionID for nested dispatch (type=function).
	FunctionID string `json:"functionId,omitempty"`

	// Code is carried for type=inline but inline handlers are always
	// rejected at execution time; callers must deploy the code as a
	// function and reference it by id.
	Code string `json:"code,omitempty"`
}

// InteractionType classifies a human task.
type InteractionType string

const (
	InteractApproval     InteractionType = "approval"
	InteractReview       InteractionType = "review"
	InteractInput        InteractionType = "input"
	InteractSelection    InteractionType = "selection"
	InteractAnnotation   InteractionType = "annotation"
	InteractVerification InteractionType = "verification"
	InteractCustom       InteractionType = "custom"
)

// KnownInteractionTypes lists the accepted human interaction types.
func KnownInteractionTypes() []InteractionType {
	return []InteractionType{
		InteractApproval, InteractReview, InteractInput, InteractSelection,
		InteractAnnotation, InteractVerification, InteractCustom,
	}
}

// HumanSpec configures a tier-4 human-in-the-loop function.
type HumanSpec struct {
	InteractionType InteractionType `json:"interactionType,omitempty"`
	UI              json.RawMessage `json:"ui,omitempty"`
	Assignees       []Assignee      `json:"assignees,omitempty"`
	SLA             *SLA            `json:"sla,omitempty"`
	Reminders       []Reminder      `json:"reminders,omitempty"`
	Escalation      *Escalation     `json:"escalation,omitempty"`
}

// Assignee routes a human task to a user, group, or role.
type Assignee struct {
	Type  string `json:"type"`
	Value string `json:"value"`
}

// SLA bounds how long a human task may stay open.
type SLA struct {
	DurationMS int    `json:"durationMs,omitempty"`
	Action     string `json:"action,omitempty"`
}

// Reminder schedules a nudge before the SLA expires.
type Reminder struct {
	AfterMS int    `json:"afterMs"`
	Channel string `json:"channel,omitempty"`
}

// Escalation reassigns a task when the SLA lapses.
type Escalation struct {
	To      []Assignee `json:"to,omitempty"`
	AfterMS int        `json:"afterMs,omitempty"`
}

// ErrorHandling selects cascade failure policy.
type ErrorHandling string

const (
	FailFast   ErrorHandling = "fail-fast"
	Continue   ErrorHandling = "continue"
	BestEffort ErrorHandling = "best-effort"
)

// CascadeSpec configures a pipeline of function invocations chained
// output to input.
type CascadeSpec struct {
	Steps         []CascadeStep `json:"steps"`
	ErrorHandling ErrorHandling `json:"errorHandling,omitempty"`
}

// CascadeStep names one function in a cascade and the tier it runs at.
type CascadeStep struct {
	FunctionID string `json:"functionId"`
	Tier       string `json:"tier,omitempty"`
}

// Variant returns the populated variant record for the metadata's kind, or
// nil when the record is missing.
func (m *Metadata) Variant() any {
	switch m.Kind {
	case KindCode:
		if m.Code != nil {
			return m.Code
		}
	case KindGenerative:
		if m.Generative != nil {
			return m.Generative
		}
	case KindAgentic:
		if m.Agentic != nil {
			return m.Agentic
		}
	case KindHuman:
		if m.Human != nil {
			return m.Human
		}
	case KindCascade:
		if m.Cascade != nil {
			return m.Cascade
		}
	}
	return nil
}

// Clone returns a deep copy via JSON round-trip. Metadata trees are small;
// this keeps copy semantics obvious.
func (m *Metadata) Clone() (*Metadata, error) {
	b, err := json.Marshal(m)
	if err != nil {
		return nil, err
	}
	var out Metadata
	if err := json.Unmarshal(b, &out); err != nil {
		return nil, err
	}
	return &out, nil
}
