package fn

import (
	"encoding/json"
	"fmt"
	"path"
	"regexp"
	"strings"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

const (
	// MaxIDLength bounds function identifiers.
	MaxIDLength = 64

	// MaxSchemaBytes bounds serialized JSON schemas.
	MaxSchemaBytes = 100_000
)

var (
	idPattern = regexp.MustCompile(`^[A-Za-z][A-Za-z0-9_-]*$`)

	// Semantic version: MAJOR.MINOR.PATCH with optional prerelease and
	// build metadata, no leading zeros, no v prefix.
	versionPattern = regexp.MustCompile(
		`^(0|[1-9]\d*)\.(0|[1-9]\d*)\.(0|[1-9]\d*)` +
			`(?:-((?:0|[1-9]\d*|\d*[A-Za-z-][0-9A-Za-z-]*)(?:\.(?:0|[1-9]\d*|\d*[A-Za-z-][0-9A-Za-z-]*))*))?` +
			`(?:\+([0-9A-Za-z-]+(?:\.[0-9A-Za-z-]+)*))?$`)
)

// ValidationError reports the first rule a metadata value violates.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid %s: %s", e.Field, e.Reason)
}

func invalid(field, format string, args ...any) *ValidationError {
	return &ValidationError{Field: field, Reason: fmt.Sprintf(format, args...)}
}

// ValidateID checks the function identifier rules: starts with a letter,
// alphanumeric plus - and _, no doubled separators, length at most 64.
func ValidateID(id string) error {
	if id == "" {
		return invalid("id", "must not be empty")
	}
	if len(id) > MaxIDLength {
		return invalid("id", "must be at most %d characters, got %d", MaxIDLength, len(id))
	}
	if !idPattern.MatchString(id) {
		return invalid("id", "must start with a letter and contain only letters, digits, - and _")
	}
	for _, double := range []string{"--", "__", "-_", "_-"} {
		if strings.Contains(id, double) {
			return invalid("id", "must not contain doubled separator %q", double)
		}
	}
	return nil
}

// ValidateVersion checks semantic version syntax.
func ValidateVersion(version string) error {
	if version == "" {
		return invalid("version", "must not be empty")
	}
	if !versionPattern.MatchString(version) {
		return invalid("version", "%q is not a semantic version (MAJOR.MINOR.PATCH, no leading zeros, no v prefix)", version)
	}
	return nil
}

// ValidateEntryPoint checks that an entry point is a safe relative path.
func ValidateEntryPoint(ep string) error {
	if ep == "" {
		return nil
	}
	if strings.HasPrefix(ep, "/") {
		return invalid("entryPoint", "must be a relative path")
	}
	if strings.Contains(ep, "//") {
		return invalid("entryPoint", "must not contain //")
	}
	for _, seg := range strings.Split(ep, "/") {
		if seg == ".." {
			return invalid("entryPoint", "must not contain ..")
		}
	}
	if path.Clean(ep) != ep {
		return invalid("entryPoint", "must be a clean relative path")
	}
	return nil
}

// ValidateSchema checks that raw is a JSON schema that serializes under the
// size cap and compiles. A value that cannot be serialized (cycles inserted
// upstream) or compiled is rejected.
func ValidateSchema(field string, raw json.RawMessage) error {
	if len(raw) == 0 {
		return nil
	}
	// Re-marshal to detect structurally broken values and to measure
	// canonical size.
	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return invalid(field, "not valid JSON: %v", err)
	}
	b, err := json.Marshal(v)
	if err != nil {
		return invalid(field, "cannot be serialized: %v", err)
	}
	if len(b) > MaxSchemaBytes {
		return invalid(field, "serialized schema is %d bytes, limit is %d", len(b), MaxSchemaBytes)
	}
	c := jsonschema.NewCompiler()
	if err := c.AddResource("schema.json", strings.NewReader(string(b))); err != nil {
		return invalid(field, "schema does not compile: %v", err)
	}
	if _, err := c.Compile("schema.json"); err != nil {
		return invalid(field, "schema does not compile: %v", err)
	}
	return nil
}

// Validate checks a metadata record and optional code artifact against all
// deployment rules. The first violation wins, in the order id, version,
// kind, language, code presence, entry point, dependencies, then
// kind-specific fields.
func Validate(m *Metadata, code []byte) error {
	if m == nil {
		return invalid("metadata", "must not be nil")
	}
	if err := ValidateID(m.ID); err != nil {
		return err
	}
	if err := ValidateVersion(m.Version); err != nil {
		return err
	}
	switch m.Kind {
	case KindCode:
		return validateCode(m, code)
	case KindGenerative:
		return validateGenerative(m)
	case KindAgentic:
		return validateAgentic(m)
	case KindHuman:
		return validateHuman(m)
	case KindCascade:
		return validateCascade(m)
	case "":
		return invalid("kind", "must be one of %v", KnownKinds())
	default:
		return invalid("kind", "unknown kind %q", m.Kind)
	}
}

func validateCode(m *Metadata, code []byte) error {
	spec := m.Code
	if spec == nil {
		return invalid("code", "code functions require a code record")
	}
	known := false
	for _, l := range KnownLanguages() {
		if spec.Language == l {
			known = true
			break
		}
	}
	if !known {
		return invalid("language", "unsupported language %q", spec.Language)
	}
	if len(code) == 0 {
		return invalid("code", "code functions require a source or compiled artifact")
	}
	if err := ValidateEntryPoint(spec.EntryPoint); err != nil {
		return err
	}
	for name, constraint := range spec.Dependencies {
		if strings.TrimSpace(name) == "" {
			return invalid("dependencies", "dependency name must not be empty")
		}
		if strings.TrimSpace(constraint) == "" {
			return invalid("dependencies", "dependency %q has an empty version constraint", name)
		}
	}
	return nil
}

func validateGenerative(m *Metadata) error {
	spec := m.Generative
	if spec == nil {
		return invalid("generative", "generative functions require a generative record")
	}
	if strings.TrimSpace(spec.UserPrompt) == "" {
		return invalid("userPrompt", "must not be empty")
	}
	if spec.Temperature != nil {
		if t := *spec.Temperature; t < 0 || t > 2 {
			return invalid("temperature", "must be in [0, 2], got %v", t)
		}
	}
	if spec.MaxTokens < 0 {
		return invalid("maxTokens", "must be a positive integer")
	}
	if err := ValidateSchema("outputSchema", spec.OutputSchema); err != nil {
		return err
	}
	if err := ValidateSchema("inputSchema", spec.InputSchema); err != nil {
		return err
	}
	return nil
}

func validateAgentic(m *Metadata) error {
	spec := m.Agentic
	if spec == nil {
		return invalid("agentic", "agentic functions require an agentic record")
	}
	if strings.TrimSpace(spec.SystemPrompt) == "" {
		return invalid("systemPrompt", "must not be empty")
	}
	if strings.TrimSpace(spec.Goal) == "" {
		return invalid("goal", "must not be empty")
	}
	if spec.MaxIterations < 0 {
		return invalid("maxIterations", "must be a positive integer")
	}
	if spec.TokenBudget < 0 {
		return invalid("tokenBudget", "must be a positive integer")
	}
	seen := map[string]bool{}
	for i, tool := range spec.Tools {
		if strings.TrimSpace(tool.Name) == "" {
			return invalid("tools", "tool %d has no name", i)
		}
		if seen[tool.Name] {
			return invalid("tools", "duplicate tool name %q", tool.Name)
		}
		seen[tool.Name] = true
		switch tool.Implementation.Type {
		case ToolBuiltin, ToolAPI, ToolInline, ToolFunction:
		default:
			return invalid("tools", "tool %q has unknown implementation type %q", tool.Name, tool.Implementation.Type)
		}
		if err := ValidateSchema("tools", tool.InputSchema); err != nil {
			return err
		}
	}
	if err := ValidateSchema("outputSchema", spec.OutputSchema); err != nil {
		return err
	}
	return nil
}

func validateHuman(m *Metadata) error {
	spec := m.Human
	if spec == nil {
		return invalid("human", "human functions require a human record")
	}
	if spec.InteractionType != "" {
		known := false
		for _, it := range KnownInteractionTypes() {
			if spec.InteractionType == it {
				known = true
				break
			}
		}
		if !known {
			return invalid("interactionType", "unknown interaction type %q", spec.InteractionType)
		}
	}
	for i, a := range spec.Assignees {
		if strings.TrimSpace(a.Type) == "" || strings.TrimSpace(a.Value) == "" {
			return invalid("assignees", "assignee %d requires type and value", i)
		}
	}
	return nil
}

func validateCascade(m *Metadata) error {
	spec := m.Cascade
	if spec == nil {
		return invalid("cascade", "cascade functions require a cascade record")
	}
	if len(spec.Steps) == 0 {
		return invalid("steps", "cascade requires at least one step")
	}
	for i, step := range spec.Steps {
		if err := ValidateID(step.FunctionID); err != nil {
			return invalid("steps", "step %d: %v", i, err)
		}
		if step.Tier != "" && TierFor(step.Tier) == 0 {
			return invalid("steps", "step %d: unknown tier %q", i, step.Tier)
		}
	}
	switch spec.ErrorHandling {
	case "", FailFast, Continue, BestEffort:
	default:
		return invalid("errorHandling", "unknown policy %q", spec.ErrorHandling)
	}
	return nil
}
