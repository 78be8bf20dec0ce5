// Package tools defines the tools available to the agent and the
// registry that dispatches calls to them.
package tools

import (
	"context"
	"fmt"
	"log/slog"
	"sort"

	"github.com/hollis/vesper-agent/internal/memory"
	"github.com/hollis/vesper-agent/internal/sandbox"
	"github.com/hollis/vesper-agent/internal/winctl"
)

// ParamSpec declares one tool parameter. It is the single source of
// truth for both dispatch validation and the LLM-facing JSON schema;
// the two renderings can never drift because both derive from here.
type ParamSpec struct {
	Name        string
	Type        string // string, integer, number, boolean, object
	Required    bool
	Description string
}

// Handler executes a tool call. windowID is the window the conversation
// is attached to, if any; handlers may use it as a default target.
type Handler func(ctx context.Context, args map[string]any, windowID string) (any, error)

// Definition is one registered tool.
type Definition struct {
	Name        string
	Description string
	Params      []ParamSpec
	Handler     Handler
}

// jsonSchema renders the parameter schema in the JSON Schema shape chat
// APIs expect.
func (d *Definition) jsonSchema() map[string]any {
	props := make(map[string]any, len(d.Params))
	var required []string
	for _, p := range d.Params {
		props[p.Name] = map[string]any{
			"type":        p.Type,
			"description": p.Description,
		}
		if p.Required {
			required = append(required, p.Name)
		}
	}
	schema := map[string]any{
		"type":       "object",
		"properties": props,
	}
	if len(required) > 0 {
		schema["required"] = required
	}
	return schema
}

// validate checks args against the same ParamSpecs the schema was
// rendered from. Only presence of required parameters is enforced;
// models get type coercion slack because handlers coerce defensively.
func (d *Definition) validate(args map[string]any) error {
	for _, p := range d.Params {
		if !p.Required {
			continue
		}
		if _, ok := args[p.Name]; !ok {
			return fmt.Errorf("missing required parameter %q", p.Name)
		}
	}
	return nil
}

// Deps are the collaborators tool handlers act on. Any of them may be
// nil; the corresponding tools are then registered but report
// themselves unavailable when called, so the model gets a structured
// error instead of a missing tool.
type Deps struct {
	Windows winctl.Manager
	Sandbox sandbox.Runner
	Memory  *memory.Service
}

// Registry holds the tool catalogue. It is fully populated during
// NewRegistry and never mutated afterwards, so concurrent Execute and
// Catalogue calls need no locking.
type Registry struct {
	tools  map[string]*Definition
	deps   Deps
	logger *slog.Logger
}

// NewRegistry builds the registry with every builtin tool registered.
func NewRegistry(deps Deps, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	r := &Registry{
		tools:  make(map[string]*Definition),
		deps:   deps,
		logger: logger,
	}
	r.registerWindowTools()
	r.registerSandboxTools()
	r.registerMemoryTools()
	return r
}

func (r *Registry) register(d *Definition) {
	r.tools[d.Name] = d
}

// Get retrieves a tool by name, or nil.
func (r *Registry) Get(name string) *Definition {
	return r.tools[name]
}

// Catalogue returns all tools in the wire shape chat APIs expect,
// sorted by name so the model sees a stable ordering.
func (r *Registry) Catalogue() []map[string]any {
	names := make([]string, 0, len(r.tools))
	for name := range r.tools {
		names = append(names, name)
	}
	sort.Strings(names)

	result := make([]map[string]any, 0, len(names))
	for _, name := range names {
		t := r.tools[name]
		result = append(result, map[string]any{
			"type": "function",
			"function": map[string]any{
				"name":        t.Name,
				"description": t.Description,
				"parameters":  t.jsonSchema(),
			},
		})
	}
	return result
}

// Execute runs a tool by name and always returns an envelope. Unknown
// tools, validation failures, handler errors, and handler panics all
// become success:false envelopes; Execute itself never fails.
func (r *Registry) Execute(ctx context.Context, name string, args map[string]any, windowID string) (env Envelope) {
	defer func() {
		if rec := recover(); rec != nil {
			r.logger.Error("tool handler panicked", "tool", name, "panic", rec)
			env = errorEnvelope(fmt.Sprintf("tool %s failed: internal error", name), windowID)
		}
	}()

	tool := r.tools[name]
	if tool == nil {
		err := &ErrToolUnavailable{ToolName: name}
		r.logger.Warn("unknown tool requested", "tool", name)
		return errorEnvelope(err.Error(), windowID)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := tool.validate(args); err != nil {
		return errorEnvelope(err.Error(), windowID)
	}

	data, err := tool.Handler(ctx, args, windowID)
	if err != nil {
		r.logger.Debug("tool returned error", "tool", name, "error", err)
		return errorEnvelope(err.Error(), windowID)
	}
	return successEnvelope(data, windowID)
}

// --- argument coercion helpers shared by handlers ---

func stringArg(args map[string]any, key string) string {
	if v, ok := args[key].(string); ok {
		return v
	}
	if v, ok := args[key]; ok && v != nil {
		return fmt.Sprintf("%v", v)
	}
	return ""
}

func intArg(args map[string]any, key string, def int) int {
	switch v := args[key].(type) {
	case float64:
		return int(v)
	case int:
		return v
	case int64:
		return int(v)
	}
	return def
}

func mapArg(args map[string]any, key string) map[string]any {
	if v, ok := args[key].(map[string]any); ok {
		return v
	}
	return nil
}
