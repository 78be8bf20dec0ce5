package tools

import (
	"context"
	"fmt"
)

func (r *Registry) registerSandboxTools() {
	r.register(&Definition{
		Name:        "run_code",
		Description: "Execute code in an isolated sandbox and return its output. Use for calculations, data transformations, or anything better expressed as code than prose.",
		Params: []ParamSpec{
			{Name: "language", Type: "string", Required: true, Description: "Language to run (e.g., python, javascript)"},
			{Name: "source", Type: "string", Required: true, Description: "The source code to execute"},
		},
		Handler: r.handleRunCode,
	})
}

func (r *Registry) handleRunCode(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Sandbox == nil {
		return nil, &ErrToolUnavailable{ToolName: "run_code", Reason: "sandbox not configured"}
	}

	source := stringArg(args, "source")
	if source == "" {
		return nil, fmt.Errorf("source must not be empty")
	}

	exec, err := r.deps.Sandbox.Execute(ctx, stringArg(args, "language"), source)
	if err != nil {
		return nil, fmt.Errorf("sandbox execution: %w", err)
	}
	return exec, nil
}
