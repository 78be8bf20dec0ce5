package tools

import "fmt"

// ErrToolUnavailable is returned when a call targets a tool that is not
// present in the registry, or whose backing collaborator (window
// manager, sandbox, memory) is not configured. It indicates a
// capability mismatch, not a transient execution failure.
type ErrToolUnavailable struct {
	ToolName string
	Reason   string
}

// Error implements the error interface.
func (e *ErrToolUnavailable) Error() string {
	if e.Reason != "" {
		return fmt.Sprintf("tool %q is not available: %s", e.ToolName, e.Reason)
	}
	return fmt.Sprintf("tool %q is not available", e.ToolName)
}
