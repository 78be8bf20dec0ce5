package tools

import (
	"context"

	"github.com/hollis/vesper-agent/internal/winctl"
)

func (r *Registry) registerWindowTools() {
	r.register(&Definition{
		Name:        "list_windows",
		Description: "List all open application windows with their ids, types, titles, positions, and sizes. Use this to discover what is on screen before manipulating anything.",
		Handler:     r.handleListWindows,
	})

	r.register(&Definition{
		Name:        "create_window",
		Description: "Open a new application window. Returns the created window, including its assigned id.",
		Params: []ParamSpec{
			{Name: "type", Type: "string", Required: true, Description: "Window type (e.g., editor, terminal, browser, notes)"},
			{Name: "title", Type: "string", Required: false, Description: "Initial window title"},
			{Name: "config", Type: "object", Required: false, Description: "Free-form window configuration passed to the window manager"},
		},
		Handler: r.handleCreateWindow,
	})

	r.register(&Definition{
		Name:        "move_window",
		Description: "Move a window to a new screen position.",
		Params: []ParamSpec{
			{Name: "window_id", Type: "string", Required: true, Description: "The window to move"},
			{Name: "x", Type: "integer", Required: true, Description: "New left edge in pixels"},
			{Name: "y", Type: "integer", Required: true, Description: "New top edge in pixels"},
		},
		Handler: r.handleMoveWindow,
	})

	r.register(&Definition{
		Name:        "resize_window",
		Description: "Resize a window.",
		Params: []ParamSpec{
			{Name: "window_id", Type: "string", Required: true, Description: "The window to resize"},
			{Name: "width", Type: "integer", Required: true, Description: "New width in pixels"},
			{Name: "height", Type: "integer", Required: true, Description: "New height in pixels"},
		},
		Handler: r.handleResizeWindow,
	})

	r.register(&Definition{
		Name:        "close_window",
		Description: "Close a window.",
		Params: []ParamSpec{
			{Name: "window_id", Type: "string", Required: true, Description: "The window to close"},
		},
		Handler: r.handleCloseWindow,
	})

	r.register(&Definition{
		Name:        "set_window_title",
		Description: "Rename a window.",
		Params: []ParamSpec{
			{Name: "window_id", Type: "string", Required: true, Description: "The window to rename"},
			{Name: "title", Type: "string", Required: true, Description: "The new title"},
		},
		Handler: r.handleSetWindowTitle,
	})
}

func (r *Registry) handleListWindows(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Windows == nil {
		return nil, &ErrToolUnavailable{ToolName: "list_windows", Reason: "window manager not connected"}
	}
	windows, err := r.deps.Windows.GetAllWindows(ctx)
	if err != nil {
		return nil, err
	}
	return windows, nil
}

func (r *Registry) handleCreateWindow(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Windows == nil {
		return nil, &ErrToolUnavailable{ToolName: "create_window", Reason: "window manager not connected"}
	}

	config, issues := SanitizeConfig(mapArg(args, "config"))
	for _, issue := range issues {
		r.logger.Warn("window config sanitized", "issue", issue)
	}

	return r.deps.Windows.CreateWindow(ctx, stringArg(args, "type"), stringArg(args, "title"), config)
}

func (r *Registry) handleMoveWindow(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Windows == nil {
		return nil, &ErrToolUnavailable{ToolName: "move_window", Reason: "window manager not connected"}
	}
	id := targetWindow(args, windowID)
	pos := winctl.Position{X: intArg(args, "x", 0), Y: intArg(args, "y", 0)}
	if err := r.deps.Windows.MoveWindow(ctx, id, pos); err != nil {
		return nil, err
	}
	return map[string]any{"window_id": id, "position": pos}, nil
}

func (r *Registry) handleResizeWindow(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Windows == nil {
		return nil, &ErrToolUnavailable{ToolName: "resize_window", Reason: "window manager not connected"}
	}
	id := targetWindow(args, windowID)
	size := winctl.Size{Width: intArg(args, "width", 0), Height: intArg(args, "height", 0)}
	if err := r.deps.Windows.ResizeWindow(ctx, id, size); err != nil {
		return nil, err
	}
	return map[string]any{"window_id": id, "size": size}, nil
}

func (r *Registry) handleCloseWindow(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Windows == nil {
		return nil, &ErrToolUnavailable{ToolName: "close_window", Reason: "window manager not connected"}
	}
	id := targetWindow(args, windowID)
	if err := r.deps.Windows.CloseWindow(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"window_id": id, "closed": true}, nil
}

func (r *Registry) handleSetWindowTitle(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Windows == nil {
		return nil, &ErrToolUnavailable{ToolName: "set_window_title", Reason: "window manager not connected"}
	}
	id := targetWindow(args, windowID)
	title := stringArg(args, "title")
	if err := r.deps.Windows.SetWindowTitle(ctx, id, title); err != nil {
		return nil, err
	}
	return map[string]any{"window_id": id, "title": title}, nil
}

// targetWindow resolves the window an operation applies to: an explicit
// window_id argument wins, otherwise the conversation's attached window.
func targetWindow(args map[string]any, windowID string) string {
	if id := stringArg(args, "window_id"); id != "" {
		return id
	}
	return windowID
}
