// Package winctl talks to the external window manager. Vesper does not
// own any window state: every operation is a request to the manager's
// IPC endpoint, and window snapshots are fetched fresh each time.
package winctl

import (
	"context"
	"encoding/json"
)

// Window is one entry in the manager's window list.
type Window struct {
	ID       string         `json:"id"`
	Type     string         `json:"type"`
	Title    string         `json:"title"`
	Position Position       `json:"position"`
	Size     Size           `json:"size"`
	Metadata map[string]any `json:"metadata,omitempty"`
}

// Position is a window's top-left corner in screen coordinates.
type Position struct {
	X int `json:"x"`
	Y int `json:"y"`
}

// Size is a window's dimensions in pixels.
type Size struct {
	Width  int `json:"width"`
	Height int `json:"height"`
}

// Manager is the window-manager boundary. *Client satisfies it; tests
// substitute fakes. A nil Manager in the orchestrator means windowing
// is disabled and the context snapshot is simply omitted.
type Manager interface {
	// GetAllWindows returns a snapshot of every managed window.
	GetAllWindows(ctx context.Context) ([]Window, error)

	// CreateWindow opens a new window of the given type. config is
	// free-form and passed through to the manager after sanitization.
	CreateWindow(ctx context.Context, windowType, title string, config map[string]any) (*Window, error)

	// MoveWindow repositions a window.
	MoveWindow(ctx context.Context, id string, pos Position) error

	// ResizeWindow changes a window's dimensions.
	ResizeWindow(ctx context.Context, id string, size Size) error

	// CloseWindow closes a window.
	CloseWindow(ctx context.Context, id string) error

	// SetWindowTitle renames a window.
	SetWindowTitle(ctx context.Context, id, title string) error
}

// createRequest is the payload for windows/create.
type createRequest struct {
	Type   string         `json:"type"`
	Title  string         `json:"title"`
	Config map[string]any `json:"config,omitempty"`
}

// moveRequest is the payload for windows/move.
type moveRequest struct {
	ID       string   `json:"id"`
	Position Position `json:"position"`
}

// resizeRequest is the payload for windows/resize.
type resizeRequest struct {
	ID   string `json:"id"`
	Size Size   `json:"size"`
}

// titleRequest is the payload for windows/set_title.
type titleRequest struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// idRequest is the payload for commands addressing a window by id.
type idRequest struct {
	ID string `json:"id"`
}

func mustRaw(v any) json.RawMessage {
	b, err := json.Marshal(v)
	if err != nil {
		// All request types above marshal cleanly; a failure here is a
		// programming error.
		panic(err)
	}
	return b
}
