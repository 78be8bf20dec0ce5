package tools

import (
	"context"
	"log/slog"
	"strings"
	"testing"

	"github.com/hollis/vesper-agent/internal/winctl"
)

// stubManager serves a fixed window list and records mutations.
type stubManager struct {
	windows []winctl.Window
	created []string
	closed  []string
}

func (m *stubManager) GetAllWindows(ctx context.Context) ([]winctl.Window, error) {
	return m.windows, nil
}

func (m *stubManager) CreateWindow(ctx context.Context, windowType, title string, config map[string]any) (*winctl.Window, error) {
	m.created = append(m.created, windowType)
	return &winctl.Window{ID: "w-new", Type: windowType, Title: title}, nil
}

func (m *stubManager) MoveWindow(ctx context.Context, id string, pos winctl.Position) error {
	return nil
}

func (m *stubManager) ResizeWindow(ctx context.Context, id string, size winctl.Size) error {
	return nil
}

func (m *stubManager) CloseWindow(ctx context.Context, id string) error {
	m.closed = append(m.closed, id)
	return nil
}

func (m *stubManager) SetWindowTitle(ctx context.Context, id, title string) error { return nil }

func TestExecute_UnknownTool(t *testing.T) {
	r := NewRegistry(Deps{}, nil)

	env := r.Execute(context.Background(), "defragment_disk", nil, "w1")
	if env.Success {
		t.Fatal("unknown tool must not succeed")
	}
	if !strings.Contains(env.Error, "defragment_disk") {
		t.Errorf("error = %q, should name the tool", env.Error)
	}
	if env.WindowID != "w1" {
		t.Errorf("window id = %q", env.WindowID)
	}
	if env.Timestamp.IsZero() {
		t.Error("timestamp not set")
	}
}

func TestExecute_NilArgs(t *testing.T) {
	mgr := &stubManager{windows: []winctl.Window{{ID: "w1", Type: "editor"}}}
	r := NewRegistry(Deps{Windows: mgr}, nil)

	env := r.Execute(context.Background(), "list_windows", nil, "")
	if !env.Success {
		t.Fatalf("list_windows failed: %s", env.Error)
	}
	windows, ok := env.Data.([]winctl.Window)
	if !ok || len(windows) != 1 {
		t.Errorf("data = %#v", env.Data)
	}
}

func TestExecute_MissingRequiredParam(t *testing.T) {
	mgr := &stubManager{}
	r := NewRegistry(Deps{Windows: mgr}, nil)

	env := r.Execute(context.Background(), "move_window", map[string]any{
		"window_id": "w1", "x": 10,
	}, "")
	if env.Success {
		t.Fatal("missing required parameter must fail validation")
	}
	if !strings.Contains(env.Error, `"y"`) {
		t.Errorf("error = %q, should name the missing parameter", env.Error)
	}
}

func TestExecute_UnavailableDependency(t *testing.T) {
	r := NewRegistry(Deps{}, nil)

	env := r.Execute(context.Background(), "run_code", map[string]any{
		"language": "python", "source": "print(1)",
	}, "")
	if env.Success {
		t.Fatal("tool without its dependency must not succeed")
	}
	if !strings.Contains(env.Error, "not available") {
		t.Errorf("error = %q", env.Error)
	}
}

func TestExecute_HandlerPanicBecomesEnvelope(t *testing.T) {
	r := &Registry{tools: make(map[string]*Definition), logger: slog.Default()}
	r.register(&Definition{
		Name:        "explode",
		Description: "always panics",
		Handler: func(ctx context.Context, args map[string]any, windowID string) (any, error) {
			panic("boom")
		},
	})

	env := r.Execute(context.Background(), "explode", nil, "w2")
	if env.Success {
		t.Fatal("panicking handler must not succeed")
	}
	if env.WindowID != "w2" {
		t.Errorf("window id = %q", env.WindowID)
	}
	if env.Error == "" {
		t.Error("expected an error message")
	}
}

func TestCatalogue_MatchesValidation(t *testing.T) {
	r := NewRegistry(Deps{}, nil)

	catalogue := r.Catalogue()
	if len(catalogue) == 0 {
		t.Fatal("empty catalogue")
	}

	var prev string
	for _, entry := range catalogue {
		if entry["type"] != "function" {
			t.Errorf("entry type = %v", entry["type"])
		}
		fn := entry["function"].(map[string]any)
		name := fn["name"].(string)
		if name <= prev {
			t.Errorf("catalogue not sorted: %q after %q", name, prev)
		}
		prev = name

		def := r.Get(name)
		if def == nil {
			t.Fatalf("catalogue names unregistered tool %q", name)
		}

		// Both renderings come from the same ParamSpecs: the schema's
		// required list and validate() must agree.
		schema := fn["parameters"].(map[string]any)
		var required []string
		if raw, ok := schema["required"]; ok {
			required = raw.([]string)
		}
		var wantRequired []string
		for _, p := range def.Params {
			if p.Required {
				wantRequired = append(wantRequired, p.Name)
			}
		}
		if len(required) != len(wantRequired) {
			t.Errorf("%s: schema required %v, params say %v", name, required, wantRequired)
		}

		props := schema["properties"].(map[string]any)
		if len(props) != len(def.Params) {
			t.Errorf("%s: %d properties for %d params", name, len(props), len(def.Params))
		}
	}
}

func TestEnvelopeJSON_UnserializableData(t *testing.T) {
	env := successEnvelope(map[string]any{"ch": make(chan int)}, "w1")

	body := env.JSON()
	if body == "" {
		t.Fatal("JSON() returned nothing")
	}
	if !strings.Contains(body, `"success":false`) {
		t.Errorf("fallback envelope should report failure: %s", body)
	}
	if !strings.Contains(body, "not serializable") {
		t.Errorf("fallback envelope should explain: %s", body)
	}
}

func TestExecute_CreateWindowSanitizesConfig(t *testing.T) {
	mgr := &stubManager{}
	r := NewRegistry(Deps{Windows: mgr}, nil)

	env := r.Execute(context.Background(), "create_window", map[string]any{
		"type":   "notes",
		"config": "not an object",
	}, "")
	if !env.Success {
		t.Fatalf("create_window failed: %s", env.Error)
	}
	if len(mgr.created) != 1 || mgr.created[0] != "notes" {
		t.Errorf("created = %v", mgr.created)
	}
}
