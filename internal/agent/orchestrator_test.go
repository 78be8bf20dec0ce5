package agent

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"

	"github.com/hollis/vesper-agent/internal/llm"
	"github.com/hollis/vesper-agent/internal/memory"
	"github.com/hollis/vesper-agent/internal/prompts"
	"github.com/hollis/vesper-agent/internal/tools"
	"github.com/hollis/vesper-agent/internal/winctl"
)

// mockLLM returns scripted responses in order and records every call's
// message list.
type mockLLM struct {
	responses []*llm.ChatResponse
	calls     [][]llm.Message
}

func (m *mockLLM) Chat(ctx context.Context, model string, messages []llm.Message, tools []map[string]any) (*llm.ChatResponse, error) {
	m.calls = append(m.calls, messages)
	if len(m.calls) > len(m.responses) {
		return nil, fmt.Errorf("unexpected LLM call %d", len(m.calls))
	}
	return m.responses[len(m.calls)-1], nil
}

func (m *mockLLM) ChatStream(ctx context.Context, model string, messages []llm.Message, tools []map[string]any, callback llm.StreamCallback) (*llm.ChatResponse, error) {
	resp, err := m.Chat(ctx, model, messages, tools)
	if err != nil {
		return nil, err
	}
	if callback != nil && resp.Message.Content != "" {
		callback(llm.StreamEvent{Kind: llm.KindToken, Token: resp.Message.Content})
	}
	return resp, nil
}

func (m *mockLLM) Ping(ctx context.Context) error { return nil }

// fakeWindows records manager calls and serves a fixed snapshot.
type fakeWindows struct {
	windows []winctl.Window
	moved   []string
	onMove  func()
}

func (f *fakeWindows) GetAllWindows(ctx context.Context) ([]winctl.Window, error) {
	return f.windows, nil
}

func (f *fakeWindows) CreateWindow(ctx context.Context, windowType, title string, config map[string]any) (*winctl.Window, error) {
	w := winctl.Window{ID: "new", Type: windowType, Title: title}
	f.windows = append(f.windows, w)
	return &w, nil
}

func (f *fakeWindows) MoveWindow(ctx context.Context, id string, pos winctl.Position) error {
	f.moved = append(f.moved, id)
	if f.onMove != nil {
		f.onMove()
	}
	return nil
}

func (f *fakeWindows) ResizeWindow(ctx context.Context, id string, size winctl.Size) error {
	return nil
}

func (f *fakeWindows) CloseWindow(ctx context.Context, id string) error { return nil }

func (f *fakeWindows) SetWindowTitle(ctx context.Context, id, title string) error { return nil }

func buildTestOrchestrator(t *testing.T, mock *mockLLM, fw *fakeWindows, opts ...Option) (*Orchestrator, *memory.Service) {
	t.Helper()

	store, err := memory.NewStore(filepath.Join(t.TempDir(), "test.db"), nil)
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	mem := memory.NewService(store, nil, nil)
	t.Cleanup(mem.Close)

	registry := tools.NewRegistry(tools.Deps{Windows: fw, Memory: mem}, nil)

	var all []Option
	if fw != nil {
		all = append(all, WithWindowManager(fw))
	}
	all = append(all, opts...)
	return New(mock, "test-model", registry, mem, all...), mem
}

func toolCallResponse(name, args string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model: "test-model",
		Message: llm.Message{
			Role:      "assistant",
			ToolCalls: []llm.ToolCall{{ID: "call-1", Name: name, Arguments: args}},
		},
	}
}

func textResponse(text string) *llm.ChatResponse {
	return &llm.ChatResponse{
		Model:   "test-model",
		Message: llm.Message{Role: "assistant", Content: text},
	}
}

func TestChat_DirectAnswer(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("Hello there.")}}
	orch, mem := buildTestOrchestrator(t, mock, nil)

	result, err := orch.Chat(context.Background(), "conv-1", "", "hi")
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Text != "Hello there." {
		t.Errorf("text = %q", result.Text)
	}

	// Both sides of the exchange end up in the store in order.
	mem.Flush("conv-1")
	msgs, err := mem.Store().GetMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	if len(msgs) != 2 || msgs[0].Role != "user" || msgs[1].Role != "assistant" {
		t.Fatalf("stored messages = %+v", msgs)
	}
	if msgs[1].Content != "Hello there." {
		t.Errorf("assistant content = %q", msgs[1].Content)
	}
}

func TestChat_EmptyResponse(t *testing.T) {
	// No content, no tool calls, no reasoning: the turn must fail
	// loudly, never return blank text.
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("")}}
	orch, _ := buildTestOrchestrator(t, mock, nil)

	_, err := orch.Chat(context.Background(), "conv-1", "", "hi")
	if !errors.Is(err, ErrEmptyResponse) {
		t.Fatalf("err = %v, want ErrEmptyResponse", err)
	}
}

func TestChat_ToolLoop(t *testing.T) {
	fw := &fakeWindows{windows: []winctl.Window{{ID: "w1", Type: "editor", Title: "Draft"}}}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("move_window", `{"window_id": "w1", "x": 10, "y": 20}`),
		textResponse("Moved it."),
	}}
	orch, _ := buildTestOrchestrator(t, mock, fw)

	result, err := orch.Chat(context.Background(), "conv-1", "", "move my editor")
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Text != "Moved it." {
		t.Errorf("text = %q", result.Text)
	}
	if len(result.ToolsUsed) != 1 || result.ToolsUsed[0] != "move_window" {
		t.Errorf("tools used = %v", result.ToolsUsed)
	}
	if len(fw.moved) != 1 || fw.moved[0] != "w1" {
		t.Errorf("moved = %v", fw.moved)
	}

	// The second LLM call must carry the tool result envelope so the
	// model sees it before answering.
	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(mock.calls))
	}
	var sawEnvelope bool
	for _, msg := range mock.calls[1] {
		if msg.Role == "tool" && strings.Contains(msg.Content, `"success":true`) {
			sawEnvelope = true
			if msg.ToolCallID != "call-1" {
				t.Errorf("tool message call id = %q", msg.ToolCallID)
			}
		}
	}
	if !sawEnvelope {
		t.Error("tool result envelope not replayed to the model")
	}
}

func TestChat_XMLFunctionCallShim(t *testing.T) {
	fw := &fakeWindows{}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		textResponse(`<v:function_call name="move_window">
<parameter name="window_id">w9</parameter>
<parameter name="x">0</parameter>
<parameter name="y">0</parameter>
</v:function_call>`),
		textResponse("Done."),
	}}
	orch, _ := buildTestOrchestrator(t, mock, fw)

	result, err := orch.Chat(context.Background(), "conv-1", "", "tidy up")
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Text != "Done." {
		t.Errorf("text = %q", result.Text)
	}
	if len(fw.moved) != 1 || fw.moved[0] != "w9" {
		t.Errorf("moved = %v, want [w9]", fw.moved)
	}

	// The XML text must not leak into the transcript as assistant
	// prose: the second call's assistant message carries tool calls,
	// not the raw block.
	for _, msg := range mock.calls[1] {
		if msg.Role == "assistant" && strings.Contains(msg.Content, "function_call") {
			t.Error("raw XML block leaked into transcript content")
		}
	}
}

func TestChat_ReasoningOnlyContinuation(t *testing.T) {
	fw := &fakeWindows{}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		{
			Model:   "test-model",
			Message: llm.Message{Role: "assistant", Reasoning: "I should check the windows first."},
		},
		textResponse("There are no windows open."),
	}}
	orch, _ := buildTestOrchestrator(t, mock, fw)

	result, err := orch.Chat(context.Background(), "conv-1", "", "what's on screen?")
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Text != "There are no windows open." {
		t.Errorf("text = %q", result.Text)
	}

	if len(mock.calls) != 2 {
		t.Fatalf("expected 2 LLM calls, got %d", len(mock.calls))
	}
	var sawNudge, sawReasoning bool
	for _, msg := range mock.calls[1] {
		if msg.Role == "user" && msg.Content == prompts.ContinueNudge {
			sawNudge = true
		}
		if msg.Role == "assistant" && msg.Content == "I should check the windows first." {
			sawReasoning = true
		}
	}
	if !sawNudge {
		t.Error("continuation nudge not injected")
	}
	if !sawReasoning {
		t.Error("reasoning not kept in transcript for audit")
	}
}

func TestChat_UnknownToolGetsErrorEnvelope(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("defragment_disk", `{}`),
		textResponse("Sorry, I can't do that."),
	}}
	orch, _ := buildTestOrchestrator(t, mock, nil)

	result, err := orch.Chat(context.Background(), "conv-1", "", "defrag please")
	if err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if result.Text == "" {
		t.Error("conversation should continue after an unknown tool")
	}

	var sawError bool
	for _, msg := range mock.calls[1] {
		if msg.Role == "tool" && strings.Contains(msg.Content, `"success":false`) {
			sawError = true
		}
	}
	if !sawError {
		t.Error("unknown tool must produce an error envelope in the transcript")
	}
}

func TestChat_MalformedArgumentsStillDispatch(t *testing.T) {
	fw := &fakeWindows{}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("move_window", `{window_id: 'w3, x: 5, y: 6}`),
		textResponse("Handled."),
	}}
	orch, _ := buildTestOrchestrator(t, mock, fw)

	if _, err := orch.Chat(context.Background(), "conv-1", "", "move it"); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}
	if len(fw.moved) != 1 || fw.moved[0] != "w3" {
		t.Errorf("moved = %v, want [w3] via regex fallback", fw.moved)
	}
}

func TestChat_ToolLoopExceeded(t *testing.T) {
	fw := &fakeWindows{}
	loop := toolCallResponse("list_windows", `{}`)
	mock := &mockLLM{responses: []*llm.ChatResponse{loop, loop, loop, loop}}
	orch, _ := buildTestOrchestrator(t, mock, fw, WithMaxToolIterations(2))

	_, err := orch.Chat(context.Background(), "conv-1", "", "loop forever")
	if !errors.Is(err, ErrToolLoopExceeded) {
		t.Fatalf("err = %v, want ErrToolLoopExceeded", err)
	}
}

func TestChat_Cancellation(t *testing.T) {
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("never seen")}}
	orch, _ := buildTestOrchestrator(t, mock, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := orch.Chat(ctx, "conv-1", "", "hi")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
}

func TestChat_ToolExchangeSurvivesReplay(t *testing.T) {
	fw := &fakeWindows{}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		toolCallResponse("move_window", `{"window_id": "w1", "x": 1, "y": 2}`),
		textResponse("Moved."),
		textResponse("Nothing else needed."),
	}}
	orch, mem := buildTestOrchestrator(t, mock, fw)

	if _, err := orch.Chat(context.Background(), "conv-1", "", "move my editor"); err != nil {
		t.Fatalf("turn 1: %v", err)
	}
	if _, err := orch.Chat(context.Background(), "conv-1", "", "anything else?"); err != nil {
		t.Fatalf("turn 2: %v", err)
	}

	// The whole first exchange is stored, including the assistant
	// message that requested the tool and the tool reply.
	mem.Flush("conv-1")
	stored, err := mem.Store().GetMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	wantRoles := []string{"user", "assistant", "tool", "assistant", "user", "assistant"}
	if len(stored) != len(wantRoles) {
		t.Fatalf("stored %d messages, want %d: %+v", len(stored), len(wantRoles), stored)
	}
	for i, want := range wantRoles {
		if stored[i].Role != want {
			t.Errorf("stored[%d].Role = %q, want %q", i, stored[i].Role, want)
		}
	}
	if stored[1].ToolCalls == "" {
		t.Error("assistant tool-call request not stored")
	}
	if stored[2].ToolCallID != "call-1" {
		t.Errorf("stored tool reply call id = %q", stored[2].ToolCallID)
	}

	// Turn 2's request replays exactly the stored sequence between the
	// system prompt and the appended user message.
	req := mock.calls[2]
	if len(req) != 7 {
		t.Fatalf("turn 2 request has %d messages: %+v", len(req), req)
	}
	for i, m := range stored[:5] {
		got := req[i+1]
		if got.Role != m.Role || got.Content != m.Content {
			t.Errorf("replayed[%d] = (%q, %q), stored = (%q, %q)",
				i, got.Role, got.Content, m.Role, m.Content)
		}
	}
	if len(req[2].ToolCalls) != 1 || req[2].ToolCalls[0].Name != "move_window" {
		t.Errorf("replayed tool calls = %+v", req[2].ToolCalls)
	}
	if req[3].ToolCallID != "call-1" {
		t.Errorf("replayed tool reply call id = %q", req[3].ToolCallID)
	}
}

func TestChatStream_WithholdsToolTurnText(t *testing.T) {
	fw := &fakeWindows{}
	mock := &mockLLM{responses: []*llm.ChatResponse{
		textResponse(`<v:function_call name="move_window">
<parameter name="window_id">w4</parameter>
<parameter name="x">0</parameter>
<parameter name="y">0</parameter>
</v:function_call>`),
		textResponse("All tidy now."),
	}}
	orch, _ := buildTestOrchestrator(t, mock, fw)

	var tokens []string
	var kinds []llm.StreamEventKind
	cb := func(ev llm.StreamEvent) {
		kinds = append(kinds, ev.Kind)
		if ev.Kind == llm.KindToken {
			tokens = append(tokens, ev.Token)
		}
	}

	result, err := orch.ChatStream(context.Background(), "conv-1", "", "tidy up", cb)
	if err != nil {
		t.Fatalf("ChatStream() error: %v", err)
	}
	if result.Text != "All tidy now." {
		t.Errorf("text = %q", result.Text)
	}

	// The tool-call iteration's text is consumed, never streamed; only
	// the final answer reaches the client.
	joined := strings.Join(tokens, "")
	if strings.Contains(joined, "function_call") {
		t.Errorf("raw tool-call text streamed to the client: %q", joined)
	}
	if joined != "All tidy now." {
		t.Errorf("streamed tokens = %q", joined)
	}

	var sawStart, sawDone bool
	for _, k := range kinds {
		switch k {
		case llm.KindToolCallStart:
			sawStart = true
		case llm.KindToolCallDone:
			sawDone = true
		}
	}
	if !sawStart || !sawDone {
		t.Errorf("tool lifecycle events missing: start=%v done=%v", sawStart, sawDone)
	}
}

func TestChat_CancellationStopsToolBatch(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	fw := &fakeWindows{onMove: cancel}

	mock := &mockLLM{responses: []*llm.ChatResponse{{
		Model: "test-model",
		Message: llm.Message{
			Role: "assistant",
			ToolCalls: []llm.ToolCall{
				{ID: "call-1", Name: "move_window", Arguments: `{"window_id": "w1", "x": 1, "y": 2}`},
				{ID: "call-2", Name: "move_window", Arguments: `{"window_id": "w2", "x": 3, "y": 4}`},
			},
		},
	}}}
	orch, mem := buildTestOrchestrator(t, mock, fw)

	_, err := orch.Chat(ctx, "conv-1", "", "move both")
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("err = %v, want context.Canceled", err)
	}
	if len(fw.moved) != 1 || fw.moved[0] != "w1" {
		t.Errorf("dispatched after cancellation: moved = %v", fw.moved)
	}

	// The undispatched call still gets a stored failure reply so the
	// replayed transcript has an answer for every requested call.
	mem.Flush("conv-1")
	stored, err := mem.Store().GetMessages(context.Background(), "conv-1")
	if err != nil {
		t.Fatalf("GetMessages: %v", err)
	}
	var sawCancelled bool
	for _, m := range stored {
		if m.Role == "tool" && m.ToolCallID == "call-2" {
			sawCancelled = true
			if !strings.Contains(m.Content, `"success":false`) || !strings.Contains(m.Content, "cancelled") {
				t.Errorf("undispatched call reply = %q", m.Content)
			}
		}
	}
	if !sawCancelled {
		t.Error("no stored reply for the undispatched call")
	}
}

func TestChat_ContextMessageCarriesWindowSnapshot(t *testing.T) {
	fw := &fakeWindows{windows: []winctl.Window{
		{ID: "w1", Type: "terminal", Title: "shell",
			Position: winctl.Position{X: 5, Y: 6}, Size: winctl.Size{Width: 800, Height: 600}},
	}}
	mock := &mockLLM{responses: []*llm.ChatResponse{textResponse("ok")}}
	orch, _ := buildTestOrchestrator(t, mock, fw)

	if _, err := orch.Chat(context.Background(), "conv-1", "", "hello"); err != nil {
		t.Fatalf("Chat() error: %v", err)
	}

	last := mock.calls[0][len(mock.calls[0])-1]
	if last.Role != "system" {
		t.Fatalf("last message role = %q, want system context message", last.Role)
	}
	if !strings.Contains(last.Content, "w1") || !strings.Contains(last.Content, "terminal") {
		t.Errorf("window snapshot missing from context: %q", last.Content)
	}
	if !strings.Contains(last.Content, "Tool usage policy") {
		t.Errorf("tool policy missing from context: %q", last.Content)
	}
}
