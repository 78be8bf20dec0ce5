// Package agent drives conversation turns: it loops LLM round-trips,
// dispatches tool calls, and decides when a turn is finished.
package agent

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/hollis/vesper-agent/internal/llm"
	"github.com/hollis/vesper-agent/internal/memory"
	"github.com/hollis/vesper-agent/internal/prompts"
	"github.com/hollis/vesper-agent/internal/tools"
	"github.com/hollis/vesper-agent/internal/winctl"
)

// ErrEmptyResponse is returned when the model produces no content, no
// tool calls, and no reasoning. A turn must fail loudly in that case,
// never return blank text.
var ErrEmptyResponse = errors.New("agent: model returned empty response")

// ErrToolLoopExceeded is returned when the model keeps requesting tools
// past the configured iteration cap.
var ErrToolLoopExceeded = errors.New("agent: max tool iterations exceeded")

// DefaultMaxToolIterations bounds the tool loop when no explicit cap is
// configured.
const DefaultMaxToolIterations = 8

// Orchestrator runs conversation turns. One Orchestrator serves all
// conversations; per-turn state lives on the stack of Chat.
type Orchestrator struct {
	client   llm.Client
	model    string
	registry *tools.Registry
	mem      *memory.Service
	windows  winctl.Manager
	logger   *slog.Logger
	maxIters int
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithWindowManager attaches the window manager used for context
// snapshots. Without one, the snapshot block is omitted.
func WithWindowManager(m winctl.Manager) Option {
	return func(o *Orchestrator) { o.windows = m }
}

// WithMaxToolIterations overrides the tool loop cap.
func WithMaxToolIterations(n int) Option {
	return func(o *Orchestrator) {
		if n > 0 {
			o.maxIters = n
		}
	}
}

// WithLogger sets the orchestrator's logger.
func WithLogger(l *slog.Logger) Option {
	return func(o *Orchestrator) { o.logger = l }
}

// New creates an orchestrator.
func New(client llm.Client, model string, registry *tools.Registry, mem *memory.Service, opts ...Option) *Orchestrator {
	o := &Orchestrator{
		client:   client,
		model:    model,
		registry: registry,
		mem:      mem,
		logger:   slog.Default(),
		maxIters: DefaultMaxToolIterations,
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// Result is the outcome of one completed turn.
type Result struct {
	Text         string   `json:"text"`
	ToolsUsed    []string `json:"tools_used,omitempty"`
	InputTokens  int      `json:"input_tokens"`
	OutputTokens int      `json:"output_tokens"`
}

// Chat runs one turn: append the user message, loop the model until it
// produces a final text answer, and return it. The conversation is
// created on first use. Cancellation is checked at iteration
// boundaries; an in-flight tool execution finishes but its result is
// discarded when ctx is already done.
func (o *Orchestrator) Chat(ctx context.Context, conversationID, windowID, userText string) (*Result, error) {
	return o.run(ctx, conversationID, windowID, userText, nil)
}

// ChatStream is Chat with incremental delivery: tokens of the final
// answer and tool lifecycle events are sent to callback as they happen.
func (o *Orchestrator) ChatStream(ctx context.Context, conversationID, windowID, userText string, callback llm.StreamCallback) (*Result, error) {
	return o.run(ctx, conversationID, windowID, userText, callback)
}

func (o *Orchestrator) run(ctx context.Context, conversationID, windowID, userText string, callback llm.StreamCallback) (*Result, error) {
	transcript, err := o.loadTranscript(ctx, conversationID, userText)
	if err != nil {
		return nil, err
	}

	transcript = append(transcript, llm.Message{Role: "user", Content: userText})

	// Recording is fire-and-forget: the turn proceeds while the
	// conversation worker applies the append and any extraction it
	// triggers.
	o.mem.AddMessageToConversation(conversationID, "user", userText)

	result := &Result{}
	toolIters := 0

	for {
		if err := ctx.Err(); err != nil {
			return nil, fmt.Errorf("turn cancelled: %w", err)
		}

		msgs := append(transcript, o.buildContextMessage(ctx, transcript))

		// Content deltas are withheld until the response is classified:
		// a tool-call iteration's text (the XML dialect, or filler next
		// to structured calls) is consumed by the loop, never shown.
		var pendingTokens []llm.StreamEvent
		streamCB := callback
		if callback != nil {
			streamCB = func(ev llm.StreamEvent) {
				if ev.Kind == llm.KindToken {
					pendingTokens = append(pendingTokens, ev)
					return
				}
				callback(ev)
			}
		}

		var resp *llm.ChatResponse
		if callback != nil {
			resp, err = o.client.ChatStream(ctx, o.model, msgs, o.registry.Catalogue(), streamCB)
		} else {
			resp, err = o.client.Chat(ctx, o.model, msgs, o.registry.Catalogue())
		}
		if err != nil {
			// Transport errors surface to the caller. Messages already
			// appended stay appended.
			return nil, fmt.Errorf("completion failed: %w", err)
		}
		result.InputTokens += resp.InputTokens
		result.OutputTokens += resp.OutputTokens

		message := resp.Message

		// Some models ignore the structured tool-call channel and emit
		// an XML dialect in plain content. Convert those first; the
		// text is consumed by the conversion.
		if calls := ParseFunctionCallXML(message.Content); len(calls) > 0 {
			o.logger.Info("parsed XML function calls from content",
				"conversation_id", conversationID,
				"calls", len(calls),
			)
			message.ToolCalls = calls
			message.Content = ""
		}

		switch {
		case len(message.ToolCalls) > 0:
			toolIters++
			if toolIters > o.maxIters {
				return nil, fmt.Errorf("%w (cap %d)", ErrToolLoopExceeded, o.maxIters)
			}

			transcript = append(transcript, message)
			if raw, merr := json.Marshal(message.ToolCalls); merr == nil {
				o.mem.RecordAssistantToolCalls(conversationID, message.Content, string(raw))
			} else {
				o.logger.Warn("serialize tool calls failed", "error", merr)
			}

			// Calls run sequentially in model order: later calls may
			// depend on side effects of earlier ones. Cancellation is
			// honoured between dispatches; calls that never ran still
			// get a stored reply so the transcript stays paired.
			for i, call := range message.ToolCalls {
				if cerr := ctx.Err(); cerr != nil {
					o.recordUndispatched(conversationID, windowID, message.ToolCalls[i:])
					return nil, fmt.Errorf("turn cancelled: %w", cerr)
				}
				toolMsg := o.executeCall(ctx, conversationID, windowID, call, callback)
				transcript = append(transcript, toolMsg)
				result.ToolsUsed = append(result.ToolsUsed, call.Name)
			}
			continue

		case strings.TrimSpace(message.Content) != "":
			text := strings.TrimSpace(message.Content)
			if callback != nil {
				for _, ev := range pendingTokens {
					callback(ev)
				}
			}
			o.mem.AddMessageToConversation(conversationID, "assistant", text)
			result.Text = text
			return result, nil

		case strings.TrimSpace(message.Reasoning) != "":
			// The model thought without acting. Keep the reasoning for
			// audit and nudge it to do something. Only the reasoning is
			// persisted; the nudge stays out of the stored transcript.
			o.logger.Debug("reasoning-only response, injecting continuation",
				"conversation_id", conversationID)
			transcript = append(transcript,
				llm.Message{Role: "assistant", Content: message.Reasoning},
				llm.Message{Role: "user", Content: prompts.ContinueNudge},
			)
			o.mem.AddMessageToConversation(conversationID, "assistant", message.Reasoning)
			continue

		default:
			return nil, ErrEmptyResponse
		}
	}
}

// executeCall parses one call's arguments, dispatches it, and returns
// the envelope as a tool-role transcript message. It never fails: every
// outcome, including unparseable arguments against a registered tool,
// is an envelope.
func (o *Orchestrator) executeCall(ctx context.Context, conversationID, windowID string, call llm.ToolCall, callback llm.StreamCallback) llm.Message {
	args, method, ok := ParseToolArguments(call.Arguments)
	switch {
	case !ok:
		o.logger.Warn("tool arguments unparseable, dispatching empty",
			"tool", call.Name, "raw", call.Arguments)
	case method != parseMethodJSON:
		o.logger.Info("tool arguments recovered by fallback parser",
			"tool", call.Name, "method", method)
	}

	if callback != nil {
		callback(llm.StreamEvent{Kind: llm.KindToolCallStart, ToolCall: &call})
	}

	env := o.registry.Execute(ctx, call.Name, args, windowID)
	body := env.JSON()

	if callback != nil {
		callback(llm.StreamEvent{
			Kind:       llm.KindToolCallDone,
			ToolName:   call.Name,
			ToolResult: body,
			ToolError:  env.Error,
		})
	}

	o.mem.RecordToolMessage(conversationID, body, call.ID)

	o.logger.Debug("tool executed",
		"tool", call.Name,
		"success", env.Success,
		"conversation_id", conversationID,
	)

	return llm.Message{Role: "tool", Content: body, ToolCallID: call.ID}
}

// recordUndispatched stores a failed envelope for calls a cancelled
// turn never ran. Every announced call id needs a stored reply, or the
// replayed transcript would carry unanswered tool calls.
func (o *Orchestrator) recordUndispatched(conversationID, windowID string, calls []llm.ToolCall) {
	for _, call := range calls {
		env := tools.Envelope{
			Success:   false,
			Error:     "cancelled before dispatch",
			Timestamp: time.Now().UTC(),
			WindowID:  windowID,
		}
		o.mem.RecordToolMessage(conversationID, env.JSON(), call.ID)
	}
}

// loadTranscript rebuilds the conversation history for the model. The
// conversation is created if it does not exist yet, titled from the
// first message. Replay reproduces the stored sequence: user and
// assistant text, assistant tool-call requests, and the tool replies
// answering them, in stored order.
func (o *Orchestrator) loadTranscript(ctx context.Context, conversationID, userText string) ([]llm.Message, error) {
	store := o.mem.Store()

	_, err := store.GetConversation(ctx, conversationID)
	if errors.Is(err, memory.ErrNotFound) {
		_, err = store.CreateConversation(ctx, conversationID, titleFrom(userText), "")
	}
	if err != nil {
		return nil, fmt.Errorf("load conversation: %w", err)
	}

	// Read-your-writes: recording is async per conversation, so drain
	// that conversation's queue before reading history.
	o.mem.Flush(conversationID)

	stored, err := store.GetMessages(ctx, conversationID)
	if err != nil {
		return nil, fmt.Errorf("load messages: %w", err)
	}

	// The chat API rejects tool replies without the assistant message
	// that requested them, and vice versa. Only fully paired exchanges
	// are replayed; anything orphaned (a crashed turn, hand-edited
	// rows) is skipped.
	answered := make(map[string]bool)
	for _, m := range stored {
		if m.Role == "tool" && m.ToolCallID != "" {
			answered[m.ToolCallID] = true
		}
	}

	transcript := []llm.Message{{Role: "system", Content: prompts.System}}
	pending := make(map[string]bool)
	for _, m := range stored {
		switch {
		case m.Role == "tool":
			if !pending[m.ToolCallID] {
				continue
			}
			delete(pending, m.ToolCallID)
			transcript = append(transcript, llm.Message{Role: "tool", Content: m.Content, ToolCallID: m.ToolCallID})

		case m.ToolCalls != "":
			var calls []llm.ToolCall
			if err := json.Unmarshal([]byte(m.ToolCalls), &calls); err != nil || len(calls) == 0 {
				o.logger.Warn("stored tool calls unreadable, skipping message",
					"message_id", m.ID, "error", err)
				continue
			}
			complete := true
			for _, c := range calls {
				if !answered[c.ID] {
					complete = false
					break
				}
			}
			if !complete {
				continue
			}
			for _, c := range calls {
				pending[c.ID] = true
			}
			transcript = append(transcript, llm.Message{Role: m.Role, Content: m.Content, ToolCalls: calls})

		case m.Role != "user" && m.Role != "assistant":
			continue

		case strings.TrimSpace(m.Content) == "":
			continue

		default:
			transcript = append(transcript, llm.Message{Role: m.Role, Content: m.Content})
		}
	}
	return transcript, nil
}

// buildContextMessage assembles the per-iteration system context: the
// current window snapshot, the memory-context block, and the tool
// policy. Unavailable pieces are omitted, never stubbed with empties.
func (o *Orchestrator) buildContextMessage(ctx context.Context, transcript []llm.Message) llm.Message {
	var parts []string

	if o.windows != nil {
		if snapshot := o.windowSnapshot(ctx); snapshot != "" {
			parts = append(parts, snapshot)
		}
	}

	var recentUser []string
	for _, m := range transcript {
		if m.Role == "user" && m.Content != prompts.ContinueNudge {
			recentUser = append(recentUser, m.Content)
		}
	}
	if memCtx, ok := o.mem.BuildMemoryContext(ctx, recentUser); ok {
		parts = append(parts, memCtx)
	}

	parts = append(parts, prompts.ToolPolicy)

	return llm.Message{Role: "system", Content: strings.Join(parts, "\n\n")}
}

func (o *Orchestrator) windowSnapshot(ctx context.Context) string {
	windows, err := o.windows.GetAllWindows(ctx)
	if err != nil {
		o.logger.Warn("window snapshot failed", "error", err)
		return ""
	}
	if len(windows) == 0 {
		return "Current windows: none open."
	}

	var b strings.Builder
	b.WriteString("Current windows:\n")
	for _, w := range windows {
		fmt.Fprintf(&b, "- %s (%s) %q at %d,%d size %dx%d\n",
			w.ID, w.Type, w.Title, w.Position.X, w.Position.Y, w.Size.Width, w.Size.Height)
	}
	return strings.TrimRight(b.String(), "\n")
}

// titleFrom derives a conversation title from its first user message.
func titleFrom(text string) string {
	text = strings.TrimSpace(text)
	runes := []rune(text)
	if len(runes) > 60 {
		text = strings.TrimSpace(string(runes[:60])) + "..."
	}
	return text
}
