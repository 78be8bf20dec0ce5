// Package api implements Vesper's HTTP API.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/google/uuid"
	"github.com/hollis/vesper-agent/internal/agent"
	"github.com/hollis/vesper-agent/internal/llm"
	"github.com/hollis/vesper-agent/internal/memory"
)

// writeJSON encodes v as JSON to w, logging failures at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the HTTP API server.
type Server struct {
	address      string
	port         int
	orchestrator *agent.Orchestrator
	mem          *memory.Service
	logger       *slog.Logger
	server       *http.Server
}

// NewServer creates an API server.
func NewServer(address string, port int, orch *agent.Orchestrator, mem *memory.Service, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address:      address,
		port:         port,
		orchestrator: orch,
		mem:          mem,
		logger:       logger,
	}
}

// Start runs the server until it fails or is shut down.
func (s *Server) Start() error {
	mux := http.NewServeMux()

	mux.HandleFunc("POST /api/chat", s.handleChat)

	mux.HandleFunc("GET /api/conversations", s.handleConversationList)
	mux.HandleFunc("GET /api/conversations/{id}", s.handleConversationGet)
	mux.HandleFunc("DELETE /api/conversations/{id}", s.handleConversationDelete)

	mux.HandleFunc("GET /api/facts", s.handleFactList)
	mux.HandleFunc("POST /api/facts", s.handleFactCreate)
	mux.HandleFunc("DELETE /api/facts/{id}", s.handleFactDelete)

	mux.HandleFunc("GET /api/memory/stats", s.handleMemoryStats)
	mux.HandleFunc("GET /health", s.handleHealth)

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:      s.withLogging(mux),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second, // Long for streaming responses
	}

	s.logger.Info("starting API server", "address", s.address, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Info("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
}

// chatRequest is the body of POST /api/chat.
type chatRequest struct {
	ConversationID string `json:"conversation_id,omitempty"`
	WindowID       string `json:"window_id,omitempty"`
	Message        string `json:"message"`
	Stream         bool   `json:"stream,omitempty"`
}

// chatResponse is the non-streaming reply.
type chatResponse struct {
	ConversationID string   `json:"conversation_id"`
	Text           string   `json:"text"`
	ToolsUsed      []string `json:"tools_used,omitempty"`
	InputTokens    int      `json:"input_tokens"`
	OutputTokens   int      `json:"output_tokens"`
}

func (s *Server) handleChat(w http.ResponseWriter, r *http.Request) {
	var req chatRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}
	if req.Message == "" {
		s.errorResponse(w, http.StatusBadRequest, "message is required")
		return
	}
	if req.ConversationID == "" {
		u, err := uuid.NewV7()
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, "id generation failed")
			return
		}
		req.ConversationID = u.String()
	}

	if req.Stream {
		s.handleChatStream(w, r, req)
		return
	}

	result, err := s.orchestrator.Chat(r.Context(), req.ConversationID, req.WindowID, req.Message)
	if err != nil {
		s.logger.Error("chat turn failed", "conversation_id", req.ConversationID, "error", err)
		status := http.StatusBadGateway
		if errors.Is(err, agent.ErrToolLoopExceeded) || errors.Is(err, agent.ErrEmptyResponse) {
			status = http.StatusUnprocessableEntity
		}
		s.errorResponse(w, status, err.Error())
		return
	}

	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, chatResponse{
		ConversationID: req.ConversationID,
		Text:           result.Text,
		ToolsUsed:      result.ToolsUsed,
		InputTokens:    result.InputTokens,
		OutputTokens:   result.OutputTokens,
	}, s.logger)
}

// sseEvent is one server-sent event on the streaming chat endpoint.
type sseEvent struct {
	Type           string `json:"type"` // token, tool_start, tool_done, done, error
	Token          string `json:"token,omitempty"`
	Tool           string `json:"tool,omitempty"`
	ToolError      string `json:"tool_error,omitempty"`
	Text           string `json:"text,omitempty"`
	ConversationID string `json:"conversation_id,omitempty"`
	Error          string `json:"error,omitempty"`
}

func (s *Server) handleChatStream(w http.ResponseWriter, r *http.Request, req chatRequest) {
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")

	flusher, ok := w.(http.Flusher)
	if !ok {
		s.errorResponse(w, http.StatusInternalServerError, "streaming not supported")
		return
	}

	rc := http.NewResponseController(w)
	streamed := false

	callback := func(event llm.StreamEvent) {
		switch event.Kind {
		case llm.KindToken:
			streamed = true
			s.writeSSE(w, sseEvent{Type: "token", Token: event.Token})
		case llm.KindToolCallStart:
			s.writeSSE(w, sseEvent{Type: "tool_start", Tool: event.ToolCall.Name})
		case llm.KindToolCallDone:
			s.writeSSE(w, sseEvent{Type: "tool_done", Tool: event.ToolName, ToolError: event.ToolError})
		}
		flusher.Flush()

		// Multi-iteration tool loops can be slow; keep the write
		// deadline ahead of the next event.
		if err := rc.SetWriteDeadline(time.Now().Add(120 * time.Second)); err != nil {
			s.logger.Debug("failed to reset write deadline", "error", err)
		}
	}

	result, err := s.orchestrator.ChatStream(r.Context(), req.ConversationID, req.WindowID, req.Message, callback)
	if err != nil {
		s.logger.Error("streaming chat turn failed", "conversation_id", req.ConversationID, "error", err)
		s.writeSSE(w, sseEvent{Type: "error", Error: err.Error()})
		flusher.Flush()
		return
	}

	// The final answer may arrive unstreamed when the provider batches
	// it; deliver it before the done event either way.
	if !streamed && result.Text != "" {
		s.writeSSE(w, sseEvent{Type: "token", Token: result.Text})
	}
	s.writeSSE(w, sseEvent{Type: "done", Text: result.Text, ConversationID: req.ConversationID})
	flusher.Flush()
}

func (s *Server) writeSSE(w http.ResponseWriter, event sseEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		s.logger.Debug("failed to marshal SSE event", "error", err)
		return
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		s.logger.Debug("failed to write SSE event", "error", err)
	}
}

func (s *Server) handleConversationList(w http.ResponseWriter, r *http.Request) {
	limit := parseIntParam(r, "limit", 50)
	conversations, err := s.mem.Store().ListConversations(r.Context(), limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversations": conversations}, s.logger)
}

func (s *Server) handleConversationGet(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	conv, err := s.mem.Store().GetConversation(r.Context(), id)
	if errors.Is(err, memory.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "conversation not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	messages, err := s.mem.Store().GetMessages(r.Context(), id)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"conversation": conv, "messages": messages}, s.logger)
}

func (s *Server) handleConversationDelete(w http.ResponseWriter, r *http.Request) {
	if err := s.mem.Store().DeleteConversation(r.Context(), r.PathValue("id")); err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleFactList(w http.ResponseWriter, r *http.Request) {
	category := r.URL.Query().Get("category")
	limit := parseIntParam(r, "limit", 100)

	if query := r.URL.Query().Get("q"); query != "" {
		results, err := s.mem.Store().SearchFacts(r.Context(), query, limit)
		if err != nil {
			s.errorResponse(w, http.StatusInternalServerError, err.Error())
			return
		}
		w.Header().Set("Content-Type", "application/json")
		writeJSON(w, map[string]any{"results": results}, s.logger)
		return
	}

	facts, err := s.mem.Store().ListFacts(r.Context(), category, limit)
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"facts": facts}, s.logger)
}

type factCreateRequest struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

func (s *Server) handleFactCreate(w http.ResponseWriter, r *http.Request) {
	var req factCreateRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.errorResponse(w, http.StatusBadRequest, "invalid JSON body")
		return
	}

	fact, err := s.mem.Store().AddFact(r.Context(), req.Content, req.Category, "", "")
	if errors.Is(err, memory.ErrMemoryUnavailable) {
		s.errorResponse(w, http.StatusServiceUnavailable, "long-term memory unavailable")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusBadRequest, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(http.StatusCreated)
	writeJSON(w, fact, s.logger)
}

func (s *Server) handleFactDelete(w http.ResponseWriter, r *http.Request) {
	err := s.mem.Store().DeleteFact(r.Context(), r.PathValue("id"))
	if errors.Is(err, memory.ErrNotFound) {
		s.errorResponse(w, http.StatusNotFound, "fact not found")
		return
	}
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) handleMemoryStats(w http.ResponseWriter, r *http.Request) {
	stats, err := s.mem.Store().GetStats(r.Context())
	if err != nil {
		s.errorResponse(w, http.StatusInternalServerError, err.Error())
		return
	}
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, stats, s.logger)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, map[string]any{"status": "ok"}, s.logger)
}

func (s *Server) errorResponse(w http.ResponseWriter, code int, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	writeJSON(w, map[string]any{
		"error": map[string]any{
			"message": message,
			"code":    code,
		},
	}, s.logger)
}

func parseIntParam(r *http.Request, name string, defaultVal int) int {
	v := r.URL.Query().Get(name)
	if v == "" {
		return defaultVal
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return n
}
