package memory

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"time"
)

// Extraction cadence. After every append, extraction runs only when the
// conversation's message count is above ExtractionMinCount and evenly
// divisible by ExtractionCadence, over the last ExtractionWindow
// messages. Fixed, not configurable per call.
const (
	ExtractionMinCount = 2
	ExtractionCadence  = 3
	ExtractionWindow   = 6
)

// Context retrieval tuning.
const (
	contextQueryMessages = 3
	contextSearchLimit   = 8
	contextTopK          = 5
)

// Service owns message recording and memory-context retrieval. Message
// recording is asynchronous: each conversation gets a dedicated worker
// goroutine that applies appends in submission order and runs the
// extraction trigger after each one, so rapid bursts can never start
// overlapping extraction runs for the same conversation.
type Service struct {
	store     *Store
	extractor *Extractor
	logger    *slog.Logger

	mu      sync.Mutex
	workers map[string]chan func()
	closed  bool
	sending sync.WaitGroup // enqueuers between lock release and channel send
	wg      sync.WaitGroup // worker goroutines
}

// NewService creates a memory service. extractor may be nil, which
// disables automatic fact extraction but keeps recording and retrieval.
func NewService(store *Store, extractor *Extractor, logger *slog.Logger) *Service {
	if logger == nil {
		logger = slog.Default()
	}
	return &Service{
		store:     store,
		extractor: extractor,
		logger:    logger,
		workers:   make(map[string]chan func()),
	}
}

// Store exposes the underlying store for callers that need direct
// conversation or fact access (API handlers, memory tools).
func (s *Service) Store() *Store {
	return s.store
}

// AddMessageToConversation records a message asynchronously. The append
// and any extraction it triggers run on the conversation's worker in
// submission order. Errors are logged, never returned: recording must
// not block or fail the conversation turn.
func (s *Service) AddMessageToConversation(conversationID, role, content string) {
	s.enqueue(conversationID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		_, count, err := s.store.AddMessage(ctx, conversationID, role, content, "", "")
		if err != nil {
			s.logger.Error("record message failed",
				"conversation_id", conversationID,
				"role", role,
				"error", err,
			)
			return
		}

		if count > ExtractionMinCount && count%ExtractionCadence == 0 {
			s.runExtraction(ctx, conversationID)
		}
	})
}

// RecordToolMessage records a tool-role message with its call id,
// asynchronously like AddMessageToConversation. Tool results count
// toward the extraction cadence like any other message.
func (s *Service) RecordToolMessage(conversationID, content, toolCallID string) {
	s.enqueue(conversationID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		_, count, err := s.store.AddMessage(ctx, conversationID, "tool", content, toolCallID, "")
		if err != nil {
			s.logger.Error("record tool message failed",
				"conversation_id", conversationID,
				"error", err,
			)
			return
		}

		if count > ExtractionMinCount && count%ExtractionCadence == 0 {
			s.runExtraction(ctx, conversationID)
		}
	})
}

// RecordAssistantToolCalls records the assistant message that
// requested tool calls, with the call list serialized alongside. The
// transcript needs it: a stored tool reply is only replayable after
// the assistant message that announced its call id.
func (s *Service) RecordAssistantToolCalls(conversationID, content, toolCallsJSON string) {
	s.enqueue(conversationID, func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
		defer cancel()

		_, count, err := s.store.AddMessage(ctx, conversationID, "assistant", content, "", toolCallsJSON)
		if err != nil {
			s.logger.Error("record assistant tool calls failed",
				"conversation_id", conversationID,
				"error", err,
			)
			return
		}

		if count > ExtractionMinCount && count%ExtractionCadence == 0 {
			s.runExtraction(ctx, conversationID)
		}
	})
}

func (s *Service) runExtraction(ctx context.Context, conversationID string) {
	if s.extractor == nil || !s.store.VectorIndexAvailable() {
		return
	}

	msgs, err := s.store.GetRecentMessages(ctx, conversationID, ExtractionWindow)
	if err != nil {
		s.logger.Error("extraction: load recent messages failed",
			"conversation_id", conversationID, "error", err)
		return
	}

	// Extraction failures never propagate to the turn that triggered
	// them.
	if err := s.extractor.ExtractFacts(ctx, msgs, conversationID); err != nil {
		s.logger.Warn("fact extraction failed",
			"conversation_id", conversationID, "error", err)
	}
}

// enqueue submits work to the conversation's worker, creating it on
// first use. It reports whether the task was accepted; after Close all
// submissions are dropped. The sending counter keeps the channel send
// ordered before Close's channel close, so a concurrent Close can
// never close a channel out from under an in-flight send.
func (s *Service) enqueue(conversationID string, task func()) bool {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return false
	}
	ch, ok := s.workers[conversationID]
	if !ok {
		ch = make(chan func(), 64)
		s.workers[conversationID] = ch
		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			for fn := range ch {
				fn()
			}
		}()
	}
	s.sending.Add(1)
	s.mu.Unlock()

	ch <- task
	s.sending.Done()
	return true
}

// Flush blocks until all queued work for the given conversation has
// been applied. Used by callers that need read-your-writes on the
// transcript. On a closed service it returns immediately: Close has
// already drained every queue.
func (s *Service) Flush(conversationID string) {
	done := make(chan struct{})
	if !s.enqueue(conversationID, func() { close(done) }) {
		return
	}
	<-done
}

// Close stops all workers after draining their queues. Safe to call
// concurrently with submissions; a submission that loses the race to
// Close is dropped.
func (s *Service) Close() {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	s.mu.Unlock()

	// closed is set, so no new senders can start; wait out the ones
	// already committed to a send before closing their channels.
	s.sending.Wait()

	s.mu.Lock()
	for _, ch := range s.workers {
		close(ch)
	}
	s.mu.Unlock()

	s.wg.Wait()
}

// BuildMemoryContext retrieves facts relevant to the recent user
// messages and renders them as a numbered list. The boolean is false
// when no fact clears the distance threshold; callers omit the context
// block entirely in that case, they do not inject an empty one.
func (s *Service) BuildMemoryContext(ctx context.Context, recentUserMessages []string) (string, bool) {
	if len(recentUserMessages) == 0 {
		return "", false
	}

	// Query is the concatenation of the last few user messages.
	start := len(recentUserMessages) - contextQueryMessages
	if start < 0 {
		start = 0
	}
	query := strings.Join(recentUserMessages[start:], "\n")

	results, err := s.store.SearchFacts(ctx, query, contextSearchLimit)
	if err != nil {
		s.logger.Warn("memory context search failed", "error", err)
		return "", false
	}

	now := time.Now().UTC()
	var entries []MemoryContextEntry
	for _, r := range results {
		if r.Distance >= RecallThreshold {
			continue
		}
		ageDays := now.Sub(r.Fact.CreatedAt).Hours() / 24
		recency := 1 - ageDays/RecencyHorizonDays
		if recency < RecencyFloor {
			recency = RecencyFloor
		}
		entries = append(entries, MemoryContextEntry{
			FactContent:    r.Fact.Content,
			Category:       r.Fact.Category,
			Confidence:     r.Fact.Confidence,
			RelevanceScore: (1 - r.Distance) * recency * r.Fact.Confidence,
		})
	}

	if len(entries) == 0 {
		return "", false
	}

	sort.Slice(entries, func(i, j int) bool {
		return entries[i].RelevanceScore > entries[j].RelevanceScore
	})
	if len(entries) > contextTopK {
		entries = entries[:contextTopK]
	}

	var b strings.Builder
	b.WriteString("Relevant things you remember about the user:\n")
	for i, e := range entries {
		fmt.Fprintf(&b, "%d. %s (%s, confidence: %.1f)\n", i+1, e.FactContent, e.Category, e.Confidence)
	}
	return b.String(), true
}
