// Package memory provides conversation persistence and long-term fact
// storage with vector recall.
package memory

import (
	"context"
	"errors"
	"time"
)

// Fact categories. Extraction rejects anything outside this taxonomy.
const (
	CategoryPersonal     = "personal"
	CategoryPreferences  = "preferences"
	CategoryProfessional = "professional"
	CategoryInterests    = "interests"
)

// ValidCategory reports whether c is one of the four fixed categories.
func ValidCategory(c string) bool {
	switch c {
	case CategoryPersonal, CategoryPreferences, CategoryProfessional, CategoryInterests:
		return true
	}
	return false
}

// Confidence bounds. New facts start at 1.0; reinforcement adds 0.1 per
// near-duplicate, capped at 2.0. Confidence never decreases on its own.
const (
	InitialConfidence  = 1.0
	ReinforcementDelta = 0.1
	MaxConfidence      = 2.0
	DuplicateThreshold = 0.3
	RecallThreshold    = 0.7
	RecencyFloor       = 0.5
	RecencyHorizonDays = 30.0
)

// ErrMemoryUnavailable is returned by fact operations when the vector
// index or the embedding backend is not available. Conversation and
// message operations never return it.
var ErrMemoryUnavailable = errors.New("memory: vector storage unavailable")

// ErrNotFound is returned when a requested row does not exist.
var ErrNotFound = errors.New("memory: not found")

// Conversation is a persisted chat session.
type Conversation struct {
	ID           string    `json:"id"`
	Title        string    `json:"title,omitempty"`
	ProjectID    string    `json:"project_id,omitempty"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
	MessageCount int       `json:"message_count"`
}

// Message is a single transcript entry. Immutable once written except
// for the ProcessedForFacts flag, which the extractor flips after a
// batch is processed.
//
// ToolCalls holds the serialized tool-call list of an assistant
// message that requested tools; ToolCallID links a tool-role reply to
// the call it answers. Both are kept so that replaying the stored
// transcript reproduces exactly the sequence the model saw.
type Message struct {
	ID                string    `json:"id"`
	ConversationID    string    `json:"conversation_id"`
	Role              string    `json:"role"` // user, assistant, tool, system
	Content           string    `json:"content"`
	Timestamp         time.Time `json:"timestamp"`
	ProcessedForFacts bool      `json:"processed_for_facts"`
	ToolCallID        string    `json:"tool_call_id,omitempty"`
	ToolCalls         string    `json:"tool_calls,omitempty"` // JSON array, empty for plain messages
}

// Fact is a durable statement about the user. Every fact row owns
// exactly one vector row, referenced by VectorRef; the pairing is
// maintained by the store's transaction boundaries, not by schema
// constraints.
type Fact struct {
	ID                   string    `json:"id"`
	Content              string    `json:"content"`
	Category             string    `json:"category"`
	Confidence           float64   `json:"confidence"`
	CreatedAt            time.Time `json:"created_at"`
	UpdatedAt            time.Time `json:"updated_at"`
	SourceConversationID string    `json:"source_conversation_id,omitempty"`
	ProjectID            string    `json:"project_id,omitempty"`
	VectorRef            int64     `json:"-"`
}

// SearchResult pairs a fact with its embedding distance from a query.
// Distance is cosine distance: 0 identical, larger is less similar.
type SearchResult struct {
	Fact     Fact
	Distance float64
}

// MemoryContextEntry is a scored fact prepared for prompt injection.
// Derived per query, never persisted.
type MemoryContextEntry struct {
	FactContent    string
	Category       string
	Confidence     float64
	RelevanceScore float64
}

// ToolCallRecord is an audit row for one tool execution.
type ToolCallRecord struct {
	ID             string
	ConversationID string
	ToolName       string
	Arguments      string
	Result         string
	Error          string
	StartedAt      time.Time
	CompletedAt    time.Time
}

// Stats summarizes stored memory.
type Stats struct {
	Conversations int            `json:"conversations"`
	Messages      int            `json:"messages"`
	Facts         int            `json:"facts"`
	ByCategory    map[string]int `json:"facts_by_category"`
	VectorIndex   bool           `json:"vector_index_available"`
}

// Embedder turns text into fixed-width vectors. *embeddings.Client
// satisfies it; tests substitute deterministic fakes.
type Embedder interface {
	Generate(ctx context.Context, text string) ([]float32, error)
	Dimensions() int
}
