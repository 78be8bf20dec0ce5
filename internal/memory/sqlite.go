package memory

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/binary"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	_ "github.com/mattn/go-sqlite3"
)

// Store is the SQLite-backed conversation, message, and fact store.
// Conversation and message operations always work. Fact operations
// additionally need the sqlite-vec extension and an embedder; when
// either is missing the store runs in degraded mode where fact writes
// return ErrMemoryUnavailable and searches return empty results.
type Store struct {
	db       *sql.DB
	embedder Embedder
	logger   *slog.Logger

	// vectorIndex is true when the vec0 virtual table was created
	// successfully. Never changes after NewStore returns.
	vectorIndex bool
}

// StoreOption configures a Store.
type StoreOption func(*Store)

// WithStoreLogger sets the logger used for degradation warnings.
func WithStoreLogger(l *slog.Logger) StoreOption {
	return func(s *Store) { s.logger = l }
}

// NewStore opens (or creates) the database at dbPath and migrates the
// schema. A nil embedder is allowed and puts the store in degraded
// mode: messages and conversations work, fact operations do not.
func NewStore(dbPath string, embedder Embedder, opts ...StoreOption) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000&_foreign_keys=on")
	if err != nil {
		return nil, fmt.Errorf("open database: %w", err)
	}

	s := &Store{
		db:       db,
		embedder: embedder,
		logger:   slog.Default(),
	}
	for _, o := range opts {
		o(s)
	}

	if err := s.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}

	s.initVectorIndex()

	return s, nil
}

func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS conversations (
		id TEXT PRIMARY KEY,
		title TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		message_count INTEGER NOT NULL DEFAULT 0
	);

	CREATE TABLE IF NOT EXISTS messages (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		role TEXT NOT NULL,
		content TEXT NOT NULL,
		timestamp TIMESTAMP NOT NULL,
		processed_for_facts BOOLEAN NOT NULL DEFAULT FALSE,
		tool_call_id TEXT NOT NULL DEFAULT '',
		tool_calls TEXT NOT NULL DEFAULT '',
		FOREIGN KEY (conversation_id) REFERENCES conversations(id) ON DELETE CASCADE
	);
	CREATE INDEX IF NOT EXISTS idx_messages_conversation ON messages(conversation_id, timestamp);

	-- Fact rows reference their vector row by rowid. The pairing is
	-- enforced by transaction boundaries in this file, not by a
	-- foreign key: the vector table is a virtual table and cannot
	-- participate in FK constraints.
	CREATE TABLE IF NOT EXISTS facts (
		id TEXT PRIMARY KEY,
		content TEXT NOT NULL,
		category TEXT NOT NULL,
		confidence REAL NOT NULL DEFAULT 1.0,
		created_at TIMESTAMP NOT NULL,
		updated_at TIMESTAMP NOT NULL,
		source_conversation_id TEXT NOT NULL DEFAULT '',
		project_id TEXT NOT NULL DEFAULT '',
		vector_ref INTEGER NOT NULL
	);
	CREATE UNIQUE INDEX IF NOT EXISTS idx_facts_vector_ref ON facts(vector_ref);
	CREATE INDEX IF NOT EXISTS idx_facts_category ON facts(category);

	CREATE TABLE IF NOT EXISTS tool_calls (
		id TEXT PRIMARY KEY,
		conversation_id TEXT NOT NULL,
		tool_name TEXT NOT NULL,
		arguments TEXT NOT NULL,
		result TEXT,
		error TEXT,
		started_at TIMESTAMP NOT NULL,
		completed_at TIMESTAMP
	);
	CREATE INDEX IF NOT EXISTS idx_tool_calls_conversation ON tool_calls(conversation_id, started_at);
	`

	_, err := s.db.Exec(schema)
	return err
}

// initVectorIndex creates the vec0 virtual table. Failure (extension
// not compiled in) degrades fact storage rather than failing startup.
func (s *Store) initVectorIndex() {
	if s.embedder == nil {
		s.logger.Warn("no embedder configured, long-term memory disabled")
		return
	}

	ddl := fmt.Sprintf(
		"CREATE VIRTUAL TABLE IF NOT EXISTS fact_vectors USING vec0(embedding float[%d])",
		s.embedder.Dimensions(),
	)
	if _, err := s.db.Exec(ddl); err != nil {
		s.logger.Warn("sqlite-vec unavailable, long-term memory disabled", "error", err)
		return
	}
	s.vectorIndex = true
}

// VectorIndexAvailable reports whether fact storage is operational.
func (s *Store) VectorIndexAvailable() bool {
	return s.vectorIndex && s.embedder != nil
}

// Close closes the underlying database.
func (s *Store) Close() error {
	return s.db.Close()
}

// --- conversations ---

// CreateConversation creates a conversation. An empty id gets a
// generated UUIDv7 (time-ordered, so ids sort by creation).
func (s *Store) CreateConversation(ctx context.Context, id, title, projectID string) (*Conversation, error) {
	if id == "" {
		u, err := uuid.NewV7()
		if err != nil {
			return nil, fmt.Errorf("generate id: %w", err)
		}
		id = u.String()
	}

	now := time.Now().UTC()
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO conversations (id, title, project_id, created_at, updated_at) VALUES (?, ?, ?, ?, ?)`,
		id, title, projectID, now, now)
	if err != nil {
		return nil, fmt.Errorf("insert conversation: %w", err)
	}

	return &Conversation{ID: id, Title: title, ProjectID: projectID, CreatedAt: now, UpdatedAt: now}, nil
}

// GetConversation returns a conversation by id, or ErrNotFound.
func (s *Store) GetConversation(ctx context.Context, id string) (*Conversation, error) {
	var c Conversation
	err := s.db.QueryRowContext(ctx,
		`SELECT id, title, project_id, created_at, updated_at, message_count
		 FROM conversations WHERE id = ?`, id).
		Scan(&c.ID, &c.Title, &c.ProjectID, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query conversation: %w", err)
	}
	return &c, nil
}

// ListConversations returns conversations newest-first.
func (s *Store) ListConversations(ctx context.Context, limit int) ([]Conversation, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, title, project_id, created_at, updated_at, message_count
		 FROM conversations ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, fmt.Errorf("query conversations: %w", err)
	}
	defer rows.Close()

	var out []Conversation
	for rows.Next() {
		var c Conversation
		if err := rows.Scan(&c.ID, &c.Title, &c.ProjectID, &c.CreatedAt, &c.UpdatedAt, &c.MessageCount); err != nil {
			return nil, fmt.Errorf("scan conversation: %w", err)
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SetConversationTitle updates a conversation's title.
func (s *Store) SetConversationTitle(ctx context.Context, id, title string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE conversations SET title = ?, updated_at = ? WHERE id = ?`,
		title, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("update title: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// DeleteConversation removes a conversation and its messages.
func (s *Store) DeleteConversation(ctx context.Context, id string) error {
	_, err := s.db.ExecContext(ctx, `DELETE FROM conversations WHERE id = ?`, id)
	return err
}

// --- messages ---

// AddMessage appends a message and bumps the conversation's message
// count and updated_at in the same transaction. Returns the stored
// message and the conversation's message count after the append.
// toolCalls is the serialized call list for assistant messages that
// requested tools, empty otherwise.
func (s *Store) AddMessage(ctx context.Context, conversationID, role, content, toolCallID, toolCalls string) (*Message, int, error) {
	u, err := uuid.NewV7()
	if err != nil {
		return nil, 0, fmt.Errorf("generate id: %w", err)
	}

	msg := &Message{
		ID:             u.String(),
		ConversationID: conversationID,
		Role:           role,
		Content:        content,
		Timestamp:      time.Now().UTC(),
		ToolCallID:     toolCallID,
		ToolCalls:      toolCalls,
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, 0, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	_, err = tx.ExecContext(ctx,
		`INSERT INTO messages (id, conversation_id, role, content, timestamp, tool_call_id, tool_calls)
		 VALUES (?, ?, ?, ?, ?, ?, ?)`,
		msg.ID, msg.ConversationID, msg.Role, msg.Content, msg.Timestamp, msg.ToolCallID, msg.ToolCalls)
	if err != nil {
		return nil, 0, fmt.Errorf("insert message: %w", err)
	}

	res, err := tx.ExecContext(ctx,
		`UPDATE conversations SET message_count = message_count + 1, updated_at = ? WHERE id = ?`,
		msg.Timestamp, conversationID)
	if err != nil {
		return nil, 0, fmt.Errorf("bump conversation: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return nil, 0, ErrNotFound
	}

	var count int
	err = tx.QueryRowContext(ctx,
		`SELECT message_count FROM conversations WHERE id = ?`, conversationID).Scan(&count)
	if err != nil {
		return nil, 0, fmt.Errorf("read message count: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, 0, fmt.Errorf("commit: %w", err)
	}

	return msg, count, nil
}

// GetMessages returns all messages of a conversation in insertion order.
func (s *Store) GetMessages(ctx context.Context, conversationID string) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, timestamp, processed_for_facts, tool_call_id, tool_calls
		 FROM messages WHERE conversation_id = ? ORDER BY timestamp ASC, id ASC`, conversationID)
	if err != nil {
		return nil, fmt.Errorf("query messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

// GetRecentMessages returns the last n messages of a conversation in
// insertion order.
func (s *Store) GetRecentMessages(ctx context.Context, conversationID string, n int) ([]Message, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, conversation_id, role, content, timestamp, processed_for_facts, tool_call_id, tool_calls
		 FROM (
			SELECT * FROM messages WHERE conversation_id = ?
			ORDER BY timestamp DESC, id DESC LIMIT ?
		 ) ORDER BY timestamp ASC, id ASC`, conversationID, n)
	if err != nil {
		return nil, fmt.Errorf("query recent messages: %w", err)
	}
	defer rows.Close()
	return scanMessages(rows)
}

func scanMessages(rows *sql.Rows) ([]Message, error) {
	var out []Message
	for rows.Next() {
		var m Message
		if err := rows.Scan(&m.ID, &m.ConversationID, &m.Role, &m.Content, &m.Timestamp, &m.ProcessedForFacts, &m.ToolCallID, &m.ToolCalls); err != nil {
			return nil, fmt.Errorf("scan message: %w", err)
		}
		out = append(out, m)
	}
	return out, rows.Err()
}

// MarkProcessedForFacts flips the extraction flag on the given messages.
func (s *Store) MarkProcessedForFacts(ctx context.Context, messageIDs []string) error {
	if len(messageIDs) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `UPDATE messages SET processed_for_facts = TRUE WHERE id = ?`)
	if err != nil {
		return fmt.Errorf("prepare: %w", err)
	}
	defer stmt.Close()

	for _, id := range messageIDs {
		if _, err := stmt.ExecContext(ctx, id); err != nil {
			return fmt.Errorf("mark message %s: %w", id, err)
		}
	}
	return tx.Commit()
}

// --- facts ---

// AddFact embeds content, then inserts the vector row and the fact row
// in one transaction. The vector insert is verified by row count before
// the fact row is written; any failure rolls back both.
func (s *Store) AddFact(ctx context.Context, content, category, sourceConversationID, projectID string) (*Fact, error) {
	if !s.VectorIndexAvailable() {
		return nil, ErrMemoryUnavailable
	}
	if !ValidCategory(category) {
		return nil, fmt.Errorf("invalid category %q", category)
	}

	// Embedding happens outside the transaction: it is a network call
	// and not transactional anyway.
	vec, err := s.embedder.Generate(ctx, content)
	if err != nil {
		return nil, fmt.Errorf("embed content: %w", err)
	}

	u, err := uuid.NewV7()
	if err != nil {
		return nil, fmt.Errorf("generate id: %w", err)
	}
	now := time.Now().UTC()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx,
		`INSERT INTO fact_vectors (embedding) VALUES (?)`, encodeVector(vec))
	if err != nil {
		return nil, fmt.Errorf("insert vector: %w", err)
	}
	vectorRef, err := res.LastInsertId()
	if err != nil {
		return nil, fmt.Errorf("vector rowid: %w", err)
	}

	var verify int
	err = tx.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM fact_vectors WHERE rowid = ?`, vectorRef).Scan(&verify)
	if err != nil || verify != 1 {
		return nil, fmt.Errorf("verify vector row %d: count=%d err=%v", vectorRef, verify, err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO facts (id, content, category, confidence, created_at, updated_at, source_conversation_id, project_id, vector_ref)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		u.String(), content, category, InitialConfidence, now, now, sourceConversationID, projectID, vectorRef)
	if err != nil {
		return nil, fmt.Errorf("insert fact: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return nil, fmt.Errorf("commit: %w", err)
	}

	return &Fact{
		ID:                   u.String(),
		Content:              content,
		Category:             category,
		Confidence:           InitialConfidence,
		CreatedAt:            now,
		UpdatedAt:            now,
		SourceConversationID: sourceConversationID,
		ProjectID:            projectID,
		VectorRef:            vectorRef,
	}, nil
}

// ReinforceFact bumps a fact's confidence by ReinforcementDelta, capped
// at MaxConfidence.
func (s *Store) ReinforceFact(ctx context.Context, id string) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE facts SET confidence = MIN(confidence + ?, ?), updated_at = ? WHERE id = ?`,
		ReinforcementDelta, MaxConfidence, time.Now().UTC(), id)
	if err != nil {
		return fmt.Errorf("reinforce fact: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrNotFound
	}
	return nil
}

// UpdateFact replaces a fact's content and category. The new content is
// re-embedded before the transaction opens, then the vector row and the
// fact row are updated together.
func (s *Store) UpdateFact(ctx context.Context, id, content, category string) error {
	if !s.VectorIndexAvailable() {
		return ErrMemoryUnavailable
	}
	if !ValidCategory(category) {
		return fmt.Errorf("invalid category %q", category)
	}

	fact, err := s.GetFact(ctx, id)
	if err != nil {
		return err
	}

	vec, err := s.embedder.Generate(ctx, content)
	if err != nil {
		return fmt.Errorf("embed content: %w", err)
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	// vec0 rows are replaced as delete+insert with a pinned rowid so
	// fact.vector_ref stays valid.
	if _, err := tx.ExecContext(ctx, `DELETE FROM fact_vectors WHERE rowid = ?`, fact.VectorRef); err != nil {
		return fmt.Errorf("delete old vector: %w", err)
	}
	if _, err := tx.ExecContext(ctx,
		`INSERT INTO fact_vectors (rowid, embedding) VALUES (?, ?)`,
		fact.VectorRef, encodeVector(vec)); err != nil {
		return fmt.Errorf("insert new vector: %w", err)
	}

	if _, err := tx.ExecContext(ctx,
		`UPDATE facts SET content = ?, category = ?, updated_at = ? WHERE id = ?`,
		content, category, time.Now().UTC(), id); err != nil {
		return fmt.Errorf("update fact: %w", err)
	}

	return tx.Commit()
}

// DeleteFact removes the vector row and the fact row in one
// transaction. Vector first, for referential cleanliness.
func (s *Store) DeleteFact(ctx context.Context, id string) error {
	fact, err := s.GetFact(ctx, id)
	if err != nil {
		return err
	}

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin tx: %w", err)
	}
	defer tx.Rollback()

	if s.vectorIndex {
		if _, err := tx.ExecContext(ctx, `DELETE FROM fact_vectors WHERE rowid = ?`, fact.VectorRef); err != nil {
			return fmt.Errorf("delete vector: %w", err)
		}
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM facts WHERE id = ?`, id); err != nil {
		return fmt.Errorf("delete fact: %w", err)
	}

	return tx.Commit()
}

// GetFact returns a fact by id, or ErrNotFound.
func (s *Store) GetFact(ctx context.Context, id string) (*Fact, error) {
	var f Fact
	err := s.db.QueryRowContext(ctx,
		`SELECT id, content, category, confidence, created_at, updated_at, source_conversation_id, project_id, vector_ref
		 FROM facts WHERE id = ?`, id).
		Scan(&f.ID, &f.Content, &f.Category, &f.Confidence, &f.CreatedAt, &f.UpdatedAt,
			&f.SourceConversationID, &f.ProjectID, &f.VectorRef)
	if err == sql.ErrNoRows {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("query fact: %w", err)
	}
	return &f, nil
}

// ListFacts returns facts newest-first, optionally filtered by category.
func (s *Store) ListFacts(ctx context.Context, category string, limit int) ([]Fact, error) {
	if limit <= 0 {
		limit = 100
	}

	query := `SELECT id, content, category, confidence, created_at, updated_at, source_conversation_id, project_id, vector_ref
		 FROM facts`
	args := []any{}
	if category != "" {
		query += ` WHERE category = ?`
		args = append(args, category)
	}
	query += ` ORDER BY updated_at DESC LIMIT ?`
	args = append(args, limit)

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("query facts: %w", err)
	}
	defer rows.Close()

	var out []Fact
	for rows.Next() {
		var f Fact
		if err := rows.Scan(&f.ID, &f.Content, &f.Category, &f.Confidence, &f.CreatedAt, &f.UpdatedAt,
			&f.SourceConversationID, &f.ProjectID, &f.VectorRef); err != nil {
			return nil, fmt.Errorf("scan fact: %w", err)
		}
		out = append(out, f)
	}
	return out, rows.Err()
}

// SearchFacts embeds the query and returns up to limit facts ordered by
// ascending cosine distance. In degraded mode it returns an empty slice.
func (s *Store) SearchFacts(ctx context.Context, query string, limit int) ([]SearchResult, error) {
	if !s.VectorIndexAvailable() {
		return nil, nil
	}
	if limit <= 0 {
		limit = 8
	}

	vec, err := s.embedder.Generate(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	rows, err := s.db.QueryContext(ctx,
		`SELECT f.id, f.content, f.category, f.confidence, f.created_at, f.updated_at,
		        f.source_conversation_id, f.project_id, f.vector_ref,
		        vec_distance_cosine(v.embedding, ?) AS distance
		 FROM fact_vectors v
		 JOIN facts f ON f.vector_ref = v.rowid
		 ORDER BY distance ASC
		 LIMIT ?`, encodeVector(vec), limit)
	if err != nil {
		return nil, fmt.Errorf("vector search: %w", err)
	}
	defer rows.Close()

	var out []SearchResult
	for rows.Next() {
		var r SearchResult
		if err := rows.Scan(&r.Fact.ID, &r.Fact.Content, &r.Fact.Category, &r.Fact.Confidence,
			&r.Fact.CreatedAt, &r.Fact.UpdatedAt, &r.Fact.SourceConversationID,
			&r.Fact.ProjectID, &r.Fact.VectorRef, &r.Distance); err != nil {
			return nil, fmt.Errorf("scan search result: %w", err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// --- tool call audit ---

// RecordToolCall persists an audit row for one tool execution. Failures
// are logged, not returned: auditing must never break a turn.
func (s *Store) RecordToolCall(ctx context.Context, rec ToolCallRecord) {
	if rec.ID == "" {
		u, err := uuid.NewV7()
		if err != nil {
			s.logger.Warn("tool call audit skipped", "error", err)
			return
		}
		rec.ID = u.String()
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO tool_calls (id, conversation_id, tool_name, arguments, result, error, started_at, completed_at)
		 VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		rec.ID, rec.ConversationID, rec.ToolName, rec.Arguments, rec.Result, rec.Error,
		rec.StartedAt, rec.CompletedAt)
	if err != nil {
		s.logger.Warn("tool call audit failed", "tool", rec.ToolName, "error", err)
	}
}

// --- stats ---

// GetStats returns row counts for the UI and health endpoints.
func (s *Store) GetStats(ctx context.Context) (*Stats, error) {
	stats := &Stats{
		ByCategory:  make(map[string]int),
		VectorIndex: s.VectorIndexAvailable(),
	}

	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM conversations`).Scan(&stats.Conversations); err != nil {
		return nil, fmt.Errorf("count conversations: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM messages`).Scan(&stats.Messages); err != nil {
		return nil, fmt.Errorf("count messages: %w", err)
	}
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM facts`).Scan(&stats.Facts); err != nil {
		return nil, fmt.Errorf("count facts: %w", err)
	}

	rows, err := s.db.QueryContext(ctx, `SELECT category, COUNT(*) FROM facts GROUP BY category`)
	if err != nil {
		return nil, fmt.Errorf("count by category: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var cat string
		var n int
		if err := rows.Scan(&cat, &n); err != nil {
			return nil, fmt.Errorf("scan category count: %w", err)
		}
		stats.ByCategory[cat] = n
	}
	return stats, rows.Err()
}

// encodeVector serializes a float32 slice as the little-endian blob
// format sqlite-vec expects.
func encodeVector(vec []float32) []byte {
	buf := new(bytes.Buffer)
	_ = binary.Write(buf, binary.LittleEndian, vec)
	return buf.Bytes()
}
