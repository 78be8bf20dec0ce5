package memory

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"

	"github.com/hollis/vesper-agent/internal/llm"
	"github.com/hollis/vesper-agent/internal/prompts"
)

// Extractor distills durable facts from conversation slices using a
// language model, deduplicating against the store by embedding
// distance.
type Extractor struct {
	client llm.Client
	model  string
	store  *Store
	logger *slog.Logger
}

// NewExtractor creates a fact extractor. model may be a smaller model
// than the main chat model.
func NewExtractor(client llm.Client, model string, store *Store, logger *slog.Logger) *Extractor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Extractor{
		client: client,
		model:  model,
		store:  store,
		logger: logger,
	}
}

// factCandidate is one element of the model's JSON array response.
type factCandidate struct {
	Content  string `json:"content"`
	Category string `json:"category"`
}

// ExtractFacts runs one extraction pass over messages. Candidates that
// embed within DuplicateThreshold of an existing fact reinforce it
// instead of inserting a duplicate. All input messages are marked
// processed afterwards, even when no candidate survived.
func (e *Extractor) ExtractFacts(ctx context.Context, messages []Message, conversationID string) error {
	if len(messages) == 0 {
		return nil
	}

	var lines []string
	for _, m := range messages {
		lines = append(lines, fmt.Sprintf("%s: %s", m.Role, m.Content))
	}
	transcript := strings.Join(lines, "\n")

	resp, err := e.client.Chat(ctx, e.model, []llm.Message{
		{Role: "user", Content: prompts.FactExtraction(transcript)},
	}, nil)
	if err != nil {
		return fmt.Errorf("extraction completion: %w", err)
	}

	candidates := e.parseCandidates(resp.Message.Content)

	for _, c := range candidates {
		if err := e.storeCandidate(ctx, c, conversationID); err != nil {
			e.logger.Warn("store fact candidate failed",
				"content", c.Content, "error", err)
		}
	}

	ids := make([]string, 0, len(messages))
	for _, m := range messages {
		ids = append(ids, m.ID)
	}
	if err := e.store.MarkProcessedForFacts(ctx, ids); err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}

	e.logger.Debug("fact extraction complete",
		"conversation_id", conversationID,
		"messages", len(messages),
		"candidates", len(candidates),
	)
	return nil
}

// storeCandidate inserts a candidate or reinforces its near-duplicate.
func (e *Extractor) storeCandidate(ctx context.Context, c factCandidate, conversationID string) error {
	results, err := e.store.SearchFacts(ctx, c.Content, 3)
	if err != nil {
		return fmt.Errorf("dedup search: %w", err)
	}

	if len(results) > 0 && results[0].Distance < DuplicateThreshold {
		e.logger.Debug("reinforcing duplicate fact",
			"existing_id", results[0].Fact.ID,
			"distance", results[0].Distance,
		)
		return e.store.ReinforceFact(ctx, results[0].Fact.ID)
	}

	_, err = e.store.AddFact(ctx, c.Content, c.Category, conversationID, "")
	return err
}

// parseCandidates decodes the model's response defensively. Markdown
// fences are stripped and the first [...] span is located before JSON
// decoding; if that fails the line heuristic takes over. Candidates
// missing content or carrying an unknown category are dropped.
func (e *Extractor) parseCandidates(content string) []factCandidate {
	raw := stripCodeFences(content)

	var candidates []factCandidate
	if span := firstArraySpan(raw); span != "" {
		if err := json.Unmarshal([]byte(span), &candidates); err != nil {
			e.logger.Debug("extraction JSON parse failed, using line heuristic", "error", err)
			candidates = lineHeuristicCandidates(raw)
		}
	} else {
		e.logger.Debug("no JSON array in extraction response, using line heuristic")
		candidates = lineHeuristicCandidates(raw)
	}

	out := candidates[:0]
	for _, c := range candidates {
		c.Content = strings.TrimSpace(c.Content)
		c.Category = strings.ToLower(strings.TrimSpace(c.Category))
		if c.Content == "" || !ValidCategory(c.Category) {
			continue
		}
		out = append(out, c)
	}
	return out
}

// stripCodeFences removes a surrounding markdown code fence, with or
// without a language tag.
func stripCodeFences(s string) string {
	s = strings.TrimSpace(s)
	if !strings.HasPrefix(s, "```") {
		return s
	}
	s = strings.TrimPrefix(s, "```")
	if idx := strings.Index(s, "\n"); idx >= 0 {
		s = s[idx+1:]
	}
	s = strings.TrimSuffix(strings.TrimSpace(s), "```")
	return strings.TrimSpace(s)
}

// firstArraySpan returns the first balanced top-level [...] span, or ""
// if none exists. Bracket depth tracking ignores brackets inside
// strings.
func firstArraySpan(s string) string {
	start := strings.Index(s, "[")
	if start < 0 {
		return ""
	}
	depth := 0
	inString := false
	escaped := false
	for i := start; i < len(s); i++ {
		c := s[i]
		if escaped {
			escaped = false
			continue
		}
		switch c {
		case '\\':
			if inString {
				escaped = true
			}
		case '"':
			inString = !inString
		case '[':
			if !inString {
				depth++
			}
		case ']':
			if !inString {
				depth--
				if depth == 0 {
					return s[start : i+1]
				}
			}
		}
	}
	return ""
}

// lineHeuristicCandidates is the last-resort parser for models that
// answer in prose. Lines with a delimiter and plausible length become
// candidates, categorized by keyword.
func lineHeuristicCandidates(s string) []factCandidate {
	var out []factCandidate
	for _, line := range strings.Split(s, "\n") {
		line = strings.TrimSpace(line)
		if !strings.ContainsAny(line, ":-•") {
			continue
		}
		line = strings.TrimLeft(line, "-•* \t")
		if len(line) < 10 || len(line) > 200 {
			continue
		}
		out = append(out, factCandidate{
			Content:  line,
			Category: categorizeByKeyword(line),
		})
	}
	return out
}

func categorizeByKeyword(line string) string {
	l := strings.ToLower(line)
	switch {
	case containsAny(l, "work", "job", "skill"):
		return CategoryProfessional
	case containsAny(l, "like", "prefer", "use"):
		return CategoryPreferences
	case containsAny(l, "family", "pet", "live"):
		return CategoryPersonal
	default:
		return CategoryInterests
	}
}

func containsAny(s string, subs ...string) bool {
	for _, sub := range subs {
		if strings.Contains(s, sub) {
			return true
		}
	}
	return false
}
