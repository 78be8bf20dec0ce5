package tools

import (
	"context"
	"errors"
	"fmt"

	"github.com/hollis/vesper-agent/internal/memory"
)

func (r *Registry) registerMemoryTools() {
	r.register(&Definition{
		Name:        "remember_fact",
		Description: "Store a durable fact about the user for future conversations. Use when the user shares something worth remembering long-term.",
		Params: []ParamSpec{
			{Name: "content", Type: "string", Required: true, Description: "The fact, as a short standalone statement"},
			{Name: "category", Type: "string", Required: true, Description: "One of: personal, preferences, professional, interests"},
		},
		Handler: r.handleRememberFact,
	})

	r.register(&Definition{
		Name:        "recall_memory",
		Description: "Search stored facts about the user by meaning. Returns the closest matches with their categories and confidence.",
		Params: []ParamSpec{
			{Name: "query", Type: "string", Required: true, Description: "What to look for"},
			{Name: "limit", Type: "integer", Required: false, Description: "Maximum results (default 5)"},
		},
		Handler: r.handleRecallMemory,
	})

	r.register(&Definition{
		Name:        "forget_fact",
		Description: "Delete a stored fact by id. Use only when the user asks to forget something or a fact is wrong.",
		Params: []ParamSpec{
			{Name: "fact_id", Type: "string", Required: true, Description: "The id of the fact to delete"},
		},
		Handler: r.handleForgetFact,
	})
}

func (r *Registry) handleRememberFact(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Memory == nil {
		return nil, &ErrToolUnavailable{ToolName: "remember_fact", Reason: "memory not configured"}
	}

	content := stringArg(args, "content")
	category := stringArg(args, "category")

	fact, err := r.deps.Memory.Store().AddFact(ctx, content, category, "", "")
	if errors.Is(err, memory.ErrMemoryUnavailable) {
		return nil, fmt.Errorf("long-term memory is currently unavailable")
	}
	if err != nil {
		return nil, err
	}
	return fact, nil
}

func (r *Registry) handleRecallMemory(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Memory == nil {
		return nil, &ErrToolUnavailable{ToolName: "recall_memory", Reason: "memory not configured"}
	}

	limit := intArg(args, "limit", 5)
	results, err := r.deps.Memory.Store().SearchFacts(ctx, stringArg(args, "query"), limit)
	if err != nil {
		return nil, err
	}

	out := make([]map[string]any, 0, len(results))
	for _, res := range results {
		out = append(out, map[string]any{
			"fact_id":    res.Fact.ID,
			"content":    res.Fact.Content,
			"category":   res.Fact.Category,
			"confidence": res.Fact.Confidence,
			"distance":   res.Distance,
		})
	}
	return out, nil
}

func (r *Registry) handleForgetFact(ctx context.Context, args map[string]any, windowID string) (any, error) {
	if r.deps.Memory == nil {
		return nil, &ErrToolUnavailable{ToolName: "forget_fact", Reason: "memory not configured"}
	}

	id := stringArg(args, "fact_id")
	if err := r.deps.Memory.Store().DeleteFact(ctx, id); err != nil {
		return nil, err
	}
	return map[string]any{"fact_id": id, "deleted": true}, nil
}
