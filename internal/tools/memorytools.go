package tools

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/finchbot/finch/internal/memory"
	"github.com/finchbot/finch/pkg/models"
)

// NewMemoryStoreTool builds "memory_store": persist a fact under a key.
func NewMemoryStoreTool(store memory.Store, embedder memory.Embedder) Tool {
	return &FuncTool{
		ToolName: "memory_store",
		Desc:     "Store a fact in long-term memory under a key. Storing an existing key overwrites it.",
		Params: ObjectSchema(map[string]any{
			"key":      map[string]any{"type": "string", "description": "Unique key for the fact."},
			"content":  map[string]any{"type": "string", "description": "The fact to remember."},
			"category": map[string]any{"type": "string", "description": "core, daily, or episodic (default episodic)."},
		}, "key", "content"),
		Run: func(ctx context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				Key      string `json:"key"`
				Content  string `json:"content"`
				Category string `json:"category"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
			}
			if strings.TrimSpace(args.Key) == "" || strings.TrimSpace(args.Content) == "" {
				return models.Fail("key and content are required"), nil
			}

			var embedding []float32
			if embedder != nil {
				if vec, err := embedder.Embed(ctx, args.Content); err == nil {
					embedding = vec
				}
			}
			category := models.ParseMemoryCategory(args.Category)
			if err := store.Store(ctx, args.Key, args.Content, category, embedding); err != nil {
				return models.Fail(fmt.Sprintf("store failed: %v", err)), nil
			}
			return models.Ok(fmt.Sprintf("Stored %s under %s.", args.Key, category)), nil
		},
	}
}

// NewMemoryRecallTool builds "memory_recall": hybrid search over memory.
func NewMemoryRecallTool(store memory.Store) Tool {
	return &FuncTool{
		ToolName: "memory_recall",
		Desc:     "Recall facts from long-term memory matching a query.",
		Params: ObjectSchema(map[string]any{
			"query":    map[string]any{"type": "string", "description": "What to look for."},
			"top_k":    map[string]any{"type": "integer", "description": "Max results (default 5)."},
			"category": map[string]any{"type": "string", "description": "Optional category filter."},
		}, "query"),
		Run: func(ctx context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				Query    string `json:"query"`
				TopK     int    `json:"top_k"`
				Category string `json:"category"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
			}
			if args.TopK <= 0 {
				args.TopK = 5
			}
			var category models.MemoryCategory
			if strings.TrimSpace(args.Category) != "" {
				category = models.ParseMemoryCategory(args.Category)
			}

			entries, err := store.Recall(ctx, args.Query, args.TopK, category)
			if err != nil {
				return models.Fail(fmt.Sprintf("recall failed: %v", err)), nil
			}
			if len(entries) == 0 {
				return models.Ok("Nothing relevant in memory."), nil
			}
			var sb strings.Builder
			for _, e := range entries {
				fmt.Fprintf(&sb, "[%s] %s: %s\n", e.Entry.Category, e.Entry.Key, e.Entry.Content)
			}
			return models.Ok(strings.TrimRight(sb.String(), "\n")), nil
		},
	}
}

// NewMemoryForgetTool builds "memory_forget": drop a fact by key.
func NewMemoryForgetTool(store memory.Store) Tool {
	return &FuncTool{
		ToolName: "memory_forget",
		Desc:     "Remove a fact from long-term memory by key.",
		Params: ObjectSchema(map[string]any{
			"key": map[string]any{"type": "string", "description": "Key of the fact to remove."},
		}, "key"),
		Run: func(ctx context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				Key string `json:"key"`
			}
			if err := json.Unmarshal(raw, &args); err != nil {
				return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
			}
			if err := store.Forget(ctx, args.Key); err != nil {
				return models.Fail(fmt.Sprintf("forget failed: %v", err)), nil
			}
			return models.Ok("Forgotten."), nil
		},
	}
}
