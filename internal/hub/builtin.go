package hub

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/toolindex"
)

// Built-in tool names.
const (
	ToolHealthReport = "mcplink_health_report"
	ToolSearchTools  = "mcplink_search_tools"
)

var builtinCategory = catalog.Category{ID: "mcplink", Name: "MCP Link"}

func (h *Hub) registerBuiltins() {
	h.catalog.AddBuiltin(catalog.NewBuiltin(
		ToolHealthReport,
		"Report the connection health of every MCP server: status, score, response time, errors and tool counts.",
		builtinCategory,
		[]string{"health", "status", "diagnostics"},
		map[string]any{
			"type":       "object",
			"properties": map[string]any{},
		},
		h.healthReportTool,
	))

	h.catalog.AddBuiltin(catalog.NewBuiltin(
		ToolSearchTools,
		"Search the tool catalog by free text, category, tag or source server.",
		builtinCategory,
		[]string{"search", "discovery", "catalog"},
		map[string]any{
			"type": "object",
			"properties": map[string]any{
				"query":    map[string]any{"type": "string", "description": "Free-text query"},
				"category": map[string]any{"type": "string", "description": "Category id"},
				"tag":      map[string]any{"type": "string", "description": "Tag"},
				"source":   map[string]any{"type": "string", "description": "Source server id"},
				"limit":    map[string]any{"type": "integer", "description": "Maximum results (default 10)"},
			},
		},
		h.searchToolsTool,
	))
}

func (h *Hub) healthReportTool(_ context.Context, _ map[string]any) (string, error) {
	return marshalResult(h.Report())
}

// searchHit is one entry of the search tool's result.
type searchHit struct {
	catalog.View
	Score int `json:"score,omitempty"`
}

func (h *Hub) searchToolsTool(_ context.Context, args map[string]any) (string, error) {
	query, _ := args["query"].(string)
	category, _ := args["category"].(string)
	tag, _ := args["tag"].(string)
	source, _ := args["source"].(string)

	limit := 10
	if v, ok := args["limit"].(float64); ok && v > 0 {
		limit = int(v)
	}

	hits := h.SearchTools(Query{
		Text:     query,
		Category: category,
		Tag:      tag,
		Source:   source,
		Limit:    limit,
	})
	out := make([]searchHit, len(hits))
	for i, m := range hits {
		out[i] = searchHit{View: m.Tool.View(), Score: m.Score}
	}
	return marshalResult(out)
}

// Query filters and ranks catalog tools. Empty fields do not filter.
type Query struct {
	Text     string
	Category string
	Tag      string
	Source   string
	Limit    int
}

// SearchTools applies q to the index. With Text set results are ranked;
// otherwise they are in catalog order with a zero score.
func (h *Hub) SearchTools(q Query) []toolindex.Match {
	var matches []toolindex.Match
	if q.Text != "" {
		matches = h.index.Search(q.Text, 0)
	} else {
		var base []*catalog.Tool
		switch {
		case q.Category != "":
			base = h.index.SearchByCategory(q.Category)
		case q.Tag != "":
			base = h.index.SearchByTag(q.Tag)
		case q.Source != "":
			base = h.index.SearchBySource(q.Source)
		default:
			base = h.index.Tools()
		}
		for _, t := range base {
			matches = append(matches, toolindex.Match{Tool: t})
		}
	}

	var tagged []*catalog.Tool
	if q.Tag != "" {
		tagged = h.index.SearchByTag(q.Tag)
	}

	out := matches[:0]
	for _, m := range matches {
		t := m.Tool
		if q.Category != "" && t.Category.ID != q.Category {
			continue
		}
		if q.Source != "" && t.Source.ID != q.Source {
			continue
		}
		if q.Tag != "" && !slices.Contains(tagged, t) {
			continue
		}
		out = append(out, m)
	}
	if q.Limit > 0 && len(out) > q.Limit {
		out = out[:q.Limit]
	}
	return out
}

func marshalResult(v any) (string, error) {
	b, err := json.MarshalIndent(v, "", "  ")
	if err != nil {
		return "", fmt.Errorf("marshal result: %w", err)
	}
	return string(b), nil
}
