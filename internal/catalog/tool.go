// Package catalog holds the aggregate tool catalog: every tool exposed
// by a connected MCP server plus the built-in tools served in process.
// Monitors annotate tools with availability and performance data; the
// catalog owns the records.
package catalog

import (
	"context"
	"slices"
	"sync"
	"time"
)

// SourceType says where a tool executes.
type SourceType string

// Source types.
const (
	SourceBuiltin  SourceType = "builtin"
	SourceExternal SourceType = "external"
)

// BuiltinSourceID is the Source.ID shared by all built-in tools.
const BuiltinSourceID = "builtin"

// Trend is the direction of a tool's recent execution times.
type Trend string

// Trend directions. Up means slower.
const (
	TrendUp     Trend = "up"
	TrendDown   Trend = "down"
	TrendStable Trend = "stable"
)

// Category groups related tools.
type Category struct {
	ID   string `json:"id"`
	Name string `json:"name"`
}

// Source identifies the provider of a tool.
type Source struct {
	ID   string     `json:"id"`
	Type SourceType `json:"type"`
}

// Performance is the per-tool summary written back by the performance
// monitor.
type Performance struct {
	AverageExecutionTime time.Duration `json:"average_execution_time"`
	SuccessRate          float64       `json:"success_rate"`
	Trend                Trend         `json:"trend"`
	UsageCount           int           `json:"usage_count"`
	LastUsed             time.Time     `json:"last_used,omitzero"`
}

// Handler executes a built-in tool.
type Handler func(ctx context.Context, args map[string]any) (string, error)

// Tool is one entry in the catalog. Identity fields are immutable after
// construction; availability and performance are guarded by the tool's
// own lock.
type Tool struct {
	ID          string
	Name        string
	Description string
	Tags        []string
	Category    Category
	Source      Source
	InputSchema map[string]any

	// Handler is set for built-in tools only.
	Handler Handler

	mu        sync.RWMutex
	available bool
	perf      Performance
}

// Available reports whether the tool can currently be called.
func (t *Tool) Available() bool {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.available
}

// SetAvailable updates availability and reports whether it changed.
func (t *Tool) SetAvailable(v bool) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	changed := t.available != v
	t.available = v
	return changed
}

// Performance returns a copy of the tool's performance summary.
func (t *Tool) Performance() Performance {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return t.perf
}

// SetPerformance replaces the performance summary.
func (t *Tool) SetPerformance(p Performance) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.perf = p
}

// HasTag reports whether the tool carries tag (exact match).
func (t *Tool) HasTag(tag string) bool {
	return slices.Contains(t.Tags, tag)
}

// View is a JSON-friendly snapshot of a tool.
type View struct {
	ID          string      `json:"id"`
	Name        string      `json:"name"`
	Description string      `json:"description"`
	Tags        []string    `json:"tags"`
	Category    Category    `json:"category"`
	Source      Source      `json:"source"`
	Available   bool        `json:"available"`
	Performance Performance `json:"performance"`
}

// View snapshots the tool.
func (t *Tool) View() View {
	t.mu.RLock()
	defer t.mu.RUnlock()
	tags := t.Tags
	if tags == nil {
		tags = []string{}
	}
	return View{
		ID:          t.ID,
		Name:        t.Name,
		Description: t.Description,
		Tags:        tags,
		Category:    t.Category,
		Source:      t.Source,
		Available:   t.available,
		Performance: t.perf,
	}
}

// Views snapshots a list of tools.
func Views(tools []*Tool) []View {
	out := make([]View, len(tools))
	for i, t := range tools {
		out[i] = t.View()
	}
	return out
}

// NewBuiltin creates an always-available built-in tool.
func NewBuiltin(name, description string, category Category, tags []string, schema map[string]any, h Handler) *Tool {
	return &Tool{
		ID:          name,
		Name:        name,
		Description: description,
		Tags:        slices.Clone(tags),
		Category:    category,
		Source:      Source{ID: BuiltinSourceID, Type: SourceBuiltin},
		InputSchema: schema,
		Handler:     h,
		available:   true,
		perf:        Performance{SuccessRate: 100, Trend: TrendStable},
	}
}
