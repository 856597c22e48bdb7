package hub

import (
	"fmt"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/health"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/perf"
	"github.com/nugget/mcplink/internal/toolindex"
)

// ServerView is a read-only summary of one managed server.
type ServerView struct {
	Name      string              `json:"name"`
	Transport mcp.TransportType   `json:"transport"`
	Endpoint  string              `json:"endpoint"`
	Connected bool                `json:"connected"`
	Server    *mcp.ServerInfo     `json:"server_info,omitempty"`
	Health    health.ServerHealth `json:"health"`
	Metrics   health.Metrics      `json:"metrics"`
	Reconnect *connwatch.Status   `json:"reconnect,omitempty"`
	ToolCount int                 `json:"tool_count"`
}

// Server returns the view of name.
func (h *Hub) Server(name string) (ServerView, error) {
	srv, err := h.server(name)
	if err != nil {
		return ServerView{}, err
	}
	return h.view(srv), nil
}

// Servers returns a view of every server in registration order.
func (h *Hub) Servers() []ServerView {
	h.mu.RLock()
	servers := h.listLocked()
	h.mu.RUnlock()

	out := make([]ServerView, len(servers))
	for i, srv := range servers {
		out[i] = h.view(srv)
	}
	return out
}

// ServerNames returns the managed server names in registration order.
func (h *Hub) ServerNames() []string {
	h.mu.RLock()
	defer h.mu.RUnlock()
	return append([]string(nil), h.order...)
}

func (h *Hub) view(srv *server) ServerView {
	tc := srv.cfg.Transport
	endpoint := tc.URL
	if tc.Type == mcp.TransportProcess {
		endpoint = tc.Command
	}

	v := ServerView{
		Name:      srv.name,
		Transport: srv.transport.Type(),
		Endpoint:  endpoint,
		Connected: srv.transport.Connected(),
		ToolCount: len(h.catalog.ServerTools(srv.name)),
	}
	if info := srv.client.ServerInfo(); info != nil {
		si := info.ServerInfo
		v.Server = &si
	}
	if hs, ok := h.health.ServerHealth(srv.name); ok {
		v.Health = hs
	}
	if m, ok := h.health.ServerMetrics(srv.name); ok {
		v.Metrics = m
	}
	if st, ok := h.sched.Status(srv.name); ok {
		v.Reconnect = &st
	}
	return v
}

// Report summarizes every server's health.
func (h *Hub) Report() health.Report {
	builtin, _ := h.catalog.Counts()
	return h.health.GenerateReport(builtin)
}

// HealthScore returns the health score of name, 0 when unknown.
func (h *Hub) HealthScore(name string) int {
	return h.health.HealthScore(name)
}

// Tools returns every cataloged tool in listing order.
func (h *Hub) Tools() []*catalog.Tool {
	return h.catalog.All()
}

// Tool looks up a tool by id.
func (h *Hub) Tool(id string) (*catalog.Tool, error) {
	t, ok := h.catalog.Lookup(id)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownTool, id)
	}
	return t, nil
}

// SimilarTools returns up to n tools related to id.
func (h *Hub) SimilarTools(id string, n int) ([]*catalog.Tool, error) {
	t, err := h.Tool(id)
	if err != nil {
		return nil, err
	}
	return h.index.FindSimilarTools(t, n), nil
}

// IndexStats describes the search index.
func (h *Hub) IndexStats() toolindex.Stats {
	return h.index.Stats()
}

// Performance returns the metrics of every tool that has executed.
func (h *Hub) Performance() map[string]perf.Metrics {
	return h.perf.AllMetrics()
}

// Thresholds returns the active performance limits.
func (h *Hub) Thresholds() perf.Thresholds {
	return h.perf.Thresholds()
}

// Bus returns the event bus carrying health, performance and hub
// events.
func (h *Hub) Bus() *events.Bus[events.Event] {
	return h.bus
}
