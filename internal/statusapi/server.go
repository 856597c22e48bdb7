// Package statusapi serves the read-mostly HTTP status API: server
// health, the tool catalog and search index, tool performance, and a
// websocket stream of operational events.
package statusapi

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/health"
	"github.com/nugget/mcplink/internal/hub"
	"github.com/nugget/mcplink/internal/perf"
	"github.com/nugget/mcplink/internal/toolindex"
)

// defaultSimilar is the number of similar tools returned when the
// request does not set n.
const defaultSimilar = toolindex.DefaultSimilar

// Backend is the part of the hub the API reads from.
type Backend interface {
	Servers() []hub.ServerView
	Server(name string) (hub.ServerView, error)
	Retry(ctx context.Context, name string) error
	Report() health.Report
	SearchTools(q hub.Query) []toolindex.Match
	SimilarTools(id string, n int) ([]*catalog.Tool, error)
	IndexStats() toolindex.Stats
	Performance() map[string]perf.Metrics
	Thresholds() perf.Thresholds
	Bus() *events.Bus[events.Event]
}

// writeJSON encodes v as JSON to w, logging any errors at debug level.
// Errors here typically mean the client disconnected mid-response.
func writeJSON(w http.ResponseWriter, v any, logger *slog.Logger) {
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.Debug("failed to write JSON response", "error", err)
	}
}

// Server is the status API server.
type Server struct {
	address string
	port    int
	backend Backend
	logger  *slog.Logger
	server  *http.Server

	// done is closed by Shutdown to end event streams, which
	// http.Server.Shutdown does not track once hijacked.
	done      chan struct{}
	closeOnce sync.Once
	streams   sync.WaitGroup
}

// NewServer creates a status API server.
func NewServer(address string, port int, backend Backend, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		address: address,
		port:    port,
		backend: backend,
		logger:  logger,
		done:    make(chan struct{}),
	}
}

// Handler returns the routed handler without starting a listener.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	mux.HandleFunc("GET /{$}", s.handleRoot)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /v1/version", s.handleVersion)

	// Servers
	mux.HandleFunc("GET /v1/servers", s.handleServers)
	mux.HandleFunc("GET /v1/servers/{id}", s.handleServer)
	mux.HandleFunc("POST /v1/servers/{id}/retry", s.handleRetry)
	mux.HandleFunc("GET /v1/report", s.handleReport)

	// Tools
	mux.HandleFunc("GET /v1/tools", s.handleTools)
	mux.HandleFunc("GET /v1/tools/stats", s.handleToolStats)
	mux.HandleFunc("GET /v1/tools/{id}/similar", s.handleSimilar)
	mux.HandleFunc("GET /v1/performance", s.handlePerformance)

	// Event stream
	mux.HandleFunc("GET /v1/events", s.handleEvents)

	return s.withLogging(mux)
}

// Start begins serving HTTP requests. It returns http.ErrServerClosed
// after Shutdown.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", s.address, s.port),
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       30 * time.Second,
		WriteTimeout:      60 * time.Second,
		BaseContext:       func(_ net.Listener) context.Context { return ctx },
	}

	addr := s.address
	if addr == "" {
		addr = "0.0.0.0"
	}
	s.logger.Info("starting status API server", "address", addr, "port", s.port)
	return s.server.ListenAndServe()
}

// Shutdown gracefully stops the server and closes event streams.
func (s *Server) Shutdown(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.done) })
	var err error
	if s.server != nil {
		err = s.server.Shutdown(ctx)
	}
	s.streams.Wait()
	return err
}

func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		s.logger.Debug("request",
			"method", r.Method,
			"path", r.URL.Path,
			"duration", time.Since(start),
		)
	})
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

// errorStatus maps hub errors onto HTTP status codes.
func errorStatus(err error) int {
	switch {
	case errors.Is(err, hub.ErrUnknownServer), errors.Is(err, hub.ErrUnknownTool):
		return http.StatusNotFound
	case errors.Is(err, hub.ErrClosed):
		return http.StatusServiceUnavailable
	default:
		return http.StatusBadGateway
	}
}

func (s *Server) respond(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	writeJSON(w, v, s.logger)
}

func (s *Server) handleRoot(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, struct {
		buildinfo.Implementation
		Status string `json:"status"`
	}{buildinfo.ClientInfo(), "ok"})
}

func (s *Server) handleVersion(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, buildinfo.Info())
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status           string `json:"status"`
	TotalServers     int    `json:"total_servers"`
	ConnectedServers int    `json:"connected_servers"`
	TotalTools       int    `json:"total_tools"`
	EventSubscribers int    `json:"event_subscribers"`
}

// handleHealth reports "healthy" when every server is connected and
// "degraded" otherwise. The API itself is up either way, so the status
// code is always 200.
func (s *Server) handleHealth(w http.ResponseWriter, _ *http.Request) {
	r := s.backend.Report()
	status := "healthy"
	if r.ConnectedServers < r.TotalServers {
		status = "degraded"
	}
	s.respond(w, HealthResponse{
		Status:           status,
		TotalServers:     r.TotalServers,
		ConnectedServers: r.ConnectedServers,
		TotalTools:       r.TotalTools,
		EventSubscribers: s.backend.Bus().SubscriberCount(),
	})
}

func (s *Server) handleServers(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, s.backend.Servers())
}

func (s *Server) handleServer(w http.ResponseWriter, r *http.Request) {
	v, err := s.backend.Server(r.PathValue("id"))
	if err != nil {
		s.errorResponse(w, errorStatus(err), err.Error())
		return
	}
	s.respond(w, v)
}

// handleRetry reconnects a server and returns its view. A failed
// connect is reported as 502 with the server's error.
func (s *Server) handleRetry(w http.ResponseWriter, r *http.Request) {
	name := r.PathValue("id")
	if err := s.backend.Retry(r.Context(), name); err != nil {
		s.logger.Info("retry via API failed", "mcp_server", name, "error", err)
		s.errorResponse(w, errorStatus(err), err.Error())
		return
	}
	v, err := s.backend.Server(name)
	if err != nil {
		s.errorResponse(w, errorStatus(err), err.Error())
		return
	}
	s.respond(w, v)
}

func (s *Server) handleReport(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, s.backend.Report())
}

// ToolResult is one entry of GET /v1/tools.
type ToolResult struct {
	catalog.View
	Score int `json:"score,omitempty"`
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	query := hub.Query{
		Text:     q.Get("q"),
		Category: q.Get("category"),
		Tag:      q.Get("tag"),
		Source:   q.Get("source"),
	}
	if raw := q.Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n < 0 {
			s.errorResponse(w, http.StatusBadRequest, "limit must be a non-negative integer")
			return
		}
		query.Limit = n
	}

	matches := s.backend.SearchTools(query)
	out := make([]ToolResult, len(matches))
	for i, m := range matches {
		out[i] = ToolResult{View: m.Tool.View(), Score: m.Score}
	}
	s.respond(w, out)
}

func (s *Server) handleToolStats(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, s.backend.IndexStats())
}

func (s *Server) handleSimilar(w http.ResponseWriter, r *http.Request) {
	n := defaultSimilar
	if raw := r.URL.Query().Get("n"); raw != "" {
		v, err := strconv.Atoi(raw)
		if err != nil || v < 1 {
			s.errorResponse(w, http.StatusBadRequest, "n must be a positive integer")
			return
		}
		n = v
	}

	tools, err := s.backend.SimilarTools(r.PathValue("id"), n)
	if err != nil {
		s.errorResponse(w, errorStatus(err), err.Error())
		return
	}
	out := make([]catalog.View, len(tools))
	for i, t := range tools {
		out[i] = t.View()
	}
	s.respond(w, out)
}

// PerformanceResponse is the body of GET /v1/performance.
type PerformanceResponse struct {
	Thresholds perf.Thresholds         `json:"thresholds"`
	Tools      map[string]perf.Metrics `json:"tools"`
}

func (s *Server) handlePerformance(w http.ResponseWriter, _ *http.Request) {
	s.respond(w, PerformanceResponse{
		Thresholds: s.backend.Thresholds(),
		Tools:      s.backend.Performance(),
	})
}
