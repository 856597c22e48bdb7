// Package hub owns the MCP server connections and wires them to the
// health monitor, the performance monitor, the tool catalog, and the
// search index. Consumers read from those components through the hub;
// they never touch transports directly.
package hub

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"slices"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/events"
	"github.com/nugget/mcplink/internal/health"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/perf"
	"github.com/nugget/mcplink/internal/toolindex"
)

const (
	// setupTimeout bounds the initialize + tools/list exchange.
	setupTimeout = 30 * time.Second

	// pingTimeout bounds one keepalive ping.
	pingTimeout = 10 * time.Second

	// maxParallelConnects limits concurrent connects during Start.
	maxParallelConnects = 8
)

var (
	// ErrUnknownServer is returned for a server name the hub does not
	// manage.
	ErrUnknownServer = errors.New("unknown MCP server")

	// ErrDuplicateServer is returned when two servers share a name.
	ErrDuplicateServer = errors.New("duplicate MCP server name")

	// ErrUnknownTool is returned by CallTool for an id not in the
	// catalog.
	ErrUnknownTool = errors.New("unknown tool")

	// ErrToolUnavailable is returned by CallTool when the tool's server
	// is not connected.
	ErrToolUnavailable = errors.New("tool unavailable")

	// ErrClosed is returned after Shutdown.
	ErrClosed = errors.New("hub is shut down")
)

// ServerConfig configures one managed server.
type ServerConfig struct {
	// Transport is validated with mcp.ValidateConfig before any I/O.
	// Its Name is required and must be unique.
	Transport mcp.TransportConfig

	// Tools controls how the server's tools enter the catalog.
	Tools catalog.ServerOptions

	// Health configures the periodic health check.
	Health health.Config
}

// Config configures a Hub.
type Config struct {
	Servers []ServerConfig

	// Backoff shapes reconnect retries for push and socket servers.
	Backoff connwatch.BackoffConfig

	// Thresholds bound acceptable tool performance.
	Thresholds perf.Thresholds

	// SweepInterval is the idle performance re-evaluation interval.
	SweepInterval time.Duration

	// PingInterval enables a keepalive ping to every connected server.
	// Zero disables it.
	PingInterval time.Duration

	// Recorder, when set, persists every tool execution.
	Recorder perf.Recorder

	// Bus receives health, performance and hub events. A new bus is
	// created when nil.
	Bus *events.Bus[events.Event]

	Logger *slog.Logger
}

type server struct {
	name      string
	cfg       ServerConfig
	transport mcp.Transport
	client    *mcp.Client
	unsub     func()

	// setupMu serializes the initialize + tools/list exchange.
	setupMu sync.Mutex
}

// Hub manages MCP servers and the monitors fed by them.
type Hub struct {
	logger        *slog.Logger
	bus           *events.Bus[events.Event]
	health        *health.Monitor
	perf          *perf.Monitor
	catalog       *catalog.Catalog
	index         *toolindex.Indexer
	sched         *connwatch.Scheduler
	sweepInterval time.Duration
	pingInterval  time.Duration

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.RWMutex
	servers map[string]*server
	order   []string
	started bool
	closed  bool
}

// New validates every server configuration and builds the hub. No
// connection is attempted until Start or AddServer.
func New(cfg Config) (*Hub, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	bus := cfg.Bus
	if bus == nil {
		bus = events.New[events.Event]()
	}

	ctx, cancel := context.WithCancel(context.Background())
	h := &Hub{
		logger:        logger,
		bus:           bus,
		health:        health.NewMonitor(bus, logger),
		perf:          perf.NewMonitor(bus, cfg.Thresholds, logger),
		catalog:       catalog.New(),
		index:         toolindex.New(),
		sched:         connwatch.NewScheduler(cfg.Backoff, logger),
		sweepInterval: cfg.SweepInterval,
		pingInterval:  cfg.PingInterval,
		ctx:           ctx,
		cancel:        cancel,
		servers:       make(map[string]*server),
	}
	if cfg.Recorder != nil {
		h.perf.SetRecorder(cfg.Recorder)
	}

	h.registerBuiltins()

	for _, sc := range cfg.Servers {
		if _, err := h.register(sc); err != nil {
			h.Shutdown(context.Background())
			return nil, err
		}
	}
	h.rebuild("")
	return h, nil
}

// register validates sc and creates its transport and client.
func (h *Hub) register(sc ServerConfig) (*server, error) {
	name := sc.Transport.Name
	if name == "" {
		return nil, &mcp.ConfigurationError{Field: "name", Reason: "required"}
	}

	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrClosed
	}
	if _, dup := h.servers[name]; dup {
		return nil, fmt.Errorf("%w: %s", ErrDuplicateServer, name)
	}
	if err := mcp.ValidateConfig(sc.Transport); err != nil {
		return nil, fmt.Errorf("server %s: %w", name, err)
	}

	srv := &server{name: name, cfg: sc}

	tcfg := sc.Transport
	if tcfg.Logger == nil {
		tcfg.Logger = h.logger
	}
	tcfg.Reconnector = &reconnector{hub: h, srv: srv}
	transport, err := mcp.NewTransport(tcfg)
	if err != nil {
		return nil, fmt.Errorf("server %s: %w", name, err)
	}
	srv.transport = transport

	if srv.cfg.Tools.Logger == nil {
		srv.cfg.Tools.Logger = h.logger
	}

	client := mcp.NewClient(name, transport, h.logger)
	client.SetRequestHooks(mcp.RequestHooks{
		Start: func(id string) { h.health.RecordRequestStart(name, id) },
		End:   func(id string, ok bool) { h.health.RecordRequestEnd(name, id, ok) },
	})
	client.OnToolsChanged(func() { h.goRefreshTools(srv) })
	srv.client = client
	srv.unsub = transport.Subscribe(func(ev mcp.Event) { h.handleEvent(srv, ev) })

	h.servers[name] = srv
	h.order = append(h.order, name)
	h.health.StartMonitoring(name, sc.Health)

	h.logger.Debug("MCP server registered", "mcp_server", name, "transport", transport.Type())
	return srv, nil
}

// Start connects every registered server in parallel, starts the idle
// performance sweep and, when configured, the keepalive ping. A server
// that fails to connect does not fail Start: it is left in the error
// status and push and socket servers keep retrying in the background.
func (h *Hub) Start(ctx context.Context) error {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrClosed
	}
	if h.started {
		h.mu.Unlock()
		return nil
	}
	h.started = true
	servers := h.listLocked()
	h.mu.Unlock()

	h.perf.StartMonitoring(h.sweepInterval)

	var g errgroup.Group
	g.SetLimit(maxParallelConnects)
	for _, srv := range servers {
		g.Go(func() error {
			if err := h.connect(ctx, srv); err != nil {
				h.logger.Warn("MCP server connect failed",
					"mcp_server", srv.name,
					"error", err,
				)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return err
	}

	if h.pingInterval > 0 {
		h.wg.Add(1)
		go h.pingLoop()
	}

	connected := 0
	for _, srv := range servers {
		if srv.transport.Connected() {
			connected++
		}
	}
	h.logger.Info("MCP hub started",
		"servers", len(servers),
		"connected", connected,
		"tools", len(h.catalog.All()),
	)
	return ctx.Err()
}

// AddServer registers and connects a new server. The server stays
// registered even when the connect fails.
func (h *Hub) AddServer(ctx context.Context, sc ServerConfig) error {
	srv, err := h.register(sc)
	if err != nil {
		return err
	}
	return h.connect(ctx, srv)
}

// RemoveServer disconnects name and drops its tools, metrics and
// health record.
func (h *Hub) RemoveServer(ctx context.Context, name string) error {
	h.mu.Lock()
	srv, ok := h.servers[name]
	if ok {
		delete(h.servers, name)
		h.order = slices.DeleteFunc(h.order, func(n string) bool { return n == name })
	}
	h.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}

	h.teardown(ctx, srv)
	for _, t := range h.catalog.ServerTools(name) {
		h.perf.Clear(t.ID)
	}
	h.catalog.RemoveServer(name)
	h.health.StopMonitoring(name)
	h.rebuild(name)

	h.logger.Info("MCP server removed", "mcp_server", name)
	return nil
}

// Retry forces a fresh connection to name: any scheduled reconnect is
// cancelled, an open channel is closed, and a new connect runs now.
func (h *Hub) Retry(ctx context.Context, name string) error {
	srv, err := h.server(name)
	if err != nil {
		return err
	}

	h.sched.Cancel(name)
	if srv.transport.Connected() {
		if err := srv.transport.Disconnect(ctx); err != nil {
			h.logger.Debug("disconnect before retry failed", "mcp_server", name, "error", err)
		}
	}

	h.logger.Info("retrying MCP server", "mcp_server", name)
	return h.connect(ctx, srv)
}

// connect runs one attempt and, for transports that recover on their
// own, schedules background retries when it fails.
func (h *Hub) connect(ctx context.Context, srv *server) error {
	err := h.attempt(ctx, srv, srv.transport.Connect)
	if err == nil {
		return nil
	}

	if srv.transport.Type() == mcp.TransportProcess {
		h.logger.Warn("MCP process server failed, waiting for manual retry",
			"mcp_server", srv.name,
			"error", err,
		)
	} else {
		h.sched.Schedule(srv.name, func(ctx context.Context) error {
			return h.attempt(ctx, srv, srv.transport.Connect)
		})
	}
	return fmt.Errorf("connect %s: %w", srv.name, err)
}

// attempt dials with dial and then performs the MCP handshake and tool
// discovery, keeping the health status in step.
func (h *Hub) attempt(ctx context.Context, srv *server, dial func(context.Context) error) error {
	h.health.UpdateServerStatus(srv.name, health.StatusConnecting, nil)

	if err := dial(ctx); err != nil {
		h.health.UpdateServerStatus(srv.name, health.StatusError, err)
		return err
	}
	if err := h.setup(ctx, srv); err != nil {
		h.health.UpdateServerStatus(srv.name, health.StatusError, err)
		return err
	}

	h.health.UpdateServerStatus(srv.name, health.StatusConnected, nil)
	h.sched.Reset(srv.name)
	return nil
}

// setup initializes the MCP session and loads the tool list.
func (h *Hub) setup(ctx context.Context, srv *server) error {
	srv.setupMu.Lock()
	defer srv.setupMu.Unlock()

	ctx, cancel := context.WithTimeout(ctx, setupTimeout)
	defer cancel()

	info, err := srv.client.Initialize(ctx)
	if err != nil {
		return err
	}
	h.health.SetCapabilities(srv.name, info.CapabilityNames())

	return h.loadTools(ctx, srv)
}

// loadTools lists the server's tools and replaces them in the catalog.
func (h *Hub) loadTools(ctx context.Context, srv *server) error {
	defs, err := srv.client.ListTools(ctx)
	if err != nil {
		return err
	}

	tools := catalog.FromDefinitions(srv.name, defs, srv.cfg.Tools)
	h.perf.Annotate(tools)
	h.catalog.SetServerTools(srv.name, tools)
	h.health.UpdateToolCount(srv.name, len(tools))
	h.rebuild(srv.name)

	h.logger.Info("MCP server tools loaded", "mcp_server", srv.name, "tools", len(tools))
	return nil
}

// goRefreshTools reloads srv's tools in the background. The client
// calls it from the transport's read path, which must stay free to
// deliver the tools/list reply.
func (h *Hub) goRefreshTools(srv *server) {
	h.mu.RLock()
	closed := h.closed
	if !closed {
		h.wg.Add(1)
	}
	h.mu.RUnlock()
	if closed {
		return
	}

	go func() {
		defer h.wg.Done()
		ctx, cancel := context.WithTimeout(h.ctx, setupTimeout)
		defer cancel()

		if err := h.loadTools(ctx, srv); err != nil {
			h.logger.Warn("MCP tool refresh failed", "mcp_server", srv.name, "error", err)
		}
	}()
}

// handleEvent maps transport events onto health and catalog state.
func (h *Hub) handleEvent(srv *server, ev mcp.Event) {
	switch ev.Kind {
	case mcp.EventConnect:
		h.logger.Debug("MCP transport connected", "mcp_server", srv.name)
	case mcp.EventMessage:
		h.health.Touch(srv.name)
	case mcp.EventError:
		h.health.UpdateServerStatus(srv.name, health.StatusError, ev.Err)
	case mcp.EventDisconnect:
		if hs, ok := h.health.ServerHealth(srv.name); ok && hs.Status != health.StatusError {
			h.health.UpdateServerStatus(srv.name, health.StatusDisconnected, nil)
		}
		if h.catalog.SetServerAvailable(srv.name, false) {
			h.rebuild(srv.name)
		}
	}
}

// rebuild reindexes the whole catalog and announces the change.
func (h *Hub) rebuild(serverName string) {
	tools := h.catalog.All()
	h.index.BuildIndex(tools)
	events.Emit(h.bus, events.SourceHub, events.KindToolsChanged, map[string]any{
		"server": serverName,
		"tools":  len(tools),
	})
}

func (h *Hub) pingLoop() {
	defer h.wg.Done()
	ticker := time.NewTicker(h.pingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-h.ctx.Done():
			return
		case <-ticker.C:
			h.pingAll()
		}
	}
}

// pingAll pings every connected server. Latency and failures reach the
// health monitor through the client's request hooks.
func (h *Hub) pingAll() {
	h.mu.RLock()
	servers := h.listLocked()
	h.mu.RUnlock()

	for _, srv := range servers {
		if !srv.transport.Connected() {
			continue
		}
		ctx, cancel := context.WithTimeout(h.ctx, pingTimeout)
		err := srv.client.Ping(ctx)
		cancel()
		if err != nil {
			h.logger.Debug("MCP keepalive ping failed", "mcp_server", srv.name, "error", err)
		}
	}
}

// CallTool executes a catalog tool and records the execution with the
// performance monitor.
func (h *Hub) CallTool(ctx context.Context, toolID string, args map[string]any) (string, error) {
	tool, ok := h.catalog.Lookup(toolID)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTool, toolID)
	}
	if !tool.Available() {
		return "", fmt.Errorf("%w: %s", ErrToolUnavailable, toolID)
	}

	var call func() (string, error)
	switch {
	case tool.Source.Type == catalog.SourceBuiltin && tool.Handler != nil:
		call = func() (string, error) { return tool.Handler(ctx, args) }
	default:
		srv, err := h.server(tool.Source.ID)
		if err != nil {
			return "", err
		}
		call = func() (string, error) { return srv.client.CallTool(ctx, tool.Name, args) }
	}

	start := time.Now()
	out, err := call()
	res := perf.Result{Duration: time.Since(start), Success: err == nil}
	if err != nil {
		res.Error = err.Error()
	}
	h.perf.RecordExecution(tool, res)
	return out, err
}

// RestorePerformance seeds tool metrics from persisted executions and
// writes them back onto cataloged tools. No events are published.
func (h *Hub) RestorePerformance(execs []perf.Execution) {
	h.perf.Restore(execs)
	h.perf.Annotate(h.catalog.All())
}

func (h *Hub) server(name string) (*server, error) {
	h.mu.RLock()
	defer h.mu.RUnlock()
	srv, ok := h.servers[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownServer, name)
	}
	return srv, nil
}

func (h *Hub) listLocked() []*server {
	out := make([]*server, 0, len(h.order))
	for _, name := range h.order {
		out = append(out, h.servers[name])
	}
	return out
}

// teardown detaches and closes srv's client and transport.
func (h *Hub) teardown(ctx context.Context, srv *server) {
	h.sched.Cancel(srv.name)

	var err error
	if c, ok := srv.transport.(io.Closer); ok {
		err = c.Close()
	} else {
		err = srv.transport.Disconnect(ctx)
	}
	if err != nil {
		h.logger.Debug("MCP transport close failed", "mcp_server", srv.name, "error", err)
	}

	if srv.unsub != nil {
		srv.unsub()
	}
	srv.client.Close()
}

// Shutdown disconnects every server, stops all background work, and
// clears the monitors. Safe to call more than once and on a nil hub.
func (h *Hub) Shutdown(ctx context.Context) {
	if h == nil {
		return
	}
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	servers := h.listLocked()
	h.mu.Unlock()

	h.cancel()
	h.sched.Stop()
	for _, srv := range servers {
		h.teardown(ctx, srv)
	}
	h.wg.Wait()

	h.perf.Shutdown()
	h.health.Shutdown()
	h.logger.Info("MCP hub stopped", "servers", len(servers))
}

// reconnector routes a transport's self-initiated reconnects through
// the hub so a restored channel is re-initialized before it is marked
// connected.
type reconnector struct {
	hub *Hub
	srv *server
}

func (r *reconnector) Schedule(key string, fn func(ctx context.Context) error) bool {
	return r.hub.sched.Schedule(key, func(ctx context.Context) error {
		return r.hub.attempt(ctx, r.srv, fn)
	})
}

func (r *reconnector) Cancel(key string) {
	r.hub.sched.Cancel(key)
}
