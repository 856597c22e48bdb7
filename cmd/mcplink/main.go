// mcplink connects to a set of MCP servers over process, push and socket
// transports, keeps them healthy, and serves their aggregate tool catalog.
//
// It exposes a status API, an optional Home Assistant MQTT device, and a
// CLI for one-shot checks. Configuration is loaded from a single YAML
// file discovered automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	mcplink serve              Connect every server and serve the status API
//	mcplink check              Connect once and report server health
//	mcplink tools [query]      List or search the aggregate tool catalog
//	mcplink version            Print version and build information
//	mcplink -o json check      Output the health report as JSON
package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/mcplink/internal/buildinfo"
	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/hub"
	"github.com/nugget/mcplink/internal/mqtt"
	"github.com/nugget/mcplink/internal/perf"
	"github.com/nugget/mcplink/internal/statusapi"
)

const (
	// checkTimeout bounds the connect phase of check and tools.
	checkTimeout = 45 * time.Second

	// shutdownTimeout bounds graceful shutdown of every component.
	shutdownTimeout = 10 * time.Second

	// perfDBName is the execution history file under data_dir.
	perfDBName = "performance.db"
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the mcplink command. ctx controls the
// lifetime of the process; stdout and stderr receive all output; args
// is os.Args[1:]. Arguments are parsed by hand because the flag
// package's globals interfere with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, configPath)
	case "check":
		return runCheck(ctx, stdout, stderr, configPath, outputFmt)
	case "tools":
		return runTools(ctx, stdout, stderr, configPath, outputFmt, strings.Join(cmdArgs, " "))
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.Info()
	if outputFmt == "json" {
		return writeJSON(w, info)
	}
	fmt.Fprintln(w, buildinfo.String())
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "mcplink - MCP connection hub")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: mcplink [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve           Connect every server and serve the status API")
	fmt.Fprintln(w, "  check           Connect once and report server health")
	fmt.Fprintln(w, "  tools [query]   List or search the tool catalog")
	fmt.Fprintln(w, "  version         Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  "+strings.Join(config.DefaultSearchPaths(), ", "))
	return nil
}

func writeJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

// runServe connects every configured server and runs until ctx is
// cancelled or SIGINT/SIGTERM arrives.
func runServe(ctx context.Context, stdout io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting mcplink", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Validated by config.Load, so the error is unreachable.
	level, _ := config.ParseLogLevel(cfg.LogLevel)
	logger = newLogger(stdout, level, cfg.LogFormat)

	logger.Info("config loaded",
		"path", cfgPath,
		"servers", len(cfg.Servers),
		"port", cfg.Listen.Port,
	)

	// --- Performance history ---
	var store *perf.Store
	if cfg.Performance.Persist {
		if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
			return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
		}
		store, err = perf.NewStore(filepath.Join(cfg.DataDir, perfDBName))
		if err != nil {
			return fmt.Errorf("open performance store: %w", err)
		}
		defer store.Close()
	}

	// The MQTT device identifier must survive restarts.
	var instanceID string
	if cfg.MQTT.Configured() {
		instanceID, err = mqtt.LoadOrCreateInstanceID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load mqtt instance id: %w", err)
		}
		logger.Info("mqtt instance ID loaded", "instance_id", instanceID)
	}

	// --- Hub ---
	hubCfg := hubConfig(cfg, logger)
	if store != nil {
		hubCfg.Recorder = store
	}
	h, err := hub.New(hubCfg)
	if err != nil {
		return err
	}

	if store != nil {
		restorePerformance(ctx, store, h, cfg.Performance.Retention, logger)
	}

	// --- Signal handling and graceful shutdown ---
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := h.Start(ctx); err != nil && ctx.Err() == nil {
		h.Shutdown(context.Background())
		return fmt.Errorf("start hub: %w", err)
	}

	// --- Status API ---
	var api *statusapi.Server
	apiErr := make(chan error, 1)
	if cfg.Listen.Port > 0 {
		api = statusapi.NewServer(cfg.Listen.Address, cfg.Listen.Port, h, logger)
		go func() {
			if err := api.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				apiErr <- err
			}
		}()
	} else {
		logger.Info("status API disabled (listen.port is 0)")
	}

	// --- MQTT publisher ---
	var mqttPub *mqtt.Publisher
	if cfg.MQTT.Configured() {
		mqttPub = mqtt.New(cfg.MQTT, instanceID, &mqttStatsAdapter{hub: h}, logger)
		mqttPub.SetRetryHandler(h.Retry)
		unsub := h.Bus().Subscribe(mqttPub.HandleEvent)
		defer unsub()

		go func() {
			if err := mqttPub.Start(ctx); err != nil {
				logger.Error("mqtt publisher failed", "error", err)
			}
		}()

		logger.Info("mqtt publishing enabled",
			"broker", cfg.MQTT.Broker,
			"device_name", cfg.MQTT.DeviceName,
			"interval", cfg.MQTT.PublishInterval,
		)
	} else {
		logger.Info("mqtt publishing disabled (not configured)")
	}

	var runErr error
	select {
	case <-ctx.Done():
		logger.Info("shutdown signal received")
	case runErr = <-apiErr:
		logger.Error("status API failed", "error", runErr)
		runErr = fmt.Errorf("status API: %w", runErr)
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()

	// Publish MQTT offline status before disconnecting.
	if mqttPub != nil {
		if err := mqttPub.Stop(shutdownCtx); err != nil {
			logger.Error("mqtt shutdown failed", "error", err)
		}
	}
	if api != nil {
		if err := api.Shutdown(shutdownCtx); err != nil {
			logger.Error("status API shutdown failed", "error", err)
		}
	}
	h.Shutdown(shutdownCtx)

	logger.Info("mcplink stopped")
	return runErr
}

// restorePerformance prunes executions older than retention and seeds
// the hub with the most recent history.
func restorePerformance(ctx context.Context, store *perf.Store, h *hub.Hub, retention time.Duration, logger *slog.Logger) {
	if retention > 0 {
		n, err := store.Prune(ctx, time.Now().Add(-retention))
		if err != nil {
			logger.Warn("performance history prune failed", "error", err)
		} else if n > 0 {
			logger.Info("performance history pruned", "rows", n, "retention", retention)
		}
	}

	execs, err := store.Recent(ctx, perf.HistorySize)
	if err != nil {
		logger.Warn("performance history restore failed", "error", err)
		return
	}
	h.RestorePerformance(execs)
	logger.Info("performance history restored", "executions", len(execs))
}

// connectOnce builds a hub from the config and connects every server
// once. Logs go to stderr at warn level so stdout carries only the
// command output.
func connectOnce(ctx context.Context, stderr io.Writer, configPath string) (*hub.Hub, error) {
	cfg, _, err := loadConfig(configPath)
	if err != nil {
		return nil, err
	}
	logger := newLogger(stderr, slog.LevelWarn, cfg.LogFormat)

	hubCfg := hubConfig(cfg, logger)
	hubCfg.PingInterval = 0
	h, err := hub.New(hubCfg)
	if err != nil {
		return nil, err
	}

	connectCtx, cancel := context.WithTimeout(ctx, checkTimeout)
	defer cancel()
	if err := h.Start(connectCtx); err != nil {
		h.Shutdown(context.Background())
		return nil, fmt.Errorf("connect servers: %w", err)
	}
	return h, nil
}

// runCheck connects every server once and prints a health summary. It
// fails when any server is not connected.
func runCheck(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := connectOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Shutdown(context.Background())

	servers := h.Servers()
	if outputFmt == "json" {
		if err := writeJSON(stdout, map[string]any{
			"report":  h.Report(),
			"servers": servers,
		}); err != nil {
			return err
		}
	} else {
		for _, v := range servers {
			line := fmt.Sprintf("%-20s %-10s %-12s score=%-3d tools=%d",
				v.Name, v.Transport, v.Health.Status, v.Metrics.Score, v.ToolCount)
			if v.Health.LastError != "" {
				line += "  error: " + v.Health.LastError
			}
			fmt.Fprintln(stdout, line)
		}
	}

	failed := 0
	for _, v := range servers {
		if !v.Connected {
			failed++
		}
	}
	if failed > 0 {
		return fmt.Errorf("%d of %d servers not connected", failed, len(servers))
	}
	return nil
}

// runTools lists the catalog, or searches it when query is non-empty.
func runTools(ctx context.Context, stdout, stderr io.Writer, configPath, outputFmt, query string) error {
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	h, err := connectOnce(ctx, stderr, configPath)
	if err != nil {
		return err
	}
	defer h.Shutdown(context.Background())

	matches := h.SearchTools(hub.Query{Text: query})
	if outputFmt == "json" {
		out := make([]statusapi.ToolResult, len(matches))
		for i, m := range matches {
			out[i] = statusapi.ToolResult{View: m.Tool.View(), Score: m.Score}
		}
		return writeJSON(stdout, out)
	}

	for _, m := range matches {
		t := m.Tool
		state := "available"
		if !t.Available() {
			state = "unavailable"
		}
		fmt.Fprintf(stdout, "%-40s %-12s %s\n", t.ID, state, firstLine(t.Description))
	}
	return nil
}

func firstLine(s string) string {
	if i := strings.IndexByte(s, '\n'); i >= 0 {
		return s[:i]
	}
	return s
}

// hubConfig translates the file configuration into hub settings.
func hubConfig(cfg *config.Config, logger *slog.Logger) hub.Config {
	servers := make([]hub.ServerConfig, 0, len(cfg.Servers))
	for _, s := range cfg.Servers {
		tc := s.TransportConfig()
		tc.Logger = logger
		opts := s.ToolOptions()
		opts.Logger = logger
		servers = append(servers, hub.ServerConfig{
			Transport: tc,
			Tools:     opts,
			Health:    s.HealthOptions(),
		})
	}
	return hub.Config{
		Servers:       servers,
		Backoff:       cfg.Reconnect.Backoff(),
		Thresholds:    cfg.Performance.Thresholds,
		SweepInterval: cfg.Performance.SweepInterval,
		PingInterval:  cfg.PingInterval,
		Logger:        logger,
	}
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Unknown formats fall back to text.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if f, _ := config.ParseLogFormat(format); f == config.LogFormatJSON {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}

// mqttStatsAdapter bridges the hub and build info to the MQTT
// publisher's [mqtt.StatsSource] interface.
type mqttStatsAdapter struct {
	hub *hub.Hub
}

func (a *mqttStatsAdapter) Snapshot() mqtt.Snapshot {
	report := a.hub.Report()
	views := a.hub.Servers()

	servers := make([]mqtt.ServerState, len(views))
	for i, v := range views {
		servers[i] = mqtt.ServerState{
			Name:           v.Name,
			Status:         string(v.Health.Status),
			HealthScore:    v.Metrics.Score,
			ResponseTimeMS: v.Health.ResponseTime,
			ToolCount:      v.ToolCount,
		}
	}
	return mqtt.Snapshot{
		Uptime:           buildinfo.Uptime(),
		Version:          buildinfo.Version,
		ConnectedServers: report.ConnectedServers,
		TotalTools:       report.TotalTools,
		Servers:          servers,
	}
}
