package config

import (
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/health"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/perf"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0600); err != nil {
		t.Fatal(err)
	}
	return path
}

func TestFindConfig_Explicit(t *testing.T) {
	path := writeConfig(t, "listen:\n  port: 9999\n")

	got, err := FindConfig(path)
	if err != nil {
		t.Fatalf("FindConfig(%q) error: %v", path, err)
	}
	if got != path {
		t.Errorf("FindConfig(%q) = %q, want %q", path, got, path)
	}
}

func TestFindConfig_ExplicitMissing(t *testing.T) {
	_, err := FindConfig("/nonexistent/config.yaml")
	if err == nil {
		t.Fatal("FindConfig with missing explicit path should error")
	}
}

func TestFindConfig_CWD(t *testing.T) {
	dir := t.TempDir()
	if err := os.WriteFile(filepath.Join(dir, "config.yaml"), []byte("listen:\n  port: 8080\n"), 0600); err != nil {
		t.Fatal(err)
	}
	t.Chdir(dir)

	got, err := FindConfig("")
	if err != nil {
		t.Fatalf("FindConfig(\"\") error: %v", err)
	}
	if got != "config.yaml" {
		t.Errorf("FindConfig(\"\") = %q, want %q", got, "config.yaml")
	}
}

func TestDefaultSearchPaths(t *testing.T) {
	paths := DefaultSearchPaths()
	if paths[0] != "config.yaml" {
		t.Errorf("first path = %q, want config.yaml", paths[0])
	}
	if last := paths[len(paths)-1]; last != "/etc/mcplink/config.yaml" {
		t.Errorf("last path = %q", last)
	}
}

func TestLoad_Full(t *testing.T) {
	path := writeConfig(t, `
log_level: debug
data_dir: /var/lib/mcplink
listen:
  port: 9000
health:
  check_interval: 10s
  stale_after: 1m
performance:
  thresholds:
    max_average_time: 2s
    min_success_rate: 90
  persist: true
reconnect:
  initial_delay: 1s
  max_delay: 30s
ping_interval: 45s
servers:
  - name: files
    transport: stdio
    command: mcp-files
    args: ["--root", "/srv"]
    include_tools: [read_file]
    category: Files
    tags: [fs]
    health:
      stale_after: 5m
  - name: search
    transport: sse
    url: https://search.example.com/mcp
    headers:
      Authorization: Bearer abc
  - name: live
    transport: websocket
    url: ws://localhost:9100/mcp
    heartbeat_interval: 15s
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load: %v", err)
	}

	if cfg.LogLevel != "debug" || cfg.Listen.Port != 9000 || cfg.PingInterval != 45*time.Second {
		t.Errorf("top level = %+v", cfg)
	}
	if cfg.Performance.Thresholds.MaxAverageTime != 2*time.Second || cfg.Performance.Thresholds.MinSuccessRate != 90 {
		t.Errorf("thresholds = %+v", cfg.Performance.Thresholds)
	}
	if cfg.Performance.SweepInterval != perf.DefaultSweepInterval {
		t.Errorf("sweep interval = %v, want default", cfg.Performance.SweepInterval)
	}
	if b := cfg.Reconnect.Backoff(); b.InitialDelay != time.Second || b.MaxDelay != 30*time.Second {
		t.Errorf("backoff = %+v", b)
	}
	if len(cfg.Servers) != 3 {
		t.Fatalf("servers = %d, want 3", len(cfg.Servers))
	}

	files := cfg.Servers[0]
	tc := files.TransportConfig()
	if tc.Type != mcp.TransportProcess || tc.Command != "mcp-files" || len(tc.Args) != 2 {
		t.Errorf("files transport = %+v", tc)
	}
	opts := files.ToolOptions()
	if opts.Category != (catalog.Category{ID: "files", Name: "Files"}) {
		t.Errorf("category = %+v", opts.Category)
	}
	if len(opts.Include) != 1 || opts.Include[0] != "read_file" {
		t.Errorf("include = %v", opts.Include)
	}
	if h := files.HealthOptions(); h.HealthCheckInterval != 10*time.Second || h.StaleAfter != 5*time.Minute {
		t.Errorf("files health = %+v (global interval, own stale_after)", h)
	}

	search := cfg.Servers[1].TransportConfig()
	if search.Type != mcp.TransportPush || search.Headers["Authorization"] != "Bearer abc" {
		t.Errorf("search transport = %+v", search)
	}
	if h := cfg.Servers[1].HealthOptions(); h.StaleAfter != time.Minute {
		t.Errorf("search stale_after = %v, want global 1m", h.StaleAfter)
	}

	live := cfg.Servers[2].TransportConfig()
	if live.Type != mcp.TransportSocket || live.HeartbeatInterval != 15*time.Second {
		t.Errorf("live transport = %+v", live)
	}
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "servers: []\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Listen.Port != 8090 {
		t.Errorf("port = %d, want 8090", cfg.Listen.Port)
	}
	if cfg.Health.CheckInterval != health.DefaultCheckInterval {
		t.Errorf("check interval = %v", cfg.Health.CheckInterval)
	}
	if cfg.PingInterval != health.DefaultPingInterval || cfg.PingInterval >= cfg.Health.StaleAfter {
		t.Errorf("ping interval = %v, want %v below stale_after %v",
			cfg.PingInterval, health.DefaultPingInterval, cfg.Health.StaleAfter)
	}
	if cfg.Performance.Thresholds != perf.DefaultThresholds() {
		t.Errorf("thresholds = %+v", cfg.Performance.Thresholds)
	}
	if cfg.MQTT.Configured() {
		t.Error("mqtt should be disabled without a broker")
	}
}

func TestLoad_MQTTDefaults(t *testing.T) {
	cfg, err := Load(writeConfig(t, "mqtt:\n  broker: mqtt://broker:1883\n"))
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	m := cfg.MQTT
	if m.DeviceName != "mcplink" || m.DiscoveryPrefix != "homeassistant" || m.PublishInterval != time.Minute {
		t.Errorf("mqtt = %+v", m)
	}
}

func TestLoad_ExpandsEnvVars(t *testing.T) {
	t.Setenv("MCPLINK_TEST_TOKEN", "secret123")
	path := writeConfig(t, `
servers:
  - name: api
    transport: push
    url: https://api.example.com/mcp
    user_agent: mcplink-ci/2.0
    headers:
      Authorization: Bearer ${MCPLINK_TEST_TOKEN}
`)

	cfg, err := Load(path)
	if err != nil {
		t.Fatalf("Load error: %v", err)
	}
	if got := cfg.Servers[0].Headers["Authorization"]; got != "Bearer secret123" {
		t.Errorf("header = %q, want %q", got, "Bearer secret123")
	}
	if got := cfg.Servers[0].TransportConfig().UserAgent; got != "mcplink-ci/2.0" {
		t.Errorf("user agent = %q, want mcplink-ci/2.0", got)
	}
}

func TestLoad_Invalid(t *testing.T) {
	tests := []struct {
		name string
		body string
		want string
	}{
		{
			name: "bad log level",
			body: "log_level: loud\n",
			want: "unknown log level",
		},
		{
			name: "bad log format",
			body: "log_format: xml\n",
			want: "log_format",
		},
		{
			name: "missing name",
			body: "servers:\n  - transport: stdio\n    command: x\n",
			want: "name is required",
		},
		{
			name: "duplicate name",
			body: "servers:\n  - {name: a, transport: stdio, command: x}\n  - {name: a, transport: stdio, command: y}\n",
			want: "duplicate name",
		},
		{
			name: "unknown transport",
			body: "servers:\n  - {name: a, transport: carrier-pigeon}\n",
			want: "unknown transport type",
		},
		{
			name: "push without url",
			body: "servers:\n  - {name: a, transport: push}\n",
			want: "url",
		},
		{
			name: "persist without data dir",
			body: "data_dir: \"\"\nperformance:\n  persist: true\n",
			want: "requires data_dir",
		},
		{
			name: "mqtt without data dir",
			body: "data_dir: \"\"\nmqtt:\n  broker: mqtt://localhost:1883\n",
			want: "mqtt requires data_dir",
		},
		{
			name: "ping slower than stale check",
			body: "ping_interval: 2m\nservers:\n  - {name: a, transport: stdio, command: x}\n",
			want: "must be shorter than stale_after",
		},
		{
			name: "success rate out of range",
			body: "performance:\n  thresholds:\n    min_success_rate: 140\n",
			want: "min_success_rate",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := Load(writeConfig(t, tt.body))
			if err == nil {
				t.Fatal("Load should fail")
			}
			if !strings.Contains(err.Error(), tt.want) {
				t.Errorf("error = %q, want it to contain %q", err, tt.want)
			}
		})
	}
}

func TestValidate_ReportsEveryServer(t *testing.T) {
	cfg := Default()
	cfg.Servers = []ServerConfig{
		{Name: "a", Type: "process"},
		{Name: "b", Type: "socket", URL: "ftp://host"},
	}

	err := cfg.Validate()
	if err == nil {
		t.Fatal("Validate should fail")
	}
	var cfgErr *mcp.ConfigurationError
	if !errors.As(err, &cfgErr) {
		t.Errorf("error %v should wrap *mcp.ConfigurationError", err)
	}
	for _, name := range []string{`"a"`, `"b"`} {
		if !strings.Contains(err.Error(), name) {
			t.Errorf("error %q should mention server %s", err, name)
		}
	}
}
