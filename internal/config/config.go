// Package config handles mcplink configuration loading.
package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/health"
	"github.com/nugget/mcplink/internal/mcp"
	"github.com/nugget/mcplink/internal/perf"
)

// DefaultSearchPaths returns the config file search order.
// An explicit path (from -config flag) is checked first.
// Then: ./config.yaml, ~/.config/mcplink/config.yaml, /etc/mcplink/config.yaml.
func DefaultSearchPaths() []string {
	paths := []string{"config.yaml"}

	if home, err := os.UserHomeDir(); err == nil {
		paths = append(paths, filepath.Join(home, ".config", "mcplink", "config.yaml"))
	}

	paths = append(paths, "/etc/mcplink/config.yaml")
	return paths
}

// FindConfig locates a config file. If explicit is non-empty, it must exist.
// Otherwise, searches DefaultSearchPaths and returns the first that exists.
// Returns the path found, or an error if nothing was found.
func FindConfig(explicit string) (string, error) {
	if explicit != "" {
		if _, err := os.Stat(explicit); err != nil {
			return "", fmt.Errorf("config file not found: %s", explicit)
		}
		return explicit, nil
	}

	for _, p := range DefaultSearchPaths() {
		if _, err := os.Stat(p); err == nil {
			return p, nil
		}
	}

	return "", fmt.Errorf("no config file found (searched: %v)", DefaultSearchPaths())
}

// Config holds all mcplink configuration.
type Config struct {
	LogLevel  string `yaml:"log_level"`
	LogFormat string `yaml:"log_format"` // text (default) or json
	DataDir   string `yaml:"data_dir"`

	Listen      ListenConfig      `yaml:"listen"`
	Health      HealthConfig      `yaml:"health"`
	Performance PerformanceConfig `yaml:"performance"`
	Reconnect   ReconnectConfig   `yaml:"reconnect"`
	MQTT        MQTTConfig        `yaml:"mqtt"`

	// PingInterval is the keepalive ping to every connected server
	// (default 30s). It must stay below each server's stale_after, or an
	// idle server is demoted to error. Zero disables it.
	PingInterval time.Duration `yaml:"ping_interval"`

	Servers []ServerConfig `yaml:"servers"`
}

// ListenConfig defines the status API server settings. A zero Port
// disables the API.
type ListenConfig struct {
	Address string `yaml:"address"` // Bind address (default: "" = all interfaces)
	Port    int    `yaml:"port"`
}

// Addr returns the host:port the status API binds to.
func (l ListenConfig) Addr() string {
	return fmt.Sprintf("%s:%d", l.Address, l.Port)
}

// HealthConfig holds the defaults applied to every server's health check.
type HealthConfig struct {
	CheckInterval time.Duration `yaml:"check_interval"`
	StaleAfter    time.Duration `yaml:"stale_after"`
}

// PerformanceConfig configures tool performance tracking.
type PerformanceConfig struct {
	Thresholds    perf.Thresholds `yaml:"thresholds"`
	SweepInterval time.Duration   `yaml:"sweep_interval"`

	// Persist stores every execution in data_dir/performance.db and
	// restores the most recent history on start.
	Persist bool `yaml:"persist"`

	// Retention bounds how long persisted executions are kept. Zero
	// keeps them forever.
	Retention time.Duration `yaml:"retention"`
}

// ReconnectConfig shapes retries for push and socket servers.
type ReconnectConfig struct {
	InitialDelay   time.Duration `yaml:"initial_delay"`
	MaxDelay       time.Duration `yaml:"max_delay"`
	Multiplier     float64       `yaml:"multiplier"`
	MaxRetries     int           `yaml:"max_retries"`
	AttemptTimeout time.Duration `yaml:"attempt_timeout"`
}

// Backoff converts the section into a connwatch schedule. Unset fields
// keep connwatch defaults.
func (r ReconnectConfig) Backoff() connwatch.BackoffConfig {
	return connwatch.BackoffConfig{
		InitialDelay:   r.InitialDelay,
		MaxDelay:       r.MaxDelay,
		Multiplier:     r.Multiplier,
		MaxRetries:     r.MaxRetries,
		AttemptTimeout: r.AttemptTimeout,
	}
}

// MQTTConfig configures the optional Home Assistant MQTT publisher.
// The publisher is enabled when Broker is set.
type MQTTConfig struct {
	Broker          string        `yaml:"broker"` // mqtt://, mqtts://, tcp:// or ssl:// URL
	Username        string        `yaml:"username"`
	Password        string        `yaml:"password"`
	DeviceName      string        `yaml:"device_name"`
	DiscoveryPrefix string        `yaml:"discovery_prefix"`
	PublishInterval time.Duration `yaml:"publish_interval"`
}

// Configured reports whether an MQTT broker is set.
func (m MQTTConfig) Configured() bool {
	return m.Broker != ""
}

// ServerConfig describes one MCP server.
type ServerConfig struct {
	Name string `yaml:"name"`

	// Type is the transport: process (stdio), push (sse, http) or
	// socket (websocket, ws).
	Type string `yaml:"transport"`

	Command string            `yaml:"command"`
	Args    []string          `yaml:"args"`
	Env     []string          `yaml:"env"`
	Dir     string            `yaml:"dir"`
	URL     string            `yaml:"url"`
	Headers map[string]string `yaml:"headers"`

	// UserAgent overrides the User-Agent sent to push and socket servers.
	UserAgent string `yaml:"user_agent"`

	ConnectTimeout    time.Duration `yaml:"connect_timeout"`
	HeartbeatInterval time.Duration `yaml:"heartbeat_interval"`
	HeartbeatTimeout  time.Duration `yaml:"heartbeat_timeout"`

	IncludeTools []string `yaml:"include_tools"`
	ExcludeTools []string `yaml:"exclude_tools"`
	Category     string   `yaml:"category"`
	Tags         []string `yaml:"tags"`

	// Health overrides the global health section for this server.
	Health HealthConfig `yaml:"health"`
}

// TransportConfig converts the entry into a transport configuration.
// Type aliases are resolved; an unknown type is passed through so
// validation can name it.
func (s ServerConfig) TransportConfig() mcp.TransportConfig {
	typ, ok := mcp.ParseTransportType(s.Type)
	if !ok {
		typ = mcp.TransportType(s.Type)
	}
	return mcp.TransportConfig{
		Name:              s.Name,
		Type:              typ,
		Command:           s.Command,
		Args:              s.Args,
		Env:               s.Env,
		Dir:               s.Dir,
		URL:               s.URL,
		Headers:           s.Headers,
		UserAgent:         s.UserAgent,
		ConnectTimeout:    s.ConnectTimeout,
		HeartbeatInterval: s.HeartbeatInterval,
		HeartbeatTimeout:  s.HeartbeatTimeout,
	}
}

// ToolOptions converts the tool filters into catalog options. A
// configured category is used as both id and display name.
func (s ServerConfig) ToolOptions() catalog.ServerOptions {
	opts := catalog.ServerOptions{
		Tags:    s.Tags,
		Include: s.IncludeTools,
		Exclude: s.ExcludeTools,
	}
	if s.Category != "" {
		opts.Category = catalog.Category{
			ID:   strings.ToLower(strings.TrimSpace(s.Category)),
			Name: s.Category,
		}
	}
	return opts
}

// HealthOptions returns the per-server health settings.
func (s ServerConfig) HealthOptions() health.Config {
	return health.Config{
		HealthCheckInterval: s.Health.CheckInterval,
		StaleAfter:          s.Health.StaleAfter,
	}
}

// Load reads configuration from a YAML file, applies defaults and
// validates the result.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	// Expand environment variables
	expanded := os.ExpandEnv(string(data))

	cfg := Default()
	if err := yaml.Unmarshal([]byte(expanded), cfg); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}

	cfg.applyDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config %s: %w", path, err)
	}

	return cfg, nil
}

// Default returns a default configuration.
func Default() *Config {
	return &Config{
		LogLevel:     "info",
		LogFormat:    LogFormatText,
		DataDir:      "./db",
		Listen:       ListenConfig{Port: 8090},
		PingInterval: health.DefaultPingInterval,
		Health: HealthConfig{
			CheckInterval: health.DefaultCheckInterval,
			StaleAfter:    health.DefaultStaleAfter,
		},
		Performance: PerformanceConfig{
			Thresholds:    perf.DefaultThresholds(),
			SweepInterval: perf.DefaultSweepInterval,
		},
	}
}

// applyDefaults fills per-server settings from the global sections and
// MQTT defaults.
func (c *Config) applyDefaults() {
	for i := range c.Servers {
		s := &c.Servers[i]
		if s.Health.CheckInterval <= 0 {
			s.Health.CheckInterval = c.Health.CheckInterval
		}
		if s.Health.StaleAfter <= 0 {
			s.Health.StaleAfter = c.Health.StaleAfter
		}
	}

	if c.MQTT.Configured() {
		if c.MQTT.DeviceName == "" {
			c.MQTT.DeviceName = "mcplink"
		}
		if c.MQTT.DiscoveryPrefix == "" {
			c.MQTT.DiscoveryPrefix = "homeassistant"
		}
		if c.MQTT.PublishInterval <= 0 {
			c.MQTT.PublishInterval = 60 * time.Second
		}
	}
}

// Validate checks the configuration without touching the network.
// Every server problem is reported, not just the first.
func (c *Config) Validate() error {
	if _, err := ParseLogLevel(c.LogLevel); err != nil {
		return err
	}
	if _, err := ParseLogFormat(c.LogFormat); err != nil {
		return fmt.Errorf("log_format: %w", err)
	}
	if c.Listen.Port < 0 || c.Listen.Port > 65535 {
		return fmt.Errorf("listen.port %d out of range", c.Listen.Port)
	}
	if c.Performance.Persist && c.DataDir == "" {
		return errors.New("performance.persist requires data_dir")
	}
	if c.MQTT.Configured() && c.DataDir == "" {
		return errors.New("mqtt requires data_dir for the device instance id")
	}
	if t := c.Performance.Thresholds; t.MinSuccessRate < 0 || t.MinSuccessRate > 100 {
		return fmt.Errorf("performance.thresholds.min_success_rate %v out of range 0-100", t.MinSuccessRate)
	}

	var errs []error
	seen := make(map[string]bool, len(c.Servers))
	for i, s := range c.Servers {
		if s.Name == "" {
			errs = append(errs, fmt.Errorf("servers[%d]: name is required", i))
			continue
		}
		if seen[s.Name] {
			errs = append(errs, fmt.Errorf("servers[%d]: duplicate name %q", i, s.Name))
			continue
		}
		seen[s.Name] = true
		if err := mcp.ValidateConfig(s.TransportConfig()); err != nil {
			errs = append(errs, fmt.Errorf("servers[%d] %q: %w", i, s.Name, err))
		}
		if stale := s.Health.StaleAfter; c.PingInterval > 0 && stale > 0 && c.PingInterval >= stale {
			errs = append(errs, fmt.Errorf("servers[%d] %q: ping_interval %v must be shorter than stale_after %v",
				i, s.Name, c.PingInterval, stale))
		}
	}
	return errors.Join(errs...)
}
