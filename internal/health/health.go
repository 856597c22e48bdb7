// Package health tracks the liveness of connected MCP servers. Each
// monitored server has a status state machine, a smoothed response
// time, error and connection-attempt counters, and a periodic check
// that demotes a connected server which has gone silent.
//
// The monitor performs no network I/O. Transports and the hub feed it
// status changes and request timings; it publishes edge-triggered
// server:unhealthy and server:recovered events on the bus.
package health

import (
	"errors"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/events"
)

// Status is a server's connection state.
type Status string

// Server statuses.
const (
	StatusConnecting   Status = "connecting"
	StatusConnected    Status = "connected"
	StatusError        Status = "error"
	StatusDisconnected Status = "disconnected"
)

// Thresholds and defaults.
const (
	// DefaultCheckInterval is how often the periodic check runs when
	// Config.HealthCheckInterval is zero.
	DefaultCheckInterval = 30 * time.Second

	// DefaultStaleAfter is how long a connected server may stay silent
	// before the periodic check demotes it to error.
	DefaultStaleAfter = 120 * time.Second

	// DefaultPingInterval keeps an idle but healthy server well inside
	// DefaultStaleAfter.
	DefaultPingInterval = 30 * time.Second

	// UnhealthyErrorCount is the error count above which a server is
	// unhealthy.
	UnhealthyErrorCount = 10

	// UnhealthyResponseTimeMs is the smoothed response time above which
	// a server is unhealthy.
	UnhealthyResponseTimeMs = 30000

	// smoothing is the weight of a new response-time sample.
	smoothing = 0.2
)

// errStale is recorded when the periodic check demotes a silent server.
var errStale = errors.New("no activity from server")

// Config controls monitoring of one server.
type Config struct {
	// HealthCheckInterval is the period of the liveness check.
	HealthCheckInterval time.Duration

	// StaleAfter overrides DefaultStaleAfter.
	StaleAfter time.Duration
}

// ServerHealth is the health record of one server.
type ServerHealth struct {
	ServerID           string    `json:"server_id"`
	Status             Status    `json:"status"`
	LastSeen           time.Time `json:"last_seen"`
	ResponseTime       float64   `json:"response_time_ms"`
	ErrorCount         int       `json:"error_count"`
	ConnectionAttempts int       `json:"connection_attempts"`
	LastError          string    `json:"last_error,omitempty"`
	ToolCount          int       `json:"tool_count"`
	Capabilities       []string  `json:"capabilities,omitempty"`

	// Uptime is the wall-clock time of the last successful connect.
	Uptime time.Time `json:"uptime,omitzero"`

	// MonitoredSince and ConnectedDuration feed availability.
	// ConnectedDuration excludes the current connected span.
	MonitoredSince    time.Time     `json:"monitored_since"`
	ConnectedDuration time.Duration `json:"connected_duration"`
}

// IsUnhealthy reports whether h is unhealthy: status error or
// disconnected, more than UnhealthyErrorCount errors, or a smoothed
// response time above UnhealthyResponseTimeMs.
func IsUnhealthy(h ServerHealth) bool {
	return h.Status == StatusError ||
		h.Status == StatusDisconnected ||
		h.ErrorCount > UnhealthyErrorCount ||
		h.ResponseTime > UnhealthyResponseTimeMs
}

// Score computes the 0..100 health score of h.
func Score(h ServerHealth) int {
	score := 100
	score -= min(2*h.ErrorCount, 50)
	score -= responseTimePenalty(h.ResponseTime)
	if h.Status != StatusConnected {
		score -= 40
	}
	score -= min(5*h.ConnectionAttempts, 20)
	return max(score, 0)
}

// responseTimePenalty is the tiered response-time deduction.
func responseTimePenalty(ms float64) int {
	switch {
	case ms <= 1000:
		return 0
	case ms <= 2000:
		return 5
	case ms <= 5000:
		return 10
	case ms <= 10000:
		return 20
	default:
		return 30
	}
}

type record struct {
	health         ServerHealth
	cfg            Config
	hasSample      bool
	unhealthy      bool
	connectedSince time.Time
	timers         map[string]time.Time
	stop           chan struct{}
	done           chan struct{}
}

func (r *record) snapshot() ServerHealth {
	h := r.health
	h.Capabilities = slices.Clone(r.health.Capabilities)
	return h
}

// Monitor owns the health records of all monitored servers.
type Monitor struct {
	bus    *events.Bus[events.Event]
	logger *slog.Logger
	now    func() time.Time

	mu      sync.Mutex
	records map[string]*record
}

// NewMonitor creates a health monitor publishing on bus. A nil bus is
// allowed.
func NewMonitor(bus *events.Bus[events.Event], logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bus:     bus,
		logger:  logger,
		now:     time.Now,
		records: make(map[string]*record),
	}
}

// StartMonitoring creates the record for id in status connecting and
// starts its periodic check. Calling it for a monitored id restarts the
// check with the new config and keeps the record.
func (m *Monitor) StartMonitoring(id string, cfg Config) {
	if cfg.HealthCheckInterval <= 0 {
		cfg.HealthCheckInterval = DefaultCheckInterval
	}
	if cfg.StaleAfter <= 0 {
		cfg.StaleAfter = DefaultStaleAfter
	}

	m.mu.Lock()
	rec, ok := m.records[id]
	var oldStop, oldDone chan struct{}
	if ok {
		oldStop, oldDone = rec.stop, rec.done
	} else {
		now := m.now()
		rec = &record{
			health: ServerHealth{
				ServerID:       id,
				Status:         StatusConnecting,
				LastSeen:       now,
				MonitoredSince: now,
			},
			timers: make(map[string]time.Time),
		}
		m.records[id] = rec
	}
	rec.cfg = cfg
	rec.stop = make(chan struct{})
	rec.done = make(chan struct{})
	stop, done := rec.stop, rec.done
	m.mu.Unlock()

	if oldStop != nil {
		close(oldStop)
		<-oldDone
	}

	go m.runChecks(id, cfg.HealthCheckInterval, stop, done)

	m.logger.Debug("health monitoring started",
		"mcp_server", id,
		"interval", cfg.HealthCheckInterval.String(),
	)
}

func (m *Monitor) runChecks(id string, interval time.Duration, stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			m.check(id)
		}
	}
}

// check demotes a connected server that has been silent too long.
func (m *Monitor) check(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok || rec.health.Status != StatusConnected {
		m.mu.Unlock()
		return
	}
	silent := m.now().Sub(rec.health.LastSeen)
	if silent <= rec.cfg.StaleAfter {
		m.mu.Unlock()
		return
	}
	pending := m.setStatusLocked(rec, StatusError,
		fmt.Errorf("%w for %s", errStale, silent.Round(time.Second)))
	m.mu.Unlock()

	m.logger.Warn("MCP server silent, marking as error",
		"mcp_server", id,
		"silent_for", silent.Round(time.Second).String(),
	)
	m.publish(pending)
}

// StopMonitoring cancels the periodic check and deletes the record.
// Unknown ids are ignored.
func (m *Monitor) StopMonitoring(id string) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if ok {
		delete(m.records, id)
	}
	m.mu.Unlock()

	if !ok {
		return
	}
	close(rec.stop)
	<-rec.done
}

// Shutdown stops every periodic check and clears all records. Safe to
// call more than once and on a monitor that never monitored anything.
func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	m.mu.Lock()
	recs := m.records
	m.records = make(map[string]*record)
	m.mu.Unlock()

	for _, rec := range recs {
		close(rec.stop)
		<-rec.done
	}
}

// UpdateServerStatus records a status change. Entering connecting
// increments ConnectionAttempts; entering connected resets it and sets
// Uptime. A non-nil err increments ErrorCount and becomes LastError.
// Unknown ids are ignored.
func (m *Monitor) UpdateServerStatus(id string, status Status, err error) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	pending := m.setStatusLocked(rec, status, err)
	m.mu.Unlock()

	m.publish(pending)
}

// setStatusLocked applies a status update and returns the events to
// publish once the lock is released. Caller must hold m.mu.
func (m *Monitor) setStatusLocked(rec *record, status Status, err error) []events.Event {
	now := m.now()
	h := &rec.health
	prev := h.Status

	if prev == StatusConnected && status != StatusConnected && !rec.connectedSince.IsZero() {
		h.ConnectedDuration += now.Sub(rec.connectedSince)
		rec.connectedSince = time.Time{}
	}

	h.Status = status
	h.LastSeen = now

	switch status {
	case StatusConnecting:
		h.ConnectionAttempts++
	case StatusConnected:
		h.ConnectionAttempts = 0
		h.Uptime = now
		if rec.connectedSince.IsZero() {
			rec.connectedSince = now
		}
	}

	if err != nil {
		h.ErrorCount++
		h.LastError = err.Error()
	}

	var out []events.Event
	if prev != status {
		data := map[string]any{
			"server": h.ServerID,
			"from":   string(prev),
			"to":     string(status),
		}
		if err != nil {
			data["error"] = err.Error()
		}
		out = append(out, m.event(events.KindServerStatus, data))
	}
	return append(out, m.edgeLocked(rec)...)
}

// edgeLocked compares the unhealthy predicate with its last value and
// returns an event on a flip. Caller must hold m.mu.
func (m *Monitor) edgeLocked(rec *record) []events.Event {
	now := IsUnhealthy(rec.health)
	if now == rec.unhealthy {
		return nil
	}
	rec.unhealthy = now

	h := rec.health
	if now {
		m.logger.Warn("MCP server unhealthy",
			"mcp_server", h.ServerID,
			"status", h.Status,
			"error_count", h.ErrorCount,
			"response_time_ms", h.ResponseTime,
		)
		return []events.Event{m.event(events.KindServerUnhealthy, map[string]any{
			"server":           h.ServerID,
			"status":           string(h.Status),
			"error_count":      h.ErrorCount,
			"response_time_ms": h.ResponseTime,
		})}
	}

	m.logger.Info("MCP server recovered", "mcp_server", h.ServerID, "status", h.Status)
	return []events.Event{m.event(events.KindServerRecovered, map[string]any{
		"server": h.ServerID,
		"status": string(h.Status),
	})}
}

func (m *Monitor) event(kind string, data map[string]any) events.Event {
	return events.Event{
		Timestamp: m.now(),
		Source:    events.SourceHealth,
		Kind:      kind,
		Data:      data,
	}
}

func (m *Monitor) publish(evs []events.Event) {
	for _, e := range evs {
		m.bus.Publish(e)
	}
}

// RecordRequestStart starts a response timer for msgID.
func (m *Monitor) RecordRequestStart(id, msgID string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		rec.timers[msgID] = m.now()
	}
}

// RecordRequestEnd completes the timer for msgID and folds the elapsed
// time into the smoothed response time. The first sample is stored
// verbatim. A failed request also counts as an error. An unknown server
// or message id is a no-op.
func (m *Monitor) RecordRequestEnd(id, msgID string, success bool) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return
	}
	start, ok := rec.timers[msgID]
	if !ok {
		m.mu.Unlock()
		return
	}
	delete(rec.timers, msgID)

	now := m.now()
	sample := float64(now.Sub(start)) / float64(time.Millisecond)
	h := &rec.health
	if rec.hasSample {
		h.ResponseTime = h.ResponseTime*(1-smoothing) + sample*smoothing
	} else {
		h.ResponseTime = sample
		rec.hasSample = true
	}
	h.LastSeen = now
	if !success {
		h.ErrorCount++
	}
	pending := m.edgeLocked(rec)
	m.mu.Unlock()

	m.publish(pending)
}

// Touch records inbound activity from id.
func (m *Monitor) Touch(id string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		rec.health.LastSeen = m.now()
	}
}

// UpdateToolCount sets the number of tools id exposes.
func (m *Monitor) UpdateToolCount(id string, n int) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		rec.health.ToolCount = n
	}
}

// SetCapabilities records the capabilities id advertised.
func (m *Monitor) SetCapabilities(id string, caps []string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	if rec, ok := m.records[id]; ok {
		rec.health.Capabilities = slices.Clone(caps)
	}
}

// ServerHealth returns a copy of the record for id.
func (m *Monitor) ServerHealth(id string) (ServerHealth, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	rec, ok := m.records[id]
	if !ok {
		return ServerHealth{}, false
	}
	return rec.snapshot(), true
}

// AllServerHealth returns a copy of every record keyed by server id.
func (m *Monitor) AllServerHealth() map[string]ServerHealth {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make(map[string]ServerHealth, len(m.records))
	for id, rec := range m.records {
		out[id] = rec.snapshot()
	}
	return out
}

// ServerIDs returns the monitored server ids, sorted.
func (m *Monitor) ServerIDs() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return slices.Sorted(maps.Keys(m.records))
}

// HealthScore returns the score of id, or 0 for an unknown id.
func (m *Monitor) HealthScore(id string) int {
	h, ok := m.ServerHealth(id)
	if !ok {
		return 0
	}
	return Score(h)
}

// IsServerUnhealthy reports the unhealthy predicate for id. Unknown ids
// are unhealthy.
func (m *Monitor) IsServerUnhealthy(id string) bool {
	h, ok := m.ServerHealth(id)
	if !ok {
		return true
	}
	return IsUnhealthy(h)
}
