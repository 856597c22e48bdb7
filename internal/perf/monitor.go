// Package perf tracks per-tool execution performance: a bounded history
// of durations, success rate, trend direction, and weekly usage. Derived
// figures are written back onto the shared catalog tool after every
// execution, and threshold breaches are published on the event bus.
package perf

import (
	"context"
	"log/slog"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/catalog"
	"github.com/nugget/mcplink/internal/events"
)

const (
	// HistorySize is the number of durations kept per tool.
	HistorySize = 100

	// trendWindow is the number of samples compared on each side when
	// computing the trend.
	trendWindow = 10

	// trendThreshold is the relative change in mean that counts as a
	// trend.
	trendThreshold = 0.10

	// improvedSuccessRate is the success rate a tool must exceed for a
	// faster trend to count as an improvement.
	improvedSuccessRate = 95.0

	// DefaultSweepInterval is the idle re-evaluation interval.
	DefaultSweepInterval = 60 * time.Second

	storeTimeout = 5 * time.Second

	levelTrace = slog.Level(-8)
)

// Thresholds bound acceptable tool performance.
type Thresholds struct {
	MaxAverageTime time.Duration `yaml:"max_average_time" json:"max_average_time"`
	MinSuccessRate float64       `yaml:"min_success_rate" json:"min_success_rate"`
}

// DefaultThresholds returns the stock limits: 10s average, 80% success.
func DefaultThresholds() Thresholds {
	return Thresholds{
		MaxAverageTime: 10 * time.Second,
		MinSuccessRate: 80,
	}
}

func (t Thresholds) withDefaults() Thresholds {
	d := DefaultThresholds()
	if t.MaxAverageTime <= 0 {
		t.MaxAverageTime = d.MaxAverageTime
	}
	if t.MinSuccessRate <= 0 {
		t.MinSuccessRate = d.MinSuccessRate
	}
	return t
}

// Result is the outcome of one tool execution.
type Result struct {
	Duration time.Duration
	Success  bool
	Error    string
}

// Recorder persists executions. [*Store] implements it.
type Recorder interface {
	Record(ctx context.Context, e Execution) error
}

// Metrics is a snapshot of one tool's performance.
type Metrics struct {
	ToolID        string          `json:"tool_id"`
	History       []time.Duration `json:"history"`
	SuccessCount  int             `json:"success_count"`
	TotalCount    int             `json:"total_count"`
	LastExecution time.Time       `json:"last_execution,omitzero"`
	AverageTime   time.Duration   `json:"average_time"`
	SuccessRate   float64         `json:"success_rate"`
	Trend         catalog.Trend   `json:"trend"`
	WeeklyUsage   int             `json:"weekly_usage"`
}

// Performance converts m to the summary stored on a catalog tool.
func (m Metrics) Performance() catalog.Performance {
	return catalog.Performance{
		AverageExecutionTime: m.AverageTime,
		SuccessRate:          m.SuccessRate,
		Trend:                m.Trend,
		UsageCount:           m.WeeklyUsage,
		LastUsed:             m.LastExecution,
	}
}

type toolMetrics struct {
	history   []time.Duration
	success   int
	total     int
	last      time.Time
	weekStart time.Time
	weekly    int
}

func (tm *toolMetrics) add(d time.Duration, success bool, at time.Time) {
	tm.history = append(tm.history, d)
	if over := len(tm.history) - HistorySize; over > 0 {
		tm.history = slices.Delete(tm.history, 0, over)
	}
	tm.total++
	if success {
		tm.success++
	}
	tm.last = at

	ws := weekStart(at)
	if !ws.Equal(tm.weekStart) {
		tm.weekStart = ws
		tm.weekly = 0
	}
	tm.weekly++
}

func (tm *toolMetrics) snapshot(id string, now time.Time) Metrics {
	m := Metrics{
		ToolID:        id,
		History:       slices.Clone(tm.history),
		SuccessCount:  tm.success,
		TotalCount:    tm.total,
		LastExecution: tm.last,
		AverageTime:   mean(tm.history),
		Trend:         trendOf(tm.history),
	}
	if tm.total > 0 {
		m.SuccessRate = float64(tm.success) / float64(tm.total) * 100
	}
	if weekStart(now).Equal(tm.weekStart) {
		m.WeeklyUsage = tm.weekly
	}
	return m
}

// weekStart truncates t to 00:00 UTC on the Monday of its week.
func weekStart(t time.Time) time.Time {
	t = t.UTC()
	day := time.Date(t.Year(), t.Month(), t.Day(), 0, 0, 0, 0, time.UTC)
	offset := (int(day.Weekday()) + 6) % 7
	return day.AddDate(0, 0, -offset)
}

func mean(ds []time.Duration) time.Duration {
	if len(ds) == 0 {
		return 0
	}
	var sum time.Duration
	for _, d := range ds {
		sum += d
	}
	return sum / time.Duration(len(ds))
}

// trendOf compares the mean of the last trendWindow samples with the
// mean of up to trendWindow samples before them. Fewer than trendWindow
// samples is always stable.
func trendOf(history []time.Duration) catalog.Trend {
	n := len(history)
	if n < trendWindow {
		return catalog.TrendStable
	}
	prior := history[max(0, n-2*trendWindow) : n-trendWindow]
	if len(prior) == 0 {
		return catalog.TrendStable
	}
	recent := float64(mean(history[n-trendWindow:]))
	before := float64(mean(prior))
	if before <= 0 {
		return catalog.TrendStable
	}
	switch change := (recent - before) / before; {
	case change > trendThreshold:
		return catalog.TrendUp
	case change < -trendThreshold:
		return catalog.TrendDown
	default:
		return catalog.TrendStable
	}
}

// Monitor owns the performance metrics of every tool, keyed by tool id.
type Monitor struct {
	bus    *events.Bus[events.Event]
	logger *slog.Logger
	now    func() time.Time

	mu         sync.Mutex
	thresholds Thresholds
	metrics    map[string]*toolMetrics
	recorder   Recorder

	sweepMu   sync.Mutex
	sweepStop chan struct{}
	sweepDone chan struct{}
}

// NewMonitor creates a performance monitor publishing on bus. Zero
// threshold fields take their defaults.
func NewMonitor(bus *events.Bus[events.Event], thresholds Thresholds, logger *slog.Logger) *Monitor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Monitor{
		bus:        bus,
		logger:     logger,
		now:        time.Now,
		thresholds: thresholds.withDefaults(),
		metrics:    make(map[string]*toolMetrics),
	}
}

// SetRecorder attaches persistence. Every subsequent execution is
// written to r; failures are logged and otherwise ignored.
func (m *Monitor) SetRecorder(r Recorder) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.recorder = r
}

// Thresholds returns the active limits.
func (m *Monitor) Thresholds() Thresholds {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.thresholds
}

// RecordExecution folds one execution of tool into its metrics, writes
// the derived figures back onto the tool, and publishes any threshold
// events. It returns the updated metrics.
func (m *Monitor) RecordExecution(tool *catalog.Tool, r Result) Metrics {
	now := m.now()

	m.mu.Lock()
	tm, ok := m.metrics[tool.ID]
	if !ok {
		tm = &toolMetrics{}
		m.metrics[tool.ID] = tm
	}
	tm.add(r.Duration, r.Success, now)
	snap := tm.snapshot(tool.ID, now)
	// Written under m.mu so concurrent executions land in order.
	tool.SetPerformance(snap.Performance())
	thresholds := m.thresholds
	recorder := m.recorder
	m.mu.Unlock()

	if recorder != nil {
		m.persist(recorder, Execution{
			ToolID:    tool.ID,
			ServerID:  tool.Source.ID,
			Timestamp: now,
			Duration:  r.Duration,
			Success:   r.Success,
			Error:     r.Error,
		})
	}

	m.logger.Log(context.Background(), levelTrace, "tool execution recorded",
		"tool", tool.ID,
		"duration", r.Duration.String(),
		"success", r.Success,
		"average", snap.AverageTime.String(),
		"success_rate", snap.SuccessRate,
		"trend", snap.Trend,
	)

	m.publish(m.evaluate(snap, thresholds, true))
	return snap
}

func (m *Monitor) persist(r Recorder, e Execution) {
	ctx, cancel := context.WithTimeout(context.Background(), storeTimeout)
	defer cancel()
	if err := r.Record(ctx, e); err != nil {
		m.logger.Warn("failed to persist tool execution", "tool", e.ToolID, "error", err)
	}
}

// evaluate returns the threshold events for snap. Improvement is only
// reported for fresh executions.
func (m *Monitor) evaluate(snap Metrics, t Thresholds, withImproved bool) []events.Event {
	slow := snap.AverageTime > t.MaxAverageTime
	failing := snap.TotalCount > 0 && snap.SuccessRate < t.MinSuccessRate

	data := func() map[string]any {
		return map[string]any{
			"tool":             snap.ToolID,
			"average_time_ms":  snap.AverageTime.Milliseconds(),
			"success_rate":     snap.SuccessRate,
			"trend":            string(snap.Trend),
			"total_executions": snap.TotalCount,
		}
	}

	var out []events.Event
	if slow || failing {
		d := data()
		d["slow"] = slow
		d["failing"] = failing
		d["max_average_time_ms"] = t.MaxAverageTime.Milliseconds()
		d["min_success_rate"] = t.MinSuccessRate
		out = append(out, m.event(events.KindThresholdExceeded, d))
		if failing {
			out = append(out, m.event(events.KindPerformanceDegraded, data()))
		}
	}
	if withImproved && snap.Trend == catalog.TrendDown && snap.SuccessRate > improvedSuccessRate {
		out = append(out, m.event(events.KindPerformanceImproved, data()))
	}
	return out
}

func (m *Monitor) event(kind string, data map[string]any) events.Event {
	return events.Event{
		Timestamp: m.now(),
		Source:    events.SourcePerf,
		Kind:      kind,
		Data:      data,
	}
}

func (m *Monitor) publish(evs []events.Event) {
	for _, e := range evs {
		if e.Kind != events.KindPerformanceImproved {
			m.logger.Warn("tool performance threshold breached", "event", e.Kind, "tool", e.Data["tool"])
		}
		m.bus.Publish(e)
	}
}

// StartMonitoring starts the idle sweep, which re-evaluates every tool
// each interval so tools that stopped executing in a bad state keep
// being reported. A non-positive interval uses DefaultSweepInterval.
// Calling it again restarts the sweep with the new interval.
func (m *Monitor) StartMonitoring(interval time.Duration) {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}

	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()

	m.stopSweepLocked()
	stop := make(chan struct{})
	done := make(chan struct{})
	m.sweepStop, m.sweepDone = stop, done

	go func() {
		defer close(done)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-stop:
				return
			case <-ticker.C:
				m.Sweep()
			}
		}
	}()

	m.logger.Debug("performance sweep started", "interval", interval.String())
}

// StopMonitoring stops the idle sweep. Safe to call when not started.
func (m *Monitor) StopMonitoring() {
	m.sweepMu.Lock()
	defer m.sweepMu.Unlock()
	m.stopSweepLocked()
}

func (m *Monitor) stopSweepLocked() {
	if m.sweepStop == nil {
		return
	}
	close(m.sweepStop)
	<-m.sweepDone
	m.sweepStop, m.sweepDone = nil, nil
}

// Sweep re-evaluates the thresholds of every tracked tool.
func (m *Monitor) Sweep() {
	now := m.now()

	m.mu.Lock()
	thresholds := m.thresholds
	snaps := make([]Metrics, 0, len(m.metrics))
	for _, id := range slices.Sorted(maps.Keys(m.metrics)) {
		snaps = append(snaps, m.metrics[id].snapshot(id, now))
	}
	m.mu.Unlock()

	for _, s := range snaps {
		m.publish(m.evaluate(s, thresholds, false))
	}
}

// Metrics returns the snapshot for toolID.
func (m *Monitor) Metrics(toolID string) (Metrics, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	tm, ok := m.metrics[toolID]
	if !ok {
		return Metrics{}, false
	}
	return tm.snapshot(toolID, m.now()), true
}

// AllMetrics returns every tracked tool, keyed by tool id.
func (m *Monitor) AllMetrics() map[string]Metrics {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := m.now()
	out := make(map[string]Metrics, len(m.metrics))
	for id, tm := range m.metrics {
		out[id] = tm.snapshot(id, now)
	}
	return out
}

// Annotate writes the current metrics of each tracked tool onto the
// matching catalog entry. Untracked tools are left alone.
func (m *Monitor) Annotate(tools []*catalog.Tool) {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, t := range tools {
		if tm, ok := m.metrics[t.ID]; ok {
			t.SetPerformance(tm.snapshot(t.ID, now).Performance())
		}
	}
}

// Restore reseeds history from persisted executions, oldest first. No
// events are published.
func (m *Monitor) Restore(execs []Execution) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, e := range execs {
		tm, ok := m.metrics[e.ToolID]
		if !ok {
			tm = &toolMetrics{}
			m.metrics[e.ToolID] = tm
		}
		tm.add(e.Duration, e.Success, e.Timestamp)
	}
}

// Clear forgets toolID.
func (m *Monitor) Clear(toolID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.metrics, toolID)
}

// Shutdown stops the sweep and clears all metrics. Safe on a nil or
// never-started monitor.
func (m *Monitor) Shutdown() {
	if m == nil {
		return
	}
	m.StopMonitoring()

	m.mu.Lock()
	m.metrics = make(map[string]*toolMetrics)
	m.mu.Unlock()
}
