package health

import "time"

// Report summarizes every monitored server.
type Report struct {
	Servers          map[string]ServerHealth `json:"servers"`
	TotalServers     int                     `json:"total_servers"`
	ConnectedServers int                     `json:"connected_servers"`
	TotalTools       int                     `json:"total_tools"`
	BuiltinTools     int                     `json:"builtin_tools"`
	ExternalTools    int                     `json:"external_tools"`
}

// GenerateReport builds a report. builtinTools is the number of tools
// served in process; external tools are summed from server tool counts.
func (m *Monitor) GenerateReport(builtinTools int) Report {
	servers := m.AllServerHealth()

	r := Report{
		Servers:      servers,
		TotalServers: len(servers),
		BuiltinTools: builtinTools,
	}
	for _, h := range servers {
		if h.Status == StatusConnected {
			r.ConnectedServers++
		}
		r.ExternalTools += h.ToolCount
	}
	r.TotalTools = r.BuiltinTools + r.ExternalTools
	return r
}

// Metrics are derived figures for one server.
type Metrics struct {
	ServerID     string  `json:"server_id"`
	Status       Status  `json:"status"`
	Score        int     `json:"score"`
	Unhealthy    bool    `json:"unhealthy"`
	ResponseTime float64 `json:"response_time_ms"`
	ErrorCount   int     `json:"error_count"`

	// Availability is the percentage of monitored time spent connected.
	Availability float64 `json:"availability"`

	// ConnectedFor is the length of the current connected span, zero
	// when not connected.
	ConnectedFor time.Duration `json:"connected_for"`
}

// ServerMetrics computes derived metrics for id.
func (m *Monitor) ServerMetrics(id string) (Metrics, bool) {
	m.mu.Lock()
	rec, ok := m.records[id]
	if !ok {
		m.mu.Unlock()
		return Metrics{}, false
	}
	h := rec.snapshot()
	since := rec.connectedSince
	now := m.now()
	m.mu.Unlock()

	var current time.Duration
	if !since.IsZero() {
		current = now.Sub(since)
	}

	return Metrics{
		ServerID:     id,
		Status:       h.Status,
		Score:        Score(h),
		Unhealthy:    IsUnhealthy(h),
		ResponseTime: h.ResponseTime,
		ErrorCount:   h.ErrorCount,
		Availability: availability(h.ConnectedDuration+current, now.Sub(h.MonitoredSince), h.Status),
		ConnectedFor: current,
	}, true
}

// availability is connected time over monitored time as a percentage.
func availability(connected, monitored time.Duration, status Status) float64 {
	if monitored <= 0 {
		if status == StatusConnected {
			return 100
		}
		return 0
	}
	pct := float64(connected) / float64(monitored) * 100
	return min(max(pct, 0), 100)
}
