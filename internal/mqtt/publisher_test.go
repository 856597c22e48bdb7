package mqtt

import (
	"encoding/json"
	"slices"
	"strings"
	"testing"
	"time"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
)

func testPublisher() *Publisher {
	cfg := config.MQTTConfig{
		Broker:          "mqtt://localhost:1883",
		DeviceName:      "lab-link",
		DiscoveryPrefix: "homeassistant",
		PublishInterval: time.Minute,
	}
	return New(cfg, "instance-123", nil, nil)
}

func TestNewDeviceInfo(t *testing.T) {
	info := NewDeviceInfo("test-instance-id", "test-device")
	if info.Name != "test-device" {
		t.Errorf("Name = %q, want %q", info.Name, "test-device")
	}
	if len(info.Identifiers) != 1 || info.Identifiers[0] != "test-instance-id" {
		t.Errorf("Identifiers = %v, want [test-instance-id]", info.Identifiers)
	}
	if info.Model != "MCP Link" {
		t.Errorf("Model = %q, want %q", info.Model, "MCP Link")
	}
}

func TestPublisher_TopicPaths(t *testing.T) {
	p := testPublisher()

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"baseTopic", p.baseTopic(), "mcplink/lab-link"},
		{"availabilityTopic", p.availabilityTopic(), "mcplink/lab-link/availability"},
		{"stateTopic uptime", p.stateTopic("uptime"), "mcplink/lab-link/uptime/state"},
		{"commandTopic", p.commandTopic("files"), "mcplink/lab-link/files/retry/set"},
		{"commandFilter", p.commandFilter(), "mcplink/lab-link/+/retry/set"},
		{"discoveryTopic sensor uptime", p.discoveryTopic("sensor", "uptime"), "homeassistant/sensor/lab-link/uptime/config"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("got %q, want %q", tt.got, tt.want)
			}
		})
	}
}

func TestTopicSlug(t *testing.T) {
	tests := map[string]string{
		"files":         "files",
		"Home-Assist_2": "home-assist_2",
		"a/b+c#d":       "a_b_c_d",
		"two words":     "two_words",
	}
	for in, want := range tests {
		if got := topicSlug(in); got != want {
			t.Errorf("topicSlug(%q) = %q, want %q", in, got, want)
		}
	}
}

func TestPublisher_DeviceDefinitions(t *testing.T) {
	p := testPublisher()

	want := []string{"uptime", "version", "connected_servers", "total_tools"}
	defs := p.deviceDefinitions()
	if len(defs) != len(want) {
		t.Fatalf("got %d definitions, want %d", len(defs), len(want))
	}

	for i, d := range defs {
		if d.entitySuffix != want[i] {
			t.Errorf("definition %d = %q, want %q", i, d.entitySuffix, want[i])
		}
		if d.component != "sensor" {
			t.Errorf("%s: component = %q, want sensor", d.entitySuffix, d.component)
		}
		if strings.Contains(d.config.Name, "lab-link") {
			t.Errorf("%s: Name %q should not repeat the device name", d.entitySuffix, d.config.Name)
		}
		if d.config.AvailabilityTopic != "mcplink/lab-link/availability" {
			t.Errorf("%s: AvailabilityTopic = %q", d.entitySuffix, d.config.AvailabilityTopic)
		}
		if d.config.UniqueID != "instance-123_"+d.entitySuffix {
			t.Errorf("%s: UniqueID = %q", d.entitySuffix, d.config.UniqueID)
		}
		if d.config.ObjectID != d.entitySuffix || !d.config.HasEntityName {
			t.Errorf("%s: ObjectID = %q HasEntityName = %v", d.entitySuffix, d.config.ObjectID, d.config.HasEntityName)
		}
	}
}

func TestPublisher_ServerDefinitions(t *testing.T) {
	p := testPublisher()

	defs := p.serverDefinitions("Web Search")
	var suffixes []string
	for _, d := range defs {
		suffixes = append(suffixes, d.entitySuffix)
	}
	want := []string{
		"web_search_status", "web_search_health_score",
		"web_search_response_time", "web_search_tool_count", "web_search_retry",
	}
	if !slices.Equal(suffixes, want) {
		t.Fatalf("suffixes = %v, want %v", suffixes, want)
	}

	retry := defs[len(defs)-1]
	if retry.component != "button" {
		t.Errorf("retry component = %q, want button", retry.component)
	}
	if retry.config.CommandTopic != "mcplink/lab-link/web_search/retry/set" {
		t.Errorf("retry CommandTopic = %q", retry.config.CommandTopic)
	}
	if retry.config.StateTopic != "" {
		t.Errorf("button should have no state topic, got %q", retry.config.StateTopic)
	}

	data, err := json.Marshal(retry.config)
	if err != nil {
		t.Fatal(err)
	}
	if strings.Contains(string(data), `"state_topic"`) {
		t.Errorf("state_topic should be omitted for buttons:\n%s", data)
	}
	if !strings.Contains(string(data), `"payload_press":"PRESS"`) {
		t.Errorf("payload_press missing:\n%s", data)
	}

	if defs[1].config.UnitOfMeasurement != "%" || defs[2].config.UnitOfMeasurement != "ms" {
		t.Errorf("units = %q, %q", defs[1].config.UnitOfMeasurement, defs[2].config.UnitOfMeasurement)
	}
}

func TestStates(t *testing.T) {
	snap := Snapshot{
		Uptime:           90*time.Second + 300*time.Millisecond,
		Version:          "1.2.3",
		ConnectedServers: 1,
		TotalTools:       7,
		Servers: []ServerState{
			{Name: "files", Status: "connected", HealthScore: 100, ResponseTimeMS: 12.34, ToolCount: 5},
		},
	}

	got := states(snap)
	want := map[string]string{
		"uptime":              "1m30s",
		"version":             "1.2.3",
		"connected_servers":   "1",
		"total_tools":         "7",
		"files_status":        "connected",
		"files_health_score":  "100",
		"files_response_time": "12.3",
		"files_tool_count":    "5",
	}
	if len(got) != len(want) {
		t.Errorf("got %d states, want %d: %v", len(got), len(want), got)
	}
	for k, v := range want {
		if got[k] != v {
			t.Errorf("states[%q] = %q, want %q", k, got[k], v)
		}
	}
}

func TestPublisher_DiffServers(t *testing.T) {
	p := testPublisher()

	added, removed := p.diffServers([]ServerState{{Name: "a"}, {Name: "b"}})
	if !slices.Equal(added, []string{"a", "b"}) || len(removed) != 0 {
		t.Fatalf("first diff = %v, %v", added, removed)
	}

	added, removed = p.diffServers([]ServerState{{Name: "b"}, {Name: "c"}})
	if !slices.Equal(added, []string{"c"}) || !slices.Equal(removed, []string{"a"}) {
		t.Errorf("second diff = %v, %v; want [c], [a]", added, removed)
	}

	if name, ok := p.serverFor("c"); !ok || name != "c" {
		t.Errorf("serverFor(c) = %q, %v", name, ok)
	}

	p.resetAnnounced()
	added, _ = p.diffServers([]ServerState{{Name: "b"}, {Name: "c"}})
	if len(added) != 2 {
		t.Errorf("after reset every server should be re-announced, got %v", added)
	}
}

func TestPublisher_HandleEventKicks(t *testing.T) {
	p := testPublisher()

	p.HandleEvent(events.Event{Kind: events.KindThresholdExceeded})
	select {
	case <-p.kick:
		t.Fatal("threshold event should not trigger a publish")
	default:
	}

	p.HandleEvent(events.Event{Kind: events.KindServerStatus})
	p.HandleEvent(events.Event{Kind: events.KindToolsChanged})
	select {
	case <-p.kick:
	default:
		t.Fatal("status event should trigger a publish")
	}
	select {
	case <-p.kick:
		t.Fatal("pending kicks should coalesce")
	default:
	}
}

func TestPublisher_NotStarted(t *testing.T) {
	p := testPublisher()
	if err := p.AwaitConnection(t.Context()); err == nil {
		t.Error("AwaitConnection before Start should error")
	}
	if err := p.Stop(t.Context()); err != nil {
		t.Errorf("Stop before Start = %v, want nil", err)
	}
	// No connection: must not panic.
	p.publishStates(t.Context())
}
