package mqtt

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"

	"github.com/nugget/mcplink/internal/config"
	"github.com/nugget/mcplink/internal/events"
)

const (
	// commandRateLimit bounds inbound command messages per interval.
	commandRateLimit    = 20
	commandRateInterval = 10 * time.Second

	// payloadPress is the button press payload HA sends.
	payloadPress = "PRESS"
)

// ServerState is the per-server data published as sensor states.
type ServerState struct {
	Name           string
	Status         string
	HealthScore    int
	ResponseTimeMS float64
	ToolCount      int
}

// Snapshot is the data behind one state publish.
type Snapshot struct {
	Uptime           time.Duration
	Version          string
	ConnectedServers int
	TotalTools       int
	Servers          []ServerState
}

// StatsSource provides runtime data for sensor state publishing. The
// concrete adapter is wired in main.go to avoid coupling the MQTT
// package to the hub.
type StatsSource interface {
	Snapshot() Snapshot
}

// RetryFunc is called when the Retry button of a server is pressed.
type RetryFunc func(ctx context.Context, server string) error

// Publisher manages the MQTT connection, publishes HA discovery config
// messages on (re-)connect, and runs a periodic loop that pushes
// sensor state updates to the broker.
type Publisher struct {
	cfg        config.MQTTConfig
	instanceID string
	device     DeviceInfo
	stats      StatsSource
	logger     *slog.Logger
	limiter    *messageRateLimiter

	cm    atomic.Pointer[autopaho.ConnectionManager]
	kick  chan struct{}
	retry RetryFunc

	mu sync.Mutex
	// announced maps a topic slug to the server name whose discovery
	// configs are currently published.
	announced map[string]string
	runCtx    context.Context
}

// New creates a Publisher but does not connect. Call [Publisher.Start]
// to begin the connection and publish loop.
func New(cfg config.MQTTConfig, instanceID string, stats StatsSource, logger *slog.Logger) *Publisher {
	if logger == nil {
		logger = slog.Default()
	}
	return &Publisher{
		cfg:        cfg,
		instanceID: instanceID,
		device:     NewDeviceInfo(instanceID, cfg.DeviceName),
		stats:      stats,
		logger:     logger,
		limiter:    newMessageRateLimiter(commandRateLimit, commandRateInterval, logger),
		kick:       make(chan struct{}, 1),
		announced:  make(map[string]string),
	}
}

// SetRetryHandler installs the function invoked by Retry button
// presses. Without one, presses are logged and ignored.
func (p *Publisher) SetRetryHandler(fn RetryFunc) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.retry = fn
}

// HandleEvent requests an immediate state publish when a server
// changes status or the tool catalog changes. Subscribe it to the
// event bus.
func (p *Publisher) HandleEvent(ev events.Event) {
	switch ev.Kind {
	case events.KindServerStatus, events.KindToolsChanged:
		p.Notify()
	}
}

// Notify requests a state publish without waiting for the next tick.
// It never blocks.
func (p *Publisher) Notify() {
	select {
	case p.kick <- struct{}{}:
	default:
	}
}

// Start connects to the MQTT broker and begins the periodic publish
// loop. It blocks until ctx is cancelled. On every (re-)connect it
// publishes discovery configs and a birth message.
func (p *Publisher) Start(ctx context.Context) error {
	brokerURL, err := url.Parse(p.cfg.Broker)
	if err != nil {
		return fmt.Errorf("parse mqtt broker URL: %w", err)
	}

	p.mu.Lock()
	p.runCtx = ctx
	p.mu.Unlock()

	pahoCfg := autopaho.ClientConfig{
		ServerUrls:      []*url.URL{brokerURL},
		KeepAlive:       30,
		ConnectUsername: p.cfg.Username,
		ConnectPassword: []byte(p.cfg.Password),
		WillMessage: &paho.WillMessage{
			Topic:   p.availabilityTopic(),
			Payload: []byte("offline"),
			QoS:     1,
			Retain:  true,
		},
		OnConnectionUp: func(cm *autopaho.ConnectionManager, _ *paho.Connack) {
			p.logger.Info("mqtt connected to broker", "broker", p.cfg.Broker)
			p.resetAnnounced()
			p.publishDiscovery(ctx, cm)
			p.subscribeCommands(ctx, cm)
			p.publishAvailability(ctx, cm, "online")
			p.Notify()
		},
		OnConnectError: func(err error) {
			p.logger.Warn("mqtt connection error", "error", err)
		},
		ClientConfig: paho.ClientConfig{
			ClientID: "mcplink-" + p.cfg.DeviceName,
			OnPublishReceived: []func(paho.PublishReceived) (bool, error){
				p.onPublishReceived,
			},
		},
	}

	// Enable TLS for mqtts:// or ssl:// schemes.
	if brokerURL.Scheme == "mqtts" || brokerURL.Scheme == "ssl" {
		pahoCfg.TlsCfg = &tls.Config{
			MinVersion: tls.VersionTLS12,
		}
	}

	cm, err := autopaho.NewConnection(ctx, pahoCfg)
	if err != nil {
		return fmt.Errorf("mqtt connect: %w", err)
	}
	p.cm.Store(cm)

	go p.limiter.start(ctx)

	// Wait for the initial connection before starting the publish loop.
	connCtx, connCancel := context.WithTimeout(ctx, 30*time.Second)
	defer connCancel()
	if err := cm.AwaitConnection(connCtx); err != nil {
		// autopaho keeps retrying in the background.
		p.logger.Warn("mqtt initial connection timed out, will retry in background", "error", err)
	}

	p.runLoop(ctx)
	return nil
}

// Stop gracefully disconnects by publishing an "offline" availability
// message before closing the MQTT connection. The provided context
// controls how long to wait for the publish and disconnect to complete.
func (p *Publisher) Stop(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return nil
	}
	p.publishAvailability(ctx, cm, "offline")
	return cm.Disconnect(ctx)
}

// AwaitConnection blocks until the MQTT broker connection is
// established or ctx expires.
func (p *Publisher) AwaitConnection(ctx context.Context) error {
	cm := p.cm.Load()
	if cm == nil {
		return errors.New("mqtt publisher not started")
	}
	return cm.AwaitConnection(ctx)
}

// --- Topic helpers ---

func (p *Publisher) baseTopic() string {
	return "mcplink/" + p.cfg.DeviceName
}

func (p *Publisher) availabilityTopic() string {
	return p.baseTopic() + "/availability"
}

func (p *Publisher) stateTopic(entity string) string {
	return p.baseTopic() + "/" + entity + "/state"
}

func (p *Publisher) commandTopic(slug string) string {
	return p.baseTopic() + "/" + slug + "/retry/set"
}

func (p *Publisher) commandFilter() string {
	return p.baseTopic() + "/+/retry/set"
}

func (p *Publisher) discoveryTopic(component, entity string) string {
	return p.cfg.DiscoveryPrefix + "/" + component + "/" + p.cfg.DeviceName + "/" + entity + "/config"
}

// topicSlug maps a server name onto a string safe for use as one MQTT
// topic level and an HA object id.
func topicSlug(name string) string {
	var b strings.Builder
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9', r == '_', r == '-':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return b.String()
}

// --- Discovery ---

type entityDef struct {
	component    string // sensor or button
	entitySuffix string
	config       EntityConfig
}

func (p *Publisher) sensor(entity, name, icon string) EntityConfig {
	return EntityConfig{
		Name:              name,
		ObjectID:          entity,
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity,
		StateTopic:        p.stateTopic(entity),
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              icon,
	}
}

func (p *Publisher) deviceDefinitions() []entityDef {
	uptime := p.sensor("uptime", "Uptime", "mdi:clock-outline")
	uptime.EntityCategory = "diagnostic"

	version := p.sensor("version", "Version", "mdi:tag")
	version.EntityCategory = "diagnostic"

	connected := p.sensor("connected_servers", "Connected Servers", "mdi:lan-connect")
	connected.StateClass = "measurement"

	tools := p.sensor("total_tools", "Total Tools", "mdi:tools")
	tools.StateClass = "measurement"

	return []entityDef{
		{"sensor", "uptime", uptime},
		{"sensor", "version", version},
		{"sensor", "connected_servers", connected},
		{"sensor", "total_tools", tools},
	}
}

func (p *Publisher) serverDefinitions(name string) []entityDef {
	slug := topicSlug(name)
	entity := func(suffix string) string { return slug + "_" + suffix }

	status := p.sensor(entity("status"), name+" Status", "mdi:server-network")

	score := p.sensor(entity("health_score"), name+" Health Score", "mdi:heart-pulse")
	score.StateClass = "measurement"
	score.UnitOfMeasurement = "%"

	rt := p.sensor(entity("response_time"), name+" Response Time", "mdi:timer-outline")
	rt.StateClass = "measurement"
	rt.UnitOfMeasurement = "ms"

	tools := p.sensor(entity("tool_count"), name+" Tools", "mdi:tools")
	tools.StateClass = "measurement"

	retry := EntityConfig{
		Name:              name + " Retry",
		ObjectID:          entity("retry"),
		HasEntityName:     true,
		UniqueID:          p.instanceID + "_" + entity("retry"),
		CommandTopic:      p.commandTopic(slug),
		PayloadPress:      payloadPress,
		AvailabilityTopic: p.availabilityTopic(),
		Device:            p.device,
		Icon:              "mdi:restart",
		EntityCategory:    "config",
	}

	return []entityDef{
		{"sensor", entity("status"), status},
		{"sensor", entity("health_score"), score},
		{"sensor", entity("response_time"), rt},
		{"sensor", entity("tool_count"), tools},
		{"button", entity("retry"), retry},
	}
}

func (p *Publisher) publishDiscovery(ctx context.Context, cm *autopaho.ConnectionManager) {
	p.publishDefinitions(ctx, cm, p.deviceDefinitions())
}

func (p *Publisher) publishDefinitions(ctx context.Context, cm *autopaho.ConnectionManager, defs []entityDef) {
	for _, d := range defs {
		topic := p.discoveryTopic(d.component, d.entitySuffix)
		payload, err := json.Marshal(d.config)
		if err != nil {
			p.logger.Error("mqtt marshal discovery payload",
				"entity", d.entitySuffix, "error", err)
			continue
		}
		p.publishRetained(ctx, cm, topic, payload, d.entitySuffix)
	}
}

// clearDefinitions removes retained discovery configs, which makes HA
// drop the entities.
func (p *Publisher) clearDefinitions(ctx context.Context, cm *autopaho.ConnectionManager, defs []entityDef) {
	for _, d := range defs {
		p.publishRetained(ctx, cm, p.discoveryTopic(d.component, d.entitySuffix), nil, d.entitySuffix)
	}
}

func (p *Publisher) publishRetained(ctx context.Context, cm *autopaho.ConnectionManager, topic string, payload []byte, entity string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   topic,
		Payload: payload,
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt discovery publish failed",
			"entity", entity, "topic", topic, "error", err)
	} else {
		p.logger.Debug("mqtt discovery published",
			"entity", entity, "topic", topic)
	}
}

func (p *Publisher) publishAvailability(ctx context.Context, cm *autopaho.ConnectionManager, status string) {
	if _, err := cm.Publish(ctx, &paho.Publish{
		Topic:   p.availabilityTopic(),
		Payload: []byte(status),
		QoS:     1,
		Retain:  true,
	}); err != nil {
		p.logger.Warn("mqtt availability publish failed",
			"status", status, "error", err)
	} else {
		p.logger.Info("mqtt availability published", "status", status)
	}
}

func (p *Publisher) resetAnnounced() {
	p.mu.Lock()
	defer p.mu.Unlock()
	clear(p.announced)
}

// diffServers records servers as announced and returns the names that
// need discovery and the names whose entities should be removed.
func (p *Publisher) diffServers(servers []ServerState) (added, removed []string) {
	p.mu.Lock()
	defer p.mu.Unlock()

	current := make(map[string]string, len(servers))
	for _, s := range servers {
		slug := topicSlug(s.Name)
		current[slug] = s.Name
		if p.announced[slug] != s.Name {
			added = append(added, s.Name)
		}
	}
	for slug, name := range p.announced {
		if _, ok := current[slug]; !ok {
			removed = append(removed, name)
		}
	}
	p.announced = current
	return added, removed
}

// serverFor resolves a topic slug to an announced server name.
func (p *Publisher) serverFor(slug string) (string, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	name, ok := p.announced[slug]
	return name, ok
}

// --- Periodic state loop ---

func (p *Publisher) runLoop(ctx context.Context) {
	interval := p.cfg.PublishInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	// Publish immediately on start.
	p.publishStates(ctx)

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			p.publishStates(ctx)
		case <-p.kick:
			p.publishStates(ctx)
		}
	}
}

// states renders a snapshot as entity → state payload.
func states(snap Snapshot) map[string]string {
	out := map[string]string{
		"uptime":            snap.Uptime.Truncate(time.Second).String(),
		"version":           snap.Version,
		"connected_servers": strconv.Itoa(snap.ConnectedServers),
		"total_tools":       strconv.Itoa(snap.TotalTools),
	}
	for _, s := range snap.Servers {
		slug := topicSlug(s.Name)
		out[slug+"_status"] = s.Status
		out[slug+"_health_score"] = strconv.Itoa(s.HealthScore)
		out[slug+"_response_time"] = strconv.FormatFloat(s.ResponseTimeMS, 'f', 1, 64)
		out[slug+"_tool_count"] = strconv.Itoa(s.ToolCount)
	}
	return out
}

func (p *Publisher) publishStates(ctx context.Context) {
	cm := p.cm.Load()
	if cm == nil || p.stats == nil {
		return
	}

	snap := p.stats.Snapshot()

	added, removed := p.diffServers(snap.Servers)
	for _, name := range added {
		p.publishDefinitions(ctx, cm, p.serverDefinitions(name))
	}
	for _, name := range removed {
		p.clearDefinitions(ctx, cm, p.serverDefinitions(name))
	}

	st := states(snap)
	for entity, value := range st {
		if _, err := cm.Publish(ctx, &paho.Publish{
			Topic:   p.stateTopic(entity),
			Payload: []byte(value),
			QoS:     0,
			Retain:  true,
		}); err != nil {
			p.logger.Debug("mqtt state publish failed",
				"entity", entity, "error", err)
		}
	}

	p.logger.Debug("mqtt sensor states published",
		"entities", len(st), "servers", len(snap.Servers))
}
