// Package events provides a publish/subscribe event bus for operational
// observability. Monitors (health, performance) and the hub publish
// events; the status API websocket, the MQTT publisher and tests
// subscribe. The bus is nil-safe: calling Publish on a nil *Bus is a
// no-op, so components do not need guard checks.
package events

import (
	"sync"
	"time"
)

// Source constants identify which component published an event.
const (
	// SourceHealth identifies events from the server health monitor.
	SourceHealth = "health"
	// SourcePerf identifies events from the tool performance monitor.
	SourcePerf = "perf"
	// SourceHub identifies events from the connection hub.
	SourceHub = "hub"
)

// Kind constants describe the type of event within a source.
const (
	// KindServerUnhealthy fires when a server crosses into the unhealthy
	// state. Data: server, status, error_count, response_time_ms.
	KindServerUnhealthy = "server:unhealthy"
	// KindServerRecovered fires when a server leaves the unhealthy state.
	// Data: server, status.
	KindServerRecovered = "server:recovered"
	// KindServerStatus fires on every status change.
	// Data: server, from, to, error (optional).
	KindServerStatus = "server:status"

	// KindThresholdExceeded fires when a tool breaches a performance
	// threshold. Data: tool, average_ms, success_rate.
	KindThresholdExceeded = "threshold:exceeded"
	// KindPerformanceDegraded fires when a tool's success rate is below
	// the configured minimum. Data: tool, average_ms, success_rate.
	KindPerformanceDegraded = "performance:degraded"
	// KindPerformanceImproved fires when a tool is getting faster while
	// succeeding reliably. Data: tool, average_ms, success_rate.
	KindPerformanceImproved = "performance:improved"

	// KindToolsChanged fires after the aggregate catalog is rebuilt.
	// Data: server, tools.
	KindToolsChanged = "tools:changed"
)

// Event represents a single operational event published by a component.
type Event struct {
	// Timestamp is when the event occurred.
	Timestamp time.Time `json:"ts"`
	// Source identifies the component that published the event.
	Source string `json:"source"`
	// Kind describes the type of event within the source.
	Kind string `json:"kind"`
	// Data holds event-specific key/value pairs.
	Data map[string]any `json:"data,omitempty"`
}

// subscription is one registered handler. The id orders delivery and
// identifies the entry for removal.
type subscription[E any] struct {
	id uint64
	fn func(E)
}

// Bus is a synchronous broadcast bus. Publish calls every current
// handler in registration order on the publishing goroutine, so a
// single publisher observes strictly ordered delivery. Handlers must not
// block; use SubscribeChan for consumers that need decoupling.
type Bus[E any] struct {
	mu     sync.RWMutex
	nextID uint64
	subs   []subscription[E]
}

// New creates a new event bus ready for use.
func New[E any]() *Bus[E] {
	return &Bus[E]{}
}

// Publish delivers e to all current subscribers. Safe to call on a nil
// receiver (no-op). Handlers may unsubscribe from inside a callback.
func (b *Bus[E]) Publish(e E) {
	if b == nil {
		return
	}
	b.mu.RLock()
	subs := make([]subscription[E], len(b.subs))
	copy(subs, b.subs)
	b.mu.RUnlock()

	for _, s := range subs {
		s.fn(e)
	}
}

// Subscribe registers fn and returns a function that removes it. The
// returned function is idempotent.
func (b *Bus[E]) Subscribe(fn func(E)) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs = append(b.subs, subscription[E]{id: id, fn: fn})
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() { b.remove(id) })
	}
}

// SubscribeChan returns a buffered channel that receives published
// events. Non-blocking: if the channel is full the event is dropped for
// this subscriber rather than stalling the publisher. The returned
// cancel function unsubscribes and closes the channel.
func (b *Bus[E]) SubscribeChan(bufSize int) (<-chan E, func()) {
	ch := make(chan E, bufSize)

	// closeMu keeps a late Publish from sending on the closed channel.
	var closeMu sync.Mutex
	closed := false

	unsub := b.Subscribe(func(e E) {
		closeMu.Lock()
		defer closeMu.Unlock()
		if closed {
			return
		}
		select {
		case ch <- e:
		default:
		}
	})

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			unsub()
			closeMu.Lock()
			closed = true
			close(ch)
			closeMu.Unlock()
		})
	}
}

func (b *Bus[E]) remove(id uint64) {
	b.mu.Lock()
	defer b.mu.Unlock()
	for i, s := range b.subs {
		if s.id == id {
			b.subs = append(b.subs[:i:i], b.subs[i+1:]...)
			return
		}
	}
}

// SubscriberCount returns the number of active subscribers.
func (b *Bus[E]) SubscriberCount() int {
	if b == nil {
		return 0
	}
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.subs)
}

// Emit is a convenience for publishing an Event stamped with the current
// time. Safe on a nil bus.
func Emit(b *Bus[Event], source, kind string, data map[string]any) {
	if b == nil {
		return
	}
	b.Publish(Event{
		Timestamp: time.Now(),
		Source:    source,
		Kind:      kind,
		Data:      data,
	})
}
