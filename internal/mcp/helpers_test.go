package mcp

import (
	"context"
	"io"
	"log/slog"
	"sync"
	"testing"
	"time"
)

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

// recorder collects transport events for assertions.
type recorder struct {
	mu     sync.Mutex
	events []Event
	ch     chan Event
}

func record(tr Transport) *recorder {
	r := &recorder{ch: make(chan Event, 64)}
	tr.Subscribe(func(ev Event) {
		r.mu.Lock()
		r.events = append(r.events, ev)
		r.mu.Unlock()
		select {
		case r.ch <- ev:
		default:
		}
	})
	return r
}

// next waits for the next event of kind, skipping others.
func (r *recorder) next(t *testing.T, kind EventKind) Event {
	t.Helper()
	deadline := time.After(5 * time.Second)
	for {
		select {
		case ev := <-r.ch:
			if ev.Kind == kind {
				return ev
			}
		case <-deadline:
			t.Fatalf("timed out waiting for %s event", kind)
			return Event{}
		}
	}
}

func (r *recorder) kinds() []EventKind {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]EventKind, len(r.events))
	for i, ev := range r.events {
		out[i] = ev.Kind
	}
	return out
}

func (r *recorder) count(kind EventKind) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, ev := range r.events {
		if ev.Kind == kind {
			n++
		}
	}
	return n
}

// fakeReconnector counts Schedule calls without running anything.
type fakeReconnector struct {
	mu        sync.Mutex
	scheduled []string
	cancelled []string
	fns       []func()
}

func (f *fakeReconnector) Schedule(key string, fn func(ctx context.Context) error) bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.scheduled = append(f.scheduled, key)
	f.fns = append(f.fns, func() { _ = fn(context.Background()) })
	return true
}

func (f *fakeReconnector) Cancel(key string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.cancelled = append(f.cancelled, key)
}

func (f *fakeReconnector) count() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.scheduled)
}
