// Package connwatch schedules reconnect attempts with exponential backoff
// for transports that recover on their own (socket and push channels).
//
// This is distinct from httpkit's transport-level retry, which handles
// sub-second transient dial errors. connwatch handles multi-second to
// multi-minute outages: server restarts, network partitions, expired
// sessions.
//
// The Scheduler keeps retry state per key (normally the server name):
// attempt count, time of the last attempt, and whether an attempt is
// pending. At most one attempt per key is ever armed or running, and
// consecutive attempts are never closer than InitialDelay.
package connwatch

import (
	"context"
	"log/slog"
	"sync"
	"time"
)

// AttemptFunc performs one reconnect attempt. Return nil on success.
type AttemptFunc func(ctx context.Context) error

// BackoffConfig controls the exponential backoff behavior.
type BackoffConfig struct {
	// InitialDelay is the delay before the first attempt and the floor
	// between any two attempts for the same key (default: 2s).
	InitialDelay time.Duration

	// MaxDelay is the ceiling for backoff growth (default: 60s).
	MaxDelay time.Duration

	// Multiplier scales the delay after each failed attempt (default: 2.0).
	Multiplier float64

	// MaxRetries caps consecutive failed attempts per key. Zero means
	// retry forever.
	MaxRetries int

	// AttemptTimeout limits how long a single attempt may take
	// (default: 30s).
	AttemptTimeout time.Duration
}

// DefaultBackoffConfig returns the schedule 2s, 4s, 8s, 16s, 32s, 60s
// (capped), retrying forever.
func DefaultBackoffConfig() BackoffConfig {
	return BackoffConfig{
		InitialDelay:   2 * time.Second,
		MaxDelay:       60 * time.Second,
		Multiplier:     2.0,
		AttemptTimeout: 30 * time.Second,
	}
}

// withDefaults replaces zero-value fields with defaults.
func (c BackoffConfig) withDefaults() BackoffConfig {
	d := DefaultBackoffConfig()
	if c.InitialDelay <= 0 {
		c.InitialDelay = d.InitialDelay
	}
	if c.MaxDelay <= 0 {
		c.MaxDelay = d.MaxDelay
	}
	if c.MaxDelay < c.InitialDelay {
		c.MaxDelay = c.InitialDelay
	}
	if c.Multiplier < 1 {
		c.Multiplier = d.Multiplier
	}
	if c.MaxRetries < 0 {
		c.MaxRetries = 0
	}
	if c.AttemptTimeout <= 0 {
		c.AttemptTimeout = d.AttemptTimeout
	}
	return c
}

// Status is the retry state of one key, suitable for JSON serialization
// in health endpoints.
type Status struct {
	Key         string    `json:"key"`
	Attempts    int       `json:"attempts"`
	Pending     bool      `json:"pending"`
	Running     bool      `json:"running"`
	LastAttempt time.Time `json:"last_attempt,omitzero"`
	NextAttempt time.Time `json:"next_attempt,omitzero"`
	LastError   string    `json:"last_error,omitempty"`
}

type entry struct {
	attempts    int
	delay       time.Duration
	lastAttempt time.Time
	nextAttempt time.Time
	lastErr     error

	// token invalidates armed timers and in-flight attempts on Cancel.
	token   uint64
	timer   *time.Timer
	stop    context.CancelFunc
	pending bool
	running bool
	// again records a Schedule call that arrived while running.
	again bool
	fn    AttemptFunc
}

// Scheduler runs reconnect attempts per key with backoff and coalescing.
// The zero value is not usable; create one with NewScheduler.
type Scheduler struct {
	cfg    BackoffConfig
	logger *slog.Logger
	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	entries map[string]*entry
	stopped bool
}

// NewScheduler creates a scheduler. Zero-value BackoffConfig fields are
// replaced with defaults.
func NewScheduler(cfg BackoffConfig, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Scheduler{
		cfg:     cfg.withDefaults(),
		logger:  logger,
		ctx:     ctx,
		cancel:  cancel,
		entries: make(map[string]*entry),
	}
}

// Schedule arms a reconnect attempt for key. It returns false when the
// request was coalesced into an attempt that is already armed or
// running, when retries for key are exhausted, or after Stop. A failed
// attempt is rescheduled automatically with a longer delay.
func (s *Scheduler) Schedule(key string, fn func(ctx context.Context) error) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.scheduleLocked(key, fn)
}

func (s *Scheduler) scheduleLocked(key string, fn AttemptFunc) bool {
	if s.stopped {
		return false
	}

	e := s.entries[key]
	if e == nil {
		e = &entry{delay: s.cfg.InitialDelay}
		s.entries[key] = e
	}

	if e.pending {
		s.logger.Debug("reconnect already pending, coalesced", "key", key)
		return false
	}
	if e.running {
		e.again = true
		e.fn = fn
		s.logger.Debug("reconnect in progress, coalesced", "key", key)
		return false
	}
	if s.cfg.MaxRetries > 0 && e.attempts >= s.cfg.MaxRetries {
		s.logger.Warn("reconnect retries exhausted",
			"key", key,
			"attempts", e.attempts,
		)
		return false
	}

	wait := e.delay
	if wait < s.cfg.InitialDelay {
		wait = s.cfg.InitialDelay
	}

	e.fn = fn
	e.pending = true
	e.nextAttempt = time.Now().Add(wait)
	token := e.token

	s.wg.Add(1)
	e.timer = time.AfterFunc(wait, func() { s.run(key, e, token) })

	s.logger.Debug("reconnect scheduled",
		"key", key,
		"attempt", e.attempts+1,
		"delay", wait.String(),
	)
	return true
}

// run executes one attempt. It owns one wg count.
func (s *Scheduler) run(key string, e *entry, token uint64) {
	defer s.wg.Done()

	s.mu.Lock()
	if e.token != token || s.stopped {
		s.mu.Unlock()
		return
	}
	e.pending = false
	e.running = true
	e.attempts++
	e.lastAttempt = time.Now()
	e.nextAttempt = time.Time{}
	attempt := e.attempts
	fn := e.fn
	ctx, cancel := context.WithTimeout(s.ctx, s.cfg.AttemptTimeout)
	e.stop = cancel
	s.mu.Unlock()

	err := fn(ctx)
	cancel()

	s.mu.Lock()
	defer s.mu.Unlock()

	e.running = false
	e.stop = nil
	if e.token != token || s.stopped {
		return
	}

	again := e.again
	e.again = false

	if err == nil {
		s.logger.Info("reconnected", "key", key, "after_attempts", attempt)
		e.attempts = 0
		e.delay = s.cfg.InitialDelay
		e.lastErr = nil
		if again {
			s.scheduleLocked(key, e.fn)
		}
		return
	}

	e.lastErr = err
	e.delay = time.Duration(float64(e.delay) * s.cfg.Multiplier)
	if e.delay > s.cfg.MaxDelay {
		e.delay = s.cfg.MaxDelay
	}

	s.logger.Debug("reconnect attempt failed",
		"key", key,
		"attempt", attempt,
		"next_delay", e.delay.String(),
		"error", err,
	)
	s.scheduleLocked(key, e.fn)
}

// Cancel drops any armed attempt for key and forgets its retry state.
// An attempt already running has its context cancelled and is not
// rescheduled.
func (s *Scheduler) Cancel(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		return
	}
	s.disarmLocked(e)
	delete(s.entries, key)
}

// disarmLocked invalidates e's timer and in-flight attempt.
func (s *Scheduler) disarmLocked(e *entry) {
	e.token++
	if e.stop != nil {
		e.stop()
		e.stop = nil
	}
	if e.timer != nil && e.timer.Stop() {
		s.wg.Done()
	}
	e.timer = nil
	e.pending = false
	e.again = false
}

// Reset zeroes the attempt count and backoff delay for key, typically
// after a connection was restored by other means.
func (s *Scheduler) Reset(key string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if e := s.entries[key]; e != nil {
		e.attempts = 0
		e.delay = s.cfg.InitialDelay
		e.lastErr = nil
	}
}

// Status returns the retry state for key.
func (s *Scheduler) Status(key string) (Status, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	e := s.entries[key]
	if e == nil {
		return Status{}, false
	}
	return e.status(key), true
}

// All returns the retry state of every known key.
func (s *Scheduler) All() map[string]Status {
	s.mu.Lock()
	defer s.mu.Unlock()

	out := make(map[string]Status, len(s.entries))
	for k, e := range s.entries {
		out[k] = e.status(k)
	}
	return out
}

func (e *entry) status(key string) Status {
	st := Status{
		Key:         key,
		Attempts:    e.attempts,
		Pending:     e.pending,
		Running:     e.running,
		LastAttempt: e.lastAttempt,
		NextAttempt: e.nextAttempt,
	}
	if e.lastErr != nil {
		st.LastError = e.lastErr.Error()
	}
	return st
}

// Stop cancels every armed attempt, cancels the context of running
// attempts, and waits for them to return. Safe to call more than once.
func (s *Scheduler) Stop() {
	if s == nil {
		return
	}
	s.mu.Lock()
	s.stopped = true
	for _, e := range s.entries {
		s.disarmLocked(e)
	}
	s.mu.Unlock()

	s.cancel()
	s.wg.Wait()
}
