package mqtt

import (
	"context"
	"log/slog"
	"strings"
	"sync/atomic"
	"time"

	"github.com/eclipse/paho.golang/autopaho"
	"github.com/eclipse/paho.golang/paho"
)

// subscribeCommands subscribes to the Retry button topic of every
// server with a single wildcard filter.
func (p *Publisher) subscribeCommands(ctx context.Context, cm *autopaho.ConnectionManager) {
	filter := p.commandFilter()
	if _, err := cm.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{
			{Topic: filter, QoS: 1},
		},
	}); err != nil {
		p.logger.Warn("mqtt subscribe failed", "topic", filter, "error", err)
		return
	}
	p.logger.Debug("mqtt subscribed", "topic", filter)
}

// onPublishReceived handles inbound messages. Retries run on their own
// goroutine so the paho read loop is never blocked by a slow connect.
func (p *Publisher) onPublishReceived(pr paho.PublishReceived) (bool, error) {
	if pr.Packet == nil {
		return false, nil
	}
	if !p.limiter.allow() {
		return true, nil
	}

	server, ok := p.commandServer(pr.Packet.Topic, pr.Packet.Payload)
	if !ok {
		return false, nil
	}

	p.mu.Lock()
	retry, ctx := p.retry, p.runCtx
	p.mu.Unlock()

	if retry == nil || ctx == nil {
		p.logger.Info("mqtt retry pressed with no handler", "mcp_server", server)
		return true, nil
	}

	go func() {
		p.logger.Info("mqtt retry requested", "mcp_server", server)
		if err := retry(ctx, server); err != nil {
			p.logger.Warn("mqtt retry failed", "mcp_server", server, "error", err)
		}
	}()
	return true, nil
}

// commandServer resolves a command message to the server whose Retry
// button was pressed. Unknown servers and payloads other than the
// press payload are ignored.
func (p *Publisher) commandServer(topic string, payload []byte) (string, bool) {
	rest, ok := strings.CutPrefix(topic, p.baseTopic()+"/")
	if !ok {
		return "", false
	}
	slug, ok := strings.CutSuffix(rest, "/retry/set")
	if !ok || slug == "" || strings.Contains(slug, "/") {
		return "", false
	}
	if strings.TrimSpace(string(payload)) != payloadPress {
		p.logger.Debug("mqtt command ignored", "topic", topic, "payload_size", len(payload))
		return "", false
	}
	return p.serverFor(slug)
}

// messageRateLimiter tracks inbound message rates and drops messages
// when the rate exceeds the configured threshold. It uses atomic
// counters for lock-free operation on the hot path.
type messageRateLimiter struct {
	count    atomic.Int64
	dropped  atomic.Int64
	limit    int64
	interval time.Duration
	logger   *slog.Logger
}

// newMessageRateLimiter creates a rate limiter that allows limit
// messages per interval. Exceeding the limit causes messages to be
// dropped until the next interval reset.
func newMessageRateLimiter(limit int64, interval time.Duration, logger *slog.Logger) *messageRateLimiter {
	return &messageRateLimiter{
		limit:    limit,
		interval: interval,
		logger:   logger,
	}
}

// start runs the periodic counter reset loop. It blocks until ctx is
// cancelled. At each interval boundary it resets the message counter
// and logs a warning if any messages were dropped.
func (r *messageRateLimiter) start(ctx context.Context) {
	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			count := r.count.Swap(0)
			dropped := r.dropped.Swap(0)
			if dropped > 0 {
				r.logger.Warn("mqtt messages dropped due to rate limit",
					"received", count,
					"dropped", dropped,
					"interval", r.interval.String(),
					"limit", r.limit,
				)
			}
		}
	}
}

// allow increments the message counter and returns true if the
// current count is within the limit. If over the limit it increments
// the dropped counter and returns false.
func (r *messageRateLimiter) allow() bool {
	n := r.count.Add(1)
	if n > r.limit {
		r.dropped.Add(1)
		return false
	}
	return true
}
