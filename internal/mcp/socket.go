package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/nugget/mcplink/internal/connwatch"
)

// errHeartbeatTimeout is wrapped in the ConnectionError emitted when a
// ping goes unanswered.
var errHeartbeatTimeout = errors.New("heartbeat pong not received")

// closeWriteWait bounds the close frame write during Disconnect.
const closeWriteWait = time.Second

// SocketTransport carries MCP messages over a websocket. After the
// socket opens it sends an application-level ping on every heartbeat
// interval and forces a reconnect when the matching pong does not
// arrive in time.
type SocketTransport struct {
	emitter
	config      TransportConfig
	logger      *slog.Logger
	reconnector Reconnector
	ownsSched   *connwatch.Scheduler
	pingID      atomic.Int64

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	mu            sync.Mutex
	conn          *websocket.Conn
	connected     bool
	gen           uint64
	stopHeartbeat context.CancelFunc
	readDone      chan struct{}

	// writeMu serializes frames on the socket.
	writeMu sync.Mutex
}

// NewSocketTransport creates a socket transport for the given config.
func NewSocketTransport(cfg TransportConfig) *SocketTransport {
	cfg.Type = TransportSocket
	logger := cfg.logger()

	t := &SocketTransport{
		emitter:     newEmitter(),
		config:      cfg,
		logger:      logger,
		reconnector: cfg.Reconnector,
	}
	if t.reconnector == nil {
		t.ownsSched = connwatch.NewScheduler(connwatch.DefaultBackoffConfig(), logger)
		t.reconnector = t.ownsSched
	}
	return t
}

// Type returns TransportSocket.
func (t *SocketTransport) Type() TransportType { return TransportSocket }

// Connected reports whether the socket is open.
func (t *SocketTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

func (t *SocketTransport) heartbeatInterval() time.Duration {
	if t.config.HeartbeatInterval > 0 {
		return t.config.HeartbeatInterval
	}
	return DefaultHeartbeatInterval
}

func (t *SocketTransport) heartbeatTimeout() time.Duration {
	if t.config.HeartbeatTimeout > 0 {
		return t.config.HeartbeatTimeout
	}
	return DefaultHeartbeatTimeout
}

// socketURL rewrites http(s) URLs to ws(s).
func socketURL(raw string) (string, error) {
	u, err := url.Parse(raw)
	if err != nil {
		return "", err
	}
	switch u.Scheme {
	case "https":
		u.Scheme = "wss"
	case "http":
		u.Scheme = "ws"
	}
	return u.String(), nil
}

// Connect dials the websocket and starts the read loop and heartbeat.
func (t *SocketTransport) Connect(ctx context.Context) error {
	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	if t.Connected() {
		return nil
	}
	// A scheduled reconnect that Disconnect cancelled while it waited
	// for connectMu must not reopen the channel.
	if err := ctx.Err(); err != nil {
		return err
	}

	target, err := socketURL(t.config.URL)
	if err != nil {
		return connErr(TransportSocket, "parse URL: %w", err)
	}

	header := http.Header{}
	header.Set("User-Agent", t.config.userAgent())
	for k, v := range t.config.Headers {
		header.Set(k, v)
	}

	dialCtx, cancel := context.WithTimeout(ctx, t.config.connectTimeout())
	defer cancel()

	t.logger.Info("connecting MCP websocket", "url", target)

	dialer := websocket.Dialer{
		Proxy:            http.ProxyFromEnvironment,
		HandshakeTimeout: t.config.connectTimeout(),
		ReadBufferSize:   64 * 1024,
		WriteBufferSize:  64 * 1024,
	}
	conn, resp, err := dialer.DialContext(dialCtx, target, header)
	if err != nil {
		if errors.Is(dialCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			return &ConnectionError{Transport: TransportSocket, Err: ErrConnectTimeout}
		}
		if resp != nil {
			return connErr(TransportSocket, "dial websocket: %s: %w", resp.Status, err)
		}
		return connErr(TransportSocket, "dial websocket: %w", err)
	}
	conn.SetReadLimit(maxLineSize)

	hbCtx, stopHeartbeat := context.WithCancel(context.Background())
	pongs := make(chan int64, 1)
	readDone := make(chan struct{})

	t.mu.Lock()
	t.gen++
	gen := t.gen
	t.conn = conn
	t.connected = true
	t.stopHeartbeat = stopHeartbeat
	t.readDone = readDone
	t.mu.Unlock()

	t.logger.Info("MCP websocket open")
	t.emit(Event{Kind: EventConnect})

	go func() {
		defer close(readDone)
		t.readLoop(gen, conn, pongs)
	}()
	go t.heartbeat(hbCtx, gen, pongs)

	return nil
}

func (t *SocketTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.gen == gen
}

// readLoop delivers inbound frames until the socket fails. Pong frames
// go to the heartbeat; server pings are answered directly.
func (t *SocketTransport) readLoop(gen uint64, conn *websocket.Conn, pongs chan<- int64) {
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			t.socketLost(gen, err)
			return
		}

		msg, err := DecodeMessage(data)
		if err != nil {
			var perr *ProtocolParseError
			if errors.As(err, &perr) {
				t.logger.Warn("dropping malformed frame from MCP websocket",
					"frame", perr.Frame,
					"error", perr.Err,
				)
			}
			continue
		}

		switch msg.Kind() {
		case KindPong:
			id, _ := strconv.ParseInt(msg.IDString(), 10, 64)
			select {
			case pongs <- id:
			default:
			}
			continue
		case KindPing:
			pong := &Message{Type: "pong", ID: msg.ID}
			if err := t.write(conn, pong); err != nil {
				t.logger.Debug("answer websocket ping", "error", err)
			}
			continue
		}

		if !t.current(gen) {
			return
		}
		t.logger.Log(context.Background(), levelTrace, "MCP frame received", "payload", string(data))
		t.emit(Event{Kind: EventMessage, Message: msg})
	}
}

// heartbeat pings on every interval and waits for the pong.
func (t *SocketTransport) heartbeat(ctx context.Context, gen uint64, pongs <-chan int64) {
	ticker := time.NewTicker(t.heartbeatInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}

		t.mu.Lock()
		conn := t.conn
		live := t.connected && t.gen == gen
		t.mu.Unlock()
		if !live {
			return
		}

		id := t.pingID.Add(1)
		ping := &Message{Type: "ping", ID: NumericID(id)}
		if err := t.write(conn, ping); err != nil {
			// The read loop sees the same failure and handles it.
			t.logger.Debug("send websocket ping", "error", err)
			return
		}

		if !t.awaitPong(ctx, id, pongs) {
			if ctx.Err() == nil {
				t.forceReconnect(gen)
			}
			return
		}
	}
}

// awaitPong reports whether the pong for id arrived within the timeout.
// Stale pongs for earlier pings are skipped.
func (t *SocketTransport) awaitPong(ctx context.Context, id int64, pongs <-chan int64) bool {
	timer := time.NewTimer(t.heartbeatTimeout())
	defer timer.Stop()
	for {
		select {
		case <-ctx.Done():
			return false
		case <-timer.C:
			return false
		case got := <-pongs:
			if got == 0 || got >= id {
				return true
			}
		}
	}
}

// forceReconnect tears down a socket whose heartbeat went unanswered
// and schedules exactly one reconnect.
func (t *SocketTransport) forceReconnect(gen uint64) {
	if !t.teardown(gen) {
		return
	}
	t.logger.Warn("MCP websocket heartbeat timed out, reconnecting",
		"timeout", t.heartbeatTimeout().String(),
	)
	t.emit(Event{Kind: EventError, Err: &ConnectionError{Transport: TransportSocket, Err: errHeartbeatTimeout}})
	t.emit(Event{Kind: EventDisconnect})
	t.reconnector.Schedule(t.config.reconnectKey(), t.Connect)
}

// socketLost handles a read failure that Disconnect did not cause.
// Normal closures end the connection quietly; anything else reconnects.
func (t *SocketTransport) socketLost(gen uint64, err error) {
	if !t.teardown(gen) {
		return
	}

	if websocket.IsCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
		t.logger.Info("MCP websocket closed by server", "error", err)
		t.emit(Event{Kind: EventDisconnect})
		return
	}

	t.logger.Warn("MCP websocket lost", "error", err)
	t.emit(Event{Kind: EventError, Err: &ConnectionError{
		Transport: TransportSocket,
		Err:       fmt.Errorf("websocket read: %w", err),
	}})
	t.emit(Event{Kind: EventDisconnect})
	t.reconnector.Schedule(t.config.reconnectKey(), t.Connect)
}

// teardown marks connection gen closed, stops its heartbeat, and closes
// the socket. Returns false when gen was already torn down.
func (t *SocketTransport) teardown(gen uint64) bool {
	t.mu.Lock()
	if !t.connected || t.gen != gen {
		t.mu.Unlock()
		return false
	}
	t.connected = false
	t.gen++
	conn := t.conn
	stop := t.stopHeartbeat
	t.conn = nil
	t.stopHeartbeat = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		conn.Close()
	}
	return true
}

// write sends one frame under the write mutex.
func (t *SocketTransport) write(conn *websocket.Conn, msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	return conn.WriteMessage(websocket.TextMessage, data)
}

// Send writes msg as one text frame.
func (t *SocketTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	conn := t.conn
	connected := t.connected
	t.mu.Unlock()
	if !connected || conn == nil {
		return ErrNotConnected
	}

	if t.logger.Enabled(ctx, levelTrace) {
		if data, err := json.Marshal(msg); err == nil {
			t.logger.Log(ctx, levelTrace, "MCP frame sent", "payload", string(data))
		}
	}

	if err := t.write(conn, msg); err != nil {
		return connErr(TransportSocket, "write websocket: %w", err)
	}
	return nil
}

// Disconnect sends a normal close frame and closes the socket. It never
// triggers a reconnect and cancels one that is pending.
func (t *SocketTransport) Disconnect(ctx context.Context) error {
	t.reconnector.Cancel(t.config.reconnectKey())

	t.connectMu.Lock()
	defer t.connectMu.Unlock()

	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	t.connected = false
	t.gen++
	conn := t.conn
	stop := t.stopHeartbeat
	done := t.readDone
	t.conn = nil
	t.stopHeartbeat = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if conn != nil {
		t.writeMu.Lock()
		err := conn.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(closeWriteWait))
		t.writeMu.Unlock()
		if err != nil {
			t.logger.Debug("send websocket close frame", "error", err)
		}
		conn.Close()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	t.emit(Event{Kind: EventDisconnect})
	return nil
}

// Close disconnects and stops the private reconnect scheduler, if any.
func (t *SocketTransport) Close() error {
	err := t.Disconnect(context.Background())
	t.ownsSched.Stop()
	return err
}
