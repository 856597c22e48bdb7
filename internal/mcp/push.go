package mcp

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"mime"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/nugget/mcplink/internal/connwatch"
	"github.com/nugget/mcplink/internal/httpkit"
)

// Session headers. Servers following the current protocol revision use
// Mcp-Session-Id; older ones used Mcp-Session.
const (
	sessionHeader       = "Mcp-Session-Id"
	legacySessionHeader = "Mcp-Session"
)

// maxPostBody limits how much of a POST response is read.
const maxPostBody = 10 << 20

// releaseTimeout bounds the DELETE for a session whose stream never
// opened.
const releaseTimeout = 5 * time.Second

// PushTransport receives messages over a server-sent event stream and
// sends each outbound message as an independent HTTP POST. The server
// assigns a session id during the initialize exchange; every later
// request carries it.
type PushTransport struct {
	emitter
	config      TransportConfig
	logger      *slog.Logger
	httpClient  *http.Client
	streamHTTP  *http.Client
	reconnector Reconnector
	ownsSched   *connwatch.Scheduler

	// connectMu serializes Connect and Disconnect.
	connectMu sync.Mutex

	mu         sync.Mutex
	connected  bool
	gen        uint64
	sessionID  string
	handshake  *Message
	stopStream context.CancelFunc
	streamDone chan struct{}
}

// NewPushTransport creates a push transport for the given config. The
// underlying HTTP clients are constructed via httpkit.
func NewPushTransport(cfg TransportConfig) *PushTransport {
	cfg.Type = TransportPush
	logger := cfg.logger()

	t := &PushTransport{
		emitter: newEmitter(),
		config:  cfg,
		logger:  logger,
		httpClient: httpkit.NewClient(
			httpkit.WithUserAgent(cfg.userAgent()),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithRetry(2, 500*time.Millisecond),
			httpkit.WithLogger(logger),
		),
		streamHTTP: httpkit.NewClient(
			httpkit.WithTimeout(0),
			httpkit.WithUserAgent(cfg.userAgent()),
			httpkit.WithHeaders(cfg.Headers),
			httpkit.WithLogger(logger),
		),
		reconnector: cfg.Reconnector,
	}
	if t.reconnector == nil {
		t.ownsSched = connwatch.NewScheduler(connwatch.DefaultBackoffConfig(), logger)
		t.reconnector = t.ownsSched
	}
	return t
}

// Type returns TransportPush.
func (t *PushTransport) Type() TransportType { return TransportPush }

// Connected reports whether the event stream is open.
func (t *PushTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// SessionID returns the server-assigned session id, or "" before the
// first successful initialize.
func (t *PushTransport) SessionID() string {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.sessionID
}

// HandshakeResult returns the initialize response received during the
// most recent Connect, or nil when the server replied without a body.
func (t *PushTransport) HandshakeResult() *Message {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.handshake
}

// Connect performs the initialize POST and then opens the event stream.
// The stream must open within the connect timeout.
func (t *PushTransport) Connect(ctx context.Context) error {
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

	sid, handshake, err := t.initialize(ctx)
	if err != nil {
		return err
	}

	body, stop, err := t.openStream(ctx, sid)
	if err != nil {
		if sid != "" {
			// ctx may already be done when the open timed out.
			rctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), releaseTimeout)
			t.releaseSession(rctx, sid)
			cancel()
		}
		return err
	}

	t.mu.Lock()
	t.gen++
	gen := t.gen
	done := make(chan struct{})
	t.connected = true
	t.sessionID = sid
	t.handshake = handshake
	t.stopStream = stop
	t.streamDone = done
	t.mu.Unlock()

	t.logger.Info("MCP push stream open", "url", t.config.URL, "session", sid)
	t.emit(Event{Kind: EventConnect})

	go func() {
		defer close(done)
		defer body.Close()
		t.readStream(gen, body)
	}()

	return nil
}

// initialize POSTs the initialize request and returns the session id
// and the server's reply.
func (t *PushTransport) initialize(ctx context.Context) (string, *Message, error) {
	req, err := newInitializeRequest(0)
	if err != nil {
		return "", nil, err
	}
	data, err := json.Marshal(req)
	if err != nil {
		return "", nil, fmt.Errorf("marshal initialize: %w", err)
	}

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		return "", nil, connErr(TransportPush, "create initialize request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return "", nil, connErr(TransportPush, "initialize %s: %w", t.config.URL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxPostBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return "", nil, connErr(TransportPush, "initialize returned %d: %s", resp.StatusCode, errBody)
	}

	sid := resp.Header.Get(sessionHeader)
	if sid == "" {
		sid = resp.Header.Get(legacySessionHeader)
	}

	reply, err := readReply(resp)
	if err != nil {
		t.logger.Warn("unreadable initialize reply", "error", err)
	}
	return sid, reply, nil
}

// readReply extracts the first JSON-RPC message from a POST response,
// which may be plain JSON or a short event stream. Returns nil when the
// body is empty.
func readReply(resp *http.Response) (*Message, error) {
	body := io.LimitReader(resp.Body, maxPostBody)

	if isEventStream(resp.Header.Get("Content-Type")) {
		var msg *Message
		var decodeErr error
		err := readSSE(body, func(ev sseEvent) bool {
			if !ev.isMessage() {
				return true
			}
			msg, decodeErr = DecodeMessage([]byte(ev.data))
			return false
		})
		if decodeErr != nil {
			return nil, decodeErr
		}
		return msg, err
	}

	data, err := io.ReadAll(body)
	if err != nil {
		return nil, fmt.Errorf("read reply: %w", err)
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return nil, nil
	}
	return DecodeMessage(data)
}

// openStream issues the event-stream GET. The connect timeout covers
// only the wait for response headers; the stream itself lives until
// stop is called.
func (t *PushTransport) openStream(ctx context.Context, sid string) (io.ReadCloser, context.CancelFunc, error) {
	streamCtx, stop := context.WithCancel(context.Background())

	timedOut := make(chan struct{})
	timer := time.AfterFunc(t.config.connectTimeout(), func() {
		close(timedOut)
		stop()
	})
	unhook := context.AfterFunc(ctx, stop)
	defer unhook()

	req, err := http.NewRequestWithContext(streamCtx, http.MethodGet, t.config.URL, nil)
	if err != nil {
		timer.Stop()
		stop()
		return nil, nil, connErr(TransportPush, "create stream request: %w", err)
	}
	req.Header.Set("Accept", "text/event-stream")
	req.Header.Set("Cache-Control", "no-cache")
	if sid != "" {
		req.Header.Set(sessionHeader, sid)
	}

	resp, err := t.streamHTTP.Do(req)
	if !timer.Stop() {
		<-timedOut
		if err == nil {
			resp.Body.Close()
		}
		stop()
		return nil, nil, &ConnectionError{Transport: TransportPush, Err: ErrConnectTimeout}
	}
	if err != nil {
		stop()
		if ctx.Err() != nil {
			return nil, nil, connErr(TransportPush, "open stream: %w", ctx.Err())
		}
		return nil, nil, connErr(TransportPush, "open stream %s: %w", t.config.URL, err)
	}

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		stop()
		return nil, nil, connErr(TransportPush, "stream returned %d: %s", resp.StatusCode, errBody)
	}
	if !isEventStream(resp.Header.Get("Content-Type")) {
		resp.Body.Close()
		stop()
		return nil, nil, connErr(TransportPush, "stream content type %q is not text/event-stream",
			resp.Header.Get("Content-Type"))
	}

	return resp.Body, stop, nil
}

func isEventStream(contentType string) bool {
	mt, _, err := mime.ParseMediaType(contentType)
	return err == nil && mt == "text/event-stream"
}

// readStream dispatches stream events until the stream ends.
func (t *PushTransport) readStream(gen uint64, body io.Reader) {
	err := readSSE(body, func(ev sseEvent) bool {
		if !ev.isMessage() {
			return true
		}
		msg, err := DecodeMessage([]byte(ev.data))
		if err != nil {
			var perr *ProtocolParseError
			if errors.As(err, &perr) {
				t.logger.Warn("dropping malformed frame from MCP push stream",
					"frame", perr.Frame,
					"error", perr.Err,
				)
			}
			return true
		}
		if !t.current(gen) {
			return false
		}
		t.logger.Log(context.Background(), levelTrace, "MCP frame received", "payload", ev.data)
		t.emit(Event{Kind: EventMessage, Message: msg})
		return true
	})

	if err == nil {
		err = io.ErrUnexpectedEOF
	}
	t.streamLost(gen, err)
}

func (t *PushTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.gen == gen
}

// streamLost reports a stream failure that Disconnect did not cause and
// schedules a reconnect.
func (t *PushTransport) streamLost(gen uint64, cause error) {
	t.mu.Lock()
	if !t.connected || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.gen++
	stop := t.stopStream
	t.stopStream = nil
	t.mu.Unlock()

	if stop != nil {
		stop()
	}

	t.logger.Warn("MCP push stream lost", "error", cause)
	t.emit(Event{Kind: EventError, Err: &ConnectionError{
		Transport: TransportPush,
		Err:       fmt.Errorf("push stream: %w", cause),
	}})
	t.emit(Event{Kind: EventDisconnect})

	t.reconnector.Schedule(t.config.reconnectKey(), t.Connect)
}

// Send POSTs msg with the session id. The response body is drained; the
// reply to a request arrives on the event stream.
func (t *PushTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	connected := t.connected
	sid := t.sessionID
	t.mu.Unlock()
	if !connected {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP frame sent", "payload", string(data))

	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, t.config.URL, bytes.NewReader(data))
	if err != nil {
		return fmt.Errorf("create HTTP request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")
	httpReq.Header.Set("Accept", "application/json, text/event-stream")
	if sid != "" {
		httpReq.Header.Set(sessionHeader, sid)
	}

	resp, err := t.httpClient.Do(httpReq)
	if err != nil {
		return connErr(TransportPush, "POST to %s: %w", t.config.URL, err)
	}
	defer httpkit.DrainAndClose(resp.Body, maxPostBody)

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		errBody := httpkit.ReadErrorBody(resp.Body, 1<<20)
		return fmt.Errorf("MCP server returned %d: %s", resp.StatusCode, errBody)
	}
	return nil
}

// Disconnect closes the event stream, cancels any pending reconnect,
// and asks the server to release the session.
func (t *PushTransport) Disconnect(ctx context.Context) error {
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
	stop := t.stopStream
	done := t.streamDone
	sid := t.sessionID
	t.stopStream = nil
	t.sessionID = ""
	t.mu.Unlock()

	if stop != nil {
		stop()
	}
	if done != nil {
		select {
		case <-done:
		case <-ctx.Done():
		}
	}

	if sid != "" {
		t.releaseSession(ctx, sid)
	}

	t.emit(Event{Kind: EventDisconnect})
	return nil
}

// releaseSession sends DELETE for sid. Failures are logged.
func (t *PushTransport) releaseSession(ctx context.Context, sid string) {
	req, err := http.NewRequestWithContext(ctx, http.MethodDelete, t.config.URL, nil)
	if err != nil {
		t.logger.Debug("create session release request", "error", err)
		return
	}
	req.Header.Set(sessionHeader, sid)

	resp, err := t.httpClient.Do(req)
	if err != nil {
		t.logger.Warn("MCP session release failed", "session", sid, "error", err)
		return
	}
	defer httpkit.DrainAndClose(resp.Body, 1<<20)

	if resp.StatusCode >= 400 && resp.StatusCode != http.StatusMethodNotAllowed {
		t.logger.Warn("MCP session release rejected",
			"session", sid,
			"status", resp.StatusCode,
		)
	}
}

// Close disconnects and stops the private reconnect scheduler, if any.
func (t *PushTransport) Close() error {
	err := t.Disconnect(context.Background())
	t.ownsSched.Stop()
	return err
}

// sseEvent is one dispatched server-sent event.
type sseEvent struct {
	name string
	data string
}

// isMessage reports whether the event carries a protocol message.
func (e sseEvent) isMessage() bool {
	return e.name == "" || e.name == "message"
}

// readSSE parses a text/event-stream body, calling fn for each complete
// event until fn returns false or the stream ends. Comment lines and
// unknown fields are ignored. A trailing event without its terminating
// blank line is discarded.
func readSSE(r io.Reader, fn func(sseEvent) bool) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	var name string
	var data []string
	for scanner.Scan() {
		line := strings.TrimSuffix(scanner.Text(), "\r")

		if line == "" {
			if len(data) > 0 {
				if !fn(sseEvent{name: name, data: strings.Join(data, "\n")}) {
					return nil
				}
			}
			name = ""
			data = nil
			continue
		}
		if strings.HasPrefix(line, ":") {
			continue
		}

		field, value, _ := strings.Cut(line, ":")
		value = strings.TrimPrefix(value, " ")
		switch field {
		case "event":
			name = value
		case "data":
			data = append(data, value)
		}
	}
	return scanner.Err()
}
