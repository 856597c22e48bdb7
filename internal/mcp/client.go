package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"sync"
	"sync/atomic"

	"github.com/nugget/mcplink/internal/buildinfo"
)

// protocolVersion is the MCP protocol version we advertise during initialization.
const protocolVersion = "2024-11-05"

// Methods and notifications the client handles.
const (
	methodInitialize       = "initialize"
	methodPing             = "ping"
	methodToolsList        = "tools/list"
	methodToolsCall        = "tools/call"
	notifyInitialized      = "notifications/initialized"
	notifyToolsListChanged = "notifications/tools/list_changed"
)

// JSON-RPC error codes used in replies to server requests.
const codeMethodNotFound = -32601

// ToolDefinition is an MCP tool as returned by tools/list.
type ToolDefinition struct {
	Name        string         `json:"name"`
	Description string         `json:"description"`
	InputSchema map[string]any `json:"inputSchema"`
}

// ContentBlock is a single content item in a tools/call response.
type ContentBlock struct {
	Type string `json:"type"`
	Text string `json:"text,omitempty"`
}

// callToolResult is the result payload of a tools/call response.
type callToolResult struct {
	Content []ContentBlock `json:"content"`
	IsError bool           `json:"isError,omitempty"`
}

// toolsListResult is the result payload of a tools/list response.
type toolsListResult struct {
	Tools []ToolDefinition `json:"tools"`
}

// ServerInfo identifies the remote server.
type ServerInfo struct {
	Name    string `json:"name"`
	Version string `json:"version"`
}

// InitializeResult is the initialize response result.
type InitializeResult struct {
	ProtocolVersion string         `json:"protocolVersion"`
	ServerInfo      ServerInfo     `json:"serverInfo"`
	Capabilities    map[string]any `json:"capabilities"`
}

// CapabilityNames returns the advertised capability keys, sorted.
func (r *InitializeResult) CapabilityNames() []string {
	if r == nil {
		return nil
	}
	names := make([]string, 0, len(r.Capabilities))
	for k := range r.Capabilities {
		names = append(names, k)
	}
	slices.Sort(names)
	return names
}

func initializeParams() map[string]any {
	return map[string]any{
		"protocolVersion": protocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo":      buildinfo.ClientInfo(),
	}
}

// newInitializeRequest builds the initialize request sent on connect.
func newInitializeRequest(id int64) (*Message, error) {
	return NewRequest(id, methodInitialize, initializeParams())
}

// RequestHooks observe request lifecycles, typically to feed latency
// into a health monitor. Either field may be nil.
type RequestHooks struct {
	Start func(id string)
	End   func(id string, success bool)
}

// Client speaks the MCP protocol to a single server over an event
// transport. It correlates responses to requests by id, answers
// server pings, and caches the tool list until the server announces
// a change.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger
	nextID    atomic.Int64
	unsub     func()

	pendingMu sync.Mutex
	pending   map[string]chan *Message

	mu             sync.RWMutex
	info           *InitializeResult
	tools          []ToolDefinition
	hooks          RequestHooks
	onToolsChanged func()
}

// NewClient creates an MCP client for the given server and subscribes
// it to the transport's events. The transport is not connected here.
func NewClient(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	c := &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("mcp_server", name),
		pending:   make(map[string]chan *Message),
	}
	c.unsub = transport.Subscribe(c.handle)
	return c
}

// Name returns the server name this client is connected to.
func (c *Client) Name() string {
	return c.name
}

// Transport returns the underlying transport.
func (c *Client) Transport() Transport {
	return c.transport
}

// SetRequestHooks installs request lifecycle observers.
func (c *Client) SetRequestHooks(h RequestHooks) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.hooks = h
}

// OnToolsChanged registers fn to run when the server announces that its
// tool list changed. The cached list is already invalidated when fn runs.
func (c *Client) OnToolsChanged(fn func()) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.onToolsChanged = fn
}

// ServerInfo returns the initialize result, or nil before Initialize.
func (c *Client) ServerInfo() *InitializeResult {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.info
}

// handle routes transport events.
func (c *Client) handle(ev Event) {
	switch ev.Kind {
	case EventMessage:
		c.handleMessage(ev.Message)
	case EventDisconnect:
		c.failPending()
		c.mu.Lock()
		c.info = nil
		c.tools = nil
		c.mu.Unlock()
	}
}

func (c *Client) handleMessage(msg *Message) {
	switch msg.Kind() {
	case KindResponse:
		id := msg.IDString()
		c.pendingMu.Lock()
		ch, ok := c.pending[id]
		if ok {
			delete(c.pending, id)
		}
		c.pendingMu.Unlock()
		if !ok {
			c.logger.Debug("skipping unmatched MCP response", "id", id)
			return
		}
		ch <- msg

	case KindNotification:
		if msg.Method == notifyToolsListChanged {
			c.mu.Lock()
			c.tools = nil
			fn := c.onToolsChanged
			c.mu.Unlock()
			c.logger.Info("MCP server tool list changed")
			if fn != nil {
				fn()
			}
		}

	case KindRequest:
		go c.answer(msg)
	}
}

// answer replies to a server-initiated request. Only ping is supported.
func (c *Client) answer(req *Message) {
	var reply *Message
	if req.Method == methodPing {
		var err error
		reply, err = NewResult(req.ID, struct{}{})
		if err != nil {
			return
		}
	} else {
		reply = &Message{
			JSONRPC: jsonrpcVersion,
			ID:      req.ID,
			Error:   &RPCError{Code: codeMethodNotFound, Message: "method not found: " + req.Method},
		}
	}
	if err := c.transport.Send(context.Background(), reply); err != nil {
		c.logger.Debug("reply to server request", "method", req.Method, "error", err)
	}
}

// failPending unblocks every in-flight call with ErrClosed.
func (c *Client) failPending() {
	c.pendingMu.Lock()
	pending := c.pending
	c.pending = make(map[string]chan *Message)
	c.pendingMu.Unlock()

	for _, ch := range pending {
		close(ch)
	}
}

// Initialize performs the MCP handshake: sends an initialize request
// (unless the transport already did during Connect) and then the
// notifications/initialized notification.
func (c *Client) Initialize(ctx context.Context) (*InitializeResult, error) {
	var resp *Message
	if hs, ok := c.transport.(Handshaker); ok {
		resp = hs.HandshakeResult()
	}
	if resp == nil || resp.Kind() != KindResponse {
		var err error
		resp, err = c.call(ctx, methodInitialize, initializeParams())
		if err != nil {
			return nil, fmt.Errorf("initialize: %w", err)
		}
	} else if resp.Error != nil {
		return nil, fmt.Errorf("initialize: %w", resp.Error)
	}

	var result InitializeResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal initialize result: %w", err)
	}

	c.mu.Lock()
	c.info = &result
	c.tools = nil
	c.mu.Unlock()

	c.logger.Info("MCP server initialized",
		"server_name", result.ServerInfo.Name,
		"server_version", result.ServerInfo.Version,
		"protocol_version", result.ProtocolVersion,
	)

	// Send the initialized notification to complete the handshake.
	notif, err := NewNotification(notifyInitialized, nil)
	if err != nil {
		return nil, err
	}
	if err := c.transport.Send(ctx, notif); err != nil {
		return nil, fmt.Errorf("send initialized notification: %w", err)
	}

	return &result, nil
}

// ListTools calls tools/list and returns the available tool definitions.
// Results are cached until the server sends a list_changed notification
// or the transport disconnects.
func (c *Client) ListTools(ctx context.Context) ([]ToolDefinition, error) {
	c.mu.RLock()
	if c.tools != nil {
		defer c.mu.RUnlock()
		return c.tools, nil
	}
	c.mu.RUnlock()

	resp, err := c.call(ctx, methodToolsList, nil)
	if err != nil {
		return nil, fmt.Errorf("tools/list: %w", err)
	}

	var result toolsListResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return nil, fmt.Errorf("unmarshal tools/list result: %w", err)
	}
	if result.Tools == nil {
		result.Tools = []ToolDefinition{}
	}

	c.mu.Lock()
	c.tools = result.Tools
	c.mu.Unlock()

	c.logger.Info("discovered MCP tools", "count", len(result.Tools))
	return result.Tools, nil
}

// CallTool invokes a tool by name with the given arguments. The result
// is extracted from the response content blocks as a single string.
// Non-text content blocks are described inline (e.g., "[image]").
func (c *Client) CallTool(ctx context.Context, name string, args map[string]any) (string, error) {
	params := map[string]any{
		"name":      name,
		"arguments": args,
	}

	resp, err := c.call(ctx, methodToolsCall, params)
	if err != nil {
		return "", fmt.Errorf("tools/call %s: %w", name, err)
	}

	var result callToolResult
	if err := json.Unmarshal(resp.Result, &result); err != nil {
		return "", fmt.Errorf("unmarshal tools/call result: %w", err)
	}

	text := extractText(result.Content)

	if result.IsError {
		return "", fmt.Errorf("MCP tool %s returned error: %s", name, text)
	}

	return text, nil
}

// Ping checks whether the MCP server is responsive.
func (c *Client) Ping(ctx context.Context) error {
	_, err := c.call(ctx, methodPing, nil)
	return err
}

// Close detaches the client from its transport and fails in-flight
// calls. The transport itself is left to its owner.
func (c *Client) Close() error {
	if c.unsub != nil {
		c.unsub()
	}
	c.failPending()
	return nil
}

// call issues a JSON-RPC request and waits for the correlated response
// on the transport's event stream.
func (c *Client) call(ctx context.Context, method string, params any) (*Message, error) {
	id := c.nextID.Add(1)
	req, err := NewRequest(id, method, params)
	if err != nil {
		return nil, err
	}
	key := req.IDString()

	ch := make(chan *Message, 1)
	c.pendingMu.Lock()
	c.pending[key] = ch
	c.pendingMu.Unlock()

	c.mu.RLock()
	hooks := c.hooks
	c.mu.RUnlock()
	if hooks.Start != nil {
		hooks.Start(key)
	}
	end := func(success bool) {
		if hooks.End != nil {
			hooks.End(key, success)
		}
	}

	if err := c.transport.Send(ctx, req); err != nil {
		c.forget(key)
		end(false)
		return nil, err
	}

	select {
	case <-ctx.Done():
		c.forget(key)
		end(false)
		return nil, ctx.Err()
	case resp, ok := <-ch:
		if !ok {
			end(false)
			return nil, ErrClosed
		}
		if resp.Error != nil {
			end(false)
			return nil, resp.Error
		}
		end(true)
		return resp, nil
	}
}

func (c *Client) forget(key string) {
	c.pendingMu.Lock()
	delete(c.pending, key)
	c.pendingMu.Unlock()
}

// extractText joins all text content blocks into a single string.
// Non-text blocks are represented as inline markers.
func extractText(blocks []ContentBlock) string {
	var parts []string
	for _, b := range blocks {
		switch b.Type {
		case "text":
			parts = append(parts, b.Text)
		case "image":
			parts = append(parts, "[image]")
		case "resource":
			parts = append(parts, "[resource]")
		default:
			parts = append(parts, fmt.Sprintf("[%s]", b.Type))
		}
	}
	return strings.Join(parts, "\n")
}
