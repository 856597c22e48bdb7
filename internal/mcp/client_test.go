package mcp

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

// mockTransport is an event-driven test double. Requests for methods
// with a canned response are answered synchronously through the event
// bus, the way a fast server would.
type mockTransport struct {
	emitter

	mu        sync.Mutex
	connected bool
	responses map[string]*Message // method -> canned response
	sent      []*Message
	handshake *Message
}

func newMockTransport() *mockTransport {
	return &mockTransport{
		emitter:   newEmitter(),
		connected: true,
		responses: make(map[string]*Message),
	}
}

func (m *mockTransport) addResponse(method string, result any) {
	data, _ := json.Marshal(result)
	m.responses[method] = &Message{JSONRPC: jsonrpcVersion, Result: data}
}

func (m *mockTransport) addError(method string, code int, msg string) {
	m.responses[method] = &Message{
		JSONRPC: jsonrpcVersion,
		Error:   &RPCError{Code: code, Message: msg},
	}
}

func (m *mockTransport) Connect(context.Context) error    { return nil }
func (m *mockTransport) Disconnect(context.Context) error { return nil }
func (m *mockTransport) Type() TransportType              { return TransportProcess }

func (m *mockTransport) Connected() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.connected
}

func (m *mockTransport) Send(_ context.Context, msg *Message) error {
	m.mu.Lock()
	if !m.connected {
		m.mu.Unlock()
		return ErrNotConnected
	}
	m.sent = append(m.sent, msg)
	resp, ok := m.responses[msg.Method]
	m.mu.Unlock()

	if msg.Kind() == KindRequest && ok {
		out := *resp
		out.ID = msg.ID
		m.emit(Event{Kind: EventMessage, Message: &out})
	}
	return nil
}

func (m *mockTransport) HandshakeResult() *Message { return m.handshake }

func (m *mockTransport) sentMethods() []string {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]string, len(m.sent))
	for i, s := range m.sent {
		out[i] = s.Method
	}
	return out
}

func testInitResult() InitializeResult {
	return InitializeResult{
		ProtocolVersion: "2024-11-05",
		ServerInfo:      ServerInfo{Name: "test-server", Version: "1.0.0"},
		Capabilities:    map[string]any{"tools": map[string]any{}, "prompts": map[string]any{}},
	}
}

func TestClient_Initialize(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", testInitResult())

	client := NewClient("test", mt, discardLogger())
	info, err := client.Initialize(context.Background())
	if err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	methods := mt.sentMethods()
	if len(methods) != 2 || methods[0] != "initialize" || methods[1] != "notifications/initialized" {
		t.Fatalf("sent %v, want [initialize notifications/initialized]", methods)
	}

	if info.ServerInfo.Name != "test-server" {
		t.Errorf("server name = %q, want %q", info.ServerInfo.Name, "test-server")
	}
	if got := client.ServerInfo(); got == nil || got.ServerInfo.Version != "1.0.0" {
		t.Errorf("ServerInfo() = %+v", got)
	}
	caps := info.CapabilityNames()
	if len(caps) != 2 || caps[0] != "prompts" || caps[1] != "tools" {
		t.Errorf("CapabilityNames() = %v, want [prompts tools]", caps)
	}
}

func TestClient_InitializeUsesHandshake(t *testing.T) {
	mt := newMockTransport()
	result, _ := json.Marshal(testInitResult())
	mt.handshake = &Message{JSONRPC: jsonrpcVersion, ID: NumericID(0), Result: result}

	client := NewClient("test", mt, discardLogger())
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	methods := mt.sentMethods()
	if len(methods) != 1 || methods[0] != "notifications/initialized" {
		t.Errorf("sent %v, want only the initialized notification", methods)
	}
}

func TestClient_ListTools(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("initialize", testInitResult())
	mt.addResponse("tools/list", toolsListResult{
		Tools: []ToolDefinition{
			{
				Name:        "get_entities",
				Description: "Get all entities",
				InputSchema: map[string]any{"type": "object"},
			},
			{
				Name:        "call_service",
				Description: "Call a service",
				InputSchema: map[string]any{
					"type": "object",
					"properties": map[string]any{
						"domain": map[string]any{"type": "string"},
					},
				},
			},
		},
	})

	client := NewClient("test", mt, discardLogger())
	if _, err := client.Initialize(context.Background()); err != nil {
		t.Fatalf("Initialize: %v", err)
	}

	tools, err := client.ListTools(context.Background())
	if err != nil {
		t.Fatalf("ListTools: %v", err)
	}

	if len(tools) != 2 {
		t.Fatalf("got %d tools, want 2", len(tools))
	}
	if tools[0].Name != "get_entities" {
		t.Errorf("tools[0].Name = %q, want %q", tools[0].Name, "get_entities")
	}

	// Second call should return cached results without another request.
	if _, err := client.ListTools(context.Background()); err != nil {
		t.Fatalf("ListTools (cached): %v", err)
	}
	if n := len(mt.sentMethods()); n != 3 {
		t.Errorf("sent %d messages, want 3 (init + initialized + one tools/list)", n)
	}
}

func TestClient_ToolsListChangedInvalidatesCache(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/list", toolsListResult{Tools: []ToolDefinition{{Name: "a"}}})

	client := NewClient("test", mt, discardLogger())
	var changed int
	client.OnToolsChanged(func() { changed++ })

	ctx := context.Background()
	if _, err := client.ListTools(ctx); err != nil {
		t.Fatal(err)
	}

	notif, _ := NewNotification("notifications/tools/list_changed", nil)
	mt.emit(Event{Kind: EventMessage, Message: notif})

	if changed != 1 {
		t.Errorf("OnToolsChanged calls = %d, want 1", changed)
	}
	if _, err := client.ListTools(ctx); err != nil {
		t.Fatal(err)
	}
	if n := len(mt.sentMethods()); n != 2 {
		t.Errorf("tools/list requests = %d, want 2 after invalidation", n)
	}
}

func TestClient_CallTool_TextResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "light.living_room is on"},
		},
	})

	client := NewClient("test", mt, discardLogger())
	result, err := client.CallTool(context.Background(), "get_state", map[string]any{
		"entity_id": "light.living_room",
	})
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	if result != "light.living_room is on" {
		t.Errorf("result = %q, want %q", result, "light.living_room is on")
	}
}

func TestClient_CallTool_MultipleContentBlocks(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "Result line 1"},
			{Type: "image"},
			{Type: "text", Text: "Result line 2"},
		},
	})

	client := NewClient("test", mt, discardLogger())
	result, err := client.CallTool(context.Background(), "mixed_tool", nil)
	if err != nil {
		t.Fatalf("CallTool: %v", err)
	}

	want := "Result line 1\n[image]\nResult line 2"
	if result != want {
		t.Errorf("result = %q, want %q", result, want)
	}
}

func TestClient_CallTool_ErrorResult(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("tools/call", callToolResult{
		Content: []ContentBlock{
			{Type: "text", Text: "entity not found"},
		},
		IsError: true,
	})

	client := NewClient("test", mt, discardLogger())
	_, err := client.CallTool(context.Background(), "get_state", map[string]any{
		"entity_id": "nonexistent",
	})
	if err == nil {
		t.Fatal("expected error, got nil")
	}
	if got := err.Error(); got != "MCP tool get_state returned error: entity not found" {
		t.Errorf("error = %q", got)
	}
}

func TestClient_CallTool_RPCError(t *testing.T) {
	mt := newMockTransport()
	mt.addError("tools/call", -32601, "Method not found")

	client := NewClient("test", mt, discardLogger())
	_, err := client.CallTool(context.Background(), "nonexistent", nil)
	var rpcErr *RPCError
	if !errors.As(err, &rpcErr) || rpcErr.Code != -32601 {
		t.Fatalf("CallTool() error = %v, want RPCError -32601", err)
	}
}

func TestClient_RequestHooks(t *testing.T) {
	mt := newMockTransport()
	mt.addResponse("ping", struct{}{})
	mt.addError("tools/call", -1, "boom")

	client := NewClient("test", mt, discardLogger())
	var starts []string
	var ends []bool
	client.SetRequestHooks(RequestHooks{
		Start: func(id string) { starts = append(starts, id) },
		End:   func(id string, ok bool) { ends = append(ends, ok) },
	})

	ctx := context.Background()
	if err := client.Ping(ctx); err != nil {
		t.Fatalf("Ping: %v", err)
	}
	_, _ = client.CallTool(ctx, "x", nil)

	if len(starts) != 2 || starts[0] != "1" || starts[1] != "2" {
		t.Errorf("start ids = %v, want [1 2]", starts)
	}
	if len(ends) != 2 || !ends[0] || ends[1] {
		t.Errorf("end results = %v, want [true false]", ends)
	}
}

func TestClient_DisconnectFailsPending(t *testing.T) {
	mt := newMockTransport() // no canned response: the call stays pending

	client := NewClient("test", mt, discardLogger())
	errc := make(chan error, 1)
	go func() {
		errc <- client.Ping(context.Background())
	}()

	// Wait for the request to be sent, then drop the connection.
	deadline := time.Now().Add(2 * time.Second)
	for len(mt.sentMethods()) == 0 && time.Now().Before(deadline) {
		time.Sleep(time.Millisecond)
	}
	mt.emit(Event{Kind: EventDisconnect})

	select {
	case err := <-errc:
		if !errors.Is(err, ErrClosed) {
			t.Errorf("Ping() = %v, want ErrClosed", err)
		}
	case <-time.After(2 * time.Second):
		t.Fatal("pending call not released by disconnect")
	}
}

func TestClient_ContextCancel(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("test", mt, discardLogger())

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if err := client.Ping(ctx); !errors.Is(err, context.DeadlineExceeded) {
		t.Errorf("Ping() = %v, want DeadlineExceeded", err)
	}

	client.pendingMu.Lock()
	defer client.pendingMu.Unlock()
	if len(client.pending) != 0 {
		t.Errorf("pending calls after timeout = %d, want 0", len(client.pending))
	}
}

func TestClient_AnswersServerPing(t *testing.T) {
	mt := newMockTransport()
	_ = NewClient("test", mt, discardLogger())

	ping := &Message{JSONRPC: jsonrpcVersion, ID: NumericID(99), Method: "ping"}
	mt.emit(Event{Kind: EventMessage, Message: ping})

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mt.mu.Lock()
		n := len(mt.sent)
		var reply *Message
		if n > 0 {
			reply = mt.sent[0]
		}
		mt.mu.Unlock()
		if reply != nil {
			if reply.Kind() != KindResponse || reply.IDString() != "99" {
				t.Errorf("reply = %+v, want response to id 99", reply)
			}
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatal("server ping not answered")
}

func TestClient_SendWhileDisconnected(t *testing.T) {
	mt := newMockTransport()
	mt.connected = false
	client := NewClient("test", mt, discardLogger())

	if err := client.Ping(context.Background()); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Ping() = %v, want ErrNotConnected", err)
	}
}

func TestClient_Name(t *testing.T) {
	mt := newMockTransport()
	client := NewClient("my-server", mt, discardLogger())
	if got := client.Name(); got != "my-server" {
		t.Errorf("Name() = %q, want %q", got, "my-server")
	}
}

func TestExtractText(t *testing.T) {
	tests := []struct {
		name   string
		blocks []ContentBlock
		want   string
	}{
		{
			name:   "single text block",
			blocks: []ContentBlock{{Type: "text", Text: "hello"}},
			want:   "hello",
		},
		{
			name:   "multiple text blocks",
			blocks: []ContentBlock{{Type: "text", Text: "a"}, {Type: "text", Text: "b"}},
			want:   "a\nb",
		},
		{
			name:   "image placeholder",
			blocks: []ContentBlock{{Type: "image"}},
			want:   "[image]",
		},
		{
			name:   "unknown type",
			blocks: []ContentBlock{{Type: "audio"}},
			want:   "[audio]",
		},
		{
			name:   "empty",
			blocks: nil,
			want:   "",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := extractText(tt.blocks); got != tt.want {
				t.Errorf("extractText() = %q, want %q", got, tt.want)
			}
		})
	}
}
