package mcp

import (
	"context"
	"errors"
	"io"
	"os/exec"
	"strings"
	"testing"
	"time"
)

func newTestStdio(cfg TransportConfig) *StdioTransport {
	cfg.Logger = discardLogger()
	return NewStdioTransport(cfg)
}

func requireShell(t *testing.T) {
	t.Helper()
	if _, err := exec.LookPath("sh"); err != nil {
		t.Skip("sh not available")
	}
}

func TestStdioTransport_FramesAcrossChunks(t *testing.T) {
	tr := newTestStdio(TransportConfig{Command: "unused"})
	rec := record(tr)

	// Pretend a connection is live so frames are delivered.
	tr.mu.Lock()
	tr.gen = 1
	tr.connected = true
	tr.mu.Unlock()

	pr, pw := io.Pipe()
	done := make(chan struct{})
	go func() {
		defer close(done)
		tr.readFrames(1, pr)
	}()

	if _, err := pw.Write([]byte("{\"a\":1}\n{\"b")); err != nil {
		t.Fatalf("write chunk 1: %v", err)
	}
	if _, err := pw.Write([]byte("\":2}\n")); err != nil {
		t.Fatalf("write chunk 2: %v", err)
	}
	pw.Close()
	<-done

	if got := rec.count(EventMessage); got != 2 {
		t.Fatalf("message events = %d, want 2", got)
	}
	rec.mu.Lock()
	defer rec.mu.Unlock()
	want := []string{`{"a":1}`, `{"b":2}`}
	for i, ev := range rec.events {
		if got := string(ev.Message.Raw); got != want[i] {
			t.Errorf("message %d = %s, want %s", i, got, want[i])
		}
	}
}

func TestStdioTransport_StaleGenerationDropped(t *testing.T) {
	tr := newTestStdio(TransportConfig{Command: "unused"})
	rec := record(tr)

	tr.mu.Lock()
	tr.gen = 2
	tr.connected = true
	tr.mu.Unlock()

	tr.readFrames(1, strings.NewReader("{\"a\":1}\n"))

	if got := rec.count(EventMessage); got != 0 {
		t.Errorf("message events from stale generation = %d, want 0", got)
	}
}

func TestLineFramer(t *testing.T) {
	tests := []struct {
		name   string
		chunks []string
		want   []string
	}{
		{
			name:   "single line",
			chunks: []string{"abc\n"},
			want:   []string{"abc"},
		},
		{
			name:   "partial line held",
			chunks: []string{"ab", "c\nde"},
			want:   []string{"abc"},
		},
		{
			name:   "empty lines skipped",
			chunks: []string{"\n\n  \nx\n\n"},
			want:   []string{"x"},
		},
		{
			name:   "crlf trimmed",
			chunks: []string{"x\r\ny\r\n"},
			want:   []string{"x", "y"},
		},
		{
			name:   "many lines one chunk",
			chunks: []string{"1\n2\n3\n"},
			want:   []string{"1", "2", "3"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var f lineFramer
			var got []string
			for _, c := range tt.chunks {
				f.feed([]byte(c), func(line []byte) {
					got = append(got, string(line))
				})
			}
			if strings.Join(got, "|") != strings.Join(tt.want, "|") {
				t.Errorf("lines = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestLineFramer_OversizedLineDropped(t *testing.T) {
	var f lineFramer
	var got []string
	emit := func(line []byte) { got = append(got, string(line)) }

	big := make([]byte, maxLineSize+1)
	for i := range big {
		big[i] = 'x'
	}
	f.feed(big, emit)
	f.feed([]byte("tail\nok\n"), emit)

	if len(got) != 1 || got[0] != "ok" {
		t.Errorf("lines after oversized frame = %q, want [ok]", got)
	}
}

func TestStdioTransport_MalformedFrameDropped(t *testing.T) {
	tr := newTestStdio(TransportConfig{Command: "unused"})
	rec := record(tr)

	tr.mu.Lock()
	tr.gen = 1
	tr.connected = true
	tr.mu.Unlock()

	tr.readFrames(1, strings.NewReader("not json\n{\"jsonrpc\":\"2.0\",\"method\":\"x\"}\n"))

	if got := rec.count(EventMessage); got != 1 {
		t.Errorf("message events = %d, want 1", got)
	}
}

func TestStdioTransport_SendNotConnected(t *testing.T) {
	tr := newTestStdio(TransportConfig{Command: "cat"})
	msg, _ := NewNotification("x", nil)
	if err := tr.Send(context.Background(), msg); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() = %v, want ErrNotConnected", err)
	}
}

func TestStdioTransport_ConnectBadCommand(t *testing.T) {
	tr := newTestStdio(TransportConfig{Command: "/nonexistent/mcp-server-binary"})
	err := tr.Connect(context.Background())
	var cerr *ConnectionError
	if !errors.As(err, &cerr) {
		t.Fatalf("Connect() = %v, want *ConnectionError", err)
	}
	if cerr.Transport != TransportProcess {
		t.Errorf("Transport = %q, want %q", cerr.Transport, TransportProcess)
	}
	if tr.Connected() {
		t.Error("Connected() = true after failed connect")
	}
}

func TestStdioTransport_EchoRoundTrip(t *testing.T) {
	requireShell(t)
	tr := newTestStdio(TransportConfig{Command: "sh", Args: []string{"-c", "exec cat"}})
	rec := record(tr)

	ctx := context.Background()
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("Connect() = %v", err)
	}
	rec.next(t, EventConnect)

	// Second connect is a no-op.
	if err := tr.Connect(ctx); err != nil {
		t.Fatalf("second Connect() = %v", err)
	}

	req, err := NewRequest(7, "tools/list", nil)
	if err != nil {
		t.Fatal(err)
	}
	if err := tr.Send(ctx, req); err != nil {
		t.Fatalf("Send() = %v", err)
	}

	ev := rec.next(t, EventMessage)
	if ev.Message.Method != "tools/list" || ev.Message.IDString() != "7" {
		t.Errorf("echoed message = %+v", ev.Message)
	}

	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() = %v", err)
	}
	rec.next(t, EventDisconnect)

	if tr.Connected() {
		t.Error("Connected() = true after Disconnect")
	}
	if err := tr.Send(ctx, req); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Send() after Disconnect = %v, want ErrNotConnected", err)
	}
	if got := rec.count(EventError); got != 0 {
		t.Errorf("error events after clean Disconnect = %d, want 0", got)
	}
	if got := rec.count(EventConnect); got != 1 {
		t.Errorf("connect events = %d, want 1", got)
	}
}

func TestStdioTransport_UnexpectedExit(t *testing.T) {
	requireShell(t)
	tr := newTestStdio(TransportConfig{Command: "sh", Args: []string{"-c", "exit 3"}})
	rec := record(tr)

	if err := tr.Connect(context.Background()); err != nil {
		t.Fatalf("Connect() = %v", err)
	}

	errEv := rec.next(t, EventError)
	var cerr *ConnectionError
	if !errors.As(errEv.Err, &cerr) {
		t.Errorf("error event = %v, want *ConnectionError", errEv.Err)
	}
	rec.next(t, EventDisconnect)

	want := []EventKind{EventConnect, EventError, EventDisconnect}
	got := rec.kinds()
	if len(got) != len(want) {
		t.Fatalf("events = %v, want %v", got, want)
	}
	for i := range want {
		if got[i] != want[i] {
			t.Errorf("event %d = %s, want %s", i, got[i], want[i])
		}
	}
	if tr.Connected() {
		t.Error("Connected() = true after process exit")
	}
}

func TestStdioTransport_DisconnectIdempotent(t *testing.T) {
	requireShell(t)
	tr := newTestStdio(TransportConfig{Command: "sh", Args: []string{"-c", "exec cat"}})
	rec := record(tr)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := tr.Disconnect(ctx); err != nil {
		t.Fatalf("Disconnect() before Connect = %v", err)
	}
	if err := tr.Connect(ctx); err != nil {
		t.Fatal(err)
	}
	_ = tr.Disconnect(ctx)
	_ = tr.Disconnect(ctx)

	if got := rec.count(EventDisconnect); got != 1 {
		t.Errorf("disconnect events = %d, want 1", got)
	}
}
