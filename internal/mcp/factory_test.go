package mcp

import (
	"errors"
	"testing"
	"time"
)

func TestParseTransportType(t *testing.T) {
	t.Parallel()
	tests := []struct {
		in   string
		want TransportType
		ok   bool
	}{
		{"process", TransportProcess, true},
		{"stdio", TransportProcess, true},
		{"push", TransportPush, true},
		{"SSE", TransportPush, true},
		{"http", TransportPush, true},
		{"socket", TransportSocket, true},
		{"websocket", TransportSocket, true},
		{" ws ", TransportSocket, true},
		{"grpc", "", false},
		{"", "", false},
	}
	for _, tt := range tests {
		got, ok := ParseTransportType(tt.in)
		if got != tt.want || ok != tt.ok {
			t.Errorf("ParseTransportType(%q) = %q, %v; want %q, %v", tt.in, got, ok, tt.want, tt.ok)
		}
	}
}

func TestValidateConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		cfg       TransportConfig
		wantField string
	}{
		{
			name: "process ok",
			cfg:  TransportConfig{Type: TransportProcess, Command: "mcp-server"},
		},
		{
			name:      "process missing command",
			cfg:       TransportConfig{Type: TransportProcess},
			wantField: "command",
		},
		{
			name: "push ok",
			cfg:  TransportConfig{Type: TransportPush, URL: "https://mcp.example.com/mcp"},
		},
		{
			name:      "push missing url",
			cfg:       TransportConfig{Type: TransportPush},
			wantField: "url",
		},
		{
			name:      "push relative url",
			cfg:       TransportConfig{Type: TransportPush, URL: "/mcp"},
			wantField: "url",
		},
		{
			name:      "push websocket scheme",
			cfg:       TransportConfig{Type: TransportPush, URL: "ws://example.com"},
			wantField: "url",
		},
		{
			name: "socket ws ok",
			cfg:  TransportConfig{Type: TransportSocket, URL: "ws://localhost:9000/mcp"},
		},
		{
			name: "socket http ok",
			cfg:  TransportConfig{Type: "websocket", URL: "http://localhost:9000/mcp"},
		},
		{
			name:      "socket ftp",
			cfg:       TransportConfig{Type: TransportSocket, URL: "ftp://localhost"},
			wantField: "url",
		},
		{
			name:      "unknown type",
			cfg:       TransportConfig{Type: "carrier-pigeon", URL: "http://x"},
			wantField: "type",
		},
		{
			name:      "empty type",
			cfg:       TransportConfig{Command: "x"},
			wantField: "type",
		},
		{
			name:      "negative timeout",
			cfg:       TransportConfig{Type: TransportSocket, URL: "ws://x", ConnectTimeout: -time.Second},
			wantField: "connect_timeout",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			err := ValidateConfig(tt.cfg)
			if tt.wantField == "" {
				if err != nil {
					t.Fatalf("ValidateConfig() = %v, want nil", err)
				}
				return
			}
			var cerr *ConfigurationError
			if !errors.As(err, &cerr) {
				t.Fatalf("ValidateConfig() = %v, want *ConfigurationError", err)
			}
			if cerr.Field != tt.wantField {
				t.Errorf("Field = %q, want %q (reason %q)", cerr.Field, tt.wantField, cerr.Reason)
			}
		})
	}
}

func TestNewTransport_Dispatch(t *testing.T) {
	t.Parallel()
	tests := []struct {
		cfg  TransportConfig
		want TransportType
	}{
		{TransportConfig{Type: "stdio", Command: "x"}, TransportProcess},
		{TransportConfig{Type: "sse", URL: "http://localhost/mcp", Reconnector: &fakeReconnector{}}, TransportPush},
		{TransportConfig{Type: "ws", URL: "ws://localhost/mcp", Reconnector: &fakeReconnector{}}, TransportSocket},
	}
	for _, tt := range tests {
		tt.cfg.Logger = discardLogger()
		tr, err := NewTransport(tt.cfg)
		if err != nil {
			t.Fatalf("NewTransport(%q) = %v", tt.cfg.Type, err)
		}
		if tr.Type() != tt.want {
			t.Errorf("NewTransport(%q).Type() = %q, want %q", tt.cfg.Type, tr.Type(), tt.want)
		}
		if tr.Connected() {
			t.Errorf("NewTransport(%q) connected before Connect", tt.cfg.Type)
		}
	}
}

func TestNewTransport_RejectsBeforeConstruction(t *testing.T) {
	t.Parallel()
	tr, err := NewTransport(TransportConfig{Type: "nope"})
	if tr != nil {
		t.Errorf("NewTransport() returned transport %T for invalid config", tr)
	}
	var cerr *ConfigurationError
	if !errors.As(err, &cerr) || cerr.Field != "type" {
		t.Errorf("NewTransport() error = %v, want ConfigurationError on type", err)
	}
}
