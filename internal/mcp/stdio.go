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
	"os"
	"os/exec"
	"sync"
	"syscall"
	"time"
)

// Process transport limits.
const (
	// maxLineSize is the longest frame accepted from a subprocess.
	// Longer lines are discarded up to the next newline.
	maxLineSize = 16 << 20

	// readChunkSize is the read size for subprocess stdout.
	readChunkSize = 64 << 10

	// stopGracePeriod is how long Disconnect waits after SIGTERM before
	// killing the subprocess.
	stopGracePeriod = 5 * time.Second
)

// levelTrace matches config.LevelTrace. Wire payloads are logged at it.
const levelTrace = slog.Level(-8)

// StdioTransport communicates with an MCP server running as a
// subprocess. JSON-RPC messages are newline-delimited on stdin/stdout.
type StdioTransport struct {
	emitter
	config TransportConfig
	logger *slog.Logger

	mu        sync.Mutex
	cmd       *exec.Cmd
	stdin     io.WriteCloser
	gen       uint64
	connected bool
	exited    chan struct{}

	// writeMu serializes frames on stdin.
	writeMu sync.Mutex
}

// NewStdioTransport creates a process transport for the given config.
// The subprocess is not started until Connect.
func NewStdioTransport(cfg TransportConfig) *StdioTransport {
	cfg.Type = TransportProcess
	return &StdioTransport{
		emitter: newEmitter(),
		config:  cfg,
		logger:  cfg.logger(),
	}
}

// Type returns TransportProcess.
func (t *StdioTransport) Type() TransportType { return TransportProcess }

// Connected reports whether the subprocess is running.
func (t *StdioTransport) Connected() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected
}

// Connect launches the subprocess. The subprocess lifecycle is
// independent of ctx; it is only terminated by Disconnect or by exiting
// on its own.
func (t *StdioTransport) Connect(_ context.Context) error {
	t.mu.Lock()
	if t.connected {
		t.mu.Unlock()
		return nil
	}

	t.logger.Info("starting MCP subprocess",
		"command", t.config.Command,
		"args", t.config.Args,
	)

	cmd := exec.Command(t.config.Command, t.config.Args...)
	cmd.Env = append(os.Environ(), t.config.Env...)
	cmd.Dir = t.config.Dir

	stdin, err := cmd.StdinPipe()
	if err != nil {
		t.mu.Unlock()
		return connErr(TransportProcess, "create stdin pipe: %w", err)
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		stdin.Close()
		t.mu.Unlock()
		return connErr(TransportProcess, "create stdout pipe: %w", err)
	}

	// Capture stderr for logging; it is not part of the protocol.
	stderrPipe, err := cmd.StderrPipe()
	if err != nil {
		stdin.Close()
		stdout.Close()
		t.mu.Unlock()
		return connErr(TransportProcess, "create stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		stderrPipe.Close()
		stdout.Close()
		stdin.Close()
		t.mu.Unlock()
		return connErr(TransportProcess, "start subprocess %s: %w", t.config.Command, err)
	}

	t.gen++
	gen := t.gen
	exited := make(chan struct{})
	t.cmd = cmd
	t.stdin = stdin
	t.connected = true
	t.exited = exited
	t.mu.Unlock()

	t.logger.Info("MCP subprocess started", "pid", cmd.Process.Pid)

	go t.drainStderr(stderrPipe)

	t.emit(Event{Kind: EventConnect})

	go func() {
		defer close(exited)
		t.readFrames(gen, stdout)
		waitErr := cmd.Wait()
		t.handleExit(gen, waitErr)
	}()

	return nil
}

// drainStderr reads stderr lines and logs them at debug level.
func (t *StdioTransport) drainStderr(r io.Reader) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 0, 64*1024), 256*1024)
	for scanner.Scan() {
		t.logger.Debug("MCP subprocess stderr", "line", scanner.Text())
	}
}

// readFrames reads r until EOF, emitting one message event per complete
// line while gen is still the live connection.
func (t *StdioTransport) readFrames(gen uint64, r io.Reader) {
	var f lineFramer
	buf := make([]byte, readChunkSize)
	for {
		n, err := r.Read(buf)
		if n > 0 {
			f.feed(buf[:n], func(line []byte) {
				t.deliver(gen, line)
			})
		}
		if err != nil {
			if !errors.Is(err, io.EOF) && t.current(gen) {
				t.logger.Debug("MCP subprocess stdout closed", "error", err)
			}
			return
		}
	}
}

func (t *StdioTransport) deliver(gen uint64, line []byte) {
	msg, err := DecodeMessage(line)
	if err != nil {
		var perr *ProtocolParseError
		if errors.As(err, &perr) {
			t.logger.Warn("dropping malformed frame from MCP subprocess",
				"frame", perr.Frame,
				"error", perr.Err,
			)
		}
		return
	}
	if !t.current(gen) {
		return
	}
	t.logger.Log(context.Background(), levelTrace, "MCP frame received", "payload", string(line))
	t.emit(Event{Kind: EventMessage, Message: msg})
}

// current reports whether gen is the live connection.
func (t *StdioTransport) current(gen uint64) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.connected && t.gen == gen
}

// handleExit reports a subprocess exit that Disconnect did not cause.
func (t *StdioTransport) handleExit(gen uint64, waitErr error) {
	t.mu.Lock()
	if !t.connected || t.gen != gen {
		t.mu.Unlock()
		return
	}
	t.connected = false
	t.gen++
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()

	reason := waitErr
	if reason == nil {
		reason = errors.New("exited with status 0")
	}
	t.logger.Warn("MCP subprocess exited unexpectedly", "error", reason)

	t.emit(Event{Kind: EventError, Err: &ConnectionError{
		Transport: TransportProcess,
		Err:       fmt.Errorf("subprocess exited: %w", reason),
	}})
	t.emit(Event{Kind: EventDisconnect})
}

// Send writes msg as one JSON line on the subprocess stdin.
func (t *StdioTransport) Send(ctx context.Context, msg *Message) error {
	t.mu.Lock()
	stdin := t.stdin
	connected := t.connected
	t.mu.Unlock()
	if !connected || stdin == nil {
		return ErrNotConnected
	}

	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("marshal message: %w", err)
	}
	t.logger.Log(ctx, levelTrace, "MCP frame sent", "payload", string(data))

	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	if _, err := stdin.Write(append(data, '\n')); err != nil {
		return connErr(TransportProcess, "write to subprocess stdin: %w", err)
	}
	return nil
}

// Disconnect sends SIGTERM to the subprocess and waits for it to exit,
// killing it after a grace period.
func (t *StdioTransport) Disconnect(_ context.Context) error {
	t.mu.Lock()
	if !t.connected {
		t.mu.Unlock()
		return nil
	}
	cmd := t.cmd
	stdin := t.stdin
	exited := t.exited
	t.connected = false
	t.gen++
	t.cmd = nil
	t.stdin = nil
	t.mu.Unlock()

	if cmd != nil && cmd.Process != nil {
		t.logger.Info("stopping MCP subprocess", "pid", cmd.Process.Pid)

		if stdin != nil {
			stdin.Close()
		}
		if err := cmd.Process.Signal(syscall.SIGTERM); err != nil && !errors.Is(err, os.ErrProcessDone) {
			t.logger.Debug("signal MCP subprocess", "pid", cmd.Process.Pid, "error", err)
		}

		select {
		case <-exited:
		case <-time.After(stopGracePeriod):
			t.logger.Warn("MCP subprocess did not exit gracefully, killing",
				"pid", cmd.Process.Pid,
			)
			_ = cmd.Process.Kill()
			<-exited
		}
	}

	t.emit(Event{Kind: EventDisconnect})
	return nil
}

// lineFramer accumulates stream chunks and yields complete lines.
type lineFramer struct {
	buf []byte
	// discarding is set while skipping the tail of an oversized line.
	discarding bool
}

// feed appends chunk and calls fn for every complete, non-empty line.
// A trailing partial line is kept for the next call.
func (f *lineFramer) feed(chunk []byte, fn func(line []byte)) {
	for len(chunk) > 0 {
		i := bytes.IndexByte(chunk, '\n')
		if i < 0 {
			if !f.discarding {
				f.buf = append(f.buf, chunk...)
				if len(f.buf) > maxLineSize {
					f.buf = nil
					f.discarding = true
				}
			}
			return
		}

		part := chunk[:i]
		chunk = chunk[i+1:]

		if f.discarding {
			f.discarding = false
			continue
		}

		var line []byte
		if len(f.buf) > 0 {
			line = append(f.buf, part...)
			f.buf = nil
		} else {
			line = part
		}
		if len(line) > maxLineSize {
			continue
		}
		line = bytes.TrimSpace(line)
		if len(line) == 0 {
			continue
		}
		fn(line)
	}
}
