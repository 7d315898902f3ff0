package mcp

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"time"
)

// ErrTransportClosed is returned for calls made after the server went away.
var ErrTransportClosed = errors.New("transport closed")

// StdioTransport speaks newline-delimited JSON-RPC over a subprocess's stdin/stdout.
type StdioTransport struct {
	config *ServerConfig
	logger *slog.Logger

	process *exec.Cmd
	stdin   io.WriteCloser
	stdout  *bufio.Scanner
	stderr  io.ReadCloser
	writeMu sync.Mutex

	pending   map[int64]chan *JSONRPCResponse
	pendingMu sync.Mutex
	events    chan *JSONRPCNotification
	nextID    atomic.Int64

	connected atomic.Bool
	stopChan  chan struct{}
	exited    chan struct{}
	closeOnce sync.Once
	wg        sync.WaitGroup
}

// NewStdioTransport creates a transport for cfg. It does not start the process.
func NewStdioTransport(cfg *ServerConfig, logger *slog.Logger) *StdioTransport {
	if logger == nil {
		logger = slog.Default()
	}
	return &StdioTransport{
		config:   cfg,
		logger:   logger.With("tool_server", cfg.Name, "transport", "stdio"),
		pending:  make(map[int64]chan *JSONRPCResponse),
		events:   make(chan *JSONRPCNotification, 16),
		stopChan: make(chan struct{}),
		exited:   make(chan struct{}),
	}
}

// Connect starts the subprocess. The process outlives ctx; it is stopped by Close.
func (t *StdioTransport) Connect(ctx context.Context) error {
	if t.config.Command == "" {
		return fmt.Errorf("command is required for stdio transport")
	}
	if err := ctx.Err(); err != nil {
		return err
	}

	t.process = exec.Command(t.config.Command, t.config.Args...) // #nosec G204 -- command comes from the operator's tool server document
	t.process.Env = os.Environ()
	for k, v := range t.config.Env {
		t.process.Env = append(t.process.Env, fmt.Sprintf("%s=%s", k, v))
	}
	if t.config.WorkDir != "" {
		t.process.Dir = t.config.WorkDir
	}

	var err error
	t.stdin, err = t.process.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := t.process.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	t.stdout = bufio.NewScanner(stdout)
	t.stdout.Buffer(make([]byte, 64*1024), 4*1024*1024)
	t.stderr, _ = t.process.StderrPipe()

	if err := t.process.Start(); err != nil {
		return fmt.Errorf("start process: %w", err)
	}

	t.connected.Store(true)
	t.logger.Debug("started tool server process",
		"command", t.config.Command,
		"pid", t.process.Process.Pid)

	t.wg.Add(1)
	go t.readLoop()

	if t.stderr != nil {
		t.wg.Add(1)
		go t.logStderr()
	}
	return nil
}

// Close stops the subprocess. It is safe to call more than once.
func (t *StdioTransport) Close() error {
	t.closeOnce.Do(func() {
		t.connected.Store(false)
		close(t.stopChan)

		if t.stdin != nil {
			_ = t.stdin.Close()
		}
		if t.process != nil && t.process.Process != nil {
			_ = t.process.Process.Kill()
			// Wait closes our ends of the pipes, which unblocks the readers
			// even when a grandchild still holds the other ends open.
			_ = t.process.Wait()
		}
		t.wg.Wait()
	})
	return nil
}

// Call sends a request and waits for its response.
func (t *StdioTransport) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	if !t.connected.Load() {
		return nil, ErrTransportClosed
	}

	id := t.nextID.Add(1)
	req := JSONRPCRequest{JSONRPC: "2.0", ID: id, Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return nil, fmt.Errorf("marshal params: %w", err)
		}
		req.Params = paramsJSON
	}

	respChan := make(chan *JSONRPCResponse, 1)
	t.pendingMu.Lock()
	t.pending[id] = respChan
	t.pendingMu.Unlock()
	defer func() {
		t.pendingMu.Lock()
		delete(t.pending, id)
		t.pendingMu.Unlock()
	}()

	if err := t.write(req); err != nil {
		return nil, fmt.Errorf("write request: %w", err)
	}

	timeout := t.config.Timeout
	if timeout == 0 {
		timeout = 30 * time.Second
	}
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case resp := <-respChan:
		if resp.Error != nil {
			return nil, resp.Error
		}
		return resp.Result, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-timer.C:
		return nil, fmt.Errorf("%s: request timeout after %v", method, timeout)
	case <-t.exited:
		return nil, ErrTransportClosed
	case <-t.stopChan:
		return nil, ErrTransportClosed
	}
}

// Notify sends a notification (no response expected).
func (t *StdioTransport) Notify(_ context.Context, method string, params any) error {
	if !t.connected.Load() {
		return ErrTransportClosed
	}
	notif := JSONRPCNotification{JSONRPC: "2.0", Method: method}
	if params != nil {
		paramsJSON, err := json.Marshal(params)
		if err != nil {
			return fmt.Errorf("marshal params: %w", err)
		}
		notif.Params = paramsJSON
	}
	if err := t.write(notif); err != nil {
		return fmt.Errorf("write notification: %w", err)
	}
	return nil
}

func (t *StdioTransport) write(msg any) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return err
	}
	t.writeMu.Lock()
	defer t.writeMu.Unlock()
	_, err = t.stdin.Write(append(data, '\n'))
	return err
}

func (t *StdioTransport) Events() <-chan *JSONRPCNotification {
	return t.events
}

func (t *StdioTransport) Connected() bool {
	return t.connected.Load()
}

func (t *StdioTransport) readLoop() {
	defer t.wg.Done()
	defer close(t.events)
	defer close(t.exited)
	defer t.connected.Store(false)

	for t.stdout.Scan() {
		select {
		case <-t.stopChan:
			return
		default:
		}

		line := t.stdout.Bytes()
		if len(line) == 0 {
			continue
		}
		t.processLine(line)
	}

	// Close reaps the process while we are still reading; the resulting
	// closed-pipe error is expected.
	if err := t.stdout.Err(); err != nil && !errors.Is(err, os.ErrClosed) {
		t.logger.Warn("tool server stdout error", "error", err)
	}
}

// inboundMessage is any line the server writes: a response, a notification
// or a request of its own.
type inboundMessage struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      json.RawMessage `json:"id,omitempty"`
	Method  string          `json:"method,omitempty"`
	Params  json.RawMessage `json:"params,omitempty"`
	Result  json.RawMessage `json:"result,omitempty"`
	Error   *JSONRPCError   `json:"error,omitempty"`
}

func (m *inboundMessage) hasID() bool {
	return len(m.ID) > 0 && string(m.ID) != "null"
}

// processLine routes a response to its waiting caller, answers a server
// request, or queues a notification. Lines that are not JSON (servers that
// log to stdout) are ignored.
func (t *StdioTransport) processLine(line []byte) {
	var msg inboundMessage
	if err := json.Unmarshal(line, &msg); err != nil {
		t.logger.Debug("ignoring non-protocol output", "line", string(line))
		return
	}

	switch {
	case msg.Method != "" && msg.hasID():
		t.wg.Add(1)
		go t.answerServerRequest(msg.ID, msg.Method)
	case msg.Method != "":
		notif := &JSONRPCNotification{JSONRPC: msg.JSONRPC, Method: msg.Method, Params: msg.Params}
		select {
		case t.events <- notif:
		default:
			t.logger.Debug("notification channel full, dropping", "method", msg.Method)
		}
	case msg.hasID():
		t.deliverResponse(&msg)
	default:
		t.logger.Debug("ignoring non-protocol output", "line", string(line))
	}
}

func (t *StdioTransport) deliverResponse(msg *inboundMessage) {
	var raw any
	if err := json.Unmarshal(msg.ID, &raw); err != nil {
		t.logger.Warn("unexpected response id", "id", string(msg.ID))
		return
	}
	var id int64
	switch v := raw.(type) {
	case float64:
		id = int64(v)
	case string:
		if _, err := fmt.Sscan(v, &id); err != nil {
			t.logger.Warn("unexpected response id", "id", v)
			return
		}
	default:
		t.logger.Warn("unexpected response id type", "id", string(msg.ID))
		return
	}

	resp := &JSONRPCResponse{JSONRPC: msg.JSONRPC, ID: raw, Result: msg.Result, Error: msg.Error}
	t.pendingMu.Lock()
	if ch, ok := t.pending[id]; ok {
		select {
		case ch <- resp:
		default:
		}
		delete(t.pending, id)
	}
	t.pendingMu.Unlock()
}

// answerServerRequest replies to requests the server sends us. Only ping is
// supported; everything else gets method not found.
func (t *StdioTransport) answerServerRequest(id json.RawMessage, method string) {
	defer t.wg.Done()

	resp := JSONRPCResponse{JSONRPC: "2.0", ID: id}
	if method == "ping" {
		resp.Result = json.RawMessage(`{}`)
	} else {
		resp.Error = &JSONRPCError{Code: -32601, Message: "method not found: " + method}
		t.logger.Debug("rejecting server request", "method", method)
	}
	if err := t.write(resp); err != nil {
		t.logger.Debug("failed to answer server request", "method", method, "error", err)
	}
}

func (t *StdioTransport) logStderr() {
	defer t.wg.Done()

	scanner := bufio.NewScanner(t.stderr)
	for scanner.Scan() {
		if line := scanner.Text(); line != "" {
			t.logger.Debug("tool server stderr", "message", line)
		}
	}
}
