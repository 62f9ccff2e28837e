// Package mcp is the supervisor side of the tool server: it spawns the
// child process, waits for readiness, correlates JSON-RPC calls over the
// shared stdio pipes, and restarts the child within a bounded budget when it
// crashes.
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
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/jsonrpc"
	"github.com/pdfqa/pdfqa/pkg/log"
)

type Config struct {
	// Command is the child argv. Empty means re-exec the current binary
	// with the toolserver subcommand.
	Command []string

	ReadyMarker   string
	ReadyTimeout  time.Duration
	ShutdownGrace time.Duration
	CallTimeout   time.Duration
	RestartMax    int
	RestartWindow time.Duration
}

func (c *Config) applyDefaults() {
	if c.ReadyMarker == "" {
		c.ReadyMarker = "tool server ready"
	}
	if c.ReadyTimeout <= 0 {
		c.ReadyTimeout = 15 * time.Second
	}
	if c.ShutdownGrace <= 0 {
		c.ShutdownGrace = 10 * time.Second
	}
	if c.CallTimeout <= 0 {
		c.CallTimeout = 120 * time.Second
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = 10 * time.Minute
	}
}

// child bundles everything owned for one spawn of the tool server. The
// supervisor holds the only references; shutdown releases them in LIFO
// order.
type child struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
	stderr io.ReadCloser
}

// Client supervises one tool server child. Writes to the child's stdin are
// serialized through writeMu; a single reader goroutine owns stdout and
// dispatches responses to waiters by id.
type Client struct {
	cfg    Config
	logger *slog.Logger

	nextID atomic.Int64

	waitersMu sync.Mutex
	waiters   map[int64]chan *jsonrpc.Response

	writeMu sync.Mutex

	mu       sync.Mutex
	child    *child
	closing  bool
	failed   bool
	restarts []time.Time
}

func NewClient(cfg Config) *Client {
	cfg.applyDefaults()
	return &Client{
		cfg:     cfg,
		logger:  log.WithModule("mcp"),
		waiters: make(map[int64]chan *jsonrpc.Response),
	}
}

// Start spawns the child and blocks until it logs readiness or the ready
// timeout expires.
func (c *Client) Start(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child != nil {
		return fmt.Errorf("tool server already running")
	}
	return c.spawnLocked(ctx)
}

// spawnLocked starts a child process. Caller holds c.mu.
func (c *Client) spawnLocked(ctx context.Context) error {
	argv := c.cfg.Command
	if len(argv) == 0 {
		self, err := os.Executable()
		if err != nil {
			return fmt.Errorf("resolve own executable: %w", err)
		}
		argv = []string{self, "toolserver"}
	}

	cmd := exec.Command(argv[0], argv[1:]...)
	cmd.Env = os.Environ()

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return fmt.Errorf("stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return fmt.Errorf("stderr pipe: %w", err)
	}

	if err := cmd.Start(); err != nil {
		return fmt.Errorf("%w: start tool server: %v", domain.ErrBackendUnavailable, err)
	}
	c.logger.Info("tool server spawned", "pid", cmd.Process.Pid, "command", argv[0])

	ready := make(chan struct{})
	go c.scanStderr(stderr, ready)

	select {
	case <-ready:
	case <-time.After(c.cfg.ReadyTimeout):
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return fmt.Errorf("%w: tool server not ready after %s", domain.ErrBackendUnavailable, c.cfg.ReadyTimeout)
	case <-ctx.Done():
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
		return ctx.Err()
	}

	ch := &child{cmd: cmd, stdin: stdin, stdout: stdout, stderr: stderr}
	c.child = ch
	go c.readLoop(ch)
	return nil
}

// scanStderr forwards the child's log lines and signals readiness when the
// marker appears.
func (c *Client) scanStderr(stderr io.Reader, ready chan<- struct{}) {
	sc := bufio.NewScanner(stderr)
	sc.Buffer(make([]byte, 0, 64*1024), 1<<20)
	signalled := false
	for sc.Scan() {
		line := sc.Text()
		// The marker is embedded in a structured log line; substring match
		// is the contract.
		if !signalled && strings.Contains(line, c.cfg.ReadyMarker) {
			signalled = true
			close(ready)
		}
		c.logger.Debug("toolserver stderr", "line", line)
	}
}

// readLoop is the single stdout reader for one child. On EOF it fails every
// waiter and decides between restart and permanent failure.
func (c *Client) readLoop(ch *child) {
	reader := jsonrpc.NewReader(ch.stdout)
	for {
		resp, err := reader.ReadResponse()
		if err != nil {
			if !errors.Is(err, io.EOF) {
				c.logger.Error("tool server stdout read failed", "error", err)
			}
			break
		}
		if resp.ID == nil {
			c.logger.Warn("response without id, discarding")
			continue
		}
		c.dispatch(*resp.ID, resp)
	}

	_ = ch.cmd.Wait()
	c.failAllWaiters()
	c.handleExit(ch)
}

func (c *Client) dispatch(id int64, resp *jsonrpc.Response) {
	c.waitersMu.Lock()
	waiter, ok := c.waiters[id]
	delete(c.waiters, id)
	c.waitersMu.Unlock()
	if !ok {
		// Deadline already released the caller.
		c.logger.Warn("late or unknown response discarded", "id", id)
		return
	}
	waiter <- resp
}

func (c *Client) failAllWaiters() {
	c.waitersMu.Lock()
	waiters := c.waiters
	c.waiters = make(map[int64]chan *jsonrpc.Response)
	c.waitersMu.Unlock()
	for _, waiter := range waiters {
		close(waiter)
	}
}

// handleExit runs after a child's stdout closed. Within the restart budget
// the child is respawned; beyond it the client fails permanently.
func (c *Client) handleExit(exited *child) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.child != exited {
		return
	}
	c.child = nil
	if c.closing {
		return
	}

	now := time.Now()
	cutoff := now.Add(-c.cfg.RestartWindow)
	kept := c.restarts[:0]
	for _, ts := range c.restarts {
		if ts.After(cutoff) {
			kept = append(kept, ts)
		}
	}
	c.restarts = kept

	if len(c.restarts) >= c.cfg.RestartMax {
		c.failed = true
		c.logger.Error("tool server crashed and restart budget is exhausted",
			"restarts", len(c.restarts), "window", c.cfg.RestartWindow)
		return
	}
	c.restarts = append(c.restarts, now)
	c.logger.Warn("tool server exited, restarting",
		"attempt", len(c.restarts), "max", c.cfg.RestartMax)

	ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ReadyTimeout+time.Second)
	defer cancel()
	if err := c.spawnLocked(ctx); err != nil {
		c.failed = true
		c.logger.Error("tool server restart failed", "error", err)
	}
}

// Healthy reports whether calls currently stand a chance.
func (c *Client) Healthy() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.child != nil && !c.failed
}

// CallTool invokes one tool and returns its decoded payload (the JSON inside
// the MCP text content wrapper). ctx bounds the wait; without a deadline the
// configured call timeout applies.
func (c *Client) CallTool(ctx context.Context, name string, args any) (json.RawMessage, error) {
	result, err := c.Call(ctx, "tools/call", map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, err
	}
	return unwrapToolResult(result)
}

// ListTools returns the raw tools/list result.
func (c *Client) ListTools(ctx context.Context) (json.RawMessage, error) {
	return c.Call(ctx, "tools/list", nil)
}

// Call issues one JSON-RPC request and waits for its response.
func (c *Client) Call(ctx context.Context, method string, params any) (json.RawMessage, error) {
	c.mu.Lock()
	if c.failed {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: restart budget exhausted", domain.ErrBackendUnavailable)
	}
	if c.child == nil {
		c.mu.Unlock()
		return nil, fmt.Errorf("%w: tool server not running", domain.ErrBackendUnavailable)
	}
	stdin := c.child.stdin
	c.mu.Unlock()

	if _, ok := ctx.Deadline(); !ok {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.cfg.CallTimeout)
		defer cancel()
	}

	id := c.nextID.Add(1)
	req, err := jsonrpc.NewRequest(id, method, params)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrBadInput, err)
	}
	data, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrInternal, err)
	}
	data = append(data, '\n')

	waiter := make(chan *jsonrpc.Response, 1)
	c.waitersMu.Lock()
	c.waiters[id] = waiter
	c.waitersMu.Unlock()

	// Single-writer discipline: one complete line per request, never a
	// partial write interleaved with another goroutine's.
	c.writeMu.Lock()
	_, werr := stdin.Write(data)
	c.writeMu.Unlock()
	if werr != nil {
		c.waitersMu.Lock()
		delete(c.waiters, id)
		c.waitersMu.Unlock()
		return nil, fmt.Errorf("%w: write to tool server: %v", domain.ErrBackendUnavailable, werr)
	}

	select {
	case resp, ok := <-waiter:
		if !ok {
			return nil, fmt.Errorf("%w: tool server exited mid-call", domain.ErrBackendUnavailable)
		}
		if resp.Error != nil {
			return nil, responseError(resp.Error)
		}
		return resp.Result, nil
	case <-ctx.Done():
		c.waitersMu.Lock()
		delete(c.waiters, id)
		c.waitersMu.Unlock()
		c.logger.Warn("tool call deadline expired", "method", method, "id", id)
		if errors.Is(ctx.Err(), context.DeadlineExceeded) {
			return nil, fmt.Errorf("%w: tool call %d", domain.ErrModelTimeout, id)
		}
		return nil, ctx.Err()
	}
}

// responseError rehydrates a JSON-RPC error into the matching domain
// sentinel so upstream layers classify it with errors.Is.
func responseError(e *jsonrpc.Error) error {
	switch e.Code {
	case jsonrpc.CodeInvalidParams, jsonrpc.CodeMethodNotFound, jsonrpc.CodeInvalidRequest:
		return fmt.Errorf("%w: %s", domain.ErrBadInput, e.Message)
	case jsonrpc.CodeToolError:
		var data jsonrpc.ErrorData
		if len(e.Data) > 0 && json.Unmarshal(e.Data, &data) == nil && data.Kind != "" {
			return fmt.Errorf("%w: %s", domain.SentinelFor(data.Kind), data.Detail)
		}
		return fmt.Errorf("%w: %s", domain.ErrInternal, e.Message)
	default:
		return fmt.Errorf("%w: %s", domain.ErrInternal, e.Message)
	}
}

// unwrapToolResult extracts the JSON payload from the MCP content wrapper.
func unwrapToolResult(result json.RawMessage) (json.RawMessage, error) {
	var wrapper struct {
		Content []struct {
			Type string `json:"type"`
			Text string `json:"text"`
		} `json:"content"`
	}
	if err := json.Unmarshal(result, &wrapper); err != nil {
		return nil, fmt.Errorf("%w: decode tool result: %v", domain.ErrInternal, err)
	}
	if len(wrapper.Content) == 0 || wrapper.Content[0].Type != "text" {
		return nil, fmt.Errorf("%w: tool result has no text content", domain.ErrInternal)
	}
	return json.RawMessage(wrapper.Content[0].Text), nil
}

// Close shuts the child down: close stdin so it drains, give it the grace
// period, then kill. Safe to call once.
func (c *Client) Close() error {
	c.mu.Lock()
	c.closing = true
	ch := c.child
	c.mu.Unlock()
	if ch == nil {
		return nil
	}

	_ = ch.stdin.Close()

	done := make(chan struct{})
	go func() {
		// readLoop calls Wait; poll for the process to vanish.
		for {
			c.mu.Lock()
			gone := c.child == nil || c.child != ch
			c.mu.Unlock()
			if gone {
				close(done)
				return
			}
			time.Sleep(20 * time.Millisecond)
		}
	}()

	select {
	case <-done:
		c.logger.Info("tool server exited cleanly")
	case <-time.After(c.cfg.ShutdownGrace):
		c.logger.Warn("tool server did not exit within grace period, killing")
		_ = ch.cmd.Process.Kill()
	}
	return nil
}
