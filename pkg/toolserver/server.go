// Package toolserver is the stdio JSON-RPC 2.0 server the proxy supervises.
// Requests arrive newline-framed on stdin, responses leave on stdout one
// line each, and logs go exclusively to stderr.
package toolserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"runtime"
	"sync"
	"time"

	"github.com/pdfqa/pdfqa/pkg/domain"
	"github.com/pdfqa/pdfqa/pkg/jsonrpc"
	"github.com/pdfqa/pdfqa/pkg/log"
	"github.com/pdfqa/pdfqa/pkg/rag"
)

// ReadyMarker is the stderr line the supervisor waits for before sending the
// first request. Changing it breaks startup detection.
const ReadyMarker = "tool server ready"

const (
	methodToolsList = "tools/list"
	methodToolsCall = "tools/call"
)

type Config struct {
	Name          string
	ShutdownGrace time.Duration
}

// Server runs the request loop: a single stdin reader, one goroutine per
// request bounded by a worker cap, and a mutex-guarded stdout writer.
type Server struct {
	service *rag.Service
	cfg     Config
	writer  *jsonrpc.Writer
	logger  *slog.Logger

	serving sync.Once
	wg      sync.WaitGroup
}

func New(service *rag.Service, cfg Config) *Server {
	if cfg.ShutdownGrace <= 0 {
		cfg.ShutdownGrace = 10 * time.Second
	}
	return &Server{
		service: service,
		cfg:     cfg,
		logger:  log.WithModule("toolserver"),
	}
}

// Run serves until stdin reaches EOF or ctx is cancelled (the serve command
// wires SIGTERM/SIGINT into ctx). In-flight requests get the shutdown grace
// period to finish, then are abandoned.
func (s *Server) Run(ctx context.Context, stdin io.Reader, stdout io.Writer) error {
	s.writer = jsonrpc.NewWriter(stdout)
	reader := jsonrpc.NewReader(stdin)

	// Worker cap: enough to overlap I/O-bound tool calls without letting a
	// flood of requests fan out unbounded.
	workers := make(chan struct{}, runtime.GOMAXPROCS(0)*4)

	s.logger.Info(ReadyMarker, "server", s.cfg.Name, "tools", len(catalogue))

	lines := make(chan []byte)
	readErr := make(chan error, 1)
	go func() {
		defer close(lines)
		for {
			line, err := reader.ReadLine()
			if err != nil {
				readErr <- err
				return
			}
			select {
			case lines <- line:
			case <-ctx.Done():
				return
			}
		}
	}()

loop:
	for {
		select {
		case <-ctx.Done():
			s.logger.Info("shutdown signal received")
			break loop
		case line, ok := <-lines:
			if !ok {
				if err := <-readErr; !errors.Is(err, io.EOF) {
					s.logger.Error("stdin read failed", "error", err)
				} else {
					s.logger.Info("stdin closed")
				}
				break loop
			}
			s.serving.Do(func() {
				s.logger.Info("first request received, serving")
			})

			workers <- struct{}{}
			s.wg.Add(1)
			go func(line []byte) {
				defer s.wg.Done()
				defer func() { <-workers }()
				s.handleLine(ctx, line)
			}(line)
		}
	}

	return s.drain()
}

// drain waits for in-flight requests up to the grace period.
func (s *Server) drain() error {
	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		s.logger.Info("all in-flight requests completed, exiting")
		return nil
	case <-time.After(s.cfg.ShutdownGrace):
		s.logger.Warn("shutdown grace period expired, abandoning in-flight requests")
		return nil
	}
}

func (s *Server) handleLine(ctx context.Context, line []byte) {
	var req jsonrpc.Request
	if err := json.Unmarshal(line, &req); err != nil {
		s.respond(jsonrpc.NewErrorResponse(nil, jsonrpc.CodeParseError, "parse error", nil))
		return
	}
	if req.ID == nil {
		// Notifications are not part of the contract; drop them.
		s.logger.Debug("dropping request without id", "method", req.Method)
		return
	}
	s.respond(s.handleRequest(ctx, &req))
}

func (s *Server) handleRequest(ctx context.Context, req *jsonrpc.Request) (resp *jsonrpc.Response) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error("handler panic", "method", req.Method, "panic", r)
			resp = jsonrpc.ToolError(req.ID, domain.KindInternal, fmt.Sprintf("handler panic: %v", r))
		}
	}()

	start := time.Now()
	switch req.Method {
	case methodToolsList:
		resp = s.handleToolsList(req)
	case methodToolsCall:
		resp = s.handleToolsCall(ctx, req)
	default:
		resp = jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("method %q not found", req.Method), nil)
	}
	s.logger.Debug("request handled", "method", req.Method, "id", *req.ID,
		"elapsed", time.Since(start), "ok", resp.Error == nil)
	return resp
}

func (s *Server) handleToolsList(req *jsonrpc.Request) *jsonrpc.Response {
	resp, err := jsonrpc.NewResponse(req.ID, map[string]any{"tools": Catalogue()})
	if err != nil {
		return jsonrpc.ToolError(req.ID, domain.KindInternal, err.Error())
	}
	return resp
}

func (s *Server) handleToolsCall(ctx context.Context, req *jsonrpc.Request) *jsonrpc.Response {
	var params callParams
	if len(req.Params) == 0 {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, `missing required argument "name"`, nil)
	}
	if err := json.Unmarshal(req.Params, &params); err != nil {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams,
			fmt.Sprintf("invalid params: %v", err), nil)
	}
	if params.Name == "" {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, `missing required argument "name"`, nil)
	}

	if _, ok := lookupTool(params.Name); !ok {
		return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeMethodNotFound,
			fmt.Sprintf("unknown tool %q", params.Name), nil)
	}

	s.logger.Info("tool call", "tool", params.Name, "id", *req.ID)
	payload, err := s.dispatch(ctx, ToolName(params.Name), params.Arguments)
	if err != nil {
		var ip *invalidParams
		if errors.As(err, &ip) {
			return jsonrpc.NewErrorResponse(req.ID, jsonrpc.CodeInvalidParams, ip.msg, nil)
		}
		kind := domain.KindOf(err)
		s.logger.Warn("tool call failed", "tool", params.Name, "kind", kind, "error", err)
		return jsonrpc.ToolError(req.ID, kind, err.Error())
	}

	result, err := toolResult(payload)
	if err != nil {
		return jsonrpc.ToolError(req.ID, domain.KindInternal, err.Error())
	}
	resp, err := jsonrpc.NewResponse(req.ID, result)
	if err != nil {
		return jsonrpc.ToolError(req.ID, domain.KindInternal, err.Error())
	}
	return resp
}

func (s *Server) respond(resp *jsonrpc.Response) {
	if resp == nil {
		return
	}
	if err := s.writer.Write(resp); err != nil {
		s.logger.Error("failed to write response", "error", err)
	}
}
