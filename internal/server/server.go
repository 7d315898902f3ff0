// Package server exposes the orchestrator as an OpenAI-compatible HTTP API.
package server

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentproxy/internal/agent"
	"github.com/haasonsaas/agentproxy/internal/config"
	"github.com/haasonsaas/agentproxy/internal/netprobe"
	"github.com/haasonsaas/agentproxy/internal/observability"
)

const (
	shutdownTimeout = 5 * time.Second
	maxBodyBytes    = 16 << 20
)

// Completer produces chat completions. *agent.Orchestrator satisfies it.
type Completer interface {
	Complete(ctx context.Context, req *agent.ChatRequest) (*openai.ChatCompletionResponse, error)
	Stream(ctx context.Context, req *agent.ChatRequest) iter.Seq2[*openai.ChatCompletionStreamResponse, error]
	Shutdown()
}

// Options configures a Server.
type Options struct {
	Config    config.AgentConfig
	Version   string
	Completer Completer
	// ToolCount reports connected tool servers for /health. Optional.
	ToolCount func() int
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer
}

type Server struct {
	cfg       config.AgentConfig
	version   string
	completer Completer
	toolCount func() int
	logger    *slog.Logger
	metrics   *observability.Metrics
	tracer    *observability.Tracer
	handler   http.Handler
}

func New(opts Options) (*Server, error) {
	if opts.Completer == nil {
		return nil, errors.New("server: completer is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	s := &Server{
		cfg:       opts.Config,
		version:   opts.Version,
		completer: opts.Completer,
		toolCount: opts.ToolCount,
		logger:    logger.With("component", "http"),
		metrics:   opts.Metrics,
		tracer:    opts.Tracer,
	}
	s.handler = s.routes()
	return s, nil
}

// Handler returns the fully wrapped HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.handler
}

func (s *Server) routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("POST /v1/chat/completions", s.handleChatCompletions)
	mux.HandleFunc("POST /chat/completions", s.handleChatCompletions)
	if s.metrics != nil {
		mux.Handle("GET /metrics", s.metrics.Handler())
	}
	mux.HandleFunc("/", s.handleNotFound)

	var h http.Handler = mux
	h = corsMiddleware(h)
	h = s.loggingMiddleware(h)
	h = s.recoveryMiddleware(h)
	h = requestIDMiddleware(h)
	return h
}

// ListenAndServe binds the configured port on the loopback interface and
// serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	listener, err := net.Listen("tcp", netprobe.Addr(s.cfg.Port))
	if err != nil {
		s.completer.Shutdown()
		return fmt.Errorf("http listen: %w", err)
	}
	return s.Serve(ctx, listener)
}

// Serve serves on listener until ctx is cancelled, then shuts down
// gracefully and releases the completer.
func (s *Server) Serve(ctx context.Context, listener net.Listener) error {
	server := &http.Server{
		Handler:           s.handler,
		ReadHeaderTimeout: 5 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return context.WithoutCancel(ctx) },
	}

	errCh := make(chan error, 1)
	go func() {
		errCh <- server.Serve(listener)
	}()
	s.logger.Info("proxy listening",
		"addr", listener.Addr().String(),
		"model", s.cfg.Model,
		"project", s.cfg.Project,
		"location", s.cfg.Location)

	select {
	case err := <-errCh:
		s.completer.Shutdown()
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http serve: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	s.logger.Info("shutting down proxy")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("http server shutdown error", "error", err)
	}
	s.completer.Shutdown()
	return nil
}
