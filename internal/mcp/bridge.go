package mcp

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/haasonsaas/agentproxy/internal/observability"
)

const (
	// DefaultCallTimeout bounds every tool invocation.
	DefaultCallTimeout = 30 * time.Second
	// DefaultConnectTimeout bounds the handshake with one server.
	DefaultConnectTimeout = 30 * time.Second

	connectConcurrency = 8
)

// ErrNoTools is returned by AggregatedTool when no server is connected.
var ErrNoTools = errors.New("no tool servers connected")

// toolClient is the part of *Client the bridge relies on.
type toolClient interface {
	Connect(ctx context.Context) error
	Close() error
	Tools() []*Tool
	CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error)
}

// BridgeOptions configures a Bridge. Zero values pick defaults.
type BridgeOptions struct {
	Logger         *slog.Logger
	Metrics        *observability.Metrics
	Tracer         *observability.Tracer
	CallTimeout    time.Duration
	ConnectTimeout time.Duration

	// newClient is replaced in tests.
	newClient func(cfg *ServerConfig, logger *slog.Logger) toolClient
}

// Bridge owns the pool of live tool server clients.
//
// The live set is written only by Connect and Shutdown; every other method
// is a read.
type Bridge struct {
	logger         *slog.Logger
	metrics        *observability.Metrics
	tracer         *observability.Tracer
	callTimeout    time.Duration
	connectTimeout time.Duration
	newClient      func(cfg *ServerConfig, logger *slog.Logger) toolClient

	mu       sync.RWMutex
	clients  map[string]toolClient
	shutdown bool
}

// NewBridge creates an empty bridge.
func NewBridge(opts BridgeOptions) *Bridge {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	b := &Bridge{
		logger:         logger.With("component", "tool-bridge"),
		metrics:        opts.Metrics,
		tracer:         opts.Tracer,
		callTimeout:    opts.CallTimeout,
		connectTimeout: opts.ConnectTimeout,
		newClient:      opts.newClient,
		clients:        make(map[string]toolClient),
	}
	if b.callTimeout <= 0 {
		b.callTimeout = DefaultCallTimeout
	}
	if b.connectTimeout <= 0 {
		b.connectTimeout = DefaultConnectTimeout
	}
	if b.newClient == nil {
		b.newClient = func(cfg *ServerConfig, logger *slog.Logger) toolClient {
			return NewClient(cfg, logger)
		}
	}
	return b
}

// Connect launches every configured server concurrently. Failures are logged
// and skipped; one slow server does not delay the others beyond its own
// connect timeout. It returns the sorted names connected by this call and is
// a no-op after Shutdown.
func (b *Bridge) Connect(ctx context.Context, configs map[string]ServerConfig) []string {
	if b.isShutdown() || len(configs) == 0 {
		return nil
	}

	var (
		g         errgroup.Group
		connected []string
		mu        sync.Mutex
	)
	g.SetLimit(connectConcurrency)

	for name, cfg := range configs {
		cfg.Name = name
		g.Go(func() error {
			if b.connectOne(ctx, &cfg) {
				mu.Lock()
				connected = append(connected, cfg.Name)
				mu.Unlock()
			}
			return nil
		})
	}
	_ = g.Wait()

	sort.Strings(connected)
	b.logger.Info("tool servers connected",
		"connected", len(connected),
		"configured", len(configs),
		"names", connected)
	b.metrics.SetToolServersConnected(b.Count())
	return connected
}

func (b *Bridge) connectOne(ctx context.Context, cfg *ServerConfig) bool {
	logger := b.logger.With("tool_server", cfg.Name)
	if err := cfg.Validate(); err != nil {
		logger.Warn("skipping invalid tool server", "error", err)
		return false
	}

	b.mu.RLock()
	_, exists := b.clients[cfg.Name]
	b.mu.RUnlock()
	if exists {
		return false
	}

	connectCtx, cancel := context.WithTimeout(ctx, b.connectTimeout)
	defer cancel()

	start := time.Now()
	client := b.newClient(cfg, b.logger)
	if err := client.Connect(connectCtx); err != nil {
		_ = client.Close()
		logger.Warn("failed to connect tool server",
			"error", err,
			"duration_ms", time.Since(start).Milliseconds())
		return false
	}

	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		_ = client.Close()
		return false
	}
	b.clients[cfg.Name] = client
	b.mu.Unlock()

	logger.Debug("tool server ready", "duration_ms", time.Since(start).Milliseconds())
	return true
}

// List returns the names of live clients in sorted order.
func (b *Bridge) List() []string {
	b.mu.RLock()
	defer b.mu.RUnlock()
	names := make([]string, 0, len(b.clients))
	for name := range b.clients {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Get returns the live client for name.
func (b *Bridge) Get(name string) (*Client, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	client, ok := b.clients[name].(*Client)
	return client, ok
}

func (b *Bridge) Count() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}

func (b *Bridge) Any() bool {
	return b.Count() > 0
}

// Shutdown closes every live client exactly once and permanently disables
// the bridge. Close failures are logged.
func (b *Bridge) Shutdown() {
	b.mu.Lock()
	if b.shutdown {
		b.mu.Unlock()
		return
	}
	b.shutdown = true
	clients := b.clients
	b.clients = make(map[string]toolClient)
	b.mu.Unlock()

	for name, client := range clients {
		if err := client.Close(); err != nil {
			b.logger.Warn("failed to close tool server", "tool_server", name, "error", err)
		}
	}
	b.metrics.SetToolServersConnected(0)
	if len(clients) > 0 {
		b.logger.Info("tool servers closed", "count", len(clients))
	}
}

func (b *Bridge) isShutdown() bool {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return b.shutdown
}

type toolEntry struct {
	server string
	tool   *Tool
}

// listToolsSorted snapshots every live tool ordered by server then tool name.
func (b *Bridge) listToolsSorted() []toolEntry {
	b.mu.RLock()
	servers := make([]string, 0, len(b.clients))
	snapshot := make(map[string][]*Tool, len(b.clients))
	for name, client := range b.clients {
		servers = append(servers, name)
		snapshot[name] = client.Tools()
	}
	b.mu.RUnlock()
	sort.Strings(servers)

	var entries []toolEntry
	for _, server := range servers {
		tools := snapshot[server]
		sort.Slice(tools, func(i, j int) bool { return tools[i].Name < tools[j].Name })
		for _, tool := range tools {
			if tool == nil || tool.Name == "" {
				continue
			}
			entries = append(entries, toolEntry{server: server, tool: tool})
		}
	}
	return entries
}

func (b *Bridge) client(name string) (toolClient, bool) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	client, ok := b.clients[name]
	return client, ok
}
