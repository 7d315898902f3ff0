package mcp

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
)

// Client is a handshaken connection to a single tool server.
type Client struct {
	name      string
	transport Transport
	logger    *slog.Logger

	tools      []*Tool
	serverInfo ServerInfo
	mu         sync.RWMutex
	watchOnce  sync.Once
}

// NewClient creates a client for cfg using the stdio transport.
func NewClient(cfg *ServerConfig, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return NewClientWithTransport(cfg.Name, NewStdioTransport(cfg, logger), logger)
}

// NewClientWithTransport creates a client over an existing transport.
func NewClientWithTransport(name string, transport Transport, logger *slog.Logger) *Client {
	if logger == nil {
		logger = slog.Default()
	}
	return &Client{
		name:      name,
		transport: transport,
		logger:    logger.With("tool_server", name),
	}
}

// Connect starts the transport, performs the initialize handshake and lists tools.
func (c *Client) Connect(ctx context.Context) error {
	if err := c.transport.Connect(ctx); err != nil {
		return fmt.Errorf("transport connect: %w", err)
	}

	result, err := c.transport.Call(ctx, "initialize", map[string]any{
		"protocolVersion": ProtocolVersion,
		"capabilities":    map[string]any{},
		"clientInfo": map[string]any{
			"name":    "agentproxy",
			"version": "1.0.0",
		},
	})
	if err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("initialize: %w", err)
	}

	var initResult InitializeResult
	if err := json.Unmarshal(result, &initResult); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("parse initialize result: %w", err)
	}
	c.mu.Lock()
	c.serverInfo = initResult.ServerInfo
	c.mu.Unlock()

	if err := c.transport.Notify(ctx, "notifications/initialized", nil); err != nil {
		c.logger.Warn("failed to send initialized notification", "error", err)
	}

	if err := c.RefreshTools(ctx); err != nil {
		_ = c.transport.Close()
		return fmt.Errorf("list tools: %w", err)
	}

	c.logger.Info("connected to tool server",
		"server_name", initResult.ServerInfo.Name,
		"server_version", initResult.ServerInfo.Version,
		"protocol", initResult.ProtocolVersion,
		"tools", len(c.Tools()))

	c.watchOnce.Do(func() { go c.watchNotifications() })
	return nil
}

// RefreshTools re-reads tools/list, following pagination cursors.
func (c *Client) RefreshTools(ctx context.Context) error {
	var tools []*Tool
	cursor := ""
	for page := 0; page < 100; page++ {
		var params any
		if cursor != "" {
			params = map[string]any{"cursor": cursor}
		}
		result, err := c.transport.Call(ctx, "tools/list", params)
		if err != nil {
			return err
		}
		var resp ListToolsResult
		if err := json.Unmarshal(result, &resp); err != nil {
			return fmt.Errorf("parse tools/list: %w", err)
		}
		tools = append(tools, resp.Tools...)
		if resp.NextCursor == "" {
			break
		}
		cursor = resp.NextCursor
	}

	c.mu.Lock()
	c.tools = tools
	c.mu.Unlock()
	return nil
}

// watchNotifications refreshes the tool list when the server reports a change.
func (c *Client) watchNotifications() {
	for notif := range c.transport.Events() {
		if notif == nil || notif.Method != "notifications/tools/list_changed" {
			continue
		}
		if err := c.RefreshTools(context.Background()); err != nil {
			c.logger.Warn("failed to refresh tools after list change", "error", err)
			continue
		}
		c.logger.Debug("refreshed tools", "count", len(c.Tools()))
	}
}

// Close terminates the server process.
func (c *Client) Close() error {
	return c.transport.Close()
}

func (c *Client) Name() string {
	return c.name
}

func (c *Client) ServerInfo() ServerInfo {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.serverInfo
}

func (c *Client) Connected() bool {
	return c.transport.Connected()
}

// Tools returns the cached tool list.
func (c *Client) Tools() []*Tool {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make([]*Tool, len(c.tools))
	copy(out, c.tools)
	return out
}

// CallTool invokes tools/call on the server.
func (c *Client) CallTool(ctx context.Context, name string, arguments map[string]any) (*ToolCallResult, error) {
	params := CallToolParams{Name: name}
	if arguments == nil {
		arguments = map[string]any{}
	}
	argsJSON, err := json.Marshal(arguments)
	if err != nil {
		return nil, fmt.Errorf("marshal arguments: %w", err)
	}
	params.Arguments = argsJSON

	result, err := c.transport.Call(ctx, "tools/call", params)
	if err != nil {
		return nil, err
	}

	var callResult ToolCallResult
	if err := json.Unmarshal(result, &callResult); err != nil {
		return nil, fmt.Errorf("parse result: %w", err)
	}
	return &callResult, nil
}
