package mcp

import (
	"context"
	"encoding/json"
)

// Transport is a bidirectional JSON-RPC channel to one tool server.
type Transport interface {
	Connect(ctx context.Context) error
	Close() error
	Call(ctx context.Context, method string, params any) (json.RawMessage, error)
	Notify(ctx context.Context, method string, params any) error
	// Events delivers server notifications such as notifications/tools/list_changed.
	Events() <-chan *JSONRPCNotification
	Connected() bool
}
