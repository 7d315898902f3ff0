package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
	json5 "github.com/yosuke-furukawa/json5/encoding/json5"
)

// ToolServer is one entry of the tool server document.
type ToolServer struct {
	Command  string            `json:"command"`
	Args     []string          `json:"args,omitempty"`
	Env      map[string]string `json:"env,omitempty"`
	Cwd      string            `json:"cwd,omitempty"`
	Disabled bool              `json:"disabled,omitempty"`
}

const toolServersSchema = `{
  "type": "object",
  "additionalProperties": {
    "type": "object",
    "required": ["command"],
    "properties": {
      "command": {"type": "string", "minLength": 1},
      "args": {"type": "array", "items": {"type": "string"}},
      "env": {"type": "object", "additionalProperties": {"type": "string"}},
      "cwd": {"type": "string"},
      "disabled": {"type": "boolean"}
    }
  }
}`

var (
	toolSchemaOnce sync.Once
	toolSchema     *jsonschema.Schema
	toolSchemaErr  error
)

func compiledToolSchema() (*jsonschema.Schema, error) {
	toolSchemaOnce.Do(func() {
		toolSchema, toolSchemaErr = jsonschema.CompileString("mcp_servers", toolServersSchema)
	})
	return toolSchema, toolSchemaErr
}

// LoadToolServers reads the tool server document. A missing file yields an
// empty set. The document is either a name to entry map or the same map
// wrapped in "mcpServers". Disabled entries are dropped.
func LoadToolServers(path string) (map[string]ToolServer, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return map[string]ToolServer{}, nil
		}
		return nil, fmt.Errorf("read tool servers: %w", err)
	}
	return ParseToolServers(data)
}

// ParseToolServers decodes and validates a tool server document.
func ParseToolServers(data []byte) (map[string]ToolServer, error) {
	if strings.TrimSpace(string(data)) == "" {
		return map[string]ToolServer{}, nil
	}

	var doc map[string]any
	if err := json5.Unmarshal([]byte(os.ExpandEnv(string(data))), &doc); err != nil {
		return nil, fmt.Errorf("parse tool servers: %w", err)
	}
	if wrapped, ok := doc["mcpServers"].(map[string]any); ok {
		doc = wrapped
	}

	schema, err := compiledToolSchema()
	if err != nil {
		return nil, err
	}
	if err := schema.Validate(doc); err != nil {
		return nil, fmt.Errorf("invalid tool servers: %w", err)
	}

	normalized, err := json.Marshal(doc)
	if err != nil {
		return nil, err
	}
	var servers map[string]ToolServer
	if err := json.Unmarshal(normalized, &servers); err != nil {
		return nil, fmt.Errorf("decode tool servers: %w", err)
	}

	for name, server := range servers {
		if server.Disabled {
			delete(servers, name)
		}
	}
	if servers == nil {
		servers = map[string]ToolServer{}
	}
	return servers, nil
}

// ToolServerNames returns the names in a stable order.
func ToolServerNames(servers map[string]ToolServer) []string {
	names := make([]string, 0, len(servers))
	for name := range servers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}
