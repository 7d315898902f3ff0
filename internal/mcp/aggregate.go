package mcp

import (
	"context"
	"fmt"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/agentproxy/internal/toolconv"
)

type route struct {
	server string
	tool   string
}

// AggregatedTool presents every live tool as one Gemini tool with many
// function declarations and routes calls back to the owning server.
type AggregatedTool struct {
	bridge       *Bridge
	declarations []*genai.FunctionDeclaration
	routes       map[string]route
}

// AggregatedTool snapshots the live tool set.
func (b *Bridge) AggregatedTool() (*AggregatedTool, error) {
	if b.isShutdown() || !b.Any() {
		return nil, ErrNoTools
	}

	entries := b.listToolsSorted()
	agg := &AggregatedTool{
		bridge: b,
		routes: make(map[string]route, len(entries)),
	}
	used := make(map[string]struct{}, len(entries))
	for _, entry := range entries {
		name := safeToolName(entry.server, entry.tool.Name, used)
		decl, err := toolconv.FunctionDeclaration(name, describe(entry), entry.tool.InputSchema)
		if err != nil {
			return nil, fmt.Errorf("convert %s/%s: %w", entry.server, entry.tool.Name, err)
		}
		agg.declarations = append(agg.declarations, decl)
		agg.routes[name] = route{server: entry.server, tool: entry.tool.Name}
	}
	if len(agg.declarations) == 0 {
		return nil, ErrNoTools
	}
	return agg, nil
}

func describe(entry toolEntry) string {
	desc := strings.TrimSpace(entry.tool.Description)
	if desc == "" {
		return fmt.Sprintf("Tool %s from server %s.", entry.tool.Name, entry.server)
	}
	return desc
}

// Tool returns the genai tool to attach to a generation request.
func (a *AggregatedTool) Tool() *genai.Tool {
	return &genai.Tool{FunctionDeclarations: a.declarations}
}

// Names returns the declared function names in declaration order.
func (a *AggregatedTool) Names() []string {
	names := make([]string, len(a.declarations))
	for i, decl := range a.declarations {
		names[i] = decl.Name
	}
	return names
}

// Len reports the number of declared functions.
func (a *AggregatedTool) Len() int {
	return len(a.declarations)
}

// Filter keeps only the requested tools. A request matches a declared name,
// a raw tool name, or "server/tool". Requests that match nothing are returned.
func (a *AggregatedTool) Filter(requested []string) (*AggregatedTool, []string) {
	if len(requested) == 0 {
		return a, nil
	}

	keep := make(map[string]bool)
	var missing []string
	for _, want := range requested {
		want = strings.TrimSpace(want)
		found := false
		for name, r := range a.routes {
			if want == name || want == r.tool || want == r.server+"/"+r.tool {
				keep[name] = true
				found = true
			}
		}
		if !found {
			missing = append(missing, want)
		}
	}

	filtered := &AggregatedTool{bridge: a.bridge, routes: make(map[string]route, len(keep))}
	for _, decl := range a.declarations {
		if keep[decl.Name] {
			filtered.declarations = append(filtered.declarations, decl)
			filtered.routes[decl.Name] = a.routes[decl.Name]
		}
	}
	return filtered, missing
}

// Call invokes the named function through the bridge's call wrapper.
func (a *AggregatedTool) Call(ctx context.Context, name string, args map[string]any) (string, error) {
	r, ok := a.routes[name]
	if !ok {
		return "", fmt.Errorf("unknown tool %q", name)
	}
	return a.bridge.callTool(ctx, name, r, args)
}
