package agent

import (
	"context"
	"fmt"
	"iter"

	"google.golang.org/genai"

	"github.com/haasonsaas/agentproxy/internal/mcp"
)

// Generator is the part of the genai models service the orchestrator calls.
// *genai.Models satisfies it.
type Generator interface {
	GenerateContent(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error)
	GenerateContentStream(ctx context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error]
}

// NewVertexGenerator creates a Vertex AI backed generator using application
// default credentials.
func NewVertexGenerator(ctx context.Context, project, location string) (Generator, error) {
	client, err := genai.NewClient(ctx, &genai.ClientConfig{
		Project:  project,
		Location: location,
		Backend:  genai.BackendVertexAI,
	})
	if err != nil {
		return nil, fmt.Errorf("vertex: failed to create client: %w", err)
	}
	return client.Models, nil
}

// Toolset is a set of callable functions attached to one request.
type Toolset interface {
	Tool() *genai.Tool
	Len() int
	Call(ctx context.Context, name string, args map[string]any) (string, error)
}

// ToolSource hands out the toolset for a request and owns its teardown.
type ToolSource interface {
	// Toolset returns the tools to attach. When required is non-empty only
	// those tools are kept and the names that matched nothing are returned.
	Toolset(required []string) (Toolset, []string, error)
	Shutdown()
}

// BridgeTools adapts a tool bridge to a ToolSource.
func BridgeTools(bridge *mcp.Bridge) ToolSource {
	return bridgeSource{bridge: bridge}
}

type bridgeSource struct {
	bridge *mcp.Bridge
}

func (s bridgeSource) Toolset(required []string) (Toolset, []string, error) {
	agg, err := s.bridge.AggregatedTool()
	if err != nil {
		return nil, nil, err
	}
	if len(required) == 0 {
		return agg, nil, nil
	}
	filtered, missing := agg.Filter(required)
	return filtered, missing, nil
}

func (s bridgeSource) Shutdown() {
	s.bridge.Shutdown()
}
