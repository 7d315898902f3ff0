package server

import (
	"encoding/json"
	"fmt"
	"net/http"

	openai "github.com/sashabaranov/go-openai"
)

func setSSEHeaders(w http.ResponseWriter) {
	h := w.Header()
	h.Set("Content-Type", "text/event-stream")
	h.Set("Cache-Control", "no-cache")
	h.Set("Connection", "keep-alive")
	h.Set("X-Accel-Buffering", "no")
}

// writeSSE writes one "data: <json>\n\n" event and flushes it.
func writeSSE(w http.ResponseWriter, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal SSE event: %w", err)
	}
	if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
		return fmt.Errorf("write SSE event: %w", err)
	}
	flush(w)
	return nil
}

func writeSSEDone(w http.ResponseWriter) error {
	if _, err := fmt.Fprint(w, "data: [DONE]\n\n"); err != nil {
		return fmt.Errorf("write SSE done marker: %w", err)
	}
	flush(w)
	return nil
}

func flush(w http.ResponseWriter) {
	if flusher, ok := w.(http.Flusher); ok {
		flusher.Flush()
	}
}

// wireChunk is the wire form of a chat completion chunk. go-openai's type
// also carries Azure content filter results and a system fingerprint that
// would otherwise be written into every event.
type wireChunk struct {
	ID      string            `json:"id"`
	Object  string            `json:"object"`
	Created int64             `json:"created"`
	Model   string            `json:"model"`
	Choices []wireChunkChoice `json:"choices"`
	Usage   *openai.Usage     `json:"usage,omitempty"`
}

type wireChunkChoice struct {
	Index        int                                    `json:"index"`
	Delta        openai.ChatCompletionStreamChoiceDelta `json:"delta"`
	FinishReason openai.FinishReason                    `json:"finish_reason"`
}

func newWireChunk(resp *openai.ChatCompletionStreamResponse) wireChunk {
	chunk := wireChunk{
		ID:      resp.ID,
		Object:  resp.Object,
		Created: resp.Created,
		Model:   resp.Model,
		Choices: make([]wireChunkChoice, len(resp.Choices)),
		Usage:   resp.Usage,
	}
	for i, choice := range resp.Choices {
		chunk.Choices[i] = wireChunkChoice{
			Index:        choice.Index,
			Delta:        choice.Delta,
			FinishReason: choice.FinishReason,
		}
	}
	return chunk
}
