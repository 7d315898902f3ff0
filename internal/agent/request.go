package agent

import (
	"bytes"
	"encoding/json"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

// ChatRequest is the body of a chat completion request. Optional sampling
// fields are pointers so an explicit zero can be told apart from absence.
type ChatRequest struct {
	Model       string                         `json:"model,omitempty"`
	Messages    []openai.ChatCompletionMessage `json:"messages"`
	Temperature *float32                       `json:"temperature,omitempty"`
	MaxTokens   *int                           `json:"max_tokens,omitempty"`
	Stream      bool                           `json:"stream,omitempty"`
	Stop        StopSequences                  `json:"stop,omitempty"`
	// N is accepted for compatibility; one candidate is always produced.
	N    *int   `json:"n,omitempty"`
	User string `json:"user,omitempty"`
}

// StopSequences accepts either a single string or an array of strings.
type StopSequences []string

func (s *StopSequences) UnmarshalJSON(data []byte) error {
	data = bytes.TrimSpace(data)
	if len(data) == 0 || bytes.Equal(data, []byte("null")) {
		*s = nil
		return nil
	}
	if data[0] == '"' {
		var single string
		if err := json.Unmarshal(data, &single); err != nil {
			return err
		}
		if single == "" {
			*s = nil
			return nil
		}
		*s = StopSequences{single}
		return nil
	}
	var many []string
	if err := json.Unmarshal(data, &many); err != nil {
		return fmt.Errorf("stop must be a string or an array of strings: %w", err)
	}
	*s = many
	return nil
}
