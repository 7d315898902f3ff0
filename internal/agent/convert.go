package agent

import (
	"strings"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"
)

// DefaultSystemInstruction is used when a request carries no system message.
const DefaultSystemInstruction = "You are a helpful AI assistant."

// messageText returns the text of a message. Multi-part content contributes
// its text parts in order without a separator; other parts are ignored.
func messageText(msg openai.ChatCompletionMessage) string {
	if len(msg.MultiContent) == 0 {
		return msg.Content
	}
	var b strings.Builder
	for _, part := range msg.MultiContent {
		if part.Type == openai.ChatMessagePartTypeText {
			b.WriteString(part.Text)
		}
	}
	return b.String()
}

// convertMessages maps chat messages onto provider contents. System messages
// are dropped; they feed the system instruction instead.
func convertMessages(messages []openai.ChatCompletionMessage) []*genai.Content {
	contents := make([]*genai.Content, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == openai.ChatMessageRoleSystem {
			continue
		}
		role := msg.Role
		if role == openai.ChatMessageRoleAssistant {
			role = genai.RoleModel
		}
		contents = append(contents, &genai.Content{
			Role:  role,
			Parts: []*genai.Part{{Text: messageText(msg)}},
		})
	}
	return contents
}

// systemInstruction joins every system message with a blank line.
func systemInstruction(messages []openai.ChatCompletionMessage) string {
	var parts []string
	for _, msg := range messages {
		if msg.Role != openai.ChatMessageRoleSystem {
			continue
		}
		parts = append(parts, messageText(msg))
	}
	if len(parts) == 0 {
		return DefaultSystemInstruction
	}
	return strings.Join(parts, "\n\n")
}

func lastUserIndex(messages []openai.ChatCompletionMessage) int {
	for i := len(messages) - 1; i >= 0; i-- {
		if messages[i].Role == openai.ChatMessageRoleUser {
			return i
		}
	}
	return -1
}

// contentText sums the text carried by contents, used for token estimates.
func contentText(contents []*genai.Content) int {
	n := 0
	for _, content := range contents {
		if content == nil {
			continue
		}
		for _, part := range content.Parts {
			if part != nil {
				n += len([]rune(part.Text))
			}
		}
	}
	return n
}

// estimateTokens approximates a token count as one token per four characters.
func estimateTokens(chars int) int {
	if chars <= 0 {
		return 0
	}
	return (chars + 3) / 4
}
