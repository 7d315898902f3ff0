// Package prompts resolves "/name" directives in chat messages to prompt
// files with optional YAML front matter.
package prompts

import (
	"bufio"
	"bytes"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"gopkg.in/yaml.v3"
)

const frontMatterDelimiter = "---"

// ErrPromptNotFound is returned when a directive names a missing prompt file.
var ErrPromptNotFound = errors.New("prompt not found")

// Metadata holds generation defaults declared in a prompt's front matter.
type Metadata struct {
	Model       string   `yaml:"model"`
	Temperature *float32 `yaml:"temperature"`
	MaxTokens   *int32   `yaml:"max_tokens"`
	TopP        *float32 `yaml:"top_p"`
	TopK        *float32 `yaml:"top_k"`
	Tools       []string `yaml:"tools"`
}

// Prompt is a parsed prompt file.
type Prompt struct {
	Name     string
	Path     string
	Metadata Metadata
	Content  string
}

// Composition is the outcome of resolving a directive.
type Composition struct {
	// Text is the message with the directive removed.
	Text   string
	Prompt *Prompt
}

var directivePattern = regexp.MustCompile(`^/([A-Za-z0-9][A-Za-z0-9_-]*)(?:\s+|$)`)

// ParseDirective splits a leading "/name" directive from text.
func ParseDirective(text string) (name, rest string, ok bool) {
	trimmed := strings.TrimLeft(text, " \t\r\n")
	match := directivePattern.FindStringSubmatchIndex(trimmed)
	if match == nil {
		return "", text, false
	}
	name = trimmed[match[2]:match[3]]
	rest = strings.TrimSpace(trimmed[match[1]:])
	return name, rest, true
}

// Parse reads prompt file content. Front matter is optional.
func Parse(name string, data []byte) (*Prompt, error) {
	prompt := &Prompt{Name: name}
	frontMatter, body, found, err := splitFrontMatter(data)
	if err != nil {
		return nil, fmt.Errorf("prompt %s: %w", name, err)
	}
	if found && len(bytes.TrimSpace(frontMatter)) > 0 {
		if err := yaml.Unmarshal(frontMatter, &prompt.Metadata); err != nil {
			return nil, fmt.Errorf("prompt %s: parse front matter: %w", name, err)
		}
	}
	prompt.Content = strings.TrimSpace(string(body))
	return prompt, nil
}

func splitFrontMatter(data []byte) (frontMatter, body []byte, found bool, err error) {
	scanner := bufio.NewScanner(bytes.NewReader(data))
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	if !scanner.Scan() {
		return nil, nil, false, scanner.Err()
	}
	if strings.TrimSpace(strings.TrimPrefix(scanner.Text(), "\ufeff")) != frontMatterDelimiter {
		return nil, data, false, nil
	}

	var fmLines []string
	closed := false
	for scanner.Scan() {
		line := scanner.Text()
		if strings.TrimSpace(line) == frontMatterDelimiter {
			closed = true
			break
		}
		fmLines = append(fmLines, line)
	}
	if !closed {
		return nil, nil, false, fmt.Errorf("missing closing front matter delimiter")
	}

	var bodyLines []string
	for scanner.Scan() {
		bodyLines = append(bodyLines, scanner.Text())
	}
	if err := scanner.Err(); err != nil {
		return nil, nil, false, err
	}
	return []byte(strings.Join(fmLines, "\n")), []byte(strings.Join(bodyLines, "\n")), true, nil
}
