package prompts

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"testing"
	"time"
)

func TestParseDirective(t *testing.T) {
	tests := []struct {
		text     string
		wantName string
		wantRest string
		wantOK   bool
	}{
		{"/review please look at this", "review", "please look at this", true},
		{"  /review\n\ncode here", "review", "code here", true},
		{"/review", "review", "", true},
		{"/usr/bin/env is a path", "", "/usr/bin/env is a path", false},
		{"no directive", "", "no directive", false},
		{"text then /review", "", "text then /review", false},
		{"/-bad start", "", "/-bad start", false},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			name, rest, ok := ParseDirective(tt.text)
			if ok != tt.wantOK || name != tt.wantName || rest != tt.wantRest {
				t.Fatalf("ParseDirective(%q) = (%q, %q, %v), want (%q, %q, %v)",
					tt.text, name, rest, ok, tt.wantName, tt.wantRest, tt.wantOK)
			}
		})
	}
}

func TestParse(t *testing.T) {
	data := []byte(`---
model: gemini-2.5-flash
temperature: 0.2
max_tokens: 1024
top_k: 20
tools:
  - read_file
---
You are a careful reviewer.
`)
	prompt, err := Parse("review", data)
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if prompt.Metadata.Model != "gemini-2.5-flash" {
		t.Errorf("Model = %q", prompt.Metadata.Model)
	}
	if prompt.Metadata.Temperature == nil || *prompt.Metadata.Temperature != 0.2 {
		t.Errorf("Temperature = %v", prompt.Metadata.Temperature)
	}
	if prompt.Metadata.MaxTokens == nil || *prompt.Metadata.MaxTokens != 1024 {
		t.Errorf("MaxTokens = %v", prompt.Metadata.MaxTokens)
	}
	if prompt.Metadata.TopP != nil {
		t.Errorf("TopP should be unset")
	}
	if len(prompt.Metadata.Tools) != 1 || prompt.Metadata.Tools[0] != "read_file" {
		t.Errorf("Tools = %v", prompt.Metadata.Tools)
	}
	if prompt.Content != "You are a careful reviewer." {
		t.Errorf("Content = %q", prompt.Content)
	}
}

func TestParseWithoutFrontMatter(t *testing.T) {
	prompt, err := Parse("plain", []byte("\nJust text.\n"))
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if prompt.Content != "Just text." {
		t.Fatalf("Content = %q", prompt.Content)
	}
}

func TestParseUnclosedFrontMatter(t *testing.T) {
	if _, err := Parse("bad", []byte("---\nmodel: x\nbody")); err == nil {
		t.Fatal("expected error for unclosed front matter")
	}
}

func writePrompt(t *testing.T, dir, name, content string) {
	t.Helper()
	if err := os.WriteFile(filepath.Join(dir, name+".md"), []byte(content), 0o600); err != nil {
		t.Fatal(err)
	}
}

func TestComposerCompose(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "review", "---\nmodel: m1\n---\nReview carefully.")
	c := NewComposer(dir, nil)

	comp, err := c.Compose("/review the diff")
	if err != nil {
		t.Fatalf("Compose() error = %v", err)
	}
	if comp == nil || comp.Text != "the diff" || comp.Prompt.Content != "Review carefully." {
		t.Fatalf("Compose() = %+v", comp)
	}

	comp, err = c.Compose("hello")
	if err != nil || comp != nil {
		t.Fatalf("Compose(no directive) = %+v, %v", comp, err)
	}

	if _, err := c.Compose("/missing x"); !errors.Is(err, ErrPromptNotFound) {
		t.Fatalf("expected ErrPromptNotFound, got %v", err)
	}
}

func TestComposerCachesUntilInvalidated(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "p", "first")
	c := NewComposer(dir, nil)

	if p, _ := c.Load("p"); p.Content != "first" {
		t.Fatalf("Load() = %q", p.Content)
	}
	writePrompt(t, dir, "p", "second")
	if p, _ := c.Load("p"); p.Content != "first" {
		t.Fatalf("expected cached content, got %q", p.Content)
	}
	c.Invalidate()
	if p, _ := c.Load("p"); p.Content != "second" {
		t.Fatalf("expected fresh content, got %q", p.Content)
	}
}

func TestComposerWatchInvalidates(t *testing.T) {
	dir := t.TempDir()
	writePrompt(t, dir, "p", "first")
	c := NewComposer(dir, nil)
	c.debounce = 10 * time.Millisecond

	if err := c.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching() error = %v", err)
	}
	defer c.Close()

	if p, _ := c.Load("p"); p.Content != "first" {
		t.Fatalf("Load() = %q", p.Content)
	}
	writePrompt(t, dir, "p", "second")

	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if p, err := c.Load("p"); err == nil && p.Content == "second" {
			return
		}
		time.Sleep(20 * time.Millisecond)
	}
	t.Fatal("cache was not invalidated after the file changed")
}

func TestComposerWatchMissingDir(t *testing.T) {
	c := NewComposer(filepath.Join(t.TempDir(), "absent"), nil)
	if err := c.StartWatching(context.Background()); err != nil {
		t.Fatalf("StartWatching() error = %v", err)
	}
	if err := c.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
}
