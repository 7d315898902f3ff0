package mcp

import (
	"strings"
	"testing"
)

func TestSafeToolName(t *testing.T) {
	used := map[string]struct{}{}

	if got := safeToolName("filesystem", "read_file", used); got != "filesystem_read_file" {
		t.Errorf("got %q", got)
	}
	if got := safeToolName("My Server!", "Do-Thing", used); got != "my_server_do_thing" {
		t.Errorf("got %q", got)
	}
	if got := safeToolName("9lives", "x", used); !strings.HasPrefix(got, "t_") {
		t.Errorf("leading digit not prefixed: %q", got)
	}
}

func TestSafeToolNameCollision(t *testing.T) {
	used := map[string]struct{}{}
	first := safeToolName("a-b", "c", used)
	second := safeToolName("a_b", "c", used)
	if first == second {
		t.Fatalf("expected distinct names, both %q", first)
	}
	if !strings.HasPrefix(second, first+"_") {
		t.Errorf("expected hash suffix on %q", second)
	}
}

func TestSafeToolNameLength(t *testing.T) {
	used := map[string]struct{}{}
	name := safeToolName(strings.Repeat("server", 10), strings.Repeat("tool", 10), used)
	if len(name) > maxToolNameLen {
		t.Fatalf("name too long: %d", len(name))
	}
	again := safeToolName(strings.Repeat("server", 10), strings.Repeat("tool", 10), used)
	if len(again) > maxToolNameLen || again == name {
		t.Fatalf("dedupe failed: %q vs %q", again, name)
	}
}

func TestSanitizeToolPart(t *testing.T) {
	tests := map[string]string{
		"":            "tool",
		"___":         "tool",
		"Hello World": "hello_world",
		"a..b":        "a_b",
		"héllo":       "h_llo",
	}
	for in, want := range tests {
		if got := sanitizeToolPart(in); got != want {
			t.Errorf("sanitizeToolPart(%q) = %q, want %q", in, got, want)
		}
	}
}
