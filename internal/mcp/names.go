package mcp

import (
	"crypto/sha1" // #nosec G505 -- used for short, stable name suffixes only
	"encoding/hex"
	"fmt"
	"strings"
	"unicode"
)

// Gemini function names must match [a-zA-Z_][a-zA-Z0-9_]{0,63}.
const maxToolNameLen = 64

// safeToolName returns "<server>_<tool>" sanitized for the model, unique within used.
func safeToolName(server, tool string, used map[string]struct{}) string {
	base := sanitizeToolPart(server) + "_" + sanitizeToolPart(tool)
	if base[0] >= '0' && base[0] <= '9' {
		base = "t_" + base
	}

	name := base
	if len(name) > maxToolNameLen {
		name = truncateWithHash(base, server, tool)
	}
	if _, exists := used[name]; exists {
		name = dedupeWithHash(name, server, tool, used)
	}
	used[name] = struct{}{}
	return name
}

func sanitizeToolPart(value string) string {
	var b strings.Builder
	b.Grow(len(value))
	underscore := false
	for _, r := range value {
		switch {
		case r < unicode.MaxASCII && (unicode.IsLetter(r) || unicode.IsDigit(r)):
			b.WriteRune(unicode.ToLower(r))
			underscore = false
		default:
			if !underscore {
				b.WriteByte('_')
				underscore = true
			}
		}
	}
	clean := strings.Trim(b.String(), "_")
	if clean == "" {
		return "tool"
	}
	return clean
}

func toolNameHash(server, tool string) string {
	sum := sha1.Sum([]byte(server + ":" + tool)) // #nosec G401
	return hex.EncodeToString(sum[:])[:8]
}

func truncateWithHash(base, server, tool string) string {
	suffix := "_" + toolNameHash(server, tool)
	trimLen := maxToolNameLen - len(suffix)
	if trimLen > len(base) {
		trimLen = len(base)
	}
	return base[:trimLen] + suffix
}

func dedupeWithHash(base, server, tool string, used map[string]struct{}) string {
	for i := 0; ; i++ {
		key := tool
		if i > 0 {
			key = fmt.Sprintf("%s#%d", tool, i)
		}
		name := base + "_" + toolNameHash(server, key)
		if len(name) > maxToolNameLen {
			name = truncateWithHash(base, server, key)
		}
		if _, exists := used[name]; !exists {
			return name
		}
	}
}
