package agent

const (
	ThinkingOpen  = "<thinking>"
	ThinkingClose = "</thinking>"
)

// thoughtWriter inserts delimiters around runs of reasoning parts. The same
// machine serves the complete and streaming paths.
type thoughtWriter struct {
	thinking bool
}

// Part returns the text to emit for one provider part.
func (w *thoughtWriter) Part(text string, thought bool) string {
	switch {
	case thought && !w.thinking:
		w.thinking = true
		return ThinkingOpen + text
	case !thought && w.thinking:
		w.thinking = false
		return ThinkingClose + text
	default:
		return text
	}
}

// Close ends an open reasoning run at the end of output.
func (w *thoughtWriter) Close() string {
	if !w.thinking {
		return ""
	}
	w.thinking = false
	return ThinkingClose
}
