package mcp

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/haasonsaas/agentproxy/internal/observability"
)

// ErrToolTimeout is wrapped by CallError when a call exceeds the call timeout.
var ErrToolTimeout = errors.New("tool call timed out")

// slowCallFraction of the timeout marks a successful call as slow.
const slowCallFraction = 0.8

// CallError is a failed tool call together with diagnostics for the model.
type CallError struct {
	Tool        string
	Err         error
	Diagnostics Diagnostics
}

func (e *CallError) Error() string {
	return fmt.Sprintf("tool %s: %v", e.Tool, e.Err)
}

func (e *CallError) Unwrap() error {
	return e.Err
}

// Diagnostics is the structured context returned to the model with a failure.
type Diagnostics struct {
	Server     string       `json:"server"`
	Tool       string       `json:"tool"`
	Error      string       `json:"error"`
	TimedOut   bool         `json:"timed_out,omitempty"`
	DurationMs int64        `json:"duration_ms"`
	Paths      []PathDetail `json:"paths,omitempty"`
	Hint       string       `json:"hint,omitempty"`
}

// PathDetail describes a path argument of a filesystem-style tool.
type PathDetail struct {
	Argument     string `json:"argument"`
	Value        string `json:"value"`
	Absolute     string `json:"absolute"`
	Exists       bool   `json:"exists"`
	IsDir        bool   `json:"is_dir,omitempty"`
	ParentExists bool   `json:"parent_exists"`
}

type callOutcome struct {
	result *ToolCallResult
	err    error
}

// callTool races the call against the call timeout. A timed-out call's
// result is discarded when it eventually arrives.
func (b *Bridge) callTool(ctx context.Context, name string, r route, args map[string]any) (string, error) {
	logger := b.logger.With("tool", name, "tool_server", r.server)
	client, ok := b.client(r.server)
	if !ok {
		return "", &CallError{Tool: name, Err: fmt.Errorf("tool server %s is not connected", r.server),
			Diagnostics: Diagnostics{Server: r.server, Tool: r.tool, Error: "server not connected"}}
	}

	ctx, span := b.tracer.TraceToolExecution(ctx, name)
	defer span.End()

	callCtx, cancel := context.WithTimeout(ctx, b.callTimeout)
	defer cancel()

	logger.DebugContext(ctx, "tool call started")
	start := time.Now()

	done := make(chan callOutcome, 1)
	go func() {
		result, err := client.CallTool(callCtx, r.tool, args)
		done <- callOutcome{result: result, err: err}
	}()

	timer := time.NewTimer(b.callTimeout)
	defer timer.Stop()

	var outcome callOutcome
	select {
	case outcome = <-done:
	case <-timer.C:
		outcome.err = ErrToolTimeout
	case <-ctx.Done():
		outcome.err = ctx.Err()
	}
	duration := time.Since(start)

	timedOut := errors.Is(outcome.err, ErrToolTimeout) ||
		(errors.Is(outcome.err, context.DeadlineExceeded) && ctx.Err() == nil)
	if timedOut {
		logger.WarnContext(ctx, "tool call timed out", "timeout", b.callTimeout.String())
		err := b.failure(name, r, args, fmt.Errorf("%w after %v", ErrToolTimeout, b.callTimeout), duration)
		err.Diagnostics.TimedOut = true
		b.metrics.RecordToolCall(name, "timeout", duration.Seconds())
		observability.RecordError(span, err)
		return "", err
	}

	if outcome.err == nil && outcome.result != nil && outcome.result.IsError {
		outcome.err = errors.New(firstNonEmpty(outcome.result.Text(), "tool reported an error"))
	}
	if outcome.err == nil && outcome.result == nil {
		outcome.err = errors.New("tool returned no result")
	}
	if outcome.err != nil {
		logger.WarnContext(ctx, "tool call failed", "error", outcome.err, "duration_ms", duration.Milliseconds())
		err := b.failure(name, r, args, outcome.err, duration)
		b.metrics.RecordToolCall(name, "error", duration.Seconds())
		observability.RecordError(span, err)
		return "", err
	}

	if float64(duration) > float64(b.callTimeout)*slowCallFraction {
		logger.WarnContext(ctx, "slow tool call", "duration_ms", duration.Milliseconds(), "timeout", b.callTimeout.String())
	}
	logger.DebugContext(ctx, "tool call completed", "duration_ms", duration.Milliseconds())
	b.metrics.RecordToolCall(name, "success", duration.Seconds())
	return outcome.result.Text(), nil
}

func (b *Bridge) failure(name string, r route, args map[string]any, cause error, duration time.Duration) *CallError {
	diag := Diagnostics{
		Server:     r.server,
		Tool:       r.tool,
		Error:      cause.Error(),
		DurationMs: duration.Milliseconds(),
	}
	if isFilesystemTool(r.tool) {
		diag.Paths = pathDetails(args)
	}
	if isEditTool(r.tool) && isNotFoundMessage(cause.Error()) {
		diag.Hint = "The text to replace must match the file contents exactly, including whitespace, indentation and line breaks. Read the file again and copy the text verbatim."
	}
	return &CallError{Tool: name, Err: cause, Diagnostics: diag}
}

var filesystemMarkers = []string{"file", "dir", "path", "fs", "read", "write", "edit", "move", "copy", "delete", "mkdir", "list"}

func isFilesystemTool(tool string) bool {
	lower := strings.ToLower(tool)
	for _, marker := range filesystemMarkers {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

func isEditTool(tool string) bool {
	lower := strings.ToLower(tool)
	return strings.Contains(lower, "edit") || strings.Contains(lower, "replace")
}

func isNotFoundMessage(msg string) bool {
	lower := strings.ToLower(msg)
	for _, marker := range []string{"not found", "could not find", "no match", "did not match", "does not match"} {
		if strings.Contains(lower, marker) {
			return true
		}
	}
	return false
}

var pathArguments = []string{"path", "file", "file_path", "filepath", "directory", "dir", "source", "destination", "target"}

func pathDetails(args map[string]any) []PathDetail {
	var details []PathDetail
	for _, key := range pathArguments {
		value, ok := args[key].(string)
		if !ok || strings.TrimSpace(value) == "" {
			continue
		}
		detail := PathDetail{Argument: key, Value: value}
		if abs, err := filepath.Abs(value); err == nil {
			detail.Absolute = abs
		}
		if info, err := os.Stat(value); err == nil {
			detail.Exists = true
			detail.IsDir = info.IsDir()
		}
		if _, err := os.Stat(filepath.Dir(value)); err == nil {
			detail.ParentExists = true
		}
		details = append(details, detail)
	}
	return details
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if strings.TrimSpace(v) != "" {
			return v
		}
	}
	return ""
}
