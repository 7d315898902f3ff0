package agent

import (
	"fmt"
	"sync/atomic"
	"time"
)

var traceCounter atomic.Uint64

// RequestTrace identifies one orchestrator call in logs and spans.
type RequestTrace struct {
	ID        string
	StartTime time.Time
}

func newRequestTrace() RequestTrace {
	now := time.Now()
	return RequestTrace{
		ID:        fmt.Sprintf("req_%d_%d", now.UnixMilli(), traceCounter.Add(1)),
		StartTime: now,
	}
}

func (t RequestTrace) Elapsed() time.Duration {
	return time.Since(t.StartTime)
}
