package observability

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// Metrics holds the proxy's Prometheus collectors. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	registry *prometheus.Registry

	// HTTPRequestCounter counts requests. Labels: method, route, status_code
	HTTPRequestCounter *prometheus.CounterVec
	// HTTPRequestDuration measures request latency. Labels: method, route
	HTTPRequestDuration *prometheus.HistogramVec

	// LLMRequestCounter counts upstream calls. Labels: model, mode (sync|stream), status
	LLMRequestCounter *prometheus.CounterVec
	// LLMRequestDuration measures upstream latency. Labels: model, mode
	LLMRequestDuration *prometheus.HistogramVec
	// LLMTokensEstimated tracks the chars/4 token estimate. Labels: model, type (prompt|completion)
	LLMTokensEstimated *prometheus.CounterVec
	// LLMErrors counts translated upstream failures. Labels: error_type
	LLMErrors *prometheus.CounterVec

	// ToolCallCounter counts tool invocations. Labels: tool, status (success|error|timeout)
	ToolCallCounter *prometheus.CounterVec
	// ToolCallDuration measures tool latency. Labels: tool
	ToolCallDuration *prometheus.HistogramVec
	// ToolServersConnected is the size of the live tool client set.
	ToolServersConnected prometheus.Gauge

	// ActiveStreams is the number of open SSE responses.
	ActiveStreams prometheus.Gauge
}

// NewMetrics registers all collectors on a private registry.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	reg.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	factory := promauto.With(reg)

	return &Metrics{
		registry: reg,
		HTTPRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentproxy_http_requests_total",
				Help: "Total HTTP requests by method, route and status code",
			},
			[]string{"method", "route", "status_code"},
		),
		HTTPRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentproxy_http_request_duration_seconds",
				Help:    "HTTP request latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30, 60, 120},
			},
			[]string{"method", "route"},
		),
		LLMRequestCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentproxy_llm_requests_total",
				Help: "Total upstream model calls by model, mode and status",
			},
			[]string{"model", "mode", "status"},
		),
		LLMRequestDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentproxy_llm_request_duration_seconds",
				Help:    "Upstream model call latency in seconds",
				Buckets: []float64{0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
			},
			[]string{"model", "mode"},
		),
		LLMTokensEstimated: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentproxy_llm_tokens_estimated_total",
				Help: "Estimated tokens by model and type",
			},
			[]string{"model", "type"},
		),
		LLMErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentproxy_llm_errors_total",
				Help: "Upstream failures by translated error type",
			},
			[]string{"error_type"},
		),
		ToolCallCounter: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "agentproxy_tool_calls_total",
				Help: "Tool invocations by tool and status",
			},
			[]string{"tool", "status"},
		),
		ToolCallDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "agentproxy_tool_call_duration_seconds",
				Help:    "Tool call latency in seconds",
				Buckets: []float64{0.01, 0.05, 0.1, 0.5, 1, 5, 10, 30},
			},
			[]string{"tool"},
		),
		ToolServersConnected: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentproxy_tool_servers_connected",
			Help: "Number of connected tool servers",
		}),
		ActiveStreams: factory.NewGauge(prometheus.GaugeOpts{
			Name: "agentproxy_active_streams",
			Help: "Number of open streaming responses",
		}),
	}
}

// Handler serves the registry in the Prometheus exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	if m == nil {
		return nil
	}
	return m.registry
}

func (m *Metrics) RecordHTTPRequest(method, route, statusCode string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.HTTPRequestCounter.WithLabelValues(method, route, statusCode).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, route).Observe(durationSeconds)
}

// RecordLLMRequest records one upstream call and its estimated token usage.
func (m *Metrics) RecordLLMRequest(model, mode, status string, durationSeconds float64, promptTokens, completionTokens int) {
	if m == nil {
		return
	}
	m.LLMRequestCounter.WithLabelValues(model, mode, status).Inc()
	m.LLMRequestDuration.WithLabelValues(model, mode).Observe(durationSeconds)
	if promptTokens > 0 {
		m.LLMTokensEstimated.WithLabelValues(model, "prompt").Add(float64(promptTokens))
	}
	if completionTokens > 0 {
		m.LLMTokensEstimated.WithLabelValues(model, "completion").Add(float64(completionTokens))
	}
}

func (m *Metrics) RecordLLMError(errorType string) {
	if m == nil {
		return
	}
	m.LLMErrors.WithLabelValues(errorType).Inc()
}

func (m *Metrics) RecordToolCall(tool, status string, durationSeconds float64) {
	if m == nil {
		return
	}
	m.ToolCallCounter.WithLabelValues(tool, status).Inc()
	m.ToolCallDuration.WithLabelValues(tool).Observe(durationSeconds)
}

func (m *Metrics) SetToolServersConnected(n int) {
	if m == nil {
		return
	}
	m.ToolServersConnected.Set(float64(n))
}

func (m *Metrics) StreamStarted() {
	if m == nil {
		return
	}
	m.ActiveStreams.Inc()
}

func (m *Metrics) StreamEnded() {
	if m == nil {
		return
	}
	m.ActiveStreams.Dec()
}
