package server

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"iter"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/agentproxy/internal/agent"
	"github.com/haasonsaas/agentproxy/internal/config"
	"github.com/haasonsaas/agentproxy/internal/observability"
)

type fakeCompleter struct {
	completeErr error
	chunks      []*openai.ChatCompletionStreamResponse
	streamErr   error
	panicOn     bool
	lastReq     *agent.ChatRequest
	shutdowns   atomic.Int32
}

func (f *fakeCompleter) Complete(_ context.Context, req *agent.ChatRequest) (*openai.ChatCompletionResponse, error) {
	f.lastReq = req
	if f.panicOn {
		panic("boom")
	}
	if f.completeErr != nil {
		return nil, f.completeErr
	}
	return &openai.ChatCompletionResponse{
		ID:     "chatcmpl-test",
		Object: "chat.completion",
		Model:  req.Model,
		Choices: []openai.ChatCompletionChoice{{
			Message:      openai.ChatCompletionMessage{Role: "assistant", Content: "hi"},
			FinishReason: openai.FinishReasonStop,
		}},
	}, nil
}

func (f *fakeCompleter) Stream(_ context.Context, req *agent.ChatRequest) iter.Seq2[*openai.ChatCompletionStreamResponse, error] {
	f.lastReq = req
	return func(yield func(*openai.ChatCompletionStreamResponse, error) bool) {
		for _, chunk := range f.chunks {
			if !yield(chunk, nil) {
				return
			}
		}
		if f.streamErr != nil {
			yield(nil, f.streamErr)
		}
	}
}

func (f *fakeCompleter) Shutdown() { f.shutdowns.Add(1) }

var testConfig = config.AgentConfig{Project: "proj", Location: "us-central1", Model: "gemini-2.5-pro", Port: 8788}

func newTestServer(t *testing.T, completer *fakeCompleter) *Server {
	t.Helper()
	s, err := New(Options{
		Config:    testConfig,
		Version:   "1.2.3",
		Completer: completer,
		ToolCount: func() int { return 2 },
		Metrics:   observability.NewMetrics(),
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return s
}

func do(t *testing.T, s *Server, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var reader io.Reader
	if body != "" {
		reader = strings.NewReader(body)
	}
	req := httptest.NewRequest(method, path, reader)
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	return rec
}

func decodeError(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body struct {
		Error map[string]any `json:"error"`
	}
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatalf("decode error body %q: %v", rec.Body.String(), err)
	}
	return body.Error
}

func TestHealth(t *testing.T) {
	rec := do(t, newTestServer(t, &fakeCompleter{}), http.MethodGet, "/health", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	var body healthResponse
	if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
		t.Fatal(err)
	}
	want := healthResponse{
		Status:  "healthy",
		Version: "1.2.3",
		Config:  healthConfig{Model: "gemini-2.5-pro", Project: "proj", Location: "us-central1"},
		Tools:   2,
	}
	if body != want {
		t.Fatalf("health = %+v, want %+v", body, want)
	}
	if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
		t.Error("missing CORS header")
	}
	if rec.Header().Get(requestIDHeader) == "" {
		t.Error("missing request id header")
	}
}

func TestRequestIDPropagated(t *testing.T) {
	s := newTestServer(t, &fakeCompleter{})
	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	req.Header.Set(requestIDHeader, "abc-123")
	rec := httptest.NewRecorder()
	s.Handler().ServeHTTP(rec, req)
	if got := rec.Header().Get(requestIDHeader); got != "abc-123" {
		t.Fatalf("X-Request-ID = %q", got)
	}
}

func TestOptionsPreflight(t *testing.T) {
	for _, path := range []string{"/v1/chat/completions", "/anything"} {
		rec := do(t, newTestServer(t, &fakeCompleter{}), http.MethodOptions, path, "")
		if rec.Code != http.StatusNoContent {
			t.Errorf("%s: status = %d, want 204", path, rec.Code)
		}
		if rec.Header().Get("Access-Control-Allow-Origin") != "*" {
			t.Errorf("%s: missing CORS header", path)
		}
		if rec.Body.Len() != 0 {
			t.Errorf("%s: body should be empty", path)
		}
	}
}

func TestNotFound(t *testing.T) {
	tests := []struct{ method, path string }{
		{http.MethodGet, "/v2/models"},
		{http.MethodGet, "/v1/chat/completions"},
		{http.MethodDelete, "/health"},
	}
	for _, tt := range tests {
		rec := do(t, newTestServer(t, &fakeCompleter{}), tt.method, tt.path, "")
		if rec.Code != http.StatusNotFound {
			t.Errorf("%s %s: status = %d", tt.method, tt.path, rec.Code)
			continue
		}
		var body map[string]string
		if err := json.Unmarshal(rec.Body.Bytes(), &body); err != nil {
			t.Fatal(err)
		}
		want := "Endpoint not found: " + tt.method + " " + tt.path
		if body["error"] != want {
			t.Errorf("error = %q, want %q", body["error"], want)
		}
	}
}

func TestChatCompletionsValidation(t *testing.T) {
	tests := []struct {
		name      string
		body      string
		wantParam any
		wantInMsg string
	}{
		{"missing messages", `{"model":"x"}`, "messages", "messages"},
		{"messages not array", `{"messages":"hi"}`, "messages", "messages"},
		{"empty messages", `{"messages":[]}`, "messages", "messages"},
		{"invalid json", `{"messages":`, nil, "JSON"},
		{"not an object", `[1,2]`, nil, "JSON"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			completer := &fakeCompleter{}
			rec := do(t, newTestServer(t, completer), http.MethodPost, "/v1/chat/completions", tt.body)
			if rec.Code != http.StatusBadRequest {
				t.Fatalf("status = %d", rec.Code)
			}
			errBody := decodeError(t, rec)
			if errBody["type"] != "invalid_request_error" {
				t.Errorf("type = %v", errBody["type"])
			}
			if errBody["param"] != tt.wantParam {
				t.Errorf("param = %v, want %v", errBody["param"], tt.wantParam)
			}
			if _, ok := errBody["code"]; !ok || errBody["code"] != nil {
				t.Errorf("code should be present and null, got %v", errBody["code"])
			}
			if !strings.Contains(errBody["message"].(string), tt.wantInMsg) {
				t.Errorf("message %q should mention %q", errBody["message"], tt.wantInMsg)
			}
			if completer.lastReq != nil {
				t.Error("completer must not be called for invalid requests")
			}
		})
	}
}

func TestChatCompletionsSync(t *testing.T) {
	for _, path := range []string{"/v1/chat/completions", "/chat/completions"} {
		completer := &fakeCompleter{}
		rec := do(t, newTestServer(t, completer), http.MethodPost, path, `{"messages":[{"role":"user","content":"hi"}]}`)
		if rec.Code != http.StatusOK {
			t.Fatalf("%s: status = %d body=%s", path, rec.Code, rec.Body.String())
		}
		if completer.lastReq.Model != "gemini-2.5-pro" {
			t.Errorf("%s: missing model should default, got %q", path, completer.lastReq.Model)
		}
		var resp openai.ChatCompletionResponse
		if err := json.Unmarshal(rec.Body.Bytes(), &resp); err != nil {
			t.Fatal(err)
		}
		if resp.Choices[0].Message.Content != "hi" {
			t.Errorf("%s: content = %q", path, resp.Choices[0].Message.Content)
		}
	}
}

func TestChatCompletionsUpstreamError(t *testing.T) {
	completer := &fakeCompleter{completeErr: errors.New(`{"error":{"code":429,"message":"Quota exceeded","status":"RESOURCE_EXHAUSTED"}}`)}
	rec := do(t, newTestServer(t, completer), http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusTooManyRequests {
		t.Fatalf("status = %d", rec.Code)
	}
	errBody := decodeError(t, rec)
	if errBody["type"] != "rate_limit_error" || errBody["message"] != "Quota exceeded" {
		t.Fatalf("error = %+v", errBody)
	}
}

func TestPanicRecovered(t *testing.T) {
	completer := &fakeCompleter{panicOn: true}
	rec := do(t, newTestServer(t, completer), http.MethodPost, "/v1/chat/completions", `{"messages":[{"role":"user","content":"hi"}]}`)
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if decodeError(t, rec)["type"] != "api_error" {
		t.Fatalf("unexpected body %s", rec.Body.String())
	}
}

func streamChunk(content string, finish openai.FinishReason) *openai.ChatCompletionStreamResponse {
	return &openai.ChatCompletionStreamResponse{
		ID:     "chatcmpl-1",
		Object: "chat.completion.chunk",
		Choices: []openai.ChatCompletionStreamChoice{{
			Delta:        openai.ChatCompletionStreamChoiceDelta{Content: content},
			FinishReason: finish,
		}},
	}
}

func sseEvents(t *testing.T, body []byte) []string {
	t.Helper()
	var events []string
	scanner := bufio.NewScanner(bytes.NewReader(body))
	for scanner.Scan() {
		line := scanner.Text()
		if strings.HasPrefix(line, "data: ") {
			events = append(events, strings.TrimPrefix(line, "data: "))
		}
	}
	return events
}

func TestChatCompletionsStream(t *testing.T) {
	completer := &fakeCompleter{chunks: []*openai.ChatCompletionStreamResponse{
		streamChunk("", ""),
		streamChunk("Hel", ""),
		streamChunk("lo", ""),
		streamChunk("", openai.FinishReasonStop),
	}}
	rec := do(t, newTestServer(t, completer), http.MethodPost, "/v1/chat/completions",
		`{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	h := rec.Header()
	if h.Get("Content-Type") != "text/event-stream" || h.Get("Cache-Control") != "no-cache" || h.Get("Connection") != "keep-alive" {
		t.Fatalf("unexpected SSE headers: %v", h)
	}
	if h.Get("Access-Control-Allow-Origin") != "*" {
		t.Fatal("missing CORS header on stream")
	}
	if !strings.Contains(rec.Body.String(), "\n\n") {
		t.Fatal("events must be separated by a blank line")
	}

	events := sseEvents(t, rec.Body.Bytes())
	if len(events) != 5 {
		t.Fatalf("events = %d, want 5: %q", len(events), events)
	}
	if events[4] != "[DONE]" {
		t.Fatalf("last event = %q", events[4])
	}
	var chunk openai.ChatCompletionStreamResponse
	if err := json.Unmarshal([]byte(events[1]), &chunk); err != nil {
		t.Fatal(err)
	}
	if chunk.Choices[0].Delta.Content != "Hel" {
		t.Fatalf("chunk = %+v", chunk)
	}
	for _, event := range events[:4] {
		if strings.Contains(event, "content_filter_results") || strings.Contains(event, "system_fingerprint") {
			t.Fatalf("chunk carries provider-specific fields: %s", event)
		}
	}
	if !strings.Contains(events[1], `"finish_reason":null`) {
		t.Fatalf("content chunk should carry a null finish_reason: %s", events[1])
	}
	if !strings.Contains(events[3], `"finish_reason":"stop"`) {
		t.Fatalf("terminal chunk should finish with stop: %s", events[3])
	}
}

func TestChatCompletionsStreamError(t *testing.T) {
	completer := &fakeCompleter{
		chunks:    []*openai.ChatCompletionStreamResponse{streamChunk("", ""), streamChunk("part", "")},
		streamErr: errors.New(`{"error":"invalid_grant","error_description":"Token has been expired or revoked."}`),
	}
	rec := do(t, newTestServer(t, completer), http.MethodPost, "/chat/completions",
		`{"stream":true,"messages":[{"role":"user","content":"hi"}]}`)

	events := sseEvents(t, rec.Body.Bytes())
	if len(events) != 3 {
		t.Fatalf("events = %d, want 3: %q", len(events), events)
	}
	for _, e := range events {
		if e == "[DONE]" {
			t.Fatal("a failed stream must not end with [DONE]")
		}
	}
	var event struct {
		ID     string         `json:"id"`
		Object string         `json:"object"`
		Error  map[string]any `json:"error"`
	}
	if err := json.Unmarshal([]byte(events[2]), &event); err != nil {
		t.Fatal(err)
	}
	if event.Object != "error" || !strings.HasPrefix(event.ID, "chatcmpl-") {
		t.Fatalf("event = %+v", event)
	}
	if event.Error["type"] != "authentication_error" {
		t.Fatalf("error type = %v", event.Error["type"])
	}
}

func TestMetricsEndpoint(t *testing.T) {
	s := newTestServer(t, &fakeCompleter{})
	do(t, s, http.MethodGet, "/health", "")
	rec := do(t, s, http.MethodGet, "/metrics", "")
	if rec.Code != http.StatusOK {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), "agentproxy_http_requests_total") {
		t.Fatalf("metrics output missing http counter:\n%s", rec.Body.String())
	}
}

func TestServeShutdown(t *testing.T) {
	completer := &fakeCompleter{}
	s := newTestServer(t, completer)
	listener, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- s.Serve(ctx, listener) }()

	url := "http://" + listener.Addr().String() + "/health"
	var resp *http.Response
	for i := 0; i < 50; i++ {
		resp, err = http.Get(url)
		if err == nil {
			break
		}
		time.Sleep(20 * time.Millisecond)
	}
	if err != nil {
		t.Fatalf("GET /health: %v", err)
	}
	resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("status = %d", resp.StatusCode)
	}

	cancel()
	select {
	case err := <-done:
		if err != nil {
			t.Fatalf("Serve() error = %v", err)
		}
	case <-time.After(10 * time.Second):
		t.Fatal("Serve did not return after cancel")
	}
	if completer.shutdowns.Load() != 1 {
		t.Fatalf("completer shut down %d times", completer.shutdowns.Load())
	}
}
