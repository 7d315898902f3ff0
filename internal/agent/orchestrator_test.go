package agent

import (
	"context"
	"encoding/json"
	"errors"
	"iter"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	openai "github.com/sashabaranov/go-openai"
	"google.golang.org/genai"

	"github.com/haasonsaas/agentproxy/internal/config"
	"github.com/haasonsaas/agentproxy/internal/mcp"
	"github.com/haasonsaas/agentproxy/internal/prompts"
)

type generateCall struct {
	model    string
	contents []*genai.Content
	config   *genai.GenerateContentConfig
}

type streamStep struct {
	resp *genai.GenerateContentResponse
	err  error
}

// fakeGenerator replays canned responses, one per call.
type fakeGenerator struct {
	mu        sync.Mutex
	responses []*genai.GenerateContentResponse
	streams   [][]streamStep
	err       error
	calls     []generateCall
}

func (f *fakeGenerator) record(model string, contents []*genai.Content, config *genai.GenerateContentConfig) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls = append(f.calls, generateCall{
		model:    model,
		contents: append([]*genai.Content(nil), contents...),
		config:   config,
	})
	return len(f.calls) - 1
}

func (f *fakeGenerator) GenerateContent(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) (*genai.GenerateContentResponse, error) {
	i := f.record(model, contents, config)
	if f.err != nil {
		return nil, f.err
	}
	if i >= len(f.responses) {
		return nil, errors.New("unexpected call")
	}
	return f.responses[i], nil
}

func (f *fakeGenerator) GenerateContentStream(_ context.Context, model string, contents []*genai.Content, config *genai.GenerateContentConfig) iter.Seq2[*genai.GenerateContentResponse, error] {
	i := f.record(model, contents, config)
	return func(yield func(*genai.GenerateContentResponse, error) bool) {
		if i >= len(f.streams) {
			yield(nil, errors.New("unexpected call"))
			return
		}
		for _, step := range f.streams[i] {
			if !yield(step.resp, step.err) {
				return
			}
		}
	}
}

func (f *fakeGenerator) call(i int) generateCall {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[i]
}

func textResponse(parts ...*genai.Part) *genai.GenerateContentResponse {
	return &genai.GenerateContentResponse{Candidates: []*genai.Candidate{{
		Content: &genai.Content{Role: genai.RoleModel, Parts: parts},
	}}}
}

func text(s string) *genai.Part    { return &genai.Part{Text: s} }
func thought(s string) *genai.Part { return &genai.Part{Text: s, Thought: true} }

type fakeToolset struct {
	calls []string
	fail  map[string]error
}

func (f *fakeToolset) Tool() *genai.Tool {
	return &genai.Tool{FunctionDeclarations: []*genai.FunctionDeclaration{{Name: "fs_read_file"}}}
}
func (f *fakeToolset) Len() int { return 1 }
func (f *fakeToolset) Call(_ context.Context, name string, args map[string]any) (string, error) {
	f.calls = append(f.calls, name)
	if err := f.fail[name]; err != nil {
		return "", err
	}
	return "contents of " + args["path"].(string), nil
}

type fakeToolSource struct {
	toolset   Toolset
	err       error
	required  []string
	shutdowns atomic.Int32
}

func (f *fakeToolSource) Toolset(required []string) (Toolset, []string, error) {
	f.required = required
	if f.err != nil {
		return nil, nil, f.err
	}
	return f.toolset, nil, nil
}

func (f *fakeToolSource) Shutdown() { f.shutdowns.Add(1) }

type fakeComposer struct {
	comp *prompts.Composition
	err  error
	seen string
}

func (f *fakeComposer) Compose(text string) (*prompts.Composition, error) {
	f.seen = text
	return f.comp, f.err
}

var testConfig = config.AgentConfig{Project: "p", Location: "us-central1", Model: "gemini-2.5-pro", Port: 8788}

func newTestOrchestrator(t *testing.T, gen Generator, tools ToolSource, composer PromptComposer) *Orchestrator {
	t.Helper()
	opts := Options{Config: testConfig, Generator: gen, Tools: tools}
	if composer != nil {
		opts.Prompts = composer
	}
	o, err := New(opts)
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return o
}

func userRequest(content string) *ChatRequest {
	return &ChatRequest{Messages: []openai.ChatCompletionMessage{{Role: openai.ChatMessageRoleUser, Content: content}}}
}

func TestNewRequiresGenerator(t *testing.T) {
	if _, err := New(Options{}); err == nil {
		t.Fatal("expected error without generator")
	}
}

func TestCompleteWithoutTools(t *testing.T) {
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(text("Hello "), text("world"))}}
	source := &fakeToolSource{err: mcp.ErrNoTools}
	o := newTestOrchestrator(t, gen, source, nil)

	resp, err := o.Complete(context.Background(), userRequest("Say hi"))
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}

	call := gen.call(0)
	if call.config.Tools != nil {
		t.Fatalf("Tools = %v, want nil", call.config.Tools)
	}
	payload, _ := json.Marshal(call.config)
	if strings.Contains(string(payload), `"tools"`) {
		t.Fatalf("payload should not carry tools: %s", payload)
	}
	if call.model != "gemini-2.5-pro" {
		t.Errorf("model = %q", call.model)
	}

	if !strings.HasPrefix(resp.ID, "chatcmpl-") {
		t.Errorf("ID = %q", resp.ID)
	}
	if resp.Model != "gemini-2.5-pro" {
		t.Errorf("Model = %q", resp.Model)
	}
	choice := resp.Choices[0]
	if choice.Message.Content != "Hello world" || choice.Message.Role != openai.ChatMessageRoleAssistant {
		t.Errorf("Message = %+v", choice.Message)
	}
	if choice.FinishReason != openai.FinishReasonStop {
		t.Errorf("FinishReason = %q", choice.FinishReason)
	}

	// "You are a helpful AI assistant." (31) + "Say hi" (6) = 37 chars.
	if resp.Usage.PromptTokens != 10 {
		t.Errorf("PromptTokens = %d, want 10", resp.Usage.PromptTokens)
	}
	if resp.Usage.CompletionTokens != 3 {
		t.Errorf("CompletionTokens = %d, want 3", resp.Usage.CompletionTokens)
	}
	if resp.Usage.TotalTokens != 13 {
		t.Errorf("TotalTokens = %d, want 13", resp.Usage.TotalTokens)
	}
}

func TestCompleteEchoesRequestModel(t *testing.T) {
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(text("ok"))}}
	o := newTestOrchestrator(t, gen, nil, nil)
	req := userRequest("hi")
	req.Model = "gpt-4"

	resp, err := o.Complete(context.Background(), req)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if resp.Model != "gpt-4" {
		t.Errorf("Model = %q, want echo of request", resp.Model)
	}
	if gen.call(0).model != "gemini-2.5-pro" {
		t.Errorf("upstream model = %q", gen.call(0).model)
	}
}

func TestCompleteGenerationDefaults(t *testing.T) {
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(text("ok"))}}
	o := newTestOrchestrator(t, gen, nil, nil)
	if _, err := o.Complete(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	cfg := gen.call(0).config
	if *cfg.Temperature != 0.7 || cfg.MaxOutputTokens != 4096 || *cfg.TopK != 40 || *cfg.TopP != 0.95 {
		t.Fatalf("unexpected defaults: temp=%v max=%d topK=%v topP=%v",
			*cfg.Temperature, cfg.MaxOutputTokens, *cfg.TopK, *cfg.TopP)
	}
	if got := cfg.SystemInstruction.Parts[0].Text; got != DefaultSystemInstruction {
		t.Errorf("SystemInstruction = %q", got)
	}
	if cfg.ThinkingConfig != nil {
		t.Errorf("ThinkingConfig should be unset by default")
	}
}

func TestCompleteRequestOverridesPromptMetadata(t *testing.T) {
	temp := float32(0.1)
	maxTokens := int32(512)
	topK := float32(5)
	composer := &fakeComposer{comp: &prompts.Composition{
		Text: "the diff",
		Prompt: &prompts.Prompt{
			Name:    "review",
			Content: "Review carefully.",
			Metadata: prompts.Metadata{
				Model:       "gemini-2.5-flash",
				Temperature: &temp,
				MaxTokens:   &maxTokens,
				TopK:        &topK,
				Tools:       []string{"read_file"},
			},
		},
	}}
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(text("ok"))}}
	source := &fakeToolSource{toolset: &fakeToolset{}}
	o := newTestOrchestrator(t, gen, source, composer)

	reqTemp := float32(0.9)
	req := &ChatRequest{
		Model:       "gpt-4",
		Temperature: &reqTemp,
		Messages: []openai.ChatCompletionMessage{
			{Role: openai.ChatMessageRoleSystem, Content: "Base."},
			{Role: openai.ChatMessageRoleUser, Content: "first"},
			{Role: openai.ChatMessageRoleAssistant, Content: "reply"},
			{Role: openai.ChatMessageRoleUser, Content: "/review the diff"},
		},
	}
	if _, err := o.Complete(context.Background(), req); err != nil {
		t.Fatal(err)
	}

	if composer.seen != "/review the diff" {
		t.Errorf("composer saw %q, want the last user message", composer.seen)
	}
	call := gen.call(0)
	if call.model != "gemini-2.5-flash" {
		t.Errorf("model = %q, want prompt model hint", call.model)
	}
	cfg := call.config
	if *cfg.Temperature != 0.9 {
		t.Errorf("Temperature = %v, want request value", *cfg.Temperature)
	}
	if cfg.MaxOutputTokens != 512 || *cfg.TopK != 5 || *cfg.TopP != 0.95 {
		t.Errorf("metadata defaults not applied: max=%d topK=%v topP=%v", cfg.MaxOutputTokens, *cfg.TopK, *cfg.TopP)
	}
	if got := cfg.SystemInstruction.Parts[0].Text; got != "Base.\n\nReview carefully." {
		t.Errorf("SystemInstruction = %q", got)
	}
	last := call.contents[len(call.contents)-1]
	if last.Parts[0].Text != "the diff" {
		t.Errorf("directive not stripped: %q", last.Parts[0].Text)
	}
	if len(source.required) != 1 || source.required[0] != "read_file" {
		t.Errorf("required tools = %v", source.required)
	}
	if len(cfg.Tools) != 1 {
		t.Errorf("expected tools attached")
	}
	if req.Messages[3].Content != "/review the diff" {
		t.Errorf("caller's messages were mutated")
	}
}

func TestCompleteComposerErrorIgnored(t *testing.T) {
	composer := &fakeComposer{err: prompts.ErrPromptNotFound}
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(text("ok"))}}
	o := newTestOrchestrator(t, gen, nil, composer)

	if _, err := o.Complete(context.Background(), userRequest("/nope hi")); err != nil {
		t.Fatal(err)
	}
	if got := gen.call(0).contents[0].Parts[0].Text; got != "/nope hi" {
		t.Errorf("message changed to %q", got)
	}
}

func TestCompleteToolSourceErrorDegrades(t *testing.T) {
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(text("ok"))}}
	source := &fakeToolSource{err: errors.New("convert fs/read: bad schema")}
	o := newTestOrchestrator(t, gen, source, nil)

	if _, err := o.Complete(context.Background(), userRequest("hi")); err != nil {
		t.Fatalf("tool failure must not fail the request: %v", err)
	}
	if gen.call(0).config.Tools != nil {
		t.Fatal("tools should not be attached")
	}
}

func TestCompleteThoughtDelimiters(t *testing.T) {
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{
		textResponse(thought("plan "), thought("more"), text("answer")),
	}}
	o := newTestOrchestrator(t, gen, nil, nil)
	resp, err := o.Complete(context.Background(), userRequest("q"))
	if err != nil {
		t.Fatal(err)
	}
	want := "<thinking>plan more</thinking>answer"
	if got := resp.Choices[0].Message.Content; got != want {
		t.Fatalf("content = %q, want %q", got, want)
	}
}

func TestCompleteProviderError(t *testing.T) {
	upstream := genai.APIError{Code: 429, Status: "RESOURCE_EXHAUSTED", Message: "quota"}
	gen := &fakeGenerator{err: upstream}
	o := newTestOrchestrator(t, gen, nil, nil)

	_, err := o.Complete(context.Background(), userRequest("q"))
	var apiErr genai.APIError
	if !errors.As(err, &apiErr) || apiErr.Code != 429 {
		t.Fatalf("expected upstream error to pass through, got %v", err)
	}
}

func TestCompleteFunctionCalling(t *testing.T) {
	call := &genai.Part{FunctionCall: &genai.FunctionCall{ID: "c1", Name: "fs_read_file", Args: map[string]any{"path": "/tmp/a"}}}
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{
		textResponse(text("Let me look. "), call),
		textResponse(text("Done.")),
	}}
	toolset := &fakeToolset{}
	o := newTestOrchestrator(t, gen, &fakeToolSource{toolset: toolset}, nil)

	resp, err := o.Complete(context.Background(), userRequest("read it"))
	if err != nil {
		t.Fatal(err)
	}
	if got := resp.Choices[0].Message.Content; got != "Let me look. Done." {
		t.Fatalf("content = %q", got)
	}
	if len(toolset.calls) != 1 || toolset.calls[0] != "fs_read_file" {
		t.Fatalf("tool calls = %v", toolset.calls)
	}

	second := gen.call(1)
	if len(second.contents) != 3 {
		t.Fatalf("second call contents = %d, want 3", len(second.contents))
	}
	fr := second.contents[2].Parts[0].FunctionResponse
	if fr == nil || fr.ID != "c1" || fr.Name != "fs_read_file" || fr.Response["output"] != "contents of /tmp/a" {
		t.Fatalf("function response = %+v", fr)
	}
}

func TestCompleteFunctionCallFailureReported(t *testing.T) {
	call := &genai.Part{FunctionCall: &genai.FunctionCall{Name: "fs_read_file", Args: map[string]any{"path": "/missing"}}}
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{
		textResponse(call),
		textResponse(text("It failed.")),
	}}
	callErr := &mcp.CallError{
		Tool:        "fs_read_file",
		Err:         mcp.ErrToolTimeout,
		Diagnostics: mcp.Diagnostics{Server: "fs", Tool: "read_file", TimedOut: true},
	}
	toolset := &fakeToolset{fail: map[string]error{"fs_read_file": callErr}}
	o := newTestOrchestrator(t, gen, &fakeToolSource{toolset: toolset}, nil)

	if _, err := o.Complete(context.Background(), userRequest("read")); err != nil {
		t.Fatal(err)
	}
	fr := gen.call(1).contents[2].Parts[0].FunctionResponse
	if _, ok := fr.Response["error"].(string); !ok {
		t.Fatalf("expected error in function response: %+v", fr.Response)
	}
	diag, ok := fr.Response["diagnostics"].(mcp.Diagnostics)
	if !ok || !diag.TimedOut {
		t.Fatalf("expected diagnostics: %+v", fr.Response)
	}
}

func TestCompleteFunctionCallingRoundLimit(t *testing.T) {
	call := &genai.Part{FunctionCall: &genai.FunctionCall{Name: "fs_read_file", Args: map[string]any{"path": "/a"}}}
	gen := &fakeGenerator{}
	for i := 0; i < 5; i++ {
		gen.responses = append(gen.responses, textResponse(call))
	}
	toolset := &fakeToolset{}
	o, err := New(Options{Config: testConfig, Generator: gen, Tools: &fakeToolSource{toolset: toolset}, MaxToolRounds: 2})
	if err != nil {
		t.Fatal(err)
	}

	if _, err := o.Complete(context.Background(), userRequest("loop")); err != nil {
		t.Fatal(err)
	}
	if len(toolset.calls) != 2 {
		t.Fatalf("tool rounds = %d, want 2", len(toolset.calls))
	}
	if len(gen.calls) != 3 {
		t.Fatalf("provider calls = %d, want 3", len(gen.calls))
	}
}

func collectStream(t *testing.T, seq iter.Seq2[*openai.ChatCompletionStreamResponse, error]) ([]*openai.ChatCompletionStreamResponse, error) {
	t.Helper()
	var chunks []*openai.ChatCompletionStreamResponse
	for chunk, err := range seq {
		if err != nil {
			return chunks, err
		}
		chunks = append(chunks, chunk)
	}
	return chunks, nil
}

func TestStream(t *testing.T) {
	gen := &fakeGenerator{streams: [][]streamStep{{
		{resp: textResponse(thought("hmm"))},
		{resp: textResponse(text("Hel"))},
		{resp: textResponse(text(""))},
		{resp: textResponse(text("lo"))},
	}}}
	o := newTestOrchestrator(t, gen, nil, nil)

	chunks, err := collectStream(t, o.Stream(context.Background(), userRequest("hi")))
	if err != nil {
		t.Fatalf("Stream() error = %v", err)
	}
	if len(chunks) != 5 {
		t.Fatalf("chunks = %d, want 5", len(chunks))
	}
	if chunks[0].Choices[0].Delta.Role != openai.ChatMessageRoleAssistant || chunks[0].Choices[0].Delta.Content != "" {
		t.Errorf("first chunk should carry only the role: %+v", chunks[0].Choices[0].Delta)
	}
	var content []string
	for _, c := range chunks[1:4] {
		content = append(content, c.Choices[0].Delta.Content)
	}
	want := []string{"<thinking>hmm", "</thinking>Hel", "lo"}
	if strings.Join(content, "|") != strings.Join(want, "|") {
		t.Errorf("content chunks = %q, want %q", content, want)
	}
	last := chunks[4].Choices[0]
	if last.FinishReason != openai.FinishReasonStop || last.Delta.Content != "" || last.Delta.Role != "" {
		t.Errorf("terminal chunk = %+v", last)
	}
	for _, c := range chunks {
		if c.ID != chunks[0].ID || c.Object != "chat.completion.chunk" {
			t.Fatalf("chunk metadata mismatch: %+v", c)
		}
	}
}

func TestStreamClosesThinkingAtEnd(t *testing.T) {
	gen := &fakeGenerator{streams: [][]streamStep{{{resp: textResponse(thought("only thoughts"))}}}}
	o := newTestOrchestrator(t, gen, nil, nil)

	chunks, err := collectStream(t, o.Stream(context.Background(), userRequest("hi")))
	if err != nil {
		t.Fatal(err)
	}
	if len(chunks) != 4 {
		t.Fatalf("chunks = %d, want 4", len(chunks))
	}
	if got := chunks[2].Choices[0].Delta.Content; got != ThinkingClose {
		t.Errorf("closing chunk = %q", got)
	}
}

func TestStreamErrorMidway(t *testing.T) {
	gen := &fakeGenerator{streams: [][]streamStep{{
		{resp: textResponse(text("partial"))},
		{err: errors.New(`{"error":{"code":500,"message":"boom","status":"INTERNAL"}}`)},
	}}}
	o := newTestOrchestrator(t, gen, nil, nil)

	chunks, err := collectStream(t, o.Stream(context.Background(), userRequest("hi")))
	if err == nil {
		t.Fatal("expected error")
	}
	if len(chunks) != 2 {
		t.Fatalf("chunks before error = %d, want 2", len(chunks))
	}
	for _, c := range chunks {
		if c.Choices[0].FinishReason == openai.FinishReasonStop {
			t.Fatal("no terminal chunk may precede the error")
		}
	}
}

func TestStreamStopsWhenConsumerStops(t *testing.T) {
	gen := &fakeGenerator{streams: [][]streamStep{{
		{resp: textResponse(text("a"))},
		{resp: textResponse(text("b"))},
	}}}
	o := newTestOrchestrator(t, gen, nil, nil)

	n := 0
	for range o.Stream(context.Background(), userRequest("hi")) {
		n++
		if n == 2 {
			break
		}
	}
	if n != 2 {
		t.Fatalf("consumed %d chunks", n)
	}
}

func TestStreamFunctionCalling(t *testing.T) {
	call := &genai.Part{FunctionCall: &genai.FunctionCall{Name: "fs_read_file", Args: map[string]any{"path": "/x"}}}
	gen := &fakeGenerator{streams: [][]streamStep{
		{{resp: textResponse(text("Checking. "))}, {resp: textResponse(call)}},
		{{resp: textResponse(text("Found it."))}},
	}}
	toolset := &fakeToolset{}
	o := newTestOrchestrator(t, gen, &fakeToolSource{toolset: toolset}, nil)

	chunks, err := collectStream(t, o.Stream(context.Background(), userRequest("find")))
	if err != nil {
		t.Fatal(err)
	}
	var b strings.Builder
	for _, c := range chunks {
		b.WriteString(c.Choices[0].Delta.Content)
	}
	if b.String() != "Checking. Found it." {
		t.Fatalf("streamed text = %q", b.String())
	}
	second := gen.call(1)
	if len(second.contents) != 3 || second.contents[1].Role != genai.RoleModel {
		t.Fatalf("second call contents = %+v", second.contents)
	}
	if chunks[len(chunks)-1].Choices[0].FinishReason != openai.FinishReasonStop {
		t.Fatal("missing terminal chunk")
	}
}

func TestShutdownOnce(t *testing.T) {
	source := &fakeToolSource{}
	o := newTestOrchestrator(t, &fakeGenerator{}, source, nil)
	o.Shutdown()
	o.Shutdown()
	if got := source.shutdowns.Load(); got != 1 {
		t.Fatalf("Shutdown reached the tool source %d times", got)
	}
}

func TestBridgeToolsWithoutServers(t *testing.T) {
	bridge := mcp.NewBridge(mcp.BridgeOptions{})
	gen := &fakeGenerator{responses: []*genai.GenerateContentResponse{textResponse(text("ok"))}}
	o := newTestOrchestrator(t, gen, BridgeTools(bridge), nil)

	if _, err := o.Complete(context.Background(), userRequest("hi")); err != nil {
		t.Fatal(err)
	}
	if gen.call(0).config.Tools != nil {
		t.Fatal("no servers connected, Tools must stay nil")
	}
	o.Shutdown()
	if bridge.Any() {
		t.Fatal("bridge should be empty after shutdown")
	}
}
