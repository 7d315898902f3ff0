// Package agent turns OpenAI-style chat requests into Gemini generation calls
// and shapes the results back into chat completion responses.
package agent

import (
	"context"
	"errors"
	"fmt"
	"iter"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode/utf8"

	"github.com/google/uuid"
	openai "github.com/sashabaranov/go-openai"
	"go.opentelemetry.io/otel/trace"
	"google.golang.org/genai"

	"github.com/haasonsaas/agentproxy/internal/apierrors"
	"github.com/haasonsaas/agentproxy/internal/config"
	"github.com/haasonsaas/agentproxy/internal/mcp"
	"github.com/haasonsaas/agentproxy/internal/observability"
	"github.com/haasonsaas/agentproxy/internal/prompts"
)

const (
	DefaultTemperature   float32 = 0.7
	DefaultMaxTokens             = 4096
	DefaultTopK          float32 = 40
	DefaultTopP          float32 = 0.95
	DefaultMaxToolRounds         = 10
)

// PromptComposer resolves a prompt directive in the last user message.
// *prompts.Composer satisfies it.
type PromptComposer interface {
	Compose(text string) (*prompts.Composition, error)
}

// Options configures an Orchestrator.
type Options struct {
	Config    config.AgentConfig
	Generator Generator
	Tools     ToolSource
	Prompts   PromptComposer
	Logger    *slog.Logger
	Metrics   *observability.Metrics
	Tracer    *observability.Tracer

	// MaxToolRounds bounds function-calling round trips per request.
	MaxToolRounds   int
	IncludeThoughts bool
}

// Orchestrator is safe for concurrent use. Its only long-lived state is the
// tool source, which it releases on Shutdown.
type Orchestrator struct {
	cfg             config.AgentConfig
	generator       Generator
	tools           ToolSource
	prompts         PromptComposer
	logger          *slog.Logger
	metrics         *observability.Metrics
	tracer          *observability.Tracer
	maxToolRounds   int
	includeThoughts bool

	shutdownOnce sync.Once
}

func New(opts Options) (*Orchestrator, error) {
	if opts.Generator == nil {
		return nil, errors.New("agent: generator is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	rounds := opts.MaxToolRounds
	if rounds <= 0 {
		rounds = DefaultMaxToolRounds
	}
	return &Orchestrator{
		cfg:             opts.Config,
		generator:       opts.Generator,
		tools:           opts.Tools,
		prompts:         opts.Prompts,
		logger:          logger.With("component", "orchestrator"),
		metrics:         opts.Metrics,
		tracer:          opts.Tracer,
		maxToolRounds:   rounds,
		includeThoughts: opts.IncludeThoughts,
	}, nil
}

// generation is everything prepared for one request before the first call.
type generation struct {
	model       string
	echoModel   string
	contents    []*genai.Content
	config      *genai.GenerateContentConfig
	toolset     Toolset
	promptChars int
}

func (o *Orchestrator) prepare(ctx context.Context, req *ChatRequest) *generation {
	messages := append([]openai.ChatCompletionMessage(nil), req.Messages...)

	var meta prompts.Metadata
	var promptContent string
	if o.prompts != nil {
		if idx := lastUserIndex(messages); idx >= 0 {
			comp, err := o.prompts.Compose(messageText(messages[idx]))
			switch {
			case err != nil:
				o.logger.WarnContext(ctx, "prompt directive not applied", "error", err)
			case comp != nil:
				messages[idx].Content = comp.Text
				messages[idx].MultiContent = nil
				meta = comp.Prompt.Metadata
				promptContent = comp.Prompt.Content
				o.logger.DebugContext(ctx, "prompt directive applied", "prompt", comp.Prompt.Name)
			}
		}
	}

	instruction := systemInstruction(messages)
	if promptContent != "" {
		instruction += "\n\n" + promptContent
	}

	temperature := DefaultTemperature
	switch {
	case req.Temperature != nil:
		temperature = *req.Temperature
	case meta.Temperature != nil:
		temperature = *meta.Temperature
	}
	maxTokens := int32(DefaultMaxTokens)
	switch {
	case req.MaxTokens != nil && *req.MaxTokens > 0:
		maxTokens = int32(*req.MaxTokens)
	case meta.MaxTokens != nil:
		maxTokens = *meta.MaxTokens
	}
	topK := DefaultTopK
	if meta.TopK != nil {
		topK = *meta.TopK
	}
	topP := DefaultTopP
	if meta.TopP != nil {
		topP = *meta.TopP
	}

	gen := &generation{
		model:     o.cfg.Model,
		echoModel: req.Model,
		contents:  convertMessages(messages),
		config: &genai.GenerateContentConfig{
			SystemInstruction: &genai.Content{Parts: []*genai.Part{{Text: instruction}}},
			Temperature:       genai.Ptr(temperature),
			MaxOutputTokens:   maxTokens,
			TopK:              genai.Ptr(topK),
			TopP:              genai.Ptr(topP),
			StopSequences:     req.Stop,
		},
	}
	if meta.Model != "" {
		gen.model = meta.Model
	}
	if gen.echoModel == "" {
		gen.echoModel = o.cfg.Model
	}
	if o.includeThoughts {
		gen.config.ThinkingConfig = &genai.ThinkingConfig{IncludeThoughts: true}
	}
	gen.promptChars = utf8.RuneCountInString(instruction) + contentText(gen.contents)

	o.attachTools(ctx, gen, meta.Tools)
	return gen
}

// attachTools never fails the request; without tools the call proceeds bare.
func (o *Orchestrator) attachTools(ctx context.Context, gen *generation, required []string) {
	if o.tools == nil {
		return
	}
	toolset, missing, err := o.tools.Toolset(required)
	if err != nil {
		if errors.Is(err, mcp.ErrNoTools) {
			o.logger.DebugContext(ctx, "no tools attached", "reason", err)
		} else {
			o.logger.WarnContext(ctx, "failed to build tools, continuing without them", "error", err)
		}
		return
	}
	if len(missing) > 0 {
		o.logger.WarnContext(ctx, "requested tools are not available", "missing", missing)
	}
	if toolset == nil || toolset.Len() == 0 {
		return
	}
	gen.toolset = toolset
	gen.config.Tools = []*genai.Tool{toolset.Tool()}
}

// Complete runs a non-streaming chat completion.
func (o *Orchestrator) Complete(ctx context.Context, req *ChatRequest) (*openai.ChatCompletionResponse, error) {
	rt := newRequestTrace()
	ctx = observability.AddTraceID(ctx, rt.ID)
	gen := o.prepare(ctx, req)
	o.logStart(ctx, req, gen, false)

	ctx, span := o.tracer.TraceLLMRequest(ctx, gen.model, rt.ID, false)
	defer span.End()

	var (
		w   thoughtWriter
		out strings.Builder
	)
	contents := gen.contents
	rounds := 0
	for {
		resp, err := o.generator.GenerateContent(ctx, gen.model, contents, gen.config)
		if err != nil {
			return nil, o.fail(ctx, rt, gen, "sync", span, err)
		}
		content := firstContent(resp)
		var calls []*genai.FunctionCall
		if content != nil {
			for _, part := range content.Parts {
				if part == nil {
					continue
				}
				if part.FunctionCall != nil {
					calls = append(calls, part.FunctionCall)
					out.WriteString(w.Part("", false))
					continue
				}
				if part.Text != "" {
					out.WriteString(w.Part(part.Text, part.Thought))
				}
			}
		}
		if len(calls) == 0 || !o.continueWithTools(ctx, gen, rounds) {
			break
		}
		contents = append(contents, content, o.runTools(ctx, gen.toolset, calls))
		rounds++
	}
	out.WriteString(w.Close())

	text := out.String()
	promptTokens := estimateTokens(gen.promptChars)
	completionTokens := estimateTokens(utf8.RuneCountInString(text))
	o.finish(ctx, rt, gen, "sync", rounds, promptTokens, completionTokens)

	return &openai.ChatCompletionResponse{
		ID:      completionID(),
		Object:  "chat.completion",
		Created: time.Now().Unix(),
		Model:   gen.echoModel,
		Choices: []openai.ChatCompletionChoice{{
			Index: 0,
			Message: openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: text,
			},
			FinishReason: openai.FinishReasonStop,
		}},
		Usage: openai.Usage{
			PromptTokens:     promptTokens,
			CompletionTokens: completionTokens,
			TotalTokens:      promptTokens + completionTokens,
		},
	}, nil
}

// Stream runs a streaming chat completion. The sequence starts with a role
// chunk and ends with one terminal chunk, or with an error and nothing after it.
func (o *Orchestrator) Stream(ctx context.Context, req *ChatRequest) iter.Seq2[*openai.ChatCompletionStreamResponse, error] {
	return func(yield func(*openai.ChatCompletionStreamResponse, error) bool) {
		rt := newRequestTrace()
		ctx := observability.AddTraceID(ctx, rt.ID)
		gen := o.prepare(ctx, req)
		o.logStart(ctx, req, gen, true)

		ctx, span := o.tracer.TraceLLMRequest(ctx, gen.model, rt.ID, true)
		defer span.End()
		o.metrics.StreamStarted()
		defer o.metrics.StreamEnded()

		id := completionID()
		created := time.Now().Unix()
		chunk := func(delta openai.ChatCompletionStreamChoiceDelta, finish openai.FinishReason) *openai.ChatCompletionStreamResponse {
			return &openai.ChatCompletionStreamResponse{
				ID:      id,
				Object:  "chat.completion.chunk",
				Created: created,
				Model:   gen.echoModel,
				Choices: []openai.ChatCompletionStreamChoice{{
					Index:        0,
					Delta:        delta,
					FinishReason: finish,
				}},
			}
		}

		if !yield(chunk(openai.ChatCompletionStreamChoiceDelta{Role: openai.ChatMessageRoleAssistant}, ""), nil) {
			return
		}

		var w thoughtWriter
		completionChars := 0
		emit := func(text string) bool {
			if text == "" {
				return true
			}
			completionChars += utf8.RuneCountInString(text)
			return yield(chunk(openai.ChatCompletionStreamChoiceDelta{Content: text}, ""), nil)
		}
		consumerGone := func() {
			o.logger.DebugContext(ctx, "stream consumer stopped reading")
		}

		contents := gen.contents
		rounds := 0
		for {
			var calls []*genai.FunctionCall
			modelTurn := &genai.Content{Role: genai.RoleModel}
			for resp, err := range o.generator.GenerateContentStream(ctx, gen.model, contents, gen.config) {
				if err != nil {
					yield(nil, o.fail(ctx, rt, gen, "stream", span, err))
					return
				}
				content := firstContent(resp)
				if content == nil {
					continue
				}
				for _, part := range content.Parts {
					if part == nil {
						continue
					}
					modelTurn.Parts = append(modelTurn.Parts, part)
					if part.FunctionCall != nil {
						calls = append(calls, part.FunctionCall)
						if !emit(w.Part("", false)) {
							consumerGone()
							return
						}
						continue
					}
					if part.Text == "" {
						continue
					}
					if !emit(w.Part(part.Text, part.Thought)) {
						consumerGone()
						return
					}
				}
			}
			if len(calls) == 0 || !o.continueWithTools(ctx, gen, rounds) {
				break
			}
			contents = append(contents, modelTurn, o.runTools(ctx, gen.toolset, calls))
			rounds++
		}

		if !emit(w.Close()) {
			consumerGone()
			return
		}
		if !yield(chunk(openai.ChatCompletionStreamChoiceDelta{}, openai.FinishReasonStop), nil) {
			consumerGone()
			return
		}
		o.finish(ctx, rt, gen, "stream", rounds, estimateTokens(gen.promptChars), estimateTokens(completionChars))
	}
}

// continueWithTools decides whether requested function calls get executed.
func (o *Orchestrator) continueWithTools(ctx context.Context, gen *generation, rounds int) bool {
	if gen.toolset == nil {
		o.logger.WarnContext(ctx, "model requested function calls but no tools are attached")
		return false
	}
	if rounds >= o.maxToolRounds {
		o.logger.WarnContext(ctx, "function calling round limit reached", "max_rounds", o.maxToolRounds)
		return false
	}
	return true
}

// runTools executes calls in order and returns the function response turn.
// A failed call is reported to the model instead of failing the request.
func (o *Orchestrator) runTools(ctx context.Context, toolset Toolset, calls []*genai.FunctionCall) *genai.Content {
	parts := make([]*genai.Part, 0, len(calls))
	for _, call := range calls {
		output, err := toolset.Call(ctx, call.Name, call.Args)
		response := map[string]any{"output": output}
		if err != nil {
			response = map[string]any{"error": err.Error()}
			var callErr *mcp.CallError
			if errors.As(err, &callErr) {
				response["diagnostics"] = callErr.Diagnostics
			}
		}
		parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
			ID:       call.ID,
			Name:     call.Name,
			Response: response,
		}})
	}
	return &genai.Content{Role: genai.RoleUser, Parts: parts}
}

func (o *Orchestrator) logStart(ctx context.Context, req *ChatRequest, gen *generation, streaming bool) {
	o.logger.InfoContext(ctx, "llm request started",
		"model", gen.model,
		"messages", len(req.Messages),
		"tools", gen.toolset != nil,
		"stream", streaming)
}

func (o *Orchestrator) finish(ctx context.Context, rt RequestTrace, gen *generation, mode string, rounds, promptTokens, completionTokens int) {
	elapsed := rt.Elapsed()
	o.logger.InfoContext(ctx, "llm request completed",
		"model", gen.model,
		"tools", gen.toolset != nil,
		"tool_rounds", rounds,
		"prompt_tokens", promptTokens,
		"completion_tokens", completionTokens,
		"duration_ms", elapsed.Milliseconds())
	o.metrics.RecordLLMRequest(gen.model, mode, "success", elapsed.Seconds(), promptTokens, completionTokens)
}

func (o *Orchestrator) fail(ctx context.Context, rt RequestTrace, gen *generation, mode string, span trace.Span, err error) error {
	elapsed := rt.Elapsed()
	errType := apierrors.Classify(err)
	o.logger.ErrorContext(ctx, "llm request failed",
		"model", gen.model,
		"tools", gen.toolset != nil,
		"error_type", string(errType),
		"error", err,
		"duration_ms", elapsed.Milliseconds())
	o.metrics.RecordLLMError(string(errType))
	o.metrics.RecordLLMRequest(gen.model, mode, "error", elapsed.Seconds(), 0, 0)
	observability.RecordError(span, err)
	return err
}

// Shutdown releases the tool source. Only the first call has an effect.
func (o *Orchestrator) Shutdown() {
	o.shutdownOnce.Do(func() {
		if o.tools == nil {
			return
		}
		defer func() {
			if r := recover(); r != nil {
				o.logger.Error("tool shutdown panicked", "panic", fmt.Sprint(r))
			}
		}()
		o.tools.Shutdown()
		o.logger.Info("orchestrator shut down")
	})
}

func firstContent(resp *genai.GenerateContentResponse) *genai.Content {
	if resp == nil || len(resp.Candidates) == 0 || resp.Candidates[0] == nil {
		return nil
	}
	return resp.Candidates[0].Content
}

func completionID() string {
	return "chatcmpl-" + uuid.NewString()
}
