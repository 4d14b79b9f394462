// Package providers adapts vendor SDKs to agent.LLMProvider.
//
// A provider converts projected history and tool descriptors into the vendor
// request, reads the vendor stream, and emits text fragments, whole tool
// calls, and a final Done or Error chunk. A stream that ends without Done is
// treated as truncated by the reader.
//
// Providers never retry. Failures come back as a *ProviderError, and the
// session's retry policy decides from its Reason whether to try again.
package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/agent/toolconv"
	"github.com/haasonsaas/steward/pkg/models"
)

const defaultAnthropicModel = "claude-sonnet-4-20250514"

// idleEventLimit is how many events in a row may carry nothing before the
// stream is declared broken.
const idleEventLimit = 300

// AnthropicProvider talks to the Claude Messages API. It is safe for
// concurrent use; every Complete opens its own stream.
type AnthropicProvider struct {
	BaseProvider
	client anthropic.Client
}

// AnthropicConfig configures NewAnthropicProvider. Only APIKey is required.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

func NewAnthropicProvider(cfg AnthropicConfig) (*AnthropicProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("anthropic: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultAnthropicModel
	}
	opts := []option.RequestOption{
		option.WithAPIKey(cfg.APIKey),
		option.WithMaxRetries(0),
	}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		opts = append(opts, option.WithBaseURL(base))
	}
	return &AnthropicProvider{
		BaseProvider: NewBaseProvider("anthropic", cfg.DefaultModel, cfg.MaxTokens),
		client:       anthropic.NewClient(opts...),
	}, nil
}

func (p *AnthropicProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "claude-sonnet-4-20250514", Name: "Claude Sonnet 4", ContextSize: 200000},
		{ID: "claude-opus-4-20250514", Name: "Claude Opus 4", ContextSize: 200000},
		{ID: "claude-3-5-sonnet-20241022", Name: "Claude 3.5 Sonnet", ContextSize: 200000},
		{ID: "claude-3-5-haiku-20241022", Name: "Claude 3.5 Haiku", ContextSize: 200000},
	}
}

func (p *AnthropicProvider) SupportsTools() bool { return true }

// Complete streams the model's answer to req. Errors, including a tool
// schema that cannot be converted, arrive as the last chunk.
func (p *AnthropicProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	out := make(chan *agent.CompletionChunk)
	model := p.getModel(req.Model)

	go func() {
		defer close(out)
		params, err := p.buildParams(req, model)
		if err != nil {
			send(ctx, out, &agent.CompletionChunk{Error: err})
			return
		}
		stream := p.client.Messages.NewStreaming(ctx, params)
		defer stream.Close()
		p.relay(ctx, stream, out, model)
	}()
	return out, nil
}

func (p *AnthropicProvider) buildParams(req *agent.CompletionRequest, model string) (anthropic.MessageNewParams, error) {
	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(model),
		Messages:  p.convertMessages(req.Messages),
		MaxTokens: int64(p.getMaxTokens(req.MaxTokens)),
	}
	if req.System != "" {
		params.System = []anthropic.TextBlockParam{{Type: "text", Text: req.System}}
	}
	if len(req.Tools) > 0 {
		tools, err := toolconv.ToAnthropicTools(req.Tools)
		if err != nil {
			return params, fmt.Errorf("anthropic: %w", err)
		}
		params.Tools = tools
	}
	return params, nil
}

// pendingToolUse collects a tool_use block whose input arrives as JSON
// fragments between content_block_start and content_block_stop.
type pendingToolUse struct {
	call  *models.ToolCall
	input strings.Builder
}

func (t *pendingToolUse) open(id, name string) {
	t.call = &models.ToolCall{ID: id, Name: name, Origin: models.OriginModel}
	t.input.Reset()
}

// take returns the open call, if any. A block that closed without any input
// fragments is a call with no arguments. An unclosed block keeps whatever
// input arrived so the reader can report it as malformed.
func (t *pendingToolUse) take(closed bool) *models.ToolCall {
	if t.call == nil {
		return nil
	}
	input := t.input.String()
	if closed && input == "" {
		input = "{}"
	}
	call := t.call
	call.Input = json.RawMessage(input)
	t.call = nil
	return call
}

// relay turns SSE events into chunks until message_stop, an error, or the
// end of the stream.
func (p *AnthropicProvider) relay(ctx context.Context, stream *ssestream.Stream[anthropic.MessageStreamEventUnion], out chan<- *agent.CompletionChunk, model string) {
	var (
		tool          pendingToolUse
		inTok, outTok int
		idle          int
	)
	flush := func(closed bool) bool {
		if call := tool.take(closed); call != nil {
			return send(ctx, out, &agent.CompletionChunk{ToolCall: call})
		}
		return true
	}

	for stream.Next() {
		event := stream.Current()
		useful := true

		switch event.Type {
		case "message_start":
			if n := event.AsMessageStart().Message.Usage.InputTokens; n > 0 {
				inTok = int(n)
			}
		case "content_block_start":
			if block := event.AsContentBlockStart().ContentBlock; block.Type == "tool_use" {
				use := block.AsToolUse()
				tool.open(use.ID, use.Name)
			}
		case "content_block_delta":
			delta := event.AsContentBlockDelta().Delta
			switch {
			case delta.Type == "text_delta" && delta.Text != "":
				if !send(ctx, out, &agent.CompletionChunk{Text: delta.Text}) {
					return
				}
			case delta.Type == "input_json_delta" && delta.PartialJSON != "":
				tool.input.WriteString(delta.PartialJSON)
			default:
				useful = false
			}
		case "content_block_stop":
			if !flush(true) {
				return
			}
		case "message_delta":
			if n := event.AsMessageDelta().Usage.OutputTokens; n > 0 {
				outTok = int(n)
			}
		case "message_stop":
			if flush(true) {
				send(ctx, out, &agent.CompletionChunk{Done: true, InputTokens: inTok, OutputTokens: outTok})
			}
			return
		case "error":
			send(ctx, out, &agent.CompletionChunk{Error: p.wrapError(errors.New("anthropic stream error"), model)})
			return
		default:
			useful = false
		}

		if useful {
			idle = 0
			continue
		}
		if idle++; idle >= idleEventLimit {
			err := fmt.Errorf("stream appears malformed: %d events in a row carried no content", idle)
			send(ctx, out, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			return
		}
	}

	if err := stream.Err(); err != nil {
		if ctx.Err() == nil {
			send(ctx, out, &agent.CompletionChunk{Error: p.wrapError(err, model)})
		}
		return
	}
	// No message_stop: hand over any half-built call and close without Done.
	flush(false)
}

// convertMessages maps projected history onto Anthropic messages. System
// messages are dropped because the prompt travels in params.System, and
// tool results ride in user messages.
func (p *AnthropicProvider) convertMessages(messages []agent.CompletionMessage) []anthropic.MessageParam {
	out := make([]anthropic.MessageParam, 0, len(messages))
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		var blocks []anthropic.ContentBlockParamUnion
		if msg.Content != "" {
			blocks = append(blocks, anthropic.NewTextBlock(msg.Content))
		}
		for _, res := range msg.ToolResults {
			blocks = append(blocks, anthropic.NewToolResultBlock(res.ToolCallID, res.Content, res.IsError))
		}
		for _, call := range msg.ToolCalls {
			blocks = append(blocks, anthropic.NewToolUseBlock(call.ID, toolInputObject(call.Input), call.Name))
		}
		switch {
		case len(blocks) == 0:
		case msg.Role == models.RoleAssistant:
			out = append(out, anthropic.NewAssistantMessage(blocks...))
		default:
			out = append(out, anthropic.NewUserMessage(blocks...))
		}
	}
	return out
}

// wrapError turns SDK errors into a *ProviderError, reading the error type
// and message out of the response body when there is one.
func (p *AnthropicProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	var apiErr *anthropic.Error
	if !errors.As(err, &apiErr) {
		return NewProviderError("anthropic", model, err)
	}

	pe := (&ProviderError{Provider: "anthropic", Model: model, Cause: err, Reason: ReasonUnknown}).
		WithStatus(apiErr.StatusCode)
	requestID := apiErr.RequestID

	var body struct {
		Error struct {
			Type    string `json:"type"`
			Message string `json:"message"`
		} `json:"error"`
		RequestID string `json:"request_id"`
	}
	if raw := apiErr.RawJSON(); raw != "" && json.Unmarshal([]byte(raw), &body) == nil {
		if body.Error.Message != "" {
			pe = pe.WithMessage(body.Error.Message)
		}
		if body.Error.Type != "" {
			pe = pe.WithCode(body.Error.Type)
		}
		if body.RequestID != "" {
			requestID = body.RequestID
		}
	}
	if pe.Message == "" {
		pe.Message = "anthropic request failed"
	}
	if requestID != "" {
		pe = pe.WithRequestID(requestID)
	}
	return pe
}
