package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"iter"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/agent/toolconv"
	"github.com/haasonsaas/steward/pkg/models"
)

const defaultGeminiModel = "gemini-2.0-flash"

// GoogleProvider talks to the Gemini API through the Gen AI SDK.
//
// Gemini does not always give function calls an ID. Such calls are passed
// on with an empty ID and the stream reader assigns one.
type GoogleProvider struct {
	BaseProvider
	client *genai.Client
}

// GoogleConfig configures NewGoogleProvider. Only APIKey is required.
type GoogleConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	MaxTokens    int
}

func NewGoogleProvider(cfg GoogleConfig) (*GoogleProvider, error) {
	if cfg.APIKey == "" {
		return nil, errors.New("google: API key is required")
	}
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = defaultGeminiModel
	}
	cc := &genai.ClientConfig{APIKey: cfg.APIKey, Backend: genai.BackendGeminiAPI}
	if base := strings.TrimSpace(cfg.BaseURL); base != "" {
		cc.HTTPOptions.BaseURL = base
	}
	client, err := genai.NewClient(context.Background(), cc)
	if err != nil {
		return nil, fmt.Errorf("google: create client: %w", err)
	}
	return &GoogleProvider{
		BaseProvider: NewBaseProvider("google", cfg.DefaultModel, cfg.MaxTokens),
		client:       client,
	}, nil
}

func (p *GoogleProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gemini-2.0-flash", Name: "Gemini 2.0 Flash", ContextSize: 1048576},
		{ID: "gemini-2.5-pro", Name: "Gemini 2.5 Pro", ContextSize: 1048576},
		{ID: "gemini-2.5-flash", Name: "Gemini 2.5 Flash", ContextSize: 1048576},
	}
}

func (p *GoogleProvider) SupportsTools() bool { return true }

// Complete streams the answer to req. Unlike the other providers, a tool
// schema Gemini cannot take is returned directly since it is known before
// any request is made.
func (p *GoogleProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	cfg, err := p.buildConfig(req)
	if err != nil {
		return nil, fmt.Errorf("google: %w", err)
	}
	contents := p.convertMessages(req.Messages)

	out := make(chan *agent.CompletionChunk)
	go func() {
		defer close(out)
		responses := p.client.Models.GenerateContentStream(ctx, model, contents, cfg)
		if err := p.relay(ctx, responses, out); err != nil && ctx.Err() == nil {
			send(ctx, out, &agent.CompletionChunk{Error: p.wrapError(err, model)})
		}
	}()
	return out, nil
}

// relay forwards text and function calls. Done follows only when some
// candidate reported a finish reason, so a cut-off stream reads as
// truncated.
func (p *GoogleProvider) relay(ctx context.Context, responses iter.Seq2[*genai.GenerateContentResponse, error], out chan<- *agent.CompletionChunk) error {
	done := &agent.CompletionChunk{Done: true}
	finished := false

	for resp, err := range responses {
		if err != nil {
			return err
		}
		if resp == nil {
			continue
		}
		if u := resp.UsageMetadata; u != nil {
			done.InputTokens = int(u.PromptTokenCount)
			done.OutputTokens = int(u.CandidatesTokenCount)
		}
		for _, cand := range resp.Candidates {
			if cand == nil {
				continue
			}
			finished = finished || cand.FinishReason != ""
			if cand.Content == nil {
				continue
			}
			for _, part := range cand.Content.Parts {
				for _, chunk := range partChunks(part) {
					if !send(ctx, out, chunk) {
						return nil
					}
				}
			}
		}
	}
	if finished {
		send(ctx, out, done)
	}
	return nil
}

// partChunks maps one content part to chunks. Thought text is dropped.
func partChunks(part *genai.Part) []*agent.CompletionChunk {
	if part == nil {
		return nil
	}
	var chunks []*agent.CompletionChunk
	if part.Text != "" && !part.Thought {
		chunks = append(chunks, &agent.CompletionChunk{Text: part.Text})
	}
	if fc := part.FunctionCall; fc != nil {
		input := json.RawMessage("{}")
		if fc.Args != nil {
			if data, err := json.Marshal(fc.Args); err == nil {
				input = data
			}
		}
		chunks = append(chunks, &agent.CompletionChunk{ToolCall: &models.ToolCall{
			ID:     fc.ID,
			Name:   fc.Name,
			Input:  input,
			Origin: models.OriginModel,
		}})
	}
	return chunks
}

// convertMessages maps history to Gemini contents. Assistant turns take the
// "model" role. Function responses are matched by name, so each result is
// labelled with the name of the call it answers.
func (p *GoogleProvider) convertMessages(messages []agent.CompletionMessage) []*genai.Content {
	callNames := map[string]string{}
	for _, msg := range messages {
		for _, call := range msg.ToolCalls {
			callNames[call.ID] = call.Name
		}
	}

	var out []*genai.Content
	for _, msg := range messages {
		if msg.Role == models.RoleSystem {
			continue
		}
		role := genai.RoleUser
		if msg.Role == models.RoleAssistant {
			role = genai.RoleModel
		}

		var parts []*genai.Part
		if msg.Content != "" {
			parts = append(parts, &genai.Part{Text: msg.Content})
		}
		for _, call := range msg.ToolCalls {
			parts = append(parts, &genai.Part{FunctionCall: &genai.FunctionCall{
				ID:   call.ID,
				Name: call.Name,
				Args: toolInputObject(call.Input),
			}})
		}
		for _, res := range msg.ToolResults {
			key := "output"
			if res.IsError {
				key = "error"
			}
			parts = append(parts, &genai.Part{FunctionResponse: &genai.FunctionResponse{
				ID:       res.ToolCallID,
				Name:     callNames[res.ToolCallID],
				Response: map[string]any{key: res.Content},
			}})
		}
		if len(parts) > 0 {
			out = append(out, &genai.Content{Role: role, Parts: parts})
		}
	}
	return out
}

func (p *GoogleProvider) buildConfig(req *agent.CompletionRequest) (*genai.GenerateContentConfig, error) {
	tools, err := toolconv.ToGeminiTools(req.Tools)
	if err != nil {
		return nil, err
	}
	cfg := &genai.GenerateContentConfig{
		// #nosec G115 -- clamped to MaxInt32
		MaxOutputTokens: int32(min(p.getMaxTokens(req.MaxTokens), math.MaxInt32)),
		Tools:           tools,
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}
	return cfg, nil
}

// wrapError classifies Gemini failures. Errors that are not a
// genai.APIError are sorted by their gRPC-style status text.
func (p *GoogleProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}
	pe := NewProviderError("google", model, err)

	var apiErr genai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.Code != 0 {
			pe = pe.WithStatus(apiErr.Code)
		}
		if apiErr.Status != "" {
			pe.Code = apiErr.Status
		}
		if apiErr.Message != "" {
			pe = pe.WithMessage(apiErr.Message)
		}
		return pe
	}

	msg := strings.ToLower(err.Error())
	for text, status := range map[string]int{
		"unauthenticated":    http.StatusUnauthorized,
		"permission denied":  http.StatusForbidden,
		"resource exhausted": http.StatusTooManyRequests,
	} {
		if strings.Contains(msg, text) {
			return pe.WithStatus(status)
		}
	}
	return pe
}
