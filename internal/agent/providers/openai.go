package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"sort"
	"strings"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/internal/agent/toolconv"
	"github.com/haasonsaas/steward/pkg/models"
)

// OpenAIProvider implements the agent.LLMProvider interface for OpenAI's GPT models
// and any server speaking the chat completions protocol.
//
// Key Differences from Anthropic Provider:
//   - System messages are included in the messages array (not separate)
//   - Tool calls stream incrementally by index and must be accumulated
//   - Tool results require separate messages (one per tool call)
//
// Thread Safety:
// OpenAIProvider is safe for concurrent use across multiple goroutines.
// Each Complete() call creates an independent stream and goroutine.
type OpenAIProvider struct {
	BaseProvider

	// client is the underlying OpenAI SDK client used for API calls.
	client *openai.Client
}

// OpenAIConfig holds configuration parameters for creating an OpenAIProvider.
type OpenAIConfig struct {
	// APIKey is the OpenAI API key (required).
	APIKey string

	// BaseURL overrides the API endpoint for compatible servers.
	BaseURL string

	// DefaultModel is used when a request leaves Model empty.
	// Default: "gpt-4o"
	DefaultModel string

	// MaxTokens is used when a request leaves MaxTokens at zero.
	MaxTokens int
}

// NewOpenAIProvider creates a new OpenAI provider.
//
// Returns an error if APIKey is empty.
func NewOpenAIProvider(config OpenAIConfig) (*OpenAIProvider, error) {
	if config.APIKey == "" {
		return nil, errors.New("openai: API key is required")
	}
	if config.DefaultModel == "" {
		config.DefaultModel = "gpt-4o"
	}

	clientConfig := openai.DefaultConfig(config.APIKey)
	if strings.TrimSpace(config.BaseURL) != "" {
		clientConfig.BaseURL = strings.TrimRight(config.BaseURL, "/")
	}

	return &OpenAIProvider{
		BaseProvider: NewBaseProvider("openai", config.DefaultModel, config.MaxTokens),
		client:       openai.NewClientWithConfig(clientConfig),
	}, nil
}

// Models returns the GPT models this provider knows about.
func (p *OpenAIProvider) Models() []agent.Model {
	return []agent.Model{
		{ID: "gpt-4o", Name: "GPT-4o", ContextSize: 128000},
		{ID: "gpt-4o-mini", Name: "GPT-4o Mini", ContextSize: 128000},
		{ID: "gpt-4-turbo", Name: "GPT-4 Turbo", ContextSize: 128000},
		{ID: "o3-mini", Name: "o3-mini", ContextSize: 200000},
	}
}

// SupportsTools reports that function calling is supported.
func (p *OpenAIProvider) SupportsTools() bool {
	return true
}

// Complete sends a completion request and streams the response.
//
// Opening the stream happens inside the producer goroutine so that HTTP
// failures reach the caller as an Error chunk with a classified ProviderError.
func (p *OpenAIProvider) Complete(ctx context.Context, req *agent.CompletionRequest) (<-chan *agent.CompletionChunk, error) {
	model := p.getModel(req.Model)
	tools, err := toolconv.ToOpenAITools(req.Tools)
	if err != nil {
		return nil, fmt.Errorf("openai: %w", err)
	}
	chatReq := openai.ChatCompletionRequest{
		Model:     model,
		Messages:  p.convertMessages(req.Messages, req.System),
		MaxTokens: p.getMaxTokens(req.MaxTokens),
		Tools:     tools,
		Stream:    true,
		StreamOptions: &openai.StreamOptions{
			IncludeUsage: true,
		},
	}

	chunks := make(chan *agent.CompletionChunk)
	go func() {
		defer close(chunks)

		stream, err := p.client.CreateChatCompletionStream(ctx, chatReq)
		if err != nil {
			if ctx.Err() == nil {
				send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			}
			return
		}
		defer stream.Close()

		p.processStream(ctx, stream, chunks, model)
	}()

	return chunks, nil
}

// processStream consumes OpenAI's streaming response.
//
// Tool calls stream as fragments keyed by index:
//  1. The first fragment carries the ID and function name
//  2. Later fragments append to the JSON arguments
//  3. A finish reason (or the end of the stream) completes them
//
// Completed calls are emitted in index order with their arguments untouched.
// Done is only sent when a finish reason was seen before the stream ended.
func (p *OpenAIProvider) processStream(ctx context.Context, stream *openai.ChatCompletionStream, chunks chan<- *agent.CompletionChunk, model string) {
	toolCalls := make(map[int]*models.ToolCall)
	var inputTokens, outputTokens int
	finished := false

	flush := func() bool {
		indexes := make([]int, 0, len(toolCalls))
		for index := range toolCalls {
			indexes = append(indexes, index)
		}
		sort.Ints(indexes)
		for _, index := range indexes {
			tc := toolCalls[index]
			if tc.ID == "" && tc.Name == "" {
				continue
			}
			if len(tc.Input) == 0 {
				tc.Input = json.RawMessage("{}")
			}
			if !send(ctx, chunks, &agent.CompletionChunk{ToolCall: tc}) {
				return false
			}
		}
		toolCalls = make(map[int]*models.ToolCall)
		return true
	}

	for {
		response, err := stream.Recv()
		if err != nil {
			if errors.Is(err, io.EOF) {
				if !flush() || !finished {
					// The reader cannot tell [DONE] from a dropped
					// connection; without a finish reason the response
					// is treated as truncated.
					return
				}
				send(ctx, chunks, &agent.CompletionChunk{
					Done:         true,
					InputTokens:  inputTokens,
					OutputTokens: outputTokens,
				})
				return
			}
			if ctx.Err() == nil {
				send(ctx, chunks, &agent.CompletionChunk{Error: p.wrapError(err, model)})
			}
			return
		}

		if response.Usage != nil {
			inputTokens = response.Usage.PromptTokens
			outputTokens = response.Usage.CompletionTokens
		}
		if len(response.Choices) == 0 {
			continue
		}

		choice := response.Choices[0]
		if choice.Delta.Content != "" {
			if !send(ctx, chunks, &agent.CompletionChunk{Text: choice.Delta.Content}) {
				return
			}
		}

		for _, tc := range choice.Delta.ToolCalls {
			index := 0
			if tc.Index != nil {
				index = *tc.Index
			}
			call := toolCalls[index]
			if call == nil {
				call = &models.ToolCall{Origin: models.OriginModel}
				toolCalls[index] = call
			}
			if tc.ID != "" {
				call.ID = tc.ID
			}
			if tc.Function.Name != "" {
				call.Name = tc.Function.Name
			}
			if tc.Function.Arguments != "" {
				call.Input = append(call.Input, tc.Function.Arguments...)
			}
		}

		if choice.FinishReason != "" {
			finished = true
		}
		if choice.FinishReason == openai.FinishReasonToolCalls {
			if !flush() {
				return
			}
		}
	}
}

// convertMessages converts projected history to OpenAI's message format.
// The system prompt becomes the first message and each tool result becomes
// its own "tool" message.
func (p *OpenAIProvider) convertMessages(messages []agent.CompletionMessage, system string) []openai.ChatCompletionMessage {
	result := make([]openai.ChatCompletionMessage, 0, len(messages)+1)

	if system != "" {
		result = append(result, openai.ChatCompletionMessage{
			Role:    openai.ChatMessageRoleSystem,
			Content: system,
		})
	}

	for _, msg := range messages {
		switch msg.Role {
		case models.RoleAssistant:
			oaiMsg := openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleAssistant,
				Content: msg.Content,
			}
			for _, tc := range msg.ToolCalls {
				oaiMsg.ToolCalls = append(oaiMsg.ToolCalls, openai.ToolCall{
					ID:   tc.ID,
					Type: openai.ToolTypeFunction,
					Function: openai.FunctionCall{
						Name:      tc.Name,
						Arguments: string(tc.Input),
					},
				})
			}
			result = append(result, oaiMsg)

		case models.RoleTool:
			for _, tr := range msg.ToolResults {
				result = append(result, openai.ChatCompletionMessage{
					Role:       openai.ChatMessageRoleTool,
					Content:    tr.Content,
					ToolCallID: tr.ToolCallID,
				})
			}

		case models.RoleSystem:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleSystem,
				Content: msg.Content,
			})

		default:
			result = append(result, openai.ChatCompletionMessage{
				Role:    openai.ChatMessageRoleUser,
				Content: msg.Content,
			})
		}
	}

	return result
}

func (p *OpenAIProvider) wrapError(err error, model string) error {
	if err == nil {
		return nil
	}
	if _, ok := GetProviderError(err); ok {
		return err
	}

	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		providerErr := &ProviderError{
			Provider: "openai",
			Model:    model,
			Cause:    err,
			Reason:   ReasonUnknown,
		}
		if apiErr.HTTPStatusCode != 0 {
			providerErr = providerErr.WithStatus(apiErr.HTTPStatusCode)
		}
		if code, ok := apiErr.Code.(string); ok && code != "" {
			providerErr = providerErr.WithCode(code)
		} else if apiErr.Type != "" {
			providerErr = providerErr.WithCode(apiErr.Type)
		}
		if apiErr.Message != "" {
			providerErr = providerErr.WithMessage(apiErr.Message)
		} else {
			providerErr.Message = "openai request failed"
		}
		return providerErr
	}

	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		providerErr := NewProviderError("openai", model, err)
		if reqErr.HTTPStatusCode != 0 {
			providerErr = providerErr.WithStatus(reqErr.HTTPStatusCode)
		}
		return providerErr
	}

	return NewProviderError("openai", model, fmt.Errorf("openai: %w", err))
}
