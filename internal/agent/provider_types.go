package agent

import (
	"context"

	"github.com/haasonsaas/steward/pkg/models"
)

// LLMProvider defines the interface for Large Language Model backends.
//
// Implementations handle the specifics of one vendor API while presenting a
// unified streaming interface to the session. The session treats the wire
// format as opaque: it only needs text fragments, complete tool calls and an
// end-of-turn marker.
//
// Thread Safety:
// Implementations must be safe for concurrent use.
//
// See Also:
//   - providers.AnthropicProvider
//   - providers.OpenAIProvider
//   - providers.GoogleProvider
type LLMProvider interface {
	// Complete sends a prompt and returns a streaming response.
	// The channel is closed after a chunk with Done or Error set.
	Complete(ctx context.Context, req *CompletionRequest) (<-chan *CompletionChunk, error)

	// Name returns the provider name.
	Name() string

	// Models returns available models.
	Models() []Model

	// SupportsTools returns whether the provider supports tool use.
	SupportsTools() bool
}

// CompletionRequest contains all parameters for an LLM completion request.
//
// Example:
//
//	req := &CompletionRequest{
//	    Model:    "claude-sonnet-4-20250514",
//	    System:   "You are a careful operator assistant.",
//	    Messages: []CompletionMessage{
//	        {Role: models.RoleUser, Content: "list files"},
//	    },
//	    Tools:     registry.Descriptors(),
//	    MaxTokens: 4096,
//	}
type CompletionRequest struct {
	// Model specifies which LLM model to use. If empty, the provider's default model is used.
	Model string `json:"model"`

	// System is the system prompt.
	System string `json:"system,omitempty"`

	// Messages is the projected turn history in chronological order.
	Messages []CompletionMessage `json:"messages"`

	// Tools are the descriptors the model may call.
	Tools []ToolDescriptor `json:"tools,omitempty"`

	// MaxTokens limits the generated response. If 0, the provider default is used.
	MaxTokens int `json:"max_tokens,omitempty"`
}

// CompletionMessage represents a single message in a conversation.
//
// Role values: user, assistant, tool.
type CompletionMessage = models.Message

// CompletionChunk represents a single chunk in a streaming LLM response.
//
// Each chunk carries exactly one of: a text fragment, a complete tool call,
// the Done marker, or an Error. Tool call inputs are passed through exactly
// as the model produced them; the stream reader decides whether they are
// well formed.
type CompletionChunk struct {
	// Text contains partial response text
	Text string `json:"text,omitempty"`

	// ToolCall contains a tool execution request
	ToolCall *models.ToolCall `json:"tool_call,omitempty"`

	// Done is true when the stream has completed successfully
	Done bool `json:"done,omitempty"`

	// Error contains any error that occurred (streaming is terminated)
	Error error `json:"-"`

	// InputTokens is populated on the final chunk when the backend reports usage.
	InputTokens int `json:"input_tokens,omitempty"`

	// OutputTokens is populated on the final chunk when the backend reports usage.
	OutputTokens int `json:"output_tokens,omitempty"`
}

// Model describes an available LLM model.
type Model struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	ContextSize int    `json:"context_size"`
}

// TurnStatus is the lifecycle state of a turn.
type TurnStatus string

const (
	TurnOpen      TurnStatus = "open"
	TurnClosed    TurnStatus = "closed"
	TurnCancelled TurnStatus = "cancelled"
	TurnFailed    TurnStatus = "failed"
)

// Terminal reports whether the status ends a turn.
func (s TurnStatus) Terminal() bool {
	return s == TurnClosed || s == TurnCancelled || s == TurnFailed
}

// ResponseChunk is one item of the stream returned by Session.Submit.
//
// Text carries live model output for display. Event carries each transcript
// event as it is appended. ToolEvent carries tool lifecycle notifications.
// The last chunk of every stream has Status set to a terminal TurnStatus,
// with Error set when the turn failed or was cancelled.
type ResponseChunk struct {
	TurnID    string            `json:"turn_id"`
	Text      string            `json:"text,omitempty"`
	Event     *models.Event     `json:"event,omitempty"`
	ToolEvent *models.ToolEvent `json:"tool_event,omitempty"`
	Status    TurnStatus        `json:"status,omitempty"`
	Error     error             `json:"-"`
}
