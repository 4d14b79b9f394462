package providers

import (
	"context"
	"encoding/json"

	"github.com/haasonsaas/steward/internal/agent"
)

const defaultMaxTokens = 4096

// BaseProvider holds the settings every provider shares.
//
// Providers never retry on their own: the session owns the retry policy and
// decides from the classified error whether another attempt is allowed.
type BaseProvider struct {
	name         string
	defaultModel string
	maxTokens    int
}

// NewBaseProvider creates a base provider with sane defaults.
func NewBaseProvider(name, defaultModel string, maxTokens int) BaseProvider {
	if maxTokens <= 0 {
		maxTokens = defaultMaxTokens
	}
	return BaseProvider{
		name:         name,
		defaultModel: defaultModel,
		maxTokens:    maxTokens,
	}
}

// Name returns the provider name.
func (b *BaseProvider) Name() string {
	return b.name
}

// getModel returns the request model or the provider default.
func (b *BaseProvider) getModel(model string) string {
	if model == "" {
		return b.defaultModel
	}
	return model
}

// getMaxTokens returns the request limit or the provider default.
func (b *BaseProvider) getMaxTokens(maxTokens int) int {
	if maxTokens <= 0 {
		return b.maxTokens
	}
	return maxTokens
}

// send delivers a chunk unless the consumer has gone away.
// It returns false once ctx is done so the producer can stop.
func send(ctx context.Context, ch chan<- *agent.CompletionChunk, chunk *agent.CompletionChunk) bool {
	select {
	case ch <- chunk:
		return true
	case <-ctx.Done():
		return false
	}
}

// toolInputObject decodes recorded tool input for backends that require a
// JSON object. Input that is not an object is kept under a "raw" key so a
// malformed call can still be replayed to the model.
func toolInputObject(input []byte) map[string]any {
	var obj map[string]any
	if len(input) > 0 && json.Unmarshal(input, &obj) == nil && obj != nil {
		return obj
	}
	return map[string]any{"raw": string(input)}
}
