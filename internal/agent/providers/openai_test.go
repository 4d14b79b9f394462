package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	openai "github.com/sashabaranov/go-openai"

	"github.com/haasonsaas/steward/internal/agent"
	"github.com/haasonsaas/steward/pkg/models"
)

func newTestOpenAI(t *testing.T, baseURL string) *OpenAIProvider {
	t.Helper()
	provider, err := NewOpenAIProvider(OpenAIConfig{APIKey: "test-key", BaseURL: baseURL})
	if err != nil {
		t.Fatalf("NewOpenAIProvider() error = %v", err)
	}
	return provider
}

func TestNewOpenAIProvider(t *testing.T) {
	if _, err := NewOpenAIProvider(OpenAIConfig{}); err == nil {
		t.Error("expected error for missing API key")
	}

	provider := newTestOpenAI(t, "")
	if provider.Name() != "openai" {
		t.Errorf("Name() = %q, want openai", provider.Name())
	}
	if !provider.SupportsTools() {
		t.Error("SupportsTools() = false, want true")
	}
	if got := provider.getModel(""); got != "gpt-4o" {
		t.Errorf("default model = %q, want gpt-4o", got)
	}
	if len(provider.Models()) == 0 {
		t.Error("Models() is empty")
	}
}

func TestOpenAIComplete_Text(t *testing.T) {
	var body openai.ChatCompletionRequest
	server := sseServer(t, []string{
		`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"role":"assistant","content":"Hel"}}]}`,
		``,
		`data: {"id":"1","object":"chat.completion.chunk","choices":[{"index":0,"delta":{"content":"lo"},"finish_reason":"stop"}]}`,
		``,
		`data: {"id":"1","object":"chat.completion.chunk","choices":[],"usage":{"prompt_tokens":9,"completion_tokens":2,"total_tokens":11}}`,
		``,
		`data: [DONE]`,
		``,
	}, func(r *http.Request) {
		if !strings.HasSuffix(r.URL.Path, "/chat/completions") {
			t.Errorf("path = %s", r.URL.Path)
		}
		if got := r.Header.Get("Authorization"); got != "Bearer test-key" {
			t.Errorf("Authorization = %q", got)
		}
		data, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(data, &body)
	})

	provider := newTestOpenAI(t, server.URL+"/v1")
	ch, err := provider.Complete(context.Background(), &agent.CompletionRequest{
		System:   "be brief",
		Messages: []agent.CompletionMessage{{Role: models.RoleUser, Content: "hi"}},
		Tools:    []agent.ToolDescriptor{listDirDescriptor},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	chunks := drain(t, ch)

	text, calls, done, streamErr := summarize(chunks)
	if streamErr != nil || !done {
		t.Fatalf("done = %v, err = %v", done, streamErr)
	}
	if text != "Hello" || len(calls) != 0 {
		t.Errorf("text = %q, calls = %d", text, len(calls))
	}
	last := chunks[len(chunks)-1]
	if last.InputTokens != 9 || last.OutputTokens != 2 {
		t.Errorf("usage = %d/%d, want 9/2", last.InputTokens, last.OutputTokens)
	}

	if len(body.Messages) != 2 || body.Messages[0].Role != openai.ChatMessageRoleSystem {
		t.Errorf("request messages = %+v, want system then user", body.Messages)
	}
	if len(body.Tools) != 1 || body.Tools[0].Function.Name != "list_dir" {
		t.Errorf("request tools = %+v", body.Tools)
	}
}

func TestOpenAIComplete_ToolCalls(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"id":"call_b","type":"function","function":{"name":"read_file","arguments":""}}]}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"id":"call_a","type":"function","function":{"name":"list_dir","arguments":"{\"pa"}}]}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":0,"function":{"arguments":"th\":\".\"}"}}]}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{"tool_calls":[{"index":1,"function":{"arguments":"{\"path\":\"a\"}"}}]}}]}`,
		``,
		`data: {"choices":[{"index":0,"delta":{},"finish_reason":"tool_calls"}]}`,
		``,
		`data: [DONE]`,
		``,
	}, nil)

	provider := newTestOpenAI(t, server.URL+"/v1")
	ch, _ := provider.Complete(context.Background(), &agent.CompletionRequest{})
	_, calls, done, streamErr := summarize(drain(t, ch))

	if streamErr != nil || !done {
		t.Fatalf("done = %v, err = %v", done, streamErr)
	}
	if len(calls) != 2 {
		t.Fatalf("calls = %d, want 2", len(calls))
	}
	want := []struct{ id, name, input string }{
		{"call_a", "list_dir", `{"path":"."}`},
		{"call_b", "read_file", `{"path":"a"}`},
	}
	for i, w := range want {
		got := calls[i].ToolCall
		if got.ID != w.id || got.Name != w.name || string(got.Input) != w.input {
			t.Errorf("calls[%d] = %s %s %s, want %s %s %s", i, got.ID, got.Name, got.Input, w.id, w.name, w.input)
		}
	}
}

func TestOpenAIComplete_Truncated(t *testing.T) {
	server := sseServer(t, []string{
		`data: {"choices":[{"index":0,"delta":{"content":"partial"}}]}`,
		``,
	}, nil)

	provider := newTestOpenAI(t, server.URL+"/v1")
	ch, _ := provider.Complete(context.Background(), &agent.CompletionRequest{})
	text, _, done, streamErr := summarize(drain(t, ch))

	if text != "partial" {
		t.Errorf("text = %q", text)
	}
	if done || streamErr != nil {
		t.Errorf("done = %v, err = %v, want a stream that just stops", done, streamErr)
	}
}

func TestOpenAIComplete_HTTPErrors(t *testing.T) {
	tests := []struct {
		name     string
		status   int
		body     string
		wantKind agent.ErrorKind
	}{
		{"rate limit", http.StatusTooManyRequests, `{"error":{"message":"slow down","type":"requests","code":"rate_limit_exceeded"}}`, agent.KindTransientNetwork},
		{"unavailable", http.StatusServiceUnavailable, `{"error":{"message":"try later","type":"server_error"}}`, agent.KindTransientNetwork},
		{"bad key", http.StatusUnauthorized, `{"error":{"message":"Incorrect API key","type":"invalid_request_error","code":"invalid_api_key"}}`, agent.KindAuthFailure},
		{"quota", http.StatusPaymentRequired, `{"error":{"message":"pay up","type":"billing"}}`, agent.KindAuthFailure},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			server := errorServer(t, tt.status, tt.body)
			provider := newTestOpenAI(t, server.URL+"/v1")

			ch, _ := provider.Complete(context.Background(), &agent.CompletionRequest{})
			_, _, _, streamErr := summarize(drain(t, ch))
			if streamErr == nil {
				t.Fatal("expected stream error")
			}
			providerErr, ok := GetProviderError(streamErr)
			if !ok {
				t.Fatalf("error = %T, want *ProviderError", streamErr)
			}
			if providerErr.Status != tt.status {
				t.Errorf("Status = %d, want %d", providerErr.Status, tt.status)
			}
			if got := agent.ClassifyError(streamErr); got != tt.wantKind {
				t.Errorf("agent.ClassifyError() = %q, want %q", got, tt.wantKind)
			}
		})
	}
}

func TestOpenAIConvertMessages(t *testing.T) {
	provider := newTestOpenAI(t, "")

	got := provider.convertMessages([]agent.CompletionMessage{
		{Role: models.RoleUser, Content: "list"},
		{Role: models.RoleAssistant, ToolCalls: []models.ToolCall{
			{ID: "c1", Name: "list_dir", Input: json.RawMessage(`{}`)},
			{ID: "c2", Name: "read_file", Input: json.RawMessage(`{"path":"a"}`)},
		}},
		{Role: models.RoleTool, ToolResults: []models.ToolResult{
			{ToolCallID: "c1", Content: "a"},
			{ToolCallID: "c2", Content: "denied", IsError: true},
		}},
	}, "sys")

	wantRoles := []string{
		openai.ChatMessageRoleSystem,
		openai.ChatMessageRoleUser,
		openai.ChatMessageRoleAssistant,
		openai.ChatMessageRoleTool,
		openai.ChatMessageRoleTool,
	}
	if len(got) != len(wantRoles) {
		t.Fatalf("len = %d, want %d", len(got), len(wantRoles))
	}
	for i, role := range wantRoles {
		if got[i].Role != role {
			t.Errorf("messages[%d].Role = %q, want %q", i, got[i].Role, role)
		}
	}
	if len(got[2].ToolCalls) != 2 || got[2].ToolCalls[1].Function.Arguments != `{"path":"a"}` {
		t.Errorf("assistant tool calls = %+v", got[2].ToolCalls)
	}
	if got[4].ToolCallID != "c2" || got[4].Content != "denied" {
		t.Errorf("second tool message = %+v", got[4])
	}
}

func TestWrapOpenAIError(t *testing.T) {
	provider := newTestOpenAI(t, "")

	tests := []struct {
		name       string
		err        error
		wantReason Reason
		wantStatus int
	}{
		{
			name:       "api error with code",
			err:        &openai.APIError{HTTPStatusCode: 429, Code: "rate_limit_exceeded", Message: "slow"},
			wantReason: ReasonRateLimit,
			wantStatus: 429,
		},
		{
			name:       "api error with type only",
			err:        &openai.APIError{HTTPStatusCode: 400, Type: "invalid_request_error"},
			wantReason: ReasonInvalidRequest,
			wantStatus: 400,
		},
		{
			name:       "request error",
			err:        &openai.RequestError{HTTPStatusCode: 502, Err: errors.New("bad gateway")},
			wantReason: ReasonServerError,
			wantStatus: 502,
		},
		{
			name:       "plain error",
			err:        errors.New("request timeout"),
			wantReason: ReasonTimeout,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			providerErr, ok := GetProviderError(provider.wrapError(tt.err, "gpt-4o"))
			if !ok {
				t.Fatal("expected ProviderError")
			}
			if providerErr.Reason != tt.wantReason {
				t.Errorf("Reason = %q, want %q", providerErr.Reason, tt.wantReason)
			}
			if providerErr.Status != tt.wantStatus {
				t.Errorf("Status = %d, want %d", providerErr.Status, tt.wantStatus)
			}
			if providerErr.Provider != "openai" || providerErr.Model != "gpt-4o" {
				t.Errorf("Provider/Model = %s/%s", providerErr.Provider, providerErr.Model)
			}
		})
	}

	if provider.wrapError(nil, "m") != nil {
		t.Error("wrapError(nil) should be nil")
	}
}
