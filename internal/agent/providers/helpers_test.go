package providers

import (
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/haasonsaas/steward/internal/agent"
)

// sseServer replies to every request with the given SSE lines.
// onRequest, when set, sees each request before the reply is written.
func sseServer(t *testing.T, lines []string, onRequest func(*http.Request)) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if onRequest != nil {
			onRequest(r)
		}
		w.Header().Set("Content-Type", "text/event-stream")
		w.WriteHeader(http.StatusOK)
		flusher, ok := w.(http.Flusher)
		if !ok {
			t.Error("expected http.Flusher")
			return
		}
		for _, line := range lines {
			fmt.Fprintln(w, line)
			flusher.Flush()
		}
	}))
	t.Cleanup(server.Close)
	return server
}

// errorServer replies to every request with status and a JSON body.
func errorServer(t *testing.T, status int, body string) *httptest.Server {
	t.Helper()
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		fmt.Fprint(w, body)
	}))
	t.Cleanup(server.Close)
	return server
}

// drain reads chunks until the channel closes.
func drain(t *testing.T, ch <-chan *agent.CompletionChunk) []*agent.CompletionChunk {
	t.Helper()
	var out []*agent.CompletionChunk
	timeout := time.After(5 * time.Second)
	for {
		select {
		case chunk, ok := <-ch:
			if !ok {
				return out
			}
			out = append(out, chunk)
		case <-timeout:
			t.Fatalf("timed out after %d chunks", len(out))
			return out
		}
	}
}

// summarize splits chunks into joined text, tool calls and the terminal state.
func summarize(chunks []*agent.CompletionChunk) (text string, calls []*agent.CompletionChunk, done bool, err error) {
	for _, c := range chunks {
		switch {
		case c.Error != nil:
			err = c.Error
		case c.Done:
			done = true
		case c.ToolCall != nil:
			calls = append(calls, c)
		default:
			text += c.Text
		}
	}
	return text, calls, done, err
}

var listDirDescriptor = agent.ToolDescriptor{
	Name:        "list_dir",
	Description: "List a directory",
	Schema:      []byte(`{"type":"object","properties":{"path":{"type":"string"}}}`),
}
