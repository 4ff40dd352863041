package openai

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"chatrelay/internal/provider"
)

func TestCompleteSendsMessagesAndParsesResponse(t *testing.T) {
	var got apiRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		fmt.Fprint(w, `{
			"id": "chatcmpl-1",
			"created": 1700000000,
			"model": "gpt-4o",
			"choices": [{"message": {"role": "assistant", "content": "Hi Adam."}, "finish_reason": "stop"}],
			"usage": {"prompt_tokens": 10, "completion_tokens": 3, "total_tokens": 13}
		}`)
	}))
	defer srv.Close()

	p := New(Config{APIKey: "sk-test", BaseURL: srv.URL + "/"})
	resp, err := p.Complete(context.Background(), &provider.CompletionRequest{
		Model:    "gpt-4o",
		Messages: []provider.Message{provider.System("be brief"), provider.User("Hi! I'm Adam")},
	})
	require.NoError(t, err)

	assert.Equal(t, "gpt-4o", got.Model)
	assert.False(t, got.Stream)
	require.Len(t, got.Messages, 2)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "Hi! I'm Adam", got.Messages[1].Content)

	assert.Equal(t, provider.Assistant("Hi Adam."), resp.Message)
	assert.Equal(t, "chatcmpl-1", resp.ID)
	assert.Equal(t, 13, resp.Usage.TotalTokens)
}

func TestCompleteClassifiesStatusErrors(t *testing.T) {
	tests := []struct {
		status int
		kind   provider.UpstreamKind
	}{
		{http.StatusUnauthorized, provider.UpstreamAuth},
		{http.StatusTooManyRequests, provider.UpstreamRateLimit},
		{http.StatusBadGateway, provider.UpstreamServer},
		{http.StatusBadRequest, provider.UpstreamBadRequest},
	}

	for _, tt := range tests {
		t.Run(string(tt.kind), func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, `{"error":"nope"}`, tt.status)
			}))
			defer srv.Close()

			_, err := New(Config{BaseURL: srv.URL}).Complete(context.Background(), &provider.CompletionRequest{Model: "m"})
			var ue *provider.UpstreamError
			require.True(t, errors.As(err, &ue), "expected UpstreamError, got %v", err)
			assert.Equal(t, tt.kind, ue.Kind)
			assert.Equal(t, tt.status, ue.StatusCode)
		})
	}
}

func TestCompleteTimeoutIsUpstreamTimeout(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-time.After(2 * time.Second):
		}
	}))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err := New(Config{BaseURL: srv.URL}).Complete(ctx, &provider.CompletionRequest{Model: "m"})
	var ue *provider.UpstreamError
	require.True(t, errors.As(err, &ue))
	assert.Equal(t, provider.UpstreamTimeout, ue.Kind)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestStreamCompleteRelaysDeltas(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var req apiRequest
		_ = json.NewDecoder(r.Body).Decode(&req)
		assert.True(t, req.Stream)

		w.Header().Set("Content-Type", "text/event-stream")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4\",\"choices\":[{\"delta\":{\"role\":\"assistant\",\"content\":\"Hel\"}}]}\n\n")
		fmt.Fprint(w, ": keep-alive\n\n")
		fmt.Fprint(w, "data: {\"id\":\"c1\",\"model\":\"gpt-4\",\"choices\":[{\"delta\":{\"content\":\"lo\"},\"finish_reason\":\"stop\"}]}\n\n")
		fmt.Fprint(w, "data: [DONE]\n\n")
	}))
	defer srv.Close()

	chunks, errs := New(Config{BaseURL: srv.URL}).StreamComplete(context.Background(), &provider.CompletionRequest{Model: "gpt-4"})

	var text string
	var last provider.CompletionChunk
	for c := range chunks {
		text += c.Delta
		last = c
	}
	require.NoError(t, <-errs)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, "stop", last.FinishReason)
	assert.Equal(t, "c1", last.ID)
}

func TestStreamCompleteReportsStatusError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
	}))
	defer srv.Close()

	chunks, errs := New(Config{BaseURL: srv.URL}).StreamComplete(context.Background(), &provider.CompletionRequest{Model: "gpt-4"})
	for range chunks {
		t.Fatal("expected no chunks")
	}
	var ue *provider.UpstreamError
	require.True(t, errors.As(<-errs, &ue))
	assert.Equal(t, provider.UpstreamRateLimit, ue.Kind)
}
