package openai

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"context-bridge/internal/domain"
)

func sampleMessages() []domain.MessageInput {
	return []domain.MessageInput{
		{Role: domain.RoleUser, Content: "Explain quantum computing", Timestamp: time.Date(2025, 1, 8, 10, 30, 0, 0, time.UTC)},
		{Role: domain.RoleAssistant, Content: "Quantum computing uses qubits.", Timestamp: time.Date(2025, 1, 8, 10, 30, 5, 0, time.UTC)},
	}
}

func chatCompletionBody(summary, model string, totalTokens int) string {
	payload := map[string]any{
		"id":    "chatcmpl-1",
		"model": model,
		"choices": []map[string]any{
			{"index": 0, "message": map[string]any{"role": "assistant", "content": summary}},
		},
		"usage": map[string]any{"prompt_tokens": 100, "completion_tokens": 34, "total_tokens": totalTokens},
	}
	data, _ := json.Marshal(payload)
	return string(data)
}

func TestSummarize_NotConfigured(t *testing.T) {
	c := NewClient("")
	require.False(t, c.Configured())

	_, err := c.Summarize(context.Background(), sampleMessages(), 150)
	require.ErrorIs(t, err, ErrNotConfigured)
}

func TestSummarize_HappyPath(t *testing.T) {
	var gotAuth string
	var gotReq chatRequest
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, http.MethodPost, r.Method)
		require.Equal(t, "/v1/chat/completions", r.URL.Path)
		gotAuth = r.Header.Get("Authorization")
		require.NoError(t, json.NewDecoder(r.Body).Decode(&gotReq))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(chatCompletionBody("A short summary.", "gpt-4-turbo-2024", 234)))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithModel("gpt-4-turbo-preview"))
	require.True(t, c.Configured())

	out, err := c.Summarize(context.Background(), sampleMessages(), 150)
	require.NoError(t, err)
	require.Equal(t, "A short summary.", out.Summary)
	require.Equal(t, 234, out.TokensUsed)
	require.Equal(t, "gpt-4-turbo-2024", out.Model)

	require.Equal(t, "Bearer test-key", gotAuth)
	require.Equal(t, "gpt-4-turbo-preview", gotReq.Model)
	require.Equal(t, 150, gotReq.MaxTokens)
	require.InDelta(t, 0.3, gotReq.Temperature, 0.001)
	require.Len(t, gotReq.Messages, 2)
	require.Equal(t, "system", gotReq.Messages[0].Role)
	require.Equal(t, systemPrompt, gotReq.Messages[0].Content)
	require.Contains(t, gotReq.Messages[1].Content, "USER: Explain quantum computing")
	require.Contains(t, gotReq.Messages[1].Content, "ASSISTANT: Quantum computing uses qubits.")
}

func TestSummarize_UpstreamError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"error":{"code":"insufficient_quota"}}`))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL))
	_, err := c.Summarize(context.Background(), sampleMessages(), 150)

	var statusErr *HTTPStatusError
	require.ErrorAs(t, err, &statusErr)
	require.Equal(t, http.StatusTooManyRequests, statusErr.HTTPStatusCode())
	require.Contains(t, statusErr.Body, "insufficient_quota")
}

func TestSummarize_MalformedResponses(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"not json", "not-json"},
		{"no choices", `{"choices":[]}`},
		{"empty summary", chatCompletionBody("   ", "gpt-4", 10)},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				_, _ = w.Write([]byte(tc.body))
			}))
			defer srv.Close()

			c := NewClient("test-key", WithBaseURL(srv.URL))
			_, err := c.Summarize(context.Background(), sampleMessages(), 150)
			require.Error(t, err)
			var statusErr *HTTPStatusError
			require.False(t, errors.As(err, &statusErr))
		})
	}
}

func TestSummarize_EmptyMessages(t *testing.T) {
	c := NewClient("test-key")
	_, err := c.Summarize(context.Background(), nil, 150)
	require.Error(t, err)
}

func TestSummarize_ModelFallsBackToConfigured(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(chatCompletionBody("ok", "", 5)))
	}))
	defer srv.Close()

	c := NewClient("test-key", WithBaseURL(srv.URL), WithModel("my-model"))
	out, err := c.Summarize(context.Background(), sampleMessages(), 150)
	require.NoError(t, err)
	require.Equal(t, "my-model", out.Model)
}

func TestBuildSummaryPrompt(t *testing.T) {
	prompt := buildSummaryPrompt(sampleMessages())

	require.Contains(t, prompt, "Summarize the following conversation concisely.")
	require.Contains(t, prompt, "1. Main topics discussed")
	require.Contains(t, prompt, "4. Overall context and purpose")
	require.Contains(t, prompt, "USER: Explain quantum computing\n\nASSISTANT: Quantum computing uses qubits.")
	require.Contains(t, prompt, "Provide a summary in 2-3 sentences")
}

func TestChatURL(t *testing.T) {
	require.Equal(t, "https://api.openai.com/v1/chat/completions", chatURL(""))
	require.Equal(t, "https://example.com/v1/chat/completions", chatURL("https://example.com"))
	require.Equal(t, "https://example.com/v1/chat/completions", chatURL("https://example.com/v1/"))
}
