package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func TestCompleteSendsChatRequest(t *testing.T) {
	var got map[string]interface{}
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer sk-test", r.Header.Get("Authorization"))
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"deepseek-chat","choices":[{"message":{"content":"{\"action\":\"hold\"}"}}],"usage":{"prompt_tokens":12,"completion_tokens":3}}`))
	}))
	defer srv.Close()

	c := NewClient(Options{BaseURL: srv.URL, APIKey: "sk-test", Model: "deepseek-chat"}, zap.NewNop())
	resp, err := c.Complete(context.Background(), Request{
		System:            "sys",
		User:              "usr",
		Temperature:       0.7,
		MaxTokens:         4000,
		ExtendedReasoning: true,
	})
	require.NoError(t, err)
	assert.Equal(t, `{"action":"hold"}`, resp.Content)
	assert.Equal(t, 12, resp.PromptTokens)

	assert.Equal(t, "deepseek-chat", got["model"])
	assert.Equal(t, 0.7, got["temperature"])
	assert.Equal(t, 4000.0, got["max_tokens"])
	assert.Equal(t, "high", got["reasoning_effort"])
	msgs := got["messages"].([]interface{})
	require.Len(t, msgs, 2)
	assert.Equal(t, "system", msgs[0].(map[string]interface{})["role"])
	assert.Equal(t, "usr", msgs[1].(map[string]interface{})["content"])
}

func TestCompleteFailures(t *testing.T) {
	tests := []struct {
		name   string
		status int
		body   string
	}{
		{"server error", http.StatusInternalServerError, `{"error":{"message":"overloaded"}}`},
		{"unauthorized", http.StatusUnauthorized, `{"error":{"message":"bad key"}}`},
		{"empty content", http.StatusOK, `{"choices":[{"message":{"content":"   "}}]}`},
		{"no choices", http.StatusOK, `{"choices":[]}`},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			c := NewClient(Options{BaseURL: srv.URL, Model: "m"}, zap.NewNop())
			_, err := c.Complete(context.Background(), Request{System: "s", User: "u"})
			assert.True(t, errors.Is(err, ErrModelUnavailable), "got %v", err)
		})
	}
}

func TestCompleteUnreachable(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {}))
	url := srv.URL
	srv.Close()

	c := NewClient(Options{BaseURL: url, Model: "m"}, zap.NewNop())
	_, err := c.Complete(context.Background(), Request{})
	assert.True(t, errors.Is(err, ErrModelUnavailable))
}

func TestBaseURLFor(t *testing.T) {
	assert.Equal(t, "https://api.deepseek.com/v1", BaseURLFor("DeepSeek", ""))
	assert.Equal(t, "http://localhost:11434/v1", BaseURLFor("custom", "http://localhost:11434/v1/"))
	assert.Equal(t, "https://api.openai.com/v1", BaseURLFor("unknown", ""))
}
