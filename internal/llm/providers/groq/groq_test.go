package groq

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/Corphon/CrisisSimMCP/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestProvider(t *testing.T, handler http.HandlerFunc) *Provider {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	p := &Provider{}
	require.NoError(t, p.Initialize(map[string]string{"api_key": "test-key", "base_url": srv.URL}))
	return p
}

func TestCompleteText(t *testing.T) {
	p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/chat/completions", r.URL.Path)
		assert.Equal(t, "Bearer test-key", r.Header.Get("Authorization"))

		var body map[string]interface{}
		assert.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "qwen-qwq-32b", body["model"])

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"model":"qwen-qwq-32b","choices":[{"message":{"role":"assistant","content":"{\"id\":\"scenario_1_1\"}"},"finish_reason":"stop"}],"usage":{"prompt_tokens":3,"completion_tokens":4,"total_tokens":7}}`))
	})

	resp, err := p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "hi"})

	require.NoError(t, err)
	assert.Equal(t, `{"id":"scenario_1_1"}`, resp.Text)
	assert.Equal(t, 7, resp.TokensUsed)
	assert.Equal(t, "groq", resp.ProviderName)
}

func TestCompleteText_StatusClassification(t *testing.T) {
	tests := []struct {
		name          string
		status        int
		wantTransient bool
	}{
		{name: "rate limited", status: http.StatusTooManyRequests, wantTransient: true},
		{name: "server error", status: http.StatusServiceUnavailable, wantTransient: true},
		{name: "bad key", status: http.StatusUnauthorized, wantTransient: false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			p := newTestProvider(t, func(w http.ResponseWriter, r *http.Request) {
				http.Error(w, "nope", tt.status)
			})

			_, err := p.CompleteText(context.Background(), llm.CompletionRequest{Prompt: "hi"})

			require.Error(t, err)
			assert.Equal(t, tt.wantTransient, llm.IsTransient(err))
		})
	}
}

func TestInitialize_RequiresKey(t *testing.T) {
	p := &Provider{}
	assert.Error(t, p.Initialize(map[string]string{}))
}
