package services

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/llm"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubProvider struct {
	name  string
	errs  []error
	calls int
	model string
}

func (p *stubProvider) Initialize(map[string]string) error { return nil }
func (p *stubProvider) GetName() string                    { return p.name }
func (p *stubProvider) GetSupportedModels() []string       { return nil }

func (p *stubProvider) CompleteText(_ context.Context, req llm.CompletionRequest) (*llm.CompletionResponse, error) {
	p.model = req.Model
	idx := p.calls
	p.calls++
	if idx < len(p.errs) && p.errs[idx] != nil {
		return nil, p.errs[idx]
	}
	return &llm.CompletionResponse{Text: p.name + ":" + req.Prompt, TokensUsed: 5}, nil
}

func newTestLLMService() *LLMService {
	s := NewEmptyLLMService()
	s.SetRetryConfig(llm.RetryConfig{MaxAttempts: 3, BackoffBase: time.Millisecond, BackoffMultiplier: 1})
	return s
}

func TestLLMService_RoutesByModel(t *testing.T) {
	s := newTestLLMService()
	google := &stubProvider{name: "google"}
	groq := &stubProvider{name: "groq"}
	s.setProvider(providerGoogle, google)
	s.setProvider(providerGroq, groq)

	resp, err := s.CompleteWithModel(context.Background(), "gemini-2.0-flash", "p")
	require.NoError(t, err)
	assert.Equal(t, "google:p", resp.Text)
	assert.Equal(t, "gemini-2.0-flash", google.model)

	resp, err = s.CompleteWithModel(context.Background(), "qwen-qwq-32b", "p")
	require.NoError(t, err)
	assert.Equal(t, "groq:p", resp.Text)

	assert.Equal(t, []string{"google", "groq"}, s.ProviderNames())
	assert.True(t, s.IsReady())
}

func TestLLMService_RetriesTransient(t *testing.T) {
	s := newTestLLMService()
	groq := &stubProvider{name: "groq", errs: []error{llm.NewTransientError(errors.New("503"))}}
	s.setProvider(providerGroq, groq)

	_, err := s.CompleteWithModel(context.Background(), "qwen-qwq-32b", "p")

	require.NoError(t, err)
	assert.Equal(t, 2, groq.calls)
}

func TestLLMService_FatalNotRetried(t *testing.T) {
	s := newTestLLMService()
	groq := &stubProvider{name: "groq", errs: []error{llm.NewFatalError(errors.New("401"))}}
	s.setProvider(providerGroq, groq)

	_, err := s.CompleteWithModel(context.Background(), "qwen-qwq-32b", "p")

	require.Error(t, err)
	assert.Equal(t, 1, groq.calls)
}

func TestLLMService_MissingProvider(t *testing.T) {
	s := newTestLLMService()

	_, err := s.CompleteWithModel(context.Background(), "gemini-2.0-flash", "p")

	assert.ErrorIs(t, err, ErrLLMNotReady)
	assert.False(t, s.IsReady())
}

func TestNewLLMService_NoKeys(t *testing.T) {
	s := NewLLMService(nil)
	assert.False(t, s.IsReady())
	assert.Equal(t, "Failed to retrieve configuration", s.GetReadyState())
}
