// internal/media/groqtts.go
package media

import (
	"context"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
)

const (
	groqSpeechURL     = "https://api.groq.com/openai/v1/audio/speech"
	groqTTSModel      = "playai-tts"
	groqDefaultVoice  = "Aaliyah-PlayAI"
	groqSamplingRate  = 24000
	groqTTSContentWav = "audio/wav"
)

// GroqTTSProvider 同步返回 WAV 字节
type GroqTTSProvider struct {
	apiKey   string
	endpoint string
	voice    string
	client   *http.Client
}

func NewGroqTTSProvider(apiKey, endpoint string) *GroqTTSProvider {
	if endpoint == "" {
		endpoint = groqSpeechURL
	}
	return &GroqTTSProvider{
		apiKey:   apiKey,
		endpoint: endpoint,
		voice:    groqDefaultVoice,
		client:   defaultHTTPClient(),
	}
}

func (p *GroqTTSProvider) Name() string { return "groqtts" }

func (p *GroqTTSProvider) Submit(ctx context.Context, req Request) (Job, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.voice
	}
	httpReq, err := newJSONRequest(ctx, http.MethodPost, p.endpoint, map[string]interface{}{
		"model":           groqTTSModel,
		"voice":           voice,
		"input":           req.Prompt,
		"response_format": "wav",
	})
	if err != nil {
		return Job{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Job{}, apperrors.NewProviderError("groq tts request failed", err)
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return Job{}, statusError(p.Name(), resp)
	}

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, apperrors.NewProviderError("groq tts read failed", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" || !strings.HasPrefix(contentType, "audio/") {
		contentType = groqTTSContentWav
	}
	res := BytesResult(data, contentType, groqSamplingRate)
	return Job{ID: "direct_audio", Provider: p.Name(), Immediate: &res}, nil
}

func (p *GroqTTSProvider) Result(_ context.Context, job Job) (Result, error) {
	if job.Immediate != nil {
		return *job.Immediate, nil
	}
	return Result{}, apperrors.NewProviderError("groq tts has no pending jobs", nil)
}
