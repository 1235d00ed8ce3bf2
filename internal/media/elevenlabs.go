// internal/media/elevenlabs.go
package media

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
)

const (
	elevenLabsBaseURL      = "https://api.elevenlabs.io/v1"
	elevenLabsDefaultVoice = "21m00Tcm4TlvDq8ikWAM"
)

// ElevenLabsProvider 文本转语音。接口直接返回音频时同步完成，返回 job_id 时轮询
type ElevenLabsProvider struct {
	apiKey  string
	baseURL string
	voiceID string
	poll    PollConfig
	client  *http.Client
}

func NewElevenLabsProvider(apiKey string, poll PollConfig, baseURL string) *ElevenLabsProvider {
	if baseURL == "" {
		baseURL = elevenLabsBaseURL
	}
	if poll.Attempts == 0 {
		poll = PollConfig{Attempts: 10, Interval: 2 * time.Second}
	}
	return &ElevenLabsProvider{
		apiKey:  apiKey,
		baseURL: strings.TrimRight(baseURL, "/"),
		voiceID: elevenLabsDefaultVoice,
		poll:    poll,
		client:  defaultHTTPClient(),
	}
}

func (p *ElevenLabsProvider) Name() string { return "elevenlabs" }

type elevenLabsJob struct {
	JobID    string `json:"job_id"`
	Status   string `json:"status"`
	AudioURL string `json:"audio_url"`
	Error    string `json:"error"`
}

func (p *ElevenLabsProvider) Submit(ctx context.Context, req Request) (Job, error) {
	voice := req.Voice
	if voice == "" {
		voice = p.voiceID
	}
	httpReq, err := newJSONRequest(ctx, http.MethodPost,
		fmt.Sprintf("%s/text-to-speech/%s", p.baseURL, voice),
		map[string]interface{}{
			"text":     req.Prompt,
			"model_id": "eleven_multilingual_v2",
			"voice_settings": map[string]interface{}{
				"stability":        0.5,
				"similarity_boost": 0.75,
			},
		})
	if err != nil {
		return Job{}, err
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Job{}, apperrors.NewProviderError("elevenlabs request failed", err)
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return Job{}, statusError(p.Name(), resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, apperrors.NewProviderError("elevenlabs read failed", err)
	}

	contentType := resp.Header.Get("Content-Type")
	if !strings.Contains(strings.ToLower(contentType), "json") {
		if contentType == "" {
			contentType = "audio/mpeg"
		}
		res := BytesResult(body, contentType, 0)
		return Job{ID: "direct_audio", Provider: p.Name(), Immediate: &res}, nil
	}

	var job elevenLabsJob
	if err := json.Unmarshal(body, &job); err != nil {
		return Job{}, apperrors.NewProviderError("elevenlabs returned invalid json", err)
	}
	if job.AudioURL != "" {
		res := URLResult(job.AudioURL)
		return Job{ID: "direct_audio", Provider: p.Name(), Immediate: &res}, nil
	}
	if job.JobID == "" {
		return Job{}, apperrors.NewProviderError("elevenlabs returned neither audio nor job id", nil)
	}
	return Job{ID: job.JobID, Provider: p.Name()}, nil
}

func (p *ElevenLabsProvider) Result(ctx context.Context, job Job) (Result, error) {
	if job.Immediate != nil {
		return *job.Immediate, nil
	}
	return Poll(ctx, p.poll, p.Name(), func(ctx context.Context) (PollStatus, Result, error) {
		httpReq, err := newJSONRequest(ctx, http.MethodGet, fmt.Sprintf("%s/jobs/%s", p.baseURL, job.ID), nil)
		if err != nil {
			return PollPending, Result{}, err
		}
		p.authorize(httpReq)

		resp, err := p.client.Do(httpReq)
		if err != nil {
			return PollPending, Result{}, err
		}
		defer resp.Body.Close()
		if !isSuccess(resp.StatusCode) {
			return PollPending, Result{}, statusError(p.Name(), resp)
		}

		var status elevenLabsJob
		if err := decodeJSON(resp, &status); err != nil {
			return PollPending, Result{}, err
		}
		switch strings.ToUpper(status.Status) {
		case "COMPLETED":
			if status.AudioURL == "" {
				return PollPending, Result{}, nil
			}
			return PollDone, URLResult(status.AudioURL), nil
		case "FAILED":
			return PollFailed, Result{}, errors.New(orUnknown(status.Error))
		default:
			return PollPending, Result{}, nil
		}
	})
}

func (p *ElevenLabsProvider) authorize(req *http.Request) {
	req.Header.Set("xi-api-key", p.apiKey)
}

func orUnknown(msg string) string {
	if msg == "" {
		return "unknown error"
	}
	return msg
}
