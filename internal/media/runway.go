// internal/media/runway.go
package media

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
)

const runwayBaseURL = "https://api.runwayml.com/v1"

// RunwayProvider 异步视频生成：提交后轮询 COMPLETED / FAILED
type RunwayProvider struct {
	apiKey  string
	baseURL string
	model   string
	poll    PollConfig
	client  *http.Client
}

type RunwayOption func(*RunwayProvider)

func WithRunwayBaseURL(url string) RunwayOption {
	return func(p *RunwayProvider) { p.baseURL = strings.TrimRight(url, "/") }
}

func WithRunwayPoll(cfg PollConfig) RunwayOption {
	return func(p *RunwayProvider) { p.poll = cfg }
}

func NewRunwayProvider(apiKey string, opts ...RunwayOption) *RunwayProvider {
	p := &RunwayProvider{
		apiKey:  apiKey,
		baseURL: runwayBaseURL,
		model:   "text-to-video",
		poll:    PollConfig{Attempts: 30, Interval: 5 * time.Second},
		client:  defaultHTTPClient(),
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

func (p *RunwayProvider) Name() string { return "runway" }

type runwayGeneration struct {
	ID     string `json:"id"`
	Status string `json:"status"`
	Output struct {
		Video string `json:"video"`
	} `json:"output"`
	Error string `json:"error"`
}

func (p *RunwayProvider) Submit(ctx context.Context, req Request) (Job, error) {
	payload := map[string]interface{}{
		"model": p.model,
		"input": map[string]interface{}{
			"prompt":     req.Prompt,
			"num_frames": 24,
			"fps":        8,
			"quality":    "high",
		},
	}
	httpReq, err := newJSONRequest(ctx, http.MethodPost, p.baseURL+"/generations", payload)
	if err != nil {
		return Job{}, err
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Job{}, apperrors.NewProviderError("runway submit failed", err)
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return Job{}, statusError(p.Name(), resp)
	}

	var gen runwayGeneration
	if err := decodeJSON(resp, &gen); err != nil {
		return Job{}, apperrors.NewProviderError("runway submit failed", err)
	}
	if gen.ID == "" {
		return Job{}, apperrors.NewProviderError("runway returned no job id", nil)
	}
	return Job{ID: gen.ID, Provider: p.Name()}, nil
}

func (p *RunwayProvider) Result(ctx context.Context, job Job) (Result, error) {
	return Poll(ctx, p.poll, p.Name(), func(ctx context.Context) (PollStatus, Result, error) {
		gen, err := p.status(ctx, job.ID)
		if err != nil {
			return PollPending, Result{}, err
		}
		switch strings.ToUpper(gen.Status) {
		case "COMPLETED", "SUCCEEDED":
			if gen.Output.Video == "" {
				return PollFailed, Result{}, errors.New("completed without video url")
			}
			return PollDone, URLResult(gen.Output.Video), nil
		case "FAILED":
			msg := gen.Error
			if msg == "" {
				msg = "unknown error"
			}
			return PollFailed, Result{}, errors.New(msg)
		default:
			return PollPending, Result{}, nil
		}
	})
}

func (p *RunwayProvider) status(ctx context.Context, id string) (*runwayGeneration, error) {
	httpReq, err := newJSONRequest(ctx, http.MethodGet, fmt.Sprintf("%s/generations/%s", p.baseURL, id), nil)
	if err != nil {
		return nil, err
	}
	p.authorize(httpReq)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return nil, statusError(p.Name(), resp)
	}

	var gen runwayGeneration
	if err := decodeJSON(resp, &gen); err != nil {
		return nil, err
	}
	return &gen, nil
}

func (p *RunwayProvider) authorize(req *http.Request) {
	req.Header.Set("Authorization", "Bearer "+p.apiKey)
	req.Header.Set("Accept", "application/json")
}
