// internal/media/huggingface.go
package media

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"strings"

	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
)

// 经 HuggingFace 路由到 fal-ai 的 LTX-Video
const huggingFaceVideoURL = "https://router.huggingface.co/fal-ai/fal-ai/ltx-video"

// HuggingFaceProvider 同步视频生成，响应可能是视频字节，也可能是带地址的 JSON
type HuggingFaceProvider struct {
	apiKey   string
	endpoint string
	client   *http.Client
}

func NewHuggingFaceProvider(apiKey, endpoint string) *HuggingFaceProvider {
	if endpoint == "" {
		endpoint = huggingFaceVideoURL
	}
	return &HuggingFaceProvider{apiKey: apiKey, endpoint: endpoint, client: defaultHTTPClient()}
}

func (p *HuggingFaceProvider) Name() string { return "huggingface" }

func (p *HuggingFaceProvider) Submit(ctx context.Context, req Request) (Job, error) {
	httpReq, err := newJSONRequest(ctx, http.MethodPost, p.endpoint, map[string]interface{}{
		"prompt": req.Prompt,
	})
	if err != nil {
		return Job{}, err
	}
	httpReq.Header.Set("Authorization", "Bearer "+p.apiKey)

	resp, err := p.client.Do(httpReq)
	if err != nil {
		return Job{}, apperrors.NewProviderError("huggingface request failed", err)
	}
	defer resp.Body.Close()
	if !isSuccess(resp.StatusCode) {
		return Job{}, statusError(p.Name(), resp)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return Job{}, apperrors.NewProviderError("huggingface read failed", err)
	}

	res, err := p.normalize(resp.Header.Get("Content-Type"), body)
	if err != nil {
		return Job{}, err
	}
	return Job{ID: "direct", Provider: p.Name(), Immediate: &res}, nil
}

// Result 同步提供者，结果只能来自 Submit
func (p *HuggingFaceProvider) Result(_ context.Context, job Job) (Result, error) {
	if job.Immediate != nil {
		return *job.Immediate, nil
	}
	return Result{}, apperrors.NewProviderError("huggingface has no pending jobs", nil)
}

// normalize JSON 响应取 video.url，其余按视频字节处理
func (p *HuggingFaceProvider) normalize(contentType string, body []byte) (Result, error) {
	if strings.Contains(strings.ToLower(contentType), "json") {
		var payload struct {
			Video struct {
				URL         string `json:"url"`
				ContentType string `json:"content_type"`
			} `json:"video"`
			URL string `json:"url"`
		}
		if err := json.Unmarshal(body, &payload); err != nil {
			return Result{}, apperrors.NewProviderError("huggingface returned invalid json", err)
		}
		url := payload.Video.URL
		if url == "" {
			url = payload.URL
		}
		if url == "" {
			return Result{}, apperrors.NewProviderError("huggingface returned no video", nil)
		}
		return URLResult(url), nil
	}

	if contentType == "" || strings.HasPrefix(contentType, "application/octet-stream") {
		contentType = "video/mp4"
	}
	return BytesResult(body, contentType, 0), nil
}
