// internal/media/provider.go
package media

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
)

// Kind 区分结果是远程地址还是原始字节
type Kind int

const (
	KindURL Kind = iota + 1
	KindBytes
)

func (k Kind) String() string {
	switch k {
	case KindURL:
		return "url"
	case KindBytes:
		return "bytes"
	default:
		return "unknown"
	}
}

// Request 一次媒体生成请求
type Request struct {
	Prompt string
	Turn   int
	Voice  string // 仅音频
}

// Job 提交后的句柄。Immediate 非空表示提供者同步返回了结果
type Job struct {
	ID        string
	Provider  string
	Immediate *Result
}

// Result 规范化后的媒体结果：要么 URL，要么字节
type Result struct {
	Kind         Kind
	URL          string
	Data         []byte
	SamplingRate int
	ContentType  string
}

func URLResult(url string) Result {
	return Result{Kind: KindURL, URL: url}
}

func BytesResult(data []byte, contentType string, samplingRate int) Result {
	return Result{Kind: KindBytes, Data: data, ContentType: contentType, SamplingRate: samplingRate}
}

// Validate 空地址或空字节视为失败
func (r Result) Validate() error {
	switch r.Kind {
	case KindURL:
		if strings.TrimSpace(r.URL) == "" {
			return errors.New("media result has empty url")
		}
	case KindBytes:
		if len(r.Data) == 0 {
			return errors.New("media result has no data")
		}
	default:
		return fmt.Errorf("media result has unknown kind %d", r.Kind)
	}
	return nil
}

// Extension 根据内容类型推断文件扩展名
func (r Result) Extension() string {
	ct := strings.ToLower(r.ContentType)
	switch {
	case strings.Contains(ct, "wav"):
		return ".wav"
	case strings.Contains(ct, "mpeg"), strings.Contains(ct, "mp3"):
		return ".mp3"
	case strings.Contains(ct, "webm"):
		return ".webm"
	case strings.HasPrefix(ct, "audio/"):
		return ".mp3"
	default:
		return ".mp4"
	}
}

// Provider 媒体提供者的两阶段契约
type Provider interface {
	Name() string
	Submit(ctx context.Context, req Request) (Job, error)
	Result(ctx context.Context, job Job) (Result, error)
}

// Generate 统一入口：提交后若有同步结果直接返回，否则取结果
func Generate(ctx context.Context, p Provider, req Request) (Result, error) {
	job, err := p.Submit(ctx, req)
	if err != nil {
		return Result{}, err
	}

	var res Result
	if job.Immediate != nil {
		res = *job.Immediate
	} else {
		res, err = p.Result(ctx, job)
		if err != nil {
			return Result{}, err
		}
	}
	if err := res.Validate(); err != nil {
		return Result{}, apperrors.NewProviderError("invalid result from "+p.Name(), err)
	}
	return res, nil
}

// PollConfig 轮询总等待不超过 Attempts × Interval
type PollConfig struct {
	Attempts int
	Interval time.Duration
}

// PollStatus 一次状态检查的结果
type PollStatus int

const (
	PollPending PollStatus = iota
	PollDone
	PollFailed
)

// Poll 以固定间隔检查任务状态，次数用尽返回超时错误
func Poll(ctx context.Context, cfg PollConfig, name string, check func(ctx context.Context) (PollStatus, Result, error)) (Result, error) {
	attempts := cfg.Attempts
	if attempts < 1 {
		attempts = 1
	}

	var lastErr error
	for attempt := 1; attempt <= attempts; attempt++ {
		status, res, err := check(ctx)
		switch {
		case err != nil && status == PollFailed:
			return Result{}, apperrors.NewProviderError(name+" job failed", err)
		case err != nil:
			// 单次检查出错不终止轮询
			lastErr = err
		case status == PollDone:
			return res, nil
		case status == PollFailed:
			return Result{}, apperrors.NewProviderError(name+" job failed", nil)
		}

		if attempt == attempts {
			break
		}
		timer := time.NewTimer(cfg.Interval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return Result{}, apperrors.NewTimeoutError(name+" polling cancelled", ctx.Err())
		case <-timer.C:
		}
	}
	return Result{}, apperrors.NewTimeoutError(
		fmt.Sprintf("%s job not ready after %d attempts", name, attempts), lastErr)
}
