// internal/services/media_coordinator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/Corphon/CrisisSimMCP/internal/media"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

const (
	mediaVideo = "video"
	mediaAudio = "audio"

	outcomeSuccess  = "success"
	outcomeFallback = "fallback"
)

var errProviderUnavailable = errors.New("media provider not configured")

// MediaPublisher 把字节结果上传到对象存储并返回可访问的URL
type MediaPublisher struct {
	store storage.ObjectStore
	now   func() time.Time
}

func NewMediaPublisher(store storage.ObjectStore) *MediaPublisher {
	return &MediaPublisher{store: store, now: time.Now}
}

// Resolve URL结果原样返回，字节结果上传到 videos/ 或 audio/
func (p *MediaPublisher) Resolve(ctx context.Context, kind string, stem string, res media.Result) (string, error) {
	switch res.Kind {
	case media.KindURL:
		return res.URL, nil
	case media.KindBytes:
		if p == nil || p.store == nil {
			return "", errors.New("no media store configured for byte results")
		}
		dir := "videos"
		if kind == mediaAudio {
			dir = "audio"
		}
		key := fmt.Sprintf("%s/%s_%d%s", dir, stem, p.now().Unix(), res.Extension())
		return p.store.Upload(ctx, res.Data, res.ContentType, key)
	default:
		return "", fmt.Errorf("unsupported media result kind %v", res.Kind)
	}
}

// MediaCoordinatorConfig 兜底URL
type MediaCoordinatorConfig struct {
	FallbackVideoURL string
	FallbackAudioURL string
}

// TurnMedia 一个回合的视频与音频结果
type TurnMedia struct {
	VideoURL      string `json:"video_url"`
	AudioURL      string `json:"audio_url"`
	VideoFallback bool   `json:"video_fallback"`
	AudioFallback bool   `json:"audio_fallback"`
}

// MediaCoordinator 并发生成视频和音频，各自独立降级
type MediaCoordinator struct {
	video     media.Provider
	audio     media.Provider
	publisher *MediaPublisher
	cfg       MediaCoordinatorConfig
	metrics   *utils.MetricsCollector
}

func NewMediaCoordinator(video, audio media.Provider, publisher *MediaPublisher, cfg MediaCoordinatorConfig) *MediaCoordinator {
	return &MediaCoordinator{
		video:     video,
		audio:     audio,
		publisher: publisher,
		cfg:       cfg,
		metrics:   utils.GetMetricsCollector(),
	}
}

// GeneratePair 视频与音频并发执行，全部完成后返回。
// 空的视频提示不生成视频；失败的一方替换为兜底URL。
func (c *MediaCoordinator) GeneratePair(ctx context.Context, turn int, videoPrompt, narration string) TurnMedia {
	var (
		wg  sync.WaitGroup
		out TurnMedia
	)

	if strings.TrimSpace(videoPrompt) != "" {
		wg.Add(1)
		go func() {
			defer wg.Done()
			url, err := c.generate(ctx, mediaVideo, c.video, turn, fmt.Sprintf("turn_%d", turn), media.Request{Prompt: videoPrompt, Turn: turn})
			if err != nil {
				out.VideoURL, out.VideoFallback = c.cfg.FallbackVideoURL, true
				return
			}
			out.VideoURL = url
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		url, err := c.generate(ctx, mediaAudio, c.audio, turn, fmt.Sprintf("turn_%d", turn), media.Request{Prompt: narration, Turn: turn})
		if err != nil {
			out.AudioURL, out.AudioFallback = c.cfg.FallbackAudioURL, true
			return
		}
		out.AudioURL = url
	}()

	wg.Wait()
	return out
}

// GenerateSceneBatch 四个分镜并发生成并等待全部完成；任何一个失败或URL为空则整批丢弃，返回空切片
func (c *MediaCoordinator) GenerateSceneBatch(ctx context.Context, turn int, scenes []string) []string {
	if len(scenes) == 0 {
		return []string{}
	}

	// 不使用 errgroup.WithContext：一个分镜失败不取消其余分镜
	var g errgroup.Group
	urls := make([]string, len(scenes))
	for i, scene := range scenes {
		i, scene := i, scene
		g.Go(func() error {
			stem := fmt.Sprintf("turn_%d_scene_%d", turn, i+1)
			url, err := c.generate(ctx, mediaVideo, c.video, turn, stem, media.Request{Prompt: scene, Turn: turn})
			if err != nil {
				return fmt.Errorf("scene %d: %w", i+1, err)
			}
			if url == "" {
				return fmt.Errorf("scene %d: empty url", i+1)
			}
			urls[i] = url
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		utils.GetLogger().Warn("Scene batch failed", map[string]interface{}{
			"turn":  turn,
			"error": err.Error(),
		})
		return []string{}
	}
	return urls
}

func (c *MediaCoordinator) generate(ctx context.Context, kind string, p media.Provider, turn int, stem string, req media.Request) (string, error) {
	start := time.Now()
	url, err := c.safeGenerateURL(ctx, kind, p, stem, req)
	elapsed := time.Since(start)

	fields := map[string]interface{}{
		"media":       kind,
		"turn":        turn,
		"duration_ms": elapsed.Milliseconds(),
	}
	if p != nil {
		fields["provider"] = p.Name()
	}
	if err != nil {
		fields["error"] = err.Error()
		utils.GetLogger().Warn("Media generation failed, using fallback", fields)
		c.metrics.RecordMediaGeneration(kind, outcomeFallback, elapsed)
		return "", err
	}
	utils.GetLogger().Info("Media generated", fields)
	c.metrics.RecordMediaGeneration(kind, outcomeSuccess, elapsed)
	return url, nil
}

// safeGenerateURL 在任务 goroutine 中运行，适配器 panic 转为错误
func (c *MediaCoordinator) safeGenerateURL(ctx context.Context, kind string, p media.Provider, stem string, req media.Request) (url string, err error) {
	defer func() {
		if r := recover(); r != nil {
			url, err = "", fmt.Errorf("%s provider panicked: %v", kind, r)
		}
	}()
	return c.generateURL(ctx, kind, p, stem, req)
}

func (c *MediaCoordinator) generateURL(ctx context.Context, kind string, p media.Provider, stem string, req media.Request) (string, error) {
	if p == nil {
		return "", errProviderUnavailable
	}
	if strings.TrimSpace(req.Prompt) == "" {
		return "", errors.New("empty media prompt")
	}
	res, err := media.Generate(ctx, p, req)
	if err != nil {
		return "", err
	}
	return c.publisher.Resolve(ctx, kind, stem, res)
}
