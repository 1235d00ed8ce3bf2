// internal/services/llm_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/llm"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

var ErrLLMNotReady = errors.New("llm service not ready")

const (
	providerGoogle = "google"
	providerGroq   = "groq"
)

// TextCompleter 场景与视频提示生成依赖的最小模型接口
type TextCompleter interface {
	CompleteWithModel(ctx context.Context, model, prompt string) (*llm.CompletionResponse, error)
}

// LLMService 按模型名路由到对应提供者，并对瞬时错误重试
type LLMService struct {
	providerMutex sync.RWMutex
	providers     map[string]llm.Provider
	readyState    string
	retry         llm.RetryConfig
	metrics       *utils.MetricsCollector
}

// NewLLMService 根据配置中的 API 密钥初始化可用的提供者
func NewLLMService(cfg *config.AppConfig) *LLMService {
	service := NewEmptyLLMService()
	if cfg == nil {
		service.readyState = "Failed to retrieve configuration"
		return service
	}

	keys := map[string]string{
		providerGoogle: cfg.GoogleAPIKey,
		providerGroq:   cfg.GroqAPIKey,
	}
	var failures []string
	for _, name := range llm.ListProviders() {
		key := keys[name]
		if key == "" {
			continue
		}
		if err := service.UpdateProvider(name, map[string]string{"api_key": key}); err != nil {
			failures = append(failures, fmt.Sprintf("%s: %v", name, err))
		}
	}

	service.providerMutex.Lock()
	defer service.providerMutex.Unlock()
	switch {
	case len(service.providers) > 0:
		service.readyState = "Ready"
	case len(failures) > 0:
		sort.Strings(failures)
		service.readyState = "Initialization failed: " + strings.Join(failures, "; ")
	default:
		service.readyState = "API key not configured"
	}
	return service
}

// NewEmptyLLMService 创建一个空的LLM服务实例作为后备方案
func NewEmptyLLMService() *LLMService {
	return &LLMService{
		providers:  make(map[string]llm.Provider),
		readyState: "Uninitialized",
		retry:      llm.DefaultRetryConfig(),
		metrics:    utils.GetMetricsCollector(),
	}
}

// SetRetryConfig 替换重试参数
func (s *LLMService) SetRetryConfig(cfg llm.RetryConfig) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.retry = cfg
}

// UpdateProvider 初始化并登记一个提供者，同名提供者会被替换
func (s *LLMService) UpdateProvider(providerName string, cfg map[string]string) error {
	provider, err := llm.GetProvider(providerName, cfg)
	if err != nil {
		utils.GetLogger().Warn("LLM provider initialization failed", map[string]interface{}{
			"provider": providerName,
			"error":    err.Error(),
		})
		return err
	}
	s.setProvider(providerName, provider)
	return nil
}

func (s *LLMService) setProvider(name string, provider llm.Provider) {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()
	s.providers[name] = provider
	s.readyState = "Ready"
}

// IsReady 至少有一个提供者可用
func (s *LLMService) IsReady() bool {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return len(s.providers) > 0
}

// GetReadyState 返回服务就绪状态描述
func (s *LLMService) GetReadyState() string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	return s.readyState
}

// ProviderNames 已初始化的提供者（排序后）
func (s *LLMService) ProviderNames() []string {
	s.providerMutex.RLock()
	defer s.providerMutex.RUnlock()
	names := make([]string, 0, len(s.providers))
	for name := range s.providers {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// providerForModel 先查各提供者的推荐模型，未命中时 gemini 系列走 Google，其余走 Groq
func providerForModel(model string) string {
	for _, name := range llm.ListProviders() {
		for _, m := range llm.GetSupportedModelsForProvider(name) {
			if m == model {
				return name
			}
		}
	}
	if strings.HasPrefix(strings.ToLower(model), "gemini") {
		return providerGoogle
	}
	return providerGroq
}

// CompleteWithModel 用指定模型完成一次文本生成
func (s *LLMService) CompleteWithModel(ctx context.Context, model, prompt string) (*llm.CompletionResponse, error) {
	providerName := providerForModel(model)

	s.providerMutex.RLock()
	provider, ok := s.providers[providerName]
	retry := s.retry
	s.providerMutex.RUnlock()

	if !ok {
		s.metrics.RecordLLMCall(model, "unavailable")
		return nil, fmt.Errorf("%w: no %s provider for model %s", ErrLLMNotReady, providerName, model)
	}

	start := time.Now()
	var resp *llm.CompletionResponse
	err := retry.Do(ctx, func(ctx context.Context) error {
		r, err := provider.CompleteText(ctx, llm.CompletionRequest{
			Prompt: prompt,
			Model:  model,
		})
		if err != nil {
			utils.GetLogger().Warn("LLM call attempt failed", map[string]interface{}{
				"provider":  providerName,
				"model":     model,
				"transient": llm.IsTransient(err),
				"error":     err.Error(),
			})
			return err
		}
		resp = r
		return nil
	})
	if err != nil {
		s.metrics.RecordLLMCall(model, "error")
		return nil, err
	}

	s.metrics.RecordLLMCall(model, "success")
	s.metrics.RecordLLMTokens(providerName, resp.TokensUsed)
	utils.GetLogger().Debug("LLM request completed", map[string]interface{}{
		"provider":    providerName,
		"model":       model,
		"tokens":      resp.TokensUsed,
		"duration_ms": time.Since(start).Milliseconds(),
	})
	return resp, nil
}

// Close 释放持有连接的提供者
func (s *LLMService) Close() error {
	s.providerMutex.Lock()
	defer s.providerMutex.Unlock()

	var errs []error
	for _, p := range s.providers {
		if closer, ok := p.(interface{ Close() error }); ok {
			if err := closer.Close(); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}
