// internal/app/app.go
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/CrisisSimMCP/internal/api"
	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/di"
	"github.com/Corphon/CrisisSimMCP/internal/media"
	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
	"github.com/Corphon/CrisisSimMCP/internal/utils"

	// 注册 LLM 提供者
	_ "github.com/Corphon/CrisisSimMCP/internal/llm/providers/google"
	_ "github.com/Corphon/CrisisSimMCP/internal/llm/providers/groq"
)

const shutdownTimeout = 30 * time.Second

// App 进程级应用实例
type App struct {
	mu        sync.Mutex
	config    *config.AppConfig
	container *di.Container
	router    *gin.Engine
	stopChan  chan struct{}
	stopOnce  sync.Once
}

var (
	instance   *App
	instanceMu sync.Mutex
)

// GetApp 获取应用单例
func GetApp() *App {
	instanceMu.Lock()
	defer instanceMu.Unlock()

	if instance == nil {
		instance = &App{
			container: di.GetContainer(),
			stopChan:  make(chan struct{}),
		}
	}
	return instance
}

// InitServices 按依赖顺序创建服务并注册到容器
func InitServices() error {
	cfg := config.GetCurrentConfig()
	if cfg == nil {
		return errors.New("config not initialized")
	}
	return GetApp().initServices(context.Background(), cfg)
}

func (a *App) initServices(ctx context.Context, cfg *config.AppConfig) error {
	a.mu.Lock()
	defer a.mu.Unlock()

	a.config = cfg
	if err := initLogger(cfg); err != nil {
		return err
	}
	logger := utils.GetLogger()
	c := a.container

	c.Register(di.ServiceConfig, cfg)
	metrics := utils.GetMetricsCollector()
	c.Register(di.ServiceMetrics, metrics)

	// 1. 语言模型
	llmService := services.NewLLMService(cfg)
	c.Register(di.ServiceLLM, llmService)
	logger.Info("LLM service initialized", map[string]interface{}{
		"state":     llmService.GetReadyState(),
		"providers": llmService.ProviderNames(),
		"models":    cfg.LLMModels,
	})

	// 2. 会话存储
	store, err := newSessionStore(cfg)
	if err != nil {
		return err
	}
	c.Register(di.ServiceStore, store)

	// 3. 媒体
	mediaStore, mediaStoreName, err := newObjectStore(ctx, cfg)
	if err != nil {
		return err
	}
	c.Register(di.ServiceMediaStore, mediaStore)

	video := newMediaProvider(cfg.VideoProvider, cfg)
	audio := newMediaProvider(cfg.AudioProvider, cfg)
	coordinator := services.NewMediaCoordinator(video, audio, services.NewMediaPublisher(mediaStore), services.MediaCoordinatorConfig{
		FallbackVideoURL: cfg.FallbackVideoURL,
		FallbackAudioURL: cfg.FallbackAudioURL,
	})

	// 4. 事件发布
	hub := api.NewWebSocketHub()
	c.Register(di.ServiceHub, hub)
	publishers := services.MultiPublisher{hub}
	if cfg.NATSURL != "" {
		natsPublisher, err := services.NewNATSPublisher(cfg.NATSURL)
		if err != nil {
			logger.Warn("NATS unavailable, continuing without it", map[string]interface{}{"error": err.Error()})
		} else {
			c.Register("nats_publisher", natsPublisher)
			publishers = append(publishers, natsPublisher)
		}
	}
	if cfg.WebhookURL != "" {
		webhook := services.NewWebhookPublisher(cfg.WebhookURL, cfg.FallbackVideoURL)
		c.Register("webhook_publisher", webhook)
		publishers = append(publishers, webhook)
	}

	// 5. 模拟编排
	simulations := services.NewSimulationService(store,
		services.NewScenarioGenerator(llmService, cfg.LLMModels),
		services.NewVideoPromptGenerator(llmService, cfg.LLMModels),
		coordinator,
		publishers,
		services.SimulationOptions{
			MaxTurns:         cfg.MaxTurns,
			MediaPathway:     cfg.MediaPathway,
			FallbackVideoURL: cfg.FallbackVideoURL,
			FallbackAudioURL: cfg.FallbackAudioURL,
		})
	c.Register(di.ServiceSimulation, simulations)

	health := api.HealthInfo{
		StoreBackend: cfg.StoreBackend,
		MediaStore:   mediaStoreName,
		MediaPathway: cfg.MediaPathway,
	}
	if video != nil {
		health.VideoProvider = video.Name()
	}
	if audio != nil {
		health.AudioProvider = audio.Name()
	}
	c.Register(di.ServiceHealth, health)

	logger.Info("Services initialized", map[string]interface{}{
		"store":    cfg.StoreBackend,
		"media":    mediaStoreName,
		"pathway":  cfg.MediaPathway,
		"services": c.GetNames(),
	})
	return nil
}

func initLogger(cfg *config.AppConfig) error {
	if cfg.LogDir != "" {
		if err := utils.InitLogger(utils.DailyLogPath(cfg.LogDir, time.Now())); err != nil {
			return fmt.Errorf("init logger: %w", err)
		}
	}
	level := utils.ParseLogLevel(cfg.LogLevel)
	if cfg.DebugMode {
		level = utils.DEBUG
	}
	utils.GetLogger().SetLogLevel(level)
	return nil
}

func newSessionStore(cfg *config.AppConfig) (storage.SessionStore, error) {
	switch cfg.StoreBackend {
	case config.StoreSQLite:
		store, err := storage.NewSQLiteSessionStore(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return store, nil
	default:
		store, err := storage.NewFileSessionStore(cfg.DataDir)
		if err != nil {
			return nil, fmt.Errorf("open file store: %w", err)
		}
		return store, nil
	}
}

// newObjectStore R2 凭据齐全时使用 R2，否则写本地 media 目录
func newObjectStore(ctx context.Context, cfg *config.AppConfig) (storage.ObjectStore, string, error) {
	if cfg.R2.Enabled() {
		r2, err := storage.NewR2Store(ctx, storage.R2Options{
			Endpoint:        cfg.R2.Endpoint,
			AccessKeyID:     cfg.R2.AccessKeyID,
			SecretAccessKey: cfg.R2.SecretAccessKey,
			Bucket:          cfg.R2.BucketName,
			PublicAccess:    cfg.R2.PublicAccess,
			URLExpiry:       time.Duration(cfg.R2.URLExpiry) * time.Second,
		})
		if err != nil {
			return nil, "", fmt.Errorf("connect r2: %w", err)
		}
		return r2, "r2", nil
	}

	local, err := storage.NewLocalMediaStore(cfg.MediaDir)
	if err != nil {
		return nil, "", fmt.Errorf("open local media dir: %w", err)
	}
	return local, "local", nil
}

// newMediaProvider 缺少密钥时返回 nil，该媒体始终使用兜底URL
func newMediaProvider(name string, cfg *config.AppConfig) media.Provider {
	if strings.TrimSpace(name) == "" || name == "none" {
		return nil
	}
	p, err := media.NewProvider(name, media.ProviderConfig{
		RunwayAPIKey:      cfg.RunwayAPIKey,
		HuggingFaceAPIKey: cfg.HuggingFaceAPIKey,
		ElevenLabsAPIKey:  cfg.ElevenLabsAPIKey,
		GroqAPIKey:        cfg.GroqAPIKey,
		RunwayPoll:        media.PollConfig{Attempts: cfg.Polling.RunwayAttempts, Interval: cfg.Polling.RunwayInterval},
		ElevenLabsPoll:    media.PollConfig{Attempts: cfg.Polling.ElevenLabsAttempts, Interval: cfg.Polling.ElevenLabsInterval},
	})
	if err != nil {
		utils.GetLogger().Warn("Media provider disabled", map[string]interface{}{
			"provider": name,
			"error":    err.Error(),
		})
		return nil
	}
	return p
}

// SimulationService 从容器取出模拟服务
func (a *App) SimulationService() (*services.SimulationService, error) {
	return di.Resolve[*services.SimulationService](a.container, di.ServiceSimulation)
}

// Router 懒加载 gin 路由
func (a *App) Router() (*gin.Engine, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if a.router != nil {
		return a.router, nil
	}
	router, err := api.SetupRouter(a.container)
	if err != nil {
		return nil, err
	}
	a.router = router
	return router, nil
}

// Run 启动 HTTP 服务，ctx 取消或 Stop 后优雅关闭
func (a *App) Run(ctx context.Context) error {
	router, err := a.Router()
	if err != nil {
		return err
	}

	srv := &http.Server{
		Addr:              ":" + a.GetConfig().Port,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		utils.GetLogger().Info("HTTP server listening", map[string]interface{}{"addr": srv.Addr})
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err, ok := <-errCh:
		if ok {
			return fmt.Errorf("http server: %w", err)
		}
		return nil
	case <-ctx.Done():
	case <-a.stopChan:
	}

	utils.GetLogger().Info("Shutting down HTTP server", nil)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutdown: %w", err)
	}
	return nil
}

// Stop 通知 Run 退出
func (a *App) Stop() {
	a.stopOnce.Do(func() { close(a.stopChan) })
}

// Cleanup 按注册逆序关闭服务
func (a *App) Cleanup() {
	for _, closeFn := range a.container.Closers() {
		if err := closeFn(); err != nil {
			utils.GetLogger().Warn("Cleanup error", map[string]interface{}{"error": err.Error()})
		}
	}
	utils.GetLogger().Info("Application stopped", nil)
	_ = utils.GetLogger().Close()
}

// GetConfig 获取当前配置
func (a *App) GetConfig() *config.AppConfig {
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.config == nil {
		a.config = config.GetCurrentConfig()
	}
	return a.config
}

// GetDIContainer 获取依赖注入容器
func (a *App) GetDIContainer() *di.Container {
	return a.container
}

// IsDebugMode 是否处于调试模式
func (a *App) IsDebugMode() bool {
	cfg := a.GetConfig()
	return cfg != nil && cfg.DebugMode
}
