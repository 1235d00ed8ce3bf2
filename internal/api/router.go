// internal/api/router.go
package api

import (
	"fmt"
	"os"
	"time"

	"github.com/gin-contrib/cors"
	"github.com/gin-gonic/gin"

	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/di"
	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

const (
	serviceRateLimiter = "rate_limiter"

	createRateLimit  = 10
	respondRateLimit = 30
	rateLimitWindow  = time.Minute
)

// SetupRouter 从容器取服务并配置HTTP路由
func SetupRouter(container *di.Container) (*gin.Engine, error) {
	cfg, err := di.Resolve[*config.AppConfig](container, di.ServiceConfig)
	if err != nil {
		return nil, fmt.Errorf("config not initialized: %w", err)
	}
	simulations, err := di.Resolve[*services.SimulationService](container, di.ServiceSimulation)
	if err != nil {
		return nil, fmt.Errorf("simulation service not initialized: %w", err)
	}
	hub, err := di.Resolve[*WebSocketHub](container, di.ServiceHub)
	if err != nil {
		return nil, fmt.Errorf("websocket hub not initialized: %w", err)
	}
	metrics, err := di.Resolve[*utils.MetricsCollector](container, di.ServiceMetrics)
	if err != nil {
		metrics = utils.GetMetricsCollector()
	}
	llmStatus, _ := container.Get(di.ServiceLLM).(LLMStatus)
	health, _ := container.Get(di.ServiceHealth).(HealthInfo)

	limiter := NewRateLimiter(10 * time.Minute)
	container.Register(serviceRateLimiter, limiter)

	handler := NewHandler(simulations, hub, llmStatus, health)

	if !cfg.DebugMode {
		gin.SetMode(gin.ReleaseMode)
	}
	r := gin.New()
	r.Use(gin.Recovery())
	r.Use(RequestIDMiddleware())
	r.Use(cors.New(corsConfig(cfg.AllowedOrigins)))
	r.Use(MetricsMiddleware(metrics))
	r.Use(LoggingMiddleware())

	if cfg.MediaDir != "" {
		if err := os.MkdirAll(cfg.MediaDir, 0755); err != nil {
			return nil, fmt.Errorf("create media dir: %w", err)
		}
		r.Static("/media", cfg.MediaDir)
	}

	r.GET("/metrics", gin.WrapH(metrics.Handler()))

	api := r.Group("/api")
	{
		api.GET("/health", handler.Health)

		simulationsGroup := api.Group("/simulations")
		{
			simulationsGroup.GET("", handler.ListSimulations)
			simulationsGroup.POST("", RateLimitByIP(limiter, createRateLimit, rateLimitWindow), handler.CreateSimulation)
			simulationsGroup.GET("/:id", handler.GetSimulation)
			simulationsGroup.DELETE("/:id", handler.DeleteSimulation)
			simulationsGroup.POST("/:id/respond", RateLimitByIP(limiter, respondRateLimit, rateLimitWindow), handler.RespondToSimulation)
			simulationsGroup.POST("/:id/developer-mode", handler.SetDeveloperMode)
			simulationsGroup.GET("/:id/history", handler.GetHistory)
		}

		wsGroup := api.Group("/ws")
		{
			wsGroup.GET("/status", handler.WebSocketStatus)
			wsGroup.GET("/simulations/:id", handler.SimulationWebSocket)
		}
	}

	return r, nil
}

// corsConfig 未配置来源时允许全部
func corsConfig(origins []string) cors.Config {
	c := cors.Config{
		AllowMethods:     []string{"GET", "POST", "PUT", "DELETE", "OPTIONS"},
		AllowHeaders:     []string{"Origin", "Content-Type", "Accept", "Authorization", requestIDHeader},
		ExposeHeaders:    []string{requestIDHeader, "X-RateLimit-Limit", "X-RateLimit-Remaining", "X-RateLimit-Reset"},
		AllowCredentials: false,
		MaxAge:           12 * time.Hour,
	}
	if len(origins) == 0 {
		c.AllowAllOrigins = true
	} else {
		c.AllowOrigins = origins
	}
	return c
}
