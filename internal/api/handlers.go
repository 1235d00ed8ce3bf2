// internal/api/handlers.go
package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/services"
)

// LLMStatus 模型服务就绪状态
type LLMStatus interface {
	IsReady() bool
	GetReadyState() string
	ProviderNames() []string
}

// HealthInfo 启动时确定的后端信息
type HealthInfo struct {
	StoreBackend  string `json:"store_backend"`
	MediaStore    string `json:"media_store"`
	MediaPathway  string `json:"media_pathway"`
	VideoProvider string `json:"video_provider,omitempty"`
	AudioProvider string `json:"audio_provider,omitempty"`
}

// Handler 处理API请求
type Handler struct {
	simulations *services.SimulationService
	hub         *WebSocketHub
	llm         LLMStatus
	health      HealthInfo
	startedAt   time.Time
}

// NewHandler 创建API处理器
func NewHandler(simulations *services.SimulationService, hub *WebSocketHub, llmStatus LLMStatus, health HealthInfo) *Handler {
	return &Handler{
		simulations: simulations,
		hub:         hub,
		llm:         llmStatus,
		health:      health,
		startedAt:   time.Now(),
	}
}

// APIResponse 标准API响应格式
type APIResponse struct {
	Success   bool        `json:"success"`
	Data      interface{} `json:"data,omitempty"`
	Error     *APIError   `json:"error,omitempty"`
	Message   string      `json:"message,omitempty"`
	Timestamp time.Time   `json:"timestamp"`
	RequestID string      `json:"request_id,omitempty"`
}

// APIError 标准错误格式
type APIError struct {
	Code    string `json:"code"`
	Message string `json:"message"`
	Details string `json:"details,omitempty"`
}

// CreateSimulationRequest 创建模拟
type CreateSimulationRequest struct {
	InitialPrompt string `json:"initial_prompt"`
	DeveloperMode bool   `json:"developer_mode"`
	MaxTurns      int    `json:"max_turns,omitempty"`
}

// RespondRequest 提交回合回应；turn_number 省略时为当前回合
type RespondRequest struct {
	ResponseText string `json:"response_text" binding:"required"`
	TurnNumber   int    `json:"turn_number,omitempty"`
}

// DeveloperModeRequest 开关开发者模式
type DeveloperModeRequest struct {
	Enabled *bool `json:"enabled" binding:"required"`
}

const maxTurnsLimit = 20

// CreateSimulation POST /api/simulations
func (h *Handler) CreateSimulation(c *gin.Context) {
	var req CreateSimulationRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BadRequest(c, "invalid request body", err.Error())
		return
	}
	if req.MaxTurns < 0 || req.MaxTurns > maxTurnsLimit {
		Response.BadRequest(c, "max_turns must be between 1 and 20")
		return
	}

	maxTurns := req.MaxTurns
	if maxTurns == 0 {
		maxTurns = h.simulations.MaxTurns()
	}

	state, err := h.simulations.CreateSimulationWithTurns(c.Request.Context(), strings.TrimSpace(req.InitialPrompt), req.DeveloperMode, maxTurns)
	if err != nil {
		Response.ServiceError(c, err, ErrorSimulationCreateFailed)
		return
	}
	Response.Created(c, state)
}

// ListSimulations GET /api/simulations
func (h *Handler) ListSimulations(c *gin.Context) {
	states, err := h.simulations.ListSimulations(c.Request.Context())
	if err != nil {
		Response.ServiceError(c, err, ErrorStoreFailed)
		return
	}
	if states == nil {
		states = []*models.SimulationState{}
	}

	if c.Query("view") == "summary" {
		summaries := make([]models.SimulationSummary, 0, len(states))
		for _, s := range states {
			summaries = append(summaries, s.Summary())
		}
		Response.Success(c, summaries)
		return
	}
	Response.Success(c, states)
}

// GetSimulation GET /api/simulations/:id
func (h *Handler) GetSimulation(c *gin.Context) {
	state, ok := h.loadSimulation(c)
	if !ok {
		return
	}
	Response.Success(c, state)
}

// RespondToSimulation POST /api/simulations/:id/respond
func (h *Handler) RespondToSimulation(c *gin.Context) {
	var req RespondRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BadRequest(c, "response_text is required", err.Error())
		return
	}
	if req.TurnNumber < 0 {
		Response.BadRequest(c, "turn_number must be positive")
		return
	}

	state, err := h.simulations.ProcessUserResponseForTurn(c.Request.Context(), c.Param("id"), req.TurnNumber, req.ResponseText)
	if err != nil {
		Response.ServiceError(c, err, ErrorResponseFailed)
		return
	}
	if state == nil {
		Response.NotFound(c, "simulation")
		return
	}
	Response.Success(c, state)
}

// DeleteSimulation DELETE /api/simulations/:id
func (h *Handler) DeleteSimulation(c *gin.Context) {
	deleted, err := h.simulations.DeleteSimulation(c.Request.Context(), c.Param("id"))
	if err != nil {
		Response.ServiceError(c, err, ErrorStoreFailed)
		return
	}
	if !deleted {
		Response.NotFound(c, "simulation")
		return
	}
	c.Status(http.StatusNoContent)
}

// SetDeveloperMode POST /api/simulations/:id/developer-mode
func (h *Handler) SetDeveloperMode(c *gin.Context) {
	var req DeveloperModeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		Response.BadRequest(c, "enabled is required", err.Error())
		return
	}

	state, err := h.simulations.ToggleDeveloperMode(c.Request.Context(), c.Param("id"), *req.Enabled)
	if err != nil {
		Response.ServiceError(c, err, ErrorStoreFailed)
		return
	}
	if state == nil {
		Response.NotFound(c, "simulation")
		return
	}
	Response.Success(c, state)
}

// GetHistory GET /api/simulations/:id/history
func (h *Handler) GetHistory(c *gin.Context) {
	state, ok := h.loadSimulation(c)
	if !ok {
		return
	}
	Response.Success(c, gin.H{
		"simulation_id": state.SimulationID,
		"history_text":  state.HistoryText(),
	})
}

// Health GET /api/health
func (h *Handler) Health(c *gin.Context) {
	llmState := gin.H{"ready": false, "state": "not_configured", "providers": []string{}}
	if h.llm != nil {
		llmState = gin.H{
			"ready":     h.llm.IsReady(),
			"state":     h.llm.GetReadyState(),
			"providers": h.llm.ProviderNames(),
		}
	}

	status := "ok"
	if ready, _ := llmState["ready"].(bool); !ready {
		status = "degraded"
	}

	Response.Success(c, gin.H{
		"status":     status,
		"llm":        llmState,
		"backends":   h.health,
		"max_turns":  h.simulations.MaxTurns(),
		"uptime_s":   int(time.Since(h.startedAt).Seconds()),
		"websockets": h.hub.GetStatus()["total_connections"],
	})
}

func (h *Handler) loadSimulation(c *gin.Context) (*models.SimulationState, bool) {
	state, err := h.simulations.GetSimulation(c.Request.Context(), c.Param("id"))
	if err != nil {
		Response.ServiceError(c, err, ErrorStoreFailed)
		return nil, false
	}
	if state == nil {
		Response.NotFound(c, "simulation")
		return nil, false
	}
	return state, true
}
