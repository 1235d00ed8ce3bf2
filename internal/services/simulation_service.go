// internal/services/simulation_service.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/config"
	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

const (
	turnOutcomeGenerated = "generated"
	turnOutcomeFallback  = "fallback"
	turnOutcomeComplete  = "complete"

	commsFailureSituation = "Communication with the crisis monitoring network has broken down. Field reports are fragmented and contradictory, and nobody is sure what is happening next."
	commsFailureRole      = "Crisis Response Coordinator"
	commsFailurePrompt    = "With only partial information available, what will you do to keep the world safe?"
	commsFailureRationale = "Generated while the scenario service was unavailable"
)

// defaultTurnTimeout 覆盖 Runway 默认轮询上限（30×5s）加上模型调用
const defaultTurnTimeout = 5 * time.Minute

// SimulationOptions 编排参数
type SimulationOptions struct {
	MaxTurns         int
	MediaPathway     string
	FallbackVideoURL string
	FallbackAudioURL string
	// TurnTimeout 回应之后生成下一回合的上限，与请求上下文无关
	TurnTimeout time.Duration
}

// SimulationService 会话编排：创建时失败即报错，继续时失败则降级
type SimulationService struct {
	store        storage.SessionStore
	scenarios    *ScenarioGenerator
	videoPrompts *VideoPromptGenerator
	media        *MediaCoordinator
	publisher    EventPublisher
	locks        *LockManager
	opts         SimulationOptions
	metrics      *utils.MetricsCollector
	logger       *utils.Logger
}

func NewSimulationService(
	store storage.SessionStore,
	scenarios *ScenarioGenerator,
	videoPrompts *VideoPromptGenerator,
	mediaCoordinator *MediaCoordinator,
	publisher EventPublisher,
	opts SimulationOptions,
) *SimulationService {
	if opts.MaxTurns < 1 {
		opts.MaxTurns = models.DefaultMaxTurns
	}
	if opts.MediaPathway == "" {
		opts.MediaPathway = config.PathwayPair
	}
	if opts.TurnTimeout <= 0 {
		opts.TurnTimeout = defaultTurnTimeout
	}
	if publisher == nil {
		publisher = MultiPublisher{}
	}
	return &SimulationService{
		store:        store,
		scenarios:    scenarios,
		videoPrompts: videoPrompts,
		media:        mediaCoordinator,
		publisher:    publisher,
		locks:        NewLockManager(),
		opts:         opts,
		metrics:      utils.GetMetricsCollector(),
		logger:       utils.GetLogger(),
	}
}

// SetPublisher 替换事件发布者，在服务开始处理请求之前调用
func (s *SimulationService) SetPublisher(p EventPublisher) {
	if p == nil {
		p = MultiPublisher{}
	}
	s.publisher = p
}

// MaxTurns 默认回合数
func (s *SimulationService) MaxTurns() int { return s.opts.MaxTurns }

// CreateSimulation 使用默认回合数创建会话
func (s *SimulationService) CreateSimulation(ctx context.Context, initialDirection string, developerMode bool) (*models.SimulationState, error) {
	return s.CreateSimulationWithTurns(ctx, initialDirection, developerMode, 0)
}

// CreateSimulationWithTurns maxTurns 小于1时使用默认值。任何生成错误都直接返回。
func (s *SimulationService) CreateSimulationWithTurns(ctx context.Context, initialDirection string, developerMode bool, maxTurns int) (*models.SimulationState, error) {
	if maxTurns < 1 {
		maxTurns = s.opts.MaxTurns
	}

	state := models.NewSimulationState(maxTurns, developerMode)
	if err := s.store.Create(ctx, state); err != nil {
		return nil, apperrors.NewProcessingError("failed to register simulation", err)
	}

	var created *models.SimulationState
	err := s.locks.ExecuteWithLock(state.SimulationID, func() error {
		sink := NewStateLogSink(state)
		res, err := s.scenarios.Generate(ctx, ScenarioContext{
			CurrentTurn:  1,
			PreviousTurn: 0,
			Direction:    strings.TrimSpace(initialDirection),
			MaxTurns:     state.MaxTurns,
			Sink:         sink,
		})
		if err != nil {
			return err
		}

		scenario := ValidateScenario(ScenarioToMap(res.Scenario), 1, 1, state.MaxTurns)
		state.AddScenarios(1, []models.Scenario{scenario})
		state.SelectScenario(1, scenario.ID)

		if _, err := s.buildTurnMedia(ctx, state, 1, scenario, sink); err != nil {
			return err
		}
		if err := s.store.Update(ctx, state); err != nil {
			return fmt.Errorf("persist simulation: %w", err)
		}
		created = state.Clone()
		return nil
	})
	if err != nil {
		// 首回合失败的会话不保留
		if _, delErr := s.store.Delete(context.WithoutCancel(ctx), state.SimulationID); delErr != nil {
			s.logger.Warn("Failed to remove incomplete simulation", map[string]interface{}{
				"simulation_id": state.SimulationID,
				"error":         delErr.Error(),
			})
		}
		s.locks.Forget(state.SimulationID)
		s.logger.Error("Simulation creation failed", map[string]interface{}{
			"simulation_id": state.SimulationID,
			"error":         err.Error(),
		})
		return nil, apperrors.NewProcessingError("failed to create simulation", err)
	}

	s.logger.Info("Simulation created", map[string]interface{}{
		"simulation_id":  created.SimulationID,
		"max_turns":      created.MaxTurns,
		"developer_mode": created.DeveloperMode,
	})
	s.metrics.RecordTurn(turnOutcomeGenerated)
	s.refreshActive(ctx)
	s.publish(ctx, EventSimulationCreated, created, 1)
	return created, nil
}

// GetSimulation 不存在时返回 nil, nil
func (s *SimulationService) GetSimulation(ctx context.Context, id string) (*models.SimulationState, error) {
	state, err := s.store.Get(ctx, id)
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to load simulation", err)
	}
	return state, nil
}

// ListSimulations 按创建时间排序
func (s *SimulationService) ListSimulations(ctx context.Context) ([]*models.SimulationState, error) {
	states, err := s.store.List(ctx)
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to list simulations", err)
	}
	return states, nil
}

// DeleteSimulation 返回是否删除了会话
func (s *SimulationService) DeleteSimulation(ctx context.Context, id string) (bool, error) {
	var deleted bool
	err := s.locks.ExecuteWithLock(id, func() error {
		var err error
		deleted, err = s.store.Delete(ctx, id)
		return err
	})
	if err != nil {
		return false, apperrors.NewProcessingError("failed to delete simulation", err)
	}
	s.locks.Forget(id)
	if deleted {
		s.refreshActive(ctx)
		s.publisher.Publish(ctx, SimulationEvent{
			Type:         EventSimulationDeleted,
			SimulationID: id,
			Timestamp:    time.Now().UTC(),
		})
	}
	return deleted, nil
}

// ToggleDeveloperMode 不存在时返回 nil, nil
func (s *SimulationService) ToggleDeveloperMode(ctx context.Context, id string, enabled bool) (*models.SimulationState, error) {
	var result *models.SimulationState
	err := s.locks.ExecuteWithLock(id, func() error {
		state, err := s.store.Get(ctx, id)
		if err != nil || state == nil {
			return err
		}
		state.SetDeveloperMode(enabled)
		if err := s.store.Update(ctx, state); err != nil {
			return err
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, apperrors.NewProcessingError("failed to update developer mode", err)
	}
	return result, nil
}

// ProcessUserResponse 对当前回合作答
func (s *SimulationService) ProcessUserResponse(ctx context.Context, id, text string) (*models.SimulationState, error) {
	return s.ProcessUserResponseForTurn(ctx, id, 0, text)
}

// ProcessUserResponseForTurn turn 为0表示当前回合。
// 回应先持久化，下一回合的生成失败会被降级内容替代。
func (s *SimulationService) ProcessUserResponseForTurn(ctx context.Context, id string, turn int, text string) (*models.SimulationState, error) {
	if strings.TrimSpace(text) == "" {
		return nil, apperrors.NewValidationError("response text must not be empty", nil)
	}

	var (
		result   *models.SimulationState
		nextTurn int
	)
	err := s.locks.ExecuteWithLock(id, func() error {
		state, err := s.store.Get(ctx, id)
		if err != nil {
			return apperrors.NewProcessingError("failed to load simulation", err)
		}
		if state == nil {
			return nil
		}

		if turn == 0 {
			turn = state.CurrentTurnNumber
		}
		if err := state.AddUserResponse(turn, text); err != nil {
			return mapStateError(err)
		}

		// 回应一旦记录，后续生成与落盘不随请求取消，否则当前回合会缺少记录
		persistCtx := context.WithoutCancel(ctx)
		if err := s.store.Update(persistCtx, state); err != nil {
			return apperrors.NewProcessingError("failed to persist response", err)
		}

		if state.IsComplete {
			s.metrics.RecordTurn(turnOutcomeComplete)
			s.logger.Info("Simulation complete", map[string]interface{}{
				"simulation_id": id,
				"turn":          turn,
			})
			result = state
			return nil
		}

		nextTurn = state.CurrentTurnNumber
		direction := ""
		if nextTurn == state.MaxTurns {
			direction = ConclusionDirection
		}

		sink := NewStateLogSink(state)
		genCtx, cancel := context.WithTimeout(persistCtx, s.opts.TurnTimeout)
		defer cancel()
		if genErr := s.advance(genCtx, state, nextTurn, turn, direction, sink); genErr != nil {
			s.logger.Error("Next turn generation failed, using fallback", map[string]interface{}{
				"simulation_id": id,
				"turn":          nextTurn,
				"error":         genErr.Error(),
			})
			s.applyFallbackTurn(state, nextTurn)
			s.metrics.RecordTurn(turnOutcomeFallback)
		} else {
			s.metrics.RecordTurn(turnOutcomeGenerated)
		}

		if err := s.store.Update(persistCtx, state); err != nil {
			return apperrors.NewProcessingError("failed to persist simulation", err)
		}
		result = state
		return nil
	})
	if err != nil {
		return nil, err
	}
	if result == nil {
		return nil, nil
	}

	out := result.Clone()
	s.publish(context.WithoutCancel(ctx), EventSimulationUpdated, out, max(nextTurn, turn))
	return out, nil
}

// advance 生成下一回合；任何错误（包括 panic）都返回给调用方处理
func (s *SimulationService) advance(ctx context.Context, state *models.SimulationState, next, previous int, direction string, sink LogSink) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("turn generation panicked: %v", r)
		}
	}()

	res, err := s.scenarios.Generate(ctx, ScenarioContext{
		HistoryText:  state.HistoryText(),
		CurrentTurn:  next,
		PreviousTurn: previous,
		Direction:    direction,
		MaxTurns:     state.MaxTurns,
		Sink:         sink,
	})
	if err != nil {
		return err
	}

	scenario := ValidateScenario(ScenarioToMap(res.Scenario), next, 1, state.MaxTurns)
	state.AddScenarios(next, []models.Scenario{scenario})
	state.SelectScenario(next, scenario.ID)

	_, err = s.buildTurnMedia(ctx, state, next, scenario, sink)
	return err
}

// buildTurnMedia 生成分镜、视频和音频并写入状态，返回回合的视频URL
func (s *SimulationService) buildTurnMedia(ctx context.Context, state *models.SimulationState, turn int, scenario models.Scenario, sink LogSink) (string, error) {
	if err := ctx.Err(); err != nil {
		return "", err
	}

	scenes := s.videoPrompts.Generate(ctx, scenario.SituationDescription, turn, sink)
	audioScript := strings.TrimSpace(scenario.SituationDescription + " " + scenario.UserPrompt)
	if len(scenes) > 0 {
		state.AddVideoScenes(turn, scenes)
	}

	if s.opts.MediaPathway == config.PathwayScenes {
		return s.buildSceneMedia(ctx, state, turn, scenes, audioScript), nil
	}

	videoPrompt := ""
	if len(scenes) > 0 {
		videoPrompt = scenes[0]
	}
	state.AddMediaPrompts(turn, videoPrompt, "")

	pair := s.media.GeneratePair(ctx, turn, videoPrompt, audioScript)
	var videoURL *string
	if videoPrompt != "" {
		videoURL = &pair.VideoURL
	}
	state.AddMediaURLs(turn, videoURL, &pair.AudioURL)
	return pair.VideoURL, nil
}

func (s *SimulationService) buildSceneMedia(ctx context.Context, state *models.SimulationState, turn int, scenes []string, audioScript string) string {
	videoPrompt := ""
	if len(scenes) > 0 {
		videoPrompt = scenes[0]
	}
	state.AddMediaPrompts(turn, videoPrompt, "")

	var (
		urls []string
		done = make(chan struct{})
	)
	go func() {
		defer close(done)
		urls = s.media.GenerateSceneBatch(ctx, turn, scenes)
	}()
	audio := s.media.GeneratePair(ctx, turn, "", audioScript)
	<-done

	var videoURL *string
	switch {
	case len(urls) > 0:
		state.AddSceneVideoURLs(turn, urls)
		videoURL = &urls[0]
	case len(scenes) > 0:
		fallback := s.opts.FallbackVideoURL
		videoURL = &fallback
	}
	state.AddMediaURLs(turn, videoURL, &audio.AudioURL)
	if videoURL == nil {
		return ""
	}
	return *videoURL
}

// applyFallbackTurn 替换为降级场景与兜底媒体
func (s *SimulationService) applyFallbackTurn(state *models.SimulationState, turn int) {
	scenario := ValidateScenario(map[string]interface{}{
		"situation_description": commsFailureSituation,
		"rationale":             commsFailureRationale,
		"user_role":             commsFailureRole,
		"user_prompt":           commsFailurePrompt,
	}, turn, 1, state.MaxTurns)

	state.AddScenarios(turn, []models.Scenario{scenario})
	state.SelectScenario(turn, scenario.ID)
	video, audio := s.opts.FallbackVideoURL, s.opts.FallbackAudioURL
	state.AddMediaURLs(turn, &video, &audio)
}

func (s *SimulationService) publish(ctx context.Context, eventType string, state *models.SimulationState, turn int) {
	event := SimulationEvent{
		Type:         eventType,
		SimulationID: state.SimulationID,
		Turn:         turn,
		Simulation:   state,
		Timestamp:    time.Now().UTC(),
	}
	if t := state.GetTurn(turn); t != nil {
		event.VideoURL = t.VideoURL
	}
	s.publisher.Publish(ctx, event)
}

func (s *SimulationService) refreshActive(ctx context.Context) {
	states, err := s.store.List(ctx)
	if err != nil {
		return
	}
	active := 0
	for _, st := range states {
		if !st.IsComplete {
			active++
		}
	}
	s.metrics.SetActiveSimulations(active)
}

// Close 停止锁清理
func (s *SimulationService) Close() {
	s.locks.Stop()
}

func mapStateError(err error) error {
	switch {
	case errors.Is(err, models.ErrResponseAlreadyRecorded), errors.Is(err, models.ErrSimulationComplete):
		return apperrors.NewConflictError(err.Error(), err)
	case errors.Is(err, models.ErrTurnNotFound):
		return apperrors.NewValidationError(err.Error(), err)
	default:
		return apperrors.NewProcessingError("failed to record response", err)
	}
}
