// internal/services/scenario_generator.go
package services

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

const (
	OpCreateIdea = "create_idea"

	historySnippetLimit = 500
	failurePlaceholder  = `{"error": "all models failed", "situation_description": "fallback scenario"}`
)

// DefaultModelCandidates 依次尝试的模型
var DefaultModelCandidates = []string{"gemini-2.0-flash", "qwen-qwq-32b"}

// ScenarioContext 单次场景生成的输入
type ScenarioContext struct {
	HistoryText  string
	CurrentTurn  int
	PreviousTurn int
	Direction    string
	MaxTurns     int
	Sink         LogSink
}

// IsConclusion 最后一回合且带有方向时使用终局模板
func (c ScenarioContext) IsConclusion() bool {
	return c.CurrentTurn == c.MaxTurns && c.Direction != ""
}

// ScenarioResult 生成结果；Fallback 为 true 时 Scenario 是默认场景
type ScenarioResult struct {
	Scenario models.Scenario
	Fallback bool
}

// GenerationError 所有候选模型都失败
type GenerationError struct {
	Turn     int
	Attempts map[string]error
	order    []string
}

func (e *GenerationError) Error() string {
	parts := make([]string, 0, len(e.order))
	for _, model := range e.order {
		parts = append(parts, fmt.Sprintf("%s: %v", model, e.Attempts[model]))
	}
	if len(parts) == 0 {
		return fmt.Sprintf("scenario generation for turn %d failed: no models configured", e.Turn)
	}
	return fmt.Sprintf("scenario generation for turn %d failed: %s", e.Turn, strings.Join(parts, "; "))
}

// Unwrap 暴露最后一个模型的错误
func (e *GenerationError) Unwrap() error {
	if len(e.order) == 0 {
		return nil
	}
	return e.Attempts[e.order[len(e.order)-1]]
}

// IsGenerationError 判断是否为场景生成失败
func IsGenerationError(err error) bool {
	var ge *GenerationError
	return errors.As(err, &ge)
}

// ScenarioGenerator 构造提示词、按顺序尝试模型并解析结果
type ScenarioGenerator struct {
	completer TextCompleter
	models    []string

	mu     sync.RWMutex
	lookup map[string]models.Scenario
}

func NewScenarioGenerator(completer TextCompleter, modelCandidates []string) *ScenarioGenerator {
	if len(modelCandidates) == 0 {
		modelCandidates = DefaultModelCandidates
	}
	return &ScenarioGenerator{
		completer: completer,
		models:    append([]string(nil), modelCandidates...),
		lookup:    make(map[string]models.Scenario),
	}
}

// Models 候选模型（副本）
func (g *ScenarioGenerator) Models() []string {
	return append([]string(nil), g.models...)
}

// Lookup 按ID取回最近生成的场景
func (g *ScenarioGenerator) Lookup(id string) (models.Scenario, bool) {
	g.mu.RLock()
	defer g.mu.RUnlock()
	sc, ok := g.lookup[id]
	return sc, ok
}

// Generate 生成一个场景。全部模型失败时返回默认场景、Fallback=true 以及 *GenerationError，
// 是否采用默认场景由调用方决定。每次调用恰好记录一条 create_idea 日志。
func (g *ScenarioGenerator) Generate(ctx context.Context, sc ScenarioContext) (ScenarioResult, error) {
	logger := utils.GetLogger()
	metrics := utils.GetMetricsCollector()
	sink := sinkOrNop(sc.Sink)

	conclusion := sc.IsConclusion()
	prompt := formatScenarioPrompt(conclusion, promptVars{
		History:      sc.HistoryText,
		CurrentTurn:  sc.CurrentTurn,
		PreviousTurn: sc.PreviousTurn,
		Direction:    sc.Direction,
	})

	params := map[string]interface{}{
		"history_snippet": truncate(sc.HistoryText, historySnippetLimit),
		"current_turn":    sc.CurrentTurn,
		"previous_turn":   sc.PreviousTurn,
		"direction":       sc.Direction,
		"max_turns":       sc.MaxTurns,
		"is_conclusion":   conclusion,
	}

	genErr := &GenerationError{Turn: sc.CurrentTurn, Attempts: make(map[string]error)}
	for _, model := range g.models {
		if err := ctx.Err(); err != nil {
			genErr.Attempts[model] = err
			genErr.order = append(genErr.order, model)
			break
		}

		start := time.Now()
		resp, err := g.completer.CompleteWithModel(ctx, model, prompt)
		elapsed := time.Since(start).Seconds()
		if err != nil {
			genErr.Attempts[model] = err
			genErr.order = append(genErr.order, model)
			logger.Warn("Scenario model failed, trying next", map[string]interface{}{
				"model": model,
				"turn":  sc.CurrentTurn,
				"error": err.Error(),
			})
			continue
		}

		scenarios, path := ParseScenariosWithOutcome(resp.Text, sc.CurrentTurn, sc.MaxTurns)
		metrics.RecordScenarioParse(string(path))

		scenario := scenarios[0]
		if !g.isExpectedID(scenario.ID, sc.CurrentTurn) {
			scenario.ID = fmt.Sprintf("scenario_%d_1", sc.CurrentTurn)
		}
		g.register(scenario)

		params["parse_path"] = string(path)
		sink.Record(sc.CurrentTurn, models.LLMLog{
			Operation:    OpCreateIdea,
			Prompt:       prompt,
			Completion:   resp.Text,
			Model:        model,
			Parameters:   params,
			ResponseTime: &elapsed,
			Timestamp:    time.Now().UTC(),
		})
		logger.Info("Scenario generated", map[string]interface{}{
			"model":         model,
			"turn":          sc.CurrentTurn,
			"scenario_id":   scenario.ID,
			"parse_path":    path,
			"is_conclusion": conclusion,
			"duration_ms":   int64(elapsed * 1000),
		})
		return ScenarioResult{Scenario: scenario}, nil
	}

	fallback := DefaultScenario(sc.CurrentTurn, sc.MaxTurns)
	params["error"] = genErr.Error()
	zero := 0.0
	lastModel := ""
	if len(g.models) > 0 {
		lastModel = g.models[len(g.models)-1]
	}
	sink.Record(sc.CurrentTurn, models.LLMLog{
		Operation:    OpCreateIdea,
		Prompt:       prompt,
		Completion:   failurePlaceholder,
		Model:        lastModel,
		Parameters:   params,
		ResponseTime: &zero,
		Timestamp:    time.Now().UTC(),
	})
	logger.Error("All scenario models failed", map[string]interface{}{
		"turn":  sc.CurrentTurn,
		"error": genErr.Error(),
	})
	return ScenarioResult{Scenario: fallback, Fallback: true}, genErr
}

// 预期的ID：常规 scenario_<turn>_1，终局 conclusion_<turn>
func (g *ScenarioGenerator) isExpectedID(id string, turn int) bool {
	return id == fmt.Sprintf("scenario_%d_1", turn) || id == fmt.Sprintf("conclusion_%d", turn)
}

func (g *ScenarioGenerator) register(sc models.Scenario) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.lookup[sc.ID] = sc
}

func truncate(s string, limit int) string {
	r := []rune(s)
	if len(r) <= limit {
		return s
	}
	return string(r[:limit])
}
