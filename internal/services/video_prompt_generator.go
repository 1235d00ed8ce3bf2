// internal/services/video_prompt_generator.go
package services

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

const (
	OpCreateVideoPrompt      = "create_video_prompt"
	OpCreateVideoPromptError = "create_video_prompt_error"
	OpVideoPromptParseError  = "video_prompt_parsing_error"

	// VideoSceneCount 每回合的分镜数
	VideoSceneCount = 4
)

// VideoPromptGenerator 把场景描述拆成四个镜头提示，只调用首选模型一次
type VideoPromptGenerator struct {
	completer TextCompleter
	model     string
}

func NewVideoPromptGenerator(completer TextCompleter, modelCandidates []string) *VideoPromptGenerator {
	if len(modelCandidates) == 0 {
		modelCandidates = DefaultModelCandidates
	}
	return &VideoPromptGenerator{completer: completer, model: modelCandidates[0]}
}

// Generate 返回恰好4个镜头，任何失败返回空切片
func (g *VideoPromptGenerator) Generate(ctx context.Context, description string, turn int, sink LogSink) []string {
	logger := utils.GetLogger()
	sink = sinkOrNop(sink)
	prompt := formatVideoPrompt(description)
	params := map[string]interface{}{"description": truncate(description, historySnippetLimit)}

	start := time.Now()
	resp, err := g.completer.CompleteWithModel(ctx, g.model, prompt)
	elapsed := time.Since(start).Seconds()
	if err != nil {
		sink.Record(turn, models.LLMLog{
			Operation:    OpCreateVideoPromptError,
			Prompt:       prompt,
			Completion:   fmt.Sprintf(`{"error": %q}`, err.Error()),
			Model:        g.model,
			Parameters:   withError(params, err.Error()),
			ResponseTime: &elapsed,
			Timestamp:    time.Now().UTC(),
		})
		logger.Warn("Video prompt generation failed", map[string]interface{}{
			"model": g.model,
			"turn":  turn,
			"error": err.Error(),
		})
		return []string{}
	}

	sink.Record(turn, models.LLMLog{
		Operation:    OpCreateVideoPrompt,
		Prompt:       prompt,
		Completion:   resp.Text,
		Model:        g.model,
		Parameters:   params,
		ResponseTime: &elapsed,
		Timestamp:    time.Now().UTC(),
	})

	scenes, err := parseVideoScenes(resp.Text)
	if err != nil {
		sink.Record(turn, models.LLMLog{
			Operation:  OpVideoPromptParseError,
			Prompt:     prompt,
			Completion: resp.Text,
			Model:      g.model,
			Parameters: withError(params, err.Error()),
			Timestamp:  time.Now().UTC(),
		})
		logger.Warn("Video prompt response rejected", map[string]interface{}{
			"model": g.model,
			"turn":  turn,
			"error": err.Error(),
		})
		return []string{}
	}

	logger.Info("Video scenes generated", map[string]interface{}{
		"model":       g.model,
		"turn":        turn,
		"duration_ms": int64(elapsed * 1000),
	})
	return scenes
}

// parseVideoScenes 要求 {"scenes": [4个非空字符串]}
func parseVideoScenes(raw string) ([]string, error) {
	text := sanitizeJSONText(stripCodeFence(raw))
	var payload struct {
		Scenes []interface{} `json:"scenes"`
	}
	if err := json.Unmarshal([]byte(text), &payload); err != nil {
		return nil, fmt.Errorf("invalid json: %w", err)
	}
	if len(payload.Scenes) != VideoSceneCount {
		return nil, fmt.Errorf("expected %d scenes, got %d", VideoSceneCount, len(payload.Scenes))
	}
	scenes := make([]string, 0, VideoSceneCount)
	for i, s := range payload.Scenes {
		str, ok := s.(string)
		if !ok || strings.TrimSpace(str) == "" {
			return nil, fmt.Errorf("scene %d is not a non-empty string", i+1)
		}
		scenes = append(scenes, str)
	}
	return scenes, nil
}

func withError(params map[string]interface{}, msg string) map[string]interface{} {
	out := make(map[string]interface{}, len(params)+1)
	for k, v := range params {
		out[k] = v
	}
	out["error"] = msg
	return out
}
