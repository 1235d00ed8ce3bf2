// internal/services/scenario_parser.go
package services

import (
	"encoding/json"
	"fmt"
	"math"
	"regexp"
	"strconv"
	"strings"

	"github.com/Corphon/CrisisSimMCP/internal/models"
)

// ParseOutcome 记录解析走的是哪条恢复路径
type ParseOutcome string

const (
	ParsePathFence   ParseOutcome = "fence"
	ParsePathWhole   ParseOutcome = "whole"
	ParsePathBraces  ParseOutcome = "braces"
	ParsePathDefault ParseOutcome = "default"
)

const (
	defaultSituation = "The crisis defies description: reality itself cannot decide what is going wrong, and the world waits nervously for the next absurd development."

	metaCrisisSituation = "An error occurred while generating the next crisis. The narrative glitched, creating a meta-crisis where the fabric of reality itself seems confused about what crisis to present next."
	metaCrisisRationale = "Meta-absurdity: the narrative system becomes part of the absurd world and breaks the fourth wall."
)

var scenarioIDPattern = regexp.MustCompile(`^(scenario_\d+_\d+|conclusion_\d+)$`)

// ParseScenarios 将模型原始输出解析为场景列表，永不失败，结果至少包含一个场景
func ParseScenarios(raw string, turn, maxTurns int) []models.Scenario {
	scenarios, _ := ParseScenariosWithOutcome(raw, turn, maxTurns)
	return scenarios
}

// ParseScenariosWithOutcome 同 ParseScenarios，同时返回使用的恢复路径
func ParseScenariosWithOutcome(raw string, turn, maxTurns int) ([]models.Scenario, ParseOutcome) {
	if strings.TrimSpace(raw) == "" {
		return []models.Scenario{DefaultScenario(turn, maxTurns)}, ParsePathDefault
	}

	text, fenced := extractCodeFence(raw)
	path := ParsePathFence
	if !fenced {
		text = strings.TrimSpace(raw)
		path = ParsePathWhole
	}

	candidates, ok := decodeCandidates(text)
	if !ok {
		// 清理全角标点和不可见字符后再试一次
		text = sanitizeJSONText(text)
		candidates, ok = decodeCandidates(text)
	}
	if !ok {
		if candidate, found := decodeBraceSpan(text); found {
			candidates, ok, path = []map[string]interface{}{candidate}, true, ParsePathBraces
		}
	}
	if !ok {
		return []models.Scenario{DefaultScenario(turn, maxTurns)}, ParsePathDefault
	}

	out := make([]models.Scenario, 0, len(candidates))
	for i, c := range candidates {
		out = append(out, ValidateScenario(c, turn, i+1, maxTurns))
	}
	return out, path
}

// decodeCandidates 对象得到一个候选，数组每个元素一个候选，其余都算失败
func decodeCandidates(text string) ([]map[string]interface{}, bool) {
	var v interface{}
	if err := json.Unmarshal([]byte(text), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return []map[string]interface{}{t}, true
	case []interface{}:
		if len(t) == 0 {
			return nil, false
		}
		out := make([]map[string]interface{}, 0, len(t))
		for _, item := range t {
			m, _ := item.(map[string]interface{})
			if m == nil {
				m = map[string]interface{}{}
			}
			out = append(out, m)
		}
		return out, true
	default:
		return nil, false
	}
}

// decodeBraceSpan 截取第一个 { 到最后一个 }，接受对象或非空数组的首个对象
func decodeBraceSpan(text string) (map[string]interface{}, bool) {
	span, ok := braceSpan(text)
	if !ok {
		return nil, false
	}
	var v interface{}
	if err := json.Unmarshal([]byte(span), &v); err != nil {
		return nil, false
	}
	switch t := v.(type) {
	case map[string]interface{}:
		return t, true
	case []interface{}:
		if len(t) > 0 {
			if m, ok := t[0].(map[string]interface{}); ok {
				return m, true
			}
		}
	}
	return nil, false
}

// ValidateScenario 规范化单个候选场景。
// turn > maxTurns 时输出终局结构（grade/grade_explanation），否则输出常规结构。
// 对自身输出再次调用结果不变。
func ValidateScenario(raw map[string]interface{}, turn, index, maxTurns int) models.Scenario {
	if index < 1 {
		index = 1
	}

	id := stringField(raw, "id")
	if !scenarioIDPattern.MatchString(id) {
		id = fmt.Sprintf("scenario_%d_%d", turn, index)
	}

	sc := models.Scenario{
		ID:                   id,
		SituationDescription: orDefault(stringField(raw, "situation_description"), defaultSituation),
		Rationale:            orDefault(stringField(raw, "rationale"), models.DefaultRationale),
	}

	if turn > maxTurns {
		grade := parseGrade(raw["grade"])
		sc.Grade = &grade
		sc.GradeExplanation = stringField(raw, "grade_explanation")
		return sc
	}

	sc.UserRole = stringField(raw, "user_role") // 缺失时留空
	sc.UserPrompt = orDefault(stringField(raw, "user_prompt"), models.DefaultUserPrompt)
	return sc
}

// DefaultScenario 无法解析时使用的"元危机"场景
func DefaultScenario(turn, maxTurns int) models.Scenario {
	return ValidateScenario(map[string]interface{}{
		"situation_description": metaCrisisSituation,
		"rationale":             metaCrisisRationale,
	}, turn, 1, maxTurns)
}

// ScenarioToMap 场景转回候选 map，用于重新校验
func ScenarioToMap(sc models.Scenario) map[string]interface{} {
	data, err := json.Marshal(sc)
	if err != nil {
		return map[string]interface{}{}
	}
	out := map[string]interface{}{}
	if err := json.Unmarshal(data, &out); err != nil {
		return map[string]interface{}{}
	}
	return out
}

// parseGrade 1..100 原样保留，其余（越界、无法解析、缺失）取默认值
func parseGrade(v interface{}) int {
	var n float64
	switch t := v.(type) {
	case float64:
		n = t
	case int:
		n = float64(t)
	case json.Number:
		f, err := t.Float64()
		if err != nil {
			return models.DefaultGrade
		}
		n = f
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(t), 64)
		if err != nil {
			return models.DefaultGrade
		}
		n = f
	default:
		return models.DefaultGrade
	}
	if math.IsNaN(n) || math.IsInf(n, 0) {
		return models.DefaultGrade
	}
	grade := int(math.Round(n))
	if grade < 1 || grade > 100 {
		return models.DefaultGrade
	}
	return grade
}

func stringField(raw map[string]interface{}, key string) string {
	if raw == nil {
		return ""
	}
	switch v := raw[key].(type) {
	case string:
		return strings.TrimSpace(v)
	case nil:
		return ""
	default:
		return strings.TrimSpace(fmt.Sprint(v))
	}
}

func orDefault(v, def string) string {
	if v == "" {
		return def
	}
	return v
}
