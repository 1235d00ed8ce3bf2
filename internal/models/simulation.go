// internal/models/simulation.go
package models

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

const (
	// DefaultMaxTurns 默认回合数
	DefaultMaxTurns = 6

	DefaultRationale  = "Auto-generated"
	DefaultUserPrompt = "What strategy will you implement to address this situation and save the world?"
	DefaultGrade      = 70
)

var (
	ErrTurnNotFound            = errors.New("turn not found")
	ErrResponseAlreadyRecorded = errors.New("response already recorded for this turn")
	ErrSimulationComplete      = errors.New("simulation is already complete")
)

// Scenario 表示一个危机场景（一个故事节拍）
// 非终局回合填充 UserRole/UserPrompt，终局回合填充 Grade/GradeExplanation
type Scenario struct {
	ID                   string `json:"id"`
	SituationDescription string `json:"situation_description"`
	Rationale            string `json:"rationale"`
	UserRole             string `json:"user_role,omitempty"`
	UserPrompt           string `json:"user_prompt,omitempty"`
	Grade                *int   `json:"grade,omitempty"`
	GradeExplanation     string `json:"grade_explanation,omitempty"`
}

// IsTerminal 是否为终局结构
func (s Scenario) IsTerminal() bool {
	return s.Grade != nil
}

// UserResponse 用户对某回合的回应
type UserResponse struct {
	ResponseText string    `json:"response_text"`
	TurnNumber   int       `json:"turn_number"`
	Timestamp    time.Time `json:"timestamp"`
}

// LLMLog 一次模型调用的审计记录
type LLMLog struct {
	Operation    string                 `json:"operation"`
	Prompt       string                 `json:"prompt"`
	Completion   string                 `json:"completion"`
	Model        string                 `json:"model"`
	Parameters   map[string]interface{} `json:"parameters,omitempty"`
	ResponseTime *float64               `json:"response_time,omitempty"` // 秒
	Timestamp    time.Time              `json:"timestamp"`
}

// SimulationTurn 单个回合的完整记录
type SimulationTurn struct {
	TurnNumber       int           `json:"turn_number"`
	Scenarios        []Scenario    `json:"scenarios"`
	SelectedScenario *Scenario     `json:"selected_scenario,omitempty"`
	UserResponse     *UserResponse `json:"user_response,omitempty"`
	VideoPrompt      string        `json:"video_prompt,omitempty"`
	NarrationScript  string        `json:"narration_script,omitempty"`
	VideoScenes      []string      `json:"video_scenes,omitempty"`
	VideoURL         string        `json:"video_url,omitempty"`
	AudioURL         string        `json:"audio_url,omitempty"`
	SceneVideoURLs   []string      `json:"scene_video_urls,omitempty"`
	LLMLogs          []LLMLog      `json:"llm_logs"`
}

// SimulationState 会话根对象，按 simulation_id 存储
type SimulationState struct {
	SimulationID      string            `json:"simulation_id"`
	CurrentTurnNumber int               `json:"current_turn_number"`
	MaxTurns          int               `json:"max_turns"`
	Turns             []*SimulationTurn `json:"turns"`
	IsComplete        bool              `json:"is_complete"`
	DeveloperMode     bool              `json:"developer_mode"`
	CreatedAt         time.Time         `json:"created_at"`
	UpdatedAt         time.Time         `json:"updated_at"`
}

// SimulationSummary 用于列表展示
type SimulationSummary struct {
	SimulationID      string    `json:"simulation_id"`
	CurrentTurnNumber int       `json:"current_turn_number"`
	MaxTurns          int       `json:"max_turns"`
	IsComplete        bool      `json:"is_complete"`
	TurnCount         int       `json:"turn_count"`
	CreatedAt         time.Time `json:"created_at"`
	UpdatedAt         time.Time `json:"updated_at"`
}

// NewSimulationID 生成基于时间的会话ID，附带短后缀避免同秒冲突
func NewSimulationID(now time.Time) string {
	return fmt.Sprintf("sim_%s_%s", now.UTC().Format("20060102150405"), uuid.New().String()[:8])
}

// NewSimulationState 创建处于第1回合、尚无场景的新会话
func NewSimulationState(maxTurns int, developerMode bool) *SimulationState {
	if maxTurns < 1 {
		maxTurns = DefaultMaxTurns
	}
	now := time.Now().UTC()
	return &SimulationState{
		SimulationID:      NewSimulationID(now),
		CurrentTurnNumber: 1,
		MaxTurns:          maxTurns,
		Turns:             []*SimulationTurn{},
		DeveloperMode:     developerMode,
		CreatedAt:         now,
		UpdatedAt:         now,
	}
}

func (s *SimulationState) touch() {
	s.UpdatedAt = time.Now().UTC()
}

// GetTurn 返回指定回合，不存在时返回nil
func (s *SimulationState) GetTurn(turnNumber int) *SimulationTurn {
	for _, t := range s.Turns {
		if t.TurnNumber == turnNumber {
			return t
		}
	}
	return nil
}

// CurrentTurn 返回当前回合
func (s *SimulationState) CurrentTurn() *SimulationTurn {
	return s.GetTurn(s.CurrentTurnNumber)
}

// ensureTurn 获取或创建回合，保持按回合号升序
func (s *SimulationState) ensureTurn(turnNumber int) *SimulationTurn {
	if t := s.GetTurn(turnNumber); t != nil {
		return t
	}

	turn := &SimulationTurn{
		TurnNumber: turnNumber,
		Scenarios:  []Scenario{},
		LLMLogs:    []LLMLog{},
	}

	idx := len(s.Turns)
	for i, t := range s.Turns {
		if t.TurnNumber > turnNumber {
			idx = i
			break
		}
	}
	s.Turns = append(s.Turns, nil)
	copy(s.Turns[idx+1:], s.Turns[idx:])
	s.Turns[idx] = turn
	return turn
}

// AddScenarios 替换回合的场景列表，回合不存在时自动创建
func (s *SimulationState) AddScenarios(turnNumber int, scenarios []Scenario) {
	turn := s.ensureTurn(turnNumber)
	turn.Scenarios = append([]Scenario(nil), scenarios...)
	s.touch()
}

// SelectScenario 选中回合内的场景，回合或ID不存在时不做任何事
func (s *SimulationState) SelectScenario(turnNumber int, scenarioID string) bool {
	turn := s.GetTurn(turnNumber)
	if turn == nil {
		return false
	}
	for i := range turn.Scenarios {
		if turn.Scenarios[i].ID == scenarioID {
			selected := turn.Scenarios[i]
			turn.SelectedScenario = &selected
			s.touch()
			return true
		}
	}
	return false
}

// AddUserResponse 记录用户回应并推进状态机。
// 同一回合只接受一次回应；最后一回合的回应将会话标记为完成。
func (s *SimulationState) AddUserResponse(turnNumber int, text string) error {
	if s.IsComplete {
		return ErrSimulationComplete
	}
	turn := s.GetTurn(turnNumber)
	if turn == nil {
		return ErrTurnNotFound
	}
	if turn.UserResponse != nil {
		return ErrResponseAlreadyRecorded
	}

	turn.UserResponse = &UserResponse{
		ResponseText: text,
		TurnNumber:   turnNumber,
		Timestamp:    time.Now().UTC(),
	}

	if turnNumber >= s.MaxTurns {
		s.IsComplete = true
	} else {
		s.CurrentTurnNumber++
	}
	s.touch()
	return nil
}

// AddMediaPrompts 回合不存在时不做任何事
func (s *SimulationState) AddMediaPrompts(turnNumber int, videoPrompt, narrationScript string) {
	turn := s.GetTurn(turnNumber)
	if turn == nil {
		return
	}
	turn.VideoPrompt = videoPrompt
	turn.NarrationScript = narrationScript
	s.touch()
}

// AddVideoScenes 记录四个分镜描述
func (s *SimulationState) AddVideoScenes(turnNumber int, scenes []string) {
	turn := s.GetTurn(turnNumber)
	if turn == nil {
		return
	}
	turn.VideoScenes = append([]string(nil), scenes...)
	s.touch()
}

// AddMediaURLs 只设置非nil的URL
func (s *SimulationState) AddMediaURLs(turnNumber int, videoURL, audioURL *string) {
	turn := s.GetTurn(turnNumber)
	if turn == nil {
		return
	}
	if videoURL != nil {
		turn.VideoURL = *videoURL
	}
	if audioURL != nil {
		turn.AudioURL = *audioURL
	}
	s.touch()
}

// AddSceneVideoURLs 多分镜路径的视频地址
func (s *SimulationState) AddSceneVideoURLs(turnNumber int, urls []string) {
	turn := s.GetTurn(turnNumber)
	if turn == nil {
		return
	}
	turn.SceneVideoURLs = append([]string(nil), urls...)
	s.touch()
}

// AddLLMLog 追加日志，回合不存在时自动创建
func (s *SimulationState) AddLLMLog(turnNumber int, log LLMLog) {
	turn := s.ensureTurn(turnNumber)
	turn.LLMLogs = append(turn.LLMLogs, log)
	s.touch()
}

// SetDeveloperMode 切换开发者模式
func (s *SimulationState) SetDeveloperMode(enabled bool) {
	s.DeveloperMode = enabled
	s.touch()
}

// HistoryText 渲染供提示词使用的完整历史
func (s *SimulationState) HistoryText() string {
	var b strings.Builder
	for _, turn := range s.Turns {
		if turn.SelectedScenario == nil {
			continue
		}
		fmt.Fprintf(&b, "TURN %d:\n", turn.TurnNumber)
		fmt.Fprintf(&b, "SITUATION: %s\n", turn.SelectedScenario.SituationDescription)
		if turn.SelectedScenario.UserRole != "" {
			fmt.Fprintf(&b, "USER ROLE: %s\n", turn.SelectedScenario.UserRole)
		}
		if turn.SelectedScenario.UserPrompt != "" {
			fmt.Fprintf(&b, "USER PROMPT: %s\n", turn.SelectedScenario.UserPrompt)
		}
		if turn.UserResponse != nil {
			fmt.Fprintf(&b, "USER RESPONSE: %s\n", turn.UserResponse.ResponseText)
		}
		b.WriteString("\n")
	}
	return strings.TrimSpace(b.String())
}

// Summary 列表投影
func (s *SimulationState) Summary() SimulationSummary {
	return SimulationSummary{
		SimulationID:      s.SimulationID,
		CurrentTurnNumber: s.CurrentTurnNumber,
		MaxTurns:          s.MaxTurns,
		IsComplete:        s.IsComplete,
		TurnCount:         len(s.Turns),
		CreatedAt:         s.CreatedAt,
		UpdatedAt:         s.UpdatedAt,
	}
}

// Clone 深拷贝，状态离开锁保护范围前使用
func (s *SimulationState) Clone() *SimulationState {
	if s == nil {
		return nil
	}
	out := *s
	out.Turns = make([]*SimulationTurn, len(s.Turns))
	for i, t := range s.Turns {
		out.Turns[i] = t.clone()
	}
	return &out
}

func (t *SimulationTurn) clone() *SimulationTurn {
	out := *t
	out.Scenarios = make([]Scenario, len(t.Scenarios))
	for i, sc := range t.Scenarios {
		out.Scenarios[i] = sc.clone()
	}
	if t.SelectedScenario != nil {
		sel := t.SelectedScenario.clone()
		out.SelectedScenario = &sel
	}
	if t.UserResponse != nil {
		resp := *t.UserResponse
		out.UserResponse = &resp
	}
	out.VideoScenes = append([]string(nil), t.VideoScenes...)
	out.SceneVideoURLs = append([]string(nil), t.SceneVideoURLs...)
	out.LLMLogs = make([]LLMLog, len(t.LLMLogs))
	for i, l := range t.LLMLogs {
		out.LLMLogs[i] = l
		if l.Parameters != nil {
			params := make(map[string]interface{}, len(l.Parameters))
			for k, v := range l.Parameters {
				params[k] = v
			}
			out.LLMLogs[i].Parameters = params
		}
	}
	return &out
}

func (sc Scenario) clone() Scenario {
	if sc.Grade != nil {
		g := *sc.Grade
		sc.Grade = &g
	}
	return sc
}
