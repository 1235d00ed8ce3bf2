// internal/mcp/schema.go
package mcp

import (
	"time"

	"github.com/Corphon/CrisisSimMCP/internal/models"
)

// CreateInput crisis_create 参数
type CreateInput struct {
	InitialPrompt string `json:"initial_prompt,omitempty" jsonschema:"Optional direction for the first crisis; empty lets the model choose"`
	DeveloperMode bool   `json:"developer_mode,omitempty" jsonschema:"Record prompts and completions in the simulation"`
	MaxTurns      int    `json:"max_turns,omitempty" jsonschema:"Number of playable turns; defaults to the server setting"`
}

// SimulationIDInput crisis_get / crisis_delete 参数
type SimulationIDInput struct {
	SimulationID string `json:"simulation_id" jsonschema:"Simulation identifier returned by crisis_create"`
}

// RespondInput crisis_respond 参数
type RespondInput struct {
	SimulationID string `json:"simulation_id" jsonschema:"Simulation identifier"`
	ResponseText string `json:"response_text" jsonschema:"The player's strategy for the current turn"`
	TurnNumber   int    `json:"turn_number,omitempty" jsonschema:"Turn being answered; defaults to the current turn"`
}

// DeveloperModeInput crisis_developer_mode 参数
type DeveloperModeInput struct {
	SimulationID string `json:"simulation_id" jsonschema:"Simulation identifier"`
	Enabled      bool   `json:"enabled" jsonschema:"Turn prompt and completion logging on or off"`
}

// ListInput crisis_list 参数
type ListInput struct {
	IncludeComplete bool `json:"include_complete,omitempty" jsonschema:"Include finished simulations"`
}

// TurnView 回合的精简视图
type TurnView struct {
	TurnNumber       int    `json:"turn_number"`
	Situation        string `json:"situation"`
	UserRole         string `json:"user_role,omitempty"`
	UserPrompt       string `json:"user_prompt,omitempty"`
	Grade            *int   `json:"grade,omitempty"`
	GradeExplanation string `json:"grade_explanation,omitempty"`
	UserResponse     string `json:"user_response,omitempty"`
	VideoURL         string `json:"video_url,omitempty"`
	AudioURL         string `json:"audio_url,omitempty"`
}

// SimulationView 返回给 MCP 客户端的模拟视图
type SimulationView struct {
	SimulationID      string     `json:"simulation_id"`
	CurrentTurnNumber int        `json:"current_turn_number"`
	MaxTurns          int        `json:"max_turns"`
	IsComplete        bool       `json:"is_complete"`
	DeveloperMode     bool       `json:"developer_mode"`
	CreatedAt         string     `json:"created_at"`
	Turns             []TurnView `json:"turns"`
}

// SimulationOutput 单个模拟
type SimulationOutput struct {
	Found      bool            `json:"found"`
	Simulation *SimulationView `json:"simulation,omitempty"`
	Message    string          `json:"message"`
}

// ListItem 列表项
type ListItem struct {
	SimulationID      string `json:"simulation_id"`
	CurrentTurnNumber int    `json:"current_turn_number"`
	MaxTurns          int    `json:"max_turns"`
	IsComplete        bool   `json:"is_complete"`
	UpdatedAt         string `json:"updated_at"`
}

// ListOutput crisis_list 结果
type ListOutput struct {
	Simulations []ListItem `json:"simulations"`
	Count       int        `json:"count"`
}

// DeleteOutput crisis_delete 结果
type DeleteOutput struct {
	Deleted bool   `json:"deleted"`
	Message string `json:"message"`
}

func toListItem(summary models.SimulationSummary) ListItem {
	return ListItem{
		SimulationID:      summary.SimulationID,
		CurrentTurnNumber: summary.CurrentTurnNumber,
		MaxTurns:          summary.MaxTurns,
		IsComplete:        summary.IsComplete,
		UpdatedAt:         summary.UpdatedAt.Format(time.RFC3339),
	}
}

func toView(state *models.SimulationState) *SimulationView {
	view := &SimulationView{
		SimulationID:      state.SimulationID,
		CurrentTurnNumber: state.CurrentTurnNumber,
		MaxTurns:          state.MaxTurns,
		IsComplete:        state.IsComplete,
		DeveloperMode:     state.DeveloperMode,
		CreatedAt:         state.CreatedAt.Format(time.RFC3339),
		Turns:             make([]TurnView, 0, len(state.Turns)),
	}
	for _, turn := range state.Turns {
		tv := TurnView{
			TurnNumber: turn.TurnNumber,
			VideoURL:   turn.VideoURL,
			AudioURL:   turn.AudioURL,
		}
		if sc := turn.SelectedScenario; sc != nil {
			tv.Situation = sc.SituationDescription
			tv.UserRole = sc.UserRole
			tv.UserPrompt = sc.UserPrompt
			tv.Grade = sc.Grade
			tv.GradeExplanation = sc.GradeExplanation
		}
		if turn.UserResponse != nil {
			tv.UserResponse = turn.UserResponse.ResponseText
		}
		view.Turns = append(view.Turns, tv)
	}
	return view
}
