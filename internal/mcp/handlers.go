// internal/mcp/handlers.go
package mcp

import (
	"context"
	"fmt"
	"strings"
	"time"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"

	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

func (s *Server) logTool(tool string, start time.Time, err error) {
	fields := map[string]interface{}{
		"tool":        tool,
		"duration_ms": time.Since(start).Milliseconds(),
	}
	if err != nil {
		fields["error"] = err.Error()
		utils.GetLogger().Warn("MCP tool failed", fields)
		return
	}
	utils.GetLogger().Debug("MCP tool completed", fields)
}

// handleCreate 实现 crisis_create
func (s *Server) handleCreate(ctx context.Context, req *sdk.CallToolRequest, args CreateInput) (_ *sdk.CallToolResult, _ SimulationOutput, retErr error) {
	defer func(start time.Time) { s.logTool("crisis_create", start, retErr) }(time.Now())

	if args.MaxTurns < 0 {
		return nil, SimulationOutput{}, fmt.Errorf("'max_turns' must be positive")
	}
	state, err := s.simulations.CreateSimulationWithTurns(ctx, strings.TrimSpace(args.InitialPrompt), args.DeveloperMode, args.MaxTurns)
	if err != nil {
		return nil, SimulationOutput{}, err
	}
	return nil, SimulationOutput{
		Found:      true,
		Simulation: toView(state),
		Message:    fmt.Sprintf("Simulation %s started (%d turns)", state.SimulationID, state.MaxTurns),
	}, nil
}

// handleGet 实现 crisis_get
func (s *Server) handleGet(ctx context.Context, req *sdk.CallToolRequest, args SimulationIDInput) (_ *sdk.CallToolResult, _ SimulationOutput, retErr error) {
	defer func(start time.Time) { s.logTool("crisis_get", start, retErr) }(time.Now())

	if args.SimulationID == "" {
		return nil, SimulationOutput{}, fmt.Errorf("'simulation_id' parameter is required")
	}
	state, err := s.simulations.GetSimulation(ctx, args.SimulationID)
	if err != nil {
		return nil, SimulationOutput{}, err
	}
	if state == nil {
		return nil, SimulationOutput{Message: "simulation not found"}, nil
	}
	return nil, SimulationOutput{Found: true, Simulation: toView(state), Message: "ok"}, nil
}

// handleRespond 实现 crisis_respond
func (s *Server) handleRespond(ctx context.Context, req *sdk.CallToolRequest, args RespondInput) (_ *sdk.CallToolResult, _ SimulationOutput, retErr error) {
	defer func(start time.Time) { s.logTool("crisis_respond", start, retErr) }(time.Now())

	if args.SimulationID == "" {
		return nil, SimulationOutput{}, fmt.Errorf("'simulation_id' parameter is required")
	}
	if strings.TrimSpace(args.ResponseText) == "" {
		return nil, SimulationOutput{}, fmt.Errorf("'response_text' parameter is required")
	}

	state, err := s.simulations.ProcessUserResponseForTurn(ctx, args.SimulationID, args.TurnNumber, args.ResponseText)
	if err != nil {
		return nil, SimulationOutput{}, err
	}
	if state == nil {
		return nil, SimulationOutput{Message: "simulation not found"}, nil
	}

	message := fmt.Sprintf("Advanced to turn %d", state.CurrentTurnNumber)
	if state.IsComplete {
		message = "Simulation complete"
	}
	return nil, SimulationOutput{Found: true, Simulation: toView(state), Message: message}, nil
}

// handleList 实现 crisis_list
func (s *Server) handleList(ctx context.Context, req *sdk.CallToolRequest, args ListInput) (_ *sdk.CallToolResult, _ ListOutput, retErr error) {
	defer func(start time.Time) { s.logTool("crisis_list", start, retErr) }(time.Now())

	states, err := s.simulations.ListSimulations(ctx)
	if err != nil {
		return nil, ListOutput{}, err
	}

	out := ListOutput{Simulations: []ListItem{}}
	for _, state := range states {
		if state.IsComplete && !args.IncludeComplete {
			continue
		}
		out.Simulations = append(out.Simulations, toListItem(state.Summary()))
	}
	out.Count = len(out.Simulations)
	return nil, out, nil
}

// handleDelete 实现 crisis_delete
func (s *Server) handleDelete(ctx context.Context, req *sdk.CallToolRequest, args SimulationIDInput) (_ *sdk.CallToolResult, _ DeleteOutput, retErr error) {
	defer func(start time.Time) { s.logTool("crisis_delete", start, retErr) }(time.Now())

	if args.SimulationID == "" {
		return nil, DeleteOutput{}, fmt.Errorf("'simulation_id' parameter is required")
	}
	deleted, err := s.simulations.DeleteSimulation(ctx, args.SimulationID)
	if err != nil {
		return nil, DeleteOutput{}, err
	}
	if !deleted {
		return nil, DeleteOutput{Message: "simulation not found"}, nil
	}
	return nil, DeleteOutput{Deleted: true, Message: "deleted " + args.SimulationID}, nil
}

// handleDeveloperMode 实现 crisis_developer_mode，只影响之后生成的回合
func (s *Server) handleDeveloperMode(ctx context.Context, req *sdk.CallToolRequest, args DeveloperModeInput) (_ *sdk.CallToolResult, _ SimulationOutput, retErr error) {
	defer func(start time.Time) { s.logTool("crisis_developer_mode", start, retErr) }(time.Now())

	if args.SimulationID == "" {
		return nil, SimulationOutput{}, fmt.Errorf("'simulation_id' parameter is required")
	}
	state, err := s.simulations.ToggleDeveloperMode(ctx, args.SimulationID, args.Enabled)
	if err != nil {
		return nil, SimulationOutput{}, err
	}
	if state == nil {
		return nil, SimulationOutput{Message: "simulation not found"}, nil
	}

	message := "developer mode disabled"
	if state.DeveloperMode {
		message = "developer mode enabled"
	}
	return nil, SimulationOutput{Found: true, Simulation: toView(state), Message: message}, nil
}
