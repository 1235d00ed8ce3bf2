package mcp

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	sdk "github.com/modelcontextprotocol/go-sdk/mcp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/media"
	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/services/testutil"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
)

func setupTestServer(t *testing.T) *Server {
	t.Helper()

	store, err := storage.NewFileSessionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	completer := &testutil.FakeCompleter{Handler: func(model, prompt string) (string, error) {
		if strings.Contains(prompt, "cinematographer") {
			return `{"scenes": ["a", "b", "c", "d"]}`, nil
		}
		return `{"situation_description": "The moon drifts closer", "rationale": "r", "user_role": "Orbital Planner", "user_prompt": "What now?"}`, nil
	}}
	video := &testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/v.mp4")}
	audio := &testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/a.mp3")}

	candidates := []string{"primary"}
	svc := services.NewSimulationService(store,
		services.NewScenarioGenerator(completer, candidates),
		services.NewVideoPromptGenerator(completer, candidates),
		services.NewMediaCoordinator(video, audio, nil, services.MediaCoordinatorConfig{}),
		nil,
		services.SimulationOptions{MaxTurns: 2, MediaPathway: config.PathwayPair},
	)
	t.Cleanup(svc.Close)

	server, err := NewServer(Config{Name: "test-server", Version: "v0.0.1"}, svc)
	require.NoError(t, err)
	return server
}

func TestHandleCreateAndRespond(t *testing.T) {
	server := setupTestServer(t)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	_, created, err := server.handleCreate(ctx, req, CreateInput{InitialPrompt: "moon"})
	require.NoError(t, err)
	require.True(t, created.Found)
	id := created.Simulation.SimulationID
	assert.Equal(t, 2, created.Simulation.MaxTurns)
	require.Len(t, created.Simulation.Turns, 1)
	assert.Equal(t, "The moon drifts closer", created.Simulation.Turns[0].Situation)

	_, responded, err := server.handleRespond(ctx, req, RespondInput{SimulationID: id, ResponseText: "build a tether"})
	require.NoError(t, err)
	assert.Equal(t, 2, responded.Simulation.CurrentTurnNumber)
	assert.Equal(t, "build a tether", responded.Simulation.Turns[0].UserResponse)

	_, _, err = server.handleRespond(ctx, req, RespondInput{SimulationID: id, ResponseText: "again", TurnNumber: 1})
	assert.Error(t, err)

	_, final, err := server.handleRespond(ctx, req, RespondInput{SimulationID: id, ResponseText: "evacuate"})
	require.NoError(t, err)
	assert.True(t, final.Simulation.IsComplete)
	assert.Equal(t, "Simulation complete", final.Message)

	_, list, err := server.handleList(ctx, req, ListInput{})
	require.NoError(t, err)
	assert.Equal(t, 0, list.Count)

	_, list, err = server.handleList(ctx, req, ListInput{IncludeComplete: true})
	require.NoError(t, err)
	assert.Equal(t, 1, list.Count)
}

func TestHandlers_RequiredParams(t *testing.T) {
	server := setupTestServer(t)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	_, _, err := server.handleGet(ctx, req, SimulationIDInput{})
	assert.Error(t, err)
	_, _, err = server.handleRespond(ctx, req, RespondInput{SimulationID: "sim_x"})
	assert.Error(t, err)
	_, _, err = server.handleDelete(ctx, req, SimulationIDInput{})
	assert.Error(t, err)
	_, _, err = server.handleCreate(ctx, req, CreateInput{MaxTurns: -1})
	assert.Error(t, err)
	_, _, err = server.handleDeveloperMode(ctx, req, DeveloperModeInput{Enabled: true})
	assert.Error(t, err)
}

func TestHandlers_UnknownSimulation(t *testing.T) {
	server := setupTestServer(t)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	_, got, err := server.handleGet(ctx, req, SimulationIDInput{SimulationID: "sim_missing"})
	require.NoError(t, err)
	assert.False(t, got.Found)

	_, del, err := server.handleDelete(ctx, req, SimulationIDInput{SimulationID: "sim_missing"})
	require.NoError(t, err)
	assert.False(t, del.Deleted)

	_, dev, err := server.handleDeveloperMode(ctx, req, DeveloperModeInput{SimulationID: "sim_missing", Enabled: true})
	require.NoError(t, err)
	assert.False(t, dev.Found)
}

func TestHandleDeveloperMode(t *testing.T) {
	server := setupTestServer(t)
	ctx := context.Background()
	req := &sdk.CallToolRequest{}

	_, created, err := server.handleCreate(ctx, req, CreateInput{})
	require.NoError(t, err)
	id := created.Simulation.SimulationID
	assert.False(t, created.Simulation.DeveloperMode)

	_, on, err := server.handleDeveloperMode(ctx, req, DeveloperModeInput{SimulationID: id, Enabled: true})
	require.NoError(t, err)
	require.True(t, on.Found)
	assert.True(t, on.Simulation.DeveloperMode)
	assert.Equal(t, "developer mode enabled", on.Message)

	_, got, err := server.handleGet(ctx, req, SimulationIDInput{SimulationID: id})
	require.NoError(t, err)
	assert.True(t, got.Simulation.DeveloperMode)

	_, off, err := server.handleDeveloperMode(ctx, req, DeveloperModeInput{SimulationID: id})
	require.NoError(t, err)
	assert.False(t, off.Simulation.DeveloperMode)
	assert.Equal(t, "developer mode disabled", off.Message)
}

func TestServerOverInMemoryTransport(t *testing.T) {
	server := setupTestServer(t)
	ctx := context.Background()

	clientTransport, serverTransport := sdk.NewInMemoryTransports()
	serverSession, err := server.Connect(ctx, serverTransport)
	require.NoError(t, err)
	defer serverSession.Close()

	client := sdk.NewClient(&sdk.Implementation{Name: "test-client", Version: "v0.0.1"}, nil)
	session, err := client.Connect(ctx, clientTransport, nil)
	require.NoError(t, err)
	defer session.Close()

	tools, err := session.ListTools(ctx, nil)
	require.NoError(t, err)
	var names []string
	for _, tool := range tools.Tools {
		names = append(names, tool.Name)
	}
	assert.ElementsMatch(t, []string{"crisis_create", "crisis_get", "crisis_respond", "crisis_list", "crisis_delete", "crisis_developer_mode"}, names)

	res, err := session.CallTool(ctx, &sdk.CallToolParams{
		Name:      "crisis_create",
		Arguments: map[string]any{"initial_prompt": "tides"},
	})
	require.NoError(t, err)
	require.False(t, res.IsError)

	raw, err := json.Marshal(res.StructuredContent)
	require.NoError(t, err)
	var out SimulationOutput
	require.NoError(t, json.Unmarshal(raw, &out))
	assert.True(t, out.Found)
	assert.NotEmpty(t, out.Simulation.SimulationID)
}
