package services

import (
	"context"
	"errors"
	"strings"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/CrisisSimMCP/internal/config"
	apperrors "github.com/Corphon/CrisisSimMCP/internal/errors"
	"github.com/Corphon/CrisisSimMCP/internal/media"
	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/services/testutil"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
)

const (
	testFallbackVideo = "/media/fallback/video.mp4"
	testFallbackAudio = "/media/fallback/audio.mp3"
	fourScenesJSON    = `{"scenes": ["scene one", "scene two", "scene three", "scene four"]}`
)

type harness struct {
	svc       *SimulationService
	completer *testutil.FakeCompleter
	video     *testutil.FakeMediaProvider
	audio     *testutil.FakeMediaProvider
	events    *eventRecorder
	failLLM   *atomic.Bool
}

type eventRecorder struct {
	mu     sync.Mutex
	events []SimulationEvent
}

func (r *eventRecorder) Publish(_ context.Context, e SimulationEvent) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) types() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := []string{}
	for _, e := range r.events {
		out = append(out, e.Type)
	}
	return out
}

func newHarness(t *testing.T, pathway string) *harness {
	t.Helper()

	store, err := storage.NewFileSessionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mediaStore, err := storage.NewLocalMediaStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(mediaStore.Close)

	failLLM := &atomic.Bool{}
	completer := &testutil.FakeCompleter{Handler: func(model, prompt string) (string, error) {
		if failLLM.Load() {
			return "", errors.New("provider down")
		}
		if strings.Contains(prompt, "cinematographer") {
			return fourScenesJSON, nil
		}
		return `{"situation_description": "Giant squirrels hoard the world's lithium", "rationale": "escalation", "user_role": "Rodent Diplomat", "user_prompt": "How do you negotiate?"}`, nil
	}}

	video := &testutil.FakeMediaProvider{ProviderName: "fakevideo", ResultFor: func(req media.Request) (media.Result, error) {
		return media.URLResult("https://cdn.test/" + strings.ReplaceAll(req.Prompt, " ", "_") + ".mp4"), nil
	}}
	audio := &testutil.FakeMediaProvider{ProviderName: "fakeaudio", Result: media.BytesResult([]byte("RIFF"), "audio/wav", 24000)}

	coordinator := NewMediaCoordinator(video, audio, NewMediaPublisher(mediaStore), MediaCoordinatorConfig{
		FallbackVideoURL: testFallbackVideo,
		FallbackAudioURL: testFallbackAudio,
	})
	events := &eventRecorder{}
	candidates := []string{"primary", "secondary"}
	svc := NewSimulationService(store,
		NewScenarioGenerator(completer, candidates),
		NewVideoPromptGenerator(completer, candidates),
		coordinator,
		events,
		SimulationOptions{
			MaxTurns:         6,
			MediaPathway:     pathway,
			FallbackVideoURL: testFallbackVideo,
			FallbackAudioURL: testFallbackAudio,
		})
	t.Cleanup(svc.Close)

	return &harness{svc: svc, completer: completer, video: video, audio: audio, events: events, failLLM: failLLM}
}

func TestCreateSimulation_FirstTurn(t *testing.T) {
	h := newHarness(t, config.PathwayPair)

	state, err := h.svc.CreateSimulationWithTurns(context.Background(), "", false, 3)

	require.NoError(t, err)
	require.Len(t, state.Turns, 1)
	assert.Equal(t, 1, state.CurrentTurnNumber)
	assert.Equal(t, 3, state.MaxTurns)
	assert.False(t, state.IsComplete)

	turn := state.Turns[0]
	require.NotNil(t, turn.SelectedScenario)
	assert.NotEmpty(t, turn.SelectedScenario.SituationDescription)
	assert.Equal(t, "scenario_1_1", turn.SelectedScenario.ID)
	assert.Len(t, turn.VideoScenes, 4)
	assert.Equal(t, "scene one", turn.VideoPrompt)
	assert.Empty(t, turn.NarrationScript)
	assert.Equal(t, "https://cdn.test/scene_one.mp4", turn.VideoURL)
	assert.True(t, strings.HasPrefix(turn.AudioURL, "/media/audio/turn_1_"))
	assert.True(t, strings.HasSuffix(turn.AudioURL, ".wav"))
	assert.Empty(t, turn.LLMLogs)

	stored, err := h.svc.GetSimulation(context.Background(), state.SimulationID)
	require.NoError(t, err)
	assert.Equal(t, state.Turns[0].VideoURL, stored.Turns[0].VideoURL)
	assert.Equal(t, []string{EventSimulationCreated}, h.events.types())

	audioReqs := h.audio.Requests()
	require.Len(t, audioReqs, 1)
	assert.Equal(t, "Giant squirrels hoard the world's lithium How do you negotiate?", audioReqs[0].Prompt)
}

func TestProcessUserResponse_AdvancesTurn(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	ctx := context.Background()
	state, err := h.svc.CreateSimulationWithTurns(ctx, "", false, 3)
	require.NoError(t, err)

	updated, err := h.svc.ProcessUserResponse(ctx, state.SimulationID, "Deploy the countermeasure")

	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentTurnNumber)
	assert.Equal(t, "Deploy the countermeasure", updated.GetTurn(1).UserResponse.ResponseText)
	turn2 := updated.GetTurn(2)
	require.NotNil(t, turn2)
	require.NotNil(t, turn2.SelectedScenario)
	assert.Equal(t, "scenario_2_1", turn2.SelectedScenario.ID)
	assert.NotEmpty(t, turn2.VideoURL)

	// 第二回合提示词包含历史
	var scenarioPrompts []string
	for _, c := range h.completer.Calls() {
		if !strings.Contains(c.Prompt, "cinematographer") {
			scenarioPrompts = append(scenarioPrompts, c.Prompt)
		}
	}
	require.Len(t, scenarioPrompts, 2)
	assert.Contains(t, scenarioPrompts[1], "USER RESPONSE: Deploy the countermeasure")
	assert.Equal(t, []string{EventSimulationCreated, EventSimulationUpdated}, h.events.types())
}

func TestProcessUserResponse_LastTurnCompletes(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	ctx := context.Background()
	state, err := h.svc.CreateSimulationWithTurns(ctx, "", false, 2)
	require.NoError(t, err)

	mid, err := h.svc.ProcessUserResponse(ctx, state.SimulationID, "first")
	require.NoError(t, err)
	assert.Equal(t, 2, mid.CurrentTurnNumber)

	calls := h.completer.Calls()
	conclusionPrompt := calls[len(calls)-2].Prompt
	assert.Contains(t, conclusionPrompt, ConclusionDirection)

	final, err := h.svc.ProcessUserResponse(ctx, state.SimulationID, "second")
	require.NoError(t, err)
	assert.True(t, final.IsComplete)
	assert.Equal(t, 2, final.CurrentTurnNumber)
	assert.Len(t, final.Turns, 2)
	assert.Nil(t, final.GetTurn(3))

	_, err = h.svc.ProcessUserResponse(ctx, state.SimulationID, "third")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflictError(err))
	assert.ErrorIs(t, err, models.ErrSimulationComplete)
}

func TestProcessUserResponse_DuplicateRejected(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	ctx := context.Background()
	state, err := h.svc.CreateSimulationWithTurns(ctx, "", false, 4)
	require.NoError(t, err)

	_, err = h.svc.ProcessUserResponseForTurn(ctx, state.SimulationID, 1, "answer")
	require.NoError(t, err)

	_, err = h.svc.ProcessUserResponseForTurn(ctx, state.SimulationID, 1, "answer again")
	require.Error(t, err)
	assert.True(t, apperrors.IsConflictError(err))
	assert.ErrorIs(t, err, models.ErrResponseAlreadyRecorded)

	stored, err := h.svc.GetSimulation(ctx, state.SimulationID)
	require.NoError(t, err)
	assert.Equal(t, 2, stored.CurrentTurnNumber)
	assert.Equal(t, "answer", stored.GetTurn(1).UserResponse.ResponseText)
}

func TestProcessUserResponse_UnknownSimulation(t *testing.T) {
	h := newHarness(t, config.PathwayPair)

	state, err := h.svc.ProcessUserResponse(context.Background(), "sim_nope", "hello")

	assert.NoError(t, err)
	assert.Nil(t, state)
}

func TestProcessUserResponse_EmptyText(t *testing.T) {
	h := newHarness(t, config.PathwayPair)

	_, err := h.svc.ProcessUserResponse(context.Background(), "sim_any", "   ")

	assert.True(t, apperrors.IsValidationError(err))
}

func TestCreateSimulation_FailsHard(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	h.failLLM.Store(true)

	state, err := h.svc.CreateSimulation(context.Background(), "aliens", false)

	require.Error(t, err)
	assert.Nil(t, state)
	assert.Equal(t, apperrors.ErrorTypeError, apperrors.TypeOf(err))
	assert.True(t, IsGenerationError(err))

	list, err := h.svc.ListSimulations(context.Background())
	require.NoError(t, err)
	assert.Empty(t, list)
}

func TestProcessUserResponse_FailsSoft(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	ctx := context.Background()
	state, err := h.svc.CreateSimulationWithTurns(ctx, "", false, 3)
	require.NoError(t, err)

	h.failLLM.Store(true)
	updated, err := h.svc.ProcessUserResponse(ctx, state.SimulationID, "hold the line")

	require.NoError(t, err)
	assert.Equal(t, 2, updated.CurrentTurnNumber)
	turn2 := updated.GetTurn(2)
	require.NotNil(t, turn2)
	assert.Equal(t, commsFailureSituation, turn2.SelectedScenario.SituationDescription)
	assert.Equal(t, commsFailureRole, turn2.SelectedScenario.UserRole)
	assert.Equal(t, testFallbackVideo, turn2.VideoURL)
	assert.Equal(t, testFallbackAudio, turn2.AudioURL)
	assert.Equal(t, "hold the line", updated.GetTurn(1).UserResponse.ResponseText)
}

func TestDeveloperMode_LogsBoundToSimulation(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	ctx := context.Background()

	dev, err := h.svc.CreateSimulation(ctx, "", true)
	require.NoError(t, err)
	quiet, err := h.svc.CreateSimulation(ctx, "", false)
	require.NoError(t, err)

	ops := []string{}
	for _, l := range dev.Turns[0].LLMLogs {
		ops = append(ops, l.Operation)
	}
	assert.Equal(t, []string{OpCreateIdea, OpCreateVideoPrompt}, ops)
	assert.Empty(t, quiet.Turns[0].LLMLogs)

	toggled, err := h.svc.ToggleDeveloperMode(ctx, quiet.SimulationID, true)
	require.NoError(t, err)
	assert.True(t, toggled.DeveloperMode)

	updated, err := h.svc.ProcessUserResponse(ctx, quiet.SimulationID, "go")
	require.NoError(t, err)
	assert.Empty(t, updated.GetTurn(1).LLMLogs)
	assert.Len(t, updated.GetTurn(2).LLMLogs, 2)

	reloadedDev, err := h.svc.GetSimulation(ctx, dev.SimulationID)
	require.NoError(t, err)
	assert.Len(t, reloadedDev.Turns[0].LLMLogs, 2)
}

func TestScenesPathway(t *testing.T) {
	h := newHarness(t, config.PathwayScenes)

	state, err := h.svc.CreateSimulation(context.Background(), "", false)

	require.NoError(t, err)
	turn := state.Turns[0]
	assert.Equal(t, []string{
		"https://cdn.test/scene_one.mp4",
		"https://cdn.test/scene_two.mp4",
		"https://cdn.test/scene_three.mp4",
		"https://cdn.test/scene_four.mp4",
	}, turn.SceneVideoURLs)
	assert.Equal(t, turn.SceneVideoURLs[0], turn.VideoURL)
	assert.NotEmpty(t, turn.AudioURL)
	assert.Len(t, h.video.Requests(), 4)
}

func TestMediaFailureFallsBackPerMedia(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	h.video.ResultFor = func(media.Request) (media.Result, error) {
		return media.Result{}, errors.New("runway overloaded")
	}

	state, err := h.svc.CreateSimulation(context.Background(), "", false)

	require.NoError(t, err)
	assert.Equal(t, testFallbackVideo, state.Turns[0].VideoURL)
	assert.NotEqual(t, testFallbackAudio, state.Turns[0].AudioURL)
}

func TestDeleteSimulation(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	ctx := context.Background()
	state, err := h.svc.CreateSimulation(ctx, "", false)
	require.NoError(t, err)

	deleted, err := h.svc.DeleteSimulation(ctx, state.SimulationID)
	require.NoError(t, err)
	assert.True(t, deleted)

	deleted, err = h.svc.DeleteSimulation(ctx, state.SimulationID)
	require.NoError(t, err)
	assert.False(t, deleted)

	got, err := h.svc.GetSimulation(ctx, state.SimulationID)
	require.NoError(t, err)
	assert.Nil(t, got)
}

func TestEndToEnd_ParserBraceRecovery(t *testing.T) {
	scenarios, path := ParseScenariosWithOutcome(`prefix noise {"situation_description": "X", "rationale": "Y"} trailing noise`, 1, 6)

	require.Len(t, scenarios, 1)
	assert.Equal(t, ParsePathBraces, path)
	assert.Equal(t, "X", scenarios[0].SituationDescription)
	assert.Equal(t, "Y", scenarios[0].Rationale)
}

// ctxStore 与 SQL 驱动一样，在上下文取消后拒绝写入
type ctxStore struct {
	storage.SessionStore
}

func (s ctxStore) Update(ctx context.Context, state *models.SimulationState) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.SessionStore.Update(ctx, state)
}

func TestProcessUserResponse_RequestCancelledDuringGeneration(t *testing.T) {
	inner, err := storage.NewFileSessionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { inner.Close() })

	reqCtx, cancelRequest := context.WithCancel(context.Background())
	defer cancelRequest()

	var disconnect atomic.Bool
	completer := &testutil.FakeCompleter{Handler: func(model, prompt string) (string, error) {
		// 客户端在下一回合生成期间断开
		if disconnect.Load() {
			cancelRequest()
		}
		if strings.Contains(prompt, "cinematographer") {
			return fourScenesJSON, nil
		}
		return `{"situation_description": "Clouds unionize", "rationale": "r", "user_role": "Weather Broker", "user_prompt": "Offer?"}`, nil
	}}
	candidates := []string{"primary"}
	svc := NewSimulationService(ctxStore{inner},
		NewScenarioGenerator(completer, candidates),
		NewVideoPromptGenerator(completer, candidates),
		NewMediaCoordinator(
			&testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/v.mp4")},
			&testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/a.mp3")},
			nil, MediaCoordinatorConfig{}),
		nil,
		SimulationOptions{MaxTurns: 3, MediaPathway: config.PathwayPair},
	)
	t.Cleanup(svc.Close)

	state, err := svc.CreateSimulation(context.Background(), "", false)
	require.NoError(t, err)

	disconnect.Store(true)
	updated, err := svc.ProcessUserResponse(reqCtx, state.SimulationID, "seed the clouds")
	require.NoError(t, err)
	require.Error(t, reqCtx.Err())
	assert.Equal(t, 2, updated.CurrentTurnNumber)

	stored, err := inner.Get(context.Background(), state.SimulationID)
	require.NoError(t, err)
	require.Equal(t, 2, stored.CurrentTurnNumber)
	next := stored.GetTurn(2)
	require.NotNil(t, next, "current turn must have a stored record")
	require.NotNil(t, next.SelectedScenario)
	assert.Equal(t, "seed the clouds", stored.GetTurn(1).UserResponse.ResponseText)

	// 后续回应仍可继续
	disconnect.Store(false)
	again, err := svc.ProcessUserResponse(context.Background(), state.SimulationID, "negotiate")
	require.NoError(t, err)
	assert.Equal(t, 3, again.CurrentTurnNumber)
}

func TestCreateSimulation_MissingRoleStaysEmpty(t *testing.T) {
	h := newHarness(t, config.PathwayPair)
	h.completer.Handler = func(model, prompt string) (string, error) {
		if strings.Contains(prompt, "cinematographer") {
			return fourScenesJSON, nil
		}
		return `{"situation_description": "Clouds file for bankruptcy", "rationale": "r"}`, nil
	}

	state, err := h.svc.CreateSimulationWithTurns(context.Background(), "", false, 3)
	require.NoError(t, err)

	sc := state.Turns[0].SelectedScenario
	require.NotNil(t, sc)
	assert.Empty(t, sc.UserRole)
	assert.Equal(t, models.DefaultUserPrompt, sc.UserPrompt)
	assert.NotContains(t, state.HistoryText(), "USER ROLE")

	next, err := h.svc.ProcessUserResponse(context.Background(), state.SimulationID, "lend them rain")
	require.NoError(t, err)
	turn2 := next.GetTurn(2)
	require.NotNil(t, turn2)
	require.NotNil(t, turn2.SelectedScenario)
	assert.Empty(t, turn2.SelectedScenario.UserRole)
}
