package api

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Corphon/CrisisSimMCP/internal/config"
	"github.com/Corphon/CrisisSimMCP/internal/di"
	"github.com/Corphon/CrisisSimMCP/internal/media"
	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/services/testutil"
	"github.com/Corphon/CrisisSimMCP/internal/storage"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

const scenarioJSON = `{"situation_description": "Sentient fog blankets every airport", "rationale": "escalation", "user_role": "Air Traffic Tsar", "user_prompt": "How do you reopen the skies?"}`

type testServer struct {
	router  *gin.Engine
	hub     *WebSocketHub
	svc     *services.SimulationService
	failLLM *atomic.Bool
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()
	gin.SetMode(gin.TestMode)

	store, err := storage.NewFileSessionStore(t.TempDir())
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	mediaDir := t.TempDir()
	mediaStore, err := storage.NewLocalMediaStore(mediaDir)
	require.NoError(t, err)
	t.Cleanup(mediaStore.Close)

	failLLM := &atomic.Bool{}
	completer := &testutil.FakeCompleter{Handler: func(model, prompt string) (string, error) {
		if failLLM.Load() {
			return "", errors.New("provider down")
		}
		if strings.Contains(prompt, "cinematographer") {
			return `{"scenes": ["a", "b", "c", "d"]}`, nil
		}
		return scenarioJSON, nil
	}}
	video := &testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/v.mp4")}
	audio := &testutil.FakeMediaProvider{Result: media.URLResult("https://cdn.test/a.mp3")}

	hub := NewWebSocketHub()
	t.Cleanup(hub.Close)

	candidates := []string{"primary"}
	svc := services.NewSimulationService(store,
		services.NewScenarioGenerator(completer, candidates),
		services.NewVideoPromptGenerator(completer, candidates),
		services.NewMediaCoordinator(video, audio, services.NewMediaPublisher(mediaStore), services.MediaCoordinatorConfig{
			FallbackVideoURL: "/media/fallback/video.mp4",
			FallbackAudioURL: "/media/fallback/audio.mp3",
		}),
		hub,
		services.SimulationOptions{MaxTurns: 3, MediaPathway: config.PathwayPair},
	)
	t.Cleanup(svc.Close)

	container := di.NewContainer()
	container.Register(di.ServiceConfig, &config.AppConfig{Config: config.Config{MediaDir: mediaDir, DebugMode: true}})
	container.Register(di.ServiceSimulation, svc)
	container.Register(di.ServiceHub, hub)
	container.Register(di.ServiceMetrics, utils.NewMetricsCollector())
	container.Register(di.ServiceHealth, HealthInfo{StoreBackend: "file", MediaStore: "local", MediaPathway: "pair"})

	router, err := SetupRouter(container)
	require.NoError(t, err)
	t.Cleanup(func() {
		for _, closeFn := range container.Closers() {
			_ = closeFn()
		}
	})

	return &testServer{router: router, hub: hub, svc: svc, failLLM: failLLM}
}

func (s *testServer) do(t *testing.T, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		require.NoError(t, err)
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}
	req := httptest.NewRequest(method, path, reader)
	req.Header.Set("Content-Type", "application/json")
	w := httptest.NewRecorder()
	s.router.ServeHTTP(w, req)
	return w
}

type envelope struct {
	Success   bool            `json:"success"`
	Data      json.RawMessage `json:"data"`
	Error     *APIError       `json:"error"`
	RequestID string          `json:"request_id"`
}

func decode(t *testing.T, w *httptest.ResponseRecorder) envelope {
	t.Helper()
	var env envelope
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &env), w.Body.String())
	return env
}

func (s *testServer) create(t *testing.T, body interface{}) models.SimulationState {
	t.Helper()
	w := s.do(t, http.MethodPost, "/api/simulations", body)
	require.Equal(t, http.StatusCreated, w.Code, w.Body.String())
	var state models.SimulationState
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &state))
	return state
}

func TestCreateAndGetSimulation(t *testing.T) {
	s := newTestServer(t)

	state := s.create(t, gin.H{"initial_prompt": "fog", "developer_mode": true, "max_turns": 2})
	assert.Equal(t, 2, state.MaxTurns)
	assert.Equal(t, 1, state.CurrentTurnNumber)
	require.Len(t, state.Turns, 1)
	assert.Equal(t, "https://cdn.test/v.mp4", state.Turns[0].VideoURL)

	w := s.do(t, http.MethodGet, "/api/simulations/"+state.SimulationID, nil)
	require.Equal(t, http.StatusOK, w.Code)
	env := decode(t, w)
	assert.True(t, env.Success)
	assert.NotEmpty(t, env.RequestID)
	assert.Equal(t, env.RequestID, w.Header().Get("X-Request-ID"))

	w = s.do(t, http.MethodGet, "/api/simulations", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var list []models.SimulationState
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &list))
	assert.Len(t, list, 1)
}

func TestCreateSimulation_DefaultsAndValidation(t *testing.T) {
	s := newTestServer(t)

	state := s.create(t, gin.H{"initial_prompt": ""})
	assert.Equal(t, 3, state.MaxTurns)

	w := s.do(t, http.MethodPost, "/api/simulations", gin.H{"max_turns": 99})
	assert.Equal(t, http.StatusBadRequest, w.Code)
	assert.Equal(t, ErrorBadRequest, decode(t, w).Error.Code)
}

func TestCreateSimulation_GenerationFailure(t *testing.T) {
	s := newTestServer(t)
	s.failLLM.Store(true)

	w := s.do(t, http.MethodPost, "/api/simulations", gin.H{"initial_prompt": "x"})

	assert.Equal(t, http.StatusInternalServerError, w.Code)
	assert.Equal(t, ErrorSimulationCreateFailed, decode(t, w).Error.Code)
}

func TestGetSimulation_NotFound(t *testing.T) {
	s := newTestServer(t)

	for _, path := range []string{"/api/simulations/sim_missing", "/api/simulations/sim_missing/history"} {
		w := s.do(t, http.MethodGet, path, nil)
		assert.Equal(t, http.StatusNotFound, w.Code, path)
		assert.Equal(t, ErrorSimulationNotFound, decode(t, w).Error.Code)
	}
}

func TestRespondFlow(t *testing.T) {
	s := newTestServer(t)
	state := s.create(t, gin.H{"max_turns": 2})
	path := "/api/simulations/" + state.SimulationID + "/respond"

	w := s.do(t, http.MethodPost, path, gin.H{"response_text": "deploy fans"})
	require.Equal(t, http.StatusOK, w.Code, w.Body.String())
	var updated models.SimulationState
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &updated))
	assert.Equal(t, 2, updated.CurrentTurnNumber)
	assert.False(t, updated.IsComplete)
	require.Len(t, updated.Turns, 2)

	t.Run("duplicate turn", func(t *testing.T) {
		w := s.do(t, http.MethodPost, path, gin.H{"response_text": "again", "turn_number": 1})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, ErrorResponseAlreadyRecorded, decode(t, w).Error.Code)
	})

	t.Run("future turn", func(t *testing.T) {
		w := s.do(t, http.MethodPost, path, gin.H{"response_text": "early", "turn_number": 5})
		assert.Equal(t, http.StatusBadRequest, w.Code)
		assert.Equal(t, ErrorTurnNotFound, decode(t, w).Error.Code)
	})

	t.Run("complete", func(t *testing.T) {
		w := s.do(t, http.MethodPost, path, gin.H{"response_text": "final answer"})
		require.Equal(t, http.StatusOK, w.Code, w.Body.String())
		var done models.SimulationState
		require.NoError(t, json.Unmarshal(decode(t, w).Data, &done))
		assert.True(t, done.IsComplete)

		w = s.do(t, http.MethodPost, path, gin.H{"response_text": "more"})
		assert.Equal(t, http.StatusConflict, w.Code)
		assert.Equal(t, ErrorSimulationComplete, decode(t, w).Error.Code)
	})

	t.Run("empty text", func(t *testing.T) {
		w := s.do(t, http.MethodPost, path, gin.H{"response_text": ""})
		assert.Equal(t, http.StatusBadRequest, w.Code)
	})

	t.Run("history", func(t *testing.T) {
		w := s.do(t, http.MethodGet, "/api/simulations/"+state.SimulationID+"/history", nil)
		require.Equal(t, http.StatusOK, w.Code)
		var body struct {
			HistoryText string `json:"history_text"`
		}
		require.NoError(t, json.Unmarshal(decode(t, w).Data, &body))
		assert.Contains(t, body.HistoryText, "deploy fans")
	})
}

func TestRespond_UnknownSimulation(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodPost, "/api/simulations/sim_nope/respond", gin.H{"response_text": "hi"})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestDeveloperModeAndDelete(t *testing.T) {
	s := newTestServer(t)
	state := s.create(t, gin.H{})
	base := "/api/simulations/" + state.SimulationID

	w := s.do(t, http.MethodPost, base+"/developer-mode", gin.H{"enabled": true})
	require.Equal(t, http.StatusOK, w.Code)
	var updated models.SimulationState
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &updated))
	assert.True(t, updated.DeveloperMode)

	w = s.do(t, http.MethodPost, base+"/developer-mode", gin.H{})
	assert.Equal(t, http.StatusBadRequest, w.Code)

	w = s.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNoContent, w.Code)

	w = s.do(t, http.MethodDelete, base, nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestHealthAndMetrics(t *testing.T) {
	s := newTestServer(t)

	w := s.do(t, http.MethodGet, "/api/health", nil)
	require.Equal(t, http.StatusOK, w.Code)
	var health map[string]interface{}
	require.NoError(t, json.Unmarshal(decode(t, w).Data, &health))
	assert.Equal(t, "degraded", health["status"])
	backends := health["backends"].(map[string]interface{})
	assert.Equal(t, "file", backends["store_backend"])

	w = s.do(t, http.MethodGet, "/metrics", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "crisissim_http_requests_total")
}

func TestCreateRateLimit(t *testing.T) {
	s := newTestServer(t)

	var last *httptest.ResponseRecorder
	for i := 0; i <= createRateLimit; i++ {
		last = s.do(t, http.MethodPost, "/api/simulations", gin.H{})
	}

	assert.Equal(t, http.StatusTooManyRequests, last.Code)
	assert.Equal(t, ErrorRateLimitExceeded, decode(t, last).Error.Code)
	assert.Equal(t, "0", last.Header().Get("X-RateLimit-Remaining"))
}

func TestRateLimiterWindow(t *testing.T) {
	rl := NewRateLimiter(time.Hour)
	defer rl.Close()
	now := time.Unix(1000, 0)
	rl.now = func() time.Time { return now }

	ok, v := rl.Allow("k", 2, time.Minute)
	assert.True(t, ok)
	assert.Equal(t, 1, v.Remaining)
	ok, _ = rl.Allow("k", 2, time.Minute)
	assert.True(t, ok)
	ok, _ = rl.Allow("k", 2, time.Minute)
	assert.False(t, ok)

	now = now.Add(2 * time.Minute)
	assert.Equal(t, 1, rl.cleanup())
	ok, _ = rl.Allow("k", 2, time.Minute)
	assert.True(t, ok)
}

func TestSanitizeErrorMessage(t *testing.T) {
	assert.Equal(t, "An internal error occurred", sanitizeErrorMessage("bad API_KEY abc"))
	assert.Equal(t, "turn not found", sanitizeErrorMessage("turn not found"))
}

func TestHubPublish(t *testing.T) {
	hub := NewWebSocketHub()
	defer hub.Close()

	client := newWebSocketClient(nil, "sim_1")
	hub.Register(client)
	require.Eventually(t, func() bool { return hub.ClientCount("sim_1") == 1 }, time.Second, 5*time.Millisecond)

	hub.Publish(context.Background(), services.SimulationEvent{
		Type:         services.EventSimulationUpdated,
		SimulationID: "sim_1",
		Simulation:   &models.SimulationState{SimulationID: "sim_1"},
	})
	hub.Publish(context.Background(), services.SimulationEvent{Type: services.EventSimulationCreated, SimulationID: "sim_1"})

	select {
	case msg := <-client.send:
		var decoded map[string]interface{}
		require.NoError(t, json.Unmarshal(msg, &decoded))
		assert.Equal(t, "simulation_updated", decoded["type"])
	case <-time.After(time.Second):
		t.Fatal("no broadcast received")
	}
	assert.Len(t, client.send, 0)

	hub.Unregister(client)
	require.Eventually(t, func() bool { return hub.ClientCount("sim_1") == 0 }, time.Second, 5*time.Millisecond)
	assert.True(t, client.IsClosed())
}
