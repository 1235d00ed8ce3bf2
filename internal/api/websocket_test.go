package api

import (
	"context"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func readJSON(t *testing.T, conn *websocket.Conn) map[string]interface{} {
	t.Helper()
	require.NoError(t, conn.SetReadDeadline(time.Now().Add(5*time.Second)))
	var msg map[string]interface{}
	require.NoError(t, conn.ReadJSON(&msg))
	return msg
}

func TestSimulationWebSocket(t *testing.T) {
	s := newTestServer(t)
	state := s.create(t, gin.H{"max_turns": 3})

	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/simulations/" + state.SimulationID
	conn, _, err := websocket.DefaultDialer.Dial(url, nil)
	require.NoError(t, err)
	defer conn.Close()

	first := readJSON(t, conn)
	assert.Equal(t, "simulation_state", first["type"])
	sim := first["simulation"].(map[string]interface{})
	assert.Equal(t, state.SimulationID, sim["simulation_id"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "ping"}))
	assert.Equal(t, "pong", readJSON(t, conn)["type"])

	require.NoError(t, conn.WriteJSON(map[string]interface{}{"type": "hello", "n": 1}))
	echo := readJSON(t, conn)
	assert.Equal(t, "echo", echo["type"])
	assert.Equal(t, "hello", echo["data"].(map[string]interface{})["type"])

	require.Eventually(t, func() bool { return s.hub.ClientCount(state.SimulationID) == 1 }, time.Second, 5*time.Millisecond)

	_, err = s.svc.ProcessUserResponse(context.Background(), state.SimulationID, "seed the clouds")
	require.NoError(t, err)

	update := readJSON(t, conn)
	assert.Equal(t, "simulation_updated", update["type"])
	updated := update["simulation"].(map[string]interface{})
	assert.Equal(t, float64(2), updated["current_turn_number"])
}

func TestSimulationWebSocket_UnknownSimulation(t *testing.T) {
	s := newTestServer(t)
	srv := httptest.NewServer(s.router)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/ws/simulations/sim_missing"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)

	require.Error(t, err)
	require.NotNil(t, resp)
	assert.Equal(t, 404, resp.StatusCode)
}
