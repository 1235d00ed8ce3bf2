// internal/api/websocket_handlers.go
package api

import (
	"encoding/json"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/gorilla/websocket"

	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

// SimulationWebSocket GET /api/ws/simulations/:id
func (h *Handler) SimulationWebSocket(c *gin.Context) {
	id := c.Param("id")
	state, err := h.simulations.GetSimulation(c.Request.Context(), id)
	if err != nil {
		Response.ServiceError(c, err, ErrorInternalError)
		return
	}
	if state == nil {
		Response.NotFound(c, "simulation")
		return
	}

	conn, err := upgrader.Upgrade(c.Writer, c.Request, nil)
	if err != nil {
		utils.GetLogger().Warn("WebSocket upgrade failed", map[string]interface{}{
			"simulation_id": id,
			"error":         err.Error(),
		})
		return
	}

	client := newWebSocketClient(conn, id)
	h.hub.Register(client)

	_ = client.SendMessage(map[string]interface{}{
		"type":       "simulation_state",
		"simulation": state,
	})

	go h.handleWebSocketWrites(client)
	h.handleWebSocketReads(client)
}

// handleWebSocketReads 读循环，返回时注销客户端
func (h *Handler) handleWebSocketReads(client *WebSocketClient) {
	defer func() {
		h.hub.Unregister(client)
		client.Close()
	}()

	client.conn.SetReadDeadline(time.Now().Add(wsPingTimeout))
	client.conn.SetPongHandler(func(string) error {
		client.UpdatePing()
		return client.conn.SetReadDeadline(time.Now().Add(wsPingTimeout))
	})

	for {
		_, messageBytes, err := client.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				utils.GetLogger().Warn("WebSocket read error", map[string]interface{}{
					"simulation_id": client.simulationID,
					"error":         err.Error(),
				})
			}
			return
		}
		client.UpdatePing()
		client.conn.SetReadDeadline(time.Now().Add(wsPingTimeout))

		var message map[string]interface{}
		if err := json.Unmarshal(messageBytes, &message); err != nil {
			client.SendError("invalid JSON message")
			continue
		}
		h.handleMessage(client, message)
	}
}

// handleWebSocketWrites 写循环，send 关闭后发送 close 帧
func (h *Handler) handleWebSocketWrites(client *WebSocketClient) {
	ticker := time.NewTicker(wsPingInterval)
	defer func() {
		ticker.Stop()
		client.Close()
	}()

	for {
		select {
		case message, ok := <-client.send:
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if !ok {
				client.conn.WriteMessage(websocket.CloseMessage, []byte{})
				return
			}
			if err := client.conn.WriteMessage(websocket.TextMessage, message); err != nil {
				return
			}
		case <-ticker.C:
			if client.IsClosed() {
				return
			}
			client.conn.SetWriteDeadline(time.Now().Add(wsWriteWait))
			if err := client.conn.WriteMessage(websocket.PingMessage, nil); err != nil {
				return
			}
		}
	}
}

// handleMessage ping 回 pong，其余原样回显
func (h *Handler) handleMessage(client *WebSocketClient, message map[string]interface{}) {
	if msgType, _ := message["type"].(string); msgType == "ping" {
		_ = client.SendMessage(map[string]interface{}{
			"type":      "pong",
			"timestamp": time.Now().Unix(),
		})
		return
	}
	_ = client.SendMessage(map[string]interface{}{
		"type": "echo",
		"data": message,
	})
}

// WebSocketStatus GET /api/ws/status
func (h *Handler) WebSocketStatus(c *gin.Context) {
	Response.Success(c, h.hub.GetStatus())
}
