// internal/api/websocket.go
package api

import (
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/Corphon/CrisisSimMCP/internal/services"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

const (
	wsSendBuffer   = 64
	wsPingTimeout  = 60 * time.Second
	wsPingInterval = 54 * time.Second
	wsWriteWait    = 10 * time.Second
)

// WebSocket 升级器配置
var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin: func(r *http.Request) bool {
		return true
	},
}

// WebSocketConnection 定义 WebSocket 连接的接口
type WebSocketConnection interface {
	WriteMessage(messageType int, data []byte) error
	ReadMessage() (messageType int, p []byte, err error)
	Close() error
	SetReadDeadline(t time.Time) error
	SetWriteDeadline(t time.Time) error
	SetPongHandler(h func(appData string) error)
}

// WebSocketClient 一个订阅某个模拟的连接
type WebSocketClient struct {
	conn         WebSocketConnection
	simulationID string
	send         chan []byte
	closed       int32
	closeOnce    sync.Once
	lastPing     atomic.Int64 // unix nano
	createdAt    time.Time
}

func newWebSocketClient(conn WebSocketConnection, simulationID string) *WebSocketClient {
	client := &WebSocketClient{
		conn:         conn,
		simulationID: simulationID,
		send:         make(chan []byte, wsSendBuffer),
		createdAt:    time.Now(),
	}
	client.UpdatePing()
	return client
}

// Close 标记关闭并关闭底层连接
func (client *WebSocketClient) Close() {
	if atomic.CompareAndSwapInt32(&client.closed, 0, 1) && client.conn != nil {
		client.conn.Close()
	}
}

// IsClosed 检查连接是否已关闭
func (client *WebSocketClient) IsClosed() bool {
	return atomic.LoadInt32(&client.closed) == 1
}

// UpdatePing 更新最后活跃时间
func (client *WebSocketClient) UpdatePing() {
	client.lastPing.Store(time.Now().UnixNano())
}

// IsExpired 检查连接是否超时
func (client *WebSocketClient) IsExpired(timeout time.Duration) bool {
	if timeout <= 0 {
		return true
	}
	return time.Since(time.Unix(0, client.lastPing.Load())) > timeout
}

// SendMessage 非阻塞入队，队列满时丢弃
func (client *WebSocketClient) SendMessage(message interface{}) error {
	if client.IsClosed() {
		return nil
	}
	msgBytes, err := json.Marshal(message)
	if err != nil {
		return err
	}
	client.enqueue(msgBytes)
	return nil
}

func (client *WebSocketClient) enqueue(msg []byte) {
	defer func() {
		// send 已被 hub 关闭
		_ = recover()
	}()
	if client.IsClosed() {
		return
	}
	select {
	case client.send <- msg:
	default:
		utils.GetLogger().Warn("WebSocket send queue full, dropping message", map[string]interface{}{
			"simulation_id": client.simulationID,
		})
	}
}

// SendError 发送错误消息到客户端
func (client *WebSocketClient) SendError(errorMsg string) {
	_ = client.SendMessage(map[string]interface{}{
		"type":      "error",
		"error":     errorMsg,
		"timestamp": time.Now().Unix(),
	})
}

func (client *WebSocketClient) closeSend() {
	client.closeOnce.Do(func() { close(client.send) })
}

// WebSocketHub 按 simulation_id 分组管理连接
type WebSocketHub struct {
	connections map[string]map[*WebSocketClient]struct{}
	register    chan *WebSocketClient
	unregister  chan *WebSocketClient
	mutex       sync.RWMutex
	pingTimeout time.Duration
	done        chan struct{}
	stopOnce    sync.Once
	wg          sync.WaitGroup
}

// NewWebSocketHub 创建并启动hub
func NewWebSocketHub() *WebSocketHub {
	hub := &WebSocketHub{
		connections: make(map[string]map[*WebSocketClient]struct{}),
		register:    make(chan *WebSocketClient, 256),
		unregister:  make(chan *WebSocketClient, 256),
		pingTimeout: wsPingTimeout,
		done:        make(chan struct{}),
	}
	hub.wg.Add(1)
	go hub.run()
	return hub
}

func (hub *WebSocketHub) run() {
	defer hub.wg.Done()
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case client := <-hub.register:
			hub.registerClient(client)
		case client := <-hub.unregister:
			hub.unregisterClient(client)
		case <-ticker.C:
			hub.cleanupExpiredConnections()
		case <-hub.done:
			hub.shutdown()
			return
		}
	}
}

// Register 异步注册
func (hub *WebSocketHub) Register(client *WebSocketClient) {
	select {
	case hub.register <- client:
	case <-hub.done:
		client.Close()
	}
}

// Unregister 异步注销
func (hub *WebSocketHub) Unregister(client *WebSocketClient) {
	select {
	case hub.unregister <- client:
	case <-hub.done:
	}
}

func (hub *WebSocketHub) registerClient(client *WebSocketClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	if hub.connections[client.simulationID] == nil {
		hub.connections[client.simulationID] = make(map[*WebSocketClient]struct{})
	}
	hub.connections[client.simulationID][client] = struct{}{}

	utils.GetLogger().Info("WebSocket client registered", map[string]interface{}{
		"simulation_id": client.simulationID,
		"clients":       len(hub.connections[client.simulationID]),
	})
}

func (hub *WebSocketHub) unregisterClient(client *WebSocketClient) {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()
	hub.removeLocked(client)
}

func (hub *WebSocketHub) removeLocked(client *WebSocketClient) {
	clients, ok := hub.connections[client.simulationID]
	if !ok {
		return
	}
	if _, ok := clients[client]; !ok {
		return
	}
	delete(clients, client)
	if len(clients) == 0 {
		delete(hub.connections, client.simulationID)
	}
	client.Close()
	client.closeSend()
}

// cleanupExpiredConnections 清理长时间无心跳的连接
func (hub *WebSocketHub) cleanupExpiredConnections() int {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	removed := 0
	for _, clients := range hub.connections {
		for client := range clients {
			if client.IsClosed() || client.IsExpired(hub.pingTimeout) {
				hub.removeLocked(client)
				removed++
			}
		}
	}
	if removed > 0 {
		utils.GetLogger().Info("Expired WebSocket connections removed", map[string]interface{}{"count": removed})
	}
	return removed
}

func (hub *WebSocketHub) shutdown() {
	hub.mutex.Lock()
	defer hub.mutex.Unlock()

	for _, clients := range hub.connections {
		for client := range clients {
			hub.removeLocked(client)
		}
	}
}

// Close 关闭所有连接并停止hub
func (hub *WebSocketHub) Close() {
	hub.stopOnce.Do(func() { close(hub.done) })
	hub.wg.Wait()
}

// ClientCount 某个模拟的在线连接数
func (hub *WebSocketHub) ClientCount(simulationID string) int {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()
	return len(hub.connections[simulationID])
}

// GetStatus hub状态
func (hub *WebSocketHub) GetStatus() map[string]interface{} {
	hub.mutex.RLock()
	defer hub.mutex.RUnlock()

	total := 0
	perSimulation := make(map[string]int, len(hub.connections))
	for id, clients := range hub.connections {
		perSimulation[id] = len(clients)
		total += len(clients)
	}
	return map[string]interface{}{
		"total_connections": total,
		"simulations":       perSimulation,
		"ping_timeout_s":    int(hub.pingTimeout.Seconds()),
	}
}

// BroadcastToSimulation 把消息发给订阅该模拟的所有连接
func (hub *WebSocketHub) BroadcastToSimulation(simulationID string, message interface{}) int {
	msgBytes, err := json.Marshal(message)
	if err != nil {
		utils.GetLogger().Error("Failed to marshal broadcast", map[string]interface{}{"error": err.Error()})
		return 0
	}

	hub.mutex.RLock()
	clients := make([]*WebSocketClient, 0, len(hub.connections[simulationID]))
	for client := range hub.connections[simulationID] {
		clients = append(clients, client)
	}
	hub.mutex.RUnlock()

	for _, client := range clients {
		client.enqueue(msgBytes)
	}
	return len(clients)
}

// Publish 实现 services.EventPublisher
func (hub *WebSocketHub) Publish(_ context.Context, event services.SimulationEvent) {
	switch event.Type {
	case services.EventSimulationUpdated:
		hub.BroadcastToSimulation(event.SimulationID, map[string]interface{}{
			"type":       "simulation_updated",
			"simulation": event.Simulation,
		})
	case services.EventSimulationDeleted:
		hub.BroadcastToSimulation(event.SimulationID, map[string]interface{}{
			"type":          "simulation_deleted",
			"simulation_id": event.SimulationID,
		})
	}
}

var _ services.EventPublisher = (*WebSocketHub)(nil)
