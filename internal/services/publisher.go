// internal/services/publisher.go
package services

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/nats-io/nats.go"

	"github.com/Corphon/CrisisSimMCP/internal/models"
	"github.com/Corphon/CrisisSimMCP/internal/utils"
)

// 事件类型
const (
	EventSimulationCreated = "simulation_created"
	EventSimulationUpdated = "simulation_updated"
	EventSimulationDeleted = "simulation_deleted"
)

// SimulationEvent 会话变化通知
type SimulationEvent struct {
	Type         string                  `json:"type"`
	SimulationID string                  `json:"simulation_id"`
	Turn         int                     `json:"turn"`
	VideoURL     string                  `json:"video_url,omitempty"`
	Simulation   *models.SimulationState `json:"simulation,omitempty"`
	Timestamp    time.Time               `json:"timestamp"`
}

// EventPublisher 发布失败只记录日志，不影响主流程
type EventPublisher interface {
	Publish(ctx context.Context, event SimulationEvent)
}

// PublisherFunc 函数适配器
type PublisherFunc func(ctx context.Context, event SimulationEvent)

func (f PublisherFunc) Publish(ctx context.Context, event SimulationEvent) { f(ctx, event) }

// MultiPublisher 依次转发给每个发布者
type MultiPublisher []EventPublisher

func (m MultiPublisher) Publish(ctx context.Context, event SimulationEvent) {
	for _, p := range m {
		if p != nil {
			p.Publish(ctx, event)
		}
	}
}

// ---------------------------------------------------------------------------
// NATS

// NATSSubject 会话事件主题
func NATSSubject(simulationID string) string {
	return fmt.Sprintf("crisissim.simulation.%s.updated", simulationID)
}

type natsConn interface {
	Publish(subject string, data []byte) error
	Drain() error
}

// NATSPublisher 把事件发布到 crisissim.simulation.<id>.updated
type NATSPublisher struct {
	conn natsConn
}

// NewNATSPublisher 连接 NATS，断线后无限重连
func NewNATSPublisher(url string) (*NATSPublisher, error) {
	nc, err := nats.Connect(url,
		nats.Name("crisissim"),
		nats.MaxReconnects(-1),
		nats.ReconnectWait(2*time.Second),
	)
	if err != nil {
		return nil, fmt.Errorf("connect nats %s: %w", url, err)
	}
	return &NATSPublisher{conn: nc}, nil
}

func (p *NATSPublisher) Publish(_ context.Context, event SimulationEvent) {
	data, err := json.Marshal(event)
	if err != nil {
		utils.GetLogger().Error("Failed to marshal simulation event", map[string]interface{}{
			"simulation_id": event.SimulationID,
			"error":         err.Error(),
		})
		return
	}
	if err := p.conn.Publish(NATSSubject(event.SimulationID), data); err != nil {
		utils.GetLogger().Warn("NATS publish failed", map[string]interface{}{
			"simulation_id": event.SimulationID,
			"error":         err.Error(),
		})
	}
}

// Close 发送完缓冲中的消息后关闭连接
func (p *NATSPublisher) Close() error {
	return p.conn.Drain()
}

// ---------------------------------------------------------------------------
// Webhook

// WebhookPublisher 回合视频就绪时 POST {simulation_id, turn, video_url}
type WebhookPublisher struct {
	url     string
	client  *http.Client
	skipURL map[string]bool // 兜底视频不通知
	wg      sync.WaitGroup
}

func NewWebhookPublisher(url string, fallbackVideoURL string) *WebhookPublisher {
	return &WebhookPublisher{
		url:     url,
		client:  &http.Client{Timeout: 10 * time.Second},
		skipURL: map[string]bool{fallbackVideoURL: true, "": true},
	}
}

type videoReadyPayload struct {
	SimulationID string `json:"simulation_id"`
	Turn         int    `json:"turn"`
	VideoURL     string `json:"video_url"`
}

// Publish 异步发送，不阻塞请求
func (p *WebhookPublisher) Publish(ctx context.Context, event SimulationEvent) {
	if event.Type == EventSimulationDeleted || p.skipURL[event.VideoURL] {
		return
	}
	body, err := json.Marshal(videoReadyPayload{
		SimulationID: event.SimulationID,
		Turn:         event.Turn,
		VideoURL:     event.VideoURL,
	})
	if err != nil {
		return
	}

	p.wg.Add(1)
	go func() {
		defer p.wg.Done()
		sendCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 10*time.Second)
		defer cancel()
		if err := p.send(sendCtx, body); err != nil {
			utils.GetLogger().Warn("Video-ready webhook failed", map[string]interface{}{
				"simulation_id": event.SimulationID,
				"turn":          event.Turn,
				"error":         err.Error(),
			})
		}
	}()
}

func (p *WebhookPublisher) send(ctx context.Context, body []byte) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, p.url, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	resp, err := p.client.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

// Close 等待在途请求完成
func (p *WebhookPublisher) Close() error {
	p.wg.Wait()
	return nil
}
