// internal/utils/metrics.go
package utils

import (
	"net/http"
	"strconv"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// MetricsCollector 应用指标，注册在独立的 registry 上
type MetricsCollector struct {
	registry *prometheus.Registry

	llmCalls          *prometheus.CounterVec
	llmTokens         *prometheus.CounterVec
	scenarioParse     *prometheus.CounterVec
	mediaGenerations  *prometheus.CounterVec
	mediaDuration     *prometheus.HistogramVec
	turns             *prometheus.CounterVec
	activeSimulations prometheus.Gauge
	apiRequests       *prometheus.CounterVec
	apiDuration       *prometheus.HistogramVec
}

var (
	globalMetrics *MetricsCollector
	metricsOnce   sync.Once
)

// GetMetricsCollector returns the global metrics collector
func GetMetricsCollector() *MetricsCollector {
	metricsOnce.Do(func() {
		globalMetrics = NewMetricsCollector()
	})
	return globalMetrics
}

// NewMetricsCollector 创建一组新的指标，测试中可独立使用
func NewMetricsCollector() *MetricsCollector {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	factory := promauto.With(reg)

	return &MetricsCollector{
		registry: reg,
		llmCalls: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisissim_llm_calls_total",
			Help: "Language model calls by model and outcome.",
		}, []string{"model", "outcome"}),
		llmTokens: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisissim_llm_tokens_total",
			Help: "Tokens reported by language model providers.",
		}, []string{"provider"}),
		scenarioParse: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisissim_scenario_parse_total",
			Help: "Scenario parses by recovery path.",
		}, []string{"path"}),
		mediaGenerations: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisissim_media_generations_total",
			Help: "Media generations by media kind and outcome.",
		}, []string{"media", "outcome"}),
		mediaDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crisissim_media_generation_seconds",
			Help:    "Media generation latency.",
			Buckets: []float64{1, 5, 15, 30, 60, 120, 300},
		}, []string{"media"}),
		turns: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisissim_turns_total",
			Help: "Processed turns by outcome.",
		}, []string{"outcome"}),
		activeSimulations: factory.NewGauge(prometheus.GaugeOpts{
			Name: "crisissim_active_simulations",
			Help: "Simulations that are not complete.",
		}),
		apiRequests: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "crisissim_http_requests_total",
			Help: "HTTP requests by route, method and status class.",
		}, []string{"route", "method", "status"}),
		apiDuration: factory.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "crisissim_http_request_seconds",
			Help:    "HTTP request latency.",
			Buckets: prometheus.DefBuckets,
		}, []string{"route"}),
	}
}

// Registry 暴露底层 registry
func (m *MetricsCollector) Registry() *prometheus.Registry {
	return m.registry
}

// Handler /metrics 处理器
func (m *MetricsCollector) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

func (m *MetricsCollector) RecordLLMCall(model, outcome string) {
	m.llmCalls.WithLabelValues(model, outcome).Inc()
}

func (m *MetricsCollector) RecordLLMTokens(provider string, tokens int) {
	if tokens > 0 {
		m.llmTokens.WithLabelValues(provider).Add(float64(tokens))
	}
}

func (m *MetricsCollector) RecordScenarioParse(path string) {
	m.scenarioParse.WithLabelValues(path).Inc()
}

// RecordMediaGeneration outcome 为 success 或 fallback
func (m *MetricsCollector) RecordMediaGeneration(media, outcome string, duration time.Duration) {
	m.mediaGenerations.WithLabelValues(media, outcome).Inc()
	m.mediaDuration.WithLabelValues(media).Observe(duration.Seconds())
}

func (m *MetricsCollector) RecordTurn(outcome string) {
	m.turns.WithLabelValues(outcome).Inc()
}

func (m *MetricsCollector) SetActiveSimulations(n int) {
	m.activeSimulations.Set(float64(n))
}

// RecordAPIRequest records metrics for an API request
func (m *MetricsCollector) RecordAPIRequest(route, method string, statusCode int, duration time.Duration) {
	class := strconv.Itoa(statusCode/100) + "xx"
	m.apiRequests.WithLabelValues(route, method, class).Inc()
	m.apiDuration.WithLabelValues(route).Observe(duration.Seconds())
}
