// internal/services/log_sink.go
package services

import (
	"github.com/Corphon/CrisisSimMCP/internal/models"
)

// LogSink 接收某一个会话的模型调用日志
type LogSink interface {
	Record(turn int, log models.LLMLog)
}

// LogSinkFunc 函数适配器
type LogSinkFunc func(turn int, log models.LLMLog)

func (f LogSinkFunc) Record(turn int, log models.LLMLog) { f(turn, log) }

// NopSink 丢弃所有日志
type NopSink struct{}

func (NopSink) Record(int, models.LLMLog) {}

// StateLogSink 把日志写入绑定的会话状态，仅开发者模式下保留。
// 调用方需保证与其他状态修改串行。
type StateLogSink struct {
	state *models.SimulationState
}

func NewStateLogSink(state *models.SimulationState) *StateLogSink {
	return &StateLogSink{state: state}
}

func (s *StateLogSink) Record(turn int, log models.LLMLog) {
	if s == nil || s.state == nil || !s.state.DeveloperMode {
		return
	}
	s.state.AddLLMLog(turn, log)
}

func sinkOrNop(sink LogSink) LogSink {
	if sink == nil {
		return NopSink{}
	}
	return sink
}
