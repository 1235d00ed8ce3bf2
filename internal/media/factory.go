// internal/media/factory.go
package media

import (
	"fmt"
	"strings"
)

// ProviderConfig 构造提供者所需的密钥与轮询参数
type ProviderConfig struct {
	RunwayAPIKey      string
	HuggingFaceAPIKey string
	ElevenLabsAPIKey  string
	GroqAPIKey        string
	RunwayPoll        PollConfig
	ElevenLabsPoll    PollConfig
}

// NewProvider 按名称创建提供者，缺少密钥时返回错误
func NewProvider(name string, cfg ProviderConfig) (Provider, error) {
	switch strings.ToLower(name) {
	case "runway":
		if cfg.RunwayAPIKey == "" {
			return nil, fmt.Errorf("runway: RUNWAY_API_KEY not set")
		}
		var opts []RunwayOption
		if cfg.RunwayPoll.Attempts > 0 {
			opts = append(opts, WithRunwayPoll(cfg.RunwayPoll))
		}
		return NewRunwayProvider(cfg.RunwayAPIKey, opts...), nil
	case "huggingface":
		if cfg.HuggingFaceAPIKey == "" {
			return nil, fmt.Errorf("huggingface: HUGGINGFACE_API_KEY not set")
		}
		return NewHuggingFaceProvider(cfg.HuggingFaceAPIKey, ""), nil
	case "elevenlabs":
		if cfg.ElevenLabsAPIKey == "" {
			return nil, fmt.Errorf("elevenlabs: ELEVENLABS_API_KEY not set")
		}
		return NewElevenLabsProvider(cfg.ElevenLabsAPIKey, cfg.ElevenLabsPoll, ""), nil
	case "groqtts":
		if cfg.GroqAPIKey == "" {
			return nil, fmt.Errorf("groqtts: GROQ_API_KEY not set")
		}
		return NewGroqTTSProvider(cfg.GroqAPIKey, ""), nil
	default:
		return nil, fmt.Errorf("unknown media provider %q", name)
	}
}
