// internal/config/config.go
package config

import (
	"encoding/json"
	"fmt"
	"log"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/joho/godotenv"
	"gopkg.in/yaml.v3"
)

// 当前配置的单例实例
var (
	currentConfig *AppConfig
	configMutex   sync.RWMutex
	configFile    string
)

const (
	PathwayPair   = "pair"
	PathwayScenes = "scenes"

	StoreFile   = "file"
	StoreSQLite = "sqlite"
)

var defaultModels = []string{"gemini-2.0-flash", "qwen-qwq-32b"}

// PollingConfig 异步媒体任务的轮询参数
type PollingConfig struct {
	RunwayAttempts     int           `json:"runway_attempts" yaml:"runway_attempts"`
	RunwayInterval     time.Duration `json:"runway_interval" yaml:"-"`
	ElevenLabsAttempts int           `json:"elevenlabs_attempts" yaml:"elevenlabs_attempts"`
	ElevenLabsInterval time.Duration `json:"elevenlabs_interval" yaml:"-"`
}

// R2Config Cloudflare R2 (S3 兼容) 对象存储
type R2Config struct {
	Endpoint        string `json:"endpoint,omitempty"`
	AccessKeyID     string `json:"-"`
	SecretAccessKey string `json:"-"`
	BucketName      string `json:"bucket_name,omitempty"`
	PublicAccess    bool   `json:"public_access"`
	URLExpiry       int    `json:"url_expiry"`
}

// Enabled 四项凭据齐全时才启用
func (r R2Config) Enabled() bool {
	return r.Endpoint != "" && r.AccessKeyID != "" && r.SecretAccessKey != "" && r.BucketName != ""
}

// Config 存储应用配置
type Config struct {
	// 基础配置
	Port      string `json:"port"`
	DataDir   string `json:"data_dir"`
	LogDir    string `json:"log_dir"`
	MediaDir  string `json:"media_dir"`
	DebugMode bool   `json:"debug_mode"`
	LogLevel  string `json:"log_level"`

	AllowedOrigins []string `json:"allowed_origins,omitempty"`

	// 模拟与存储
	MaxTurns     int    `json:"max_turns"`
	StoreBackend string `json:"store_backend"`
	SQLitePath   string `json:"sqlite_path"`

	// LLM 相关配置，密钥不落盘
	GoogleAPIKey string   `json:"-"`
	GroqAPIKey   string   `json:"-"`
	LLMModels    []string `json:"llm_models"`

	// 媒体提供者
	RunwayAPIKey      string        `json:"-"`
	HuggingFaceAPIKey string        `json:"-"`
	ElevenLabsAPIKey  string        `json:"-"`
	VideoProvider     string        `json:"video_provider"`
	AudioProvider     string        `json:"audio_provider"`
	MediaPathway      string        `json:"media_pathway"`
	FallbackVideoURL  string        `json:"fallback_video_url"`
	FallbackAudioURL  string        `json:"fallback_audio_url"`
	Polling           PollingConfig `json:"polling"`

	R2 R2Config `json:"r2"`

	// 通知
	WebhookURL string `json:"webhook_url,omitempty"`
	NATSURL    string `json:"nats_url,omitempty"`
}

// AppConfig 包含应用程序运行期的配置
type AppConfig struct {
	Config
	UpdatedAt time.Time `json:"updated_at"`
}

// fileOverlay CONFIG_FILE 中允许覆盖的字段
type fileOverlay struct {
	MaxTurns     int      `yaml:"max_turns"`
	LLMModels    []string `yaml:"llm_models"`
	MediaPathway string   `yaml:"media_pathway"`
	Fallback     struct {
		VideoURL string `yaml:"video_url"`
		AudioURL string `yaml:"audio_url"`
	} `yaml:"fallback"`
	Polling struct {
		RunwayAttempts            int `yaml:"runway_attempts"`
		RunwayIntervalSeconds     int `yaml:"runway_interval_seconds"`
		ElevenLabsAttempts        int `yaml:"elevenlabs_attempts"`
		ElevenLabsIntervalSeconds int `yaml:"elevenlabs_interval_seconds"`
	} `yaml:"polling"`
}

// loadOverlay 读取 YAML 覆盖文件，文件不存在时返回空覆盖
func loadOverlay(path string) (*fileOverlay, error) {
	overlay := &fileOverlay{}
	if path == "" {
		return overlay, nil
	}
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return overlay, nil
		}
		return nil, fmt.Errorf("读取配置文件失败 %s: %w", path, err)
	}
	if err := yaml.Unmarshal(data, overlay); err != nil {
		return nil, fmt.Errorf("解析配置文件失败 %s: %w", path, err)
	}
	return overlay, nil
}

// Load 从 .env、YAML 覆盖文件和环境变量加载配置，环境变量优先
func Load() (*Config, error) {
	// 尝试加载.env文件（可选）
	godotenv.Load()

	overlay, err := loadOverlay(getEnv("CONFIG_FILE", "config.yaml"))
	if err != nil {
		return nil, err
	}

	dataDir := getEnvPath("DATA_DIR", "data")
	config := &Config{
		Port:      getEnv("PORT", "8080"),
		DataDir:   dataDir,
		LogDir:    getEnvPath("LOG_DIR", "logs"),
		MediaDir:  getEnvPath("MEDIA_DIR", filepath.Join("public", "media")),
		DebugMode: getEnvBool("DEBUG_MODE", false),
		LogLevel:  strings.ToUpper(getEnv("LOG_LEVEL", "INFO")),

		AllowedOrigins: getEnvList("CORS_ALLOWED_ORIGINS", nil),

		MaxTurns:     getEnvInt("MAX_TURNS", orInt(overlay.MaxTurns, 6)),
		StoreBackend: strings.ToLower(getEnv("STORE_BACKEND", StoreFile)),
		SQLitePath:   getEnv("SQLITE_PATH", filepath.Join(dataDir, "simulations.db")),

		GoogleAPIKey: getEnv("GOOGLE_API_KEY", ""),
		GroqAPIKey:   getEnv("GROQ_API_KEY", ""),
		LLMModels:    getEnvList("LLM_MODELS", orList(overlay.LLMModels, defaultModels)),

		RunwayAPIKey:      getEnv("RUNWAY_API_KEY", ""),
		HuggingFaceAPIKey: getEnv("HUGGINGFACE_API_KEY", ""),
		ElevenLabsAPIKey:  getEnv("ELEVENLABS_API_KEY", ""),
		VideoProvider:     strings.ToLower(getEnv("VIDEO_PROVIDER", "runway")),
		AudioProvider:     strings.ToLower(getEnv("AUDIO_PROVIDER", "groqtts")),
		MediaPathway:      strings.ToLower(getEnv("MEDIA_PATHWAY", orString(overlay.MediaPathway, PathwayPair))),
		FallbackVideoURL:  getEnv("FALLBACK_VIDEO_URL", orString(overlay.Fallback.VideoURL, "/media/fallback/video.mp4")),
		FallbackAudioURL:  getEnv("FALLBACK_AUDIO_URL", orString(overlay.Fallback.AudioURL, "/media/fallback/audio.mp3")),
		Polling: PollingConfig{
			RunwayAttempts:     orInt(overlay.Polling.RunwayAttempts, 30),
			RunwayInterval:     time.Duration(orInt(overlay.Polling.RunwayIntervalSeconds, 5)) * time.Second,
			ElevenLabsAttempts: orInt(overlay.Polling.ElevenLabsAttempts, 10),
			ElevenLabsInterval: time.Duration(orInt(overlay.Polling.ElevenLabsIntervalSeconds, 2)) * time.Second,
		},

		R2: R2Config{
			Endpoint:        getEnv("CLOUDFLARE_R2_ENDPOINT", ""),
			AccessKeyID:     getEnv("CLOUDFLARE_R2_ACCESS_KEY_ID", ""),
			SecretAccessKey: getEnv("CLOUDFLARE_R2_SECRET_ACCESS_KEY", ""),
			BucketName:      getEnv("CLOUDFLARE_R2_BUCKET_NAME", ""),
			PublicAccess:    getEnvBool("CLOUDFLARE_R2_PUBLIC_ACCESS", false),
			URLExpiry:       getEnvInt("CLOUDFLARE_R2_URL_EXPIRY", 3600),
		},

		WebhookURL: getEnv("VIDEO_READY_WEBHOOK_URL", ""),
		NATSURL:    getEnv("NATS_URL", ""),
	}

	if config.MaxTurns < 1 {
		return nil, fmt.Errorf("MAX_TURNS 必须大于0，当前为 %d", config.MaxTurns)
	}
	if config.MediaPathway != PathwayPair && config.MediaPathway != PathwayScenes {
		return nil, fmt.Errorf("未知的 MEDIA_PATHWAY: %s", config.MediaPathway)
	}
	if config.StoreBackend != StoreFile && config.StoreBackend != StoreSQLite {
		return nil, fmt.Errorf("未知的 STORE_BACKEND: %s", config.StoreBackend)
	}

	// 只记录警告，不返回错误
	if config.GoogleAPIKey == "" && config.GroqAPIKey == "" {
		log.Println("警告: 未设置 GOOGLE_API_KEY 或 GROQ_API_KEY，场景生成将不可用")
	}

	return config, nil
}

// getEnv 获取环境变量，如果不存在则返回默认值
func getEnv(key, defaultValue string) string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	return value
}

// getEnvPath 获取环境变量表示的路径，如果不存在则返回默认值
func getEnvPath(key, defaultValue string) string {
	path := getEnv(key, defaultValue)

	// 确保目录存在
	if _, err := os.Stat(path); os.IsNotExist(err) {
		err = os.MkdirAll(path, 0755)
		if err != nil {
			fmt.Printf("警告: 创建目录失败 %s: %v\n", path, err)
		}
	}

	return path
}

// getEnvBool 获取布尔类型环境变量
func getEnvBool(key string, defaultValue bool) bool {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}

	value = strings.ToLower(value)
	return value == "true" || value == "1" || value == "yes"
}

// getEnvInt 获取整数类型环境变量，解析失败时使用默认值
func getEnvInt(key string, defaultValue int) int {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	n, err := strconv.Atoi(strings.TrimSpace(value))
	if err != nil {
		log.Printf("警告: %s=%q 不是有效整数，使用默认值 %d", key, value, defaultValue)
		return defaultValue
	}
	return n
}

// getEnvList 逗号分隔的列表
func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return defaultValue
	}
	return out
}

func orInt(v, def int) int {
	if v > 0 {
		return v
	}
	return def
}

func orString(v, def string) string {
	if v != "" {
		return v
	}
	return def
}

func orList(v, def []string) []string {
	if len(v) > 0 {
		return v
	}
	return def
}

// InitConfig 初始化配置管理器
func InitConfig(dataDir string) error {
	// 加载基础配置
	baseConfig, err := Load()
	if err != nil {
		return err
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	configFile = filepath.Join(dataDir, "config.json")
	currentConfig = &AppConfig{
		Config:    *baseConfig,
		UpdatedAt: time.Now(),
	}

	// 保存初始配置到文件，便于排查实际生效的参数
	return saveConfigLocked()
}

// GetCurrentConfig 返回当前配置的副本
func GetCurrentConfig() *AppConfig {
	configMutex.RLock()
	defer configMutex.RUnlock()

	if currentConfig == nil {
		// 紧急情况，返回一个基本配置
		baseConfig, err := Load()
		if err != nil {
			log.Printf("警告: 加载配置失败: %v", err)
			return nil
		}
		return &AppConfig{Config: *baseConfig, UpdatedAt: time.Now()}
	}

	// 返回配置的副本
	configCopy := *currentConfig
	configCopy.LLMModels = append([]string(nil), currentConfig.LLMModels...)
	return &configCopy
}

// UpdateLLMModels 更新候选模型顺序
func UpdateLLMModels(models []string) error {
	if len(models) == 0 {
		return fmt.Errorf("候选模型列表不能为空")
	}

	configMutex.Lock()
	defer configMutex.Unlock()

	if currentConfig == nil {
		return fmt.Errorf("配置系统未初始化")
	}

	currentConfig.LLMModels = append([]string(nil), models...)
	currentConfig.UpdatedAt = time.Now()
	return saveConfigLocked()
}

// SaveConfig 保存当前配置到文件
func SaveConfig() error {
	configMutex.RLock()
	defer configMutex.RUnlock()
	return saveConfigLocked()
}

func saveConfigLocked() error {
	if currentConfig == nil {
		return fmt.Errorf("没有配置可保存")
	}

	// 确保目录存在
	dir := filepath.Dir(configFile)
	if _, err := os.Stat(dir); os.IsNotExist(err) {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return fmt.Errorf("创建配置目录失败: %w", err)
		}
	}

	// 序列化并保存
	data, err := json.MarshalIndent(currentConfig, "", "  ")
	if err != nil {
		return fmt.Errorf("序列化配置失败: %w", err)
	}

	return os.WriteFile(configFile, data, 0644)
}
