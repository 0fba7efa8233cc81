package config

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v6"
	"github.com/cloudwego/eino-ext/components/model/ark"
	"github.com/cloudwego/eino/components/model"
)

// AI_PROVIDER 可选值。
const (
	ProviderArk    = "ark"
	ProviderOpenAI = "openai"
	ProviderNone   = "none"
)

// STORE_BACKEND 可选值。
const (
	BackendMemory = "memory"
	BackendRedis  = "redis"
	BackendSQLite = "sqlite"
)

// CHAT_PERSIST_MODE 可选值。
const (
	PersistAsync = "async"
	PersistSync  = "sync"
)

// Config 聚合整个服务的配置项。
type Config struct {
	Server ServerConfig
	AI     AIConfig
	Store  StoreConfig
	Chat   ChatConfig
	Log    LogConfig
}

// ServerConfig 描述 HTTP 服务配置。
type ServerConfig struct {
	Port        string   `env:"PORT" envDefault:"8080"`
	CORSOrigins []string `env:"CORS_ORIGINS" envSeparator:"," envDefault:"*"`
	Addr        string
}

// AIConfig 描述大模型相关配置。
type AIConfig struct {
	Provider string `env:"AI_PROVIDER" envDefault:"ark"`

	APIKey      string  `env:"ARK_API_KEY"`
	AccessKey   string  `env:"ARK_ACCESS_KEY"`
	SecretKey   string  `env:"ARK_SECRET_KEY"`
	Model       string  `env:"ARK_MODEL"`
	BaseURL     string  `env:"ARK_BASE_URL" envDefault:"https://ark.cn-beijing.volces.com/api/v3"`
	Region      string  `env:"ARK_REGION" envDefault:"cn-beijing"`
	Temperature float32 `env:"AI_TEMPERATURE"`

	OpenAIAPIKey  string `env:"OPENAI_API_KEY"`
	OpenAIBaseURL string `env:"OPENAI_BASE_URL"`
	OpenAIModel   string `env:"OPENAI_MODEL" envDefault:"gpt-4o-mini"`

	Timeout time.Duration `env:"AI_TIMEOUT" envDefault:"60s"`
}

// StoreConfig 描述用户状态的存储后端。
type StoreConfig struct {
	Backend       string        `env:"STORE_BACKEND" envDefault:"memory"`
	KeyPrefix     string        `env:"STORE_KEY_PREFIX" envDefault:"studybuddy:state:"`
	TTL           time.Duration `env:"STORE_TTL"`
	RedisAddr     string        `env:"REDIS_ADDR" envDefault:"localhost:6379"`
	RedisPassword string        `env:"REDIS_PASSWORD"`
	RedisDB       int           `env:"REDIS_DB"`
	SQLitePath    string        `env:"SQLITE_PATH" envDefault:"data/studybuddy.db"`
}

// ChatConfig 描述会话编排相关配置。
type ChatConfig struct {
	DefaultUser    string        `env:"CHAT_DEFAULT_USER" envDefault:"demo-user"`
	PersistMode    string        `env:"CHAT_PERSIST_MODE" envDefault:"async"`
	PersistWorkers int           `env:"CHAT_PERSIST_WORKERS" envDefault:"2"`
	PersistQueue   int           `env:"CHAT_PERSIST_QUEUE" envDefault:"64"`
	PersistRetries int           `env:"CHAT_PERSIST_RETRIES" envDefault:"3"`
	PersistBackoff time.Duration `env:"CHAT_PERSIST_BACKOFF" envDefault:"200ms"`
	RedisLock      bool          `env:"CHAT_REDIS_LOCK"`
	LockTTL        time.Duration `env:"CHAT_LOCK_TTL" envDefault:"2m"`
}

// LogConfig 描述日志输出。
type LogConfig struct {
	Level  string `env:"LOG_LEVEL" envDefault:"info"`
	Format string `env:"LOG_FORMAT" envDefault:"json"`
}

// Load 从环境变量加载配置。
func Load() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}

	addr, err := listenAddr(cfg.Server.Port)
	if err != nil {
		return nil, err
	}
	cfg.Server.Addr = addr

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *Config) validate() error {
	c.AI.Provider = strings.ToLower(strings.TrimSpace(c.AI.Provider))
	switch c.AI.Provider {
	case ProviderArk, ProviderOpenAI, ProviderNone:
	default:
		return fmt.Errorf("invalid AI_PROVIDER value: %q", c.AI.Provider)
	}

	c.Store.Backend = strings.ToLower(strings.TrimSpace(c.Store.Backend))
	switch c.Store.Backend {
	case BackendMemory, BackendRedis, BackendSQLite:
	default:
		return fmt.Errorf("invalid STORE_BACKEND value: %q", c.Store.Backend)
	}

	c.Chat.PersistMode = strings.ToLower(strings.TrimSpace(c.Chat.PersistMode))
	switch c.Chat.PersistMode {
	case PersistAsync, PersistSync:
	default:
		return fmt.Errorf("invalid CHAT_PERSIST_MODE value: %q", c.Chat.PersistMode)
	}

	if c.Chat.RedisLock {
		if c.Store.Backend != BackendRedis {
			return fmt.Errorf("CHAT_REDIS_LOCK requires STORE_BACKEND=redis")
		}
		// 分布式锁不会续期：一次生成必须在锁过期前结束。
		if c.AI.Timeout <= 0 {
			return fmt.Errorf("CHAT_REDIS_LOCK requires a positive AI_TIMEOUT")
		}
		if c.AI.Timeout >= c.Chat.LockTTL {
			return fmt.Errorf("AI_TIMEOUT (%s) must be shorter than CHAT_LOCK_TTL (%s)", c.AI.Timeout, c.Chat.LockTTL)
		}
	}
	if strings.TrimSpace(c.Chat.DefaultUser) == "" {
		return fmt.Errorf("CHAT_DEFAULT_USER must not be empty")
	}
	return nil
}

// listenAddr 解析服务器监听地址。
func listenAddr(port string) (string, error) {
	port = strings.TrimSpace(port)
	if port == "" {
		port = "8080"
	}

	if strings.Contains(port, ":") {
		// 允许用户直接传入 ":8080" 或 "127.0.0.1:8080"。
		return port, nil
	}

	if strings.Contains(port, " ") {
		return "", fmt.Errorf("invalid PORT value: %q", port)
	}

	return ":" + port, nil
}

// ArkEnabled 表示是否提供了必需的密钥。
func (c AIConfig) ArkEnabled() bool {
	return c.Model != "" && (c.APIKey != "" || (c.AccessKey != "" && c.SecretKey != ""))
}

// OpenAIEnabled 表示是否配置了 OpenAI 兼容接口的密钥与模型。
func (c AIConfig) OpenAIEnabled() bool {
	return c.OpenAIAPIKey != "" && c.OpenAIModel != ""
}

// NewChatModel 使用配置创建一个模型实例。
func (c AIConfig) NewChatModel(ctx context.Context) (model.ChatModel, error) {
	if !c.ArkEnabled() {
		return nil, fmt.Errorf("Ark 凭证或模型配置缺失，至少提供 ARK_API_KEY + ARK_MODEL 或 AK/SK 组合")
	}

	var temperature *float32
	if c.Temperature > 0 {
		val := c.Temperature
		temperature = &val
	}

	cfg := &ark.ChatModelConfig{
		BaseURL:     c.BaseURL,
		Region:      c.Region,
		APIKey:      c.APIKey,
		AccessKey:   c.AccessKey,
		SecretKey:   c.SecretKey,
		Model:       c.Model,
		Temperature: temperature,
	}

	return ark.NewChatModel(ctx, cfg)
}
