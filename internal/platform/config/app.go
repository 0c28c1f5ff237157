package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// AppConfig 全局配置。启动时统一加载，再按模块提取使用。
type AppConfig struct {
	LogLevel  string          `json:"log_level"`
	LogFormat string          `json:"log_format"`
	Server    ServerConfig    `json:"server"`
	Auth      AuthConfig      `json:"auth"`
	Database  DatabaseConfig  `json:"database"`
	SQLite    SQLiteConfig    `json:"sqlite"`
	Redis     RedisConfig     `json:"redis"`
	LLM       LLMConfig       `json:"llm"`
	Prompter  PrompterConfig  `json:"prompter"`
	Embedding EmbeddingConfig `json:"embedding"`
	Speech    SpeechConfig    `json:"speech"`
	Runtime   RuntimeConfig   `json:"runtime"`
}

type ServerConfig struct {
	Host                string `json:"host"`
	Port                int    `json:"port"`
	ReadTimeoutSeconds  int    `json:"read_timeout_seconds"`
	WriteTimeoutSeconds int    `json:"write_timeout_seconds"`
	MaxUploadMB         int    `json:"max_upload_mb"`
}

type AuthConfig struct {
	JWTSecret string `json:"jwt_secret"`
	JWTIssuer string `json:"jwt_issuer"`
}

// DatabaseConfig Postgres 评估库（可选，为空时回退到 SQLite）。
type DatabaseConfig struct {
	URL                    string `json:"url"`
	MaxOpenConns           int    `json:"max_open_conns"`
	MaxIdleConns           int    `json:"max_idle_conns"`
	ConnMaxLifetimeSeconds int    `json:"conn_max_lifetime_seconds"`
}

type SQLiteConfig struct {
	Path string `json:"path"`
}

// RedisConfig 会话存储与向量缓存（可选，为空时使用进程内存储）。
type RedisConfig struct {
	URL               string `json:"url"`
	SessionTTLSeconds int    `json:"session_ttl_seconds"`
}

// LLMConfig 补全后端配置，Backend 启动时确定一次。
type LLMConfig struct {
	Backend            string  `json:"backend"` // openai | anthropic | deepseek
	Model              string  `json:"model"`
	APIKey             string  `json:"api_key"`
	BaseURL            string  `json:"base_url"`
	MaxTokens          int     `json:"max_tokens"`
	RateLimitRPS       float64 `json:"rate_limit_rps"`
	RateLimitBurst     int     `json:"rate_limit_burst"`
	CallTimeoutSeconds int     `json:"call_timeout_seconds"`
}

// PrompterConfig 增强对话流水线配置。
type PrompterConfig struct {
	PromptsDir          string  `json:"prompts_dir"`
	TopK                int     `json:"top_k"`
	MaxAttempts         int     `json:"max_attempts"`
	RetryBackoffMillis  int     `json:"retry_backoff_ms"`
	GenerateTemperature float64 `json:"generate_temperature"`
	BaselineTemperature float64 `json:"baseline_temperature"`
	ClarifyTemperature  float64 `json:"clarify_temperature"`
	DeferMemorize       bool    `json:"defer_memorize"`
	Deduplicate         bool    `json:"deduplicate"`
	NumExamples         int     `json:"num_examples"`
}

// EmbeddingConfig 检索向量配置。openai 模式下 BaseURL/APIKey 为空时沿用 LLM 的 OpenAI 配置。
type EmbeddingConfig struct {
	Provider        string `json:"provider"` // hash | openai
	BaseURL         string `json:"base_url"`
	APIKey          string `json:"api_key"`
	Model           string `json:"model"`
	Dims            int    `json:"dims"`
	CacheTTLSeconds int    `json:"cache_ttl_seconds"`
}

// SpeechConfig 腾讯云一句话识别配置，SecretID 为空时禁用语音输入。
type SpeechConfig struct {
	SecretID  string `json:"secret_id"`
	SecretKey string `json:"secret_key"`
	Region    string `json:"region"`
	Engine    string `json:"engine"`
	Endpoint  string `json:"endpoint"`
}

type RuntimeConfig struct {
	ShutdownTimeoutSeconds  int `json:"shutdown_timeout_seconds"`
	RedisPingTimeoutSeconds int `json:"redis_ping_timeout_seconds"`
	MigrationTimeoutSeconds int `json:"migration_timeout_seconds"`
}

// Default 返回默认配置。
func Default() *AppConfig {
	return &AppConfig{
		LogLevel:  "info",
		LogFormat: "console",
		Server: ServerConfig{
			Host:                "0.0.0.0",
			Port:                8080,
			ReadTimeoutSeconds:  30,
			WriteTimeoutSeconds: 300,
			MaxUploadMB:         10,
		},
		Database: DatabaseConfig{
			MaxOpenConns:           10,
			MaxIdleConns:           2,
			ConnMaxLifetimeSeconds: 300,
		},
		SQLite: SQLiteConfig{
			Path: "data/maia.db",
		},
		Redis: RedisConfig{
			SessionTTLSeconds: 7 * 24 * 3600,
		},
		LLM: LLMConfig{
			Backend:            "openai",
			Model:              "gpt-4o-mini",
			MaxTokens:          1024,
			RateLimitRPS:       2,
			RateLimitBurst:     4,
			CallTimeoutSeconds: 60,
		},
		Prompter: PrompterConfig{
			PromptsDir:          "prompts",
			TopK:                3,
			MaxAttempts:         3,
			RetryBackoffMillis:  1000,
			GenerateTemperature: 0.7,
			BaselineTemperature: 0.7,
			ClarifyTemperature:  0.3,
			NumExamples:         1,
		},
		Embedding: EmbeddingConfig{
			Provider:        "hash",
			Model:           "text-embedding-3-small",
			Dims:            512,
			CacheTTLSeconds: 24 * 3600,
		},
		Speech: SpeechConfig{
			Region: "ap-guangzhou",
			Engine: "16k_en",
		},
		Runtime: RuntimeConfig{
			ShutdownTimeoutSeconds:  15,
			RedisPingTimeoutSeconds: 5,
			MigrationTimeoutSeconds: 30,
		},
	}
}

// Load 加载全局配置：默认值 -> 配置文件 -> 环境变量。
// 配置文件路径通过 APP_CONFIG_FILE 指定（JSON）。
func Load() (*AppConfig, error) {
	// .env 非必需
	_ = godotenv.Load()

	cfg := Default()

	if path := strings.TrimSpace(os.Getenv("APP_CONFIG_FILE")); path != "" {
		if err := cfg.loadFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnv()
	cfg.normalize()

	if err := cfg.validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func (c *AppConfig) loadFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("read APP_CONFIG_FILE %q failed: %w", path, err)
	}
	if err := json.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse APP_CONFIG_FILE %q failed: %w", path, err)
	}
	return nil
}

func (c *AppConfig) applyEnv() {
	applyString("LOG_LEVEL", &c.LogLevel)
	applyString("LOG_FORMAT", &c.LogFormat)

	applyString("HOST", &c.Server.Host)
	applyInt("PORT", &c.Server.Port)
	applyInt("SERVER_READ_TIMEOUT", &c.Server.ReadTimeoutSeconds)
	applyInt("SERVER_WRITE_TIMEOUT", &c.Server.WriteTimeoutSeconds)
	applyInt("SERVER_MAX_UPLOAD_MB", &c.Server.MaxUploadMB)

	applyString("JWT_SECRET", &c.Auth.JWTSecret)
	applyString("JWT_ISSUER", &c.Auth.JWTIssuer)

	applyString("DATABASE_URL", &c.Database.URL)
	applyInt("DATABASE_MAX_OPEN_CONNS", &c.Database.MaxOpenConns)
	applyInt("DATABASE_MAX_IDLE_CONNS", &c.Database.MaxIdleConns)
	applyInt("DATABASE_CONN_MAX_LIFETIME", &c.Database.ConnMaxLifetimeSeconds)
	applyString("SQLITE_PATH", &c.SQLite.Path)

	applyString("REDIS_URL", &c.Redis.URL)
	applyInt("REDIS_SESSION_TTL", &c.Redis.SessionTTLSeconds)

	applyString("LLM_BACKEND", &c.LLM.Backend)
	applyString("LLM_MODEL", &c.LLM.Model)
	applyString("LLM_API_KEY", &c.LLM.APIKey)
	applyString("LLM_BASE_URL", &c.LLM.BaseURL)
	applyInt("LLM_MAX_TOKENS", &c.LLM.MaxTokens)
	applyFloat64("LLM_RATE_LIMIT_RPS", &c.LLM.RateLimitRPS)
	applyInt("LLM_RATE_LIMIT_BURST", &c.LLM.RateLimitBurst)
	applyInt("PROVIDER_CALL_TIMEOUT_SECONDS", &c.LLM.CallTimeoutSeconds)

	applyString("PROMPTS_DIR", &c.Prompter.PromptsDir)
	applyInt("RETRIEVER_TOP_K", &c.Prompter.TopK)
	applyInt("PROMPTER_MAX_ATTEMPTS", &c.Prompter.MaxAttempts)
	applyInt("PROMPTER_RETRY_BACKOFF_MS", &c.Prompter.RetryBackoffMillis)
	applyFloat64("PROMPTER_GENERATE_TEMPERATURE", &c.Prompter.GenerateTemperature)
	applyFloat64("BASELINE_TEMPERATURE", &c.Prompter.BaselineTemperature)
	applyFloat64("PROMPTER_CLARIFY_TEMPERATURE", &c.Prompter.ClarifyTemperature)
	applyBool("PROMPTER_DEFER_MEMORIZE", &c.Prompter.DeferMemorize)
	applyBool("PROMPTER_DEDUPLICATE", &c.Prompter.Deduplicate)
	applyInt("PROMPTER_NUM_EXAMPLES", &c.Prompter.NumExamples)

	applyString("EMBEDDING_PROVIDER", &c.Embedding.Provider)
	applyString("EMBEDDING_BASE_URL", &c.Embedding.BaseURL)
	applyString("EMBEDDING_API_KEY", &c.Embedding.APIKey)
	applyString("EMBEDDING_MODEL", &c.Embedding.Model)
	applyInt("EMBEDDING_DIMS", &c.Embedding.Dims)
	applyInt("EMBEDDING_CACHE_TTL", &c.Embedding.CacheTTLSeconds)

	applyString("TENCENT_SECRET_ID", &c.Speech.SecretID)
	applyString("TENCENT_SECRET_KEY", &c.Speech.SecretKey)
	applyString("TENCENT_ASR_REGION", &c.Speech.Region)
	applyString("TENCENT_ASR_ENGINE", &c.Speech.Engine)
	applyString("TENCENT_ASR_ENDPOINT", &c.Speech.Endpoint)

	// 兼容旧变量名
	if c.LLM.APIKey == "" {
		applyString("OPENAI_API_KEY", &c.LLM.APIKey)
	}
}

func (c *AppConfig) normalize() {
	c.LLM.Backend = strings.ToLower(strings.TrimSpace(c.LLM.Backend))
	c.Embedding.Provider = strings.ToLower(strings.TrimSpace(c.Embedding.Provider))
	if c.LLM.Backend == "openai" && c.LLM.BaseURL == "" {
		c.LLM.BaseURL = "https://api.openai.com/v1"
	}
	if c.Embedding.Provider == "openai" && c.LLM.Backend == "openai" {
		if c.Embedding.BaseURL == "" {
			c.Embedding.BaseURL = c.LLM.BaseURL
		}
		if c.Embedding.APIKey == "" {
			c.Embedding.APIKey = c.LLM.APIKey
		}
	}
	if c.Prompter.MaxAttempts <= 0 {
		c.Prompter.MaxAttempts = 1
	}
	if c.Prompter.TopK <= 0 {
		c.Prompter.TopK = 3
	}
	if c.Prompter.RetryBackoffMillis < 0 {
		c.Prompter.RetryBackoffMillis = 0
	}
	if c.LLM.RateLimitBurst <= 0 {
		c.LLM.RateLimitBurst = 1
	}
}

func (c *AppConfig) validate() error {
	switch c.LLM.Backend {
	case "openai", "anthropic", "deepseek":
	default:
		return fmt.Errorf("LLM_BACKEND %q is not supported (openai | anthropic | deepseek)", c.LLM.Backend)
	}
	switch c.Embedding.Provider {
	case "hash", "openai":
	default:
		return fmt.Errorf("EMBEDDING_PROVIDER %q is not supported (hash | openai)", c.Embedding.Provider)
	}
	if c.Embedding.Dims <= 0 {
		return fmt.Errorf("EMBEDDING_DIMS must be positive")
	}
	if c.Prompter.GenerateTemperature < 0 || c.Prompter.GenerateTemperature > 2 {
		return fmt.Errorf("PROMPTER_GENERATE_TEMPERATURE out of range: %v", c.Prompter.GenerateTemperature)
	}
	if strings.TrimSpace(c.Prompter.PromptsDir) == "" {
		return fmt.Errorf("PROMPTS_DIR is required")
	}
	return nil
}

func applyString(key string, target *string) {
	if v := os.Getenv(key); v != "" {
		*target = v
	}
}

func applyInt(key string, target *int) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

func applyFloat64(key string, target *float64) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.ParseFloat(v, 64); err == nil {
			*target = n
		}
	}
}

func applyBool(key string, target *bool) {
	if v := os.Getenv(key); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			*target = b
		}
	}
}
