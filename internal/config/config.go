package config

import (
	"fmt"
	"os"
	"runtime"
	"strconv"
	"strings"
	"time"
)

type Config struct {
	// Server
	Port int
	Env  string

	// CORS
	AllowedOrigins []string

	// Store DSNs
	PostgresURL   string
	MySQLURL      string
	RedisURL      string
	ClickHouseURL string

	// Battle Manager worker pool
	WorkerCount   int
	QueueSize     int
	WorkerPoolMin int
	WorkerPoolMax int
	AdaptivePoll  time.Duration
	CPUHighWater  float64
	MemHighWater  float64
	CPULowWater   float64
	MemLowWater   float64

	// Bot / LLM call discipline
	BotCallTimeout   time.Duration
	LLMCallTimeout   time.Duration
	LLMCallRetries   int
	LLMPerRoundQuota int
	LLMSessionTTL    time.Duration
	MaxTokenAllowed  int

	// LLM clients, numbered 1..N
	LLMClients []LLMClientConfig

	// Automatch
	AutomatchRefreshEvery int
	AutomatchBackoffMin   time.Duration
	AutomatchBackoffMax   time.Duration
	AutomatchInflightCap  int
	AutomatchBatchSize    int
	AutomatchPollInterval time.Duration

	// Sandbox
	SandboxDataDir string
}

// LLMClientConfig is one (api_key, base_url, model) triple.
type LLMClientConfig struct {
	APIKey  string
	BaseURL string
	Model   string
}

// Load loads configuration from environment variables.
// It returns an error if critical configuration is missing.
func Load() (*Config, error) {
	cfg := &Config{
		Port: getEnvInt("PORT", 8080),
		Env:  getEnv("ENV", "development"),

		WorkerCount:   getEnvInt("WORKER_COUNT", 4*runtime.NumCPU()),
		QueueSize:     getEnvInt("QUEUE_SIZE", 100),
		WorkerPoolMin: getEnvInt("WORKER_POOL_MIN", 4),
		WorkerPoolMax: getEnvInt("WORKER_POOL_MAX", minInt(192, 16*runtime.NumCPU())),
		AdaptivePoll:  getEnvDuration("ADAPTIVE_POLL_INTERVAL", 60*time.Second),
		CPUHighWater:  getEnvFloat("CPU_HIGH_WATER", 0.75),
		MemHighWater:  getEnvFloat("MEM_HIGH_WATER", 0.80),
		CPULowWater:   getEnvFloat("CPU_LOW_WATER", 0.30),
		MemLowWater:   getEnvFloat("MEM_LOW_WATER", 0.60),

		BotCallTimeout:   getEnvDuration("BOT_CALL_TIMEOUT", 100*time.Second),
		LLMCallTimeout:   getEnvDuration("LLM_CALL_TIMEOUT", 20*time.Second),
		LLMCallRetries:   getEnvInt("LLM_CALL_RETRIES", 3),
		LLMPerRoundQuota: getEnvInt("LLM_PER_ROUND_QUOTA", 10),
		LLMSessionTTL:    getEnvDuration("LLM_SESSION_TTL", 5*time.Minute),
		MaxTokenAllowed:  getEnvInt("MAX_TOKEN_ALLOWED", 3000),

		AutomatchRefreshEvery: getEnvInt("AUTOMATCH_REFRESH_EVERY", 10),
		AutomatchBackoffMin:   getEnvDuration("AUTOMATCH_BACKOFF_MIN", 1*time.Second),
		AutomatchBackoffMax:   getEnvDuration("AUTOMATCH_BACKOFF_MAX", 60*time.Second),
		AutomatchInflightCap:  getEnvInt("AUTOMATCH_INFLIGHT_CAP", 20),
		AutomatchBatchSize:    getEnvInt("AUTOMATCH_BATCH_SIZE", 5),
		AutomatchPollInterval: getEnvDuration("AUTOMATCH_POLL_INTERVAL", 500*time.Millisecond),

		SandboxDataDir: getEnv("SANDBOX_DATA_DIR", "./data"),
	}

	// CORS
	origins := getEnv("ALLOWED_ORIGINS", "http://localhost:3000")
	rawOrigins := strings.Split(origins, ",")
	for _, o := range rawOrigins {
		if trimmed := strings.TrimSpace(o); trimmed != "" {
			cfg.AllowedOrigins = append(cfg.AllowedOrigins, trimmed)
		}
	}

	// Critical configuration - fail if missing
	var err error
	if cfg.PostgresURL, err = getEnvRequired("POSTGRES_URL"); err != nil {
		return nil, err
	}
	if cfg.MySQLURL, err = getEnvRequired("MYSQL_URL"); err != nil {
		return nil, err
	}
	if cfg.RedisURL, err = getEnvRequired("REDIS_URL"); err != nil {
		return nil, err
	}
	if cfg.ClickHouseURL, err = getEnvRequired("CLICKHOUSE_URL"); err != nil {
		return nil, err
	}

	cfg.LLMClients = loadLLMClients()
	if len(cfg.LLMClients) == 0 {
		return nil, fmt.Errorf("no LLM clients configured: set OPENAI_API_KEY or OPENAI_API_KEY_1")
	}

	return cfg, nil
}

// loadLLMClients reads the unsuffixed client (honored as client 1) plus any
// numbered OPENAI_API_KEY_i / OPENAI_BASE_URL_i / OPENAI_MODEL_NAME_i triples.
func loadLLMClients() []LLMClientConfig {
	var clients []LLMClientConfig

	if key := getEnv("OPENAI_API_KEY", ""); key != "" {
		clients = append(clients, LLMClientConfig{
			APIKey:  key,
			BaseURL: getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			Model:   getEnv("OPENAI_MODEL_NAME", "gpt-4o-mini"),
		})
	}

	for i := 1; ; i++ {
		suffix := "_" + strconv.Itoa(i)
		key := os.Getenv("OPENAI_API_KEY" + suffix)
		if key == "" {
			break
		}
		clients = append(clients, LLMClientConfig{
			APIKey:  key,
			BaseURL: getEnv("OPENAI_BASE_URL"+suffix, "https://api.openai.com/v1"),
			Model:   getEnv("OPENAI_MODEL_NAME"+suffix, "gpt-4o-mini"),
		})
	}

	return clients
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getEnvRequired(key string) (string, error) {
	if value := os.Getenv(key); value != "" {
		return value, nil
	}
	return "", fmt.Errorf("missing required environment variable: %s", key)
}

func getEnvInt(key string, fallback int) int {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.Atoi(value); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvFloat(key string, fallback float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return fallback
}

func getEnvDuration(key string, fallback time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return fallback
}

func minInt(a, b int) int {
	if a < b {
		return a
	}
	return b
}
