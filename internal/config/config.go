package config

import (
	"encoding/json"
	"os"
	"strconv"
)

// PostgresConfig holds the shared-store connection settings. An empty DSN
// switches the compute cache to single-instance in-memory coordination.
type PostgresConfig struct {
	DSN string `json:"dsn"`
}

// RedisConfig holds Redis connection settings for the hot tier and the
// distributed rate-limit buckets. An empty Addr disables both.
type RedisConfig struct {
	Addr     string `json:"addr"`
	Password string `json:"password"`
	DB       int    `json:"db"`
}

// ServerConfig holds HTTP daemon settings.
type ServerConfig struct {
	ListenAddr string `json:"listen_addr"`
	LogLevel   string `json:"log_level"`
	LogFormat  string `json:"log_format"`
}

// CacheConfig holds compute-cache tuning.
type CacheConfig struct {
	// LockWaitSeconds bounds how long a caller blocks on the distributed
	// lock before computing without it. 0 waits indefinitely.
	LockWaitSeconds int `json:"lock_wait_seconds"`
	QuoteTTLSeconds int `json:"quote_ttl_seconds"`
	NewsTTLSeconds  int `json:"news_ttl_seconds"`
	// HotTierL1Seconds caps how long hot-tier entries live in process-local
	// memory when Redis is the shared L2.
	HotTierL1Seconds int `json:"hot_tier_l1_seconds"`
}

// ProvidersConfig holds third-party vendor settings.
type ProvidersConfig struct {
	MarketDataURL   string  `json:"market_data_url"`
	MarketDataKey   string  `json:"market_data_key"`
	MarketDataRPS   float64 `json:"market_data_rps"`
	MarketDataBurst int     `json:"market_data_burst"`
	AIURL           string  `json:"ai_url"`
	AIKey           string  `json:"ai_key"`
	AIModel         string  `json:"ai_model"`
	AIRPS           float64 `json:"ai_rps"`
	AIBurst         int     `json:"ai_burst"`
}

// TelemetryConfig holds tracing settings.
type TelemetryConfig struct {
	Enabled    bool    `json:"enabled"`
	Exporter   string  `json:"exporter"` // otlp-http, stdout
	Endpoint   string  `json:"endpoint"`
	SampleRate float64 `json:"sample_rate"`
}

// Config is the central configuration struct embedding all component configs.
type Config struct {
	Postgres     PostgresConfig  `json:"postgres"`
	Redis        RedisConfig     `json:"redis"`
	Server       ServerConfig    `json:"server"`
	Cache        CacheConfig     `json:"cache"`
	Providers    ProvidersConfig `json:"providers"`
	Telemetry    TelemetryConfig `json:"telemetry"`
	UniverseFile string          `json:"universe_file"`
	ScreenerTopN int             `json:"screener_top_n"`
}

// DefaultConfig returns a Config with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Redis: RedisConfig{
			Addr: "",
			DB:   0,
		},
		Server: ServerConfig{
			ListenAddr: ":8080",
			LogLevel:   "info",
			LogFormat:  "text",
		},
		Cache: CacheConfig{
			LockWaitSeconds:  30,
			QuoteTTLSeconds:  60,
			NewsTTLSeconds:   300,
			HotTierL1Seconds: 5,
		},
		Providers: ProvidersConfig{
			MarketDataRPS:   5,
			MarketDataBurst: 10,
			AIRPS:           0.5,
			AIBurst:         2,
			AIModel:         "gpt-4o-mini",
		},
		Telemetry: TelemetryConfig{
			Enabled:    false,
			Exporter:   "otlp-http",
			Endpoint:   "localhost:4318",
			SampleRate: 1.0,
		},
		UniverseFile: "universes.yaml",
		ScreenerTopN: 25,
	}
}

// LoadFromFile loads configuration from a JSON file on top of defaults.
func LoadFromFile(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	cfg := DefaultConfig()
	if err := json.Unmarshal(data, cfg); err != nil {
		return nil, err
	}

	return cfg, nil
}

// LoadFromEnv applies environment variable overrides to the config.
func LoadFromEnv(cfg *Config) {
	if v := os.Getenv("MARKETDECK_POSTGRES_DSN"); v != "" {
		cfg.Postgres.DSN = v
	}
	if v := os.Getenv("MARKETDECK_REDIS_ADDR"); v != "" {
		cfg.Redis.Addr = v
	}
	if v := os.Getenv("MARKETDECK_REDIS_PASSWORD"); v != "" {
		cfg.Redis.Password = v
	}
	if v := os.Getenv("MARKETDECK_LISTEN_ADDR"); v != "" {
		cfg.Server.ListenAddr = v
	}
	if v := os.Getenv("MARKETDECK_LOG_LEVEL"); v != "" {
		cfg.Server.LogLevel = v
	}
	if v := os.Getenv("MARKETDECK_LOCK_WAIT_SECONDS"); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			cfg.Cache.LockWaitSeconds = n
		}
	}
	if v := os.Getenv("MARKETDECK_MARKET_DATA_URL"); v != "" {
		cfg.Providers.MarketDataURL = v
	}
	if v := os.Getenv("MARKETDECK_MARKET_DATA_KEY"); v != "" {
		cfg.Providers.MarketDataKey = v
	}
	if v := os.Getenv("MARKETDECK_AI_URL"); v != "" {
		cfg.Providers.AIURL = v
	}
	if v := os.Getenv("MARKETDECK_AI_KEY"); v != "" {
		cfg.Providers.AIKey = v
	}
	if v := os.Getenv("MARKETDECK_UNIVERSE_FILE"); v != "" {
		cfg.UniverseFile = v
	}
}
