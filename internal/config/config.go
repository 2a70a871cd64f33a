// Package config loads configuration from environment variables, with an
// optional YAML file overlay for the richer per-segment/timeout tuning
// this orchestrator needs.
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Config holds all service configuration.
type Config struct {
	HTTPAddr string `yaml:"http_addr"`

	Task          TaskConfig          `yaml:"task"`
	Provider      ProviderConfig      `yaml:"provider"`
	Redis         RedisConfig         `yaml:"redis"`
	Kafka         KafkaConfig         `yaml:"kafka"`
	Observability ObservabilityConfig `yaml:"observability"`
}

// TaskConfig holds the Task Engine / Global Limiter / Monitor / Sweeper
// tuning knobs.
type TaskConfig struct {
	MaxConcurrentTasks    int           `yaml:"max_concurrent_tasks"`
	MaxConcurrentSegments int           `yaml:"max_concurrent_segments"`
	LongTextThreshold     int           `yaml:"long_text_threshold"`
	MaxPerSegment         int           `yaml:"max_per_segment"`
	SegmentRetryDelayBase time.Duration `yaml:"segment_retry_delay_base"`
	SegmentMaxRetries     int           `yaml:"segment_max_retries"`
	TaskTimeoutSeconds    time.Duration `yaml:"task_timeout_seconds"`
	IdempotencyTTL        time.Duration `yaml:"idempotency_ttl_seconds"`
	TerminalRetention     time.Duration `yaml:"terminal_retention_seconds"`
	SweepInterval         time.Duration `yaml:"sweep_interval_seconds"`
	SlotTTL               time.Duration `yaml:"slot_ttl_seconds"`
	SlotRenewInterval     time.Duration `yaml:"slot_renew_interval_seconds"`
}

// ProviderConfig holds the Provider Session connection and timeout
// parameters.
type ProviderConfig struct {
	Endpoint       string        `yaml:"endpoint"`
	AppID          string        `yaml:"app_id"`
	AccessToken    string        `yaml:"access_token"`
	ConnectTimeout time.Duration `yaml:"connect_timeout"`
	IdleTimeout    time.Duration `yaml:"idle_timeout"`
	TotalTimeout   time.Duration `yaml:"total_timeout"`
	SampleRateHz   int           `yaml:"sample_rate_hz"`
	Codec          string        `yaml:"codec"`
}

// RedisConfig holds the shared-store connection used by the Global
// Limiter, Task Monitor, and Timeout Sweeper leader election.
type RedisConfig struct {
	Addr      string `yaml:"addr"`
	Password  string `yaml:"password"`
	DB        int    `yaml:"db"`
	KeyPrefix string `yaml:"key_prefix"`
}

// KafkaConfig holds the supplemental terminal-event audit log publisher
// configuration.
type KafkaConfig struct {
	Enabled   bool     `yaml:"enabled"`
	Brokers   []string `yaml:"brokers"`
	Topic     string   `yaml:"topic"`
	Principal string   `yaml:"principal"`
}

// ObservabilityConfig holds logging and metrics settings.
type ObservabilityConfig struct {
	MetricsEnabled bool   `yaml:"metrics_enabled"`
	MetricsPort    string `yaml:"metrics_port"`
	LogLevel       string `yaml:"log_level"`
	LogFormat      string `yaml:"log_format"`
}

// Default values.
const (
	DefaultMaxConcurrentTasks    = 20
	DefaultMaxConcurrentSegments = 10
	DefaultLongTextThreshold     = 2000
	DefaultMaxPerSegment         = 10
	DefaultSegmentRetryDelayBase = time.Second
	DefaultSegmentMaxRetries     = 3
	DefaultTaskTimeoutSeconds    = 1800 * time.Second
	DefaultIdempotencyTTL        = 24 * time.Hour
	DefaultTerminalRetention     = time.Hour
	DefaultSweepInterval         = 60 * time.Second
	DefaultSlotTTL               = 30 * time.Minute
	DefaultSlotRenewInterval     = 60 * time.Second

	DefaultConnectTimeout = 10 * time.Second
	DefaultIdleTimeout    = 30 * time.Second
	DefaultTotalTimeout   = 120 * time.Second
	DefaultSampleRateHz   = 24000
	DefaultCodec          = "mp3"
)

// Load reads configuration from environment variables, optionally
// overlaying a YAML file named by TTS_VOCL_CONFIG_FILE.
func Load() (*Config, error) {
	cfg := &Config{
		HTTPAddr: envOrDefault("HTTP_ADDR", ":8080"),
		Task: TaskConfig{
			MaxConcurrentTasks:    envOrDefaultInt("MAX_CONCURRENT_TASKS", DefaultMaxConcurrentTasks),
			MaxConcurrentSegments: envOrDefaultInt("MAX_CONCURRENT_SEGMENTS", DefaultMaxConcurrentSegments),
			LongTextThreshold:     envOrDefaultInt("LONG_TEXT_THRESHOLD", DefaultLongTextThreshold),
			MaxPerSegment:         envOrDefaultInt("MAX_PER_SEGMENT", DefaultMaxPerSegment),
			SegmentRetryDelayBase: envOrDefaultDuration("SEGMENT_RETRY_DELAY_BASE", DefaultSegmentRetryDelayBase),
			SegmentMaxRetries:     envOrDefaultInt("SEGMENT_MAX_RETRIES", DefaultSegmentMaxRetries),
			TaskTimeoutSeconds:    envOrDefaultDuration("TASK_TIMEOUT_SECONDS", DefaultTaskTimeoutSeconds),
			IdempotencyTTL:        envOrDefaultDuration("IDEMPOTENCY_TTL_SECONDS", DefaultIdempotencyTTL),
			TerminalRetention:     envOrDefaultDuration("TERMINAL_RETENTION_SECONDS", DefaultTerminalRetention),
			SweepInterval:         envOrDefaultDuration("SWEEP_INTERVAL_SECONDS", DefaultSweepInterval),
			SlotTTL:               envOrDefaultDuration("SLOT_TTL_SECONDS", DefaultSlotTTL),
			SlotRenewInterval:     envOrDefaultDuration("SLOT_RENEW_INTERVAL_SECONDS", DefaultSlotRenewInterval),
		},
		Provider: ProviderConfig{
			Endpoint:       envOrDefault("PROVIDER_ENDPOINT", "wss://tts.provider.example/v2/stream"),
			AppID:          envOrDefault("PROVIDER_APP_ID", ""),
			AccessToken:    envOrDefault("PROVIDER_ACCESS_TOKEN", ""),
			ConnectTimeout: envOrDefaultDuration("SESSION_CONNECT_TIMEOUT", DefaultConnectTimeout),
			IdleTimeout:    envOrDefaultDuration("SESSION_IDLE_TIMEOUT", DefaultIdleTimeout),
			TotalTimeout:   envOrDefaultDuration("SESSION_TOTAL_TIMEOUT", DefaultTotalTimeout),
			SampleRateHz:   envOrDefaultInt("PROVIDER_SAMPLE_RATE_HZ", DefaultSampleRateHz),
			Codec:          envOrDefault("PROVIDER_CODEC", DefaultCodec),
		},
		Redis: RedisConfig{
			Addr:      envOrDefault("REDIS_ADDR", "localhost:6379"),
			Password:  envOrDefault("REDIS_PASSWORD", ""),
			DB:        envOrDefaultInt("REDIS_DB", 0),
			KeyPrefix: envOrDefault("REDIS_KEY_PREFIX", "tts_vocl"),
		},
		Kafka: KafkaConfig{
			Enabled:   envOrDefault("KAFKA_ENABLED", "false") == "true",
			Brokers:   strings.Split(envOrDefault("KAFKA_BROKERS", "localhost:9092"), ","),
			Topic:     envOrDefault("KAFKA_TOPIC", "tts.task.events"),
			Principal: envOrDefault("KAFKA_PRINCIPAL", "svc-tts-vocl"),
		},
		Observability: ObservabilityConfig{
			MetricsEnabled: envOrDefault("METRICS_ENABLED", "true") == "true",
			MetricsPort:    envOrDefault("METRICS_PORT", "9090"),
			LogLevel:       envOrDefault("LOG_LEVEL", "info"),
			LogFormat:      envOrDefault("LOG_FORMAT", "json"),
		},
	}

	if path := os.Getenv("TTS_VOCL_CONFIG_FILE"); path != "" {
		if err := overlayYAML(cfg, path); err != nil {
			return nil, fmt.Errorf("config: load overlay %s: %w", path, err)
		}
	}

	return cfg, nil
}

// overlayYAML merges a YAML file's fields onto cfg. Fields absent from the
// file are left at their env-derived values, since yaml.v3 only sets keys
// present in the document.
func overlayYAML(cfg *Config, path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return err
	}
	return yaml.Unmarshal(data, cfg)
}

func envOrDefault(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func envOrDefaultInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func envOrDefaultDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
		if secs, err := strconv.Atoi(v); err == nil {
			return time.Duration(secs) * time.Second
		}
	}
	return def
}
