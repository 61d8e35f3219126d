package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all configuration for the genflow server and worker.
type Config struct {
	Server    ServerConfig
	Database  DatabaseConfig
	Redis     RedisConfig
	Ledger    LedgerConfig
	Realtime  RealtimeConfig
	Dispatch  DispatchConfig
	Provider  ProviderConfig
	Executor  ExecutorConfig
	Billing   BillingConfig
	API       APIConfig
	Telemetry TelemetryConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL           string
	ChannelPrefix string
}

const (
	LedgerPostgres = "postgres"
	LedgerMemory   = "memory"

	RealtimeRedis = "redis"
	RealtimeLocal = "local"

	DispatchRabbitMQ = "rabbitmq"
	DispatchLocal    = "local"

	ProviderQueue = "queue"
	ProviderMock  = "mock"
)

type LedgerConfig struct {
	Backend           string
	PublishAttempts   int
	RetentionMaxAge   time.Duration
	RetentionInterval time.Duration
}

type RealtimeConfig struct {
	Backend      string
	Buffer       int
	Heartbeat    time.Duration
	StallTimeout time.Duration
}

type DispatchConfig struct {
	Backend     string
	RabbitMQURL string
	Queue       string
	Concurrency int
}

type ProviderConfig struct {
	Backend        string
	BaseURL        string
	APIKey         string
	Models         []string
	PollInterval   time.Duration
	Timeout        time.Duration
	RequestTimeout time.Duration
}

type ExecutorConfig struct {
	MaxAttempts   int
	RetryInitial  time.Duration
	RetryMax      time.Duration
	WriteAttempts int
}

type BillingConfig struct {
	URL     string
	Timeout time.Duration
}

type APIConfig struct {
	RateLimitPerMinute int
	MaxInputBytes      int
}

type TelemetryConfig struct {
	Enabled      bool
	Exporter     string
	OTLPEndpoint string
	ServiceName  string
}

var defaultModels = []string{
	"fal-ai/flux/dev",
	"fal-ai/flux/dev/image-to-image",
	"fal-ai/esrgan",
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("GENFLOW_PORT", 8080),
			Env:  envString("GENFLOW_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL:           os.Getenv("REDIS_URL"),
			ChannelPrefix: envString("REDIS_CHANNEL_PREFIX", "genflow:"),
		},
		Ledger: LedgerConfig{
			Backend:           envString("LEDGER_BACKEND", LedgerPostgres),
			PublishAttempts:   envInt("LEDGER_PUBLISH_ATTEMPTS", 3),
			RetentionMaxAge:   envDuration("RETENTION_MAX_AGE", 30*24*time.Hour),
			RetentionInterval: envDuration("RETENTION_INTERVAL", time.Hour),
		},
		Realtime: RealtimeConfig{
			Backend:      envString("REALTIME_BACKEND", RealtimeRedis),
			Buffer:       envInt("REALTIME_BUFFER", 64),
			Heartbeat:    envDuration("SSE_HEARTBEAT", 15*time.Second),
			StallTimeout: envDuration("WATCH_STALL_TIMEOUT", 30*time.Second),
		},
		Dispatch: DispatchConfig{
			Backend:     envString("DISPATCH_BACKEND", DispatchRabbitMQ),
			RabbitMQURL: os.Getenv("RABBITMQ_URL"),
			Queue:       envString("RABBITMQ_QUEUE", "genflow.jobs"),
			Concurrency: envInt("WORKER_CONCURRENCY", 4),
		},
		Provider: ProviderConfig{
			Backend:        envString("PROVIDER_BACKEND", ProviderQueue),
			BaseURL:        envString("PROVIDER_BASE_URL", "https://queue.fal.run"),
			APIKey:         os.Getenv("PROVIDER_API_KEY"),
			Models:         envList("PROVIDER_MODELS", defaultModels),
			PollInterval:   envDuration("PROVIDER_POLL_INTERVAL", 3*time.Second),
			Timeout:        envDuration("PROVIDER_TIMEOUT", 5*time.Minute),
			RequestTimeout: envDuration("PROVIDER_REQUEST_TIMEOUT", 30*time.Second),
		},
		Executor: ExecutorConfig{
			MaxAttempts:   envInt("EXECUTOR_MAX_ATTEMPTS", 3),
			RetryInitial:  envDuration("EXECUTOR_RETRY_INITIAL", time.Second),
			RetryMax:      envDuration("EXECUTOR_RETRY_MAX", 10*time.Second),
			WriteAttempts: envInt("LEDGER_RETRY_ATTEMPTS", 3),
		},
		Billing: BillingConfig{
			URL:     os.Getenv("BILLING_URL"),
			Timeout: envDuration("BILLING_TIMEOUT", 10*time.Second),
		},
		API: APIConfig{
			RateLimitPerMinute: envInt("RATE_LIMIT_PER_MINUTE", 60),
			MaxInputBytes:      envInt("SUBMIT_MAX_INPUT_BYTES", 64*1024),
		},
		Telemetry: TelemetryConfig{
			Enabled:      envBool("OTEL_ENABLED", false),
			Exporter:     envString("OTEL_EXPORTER", "stdout"),
			OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
			ServiceName:  envString("OTEL_SERVICE_NAME", "genflow"),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	switch c.Ledger.Backend {
	case LedgerPostgres:
		if c.Database.URL == "" {
			return fmt.Errorf("DATABASE_URL is required when LEDGER_BACKEND is postgres")
		}
	case LedgerMemory:
	default:
		return fmt.Errorf("LEDGER_BACKEND must be one of postgres, memory; got %q", c.Ledger.Backend)
	}

	switch c.Realtime.Backend {
	case RealtimeRedis:
		if c.Redis.URL == "" {
			return fmt.Errorf("REDIS_URL is required when REALTIME_BACKEND is redis")
		}
	case RealtimeLocal:
	default:
		return fmt.Errorf("REALTIME_BACKEND must be one of redis, local; got %q", c.Realtime.Backend)
	}

	if c.Ledger.RetentionMaxAge <= 0 || c.Ledger.RetentionInterval <= 0 {
		return fmt.Errorf("RETENTION_MAX_AGE and RETENTION_INTERVAL must be positive")
	}
	if c.Realtime.Heartbeat <= 0 || c.Realtime.StallTimeout <= 0 {
		return fmt.Errorf("SSE_HEARTBEAT and WATCH_STALL_TIMEOUT must be positive")
	}

	switch c.Dispatch.Backend {
	case DispatchRabbitMQ:
		if c.Dispatch.RabbitMQURL == "" {
			return fmt.Errorf("RABBITMQ_URL is required when DISPATCH_BACKEND is rabbitmq")
		}
		if c.Realtime.Backend == RealtimeLocal || c.Ledger.Backend == LedgerMemory {
			return fmt.Errorf("DISPATCH_BACKEND rabbitmq needs shared state: use LEDGER_BACKEND postgres and REALTIME_BACKEND redis")
		}
	case DispatchLocal:
	default:
		return fmt.Errorf("DISPATCH_BACKEND must be one of rabbitmq, local; got %q", c.Dispatch.Backend)
	}
	if c.Dispatch.Concurrency <= 0 {
		return fmt.Errorf("WORKER_CONCURRENCY must be positive, got %d", c.Dispatch.Concurrency)
	}

	switch c.Provider.Backend {
	case ProviderQueue:
		if !strings.HasPrefix(c.Provider.BaseURL, "http://") && !strings.HasPrefix(c.Provider.BaseURL, "https://") {
			return fmt.Errorf("PROVIDER_BASE_URL must start with http:// or https://, got %q", c.Provider.BaseURL)
		}
		if c.Provider.APIKey == "" {
			return fmt.Errorf("PROVIDER_API_KEY is required when PROVIDER_BACKEND is queue")
		}
	case ProviderMock:
	default:
		return fmt.Errorf("PROVIDER_BACKEND must be one of queue, mock; got %q", c.Provider.Backend)
	}
	if len(c.Provider.Models) == 0 {
		return fmt.Errorf("PROVIDER_MODELS must list at least one model")
	}
	if c.Provider.PollInterval <= 0 || c.Provider.Timeout <= 0 {
		return fmt.Errorf("PROVIDER_POLL_INTERVAL and PROVIDER_TIMEOUT must be positive")
	}

	if c.Executor.MaxAttempts < 1 {
		return fmt.Errorf("EXECUTOR_MAX_ATTEMPTS must be at least 1, got %d", c.Executor.MaxAttempts)
	}
	if c.Executor.WriteAttempts < 1 {
		return fmt.Errorf("LEDGER_RETRY_ATTEMPTS must be at least 1, got %d", c.Executor.WriteAttempts)
	}

	if c.Billing.URL != "" && !strings.HasPrefix(c.Billing.URL, "http://") && !strings.HasPrefix(c.Billing.URL, "https://") {
		return fmt.Errorf("BILLING_URL must start with http:// or https://, got %q", c.Billing.URL)
	}

	if c.Telemetry.Enabled && c.Telemetry.Exporter != "stdout" && c.Telemetry.Exporter != "otlp" {
		return fmt.Errorf("OTEL_EXPORTER must be one of stdout, otlp; got %q", c.Telemetry.Exporter)
	}

	return nil
}

// LoadDotEnv reads KEY=VALUE files into the process environment. Variables that
// are already set win; missing files are skipped.
func LoadDotEnv(paths ...string) error {
	for _, p := range paths {
		if err := godotenv.Load(p); err != nil {
			if errors.Is(err, fs.ErrNotExist) {
				continue
			}
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// Local reports whether executors run inside the API process.
func (c *Config) Local() bool {
	return c.Dispatch.Backend == DispatchLocal
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envBool(key string, defaultVal bool) bool {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	b, err := strconv.ParseBool(v)
	if err != nil {
		return defaultVal
	}
	return b
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}

// envList splits a comma separated value, dropping empty entries.
func envList(key string, defaultVal []string) []string {
	v := os.Getenv(key)
	if v == "" {
		return append([]string(nil), defaultVal...)
	}
	var out []string
	for _, part := range strings.Split(v, ",") {
		if part = strings.TrimSpace(part); part != "" {
			out = append(out, part)
		}
	}
	return out
}
