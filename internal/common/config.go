package common

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration.
type Config struct {
	Database DatabaseConfig
	Server   ServerConfig
	Queue    QueueConfig
	Guard    GuardConfig
	Worker   WorkerConfig
	LLM      LLMConfig
	Stages   StagesConfig
}

// DatabaseConfig holds database-related configuration.
type DatabaseConfig struct {
	DSN             string
	MaxConns        int32
	MinConns        int32
	MaxConnLifetime time.Duration
	MaxConnIdleTime time.Duration
	DialTimeout     time.Duration
	HealthTimeout   time.Duration
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Addr string
	Mode string // gin mode: debug, release, test
	// InternalSecret authenticates the internal invocation channel
	// (/internal/*). Stage execution refuses to run without it.
	InternalSecret string
	MetricsAddr    string
}

// QueueConfig holds job queue tuning.
type QueueConfig struct {
	MaxAttempts int
	// ClaimsPerMinute caps jobs started in a trailing 60s window per queue.
	// Zero disables the throttle.
	ClaimsPerMinute int
	RetentionHours  int
	DefaultPriority int
}

// GuardConfig holds admission-control settings.
type GuardConfig struct {
	RedisURL string
	// APIKeys maps bearer keys to user ids, parsed from "key:user,key:user".
	APIKeys                map[string]string
	UserConcurrentLimit    int
	ProjectConcurrentLimit int
	RateLimitPerMinute     int
	AbuseBlockThreshold    int
	AbuseWindow            time.Duration
}

// WorkerConfig holds the polling worker and sweeper settings.
type WorkerConfig struct {
	PollInterval    time.Duration
	Concurrency     int
	ProcessTimeout  time.Duration
	SweepInterval   time.Duration
	StaleAfter      time.Duration
	CleanupInterval time.Duration
}

// LLMConfig holds the summarization/embedding client settings.
type LLMConfig struct {
	BaseURL        string
	APIKey         string
	Model          string
	EmbeddingModel string
	Temperature    float32
	Timeout        time.Duration
}

// StagesConfig holds stage executor parameters.
type StagesConfig struct {
	// ExecutorBaseURL switches the orchestrator to remote invocation when set.
	ExecutorBaseURL string
	ChunkSize       int
	ChunkOverlap    int
	ChunkStrategy   string
	ArtifactDir     string
}

// LoadConfig loads configuration from environment variables. A .env file in
// the working directory is applied first when present.
func LoadConfig() *Config {
	_ = godotenv.Load()

	return &Config{
		Database: DatabaseConfig{
			DSN:             getEnv("DB_URL", ""),
			MaxConns:        getEnvAsInt32("DB_MAX_CONNS", 20),
			MinConns:        getEnvAsInt32("DB_MIN_CONNS", 5),
			MaxConnLifetime: getEnvAsDuration("DB_MAX_CONN_LIFETIME", 30*time.Minute),
			MaxConnIdleTime: getEnvAsDuration("DB_MAX_CONN_IDLE_TIME", 5*time.Minute),
			DialTimeout:     getEnvAsDuration("DB_DIAL_TIMEOUT", 3*time.Second),
			HealthTimeout:   getEnvAsDuration("DB_HEALTH_TIMEOUT", 3*time.Second),
		},
		Server: ServerConfig{
			Addr:           getEnv("HTTP_ADDR", ":8080"),
			Mode:           getEnv("GIN_MODE", "debug"),
			InternalSecret: getEnv("INTERNAL_SECRET", ""),
			MetricsAddr:    getEnv("METRICS_ADDR", ":9090"),
		},
		Queue: QueueConfig{
			MaxAttempts:     getEnvAsInt("QUEUE_MAX_ATTEMPTS", 3),
			ClaimsPerMinute: getEnvAsInt("QUEUE_CLAIMS_PER_MINUTE", 0),
			RetentionHours:  getEnvAsInt("QUEUE_RETENTION_HOURS", 72),
			DefaultPriority: getEnvAsInt("QUEUE_DEFAULT_PRIORITY", 0),
		},
		Guard: GuardConfig{
			RedisURL:               getEnv("REDIS_URL", ""),
			APIKeys:                parseAPIKeys(getEnv("API_KEYS", "")),
			UserConcurrentLimit:    getEnvAsInt("LIMIT_USER_CONCURRENT", 5),
			ProjectConcurrentLimit: getEnvAsInt("LIMIT_PROJECT_CONCURRENT", 20),
			RateLimitPerMinute:     getEnvAsInt("RATE_LIMIT_PER_MINUTE", 60),
			AbuseBlockThreshold:    getEnvAsInt("ABUSE_BLOCK_THRESHOLD", 10),
			AbuseWindow:            getEnvAsDuration("ABUSE_WINDOW", 15*time.Minute),
		},
		Worker: WorkerConfig{
			PollInterval:    getEnvAsDuration("WORKER_POLL_INTERVAL", 2*time.Second),
			Concurrency:     getEnvAsInt("WORKER_CONCURRENCY", 4),
			ProcessTimeout:  getEnvAsDuration("WORKER_PROCESS_TIMEOUT", 3*time.Minute),
			SweepInterval:   getEnvAsDuration("SWEEP_INTERVAL", 5*time.Minute),
			StaleAfter:      getEnvAsDuration("SWEEP_STALE_AFTER", 10*time.Minute),
			CleanupInterval: getEnvAsDuration("CLEANUP_INTERVAL", time.Hour),
		},
		LLM: LLMConfig{
			BaseURL:        getEnv("OPENAI_BASE_URL", "https://api.openai.com/v1"),
			APIKey:         getEnv("OPENAI_API_KEY", ""),
			Model:          getEnv("OPENAI_MODEL", "gpt-4o-mini"),
			EmbeddingModel: getEnv("OPENAI_EMBEDDING_MODEL", "text-embedding-3-small"),
			Temperature:    getEnvAsFloat32("OPENAI_TEMPERATURE", 0.0),
			Timeout:        getEnvAsDuration("OPENAI_TIMEOUT", 45*time.Second),
		},
		Stages: StagesConfig{
			ExecutorBaseURL: getEnv("EXECUTOR_BASE_URL", ""),
			ChunkSize:       getEnvAsInt("CHUNK_SIZE", 1000),
			ChunkOverlap:    getEnvAsInt("CHUNK_OVERLAP", 200),
			ChunkStrategy:   getEnv("CHUNK_STRATEGY", "sentence"),
			ArtifactDir:     getEnv("ARTIFACT_DIR", "./tmp"),
		},
	}
}

// Validate validates the loaded configuration.
func (c *Config) Validate() error {
	if c.Database.DSN == "" {
		return NewAppError("CONFIG_ERROR", "DB_URL is required", ErrInvalidInput)
	}
	if c.Server.Mode == "release" {
		if c.Server.InternalSecret == "" {
			return NewAppError("CONFIG_ERROR", "INTERNAL_SECRET is required in release mode", ErrInvalidInput)
		}
		if len(c.Guard.APIKeys) == 0 {
			return NewAppError("CONFIG_ERROR", "API_KEYS is required in release mode", ErrInvalidInput)
		}
	}
	if c.Stages.ChunkOverlap >= c.Stages.ChunkSize {
		return NewAppError("CONFIG_ERROR", "CHUNK_OVERLAP must be smaller than CHUNK_SIZE", ErrInvalidInput)
	}
	return nil
}

// parseAPIKeys parses "key:userID,key:userID" pairs.
func parseAPIKeys(raw string) map[string]string {
	keys := make(map[string]string)
	for _, pair := range strings.Split(raw, ",") {
		k, v, ok := strings.Cut(strings.TrimSpace(pair), ":")
		if ok && k != "" && v != "" {
			keys[k] = v
		}
	}
	return keys
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsInt32(key string, defaultValue int32) int32 {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.ParseInt(value, 10, 32); err == nil {
			return int32(intVal)
		}
	}
	return defaultValue
}

func getEnvAsFloat32(key string, defaultValue float32) float32 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 32); err == nil {
			return float32(floatVal)
		}
	}
	return defaultValue
}

func getEnvAsDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if duration, err := time.ParseDuration(value); err == nil {
			return duration
		}
	}
	return defaultValue
}
