package infra

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Snapshot backends selectable via SNAPSHOT_BACKEND.
const (
	SnapshotBackendMemory   = "memory"
	SnapshotBackendRedis    = "redis"
	SnapshotBackendPostgres = "postgres"
)

// Config represents application configuration loaded from environment variables.
type Config struct {
	AppEnv   string
	Port     string
	LogLevel string

	APIBase      string
	WSURL        string
	WorkflowPath string

	Widths  []int
	Heights []int

	MaxActiveRequests       int
	GlobalMaxActiveRequests int
	RequestTimeout          time.Duration
	ReconcileTimeout        time.Duration
	HistoryTTL              time.Duration

	SnapshotBackend string
	RedisAddr       string
	RedisPassword   string
	DatabaseURL     string

	TagCSVPath string

	HTTPReadTimeout  time.Duration
	HTTPWriteTimeout time.Duration
	HTTPIdleTimeout  time.Duration
	RateLimitPerMin  int
}

// LoadConfig loads configuration from environment variables and applies defaults where needed.
func LoadConfig() (*Config, error) {
	cfg := &Config{
		AppEnv:   getEnv("APP_ENV", "development"),
		Port:     getEnv("PORT", "8080"),
		LogLevel: normalizeLogLevel(os.Getenv("LOG_LEVEL")),

		APIBase:      strings.TrimRight(getEnv("COMFYUI_BASE_URL", "http://localhost:8188"), "/"),
		WSURL:        strings.TrimRight(getEnv("COMFYUI_WS_URL", "ws://localhost:8188/ws"), "/"),
		WorkflowPath: getEnv("WORKFLOW_JSON_PATH", "workflows/example.json"),

		MaxActiveRequests:       getEnvInt("MAX_ACTIVE_REQUESTS", 1),
		GlobalMaxActiveRequests: getEnvInt("GLOBAL_MAX_ACTIVE_REQUESTS", 0),
		RequestTimeout:          time.Second * time.Duration(getEnvInt("REQUEST_TIMEOUT_SECONDS", 120)),
		ReconcileTimeout:        time.Second * time.Duration(getEnvInt("RECONCILE_TIMEOUT_SECONDS", 2)),
		HistoryTTL:              time.Second * time.Duration(getEnvInt("HISTORY_TTL_SECONDS", 600)),

		SnapshotBackend: strings.ToLower(getEnv("SNAPSHOT_BACKEND", SnapshotBackendMemory)),
		RedisAddr:       getEnv("REDIS_ADDR", "localhost:6379"),
		RedisPassword:   os.Getenv("REDIS_PASSWORD"),
		DatabaseURL:     os.Getenv("DATABASE_URL"),

		TagCSVPath: os.Getenv("TAG_CSV_PATH"),

		HTTPReadTimeout:  time.Second * time.Duration(getEnvInt("HTTP_READ_TIMEOUT_SECONDS", 15)),
		HTTPWriteTimeout: time.Second * time.Duration(getEnvInt("HTTP_WRITE_TIMEOUT_SECONDS", 30)),
		HTTPIdleTimeout:  time.Second * time.Duration(getEnvInt("HTTP_IDLE_TIMEOUT_SECONDS", 60)),
		RateLimitPerMin:  getEnvInt("RATE_LIMIT_PER_MINUTE", 30),
	}

	var err error
	if cfg.Widths, err = getEnvIntList("IMAGE_WIDTHS", []int{512}); err != nil {
		return nil, fmt.Errorf("IMAGE_WIDTHS: %w", err)
	}
	if cfg.Heights, err = getEnvIntList("IMAGE_HEIGHTS", []int{512}); err != nil {
		return nil, fmt.Errorf("IMAGE_HEIGHTS: %w", err)
	}

	if cfg.MaxActiveRequests < 1 {
		cfg.MaxActiveRequests = 1
	}
	if cfg.GlobalMaxActiveRequests < 0 {
		cfg.GlobalMaxActiveRequests = 0
	}

	switch cfg.SnapshotBackend {
	case SnapshotBackendMemory, SnapshotBackendRedis:
	case SnapshotBackendPostgres:
		if cfg.DatabaseURL == "" {
			return nil, fmt.Errorf("DATABASE_URL is required when SNAPSHOT_BACKEND=postgres")
		}
	default:
		return nil, fmt.Errorf("unsupported SNAPSHOT_BACKEND %q", cfg.SnapshotBackend)
	}

	return cfg, nil
}

// Redactor returns a redactor seeded with the endpoints that must never leak
// into user-facing messages.
func (c *Config) Redactor() *Redactor {
	return NewRedactor(c.APIBase, c.WSURL)
}

func normalizeLogLevel(raw string) string {
	level := strings.ToUpper(strings.TrimSpace(raw))
	switch level {
	case "INFO", "DEBUG", "TRACE":
		return level
	default:
		return "INFO"
	}
}

func getEnv(key, fallback string) string {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		return v
	}
	return fallback
}

func getEnvInt(key string, fallback int) int {
	if v, ok := os.LookupEnv(key); ok && v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return fallback
}

func getEnvIntList(key string, fallback []int) ([]int, error) {
	v, ok := os.LookupEnv(key)
	if !ok || strings.TrimSpace(v) == "" {
		return fallback, nil
	}
	var out []int
	for _, part := range strings.Split(v, ",") {
		part = strings.TrimSpace(part)
		if part == "" {
			continue
		}
		i, err := strconv.Atoi(part)
		if err != nil {
			return nil, fmt.Errorf("invalid value %q", part)
		}
		if i <= 0 {
			return nil, fmt.Errorf("value %d must be positive", i)
		}
		out = append(out, i)
	}
	if len(out) == 0 {
		return fallback, nil
	}
	return out, nil
}
