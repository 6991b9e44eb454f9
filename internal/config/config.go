package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config contains all runtime settings for the farming assistant service.
type Config struct {
	BindAddr                 string
	ShutdownTimeout          time.Duration
	SessionInactivityTimeout time.Duration
	MetricsNamespace         string

	AllowAnyOrigin bool

	LogLevel  string
	LogFormat string

	DatabaseURL string

	MemoryWindowSize           int
	MemorySummaryBatchSize     int
	MemoryDegradedSummaryChars int

	PlanMaxIterations    int
	PlanQualityThreshold float64
	PlanIterationTimeout time.Duration
	PlanTotalTimeout     time.Duration
	PlanRetryBase        time.Duration
	PlanRetryCap         time.Duration

	SessionBusyMode string
	SessionBusyWait time.Duration

	GuardrailRulesPath string

	ModelAdapterMode string
	ModelHTTPURL     string
	ModelAPIKey      string
	ModelTimeout     time.Duration

	WeatherAPIURL   string
	CustomerDataURL string
	KnowledgePath   string

	ToolRateLimit       float64
	ToolRateBurst       int
	ToolCacheWeatherTTL time.Duration
	ToolCacheMarketTTL  time.Duration
	ToolCacheDataTTL    time.Duration
}

// MemorySettings is the immutable slice of Config consumed by the memory manager.
type MemorySettings struct {
	WindowSize           int
	SummaryBatchSize     int
	DegradedSummaryChars int
}

// PlanningSettings is the immutable slice of Config consumed by the planning engine.
type PlanningSettings struct {
	MaxIterations    int
	QualityThreshold float64
	IterationTimeout time.Duration
	TotalTimeout     time.Duration
	RetryBase        time.Duration
	RetryCap         time.Duration
}

func (c Config) Memory() MemorySettings {
	return MemorySettings{
		WindowSize:           c.MemoryWindowSize,
		SummaryBatchSize:     c.MemorySummaryBatchSize,
		DegradedSummaryChars: c.MemoryDegradedSummaryChars,
	}
}

func (c Config) Planning() PlanningSettings {
	return PlanningSettings{
		MaxIterations:    c.PlanMaxIterations,
		QualityThreshold: c.PlanQualityThreshold,
		IterationTimeout: c.PlanIterationTimeout,
		TotalTimeout:     c.PlanTotalTimeout,
		RetryBase:        c.PlanRetryBase,
		RetryCap:         c.PlanRetryCap,
	}
}

// Load reads environment variables and applies safe defaults.
func Load() (Config, error) {
	cfg := Config{
		BindAddr:         envOrDefault("APP_BIND_ADDR", ":8080"),
		MetricsNamespace: envOrDefault("APP_METRICS_NAMESPACE", "agronomist"),
		AllowAnyOrigin:   false,
		LogLevel:         strings.ToLower(envOrDefault("LOG_LEVEL", "info")),
		LogFormat:        strings.ToLower(envOrDefault("LOG_FORMAT", "json")),
		DatabaseURL:      stringsTrimSpace("DATABASE_URL"),

		// The detailed window mirrors the eight most recent exchanges farmers tend to refer back to.
		MemoryWindowSize:           8,
		MemorySummaryBatchSize:     2,
		MemoryDegradedSummaryChars: 600,

		PlanMaxIterations:    3,
		PlanQualityThreshold: 0.75,
		PlanIterationTimeout: 45 * time.Second,
		PlanTotalTimeout:     3 * time.Minute,
		PlanRetryBase:        250 * time.Millisecond,
		PlanRetryCap:         2 * time.Second,

		SessionBusyMode: strings.ToLower(envOrDefault("SESSION_BUSY_MODE", "wait")),
		SessionBusyWait: 10 * time.Second,

		GuardrailRulesPath: stringsTrimSpace("GUARDRAIL_RULES_PATH"),

		ModelAdapterMode: strings.ToLower(envOrDefault("MODEL_ADAPTER_MODE", "mock")),
		ModelHTTPURL:     stringsTrimSpace("MODEL_HTTP_URL"),
		ModelAPIKey:      stringsTrimSpace("MODEL_API_KEY"),
		ModelTimeout:     60 * time.Second,

		WeatherAPIURL:   envOrDefault("WEATHER_API_URL", "https://api.open-meteo.com/v1/forecast"),
		CustomerDataURL: stringsTrimSpace("CUSTOMER_DATA_URL"),
		KnowledgePath:   stringsTrimSpace("KNOWLEDGE_PATH"),

		ToolRateLimit:       5,
		ToolRateBurst:       10,
		ToolCacheWeatherTTL: 10 * time.Minute,
		ToolCacheMarketTTL:  24 * time.Hour,
		ToolCacheDataTTL:    5 * time.Minute,

		ShutdownTimeout:          15 * time.Second,
		SessionInactivityTimeout: 30 * time.Minute,
	}

	var err error
	durations := []struct {
		key string
		dst *time.Duration
	}{
		{"APP_SHUTDOWN_TIMEOUT", &cfg.ShutdownTimeout},
		{"APP_SESSION_INACTIVITY_TIMEOUT", &cfg.SessionInactivityTimeout},
		{"PLAN_ITERATION_TIMEOUT", &cfg.PlanIterationTimeout},
		{"PLAN_TOTAL_TIMEOUT", &cfg.PlanTotalTimeout},
		{"PLAN_RETRY_BASE", &cfg.PlanRetryBase},
		{"PLAN_RETRY_CAP", &cfg.PlanRetryCap},
		{"SESSION_BUSY_WAIT", &cfg.SessionBusyWait},
		{"MODEL_TIMEOUT", &cfg.ModelTimeout},
		{"TOOL_CACHE_WEATHER_TTL", &cfg.ToolCacheWeatherTTL},
		{"TOOL_CACHE_MARKET_TTL", &cfg.ToolCacheMarketTTL},
		{"TOOL_CACHE_DATA_TTL", &cfg.ToolCacheDataTTL},
	}
	for _, d := range durations {
		*d.dst, err = durationFromEnv(d.key, *d.dst)
		if err != nil {
			return Config{}, err
		}
	}

	ints := []struct {
		key string
		dst *int
	}{
		{"MEMORY_WINDOW_SIZE", &cfg.MemoryWindowSize},
		{"MEMORY_SUMMARY_BATCH_SIZE", &cfg.MemorySummaryBatchSize},
		{"MEMORY_DEGRADED_SUMMARY_CHARS", &cfg.MemoryDegradedSummaryChars},
		{"PLAN_MAX_ITERATIONS", &cfg.PlanMaxIterations},
		{"TOOL_RATE_BURST", &cfg.ToolRateBurst},
	}
	for _, n := range ints {
		*n.dst, err = intFromEnv(n.key, *n.dst)
		if err != nil {
			return Config{}, err
		}
	}

	cfg.PlanQualityThreshold, err = floatFromEnv("PLAN_QUALITY_THRESHOLD", cfg.PlanQualityThreshold)
	if err != nil {
		return Config{}, err
	}
	cfg.ToolRateLimit, err = floatFromEnv("TOOL_RATE_LIMIT", cfg.ToolRateLimit)
	if err != nil {
		return Config{}, err
	}
	cfg.AllowAnyOrigin, err = boolFromEnv("APP_ALLOW_ANY_ORIGIN", cfg.AllowAnyOrigin)
	if err != nil {
		return Config{}, err
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.SessionInactivityTimeout < 5*time.Second {
		return fmt.Errorf("APP_SESSION_INACTIVITY_TIMEOUT must be at least 5s")
	}
	if c.MemoryWindowSize < 1 {
		return fmt.Errorf("MEMORY_WINDOW_SIZE must be positive")
	}
	if c.MemorySummaryBatchSize < 1 {
		return fmt.Errorf("MEMORY_SUMMARY_BATCH_SIZE must be positive")
	}
	if c.MemoryDegradedSummaryChars < 32 {
		return fmt.Errorf("MEMORY_DEGRADED_SUMMARY_CHARS must be at least 32")
	}
	if c.PlanMaxIterations < 1 {
		return fmt.Errorf("PLAN_MAX_ITERATIONS must be positive")
	}
	if c.PlanQualityThreshold <= 0 || c.PlanQualityThreshold > 1 {
		return fmt.Errorf("PLAN_QUALITY_THRESHOLD must be in (0, 1]")
	}
	if c.PlanIterationTimeout <= 0 || c.PlanTotalTimeout <= 0 {
		return fmt.Errorf("PLAN_ITERATION_TIMEOUT and PLAN_TOTAL_TIMEOUT must be positive")
	}
	if c.PlanRetryBase < 0 || c.PlanRetryCap < c.PlanRetryBase {
		return fmt.Errorf("PLAN_RETRY_CAP must be >= PLAN_RETRY_BASE >= 0")
	}
	switch c.SessionBusyMode {
	case "wait", "reject":
	default:
		return fmt.Errorf("SESSION_BUSY_MODE must be wait or reject")
	}
	switch c.ModelAdapterMode {
	case "mock":
	case "http":
		if c.ModelHTTPURL == "" {
			return fmt.Errorf("MODEL_HTTP_URL is required when MODEL_ADAPTER_MODE=http")
		}
	default:
		return fmt.Errorf("MODEL_ADAPTER_MODE must be mock or http")
	}
	switch c.LogFormat {
	case "json", "console":
	default:
		return fmt.Errorf("LOG_FORMAT must be json or console")
	}
	if c.ToolRateLimit <= 0 || c.ToolRateBurst <= 0 {
		return fmt.Errorf("TOOL_RATE_LIMIT and TOOL_RATE_BURST must be positive")
	}
	return nil
}

func envOrDefault(key, fallback string) string {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback
	}
	return v
}

func stringsTrimSpace(key string) string {
	return strings.TrimSpace(os.Getenv(key))
}

func durationFromEnv(key string, fallback time.Duration) (time.Duration, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return d, nil
}

func intFromEnv(key string, fallback int) (int, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return n, nil
}

func floatFromEnv(key string, fallback float64) (float64, error) {
	v := stringsTrimSpace(key)
	if v == "" {
		return fallback, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil {
		return 0, fmt.Errorf("%s parse error: %w", key, err)
	}
	return f, nil
}

func boolFromEnv(key string, fallback bool) (bool, error) {
	v := strings.ToLower(stringsTrimSpace(key))
	if v == "" {
		return fallback, nil
	}
	switch v {
	case "1", "true", "t", "yes", "y", "on":
		return true, nil
	case "0", "false", "f", "no", "n", "off":
		return false, nil
	default:
		return false, fmt.Errorf("%s parse error: expected bool", key)
	}
}
