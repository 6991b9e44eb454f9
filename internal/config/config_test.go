package config

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestLoadDefaults(t *testing.T) {
	setCoreEnvEmpty(t)

	cfg, err := Load()
	require.NoError(t, err)

	assert.Equal(t, ":8080", cfg.BindAddr)
	assert.Equal(t, 8, cfg.MemoryWindowSize)
	assert.Equal(t, 2, cfg.MemorySummaryBatchSize)
	assert.Equal(t, 3, cfg.PlanMaxIterations)
	assert.InDelta(t, 0.75, cfg.PlanQualityThreshold, 1e-9)
	assert.Equal(t, "wait", cfg.SessionBusyMode)
	assert.Equal(t, "mock", cfg.ModelAdapterMode)
	assert.Equal(t, 10*time.Minute, cfg.ToolCacheWeatherTTL)
	assert.Equal(t, 24*time.Hour, cfg.ToolCacheMarketTTL)
	assert.Empty(t, cfg.DatabaseURL)
}

func TestLoadOverrides(t *testing.T) {
	setCoreEnvEmpty(t)
	t.Setenv("MEMORY_WINDOW_SIZE", "5")
	t.Setenv("PLAN_QUALITY_THRESHOLD", "0.8")
	t.Setenv("PLAN_ITERATION_TIMEOUT", "5s")
	t.Setenv("SESSION_BUSY_MODE", "reject")

	cfg, err := Load()
	require.NoError(t, err)

	mem := cfg.Memory()
	assert.Equal(t, 5, mem.WindowSize)
	plan := cfg.Planning()
	assert.InDelta(t, 0.8, plan.QualityThreshold, 1e-9)
	assert.Equal(t, 5*time.Second, plan.IterationTimeout)
	assert.Equal(t, "reject", cfg.SessionBusyMode)
}

func TestLoadRejectsInvalidValues(t *testing.T) {
	cases := []struct {
		key, value string
	}{
		{"MEMORY_WINDOW_SIZE", "0"},
		{"PLAN_QUALITY_THRESHOLD", "1.5"},
		{"PLAN_MAX_ITERATIONS", "abc"},
		{"SESSION_BUSY_MODE", "queue"},
		{"MODEL_ADAPTER_MODE", "http"},
		{"APP_SESSION_INACTIVITY_TIMEOUT", "1s"},
		{"LOG_FORMAT", "xml"},
	}
	for _, tc := range cases {
		t.Run(tc.key, func(t *testing.T) {
			setCoreEnvEmpty(t)
			t.Setenv(tc.key, tc.value)
			_, err := Load()
			assert.Error(t, err)
		})
	}
}

func setCoreEnvEmpty(t *testing.T) {
	t.Helper()
	keys := []string{
		"APP_BIND_ADDR",
		"APP_SHUTDOWN_TIMEOUT",
		"APP_SESSION_INACTIVITY_TIMEOUT",
		"APP_METRICS_NAMESPACE",
		"APP_ALLOW_ANY_ORIGIN",
		"LOG_LEVEL",
		"LOG_FORMAT",
		"DATABASE_URL",
		"MEMORY_WINDOW_SIZE",
		"MEMORY_SUMMARY_BATCH_SIZE",
		"MEMORY_DEGRADED_SUMMARY_CHARS",
		"PLAN_MAX_ITERATIONS",
		"PLAN_QUALITY_THRESHOLD",
		"PLAN_ITERATION_TIMEOUT",
		"PLAN_TOTAL_TIMEOUT",
		"PLAN_RETRY_BASE",
		"PLAN_RETRY_CAP",
		"SESSION_BUSY_MODE",
		"SESSION_BUSY_WAIT",
		"GUARDRAIL_RULES_PATH",
		"MODEL_ADAPTER_MODE",
		"MODEL_HTTP_URL",
		"MODEL_API_KEY",
		"MODEL_TIMEOUT",
		"WEATHER_API_URL",
		"CUSTOMER_DATA_URL",
		"KNOWLEDGE_PATH",
		"TOOL_RATE_LIMIT",
		"TOOL_RATE_BURST",
		"TOOL_CACHE_WEATHER_TTL",
		"TOOL_CACHE_MARKET_TTL",
		"TOOL_CACHE_DATA_TTL",
	}
	for _, key := range keys {
		t.Setenv(key, "")
	}
}
