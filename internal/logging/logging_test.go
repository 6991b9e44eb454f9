package logging

import (
	"bytes"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestNewJSONLoggerWritesComponent(t *testing.T) {
	var buf bytes.Buffer
	logger := Component(New("debug", "json", &buf), "memory")
	logger.Info().Str("session_id", "s1").Msg("turn recorded")

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "memory", line["component"])
	assert.Equal(t, "s1", line["session_id"])
	assert.Equal(t, "turn recorded", line["message"])
}

func TestNewFallsBackToInfoOnUnknownLevel(t *testing.T) {
	var buf bytes.Buffer
	logger := New("loud", "json", &buf)
	logger.Debug().Msg("hidden")
	assert.Zero(t, buf.Len())
	logger.Info().Msg("shown")
	assert.NotZero(t, buf.Len())
}
