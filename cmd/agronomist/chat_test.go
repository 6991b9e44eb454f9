package main

import (
	"bytes"
	"context"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ent0n29/agronomist/internal/config"
)

func testConfig(t *testing.T) config.Config {
	t.Helper()
	t.Setenv("APP_METRICS_NAMESPACE", fmt.Sprintf("test_cli_%d", time.Now().UnixNano()))
	t.Setenv("WEATHER_API_URL", "http://127.0.0.1:1")
	cfg, err := config.Load()
	require.NoError(t, err)
	cfg.LogLevel = "error"
	return cfg
}

func TestChatConversation(t *testing.T) {
	in := strings.NewReader(strings.Join([]string{
		"I grow wheat in Punjab",
		"Can you make a plan for sowing wheat in Punjab?",
		"/profile",
		"exit",
	}, "\n") + "\n")
	var out, errOut bytes.Buffer

	require.NoError(t, chat(context.Background(), testConfig(t), "farmer-cli", in, &out, &errOut))

	got := out.String()
	assert.Contains(t, got, "Agronomist: ")
	assert.Contains(t, got, "Here is a plan for:")
	assert.Contains(t, got, "↳ plan accepted")
	assert.Contains(t, got, "crops: wheat")
	assert.True(t, strings.HasSuffix(strings.TrimSpace(got), "Goodbye!"))
}

func TestChatEndsOnEOF(t *testing.T) {
	var out bytes.Buffer
	require.NoError(t, chat(context.Background(), testConfig(t), "farmer-eof", strings.NewReader(""), &out, &bytes.Buffer{}))
	assert.Contains(t, out.String(), "Goodbye!")
}

func TestRootCommandWiring(t *testing.T) {
	root := newRootCmd()
	var names []string
	for _, c := range root.Commands() {
		names = append(names, c.Name())
	}
	assert.ElementsMatch(t, []string{"serve", "chat"}, names)
	assert.Equal(t, version, root.Version)
}
