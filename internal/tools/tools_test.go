package tools

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWeatherToolParsesOpenMeteo(t *testing.T) {
	var gotQuery string
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.RawQuery
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"current": {"temperature_2m": 28.6, "relative_humidity_2m": 61, "weather_code": 2, "wind_speed_10m": 11.2},
			"daily": {"temperature_2m_max": [31.4], "temperature_2m_min": [21.5]}
		}`))
	}))
	defer srv.Close()

	res, err := NewWeatherTool(srv.URL, srv.Client()).Call(context.Background(), Params{"location": "Pune"})
	require.NoError(t, err)
	assert.Contains(t, gotQuery, "latitude=18.5204")
	assert.Contains(t, gotQuery, "weather_code")

	w, ok := res.Data.(Weather)
	require.True(t, ok)
	assert.Equal(t, 29, w.Temperature)
	assert.Equal(t, "Partly cloudy", w.Condition)
	assert.Equal(t, 31, w.High)
	assert.Equal(t, 22, w.Low)
	assert.Contains(t, res.Summary, "Weather in Pune: 29°C, Partly cloudy")
}

func TestWeatherToolErrors(t *testing.T) {
	ctx := context.Background()

	_, err := NewWeatherTool("http://example.test", nil).Call(ctx, Params{})
	assert.Equal(t, CodeInvalidParams, ErrorCode(err))

	_, err = NewWeatherTool("http://example.test", nil).Call(ctx, Params{"location": "Atlantis"})
	assert.Equal(t, CodeNotFound, ErrorCode(err))

	_, err = NewWeatherTool("", nil).Call(ctx, Params{"location": "Delhi"})
	assert.Equal(t, CodeNotConfigured, ErrorCode(err))

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "overloaded", http.StatusServiceUnavailable)
	}))
	defer srv.Close()
	_, err = NewWeatherTool(srv.URL, srv.Client()).Call(ctx, Params{"location": "Delhi"})
	var te *ToolError
	require.True(t, errors.As(err, &te))
	assert.Equal(t, CodeUpstream, te.Code)
	assert.True(t, te.Retryable)
}

func TestMarketToolIsDeterministic(t *testing.T) {
	m := NewMarketTool()
	m.now = func() time.Time { return time.Date(2026, 10, 17, 8, 0, 0, 0, time.UTC) }

	res, err := m.Call(context.Background(), Params{"crop": "Wheat"})
	require.NoError(t, err)
	price := res.Data.(MarketPrice)
	assert.Equal(t, "Wheat", price.Commodity)
	assert.Equal(t, "Delhi Mandi", price.Market)
	assert.Equal(t, 2200, price.Min)
	assert.Equal(t, 2800, price.Max)
	assert.Equal(t, 2500, price.Modal)
	assert.Equal(t, "₹/Quintal", price.Unit)
	assert.Equal(t, "17-Oct-2026", price.Date)

	res, err = m.Call(context.Background(), Params{"crop": "tomato"})
	require.NoError(t, err)
	assert.Equal(t, "Karnataka", res.Data.(MarketPrice).State)

	_, err = m.Call(context.Background(), Params{"crop": "saffron"})
	assert.Equal(t, CodeNotFound, ErrorCode(err))
}

func TestCustomerDataTool(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Query().Get("customer_id") {
		case "C-42":
			_, _ = w.Write([]byte(`{"name":"Sita","village":"Rampur","last_order":"DAP"}`))
		default:
			http.NotFound(w, r)
		}
	}))
	defer srv.Close()

	tool := NewCustomerDataTool(srv.URL, srv.Client())
	res, err := tool.Call(context.Background(), Params{"customer_id": "C-42"})
	require.NoError(t, err)
	assert.Equal(t, "Sita", res.Data.(map[string]any)["name"])
	assert.Contains(t, res.Summary, "3 fields")

	_, err = tool.Call(context.Background(), Params{"customer_id": "C-7"})
	assert.Equal(t, CodeNotFound, ErrorCode(err))

	_, err = NewCustomerDataTool("", nil).Call(context.Background(), Params{"customer_id": "C-42"})
	assert.Equal(t, CodeNotConfigured, ErrorCode(err))
}

func TestKnowledgeSearch(t *testing.T) {
	k := NewKnowledgeTool(DefaultKnowledge())

	hits := k.Search("why are my tomato leaves curling with whitefly", 5)
	require.NotEmpty(t, hits)
	assert.Equal(t, "tomato-leaf-curl", hits[0].Entry.ID)

	res, err := k.Call(context.Background(), Params{"query": "drip irrigation subsidy", "top_k": "2"})
	require.NoError(t, err)
	got := res.Data.([]KnowledgeHit)
	require.Len(t, got, 2)
	assert.Equal(t, "drip-basics", got[0].Entry.ID)

	_, err = k.Call(context.Background(), Params{"query": "quantum chromodynamics"})
	assert.Equal(t, CodeNotFound, ErrorCode(err))

	_, err = k.Call(context.Background(), Params{"query": "soil", "top_k": "zero"})
	assert.Equal(t, CodeInvalidParams, ErrorCode(err))
}

func TestLoadKnowledge(t *testing.T) {
	entries, err := LoadKnowledge("")
	require.NoError(t, err)
	assert.Equal(t, DefaultKnowledge(), entries)

	path := filepath.Join(t.TempDir(), "kb.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`entries:
  - id: millet-value
    title: Millet value addition
    body: Millet flour and snacks fetch better prices than grain.
    keywords: [millet, bajra, value]
`), 0o600))
	entries, err = LoadKnowledge(path)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	assert.Equal(t, "millet-value", entries[0].ID)

	_, err = LoadKnowledge(filepath.Join(t.TempDir(), "missing.yaml"))
	assert.Error(t, err)
}

type countingTool struct {
	name  string
	calls atomic.Int32
	gate  chan struct{}
	err   error
}

func (c *countingTool) Name() string { return c.name }

func (c *countingTool) Call(ctx context.Context, p Params) (Result, error) {
	c.calls.Add(1)
	if c.gate != nil {
		select {
		case <-c.gate:
		case <-ctx.Done():
			return Result{}, ctx.Err()
		}
	}
	if c.err != nil {
		return Result{}, c.err
	}
	return Result{Tool: c.name, Summary: "ok " + p["q"]}, nil
}

func newTestRegistry() *Registry {
	return NewRegistry(RateSettings{PerSecond: 100, Burst: 100}, zerolog.Nop(), nil)
}

func TestRegistryCachesUntilTTL(t *testing.T) {
	r := newTestRegistry()
	now := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	r.now = func() time.Time { return now }
	tool := &countingTool{name: "probe"}
	r.Register(tool, time.Minute)

	first, err := r.Call(context.Background(), "probe", Params{"q": "a"})
	require.NoError(t, err)
	assert.False(t, first.Cached)

	second, err := r.Call(context.Background(), "probe", Params{"q": "A "})
	require.NoError(t, err)
	assert.True(t, second.Cached)
	assert.Equal(t, int32(1), tool.calls.Load())

	now = now.Add(2 * time.Minute)
	_, err = r.Call(context.Background(), "probe", Params{"q": "a"})
	require.NoError(t, err)
	assert.Equal(t, int32(2), tool.calls.Load())
}

func TestRegistryDeduplicatesConcurrentCalls(t *testing.T) {
	r := newTestRegistry()
	tool := &countingTool{name: "slow", gate: make(chan struct{})}
	r.Register(tool, time.Minute)

	var wg sync.WaitGroup
	for i := 0; i < 5; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			res, err := r.Call(context.Background(), "slow", Params{"q": "same"})
			assert.NoError(t, err)
			assert.Equal(t, "ok same", res.Summary)
		}()
	}
	time.Sleep(50 * time.Millisecond)
	close(tool.gate)
	wg.Wait()

	assert.Equal(t, int32(1), tool.calls.Load())
}

func TestRegistryErrors(t *testing.T) {
	r := NewRegistry(RateSettings{PerSecond: 0.001, Burst: 1}, zerolog.Nop(), nil)
	r.Register(&countingTool{name: "probe"}, 0)
	r.Register(&countingTool{name: "broken", err: errors.New("boom")}, 0)

	_, err := r.Call(context.Background(), "nope", nil)
	assert.Equal(t, CodeUnknownTool, ErrorCode(err))

	_, err = r.Call(context.Background(), "broken", Params{"q": "x"})
	assert.Equal(t, CodeUpstream, ErrorCode(err))

	_, err = r.Call(context.Background(), "probe", Params{"q": "1"})
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	_, err = r.Call(ctx, "probe", Params{"q": "2"})
	assert.Equal(t, CodeRateLimited, ErrorCode(err))

	assert.Equal(t, []string{"broken", "probe"}, r.Names())
}
