package tools

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/singleflight"
	"golang.org/x/time/rate"

	"github.com/ent0n29/agronomist/internal/observability"
)

// RateSettings shape the per-tool token bucket.
type RateSettings struct {
	PerSecond float64
	Burst     int
}

type cacheEntry struct {
	result  Result
	expires time.Time
}

type registered struct {
	tool    Tool
	ttl     time.Duration
	limiter *rate.Limiter
}

// Registry fronts every tool with a TTL cache, call de-duplication and a
// rate limiter. It is safe for concurrent use.
type Registry struct {
	mu    sync.RWMutex
	tools map[string]registered
	cache map[string]cacheEntry
	group singleflight.Group

	rates   RateSettings
	logger  zerolog.Logger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewRegistry(rates RateSettings, logger zerolog.Logger, metrics *observability.Metrics) *Registry {
	if rates.PerSecond <= 0 {
		rates.PerSecond = 5
	}
	if rates.Burst <= 0 {
		rates.Burst = 10
	}
	return &Registry{
		tools:   make(map[string]registered),
		cache:   make(map[string]cacheEntry),
		rates:   rates,
		logger:  logger.With().Str("component", "tools").Logger(),
		metrics: metrics,
		now:     time.Now,
	}
}

// Register adds t; ttl <= 0 disables caching for it.
func (r *Registry) Register(t Tool, ttl time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tools[t.Name()] = registered{
		tool:    t,
		ttl:     ttl,
		limiter: rate.NewLimiter(rate.Limit(r.rates.PerSecond), r.rates.Burst),
	}
}

func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.tools))
	for name := range r.tools {
		out = append(out, name)
	}
	sort.Strings(out)
	return out
}

func (r *Registry) Call(ctx context.Context, name string, p Params) (Result, error) {
	r.mu.RLock()
	reg, ok := r.tools[name]
	r.mu.RUnlock()
	if !ok {
		return Result{}, toolErr(name, CodeUnknownTool, false, fmt.Errorf("tool %q is not registered", name))
	}

	key := name + "|" + p.Key()
	if res, ok := r.cached(key); ok {
		r.metrics.ObserveToolCall(name, "cache_hit")
		return res, nil
	}

	v, err, shared := r.group.Do(key, func() (any, error) {
		if err := reg.limiter.Wait(ctx); err != nil {
			if ctx.Err() != nil {
				return Result{}, toolErr(name, CodeCanceled, false, ctx.Err())
			}
			return Result{}, toolErr(name, CodeRateLimited, true, err)
		}
		res, err := reg.tool.Call(ctx, p)
		if err != nil {
			return Result{}, err
		}
		if reg.ttl > 0 {
			r.mu.Lock()
			r.cache[key] = cacheEntry{result: res, expires: r.now().Add(reg.ttl)}
			r.mu.Unlock()
		}
		return res, nil
	})
	if err != nil {
		var te *ToolError
		if !errors.As(err, &te) {
			err = toolErr(name, CodeUpstream, false, err)
		}
		r.metrics.ObserveToolCall(name, ErrorCode(err))
		r.logger.Debug().Err(err).Str("tool", name).Msg("tool call failed")
		return Result{}, err
	}
	r.metrics.ObserveToolCall(name, "ok")
	res := v.(Result)
	if shared {
		r.logger.Debug().Str("tool", name).Msg("tool call shared with concurrent caller")
	}
	return res, nil
}

func (r *Registry) cached(key string) (Result, bool) {
	r.mu.RLock()
	entry, ok := r.cache[key]
	r.mu.RUnlock()
	if !ok {
		return Result{}, false
	}
	if !r.now().Before(entry.expires) {
		r.mu.Lock()
		delete(r.cache, key)
		r.mu.Unlock()
		return Result{}, false
	}
	res := entry.result
	res.Cached = true
	return res, true
}
