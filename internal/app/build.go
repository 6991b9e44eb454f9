package app

import (
	"context"
	"fmt"

	"github.com/rs/zerolog"

	"github.com/ent0n29/agronomist/internal/agent"
	"github.com/ent0n29/agronomist/internal/config"
	"github.com/ent0n29/agronomist/internal/guardrail"
	"github.com/ent0n29/agronomist/internal/httpapi"
	"github.com/ent0n29/agronomist/internal/memory"
	"github.com/ent0n29/agronomist/internal/model"
	"github.com/ent0n29/agronomist/internal/observability"
	"github.com/ent0n29/agronomist/internal/planning"
	"github.com/ent0n29/agronomist/internal/session"
	"github.com/ent0n29/agronomist/internal/tools"
)

type BuildResult struct {
	Config     config.Config
	API        *httpapi.Server
	Sessions   *session.Manager
	Controller *agent.Controller
	Planner    *planning.Engine
	Guardrail  *guardrail.Evaluator
	Metrics    *observability.Metrics
	Logger     zerolog.Logger

	// Cleanup should be called on shutdown to release the session store.
	Cleanup func() error
}

// Build wires the service graph from cfg. The caller owns the janitor and
// the HTTP listener.
func Build(ctx context.Context, cfg config.Config, logger zerolog.Logger) (*BuildResult, error) {
	metrics := observability.NewMetrics(cfg.MetricsNamespace)

	rules, err := guardrail.LoadRuleSet(cfg.GuardrailRulesPath)
	if err != nil {
		return nil, err
	}
	guard, err := guardrail.NewEvaluator(rules)
	if err != nil {
		return nil, fmt.Errorf("guardrail rules invalid: %w", err)
	}

	invoker, err := model.NewInvoker(model.Config{
		Mode:    cfg.ModelAdapterMode,
		HTTPURL: cfg.ModelHTTPURL,
		APIKey:  cfg.ModelAPIKey,
		Timeout: cfg.ModelTimeout,
	})
	if err != nil {
		return nil, fmt.Errorf("model invoker init failed: %w", err)
	}

	knowledge, err := tools.LoadKnowledge(cfg.KnowledgePath)
	if err != nil {
		return nil, err
	}

	store, err := memory.NewStore(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("memory store init failed: %w", err)
	}

	mem := memory.NewManager(cfg.Memory(), guard, model.NewSummarizer(invoker), logger, metrics)
	engine := planning.NewEngine(cfg.Planning(), invoker, guard, logger, metrics)

	registry := tools.NewRegistry(tools.RateSettings{PerSecond: cfg.ToolRateLimit, Burst: cfg.ToolRateBurst}, logger, metrics)
	registry.Register(tools.NewWeatherTool(cfg.WeatherAPIURL, nil), cfg.ToolCacheWeatherTTL)
	registry.Register(tools.NewMarketTool(), cfg.ToolCacheMarketTTL)
	// The knowledge corpus is static for the life of the process.
	registry.Register(tools.NewKnowledgeTool(knowledge), cfg.ToolCacheMarketTTL)
	if cfg.CustomerDataURL != "" {
		registry.Register(tools.NewCustomerDataTool(cfg.CustomerDataURL, nil), cfg.ToolCacheDataTTL)
	}

	sessions := session.NewManager(cfg.SessionInactivityTimeout)
	controller := agent.NewController(sessions, store, mem, engine, invoker, registry, nil, nil, agent.Settings{
		BusyMode: cfg.SessionBusyMode,
		BusyWait: cfg.SessionBusyWait,
	}, logger, metrics)
	sessions.SetExpireHook(controller.OnExpire)

	api := httpapi.New(cfg, sessions, controller, engine, metrics, logger)

	logger.Info().
		Str("store_mode", memory.StoreMode(cfg.DatabaseURL)).
		Str("model_mode", cfg.ModelAdapterMode).
		Str("guardrail_version", guard.Version()).
		Strs("tools", registry.Names()).
		Msg("service wired")

	cleanup := func() error {
		if err := store.Close(); err != nil {
			return fmt.Errorf("close memory store: %w", err)
		}
		return nil
	}

	return &BuildResult{
		Config:     cfg,
		API:        api,
		Sessions:   sessions,
		Controller: controller,
		Planner:    engine,
		Guardrail:  guard,
		Metrics:    metrics,
		Logger:     logger,
		Cleanup:    cleanup,
	}, nil
}
