package main

import (
	"context"
	"time"

	"github.com/rotisserie/eris"
	"go.uber.org/zap"

	"github.com/sells-group/skiptrace-cli/internal/budget"
	"github.com/sells-group/skiptrace-cli/internal/cost"
	"github.com/sells-group/skiptrace-cli/internal/engine"
	"github.com/sells-group/skiptrace-cli/internal/resilience"
	"github.com/sells-group/skiptrace-cli/internal/store"
	"github.com/sells-group/skiptrace-cli/pkg/trestle"
)

// providerName is the only skip-trace provider currently wired.
const providerName = "trestle"

func initStore(ctx context.Context) (store.Store, error) {
	switch cfg.Store.Driver {
	case "sqlite":
		dsn := cfg.Store.DatabaseURL
		if dsn == "" {
			dsn = "skiptrace.db"
		}
		return store.NewSQLite(dsn)
	case "postgres":
		return store.NewPostgres(ctx, cfg.Store.DatabaseURL, &store.PoolConfig{
			MaxConns: cfg.Store.MaxConns,
			MinConns: cfg.Store.MinConns,
		})
	default:
		return nil, eris.Errorf("unsupported store driver: %s", cfg.Store.Driver)
	}
}

// env bundles the wired engine for trace commands.
type env struct {
	store store.Store
	orch  *engine.Orchestrator
	coord *engine.Coordinator
}

func (e *env) Close() {
	if err := e.store.Close(); err != nil {
		zap.L().Warn("store close failed", zap.Error(err))
	}
}

// initEnv validates config for the given mode ("trace" requires provider
// credentials and a budget cap) and wires the engine on a migrated store.
func initEnv(ctx context.Context, mode string) (*env, error) {
	if err := cfg.Validate(mode); err != nil {
		return nil, err
	}

	st, err := initStore(ctx)
	if err != nil {
		return nil, err
	}
	if err := st.Migrate(ctx); err != nil {
		st.Close() //nolint:errcheck
		return nil, err
	}

	rates := cost.DefaultRates()
	if cfg.Pricing.RatesFile != "" {
		rates, err = cost.LoadRates(cfg.Pricing.RatesFile)
		if err != nil {
			st.Close() //nolint:errcheck
			return nil, err
		}
	}
	calc := cost.NewCalculator(rates, cfg.Pricing.LookupCents)

	guard := budget.New(st, providerName,
		cfg.Budget.DailyCapCents, cfg.Budget.CallsPerSecond, cfg.Budget.Burst)

	client := trestle.NewClient(cfg.Trestle.Key,
		trestle.WithBaseURL(cfg.Trestle.BaseURL),
		trestle.WithTimeout(cfg.Trestle.Timeout()),
	)

	orch := engine.NewOrchestrator(engine.OrchestratorConfig{
		Store:    st,
		Client:   client,
		Guard:    guard,
		Calc:     calc,
		Provider: providerName,
		CacheTTL: cfg.Cache.TTL(),
		Retry: resilience.Policy{
			MaxAttempts: cfg.Engine.MaxAttempts,
			BaseDelay:   time.Duration(cfg.Engine.InitialBackoffMs) * time.Millisecond,
		},
	})

	coord := engine.NewCoordinator(engine.CoordinatorConfig{
		Store:        st,
		Orchestrator: orch,
		Provider:     providerName,
		Concurrency:  cfg.Engine.Concurrency,
		PollInterval: time.Duration(cfg.Engine.PollIntervalMs) * time.Millisecond,
	})

	return &env{store: st, orch: orch, coord: coord}, nil
}
