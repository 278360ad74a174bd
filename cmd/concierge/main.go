package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"time"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/concierge/internal/agentsim"
	"github.com/seantiz/concierge/internal/api"
	"github.com/seantiz/concierge/internal/bus/factory"
	"github.com/seantiz/concierge/internal/config"
	"github.com/seantiz/concierge/internal/engine"
	"github.com/seantiz/concierge/internal/intent"
	"github.com/seantiz/concierge/internal/live"
	"github.com/seantiz/concierge/internal/llm"
	"github.com/seantiz/concierge/internal/llm/anthropic"
	"github.com/seantiz/concierge/internal/llm/openai"
	"github.com/seantiz/concierge/internal/prompt"
	"github.com/seantiz/concierge/internal/route"
	"github.com/seantiz/concierge/internal/session"
	"github.com/seantiz/concierge/internal/store"
)

// purgeInterval is how often expired rows are removed from the SQLite store.
const purgeInterval = time.Minute

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	logger.Info("concierge: starting",
		"listen_addr", cfg.ListenAddr,
		"store", cfg.Store,
		"bus", cfg.Bus,
		"primary_provider", cfg.PrimaryProvider,
		"fallback_provider", cfg.FallbackProvider,
	)

	if err := run(cfg, logger); err != nil {
		log.Fatalf("concierge: %v", err)
	}
}

func run(cfg config.Config, logger *slog.Logger) error {
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	routes, err := route.LoadFile(cfg.RoutesFile)
	if err != nil {
		return fmt.Errorf("load routes: %w", err)
	}
	prompts, err := prompt.LoadFile(cfg.TemplatesFile)
	if err != nil {
		return fmt.Errorf("load templates: %w", err)
	}

	st, rdb, err := openStore(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer st.Close()
	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("store unreachable: %w", err)
	}

	b, closeBus, err := factory.Open(ctx, cfg, rdb, logger)
	if err != nil {
		return fmt.Errorf("open bus: %w", err)
	}
	defer closeBus()

	primary := newProvider(cfg.PrimaryProvider, cfg, logger)
	secondary := newProvider(cfg.FallbackProvider, cfg, logger)
	chain := llm.NewChain(logger, primary, secondary)

	var shared store.Store
	if cfg.SharedRegistry {
		if cfg.Store != config.StoreRedis {
			return errors.New("shared registry requires the redis store")
		}
		shared = st
	}

	hub := live.NewHub(logger)
	sessions := session.NewManager(st, logger, cfg.SessionTTL, prompts.For(cfg.Locale).Greeting)
	eng := engine.New(engine.Options{
		Sessions:      sessions,
		Classifier:    intent.New(primary, secondary, prompts, logger),
		Routes:        routes,
		Prompts:       prompts,
		Bus:           b,
		Hub:           hub,
		Answerer:      engine.NewAnswerer(chain, prompts, logger),
		Shared:        shared,
		ConsumerGroup: cfg.ConsumerGroup,
		SweepInterval: cfg.SweepInterval,
		DefaultLocale: cfg.Locale,
		Logger:        logger,
	})
	eng.Start(ctx)
	defer eng.Stop()

	if cfg.EchoAgents {
		agent := agentsim.New(b, routes, logger, agentsim.Options{Delay: 500 * time.Millisecond})
		go func() {
			if err := agent.Run(ctx); err != nil {
				logger.Error("echo agent stopped", "error", err)
			}
		}()
		logger.Warn("echo agents enabled; tasks are answered in-process")
	}

	checks := []api.HealthCheck{
		{Name: "store", Check: st.Ping},
		{Name: "llm_provider", Check: func(context.Context) error {
			if chain.Len() == 0 {
				return llm.ErrNoProvider
			}
			return nil
		}},
	}
	if p, ok := b.(interface{ Ping(context.Context) error }); ok {
		checks = append(checks, api.HealthCheck{Name: "bus", Check: p.Ping})
	}

	srv := api.NewServer(cfg.ListenAddr, api.Deps{
		Engine:    eng,
		Sessions:  sessions,
		Routes:    routes,
		Hub:       hub,
		Prompts:   prompts,
		Checks:    checks,
		Providers: chain.Providers(),
	}, logger)

	err = srv.Run()
	cancel()
	return err
}

// openStore opens the configured store. For redis it also returns the
// client so the bus can share it.
func openStore(ctx context.Context, cfg config.Config, logger *slog.Logger) (store.Store, *redis.Client, error) {
	switch cfg.Store {
	case config.StoreRedis:
		rs, err := store.NewRedisStore(ctx, cfg.RedisURL)
		if err != nil {
			return nil, nil, fmt.Errorf("open redis store: %w", err)
		}
		return rs, rs.Client(), nil
	default:
		db, err := store.NewSQLiteStore(cfg.DBPath)
		if err != nil {
			return nil, nil, fmt.Errorf("open database: %w", err)
		}
		go purgeLoop(ctx, db, logger)
		return db, nil, nil
	}
}

func purgeLoop(ctx context.Context, db *store.SQLiteStore, logger *slog.Logger) {
	ticker := time.NewTicker(purgeInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := db.PurgeExpired(ctx)
			if err != nil {
				logger.Error("purge expired keys", "error", err)
				continue
			}
			if n > 0 {
				logger.Debug("purged expired keys", "count", n)
			}
		}
	}
}

// newProvider builds a rate-limited provider by name. An empty or unknown
// name yields nil.
func newProvider(name string, cfg config.Config, logger *slog.Logger) llm.Provider {
	var p llm.Provider
	switch name {
	case "":
		return nil
	case "anthropic":
		p = anthropic.New(anthropic.Options{Model: cfg.AnthropicModel})
	case "openai":
		p = openai.New(openai.Options{Model: cfg.OpenAIModel})
	default:
		logger.Warn("unknown llm provider, skipping", "provider", name)
		return nil
	}
	return llm.RateLimited(p, cfg.LLMRatePerMinute)
}
