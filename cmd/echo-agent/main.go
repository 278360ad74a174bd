// echo-agent answers every task on the configured bus with a canned result.
// It stands in for the real worker agents during local development.
// Usage: CONCIERGE_BUS=pulse go run ./cmd/echo-agent
package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/seantiz/concierge/internal/agentsim"
	"github.com/seantiz/concierge/internal/bus/factory"
	"github.com/seantiz/concierge/internal/config"
	"github.com/seantiz/concierge/internal/route"
)

func main() {
	cfg := config.Load()
	logger := config.NewLogger(os.Stdout, cfg.LogLevel)

	if cfg.Bus == config.BusMemory {
		log.Fatalf("echo-agent needs a shared bus; set CONCIERGE_BUS to pulse or nats")
	}

	routes, err := route.LoadFile(cfg.RoutesFile)
	if err != nil {
		log.Fatalf("failed to load routes: %v", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	b, closeBus, err := factory.Open(ctx, cfg, nil, logger)
	if err != nil {
		log.Fatalf("failed to open bus: %v", err)
	}
	defer closeBus()

	agent := agentsim.New(b, routes, logger, agentsim.Options{Delay: time.Second})
	logger.Info("echo-agent: serving", "bus", cfg.Bus, "topics", routes.RequestTopics())
	if err := agent.Run(ctx); err != nil {
		logger.Error("echo-agent stopped", "error", err)
	}
}
