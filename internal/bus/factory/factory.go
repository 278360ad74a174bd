// Package factory opens the bus transport selected by configuration.
package factory

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/redis/go-redis/v9"

	"github.com/seantiz/concierge/internal/bus"
	"github.com/seantiz/concierge/internal/bus/memory"
	"github.com/seantiz/concierge/internal/bus/natsbus"
	"github.com/seantiz/concierge/internal/bus/pulse"
	"github.com/seantiz/concierge/internal/config"
)

// Open returns the bus named by cfg.Bus. rdb is reused by the pulse bus when
// non-nil; otherwise a client is created from cfg.RedisURL. The returned
// cleanup closes anything Open created.
func Open(ctx context.Context, cfg config.Config, rdb *redis.Client, logger *slog.Logger) (bus.Bus, func(), error) {
	switch cfg.Bus {
	case config.BusMemory:
		b := memory.New(logger, memory.Options{})
		return b, func() { _ = b.Close() }, nil

	case config.BusPulse:
		owned := false
		if rdb == nil {
			opts, err := redis.ParseURL(cfg.RedisURL)
			if err != nil {
				return nil, nil, fmt.Errorf("parse redis url: %w", err)
			}
			rdb = redis.NewClient(opts)
			owned = true
		}
		if err := rdb.Ping(ctx).Err(); err != nil {
			if owned {
				_ = rdb.Close()
			}
			return nil, nil, fmt.Errorf("ping redis: %w", err)
		}
		b := pulse.New(rdb, pulse.DefaultMaxLen, logger)
		return b, func() {
			_ = b.Close()
			if owned {
				_ = rdb.Close()
			}
		}, nil

	case config.BusNATS:
		b, err := natsbus.New(ctx, natsbus.Options{URL: cfg.NATSURL, Stream: cfg.NATSStream}, logger)
		if err != nil {
			return nil, nil, err
		}
		return b, func() { _ = b.Close() }, nil

	default:
		return nil, nil, fmt.Errorf("unknown bus %q", cfg.Bus)
	}
}
