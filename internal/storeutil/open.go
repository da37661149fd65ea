// Package storeutil picks a campaign store backend from configuration.
package storeutil

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	goredis "github.com/redis/go-redis/v9"

	"blast/internal/config"
	"blast/internal/store"
	"blast/internal/store/pg"
	rstore "blast/internal/store/redis"
	"blast/internal/store/sqlite"
)

// Open returns the configured store. The redis client is returned as well when the
// backend is redis so callers can share it (for the sender lock); otherwise it is nil.
func Open(ctx context.Context, cfg config.StoreConfig) (store.CampaignStore, *goredis.Client, error) {
	switch cfg.Backend {
	case "postgres":
		pool, err := pg.NewPool(ctx, cfg.DBDSN, pg.PoolOptions{
			MaxConns:          cfg.DBPoolMaxConns,
			MinConns:          cfg.DBPoolMinConns,
			MaxConnLifetime:   cfg.DBPoolMaxConnLifetime,
			MaxConnIdleTime:   cfg.DBPoolMaxConnIdleTime,
			HealthCheckPeriod: cfg.DBPoolHealthCheckPeriod,
		})
		if err != nil {
			return nil, nil, err
		}
		if cfg.DBMigrate {
			n, err := pg.Migrate(ctx, pool)
			if err != nil {
				pool.Close()
				return nil, nil, err
			}
			if n > 0 {
				slog.Info("postgres migrations applied", "count", n)
			}
		}
		return pg.New(pool), nil, nil
	case "redis":
		client, err := DialRedis(ctx, cfg.RedisAddr)
		if err != nil {
			return nil, nil, err
		}
		return rstore.New(client, cfg.RedisKey), client, nil
	case "sqlite", "":
		s, err := sqlite.Open(ctx, cfg.SQLitePath)
		if err != nil {
			return nil, nil, err
		}
		return s, nil, nil
	}
	return nil, nil, fmt.Errorf("unknown store backend %q", cfg.Backend)
}

// DialRedis connects and pings so a bad address fails at startup.
func DialRedis(ctx context.Context, addr string) (*goredis.Client, error) {
	client := goredis.NewClient(&goredis.Options{Addr: addr})
	pingCtx, cancel := context.WithTimeout(ctx, 3*time.Second)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("redis not reachable: %w", err)
	}
	return client, nil
}
