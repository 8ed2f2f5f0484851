// Package bootstrap opens the configured store and wires the services shared
// by the HTTP server and the operator CLI.
package bootstrap

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/Rofiq02bae/coffeepoint/internal/config"
	"github.com/Rofiq02bae/coffeepoint/internal/db"
	"github.com/Rofiq02bae/coffeepoint/internal/ledger"
	"github.com/Rofiq02bae/coffeepoint/internal/logger"
	"github.com/Rofiq02bae/coffeepoint/internal/reconcile"
	"github.com/Rofiq02bae/coffeepoint/internal/report"
	"github.com/Rofiq02bae/coffeepoint/internal/retry"
	"github.com/Rofiq02bae/coffeepoint/internal/store"
	"github.com/Rofiq02bae/coffeepoint/internal/store/memory"
	"github.com/Rofiq02bae/coffeepoint/internal/store/postgres"
	"github.com/Rofiq02bae/coffeepoint/internal/store/redisstore"
	"github.com/Rofiq02bae/coffeepoint/internal/token"
	"github.com/jmoiron/sqlx"
	"github.com/redis/go-redis/v9"
)

const pingTimeout = 5 * time.Second

type App struct {
	Backend string
	Store   store.Store
	DB      *sqlx.DB
	Redis   *redis.Client
	// Queue is nil when no redis is reachable.
	Queue *reconcile.Queue

	Ledger  ledger.Service
	Issuer  *token.Issuer
	Engine  token.Engine
	Reports report.Service
}

// Open connects the configured backend. Postgres is migrated on open. The
// compensation queue needs redis and is skipped for the memory backend.
func Open(ctx context.Context, cfg *config.Config) (*App, error) {
	app := &App{Backend: cfg.StoreBackend}

	switch cfg.StoreBackend {
	case config.BackendMemory:
		app.Store = memory.New()
		logger.Warn("using in-memory store, data is lost on restart")

	case config.BackendPostgres:
		database, err := db.Connect(cfg.DatabaseURL)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		if err := db.RunMigrations(database, cfg.MigrationsPath); err != nil {
			database.Close()
			return nil, fmt.Errorf("run migrations: %w", err)
		}
		app.DB = database
		app.Store = postgres.New(database)
		app.openQueue(ctx, cfg)

	case config.BackendRedis:
		client, err := connectRedis(ctx, cfg)
		if err != nil {
			return nil, err
		}
		app.Redis = client
		app.Store = redisstore.New(client, cfg.RedisPrefix)
		app.Queue = reconcile.New(client, cfg.RedisPrefix)

	default:
		return nil, fmt.Errorf("unknown store backend %q", cfg.StoreBackend)
	}

	app.wire(cfg)
	logger.Info("store ready", "backend", app.Backend, "compensation_queue", app.Queue != nil)
	return app, nil
}

// openQueue attaches the redis compensation queue to a postgres deployment
// when redis answers.
func (a *App) openQueue(ctx context.Context, cfg *config.Config) {
	client, err := connectRedis(ctx, cfg)
	if err != nil {
		logger.Warn("compensation queue disabled", "error", err)
		return
	}
	a.Redis = client
	a.Queue = reconcile.New(client, cfg.RedisPrefix)
}

func connectRedis(ctx context.Context, cfg *config.Config) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     cfg.RedisAddr,
		Password: cfg.RedisPassword,
	})

	pingCtx, cancel := context.WithTimeout(ctx, pingTimeout)
	defer cancel()
	if err := client.Ping(pingCtx).Err(); err != nil {
		client.Close()
		return nil, fmt.Errorf("connect redis %s: %w", cfg.RedisAddr, err)
	}
	return client, nil
}

// New wires services over an already opened store.
func New(cfg *config.Config, st store.Store, queue *reconcile.Queue) *App {
	app := &App{Backend: cfg.StoreBackend, Store: st, Queue: queue}
	app.wire(cfg)
	return app
}

func (a *App) wire(cfg *config.Config) {
	retryCfg := retry.Default()

	// A nil *Queue must not become a non-nil interface.
	var queue ledger.CompensationQueue
	if a.Queue != nil {
		queue = a.Queue
	}

	policy := ledger.Policy{
		PointsPerScan:    cfg.PointsPerScan,
		VoucherThreshold: cfg.VoucherThreshold,
		MinScanInterval:  cfg.MinScanInterval(),
	}

	a.Issuer = token.NewIssuer(a.Store, retryCfg)
	a.Ledger = ledger.NewService(a.Store, a.Issuer, queue, policy, retryCfg)
	a.Engine = token.NewEngine(a.Store, a.Issuer, a.Ledger, queue, token.Config{
		PointsPerScan: cfg.PointsPerScan,
		PublicBaseURL: cfg.PublicBaseURL,
		Retry:         retryCfg,
	})
	a.Reports = report.NewService(a.Store, retryCfg)
}

// Close releases the store and the redis client. Closing the redis-backed
// store closes the shared client, so it is only closed once.
func (a *App) Close() error {
	var errs []error
	if a.Store != nil {
		errs = append(errs, a.Store.Close())
	}
	if a.Redis != nil && a.Backend != config.BackendRedis {
		errs = append(errs, a.Redis.Close())
	}
	return errors.Join(errs...)
}
