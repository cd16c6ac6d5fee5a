package main

import (
	"context"
	"fmt"
	"time"

	"github.com/go-redis/redis/v8"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/sirupsen/logrus"
	"github.com/songzhibin97/gkit/generator"

	"github.com/DyNATgIT/ARK/config"
	"github.com/DyNATgIT/ARK/logging"
	"github.com/DyNATgIT/ARK/rules"
	"github.com/DyNATgIT/ARK/storage"
	"github.com/DyNATgIT/ARK/worker"
	"github.com/DyNATgIT/ARK/workers"
	"github.com/DyNATgIT/ARK/workflow"
)

// app is the wired process: config, logger, storage and engine.
type app struct {
	cfg    *config.Config
	logger *logrus.Logger
	store  storage.Storage
	engine *workflow.Engine
	redis  *redis.Client

	closers []func()
}

func newApp(ctx context.Context, cfg *config.Config) (*app, error) {
	a := &app{cfg: cfg, logger: logging.New(cfg.Log)}

	store, err := a.openStorage(ctx)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.store = store

	policy := rules.DefaultReviewPolicy()
	policy.Threshold = cfg.Engine.ReviewThreshold
	if cfg.Engine.ReviewExpression != "" {
		policy.Expression = cfg.Engine.ReviewExpression
	}

	workerCfg := worker.Config{"logger": a.logger}
	if cfg.Notify.WebhookURL != "" {
		workerCfg["notifier"] = workers.NewWebhookNotifier(cfg.Notify.WebhookURL, cfg.Notify.WebhookFormat)
	}

	engine, err := workflow.NewEngine(
		generator.NewSnowflake(time.Now().Add(-1*time.Second), 1),
		store,
		rules.NewGateEvaluator(),
		workflow.WithLogger(a.logger),
		workflow.WithParallelVerification(cfg.Engine.ParallelVerification),
		workflow.WithReviewPolicy(policy),
		workflow.WithWorkerConfig(workerCfg),
	)
	if err != nil {
		a.Close()
		return nil, err
	}
	a.engine = engine
	a.closers = append(a.closers, engine.Close)
	return a, nil
}

func (a *app) openStorage(ctx context.Context) (storage.Storage, error) {
	sc := a.cfg.Storage
	switch sc.Driver {
	case "redis":
		client, err := a.redisClient()
		if err != nil {
			return nil, err
		}
		return storage.NewRedisStorageFromClient(client), nil
	case "postgres":
		pool, err := pgxpool.New(ctx, sc.DSN())
		if err != nil {
			return nil, fmt.Errorf("failed to open postgres pool: %w", err)
		}
		a.closers = append(a.closers, pool.Close)
		store := storage.NewPostgresStorage(pool)
		if err := store.Migrate(ctx); err != nil {
			return nil, err
		}
		return store, nil
	default:
		return storage.NewMemoryStorage(), nil
	}
}

// redisClient returns the shared client, dialing it on first use.
func (a *app) redisClient() (*redis.Client, error) {
	if a.redis != nil {
		return a.redis, nil
	}
	rc := a.cfg.Storage.Redis
	client, err := storage.NewRedisClient(storage.RedisOptions{
		Addr:         rc.Addr,
		Password:     rc.Password,
		DB:           rc.DB,
		PoolSize:     rc.PoolSize,
		MinIdleConns: rc.MinIdleConns,
		IdleTimeout:  rc.IdleTimeout,
	})
	if err != nil {
		return nil, err
	}
	a.redis = client
	a.closers = append(a.closers, func() { _ = client.Close() })
	return client, nil
}

// Close releases resources in reverse order of acquisition.
func (a *app) Close() {
	for i := len(a.closers) - 1; i >= 0; i-- {
		a.closers[i]()
	}
	a.closers = nil
}

func loadConfig() (*config.Config, error) {
	return config.Load(configPath)
}
