// Package app assembles the storage router, the drain queue and the scheduler from config.
package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"

	"github.com/redis/go-redis/v9"

	"switchline/internal/config"
	"switchline/internal/db"
	"switchline/internal/drain"
	"switchline/internal/kv"
	"switchline/internal/migrate"
	"switchline/internal/repo"
	"switchline/internal/router"
	"switchline/internal/scheduler"
	"switchline/internal/workflows"
)

// App owns the connections a command needs. Close releases them.
type App struct {
	Config *config.Config
	DB     *sql.DB
	Repo   repo.Repo
	Redis  redis.UniversalClient
	Cache  kv.Cache
	Drain  drain.Queue
	Outbox drain.Outbox
	Router *router.Router
	Tasks  scheduler.Tasks

	closers []func() error
}

// Open connects the durable store, migrates it and wires the router. Redis connects lazily,
// so commands that never touch it work without a server.
func Open(ctx context.Context, workspace string, cfg *config.Config) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	dbCfg := cfg.DB(workspace)
	if dbCfg.Dialect() == db.SQLite {
		if _, err := db.EnsureWorkspace(workspace); err != nil {
			return nil, err
		}
	}
	conn, err := db.Open(dbCfg)
	if err != nil {
		return nil, err
	}
	a := &App{Config: cfg, DB: conn}
	a.closers = append(a.closers, conn.Close)
	if err := migrate.Migrate(conn, dbCfg.Dialect()); err != nil {
		a.Close()
		return nil, fmt.Errorf("migrate: %w", err)
	}
	a.Repo = repo.New(conn, dbCfg.Dialect())
	a.Tasks = scheduler.Tasks{Store: a.Repo}
	a.Outbox = drain.Outbox{DB: conn, Dialect: dbCfg.Dialect()}

	a.Redis = redis.NewUniversalClient(&redis.UniversalOptions{
		Addrs:    []string{cfg.Redis.Addr},
		Password: cfg.Redis.Password,
		DB:       cfg.Redis.DB,
	})
	a.closers = append(a.closers, a.Redis.Close)

	switch cfg.Cache.Backend {
	case config.CacheBolt:
		path := cfg.Cache.BoltPath
		if path == "" {
			path = filepath.Join(workspace, db.WorkspaceDir, "cache.bolt")
		}
		bc, err := kv.OpenBolt(path)
		if err != nil {
			a.Close()
			return nil, err
		}
		a.Cache = bc
		a.closers = append(a.closers, bc.Close)
	default:
		// Shares the client; closing it is left to the redis closer.
		a.Cache = kv.NewRedisCache(a.Redis, cfg.CacheTTL())
	}

	switch cfg.Drainer.Backend {
	case config.DrainKafka:
		kq := drain.NewKafkaQueue(cfg.Drainer.Kafka.Brokers, cfg.Drainer.Kafka.Topic)
		a.Drain = kq
		a.closers = append(a.closers, kq.Close)
	case config.DrainSQL:
		a.Drain = a.Outbox
	default:
		a.Drain = drain.RedisStreamQueue{
			Client:        a.Redis,
			StreamName:    cfg.Drainer.StreamName,
			NumPartitions: cfg.Drainer.NumPartitions,
		}
	}

	a.Router = router.New(router.Options{
		Durable: a.Repo,
		Cache:   a.Cache,
		Index:   a.Repo,
		Drain:   a.Drain,
		Schemes: cfg.Schemes(),
	})
	return a, nil
}

// TaskQueue returns the redis stream the scheduler uses.
func (a *App) TaskQueue() *scheduler.RedisTaskQueue {
	return scheduler.NewRedisTaskQueue(a.Redis, a.Config.SchedulerSettings())
}

// Workflows returns the workflows the consumer can run.
func (a *App) Workflows() scheduler.Registry {
	return scheduler.Registry{
		workflows.PaymentStatusSync: &workflows.PaymentSync{
			BaseWorkflow: scheduler.BaseWorkflow{Tasks: a.Tasks},
			Attempts:     a.Router,
			Fetcher:      workflows.NewHTTPStatusFetcher(a.Config.Connector.StatusURL, a.Config.ConnectorTimeout()),
		},
	}
}

// Consumer builds a consumer over the app's task queue and workflows.
func (a *App) Consumer() *scheduler.Consumer {
	return scheduler.NewConsumer(a.Config.SchedulerSettings(), a.TaskQueue(), a.Repo, a.Workflows().Select, nil)
}

// Producer builds a producer over the app's task queue.
func (a *App) Producer() *scheduler.Producer {
	return &scheduler.Producer{Settings: a.Config.SchedulerSettings(), Queue: a.TaskQueue(), Store: a.Repo}
}

// Close releases connections in reverse order of opening.
func (a *App) Close() error {
	var errs []error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && !errors.Is(err, redis.ErrClosed) {
			errs = append(errs, err)
		}
	}
	a.closers = nil
	return errors.Join(errs...)
}
