package cli

import (
	"context"

	"github.com/jmoiron/sqlx"
	"github.com/mikedrai/gep-partner-system-sub001/internal/actions"
	"github.com/mikedrai/gep-partner-system-sub001/internal/config"
	"github.com/mikedrai/gep-partner-system-sub001/internal/directory"
	"github.com/mikedrai/gep-partner-system-sub001/internal/notify"
	internal_storage "github.com/mikedrai/gep-partner-system-sub001/internal/storage"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/cache"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/engine"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/registry"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/scheduler"
	"github.com/mikedrai/gep-partner-system-sub001/pkg/storage"
	"github.com/pkg/errors"
	"github.com/sirupsen/logrus"
)

// App is the wired engine with its collaborators.
type App struct {
	Config    *config.Config
	Store     storage.Store
	Engine    *engine.Engine
	Scheduler *scheduler.Scheduler

	closers []func() error
}

// openStore is replaced in tests.
var openStore = func(cfg *config.Config) (storage.Store, error) {
	return internal_storage.InitStore(cfg.DSN())
}

// NewApp builds the engine from configuration. The store is owned by the App.
func NewApp(ctx context.Context, cfg *config.Config, store storage.Store, logger *logrus.Logger) (*App, error) {
	app := &App{Config: cfg, Store: store}
	app.closers = append(app.closers, store.Close)

	defs, err := loadDefinitions(cfg.Engine.DefinitionsFile)
	if err != nil {
		app.Close()
		return nil, err
	}
	for _, w := range defs.Warnings() {
		logger.Warn(w)
	}

	dir, err := app.newDirectory(cfg)
	if err != nil {
		app.Close()
		return nil, err
	}

	instances, err := app.newCache(ctx, cfg, logger)
	if err != nil {
		app.Close()
		return nil, err
	}

	app.Scheduler = scheduler.New(store, logger, scheduler.Config{
		PollInterval: cfg.Scheduler.PollInterval,
		BatchSize:    cfg.Scheduler.BatchSize,
		Workers:      cfg.Scheduler.Workers,
		FireTimeout:  cfg.Scheduler.FireTimeout,
		Retries:      cfg.Scheduler.Retries,
		Lease:        cfg.Scheduler.Lease,
	})

	app.Engine = engine.New(store, defs, dir, logger,
		engine.WithCache(instances),
		engine.WithNotifier(newNotifier(cfg.Notify, logger)),
		engine.WithTimers(app.Scheduler),
		engine.WithMaxRetries(cfg.Engine.MaxRetries),
		engine.WithEscalationRoles(cfg.Engine.DefaultEscalationRoles...),
		engine.WithAdminRoles(cfg.Engine.AdminRoles...),
	)
	if err := actions.Register(app.Engine, logger); err != nil {
		app.Close()
		return nil, err
	}
	return app, nil
}

// Close waits for running hooks, then releases connections in reverse order.
func (a *App) Close() error {
	if a.Engine != nil {
		a.Engine.Close()
	}
	var first error
	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil && first == nil {
			first = err
		}
	}
	a.closers = nil
	return first
}

func loadDefinitions(path string) (*registry.Registry, error) {
	if path == "" {
		return registry.Default(), nil
	}
	return registry.LoadFile(path)
}

func (a *App) newDirectory(cfg *config.Config) (engine.Directory, error) {
	if cfg.Directory.Backend != "postgres" {
		return directory.NewStatic(cfg.Directory.StaticUsers()), nil
	}
	db, err := sqlx.Connect("postgres", cfg.DSN())
	if err != nil {
		return nil, errors.Wrap(err, "connect directory database")
	}
	a.closers = append(a.closers, db.Close)
	return directory.NewPostgres(db), nil
}

func (a *App) newCache(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (cache.InstanceCache, error) {
	switch cfg.Cache.Backend {
	case "redis":
		c, err := cache.NewRedis(ctx, cache.RedisConfig{
			Addr:      cfg.Cache.Redis.Addr,
			Password:  cfg.Cache.Redis.Password,
			DB:        cfg.Cache.Redis.DB,
			KeyPrefix: cfg.Cache.Redis.Prefix,
			TTL:       cfg.Cache.TTL,
		}, logger)
		if err != nil {
			return nil, err
		}
		a.closers = append(a.closers, c.Close)
		return c, nil
	case "none":
		return cache.Noop{}, nil
	}
	return cache.NewLRU(cfg.Cache.Size, cfg.Cache.TTL), nil
}

func newNotifier(cfg config.NotifyConfig, logger *logrus.Logger) engine.Notifier {
	var channels notify.Multi
	if cfg.Log {
		channels = append(channels, notify.NewLogNotifier(logger))
	}
	if cfg.SMTP.Host != "" {
		channels = append(channels, notify.NewEmailNotifier(cfg.SMTP.Host, cfg.SMTP.Port, cfg.SMTP.Username, cfg.SMTP.Password, cfg.SMTP.From))
	}
	if cfg.Webhook.URL != "" {
		channels = append(channels, notify.NewWebhookNotifier(notify.WebhookConfig{
			URL:           cfg.Webhook.URL,
			Timeout:       cfg.Webhook.Timeout,
			RatePerSecond: cfg.Webhook.RatePerSecond,
			Burst:         cfg.Webhook.Burst,
		}))
	}
	return channels
}
