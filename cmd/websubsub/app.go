package main

import (
	"context"
	"database/sql"

	"github.com/hibiken/asynq"
	_ "github.com/lib/pq"
	_ "github.com/mattn/go-sqlite3"
	"github.com/pkg/errors"
	goredislib "github.com/redis/go-redis/v9"
	"github.com/uptrace/bun"
	"github.com/uptrace/bun/dialect/pgdialect"
	"github.com/uptrace/bun/dialect/sqlitedialect"
	"github.com/uptrace/bun/schema"
	"go.uber.org/zap"
	"meow.tf/websubsub"
	"meow.tf/websubsub/config"
	"meow.tf/websubsub/lock"
	lockmemory "meow.tf/websubsub/lock/memory"
	lockredis "meow.tf/websubsub/lock/redis"
	"meow.tf/websubsub/store"
	"meow.tf/websubsub/store/bolt"
	"meow.tf/websubsub/store/database"
	"meow.tf/websubsub/store/memory"
	asynqworker "meow.tf/websubsub/worker/asynq"
)

// app holds everything a command needs.
type app struct {
	cfg        *config.App
	logger     *zap.Logger
	static     *config.Static
	store      store.Store
	subscriber *websubsub.Subscriber
	asynqOpt   asynq.RedisConnOpt
	closers    []func() error
}

func newApp(ctx context.Context, cfg *config.App, logger *zap.Logger) (*app, error) {
	a := &app{
		cfg:    cfg,
		logger: logger,
		static: &config.Static{},
	}

	if cfg.StaticFile != "" {
		static, err := config.LoadStatic(cfg.StaticFile)

		if err != nil {
			return nil, err
		}

		a.static = static
	}

	resolver, err := websubsub.NewRouteResolver(cfg.SiteURL, a.static.Routes)

	if err != nil {
		return nil, err
	}

	a.store, err = a.openStore(ctx)

	if err != nil {
		a.Close()
		return nil, err
	}

	locker, err := a.openLocker()

	if err != nil {
		a.Close()
		return nil, err
	}

	opts := []websubsub.Option{
		websubsub.WithLogger(logger),
		websubsub.WithWorkerCount(cfg.Workers),
		websubsub.WithConsumer(websubsub.ConsumerFunc(a.consume)),
	}

	if cfg.Queue == "asynq" {
		a.asynqOpt, err = asynq.ParseRedisURI(cfg.RedisURL)

		if err != nil {
			a.Close()
			return nil, errors.Wrap(err, "parse redis url")
		}

		client := asynq.NewClient(a.asynqOpt)

		opts = append(opts, websubsub.WithWorker(asynqworker.New(client,
			asynqworker.WithTimeout(cfg.RequestTimeout+cfg.UnsubscribeLockWait))))
	}

	a.subscriber = websubsub.New(cfg.Config, a.store, locker, resolver, opts...)

	a.subscriber.AddHandler(func(evt *websubsub.Unresolvable) {
		logger.Warn("Run purge-unresolvable to drop subscriptions without a route",
			zap.String("subscription", evt.Subscription.ID))
	})

	if events, ok := a.store.(interface{ AddHandler(fn interface{}) func() }); ok {
		events.AddHandler(func(evt *store.Deleted) {
			logger.Info("Subscription deleted",
				zap.String("subscription", evt.Subscription.ID),
				zap.String("topic", evt.Subscription.Topic))
		})
	}

	return a, nil
}

func (a *app) openStore(ctx context.Context) (store.Store, error) {
	switch a.cfg.Store {
	case "memory":
		return memory.New(), nil
	case "bolt":
		st, err := bolt.New(a.cfg.StoreDSN)

		if err != nil {
			return nil, err
		}

		a.closers = append(a.closers, st.Close)

		return st, nil
	}

	driver, dialect := "postgres", schema.Dialect(pgdialect.New())

	if a.cfg.Store == "sqlite" {
		driver, dialect = "sqlite3", sqlitedialect.New()
	}

	sqldb, err := sql.Open(driver, a.cfg.StoreDSN)

	if err != nil {
		return nil, err
	}

	if driver == "sqlite3" {
		sqldb.SetMaxOpenConns(1)
	}

	db := bun.NewDB(sqldb, dialect)

	a.closers = append(a.closers, db.Close)

	st := database.New(db)

	if err := st.Migrate(ctx); err != nil {
		return nil, err
	}

	return st, nil
}

func (a *app) openLocker() (lock.Locker, error) {
	if a.cfg.RedisURL == "" {
		return lockmemory.New(a.cfg.LockExpiry), nil
	}

	opt, err := goredislib.ParseURL(a.cfg.RedisURL)

	if err != nil {
		return nil, errors.Wrap(err, "parse redis url")
	}

	client := goredislib.NewClient(opt)

	a.closers = append(a.closers, client.Close)

	return lockredis.New(client, lockredis.WithExpiry(a.cfg.LockExpiry)), nil
}

// consume logs deliveries. Embedders replace it with their own Consumer.
func (a *app) consume(ctx context.Context, evt websubsub.Event) error {
	a.logger.Info("Event received",
		zap.String("subscription", evt.Subscription.ID),
		zap.String("topic", evt.Subscription.Topic),
		zap.String("content_type", evt.ContentType),
		zap.Int("size", len(evt.Body)))

	return nil
}

// Close stops the worker, then closes stores and clients in reverse order.
func (a *app) Close() {
	if a.subscriber != nil {
		a.subscriber.Close()
	}

	for i := len(a.closers) - 1; i >= 0; i-- {
		if err := a.closers[i](); err != nil {
			a.logger.Warn("Close failed", zap.Error(err))
		}
	}
}
