// Package app builds the Core's services from configuration for the gateway
// and the operational CLI.
package app

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/go-redis/redis/v8"
	"github.com/sirupsen/logrus"
	"gorm.io/gorm"

	"ogsolar-core/config"
	"ogsolar-core/internal/database"
	"ogsolar-core/internal/events"
	"ogsolar-core/internal/mpesa"
	"ogsolar-core/internal/runlock"
	"ogsolar-core/internal/sequence"
	"ogsolar-core/internal/services/cart"
	"ogsolar-core/internal/services/inventory"
	"ogsolar-core/internal/services/notification"
	"ogsolar-core/internal/services/order"
	"ogsolar-core/internal/services/payment"
	"ogsolar-core/internal/services/receipt"
	"ogsolar-core/internal/services/reconcile"
	"ogsolar-core/internal/services/sale"
	"ogsolar-core/internal/services/sweeper"
)

type App struct {
	Config config.Config
	Log    *logrus.Logger
	DB     *gorm.DB
	// Redis is nil when redis is unreachable; caching, events and run
	// locks then work locally.
	Redis *redis.Client

	Inventory  *inventory.Service
	Carts      *cart.Service
	Orders     *order.Service
	Sales      *sale.Service
	Payments   *payment.Service
	Receipts   *receipt.Builder
	Reconciler *reconcile.Service
	Sweeper    *sweeper.Sweeper
	Notifier   *notification.Dispatcher

	closers []io.Closer
}

func New(ctx context.Context, cfg config.Config, log *logrus.Logger) (*App, error) {
	if err := cfg.MPesa.Validate(); err != nil {
		return nil, fmt.Errorf("invalid mobile money configuration: %w", err)
	}

	db, err := database.NewConnection(cfg.DB.Driver, cfg.DB.DSN, log)
	if err != nil {
		return nil, fmt.Errorf("failed to connect to database: %w", err)
	}
	if err := database.Migrate(db); err != nil {
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	a := &App{Config: cfg, Log: log, DB: db}
	a.Redis, err = config.NewRedisClient(cfg.Redis)
	if err != nil {
		log.WithError(err).Warn("redis unavailable, running without cache, events and distributed locks")
		a.Redis = nil
	} else {
		a.closers = append(a.closers, a.Redis)
	}

	store, err := receipt.NewStore(ctx, cfg.Artifacts)
	if err != nil {
		a.Close()
		return nil, fmt.Errorf("failed to open receipt store: %w", err)
	}
	if c, ok := store.(io.Closer); ok {
		a.closers = append(a.closers, c)
	}

	seq := sequence.NewAllocator(nil)
	pub := events.NewPublisher(a.Redis, log)
	locks := runlock.New(a.Redis, log)

	a.Inventory = inventory.NewService(db, a.Redis, seq, log)
	a.Carts = cart.NewService(db, a.Inventory, cfg.VATRate, log)
	a.Orders = order.NewService(db, a.Inventory, seq, pub, cfg.VATRate, log, nil)
	a.Sales = sale.NewService(db, a.Inventory, seq, pub, cfg.VATRate, log, nil)
	a.Payments = payment.NewService(db, mpesa.NewClient(cfg.MPesa, log), a.Orders, a.Sales, pub, log, nil)
	a.Receipts = receipt.NewBuilder(db, seq, store, cfg.Company, log, nil)
	a.Reconciler = reconcile.NewService(db, seq, log, nil)
	a.Sweeper = sweeper.New(db, a.Payments, locks, sweeper.Config{
		Timeout:           cfg.Sweeper.Timeout,
		POSTimeout:        cfg.Sweeper.POSTimeout,
		StatusQueryMaxAge: cfg.Sweeper.StatusQueryMaxAge,
	}, log, nil)

	var sms notification.SMSSender
	if c := notification.NewSMSClient(cfg.Notification, log); c != nil {
		sms = c
	}
	var email notification.EmailSender
	if m := notification.NewSMTPMailer(cfg.Notification); m != nil {
		email = m
	}
	if sms == nil && email == nil {
		log.Warn("no notification provider configured")
	}
	a.Notifier = notification.NewDispatcher(db, sms, email, a.Receipts, locks, cfg.Company, cfg.Notification.Window, log, nil)

	return a, nil
}

// PingDB checks the database connection.
func (a *App) PingDB(ctx context.Context) error {
	sqlDB, err := a.DB.DB()
	if err != nil {
		return err
	}
	return sqlDB.PingContext(ctx)
}

// PingRedis reports a missing client as an error so health shows degraded.
func (a *App) PingRedis(ctx context.Context) error {
	if a.Redis == nil {
		return errors.New("redis not connected")
	}
	return a.Redis.Ping(ctx).Err()
}

func (a *App) Close() {
	for _, c := range a.closers {
		if err := c.Close(); err != nil {
			a.Log.WithError(err).Warn("failed to close resource")
		}
	}
	if sqlDB, err := a.DB.DB(); err == nil {
		sqlDB.Close()
	}
}
