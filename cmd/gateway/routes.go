package main

import (
	"context"
	"errors"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"ogsolar-core/config"
	"ogsolar-core/internal/app"
	"ogsolar-core/internal/gateway"
	"ogsolar-core/internal/gateway/middleware"
	"ogsolar-core/internal/utils"
)

const (
	sweepEvery  = 5 * time.Minute
	notifyEvery = 10 * time.Minute
)

func main() {
	cfg := config.LoadConfig()
	log := config.NewLogger(cfg)
	if cfg.IsProduction() {
		gin.SetMode(gin.ReleaseMode)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	a, err := app.New(ctx, cfg, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to start")
	}
	defer a.Close()

	tokens, err := utils.NewTokenIssuer(cfg.Auth.JWTSecret, cfg.Auth.TokenTTL)
	if err != nil {
		log.WithError(err).Fatal("JWT_SECRET must be set")
	}

	callbackIPs := cfg.MPesa.AllowedIPs
	if len(callbackIPs) == 0 {
		callbackIPs = middleware.SafaricomCallbackIPs
	}

	r, err := gateway.NewRouter(gateway.Services{
		Carts:      a.Carts,
		Orders:     a.Orders,
		Sales:      a.Sales,
		Payments:   a.Payments,
		Inventory:  a.Inventory,
		Receipts:   a.Receipts,
		Reconciler: a.Reconciler,
	}, gateway.Options{
		Production:       cfg.IsProduction(),
		RateLimit:        cfg.RateLimit,
		CORSOrigins:      cfg.CORSOrigins,
		TrustedProxies:   cfg.TrustedProxies,
		CallbackIPs:      callbackIPs,
		EnforceAllowList: cfg.MPesa.EnforceAllowList,
		Tokens:           tokens,
		Dependencies: map[string]gateway.Pinger{
			"database": a.PingDB,
			"redis":    a.PingRedis,
		},
	}, log)
	if err != nil {
		log.WithError(err).Fatal("Failed to build router")
	}

	go a.Sweeper.Run(ctx, sweepEvery, true)
	go runNotifier(ctx, a, log)

	srv := &http.Server{
		Addr:              cfg.HTTPAddr,
		Handler:           r,
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		log.Infof("Starting server on %s", cfg.HTTPAddr)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			log.WithError(err).Fatal("Failed to start server")
		}
	}()

	<-ctx.Done()
	log.Info("Shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		log.WithError(err).Error("Server shutdown failed")
	}
}

func runNotifier(ctx context.Context, a *app.App, log logrus.FieldLogger) {
	ticker := time.NewTicker(notifyEvery)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			report, err := a.Notifier.Sync(ctx, a.Config.Notification.Window)
			if err != nil {
				log.WithError(err).Warn("Notification sync failed")
				continue
			}
			if report.Notified > 0 || report.Failed > 0 {
				log.WithFields(logrus.Fields{
					"scanned":  report.Scanned,
					"notified": report.Notified,
					"failed":   report.Failed,
				}).Info("Notification sync")
			}
		}
	}
}
