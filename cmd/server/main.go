package main

import (
	"context"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/otel"

	"advocacy-site/internal/app"
	"advocacy-site/internal/config"
	"advocacy-site/internal/logging"
	"advocacy-site/internal/mailer"
	"advocacy-site/internal/telemetry"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}

	logger := logging.NewLogger(cfg.Logger.Level)

	tp, err := telemetry.InitTracing(cfg.App.Name, cfg.App.Version, cfg.App.TracingEnabled)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		if err := telemetry.ShutdownTracing(context.Background(), tp); err != nil {
			log.Printf("Error shutting down tracer provider: %v", err)
		}
	}()

	startCtx, cancelStart := context.WithTimeout(context.Background(), 30*time.Second)
	deps, err := app.OpenDependencies(startCtx, cfg, logger)
	cancelStart()
	if err != nil {
		logger.WithError(err).Fatal("Failed to open subscription store")
	}
	defer deps.Close(context.Background())

	ginMode := cfg.App.GinMode
	if ginMode == "" && cfg.App.Env == "production" {
		ginMode = gin.ReleaseMode
	}

	application := app.Build(&app.Config{
		ServiceName:    cfg.App.Name,
		ServiceVersion: cfg.App.Version,
		Addr:           cfg.App.Addr(),
		Logger:         logger,
		TracerProvider: otel.GetTracerProvider(),
		GinMode:        ginMode,
		TrustedProxies: cfg.App.TrustedProxies,
		Repository:     deps.Primary,
		Fallback:       deps.Fallback,
		Cache:          deps.Cache,
		Forwarder:      deps.Forwarder,
		Mailer:         mailer.FromConfig(cfg.Mail, logger),
		ContactTo:      cfg.Mail.ContactTo,
		StatsTTL:       cfg.Storage.StatsTTL,
		RecentLimit:    cfg.Storage.RecentLimit,
		Admin:          cfg.Admin,
		RateLimit:      cfg.RateLimit,
	})

	go func() {
		if err := application.Run(); err != nil {
			logger.WithError(err).Fatal("Failed to start server")
		}
	}()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if err := application.Shutdown(ctx); err != nil {
		logger.WithError(err).Error("Server forced to shutdown")
	}

	logger.Info("Server exited")
}
