// Command sync forwards active subscriptions that no mailing-list provider
// has accepted yet, then exits.
package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/sirupsen/logrus"

	"advocacy-site/internal/app"
	"advocacy-site/internal/config"
	"advocacy-site/internal/logging"
	"advocacy-site/internal/service"
	"advocacy-site/internal/telemetry"
)

func main() {
	limit := flag.Int("limit", service.DefaultSyncLimit, "maximum number of subscriptions to forward")
	timeout := flag.Duration("timeout", 5*time.Minute, "overall time budget")
	flag.Parse()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("Failed to load configuration: %v", err)
	}
	logger := logging.NewLogger(cfg.Logger.Level)

	tp, err := telemetry.InitTracing(cfg.App.Name+"-sync", cfg.App.Version, cfg.App.TracingEnabled)
	if err != nil {
		log.Fatalf("Failed to initialize tracing: %v", err)
	}
	defer func() {
		_ = telemetry.ShutdownTracing(context.Background(), tp)
	}()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	ctx, cancel := context.WithTimeout(ctx, *timeout)
	defer cancel()

	if err := run(ctx, cfg, logger, *limit); err != nil {
		logger.WithError(err).Error("Sync failed")
		os.Exit(1)
	}
}

func run(ctx context.Context, cfg *config.Config, logger *logging.ContextLogger, limit int) error {
	// A process-local fallback would only hide records the sync can never see.
	cfg.Storage.Fallback = config.FallbackNone

	deps, err := app.OpenDependencies(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer deps.Close(context.Background())

	svc := service.NewSubscriptionService(deps.Primary, nil, deps.Cache, deps.Forwarder, logger, cfg.Storage.StatsTTL)
	summary, err := svc.SyncPending(ctx, limit)
	if err != nil {
		return err
	}

	logger.WithFields(logrus.Fields{
		"attempted": summary.Attempted,
		"forwarded": summary.Forwarded,
		"failed":    summary.Failed,
	}).Info("Sync finished")
	return nil
}
