package app

import (
	"context"
	"fmt"
	"net/http"

	dapr "github.com/dapr/go-sdk/client"
	"github.com/sirupsen/logrus"

	"advocacy-site/internal/cache"
	"advocacy-site/internal/config"
	"advocacy-site/internal/forwarder"
	"advocacy-site/internal/logging"
	"advocacy-site/internal/persistence"
	"advocacy-site/internal/repository"
)

// Dependencies are the long-lived connections shared by the server and the
// sync command.
type Dependencies struct {
	Primary   repository.SubscriptionRepository
	Fallback  repository.SubscriptionRepository
	Cache     cache.Cache
	Forwarder *forwarder.Chain

	closers []func(ctx context.Context)
}

// Close releases connections in reverse order of opening.
func (d *Dependencies) Close(ctx context.Context) {
	for i := len(d.closers) - 1; i >= 0; i-- {
		d.closers[i](ctx)
	}
}

// OpenDependencies connects the configured backends. On error everything
// opened so far is closed again.
func OpenDependencies(ctx context.Context, cfg *config.Config, logger *logging.ContextLogger) (_ *Dependencies, err error) {
	deps := &Dependencies{}
	defer func() {
		if err != nil {
			deps.Close(context.Background())
		}
	}()

	switch cfg.Storage.Backend {
	case config.BackendPostgres:
		pg, err := persistence.NewPostgres(ctx, cfg.Postgres, logger)
		if err != nil {
			return nil, fmt.Errorf("connect postgres: %w", err)
		}
		deps.closers = append(deps.closers, func(context.Context) { pg.Close() })
		if cfg.Postgres.RunMigrations {
			if err := persistence.RunMigrations(ctx, pg.Pool, logger); err != nil {
				return nil, fmt.Errorf("run migrations: %w", err)
			}
		}
		deps.Primary = repository.NewPostgresSubscriptionRepository(pg.Pool)
	case config.BackendMongo:
		mg, err := persistence.NewMongo(ctx, cfg.Mongo, logger)
		if err != nil {
			return nil, fmt.Errorf("connect mongo: %w", err)
		}
		deps.closers = append(deps.closers, mg.Close)
		repo, err := repository.NewMongoSubscriptionRepository(ctx, mg.Database)
		if err != nil {
			return nil, fmt.Errorf("prepare mongo collections: %w", err)
		}
		deps.Primary = repo
	default:
		deps.Primary = repository.NewInMemorySubscriptionRepository()
	}

	if cfg.Storage.FallbackEnabled() {
		deps.Fallback = repository.NewInMemorySubscriptionRepository()
		logger.WithFields(logrus.Fields{
			"backend":  deps.Primary.Name(),
			"fallback": deps.Fallback.Name(),
			"durable":  false,
		}).Warn("Fallback store enabled, writes it accepts are lost on restart")
	}

	if cfg.Redis.Addr != "" {
		rd := persistence.NewRedis(ctx, cfg.Redis, logger)
		deps.closers = append(deps.closers, func(context.Context) { rd.Close() })
		deps.Cache = cache.NewRedisCache(rd.Client)
	} else {
		deps.Cache = cache.NewInMemoryCache()
	}

	var publisher forwarder.EventPublisher
	if cfg.Forward.DaprPubSubName != "" {
		client, err := dapr.NewClient()
		if err != nil {
			logger.WithError(err).Warn("Dapr sidecar unavailable, pub/sub forwarding disabled")
		} else {
			deps.closers = append(deps.closers, func(context.Context) { client.Close() })
			publisher = client
		}
	}

	deps.Forwarder = forwarder.FromConfig(cfg.Forward, &http.Client{Timeout: cfg.Forward.Timeout}, publisher)
	logger.WithFields(logrus.Fields{
		"backend":   deps.Primary.Name(),
		"providers": deps.Forwarder.Providers(),
	}).Info("Subscription store ready")

	return deps, nil
}
