package app

import (
	"context"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"go.opentelemetry.io/contrib/instrumentation/github.com/gin-gonic/gin/otelgin"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/cache"
	"advocacy-site/internal/config"
	"advocacy-site/internal/forwarder"
	"advocacy-site/internal/handlers"
	"advocacy-site/internal/logging"
	"advocacy-site/internal/mailer"
	"advocacy-site/internal/middleware"
	"advocacy-site/internal/repository"
	"advocacy-site/internal/service"
)

type Config struct {
	ServiceName    string
	ServiceVersion string
	Addr           string
	Logger         *logging.ContextLogger
	TracerProvider trace.TracerProvider
	GinMode        string
	// TrustedProxies may set X-Forwarded-For. Empty trusts none.
	TrustedProxies []string

	// Repository is the primary store; in-memory when nil.
	Repository repository.SubscriptionRepository
	// Fallback receives operations the primary store fails. Optional.
	Fallback    repository.SubscriptionRepository
	Cache       cache.Cache
	Forwarder   *forwarder.Chain
	Mailer      mailer.Transport
	ContactTo   string
	StatsTTL    time.Duration
	RecentLimit int
	Admin       config.AdminConfig
	RateLimit   config.RateLimitConfig
}

type Application struct {
	server       *http.Server
	config       *Config
	router       *gin.Engine
	repo         repository.SubscriptionRepository
	cache        cache.Cache
	service      *service.SubscriptionService
	contact      *service.ContactService
	subscription *handlers.SubscriptionHandler
}

func Build(config *Config) *Application {
	if config.GinMode != "" {
		gin.SetMode(config.GinMode)
	}

	repo := config.Repository
	if repo == nil {
		repo = repository.NewInMemorySubscriptionRepository()
	}
	statsCache := config.Cache
	if statsCache == nil {
		statsCache = cache.NewInMemoryCache()
	}
	transport := config.Mailer
	if transport == nil {
		transport = mailer.NewLogTransport(config.Logger)
	}

	subscriptionService := service.NewSubscriptionService(repo, config.Fallback, statsCache, config.Forwarder, config.Logger, config.StatsTTL)
	contactService := service.NewContactService(transport, config.ContactTo, config.Logger)
	subscriptionHandler := handlers.NewSubscriptionHandler(subscriptionService, config.Logger, config.RecentLimit)
	contactHandler := handlers.NewContactHandler(contactService, config.Logger)

	router := gin.New()
	if err := router.SetTrustedProxies(config.TrustedProxies); err != nil {
		config.Logger.WithError(err).Warn("Invalid trusted proxies, trusting none")
		_ = router.SetTrustedProxies(nil)
	}
	router.Use(gin.Recovery())
	otelOpts := []otelgin.Option{}
	if config.TracerProvider != nil {
		otelOpts = append(otelOpts, otelgin.WithTracerProvider(config.TracerProvider))
	}
	router.Use(otelgin.Middleware(config.ServiceName, otelOpts...))
	router.Use(middleware.RequestID())
	router.Use(middleware.RequestLogger(config.Logger))

	limited := middleware.RateLimit(middleware.NewIPRateLimiter(config.RateLimit.PerMinute, config.RateLimit.Burst))

	api := router.Group("/api")
	{
		api.POST("/newsletter-subscribe", limited, subscriptionHandler.Subscribe)
		api.POST("/newsletter-unsubscribe", limited, subscriptionHandler.Unsubscribe)
		api.GET("/unsubscribe", limited, subscriptionHandler.Unsubscribe)
		api.POST("/contact", limited, contactHandler.Submit)

		admin := api.Group("")
		if config.Admin.User != "" {
			admin.Use(gin.BasicAuth(gin.Accounts{config.Admin.User: config.Admin.Password}))
		}
		admin.GET("/email-stats", subscriptionHandler.Stats)
		admin.GET("/email-search", subscriptionHandler.Search)
		admin.POST("/email-sync", subscriptionHandler.Sync)
	}

	router.GET("/health", handlers.Health(config.ServiceName, config.ServiceVersion, subscriptionService))

	addr := config.Addr
	if addr == "" {
		addr = ":8080"
	}
	server := &http.Server{
		Addr:              addr,
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return &Application{
		server:       server,
		config:       config,
		router:       router,
		repo:         repo,
		cache:        statsCache,
		service:      subscriptionService,
		contact:      contactService,
		subscription: subscriptionHandler,
	}
}

func (app *Application) Run() error {
	app.config.Logger.Info("Starting server on " + app.server.Addr)
	if err := app.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

func (app *Application) Shutdown(ctx context.Context) error {
	app.config.Logger.Info("Shutting down server...")
	return app.server.Shutdown(ctx)
}

func (app *Application) GetRepo() repository.SubscriptionRepository {
	return app.repo
}

func (app *Application) GetCache() cache.Cache {
	return app.cache
}

func (app *Application) GetService() *service.SubscriptionService {
	return app.service
}

func (app *Application) GetRouter() *gin.Engine {
	return app.router
}
