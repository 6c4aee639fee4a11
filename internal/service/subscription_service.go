package service

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/cache"
	"advocacy-site/internal/forwarder"
	"advocacy-site/internal/logging"
	"advocacy-site/internal/models"
	"advocacy-site/internal/repository"
)

const (
	DefaultRecentLimit = 10
	DefaultSearchLimit = 50
	DefaultSyncLimit   = 100

	// MaxListLimit caps caller-supplied limits for recent and search listings.
	MaxListLimit = 100

	// maxWriteRounds bounds the re-read loop when concurrent writers keep
	// flipping the same email between lookup and write.
	maxWriteRounds = 3
)

var (
	ErrInvalidEmail = errors.New("a valid email address is required")

	errWriteContention = errors.New("record kept changing under concurrent writes")
)

type SubscriptionService struct {
	primary  repository.SubscriptionRepository
	fallback repository.SubscriptionRepository
	cache    cache.Cache
	chain    *forwarder.Chain
	logger   *logging.ContextLogger
	tracer   trace.Tracer
	statsTTL time.Duration
}

// NewSubscriptionService wires the store. fallback and chain may be nil.
func NewSubscriptionService(
	primary, fallback repository.SubscriptionRepository,
	statsCache cache.Cache,
	chain *forwarder.Chain,
	logger *logging.ContextLogger,
	statsTTL time.Duration,
) *SubscriptionService {
	return &SubscriptionService{
		primary:  primary,
		fallback: fallback,
		cache:    statsCache,
		chain:    chain,
		logger:   logger,
		tracer:   otel.Tracer("subscription-service"),
		statsTTL: statsTTL,
	}
}

// Backend names the primary repository.
func (s *SubscriptionService) Backend() string {
	return s.primary.Name()
}

func (s *SubscriptionService) Ping(ctx context.Context) error {
	return s.primary.Ping(ctx)
}

// AddSubscription records email as active. It never reports an error for an
// email that is already active; that is OutcomeAlreadyActive. A non-nil error
// is always a *models.StorageError or ErrInvalidEmail, and comes with
// OutcomeFailure.
func (s *SubscriptionService) AddSubscription(ctx context.Context, email string, meta models.SubscriptionMeta) (*models.AddResult, error) {
	ctx, span := s.tracer.Start(ctx, "subscription.service.add",
		trace.WithAttributes(
			attribute.String("subscription.email", models.NormalizeEmail(email)),
			attribute.String("subscription.source", meta.Source),
		))
	defer span.End()

	sub := models.NewSubscription(email, meta)
	if sub.Email == "" || !strings.Contains(sub.Email, "@") {
		span.SetStatus(codes.Error, "invalid email")
		return &models.AddResult{Outcome: models.OutcomeFailure}, ErrInvalidEmail
	}

	repo := s.primary
	result, err := s.addOn(ctx, repo, sub)
	if err != nil && s.fallback != nil {
		s.logger.ErrorWithTracing(ctx, "Primary store failed, retrying on fallback", err, logrus.Fields{
			"email":    sub.Email,
			"backend":  s.primary.Name(),
			"fallback": s.fallback.Name(),
		})
		repo = s.fallback
		result, err = s.addOn(ctx, repo, sub)
		if err == nil && result.Outcome.Accepted() {
			s.logger.WarnWithTracing(ctx, "Subscription written to fallback store", logrus.Fields{
				"email":   sub.Email,
				"backend": repo.Name(),
				"outcome": string(result.Outcome),
				"durable": false,
			})
		}
	}
	if err != nil {
		s.logger.ErrorWithTracing(ctx, "Failed to store subscription", err, logrus.Fields{
			"email": sub.Email,
		})
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failure")
		return &models.AddResult{Outcome: models.OutcomeFailure}, err
	}

	span.SetAttributes(
		attribute.String("subscription.outcome", string(result.Outcome)),
		attribute.String("storage.backend", result.Backend),
	)

	if !result.Outcome.Accepted() {
		s.logger.InfoWithTracing(ctx, "Email already subscribed", logrus.Fields{
			"email":   sub.Email,
			"backend": result.Backend,
		})
		return result, nil
	}

	s.logger.InfoWithTracing(ctx, "Subscription stored", logrus.Fields{
		"email":           sub.Email,
		"subscription_id": result.ID,
		"outcome":         string(result.Outcome),
		"backend":         result.Backend,
	})

	s.invalidateStats(ctx)
	s.forward(ctx, repo, sub)
	return result, nil
}

// addOn runs the lookup/insert/reactivate sequence against one repository.
// Lost races on the unique email are resolved by re-reading.
func (s *SubscriptionService) addOn(ctx context.Context, repo repository.SubscriptionRepository, template *models.Subscription) (*models.AddResult, error) {
	for round := 0; round < maxWriteRounds; round++ {
		sub := template.Clone()

		existing, err := repo.GetByEmail(ctx, sub.Email)
		switch {
		case errors.Is(err, models.ErrSubscriptionNotFound):
			err = repo.Insert(ctx, sub)
			if err == nil {
				return &models.AddResult{Outcome: models.OutcomeNew, ID: sub.ID, Backend: repo.Name()}, nil
			}
			if !errors.Is(err, models.ErrDuplicateEmail) {
				return nil, storageError(repo, "insert", err)
			}
		case err != nil:
			return nil, storageError(repo, "get", err)
		case existing.IsActive():
			return &models.AddResult{Outcome: models.OutcomeAlreadyActive, ID: existing.ID, Backend: repo.Name()}, nil
		default:
			ok, err := repo.Reactivate(ctx, sub)
			if err != nil {
				return nil, storageError(repo, "reactivate", err)
			}
			if ok {
				return &models.AddResult{Outcome: models.OutcomeReactivated, ID: sub.ID, Backend: repo.Name()}, nil
			}
		}
	}
	return nil, storageError(repo, "add", errWriteContention)
}

func (s *SubscriptionService) forward(ctx context.Context, repo repository.SubscriptionRepository, sub *models.Subscription) {
	if !s.chain.Enabled() {
		return
	}

	res, err := s.chain.Forward(ctx, forwarder.Request{
		Email:     sub.Email,
		FirstName: sub.FirstName,
		LastName:  sub.LastName,
		Tags:      sub.Tags,
		Source:    sub.Source,
	})
	if err != nil {
		s.logger.WarnWithTracing(ctx, "Failed to forward subscription", logrus.Fields{
			"email": sub.Email,
			"error": err.Error(),
		})
		return
	}

	if err := repo.SetProvider(ctx, sub.Email, res.Provider, res.ProviderID); err != nil {
		s.logger.WarnWithTracing(ctx, "Failed to record provider id", logrus.Fields{
			"email":       sub.Email,
			"provider":    res.Provider,
			"provider_id": res.ProviderID,
			"error":       err.Error(),
		})
		return
	}

	s.logger.InfoWithTracing(ctx, "Subscription forwarded", logrus.Fields{
		"email":       sub.Email,
		"provider":    res.Provider,
		"provider_id": res.ProviderID,
	})
}

// Unsubscribe returns false when no record exists for email. Unsubscribing
// an already unsubscribed email succeeds without change.
func (s *SubscriptionService) Unsubscribe(ctx context.Context, email string) (bool, error) {
	email = models.NormalizeEmail(email)
	ctx, span := s.tracer.Start(ctx, "subscription.service.unsubscribe",
		trace.WithAttributes(attribute.String("subscription.email", email)))
	defer span.End()

	if email == "" {
		return false, ErrInvalidEmail
	}

	found, err := withFallback(ctx, s, "unsubscribe", func(repo repository.SubscriptionRepository) (bool, error) {
		return repo.Unsubscribe(ctx, email)
	})
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, "storage failure")
		return false, err
	}

	span.SetAttributes(attribute.Bool("found", found))
	if found {
		s.logger.InfoWithTracing(ctx, "Email unsubscribed", logrus.Fields{"email": email})
		s.invalidateStats(ctx)
	}
	return found, nil
}

func (s *SubscriptionService) GetStats(ctx context.Context) (*models.Stats, error) {
	ctx, span := s.tracer.Start(ctx, "subscription.service.stats")
	defer span.End()

	return withFallback(ctx, s, "stats", func(repo repository.SubscriptionRepository) (*models.Stats, error) {
		return repo.Stats(ctx)
	})
}

// ListRecent returns active subscriptions, newest first.
func (s *SubscriptionService) ListRecent(ctx context.Context, limit int) ([]*models.Subscription, error) {
	limit = clampLimit(limit, DefaultRecentLimit)
	ctx, span := s.tracer.Start(ctx, "subscription.service.list_recent",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	return withFallback(ctx, s, "list_recent", func(repo repository.SubscriptionRepository) ([]*models.Subscription, error) {
		return repo.ListRecent(ctx, limit)
	})
}

func (s *SubscriptionService) ExportActiveEmails(ctx context.Context) ([]string, error) {
	ctx, span := s.tracer.Start(ctx, "subscription.service.export")
	defer span.End()

	emails, err := withFallback(ctx, s, "active_emails", func(repo repository.SubscriptionRepository) ([]string, error) {
		return repo.ActiveEmails(ctx)
	})
	if err != nil {
		return nil, err
	}
	span.SetAttributes(attribute.Int("subscription.count", len(emails)))
	return emails, nil
}

func (s *SubscriptionService) Search(ctx context.Context, query string, limit int) ([]*models.Subscription, error) {
	limit = clampLimit(limit, DefaultSearchLimit)
	query = strings.TrimSpace(query)
	ctx, span := s.tracer.Start(ctx, "subscription.service.search",
		trace.WithAttributes(
			attribute.String("query", query),
			attribute.Int("limit", limit),
		))
	defer span.End()

	return withFallback(ctx, s, "search", func(repo repository.SubscriptionRepository) ([]*models.Subscription, error) {
		return repo.Search(ctx, query, limit)
	})
}

func clampLimit(limit, fallback int) int {
	switch {
	case limit <= 0:
		return fallback
	case limit > MaxListLimit:
		return MaxListLimit
	}
	return limit
}

// Report builds the admin view. It is cached until the next write or until
// the stats TTL runs out.
func (s *SubscriptionService) Report(ctx context.Context, recentLimit int) (*models.StatsReport, error) {
	recentLimit = clampLimit(recentLimit, DefaultRecentLimit)
	ctx, span := s.tracer.Start(ctx, "subscription.service.report",
		trace.WithAttributes(attribute.Int("recent.limit", recentLimit)))
	defer span.End()

	key := cache.GenerateStatsKey(recentLimit)
	if s.cache != nil {
		report, err := s.cache.Get(ctx, key)
		if err == nil {
			span.SetAttributes(attribute.Bool("cache.hit", true))
			return report, nil
		}
		if !errors.Is(err, cache.ErrCacheMiss) {
			s.logger.WarnWithTracing(ctx, "Failed to read stats cache", logrus.Fields{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	span.SetAttributes(attribute.Bool("cache.hit", false))

	stats, err := s.GetStats(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	recent, err := s.ListRecent(ctx, recentLimit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	emails, err := s.ExportActiveEmails(ctx)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	report := &models.StatsReport{
		Stats:       stats,
		Recent:      make([]models.RecentSubscription, 0, len(recent)),
		EmailList:   emails,
		TotalEmails: len(emails),
		GeneratedAt: time.Now().UTC(),
	}
	for _, sub := range recent {
		report.Recent = append(report.Recent, models.RecentSubscription{
			Email:     sub.Email,
			Timestamp: sub.CreatedAt,
			Source:    sub.Source,
		})
	}

	if s.cache != nil && s.statsTTL > 0 {
		if err := s.cache.Set(ctx, key, report, s.statsTTL); err != nil {
			s.logger.WarnWithTracing(ctx, "Failed to cache stats report", logrus.Fields{
				"key":   key,
				"error": err.Error(),
			})
		}
	}
	return report, nil
}

// SyncPending forwards active subscriptions that no provider has accepted yet.
func (s *SubscriptionService) SyncPending(ctx context.Context, limit int) (*models.SyncSummary, error) {
	if limit <= 0 {
		limit = DefaultSyncLimit
	}
	ctx, span := s.tracer.Start(ctx, "subscription.service.sync",
		trace.WithAttributes(attribute.Int("limit", limit)))
	defer span.End()

	if !s.chain.Enabled() {
		return nil, forwarder.ErrNoProviders
	}

	pending, err := s.primary.ListUnsynced(ctx, limit)
	if err != nil {
		err = storageError(s.primary, "list_unsynced", err)
		span.RecordError(err)
		return nil, err
	}

	summary := &models.SyncSummary{}
	for _, sub := range pending {
		if ctx.Err() != nil {
			break
		}
		summary.Attempted++

		res, err := s.chain.Forward(ctx, forwarder.Request{
			Email:     sub.Email,
			FirstName: sub.FirstName,
			LastName:  sub.LastName,
			Tags:      sub.Tags,
			Source:    sub.Source,
		})
		if err != nil {
			summary.Failed++
			s.logger.WarnWithTracing(ctx, "Failed to forward pending subscription", logrus.Fields{
				"email": sub.Email,
				"error": err.Error(),
			})
			continue
		}
		if err := s.primary.SetProvider(ctx, sub.Email, res.Provider, res.ProviderID); err != nil {
			summary.Failed++
			s.logger.ErrorWithTracing(ctx, "Failed to record provider id", err, logrus.Fields{
				"email":    sub.Email,
				"provider": res.Provider,
			})
			continue
		}
		summary.Forwarded++
	}

	span.SetAttributes(
		attribute.Int("sync.attempted", summary.Attempted),
		attribute.Int("sync.forwarded", summary.Forwarded),
		attribute.Int("sync.failed", summary.Failed),
	)
	s.logger.InfoWithTracing(ctx, "Pending subscriptions synced", logrus.Fields{
		"attempted": summary.Attempted,
		"forwarded": summary.Forwarded,
		"failed":    summary.Failed,
	})
	if summary.Forwarded > 0 {
		s.invalidateStats(ctx)
	}
	return summary, nil
}

func (s *SubscriptionService) invalidateStats(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Clear(ctx); err != nil {
		s.logger.WarnWithTracing(ctx, "Failed to invalidate stats cache", logrus.Fields{
			"error": err.Error(),
		})
	}
}

// withFallback runs fn on the primary store and, when that faults and a
// fallback is configured, once more on the fallback.
func withFallback[T any](ctx context.Context, s *SubscriptionService, op string, fn func(repository.SubscriptionRepository) (T, error)) (T, error) {
	out, err := fn(s.primary)
	if err == nil {
		return out, nil
	}
	primaryErr := storageError(s.primary, op, err)
	if s.fallback == nil {
		return out, primaryErr
	}

	s.logger.ErrorWithTracing(ctx, "Primary store failed, using fallback", primaryErr, logrus.Fields{
		"operation": op,
		"fallback":  s.fallback.Name(),
	})
	out, err = fn(s.fallback)
	if err != nil {
		return out, storageError(s.fallback, op, err)
	}
	return out, nil
}

func storageError(repo repository.SubscriptionRepository, op string, err error) error {
	var serr *models.StorageError
	if errors.As(err, &serr) {
		return serr
	}
	return &models.StorageError{Backend: repo.Name(), Op: op, Err: err}
}
