package repository

import (
	"context"
	"sort"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/models"
)

// SubscriptionRepository is one storage backend for subscriptions.
// Implementations enforce email uniqueness themselves and must be safe for
// concurrent use.
type SubscriptionRepository interface {
	Name() string
	Ping(ctx context.Context) error

	// Insert stores a new record and fills ID and timestamps.
	// Returns models.ErrDuplicateEmail when the email is taken.
	Insert(ctx context.Context, sub *models.Subscription) error
	GetByEmail(ctx context.Context, email string) (*models.Subscription, error)
	// Reactivate flips an unsubscribed record back to active and refreshes its
	// metadata. It returns false when no unsubscribed record matched.
	Reactivate(ctx context.Context, sub *models.Subscription) (bool, error)
	// Unsubscribe returns false when no record exists for email.
	Unsubscribe(ctx context.Context, email string) (bool, error)
	SetProvider(ctx context.Context, email, provider, providerID string) error

	Stats(ctx context.Context) (*models.Stats, error)
	ListRecent(ctx context.Context, limit int) ([]*models.Subscription, error)
	ActiveEmails(ctx context.Context) ([]string, error)
	Search(ctx context.Context, query string, limit int) ([]*models.Subscription, error)
	// ListUnsynced returns active records no provider has accepted yet, oldest first.
	ListUnsynced(ctx context.Context, limit int) ([]*models.Subscription, error)
}

func startSpan(ctx context.Context, tracer trace.Tracer, name, backend, operation string, attrs ...attribute.KeyValue) (context.Context, trace.Span) {
	attrs = append(attrs,
		attribute.String("operation", operation),
		attribute.String("storage.backend", backend),
	)
	return tracer.Start(ctx, name, trace.WithAttributes(attrs...))
}

type InMemorySubscriptionRepository struct {
	mu            sync.RWMutex
	subscriptions map[string]*models.Subscription
	nextID        int64
	now           func() time.Time
	tracer        trace.Tracer
}

func NewInMemorySubscriptionRepository() *InMemorySubscriptionRepository {
	return &InMemorySubscriptionRepository{
		subscriptions: make(map[string]*models.Subscription),
		nextID:        1,
		now:           func() time.Time { return time.Now().UTC() },
		tracer:        otel.Tracer("subscription-repository"),
	}
}

func (r *InMemorySubscriptionRepository) Name() string {
	return "memory"
}

func (r *InMemorySubscriptionRepository) Ping(ctx context.Context) error {
	return nil
}

func (r *InMemorySubscriptionRepository) Insert(ctx context.Context, sub *models.Subscription) error {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.insert", r.Name(), "database.write",
		attribute.String("subscription.email", sub.Email))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.subscriptions[sub.Email]; exists {
		span.SetAttributes(attribute.Bool("duplicate", true))
		return models.ErrDuplicateEmail
	}

	now := r.now()
	sub.ID = r.nextID
	r.nextID++
	sub.CreatedAt = now
	sub.UpdatedAt = now
	if sub.SubscribedAt.IsZero() {
		sub.SubscribedAt = now
	}

	r.subscriptions[sub.Email] = sub.Clone()
	span.SetAttributes(attribute.Int64("subscription.id", sub.ID), attribute.Bool("success", true))
	return nil
}

func (r *InMemorySubscriptionRepository) GetByEmail(ctx context.Context, email string) (*models.Subscription, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.get_by_email", r.Name(), "database.read",
		attribute.String("subscription.email", email))
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	sub, exists := r.subscriptions[email]
	if !exists {
		span.SetAttributes(attribute.Bool("found", false))
		return nil, models.ErrSubscriptionNotFound
	}

	span.SetAttributes(attribute.Bool("found", true))
	return sub.Clone(), nil
}

func (r *InMemorySubscriptionRepository) Reactivate(ctx context.Context, sub *models.Subscription) (bool, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.reactivate", r.Name(), "database.write",
		attribute.String("subscription.email", sub.Email))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.subscriptions[sub.Email]
	if !exists || existing.Status != models.StatusUnsubscribed {
		span.SetAttributes(attribute.Bool("success", false))
		return false, nil
	}

	existing.Status = models.StatusActive
	existing.Source = sub.Source
	existing.FirstName = sub.FirstName
	existing.LastName = sub.LastName
	existing.Tags = append([]string(nil), sub.Tags...)
	existing.IP = sub.IP
	existing.UserAgent = sub.UserAgent
	existing.SubscribedAt = sub.SubscribedAt
	existing.UpdatedAt = r.now()

	sub.ID = existing.ID
	sub.Status = existing.Status
	sub.CreatedAt = existing.CreatedAt
	sub.UpdatedAt = existing.UpdatedAt
	sub.Provider = existing.Provider
	sub.ProviderID = existing.ProviderID

	span.SetAttributes(attribute.Int64("subscription.id", existing.ID), attribute.Bool("success", true))
	return true, nil
}

func (r *InMemorySubscriptionRepository) Unsubscribe(ctx context.Context, email string) (bool, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.unsubscribe", r.Name(), "database.write",
		attribute.String("subscription.email", email))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.subscriptions[email]
	if !exists {
		span.SetAttributes(attribute.Bool("found", false))
		return false, nil
	}
	if existing.Status != models.StatusUnsubscribed {
		existing.Status = models.StatusUnsubscribed
		existing.UpdatedAt = r.now()
	}

	span.SetAttributes(attribute.Bool("found", true))
	return true, nil
}

func (r *InMemorySubscriptionRepository) SetProvider(ctx context.Context, email, provider, providerID string) error {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.set_provider", r.Name(), "database.write",
		attribute.String("subscription.email", email),
		attribute.String("provider", provider))
	defer span.End()

	r.mu.Lock()
	defer r.mu.Unlock()

	existing, exists := r.subscriptions[email]
	if !exists {
		return models.ErrSubscriptionNotFound
	}
	existing.Provider = provider
	existing.ProviderID = providerID
	existing.UpdatedAt = r.now()
	return nil
}

func (r *InMemorySubscriptionRepository) Stats(ctx context.Context) (*models.Stats, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.stats", r.Name(), "database.read")
	defer span.End()

	r.mu.RLock()
	defer r.mu.RUnlock()

	stats := &models.Stats{BySource: make(map[string]int)}
	created := make([]time.Time, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		stats.Total++
		switch sub.Status {
		case models.StatusActive:
			stats.Active++
		case models.StatusUnsubscribed:
			stats.Unsubscribed++
		}
		stats.BySource[sub.Source]++
		created = append(created, sub.CreatedAt)
	}
	stats.Daily = models.DailyCounts(created, r.now())

	span.SetAttributes(attribute.Int("subscription.count", stats.Total))
	return stats, nil
}

func (r *InMemorySubscriptionRepository) ListRecent(ctx context.Context, limit int) ([]*models.Subscription, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.list_recent", r.Name(), "database.read",
		attribute.Int("limit", limit))
	defer span.End()

	return r.collect(func(s *models.Subscription) bool { return s.IsActive() }, newestFirst, limit), nil
}

func (r *InMemorySubscriptionRepository) ActiveEmails(ctx context.Context) ([]string, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.active_emails", r.Name(), "database.read")
	defer span.End()

	active := r.collect(func(s *models.Subscription) bool { return s.IsActive() }, newestFirst, 0)
	emails := make([]string, 0, len(active))
	for _, sub := range active {
		emails = append(emails, sub.Email)
	}
	span.SetAttributes(attribute.Int("subscription.count", len(emails)))
	return emails, nil
}

func (r *InMemorySubscriptionRepository) Search(ctx context.Context, query string, limit int) ([]*models.Subscription, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.search", r.Name(), "database.read",
		attribute.String("query", query),
		attribute.Int("limit", limit))
	defer span.End()

	q := strings.ToLower(query)
	return r.collect(func(s *models.Subscription) bool {
		return s.IsActive() && s.MatchesQuery(q)
	}, newestFirst, limit), nil
}

func (r *InMemorySubscriptionRepository) ListUnsynced(ctx context.Context, limit int) ([]*models.Subscription, error) {
	_, span := startSpan(ctx, r.tracer, "subscription.repository.list_unsynced", r.Name(), "database.read",
		attribute.Int("limit", limit))
	defer span.End()

	return r.collect(func(s *models.Subscription) bool {
		return s.IsActive() && s.ProviderID == ""
	}, oldestFirst, limit), nil
}

func newestFirst(a, b *models.Subscription) bool {
	if a.CreatedAt.Equal(b.CreatedAt) {
		return a.ID > b.ID
	}
	return a.CreatedAt.After(b.CreatedAt)
}

func oldestFirst(a, b *models.Subscription) bool {
	return newestFirst(b, a)
}

// collect copies matching records out under the read lock, sorted by less,
// truncated to limit when limit > 0.
func (r *InMemorySubscriptionRepository) collect(match func(*models.Subscription) bool, less func(a, b *models.Subscription) bool, limit int) []*models.Subscription {
	r.mu.RLock()
	out := make([]*models.Subscription, 0, len(r.subscriptions))
	for _, sub := range r.subscriptions {
		if match(sub) {
			out = append(out, sub.Clone())
		}
	}
	r.mu.RUnlock()

	sort.Slice(out, func(i, j int) bool { return less(out[i], out[j]) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out
}
