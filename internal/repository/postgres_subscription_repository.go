package repository

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/models"
)

const pgUniqueViolation = "23505"

const subscriptionColumns = `
        id, email, status, source,
        COALESCE(ip, ''), COALESCE(user_agent, ''),
        COALESCE(first_name, ''), COALESCE(last_name, ''), tags,
        COALESCE(provider, ''), COALESCE(provider_id, ''),
        subscribed_at, created_at, updated_at`

type PostgresSubscriptionRepository struct {
	pool   *pgxpool.Pool
	tracer trace.Tracer
}

// NewPostgresSubscriptionRepository returns a Postgres-backed implementation
// over the email_subscriptions table.
func NewPostgresSubscriptionRepository(pool *pgxpool.Pool) *PostgresSubscriptionRepository {
	return &PostgresSubscriptionRepository{
		pool:   pool,
		tracer: otel.Tracer("subscription-repository"),
	}
}

func (r *PostgresSubscriptionRepository) Name() string {
	return "postgres"
}

func (r *PostgresSubscriptionRepository) Ping(ctx context.Context) error {
	return r.pool.Ping(ctx)
}

func (r *PostgresSubscriptionRepository) Insert(ctx context.Context, sub *models.Subscription) error {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.insert", r.Name(), "database.write",
		attribute.String("subscription.email", sub.Email))
	defer span.End()

	const query = `
        INSERT INTO email_subscriptions (
            email, status, source, ip, user_agent,
            first_name, last_name, tags, subscribed_at
        ) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
        RETURNING id, created_at, updated_at`

	err := r.pool.QueryRow(ctx, query,
		sub.Email,
		sub.Status,
		sub.Source,
		nullable(sub.IP),
		nullable(sub.UserAgent),
		nullable(sub.FirstName),
		nullable(sub.LastName),
		tagsOrEmpty(sub.Tags),
		sub.SubscribedAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt)
	if err != nil {
		if isUniqueViolation(err) {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return models.ErrDuplicateEmail
		}
		span.RecordError(err)
		return err
	}

	span.SetAttributes(attribute.Int64("subscription.id", sub.ID), attribute.Bool("success", true))
	return nil
}

func (r *PostgresSubscriptionRepository) GetByEmail(ctx context.Context, email string) (*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.get_by_email", r.Name(), "database.read",
		attribute.String("subscription.email", email))
	defer span.End()

	query := `SELECT` + subscriptionColumns + ` FROM email_subscriptions WHERE email=$1`

	sub, err := scanSubscription(r.pool.QueryRow(ctx, query, email))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, models.ErrSubscriptionNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("found", true))
	return sub, nil
}

func (r *PostgresSubscriptionRepository) Reactivate(ctx context.Context, sub *models.Subscription) (bool, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.reactivate", r.Name(), "database.write",
		attribute.String("subscription.email", sub.Email))
	defer span.End()

	const query = `
        UPDATE email_subscriptions
        SET status='active', source=$2, ip=$3, user_agent=$4,
            first_name=$5, last_name=$6, tags=$7, subscribed_at=$8, updated_at=NOW()
        WHERE email=$1 AND status='unsubscribed'
        RETURNING id, created_at, updated_at, COALESCE(provider, ''), COALESCE(provider_id, '')`

	err := r.pool.QueryRow(ctx, query,
		sub.Email,
		sub.Source,
		nullable(sub.IP),
		nullable(sub.UserAgent),
		nullable(sub.FirstName),
		nullable(sub.LastName),
		tagsOrEmpty(sub.Tags),
		sub.SubscribedAt,
	).Scan(&sub.ID, &sub.CreatedAt, &sub.UpdatedAt, &sub.Provider, &sub.ProviderID)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			span.SetAttributes(attribute.Bool("success", false))
			return false, nil
		}
		span.RecordError(err)
		return false, err
	}

	sub.Status = models.StatusActive
	span.SetAttributes(attribute.Int64("subscription.id", sub.ID), attribute.Bool("success", true))
	return true, nil
}

func (r *PostgresSubscriptionRepository) Unsubscribe(ctx context.Context, email string) (bool, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.unsubscribe", r.Name(), "database.write",
		attribute.String("subscription.email", email))
	defer span.End()

	// Already-unsubscribed rows still match so the call reports true, but keep their updated_at.
	const query = `
        UPDATE email_subscriptions
        SET updated_at = CASE WHEN status='unsubscribed' THEN updated_at ELSE NOW() END,
            status='unsubscribed'
        WHERE email=$1`

	cmd, err := r.pool.Exec(ctx, query, email)
	if err != nil {
		span.RecordError(err)
		return false, err
	}

	found := cmd.RowsAffected() > 0
	span.SetAttributes(attribute.Bool("found", found))
	return found, nil
}

func (r *PostgresSubscriptionRepository) SetProvider(ctx context.Context, email, provider, providerID string) error {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.set_provider", r.Name(), "database.write",
		attribute.String("subscription.email", email),
		attribute.String("provider", provider))
	defer span.End()

	const query = `
        UPDATE email_subscriptions SET provider=$2, provider_id=$3, updated_at=NOW()
        WHERE email=$1`

	cmd, err := r.pool.Exec(ctx, query, email, provider, providerID)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if cmd.RowsAffected() == 0 {
		return models.ErrSubscriptionNotFound
	}
	return nil
}

func (r *PostgresSubscriptionRepository) Stats(ctx context.Context) (*models.Stats, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.stats", r.Name(), "database.read")
	defer span.End()

	const totalsQuery = `
        SELECT COUNT(*),
               COUNT(*) FILTER (WHERE status='active'),
               COUNT(*) FILTER (WHERE status='unsubscribed')
        FROM email_subscriptions`

	stats := &models.Stats{BySource: make(map[string]int), Daily: []models.DailyCount{}}
	if err := r.pool.QueryRow(ctx, totalsQuery).Scan(&stats.Total, &stats.Active, &stats.Unsubscribed); err != nil {
		span.RecordError(err)
		return nil, err
	}

	const sourceQuery = `
        SELECT source, COUNT(*) FROM email_subscriptions
        GROUP BY source ORDER BY COUNT(*) DESC`

	rows, err := r.pool.Query(ctx, sourceQuery)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	for rows.Next() {
		var source string
		var count int
		if err := rows.Scan(&source, &count); err != nil {
			rows.Close()
			return nil, err
		}
		stats.BySource[source] = count
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	const dailyQuery = `
        SELECT TO_CHAR(created_at AT TIME ZONE 'UTC', 'YYYY-MM-DD') AS day, COUNT(*)
        FROM email_subscriptions
        WHERE created_at >= NOW() - INTERVAL '30 days'
        GROUP BY day ORDER BY day DESC`

	rows, err = r.pool.Query(ctx, dailyQuery)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()
	for rows.Next() {
		var day models.DailyCount
		if err := rows.Scan(&day.Date, &day.Count); err != nil {
			return nil, err
		}
		stats.Daily = append(stats.Daily, day)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}

	span.SetAttributes(attribute.Int("subscription.count", stats.Total))
	return stats, nil
}

func (r *PostgresSubscriptionRepository) ListRecent(ctx context.Context, limit int) ([]*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.list_recent", r.Name(), "database.read",
		attribute.Int("limit", limit))
	defer span.End()

	query := `SELECT` + subscriptionColumns + `
        FROM email_subscriptions WHERE status='active'
        ORDER BY created_at DESC, id DESC LIMIT $1`

	return r.querySubscriptions(ctx, span, query, limit)
}

func (r *PostgresSubscriptionRepository) ActiveEmails(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.active_emails", r.Name(), "database.read")
	defer span.End()

	const query = `
        SELECT email FROM email_subscriptions WHERE status='active'
        ORDER BY created_at DESC, id DESC`

	rows, err := r.pool.Query(ctx, query)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	emails, err := pgx.CollectRows(rows, pgx.RowTo[string])
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("subscription.count", len(emails)))
	return emails, nil
}

func (r *PostgresSubscriptionRepository) Search(ctx context.Context, query string, limit int) ([]*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.search", r.Name(), "database.read",
		attribute.String("query", query),
		attribute.Int("limit", limit))
	defer span.End()

	sql := `SELECT` + subscriptionColumns + `
        FROM email_subscriptions
        WHERE status='active' AND (
            email ILIKE $1 OR first_name ILIKE $1 OR last_name ILIKE $1 OR source ILIKE $1
        )
        ORDER BY created_at DESC, id DESC LIMIT $2`

	return r.querySubscriptions(ctx, span, sql, "%"+escapeLike(query)+"%", limit)
}

func (r *PostgresSubscriptionRepository) ListUnsynced(ctx context.Context, limit int) ([]*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.list_unsynced", r.Name(), "database.read",
		attribute.Int("limit", limit))
	defer span.End()

	query := `SELECT` + subscriptionColumns + `
        FROM email_subscriptions
        WHERE status='active' AND (provider_id IS NULL OR provider_id = '')
        ORDER BY created_at ASC, id ASC LIMIT $1`

	return r.querySubscriptions(ctx, span, query, limit)
}

func (r *PostgresSubscriptionRepository) querySubscriptions(ctx context.Context, span trace.Span, query string, args ...any) ([]*models.Subscription, error) {
	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	defer rows.Close()

	subs := make([]*models.Subscription, 0)
	for rows.Next() {
		sub, err := scanSubscription(rows)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		subs = append(subs, sub)
	}
	if err := rows.Err(); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("subscription.count", len(subs)))
	return subs, nil
}

func scanSubscription(row pgx.Row) (*models.Subscription, error) {
	var sub models.Subscription
	if err := row.Scan(
		&sub.ID,
		&sub.Email,
		&sub.Status,
		&sub.Source,
		&sub.IP,
		&sub.UserAgent,
		&sub.FirstName,
		&sub.LastName,
		&sub.Tags,
		&sub.Provider,
		&sub.ProviderID,
		&sub.SubscribedAt,
		&sub.CreatedAt,
		&sub.UpdatedAt,
	); err != nil {
		return nil, err
	}
	if len(sub.Tags) == 0 {
		sub.Tags = nil
	}
	return &sub, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == pgUniqueViolation
}

func nullable(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}

func tagsOrEmpty(tags []string) []string {
	if tags == nil {
		return []string{}
	}
	return tags
}

// escapeLike neutralizes LIKE wildcards so the query is matched literally.
func escapeLike(s string) string {
	out := make([]rune, 0, len(s))
	for _, r := range s {
		switch r {
		case '\\', '%', '_':
			out = append(out, '\\')
		}
		out = append(out, r)
	}
	return string(out)
}
