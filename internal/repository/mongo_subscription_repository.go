package repository

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"time"

	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/models"
)

const (
	subscriptionsCollection = "email_subscriptions"
	countersCollection      = "counters"
)

type MongoSubscriptionRepository struct {
	collection *mongo.Collection
	counters   *mongo.Collection
	tracer     trace.Tracer
}

// NewMongoSubscriptionRepository ensures the unique email index and the
// status/source/created_at indexes exist before returning.
func NewMongoSubscriptionRepository(ctx context.Context, db *mongo.Database) (*MongoSubscriptionRepository, error) {
	collection := db.Collection(subscriptionsCollection)

	indexes := []mongo.IndexModel{
		{Keys: bson.D{{Key: "email", Value: 1}}, Options: options.Index().SetUnique(true)},
		{Keys: bson.D{{Key: "status", Value: 1}}},
		{Keys: bson.D{{Key: "source", Value: 1}}},
		{Keys: bson.D{{Key: "created_at", Value: -1}}},
	}
	if _, err := collection.Indexes().CreateMany(ctx, indexes); err != nil {
		return nil, fmt.Errorf("create subscription indexes: %w", err)
	}

	return &MongoSubscriptionRepository{
		collection: collection,
		counters:   db.Collection(countersCollection),
		tracer:     otel.Tracer("subscription-repository"),
	}, nil
}

func (r *MongoSubscriptionRepository) Name() string {
	return "mongo"
}

func (r *MongoSubscriptionRepository) Ping(ctx context.Context) error {
	return r.collection.Database().Client().Ping(ctx, nil)
}

// nextID hands out monotonically increasing ids from the counters collection.
func (r *MongoSubscriptionRepository) nextID(ctx context.Context) (int64, error) {
	var counter struct {
		Seq int64 `bson:"seq"`
	}
	err := r.counters.FindOneAndUpdate(ctx,
		bson.M{"_id": subscriptionsCollection},
		bson.M{"$inc": bson.M{"seq": int64(1)}},
		options.FindOneAndUpdate().SetUpsert(true).SetReturnDocument(options.After),
	).Decode(&counter)
	if err != nil {
		return 0, err
	}
	return counter.Seq, nil
}

func (r *MongoSubscriptionRepository) Insert(ctx context.Context, sub *models.Subscription) error {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.insert", r.Name(), "database.write",
		attribute.String("subscription.email", sub.Email))
	defer span.End()

	id, err := r.nextID(ctx)
	if err != nil {
		span.RecordError(err)
		return err
	}

	now := time.Now().UTC().Truncate(time.Millisecond)
	doc := sub.Clone()
	doc.ID = id
	doc.CreatedAt = now
	doc.UpdatedAt = now
	if doc.SubscribedAt.IsZero() {
		doc.SubscribedAt = now
	}

	if _, err := r.collection.InsertOne(ctx, doc); err != nil {
		if mongo.IsDuplicateKeyError(err) {
			span.SetAttributes(attribute.Bool("duplicate", true))
			return models.ErrDuplicateEmail
		}
		span.RecordError(err)
		return err
	}

	sub.ID = doc.ID
	sub.CreatedAt = doc.CreatedAt
	sub.UpdatedAt = doc.UpdatedAt
	sub.SubscribedAt = doc.SubscribedAt
	span.SetAttributes(attribute.Int64("subscription.id", sub.ID), attribute.Bool("success", true))
	return nil
}

func (r *MongoSubscriptionRepository) GetByEmail(ctx context.Context, email string) (*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.get_by_email", r.Name(), "database.read",
		attribute.String("subscription.email", email))
	defer span.End()

	var sub models.Subscription
	if err := r.collection.FindOne(ctx, bson.M{"email": email}).Decode(&sub); err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			span.SetAttributes(attribute.Bool("found", false))
			return nil, models.ErrSubscriptionNotFound
		}
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Bool("found", true))
	return &sub, nil
}

func (r *MongoSubscriptionRepository) Reactivate(ctx context.Context, sub *models.Subscription) (bool, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.reactivate", r.Name(), "database.write",
		attribute.String("subscription.email", sub.Email))
	defer span.End()

	update := bson.M{"$set": bson.M{
		"status":        models.StatusActive,
		"source":        sub.Source,
		"ip":            sub.IP,
		"user_agent":    sub.UserAgent,
		"first_name":    sub.FirstName,
		"last_name":     sub.LastName,
		"tags":          sub.Tags,
		"subscribed_at": sub.SubscribedAt,
		"updated_at":    time.Now().UTC().Truncate(time.Millisecond),
	}}

	var updated models.Subscription
	err := r.collection.FindOneAndUpdate(ctx,
		bson.M{"email": sub.Email, "status": models.StatusUnsubscribed},
		update,
		options.FindOneAndUpdate().SetReturnDocument(options.After),
	).Decode(&updated)
	if err != nil {
		if errors.Is(err, mongo.ErrNoDocuments) {
			span.SetAttributes(attribute.Bool("success", false))
			return false, nil
		}
		span.RecordError(err)
		return false, err
	}

	*sub = updated
	span.SetAttributes(attribute.Int64("subscription.id", sub.ID), attribute.Bool("success", true))
	return true, nil
}

func (r *MongoSubscriptionRepository) Unsubscribe(ctx context.Context, email string) (bool, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.unsubscribe", r.Name(), "database.write",
		attribute.String("subscription.email", email))
	defer span.End()

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"email": email, "status": models.StatusActive},
		bson.M{"$set": bson.M{
			"status":     models.StatusUnsubscribed,
			"updated_at": time.Now().UTC().Truncate(time.Millisecond),
		}},
	)
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	if res.MatchedCount > 0 {
		span.SetAttributes(attribute.Bool("found", true))
		return true, nil
	}

	// Nothing active matched: report whether an unsubscribed record exists.
	count, err := r.collection.CountDocuments(ctx, bson.M{"email": email}, options.Count().SetLimit(1))
	if err != nil {
		span.RecordError(err)
		return false, err
	}
	span.SetAttributes(attribute.Bool("found", count > 0))
	return count > 0, nil
}

func (r *MongoSubscriptionRepository) SetProvider(ctx context.Context, email, provider, providerID string) error {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.set_provider", r.Name(), "database.write",
		attribute.String("subscription.email", email),
		attribute.String("provider", provider))
	defer span.End()

	res, err := r.collection.UpdateOne(ctx,
		bson.M{"email": email},
		bson.M{"$set": bson.M{
			"provider":    provider,
			"provider_id": providerID,
			"updated_at":  time.Now().UTC().Truncate(time.Millisecond),
		}},
	)
	if err != nil {
		span.RecordError(err)
		return err
	}
	if res.MatchedCount == 0 {
		return models.ErrSubscriptionNotFound
	}
	return nil
}

func (r *MongoSubscriptionRepository) Stats(ctx context.Context) (*models.Stats, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.stats", r.Name(), "database.read")
	defer span.End()

	pipeline := mongo.Pipeline{
		{{Key: "$group", Value: bson.D{
			{Key: "_id", Value: bson.D{{Key: "source", Value: "$source"}, {Key: "status", Value: "$status"}}},
			{Key: "count", Value: bson.D{{Key: "$sum", Value: 1}}},
		}}},
	}
	cursor, err := r.collection.Aggregate(ctx, pipeline)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	var groups []struct {
		ID struct {
			Source string                    `bson:"source"`
			Status models.SubscriptionStatus `bson:"status"`
		} `bson:"_id"`
		Count int `bson:"count"`
	}
	if err := cursor.All(ctx, &groups); err != nil {
		span.RecordError(err)
		return nil, err
	}

	stats := &models.Stats{BySource: make(map[string]int)}
	for _, g := range groups {
		stats.Total += g.Count
		stats.BySource[g.ID.Source] += g.Count
		switch g.ID.Status {
		case models.StatusActive:
			stats.Active += g.Count
		case models.StatusUnsubscribed:
			stats.Unsubscribed += g.Count
		}
	}

	now := time.Now().UTC()
	recent, err := r.collection.Find(ctx,
		bson.M{"created_at": bson.M{"$gte": now.Add(-models.DailyWindow)}},
		options.Find().SetProjection(bson.M{"created_at": 1}),
	)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	var created []struct {
		CreatedAt time.Time `bson:"created_at"`
	}
	if err := recent.All(ctx, &created); err != nil {
		span.RecordError(err)
		return nil, err
	}
	times := make([]time.Time, 0, len(created))
	for _, c := range created {
		times = append(times, c.CreatedAt)
	}
	stats.Daily = models.DailyCounts(times, now)

	span.SetAttributes(attribute.Int("subscription.count", stats.Total))
	return stats, nil
}

var newestSort = bson.D{{Key: "created_at", Value: -1}, {Key: "_id", Value: -1}}

func (r *MongoSubscriptionRepository) ListRecent(ctx context.Context, limit int) ([]*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.list_recent", r.Name(), "database.read",
		attribute.Int("limit", limit))
	defer span.End()

	opts := options.Find().SetSort(newestSort).SetLimit(int64(limit))
	return r.find(ctx, span, bson.M{"status": models.StatusActive}, opts)
}

func (r *MongoSubscriptionRepository) ActiveEmails(ctx context.Context) ([]string, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.active_emails", r.Name(), "database.read")
	defer span.End()

	opts := options.Find().SetSort(newestSort).SetProjection(bson.M{"email": 1})
	subs, err := r.find(ctx, span, bson.M{"status": models.StatusActive}, opts)
	if err != nil {
		return nil, err
	}
	emails := make([]string, 0, len(subs))
	for _, sub := range subs {
		emails = append(emails, sub.Email)
	}
	return emails, nil
}

func (r *MongoSubscriptionRepository) Search(ctx context.Context, query string, limit int) ([]*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.search", r.Name(), "database.read",
		attribute.String("query", query),
		attribute.Int("limit", limit))
	defer span.End()

	pattern := bson.M{"$regex": regexp.QuoteMeta(query), "$options": "i"}
	filter := bson.M{
		"status": models.StatusActive,
		"$or": bson.A{
			bson.M{"email": pattern},
			bson.M{"first_name": pattern},
			bson.M{"last_name": pattern},
			bson.M{"source": pattern},
		},
	}
	opts := options.Find().SetSort(newestSort).SetLimit(int64(limit))
	return r.find(ctx, span, filter, opts)
}

func (r *MongoSubscriptionRepository) ListUnsynced(ctx context.Context, limit int) ([]*models.Subscription, error) {
	ctx, span := startSpan(ctx, r.tracer, "subscription.repository.list_unsynced", r.Name(), "database.read",
		attribute.Int("limit", limit))
	defer span.End()

	filter := bson.M{
		"status": models.StatusActive,
		"$or": bson.A{
			bson.M{"provider_id": bson.M{"$exists": false}},
			bson.M{"provider_id": ""},
		},
	}
	opts := options.Find().
		SetSort(bson.D{{Key: "created_at", Value: 1}, {Key: "_id", Value: 1}}).
		SetLimit(int64(limit))
	return r.find(ctx, span, filter, opts)
}

func (r *MongoSubscriptionRepository) find(ctx context.Context, span trace.Span, filter any, opts *options.FindOptions) ([]*models.Subscription, error) {
	cursor, err := r.collection.Find(ctx, filter, opts)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	subs := make([]*models.Subscription, 0)
	if err := cursor.All(ctx, &subs); err != nil {
		span.RecordError(err)
		return nil, err
	}

	span.SetAttributes(attribute.Int("subscription.count", len(subs)))
	return subs, nil
}
