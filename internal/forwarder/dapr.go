package forwarder

import (
	"context"
	"time"

	dapr "github.com/dapr/go-sdk/client"
	"github.com/google/uuid"
)

// EventPublisher is the slice of the Dapr client the provider needs.
type EventPublisher interface {
	PublishEvent(ctx context.Context, pubsubName, topicName string, data interface{}, opts ...dapr.PublishEventOption) error
}

// SubscriptionEvent is the payload published for every accepted subscription.
type SubscriptionEvent struct {
	EventID    string    `json:"eventId"`
	Email      string    `json:"email"`
	FirstName  string    `json:"firstName,omitempty"`
	LastName   string    `json:"lastName,omitempty"`
	Tags       []string  `json:"tags,omitempty"`
	Source     string    `json:"source,omitempty"`
	AcceptedAt time.Time `json:"acceptedAt"`
}

// DaprPubSub hands the subscription to whatever consumes the topic behind the
// Dapr sidecar. The published event id doubles as the provider id.
type DaprPubSub struct {
	Publisher  EventPublisher
	PubSubName string
	Topic      string
}

func (p *DaprPubSub) Name() string { return DaprName }

func (p *DaprPubSub) Attempt(ctx context.Context, req Request) (Result, error) {
	event := SubscriptionEvent{
		EventID:    uuid.NewString(),
		Email:      req.Email,
		FirstName:  req.FirstName,
		LastName:   req.LastName,
		Tags:       req.Tags,
		Source:     req.Source,
		AcceptedAt: time.Now().UTC(),
	}

	err := p.Publisher.PublishEvent(ctx, p.PubSubName, p.Topic, event,
		dapr.PublishEventWithContentType("application/json"),
		dapr.PublishEventWithMetadata(map[string]string{"cloudevent.id": event.EventID}),
	)
	if err != nil {
		return Result{}, err
	}
	return Result{Provider: DaprName, ProviderID: event.EventID}, nil
}
