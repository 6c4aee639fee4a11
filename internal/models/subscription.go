package models

import (
	"errors"
	"strings"
	"time"
)

var (
	ErrSubscriptionNotFound = errors.New("subscription not found")
	ErrDuplicateEmail       = errors.New("subscription with this email already exists")
)

type SubscriptionStatus string

const (
	StatusActive       SubscriptionStatus = "active"
	StatusUnsubscribed SubscriptionStatus = "unsubscribed"
)

const DefaultSource = "newsletter-form"

type Subscription struct {
	ID           int64              `json:"id" bson:"_id"`
	Email        string             `json:"email" bson:"email"`
	Status       SubscriptionStatus `json:"status" bson:"status"`
	Source       string             `json:"source" bson:"source"`
	FirstName    string             `json:"firstName,omitempty" bson:"first_name,omitempty"`
	LastName     string             `json:"lastName,omitempty" bson:"last_name,omitempty"`
	Tags         []string           `json:"tags,omitempty" bson:"tags,omitempty"`
	Provider     string             `json:"provider,omitempty" bson:"provider,omitempty"`
	ProviderID   string             `json:"providerId,omitempty" bson:"provider_id,omitempty"`
	IP           string             `json:"ip,omitempty" bson:"ip,omitempty"`
	UserAgent    string             `json:"userAgent,omitempty" bson:"user_agent,omitempty"`
	SubscribedAt time.Time          `json:"subscribedAt" bson:"subscribed_at"`
	CreatedAt    time.Time          `json:"createdAt" bson:"created_at"`
	UpdatedAt    time.Time          `json:"updatedAt" bson:"updated_at"`
}

func (s *Subscription) IsActive() bool {
	return s.Status == StatusActive
}

// Clone returns a deep copy so callers never share the Tags slice with a store.
func (s *Subscription) Clone() *Subscription {
	if s == nil {
		return nil
	}
	c := *s
	if s.Tags != nil {
		c.Tags = append([]string(nil), s.Tags...)
	}
	return &c
}

// SubscriptionMeta is everything a caller knows about a sign-up besides the email.
type SubscriptionMeta struct {
	Source    string
	FirstName string
	LastName  string
	Tags      []string
	IP        string
	UserAgent string
}

// NewSubscription builds an active record for email. Timestamps are left to the store.
func NewSubscription(email string, meta SubscriptionMeta) *Subscription {
	source := strings.TrimSpace(meta.Source)
	if source == "" {
		source = DefaultSource
	}
	return &Subscription{
		Email:        NormalizeEmail(email),
		Status:       StatusActive,
		Source:       source,
		FirstName:    strings.TrimSpace(meta.FirstName),
		LastName:     strings.TrimSpace(meta.LastName),
		Tags:         NormalizeTags(meta.Tags),
		IP:           meta.IP,
		UserAgent:    meta.UserAgent,
		SubscribedAt: time.Now().UTC(),
	}
}

func NormalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

// NormalizeTags trims, drops empties and removes duplicates, keeping first-seen order.
func NormalizeTags(tags []string) []string {
	if len(tags) == 0 {
		return nil
	}
	seen := make(map[string]struct{}, len(tags))
	out := make([]string, 0, len(tags))
	for _, tag := range tags {
		tag = strings.TrimSpace(tag)
		if tag == "" {
			continue
		}
		if _, ok := seen[tag]; ok {
			continue
		}
		seen[tag] = struct{}{}
		out = append(out, tag)
	}
	if len(out) == 0 {
		return nil
	}
	return out
}

// MatchesQuery reports whether q (already lowercased) occurs in the email,
// names or source of s.
func (s *Subscription) MatchesQuery(q string) bool {
	for _, field := range []string{s.Email, s.FirstName, s.LastName, s.Source} {
		if strings.Contains(strings.ToLower(field), q) {
			return true
		}
	}
	return false
}
