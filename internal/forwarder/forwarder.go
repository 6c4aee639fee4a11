// Package forwarder replicates accepted subscriptions to external
// mailing-list providers. Forwarding is best effort: callers log a
// ForwardingError and carry on, the local subscription is never rolled back.
package forwarder

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
)

var ErrNoProviders = errors.New("no mailing-list providers configured")

// Request is what every provider receives for one email.
type Request struct {
	Email     string
	FirstName string
	LastName  string
	Tags      []string
	Source    string
	// Preferred names a provider to try first, overriding the chain order.
	Preferred string
}

// Result is the common outcome each provider adapter converts its response into.
type Result struct {
	Provider   string `json:"provider"`
	ProviderID string `json:"providerId,omitempty"`
}

type Provider interface {
	Name() string
	Attempt(ctx context.Context, req Request) (Result, error)
}

// ProviderError is one failed attempt.
type ProviderError struct {
	Provider string
	Err      error
}

func (e ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

// ForwardingError reports that no provider accepted the email.
type ForwardingError struct {
	Email    string
	Attempts []ProviderError
}

func (e *ForwardingError) Error() string {
	if len(e.Attempts) == 0 {
		return fmt.Sprintf("forward %s: %v", e.Email, ErrNoProviders)
	}
	parts := make([]string, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		parts = append(parts, a.Error())
	}
	return fmt.Sprintf("forward %s: all providers failed: %s", e.Email, strings.Join(parts, "; "))
}

func (e *ForwardingError) Unwrap() []error {
	if len(e.Attempts) == 0 {
		return []error{ErrNoProviders}
	}
	errs := make([]error, 0, len(e.Attempts))
	for _, a := range e.Attempts {
		errs = append(errs, a.Err)
	}
	return errs
}

// Chain tries providers in order and stops at the first success.
type Chain struct {
	providers []Provider
	preferred string
	timeout   time.Duration
	tracer    trace.Tracer
}

// NewChain keeps the given order. preferred, when it names a member, is
// tried first unless a request overrides it. timeout bounds each attempt.
func NewChain(providers []Provider, preferred string, timeout time.Duration) *Chain {
	return &Chain{
		providers: providers,
		preferred: strings.ToLower(preferred),
		timeout:   timeout,
		tracer:    otel.Tracer("forwarder"),
	}
}

// Providers returns provider names in default attempt order.
func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.order("") {
		names = append(names, p.Name())
	}
	return names
}

func (c *Chain) Enabled() bool {
	return c != nil && len(c.providers) > 0
}

func (c *Chain) Forward(ctx context.Context, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "forwarder.forward",
		trace.WithAttributes(attribute.String("subscription.email", req.Email)))
	defer span.End()

	ferr := &ForwardingError{Email: req.Email}
	for _, p := range c.order(req.Preferred) {
		res, err := c.attempt(ctx, p, req)
		if err == nil {
			span.SetAttributes(attribute.String("provider", res.Provider), attribute.Bool("success", true))
			return res, nil
		}
		ferr.Attempts = append(ferr.Attempts, ProviderError{Provider: p.Name(), Err: err})
	}

	span.SetStatus(codes.Error, "no provider accepted the email")
	return Result{}, ferr
}

func (c *Chain) attempt(ctx context.Context, p Provider, req Request) (Result, error) {
	ctx, span := c.tracer.Start(ctx, "forwarder.attempt",
		trace.WithAttributes(
			attribute.String("provider", p.Name()),
			attribute.String("operation", "forward.attempt"),
		))
	defer span.End()

	if c.timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, c.timeout)
		defer cancel()
	}

	res, err := p.Attempt(ctx, req)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		return Result{}, err
	}
	if res.Provider == "" {
		res.Provider = p.Name()
	}
	// Pending sync keys off an empty provider id, so an accepted email
	// without one would be forwarded again on every run.
	if res.ProviderID == "" {
		res.ProviderID = req.Email
	}
	return res, nil
}

func (c *Chain) order(preferred string) []Provider {
	preferred = strings.ToLower(preferred)
	if preferred == "" {
		preferred = c.preferred
	}
	ordered := make([]Provider, 0, len(c.providers))
	for _, p := range c.providers {
		if p.Name() == preferred {
			ordered = append(ordered, p)
		}
	}
	for _, p := range c.providers {
		if p.Name() != preferred {
			ordered = append(ordered, p)
		}
	}
	return ordered
}
