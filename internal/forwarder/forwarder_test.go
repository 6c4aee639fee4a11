package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	dapr "github.com/dapr/go-sdk/client"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"advocacy-site/internal/config"
)

type stubProvider struct {
	name  string
	err   error
	calls int
}

func (p *stubProvider) Name() string { return p.name }

func (p *stubProvider) Attempt(ctx context.Context, req Request) (Result, error) {
	p.calls++
	if p.err != nil {
		return Result{}, p.err
	}
	return Result{Provider: p.name, ProviderID: p.name + "-" + req.Email}, nil
}

func TestChainStopsAtFirstSuccess(t *testing.T) {
	first := &stubProvider{name: "a", err: errors.New("boom")}
	second := &stubProvider{name: "b"}
	third := &stubProvider{name: "c"}
	chain := NewChain([]Provider{first, second, third}, "", time.Second)

	res, err := chain.Forward(context.Background(), Request{Email: "x@y.org"})

	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, "b-x@y.org", res.ProviderID)
	assert.Equal(t, 1, first.calls)
	assert.Equal(t, 1, second.calls)
	assert.Equal(t, 0, third.calls)
}

func TestChainPreferredProviderGoesFirst(t *testing.T) {
	a := &stubProvider{name: "a"}
	b := &stubProvider{name: "b"}
	chain := NewChain([]Provider{a, b}, "B", time.Second)

	assert.Equal(t, []string{"b", "a"}, chain.Providers())

	res, err := chain.Forward(context.Background(), Request{Email: "x@y.org"})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, 0, a.calls)

	res, err = chain.Forward(context.Background(), Request{Email: "x@y.org", Preferred: "a"})
	require.NoError(t, err)
	assert.Equal(t, "a", res.Provider)
}

func TestChainAggregatesFailures(t *testing.T) {
	errA := errors.New("a down")
	errB := errors.New("b down")
	chain := NewChain([]Provider{
		&stubProvider{name: "a", err: errA},
		&stubProvider{name: "b", err: errB},
	}, "", time.Second)

	_, err := chain.Forward(context.Background(), Request{Email: "x@y.org"})

	var ferr *ForwardingError
	require.ErrorAs(t, err, &ferr)
	require.Len(t, ferr.Attempts, 2)
	assert.Equal(t, "a", ferr.Attempts[0].Provider)
	assert.ErrorIs(t, err, errA)
	assert.ErrorIs(t, err, errB)
	assert.Contains(t, err.Error(), "all providers failed")
}

func TestChainFillsMissingProviderID(t *testing.T) {
	anonymous := providerFunc{name: "anon", fn: func(ctx context.Context, req Request) (Result, error) {
		return Result{}, nil
	}}
	chain := NewChain([]Provider{anonymous}, "", time.Second)

	res, err := chain.Forward(context.Background(), Request{Email: "x@y.org"})

	require.NoError(t, err)
	assert.Equal(t, Result{Provider: "anon", ProviderID: "x@y.org"}, res)
}

func TestChainConvertKitWithoutSubscriberID(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subscription":{"id":0,"subscriber":{"id":0}}}`))
	}))
	defer srv.Close()

	p := &ConvertKit{APIKey: "key", FormID: "42", BaseURL: srv.URL, Client: srv.Client()}
	chain := NewChain([]Provider{p}, "", time.Second)

	res, err := chain.Forward(context.Background(), Request{Email: "x@y.org"})

	require.NoError(t, err)
	assert.Equal(t, ConvertKitName, res.Provider)
	assert.Equal(t, "x@y.org", res.ProviderID)
}

func TestChainWithoutProviders(t *testing.T) {
	chain := NewChain(nil, "", time.Second)
	assert.False(t, chain.Enabled())

	_, err := chain.Forward(context.Background(), Request{Email: "x@y.org"})
	assert.ErrorIs(t, err, ErrNoProviders)
}

func TestChainAttemptTimeout(t *testing.T) {
	slow := providerFunc{name: "slow", fn: func(ctx context.Context, req Request) (Result, error) {
		<-ctx.Done()
		return Result{}, ctx.Err()
	}}
	chain := NewChain([]Provider{slow, &stubProvider{name: "fast"}}, "", 20*time.Millisecond)

	res, err := chain.Forward(context.Background(), Request{Email: "x@y.org"})
	require.NoError(t, err)
	assert.Equal(t, "fast", res.Provider)
}

type providerFunc struct {
	name string
	fn   func(ctx context.Context, req Request) (Result, error)
}

func (p providerFunc) Name() string { return p.name }

func (p providerFunc) Attempt(ctx context.Context, req Request) (Result, error) {
	return p.fn(ctx, req)
}

func TestConvertKitAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/v3/forms/42/subscribe", r.URL.Path)
		var body convertKitRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "key", body.APIKey)
		assert.Equal(t, "x@y.org", body.Email)
		assert.Equal(t, []string{}, body.Tags)
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"subscription":{"id":7,"subscriber":{"id":99}}}`))
	}))
	defer srv.Close()

	p := &ConvertKit{APIKey: "key", FormID: "42", BaseURL: srv.URL, Client: srv.Client()}
	res, err := p.Attempt(context.Background(), Request{Email: "x@y.org"})

	require.NoError(t, err)
	assert.Equal(t, Result{Provider: ConvertKitName, ProviderID: "99"}, res)
}

func TestMailerLiteAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/v2/subscribers", r.URL.Path)
		assert.Equal(t, "ml-key", r.Header.Get("X-MailerLite-ApiKey"))
		var body mailerLiteRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, []string{"g1"}, body.Groups)
		_, _ = w.Write([]byte(`{"id":12345}`))
	}))
	defer srv.Close()

	p := &MailerLite{APIKey: "ml-key", GroupID: "g1", BaseURL: srv.URL, Client: srv.Client()}
	res, err := p.Attempt(context.Background(), Request{Email: "x@y.org"})

	require.NoError(t, err)
	assert.Equal(t, "12345", res.ProviderID)
}

func TestBrevoAttemptExistingContact(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "brevo-key", r.Header.Get("api-key"))
		var body brevoRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.True(t, body.UpdateEnabled)
		assert.Equal(t, []int{3}, body.ListIDs)
		w.WriteHeader(http.StatusNoContent)
	}))
	defer srv.Close()

	p := &Brevo{APIKey: "brevo-key", ListID: 3, BaseURL: srv.URL, Client: srv.Client()}
	res, err := p.Attempt(context.Background(), Request{Email: "x@y.org"})

	require.NoError(t, err)
	assert.Equal(t, "x@y.org", res.ProviderID)
}

func TestMailchimpAttempt(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/3.0/lists/list1/members", r.URL.Path)
		assert.Equal(t, "apikey abc-us21", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"id":"m-1","status":"subscribed"}`))
	}))
	defer srv.Close()

	p := &Mailchimp{APIKey: "abc-us21", ListID: "list1", BaseURL: srv.URL, Client: srv.Client()}
	res, err := p.Attempt(context.Background(), Request{Email: "x@y.org"})

	require.NoError(t, err)
	assert.Equal(t, "m-1", res.ProviderID)
}

func TestMailchimpBaseURLFromKey(t *testing.T) {
	p := &Mailchimp{APIKey: "abc-us21"}
	base, err := p.baseURL()
	require.NoError(t, err)
	assert.Equal(t, "https://us21.api.mailchimp.com", base)

	p = &Mailchimp{APIKey: "nodash"}
	_, err = p.baseURL()
	assert.ErrorIs(t, err, errMailchimpKey)
}

func TestProviderRejectionIsAPIError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnprocessableEntity)
		_, _ = w.Write([]byte(`{"error":"invalid email"}`))
	}))
	defer srv.Close()

	p := &MailerLite{APIKey: "k", BaseURL: srv.URL, Client: srv.Client()}
	_, err := p.Attempt(context.Background(), Request{Email: "x@y.org"})

	var apiErr *APIError
	require.ErrorAs(t, err, &apiErr)
	assert.Equal(t, http.StatusUnprocessableEntity, apiErr.Status)
	assert.Contains(t, apiErr.Body, "invalid email")
}

type fakePublisher struct {
	pubsub string
	topic  string
	data   interface{}
	err    error
}

func (f *fakePublisher) PublishEvent(ctx context.Context, pubsubName, topicName string, data interface{}, opts ...dapr.PublishEventOption) error {
	f.pubsub = pubsubName
	f.topic = topicName
	f.data = data
	return f.err
}

func TestDaprPubSubAttempt(t *testing.T) {
	pub := &fakePublisher{}
	p := &DaprPubSub{Publisher: pub, PubSubName: "pubsub", Topic: "subscription.accepted"}

	res, err := p.Attempt(context.Background(), Request{Email: "x@y.org", Source: "footer"})

	require.NoError(t, err)
	assert.Equal(t, DaprName, res.Provider)
	assert.NotEmpty(t, res.ProviderID)
	assert.Equal(t, "pubsub", pub.pubsub)
	assert.Equal(t, "subscription.accepted", pub.topic)

	event, ok := pub.data.(SubscriptionEvent)
	require.True(t, ok)
	assert.Equal(t, res.ProviderID, event.EventID)
	assert.Equal(t, "footer", event.Source)
}

func TestFromConfigSkipsUnconfiguredProviders(t *testing.T) {
	cfg := config.ForwardConfig{
		MailerLiteAPIKey: "ml",
		MailchimpAPIKey:  "mc-us1",
		MailchimpListID:  "list",
		ConvertKitAPIKey: "ck",
		DaprPubSubName:   "pubsub",
		DaprTopic:        "subscription.accepted",
		Timeout:          time.Second,
	}

	chain := FromConfig(cfg, nil, nil)
	assert.Equal(t, []string{MailerLiteName, MailchimpName}, chain.Providers())

	chain = FromConfig(cfg, nil, &fakePublisher{})
	assert.Equal(t, []string{MailerLiteName, MailchimpName, DaprName}, chain.Providers())

	cfg.Preferred = DaprName
	chain = FromConfig(cfg, nil, &fakePublisher{})
	assert.Equal(t, []string{DaprName, MailerLiteName, MailchimpName}, chain.Providers())
}
