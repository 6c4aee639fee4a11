package app

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"net/url"
	"sync"
	"testing"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	oteltrace "go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/config"
	"advocacy-site/internal/forwarder"
	"advocacy-site/internal/logging"
	"advocacy-site/internal/mailer"
	"advocacy-site/internal/models"
	"advocacy-site/internal/repository"
	"advocacy-site/internal/telemetry"
)

type TestApp struct {
	server      *httptest.Server
	recorder    *telemetry.TestSpanRecorder
	tp          *sdktrace.TracerProvider
	application *Application
	mail        *capturingTransport
}

type capturingTransport struct {
	mu   sync.Mutex
	sent []mailer.Message
}

func (c *capturingTransport) Send(ctx context.Context, msg mailer.Message) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sent = append(c.sent, msg)
	return nil
}

func (c *capturingTransport) count() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.sent)
}

// downRepository fails every write and read as an unreachable database would.
type downRepository struct {
	repository.SubscriptionRepository
}

var errDown = errors.New("dial tcp 10.0.0.5:5432: connect: connection refused")

func (downRepository) Name() string                   { return "postgres" }
func (downRepository) Ping(ctx context.Context) error { return errDown }
func (downRepository) GetByEmail(ctx context.Context, email string) (*models.Subscription, error) {
	return nil, errDown
}
func (downRepository) Stats(ctx context.Context) (*models.Stats, error) { return nil, errDown }

func SpawnTestApp(t *testing.T, customize ...func(*Config)) *TestApp {
	recorder := telemetry.NewTestSpanRecorder()
	tp := telemetry.InitTestTracing(recorder)
	mail := &capturingTransport{}

	cfg := &Config{
		ServiceName:    "test-advocacy-site",
		ServiceVersion: "1.0.0",
		Logger:         logging.NewDiscardLogger(),
		TracerProvider: tp,
		GinMode:        gin.TestMode,
		Mailer:         mail,
		ContactTo:      "team@example.org",
		StatsTTL:       time.Minute,
		RecentLimit:    5,
		RateLimit:      config.RateLimitConfig{PerMinute: 600, Burst: 100},
	}
	for _, fn := range customize {
		fn(cfg)
	}

	application := Build(cfg)
	server := httptest.NewServer(application.GetRouter())

	return &TestApp{
		server:      server,
		recorder:    recorder,
		tp:          tp,
		application: application,
		mail:        mail,
	}
}

func (app *TestApp) Close() {
	app.server.Close()
	_ = app.tp.Shutdown(context.Background())
}

func (app *TestApp) postJSON(t *testing.T, path string, body any) (*http.Response, map[string]any) {
	payload, err := json.Marshal(body)
	require.NoError(t, err)

	resp, err := http.Post(app.server.URL+path, "application/json", bytes.NewReader(payload))
	require.NoError(t, err)
	defer resp.Body.Close()

	var out map[string]any
	_ = json.NewDecoder(resp.Body).Decode(&out)
	return resp, out
}

func (app *TestApp) getJSON(t *testing.T, path string, out any) *http.Response {
	resp, err := http.Get(app.server.URL + path)
	require.NoError(t, err)
	defer resp.Body.Close()

	if out != nil {
		require.NoError(t, json.NewDecoder(resp.Body).Decode(out))
	}
	return resp
}

func (app *TestApp) Subscribe(t *testing.T, email string) (*http.Response, map[string]any) {
	return app.postJSON(t, "/api/newsletter-subscribe", map[string]any{"email": email})
}

func TestSubscriptionScenario(t *testing.T) {
	app := SpawnTestApp(t)
	defer app.Close()

	resp, body := app.Subscribe(t, "a@x.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", body["outcome"])
	assert.Equal(t, "a@x.com", body["email"])

	resp, body = app.Subscribe(t, "a@x.com")
	require.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "a@x.com", body["email"])

	resp, _ = app.postJSON(t, "/api/newsletter-unsubscribe", map[string]any{"email": "a@x.com"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp, body = app.Subscribe(t, "a@x.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "reactivated", body["outcome"])

	var report models.StatsReport
	resp = app.getJSON(t, "/api/email-stats", &report)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, report.Stats.Total)
	assert.Equal(t, 1, report.Stats.Active)
	assert.Equal(t, 0, report.Stats.Unsubscribed)
	assert.Equal(t, []string{"a@x.com"}, report.EmailList)
	assert.Equal(t, 1, report.TotalEmails)
	require.Len(t, report.Recent, 1)
	assert.Equal(t, models.DefaultSource, report.Recent[0].Source)
}

func TestSubscribeValidation(t *testing.T) {
	app := SpawnTestApp(t)
	defer app.Close()

	resp, body := app.postJSON(t, "/api/newsletter-subscribe", map[string]any{})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Email is required", body["error"])

	resp, body = app.Subscribe(t, "not-an-email")
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "Invalid email address", body["error"])
}

func TestUnsubscribeLinkAndUnknownEmail(t *testing.T) {
	app := SpawnTestApp(t)
	defer app.Close()

	resp := app.getJSON(t, "/api/unsubscribe?email="+url.QueryEscape("ghost@x.com"), nil)
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	resp, _ = app.Subscribe(t, "link@x.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.getJSON(t, "/api/unsubscribe?email="+url.QueryEscape("link@x.com"), nil)
	assert.Equal(t, http.StatusOK, resp.StatusCode)

	resp = app.getJSON(t, "/api/unsubscribe", nil)
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestSubscribeFallsBackWhenPrimaryIsDown(t *testing.T) {
	fallback := repository.NewInMemorySubscriptionRepository()
	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.Repository = downRepository{}
		cfg.Fallback = fallback
	})
	defer app.Close()

	resp, body := app.Subscribe(t, "resilient@x.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "new", body["outcome"])

	stored, err := fallback.GetByEmail(context.Background(), "resilient@x.com")
	require.NoError(t, err)
	assert.True(t, stored.IsActive())

	resp = app.getJSON(t, "/health", nil)
	assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
}

func TestSubscribeConflictsOnFallbackWhenPrimaryIsDown(t *testing.T) {
	fallback := repository.NewInMemorySubscriptionRepository()
	require.NoError(t, fallback.Insert(context.Background(),
		models.NewSubscription("kept@x.com", models.SubscriptionMeta{})))
	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.Repository = downRepository{}
		cfg.Fallback = fallback
	})
	defer app.Close()

	resp, body := app.Subscribe(t, "kept@x.com")
	assert.Equal(t, http.StatusConflict, resp.StatusCode)
	assert.Equal(t, "kept@x.com", body["email"])

	stats, err := fallback.Stats(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 1, stats.Total)
}

func TestSubscribeWithoutFallbackReturns500(t *testing.T) {
	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.Repository = downRepository{}
	})
	defer app.Close()

	resp, _ := app.Subscribe(t, "lost@x.com")
	assert.Equal(t, http.StatusInternalServerError, resp.StatusCode)
}

func TestContactForm(t *testing.T) {
	app := SpawnTestApp(t)
	defer app.Close()

	resp, body := app.postJSON(t, "/api/contact", map[string]any{
		"name":    "Ada",
		"email":   "ada@example.org",
		"subject": "Hello",
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
	assert.Equal(t, "message is required", body["error"])
	assert.Equal(t, 0, app.mail.count())

	resp, body = app.postJSON(t, "/api/contact", map[string]any{
		"name":    "Ada",
		"email":   "ada@example.org",
		"subject": "Hello",
		"message": "Count me in.",
	})
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.NotEmpty(t, body["id"])
	assert.Equal(t, 2, app.mail.count())
}

func TestAdminRoutesRequireBasicAuth(t *testing.T) {
	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.Admin = config.AdminConfig{User: "admin", Password: "secret"}
	})
	defer app.Close()

	resp := app.getJSON(t, "/api/email-stats", nil)
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	req, err := http.NewRequest(http.MethodGet, app.server.URL+"/api/email-stats", nil)
	require.NoError(t, err)
	req.SetBasicAuth("admin", "secret")
	resp, err = http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	assert.Equal(t, http.StatusOK, resp.StatusCode)
}

func TestSearchAndSync(t *testing.T) {
	var mu sync.Mutex
	var forwarded []string
	provider := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body struct {
			Email string `json:"email"`
		}
		_ = json.NewDecoder(r.Body).Decode(&body)
		mu.Lock()
		forwarded = append(forwarded, body.Email)
		mu.Unlock()
		_, _ = w.Write([]byte(`{"id": 501}`))
	}))
	defer provider.Close()

	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.Forwarder = forwarder.NewChain([]forwarder.Provider{
			&forwarder.MailerLite{APIKey: "k", BaseURL: provider.URL, Client: provider.Client()},
		}, "", time.Second)
	})
	defer app.Close()

	resp, _ := app.postJSON(t, "/api/newsletter-subscribe", map[string]any{"email": "grace@x.com", "firstName": "Grace"})
	require.Equal(t, http.StatusOK, resp.StatusCode)

	stored, err := app.application.GetRepo().GetByEmail(context.Background(), "grace@x.com")
	require.NoError(t, err)
	assert.Equal(t, forwarder.MailerLiteName, stored.Provider)
	assert.Equal(t, "501", stored.ProviderID)

	var search struct {
		Results []models.Subscription `json:"results"`
		Count   int                   `json:"count"`
	}
	resp = app.getJSON(t, "/api/email-search?q=grace", &search)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, 1, search.Count)

	resp, body := app.postJSON(t, "/api/email-sync", nil)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, float64(0), body["attempted"])

	mu.Lock()
	assert.Equal(t, []string{"grace@x.com"}, forwarded)
	mu.Unlock()
}

func TestSubscriptionSpans(t *testing.T) {
	app := SpawnTestApp(t)
	defer app.Close()

	resp, _ := app.Subscribe(t, "spans@x.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)

	writeSpans := app.recorder.GetSpansByOperation("database.write")
	require.GreaterOrEqual(t, len(writeSpans), 1, "Expected database write spans during subscribe")

	foundBackend := false
	for _, attr := range writeSpans[0].Attributes() {
		if attr.Key == "storage.backend" && attr.Value.AsString() == "memory" {
			foundBackend = true
		}
	}
	assert.True(t, foundBackend, "Expected storage.backend attribute on write span")

	cacheWrites := app.recorder.GetSpansByOperation("cache.write")
	assert.GreaterOrEqual(t, len(cacheWrites), 1, "Expected the stats cache to be invalidated")
}

func TestStatsReportCacheHit(t *testing.T) {
	app := SpawnTestApp(t)
	defer app.Close()

	resp, _ := app.Subscribe(t, "cache@x.com")
	require.Equal(t, http.StatusOK, resp.StatusCode)
	require.Equal(t, http.StatusOK, app.getJSON(t, "/api/email-stats", nil).StatusCode)

	app.recorder.Clear()
	require.Equal(t, http.StatusOK, app.getJSON(t, "/api/email-stats", nil).StatusCode)

	assert.Empty(t, app.recorder.GetSpansByOperation("database.read"), "Expected no database reads on cache hit")
	assert.GreaterOrEqual(t, len(app.recorder.GetSpansByOperation("cache.read")), 1)
}

func subscribeWithForwardedFor(t *testing.T, app *TestApp, email, forwardedFor string) int {
	payload, err := json.Marshal(map[string]any{"email": email})
	require.NoError(t, err)

	req, err := http.NewRequest(http.MethodPost, app.server.URL+"/api/newsletter-subscribe", bytes.NewReader(payload))
	require.NoError(t, err)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Forwarded-For", forwardedFor)

	resp, err := http.DefaultClient.Do(req)
	require.NoError(t, err)
	resp.Body.Close()
	return resp.StatusCode
}

func TestRateLimitIgnoresForwardedForFromUntrustedPeer(t *testing.T) {
	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.RateLimit = config.RateLimitConfig{PerMinute: 1, Burst: 1}
	})
	defer app.Close()

	codes := make([]int, 0, 5)
	for i := 0; i < 5; i++ {
		codes = append(codes, subscribeWithForwardedFor(t, app,
			fmt.Sprintf("spoof%d@x.com", i), fmt.Sprintf("198.51.100.%d", i+1)))
	}

	assert.Equal(t, []int{
		http.StatusOK,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
		http.StatusTooManyRequests,
	}, codes)
}

func TestRateLimitHonorsForwardedForFromTrustedProxy(t *testing.T) {
	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.RateLimit = config.RateLimitConfig{PerMinute: 1, Burst: 1}
		cfg.TrustedProxies = []string{"127.0.0.1", "::1"}
	})
	defer app.Close()

	assert.Equal(t, http.StatusOK, subscribeWithForwardedFor(t, app, "one@x.com", "198.51.100.1"))
	assert.Equal(t, http.StatusOK, subscribeWithForwardedFor(t, app, "two@x.com", "198.51.100.2"))
	assert.Equal(t, http.StatusTooManyRequests, subscribeWithForwardedFor(t, app, "three@x.com", "198.51.100.2"))
}

func TestUnsubscribeRoutesAreRateLimited(t *testing.T) {
	app := SpawnTestApp(t, func(cfg *Config) {
		cfg.RateLimit = config.RateLimitConfig{PerMinute: 1, Burst: 2}
	})
	defer app.Close()

	link := "/api/unsubscribe?email=" + url.QueryEscape("victim@x.com")
	assert.Equal(t, http.StatusNotFound, app.getJSON(t, link, nil).StatusCode)
	resp, _ := app.postJSON(t, "/api/newsletter-unsubscribe", map[string]any{"email": "victim@x.com"})
	assert.Equal(t, http.StatusNotFound, resp.StatusCode)

	assert.Equal(t, http.StatusTooManyRequests, app.getJSON(t, link, nil).StatusCode)
	resp, _ = app.postJSON(t, "/api/newsletter-unsubscribe", map[string]any{"email": "victim@x.com"})
	assert.Equal(t, http.StatusTooManyRequests, resp.StatusCode)
}

func TestBuildUsesConfiguredTracerProviderAndVersion(t *testing.T) {
	app := SpawnTestApp(t)
	defer app.Close()

	var health map[string]any
	resp := app.getJSON(t, "/health", &health)
	require.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "1.0.0", health["version"])

	// The server span ends after the response is flushed.
	assert.Eventually(t, func() bool {
		for _, span := range app.recorder.GetSpansByName("/health") {
			if span.SpanKind() == oteltrace.SpanKindServer {
				return true
			}
		}
		return false
	}, time.Second, 10*time.Millisecond, "Expected the request span on the configured provider")
}
