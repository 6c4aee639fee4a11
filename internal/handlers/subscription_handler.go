package handlers

import (
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/forwarder"
	"advocacy-site/internal/logging"
	"advocacy-site/internal/models"
	"advocacy-site/internal/service"
)

type SubscriptionHandler struct {
	service     *service.SubscriptionService
	logger      *logging.ContextLogger
	tracer      trace.Tracer
	recentLimit int
}

func NewSubscriptionHandler(svc *service.SubscriptionService, logger *logging.ContextLogger, recentLimit int) *SubscriptionHandler {
	return &SubscriptionHandler{
		service:     svc,
		logger:      logger,
		tracer:      otel.Tracer("subscription-handler"),
		recentLimit: recentLimit,
	}
}

func (h *SubscriptionHandler) Subscribe(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscription.handler.subscribe")
	defer span.End()

	var req models.SubscribeRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnWithTracing(ctx, "Invalid subscribe payload", logrus.Fields{
			"endpoint": "POST /api/newsletter-subscribe",
			"error":    err.Error(),
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err)})
		return
	}

	result, err := h.service.AddSubscription(ctx, req.Email, models.SubscriptionMeta{
		Source:    req.Source,
		FirstName: req.FirstName,
		LastName:  req.LastName,
		Tags:      req.Tags,
		IP:        c.ClientIP(),
		UserAgent: c.Request.UserAgent(),
	})
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, service.ErrInvalidEmail) {
			c.JSON(http.StatusBadRequest, gin.H{"error": "Invalid email address"})
			return
		}
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to subscribe. Please try again later."})
		return
	}

	email := models.NormalizeEmail(req.Email)
	span.SetAttributes(attribute.String("subscription.outcome", string(result.Outcome)))

	switch result.Outcome {
	case models.OutcomeAlreadyActive:
		c.JSON(http.StatusConflict, gin.H{
			"error": "Email already subscribed",
			"email": email,
		})
	case models.OutcomeReactivated:
		c.JSON(http.StatusOK, gin.H{
			"message":   "Welcome back! Your subscription has been reactivated",
			"email":     email,
			"outcome":   result.Outcome,
			"timestamp": time.Now().UTC(),
		})
	default:
		c.JSON(http.StatusOK, gin.H{
			"message":   "Successfully subscribed to newsletter",
			"email":     email,
			"outcome":   result.Outcome,
			"timestamp": time.Now().UTC(),
		})
	}
}

// Unsubscribe accepts a JSON body on POST and an email query parameter on GET,
// the form used by unsubscribe links in sent newsletters.
func (h *SubscriptionHandler) Unsubscribe(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscription.handler.unsubscribe")
	defer span.End()

	var req models.UnsubscribeRequest
	var err error
	if c.Request.Method == http.MethodGet {
		err = c.ShouldBindQuery(&req)
	} else {
		err = c.ShouldBindJSON(&req)
	}
	if err != nil {
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err)})
		return
	}

	found, err := h.service.Unsubscribe(ctx, req.Email)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorWithTracing(ctx, "Failed to unsubscribe", err, logrus.Fields{
			"email": req.Email,
		})
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to unsubscribe. Please try again later."})
		return
	}
	if !found {
		c.JSON(http.StatusNotFound, gin.H{"error": "Email not found"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Successfully unsubscribed",
		"email":   models.NormalizeEmail(req.Email),
	})
}

func (h *SubscriptionHandler) Stats(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscription.handler.stats")
	defer span.End()

	recent := queryInt(c, "recent", h.recentLimit)
	report, err := h.service.Report(ctx, recent)
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorWithTracing(ctx, "Failed to build stats report", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load stats"})
		return
	}
	c.JSON(http.StatusOK, report)
}

func (h *SubscriptionHandler) Search(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscription.handler.search")
	defer span.End()

	results, err := h.service.Search(ctx, c.Query("q"), queryInt(c, "limit", service.DefaultSearchLimit))
	if err != nil {
		span.RecordError(err)
		h.logger.ErrorWithTracing(ctx, "Failed to search subscriptions", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to search subscriptions"})
		return
	}
	c.JSON(http.StatusOK, gin.H{
		"results": results,
		"count":   len(results),
	})
}

func (h *SubscriptionHandler) Sync(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "subscription.handler.sync")
	defer span.End()

	summary, err := h.service.SyncPending(ctx, queryInt(c, "limit", service.DefaultSyncLimit))
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, forwarder.ErrNoProviders) {
			c.JSON(http.StatusServiceUnavailable, gin.H{"error": "No mailing-list providers configured"})
			return
		}
		h.logger.ErrorWithTracing(ctx, "Failed to sync subscriptions", err, nil)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to sync subscriptions"})
		return
	}
	c.JSON(http.StatusOK, summary)
}

func queryInt(c *gin.Context, key string, fallback int) int {
	raw := c.Query(key)
	if raw == "" {
		return fallback
	}
	n, err := strconv.Atoi(raw)
	if err != nil || n <= 0 {
		return fallback
	}
	return n
}
