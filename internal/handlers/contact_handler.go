package handlers

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/logging"
	"advocacy-site/internal/models"
	"advocacy-site/internal/service"
)

type ContactHandler struct {
	service *service.ContactService
	logger  *logging.ContextLogger
	tracer  trace.Tracer
}

func NewContactHandler(svc *service.ContactService, logger *logging.ContextLogger) *ContactHandler {
	return &ContactHandler{
		service: svc,
		logger:  logger,
		tracer:  otel.Tracer("contact-handler"),
	}
}

func (h *ContactHandler) Submit(c *gin.Context) {
	ctx, span := h.tracer.Start(c.Request.Context(), "contact.handler.submit")
	defer span.End()

	var req models.ContactRequest
	if err := c.ShouldBindJSON(&req); err != nil {
		h.logger.WarnWithTracing(ctx, "Invalid contact payload", logrus.Fields{
			"endpoint": "POST /api/contact",
			"error":    err.Error(),
		})
		c.JSON(http.StatusBadRequest, gin.H{"error": bindingMessage(err)})
		return
	}

	receipt, err := h.service.Submit(ctx, req)
	if err != nil {
		if errors.Is(err, service.ErrIncompleteContact) {
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
			return
		}
		span.RecordError(err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to submit contact form"})
		return
	}

	c.JSON(http.StatusOK, gin.H{
		"message": "Thank you for your message. We will get back to you soon.",
		"id":      receipt.ID,
	})
}
