package service

import (
	"context"
	"errors"
	"fmt"
	"html"
	"strings"

	"github.com/google/uuid"
	"github.com/microcosm-cc/bluemonday"
	"github.com/sirupsen/logrus"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"advocacy-site/internal/logging"
	"advocacy-site/internal/mailer"
	"advocacy-site/internal/models"
)

var ErrIncompleteContact = errors.New("name, email, subject and message are required")

// ContactService relays contact form submissions by email. Delivery is best
// effort: a submission that passed validation is always acknowledged.
type ContactService struct {
	transport mailer.Transport
	contactTo string
	policy    *bluemonday.Policy
	logger    *logging.ContextLogger
	tracer    trace.Tracer
}

func NewContactService(transport mailer.Transport, contactTo string, logger *logging.ContextLogger) *ContactService {
	return &ContactService{
		transport: transport,
		contactTo: contactTo,
		policy:    bluemonday.StripTagsPolicy(),
		logger:    logger,
		tracer:    otel.Tracer("contact-service"),
	}
}

type ContactReceipt struct {
	ID        string `json:"id"`
	Delivered bool   `json:"-"`
}

func (s *ContactService) Submit(ctx context.Context, req models.ContactRequest) (*ContactReceipt, error) {
	ctx, span := s.tracer.Start(ctx, "contact.service.submit")
	defer span.End()

	clean := models.ContactRequest{
		Name:    s.plain(req.Name),
		Email:   models.NormalizeEmail(req.Email),
		Subject: s.plain(req.Subject),
		Message: s.plain(req.Message),
	}
	if clean.Name == "" || clean.Email == "" || clean.Subject == "" || clean.Message == "" {
		return nil, ErrIncompleteContact
	}

	receipt := &ContactReceipt{ID: uuid.NewString(), Delivered: true}
	span.SetAttributes(attribute.String("contact.id", receipt.ID))

	if s.contactTo == "" {
		s.logger.WarnWithTracing(ctx, "No contact recipient configured, notification skipped", logrus.Fields{
			"contact_id": receipt.ID,
		})
		receipt.Delivered = false
	} else if err := s.transport.Send(ctx, s.notification(clean)); err != nil {
		s.logger.ErrorWithTracing(ctx, "Failed to send contact notification", err, logrus.Fields{
			"contact_id": receipt.ID,
		})
		span.RecordError(err)
		receipt.Delivered = false
	}

	if err := s.transport.Send(ctx, s.acknowledgment(clean)); err != nil {
		s.logger.ErrorWithTracing(ctx, "Failed to send contact acknowledgment", err, logrus.Fields{
			"contact_id": receipt.ID,
			"email":      clean.Email,
		})
		span.RecordError(err)
	}

	s.logger.InfoWithTracing(ctx, "Contact form submitted", logrus.Fields{
		"contact_id": receipt.ID,
		"email":      clean.Email,
		"delivered":  receipt.Delivered,
	})
	return receipt, nil
}

// plain strips markup and turns the entities the sanitizer produced back into text.
func (s *ContactService) plain(value string) string {
	return strings.TrimSpace(html.UnescapeString(s.policy.Sanitize(value)))
}

func (s *ContactService) notification(c models.ContactRequest) mailer.Message {
	text := fmt.Sprintf("New contact form submission\n\nName: %s\nEmail: %s\nSubject: %s\n\n%s\n",
		c.Name, c.Email, c.Subject, c.Message)
	body := fmt.Sprintf("<h2>New contact form submission</h2><p><strong>Name:</strong> %s<br><strong>Email:</strong> %s<br><strong>Subject:</strong> %s</p><p>%s</p>",
		html.EscapeString(c.Name), html.EscapeString(c.Email), html.EscapeString(c.Subject),
		strings.ReplaceAll(html.EscapeString(c.Message), "\n", "<br>"))

	return mailer.Message{
		To:      s.contactTo,
		ReplyTo: c.Email,
		Subject: "Contact Form: " + c.Subject,
		Text:    text,
		HTML:    body,
	}
}

func (s *ContactService) acknowledgment(c models.ContactRequest) mailer.Message {
	text := fmt.Sprintf("Hi %s,\n\nThanks for reaching out. We received your message about %q and will get back to you soon.\n", c.Name, c.Subject)
	return mailer.Message{
		To:      c.Email,
		Subject: "We received your message",
		Text:    text,
		HTML: fmt.Sprintf("<p>Hi %s,</p><p>Thanks for reaching out. We received your message about &ldquo;%s&rdquo; and will get back to you soon.</p>",
			html.EscapeString(c.Name), html.EscapeString(c.Subject)),
	}
}
