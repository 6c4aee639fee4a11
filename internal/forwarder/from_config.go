package forwarder

import (
	"net/http"

	"advocacy-site/internal/config"
)

const (
	convertKitBaseURL = "https://api.convertkit.com"
	mailerLiteBaseURL = "https://api.mailerlite.com"
	brevoBaseURL      = "https://api.brevo.com"
)

// FromConfig builds the chain in the fixed order convertkit, mailerlite,
// brevo, mailchimp, dapr, leaving out every provider without credentials.
// publisher may be nil when no Dapr sidecar is available.
func FromConfig(cfg config.ForwardConfig, client *http.Client, publisher EventPublisher) *Chain {
	if client == nil {
		client = &http.Client{Timeout: cfg.Timeout}
	}

	var providers []Provider
	if cfg.ConvertKitAPIKey != "" && cfg.ConvertKitFormID != "" {
		providers = append(providers, &ConvertKit{
			APIKey:  cfg.ConvertKitAPIKey,
			FormID:  cfg.ConvertKitFormID,
			BaseURL: convertKitBaseURL,
			Client:  client,
		})
	}
	if cfg.MailerLiteAPIKey != "" {
		providers = append(providers, &MailerLite{
			APIKey:  cfg.MailerLiteAPIKey,
			GroupID: cfg.MailerLiteGroupID,
			BaseURL: mailerLiteBaseURL,
			Client:  client,
		})
	}
	if cfg.BrevoAPIKey != "" {
		providers = append(providers, &Brevo{
			APIKey:  cfg.BrevoAPIKey,
			ListID:  cfg.BrevoListID,
			BaseURL: brevoBaseURL,
			Client:  client,
		})
	}
	if cfg.MailchimpAPIKey != "" && cfg.MailchimpListID != "" {
		providers = append(providers, &Mailchimp{
			APIKey: cfg.MailchimpAPIKey,
			ListID: cfg.MailchimpListID,
			Client: client,
		})
	}
	if publisher != nil && cfg.DaprPubSubName != "" && cfg.DaprTopic != "" {
		providers = append(providers, &DaprPubSub{
			Publisher:  publisher,
			PubSubName: cfg.DaprPubSubName,
			Topic:      cfg.DaprTopic,
		})
	}

	return NewChain(providers, cfg.Preferred, cfg.Timeout)
}
