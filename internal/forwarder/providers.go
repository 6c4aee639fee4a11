package forwarder

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strconv"
	"strings"
)

const (
	ConvertKitName = "convertkit"
	MailerLiteName = "mailerlite"
	BrevoName      = "brevo"
	MailchimpName  = "mailchimp"
	DaprName       = "dapr"
)

// ConvertKit subscribes the email to a form.
type ConvertKit struct {
	APIKey  string
	FormID  string
	BaseURL string
	Client  *http.Client
}

type convertKitRequest struct {
	APIKey    string   `json:"api_key"`
	Email     string   `json:"email"`
	FirstName string   `json:"first_name"`
	Tags      []string `json:"tags"`
}

type convertKitResponse struct {
	Subscription struct {
		ID         int64 `json:"id"`
		Subscriber struct {
			ID int64 `json:"id"`
		} `json:"subscriber"`
	} `json:"subscription"`
}

func (p *ConvertKit) Name() string { return ConvertKitName }

func (p *ConvertKit) Attempt(ctx context.Context, req Request) (Result, error) {
	url := fmt.Sprintf("%s/v3/forms/%s/subscribe", strings.TrimRight(p.BaseURL, "/"), p.FormID)
	body := convertKitRequest{
		APIKey:    p.APIKey,
		Email:     req.Email,
		FirstName: req.FirstName,
		Tags:      tagsOrEmpty(req.Tags),
	}

	var resp convertKitResponse
	if _, err := postJSON(ctx, p.Client, url, nil, body, &resp); err != nil {
		return Result{}, err
	}
	return resp.result(), nil
}

func (r convertKitResponse) result() Result {
	id := r.Subscription.Subscriber.ID
	if id == 0 {
		id = r.Subscription.ID
	}
	res := Result{Provider: ConvertKitName}
	if id != 0 {
		res.ProviderID = strconv.FormatInt(id, 10)
	}
	return res
}

// MailerLite adds the email as a subscriber, optionally into one group.
type MailerLite struct {
	APIKey  string
	GroupID string
	BaseURL string
	Client  *http.Client
}

type mailerLiteRequest struct {
	Email  string   `json:"email"`
	Name   string   `json:"name"`
	Groups []string `json:"groups"`
}

type mailerLiteResponse struct {
	ID json.Number `json:"id"`
}

func (p *MailerLite) Name() string { return MailerLiteName }

func (p *MailerLite) Attempt(ctx context.Context, req Request) (Result, error) {
	url := strings.TrimRight(p.BaseURL, "/") + "/api/v2/subscribers"
	body := mailerLiteRequest{Email: req.Email, Name: req.FirstName, Groups: []string{}}
	if p.GroupID != "" {
		body.Groups = []string{p.GroupID}
	}

	var resp mailerLiteResponse
	if _, err := postJSON(ctx, p.Client, url, map[string]string{"X-MailerLite-ApiKey": p.APIKey}, body, &resp); err != nil {
		return Result{}, err
	}
	return Result{Provider: MailerLiteName, ProviderID: resp.ID.String()}, nil
}

// Brevo creates or updates a contact. A 204 means an existing contact was updated.
type Brevo struct {
	APIKey  string
	ListID  int
	BaseURL string
	Client  *http.Client
}

type brevoRequest struct {
	Email         string            `json:"email"`
	Attributes    map[string]string `json:"attributes"`
	ListIDs       []int             `json:"listIds"`
	UpdateEnabled bool              `json:"updateEnabled"`
}

type brevoResponse struct {
	ID int64 `json:"id"`
}

func (p *Brevo) Name() string { return BrevoName }

func (p *Brevo) Attempt(ctx context.Context, req Request) (Result, error) {
	url := strings.TrimRight(p.BaseURL, "/") + "/v3/contacts"
	body := brevoRequest{
		Email:         req.Email,
		Attributes:    map[string]string{"FIRSTNAME": req.FirstName},
		ListIDs:       []int{},
		UpdateEnabled: true,
	}
	if req.LastName != "" {
		body.Attributes["LASTNAME"] = req.LastName
	}
	if p.ListID > 0 {
		body.ListIDs = []int{p.ListID}
	}

	var resp brevoResponse
	status, err := postJSON(ctx, p.Client, url, map[string]string{"api-key": p.APIKey}, body, &resp)
	if err != nil {
		return Result{}, err
	}
	res := Result{Provider: BrevoName}
	switch {
	case resp.ID != 0:
		res.ProviderID = strconv.FormatInt(resp.ID, 10)
	case status == http.StatusNoContent:
		// Existing contact updated: Brevo identifies contacts by email.
		res.ProviderID = req.Email
	}
	return res, nil
}

var errMailchimpKey = errors.New("mailchimp api key has no datacenter suffix")

// Mailchimp adds a list member. The datacenter is the API key suffix, e.g. "-us21".
type Mailchimp struct {
	APIKey string
	ListID string
	// BaseURL overrides the datacenter URL derived from the key.
	BaseURL string
	Client  *http.Client
}

type mailchimpRequest struct {
	EmailAddress string            `json:"email_address"`
	Status       string            `json:"status"`
	MergeFields  map[string]string `json:"merge_fields"`
	Tags         []string          `json:"tags"`
}

type mailchimpResponse struct {
	ID       string `json:"id"`
	UniqueID string `json:"unique_email_id"`
	Status   string `json:"status"`
}

func (p *Mailchimp) Name() string { return MailchimpName }

func (p *Mailchimp) baseURL() (string, error) {
	if p.BaseURL != "" {
		return strings.TrimRight(p.BaseURL, "/"), nil
	}
	idx := strings.LastIndex(p.APIKey, "-")
	if idx < 0 || idx == len(p.APIKey)-1 {
		return "", errMailchimpKey
	}
	return fmt.Sprintf("https://%s.api.mailchimp.com", p.APIKey[idx+1:]), nil
}

func (p *Mailchimp) Attempt(ctx context.Context, req Request) (Result, error) {
	base, err := p.baseURL()
	if err != nil {
		return Result{}, err
	}
	url := fmt.Sprintf("%s/3.0/lists/%s/members", base, p.ListID)
	body := mailchimpRequest{
		EmailAddress: req.Email,
		Status:       "subscribed",
		MergeFields:  map[string]string{"FNAME": req.FirstName, "LNAME": req.LastName},
		Tags:         tagsOrEmpty(req.Tags),
	}

	var resp mailchimpResponse
	headers := map[string]string{"Authorization": "apikey " + p.APIKey}
	if _, err := postJSON(ctx, p.Client, url, headers, body, &resp); err != nil {
		return Result{}, err
	}
	id := resp.ID
	if id == "" {
		id = resp.UniqueID
	}
	return Result{Provider: MailchimpName, ProviderID: id}, nil
}
