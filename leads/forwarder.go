package leads

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"golang.org/x/time/rate"

	"github.com/teranos/leadpulse/am"
	"github.com/teranos/leadpulse/errors"
	"github.com/teranos/leadpulse/internal/httpclient"
	"github.com/teranos/leadpulse/version"
)

// WebhookConfig configures a WebhookForwarder.
type WebhookConfig struct {
	// DefaultDestination is used for leads without their own destination.
	DefaultDestination string

	// RequestsPerMinute limits delivery rate; zero means unlimited.
	RequestsPerMinute int

	Timeout time.Duration

	// AllowPrivateDestinations permits loopback and private addresses.
	AllowPrivateDestinations bool
}

// WebhookConfigFromAm builds the forwarder configuration.
func WebhookConfigFromAm(cfg am.LeadsConfig) WebhookConfig {
	return WebhookConfig{
		DefaultDestination:       cfg.DefaultDestination,
		RequestsPerMinute:        cfg.RequestsPerMinute,
		Timeout:                  time.Duration(cfg.TimeoutSeconds) * time.Second,
		AllowPrivateDestinations: cfg.AllowPrivateDestinations,
	}
}

// webhookBody is what a destination receives.
type webhookBody struct {
	ID         string          `json:"id"`
	Email      string          `json:"email"`
	Name       string          `json:"name,omitempty"`
	Company    string          `json:"company,omitempty"`
	Score      int             `json:"score"`
	Attributes json.RawMessage `json:"attributes,omitempty"`
	SentAt     time.Time       `json:"sent_at"`
}

// WebhookForwarder POSTs each lead as JSON to its destination URL.
type WebhookForwarder struct {
	cfg     WebhookConfig
	client  *httpclient.SaferClient
	limiter *rate.Limiter
}

// NewWebhookForwarder creates a forwarder.
func NewWebhookForwarder(cfg WebhookConfig) *WebhookForwarder {
	limit := rate.Inf
	if cfg.RequestsPerMinute > 0 {
		limit = rate.Every(time.Minute / time.Duration(cfg.RequestsPerMinute))
	}
	return &WebhookForwarder{
		cfg: cfg,
		client: httpclient.New(httpclient.Options{
			Timeout:      cfg.Timeout,
			AllowPrivate: cfg.AllowPrivateDestinations,
		}),
		limiter: rate.NewLimiter(limit, 1),
	}
}

// Forward implements Forwarder.
func (f *WebhookForwarder) Forward(ctx context.Context, lead Lead) error {
	dest := lead.Destination
	if dest == "" {
		dest = f.cfg.DefaultDestination
	}
	if dest == "" {
		return errors.WithHint(
			errors.New("no destination"),
			"set leads.default_destination or a per-lead destination",
		)
	}
	u, err := f.client.ValidateURL(dest)
	if err != nil {
		return errors.Wrap(err, "invalid destination")
	}

	if err := f.limiter.Wait(ctx); err != nil {
		return errors.Wrap(err, "rate limiter")
	}

	body, err := json.Marshal(webhookBody{
		ID:         lead.ID,
		Email:      lead.Email,
		Name:       lead.Name,
		Company:    lead.Company,
		Score:      lead.Score,
		Attributes: lead.Attributes,
		SentAt:     time.Now().UTC(),
	})
	if err != nil {
		return errors.Wrap(err, "failed to encode lead")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, u.String(), bytes.NewReader(body))
	if err != nil {
		return errors.Wrap(err, "failed to build request")
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", fmt.Sprintf("leadpulse/%s", version.Short()))
	req.Header.Set("Idempotency-Key", lead.ID)

	resp, err := f.client.Do(req)
	if err != nil {
		return errors.Wrapf(err, "POST %s", u.Host)
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		snippet, _ := io.ReadAll(io.LimitReader(resp.Body, 256))
		return errors.WithDetailf(
			errors.Newf("destination %s returned %d", u.Host, resp.StatusCode),
			"response: %s", bytes.TrimSpace(snippet),
		)
	}
	io.Copy(io.Discard, resp.Body)
	return nil
}
