package alert

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/rs/zerolog"
	"github.com/shopspring/decimal"
)

// WebhookChannel delivers alerts as JSON POSTs to a configured endpoint.
type WebhookChannel struct {
	url    string
	client *http.Client
	logger zerolog.Logger
}

// NewWebhookChannel constructs a webhook channel.
func NewWebhookChannel(url string, timeout time.Duration, logger zerolog.Logger) *WebhookChannel {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	return &WebhookChannel{
		url:    url,
		client: &http.Client{Timeout: timeout},
		logger: logger.With().Str("component", "alert_webhook").Logger(),
	}
}

func (c *WebhookChannel) Name() string { return "webhook" }

type webhookPayload struct {
	Event     string             `json:"event"`
	AlertType string             `json:"alert_type"`
	Product   webhookProduct     `json:"product"`
	Change    webhookPriceChange `json:"price_change"`
	Timestamp string             `json:"timestamp"`
}

type webhookProduct struct {
	ID           int64           `json:"id"`
	Title        string          `json:"title"`
	URL          string          `json:"url"`
	Marketplace  string          `json:"marketplace"`
	CurrentPrice decimal.Decimal `json:"current_price"`
	Currency     string          `json:"currency"`
}

type webhookPriceChange struct {
	OldPrice      decimal.Decimal `json:"old_price"`
	NewPrice      decimal.Decimal `json:"new_price"`
	ChangePercent decimal.Decimal `json:"change_percent"`
	Savings       decimal.Decimal `json:"savings"`
}

// Send posts the alert payload. Any status indicating an error fails the
// delivery.
func (c *WebhookChannel) Send(ctx context.Context, n Notification) error {
	payload := webhookPayload{
		Event:     "price_alert",
		AlertType: string(n.Event.Kind),
		Product: webhookProduct{
			ID:           n.Item.ID,
			Title:        n.Item.Title,
			URL:          n.Item.URL,
			Marketplace:  string(n.Item.Marketplace),
			CurrentPrice: n.Event.NewPrice,
			Currency:     n.Item.Currency,
		},
		Change: webhookPriceChange{
			OldPrice:      n.Event.OldPrice,
			NewPrice:      n.Event.NewPrice,
			ChangePercent: n.Event.ChangePct,
			Savings:       n.Event.OldPrice.Sub(n.Event.NewPrice),
		},
		Timestamp: n.Event.CreatedAt.UTC().Format(time.RFC3339),
	}

	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal webhook payload: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.url, bytes.NewReader(body))
	if err != nil {
		return fmt.Errorf("create webhook request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := c.client.Do(req)
	if err != nil {
		return fmt.Errorf("send webhook request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return fmt.Errorf("webhook returned %d", resp.StatusCode)
	}
	return nil
}

var _ Channel = (*WebhookChannel)(nil)
