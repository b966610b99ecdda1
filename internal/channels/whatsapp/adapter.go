// Package whatsapp implements the WhatsApp Cloud API channel. Inbound
// arrives through webhook fan-in; Listen is a long-lived no-op.
package whatsapp

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/pkg/models"
)

const graphAPIBase = "https://graph.facebook.com/v18.0"

// Config holds the WhatsApp Cloud adapter configuration.
type Config struct {
	// AccessToken is the Cloud API token (required).
	AccessToken string

	// PhoneNumberID is the sending number's id (required).
	PhoneNumberID string

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.AccessToken == "" {
		return channels.ErrConfig("whatsapp access_token is required", nil)
	}
	if c.PhoneNumberID == "" {
		return channels.ErrConfig("whatsapp phone_number_id is required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the WhatsApp Cloud channel.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	dedup  *channels.DedupCache
}

// NewAdapter creates a WhatsApp Cloud adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("channel", "whatsapp"),
		client: &http.Client{Timeout: 30 * time.Second},
		dedup:  channels.NewDedupCache(channels.DefaultDedupSize),
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelWhatsApp) }

// Listen blocks until the context ends; the webhook gateway feeds inbound
// messages through ParseWebhookPayload instead.
func (a *Adapter) Listen(ctx context.Context, _ chan<- models.ChannelMessage) error {
	<-ctx.Done()
	return ctx.Err()
}

// NormalizeE164 ensures a leading plus on a digit-only number.
func NormalizeE164(number string) string {
	number = strings.TrimSpace(number)
	if number == "" || strings.HasPrefix(number, "+") {
		return number
	}
	return "+" + number
}

// webhookPayload mirrors the Meta webhook envelope.
type webhookPayload struct {
	Entry []struct {
		Changes []struct {
			Value struct {
				Messages []struct {
					ID        string `json:"id"`
					From      string `json:"from"`
					Timestamp string `json:"timestamp"`
					Type      string `json:"type"`
					Text      *struct {
						Body string `json:"body"`
					} `json:"text"`
				} `json:"messages"`
			} `json:"value"`
		} `json:"changes"`
	} `json:"entry"`
}

// ParseWebhookPayload extracts text messages from one webhook body. Status
// updates and non-text message types are dropped; numbers normalize to
// E.164. Allowlist filtering happens in the gateway.
func (a *Adapter) ParseWebhookPayload(body []byte) ([]models.ChannelMessage, error) {
	var payload webhookPayload
	if err := json.Unmarshal(body, &payload); err != nil {
		return nil, channels.ErrInvalidInput("whatsapp webhook unparseable", err)
	}

	var out []models.ChannelMessage
	for _, entry := range payload.Entry {
		for _, change := range entry.Changes {
			for _, m := range change.Value.Messages {
				if m.Type != "text" || m.Text == nil {
					continue
				}
				content := strings.TrimSpace(m.Text.Body)
				if content == "" {
					continue
				}
				if a.dedup.Seen(m.ID) {
					continue
				}
				from := NormalizeE164(m.From)
				var ts int64
				fmt.Sscanf(m.Timestamp, "%d", &ts)
				out = append(out, models.ChannelMessage{
					ID:          m.ID,
					Sender:      from,
					ReplyTarget: from,
					Content:     content,
					Channel:     models.ChannelWhatsApp,
					Timestamp:   ts,
				})
			}
		}
	}
	return out, nil
}

// Send posts a text message through the Cloud API.
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	to := strings.TrimPrefix(NormalizeE164(msg.Recipient), "+")

	body, _ := json.Marshal(map[string]any{
		"messaging_product": "whatsapp",
		"to":                to,
		"type":              "text",
		"text":              map[string]string{"body": msg.Content},
	})
	endpoint := fmt.Sprintf("%s/%s/messages", graphAPIBase, a.cfg.PhoneNumberID)
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+a.cfg.AccessToken)

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("whatsapp send failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return channels.ErrConnection(
			fmt.Sprintf("whatsapp send returned HTTP %d: %s", resp.StatusCode, scrub.APIError(string(raw))), nil)
	}
	return nil
}

func (a *Adapter) HealthCheck(context.Context) bool {
	return a.cfg.AccessToken != "" && a.cfg.PhoneNumberID != ""
}
