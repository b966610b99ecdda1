// Package wati implements the WATI (WhatsApp Team Inbox) channel. Inbound
// arrives through webhook fan-in; outbound uses the session message API.
package wati

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/pkg/models"
)

// Config holds the WATI adapter configuration.
type Config struct {
	// APIEndpoint is the tenant API base URL (required), e.g.
	// https://live-mt-server.wati.io/12345.
	APIEndpoint string

	// Token is the bearer token (required).
	Token string

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.APIEndpoint == "" {
		return channels.ErrConfig("wati api_endpoint is required", nil)
	}
	if c.Token == "" {
		return channels.ErrConfig("wati token is required", nil)
	}
	c.APIEndpoint = strings.TrimRight(c.APIEndpoint, "/")
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the WATI channel.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	dedup  *channels.DedupCache
}

// NewAdapter creates a WATI adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("channel", "wati"),
		client: &http.Client{Timeout: 30 * time.Second},
		dedup:  channels.NewDedupCache(channels.DefaultDedupSize),
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelWATI) }

// Listen blocks until the context ends; inbound messages arrive through
// ParseWebhookPayload.
func (a *Adapter) Listen(ctx context.Context, _ chan<- models.ChannelMessage) error {
	<-ctx.Done()
	return ctx.Err()
}

// watiEvent is the webhook body for one message event.
type watiEvent struct {
	ID        string `json:"id"`
	WaID      string `json:"waId"`
	Text      string `json:"text"`
	Body      string `json:"body"`
	Owner     bool   `json:"owner"`
	EventType string `json:"eventType"`
	Timestamp string `json:"timestamp"`
}

// ParseWebhookPayload extracts a message from one webhook body. Events the
// bot itself produced (owner=true) and empty bodies are dropped; numbers
// normalize to E.164.
func (a *Adapter) ParseWebhookPayload(body []byte) ([]models.ChannelMessage, error) {
	var ev watiEvent
	if err := json.Unmarshal(body, &ev); err != nil {
		return nil, channels.ErrInvalidInput("wati webhook unparseable", err)
	}
	if ev.Owner {
		return nil, nil
	}
	content := strings.TrimSpace(ev.Text)
	if content == "" {
		content = strings.TrimSpace(ev.Body)
	}
	if content == "" || ev.WaID == "" {
		return nil, nil
	}
	if a.dedup.Seen(ev.ID) {
		return nil, nil
	}

	number := ev.WaID
	if !strings.HasPrefix(number, "+") {
		number = "+" + number
	}
	var ts int64
	fmt.Sscanf(ev.Timestamp, "%d", &ts)
	if ts == 0 {
		ts = time.Now().Unix()
	}

	return []models.ChannelMessage{{
		ID:          ev.ID,
		Sender:      number,
		ReplyTarget: number,
		Content:     content,
		Channel:     models.ChannelWATI,
		Timestamp:   ts,
	}}, nil
}

// Send posts a session message to the recipient number.
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	number := strings.TrimPrefix(msg.Recipient, "+")
	endpoint := fmt.Sprintf("%s/api/v1/sendSessionMessage/%s?messageText=%s",
		a.cfg.APIEndpoint, url.PathEscape(number), url.QueryEscape(msg.Content))

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, nil)
	if err != nil {
		return err
	}
	req.Header.Set("Authorization", "Bearer "+a.cfg.Token)

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("wati send failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return channels.ErrConnection(
			fmt.Sprintf("wati send returned HTTP %d: %s", resp.StatusCode, scrub.APIError(string(raw))), nil)
	}
	return nil
}

func (a *Adapter) HealthCheck(context.Context) bool {
	return a.cfg.Token != ""
}
