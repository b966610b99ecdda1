// Package signal implements the Signal channel against a signal-cli daemon:
// an SSE event stream for inbound and JSON-RPC for outbound.
package signal

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"regexp"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/pkg/models"
)

// Config holds the Signal adapter configuration.
type Config struct {
	// DaemonURL is the signal-cli daemon base URL (required), e.g.
	// http://127.0.0.1:8080.
	DaemonURL string

	// Account is the bot's own E.164 number (required).
	Account string

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.DaemonURL == "" {
		return channels.ErrConfig("signal daemon_url is required", nil)
	}
	if c.Account == "" {
		return channels.ErrConfig("signal account is required", nil)
	}
	c.DaemonURL = strings.TrimRight(c.DaemonURL, "/")
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the Signal channel.
type Adapter struct {
	cfg    Config
	client *http.Client
	logger *slog.Logger
	dedup  *channels.DedupCache
}

// NewAdapter creates a Signal adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		client: &http.Client{}, // no timeout: the SSE stream is long-lived
		logger: cfg.Logger.With("channel", "signal"),
		dedup:  channels.NewDedupCache(channels.DefaultDedupSize),
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelSignal) }

// Listen reads the daemon's SSE stream, reconnecting with exponential
// backoff capped at 60 seconds.
func (a *Adapter) Listen(ctx context.Context, tx chan<- models.ChannelMessage) error {
	reconnector := &channels.Reconnector{
		Config: channels.ReconnectConfig{
			InitialDelay: time.Second,
			MaxDelay:     60 * time.Second,
			Factor:       2,
			Jitter:       true,
		},
		Logger: a.logger,
	}
	return reconnector.Run(ctx, func(runCtx context.Context) error {
		return a.streamEvents(runCtx, tx)
	})
}

func (a *Adapter) streamEvents(ctx context.Context, tx chan<- models.ChannelMessage) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, a.cfg.DaemonURL+"/api/v1/events", nil)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "text/event-stream")

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("signal event stream failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channels.ErrConnection(fmt.Sprintf("signal event stream returned HTTP %d", resp.StatusCode), nil)
	}
	a.logger.Info("signal event stream connected")

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1<<20)
	for scanner.Scan() {
		line := scanner.Text()
		if !strings.HasPrefix(line, "data:") {
			continue
		}
		payload := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
		if payload == "" {
			continue
		}
		msg := a.parseEvent([]byte(payload))
		if msg == nil {
			continue
		}
		select {
		case tx <- *msg:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	if err := scanner.Err(); err != nil {
		return channels.ErrConnection("signal event stream closed", err)
	}
	return channels.ErrConnection("signal event stream ended", nil)
}

// envelope is the signal-cli receive payload shape.
type envelope struct {
	Envelope struct {
		Source       string `json:"source"`
		SourceUUID   string `json:"sourceUuid"`
		SourceNumber string `json:"sourceNumber"`
		Timestamp    int64  `json:"timestamp"`
		DataMessage  *struct {
			Message   string `json:"message"`
			GroupInfo *struct {
				GroupID string `json:"groupId"`
			} `json:"groupInfo"`
		} `json:"dataMessage"`
	} `json:"envelope"`
}

func (a *Adapter) parseEvent(data []byte) *models.ChannelMessage {
	var ev envelope
	if err := json.Unmarshal(data, &ev); err != nil {
		a.logger.Debug("unparseable signal event", "error", err)
		return nil
	}
	dm := ev.Envelope.DataMessage
	if dm == nil || strings.TrimSpace(dm.Message) == "" {
		return nil
	}

	sender := ev.Envelope.SourceNumber
	if sender == "" {
		sender = ev.Envelope.Source
	}
	if sender == "" {
		sender = ev.Envelope.SourceUUID
	}

	reply := sender
	if dm.GroupInfo != nil && dm.GroupInfo.GroupID != "" {
		reply = "group:" + dm.GroupInfo.GroupID
	}

	id := fmt.Sprintf("%s-%d", sender, ev.Envelope.Timestamp)
	if a.dedup.Seen(id) {
		return nil
	}

	return &models.ChannelMessage{
		ID:          id,
		Sender:      sender,
		ReplyTarget: reply,
		Content:     dm.Message,
		Channel:     models.ChannelSignal,
		Timestamp:   ev.Envelope.Timestamp / 1000,
	}
}

// RecipientKind classifies an outbound recipient token.
type RecipientKind int

const (
	// RecipientNumber is an E.164 phone number.
	RecipientNumber RecipientKind = iota
	// RecipientUUID is a privacy-preserving account identity.
	RecipientUUID
	// RecipientGroup is a "group:<id>" token.
	RecipientGroup
)

var (
	e164Re = regexp.MustCompile(`^\+[1-9]\d{6,14}$`)
	uuidRe = regexp.MustCompile(`^[0-9a-fA-F]{8}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{4}-[0-9a-fA-F]{12}$`)
)

// ClassifyRecipient distinguishes numbers, UUIDs, and group ids.
func ClassifyRecipient(recipient string) RecipientKind {
	if strings.HasPrefix(recipient, "group:") {
		return RecipientGroup
	}
	if uuidRe.MatchString(recipient) {
		return RecipientUUID
	}
	if e164Re.MatchString(recipient) {
		return RecipientNumber
	}
	// signal-cli accepts UUIDs and numbers under the same parameter, so an
	// ambiguous token is treated as a direct recipient.
	return RecipientNumber
}

type rpcRequest struct {
	JSONRPC string         `json:"jsonrpc"`
	Method  string         `json:"method"`
	Params  map[string]any `json:"params"`
	ID      int64          `json:"id"`
}

// Send delivers a message through the daemon's JSON-RPC endpoint.
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	params := map[string]any{
		"account": a.cfg.Account,
		"message": msg.Content,
	}
	switch ClassifyRecipient(msg.Recipient) {
	case RecipientGroup:
		params["groupId"] = strings.TrimPrefix(msg.Recipient, "group:")
	default:
		params["recipient"] = []string{msg.Recipient}
	}

	body, err := json.Marshal(rpcRequest{
		JSONRPC: "2.0",
		Method:  "send",
		Params:  params,
		ID:      time.Now().UnixNano(),
	})
	if err != nil {
		return err
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, a.cfg.DaemonURL+"/api/v1/rpc", bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := (&http.Client{Timeout: 30 * time.Second}).Do(req)
	if err != nil {
		return channels.ErrConnection("signal send failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channels.ErrConnection(fmt.Sprintf("signal send returned HTTP %d", resp.StatusCode), nil)
	}

	var rpcResp struct {
		Error *struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&rpcResp); err == nil && rpcResp.Error != nil {
		return channels.ErrConnection("signal rpc error: "+rpcResp.Error.Message, nil)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(checkCtx, http.MethodGet, a.cfg.DaemonURL+"/api/v1/about", nil)
	if err != nil {
		return false
	}
	resp, err := (&http.Client{Timeout: 5 * time.Second}).Do(req)
	if err != nil {
		return false
	}
	resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}
