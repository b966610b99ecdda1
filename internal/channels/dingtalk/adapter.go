// Package dingtalk implements the DingTalk channel over the stream-mode
// WebSocket gateway.
package dingtalk

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/pkg/models"
)

const (
	gatewayOpenURL = "https://api.dingtalk.com/v1.0/gateway/connections/open"
	callbackTopic  = "/v1.0/im/bot/messages/get"
)

// Config holds the DingTalk adapter configuration.
type Config struct {
	// ClientID is the app key (required).
	ClientID string

	// ClientSecret is the app secret (required).
	ClientSecret string

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.ClientID == "" || c.ClientSecret == "" {
		return channels.ErrConfig("dingtalk client_id and client_secret are required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the DingTalk channel.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client

	// sessionWebhooks routes replies: DingTalk hands a per-conversation
	// webhook with each inbound message, cached under both the chat id and
	// the sender id so group and private replies both resolve.
	mu              sync.Mutex
	sessionWebhooks map[string]string
	dedup           *channels.DedupCache
}

// NewAdapter creates a DingTalk adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:             cfg,
		logger:          cfg.Logger.With("channel", "dingtalk"),
		client:          &http.Client{Timeout: 15 * time.Second},
		sessionWebhooks: make(map[string]string),
		dedup:           channels.NewDedupCache(channels.DefaultDedupSize),
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelDingTalk) }

type gatewayResponse struct {
	Endpoint string `json:"endpoint"`
	Ticket   string `json:"ticket"`
}

// registerConnection asks the gateway for a WebSocket endpoint and ticket.
func (a *Adapter) registerConnection(ctx context.Context) (*gatewayResponse, error) {
	body, _ := json.Marshal(map[string]any{
		"clientId":     a.cfg.ClientID,
		"clientSecret": a.cfg.ClientSecret,
		"subscriptions": []map[string]string{
			{"type": "CALLBACK", "topic": callbackTopic},
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, gatewayOpenURL, bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return nil, channels.ErrConnection("dingtalk gateway registration failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return nil, channels.ErrConnection(
			fmt.Sprintf("dingtalk gateway returned HTTP %d: %s", resp.StatusCode, scrub.APIError(string(raw))), nil)
	}

	var gw gatewayResponse
	if err := json.NewDecoder(resp.Body).Decode(&gw); err != nil {
		return nil, channels.ErrConnection("dingtalk gateway response unparseable", err)
	}
	if gw.Endpoint == "" || gw.Ticket == "" {
		return nil, channels.ErrConnection("dingtalk gateway response incomplete", nil)
	}
	return &gw, nil
}

// Listen registers with the gateway, opens the WebSocket, and processes
// frames until the stream ends.
func (a *Adapter) Listen(ctx context.Context, tx chan<- models.ChannelMessage) error {
	gw, err := a.registerConnection(ctx)
	if err != nil {
		return err
	}

	wsURL := gw.Endpoint + "?ticket=" + gw.Ticket
	conn, _, err := websocket.DefaultDialer.DialContext(ctx, wsURL, nil)
	if err != nil {
		return channels.ErrConnection("dingtalk websocket dial failed", err)
	}
	defer conn.Close()
	a.logger.Info("dingtalk stream connected")

	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		_, raw, err := conn.ReadMessage()
		if err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return channels.ErrConnection("dingtalk websocket closed", err)
		}

		var frame map[string]json.RawMessage
		if err := json.Unmarshal(raw, &frame); err != nil {
			continue
		}
		frameType := rawString(frame["type"])
		messageID := frameMessageID(frame)

		switch frameType {
		case "SYSTEM":
			if err := conn.WriteMessage(websocket.TextMessage, buildAck(messageID)); err != nil {
				return channels.ErrConnection("dingtalk ack failed", err)
			}

		case "EVENT", "CALLBACK":
			data, ok := parseStreamData(frame["data"])
			if !ok {
				continue
			}
			_ = conn.WriteMessage(websocket.TextMessage, buildAck(messageID))

			msg := a.convertCallback(data, messageID)
			if msg == nil {
				continue
			}
			select {
			case tx <- *msg:
			case <-ctx.Done():
				return ctx.Err()
			}
		}
	}
}

func rawString(raw json.RawMessage) string {
	var s string
	_ = json.Unmarshal(raw, &s)
	return s
}

func frameMessageID(frame map[string]json.RawMessage) string {
	var headers struct {
		MessageID string `json:"messageId"`
	}
	_ = json.Unmarshal(frame["headers"], &headers)
	return headers.MessageID
}

// buildAck shapes the {code:200, headers:{messageId}, message:"OK"} reply
// the gateway expects for SYSTEM and callback frames.
func buildAck(messageID string) []byte {
	ack, _ := json.Marshal(map[string]any{
		"code": 200,
		"headers": map[string]string{
			"contentType": "application/json",
			"messageId":   messageID,
		},
		"message": "OK",
		"data":    "",
	})
	return ack
}

// callbackData is the chatbot message payload.
type callbackData struct {
	ConversationID   string          `json:"conversationId"`
	ConversationType json.RawMessage `json:"conversationType"`
	SenderStaffID    string          `json:"senderStaffId"`
	SessionWebhook   string          `json:"sessionWebhook"`
	MsgID            string          `json:"msgId"`
	Text             struct {
		Content string `json:"content"`
	} `json:"text"`
}

// parseStreamData tolerates data arriving as either a JSON object or a
// JSON-encoded string.
func parseStreamData(raw json.RawMessage) (*callbackData, bool) {
	if len(raw) == 0 {
		return nil, false
	}
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var encoded string
		if err := json.Unmarshal(trimmed, &encoded); err != nil {
			return nil, false
		}
		trimmed = []byte(encoded)
	}
	var data callbackData
	if err := json.Unmarshal(trimmed, &data); err != nil {
		return nil, false
	}
	return &data, true
}

// resolveChatID picks the reply key: the sender for private chats (type 1),
// the conversation for groups. Missing type is treated as private.
func resolveChatID(data *callbackData) string {
	private := true
	if len(data.ConversationType) > 0 {
		var asString string
		var asNumber int64
		if json.Unmarshal(data.ConversationType, &asString) == nil {
			private = asString == "1"
		} else if json.Unmarshal(data.ConversationType, &asNumber) == nil {
			private = asNumber == 1
		}
	}
	if private || data.ConversationID == "" {
		return data.SenderStaffID
	}
	return data.ConversationID
}

func (a *Adapter) convertCallback(data *callbackData, messageID string) *models.ChannelMessage {
	content := strings.TrimSpace(data.Text.Content)
	if content == "" {
		return nil
	}
	sender := data.SenderStaffID
	if sender == "" {
		sender = "unknown"
	}
	chatID := resolveChatID(data)

	if data.SessionWebhook != "" {
		a.mu.Lock()
		a.sessionWebhooks[chatID] = data.SessionWebhook
		a.sessionWebhooks[sender] = data.SessionWebhook
		a.mu.Unlock()
	}

	id := data.MsgID
	if id == "" {
		id = messageID
	}
	if a.dedup.Seen(id) {
		return nil
	}

	return &models.ChannelMessage{
		ID:          id,
		Sender:      sender,
		ReplyTarget: chatID,
		Content:     content,
		Channel:     models.ChannelDingTalk,
		Timestamp:   time.Now().Unix(),
	}
}

// Send posts a markdown reply through the cached session webhook for the
// recipient.
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	a.mu.Lock()
	webhook := a.sessionWebhooks[msg.Recipient]
	a.mu.Unlock()
	if webhook == "" {
		return channels.ErrInvalidInput("no session webhook for recipient "+msg.Recipient, nil)
	}

	title := msg.Subject
	if title == "" {
		title = "Reply"
	}
	body, _ := json.Marshal(map[string]any{
		"msgtype": "markdown",
		"markdown": map[string]string{
			"title": title,
			"text":  msg.Content,
		},
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, webhook, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("dingtalk send failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return channels.ErrConnection(fmt.Sprintf("dingtalk send returned HTTP %d", resp.StatusCode), nil)
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, err := a.registerConnection(ctx)
	return err == nil
}
