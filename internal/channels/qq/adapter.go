// Package qq implements the QQ bot channel over the sgroup WebSocket
// gateway.
package qq

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/pkg/models"
)

const (
	apiBase = "https://api.sgroup.qq.com"
	authURL = "https://bots.qq.com/app/getAppAccessToken"

	// DedupCapacity is the bounded id window; half is evicted on overflow.
	DedupCapacity = 10000
)

// Gateway opcodes.
const (
	opDispatch       = 0
	opHeartbeat      = 1
	opIdentify       = 2
	opReconnect      = 7
	opInvalidSession = 9
	opHello          = 10
)

// identifyIntents subscribes to group at-messages and C2C messages.
const identifyIntents = (1 << 25) | (1 << 30)

// Config holds the QQ adapter configuration.
type Config struct {
	// AppID is the bot app id (required).
	AppID string

	// AppSecret is the bot secret (required).
	AppSecret string

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.AppID == "" || c.AppSecret == "" {
		return channels.ErrConfig("qq app_id and app_secret are required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Adapter is the QQ channel.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
	dedup  *channels.DedupCache

	mu          sync.Mutex
	token       string
	tokenExpiry time.Time
}

// NewAdapter creates a QQ adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("channel", "qq"),
		client: &http.Client{Timeout: 15 * time.Second},
		dedup:  channels.NewDedupCache(DedupCapacity),
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelQQ) }

// fetchAccessToken retrieves a fresh app access token.
func (a *Adapter) fetchAccessToken(ctx context.Context) (string, time.Duration, error) {
	body, _ := json.Marshal(map[string]string{
		"appId":        a.cfg.AppID,
		"clientSecret": a.cfg.AppSecret,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, authURL, bytes.NewReader(body))
	if err != nil {
		return "", 0, err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := a.client.Do(req)
	if err != nil {
		return "", 0, channels.ErrConnection("qq token fetch failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return "", 0, channels.ErrAuthentication(
			fmt.Sprintf("qq token endpoint returned HTTP %d: %s", resp.StatusCode, scrub.APIError(string(raw))), nil)
	}

	var payload struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   string `json:"expires_in"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil {
		return "", 0, channels.ErrAuthentication("qq token response unparseable", err)
	}
	if payload.AccessToken == "" {
		return "", 0, channels.ErrAuthentication("qq token response missing access_token", nil)
	}
	var expires int64 = 7200
	fmt.Sscanf(payload.ExpiresIn, "%d", &expires)
	return payload.AccessToken, time.Duration(expires) * time.Second, nil
}

// getToken returns a cached token, refreshing 60 seconds before expiry.
func (a *Adapter) getToken(ctx context.Context) (string, error) {
	a.mu.Lock()
	if a.token != "" && time.Until(a.tokenExpiry) > 0 {
		token := a.token
		a.mu.Unlock()
		return token, nil
	}
	a.mu.Unlock()

	token, ttl, err := a.fetchAccessToken(ctx)
	if err != nil {
		return "", err
	}
	a.mu.Lock()
	a.token = token
	a.tokenExpiry = time.Now().Add(ttl - 60*time.Second)
	a.mu.Unlock()
	return token, nil
}

func (a *Adapter) gatewayURL(ctx context.Context, token string) (string, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, apiBase+"/gateway", nil)
	if err != nil {
		return "", err
	}
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return "", channels.ErrConnection("qq gateway lookup failed", err)
	}
	defer resp.Body.Close()
	var payload struct {
		URL string `json:"url"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&payload); err != nil || payload.URL == "" {
		return "", channels.ErrConnection("qq gateway response unparseable", err)
	}
	return payload.URL, nil
}

// gatewayFrame is one WebSocket payload.
type gatewayFrame struct {
	Op int             `json:"op"`
	S  *int64          `json:"s,omitempty"`
	T  string          `json:"t,omitempty"`
	D  json.RawMessage `json:"d,omitempty"`
}

// Listen connects to the gateway, identifies, heartbeats, and dispatches
// message events. Reconnect (op 7) and invalid session (op 9) break the
// loop so the supervisor reconnects us.
func (a *Adapter) Listen(ctx context.Context, tx chan<- models.ChannelMessage) error {
	token, err := a.getToken(ctx)
	if err != nil {
		return err
	}
	gwURL, err := a.gatewayURL(ctx, token)
	if err != nil {
		return err
	}

	conn, _, err := websocket.DefaultDialer.DialContext(ctx, gwURL, nil)
	if err != nil {
		return channels.ErrConnection("qq websocket dial failed", err)
	}
	defer conn.Close()

	// Hello carries the heartbeat interval.
	var hello gatewayFrame
	if err := conn.ReadJSON(&hello); err != nil || hello.Op != opHello {
		return channels.ErrConnection("qq gateway hello missing", err)
	}
	var helloData struct {
		HeartbeatInterval int64 `json:"heartbeat_interval"`
	}
	_ = json.Unmarshal(hello.D, &helloData)
	if helloData.HeartbeatInterval <= 0 {
		helloData.HeartbeatInterval = 45000
	}

	identify, _ := json.Marshal(gatewayFrame{
		Op: opIdentify,
		D: mustJSON(map[string]any{
			"token":   "QQBot " + token,
			"intents": identifyIntents,
			"shard":   []int{0, 1},
		}),
	})
	if err := conn.WriteMessage(websocket.TextMessage, identify); err != nil {
		return channels.ErrConnection("qq identify failed", err)
	}
	a.logger.Info("qq gateway connected", "heartbeat_ms", helloData.HeartbeatInterval)

	var seqMu sync.Mutex
	var lastSeq *int64
	writeHeartbeat := func() error {
		seqMu.Lock()
		seq := lastSeq
		seqMu.Unlock()
		frame, _ := json.Marshal(map[string]any{"op": opHeartbeat, "d": seq})
		return conn.WriteMessage(websocket.TextMessage, frame)
	}

	hbCtx, hbCancel := context.WithCancel(ctx)
	defer hbCancel()
	go func() {
		ticker := time.NewTicker(time.Duration(helloData.HeartbeatInterval) * time.Millisecond)
		defer ticker.Stop()
		for {
			select {
			case <-hbCtx.Done():
				return
			case <-ticker.C:
				if err := writeHeartbeat(); err != nil {
					return
				}
			}
		}
	}()
	go func() {
		<-ctx.Done()
		conn.Close()
	}()

	for {
		var frame gatewayFrame
		if err := conn.ReadJSON(&frame); err != nil {
			if ctx.Err() != nil {
				return ctx.Err()
			}
			return channels.ErrConnection("qq websocket closed", err)
		}
		if frame.S != nil {
			seqMu.Lock()
			lastSeq = frame.S
			seqMu.Unlock()
		}

		switch frame.Op {
		case opHeartbeat:
			// Server asked for an immediate heartbeat.
			if err := writeHeartbeat(); err != nil {
				return channels.ErrConnection("qq heartbeat failed", err)
			}
		case opReconnect:
			return channels.ErrConnection("qq gateway requested reconnect", nil)
		case opInvalidSession:
			return channels.ErrConnection("qq gateway invalidated the session", nil)
		case opDispatch:
			msg := a.convertDispatch(frame.T, frame.D)
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

func mustJSON(v any) json.RawMessage {
	data, _ := json.Marshal(v)
	return data
}

// messagePayload is the dispatch body for both C2C and group messages.
type messagePayload struct {
	ID     string `json:"id"`
	Author struct {
		ID           string `json:"id"`
		UserOpenID   string `json:"user_openid"`
		MemberOpenID string `json:"member_openid"`
	} `json:"author"`
	GroupOpenID string `json:"group_openid"`
	Content     string `json:"content"`
	Attachments []struct {
		URL         string `json:"url"`
		ContentType string `json:"content_type"`
		Filename    string `json:"filename"`
	} `json:"attachments"`
}

func (a *Adapter) convertDispatch(eventType string, data json.RawMessage) *models.ChannelMessage {
	var payload messagePayload
	if err := json.Unmarshal(data, &payload); err != nil {
		return nil
	}
	if a.dedup.Seen(payload.ID) {
		return nil
	}
	content := ComposeContent(&payload)
	if content == "" {
		return nil
	}

	switch eventType {
	case "C2C_MESSAGE_CREATE":
		sender := payload.Author.UserOpenID
		if sender == "" {
			sender = payload.Author.ID
		}
		return &models.ChannelMessage{
			ID:          payload.ID,
			Sender:      sender,
			ReplyTarget: "user:" + sender,
			Content:     content,
			Channel:     models.ChannelQQ,
			Timestamp:   time.Now().Unix(),
		}
	case "GROUP_AT_MESSAGE_CREATE":
		sender := payload.Author.MemberOpenID
		if sender == "" {
			sender = payload.Author.ID
		}
		return &models.ChannelMessage{
			ID:          payload.ID,
			Sender:      sender,
			ReplyTarget: "group:" + payload.GroupOpenID,
			Content:     content,
			Channel:     models.ChannelQQ,
			Timestamp:   time.Now().Unix(),
		}
	}
	return nil
}

var imageExtensions = []string{".png", ".jpg", ".jpeg", ".gif", ".webp", ".bmp", ".heic", ".heif", ".svg"}

func isImageFilename(filename string) bool {
	lower := strings.ToLower(filename)
	for _, ext := range imageExtensions {
		if strings.HasSuffix(lower, ext) {
			return true
		}
	}
	return false
}

// ComposeContent joins the trimmed text with the sorted image attachment
// markers.
func ComposeContent(payload *messagePayload) string {
	text := strings.TrimSpace(payload.Content)

	var markers []string
	for _, att := range payload.Attachments {
		u := strings.TrimSpace(att.URL)
		if u == "" {
			continue
		}
		isImage := strings.HasPrefix(strings.ToLower(att.ContentType), "image/") || isImageFilename(att.Filename)
		if !isImage {
			continue
		}
		markers = append(markers, "[IMAGE:"+u+"]")
	}
	sort.Strings(markers)

	switch {
	case text == "" && len(markers) == 0:
		return ""
	case text == "":
		return strings.Join(markers, "\n")
	case len(markers) == 0:
		return text
	default:
		return text + "\n\n" + strings.Join(markers, "\n")
	}
}

// Send posts a message to "user:<openid>" or "group:<group_openid>".
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	token, err := a.getToken(ctx)
	if err != nil {
		return err
	}

	var endpoint string
	if group, ok := strings.CutPrefix(msg.Recipient, "group:"); ok {
		endpoint = fmt.Sprintf("%s/v2/groups/%s/messages", apiBase, url.PathEscape(group))
	} else {
		user := strings.TrimPrefix(msg.Recipient, "user:")
		user = sanitizeOpenID(user)
		endpoint = fmt.Sprintf("%s/v2/users/%s/messages", apiBase, user)
	}

	body, _ := json.Marshal(map[string]any{
		"content":  msg.Content,
		"msg_type": 0,
	})
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint, bytes.NewReader(body))
	if err != nil {
		return err
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "QQBot "+token)

	resp, err := a.client.Do(req)
	if err != nil {
		return channels.ErrConnection("qq send failed", err)
	}
	defer resp.Body.Close()
	if resp.StatusCode >= 300 {
		raw, _ := io.ReadAll(io.LimitReader(resp.Body, 4096))
		return channels.ErrConnection(
			fmt.Sprintf("qq send returned HTTP %d: %s", resp.StatusCode, scrub.APIError(string(raw))), nil)
	}
	return nil
}

// sanitizeOpenID keeps only the characters valid in an openid.
func sanitizeOpenID(s string) string {
	var sb strings.Builder
	for _, r := range s {
		if r == '_' || ('a' <= r && r <= 'z') || ('A' <= r && r <= 'Z') || ('0' <= r && r <= '9') {
			sb.WriteRune(r)
		}
	}
	return sb.String()
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, _, err := a.fetchAccessToken(ctx)
	return err == nil
}
