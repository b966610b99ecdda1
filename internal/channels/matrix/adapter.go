// Package matrix implements the Matrix channel over the mautrix client.
package matrix

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"maunium.net/go/mautrix"
	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/pkg/models"
)

// MaxMessageLength bounds one m.text body; Matrix events cap at 64 KiB so
// this leaves headroom for the envelope.
const MaxMessageLength = 32768

// Config holds the Matrix adapter configuration.
type Config struct {
	// HomeserverURL is the homeserver base URL (required).
	HomeserverURL string

	// UserID is the bot's MXID (required), e.g. @finch:example.org.
	UserID string

	// AccessToken authenticates the session (required).
	AccessToken string

	// StateDir is where the session file lives.
	StateDir string

	// MentionOnly gates group-room messages on a mention or bot-reply.
	MentionOnly bool

	// DirectRooms lists room ids treated as direct chats (mention gate
	// always passes there).
	DirectRooms []string

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.HomeserverURL == "" {
		return channels.ErrConfig("matrix homeserver_url is required", nil)
	}
	if c.UserID == "" {
		return channels.ErrConfig("matrix user_id is required", nil)
	}
	if c.AccessToken == "" {
		return channels.ErrConfig("matrix access_token is required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// session is the persisted device state.
type session struct {
	UserID   string `json:"user_id"`
	DeviceID string `json:"device_id"`
}

// Adapter is the Matrix channel.
type Adapter struct {
	cfg    Config
	client *mautrix.Client
	logger *slog.Logger

	// seenEvents dedups inbound events; ownEvents remembers our sends so a
	// reply to the bot can be detected in mention-only mode. Same bounded
	// set type, two roles.
	seenEvents *channels.DedupCache
	ownEvents  *channels.DedupCache

	mu         sync.Mutex
	aliasCache map[string]id.RoomID
	direct     map[string]bool
}

// NewAdapter creates a Matrix adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	direct := make(map[string]bool, len(cfg.DirectRooms))
	for _, r := range cfg.DirectRooms {
		direct[r] = true
	}
	return &Adapter{
		cfg:        cfg,
		logger:     cfg.Logger.With("channel", "matrix"),
		seenEvents: channels.NewDedupCache(channels.DefaultDedupSize),
		ownEvents:  channels.NewDedupCache(channels.DefaultDedupSize),
		aliasCache: make(map[string]id.RoomID),
		direct:     direct,
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelMatrix) }

func (a *Adapter) sessionPath() string {
	return filepath.Join(a.cfg.StateDir, "matrix", "session.json")
}

// restoreSession loads the persisted device; a fresh login falls back to
// whoami with a device hint and persists the result.
func (a *Adapter) restoreSession(ctx context.Context, client *mautrix.Client) error {
	if data, err := os.ReadFile(a.sessionPath()); err == nil {
		var s session
		if json.Unmarshal(data, &s) == nil && s.UserID == a.cfg.UserID && s.DeviceID != "" {
			client.DeviceID = id.DeviceID(s.DeviceID)
			a.logger.Info("matrix session restored", "device", s.DeviceID)
			return nil
		}
	}

	whoami, err := client.Whoami(ctx)
	if err != nil {
		return channels.ErrAuthentication("matrix whoami failed", err)
	}
	if whoami.UserID.String() != a.cfg.UserID {
		return channels.ErrAuthentication(
			fmt.Sprintf("token belongs to %s, config says %s", whoami.UserID, a.cfg.UserID), nil)
	}
	client.DeviceID = whoami.DeviceID

	s := session{UserID: a.cfg.UserID, DeviceID: whoami.DeviceID.String()}
	if data, err := json.Marshal(s); err == nil {
		_ = os.MkdirAll(filepath.Dir(a.sessionPath()), 0o755)
		_ = os.WriteFile(a.sessionPath(), data, 0o600)
	}
	return nil
}

// Listen runs the long sync loop.
func (a *Adapter) Listen(ctx context.Context, tx chan<- models.ChannelMessage) error {
	client, err := mautrix.NewClient(a.cfg.HomeserverURL, id.UserID(a.cfg.UserID), a.cfg.AccessToken)
	if err != nil {
		return channels.ErrConfig("matrix client setup failed", err)
	}
	if err := a.restoreSession(ctx, client); err != nil {
		return err
	}
	a.mu.Lock()
	a.client = client
	a.mu.Unlock()

	syncer := client.Syncer.(*mautrix.DefaultSyncer)
	syncer.OnEventType(event.EventMessage, func(_ context.Context, evt *event.Event) {
		msg := a.convertEvent(evt)
		if msg == nil {
			return
		}
		select {
		case tx <- *msg:
		case <-ctx.Done():
		}
	})

	a.logger.Info("matrix syncing", "user", a.cfg.UserID)
	return client.SyncWithContext(ctx)
}

// convertEvent filters and normalizes one room message event.
func (a *Adapter) convertEvent(evt *event.Event) *models.ChannelMessage {
	if evt.Sender.String() == a.cfg.UserID {
		// Remember our own sends for reply-to-bot detection.
		a.ownEvents.Add(evt.ID.String())
		return nil
	}
	if a.seenEvents.Seen(evt.ID.String()) {
		return nil
	}
	content := evt.Content.AsMessage()
	if content == nil {
		return nil
	}
	body := strings.TrimSpace(content.Body)
	if body == "" {
		return nil
	}

	if a.cfg.MentionOnly && !a.admits(evt, content) {
		return nil
	}

	return &models.ChannelMessage{
		ID:          evt.ID.String(),
		Sender:      strings.ToLower(evt.Sender.String()),
		ReplyTarget: evt.RoomID.String(),
		Content:     body,
		Channel:     models.ChannelMatrix,
		Timestamp:   evt.Timestamp / 1000,
	}
}

// admits applies the mention gate: direct rooms pass unconditionally;
// otherwise a structured m.mentions entry, a plain-text mention, a
// matrix.to link, or a reply to one of our own events is required.
func (a *Adapter) admits(evt *event.Event, content *event.MessageEventContent) bool {
	if a.direct[evt.RoomID.String()] {
		return true
	}
	if content.Mentions != nil {
		for _, uid := range content.Mentions.UserIDs {
			if strings.EqualFold(uid.String(), a.cfg.UserID) {
				return true
			}
		}
	}
	if MentionsUser(content.Body, a.cfg.UserID) {
		return true
	}
	if rel := content.RelatesTo; rel != nil {
		if replyTo := rel.GetReplyTo(); replyTo != "" && a.ownEvents.Contains(replyTo.String()) {
			return true
		}
	}
	return false
}

// MentionsUser detects a plain-text or matrix.to mention of userID.
// Matching is case-insensitive; the localpart alone also counts when
// prefixed with @.
func MentionsUser(body, userID string) bool {
	lowerBody := strings.ToLower(body)
	lowerID := strings.ToLower(userID)
	if strings.Contains(lowerBody, lowerID) {
		return true
	}
	if strings.Contains(lowerBody, "matrix.to/#/"+lowerID) {
		return true
	}
	if at := strings.IndexByte(lowerID, ':'); at > 1 {
		local := lowerID[:at] // includes the @
		if strings.Contains(lowerBody, local) {
			return true
		}
	}
	return false
}

// resolveRoom turns a canonical id (!...) or alias (#...) into a room id,
// caching alias resolutions.
func (a *Adapter) resolveRoom(ctx context.Context, ref string) (id.RoomID, error) {
	if strings.HasPrefix(ref, "!") {
		return id.RoomID(ref), nil
	}
	if !strings.HasPrefix(ref, "#") {
		return "", channels.ErrInvalidInput("matrix room ref must start with ! or #", nil)
	}

	a.mu.Lock()
	if cached, ok := a.aliasCache[ref]; ok {
		a.mu.Unlock()
		return cached, nil
	}
	client := a.client
	a.mu.Unlock()

	if client == nil {
		return "", channels.ErrInternal("matrix client not started", nil)
	}
	resp, err := client.ResolveAlias(ctx, id.RoomAlias(ref))
	if err != nil {
		return "", channels.ErrConnection("matrix alias resolution failed", err)
	}

	a.mu.Lock()
	a.aliasCache[ref] = resp.RoomID
	a.mu.Unlock()
	return resp.RoomID, nil
}

// Send delivers a message, remembering the sent event id for the
// reply-to-bot gate.
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return channels.ErrInternal("matrix client not started", nil)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	roomID, err := a.resolveRoom(ctx, msg.Recipient)
	if err != nil {
		return err
	}
	for _, chunk := range channels.Split(msg.Content, MaxMessageLength) {
		resp, err := client.SendText(ctx, roomID, chunk)
		if err != nil {
			return channels.ErrConnection("matrix send failed", err)
		}
		a.ownEvents.Add(resp.EventID.String())
	}
	return nil
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return false
	}
	checkCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, err := client.Whoami(checkCtx)
	return err == nil
}

// StartTyping sends a typing notification for the room.
func (a *Adapter) StartTyping(ctx context.Context, recipient string) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	if roomID, err := a.resolveRoom(ctx, recipient); err == nil {
		_, _ = client.UserTyping(ctx, roomID, true, 30*time.Second)
	}
}

// StopTyping clears the typing notification.
func (a *Adapter) StopTyping(recipient string) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if roomID, err := a.resolveRoom(ctx, recipient); err == nil {
		_, _ = client.UserTyping(ctx, roomID, false, 0)
	}
}
