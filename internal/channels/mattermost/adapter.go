// Package mattermost implements the Mattermost channel by polling channel
// posts through the REST API.
package mattermost

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/mattermost/mattermost/server/public/model"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/pkg/models"
)

// MaxMessageLength is Mattermost's default post limit.
const MaxMessageLength = 16383

// Config holds the Mattermost adapter configuration.
type Config struct {
	// ServerURL is the Mattermost server URL (required).
	ServerURL string

	// Token is the bot token (required).
	Token string

	// Channels lists the channel ids to poll (required).
	Channels []string

	// BotUsername is the @name stripped in mention-only mode.
	BotUsername string

	// MentionOnly requires the bot to be mentioned in channel posts.
	MentionOnly bool

	// ThreadReplies makes replies start a thread on the triggering post.
	ThreadReplies bool

	// PollInterval between since-queries. Default: 3s.
	PollInterval time.Duration

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.ServerURL == "" {
		return channels.ErrConfig("mattermost server_url is required", nil)
	}
	if c.Token == "" {
		return channels.ErrConfig("mattermost token is required", nil)
	}
	if len(c.Channels) == 0 {
		return channels.ErrConfig("mattermost channels are required", nil)
	}
	if c.PollInterval <= 0 {
		c.PollInterval = 3 * time.Second
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// Client is the slice of Client4 the adapter uses; tests install a fake.
type Client interface {
	GetMe(ctx context.Context, etag string) (*model.User, *model.Response, error)
	GetPostsSince(ctx context.Context, channelID string, since int64, collapsedThreads bool) (*model.PostList, *model.Response, error)
	CreatePost(ctx context.Context, post *model.Post) (*model.Post, *model.Response, error)
}

// Adapter is the Mattermost channel.
type Adapter struct {
	cfg    Config
	client Client
	logger *slog.Logger

	mu        sync.Mutex
	botUserID string
	lastSeen  map[string]int64 // channel id -> highest create_at
	dedup     *channels.DedupCache
}

// NewAdapter creates a Mattermost adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	client := model.NewAPIv4Client(cfg.ServerURL)
	client.SetToken(cfg.Token)
	return &Adapter{
		cfg:      cfg,
		client:   client,
		logger:   cfg.Logger.With("channel", "mattermost"),
		lastSeen: make(map[string]int64),
		dedup:    channels.NewDedupCache(channels.DefaultDedupSize),
	}, nil
}

// SetClient installs a custom client; used by tests.
func (a *Adapter) SetClient(c Client) { a.client = c }

func (a *Adapter) Name() string { return string(models.ChannelMattermost) }

// Listen polls each configured channel for posts newer than the highest
// create_at seen, processing every batch in chronological order.
func (a *Adapter) Listen(ctx context.Context, tx chan<- models.ChannelMessage) error {
	me, _, err := a.client.GetMe(ctx, "")
	if err != nil {
		return channels.ErrAuthentication("mattermost identity lookup failed", err)
	}
	a.mu.Lock()
	a.botUserID = me.Id
	a.mu.Unlock()

	now := time.Now().UnixMilli()
	for _, ch := range a.cfg.Channels {
		a.lastSeen[ch] = now
	}

	ticker := time.NewTicker(a.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			for _, ch := range a.cfg.Channels {
				a.pollChannel(ctx, ch, tx)
			}
		}
	}
}

func (a *Adapter) pollChannel(ctx context.Context, channelID string, tx chan<- models.ChannelMessage) {
	a.mu.Lock()
	since := a.lastSeen[channelID]
	a.mu.Unlock()

	list, _, err := a.client.GetPostsSince(ctx, channelID, since, false)
	if err != nil {
		a.logger.Warn("poll failed", "channel", channelID, "error", err)
		return
	}
	if list == nil || len(list.Posts) == 0 {
		return
	}

	posts := make([]*model.Post, 0, len(list.Posts))
	for _, p := range list.Posts {
		posts = append(posts, p)
	}
	sort.Slice(posts, func(i, j int) bool { return posts[i].CreateAt < posts[j].CreateAt })

	for _, post := range posts {
		if post.CreateAt > since {
			a.mu.Lock()
			if post.CreateAt > a.lastSeen[channelID] {
				a.lastSeen[channelID] = post.CreateAt
			}
			a.mu.Unlock()
		}
		msg := a.convertPost(post)
		if msg == nil {
			continue
		}
		select {
		case tx <- *msg:
		case <-ctx.Done():
			return
		}
	}
}

// convertPost filters and normalizes one post.
func (a *Adapter) convertPost(post *model.Post) *models.ChannelMessage {
	a.mu.Lock()
	botID := a.botUserID
	a.mu.Unlock()

	if post.UserId == botID {
		return nil
	}
	if a.dedup.Seen(post.Id) {
		return nil
	}

	content := strings.TrimSpace(post.Message)
	if a.cfg.MentionOnly {
		stripped, mentioned := StripMention(content, a.cfg.BotUsername)
		if !mentioned && !metadataMentions(post, botID) {
			return nil
		}
		if mentioned {
			content = stripped
		}
	}
	if content == "" {
		return nil
	}

	return &models.ChannelMessage{
		ID:          post.Id,
		Sender:      post.UserId,
		ReplyTarget: replyTarget(post, a.cfg.ThreadReplies),
		Content:     content,
		Channel:     models.ChannelMattermost,
		Timestamp:   post.CreateAt / 1000,
		ThreadTS:    post.RootId,
	}
}

// replyTarget selects the routing token: the thread root when the post is
// already threaded, the post itself when thread replies are enabled, and
// the bare channel otherwise.
func replyTarget(post *model.Post, threadReplies bool) string {
	if post.RootId != "" {
		return post.ChannelId + ":" + post.RootId
	}
	if threadReplies {
		return post.ChannelId + ":" + post.Id
	}
	return post.ChannelId
}

// StripMention removes a leading or embedded @name token, case-insensitive
// and respecting username-character boundaries so "@botling" does not match
// "@bot".
func StripMention(content, botUsername string) (string, bool) {
	if botUsername == "" {
		return content, false
	}
	re := regexp.MustCompile(`(?i)@` + regexp.QuoteMeta(botUsername) + `([^a-zA-Z0-9_.-]|$)`)
	if !re.MatchString(content) {
		return content, false
	}
	stripped := re.ReplaceAllString(content, "$1")
	return strings.TrimSpace(strings.Join(strings.Fields(stripped), " ")), true
}

// metadataMentions reports whether the post's broadcast props carry an
// explicit mention of the bot user id.
func metadataMentions(post *model.Post, botID string) bool {
	if post.Props == nil || botID == "" {
		return false
	}
	raw, ok := post.Props["mentions"]
	if !ok {
		return false
	}
	switch v := raw.(type) {
	case string:
		var ids []string
		if err := json.Unmarshal([]byte(v), &ids); err != nil {
			return false
		}
		for _, id := range ids {
			if id == botID {
				return true
			}
		}
	case []any:
		for _, entry := range v {
			if s, ok := entry.(string); ok && s == botID {
				return true
			}
		}
	}
	return false
}

// Send posts the reply, splitting at the platform limit. The recipient is
// "channel" or "channel:root".
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	channelID, rootID := splitRecipient(msg.Recipient)
	for _, chunk := range channels.Split(msg.Content, MaxMessageLength) {
		post := &model.Post{
			ChannelId: channelID,
			RootId:    rootID,
			Message:   chunk,
		}
		if _, _, err := a.client.CreatePost(ctx, post); err != nil {
			return channels.ErrConnection("mattermost post failed", err)
		}
	}
	return nil
}

func splitRecipient(recipient string) (channelID, rootID string) {
	parts := strings.SplitN(recipient, ":", 2)
	channelID = parts[0]
	if len(parts) == 2 {
		rootID = parts[1]
	}
	return channelID, rootID
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	_, _, err := a.client.GetMe(ctx, "")
	if err != nil {
		a.logger.Debug("health check failed", "error", err)
	}
	return err == nil
}
