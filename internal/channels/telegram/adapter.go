// Package telegram implements the Telegram channel over long polling.
package telegram

import (
	"context"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/internal/channels/transcribe"
	"github.com/finchbot/finch/pkg/models"
)

// MaxMessageLength is Telegram's hard text limit.
const MaxMessageLength = 4096

// Config holds the Telegram adapter configuration.
type Config struct {
	// Token is the bot token from @BotFather (required).
	Token string

	// MaxVoiceDurationSecs bounds which voice notes are transcribed.
	MaxVoiceDurationSecs int

	// EditRate limits draft edits per chat (edits per second).
	EditRate float64

	// Transcriber handles voice notes when set.
	Transcriber transcribe.Transcriber

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.Token == "" {
		return channels.ErrConfig("telegram token is required", nil)
	}
	if c.MaxVoiceDurationSecs <= 0 {
		c.MaxVoiceDurationSecs = 120
	}
	if c.EditRate <= 0 {
		c.EditRate = 0.5 // Telegram tolerates roughly one edit per 2s per chat
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// BotClient is the slice of the bot API the adapter uses; tests install a
// fake.
type BotClient interface {
	SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error)
	EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error)
	DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error)
	SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error)
	GetFileDownloadLink(ctx context.Context, fileID string) (string, error)
}

type realBotClient struct {
	bot *bot.Bot
}

func (c *realBotClient) SendMessage(ctx context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	return c.bot.SendMessage(ctx, params)
}

func (c *realBotClient) EditMessageText(ctx context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error) {
	return c.bot.EditMessageText(ctx, params)
}

func (c *realBotClient) DeleteMessage(ctx context.Context, params *bot.DeleteMessageParams) (bool, error) {
	return c.bot.DeleteMessage(ctx, params)
}

func (c *realBotClient) SendChatAction(ctx context.Context, params *bot.SendChatActionParams) (bool, error) {
	return c.bot.SendChatAction(ctx, params)
}

func (c *realBotClient) GetFileDownloadLink(ctx context.Context, fileID string) (string, error) {
	f, err := c.bot.GetFile(ctx, &bot.GetFileParams{FileID: fileID})
	if err != nil {
		return "", err
	}
	return c.bot.FileDownloadLink(f), nil
}

// Adapter is the Telegram channel.
type Adapter struct {
	config Config
	bot    *bot.Bot
	client BotClient
	logger *slog.Logger

	editLimiters map[string]*channels.RateLimiter
	typing       map[string]*channels.TypingSlot
	mu           sync.Mutex
}

// NewAdapter creates a Telegram adapter.
func NewAdapter(config Config) (*Adapter, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		config:       config,
		logger:       config.Logger.With("channel", "telegram"),
		editLimiters: make(map[string]*channels.RateLimiter),
		typing:       make(map[string]*channels.TypingSlot),
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelTelegram) }

// Listen connects the bot and long-polls until ctx ends. The library owns
// the getUpdates offset; a conflicting poller (HTTP 409) surfaces as an
// error and the supervisor restarts us with backoff.
func (a *Adapter) Listen(ctx context.Context, tx chan<- models.ChannelMessage) error {
	handler := func(hctx context.Context, _ *bot.Bot, update *tgmodels.Update) {
		msg := a.convertUpdate(hctx, update)
		if msg == nil {
			return
		}
		select {
		case tx <- *msg:
		case <-hctx.Done():
		}
	}

	opts := []bot.Option{
		bot.WithDefaultHandler(handler),
	}
	b, err := bot.New(a.config.Token, opts...)
	if err != nil {
		return channels.ErrAuthentication("failed to create telegram bot", err)
	}
	a.mu.Lock()
	a.bot = b
	a.client = &realBotClient{bot: b}
	a.mu.Unlock()

	a.logger.Info("telegram listening")
	b.Start(ctx)
	return ctx.Err()
}

// SetClient installs a custom BotClient; used by tests.
func (a *Adapter) SetClient(c BotClient) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.client = c
}

func (a *Adapter) getClient() BotClient {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client
}

// convertUpdate normalizes a Telegram update. Voice notes within the
// duration cap are routed through the transcriber; media attachments
// become content markers.
func (a *Adapter) convertUpdate(ctx context.Context, update *tgmodels.Update) *models.ChannelMessage {
	m := update.Message
	if m == nil || m.From == nil {
		return nil
	}

	content := m.Text
	if content == "" {
		content = m.Caption
	}

	if m.Voice != nil {
		text := a.transcribeVoice(ctx, m.Voice)
		if text == "" {
			return nil
		}
		content = strings.TrimSpace("[Voice] " + text)
	}
	if len(m.Photo) > 0 {
		// The largest size is last.
		fileID := m.Photo[len(m.Photo)-1].FileID
		if link, err := a.getClient().GetFileDownloadLink(ctx, fileID); err == nil {
			content = strings.TrimSpace(content + "\n[IMAGE:" + link + "]")
		}
	}
	if m.Document != nil {
		if link, err := a.getClient().GetFileDownloadLink(ctx, m.Document.FileID); err == nil {
			content = strings.TrimSpace(content + fmt.Sprintf("\n[Document: %s] %s", m.Document.FileName, link))
		}
	}
	if strings.TrimSpace(content) == "" {
		return nil
	}

	reply := strconv.FormatInt(m.Chat.ID, 10)
	threadTS := ""
	if m.MessageThreadID != 0 {
		threadTS = strconv.Itoa(m.MessageThreadID)
		reply = reply + ":" + threadTS
	}

	return &models.ChannelMessage{
		ID:          strconv.Itoa(m.ID),
		Sender:      strconv.FormatInt(m.From.ID, 10),
		ReplyTarget: reply,
		Content:     content,
		Channel:     models.ChannelTelegram,
		Timestamp:   int64(m.Date),
		ThreadTS:    threadTS,
	}
}

func (a *Adapter) transcribeVoice(ctx context.Context, voice *tgmodels.Voice) string {
	if a.config.Transcriber == nil {
		return ""
	}
	if voice.Duration > a.config.MaxVoiceDurationSecs {
		a.logger.Debug("voice note over duration cap", "duration", voice.Duration)
		return ""
	}
	link, err := a.getClient().GetFileDownloadLink(ctx, voice.FileID)
	if err != nil {
		a.logger.Warn("voice file link failed", "error", err)
		return ""
	}
	text, err := a.config.Transcriber.Transcribe(ctx, link)
	if err != nil {
		a.logger.Warn("transcription failed", "error", err)
		return ""
	}
	return text
}

// parseRecipient splits a "chat" or "chat:thread" reply target.
func parseRecipient(recipient string) (chatID string, threadID int) {
	parts := strings.SplitN(recipient, ":", 2)
	chatID = parts[0]
	if len(parts) == 2 {
		threadID, _ = strconv.Atoi(parts[1])
	}
	return chatID, threadID
}

// Send delivers a message, splitting at the platform limit with
// continuation markers and falling back from Markdown to plain text when
// Telegram rejects the formatting.
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	client := a.getClient()
	if client == nil {
		return channels.ErrInternal("telegram bot not started", nil)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}
	chatID, threadID := parseRecipient(msg.Recipient)

	for _, chunk := range channels.SplitWithContinuations(msg.Content, MaxMessageLength) {
		if err := a.sendChunk(ctx, client, chatID, threadID, chunk); err != nil {
			return err
		}
	}
	return nil
}

func (a *Adapter) sendChunk(ctx context.Context, client BotClient, chatID string, threadID int, text string) error {
	params := &bot.SendMessageParams{
		ChatID:    chatID,
		Text:      text,
		ParseMode: tgmodels.ParseModeMarkdown,
	}
	if threadID != 0 {
		params.MessageThreadID = threadID
	}
	_, err := client.SendMessage(ctx, params)
	if err != nil && isParseError(err) {
		// Markdown first; plain on a 400.
		params.ParseMode = ""
		_, err = client.SendMessage(ctx, params)
	}
	if err != nil {
		return channels.ErrConnection("telegram send failed", err)
	}
	return nil
}

// isParseError recognizes the 400 Telegram returns for bad markup.
func isParseError(err error) bool {
	msg := strings.ToLower(err.Error())
	return strings.Contains(msg, "400") || strings.Contains(msg, "parse") || strings.Contains(msg, "bad request")
}

func (a *Adapter) HealthCheck(ctx context.Context) bool {
	return a.getClient() != nil
}

// StartTyping begins the typing indicator refresh loop for a chat.
func (a *Adapter) StartTyping(ctx context.Context, recipient string) {
	client := a.getClient()
	if client == nil {
		return
	}
	chatID, _ := parseRecipient(recipient)
	slot := a.typingSlot(chatID)
	slot.Start(ctx, 5*time.Second, func(c context.Context) {
		_, _ = client.SendChatAction(c, &bot.SendChatActionParams{
			ChatID: chatID,
			Action: tgmodels.ChatActionTyping,
		})
	})
}

// StopTyping aborts the typing refresh loop. Safe to call twice.
func (a *Adapter) StopTyping(recipient string) {
	chatID, _ := parseRecipient(recipient)
	a.typingSlot(chatID).Stop()
}

func (a *Adapter) typingSlot(chatID string) *channels.TypingSlot {
	a.mu.Lock()
	defer a.mu.Unlock()
	slot, ok := a.typing[chatID]
	if !ok {
		slot = &channels.TypingSlot{}
		a.typing[chatID] = slot
	}
	return slot
}

func (a *Adapter) editLimiter(chatID string) *channels.RateLimiter {
	a.mu.Lock()
	defer a.mu.Unlock()
	limiter, ok := a.editLimiters[chatID]
	if !ok {
		limiter = channels.NewRateLimiter(a.config.EditRate, 1)
		a.editLimiters[chatID] = limiter
	}
	return limiter
}

// SupportsDraftUpdates reports that Telegram can edit sent messages.
func (a *Adapter) SupportsDraftUpdates() bool { return true }

// SendDraft posts the initial draft message.
func (a *Adapter) SendDraft(ctx context.Context, recipient, content string) (string, error) {
	client := a.getClient()
	if client == nil {
		return "", channels.ErrInternal("telegram bot not started", nil)
	}
	chatID, threadID := parseRecipient(recipient)
	params := &bot.SendMessageParams{ChatID: chatID, Text: clipDraft(content)}
	if threadID != 0 {
		params.MessageThreadID = threadID
	}
	sent, err := client.SendMessage(ctx, params)
	if err != nil {
		return "", channels.ErrConnection("telegram draft send failed", err)
	}
	return strconv.Itoa(sent.ID), nil
}

// UpdateDraft edits the draft, rate-limited per chat. Skipped updates are
// fine; the next one carries the full text anyway.
func (a *Adapter) UpdateDraft(ctx context.Context, recipient, id, content string) error {
	client := a.getClient()
	if client == nil {
		return channels.ErrInternal("telegram bot not started", nil)
	}
	chatID, _ := parseRecipient(recipient)
	if !a.editLimiter(chatID).Allow() {
		return nil
	}
	msgID, err := strconv.Atoi(id)
	if err != nil {
		return channels.ErrInvalidInput("bad draft id", err)
	}
	_, err = client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: msgID,
		Text:      clipDraft(content),
	})
	if err != nil && !isNotModified(err) {
		return channels.ErrConnection("telegram draft edit failed", err)
	}
	return nil
}

// FinalizeDraft writes the final text with Markdown-then-plain fallback.
// Oversize content deletes the draft and falls back to chunked send.
func (a *Adapter) FinalizeDraft(ctx context.Context, recipient, id, content string) error {
	client := a.getClient()
	if client == nil {
		return channels.ErrInternal("telegram bot not started", nil)
	}
	chatID, _ := parseRecipient(recipient)
	msgID, err := strconv.Atoi(id)
	if err != nil {
		return channels.ErrInvalidInput("bad draft id", err)
	}

	if len([]rune(content)) > MaxMessageLength {
		_, _ = client.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: chatID, MessageID: msgID})
		return a.Send(ctx, models.SendMessage{Content: content, Recipient: recipient})
	}

	_, err = client.EditMessageText(ctx, &bot.EditMessageTextParams{
		ChatID:    chatID,
		MessageID: msgID,
		Text:      content,
		ParseMode: tgmodels.ParseModeMarkdown,
	})
	if err != nil && isParseError(err) {
		_, err = client.EditMessageText(ctx, &bot.EditMessageTextParams{
			ChatID:    chatID,
			MessageID: msgID,
			Text:      content,
		})
	}
	if err != nil && !isNotModified(err) {
		return channels.ErrConnection("telegram draft finalize failed", err)
	}
	return nil
}

// CancelDraft deletes the draft message.
func (a *Adapter) CancelDraft(ctx context.Context, recipient, id string) error {
	client := a.getClient()
	if client == nil {
		return nil
	}
	chatID, _ := parseRecipient(recipient)
	msgID, err := strconv.Atoi(id)
	if err != nil {
		return nil
	}
	_, _ = client.DeleteMessage(ctx, &bot.DeleteMessageParams{ChatID: chatID, MessageID: msgID})
	return nil
}

func isNotModified(err error) bool {
	return strings.Contains(strings.ToLower(err.Error()), "not modified")
}

// clipDraft bounds draft intermediate content to the platform limit; the
// final text is handled by FinalizeDraft.
func clipDraft(content string) string {
	runes := []rune(content)
	if len(runes) <= MaxMessageLength {
		return content
	}
	return string(runes[:MaxMessageLength-1]) + "…"
}
