// Package whatsappweb implements the WhatsApp Web channel over whatsmeow
// with a persistent device store.
package whatsappweb

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	qrterminal "github.com/mdp/qrterminal/v3"
	"go.mau.fi/whatsmeow"
	waE2E "go.mau.fi/whatsmeow/proto/waE2E"
	"go.mau.fi/whatsmeow/store/sqlstore"
	"go.mau.fi/whatsmeow/types"
	"go.mau.fi/whatsmeow/types/events"
	waLog "go.mau.fi/whatsmeow/util/log"
	"google.golang.org/protobuf/proto"

	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/pkg/models"
)

// Config holds the WhatsApp Web adapter configuration.
type Config struct {
	// DBPath is the device store location (required), e.g.
	// <state>/whatsapp-session.db.
	DBPath string

	// PairPhone, when set, uses the pair-code flow for that number instead
	// of a QR code.
	PairPhone string

	// Logger is an optional slog.Logger.
	Logger *slog.Logger
}

// Validate checks the configuration and applies defaults.
func (c *Config) Validate() error {
	if c.DBPath == "" {
		return channels.ErrConfig("whatsapp_web db_path is required", nil)
	}
	if c.Logger == nil {
		c.Logger = slog.Default()
	}
	return nil
}

// slogAdapter bridges whatsmeow's logger to slog.
type slogAdapter struct {
	logger *slog.Logger
}

func (l slogAdapter) Errorf(msg string, args ...any) { l.logger.Error(fmt.Sprintf(msg, args...)) }
func (l slogAdapter) Warnf(msg string, args ...any)  { l.logger.Warn(fmt.Sprintf(msg, args...)) }
func (l slogAdapter) Infof(msg string, args ...any)  { l.logger.Info(fmt.Sprintf(msg, args...)) }
func (l slogAdapter) Debugf(string, ...any)          {}
func (l slogAdapter) Sub(string) waLog.Logger        { return l }

// Adapter is the WhatsApp Web channel.
type Adapter struct {
	cfg    Config
	logger *slog.Logger
	dedup  *channels.DedupCache

	mu     sync.Mutex
	client *whatsmeow.Client

	// lidToPN resolves a LID sender to its phone-number identity; nil when
	// the store has no mapping.
	lidToPN func(lid types.JID) (types.JID, bool)
}

// NewAdapter creates a WhatsApp Web adapter.
func NewAdapter(cfg Config) (*Adapter, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &Adapter{
		cfg:    cfg,
		logger: cfg.Logger.With("channel", "whatsapp_web"),
		dedup:  channels.NewDedupCache(channels.DefaultDedupSize),
	}, nil
}

func (a *Adapter) Name() string { return string(models.ChannelWhatsAppWeb) }

func (a *Adapter) connect(ctx context.Context) (*whatsmeow.Client, error) {
	if err := os.MkdirAll(filepath.Dir(a.cfg.DBPath), 0o700); err != nil {
		return nil, fmt.Errorf("create session directory: %w", err)
	}
	container, err := sqlstore.New(ctx, "sqlite", "file:"+a.cfg.DBPath+"?_pragma=foreign_keys(1)", slogAdapter{a.logger})
	if err != nil {
		return nil, channels.ErrConnection("whatsapp store open failed", err)
	}
	device, err := container.GetFirstDevice(ctx)
	if err != nil {
		return nil, channels.ErrConnection("whatsapp device load failed", err)
	}

	client := whatsmeow.NewClient(device, slogAdapter{a.logger})

	if client.Store.ID == nil {
		if err := a.pair(ctx, client); err != nil {
			return nil, err
		}
	} else if err := client.Connect(); err != nil {
		return nil, channels.ErrConnection("whatsapp connect failed", err)
	}
	return client, nil
}

// pair runs the pair-code flow when a phone number is configured, else
// renders a QR code to the terminal.
func (a *Adapter) pair(ctx context.Context, client *whatsmeow.Client) error {
	qrChan, err := client.GetQRChannel(ctx)
	if err != nil {
		return channels.ErrAuthentication("whatsapp qr channel failed", err)
	}
	if err := client.Connect(); err != nil {
		return channels.ErrConnection("whatsapp connect failed", err)
	}

	if a.cfg.PairPhone != "" {
		code, err := client.PairPhone(ctx, a.cfg.PairPhone, true, whatsmeow.PairClientChrome, "Chrome (Linux)")
		if err != nil {
			return channels.ErrAuthentication("whatsapp pair-code request failed", err)
		}
		fmt.Printf("WhatsApp pairing code: %s\n", code)
	}

	for evt := range qrChan {
		switch evt.Event {
		case "code":
			if a.cfg.PairPhone == "" {
				qrterminal.GenerateHalfBlock(evt.Code, qrterminal.L, os.Stdout)
				fmt.Println("Scan the QR code with WhatsApp on your phone.")
			}
		case "success":
			a.logger.Info("whatsapp paired")
			return nil
		case "timeout":
			return channels.ErrAuthentication("whatsapp pairing timed out", nil)
		}
	}
	return nil
}

// Listen connects the client and forwards message events until ctx ends.
func (a *Adapter) Listen(ctx context.Context, tx chan<- models.ChannelMessage) error {
	client, err := a.connect(ctx)
	if err != nil {
		return err
	}
	a.mu.Lock()
	a.client = client
	a.lidToPN = func(lid types.JID) (types.JID, bool) {
		pn, err := client.Store.LIDs.GetPNForLID(ctx, lid)
		if err != nil || pn.IsEmpty() {
			return types.JID{}, false
		}
		return pn, true
	}
	a.mu.Unlock()

	handlerID := client.AddEventHandler(func(raw any) {
		evt, ok := raw.(*events.Message)
		if !ok {
			return
		}
		msg := a.convertMessage(evt)
		if msg == nil {
			return
		}
		select {
		case tx <- *msg:
		case <-ctx.Done():
		}
	})
	defer client.RemoveEventHandler(handlerID)

	a.logger.Info("whatsapp web connected")
	<-ctx.Done()
	client.Disconnect()
	return ctx.Err()
}

// SenderCandidates returns every identity that may represent the sender:
// the LID (or plain) sender, the paired phone alt JID, and the LID→PN
// mapping when one exists. Any candidate passing the allowlist admits the
// message; deliberately permissive to ride out the LID/PN migration.
func (a *Adapter) SenderCandidates(info *types.MessageInfo) []string {
	var out []string
	add := func(jid types.JID) {
		if jid.IsEmpty() {
			return
		}
		out = append(out, jid.User)
	}
	add(info.Sender)
	add(info.SenderAlt)

	a.mu.Lock()
	resolve := a.lidToPN
	a.mu.Unlock()
	if resolve != nil && info.Sender.Server == types.HiddenUserServer {
		if pn, ok := resolve(info.Sender); ok {
			add(pn)
		}
	}
	return out
}

func (a *Adapter) convertMessage(evt *events.Message) *models.ChannelMessage {
	if evt.Info.IsFromMe {
		return nil
	}
	if a.dedup.Seen(evt.Info.ID) {
		return nil
	}

	content := extractText(evt.Message)
	if strings.TrimSpace(content) == "" {
		return nil
	}

	// The primary sender identity leads; the gateway checks the full
	// candidate set through the aliases.
	candidates := a.SenderCandidates(&evt.Info)
	sender := ""
	if len(candidates) > 0 {
		sender = candidates[0]
	}

	return &models.ChannelMessage{
		ID:            evt.Info.ID,
		Sender:        sender,
		SenderAliases: candidates,
		ReplyTarget:   evt.Info.Chat.String(),
		Content:       strings.TrimSpace(content),
		Channel:       models.ChannelWhatsAppWeb,
		Timestamp:     evt.Info.Timestamp.Unix(),
	}
}

func extractText(msg *waE2E.Message) string {
	if msg == nil {
		return ""
	}
	if text := msg.GetConversation(); text != "" {
		return text
	}
	if ext := msg.GetExtendedTextMessage(); ext != nil {
		return ext.GetText()
	}
	if img := msg.GetImageMessage(); img != nil && img.GetCaption() != "" {
		return img.GetCaption()
	}
	return ""
}

// Send delivers a text message to the chat JID (DM or group) as received.
func (a *Adapter) Send(ctx context.Context, msg models.SendMessage) error {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return channels.ErrInternal("whatsapp client not started", nil)
	}
	if strings.TrimSpace(msg.Content) == "" {
		return nil
	}

	jid, err := types.ParseJID(msg.Recipient)
	if err != nil {
		return channels.ErrInvalidInput("bad whatsapp recipient", err)
	}
	_, err = client.SendMessage(ctx, jid, &waE2E.Message{
		Conversation: proto.String(msg.Content),
	})
	if err != nil {
		return channels.ErrConnection("whatsapp send failed", err)
	}
	return nil
}

func (a *Adapter) HealthCheck(context.Context) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.client != nil && a.client.IsConnected()
}

// StartTyping marks the chat as "composing".
func (a *Adapter) StartTyping(ctx context.Context, recipient string) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	if jid, err := types.ParseJID(recipient); err == nil {
		_ = client.SendChatPresence(ctx, jid, types.ChatPresenceComposing, types.ChatPresenceMediaText)
	}
}

// StopTyping clears the presence.
func (a *Adapter) StopTyping(recipient string) {
	a.mu.Lock()
	client := a.client
	a.mu.Unlock()
	if client == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if jid, err := types.ParseJID(recipient); err == nil {
		_ = client.SendChatPresence(ctx, jid, types.ChatPresencePaused, types.ChatPresenceMediaText)
	}
}
