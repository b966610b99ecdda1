// Package gateway supervises channel listeners and routes messages between
// channels and the turn engine.
package gateway

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/finchbot/finch/internal/agent"
	"github.com/finchbot/finch/internal/channels"
	"github.com/finchbot/finch/internal/pairing"
	"github.com/finchbot/finch/internal/providers"
	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/pkg/models"
)

// UnauthorizedPrompt is the deterministic, non-revealing reply to senders
// outside the allowlist.
const UnauthorizedPrompt = "This bot requires operator approval."

// PairingHint follows the prompt while a pairing flow is active.
const PairingHint = "If you have a pairing code, reply with: /bind <code>"

// EngineFactory builds a turn engine for a new session. onDelta is non-nil
// only when the session streams into a draft.
type EngineFactory func(channelName, sessionKey string, onDelta func(string)) *agent.TurnEngine

// Registration binds one channel to its gate configuration.
type Registration struct {
	Channel   channels.Channel
	Allowlist *channels.Allowlist

	// QueueSize bounds the inbound queue. Default: 64.
	QueueSize int
}

// Config configures the Supervisor.
type Config struct {
	Engines EngineFactory

	// Provider is consulted for streaming capability; drafts are used only
	// when it streams and the channel supports draft updates.
	Provider providers.Provider

	// Pairing admits new identities via /bind codes; optional.
	Pairing *pairing.Pairing

	// TurnTimeout bounds one turn. Default: 5 minutes.
	TurnTimeout time.Duration

	Logger *slog.Logger
}

// session serializes turns for one reply target and owns its engine.
type session struct {
	mu     sync.Mutex
	engine *agent.TurnEngine

	// draft sink for the in-flight turn, nil outside streaming turns.
	sinkMu sync.Mutex
	sink   func(string)
}

func (s *session) setSink(fn func(string)) {
	s.sinkMu.Lock()
	s.sink = fn
	s.sinkMu.Unlock()
}

func (s *session) delta(text string) {
	s.sinkMu.Lock()
	fn := s.sink
	s.sinkMu.Unlock()
	if fn != nil {
		fn(text)
	}
}

// Supervisor spawns one listener per channel, restarts them with bounded
// backoff, and fans inbound messages into per-session turn engines.
type Supervisor struct {
	cfg           Config
	registrations map[string]*Registration
	logger        *slog.Logger

	mu       sync.Mutex
	sessions map[string]*session
	dedups   map[string]*channels.DedupCache
}

// NewSupervisor creates a supervisor over the given channel registrations.
func NewSupervisor(cfg Config, regs ...*Registration) *Supervisor {
	if cfg.TurnTimeout <= 0 {
		cfg.TurnTimeout = 5 * time.Minute
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	s := &Supervisor{
		cfg:           cfg,
		registrations: make(map[string]*Registration, len(regs)),
		logger:        cfg.Logger.With("component", "gateway"),
		sessions:      make(map[string]*session),
		dedups:        make(map[string]*channels.DedupCache),
	}
	for _, reg := range regs {
		name := reg.Channel.Name()
		s.registrations[name] = reg
		size := channels.DefaultDedupSize
		if name == string(models.ChannelQQ) {
			size = 10000
		}
		s.dedups[name] = channels.NewDedupCache(size)
	}
	return s
}

// Run starts every channel listener and blocks until ctx ends.
func (s *Supervisor) Run(ctx context.Context) error {
	var wg sync.WaitGroup
	for name, reg := range s.registrations {
		wg.Add(1)
		go func(name string, reg *Registration) {
			defer wg.Done()
			s.runChannel(ctx, name, reg)
		}(name, reg)
	}
	wg.Wait()
	return ctx.Err()
}

// runChannel owns one channel: a restarting listener feeding a bounded
// queue, and a single consumer preserving per-channel order.
func (s *Supervisor) runChannel(ctx context.Context, name string, reg *Registration) {
	size := reg.QueueSize
	if size <= 0 {
		size = 64
	}
	queue := make(chan models.ChannelMessage, size)

	go func() {
		reconnector := &channels.Reconnector{
			Config: channels.DefaultReconnectConfig(),
			Logger: s.logger.With("channel", name),
		}
		err := reconnector.Run(ctx, func(runCtx context.Context) error {
			return reg.Channel.Listen(runCtx, queue)
		})
		if err != nil && ctx.Err() == nil {
			s.logger.Error("channel listener stopped", "channel", name, "error", err)
		}
	}()

	for {
		select {
		case <-ctx.Done():
			return
		case msg := <-queue:
			s.HandleMessage(ctx, reg, msg)
		}
	}
}

// InjectWebhook feeds webhook-delivered payloads into the normal pipeline.
func (s *Supervisor) InjectWebhook(ctx context.Context, channelName string, body []byte) error {
	reg, ok := s.registrations[channelName]
	if !ok {
		return fmt.Errorf("unknown channel %s", channelName)
	}
	hook, ok := reg.Channel.(channels.WebhookChannel)
	if !ok {
		return fmt.Errorf("channel %s does not accept webhooks", channelName)
	}
	msgs, err := hook.ParseWebhookPayload(body)
	if err != nil {
		return err
	}
	for _, msg := range msgs {
		s.HandleMessage(ctx, reg, msg)
	}
	return nil
}

// HandleMessage applies dedup and the allowlist/pairing gate, then runs
// the turn and routes the reply.
func (s *Supervisor) HandleMessage(ctx context.Context, reg *Registration, msg models.ChannelMessage) {
	name := reg.Channel.Name()
	if strings.TrimSpace(msg.Content) == "" {
		return
	}
	if dedup := s.dedups[name]; dedup != nil && dedup.Seen(msg.ID) {
		return
	}

	if !s.admit(reg, msg) {
		return
	}

	reply, err := s.runTurn(ctx, reg, msg)
	if err != nil {
		if agent.IsCancelled(err) {
			// Cancelled turns produce no reply and no retry.
			return
		}
		s.logger.Error("turn failed", "channel", name, "error", err)
		reply = "Sorry, something went wrong: " + scrub.APIError(err.Error())
	}
	if strings.TrimSpace(reply) == "" {
		return
	}
	if err := reg.Channel.Send(ctx, models.SendMessage{Content: reply, Recipient: msg.ReplyTarget}); err != nil {
		s.logger.Error("send failed", "channel", name, "error", err)
	}
}

// admit enforces the allowlist, handling /bind pairing attempts from
// unknown senders. It reports whether the message should reach the engine.
func (s *Supervisor) admit(reg *Registration, msg models.ChannelMessage) bool {
	if reg.Allowlist == nil || reg.Allowlist.Allows(msg.Sender) {
		return true
	}
	// Multi-identity transports admit on any alias.
	if len(msg.SenderAliases) > 0 && reg.Allowlist.AllowsAny(msg.SenderAliases...) {
		return true
	}
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	if code, ok := parseBind(msg.Content); ok && s.cfg.Pairing != nil {
		matched, err := s.cfg.Pairing.Attempt(msg.Sender, code)
		switch {
		case err != nil:
			s.sendQuiet(ctx, reg, msg.ReplyTarget, "Pairing failed: "+err.Error())
		case matched:
			reg.Allowlist.Add(msg.Sender)
			s.sendQuiet(ctx, reg, msg.ReplyTarget, "Paired. You can talk to me now.")
			s.logger.Info("identity paired", "channel", reg.Channel.Name(), "sender", msg.Sender)
		default:
			s.sendQuiet(ctx, reg, msg.ReplyTarget, "That code does not match.")
		}
		return false
	}

	prompt := UnauthorizedPrompt
	if s.cfg.Pairing != nil && s.cfg.Pairing.Active() {
		prompt += "\n" + PairingHint
	}
	s.sendQuiet(ctx, reg, msg.ReplyTarget, prompt)
	return false
}

func (s *Supervisor) sendQuiet(ctx context.Context, reg *Registration, recipient, content string) {
	if err := reg.Channel.Send(ctx, models.SendMessage{Content: content, Recipient: recipient}); err != nil {
		s.logger.Debug("gate reply failed", "error", err)
	}
}

// parseBind recognizes "/bind <code>".
func parseBind(content string) (string, bool) {
	fields := strings.Fields(strings.TrimSpace(content))
	if len(fields) == 2 && strings.EqualFold(fields[0], "/bind") {
		return fields[1], true
	}
	return "", false
}

func (s *Supervisor) sessionFor(channelName string, msg models.ChannelMessage) *session {
	key := channelName + "|" + msg.ReplyTarget
	s.mu.Lock()
	defer s.mu.Unlock()
	sess, ok := s.sessions[key]
	if !ok {
		sess = &session{}
		sess.engine = s.cfg.Engines(channelName, key, sess.delta)
		s.sessions[key] = sess
	}
	return sess
}

// runTurn executes one turn for the message's session, using the draft
// lifecycle when both the provider and the channel support it.
func (s *Supervisor) runTurn(ctx context.Context, reg *Registration, msg models.ChannelMessage) (string, error) {
	sess := s.sessionFor(reg.Channel.Name(), msg)
	sess.mu.Lock()
	defer sess.mu.Unlock()

	turnCtx, cancel := context.WithTimeout(ctx, s.cfg.TurnTimeout)
	defer cancel()

	if typing, ok := reg.Channel.(channels.TypingChannel); ok {
		typing.StartTyping(turnCtx, msg.ReplyTarget)
		defer typing.StopTyping(msg.ReplyTarget)
	}

	draft, draftOK := reg.Channel.(channels.DraftChannel)
	streaming := draftOK && draft.SupportsDraftUpdates() &&
		s.cfg.Provider != nil && s.cfg.Provider.Capabilities().Streaming

	if !streaming {
		return sess.engine.Turn(turnCtx, msg.Content)
	}

	draftID, err := draft.SendDraft(turnCtx, msg.ReplyTarget, "…")
	if err != nil {
		// Draft setup failing is not fatal; fall back to a plain turn.
		return sess.engine.Turn(turnCtx, msg.Content)
	}

	var buf strings.Builder
	sess.setSink(func(delta string) {
		buf.WriteString(delta)
		_ = draft.UpdateDraft(turnCtx, msg.ReplyTarget, draftID, buf.String())
	})
	defer sess.setSink(nil)

	text, err := sess.engine.Turn(turnCtx, msg.Content)
	if err != nil {
		_ = draft.CancelDraft(context.Background(), msg.ReplyTarget, draftID)
		return "", err
	}
	if err := draft.FinalizeDraft(turnCtx, msg.ReplyTarget, draftID, text); err != nil {
		s.logger.Warn("draft finalize failed", "error", err)
		return text, nil
	}
	// The draft already carries the reply.
	return "", nil
}
