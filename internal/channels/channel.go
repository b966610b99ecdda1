// Package channels defines the transport abstraction and the shared
// plumbing (splitting, dedup, allowlists, typing) used by every adapter.
package channels

import (
	"context"

	"github.com/finchbot/finch/pkg/models"
)

// Channel is the minimal contract every transport satisfies. Listen blocks
// until the context ends or the transport fails, pushing inbound messages
// into tx; the supervisor owns restarts.
type Channel interface {
	Name() string
	Listen(ctx context.Context, tx chan<- models.ChannelMessage) error
	Send(ctx context.Context, msg models.SendMessage) error
	HealthCheck(ctx context.Context) bool
}

// TypingChannel is implemented by transports with typing indicators.
type TypingChannel interface {
	StartTyping(ctx context.Context, recipient string)
	StopTyping(recipient string)
}

// DraftChannel is implemented by transports that can progressively edit an
// outbound message while the model streams.
type DraftChannel interface {
	SupportsDraftUpdates() bool

	// SendDraft posts the initial draft and returns its message id.
	SendDraft(ctx context.Context, recipient, content string) (string, error)

	// UpdateDraft replaces the draft content.
	UpdateDraft(ctx context.Context, recipient, id, content string) error

	// FinalizeDraft writes the final content (falling back to delete plus
	// chunked send when the content exceeds the platform limit).
	FinalizeDraft(ctx context.Context, recipient, id, content string) error

	// CancelDraft deletes the draft.
	CancelDraft(ctx context.Context, recipient, id string) error
}

// WebhookChannel is implemented by transports fed by webhook fan-in rather
// than an active listener. Listen is then a long-lived no-op.
type WebhookChannel interface {
	// ParseWebhookPayload extracts inbound messages from one webhook body.
	ParseWebhookPayload(body []byte) ([]models.ChannelMessage, error)
}
