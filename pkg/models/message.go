// Package models defines the wire-level types shared between channels,
// the agent runtime, and tools.
package models

import (
	"regexp"
	"strings"
)

// ChannelType identifies a messaging transport.
type ChannelType string

const (
	ChannelTelegram    ChannelType = "telegram"
	ChannelMatrix      ChannelType = "matrix"
	ChannelSignal      ChannelType = "signal"
	ChannelMattermost  ChannelType = "mattermost"
	ChannelWhatsApp    ChannelType = "whatsapp"
	ChannelWhatsAppWeb ChannelType = "whatsapp_web"
	ChannelQQ          ChannelType = "qq"
	ChannelDingTalk    ChannelType = "dingtalk"
	ChannelWATI        ChannelType = "wati"
)

// ChannelMessage is an inbound message normalized from any transport.
//
// ReplyTarget is an opaque routing token owned by the originating channel;
// the runtime never interprets it. Content may embed attachment markers such
// as [IMAGE:<uri>], "[Voice] <text>", or "[Document: <name>] <path>".
type ChannelMessage struct {
	// ID is the channel-native message id, used for deduplication.
	ID string `json:"id"`

	// Sender is the identity normalized per channel (user id, MXID, E.164...).
	Sender string `json:"sender"`

	// SenderAliases carries additional identities for the same sender on
	// transports where one message exposes several (WhatsApp Web LID vs
	// phone number). Any of them passing the allowlist admits the message.
	SenderAliases []string `json:"sender_aliases,omitempty"`

	// ReplyTarget routes replies back to where this message came from.
	ReplyTarget string `json:"reply_target"`

	// Content is the UTF-8 message body.
	Content string `json:"content"`

	// Channel tags the originating transport.
	Channel ChannelType `json:"channel"`

	// Timestamp is unix seconds.
	Timestamp int64 `json:"timestamp"`

	// ThreadTS carries the thread identity when the transport has one.
	ThreadTS string `json:"thread_ts,omitempty"`
}

// SendMessage is an outbound message handed to a channel.
type SendMessage struct {
	Content   string `json:"content"`
	Recipient string `json:"recipient"`
	Subject   string `json:"subject,omitempty"`
}

// Role is a chat message role.
type Role string

const (
	RoleSystem    Role = "system"
	RoleUser      Role = "user"
	RoleAssistant Role = "assistant"
	RoleTool      Role = "tool"
)

// ContentPart is one element of a polymorphic message body: either text or
// an inline image reference.
type ContentPart struct {
	Text     string `json:"text,omitempty"`
	ImageURL string `json:"image_url,omitempty"`
}

// ChatMessage is one entry of the conversation history sent to a provider.
type ChatMessage struct {
	Role Role `json:"role"`

	// Content is the plain-text body. Parts is set instead when the body
	// mixes text with inline images.
	Content string        `json:"content,omitempty"`
	Parts   []ContentPart `json:"parts,omitempty"`

	// ToolCalls is set on assistant messages that requested tools.
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`

	// ToolCallID links a tool-role message to the call it answers.
	ToolCallID string `json:"tool_call_id,omitempty"`
}

// Usage carries provider-reported token counters.
type Usage struct {
	InputTokens  int `json:"input_tokens,omitempty"`
	OutputTokens int `json:"output_tokens,omitempty"`
}

// ChatResponse is a provider completion.
type ChatResponse struct {
	Text      string     `json:"text,omitempty"`
	ToolCalls []ToolCall `json:"tool_calls,omitempty"`
	Usage     *Usage     `json:"usage,omitempty"`
	Reasoning string     `json:"reasoning,omitempty"`
}

var imageMarkerRe = regexp.MustCompile(`\[IMAGE:([^\]]+)\]`)

// HasImageMarker reports whether content embeds an [IMAGE:<uri>] marker.
func HasImageMarker(content string) bool {
	return imageMarkerRe.MatchString(content)
}

// ExtractImageMarkers returns the URIs of all embedded image markers and the
// content with the markers removed.
func ExtractImageMarkers(content string) ([]string, string) {
	matches := imageMarkerRe.FindAllStringSubmatch(content, -1)
	if len(matches) == 0 {
		return nil, content
	}
	uris := make([]string, 0, len(matches))
	for _, m := range matches {
		uris = append(uris, m[1])
	}
	stripped := imageMarkerRe.ReplaceAllString(content, "")
	return uris, strings.TrimSpace(stripped)
}
