package matrix

import (
	"testing"

	"maunium.net/go/mautrix/event"
	"maunium.net/go/mautrix/id"
)

func newTestAdapter(t *testing.T, mentionOnly bool, directRooms ...string) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{
		HomeserverURL: "https://matrix.example.org",
		UserID:        "@finch:example.org",
		AccessToken:   "syt_token",
		MentionOnly:   mentionOnly,
		DirectRooms:   directRooms,
	})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func msgEvent(evtID, sender, room, body string) *event.Event {
	return &event.Event{
		ID:        id.EventID(evtID),
		Sender:    id.UserID(sender),
		RoomID:    id.RoomID(room),
		Timestamp: 1700000000000,
		Content: event.Content{
			Parsed: &event.MessageEventContent{
				MsgType: event.MsgText,
				Body:    body,
			},
		},
	}
}

func TestMentionsUser(t *testing.T) {
	tests := []struct {
		body string
		want bool
	}{
		{"hey @finch:example.org look", true},
		{"HEY @FINCH:EXAMPLE.ORG", true},
		{"see https://matrix.to/#/@finch:example.org", true},
		{"ping @finch please", true},
		{"nothing relevant", false},
	}
	for _, tt := range tests {
		if got := MentionsUser(tt.body, "@finch:example.org"); got != tt.want {
			t.Errorf("MentionsUser(%q) = %v, want %v", tt.body, got, tt.want)
		}
	}
}

func TestConvertEventBasics(t *testing.T) {
	a := newTestAdapter(t, false)

	msg := a.convertEvent(msgEvent("$e1", "@alice:example.org", "!room:example.org", "hello"))
	if msg == nil {
		t.Fatal("message dropped")
	}
	if msg.Sender != "@alice:example.org" || msg.ReplyTarget != "!room:example.org" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp != 1700000000 {
		t.Errorf("timestamp = %d", msg.Timestamp)
	}

	// Duplicate event id is suppressed.
	if a.convertEvent(msgEvent("$e1", "@alice:example.org", "!room:example.org", "hello")) != nil {
		t.Error("duplicate propagated")
	}
	// Empty body never propagates.
	if a.convertEvent(msgEvent("$e2", "@alice:example.org", "!room:example.org", "  ")) != nil {
		t.Error("empty body propagated")
	}
}

func TestConvertEventOwnSendRemembered(t *testing.T) {
	a := newTestAdapter(t, true)

	// Our own event is swallowed but remembered.
	if a.convertEvent(msgEvent("$own", "@finch:example.org", "!room:x", "bot says")) != nil {
		t.Error("own event propagated")
	}
	if !a.ownEvents.Contains("$own") {
		t.Error("own event not remembered")
	}

	// A reply to the remembered event passes the mention gate.
	reply := msgEvent("$r1", "@alice:example.org", "!room:x", "answering you")
	content := reply.Content.Parsed.(*event.MessageEventContent)
	content.RelatesTo = &event.RelatesTo{
		InReplyTo: &event.InReplyTo{EventID: id.EventID("$own")},
	}
	if a.convertEvent(reply) == nil {
		t.Error("reply to bot blocked by mention gate")
	}
}

func TestMentionGate(t *testing.T) {
	a := newTestAdapter(t, true, "!dm:example.org")

	// Direct rooms pass unconditionally.
	if a.convertEvent(msgEvent("$d1", "@alice:example.org", "!dm:example.org", "hi")) == nil {
		t.Error("direct room blocked")
	}
	// Group rooms without mention are blocked.
	if a.convertEvent(msgEvent("$g1", "@alice:example.org", "!group:example.org", "hi all")) != nil {
		t.Error("unmentioned group message propagated")
	}
	// Plain-text mention passes.
	if a.convertEvent(msgEvent("$g2", "@alice:example.org", "!group:example.org", "hi @finch:example.org")) == nil {
		t.Error("mentioned group message blocked")
	}
	// Structured m.mentions passes.
	evt := msgEvent("$g3", "@alice:example.org", "!group:example.org", "indirect ask")
	content := evt.Content.Parsed.(*event.MessageEventContent)
	content.Mentions = &event.Mentions{UserIDs: []id.UserID{"@finch:example.org"}}
	if a.convertEvent(evt) == nil {
		t.Error("structured mention blocked")
	}
}

func TestResolveRoomCanonical(t *testing.T) {
	a := newTestAdapter(t, false)
	roomID, err := a.resolveRoom(nil, "!abc:example.org")
	if err != nil || roomID != "!abc:example.org" {
		t.Errorf("resolveRoom = %q, %v", roomID, err)
	}
	if _, err := a.resolveRoom(nil, "bogus"); err == nil {
		t.Error("bad ref accepted")
	}
}
