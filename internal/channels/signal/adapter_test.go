package signal

import (
	"testing"
)

func TestClassifyRecipient(t *testing.T) {
	tests := []struct {
		recipient string
		want      RecipientKind
	}{
		{"+15551234567", RecipientNumber},
		{"+442071838750", RecipientNumber},
		{"a1b2c3d4-e5f6-7a8b-9c0d-e1f2a3b4c5d6", RecipientUUID},
		{"group:Zm9vYmFy", RecipientGroup},
		{"not-a-number", RecipientNumber},
	}
	for _, tt := range tests {
		if got := ClassifyRecipient(tt.recipient); got != tt.want {
			t.Errorf("ClassifyRecipient(%q) = %v, want %v", tt.recipient, got, tt.want)
		}
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{DaemonURL: "http://127.0.0.1:8080", Account: "+15550000000"})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestParseEventDataMessage(t *testing.T) {
	a := newTestAdapter(t)
	data := []byte(`{"envelope":{"sourceNumber":"+15551234567","timestamp":1700000000000,"dataMessage":{"message":"hello"}}}`)
	msg := a.parseEvent(data)
	if msg == nil {
		t.Fatal("message dropped")
	}
	if msg.Sender != "+15551234567" || msg.Content != "hello" || msg.ReplyTarget != "+15551234567" {
		t.Errorf("msg = %+v", msg)
	}
	if msg.Timestamp != 1700000000 {
		t.Errorf("timestamp = %d", msg.Timestamp)
	}
}

func TestParseEventGroup(t *testing.T) {
	a := newTestAdapter(t)
	data := []byte(`{"envelope":{"source":"+15551234567","timestamp":1,"dataMessage":{"message":"hi","groupInfo":{"groupId":"grp42"}}}}`)
	msg := a.parseEvent(data)
	if msg == nil {
		t.Fatal("message dropped")
	}
	if msg.ReplyTarget != "group:grp42" {
		t.Errorf("reply target = %q", msg.ReplyTarget)
	}
}

func TestParseEventFilters(t *testing.T) {
	a := newTestAdapter(t)
	if a.parseEvent([]byte(`{"envelope":{"source":"+1555","timestamp":2}}`)) != nil {
		t.Error("receipt without dataMessage propagated")
	}
	if a.parseEvent([]byte(`{"envelope":{"source":"+1555","timestamp":3,"dataMessage":{"message":"  "}}}`)) != nil {
		t.Error("empty body propagated")
	}
	if a.parseEvent([]byte(`not json`)) != nil {
		t.Error("garbage propagated")
	}
}

func TestParseEventDedup(t *testing.T) {
	a := newTestAdapter(t)
	data := []byte(`{"envelope":{"source":"+1555","timestamp":99,"dataMessage":{"message":"once"}}}`)
	if a.parseEvent(data) == nil {
		t.Fatal("first sighting dropped")
	}
	if a.parseEvent(data) != nil {
		t.Error("duplicate propagated")
	}
}
