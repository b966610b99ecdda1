package whatsapp

import (
	"testing"
)

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{AccessToken: "token-value", PhoneNumberID: "555001"})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

const webhookBody = `{
  "object": "whatsapp_business_account",
  "entry": [{
    "changes": [{
      "value": {
        "messages": [
          {"id": "wamid.1", "from": "15551234567", "timestamp": "1700000000", "type": "text", "text": {"body": "hello"}},
          {"id": "wamid.2", "from": "15551234567", "timestamp": "1700000001", "type": "image"},
          {"id": "wamid.3", "from": "15559876543", "timestamp": "1700000002", "type": "text", "text": {"body": "  "}}
        ]
      }
    }]
  }]
}`

func TestParseWebhookPayloadTextOnly(t *testing.T) {
	a := newTestAdapter(t)
	msgs, err := a.ParseWebhookPayload([]byte(webhookBody))
	if err != nil {
		t.Fatal(err)
	}
	if len(msgs) != 1 {
		t.Fatalf("messages = %d, want only the text message", len(msgs))
	}
	m := msgs[0]
	if m.Sender != "+15551234567" || m.ReplyTarget != "+15551234567" {
		t.Errorf("sender = %q, reply = %q", m.Sender, m.ReplyTarget)
	}
	if m.Content != "hello" || m.Timestamp != 1700000000 {
		t.Errorf("msg = %+v", m)
	}
}

func TestParseWebhookPayloadDedup(t *testing.T) {
	a := newTestAdapter(t)
	if msgs, _ := a.ParseWebhookPayload([]byte(webhookBody)); len(msgs) != 1 {
		t.Fatal("first parse failed")
	}
	if msgs, _ := a.ParseWebhookPayload([]byte(webhookBody)); len(msgs) != 0 {
		t.Errorf("duplicate webhook produced %d messages", len(msgs))
	}
}

func TestParseWebhookPayloadStatusUpdate(t *testing.T) {
	a := newTestAdapter(t)
	status := `{"entry":[{"changes":[{"value":{"statuses":[{"id":"x","status":"delivered"}]}}]}]}`
	msgs, err := a.ParseWebhookPayload([]byte(status))
	if err != nil || len(msgs) != 0 {
		t.Errorf("status update produced %d messages, err %v", len(msgs), err)
	}
}

func TestParseWebhookPayloadGarbage(t *testing.T) {
	a := newTestAdapter(t)
	if _, err := a.ParseWebhookPayload([]byte("not json")); err == nil {
		t.Error("garbage accepted")
	}
}

func TestNormalizeE164(t *testing.T) {
	if got := NormalizeE164("15551234567"); got != "+15551234567" {
		t.Errorf("NormalizeE164 = %q", got)
	}
	if got := NormalizeE164("+15551234567"); got != "+15551234567" {
		t.Errorf("already normalized changed: %q", got)
	}
}
