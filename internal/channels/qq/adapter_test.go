package qq

import (
	"encoding/json"
	"strings"
	"testing"
)

func payloadFrom(t *testing.T, raw string) *messagePayload {
	t.Helper()
	var p messagePayload
	if err := json.Unmarshal([]byte(raw), &p); err != nil {
		t.Fatal(err)
	}
	return &p
}

func TestComposeContentTextOnly(t *testing.T) {
	p := payloadFrom(t, `{"content":"  hello there  "}`)
	if got := ComposeContent(p); got != "hello there" {
		t.Errorf("ComposeContent = %q", got)
	}
}

func TestComposeContentImagesSorted(t *testing.T) {
	p := payloadFrom(t, `{
		"content":"look",
		"attachments":[
			{"url":"https://img.example/z.png","content_type":"image/png"},
			{"url":"https://img.example/a.jpg","filename":"a.jpg"},
			{"url":"https://files.example/doc.pdf","content_type":"application/pdf"}
		]}`)
	got := ComposeContent(p)
	if !strings.HasPrefix(got, "look\n\n") {
		t.Errorf("text prefix missing: %q", got)
	}
	if strings.Contains(got, "doc.pdf") {
		t.Errorf("non-image attachment leaked: %q", got)
	}
	aIdx := strings.Index(got, "[IMAGE:https://img.example/a.jpg]")
	zIdx := strings.Index(got, "[IMAGE:https://img.example/z.png]")
	if aIdx < 0 || zIdx < 0 || aIdx > zIdx {
		t.Errorf("markers missing or unsorted: %q", got)
	}
}

func TestComposeContentImageOnly(t *testing.T) {
	p := payloadFrom(t, `{"attachments":[{"url":"https://i/x.png","content_type":"image/png"}]}`)
	if got := ComposeContent(p); got != "[IMAGE:https://i/x.png]" {
		t.Errorf("ComposeContent = %q", got)
	}
}

func TestComposeContentEmpty(t *testing.T) {
	if got := ComposeContent(payloadFrom(t, `{"content":"  "}`)); got != "" {
		t.Errorf("ComposeContent = %q, want empty", got)
	}
}

func TestIsImageFilename(t *testing.T) {
	if !isImageFilename("photo.HEIC") || !isImageFilename("x.png") {
		t.Error("image extensions missed")
	}
	if isImageFilename("report.pdf") {
		t.Error("pdf misclassified")
	}
}

func newTestAdapter(t *testing.T) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{AppID: "app", AppSecret: "secret"})
	if err != nil {
		t.Fatal(err)
	}
	return a
}

func TestConvertDispatchC2C(t *testing.T) {
	a := newTestAdapter(t)
	data := json.RawMessage(`{"id":"m1","author":{"id":"raw","user_openid":"openid1"},"content":"hi"}`)
	msg := a.convertDispatch("C2C_MESSAGE_CREATE", data)
	if msg == nil {
		t.Fatal("message dropped")
	}
	if msg.Sender != "openid1" || msg.ReplyTarget != "user:openid1" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestConvertDispatchGroup(t *testing.T) {
	a := newTestAdapter(t)
	data := json.RawMessage(`{"id":"m2","author":{"member_openid":"member1"},"group_openid":"grp1","content":"hi all"}`)
	msg := a.convertDispatch("GROUP_AT_MESSAGE_CREATE", data)
	if msg == nil {
		t.Fatal("message dropped")
	}
	if msg.Sender != "member1" || msg.ReplyTarget != "group:grp1" {
		t.Errorf("msg = %+v", msg)
	}
}

func TestConvertDispatchDedup(t *testing.T) {
	a := newTestAdapter(t)
	data := json.RawMessage(`{"id":"dup","author":{"user_openid":"u"},"content":"x"}`)
	if a.convertDispatch("C2C_MESSAGE_CREATE", data) == nil {
		t.Fatal("first sighting dropped")
	}
	if a.convertDispatch("C2C_MESSAGE_CREATE", data) != nil {
		t.Error("duplicate propagated")
	}
}

func TestConvertDispatchUnknownEvent(t *testing.T) {
	a := newTestAdapter(t)
	data := json.RawMessage(`{"id":"m3","content":"x"}`)
	if a.convertDispatch("GUILD_MEMBER_ADD", data) != nil {
		t.Error("unknown event propagated")
	}
}

func TestSanitizeOpenID(t *testing.T) {
	if got := sanitizeOpenID("abc-123/../etc"); got != "abc123etc" {
		t.Errorf("sanitizeOpenID = %q", got)
	}
}
