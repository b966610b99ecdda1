package dingtalk

import (
	"encoding/json"
	"testing"
)

func TestParseStreamDataObjectPayload(t *testing.T) {
	raw := json.RawMessage(`{"senderStaffId":"user1","text":{"content":"hello"},"conversationType":"1"}`)
	data, ok := parseStreamData(raw)
	if !ok {
		t.Fatal("object payload rejected")
	}
	if data.SenderStaffID != "user1" || data.Text.Content != "hello" {
		t.Errorf("data = %+v", data)
	}
}

func TestParseStreamDataStringPayload(t *testing.T) {
	inner := `{"senderStaffId":"user2","text":{"content":"hi"},"conversationId":"cid-group","conversationType":"2"}`
	raw, _ := json.Marshal(inner)
	data, ok := parseStreamData(raw)
	if !ok {
		t.Fatal("string payload rejected")
	}
	if data.SenderStaffID != "user2" || data.ConversationID != "cid-group" {
		t.Errorf("data = %+v", data)
	}
}

func TestParseStreamDataGarbage(t *testing.T) {
	if _, ok := parseStreamData(json.RawMessage(`"not json inside"`)); ok {
		t.Error("garbage string payload accepted")
	}
	if _, ok := parseStreamData(nil); ok {
		t.Error("missing payload accepted")
	}
}

func TestResolveChatID(t *testing.T) {
	tests := []struct {
		name string
		data string
		want string
	}{
		{"private string type", `{"senderStaffId":"u1","conversationType":"1","conversationId":"cid"}`, "u1"},
		{"group string type", `{"senderStaffId":"u1","conversationType":"2","conversationId":"cid"}`, "cid"},
		{"group numeric type", `{"senderStaffId":"u1","conversationType":2,"conversationId":"cid"}`, "cid"},
		{"missing type defaults private", `{"senderStaffId":"u1","conversationId":"cid"}`, "u1"},
		{"group without id falls back", `{"senderStaffId":"u1","conversationType":"2"}`, "u1"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var data callbackData
			if err := json.Unmarshal([]byte(tt.data), &data); err != nil {
				t.Fatal(err)
			}
			if got := resolveChatID(&data); got != tt.want {
				t.Errorf("resolveChatID = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestBuildAckShape(t *testing.T) {
	var ack struct {
		Code    int               `json:"code"`
		Headers map[string]string `json:"headers"`
		Message string            `json:"message"`
		Data    string            `json:"data"`
	}
	if err := json.Unmarshal(buildAck("mid-7"), &ack); err != nil {
		t.Fatal(err)
	}
	if ack.Code != 200 || ack.Message != "OK" || ack.Data != "" {
		t.Errorf("ack = %+v", ack)
	}
	if ack.Headers["messageId"] != "mid-7" {
		t.Errorf("messageId = %q", ack.Headers["messageId"])
	}
}

func TestConvertCallbackCachesWebhookBothKeys(t *testing.T) {
	a, err := NewAdapter(Config{ClientID: "ck", ClientSecret: "cs"})
	if err != nil {
		t.Fatal(err)
	}
	data := &callbackData{
		ConversationID:   "cid-group",
		ConversationType: json.RawMessage(`"2"`),
		SenderStaffID:    "staff9",
		SessionWebhook:   "https://oapi.dingtalk.com/robot/sendBySession?x=1",
		MsgID:            "m1",
	}
	data.Text.Content = "question"

	msg := a.convertCallback(data, "frame1")
	if msg == nil {
		t.Fatal("message dropped")
	}
	if msg.ReplyTarget != "cid-group" {
		t.Errorf("reply target = %q", msg.ReplyTarget)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	if a.sessionWebhooks["cid-group"] == "" || a.sessionWebhooks["staff9"] == "" {
		t.Error("webhook not cached under both chat and sender keys")
	}
}

func TestConvertCallbackEmptyAndDuplicate(t *testing.T) {
	a, _ := NewAdapter(Config{ClientID: "ck", ClientSecret: "cs"})
	empty := &callbackData{SenderStaffID: "u"}
	if a.convertCallback(empty, "f") != nil {
		t.Error("empty content propagated")
	}
	data := &callbackData{SenderStaffID: "u", MsgID: "dup"}
	data.Text.Content = "x"
	if a.convertCallback(data, "f") == nil {
		t.Fatal("first sighting dropped")
	}
	if a.convertCallback(data, "f") != nil {
		t.Error("duplicate propagated")
	}
}
