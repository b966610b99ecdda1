package telegram

import (
	"context"
	"errors"
	"strings"
	"testing"
	"unicode/utf8"

	"github.com/go-telegram/bot"
	tgmodels "github.com/go-telegram/bot/models"

	"github.com/finchbot/finch/pkg/models"
)

// fakeClient records API calls and simulates parse failures.
type fakeClient struct {
	sent        []*bot.SendMessageParams
	edits       []*bot.EditMessageTextParams
	deleted     []*bot.DeleteMessageParams
	failOnParse bool
	nextID      int
}

func (f *fakeClient) SendMessage(_ context.Context, params *bot.SendMessageParams) (*tgmodels.Message, error) {
	if f.failOnParse && params.ParseMode != "" {
		return nil, errors.New("Bad Request: can't parse entities")
	}
	f.sent = append(f.sent, params)
	f.nextID++
	return &tgmodels.Message{ID: f.nextID}, nil
}

func (f *fakeClient) EditMessageText(_ context.Context, params *bot.EditMessageTextParams) (*tgmodels.Message, error) {
	if f.failOnParse && params.ParseMode != "" {
		return nil, errors.New("Bad Request: can't parse entities")
	}
	f.edits = append(f.edits, params)
	return &tgmodels.Message{ID: params.MessageID}, nil
}

func (f *fakeClient) DeleteMessage(_ context.Context, params *bot.DeleteMessageParams) (bool, error) {
	f.deleted = append(f.deleted, params)
	return true, nil
}

func (f *fakeClient) SendChatAction(context.Context, *bot.SendChatActionParams) (bool, error) {
	return true, nil
}

func (f *fakeClient) GetFileDownloadLink(_ context.Context, fileID string) (string, error) {
	return "https://files.example/" + fileID, nil
}

func newTestAdapter(t *testing.T, client BotClient) *Adapter {
	t.Helper()
	a, err := NewAdapter(Config{Token: "123456789:TESTTOKENTESTTOKENTESTTOKENTES", EditRate: 1000})
	if err != nil {
		t.Fatal(err)
	}
	a.SetClient(client)
	return a
}

func TestSendSplitsAt4096(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client)

	long := strings.Repeat("a", 4200)
	if err := a.Send(context.Background(), models.SendMessage{Content: long, Recipient: "42"}); err != nil {
		t.Fatal(err)
	}
	if len(client.sent) != 2 {
		t.Fatalf("sent %d messages, want 2", len(client.sent))
	}
	first, second := client.sent[0].Text, client.sent[1].Text
	if utf8.RuneCountInString(first) > MaxMessageLength {
		t.Errorf("first chunk length %d exceeds limit", utf8.RuneCountInString(first))
	}
	if !strings.HasSuffix(first, "(continues...)") {
		t.Errorf("first chunk should end with continuation marker: %q", first[len(first)-24:])
	}
	if !strings.HasPrefix(second, "(continued)\n\n") {
		t.Errorf("second chunk should start with continued marker: %q", second[:20])
	}
}

func TestSendExactlyAtLimitNotSplit(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client)
	if err := a.Send(context.Background(), models.SendMessage{
		Content:   strings.Repeat("a", MaxMessageLength),
		Recipient: "42",
	}); err != nil {
		t.Fatal(err)
	}
	if len(client.sent) != 1 {
		t.Errorf("sent %d messages, want 1", len(client.sent))
	}
	if strings.Contains(client.sent[0].Text, "(continues...)") {
		t.Error("single chunk should carry no marker")
	}
}

func TestSendMarkdownFallsBackToPlain(t *testing.T) {
	client := &fakeClient{failOnParse: true}
	a := newTestAdapter(t, client)
	if err := a.Send(context.Background(), models.SendMessage{Content: "broken *markdown", Recipient: "42"}); err != nil {
		t.Fatal(err)
	}
	if len(client.sent) != 1 {
		t.Fatalf("sent = %d", len(client.sent))
	}
	if client.sent[0].ParseMode != "" {
		t.Error("fallback send should be plain text")
	}
}

func TestSendEmptyIsNoop(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client)
	if err := a.Send(context.Background(), models.SendMessage{Content: "  \n ", Recipient: "42"}); err != nil {
		t.Fatal(err)
	}
	if len(client.sent) != 0 {
		t.Error("blank content should not be sent")
	}
}

func TestParseRecipientThread(t *testing.T) {
	chat, thread := parseRecipient("123:77")
	if chat != "123" || thread != 77 {
		t.Errorf("parseRecipient = %q, %d", chat, thread)
	}
	chat, thread = parseRecipient("123")
	if chat != "123" || thread != 0 {
		t.Errorf("parseRecipient = %q, %d", chat, thread)
	}
}

func TestDraftLifecycle(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client)
	ctx := context.Background()

	id, err := a.SendDraft(ctx, "42", "thinking...")
	if err != nil {
		t.Fatal(err)
	}
	if err := a.UpdateDraft(ctx, "42", id, "thinking harder..."); err != nil {
		t.Fatal(err)
	}
	if len(client.edits) != 1 {
		t.Fatalf("edits = %d", len(client.edits))
	}
	if err := a.FinalizeDraft(ctx, "42", id, "final answer"); err != nil {
		t.Fatal(err)
	}
	if len(client.edits) != 2 {
		t.Errorf("edits after finalize = %d", len(client.edits))
	}
	if len(client.deleted) != 0 {
		t.Error("no delete expected for small final content")
	}
}

func TestFinalizeOversizeDeletesAndChunks(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client)
	ctx := context.Background()

	id, err := a.SendDraft(ctx, "42", "...")
	if err != nil {
		t.Fatal(err)
	}
	client.sent = nil

	long := strings.Repeat("b", MaxMessageLength+500)
	if err := a.FinalizeDraft(ctx, "42", id, long); err != nil {
		t.Fatal(err)
	}
	if len(client.deleted) != 1 {
		t.Errorf("deleted = %d, want draft removed", len(client.deleted))
	}
	if len(client.sent) != 2 {
		t.Errorf("chunked sends = %d, want 2", len(client.sent))
	}
}

func TestDraftEditRateLimited(t *testing.T) {
	client := &fakeClient{}
	a, err := NewAdapter(Config{Token: "123456789:TESTTOKENTESTTOKENTESTTOKENTES", EditRate: 0.001})
	if err != nil {
		t.Fatal(err)
	}
	a.SetClient(client)
	ctx := context.Background()

	id, _ := a.SendDraft(ctx, "42", "v1")
	_ = a.UpdateDraft(ctx, "42", id, "v2")
	_ = a.UpdateDraft(ctx, "42", id, "v3")
	if len(client.edits) != 1 {
		t.Errorf("edits = %d, want 1 (second update rate-limited)", len(client.edits))
	}
}

func TestConvertUpdateAttachments(t *testing.T) {
	client := &fakeClient{}
	a := newTestAdapter(t, client)

	update := &tgmodels.Update{Message: &tgmodels.Message{
		ID:      7,
		Date:    1700000000,
		Chat:    tgmodels.Chat{ID: 99},
		From:    &tgmodels.User{ID: 1234},
		Caption: "look",
		Photo:   []tgmodels.PhotoSize{{FileID: "small"}, {FileID: "big"}},
	}}
	msg := a.convertUpdate(context.Background(), update)
	if msg == nil {
		t.Fatal("message dropped")
	}
	if !strings.Contains(msg.Content, "[IMAGE:https://files.example/big]") {
		t.Errorf("content = %q", msg.Content)
	}
	if msg.Sender != "1234" || msg.ReplyTarget != "99" {
		t.Errorf("routing = %q -> %q", msg.Sender, msg.ReplyTarget)
	}
}

func TestConvertUpdateEmptyDropped(t *testing.T) {
	a := newTestAdapter(t, &fakeClient{})
	update := &tgmodels.Update{Message: &tgmodels.Message{
		ID:   8,
		Chat: tgmodels.Chat{ID: 99},
		From: &tgmodels.User{ID: 1},
	}}
	if msg := a.convertUpdate(context.Background(), update); msg != nil {
		t.Errorf("empty message propagated: %+v", msg)
	}
}
