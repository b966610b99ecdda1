package providers

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/finchbot/finch/internal/backoff"
	"github.com/finchbot/finch/pkg/models"
)

type flakyProvider struct {
	calls int
	err   error
}

func (p *flakyProvider) Chat(context.Context, *ChatRequest, string, float64) (*models.ChatResponse, error) {
	p.calls++
	if p.err != nil {
		return nil, p.err
	}
	return &models.ChatResponse{Text: "ok"}, nil
}

func (p *flakyProvider) Name() string { return "flaky" }

func (p *flakyProvider) Capabilities() Capabilities { return Capabilities{} }

func TestBackoffProviderMemoizesRateLimit(t *testing.T) {
	inner := &flakyProvider{err: &Error{
		Provider:   "flaky",
		Message:    "429 too many requests",
		RateLimit:  true,
		RetryAfter: time.Minute,
	}}
	p := WithBackoff(inner, backoff.NewStore(4))
	ctx := context.Background()

	if _, err := p.Chat(ctx, &ChatRequest{}, "m", 0); err == nil {
		t.Fatal("first call should fail")
	}
	// Second call fails fast without reaching the upstream.
	_, err := p.Chat(ctx, &ChatRequest{}, "m", 0)
	if err == nil {
		t.Fatal("second call should fail")
	}
	var pe *Error
	if !errors.As(err, &pe) || !pe.RateLimit {
		t.Errorf("err = %v, want memoized rate limit", err)
	}
	if inner.calls != 1 {
		t.Errorf("upstream calls = %d, want 1", inner.calls)
	}
}

func TestBackoffProviderNonRateLimitPassesThrough(t *testing.T) {
	inner := &flakyProvider{err: &Error{Provider: "flaky", Message: "boom"}}
	p := WithBackoff(inner, backoff.NewStore(4))
	ctx := context.Background()

	_, _ = p.Chat(ctx, &ChatRequest{}, "m", 0)
	_, _ = p.Chat(ctx, &ChatRequest{}, "m", 0)
	if inner.calls != 2 {
		t.Errorf("upstream calls = %d, want 2 (no memoization)", inner.calls)
	}
}

func TestBackoffProviderSuccessClearsNothing(t *testing.T) {
	inner := &flakyProvider{}
	p := WithBackoff(inner, backoff.NewStore(4))
	resp, err := p.Chat(context.Background(), &ChatRequest{}, "m", 0)
	if err != nil || resp.Text != "ok" {
		t.Fatalf("chat = %+v, %v", resp, err)
	}
}
