package providers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/finchbot/finch/internal/backoff"
	"github.com/finchbot/finch/pkg/models"
)

// BackoffProvider wraps a Provider with memoized upstream backoff: a
// rate-limited call records its retry deadline, and further calls fail
// fast with the remembered context until it passes.
type BackoffProvider struct {
	inner Provider
	store *backoff.Store
}

// WithBackoff wraps provider with a bounded backoff store.
func WithBackoff(provider Provider, store *backoff.Store) *BackoffProvider {
	if store == nil {
		store = backoff.NewStore(16)
	}
	return &BackoffProvider{inner: provider, store: store}
}

func (p *BackoffProvider) Name() string { return p.inner.Name() }

func (p *BackoffProvider) Capabilities() Capabilities { return p.inner.Capabilities() }

func (p *BackoffProvider) key(model string) string {
	return p.inner.Name() + "/" + model
}

func (p *BackoffProvider) check(model string) error {
	if entry, ok := p.store.Get(p.key(model)); ok {
		return &Error{
			Provider:   p.inner.Name(),
			Message:    fmt.Sprintf("backing off until %s: %s", entry.Deadline.Format(time.RFC3339), entry.Detail),
			RateLimit:  true,
			RetryAfter: time.Until(entry.Deadline),
		}
	}
	return nil
}

func (p *BackoffProvider) record(model string, err error) {
	var pe *Error
	if errors.As(err, &pe) && pe.RateLimit {
		retry := pe.RetryAfter
		if retry <= 0 {
			retry = 30 * time.Second
		}
		p.store.Set(p.key(model), retry, pe.Message)
	}
}

func (p *BackoffProvider) Chat(ctx context.Context, req *ChatRequest, model string, temperature float64) (*models.ChatResponse, error) {
	if err := p.check(model); err != nil {
		return nil, err
	}
	resp, err := p.inner.Chat(ctx, req, model, temperature)
	if err != nil {
		p.record(model, err)
	}
	return resp, err
}

func (p *BackoffProvider) ChatStream(ctx context.Context, req *ChatRequest, model string, temperature float64, onDelta func(string)) (*models.ChatResponse, error) {
	sp, ok := p.inner.(StreamingProvider)
	if !ok {
		return p.Chat(ctx, req, model, temperature)
	}
	if err := p.check(model); err != nil {
		return nil, err
	}
	resp, err := sp.ChatStream(ctx, req, model, temperature, onDelta)
	if err != nil {
		p.record(model, err)
	}
	return resp, err
}
