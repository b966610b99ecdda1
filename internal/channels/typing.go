package channels

import (
	"context"
	"sync"
	"time"
)

// TypingSlot owns at most one background typing-refresh task per channel.
// Starting a new indicator aborts the previous task; Stop is idempotent.
type TypingSlot struct {
	mu     sync.Mutex
	cancel context.CancelFunc
}

// Start launches a refresh loop calling send every interval until Stop or
// parent cancellation. Any previous loop is aborted first.
func (s *TypingSlot) Start(ctx context.Context, interval time.Duration, send func(ctx context.Context)) {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s.mu.Lock()
	if s.cancel != nil {
		s.cancel()
	}
	loopCtx, cancel := context.WithCancel(ctx)
	s.cancel = cancel
	s.mu.Unlock()

	go func() {
		send(loopCtx)
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				send(loopCtx)
			}
		}
	}()
}

// Stop aborts the active refresh task, if any.
func (s *TypingSlot) Stop() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.cancel != nil {
		s.cancel()
		s.cancel = nil
	}
}
