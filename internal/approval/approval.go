// Package approval implements the out-of-band human gate for sensitive
// tools. Gated calls pause the turn until the operator resolves them.
package approval

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/finchbot/finch/internal/agent"
	"github.com/google/uuid"
)

// Request is one pending approval decision.
type Request struct {
	ID       string
	ToolName string
	Args     string
	At       time.Time

	decision chan bool
}

// Manager matches tool names against configured patterns and blocks gated
// calls until Resolve is called (or the configured timeout denies them).
type Manager struct {
	patterns []string
	timeout  time.Duration

	mu      sync.Mutex
	pending map[string]*Request
	notify  func(Request)
}

// NewManager creates a manager gating tools whose names match patterns.
// A pattern is an exact name or a "prefix.*" wildcard. timeout bounds how
// long a request may stay pending; zero means 5 minutes.
func NewManager(patterns []string, timeout time.Duration) *Manager {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	return &Manager{
		patterns: patterns,
		timeout:  timeout,
		pending:  make(map[string]*Request),
	}
}

// OnRequest registers a callback invoked for every new pending request,
// typically to forward the prompt to the operator's channel.
func (m *Manager) OnRequest(fn func(Request)) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.notify = fn
}

// Requires reports whether the named tool is gated.
func (m *Manager) Requires(toolName string) bool {
	for _, p := range m.patterns {
		if p == toolName {
			return true
		}
		if strings.HasSuffix(p, ".*") && strings.HasPrefix(toolName, strings.TrimSuffix(p, "*")) {
			return true
		}
		if p == "*" {
			return true
		}
	}
	return false
}

// Approve blocks until the operator resolves the call. Timeout or context
// cancellation denies.
func (m *Manager) Approve(ctx context.Context, call agent.ParsedToolCall) (bool, error) {
	req := &Request{
		ID:       uuid.NewString(),
		ToolName: call.Name,
		Args:     string(call.Arguments),
		At:       time.Now(),
		decision: make(chan bool, 1),
	}

	m.mu.Lock()
	m.pending[req.ID] = req
	notify := m.notify
	m.mu.Unlock()

	defer func() {
		m.mu.Lock()
		delete(m.pending, req.ID)
		m.mu.Unlock()
	}()

	if notify != nil {
		notify(*req)
	}

	timer := time.NewTimer(m.timeout)
	defer timer.Stop()

	select {
	case approved := <-req.decision:
		return approved, nil
	case <-timer.C:
		return false, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Resolve answers a pending request by id.
func (m *Manager) Resolve(id string, approved bool) error {
	m.mu.Lock()
	req, ok := m.pending[id]
	m.mu.Unlock()
	if !ok {
		return fmt.Errorf("no pending approval with id %s", id)
	}
	select {
	case req.decision <- approved:
	default:
	}
	return nil
}

// Pending lists the pending requests, newest last.
func (m *Manager) Pending() []Request {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]Request, 0, len(m.pending))
	for _, r := range m.pending {
		out = append(out, *r)
	}
	return out
}
