package approval

import (
	"context"
	"testing"
	"time"

	"github.com/finchbot/finch/internal/agent"
)

func TestRequires(t *testing.T) {
	m := NewManager([]string{"shell", "file.*"}, time.Minute)
	tests := []struct {
		name string
		want bool
	}{
		{"shell", true},
		{"file_write", true},
		{"file_read", true},
		{"web_fetch", false},
	}
	for _, tt := range tests {
		if got := m.Requires(tt.name); got != tt.want {
			t.Errorf("Requires(%q) = %v, want %v", tt.name, got, tt.want)
		}
	}
}

func TestApproveResolved(t *testing.T) {
	m := NewManager([]string{"shell"}, time.Minute)
	m.OnRequest(func(r Request) {
		go func() {
			if err := m.Resolve(r.ID, true); err != nil {
				t.Error(err)
			}
		}()
	})

	ok, err := m.Approve(context.Background(), agent.ParsedToolCall{Name: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if !ok {
		t.Error("expected approval")
	}
	if len(m.Pending()) != 0 {
		t.Error("request not cleaned up")
	}
}

func TestApproveTimeoutDenies(t *testing.T) {
	m := NewManager([]string{"shell"}, 20*time.Millisecond)
	ok, err := m.Approve(context.Background(), agent.ParsedToolCall{Name: "shell"})
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Error("timeout should deny")
	}
}

func TestApproveContextCancel(t *testing.T) {
	m := NewManager([]string{"shell"}, time.Minute)
	ctx, cancel := context.WithCancel(context.Background())
	go cancel()
	ok, err := m.Approve(ctx, agent.ParsedToolCall{Name: "shell"})
	if ok || err == nil {
		t.Errorf("Approve = %v, %v; want denial with error", ok, err)
	}
}

func TestResolveUnknown(t *testing.T) {
	m := NewManager(nil, time.Minute)
	if err := m.Resolve("missing", true); err == nil {
		t.Error("expected error for unknown id")
	}
}
