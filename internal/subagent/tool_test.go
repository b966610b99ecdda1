package subagent

import (
	"context"
	"encoding/json"
	"strings"
	"testing"
	"time"
)

func waitForStatus(t *testing.T, r *Registry, id string, want Status) Session {
	t.Helper()
	deadline := time.After(2 * time.Second)
	for {
		if s, ok := r.GetStatus(id); ok && s.Status == want {
			return s
		}
		select {
		case <-deadline:
			s, _ := r.GetStatus(id)
			t.Fatalf("session %s stuck at %s, want %s", id, s.Status, want)
		case <-time.After(5 * time.Millisecond):
		}
	}
}

func sessionIDFrom(t *testing.T, output string) string {
	t.Helper()
	fields := strings.Fields(output)
	return fields[len(fields)-1]
}

func TestDelegateToolRunsTask(t *testing.T) {
	r := NewRegistry()
	runner := func(_ context.Context, _, task string) (string, error) {
		return "did: " + task, nil
	}
	tool := NewDelegateTool(r, runner, ToolConfig{})

	res, err := tool.Execute(context.Background(), json.RawMessage(`{"task":"count files"}`))
	if err != nil || !res.Success {
		t.Fatalf("delegate = %+v, %v", res, err)
	}
	id := sessionIDFrom(t, res.Output)
	s := waitForStatus(t, r, id, StatusCompleted)
	if s.Result != "did: count files" {
		t.Errorf("result = %q", s.Result)
	}
}

func TestDelegateToolCapacity(t *testing.T) {
	r := NewRegistry()
	block := make(chan struct{})
	runner := func(ctx context.Context, _, _ string) (string, error) {
		select {
		case <-block:
		case <-ctx.Done():
		}
		return "", nil
	}
	tool := NewDelegateTool(r, runner, ToolConfig{MaxConcurrent: 1})
	defer close(block)

	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"task":"one"}`))
	if !res.Success {
		t.Fatalf("first delegate failed: %+v", res)
	}
	res, _ = tool.Execute(context.Background(), json.RawMessage(`{"task":"two"}`))
	if res.Success {
		t.Error("second delegate should hit the capacity limit")
	}
}

func TestDelegateToolEmptyTask(t *testing.T) {
	tool := NewDelegateTool(NewRegistry(), func(context.Context, string, string) (string, error) {
		return "", nil
	}, ToolConfig{})
	res, _ := tool.Execute(context.Background(), json.RawMessage(`{"task":"  "}`))
	if res.Success {
		t.Error("empty task accepted")
	}
}

func TestStatusAndKillTools(t *testing.T) {
	r := NewRegistry()
	started := make(chan struct{})
	runner := func(ctx context.Context, _, _ string) (string, error) {
		close(started)
		<-ctx.Done()
		return "", ctx.Err()
	}
	delegate := NewDelegateTool(r, runner, ToolConfig{})
	statusTool := NewStatusTool(r)
	killTool := NewKillTool(r)

	res, _ := delegate.Execute(context.Background(), json.RawMessage(`{"task":"long"}`))
	id := sessionIDFrom(t, res.Output)
	<-started

	res, _ = statusTool.Execute(context.Background(), json.RawMessage(`{"session_id":"`+id+`"}`))
	if !res.Success || !strings.Contains(res.Output, "running") {
		t.Errorf("status = %+v", res)
	}

	res, _ = killTool.Execute(context.Background(), json.RawMessage(`{"session_id":"`+id+`"}`))
	if !res.Success {
		t.Fatalf("kill = %+v", res)
	}
	s, _ := r.GetStatus(id)
	if s.Status != StatusKilled || s.Result != KilledResult {
		t.Errorf("session after kill = %+v", s)
	}

	// Killing again fails as a value.
	res, _ = killTool.Execute(context.Background(), json.RawMessage(`{"session_id":"`+id+`"}`))
	if res.Success {
		t.Error("second kill should fail")
	}
}

func TestListTool(t *testing.T) {
	r := NewRegistry()
	_ = r.TryInsert(&Session{ID: "s1", Task: "alpha"}, 0)
	r.Complete("s1", "done")

	res, _ := NewListTool(r).Execute(context.Background(), json.RawMessage(`{"filter":"completed"}`))
	if !res.Success || !strings.Contains(res.Output, "alpha") {
		t.Errorf("list = %+v", res)
	}
	res, _ = NewListTool(r).Execute(context.Background(), json.RawMessage(`{"filter":"running"}`))
	if !res.Success || !strings.Contains(res.Output, "No sub-agent") {
		t.Errorf("empty list = %+v", res)
	}
}
