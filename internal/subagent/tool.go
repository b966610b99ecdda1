package subagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/tools"
	"github.com/finchbot/finch/pkg/models"
	"github.com/google/uuid"
)

// Runner executes a delegated task and returns its final text. The gateway
// wires this to a fresh turn engine per session.
type Runner func(ctx context.Context, agentName, task string) (string, error)

// ToolConfig configures the delegate tool family.
type ToolConfig struct {
	// MaxConcurrent bounds simultaneously running sessions. Default: 4.
	MaxConcurrent int

	// Timeout bounds one delegated run. Default: 10 minutes.
	Timeout time.Duration
}

// NewDelegateTool builds the "delegate" tool: spawn a tracked background
// session running the task through runner.
func NewDelegateTool(registry *Registry, runner Runner, cfg ToolConfig) tools.Tool {
	if cfg.MaxConcurrent <= 0 {
		cfg.MaxConcurrent = 4
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Minute
	}

	return &tools.FuncTool{
		ToolName: "delegate",
		Desc:     "Delegate a task to a background sub-agent. Returns the session id immediately; use subagent_status to poll.",
		Params: tools.ObjectSchema(map[string]any{
			"task":  map[string]any{"type": "string", "description": "What the sub-agent should do"},
			"agent": map[string]any{"type": "string", "description": "Optional named agent profile"},
		}, "task"),
		Run: func(_ context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				Task  string `json:"task"`
				Agent string `json:"agent"`
			}
			if err := json.Unmarshal(raw, &args); err != nil || strings.TrimSpace(args.Task) == "" {
				return models.Fail("delegate requires a non-empty task"), nil
			}

			session := &Session{
				ID:        uuid.NewString(),
				AgentName: args.Agent,
				Task:      args.Task,
				Status:    StatusRunning,
			}
			if err := registry.TryInsert(session, cfg.MaxConcurrent); err != nil {
				return models.Fail(err.Error()), nil
			}

			// The session outlives the spawning turn, so it gets its own
			// context rather than inheriting the turn's.
			runCtx, cancel := context.WithTimeout(context.Background(), cfg.Timeout)
			registry.SetCancel(session.ID, cancel)

			go func() {
				defer cancel()
				result, err := runner(runCtx, args.Agent, args.Task)
				if err != nil {
					registry.Fail(session.ID, err.Error())
					return
				}
				registry.Complete(session.ID, result)
			}()

			return models.Ok(fmt.Sprintf("Sub-agent started with session id %s", session.ID)), nil
		},
	}
}

// NewListTool builds "subagent_list": list tracked sessions by filter.
func NewListTool(registry *Registry) tools.Tool {
	return &tools.FuncTool{
		ToolName: "subagent_list",
		Desc:     "List delegated sub-agent sessions. Filter: running, completed, failed, killed, or all.",
		Params: tools.ObjectSchema(map[string]any{
			"filter": map[string]any{"type": "string", "description": "Status filter, default all"},
		}),
		Run: func(_ context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				Filter string `json:"filter"`
			}
			_ = json.Unmarshal(raw, &args)

			sessions := registry.List(args.Filter)
			if len(sessions) == 0 {
				return models.Ok("No sub-agent sessions."), nil
			}
			var sb strings.Builder
			for _, s := range sessions {
				fmt.Fprintf(&sb, "%s [%s] %s", s.ID, s.Status, s.Task)
				if s.Result != "" {
					fmt.Fprintf(&sb, " -> %s", truncate(s.Result, 120))
				}
				sb.WriteString("\n")
			}
			return models.Ok(strings.TrimRight(sb.String(), "\n")), nil
		},
	}
}

// NewStatusTool builds "subagent_status": fetch one session.
func NewStatusTool(registry *Registry) tools.Tool {
	return &tools.FuncTool{
		ToolName: "subagent_status",
		Desc:     "Get the status and result of a delegated sub-agent session.",
		Params: tools.ObjectSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, "session_id"),
		Run: func(_ context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(raw, &args)

			s, ok := registry.GetStatus(args.SessionID)
			if !ok {
				return models.Fail("no session with id " + args.SessionID), nil
			}
			out := fmt.Sprintf("status: %s", s.Status)
			if s.Result != "" {
				out += "\nresult: " + s.Result
			}
			return models.Ok(out), nil
		},
	}
}

// NewKillTool builds "subagent_kill": abort a running session.
func NewKillTool(registry *Registry) tools.Tool {
	return &tools.FuncTool{
		ToolName: "subagent_kill",
		Desc:     "Kill a running delegated sub-agent session.",
		Params: tools.ObjectSchema(map[string]any{
			"session_id": map[string]any{"type": "string"},
		}, "session_id"),
		Run: func(_ context.Context, raw json.RawMessage) (models.ToolResult, error) {
			var args struct {
				SessionID string `json:"session_id"`
			}
			_ = json.Unmarshal(raw, &args)

			if !registry.Kill(args.SessionID) {
				return models.Fail("session is not running: " + args.SessionID), nil
			}
			return models.Ok("Session killed."), nil
		},
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "..."
}
