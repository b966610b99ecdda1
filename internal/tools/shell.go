package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os/exec"
	"strings"
	"time"

	"github.com/finchbot/finch/internal/scrub"
	"github.com/finchbot/finch/internal/security"
	"github.com/finchbot/finch/pkg/models"
)

// ShellTool runs shell commands under the security policy.
type ShellTool struct {
	policy  *security.Policy
	workdir string
	timeout time.Duration
}

// NewShellTool creates the shell tool rooted at workdir.
func NewShellTool(policy *security.Policy, workdir string, timeout time.Duration) *ShellTool {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	return &ShellTool{policy: policy, workdir: workdir, timeout: timeout}
}

func (t *ShellTool) Name() string { return "shell" }

func (t *ShellTool) Description() string {
	return "Run a shell command and return its combined output."
}

func (t *ShellTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"command": map[string]any{
			"type":        "string",
			"description": "Shell command to execute.",
		},
		"timeout_seconds": map[string]any{
			"type":        "integer",
			"description": "Timeout in seconds (default 60).",
		},
	}, "command")
}

func (t *ShellTool) Execute(ctx context.Context, params json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Command        string `json:"command"`
		TimeoutSeconds int    `json:"timeout_seconds"`
	}
	if err := json.Unmarshal(params, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	command := strings.TrimSpace(input.Command)
	if command == "" {
		return models.Fail("command is required"), nil
	}

	if err := t.policy.EnforceToolOperation(security.OpExecute, t.Name()); err != nil {
		return models.Fail(err.Error()), nil
	}
	if err := t.policy.ValidateCommandExecution(command, false); err != nil {
		return models.Fail(err.Error()), nil
	}
	if !t.policy.RecordAction() {
		return models.ToolResult{Success: false, Output: "Rate limit exceeded, try again later."}, nil
	}

	timeout := t.timeout
	if input.TimeoutSeconds > 0 {
		timeout = time.Duration(input.TimeoutSeconds) * time.Second
	}
	runCtx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	cmd := exec.CommandContext(runCtx, "sh", "-c", command)
	if t.workdir != "" {
		cmd.Dir = t.workdir
	}
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out

	err := cmd.Run()
	output := scrub.Credentials(out.String())
	if runCtx.Err() == context.DeadlineExceeded {
		return models.Fail(fmt.Sprintf("command timed out after %s\n%s", timeout, output)), nil
	}
	if err != nil {
		return models.Fail(fmt.Sprintf("command failed: %v\n%s", err, output)), nil
	}
	return models.Ok(output), nil
}
