package tools

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"os"
	"os/exec"
	"strings"

	"github.com/finchbot/finch/internal/security"
	"github.com/finchbot/finch/pkg/models"
)

// ApplyPatchTool checks or applies a unified diff inside the workspace git
// repository. It is intentionally narrow: patch in, check/apply out. It
// never fetches, pulls, or pushes.
type ApplyPatchTool struct {
	policy  *security.Policy
	workdir string
}

func NewApplyPatchTool(policy *security.Policy, workdir string) *ApplyPatchTool {
	return &ApplyPatchTool{policy: policy, workdir: workdir}
}

func (t *ApplyPatchTool) Name() string { return "apply_patch" }

func (t *ApplyPatchTool) Description() string {
	return "Check or apply a unified diff to the workspace repository, optionally committing."
}

func (t *ApplyPatchTool) Schema() json.RawMessage {
	return ObjectSchema(map[string]any{
		"patch": map[string]any{
			"type":        "string",
			"description": "Unified diff text (e.g. output of git diff).",
		},
		"dry_run": map[string]any{
			"type":        "boolean",
			"description": "If true, only check whether the patch applies cleanly. Default true.",
			"default":     true,
		},
		"commit_message": map[string]any{
			"type":        "string",
			"description": "If set (and dry_run false), stage and commit with this message.",
		},
	}, "patch")
}

func (t *ApplyPatchTool) Execute(ctx context.Context, raw json.RawMessage) (models.ToolResult, error) {
	var args struct {
		Patch         string `json:"patch"`
		DryRun        *bool  `json:"dry_run"`
		CommitMessage string `json:"commit_message"`
	}
	if err := json.Unmarshal(raw, &args); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	if strings.TrimSpace(args.Patch) == "" {
		return models.Fail("patch is required"), nil
	}

	// Omitted dry_run defaults to true for safety.
	dryRun := true
	if args.DryRun != nil {
		dryRun = *args.DryRun
	}

	if !dryRun {
		if err := t.policy.EnforceToolOperation(security.OpWrite, t.Name()); err != nil {
			return models.Fail(err.Error()), nil
		}
		if !t.policy.RecordAction() {
			return models.ToolResult{Success: false, Output: "Rate limit exceeded, try again later."}, nil
		}
	}

	tmp, err := os.CreateTemp("", "finch-patch-*.diff")
	if err != nil {
		return models.Fail(fmt.Sprintf("create temp file: %v", err)), nil
	}
	defer os.Remove(tmp.Name())
	if _, err := tmp.WriteString(args.Patch); err != nil {
		tmp.Close()
		return models.Fail(fmt.Sprintf("write patch: %v", err)), nil
	}
	tmp.Close()

	// git apply --check validates without touching the tree; a dry run
	// stops there.
	if out, err := t.git(ctx, "apply", "--check", tmp.Name()); err != nil {
		return models.Fail(fmt.Sprintf("patch does not apply cleanly:\n%s", out)), nil
	}
	if dryRun {
		return models.Ok("Patch applies cleanly (dry run, no changes made)."), nil
	}

	if out, err := t.git(ctx, "apply", tmp.Name()); err != nil {
		return models.Fail(fmt.Sprintf("apply failed:\n%s", out)), nil
	}

	result := "Patch applied."
	if msg := strings.TrimSpace(args.CommitMessage); msg != "" {
		if out, err := t.git(ctx, "add", "-A"); err != nil {
			return models.Fail(fmt.Sprintf("stage failed:\n%s", out)), nil
		}
		if out, err := t.git(ctx, "commit", "-m", msg); err != nil {
			return models.Fail(fmt.Sprintf("commit failed:\n%s", out)), nil
		}
		result += " Committed: " + msg
	}
	return models.Ok(result), nil
}

func (t *ApplyPatchTool) git(ctx context.Context, args ...string) (string, error) {
	cmd := exec.CommandContext(ctx, "git", args...)
	cmd.Dir = t.workdir
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	err := cmd.Run()
	return out.String(), err
}
