package tools

import (
	"context"
	"encoding/json"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/finchbot/finch/internal/security"
)

func initTestRepo(t *testing.T) string {
	t.Helper()
	if _, err := exec.LookPath("git"); err != nil {
		t.Skip("git not available")
	}
	dir := t.TempDir()
	run := func(args ...string) {
		t.Helper()
		cmd := exec.Command("git", args...)
		cmd.Dir = dir
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v\n%s", args, err, out)
		}
	}
	run("init")
	run("config", "user.email", "test@example.com")
	run("config", "user.name", "test")
	if err := os.WriteFile(filepath.Join(dir, "hello.txt"), []byte("hello\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	run("add", "-A")
	run("commit", "-m", "init")
	return dir
}

const helloPatch = `--- a/hello.txt
+++ b/hello.txt
@@ -1 +1 @@
-hello
+goodbye
`

func TestApplyPatchDryRunMakesNoChanges(t *testing.T) {
	dir := initTestRepo(t)
	tool := NewApplyPatchTool(security.NewPolicy(security.DefaultConfig()), dir)

	args, _ := json.Marshal(map[string]any{"patch": helloPatch, "dry_run": true})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success || !strings.Contains(res.Output, "dry run") {
		t.Fatalf("result = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if string(data) != "hello\n" {
		t.Errorf("dry run modified the tree: %q", data)
	}
}

func TestApplyPatchDefaultsToDryRun(t *testing.T) {
	dir := initTestRepo(t)
	tool := NewApplyPatchTool(security.NewPolicy(security.DefaultConfig()), dir)

	args, _ := json.Marshal(map[string]any{"patch": helloPatch})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if string(data) != "hello\n" {
		t.Errorf("omitted dry_run should not modify the tree: %q", data)
	}
}

func TestApplyPatchApplies(t *testing.T) {
	dir := initTestRepo(t)
	tool := NewApplyPatchTool(security.NewPolicy(security.DefaultConfig()), dir)

	args, _ := json.Marshal(map[string]any{"patch": helloPatch, "dry_run": false})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if !res.Success {
		t.Fatalf("result = %+v", res)
	}
	data, _ := os.ReadFile(filepath.Join(dir, "hello.txt"))
	if string(data) != "goodbye\n" {
		t.Errorf("patch not applied: %q", data)
	}
}

func TestApplyPatchBadDiff(t *testing.T) {
	dir := initTestRepo(t)
	tool := NewApplyPatchTool(security.NewPolicy(security.DefaultConfig()), dir)

	args, _ := json.Marshal(map[string]any{"patch": "not a diff at all"})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("garbage diff reported success")
	}
}

func TestApplyPatchReadOnlyPolicy(t *testing.T) {
	dir := initTestRepo(t)
	tool := NewApplyPatchTool(security.NewPolicy(security.Config{Autonomy: security.AutonomyReadOnly}), dir)

	args, _ := json.Marshal(map[string]any{"patch": helloPatch, "dry_run": false})
	res, err := tool.Execute(context.Background(), args)
	if err != nil {
		t.Fatal(err)
	}
	if res.Success {
		t.Error("read-only policy allowed apply")
	}
	// Dry run is a read and stays allowed.
	args, _ = json.Marshal(map[string]any{"patch": helloPatch, "dry_run": true})
	res, _ = tool.Execute(context.Background(), args)
	if !res.Success {
		t.Errorf("dry run refused under read-only: %+v", res)
	}
}
