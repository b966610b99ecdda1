package browser

import (
	"bytes"
	"context"
	"fmt"
	"os/exec"
	"strconv"
	"strings"
)

// AgentCLIBackend shells out to the agent-browser command line tool, which
// maintains its own persistent browser session.
type AgentCLIBackend struct {
	bin string
}

// NewAgentCLIBackend creates the backend; bin defaults to "agent-browser".
func NewAgentCLIBackend(bin string) *AgentCLIBackend {
	if strings.TrimSpace(bin) == "" {
		bin = "agent-browser"
	}
	return &AgentCLIBackend{bin: bin}
}

func (b *AgentCLIBackend) Name() BackendKind { return BackendAgentCLI }

func (b *AgentCLIBackend) Reachable(context.Context) bool {
	_, err := exec.LookPath(b.bin)
	return err == nil
}

func (b *AgentCLIBackend) Reset(ctx context.Context) error {
	_, err := b.run(ctx, "close")
	return err
}

func (b *AgentCLIBackend) Do(ctx context.Context, action string, args Args) (string, error) {
	switch action {
	case "open":
		return b.run(ctx, "open", args.URL)
	case "snapshot":
		return b.run(ctx, "snapshot")
	case "click":
		return b.run(ctx, "click", args.Selector)
	case "fill":
		return b.run(ctx, "fill", args.Selector, args.Text)
	case "type":
		return b.run(ctx, "type", args.Text)
	case "get_text":
		return b.run(ctx, "get-text", args.Selector)
	case "get_title":
		return b.run(ctx, "get-title")
	case "get_url":
		return b.run(ctx, "get-url")
	case "screenshot":
		return b.run(ctx, "screenshot")
	case "wait":
		return b.run(ctx, "wait", strconv.Itoa(args.Millis))
	case "press":
		return b.run(ctx, "press", args.Key)
	case "hover":
		return b.run(ctx, "hover", args.Selector)
	case "scroll":
		return b.run(ctx, "scroll", args.Selector)
	case "is_visible":
		return b.run(ctx, "is-visible", args.Selector)
	case "find":
		return b.run(ctx, "find", args.Selector)
	case "close":
		return b.run(ctx, "close")
	default:
		return "", fmt.Errorf("action %s not supported by agent_browser backend", action)
	}
}

func (b *AgentCLIBackend) run(ctx context.Context, cliArgs ...string) (string, error) {
	cmd := exec.CommandContext(ctx, b.bin, cliArgs...)
	var out bytes.Buffer
	cmd.Stdout = &out
	cmd.Stderr = &out
	if err := cmd.Run(); err != nil {
		return "", fmt.Errorf("%s %s: %v\n%s", b.bin, strings.Join(cliArgs, " "), err, out.String())
	}
	return strings.TrimSpace(out.String()), nil
}
