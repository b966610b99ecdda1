// Package browser implements the browser tool: a DOM automation surface
// over pluggable backends plus OS-level input on the computer-use sidecar.
package browser

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/finchbot/finch/internal/net/ssrf"
	"github.com/finchbot/finch/internal/tools"
	"github.com/finchbot/finch/pkg/models"
)

// BackendKind selects the automation backend.
type BackendKind string

const (
	BackendAuto        BackendKind = "auto"
	BackendChromedp    BackendKind = "chromedp"
	BackendAgentCLI    BackendKind = "agent_browser"
	BackendComputerUse BackendKind = "computer_use"
)

// domActions are valid on every backend.
var domActions = map[string]bool{
	"open": true, "snapshot": true, "click": true, "fill": true, "type": true,
	"get_text": true, "get_title": true, "get_url": true, "screenshot": true,
	"wait": true, "press": true, "hover": true, "scroll": true,
	"is_visible": true, "close": true, "find": true,
}

// osActions are valid only on the computer-use backend.
var osActions = map[string]bool{
	"mouse_move": true, "mouse_click": true, "mouse_drag": true,
	"key_type": true, "key_press": true, "screen_capture": true,
}

// Config configures the browser tool.
type Config struct {
	// Backend: chromedp, agent_browser, computer_use, or auto.
	Backend BackendKind

	// AllowedDomains gates every open/navigation target.
	AllowedDomains []string

	// AgentBrowserBin is the agent-browser CLI path. Default: agent-browser.
	AgentBrowserBin string

	// ComputerUseEndpoint is the sidecar base URL.
	ComputerUseEndpoint string

	// AllowRemoteEndpoint permits a non-private sidecar endpoint; it must
	// then be HTTPS.
	AllowRemoteEndpoint bool

	// MaxCoordinateX/Y clamp OS-level coordinates.
	MaxCoordinateX int
	MaxCoordinateY int
}

// Backend is one automation implementation.
type Backend interface {
	Name() BackendKind

	// Reachable reports whether the backend can serve requests right now.
	Reachable(ctx context.Context) bool

	// Do performs one action. Arguments are pre-validated by the tool.
	Do(ctx context.Context, action string, args Args) (string, error)

	// Reset tears down and recreates the backend session.
	Reset(ctx context.Context) error
}

// Args carries the decoded action arguments.
type Args struct {
	URL      string `json:"url"`
	Selector string `json:"selector"`
	Text     string `json:"text"`
	Key      string `json:"key"`
	Millis   int    `json:"ms"`
	X        int    `json:"x"`
	Y        int    `json:"y"`
	ToX      int    `json:"to_x"`
	ToY      int    `json:"to_y"`
	Button   string `json:"button"`
}

// Tool is the browser tool.
type Tool struct {
	cfg      Config
	backends []Backend
}

// New creates the tool. backends are candidates in preference order; the
// auto backend picks the first reachable one at dispatch time.
func New(cfg Config, backends ...Backend) (*Tool, error) {
	if cfg.Backend == "" {
		cfg.Backend = BackendAuto
	}
	if cfg.MaxCoordinateX <= 0 {
		cfg.MaxCoordinateX = 3840
	}
	if cfg.MaxCoordinateY <= 0 {
		cfg.MaxCoordinateY = 2160
	}
	if cfg.Backend == BackendComputerUse || cfg.ComputerUseEndpoint != "" {
		if err := validateComputerUseEndpoint(cfg.ComputerUseEndpoint, cfg.AllowRemoteEndpoint); err != nil {
			return nil, err
		}
	}
	return &Tool{cfg: cfg, backends: backends}, nil
}

// validateComputerUseEndpoint requires a private sidecar unless remote
// endpoints are explicitly allowed, in which case HTTPS is mandatory.
func validateComputerUseEndpoint(endpoint string, allowRemote bool) error {
	if endpoint == "" {
		return nil
	}
	u, err := url.Parse(endpoint)
	if err != nil || u.Host == "" {
		return fmt.Errorf("invalid computer_use endpoint: %s", endpoint)
	}
	host := u.Hostname()
	private := ssrf.IsPrivateHost(host) || strings.EqualFold(host, "localhost")
	if private {
		return nil
	}
	if !allowRemote {
		return fmt.Errorf("computer_use endpoint must be private unless allow_remote_endpoint is set")
	}
	if u.Scheme != "https" {
		return fmt.Errorf("remote computer_use endpoint must use https")
	}
	return nil
}

func (t *Tool) Name() string { return "browser" }

func (t *Tool) Description() string {
	return "Control a web browser: open pages, read and interact with the DOM, and (on the computer-use backend) drive mouse and keyboard."
}

func (t *Tool) Schema() json.RawMessage {
	return tools.ObjectSchema(map[string]any{
		"action":   map[string]any{"type": "string", "description": "Action to perform, e.g. open, click, get_text, screenshot."},
		"url":      map[string]any{"type": "string", "description": "Target URL for open."},
		"selector": map[string]any{"type": "string", "description": "CSS selector for DOM actions."},
		"text":     map[string]any{"type": "string", "description": "Text for fill/type/key_type."},
		"key":      map[string]any{"type": "string", "description": "Key name for press/key_press."},
		"ms":       map[string]any{"type": "integer", "description": "Milliseconds for wait."},
		"x":        map[string]any{"type": "integer", "description": "X coordinate for mouse actions."},
		"y":        map[string]any{"type": "integer", "description": "Y coordinate for mouse actions."},
		"to_x":     map[string]any{"type": "integer", "description": "Drag destination X."},
		"to_y":     map[string]any{"type": "integer", "description": "Drag destination Y."},
		"button":   map[string]any{"type": "string", "description": "Mouse button, default left."},
	}, "action")
}

// selectBackend resolves the active backend, verifying reachability at
// dispatch time.
func (t *Tool) selectBackend(ctx context.Context) (Backend, error) {
	if t.cfg.Backend == BackendAuto {
		for _, b := range t.backends {
			if b.Reachable(ctx) {
				return b, nil
			}
		}
		return nil, fmt.Errorf("no browser backend is reachable")
	}
	for _, b := range t.backends {
		if b.Name() == t.cfg.Backend {
			if !b.Reachable(ctx) {
				return nil, fmt.Errorf("browser backend %s is not reachable", t.cfg.Backend)
			}
			return b, nil
		}
	}
	return nil, fmt.Errorf("browser backend %s is not configured", t.cfg.Backend)
}

func (t *Tool) Execute(ctx context.Context, raw json.RawMessage) (models.ToolResult, error) {
	var input struct {
		Action string `json:"action"`
		Args
	}
	if err := json.Unmarshal(raw, &input); err != nil {
		return models.Fail(fmt.Sprintf("invalid parameters: %v", err)), nil
	}
	action := strings.ToLower(strings.TrimSpace(input.Action))
	if !domActions[action] && !osActions[action] {
		return models.Fail("unknown browser action: " + action), nil
	}

	backend, err := t.selectBackend(ctx)
	if err != nil {
		return models.Fail(err.Error()), nil
	}

	if osActions[action] && backend.Name() != BackendComputerUse {
		return models.Fail(fmt.Sprintf(
			"action %s requires the computer_use backend; active backend is %s", action, backend.Name())), nil
	}

	if action == "open" {
		if _, err := ssrf.ValidateURL(input.URL, t.cfg.AllowedDomains); err != nil {
			return models.Fail(err.Error()), nil
		}
	}

	args := input.Args
	args.X = clamp(args.X, t.cfg.MaxCoordinateX)
	args.Y = clamp(args.Y, t.cfg.MaxCoordinateY)
	args.ToX = clamp(args.ToX, t.cfg.MaxCoordinateX)
	args.ToY = clamp(args.ToY, t.cfg.MaxCoordinateY)

	out, err := backend.Do(ctx, action, args)
	if err != nil && isRecoverable(err) {
		// One session reset, then a single retry.
		if resetErr := backend.Reset(ctx); resetErr == nil {
			out, err = backend.Do(ctx, action, args)
		}
	}
	if err != nil {
		return models.Fail(fmt.Sprintf("browser %s failed: %v", action, err)), nil
	}
	return models.Ok(out), nil
}

func clamp(v, max int) int {
	if v < 0 {
		return 0
	}
	if v > max {
		return max
	}
	return v
}

// recoverableFragments are session-level failures worth one reset+retry.
var recoverableFragments = []string{
	"invalid session id",
	"no such window",
	"session not created",
	"connection reset",
	"broken pipe",
	"websocket: close",
	"context deadline exceeded",
}

func isRecoverable(err error) bool {
	msg := strings.ToLower(err.Error())
	for _, frag := range recoverableFragments {
		if strings.Contains(msg, frag) {
			return true
		}
	}
	return false
}
