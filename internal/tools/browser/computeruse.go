package browser

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"
)

// ComputerUseBackend talks to the computer-use sidecar over HTTP. It serves
// the full DOM action set plus the OS-level input actions.
type ComputerUseBackend struct {
	endpoint string
	client   *http.Client
}

// NewComputerUseBackend creates the backend for the given sidecar URL.
// Endpoint validation (private-or-HTTPS) happens in browser.New.
func NewComputerUseBackend(endpoint string) *ComputerUseBackend {
	return &ComputerUseBackend{
		endpoint: strings.TrimRight(endpoint, "/"),
		client:   &http.Client{Timeout: 60 * time.Second},
	}
}

func (b *ComputerUseBackend) Name() BackendKind { return BackendComputerUse }

func (b *ComputerUseBackend) Reachable(ctx context.Context) bool {
	if b.endpoint == "" {
		return false
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, b.endpoint+"/health", nil)
	if err != nil {
		return false
	}
	resp, err := b.client.Do(req)
	if err != nil {
		return false
	}
	defer resp.Body.Close()
	return resp.StatusCode == http.StatusOK
}

func (b *ComputerUseBackend) Reset(ctx context.Context) error {
	_, err := b.post(ctx, "/session/reset", nil)
	return err
}

func (b *ComputerUseBackend) Do(ctx context.Context, action string, args Args) (string, error) {
	payload := map[string]any{"action": action}
	switch action {
	case "open":
		payload["url"] = args.URL
	case "click", "hover", "scroll", "is_visible", "get_text", "find", "snapshot":
		payload["selector"] = args.Selector
	case "fill":
		payload["selector"] = args.Selector
		payload["text"] = args.Text
	case "type", "key_type":
		payload["text"] = args.Text
	case "press", "key_press":
		payload["key"] = args.Key
	case "wait":
		payload["ms"] = args.Millis
	case "mouse_move":
		payload["x"], payload["y"] = args.X, args.Y
	case "mouse_click":
		payload["x"], payload["y"] = args.X, args.Y
		payload["button"] = defaultButton(args.Button)
	case "mouse_drag":
		payload["x"], payload["y"] = args.X, args.Y
		payload["to_x"], payload["to_y"] = args.ToX, args.ToY
	}
	return b.post(ctx, "/action", payload)
}

func defaultButton(button string) string {
	if button == "" {
		return "left"
	}
	return button
}

func (b *ComputerUseBackend) post(ctx context.Context, path string, payload any) (string, error) {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return "", err
		}
		body = bytes.NewReader(data)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, b.endpoint+path, body)
	if err != nil {
		return "", err
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := b.client.Do(req)
	if err != nil {
		return "", err
	}
	defer resp.Body.Close()
	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", err
	}
	if resp.StatusCode != http.StatusOK {
		return "", fmt.Errorf("sidecar returned HTTP %d: %s", resp.StatusCode, strings.TrimSpace(string(data)))
	}

	var decoded struct {
		Output string `json:"output"`
		Error  string `json:"error"`
	}
	if err := json.Unmarshal(data, &decoded); err != nil {
		return strings.TrimSpace(string(data)), nil
	}
	if decoded.Error != "" {
		return "", fmt.Errorf("%s", decoded.Error)
	}
	return decoded.Output, nil
}
