package browser

import (
	"context"
	"encoding/base64"
	"fmt"
	"sync"
	"time"

	"github.com/chromedp/chromedp"
)

// ChromedpBackend drives a headless Chrome through the DevTools protocol.
// Sessions are created lazily on first use and recreated on Reset.
type ChromedpBackend struct {
	mu     sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
}

// NewChromedpBackend creates the backend without starting a browser.
func NewChromedpBackend() *ChromedpBackend {
	return &ChromedpBackend{}
}

func (b *ChromedpBackend) Name() BackendKind { return BackendChromedp }

func (b *ChromedpBackend) Reachable(ctx context.Context) bool {
	// Reachable means a session exists or one can be started; starting is
	// cheap to verify through the allocator without navigating.
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx != nil {
		return true
	}
	return b.startLocked() == nil
}

func (b *ChromedpBackend) startLocked() error {
	allocCtx, allocCancel := chromedp.NewExecAllocator(context.Background(),
		append(chromedp.DefaultExecAllocatorOptions[:], chromedp.Headless)...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)

	// Verify Chrome actually launches.
	startCtx, cancel := context.WithTimeout(browserCtx, 20*time.Second)
	defer cancel()
	if err := chromedp.Run(startCtx); err != nil {
		browserCancel()
		allocCancel()
		return fmt.Errorf("start chrome: %w", err)
	}

	b.ctx = browserCtx
	b.cancel = func() {
		browserCancel()
		allocCancel()
	}
	return nil
}

func (b *ChromedpBackend) session() (context.Context, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.ctx == nil {
		if err := b.startLocked(); err != nil {
			return nil, err
		}
	}
	return b.ctx, nil
}

func (b *ChromedpBackend) Reset(context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.ctx = nil
		b.cancel = nil
	}
	return b.startLocked()
}

// Close tears the session down.
func (b *ChromedpBackend) Close() {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.cancel != nil {
		b.cancel()
		b.ctx = nil
		b.cancel = nil
	}
}

func (b *ChromedpBackend) Do(ctx context.Context, action string, args Args) (string, error) {
	sess, err := b.session()
	if err != nil {
		return "", err
	}
	runCtx, cancel := context.WithTimeout(sess, 45*time.Second)
	defer cancel()

	// Honor the caller's cancellation alongside the session context.
	go func() {
		select {
		case <-ctx.Done():
			cancel()
		case <-runCtx.Done():
		}
	}()

	switch action {
	case "open":
		return "", chromedp.Run(runCtx, chromedp.Navigate(args.URL), chromedp.WaitReady("body"))

	case "snapshot", "get_text":
		selector := args.Selector
		if selector == "" {
			selector = "body"
		}
		var text string
		if err := chromedp.Run(runCtx, chromedp.Text(selector, &text, chromedp.ByQuery)); err != nil {
			return "", err
		}
		return text, nil

	case "get_title":
		var title string
		if err := chromedp.Run(runCtx, chromedp.Title(&title)); err != nil {
			return "", err
		}
		return title, nil

	case "get_url":
		var loc string
		if err := chromedp.Run(runCtx, chromedp.Location(&loc)); err != nil {
			return "", err
		}
		return loc, nil

	case "click":
		return "", chromedp.Run(runCtx, chromedp.Click(args.Selector, chromedp.ByQuery))

	case "fill":
		return "", chromedp.Run(runCtx,
			chromedp.Clear(args.Selector, chromedp.ByQuery),
			chromedp.SendKeys(args.Selector, args.Text, chromedp.ByQuery))

	case "type":
		selector := args.Selector
		if selector == "" {
			selector = "body"
		}
		return "", chromedp.Run(runCtx, chromedp.SendKeys(selector, args.Text, chromedp.ByQuery))

	case "press":
		return "", chromedp.Run(runCtx, chromedp.KeyEvent(args.Key))

	case "hover":
		return "", chromedp.Run(runCtx,
			chromedp.ScrollIntoView(args.Selector, chromedp.ByQuery),
			chromedp.EvaluateAsDevTools(fmt.Sprintf(
				`document.querySelector(%q).dispatchEvent(new MouseEvent("mouseover",{bubbles:true}))`, args.Selector), nil))

	case "scroll":
		if args.Selector != "" {
			return "", chromedp.Run(runCtx, chromedp.ScrollIntoView(args.Selector, chromedp.ByQuery))
		}
		return "", chromedp.Run(runCtx, chromedp.Evaluate(fmt.Sprintf("window.scrollBy(0, %d)", args.Y), nil))

	case "is_visible":
		var visible bool
		err := chromedp.Run(runCtx, chromedp.EvaluateAsDevTools(fmt.Sprintf(
			`(() => { const el = document.querySelector(%q); if (!el) return false; const r = el.getBoundingClientRect(); return r.width > 0 && r.height > 0; })()`,
			args.Selector), &visible))
		if err != nil {
			return "", err
		}
		return fmt.Sprintf("%t", visible), nil

	case "wait":
		ms := args.Millis
		if ms <= 0 {
			ms = 500
		}
		select {
		case <-time.After(time.Duration(ms) * time.Millisecond):
		case <-runCtx.Done():
			return "", runCtx.Err()
		}
		return fmt.Sprintf("waited %dms", ms), nil

	case "screenshot":
		var buf []byte
		if err := chromedp.Run(runCtx, chromedp.CaptureScreenshot(&buf)); err != nil {
			return "", err
		}
		return "data:image/png;base64," + base64.StdEncoding.EncodeToString(buf), nil

	case "find":
		var matches []string
		err := chromedp.Run(runCtx, chromedp.EvaluateAsDevTools(fmt.Sprintf(
			`Array.from(document.querySelectorAll(%q)).slice(0, 20).map(e => e.outerHTML.slice(0, 200))`,
			args.Selector), &matches))
		if err != nil {
			return "", err
		}
		if len(matches) == 0 {
			return "no matches", nil
		}
		out := ""
		for i, m := range matches {
			out += fmt.Sprintf("%d: %s\n", i+1, m)
		}
		return out, nil

	case "close":
		b.Close()
		return "closed", nil

	default:
		return "", fmt.Errorf("action %s not supported by chromedp backend", action)
	}
}
