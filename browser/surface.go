// Package browser provides the real browsing surface used for location
// establishment and browser-mode fetches, backed by a Chrome instance driven
// over the DevTools protocol.
package browser

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/chromedp/cdproto/network"
	cdpruntime "github.com/chromedp/cdproto/runtime"
	"github.com/chromedp/cdproto/storage"
	"github.com/chromedp/chromedp"
	"github.com/chromedp/chromedp/kb"

	"github.com/aluiziolira/stockwatch/models"
)

// Window modes. The target site blocks headless Chrome aggressively, so
// minimized (a real window, minimized) is the practical unattended choice.
const (
	WindowHeadless  = "headless"
	WindowVisible   = "visible"
	WindowMinimized = "minimized"
)

// Options configures a surface.
type Options struct {
	Window    string
	UserAgent string
	PageWait  time.Duration // settle time after navigation before content is read
}

// Surface is one open browser. It is a single stateful resource: one
// location can be active in it at a time, so it is owned by exactly one
// pincode's processing window and must be closed before the next begins.
type Surface struct {
	ctx      context.Context
	cancel   context.CancelFunc
	pageWait time.Duration
}

// Open starts a browser. Failure here is fatal to the cycle: without the
// surface no browser-mode work can proceed.
func Open(parent context.Context, opts Options) (*Surface, error) {
	allocOpts := append([]chromedp.ExecAllocatorOption{}, chromedp.DefaultExecAllocatorOptions[:]...)
	allocOpts = append(allocOpts,
		chromedp.Flag("disable-blink-features", "AutomationControlled"),
		chromedp.Flag("no-sandbox", true),
		chromedp.Flag("disable-dev-shm-usage", true),
	)
	if opts.UserAgent != "" {
		allocOpts = append(allocOpts, chromedp.UserAgent(opts.UserAgent))
	}
	switch opts.Window {
	case WindowHeadless:
		allocOpts = append(allocOpts,
			chromedp.Flag("headless", true),
			chromedp.Flag("disable-gpu", true),
			chromedp.WindowSize(1920, 1080),
		)
	case WindowMinimized:
		allocOpts = append(allocOpts,
			chromedp.Flag("headless", false),
			chromedp.Flag("start-minimized", true),
		)
	default:
		allocOpts = append(allocOpts,
			chromedp.Flag("headless", false),
			chromedp.Flag("start-maximized", true),
		)
	}

	allocCtx, allocCancel := chromedp.NewExecAllocator(parent, allocOpts...)
	browserCtx, browserCancel := chromedp.NewContext(allocCtx)
	cancel := func() {
		browserCancel()
		allocCancel()
	}

	if err := chromedp.Run(browserCtx); err != nil {
		cancel()
		return nil, fmt.Errorf("start browser: %w", err)
	}

	pageWait := opts.PageWait
	if pageWait <= 0 {
		pageWait = 3 * time.Second
	}
	return &Surface{ctx: browserCtx, cancel: cancel, pageWait: pageWait}, nil
}

// Close releases the browser. Safe to call more than once.
func (s *Surface) Close() error {
	if s == nil || s.cancel == nil {
		return nil
	}
	s.cancel()
	s.cancel = nil
	return nil
}

// Navigate loads a URL and waits for the DOM-ready heuristic plus the
// configured settle time before returning.
func (s *Surface) Navigate(ctx context.Context, url string) error {
	return s.run(ctx,
		chromedp.Navigate(url),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.pageWait),
	)
}

// Reload refreshes the current page so freshly set cookies take effect.
func (s *Surface) Reload(ctx context.Context) error {
	return s.run(ctx,
		chromedp.Reload(),
		chromedp.WaitReady("body", chromedp.ByQuery),
		chromedp.Sleep(s.pageWait),
	)
}

// HTML returns the fully rendered document.
func (s *Surface) HTML(ctx context.Context) ([]byte, error) {
	var out string
	if err := s.run(ctx, chromedp.OuterHTML("html", &out, chromedp.ByQuery)); err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// ReadCookies returns all browser cookies.
func (s *Surface) ReadCookies(ctx context.Context) ([]*http.Cookie, error) {
	var cookies []*network.Cookie
	err := s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		var err error
		cookies, err = storage.GetCookies().Do(ctx)
		return err
	}))
	if err != nil {
		return nil, err
	}
	out := make([]*http.Cookie, 0, len(cookies))
	for _, c := range cookies {
		out = append(out, &http.Cookie{
			Name:   c.Name,
			Value:  c.Value,
			Domain: c.Domain,
			Path:   c.Path,
			Secure: c.Secure,
		})
	}
	return out, nil
}

// SetCookies writes cookies into the browser. Cookies without a domain get
// the provided one.
func (s *Surface) SetCookies(ctx context.Context, domain string, cookies []*http.Cookie) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		for _, c := range cookies {
			d := c.Domain
			if d == "" {
				d = domain
			}
			p := c.Path
			if p == "" {
				p = "/"
			}
			err := network.SetCookie(c.Name, c.Value).
				WithDomain(d).
				WithPath(p).
				WithSecure(c.Secure).
				WithSameSite(network.CookieSameSiteLax).
				Do(ctx)
			if err != nil {
				return fmt.Errorf("set cookie %s: %w", c.Name, err)
			}
		}
		return nil
	}))
}

// ClearCookies wipes all browser cookies, isolating one pincode's session
// from the next.
func (s *Surface) ClearCookies(ctx context.Context) error {
	return s.run(ctx, chromedp.ActionFunc(func(ctx context.Context) error {
		return storage.ClearCookies().Do(ctx)
	}))
}

// Screenshot captures the visible viewport as PNG.
func (s *Surface) Screenshot(ctx context.Context) ([]byte, error) {
	var buf []byte
	if err := s.run(ctx, chromedp.CaptureScreenshot(&buf)); err != nil {
		return nil, err
	}
	return buf, nil
}

// FetchJSON performs an in-page fetch with credentials included, so the
// request carries the page's cookies and fingerprint. Returns the response
// body.
func (s *Surface) FetchJSON(ctx context.Context, url string) ([]byte, error) {
	js := fmt.Sprintf(
		`fetch(%q, {credentials: 'include'}).then(function(r) { if (!r.ok) { throw new Error('status ' + r.status); } return r.text(); })`,
		url,
	)
	var out string
	err := s.run(ctx, chromedp.Evaluate(js, &out, func(p *cdpruntime.EvaluateParams) *cdpruntime.EvaluateParams {
		return p.WithAwaitPromise(true)
	}))
	if err != nil {
		return nil, err
	}
	return []byte(out), nil
}

// RunStep executes one recorded flow step. The "<PIN>" placeholder in input
// values is substituted with the pincode.
func (s *Surface) RunStep(ctx context.Context, step models.RecordedStep, pincode string) error {
	sel, opt, err := stepSelector(step)
	if err != nil {
		return err
	}
	switch step.Action {
	case "click":
		return s.run(ctx,
			chromedp.Click(sel, opt),
			chromedp.Sleep(800*time.Millisecond),
		)
	case "send_keys":
		if step.Key == "Enter" {
			return s.run(ctx, chromedp.KeyEvent(kb.Enter))
		}
		text := step.InputValue
		if text == "" || text == "<PIN>" {
			text = pincode
		}
		return s.run(ctx,
			chromedp.Clear(sel, opt),
			chromedp.SendKeys(sel, text, opt),
			chromedp.Sleep(1200*time.Millisecond),
		)
	default:
		return fmt.Errorf("unknown step action %q", step.Action)
	}
}

func stepSelector(step models.RecordedStep) (string, chromedp.QueryOption, error) {
	switch step.By {
	case "id":
		return step.Value, chromedp.ByID, nil
	case "css":
		return step.Value, chromedp.ByQuery, nil
	case "xpath":
		return step.Value, chromedp.BySearch, nil
	default:
		return "", nil, fmt.Errorf("unknown selector kind %q", step.By)
	}
}

// run executes actions on the surface's browser context while honoring the
// caller's cancellation and deadline.
func (s *Surface) run(ctx context.Context, actions ...chromedp.Action) error {
	if s == nil || s.ctx == nil {
		return errors.New("browser: surface is closed")
	}
	opCtx, cancel := context.WithCancel(s.ctx)
	defer cancel()
	stop := context.AfterFunc(ctx, cancel)
	defer stop()
	if deadline, ok := ctx.Deadline(); ok {
		var dcancel context.CancelFunc
		opCtx, dcancel = context.WithDeadline(opCtx, deadline)
		defer dcancel()
	}
	if err := chromedp.Run(opCtx, actions...); err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return ctxErr
		}
		return err
	}
	return nil
}
