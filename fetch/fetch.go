// Package fetch retrieves raw product-page content for an established
// location session, through one of two strategies: navigating the real
// browsing surface, or direct HTTP requests dressed as a real browser.
//
// Blocking is a data outcome here, not a fatal condition: a response
// recognized as a block signal is retried exactly once after a fixed
// backoff, and a second block yields FetchResult{Blocked} so the caller can
// continue to the next product. A mandatory jittered delay is enforced
// between consecutive fetch calls regardless of outcome.
package fetch

import (
	"bytes"
	"context"
	"fmt"
	"math/rand"
	"net"
	"net/http"
	"sync"
	"time"

	"github.com/gocolly/colly/v2"

	"github.com/aluiziolira/stockwatch/config"
	"github.com/aluiziolira/stockwatch/location"
	"github.com/aluiziolira/stockwatch/models"
	"github.com/aluiziolira/stockwatch/parser"
)

var accessDeniedPattern = []byte("access denied")

// Surface is the slice of the browsing surface the fetcher drives in
// browser mode.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	HTML(ctx context.Context) ([]byte, error)
	FetchJSON(ctx context.Context, url string) ([]byte, error)
}

// Fetcher retrieves product content. All calls are sequential by design
// (see the watcher's resource model); the mutex only guards the pacing
// clock and capture state against accidental concurrent use.
type Fetcher struct {
	cfg     *config.Config
	metrics *Metrics

	collector *colly.Collector
	session   *location.Session
	cap       capture

	mu        sync.Mutex
	lastFetch time.Time
	rng       *rand.Rand

	buildID string
}

type capture struct {
	status int
	body   []byte
	err    error
}

// NewFetcher builds a fetcher; the colly collector backs the direct
// strategy.
func NewFetcher(cfg *config.Config, metrics *Metrics) (*Fetcher, error) {
	collector := colly.NewCollector(
		colly.UserAgent(cfg.UserAgent),
		colly.AllowURLRevisit(),
	)
	collector.IgnoreRobotsTxt = true
	collector.SetRequestTimeout(cfg.Timeout)
	collector.WithTransport(&http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.Timeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		MaxIdleConns:        16,
		IdleConnTimeout:     90 * time.Second,
		TLSHandshakeTimeout: 10 * time.Second,
	})

	f := &Fetcher{
		cfg:       cfg,
		metrics:   metrics,
		collector: collector,
		rng:       rand.New(rand.NewSource(time.Now().UnixNano())),
	}

	collector.OnRequest(func(r *colly.Request) {
		f.applyHeaders(r)
	})
	collector.OnResponse(func(r *colly.Response) {
		f.cap = capture{status: r.StatusCode, body: r.Body}
	})
	collector.OnError(func(r *colly.Response, err error) {
		c := capture{err: err}
		if r != nil {
			c.status = r.StatusCode
			c.body = r.Body
		}
		f.cap = c
	})

	return f, nil
}

// WithTransport swaps the direct strategy's HTTP transport. Used by tests.
func (f *Fetcher) WithTransport(rt http.RoundTripper) {
	f.collector.WithTransport(rt)
}

// BuildID returns the Next.js build identifier learned from the last
// browser-mode page, if any.
func (f *Fetcher) BuildID() string {
	return f.buildID
}

// Fetch retrieves content for a product under the session, honoring the
// configured mode. Never returns an error for block or transport outcomes;
// those are encoded in the result so the cycle can proceed.
func (f *Fetcher) Fetch(ctx context.Context, product models.Product, sess *location.Session, surface Surface) models.FetchResult {
	f.pace(ctx)

	start := time.Now()
	defer func() {
		f.metrics.ObserveDuration(time.Since(start))
	}()

	res := f.attempt(ctx, product, sess, surface)
	res.Attempts = 1
	f.metrics.IncFetch(res.Strategy, string(res.Status))
	if res.Status == models.FetchOK {
		return res
	}

	// One retry after the fixed backoff, for blocks and transport faults
	// alike. A second failure surfaces as data, never as a raised error.
	f.metrics.IncRetries()
	if err := sleepCtx(ctx, f.cfg.BlockBackoff); err != nil {
		// Keep the first attempt's cause; the cancellation is not why the
		// fetch failed.
		if res.Err == nil {
			res.Err = err
		}
		return res
	}
	retry := f.attempt(ctx, product, sess, surface)
	retry.Attempts = 2
	f.metrics.IncFetch(retry.Strategy, string(retry.Status))
	if retry.Status != models.FetchOK {
		f.metrics.IncError(retryErrorLabel(retry))
	}
	return retry
}

func retryErrorLabel(res models.FetchResult) string {
	if res.Status == models.FetchBlocked {
		return "blocked"
	}
	return errorTypeLabel(classifyError(res.Err, 0))
}

func (f *Fetcher) attempt(ctx context.Context, product models.Product, sess *location.Session, surface Surface) models.FetchResult {
	if f.cfg.Mode == config.ModeBrowser {
		return f.attemptBrowser(ctx, product, surface)
	}
	return f.attemptDirect(ctx, product, sess)
}

// attemptBrowser reads the product through the real browsing surface. When
// the data-API fast path is enabled and a build id is known, the product's
// Next.js data JSON is fetched from inside the page first; the full page
// navigation is the fallback when that yields no confident signal.
func (f *Fetcher) attemptBrowser(ctx context.Context, product models.Product, surface Surface) models.FetchResult {
	if surface == nil {
		return models.FetchResult{
			Status:   models.FetchTransportError,
			Strategy: models.StrategyBrowser,
			Err:      fmt.Errorf("no browsing surface"),
		}
	}

	if f.cfg.CheckViaDataAPI && f.buildID != "" {
		dataURL := fmt.Sprintf("%s/_next/data/%s/pd/%s/%s.json", f.cfg.BaseURL, f.buildID, product.ID, product.Slug)
		if raw, err := surface.FetchJSON(ctx, dataURL); err == nil && len(raw) > 0 && !isBlockedBody(raw) {
			if verdict, _ := parser.ParsePageProps(raw); verdict != models.VerdictUnknown {
				return models.FetchResult{Status: models.FetchOK, Body: raw, Strategy: models.StrategyDataAPI}
			}
		}
	}

	if err := surface.Navigate(ctx, product.URL); err != nil {
		return models.FetchResult{Status: models.FetchTransportError, Strategy: models.StrategyBrowser, Err: err}
	}
	html, err := surface.HTML(ctx)
	if err != nil {
		return models.FetchResult{Status: models.FetchTransportError, Strategy: models.StrategyBrowser, Err: err}
	}
	if id := parser.BuildID(html); id != "" {
		f.buildID = id
	}
	if isBlockedBody(html) {
		return models.FetchResult{
			Status:   models.FetchBlocked,
			Strategy: models.StrategyBrowser,
			Err:      ErrBlocked{Err: fmt.Errorf("access denied page")},
		}
	}
	return models.FetchResult{Status: models.FetchOK, Body: html, Strategy: models.StrategyBrowser}
}

// attemptDirect issues one direct request carrying the session's cookies and
// a browser-like header set.
func (f *Fetcher) attemptDirect(ctx context.Context, product models.Product, sess *location.Session) models.FetchResult {
	f.mu.Lock()
	f.session = sess
	f.cap = capture{}
	f.mu.Unlock()

	if sess != nil && len(sess.Cookies) > 0 {
		if err := f.collector.SetCookies(product.URL, sess.Cookies); err != nil {
			return models.FetchResult{Status: models.FetchTransportError, Strategy: models.StrategyDirect, Err: err}
		}
	}

	visitErr := f.collector.Visit(product.URL)
	got := f.cap

	status := got.status
	err := got.err
	if err == nil && visitErr != nil {
		err = visitErr
	}

	if status == http.StatusForbidden || status == http.StatusTooManyRequests || isBlockedBody(got.body) {
		return models.FetchResult{
			Status:   models.FetchBlocked,
			Strategy: models.StrategyDirect,
			Body:     got.body,
			Err:      classifyError(err, status),
		}
	}
	if err != nil {
		return models.FetchResult{
			Status:   models.FetchTransportError,
			Strategy: models.StrategyDirect,
			Err:      classifyError(err, status),
		}
	}
	return models.FetchResult{Status: models.FetchOK, Strategy: models.StrategyDirect, Body: got.body}
}

// applyHeaders dresses a direct request as a real browser: either the
// recorded real-session header set, or a synthetic one with client hints.
func (f *Fetcher) applyHeaders(r *colly.Request) {
	f.mu.Lock()
	sess := f.session
	f.mu.Unlock()

	if sess != nil && len(sess.Headers) > 0 {
		for name, values := range sess.Headers {
			if len(values) > 0 {
				r.Headers.Set(name, values[0])
			}
		}
		return
	}

	r.Headers.Set("Accept", "text/html,application/xhtml+xml,application/xml;q=0.9,*/*;q=0.8")
	r.Headers.Set("Accept-Language", "en-IN,en;q=0.9")
	r.Headers.Set("Referer", f.cfg.BaseURL+"/")
	r.Headers.Set("Sec-Ch-Ua", `"Google Chrome";v="131", "Chromium";v="131", "Not_A Brand";v="24"`)
	r.Headers.Set("Sec-Ch-Ua-Mobile", "?0")
	r.Headers.Set("Sec-Ch-Ua-Platform", `"Windows"`)
	r.Headers.Set("Upgrade-Insecure-Requests", "1")
}

// pace enforces the mandatory inter-request delay. This is rate-limiting
// discipline against the target site and is never skipped, even after a
// successful fetch.
func (f *Fetcher) pace(ctx context.Context) {
	f.mu.Lock()
	last := f.lastFetch
	delay := f.cfg.RequestDelay
	if f.cfg.RequestJitter > 0 {
		delay += time.Duration(f.rng.Int63n(int64(f.cfg.RequestJitter)))
	}
	f.mu.Unlock()

	if !last.IsZero() {
		if elapsed := time.Since(last); elapsed < delay {
			_ = sleepCtx(ctx, delay-elapsed)
		}
	}

	f.mu.Lock()
	f.lastFetch = time.Now()
	f.mu.Unlock()
}

func isBlockedBody(body []byte) bool {
	return bytes.Contains(bytes.ToLower(body), accessDeniedPattern)
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
