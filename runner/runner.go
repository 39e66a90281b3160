// Package runner coordinates one full evaluation cycle: establish a
// pincode-scoped session, fetch and parse every watched product, reconcile
// against recorded state, and alert on transitions.
package runner

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/aluiziolira/stockwatch/config"
	"github.com/aluiziolira/stockwatch/fetch"
	"github.com/aluiziolira/stockwatch/location"
	"github.com/aluiziolira/stockwatch/models"
	"github.com/aluiziolira/stockwatch/parser"
	"github.com/aluiziolira/stockwatch/state"
)

// BrowserSurface is the full browsing surface the runner drives in browser
// mode. *browser.Surface satisfies it.
type BrowserSurface interface {
	location.Surface
	fetch.Surface
	Screenshot(ctx context.Context) ([]byte, error)
	Close() error
}

// SurfaceOpener opens a fresh browsing surface for one pincode window.
// Nil in direct mode.
type SurfaceOpener func(ctx context.Context) (BrowserSurface, error)

// SessionManager establishes a location-scoped session for a pincode.
type SessionManager interface {
	Establish(ctx context.Context, pincode string, surface location.Surface) (*location.Session, error)
}

// StockFetcher retrieves one product page under an established session.
type StockFetcher interface {
	Fetch(ctx context.Context, product models.Product, sess *location.Session, surface fetch.Surface) models.FetchResult
}

// Notifier delivers operator alerts. Delivery failures are logged and never
// interrupt a cycle.
type Notifier interface {
	NotifyChange(ctx context.Context, ev models.ChangeEvent) error
	NotifySummary(ctx context.Context, events []models.ChangeEvent) error
	NotifyError(ctx context.Context, product models.Product, pincode, reason string) error
}

// Runner walks pincode windows sequentially. Within a window every product
// is checked under the same session before the surface is torn down.
type Runner struct {
	cfg      *config.Config
	sessions SessionManager
	fetcher  StockFetcher
	engine   *state.Engine
	notifier Notifier
	metrics  *fetch.Metrics
	open     SurfaceOpener
	now      func() time.Time
}

func New(cfg *config.Config, sessions SessionManager, fetcher StockFetcher, engine *state.Engine, notifier Notifier, metrics *fetch.Metrics, open SurfaceOpener) *Runner {
	return &Runner{
		cfg:      cfg,
		sessions: sessions,
		fetcher:  fetcher,
		engine:   engine,
		notifier: notifier,
		metrics:  metrics,
		open:     open,
		now:      time.Now,
	}
}

// RunCycle evaluates every (product, pincode) key once. Per-key failures are
// recorded and reported without stopping the cycle; only a browser that will
// not open, or context cancellation, aborts the run.
func (r *Runner) RunCycle(ctx context.Context) (*models.CycleResult, error) {
	result := &models.CycleResult{StartTime: r.now()}
	defer func() { result.EndTime = r.now() }()

	products := r.parseProducts(ctx, result)
	if len(products) == 0 {
		return result, fmt.Errorf("no valid product URLs to watch")
	}

	for _, pincode := range r.cfg.Pincodes {
		if err := ctx.Err(); err != nil {
			return result, err
		}
		if err := r.runWindow(ctx, pincode, products, result); err != nil {
			return result, err
		}
	}

	if summary := state.InStockChanges(result.Changes); len(summary) > 0 {
		if err := r.notifier.NotifySummary(ctx, summary); err != nil {
			slog.Warn("summary alert failed", slog.Any("error", err))
		}
	}

	slog.Info("cycle complete",
		slog.Int("keys", len(result.Outcomes)),
		slog.Int("changes", len(result.Changes)),
		slog.Int("errors", len(result.Errors)),
	)
	return result, nil
}

// runWindow evaluates every product for one pincode under one session.
func (r *Runner) runWindow(ctx context.Context, pincode string, products []models.Product, result *models.CycleResult) error {
	slog.Info("starting pincode window", slog.String("pincode", pincode))

	var surface BrowserSurface
	if r.open != nil {
		s, err := r.open(ctx)
		if err != nil {
			return fmt.Errorf("open browser for pincode %s: %w", pincode, err)
		}
		surface = s
		defer func() {
			if cerr := surface.Close(); cerr != nil {
				slog.Warn("browser close failed", slog.Any("error", cerr))
			}
		}()
	}

	sess, err := r.sessions.Establish(ctx, pincode, surface)
	if err != nil {
		slog.Error("session not established, skipping pincode",
			slog.String("pincode", pincode), slog.Any("error", err))
		reason := fmt.Sprintf("location could not be established: %v", err)
		for _, p := range products {
			r.recordError(ctx, result, p, pincode, reason)
		}
		return nil
	}
	slog.Info("session established",
		slog.String("pincode", pincode), slog.String("strategy", sess.Strategy))

	for _, product := range products {
		if err := ctx.Err(); err != nil {
			return err
		}
		r.checkKey(ctx, product, pincode, sess, surface, result)
	}
	return nil
}

// checkKey fetches, parses, and reconciles one (product, pincode) key.
func (r *Runner) checkKey(ctx context.Context, product models.Product, pincode string, sess *location.Session, surface BrowserSurface, result *models.CycleResult) {
	res := r.fetcher.Fetch(ctx, product, sess, surface)
	if res.Status != models.FetchOK {
		reason := fmt.Sprintf("fetch failed (%s)", res.Status)
		if res.Err != nil {
			reason = fmt.Sprintf("fetch failed (%s): %v", res.Status, res.Err)
		}
		r.recordError(ctx, result, product, pincode, reason)
		return
	}

	var verdict models.Verdict
	var title string
	if res.Strategy == models.StrategyDataAPI {
		verdict, title = parser.ParsePageProps(res.Body)
	} else {
		verdict, title = parser.ParseStock(res.Body)
	}
	if title == "" {
		title = product.FallbackTitle()
	}
	r.metrics.IncVerdict(string(verdict))

	result.Outcomes = append(result.Outcomes, models.KeyOutcome{
		Product: product, Pincode: pincode, Verdict: verdict,
	})
	slog.Info("product checked",
		slog.String("product", product.ID),
		slog.String("pincode", pincode),
		slog.String("verdict", string(verdict)),
		slog.String("strategy", res.Strategy),
		slog.Int("attempts", res.Attempts),
	)

	ev, err := r.engine.Reconcile(product, pincode, title, verdict)
	if err != nil {
		r.recordError(ctx, result, product, pincode, fmt.Sprintf("state write failed: %v", err))
		return
	}
	if ev == nil {
		return
	}

	r.metrics.IncChanges()
	if ev.InStock() && surface != nil {
		if shot, serr := surface.Screenshot(ctx); serr == nil {
			ev.Screenshot = shot
		} else {
			slog.Warn("screenshot failed", slog.Any("error", serr))
		}
	}
	result.Changes = append(result.Changes, *ev)

	slog.Info("availability changed",
		slog.String("product", product.ID),
		slog.String("pincode", pincode),
		slog.String("previous", string(ev.Previous)),
		slog.String("current", string(ev.Current)),
	)
	if err := r.notifier.NotifyChange(ctx, *ev); err != nil {
		slog.Warn("change alert failed", slog.Any("error", err))
	}
}

// parseProducts resolves the configured URLs. Invalid URLs are reported as
// errors and skipped so the rest of the watch list still runs.
func (r *Runner) parseProducts(ctx context.Context, result *models.CycleResult) []models.Product {
	products := make([]models.Product, 0, len(r.cfg.ProductURLs))
	for _, raw := range r.cfg.ProductURLs {
		product, err := parser.ParseProductURL(raw)
		if err != nil {
			slog.Error("skipping unparseable product URL",
				slog.String("url", raw), slog.Any("error", err))
			r.recordError(ctx, result, models.Product{URL: raw}, "", fmt.Sprintf("unrecognised product URL: %v", err))
			continue
		}
		products = append(products, product)
	}
	return products
}

func (r *Runner) recordError(ctx context.Context, result *models.CycleResult, product models.Product, pincode, reason string) {
	result.Errors = append(result.Errors, models.KeyError{
		Product: product, Pincode: pincode, Reason: reason,
	})
	if err := r.notifier.NotifyError(ctx, product, pincode, reason); err != nil {
		slog.Warn("error alert failed", slog.Any("error", err))
	}
}
