package runner

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/aluiziolira/stockwatch/config"
	"github.com/aluiziolira/stockwatch/fetch"
	"github.com/aluiziolira/stockwatch/location"
	"github.com/aluiziolira/stockwatch/models"
	"github.com/aluiziolira/stockwatch/state"
)

func stockPage(cta string) []byte {
	return []byte(fmt.Sprintf("<html><body><button>%s</button>%s</body></html>",
		cta, strings.Repeat("<!-- pad -->", 60)))
}

type fakeSessions struct {
	failFor  string
	pincodes []string
}

func (f *fakeSessions) Establish(ctx context.Context, pincode string, surface location.Surface) (*location.Session, error) {
	f.pincodes = append(f.pincodes, pincode)
	if f.failFor != "" && pincode == f.failFor {
		return nil, location.ErrLocationUnavailable
	}
	return &location.Session{Pincode: pincode, Strategy: config.StrategyProtocol}, nil
}

type fakeFetcher struct {
	results map[string]models.FetchResult
	fetched []string
}

func (f *fakeFetcher) Fetch(ctx context.Context, product models.Product, sess *location.Session, surface fetch.Surface) models.FetchResult {
	f.fetched = append(f.fetched, product.ID+"@"+sess.Pincode)
	if res, ok := f.results[product.ID]; ok {
		return res
	}
	return models.FetchResult{Status: models.FetchOK, Body: stockPage("Notify me"), Strategy: models.StrategyDirect}
}

type fakeNotifier struct {
	changes   []models.ChangeEvent
	summaries [][]models.ChangeEvent
	errors    []string
}

func (f *fakeNotifier) NotifyChange(ctx context.Context, ev models.ChangeEvent) error {
	f.changes = append(f.changes, ev)
	return nil
}

func (f *fakeNotifier) NotifySummary(ctx context.Context, events []models.ChangeEvent) error {
	f.summaries = append(f.summaries, events)
	return nil
}

func (f *fakeNotifier) NotifyError(ctx context.Context, product models.Product, pincode, reason string) error {
	f.errors = append(f.errors, product.ID+"@"+pincode+": "+reason)
	return nil
}

// scriptedSurface implements BrowserSurface for browser-mode tests.
type scriptedSurface struct {
	screenshot []byte
	closed     bool
}

func (s *scriptedSurface) Navigate(ctx context.Context, url string) error { return nil }
func (s *scriptedSurface) Reload(ctx context.Context) error               { return nil }
func (s *scriptedSurface) HTML(ctx context.Context) ([]byte, error)       { return nil, nil }
func (s *scriptedSurface) FetchJSON(ctx context.Context, url string) ([]byte, error) {
	return nil, nil
}
func (s *scriptedSurface) ReadCookies(ctx context.Context) ([]*http.Cookie, error) {
	return nil, nil
}
func (s *scriptedSurface) SetCookies(ctx context.Context, domain string, cookies []*http.Cookie) error {
	return nil
}
func (s *scriptedSurface) RunStep(ctx context.Context, step models.RecordedStep, pincode string) error {
	return nil
}
func (s *scriptedSurface) Screenshot(ctx context.Context) ([]byte, error) {
	return s.screenshot, nil
}
func (s *scriptedSurface) Close() error {
	s.closed = true
	return nil
}

func runnerConfig() *config.Config {
	cfg := config.DefaultConfig()
	cfg.Mode = config.ModeDirect
	cfg.ProductURLs = []string{
		"https://www.bigbasket.com/pd/111/first-thing/",
		"https://www.bigbasket.com/pd/222/second-thing/",
	}
	cfg.Pincodes = []string{"122001"}
	return cfg
}

func seedRecord(t *testing.T, store state.RecordStore, productID, pincode string, status models.Verdict) {
	t.Helper()
	err := store.Write(models.StateRecord{
		ProductID:  productID,
		Pincode:    pincode,
		Status:     status,
		ObservedAt: time.Now(),
	})
	if err != nil {
		t.Fatalf("seed record: %v", err)
	}
}

func newTestRunner(cfg *config.Config, sessions SessionManager, fetcher *fakeFetcher, store state.RecordStore, notifier *fakeNotifier, open SurfaceOpener) *Runner {
	return New(cfg, sessions, fetcher, state.NewEngine(store), notifier, fetch.NewMetrics(), open)
}

func TestRunCycleRestockScenario(t *testing.T) {
	// Product 111 was out of stock and comes back; product 222 is seen for
	// the first time and is out of stock.
	store := state.NewMemoryStore()
	seedRecord(t, store, "111", "122001", models.VerdictOutOfStock)

	fetcher := &fakeFetcher{results: map[string]models.FetchResult{
		"111": {Status: models.FetchOK, Body: stockPage("Add to basket"), Strategy: models.StrategyDirect},
		"222": {Status: models.FetchOK, Body: stockPage("Notify me"), Strategy: models.StrategyDirect},
	}}
	notifier := &fakeNotifier{}
	r := newTestRunner(runnerConfig(), &fakeSessions{}, fetcher, store, notifier, nil)

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	if len(result.Changes) != 1 {
		t.Fatalf("changes = %+v, want exactly the restock", result.Changes)
	}
	ev := result.Changes[0]
	if ev.Product.ID != "111" || ev.Previous != models.VerdictOutOfStock || ev.Current != models.VerdictInStock {
		t.Fatalf("restock event = %+v", ev)
	}
	if len(notifier.changes) != 1 {
		t.Fatalf("change alerts = %d, want 1", len(notifier.changes))
	}
	if len(notifier.summaries) != 1 || len(notifier.summaries[0]) != 1 {
		t.Fatalf("summary = %+v, want one entry for product 111", notifier.summaries)
	}
	if len(result.Errors) != 0 {
		t.Fatalf("errors = %+v", result.Errors)
	}
	if len(result.Outcomes) != 2 {
		t.Fatalf("outcomes = %+v, want both keys", result.Outcomes)
	}

	// First-seen out of stock is recorded but never alerted.
	rec, ok := store.Read("222", "122001")
	if !ok || rec.Status != models.VerdictOutOfStock {
		t.Fatalf("product 222 record = %+v ok=%v", rec, ok)
	}
	rec, _ = store.Read("111", "122001")
	if rec.Status != models.VerdictInStock {
		t.Fatalf("product 111 record = %+v", rec)
	}
}

func TestRunCycleNoChangesSendsNoSummary(t *testing.T) {
	store := state.NewMemoryStore()
	seedRecord(t, store, "111", "122001", models.VerdictOutOfStock)
	seedRecord(t, store, "222", "122001", models.VerdictOutOfStock)

	notifier := &fakeNotifier{}
	r := newTestRunner(runnerConfig(), &fakeSessions{}, &fakeFetcher{}, store, notifier, nil)

	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(notifier.summaries) != 0 {
		t.Fatalf("summary sent for a changeless cycle: %+v", notifier.summaries)
	}
	if len(notifier.changes) != 0 {
		t.Fatalf("change alerts for a changeless cycle: %+v", notifier.changes)
	}
}

func TestRunCycleSessionFailureSkipsPincode(t *testing.T) {
	cfg := runnerConfig()
	cfg.Pincodes = []string{"122001", "560001"}

	fetcher := &fakeFetcher{}
	notifier := &fakeNotifier{}
	r := newTestRunner(cfg, &fakeSessions{failFor: "122001"}, fetcher, state.NewMemoryStore(), notifier, nil)

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// Both products reported failed for the broken pincode.
	if len(result.Errors) != 2 {
		t.Fatalf("errors = %+v, want one per product", result.Errors)
	}
	if len(notifier.errors) != 2 {
		t.Fatalf("error alerts = %+v", notifier.errors)
	}
	// The second pincode still ran every product.
	for _, key := range fetcher.fetched {
		if !strings.HasSuffix(key, "@560001") {
			t.Fatalf("unexpected fetch %q", key)
		}
	}
	if len(fetcher.fetched) != 2 {
		t.Fatalf("fetched = %v, want both products at 560001", fetcher.fetched)
	}
}

func TestRunCycleBlockedFetchContinues(t *testing.T) {
	fetcher := &fakeFetcher{results: map[string]models.FetchResult{
		"111": {Status: models.FetchBlocked, Strategy: models.StrategyDirect, Err: errors.New("blocked: http status 403")},
		"222": {Status: models.FetchOK, Body: stockPage("Add to basket"), Strategy: models.StrategyDirect},
	}}
	notifier := &fakeNotifier{}
	store := state.NewMemoryStore()
	r := newTestRunner(runnerConfig(), &fakeSessions{}, fetcher, store, notifier, nil)

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0].Reason, "blocked") {
		t.Fatalf("errors = %+v", result.Errors)
	}
	// The blocked product's state is untouched; the healthy one proceeded.
	if _, ok := store.Read("111", "122001"); ok {
		t.Fatalf("blocked fetch wrote state")
	}
	if rec, ok := store.Read("222", "122001"); !ok || rec.Status != models.VerdictInStock {
		t.Fatalf("healthy product record = %+v ok=%v", rec, ok)
	}
}

func TestRunCycleInvalidProductURL(t *testing.T) {
	cfg := runnerConfig()
	cfg.ProductURLs = append(cfg.ProductURLs, "https://www.bigbasket.com/cl/not-a-product/")

	fetcher := &fakeFetcher{}
	notifier := &fakeNotifier{}
	r := newTestRunner(cfg, &fakeSessions{}, fetcher, state.NewMemoryStore(), notifier, nil)

	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	if len(result.Errors) != 1 || !strings.Contains(result.Errors[0].Reason, "URL") {
		t.Fatalf("errors = %+v", result.Errors)
	}
	if len(fetcher.fetched) != 2 {
		t.Fatalf("fetched = %v, the two valid products should still run", fetcher.fetched)
	}
}

func TestRunCycleAllURLsInvalid(t *testing.T) {
	cfg := runnerConfig()
	cfg.ProductURLs = []string{"https://www.bigbasket.com/cl/nope/"}

	r := newTestRunner(cfg, &fakeSessions{}, &fakeFetcher{}, state.NewMemoryStore(), &fakeNotifier{}, nil)
	if _, err := r.RunCycle(context.Background()); err == nil {
		t.Fatalf("RunCycle with no valid products should fail")
	}
}

func TestRunCycleDataAPIResultParsedAsJSON(t *testing.T) {
	payload := []byte(`{"pageProps":{"product":{"p_desc":"First Thing","store_availability":[{"pstat":"A"}]}}}`)
	fetcher := &fakeFetcher{results: map[string]models.FetchResult{
		"111": {Status: models.FetchOK, Body: payload, Strategy: models.StrategyDataAPI},
		"222": {Status: models.FetchOK, Body: stockPage("Notify me"), Strategy: models.StrategyDirect},
	}}
	store := state.NewMemoryStore()
	r := newTestRunner(runnerConfig(), &fakeSessions{}, fetcher, store, &fakeNotifier{}, nil)

	if _, err := r.RunCycle(context.Background()); err != nil {
		t.Fatalf("RunCycle: %v", err)
	}
	rec, ok := store.Read("111", "122001")
	if !ok || rec.Status != models.VerdictInStock {
		t.Fatalf("data-API record = %+v ok=%v", rec, ok)
	}
	if rec.Title != "First Thing" {
		t.Fatalf("title = %q, want parsed product description", rec.Title)
	}
}

func TestRunCycleBrowserModeScreenshotAndClose(t *testing.T) {
	cfg := runnerConfig()
	cfg.Mode = config.ModeBrowser
	cfg.Pincodes = []string{"122001", "560001"}

	store := state.NewMemoryStore()
	seedRecord(t, store, "111", "122001", models.VerdictOutOfStock)
	// Already in stock at the second pincode, so only one change fires.
	seedRecord(t, store, "111", "560001", models.VerdictInStock)

	fetcher := &fakeFetcher{results: map[string]models.FetchResult{
		"111": {Status: models.FetchOK, Body: stockPage("Add to basket"), Strategy: models.StrategyBrowser},
		"222": {Status: models.FetchOK, Body: stockPage("Notify me"), Strategy: models.StrategyBrowser},
	}}
	notifier := &fakeNotifier{}

	var opened []*scriptedSurface
	open := func(ctx context.Context) (BrowserSurface, error) {
		s := &scriptedSurface{screenshot: []byte("png-bytes")}
		opened = append(opened, s)
		return s, nil
	}

	r := newTestRunner(cfg, &fakeSessions{}, fetcher, store, notifier, open)
	result, err := r.RunCycle(context.Background())
	if err != nil {
		t.Fatalf("RunCycle: %v", err)
	}

	// One surface per pincode window, all closed.
	if len(opened) != 2 {
		t.Fatalf("surfaces opened = %d, want one per pincode", len(opened))
	}
	for i, s := range opened {
		if !s.closed {
			t.Fatalf("surface %d not closed", i)
		}
	}
	// The restock event carries a page screenshot.
	if len(result.Changes) != 1 || string(result.Changes[0].Screenshot) != "png-bytes" {
		t.Fatalf("changes = %+v, want screenshot attached", result.Changes)
	}
}

func TestRunCycleBrowserOpenFailureIsFatal(t *testing.T) {
	cfg := runnerConfig()
	cfg.Mode = config.ModeBrowser

	open := func(ctx context.Context) (BrowserSurface, error) {
		return nil, errors.New("chrome not found")
	}
	r := newTestRunner(cfg, &fakeSessions{}, &fakeFetcher{}, state.NewMemoryStore(), &fakeNotifier{}, open)

	if _, err := r.RunCycle(context.Background()); err == nil {
		t.Fatalf("RunCycle should abort when the browser cannot open")
	}
}

func TestRunCycleHonorsCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	r := newTestRunner(runnerConfig(), &fakeSessions{}, &fakeFetcher{}, state.NewMemoryStore(), &fakeNotifier{}, nil)
	if _, err := r.RunCycle(ctx); !errors.Is(err, context.Canceled) {
		t.Fatalf("RunCycle = %v, want context.Canceled", err)
	}
}
