package main

import (
	"bufio"
	"context"
	"errors"
	"flag"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/aluiziolira/stockwatch/browser"
	"github.com/aluiziolira/stockwatch/config"
	"github.com/aluiziolira/stockwatch/fetch"
	"github.com/aluiziolira/stockwatch/location"
	"github.com/aluiziolira/stockwatch/models"
	"github.com/aluiziolira/stockwatch/notify"
	"github.com/aluiziolira/stockwatch/runner"
	"github.com/aluiziolira/stockwatch/state"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/robfig/cron/v3"
)

func main() {
	configPath := flag.String("config", "", "Config file path (default: config.{yaml,json,toml} in cwd)")
	products := flag.String("products", "", "Comma-separated product URLs (overrides config)")
	pincodes := flag.String("pincodes", "", "Comma-separated 6-digit pincodes (overrides config)")
	mode := flag.String("mode", "", "Check mode: browser or direct (overrides config)")
	window := flag.String("window", "", "Browser window: headless, visible, or minimized")
	stateFile := flag.String("state", "", "State file path (overrides config)")
	loop := flag.Duration("loop", 0, "Re-run every interval (e.g. 10m); zero runs once")
	metricsAddr := flag.String("metrics-addr", "", "Prometheus metrics listen address (e.g. :9090)")
	testTelegram := flag.Bool("test-telegram", false, "Send a Telegram test message and exit")
	verbose := flag.Bool("v", false, "Enable verbose logging")

	flag.Parse()

	logger, level := newLogger(*verbose)
	slog.SetDefault(logger)
	slog.SetLogLoggerLevel(level.Level())

	cfg, err := config.Load(*configPath)
	if err != nil {
		slog.Error("loading configuration", slog.Any("error", err))
		os.Exit(1)
	}
	applyOverrides(cfg, *products, *pincodes, *mode, *window, *stateFile, *loop, *metricsAddr, *verbose)
	cfg.Pincodes = config.NormalizePincodes(cfg.Pincodes)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	telegram := notify.NewTelegram(cfg.Telegram, nil)
	if *testTelegram {
		if err := telegram.SendTest(ctx); err != nil {
			slog.Error("telegram test failed", slog.Any("error", err))
			os.Exit(1)
		}
		fmt.Println("Telegram test message sent.")
		return
	}

	if err := cfg.Validate(); err != nil {
		slog.Error("invalid configuration", slog.Any("error", err))
		os.Exit(1)
	}

	slog.Info("starting stockwatch",
		slog.String("mode", cfg.Mode),
		slog.Int("products", len(cfg.ProductURLs)),
		slog.Int("pincodes", len(cfg.Pincodes)),
	)

	r, metrics, err := buildRunner(cfg, telegram)
	if err != nil {
		slog.Error("initialising watcher", slog.Any("error", err))
		os.Exit(1)
	}

	var metricsServer *http.Server
	if cfg.MetricsAddr != "" {
		metricsServer = &http.Server{
			Addr:    cfg.MetricsAddr,
			Handler: promhttp.HandlerFor(metrics.Registry, promhttp.HandlerOpts{}),
		}
		go func() {
			if err := metricsServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
				slog.Error("metrics server failed", slog.Any("error", err))
			}
		}()
		slog.Info("metrics server enabled", slog.String("addr", cfg.MetricsAddr))
	}

	exitCode := 0
	if cfg.LoopEvery > 0 {
		runLoop(ctx, r, cfg.LoopEvery)
	} else {
		result, err := r.RunCycle(ctx)
		if err != nil {
			slog.Error("cycle failed", slog.Any("error", err))
			exitCode = 1
		}
		if result != nil {
			printSummary(result)
		}
	}

	if metricsServer != nil {
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		if err := metricsServer.Shutdown(shutdownCtx); err != nil {
			slog.Error("metrics server shutdown failed", slog.Any("error", err))
		}
		cancel()
	}
	os.Exit(exitCode)
}

// buildRunner assembles the session manager, fetcher, state engine, and
// coordinator from configuration.
func buildRunner(cfg *config.Config, telegram *notify.Telegram) (*runner.Runner, *fetch.Metrics, error) {
	metrics := fetch.NewMetrics()

	places, err := location.NewPlacesClient(cfg.BaseURL, cfg.UserAgent, cfg.Timeout)
	if err != nil {
		return nil, nil, fmt.Errorf("places client: %w", err)
	}

	var flow *models.RecordedFlow
	if cfg.FlowFile != "" {
		flow, err = location.LoadFlow(cfg.FlowFile)
		if err != nil {
			if errors.Is(err, os.ErrNotExist) {
				slog.Debug("no recorded flow file, replay strategy disabled",
					slog.String("path", cfg.FlowFile))
			} else {
				return nil, nil, fmt.Errorf("recorded flow: %w", err)
			}
		}
	}

	manager := location.NewManager(cfg, places, flow, confirmOnStdin)
	if cfg.SessionFile != "" {
		headers, err := location.LoadSessionHeaders(cfg.SessionFile, hostOf(cfg.BaseURL))
		if err != nil {
			return nil, nil, fmt.Errorf("session header file: %w", err)
		}
		manager.SetSessionHeaders(headers)
		slog.Info("recorded session headers loaded", slog.String("path", cfg.SessionFile))
	}

	store, err := state.NewFileStore(cfg.StateFile)
	if err != nil {
		return nil, nil, fmt.Errorf("state store: %w", err)
	}
	engine := state.NewEngine(store)

	fetcher, err := fetch.NewFetcher(cfg, metrics)
	if err != nil {
		return nil, nil, fmt.Errorf("fetcher: %w", err)
	}

	var opener runner.SurfaceOpener
	if cfg.Mode == config.ModeBrowser {
		opener = func(ctx context.Context) (runner.BrowserSurface, error) {
			return browser.Open(ctx, browser.Options{
				Window:    cfg.Window,
				UserAgent: cfg.UserAgent,
				PageWait:  cfg.PageWait,
			})
		}
	}

	return runner.New(cfg, manager, fetcher, engine, telegram, metrics, opener), metrics, nil
}

// runLoop runs one cycle immediately, then on the fixed interval until the
// context is cancelled. Cycles never overlap.
func runLoop(ctx context.Context, r *runner.Runner, every time.Duration) {
	cycle := func() {
		result, err := r.RunCycle(ctx)
		if err != nil {
			if errors.Is(err, context.Canceled) {
				return
			}
			slog.Error("cycle failed", slog.Any("error", err))
		}
		if result != nil {
			printSummary(result)
		}
	}

	cycle()
	if ctx.Err() != nil {
		return
	}

	c := cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger)))
	if _, err := c.AddFunc(fmt.Sprintf("@every %s", every), cycle); err != nil {
		slog.Error("scheduling loop", slog.Any("error", err))
		return
	}
	c.Start()
	slog.Info("loop scheduled", slog.Duration("every", every))

	<-ctx.Done()
	slog.Info("shutdown signal received, waiting for in-flight cycle")
	<-c.Stop().Done()
}

// confirmOnStdin waits for the operator to press Enter after setting the
// location by hand in the visible browser window.
func confirmOnStdin(ctx context.Context) error {
	fmt.Println("\nSet the delivery location in the browser window, then press Enter here...")
	done := make(chan error, 1)
	go func() {
		_, err := bufio.NewReader(os.Stdin).ReadString('\n')
		done <- err
	}()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case err := <-done:
		return err
	}
}

func applyOverrides(cfg *config.Config, products, pincodes, mode, window, stateFile string, loop time.Duration, metricsAddr string, verbose bool) {
	if products != "" {
		cfg.ProductURLs = splitList(products)
	}
	if pincodes != "" {
		cfg.Pincodes = splitList(pincodes)
	}
	if mode != "" {
		cfg.Mode = strings.ToLower(mode)
	}
	if window != "" {
		cfg.Window = strings.ToLower(window)
	}
	if stateFile != "" {
		cfg.StateFile = stateFile
	}
	if loop > 0 {
		cfg.LoopEvery = loop
	}
	if metricsAddr != "" {
		cfg.MetricsAddr = metricsAddr
	}
	if verbose {
		cfg.Verbose = true
	}
}

func splitList(s string) []string {
	parts := strings.Split(s, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}

func hostOf(baseURL string) string {
	trimmed := strings.TrimPrefix(strings.TrimPrefix(baseURL, "https://"), "http://")
	if i := strings.IndexByte(trimmed, '/'); i >= 0 {
		trimmed = trimmed[:i]
	}
	return trimmed
}

func printSummary(result *models.CycleResult) {
	separator := "--------------------------------------------------"
	fmt.Println("\n" + separator)
	fmt.Println("Cycle complete")
	fmt.Printf("  Keys checked:  %d\n", len(result.Outcomes))
	fmt.Printf("  Changes:       %d\n", len(result.Changes))
	fmt.Printf("  Errors:        %d\n", len(result.Errors))
	for _, ev := range result.Changes {
		fmt.Printf("    %s @ %s: %s -> %s\n", ev.Title, ev.Pincode, ev.Previous, ev.Current)
	}
	for _, ke := range result.Errors {
		fmt.Printf("    ERROR %s @ %s: %s\n", ke.Product.URL, ke.Pincode, ke.Reason)
	}
	fmt.Printf("  Duration:      %v\n", result.EndTime.Sub(result.StartTime))
	fmt.Println(separator)
}

func newLogger(verbose bool) (*slog.Logger, *slog.LevelVar) {
	level := &slog.LevelVar{}
	if verbose {
		level.Set(slog.LevelDebug)
	} else {
		level.Set(slog.LevelInfo)
	}

	opts := &slog.HandlerOptions{Level: level}
	var handler slog.Handler
	if isTerminal(os.Stdout) {
		handler = slog.NewTextHandler(os.Stdout, opts)
	} else {
		handler = slog.NewJSONHandler(os.Stdout, opts)
	}

	return slog.New(handler), level
}

func isTerminal(f *os.File) bool {
	info, err := f.Stat()
	if err != nil {
		return false
	}
	return (info.Mode() & os.ModeCharDevice) != 0
}
