// Package config holds watcher configuration and its file/env loader.
package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"
)

// Fetch mode selects how product pages are retrieved.
const (
	ModeBrowser = "browser"
	ModeDirect  = "direct"
)

// Window modes for the real browsing surface.
const (
	WindowHeadless  = "headless"
	WindowVisible   = "visible"
	WindowMinimized = "minimized"
)

// Location establishment strategies, tried in configured order.
const (
	StrategyReplay   = "replay"
	StrategyProtocol = "protocol"
	StrategyManual   = "manual"
)

// Telegram holds notification endpoints and credentials.
type Telegram struct {
	BotToken       string
	ChatID         string
	TopicID        string
	ErrorChatID    string
	SendScreenshot bool
}

// Config holds the full watcher configuration.
type Config struct {
	BaseURL     string
	ProductURLs []string
	Pincodes    []string

	Mode      string // browser or direct
	Window    string // headless, visible, or minimized
	UserAgent string
	Timeout   time.Duration
	PageWait  time.Duration // settle time after navigation before reading content
	StepWait  time.Duration // per-step budget during flow replay

	// Fetch discipline.
	BlockBackoff  time.Duration // wait before the single retry after a block
	RequestDelay  time.Duration // mandatory pause between consecutive fetches
	RequestJitter time.Duration // random addition to RequestDelay

	// Location establishment.
	StrategyOrder []string // subset of replay, protocol, manual
	FlowFile      string   // recorded flow steps (optional)
	SessionFile   string   // recorded real-session headers (optional)

	CheckViaDataAPI bool // browser mode: try the Next.js data JSON before the page

	StateFile string
	Telegram  Telegram

	LoopEvery   time.Duration // zero means run once
	MetricsAddr string
	Verbose     bool
}

// DefaultConfig returns conservative defaults for the target site.
func DefaultConfig() *Config {
	return &Config{
		BaseURL:         "https://www.bigbasket.com",
		Mode:            ModeBrowser,
		Window:          WindowVisible,
		UserAgent:       "Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/131.0.0.0 Safari/537.36",
		Timeout:         15 * time.Second,
		PageWait:        3 * time.Second,
		StepWait:        10 * time.Second,
		BlockBackoff:    5 * time.Second,
		RequestDelay:    2 * time.Second,
		RequestJitter:   time.Second,
		StrategyOrder:   []string{StrategyReplay, StrategyProtocol, StrategyManual},
		FlowFile:        "pincode_flow.json",
		CheckViaDataAPI: true,
		StateFile:       "state.json",
		Telegram:        Telegram{SendScreenshot: true},
	}
}

// Validate ensures all configuration values are coherent.
func (c *Config) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("base URL cannot be empty")
	}
	parsed, err := url.Parse(c.BaseURL)
	if err != nil {
		return fmt.Errorf("invalid base URL: %w", err)
	}
	if parsed.Host == "" {
		return fmt.Errorf("base URL must include a host")
	}
	if len(c.ProductURLs) == 0 {
		return fmt.Errorf("at least one product URL is required")
	}
	if len(c.Pincodes) == 0 {
		return fmt.Errorf("at least one pincode is required")
	}
	for _, pin := range c.Pincodes {
		if !validPincode(pin) {
			return fmt.Errorf("pincode %q must be a 6-digit code", pin)
		}
	}
	if c.Mode != ModeBrowser && c.Mode != ModeDirect {
		return fmt.Errorf("mode must be %s or %s", ModeBrowser, ModeDirect)
	}
	switch c.Window {
	case WindowHeadless, WindowVisible, WindowMinimized:
	default:
		return fmt.Errorf("window must be headless, visible, or minimized")
	}
	if c.UserAgent == "" {
		return fmt.Errorf("user agent cannot be empty")
	}
	if c.Timeout <= 0 {
		return fmt.Errorf("timeout must be positive")
	}
	if c.BlockBackoff < 0 {
		return fmt.Errorf("block backoff cannot be negative")
	}
	if c.RequestDelay < 0 {
		return fmt.Errorf("request delay cannot be negative")
	}
	if c.RequestJitter < 0 {
		return fmt.Errorf("request jitter cannot be negative")
	}
	if len(c.StrategyOrder) == 0 {
		return fmt.Errorf("strategy order cannot be empty")
	}
	for _, s := range c.StrategyOrder {
		switch s {
		case StrategyReplay, StrategyProtocol, StrategyManual:
		default:
			return fmt.Errorf("unknown location strategy %q", s)
		}
	}
	if c.StateFile == "" {
		return fmt.Errorf("state file cannot be empty")
	}
	if c.LoopEvery < 0 {
		return fmt.Errorf("loop interval cannot be negative")
	}
	return nil
}

func validPincode(pin string) bool {
	if len(pin) != 6 {
		return false
	}
	for _, r := range pin {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}

// NormalizePincodes trims and de-duplicates pincodes preserving order.
func NormalizePincodes(pins []string) []string {
	seen := make(map[string]struct{}, len(pins))
	out := make([]string, 0, len(pins))
	for _, p := range pins {
		pin := strings.TrimSpace(p)
		if pin == "" {
			continue
		}
		if _, ok := seen[pin]; ok {
			continue
		}
		seen[pin] = struct{}{}
		out = append(out, pin)
	}
	return out
}
