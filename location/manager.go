package location

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/aluiziolira/stockwatch/config"
	"github.com/aluiziolira/stockwatch/models"
)

// Establishment errors. ErrReplayMismatch and ErrNoPlaceMatch are absorbed by
// strategy fallthrough; only ErrLocationUnavailable escapes the Manager.
var (
	ErrReplayMismatch      = errors.New("location: replayed flow did not yield location cookies")
	ErrLocationUnavailable = errors.New("location: all establishment strategies exhausted")
)

// Surface is the slice of the real browsing surface the Manager needs. A nil
// Surface disables the replay and manual strategies.
type Surface interface {
	Navigate(ctx context.Context, url string) error
	Reload(ctx context.Context) error
	ReadCookies(ctx context.Context) ([]*http.Cookie, error)
	SetCookies(ctx context.Context, domain string, cookies []*http.Cookie) error
	RunStep(ctx context.Context, step models.RecordedStep, pincode string) error
}

// ConfirmFunc blocks until a human confirms the location was set manually.
// It must honor ctx cancellation; there is no other timeout, since a human
// is expected to act.
type ConfirmFunc func(ctx context.Context) error

// Manager establishes location sessions, trying strategies in the configured
// priority order. A failed strategy is never retried within one Establish
// call; it falls through to the next.
type Manager struct {
	cfg     *config.Config
	places  *PlacesClient
	flow    *models.RecordedFlow
	confirm ConfirmFunc
	headers http.Header
}

// NewManager wires the manager. flow and confirm may be nil, which disables
// the replay and manual strategies respectively.
func NewManager(cfg *config.Config, places *PlacesClient, flow *models.RecordedFlow, confirm ConfirmFunc) *Manager {
	return &Manager{cfg: cfg, places: places, flow: flow, confirm: confirm}
}

// SetSessionHeaders attaches a recorded real-session header set. Every
// established session carries these headers so direct fetches reproduce the
// recorded browser fingerprint.
func (m *Manager) SetSessionHeaders(h http.Header) {
	m.headers = h
}

// Establish produces a usable session for the pincode or
// ErrLocationUnavailable. The session records which strategy succeeded so
// callers can observe capability degradation.
func (m *Manager) Establish(ctx context.Context, pincode string, surface Surface) (*Session, error) {
	if sess := m.recorded(pincode); sess != nil {
		slog.Info("location session restored from recorded headers",
			slog.String("pincode", pincode),
		)
		return sess, nil
	}
	for _, name := range m.cfg.StrategyOrder {
		if err := ctx.Err(); err != nil {
			return nil, err
		}

		var (
			sess *Session
			err  error
		)
		switch name {
		case config.StrategyReplay:
			sess, err = m.replay(ctx, pincode, surface)
		case config.StrategyProtocol:
			sess, err = m.protocol(ctx, pincode, surface)
		case config.StrategyManual:
			sess, err = m.manual(ctx, pincode, surface)
		default:
			err = fmt.Errorf("unknown strategy %q", name)
		}
		if err != nil {
			slog.Debug("location strategy failed",
				slog.String("strategy", name),
				slog.String("pincode", pincode),
				slog.Any("error", err),
			)
			continue
		}
		if !sess.Established() {
			slog.Debug("location strategy yielded incomplete cookie set",
				slog.String("strategy", name),
				slog.String("pincode", pincode),
			)
			continue
		}
		sess.Strategy = name
		sess.Headers = headersSansCookie(m.headers)
		slog.Info("location session established",
			slog.String("pincode", pincode),
			slog.String("strategy", name),
		)
		return sess, nil
	}
	return nil, fmt.Errorf("%w: pincode %s", ErrLocationUnavailable, pincode)
}

// headersSansCookie returns the recorded header set without its Cookie
// line. A strategy-established session carries its own location cookies;
// sending the recorded line as well would put a second, stale pincode
// triple ahead of them on the wire.
func headersSansCookie(h http.Header) http.Header {
	if h.Get("Cookie") == "" {
		return h
	}
	out := h.Clone()
	out.Del("Cookie")
	return out
}

// recorded short-circuits establishment when the loaded session headers
// already carry the full location cookie triple for this pincode. The
// recorded session belongs to one pincode; any other pincode falls through
// to the normal strategies.
func (m *Manager) recorded(pincode string) *Session {
	raw := m.headers.Get("Cookie")
	if raw == "" {
		return nil
	}
	req := &http.Request{Header: http.Header{"Cookie": []string{raw}}}
	sess := &Session{Pincode: pincode, Cookies: req.Cookies(), Headers: m.headers, Strategy: "recorded"}
	if !sess.Established() {
		return nil
	}
	if pin, err := req.Cookie(CookiePinCode); err != nil || pin.Value != pincode {
		slog.Debug("recorded session is for a different pincode",
			slog.String("pincode", pincode),
		)
		return nil
	}
	return sess
}

// replay plays the recorded flow verbatim against the browsing surface so
// cookies, fingerprint, and UI state all match a human session, then reads
// back the resulting cookies.
func (m *Manager) replay(ctx context.Context, pincode string, surface Surface) (*Session, error) {
	if surface == nil {
		return nil, errors.New("replay: no browsing surface")
	}
	if m.flow == nil || len(m.flow.Steps) == 0 {
		return nil, errors.New("replay: no recorded flow")
	}

	if err := surface.Navigate(ctx, m.cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("replay: navigate home: %w", err)
	}
	for i, step := range m.flow.Steps {
		stepCtx, cancel := context.WithTimeout(ctx, m.cfg.StepWait)
		err := surface.RunStep(stepCtx, step, pincode)
		cancel()
		if err != nil {
			// A missing element usually means the page changed since the
			// flow was recorded; the remaining steps cannot land either.
			return nil, fmt.Errorf("%w: step %d (%s %s): %v", ErrReplayMismatch, i+1, step.Action, step.Value, err)
		}
	}
	if err := surface.Reload(ctx); err != nil {
		return nil, fmt.Errorf("replay: reload: %w", err)
	}

	cookies, err := surface.ReadCookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("replay: read cookies: %w", err)
	}
	sess := &Session{Pincode: pincode, Cookies: cookies}
	if !sess.Established() {
		return nil, ErrReplayMismatch
	}
	return sess, nil
}

// protocol runs the three-step places chain. The serviceability response
// lands location cookies on the HTTP jar; the triple is additionally
// synthesized from the resolved coordinates, matching what the site's own
// frontend stores, so the session is complete even when the acceptance
// response sets only auxiliary cookies. When a browsing surface is active the
// cookies are copied into it so subsequent browser fetches are location
// scoped.
func (m *Manager) protocol(ctx context.Context, pincode string, surface Surface) (*Session, error) {
	if m.places == nil {
		return nil, errors.New("protocol: no places client")
	}

	place, err := m.places.Resolve(ctx, pincode)
	if err != nil {
		return nil, err
	}
	if err := m.places.Serviceable(ctx, place.Lat, place.Lng); err != nil {
		return nil, err
	}

	domain := cookieDomain(m.cfg.BaseURL)
	cookies := mergeCookies(
		m.places.Cookies(),
		locationCookies(domain, pincode, place.Lat, place.Lng, place.Area, place.City),
	)
	sess := &Session{
		Pincode: pincode,
		Lat:     place.Lat,
		Lng:     place.Lng,
		Area:    place.Area,
		City:    place.City,
		Cookies: cookies,
	}

	if surface != nil {
		if err := surface.SetCookies(ctx, domain, sess.Cookies); err != nil {
			return nil, fmt.Errorf("protocol: copy cookies to surface: %w", err)
		}
		if err := surface.Reload(ctx); err != nil {
			return nil, fmt.Errorf("protocol: reload surface: %w", err)
		}
	}
	return sess, nil
}

// manual opens the site and waits, without a timeout, for external
// confirmation that a human set the location, then reads back whatever
// cookies resulted. Correctness of those cookies is not validated.
func (m *Manager) manual(ctx context.Context, pincode string, surface Surface) (*Session, error) {
	if surface == nil {
		return nil, errors.New("manual: no browsing surface")
	}
	if m.confirm == nil {
		return nil, errors.New("manual: no confirmation hook")
	}

	if err := surface.Navigate(ctx, m.cfg.BaseURL); err != nil {
		return nil, fmt.Errorf("manual: navigate home: %w", err)
	}
	if err := m.confirm(ctx); err != nil {
		return nil, fmt.Errorf("manual: %w", err)
	}
	cookies, err := surface.ReadCookies(ctx)
	if err != nil {
		return nil, fmt.Errorf("manual: read cookies: %w", err)
	}
	return &Session{Pincode: pincode, Cookies: cookies}, nil
}
