// Package models defines data structures shared by the stock watcher.
package models

import (
	"strings"
	"time"
)

// Verdict is the classified availability outcome for one product under one
// pincode at one point in time.
type Verdict string

const (
	VerdictInStock    Verdict = "in_stock"
	VerdictOutOfStock Verdict = "out_of_stock"
	VerdictUnknown    Verdict = "unknown"
	// VerdictNone marks the absence of a prior observation.
	VerdictNone Verdict = ""
)

// Product identifies one tracked product. Immutable, sourced from config.
type Product struct {
	ID   string `json:"id"`
	Slug string `json:"slug"`
	URL  string `json:"url"`
}

// FallbackTitle derives a display title from the slug when the page did not
// yield one.
func (p Product) FallbackTitle() string {
	words := strings.Split(strings.ReplaceAll(p.Slug, "-", " "), " ")
	for i, w := range words {
		if w == "" {
			continue
		}
		words[i] = strings.ToUpper(w[:1]) + w[1:]
	}
	return strings.Join(words, " ")
}

// FetchStatus describes the outcome class of one fetch call.
type FetchStatus string

const (
	FetchOK             FetchStatus = "ok"
	FetchBlocked        FetchStatus = "blocked"
	FetchTransportError FetchStatus = "transport_error"
)

// Fetch strategies reported in FetchResult.
const (
	StrategyBrowser = "browser"
	StrategyDirect  = "direct"
	StrategyDataAPI = "data_api"
)

// FetchResult is the outcome of one content retrieval for a product under an
// established session. Blocked and transport failures are data outcomes, not
// errors: the cycle continues past them.
type FetchResult struct {
	Status   FetchStatus
	Body     []byte
	Strategy string
	Attempts int
	Err      error
}

// StateRecord holds the last verdict observed for a (product, pincode) key.
type StateRecord struct {
	ProductID  string    `json:"product_id"`
	Pincode    string    `json:"pincode"`
	Slug       string    `json:"slug"`
	Title      string    `json:"title"`
	URL        string    `json:"url"`
	Status     Verdict   `json:"status"`
	ObservedAt time.Time `json:"observed_at"`
}

// ChangeEvent is emitted when a key's verdict differs from the previous run.
type ChangeEvent struct {
	Product    Product
	Pincode    string
	Title      string
	Previous   Verdict
	Current    Verdict
	Screenshot []byte
}

// InStock reports whether the event is a transition into in_stock.
func (e ChangeEvent) InStock() bool {
	return e.Current == VerdictInStock
}

// RecordedStep is one replayable UI action captured by the out-of-band
// recorder. The "<PIN>" placeholder in InputValue is substituted with the
// pincode at playback time.
type RecordedStep struct {
	Action     string `json:"action"` // click or send_keys
	By         string `json:"by"`     // id, css, or xpath
	Value      string `json:"value"`
	InputValue string `json:"inputValue,omitempty"`
	Key        string `json:"key,omitempty"`
}

// RecordedFlow is an ordered step list reproducing a human location-setting
// session. Read-only input; never mutated by the watcher.
type RecordedFlow struct {
	Steps []RecordedStep `json:"steps"`
}

// KeyOutcome is one (product, pincode) outcome within a cycle.
type KeyOutcome struct {
	Product Product
	Pincode string
	Verdict Verdict
}

// KeyError is one (product, pincode) key that failed during a cycle.
type KeyError struct {
	Product Product
	Pincode string
	Reason  string
}

// CycleResult summarises one full evaluation cycle for the operator surface.
type CycleResult struct {
	StartTime time.Time
	EndTime   time.Time
	Outcomes  []KeyOutcome
	Errors    []KeyError
	Changes   []ChangeEvent
}
