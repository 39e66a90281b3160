package state

import (
	"fmt"
	"time"

	"github.com/aluiziolira/stockwatch/models"
)

// Engine compares fresh verdicts against the store and decides change
// events. It is the only component that mutates the store.
type Engine struct {
	store RecordStore
	now   func() time.Time
}

// NewEngine wires the engine to its store.
func NewEngine(store RecordStore) *Engine {
	return &Engine{store: store, now: time.Now}
}

// Reconcile applies one finalized verdict for a (product, pincode) key.
//
// An unknown verdict never touches the store and never emits: an
// inconclusive read must not overwrite a previously known-good status. A
// verdict identical to the stored one writes nothing, so records are not
// re-timestamped. On the first-ever observation of a key the record is
// written, and an event is emitted only for in_stock — a product first seen
// as unavailable is recorded silently.
func (e *Engine) Reconcile(product models.Product, pincode, title string, verdict models.Verdict) (*models.ChangeEvent, error) {
	if verdict == models.VerdictUnknown || verdict == models.VerdictNone {
		return nil, nil
	}
	if title == "" {
		title = product.FallbackTitle()
	}

	prev, exists := e.store.Read(product.ID, pincode)
	if exists && prev.Status == verdict {
		return nil, nil
	}

	record := models.StateRecord{
		ProductID:  product.ID,
		Pincode:    pincode,
		Slug:       product.Slug,
		Title:      title,
		URL:        product.URL,
		Status:     verdict,
		ObservedAt: e.now(),
	}
	if err := e.store.Write(record); err != nil {
		return nil, fmt.Errorf("write state for %s@%s: %w", product.ID, pincode, err)
	}

	previous := models.VerdictNone
	if exists {
		previous = prev.Status
	}
	if !exists && verdict != models.VerdictInStock {
		return nil, nil
	}
	return &models.ChangeEvent{
		Product:  product,
		Pincode:  pincode,
		Title:    title,
		Previous: previous,
		Current:  verdict,
	}, nil
}

// InStockChanges filters a cycle's events down to transitions into
// in_stock, the ones worth an aggregated summary.
func InStockChanges(events []models.ChangeEvent) []models.ChangeEvent {
	out := make([]models.ChangeEvent, 0, len(events))
	for _, ev := range events {
		if ev.InStock() {
			out = append(out, ev)
		}
	}
	return out
}
