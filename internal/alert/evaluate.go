// Package alert decides which alerts fire for a new snapshot and delivers
// them across the configured channels.
package alert

import (
	"github.com/shopspring/decimal"

	"price-tracker/internal/storage"
)

var hundred = decimal.NewFromInt(100)

// Previous captures the item state an evaluation compares against. Prices
// come from the last persisted observation; a partially failed update never
// moves them.
type Previous struct {
	Price         *decimal.Decimal
	HistoricalMin *decimal.Decimal
	TargetPrice   *decimal.Decimal
	InStock       bool
}

// Evaluate is a pure decision: given the previous summary and the new
// snapshot it returns the alerts that fire, without mutating either input.
// An item may fire several kinds from a single snapshot. dropPct is the
// price-drop trigger expressed in percent (10 means a 10% drop).
func Evaluate(prev Previous, snap storage.Snapshot, dropPct decimal.Decimal) []storage.AlertEvent {
	var events []storage.AlertEvent

	// Stock transitions are independent of price movement.
	if prev.Price != nil && !prev.InStock && snap.InStock {
		events = append(events, newEvent(storage.AlertBackInStock, *prev.Price, snap, nil))
	}

	if prev.Price == nil {
		return events
	}

	old := *prev.Price
	if old.Equal(snap.Price) || old.IsZero() {
		return events
	}

	changePct := snap.Price.Sub(old).Div(old).Mul(hundred)

	if changePct.LessThanOrEqual(dropPct.Neg()) {
		events = append(events, newEvent(storage.AlertPriceDrop, old, snap, nil))
	}

	if prev.TargetPrice != nil && snap.Price.LessThanOrEqual(*prev.TargetPrice) {
		threshold := *prev.TargetPrice
		events = append(events, newEvent(storage.AlertPriceDrop, old, snap, &threshold))
	}

	if prev.HistoricalMin != nil && snap.Price.LessThan(*prev.HistoricalMin) {
		events = append(events, newEvent(storage.AlertNewLow, old, snap, nil))
	}

	return events
}

func newEvent(kind storage.AlertKind, old decimal.Decimal, snap storage.Snapshot, threshold *decimal.Decimal) storage.AlertEvent {
	changePct := decimal.Zero
	if !old.IsZero() {
		changePct = snap.Price.Sub(old).Div(old).Mul(hundred)
	}
	return storage.AlertEvent{
		ItemID:    snap.ItemID,
		Kind:      kind,
		OldPrice:  old,
		NewPrice:  snap.Price,
		ChangePct: changePct,
		Threshold: threshold,
		Status:    storage.DeliveryPending,
		CreatedAt: snap.ObservedAt,
	}
}
