// Package status derives the canonical order status from its ledger events.
package status

import (
	"github.com/shopspring/decimal"

	"github.com/iurnickita/orderledger/internal/model"
)

// Totals is the whole-order aggregate the derivation rules operate on.
type Totals struct {
	Sale   decimal.Decimal // Σ amount of sale events
	Refund decimal.Decimal // Σ |amount| of refund and chargeback events
	Net    decimal.Decimal // Σ amount of every event except payouts
	Events int
}

// Aggregate folds ledger events into order totals.
func Aggregate(events []model.LedgerEvent) Totals {
	var t Totals
	for _, e := range events {
		t.Add(e.Data.Type, e.Data.Amount)
	}
	return t
}

// Add accounts one event.
func (t *Totals) Add(eventType model.EventType, amount decimal.Decimal) {
	t.Events++
	switch eventType {
	case model.EventSale:
		t.Sale = t.Sale.Add(amount)
	case model.EventRefund, model.EventChargeback:
		t.Refund = t.Refund.Add(amount.Abs())
	}
	if eventType != model.EventPayout {
		t.Net = t.Net.Add(amount)
	}
}

// Derive applies the status rules in precedence order. ok is false when the
// ledger carries no sale or refund evidence and the status must stay as is.
func Derive(t Totals) (s model.OrderStatus, ok bool) {
	switch {
	case t.Sale.IsZero() && t.Refund.IsZero():
		return "", false
	case t.Sale.IsPositive() && t.Refund.IsZero():
		return model.OrderStatusApproved, true
	case t.Sale.GreaterThan(t.Refund) && t.Refund.IsPositive():
		return model.OrderStatusPartialRefund, true
	default:
		// sale <= refund
		return model.OrderStatusCancelled, true
	}
}

// Resolve returns the status an order must carry given its totals and the
// externally assigned status used when the ledger has no evidence.
func Resolve(t Totals, external model.OrderStatus) model.Derivation {
	s, ok := Derive(t)
	if !ok {
		if external == "" {
			external = model.OrderStatusPending
		}
		return model.Derivation{Status: external, Unchanged: true}
	}
	return model.Derivation{Status: s}
}

// Approved reports whether the status means the sale went through.
func Approved(s model.OrderStatus) bool {
	return s == model.OrderStatusApproved || s == model.OrderStatusPartialRefund
}
