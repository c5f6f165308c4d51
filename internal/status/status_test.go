package status

import (
	"testing"

	"github.com/leanovate/gopter"
	"github.com/leanovate/gopter/gen"
	"github.com/leanovate/gopter/prop"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/orderledger/internal/model"
)

func event(t model.EventType, amount string) model.LedgerEvent {
	return model.LedgerEvent{Data: model.LedgerEventData{Type: t, Amount: decimal.RequireFromString(amount)}}
}

func TestDerive(t *testing.T) {
	tests := []struct {
		name   string
		events []model.LedgerEvent
		want   model.OrderStatus
		ok     bool
	}{
		{name: "no events", events: nil, ok: false},
		{name: "fees only", events: []model.LedgerEvent{event(model.EventTax, "-3.00"), event(model.EventPayout, "-10.00")}, ok: false},
		{name: "sale", events: []model.LedgerEvent{event(model.EventSale, "100.00")}, want: model.OrderStatusApproved, ok: true},
		{name: "sale with fee", events: []model.LedgerEvent{event(model.EventSale, "100.00"), event(model.EventPlatformFee, "-9.90")}, want: model.OrderStatusApproved, ok: true},
		{name: "partial refund", events: []model.LedgerEvent{event(model.EventSale, "100.00"), event(model.EventRefund, "-30.00")}, want: model.OrderStatusPartialRefund, ok: true},
		{name: "full refund", events: []model.LedgerEvent{event(model.EventSale, "100.00"), event(model.EventRefund, "-100.00")}, want: model.OrderStatusCancelled, ok: true},
		{name: "chargeback over sale", events: []model.LedgerEvent{event(model.EventSale, "50.00"), event(model.EventChargeback, "-60.00")}, want: model.OrderStatusCancelled, ok: true},
		{name: "refund without sale", events: []model.LedgerEvent{event(model.EventRefund, "-20.00")}, want: model.OrderStatusCancelled, ok: true},
		{name: "positive refund amount counts as magnitude", events: []model.LedgerEvent{event(model.EventSale, "100.00"), event(model.EventRefund, "100.00")}, want: model.OrderStatusCancelled, ok: true},
		{
			name: "bump refunded",
			events: []model.LedgerEvent{
				event(model.EventSale, "100.00"),
				event(model.EventSale, "20.00"),
				event(model.EventRefund, "-20.00"),
			},
			want: model.OrderStatusPartialRefund,
			ok:   true,
		},
		{name: "one cent left", events: []model.LedgerEvent{event(model.EventSale, "100.00"), event(model.EventRefund, "-99.99")}, want: model.OrderStatusPartialRefund, ok: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := Derive(Aggregate(tt.events))
			require.Equal(t, tt.ok, ok)
			require.Equal(t, tt.want, got)
		})
	}
}

func TestResolve(t *testing.T) {
	d := Resolve(Totals{}, model.OrderStatusPending)
	require.True(t, d.Unchanged)
	require.Equal(t, model.OrderStatusPending, d.Status)

	d = Resolve(Totals{}, "")
	require.Equal(t, model.OrderStatusPending, d.Status)

	d = Resolve(Aggregate([]model.LedgerEvent{event(model.EventSale, "1.00")}), model.OrderStatusPending)
	require.False(t, d.Unchanged)
	require.Equal(t, model.OrderStatusApproved, d.Status)
}

func TestAggregateNet(t *testing.T) {
	totals := Aggregate([]model.LedgerEvent{
		event(model.EventSale, "100.00"),
		event(model.EventPlatformFee, "-9.90"),
		event(model.EventAffiliate, "-30.00"),
		event(model.EventTax, "-5.00"),
		event(model.EventPayout, "-55.10"),
	})
	require.True(t, totals.Net.Equal(decimal.RequireFromString("55.10")))
	require.Equal(t, 5, totals.Events)
}

func TestDeriveProperties(t *testing.T) {
	parameters := gopter.DefaultTestParameters()
	parameters.MinSuccessfulTests = 200
	properties := gopter.NewProperties(parameters)

	cents := gen.Int64Range(0, 1_000_000)

	properties.Property("status follows sale against refund", prop.ForAll(
		func(sale, refund int64) bool {
			totals := Totals{Sale: decimal.New(sale, -2), Refund: decimal.New(refund, -2)}
			got, ok := Derive(totals)
			switch {
			case sale == 0 && refund == 0:
				return !ok
			case refund == 0:
				return ok && got == model.OrderStatusApproved
			case sale > refund:
				return ok && got == model.OrderStatusPartialRefund
			default:
				return ok && got == model.OrderStatusCancelled
			}
		},
		cents, cents,
	))

	properties.Property("event order does not matter", prop.ForAll(
		func(amounts []int64) bool {
			events := make([]model.LedgerEvent, 0, len(amounts))
			for i, a := range amounts {
				typ := model.EventSale
				if i%3 == 2 {
					typ = model.EventRefund
				}
				events = append(events, model.LedgerEvent{Data: model.LedgerEventData{Type: typ, Amount: decimal.New(a, -2)}})
			}
			reversed := make([]model.LedgerEvent, len(events))
			for i := range events {
				reversed[len(events)-1-i] = events[i]
			}
			s1, ok1 := Derive(Aggregate(events))
			s2, ok2 := Derive(Aggregate(reversed))
			return s1 == s2 && ok1 == ok2
		},
		gen.SliceOf(gen.Int64Range(1, 100_000)),
	))

	properties.TestingRun(t)
}
