// Package revenue aggregates ledger events into reporting rows: revenue
// totals per economic period and partner allocations from split rules.
package revenue

import (
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/orderledger/internal/model"
)

// Period returns the economic period an instant belongs to in loc.
func Period(t time.Time, loc *time.Location, granularity model.Granularity) string {
	local := t.In(loc)
	if granularity == model.GranularityMonth {
		return local.Format("2006-01")
	}
	return local.Format("2006-01-02")
}

type revenueKey struct {
	period   string
	currency string
}

// Summarize computes gross, deductions and net revenue per period and currency.
func Summarize(tenant string, events []model.LedgerEvent, loc *time.Location, granularity model.Granularity) []model.RevenueRow {
	rows := make(map[revenueKey]*model.RevenueRow)
	orders := make(map[revenueKey]map[uuid.UUID]struct{})

	for _, e := range events {
		key := revenueKey{Period(e.Data.OccurredAt, loc, granularity), e.Data.Currency}
		row, ok := rows[key]
		if !ok {
			row = &model.RevenueRow{Tenant: tenant, Period: key.period, Currency: key.currency}
			rows[key] = row
			orders[key] = make(map[uuid.UUID]struct{})
		}

		amount := e.Data.Amount.Abs()
		switch e.Data.Type {
		case model.EventSale:
			row.Gross = row.Gross.Add(e.Data.Amount)
			orders[key][e.OrderID] = struct{}{}
		case model.EventRefund, model.EventChargeback:
			row.Refunds = row.Refunds.Add(amount)
		case model.EventPlatformFee, model.EventTax:
			row.Fees = row.Fees.Add(amount)
		case model.EventAffiliate, model.EventCoproducer:
			row.Commissions = row.Commissions.Add(amount)
		}
	}

	result := make([]model.RevenueRow, 0, len(rows))
	for key, row := range rows {
		row.Net = row.Gross.Sub(row.Refunds).Sub(row.Fees).Sub(row.Commissions)
		row.Orders = len(orders[key])
		result = append(result, *row)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].Period != result[j].Period {
			return result[i].Period < result[j].Period
		}
		return result[i].Currency < result[j].Currency
	})
	return result
}

type netKey struct {
	orderID   uuid.UUID
	productID string
	period    string
	currency  string
}

type allocationKey struct {
	period      string
	partnerType model.PartnerType
	partnerName string
	currency    string
}

// netByProduct returns the net revenue of every (order, product, period)
// group. Commissions and payouts are not deducted: commissions are partner
// shares themselves and payouts only move cash.
func netByProduct(events []model.LedgerEvent, loc *time.Location, granularity model.Granularity) map[netKey]decimal.Decimal {
	nets := make(map[netKey]decimal.Decimal)
	for _, e := range events {
		var amount decimal.Decimal
		switch e.Data.Type {
		case model.EventSale:
			amount = e.Data.Amount
		case model.EventRefund, model.EventChargeback, model.EventPlatformFee, model.EventTax:
			amount = e.Data.Amount.Abs().Neg()
		default:
			continue
		}
		key := netKey{
			orderID:   e.OrderID,
			productID: e.Data.ProductID,
			period:    Period(e.Data.OccurredAt, loc, granularity),
			currency:  e.Data.Currency,
		}
		nets[key] = nets[key].Add(amount)
	}
	return nets
}

// Share is the allocated part of a net amount, rounded half away from zero
// to cents.
func Share(net decimal.Decimal, percentage decimal.Decimal) decimal.Decimal {
	return net.Mul(percentage).Round(2)
}

var cent = decimal.New(1, -2)

// Split divides net between rules with Share. When the rounded shares add up
// to more than the rounded net plus one cent, the excess is taken back a cent
// at a time from the shares rounded up the most; if that is not enough the
// largest shares are cut. Negative nets are split by magnitude.
func Split(net decimal.Decimal, rules []model.SplitRule) []decimal.Decimal {
	magnitude := net.Abs()
	shares := make([]decimal.Decimal, len(rules))
	remainders := make([]decimal.Decimal, len(rules))
	total := decimal.Zero
	for i, rule := range rules {
		exact := magnitude.Mul(rule.Percentage)
		shares[i] = Share(magnitude, rule.Percentage)
		remainders[i] = shares[i].Sub(exact)
		total = total.Add(shares[i])
	}

	excess := total.Sub(magnitude.Round(2).Add(cent))
	if excess.IsPositive() {
		order := make([]int, len(rules))
		for i := range order {
			order[i] = i
		}
		byRule := func(a, b int) bool {
			if rules[a].PartnerType != rules[b].PartnerType {
				return rules[a].PartnerType < rules[b].PartnerType
			}
			return rules[a].PartnerName < rules[b].PartnerName
		}

		sort.SliceStable(order, func(i, j int) bool {
			a, b := order[i], order[j]
			if c := remainders[a].Cmp(remainders[b]); c != 0 {
				return c > 0
			}
			return byRule(a, b)
		})
		for _, i := range order {
			if !excess.IsPositive() || !remainders[i].IsPositive() {
				break
			}
			shares[i] = shares[i].Sub(cent)
			excess = excess.Sub(cent)
		}

		// Сумма процентов больше единицы: режем крупнейшие доли
		sort.SliceStable(order, func(i, j int) bool {
			a, b := order[i], order[j]
			if c := shares[a].Cmp(shares[b]); c != 0 {
				return c > 0
			}
			return byRule(a, b)
		})
		for _, i := range order {
			if !excess.IsPositive() {
				break
			}
			cut := decimal.Min(excess, shares[i])
			shares[i] = shares[i].Sub(cut)
			excess = excess.Sub(cut)
		}
	}

	if net.IsNegative() {
		for i := range shares {
			shares[i] = shares[i].Neg()
		}
	}
	return shares
}

// Allocate applies active split rules to per-product net revenue and
// aggregates the shares by period and partner. Products without an active
// rule produce no rows. Shares of one net never exceed it by more than a cent.
func Allocate(tenant string, events []model.LedgerEvent, rules []model.SplitRule, loc *time.Location, granularity model.Granularity) []model.AllocationRow {
	byProduct := make(map[string][]model.SplitRule)
	for _, rule := range rules {
		if rule.IsActive && rule.Tenant == tenant {
			byProduct[rule.ProductID] = append(byProduct[rule.ProductID], rule)
		}
	}

	totals := make(map[allocationKey]decimal.Decimal)
	for key, net := range netByProduct(events, loc, granularity) {
		productRules := byProduct[key.productID]
		for i, share := range Split(net, productRules) {
			akey := allocationKey{
				period:      key.period,
				partnerType: productRules[i].PartnerType,
				partnerName: productRules[i].PartnerName,
				currency:    key.currency,
			}
			totals[akey] = totals[akey].Add(share)
		}
	}

	result := make([]model.AllocationRow, 0, len(totals))
	for key, amount := range totals {
		result = append(result, model.AllocationRow{
			Tenant:      tenant,
			Period:      key.period,
			PartnerType: key.partnerType,
			PartnerName: key.partnerName,
			Currency:    key.currency,
			Amount:      amount,
		})
	}
	sort.Slice(result, func(i, j int) bool {
		a, b := result[i], result[j]
		if a.Period != b.Period {
			return a.Period < b.Period
		}
		if a.PartnerType != b.PartnerType {
			return a.PartnerType < b.PartnerType
		}
		if a.PartnerName != b.PartnerName {
			return a.PartnerName < b.PartnerName
		}
		return a.Currency < b.Currency
	})
	return result
}
