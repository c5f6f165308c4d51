package service

import (
	"encoding/json"
	"fmt"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/orderledger/internal/model"
)

func invalid(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}

func validCurrency(currency string) bool {
	if len(currency) != 3 {
		return false
	}
	for _, c := range currency {
		if c < 'A' || c > 'Z' {
			return false
		}
	}
	return true
}

// Суммы хранятся с точностью до копейки
func validAmount(amount decimal.Decimal) bool {
	return amount.Equal(amount.Round(2))
}

func validateEvent(event model.LedgerEvent) error {
	data := event.Data
	switch {
	case event.Tenant == "":
		return invalid("tenant is required")
	case data.Provider == "":
		return invalid("provider is required")
	case data.ProviderTransactionID == "":
		return invalid("provider transaction id is required")
	case !data.Type.Valid():
		return invalid("unknown event type %q", data.Type)
	case !data.Actor.Valid():
		return invalid("unknown actor %q", data.Actor)
	case !validCurrency(data.Currency):
		return invalid("currency %q is not an ISO 4217 code", data.Currency)
	case !validAmount(data.Amount):
		return invalid("amount %s has more than 2 decimal places", data.Amount)
	case data.Type == model.EventSale && !data.Amount.IsPositive():
		return invalid("sale amount must be positive")
	case data.OccurredAt.IsZero():
		return invalid("occurred_at is required")
	case len(data.Payload) > 0 && !json.Valid(data.Payload):
		return invalid("raw payload is not valid JSON")
	}
	return nil
}

func validateOrder(order model.Order) error {
	switch {
	case order.Key.Tenant == "":
		return invalid("tenant is required")
	case order.Key.Provider == "":
		return invalid("provider is required")
	case order.Key.ProviderOrderID == "":
		return invalid("provider order id is required")
	case !validCurrency(order.Data.Currency):
		return invalid("currency %q is not an ISO 4217 code", order.Data.Currency)
	case !order.Data.ExternalStatus.Valid():
		return invalid("unknown status %q", order.Data.ExternalStatus)
	case !validAmount(order.Data.CustomerPaid) || !validAmount(order.Data.GrossBase):
		return invalid("order amounts must have at most 2 decimal places")
	}
	mains := 0
	for _, item := range order.Data.Items {
		if !item.Type.Valid() {
			return invalid("unknown item type %q", item.Type)
		}
		if item.ProductID == "" {
			return invalid("item product id is required")
		}
		if !validAmount(item.BasePrice) {
			return invalid("item base price must have at most 2 decimal places")
		}
		if item.Type == model.ItemTypeMain {
			mains++
		}
	}
	if mains > 1 {
		return invalid("order has %d main items", mains)
	}
	return nil
}

func validateSplitRule(rule model.SplitRule) error {
	switch {
	case rule.Tenant == "":
		return invalid("tenant is required")
	case rule.ProductID == "":
		return invalid("product id is required")
	case !rule.PartnerType.Valid():
		return invalid("unknown partner type %q", rule.PartnerType)
	case rule.PartnerName == "":
		return invalid("partner name is required")
	case rule.Percentage.IsNegative() || rule.Percentage.GreaterThan(decimal.NewFromInt(1)):
		return invalid("percentage must be within [0, 1]")
	case !rule.Percentage.Equal(rule.Percentage.Round(5)):
		return invalid("percentage has more than 5 decimal places")
	}
	return nil
}
