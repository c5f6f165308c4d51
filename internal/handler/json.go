package handler

import (
	"encoding/json"
	"time"

	"github.com/shopspring/decimal"

	"github.com/iurnickita/orderledger/internal/model"
)

// Заказы

type OrderItemJSON struct {
	Type                  model.ItemType  `json:"item_type"`
	ProductID             string          `json:"product_id"`
	OfferID               string          `json:"offer_id,omitempty"`
	BasePrice             decimal.Decimal `json:"base_price"`
	FunnelID              string          `json:"funnel_id,omitempty"`
	ProviderTransactionID string          `json:"provider_transaction_id,omitempty"`
}

type OrderJSONRequest struct {
	Provider        string            `json:"provider"`
	ProviderOrderID string            `json:"provider_order_id"`
	BuyerEmail      string            `json:"buyer_email"`
	BuyerName       string            `json:"buyer_name"`
	Status          model.OrderStatus `json:"status"`
	Currency        string            `json:"currency"`
	CustomerPaid    decimal.Decimal   `json:"customer_paid_amount"`
	GrossBase       decimal.Decimal   `json:"gross_base_amount"`
	OrderedAt       time.Time         `json:"ordered_at"`
	Items           []OrderItemJSON   `json:"items"`
	TransactionIDs  []string          `json:"provider_transaction_ids"`
}

func (o OrderJSONRequest) toModel(tenant string) model.Order {
	order := model.Order{
		Key: model.OrderKey{Tenant: tenant, Provider: o.Provider, ProviderOrderID: o.ProviderOrderID},
		Data: model.OrderData{
			BuyerEmail:     o.BuyerEmail,
			BuyerName:      o.BuyerName,
			ExternalStatus: o.Status,
			Currency:       o.Currency,
			CustomerPaid:   o.CustomerPaid,
			GrossBase:      o.GrossBase,
			OrderedAt:      o.OrderedAt,
			ProviderTxnIDs: o.TransactionIDs,
		},
	}
	for _, item := range o.Items {
		order.Data.Items = append(order.Data.Items, model.OrderItem(item))
	}
	return order
}

type OrderJSONResponse struct {
	ID              string            `json:"id"`
	Provider        string            `json:"provider"`
	ProviderOrderID string            `json:"provider_order_id"`
	BuyerEmail      string            `json:"buyer_email"`
	BuyerName       string            `json:"buyer_name"`
	Status          model.OrderStatus `json:"status"`
	ExternalStatus  model.OrderStatus `json:"external_status"`
	Currency        string            `json:"currency"`
	CustomerPaid    string            `json:"customer_paid_amount"`
	GrossBase       string            `json:"gross_base_amount"`
	ProducerNet     string            `json:"producer_net_amount"`
	OrderedAt       time.Time         `json:"ordered_at"`
	ApprovedAt      *time.Time        `json:"approved_at,omitempty"`
	CompletedAt     *time.Time        `json:"completed_at,omitempty"`
	Items           []OrderItemJSON   `json:"items"`
	TransactionIDs  []string          `json:"provider_transaction_ids"`
	Events          []EventJSON       `json:"events,omitempty"`
}

func newOrderResponse(order model.Order, events []model.LedgerEvent) OrderJSONResponse {
	orderJSON := OrderJSONResponse{
		ID:              order.ID.String(),
		Provider:        order.Key.Provider,
		ProviderOrderID: order.Key.ProviderOrderID,
		BuyerEmail:      order.Data.BuyerEmail,
		BuyerName:       order.Data.BuyerName,
		Status:          order.Data.Status,
		ExternalStatus:  order.Data.ExternalStatus,
		Currency:        order.Data.Currency,
		CustomerPaid:    order.Data.CustomerPaid.StringFixed(2),
		GrossBase:       order.Data.GrossBase.StringFixed(2),
		ProducerNet:     order.Data.ProducerNet.StringFixed(2),
		OrderedAt:       order.Data.OrderedAt,
		ApprovedAt:      order.Data.ApprovedAt,
		CompletedAt:     order.Data.CompletedAt,
		Items:           make([]OrderItemJSON, 0, len(order.Data.Items)),
		TransactionIDs:  order.Data.ProviderTxnIDs,
	}
	for _, item := range order.Data.Items {
		orderJSON.Items = append(orderJSON.Items, OrderItemJSON(item))
	}
	for _, e := range events {
		orderJSON.Events = append(orderJSON.Events, EventJSON{
			ID:                    e.ID,
			IdempotencyKey:        e.IdempotencyKey,
			ProviderTransactionID: e.Data.ProviderTransactionID,
			ProductID:             e.Data.ProductID,
			Type:                  e.Data.Type,
			Actor:                 e.Data.Actor,
			Amount:                e.Data.Amount.StringFixed(2),
			Currency:              e.Data.Currency,
			OccurredAt:            e.Data.OccurredAt,
		})
	}
	return orderJSON
}

// События журнала

type EventJSONRequest struct {
	IdempotencyKey        string          `json:"idempotency_key"`
	Provider              string          `json:"provider"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	ProductID             string          `json:"product_id"`
	Type                  model.EventType `json:"event_type"`
	Actor                 model.Actor     `json:"actor"`
	Amount                decimal.Decimal `json:"amount"`
	Currency              string          `json:"currency"`
	OccurredAt            time.Time       `json:"occurred_at"`
	RawPayload            json.RawMessage `json:"raw_payload"`
}

func (e EventJSONRequest) toModel(tenant string) model.LedgerEvent {
	return model.LedgerEvent{
		IdempotencyKey: e.IdempotencyKey,
		Tenant:         tenant,
		Data: model.LedgerEventData{
			Provider:              e.Provider,
			ProviderTransactionID: e.ProviderTransactionID,
			ProductID:             e.ProductID,
			Type:                  e.Type,
			Actor:                 e.Actor,
			Amount:                e.Amount,
			Currency:              e.Currency,
			OccurredAt:            e.OccurredAt,
			Payload:               e.RawPayload,
		},
	}
}

type EventJSON struct {
	ID                    int64           `json:"id"`
	IdempotencyKey        string          `json:"idempotency_key"`
	ProviderTransactionID string          `json:"provider_transaction_id"`
	ProductID             string          `json:"product_id"`
	Type                  model.EventType `json:"event_type"`
	Actor                 model.Actor     `json:"actor"`
	Amount                string          `json:"amount"`
	Currency              string          `json:"currency"`
	OccurredAt            time.Time       `json:"occurred_at"`
}

type EventJSONResponse struct {
	EventID       int64             `json:"event_id,omitempty"`
	Duplicate     bool              `json:"duplicate"`
	Status        model.OrderStatus `json:"order_status"`
	StatusChanged bool              `json:"status_changed"`
}

type DeriveJSONResponse struct {
	Status    model.OrderStatus `json:"status"`
	Unchanged bool              `json:"unchanged"`
}

type ReconcileJSONResponse struct {
	Tenant        string `json:"tenant"`
	Orders        int    `json:"orders"`
	EventsRemoved int    `json:"events_removed"`
	StatusChanges int    `json:"status_changes"`
}

// Отчеты

type AllocationJSON struct {
	Period      string            `json:"period"`
	PartnerType model.PartnerType `json:"partner_type"`
	PartnerName string            `json:"partner_name"`
	Currency    string            `json:"currency"`
	Amount      string            `json:"amount"`
}

type RevenueJSON struct {
	Period      string `json:"period"`
	Currency    string `json:"currency"`
	Gross       string `json:"gross"`
	Refunds     string `json:"refunds"`
	Fees        string `json:"fees"`
	Commissions string `json:"commissions"`
	Net         string `json:"net"`
	Orders      int    `json:"orders"`
}

type SplitRuleJSON struct {
	ProductID   string            `json:"product_id"`
	PartnerType model.PartnerType `json:"partner_type"`
	PartnerName string            `json:"partner_name"`
	Percentage  decimal.Decimal   `json:"percentage"`
	IsActive    *bool             `json:"is_active,omitempty"`
}

func (s SplitRuleJSON) toModel(tenant string) model.SplitRule {
	rule := model.SplitRule{
		Tenant:      tenant,
		ProductID:   s.ProductID,
		PartnerType: s.PartnerType,
		PartnerName: s.PartnerName,
		Percentage:  s.Percentage,
		IsActive:    true,
	}
	if s.IsActive != nil {
		rule.IsActive = *s.IsActive
	}
	return rule
}

func newSplitRuleJSON(rule model.SplitRule) SplitRuleJSON {
	active := rule.IsActive
	return SplitRuleJSON{
		ProductID:   rule.ProductID,
		PartnerType: rule.PartnerType,
		PartnerName: rule.PartnerName,
		Percentage:  rule.Percentage,
		IsActive:    &active,
	}
}
