package model

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
)

// Заказы

type OrderStatus string

const (
	OrderStatusPending       OrderStatus = "pending"
	OrderStatusApproved      OrderStatus = "approved"
	OrderStatusPartialRefund OrderStatus = "partial_refund"
	OrderStatusCancelled     OrderStatus = "cancelled"
)

func (s OrderStatus) Valid() bool {
	switch s {
	case OrderStatusPending, OrderStatusApproved, OrderStatusPartialRefund, OrderStatusCancelled:
		return true
	}
	return false
}

type Order struct {
	ID   uuid.UUID
	Key  OrderKey
	Data OrderData
}

// OrderKey is the provider-side identity of an order inside a tenant.
type OrderKey struct {
	Tenant          string
	Provider        string
	ProviderOrderID string
}

type OrderData struct {
	BuyerEmail     string
	BuyerName      string
	Status         OrderStatus
	ExternalStatus OrderStatus
	Currency       string
	CustomerPaid   decimal.Decimal
	GrossBase      decimal.Decimal
	ProducerNet    decimal.Decimal
	OrderedAt      time.Time
	ApprovedAt     *time.Time
	CompletedAt    *time.Time
	Items          []OrderItem
	ProviderTxnIDs []string
}

// Позиции заказа

type ItemType string

const (
	ItemTypeMain     ItemType = "main"
	ItemTypeBump     ItemType = "bump"
	ItemTypeUpsell   ItemType = "upsell"
	ItemTypeDownsell ItemType = "downsell"
	ItemTypeAddon    ItemType = "addon"
)

func (t ItemType) Valid() bool {
	switch t {
	case ItemTypeMain, ItemTypeBump, ItemTypeUpsell, ItemTypeDownsell, ItemTypeAddon:
		return true
	}
	return false
}

type OrderItem struct {
	Type                  ItemType
	ProductID             string
	OfferID               string
	BasePrice             decimal.Decimal
	FunnelID              string
	ProviderTransactionID string
}

// Журнал финансовых событий

type EventType string

const (
	EventSale        EventType = "sale"
	EventRefund      EventType = "refund"
	EventChargeback  EventType = "chargeback"
	EventPlatformFee EventType = "platform_fee"
	EventAffiliate   EventType = "affiliate"
	EventCoproducer  EventType = "coproducer"
	EventTax         EventType = "tax"
	EventPayout      EventType = "payout"
)

func (t EventType) Valid() bool {
	switch t {
	case EventSale, EventRefund, EventChargeback, EventPlatformFee,
		EventAffiliate, EventCoproducer, EventTax, EventPayout:
		return true
	}
	return false
}

// RequiresSale reports whether an event of this type is an orphan without
// a sale for the same provider transaction.
func (t EventType) RequiresSale() bool {
	switch t {
	case EventRefund, EventChargeback, EventPlatformFee, EventAffiliate, EventCoproducer:
		return true
	}
	return false
}

// OrphanEventTypes lists the types checked by reconciliation.
var OrphanEventTypes = []EventType{EventRefund, EventChargeback, EventPlatformFee, EventAffiliate, EventCoproducer}

type Actor string

const (
	ActorProducer     Actor = "producer"
	ActorAffiliate    Actor = "affiliate"
	ActorCoproducer   Actor = "coproducer"
	ActorPlatform     Actor = "platform"
	ActorTaxAuthority Actor = "tax_authority"
)

func (a Actor) Valid() bool {
	switch a {
	case ActorProducer, ActorAffiliate, ActorCoproducer, ActorPlatform, ActorTaxAuthority:
		return true
	}
	return false
}

// RawPayload is the provider body exactly as delivered. Nothing branches on its shape.
type RawPayload = json.RawMessage

type LedgerEvent struct {
	ID             int64
	IdempotencyKey string
	Tenant         string
	OrderID        uuid.UUID
	Data           LedgerEventData
	CreatedAt      time.Time
}

type LedgerEventData struct {
	Provider              string
	ProviderTransactionID string
	ProductID             string
	Type                  EventType
	Actor                 Actor
	Amount                decimal.Decimal
	Currency              string
	OccurredAt            time.Time
	Payload               RawPayload
}

// IdempotencyKey derives the deduplication key of a provider event. Parts are
// joined with ':'; a ':' or '\' inside a part is escaped with '\', so
// distinct tuples never share a key.
func IdempotencyKey(provider, transactionID string, eventType EventType, actor Actor) string {
	return keyPart(provider) + ":" + keyPart(transactionID) + ":" +
		keyPart(string(eventType)) + ":" + keyPart(string(actor))
}

var keyEscaper = strings.NewReplacer(`\`, `\\`, `:`, `\:`)

func keyPart(part string) string {
	return keyEscaper.Replace(part)
}

// Сопоставление транзакций провайдера с заказами

type ProviderOrderMap struct {
	Tenant                string
	Provider              string
	ProviderTransactionID string
	OrderID               uuid.UUID
	ProductID             string
}

// Результат пересчета статуса

type Derivation struct {
	Status    OrderStatus
	Unchanged bool
}

type AppendResult struct {
	EventID   int64
	Duplicate bool
	Status    OrderStatus
	Changed   bool
}

// RemovedOrphans is the outcome of removing the orphans of one order.
type RemovedOrphans struct {
	OrderID      uuid.UUID
	Events       []LedgerEvent
	StatusBefore OrderStatus
	StatusAfter  OrderStatus
}

// OrphanRef points at an orphan candidate found by the reconciliation scan.
type OrphanRef struct {
	EventID int64
	OrderID uuid.UUID
}

type ReconcileReport struct {
	Tenant        string
	Orders        int
	EventsRemoved int
	StatusChanges int
}

// Правила распределения выручки

type PartnerType string

const (
	PartnerOwner      PartnerType = "owner"
	PartnerCoproducer PartnerType = "coproducer"
	PartnerAffiliate  PartnerType = "affiliate"
)

func (p PartnerType) Valid() bool {
	switch p {
	case PartnerOwner, PartnerCoproducer, PartnerAffiliate:
		return true
	}
	return false
}

type SplitRule struct {
	Tenant      string
	ProductID   string
	PartnerType PartnerType
	PartnerName string
	Percentage  decimal.Decimal
	IsActive    bool
}

// Отчеты

type Granularity string

const (
	GranularityDay   Granularity = "day"
	GranularityMonth Granularity = "month"
)

func (g Granularity) Valid() bool {
	return g == GranularityDay || g == GranularityMonth
}

type AllocationRow struct {
	Tenant      string
	Period      string
	PartnerType PartnerType
	PartnerName string
	Currency    string
	Amount      decimal.Decimal
}

type RevenueRow struct {
	Tenant      string
	Period      string
	Currency    string
	Gross       decimal.Decimal
	Refunds     decimal.Decimal
	Fees        decimal.Decimal
	Commissions decimal.Decimal
	Net         decimal.Decimal
	Orders      int
}
