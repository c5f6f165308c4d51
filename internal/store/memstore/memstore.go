// Package memstore is an in-memory store.Store. Every unit of work runs under
// one mutex, so readers never observe an event without its recomputed status.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/orderledger/internal/model"
	"github.com/iurnickita/orderledger/internal/status"
	"github.com/iurnickita/orderledger/internal/store"
)

type orderKey struct {
	tenant          string
	provider        string
	providerOrderID string
}

type txnKey struct {
	tenant   string
	provider string
	txn      string
}

type ruleKey struct {
	tenant      string
	productID   string
	partnerType model.PartnerType
	partnerName string
}

type Store struct {
	mu sync.Mutex

	orders map[uuid.UUID]*model.Order
	byKey  map[orderKey]uuid.UUID
	txns   map[txnKey]model.ProviderOrderMap
	events []model.LedgerEvent
	keys   map[string]struct{} // tenant + idempotency key
	rules  map[ruleKey]model.SplitRule
	lastID int64
	now    func() time.Time
}

var _ store.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		orders: make(map[uuid.UUID]*model.Order),
		byKey:  make(map[orderKey]uuid.UUID),
		txns:   make(map[txnKey]model.ProviderOrderMap),
		keys:   make(map[string]struct{}),
		rules:  make(map[ruleKey]model.SplitRule),
		now:    time.Now,
	}
}

// WithClock overrides the clock stamping created_at.
func (s *Store) WithClock(now func() time.Time) *Store {
	s.now = now
	return s
}

func (s *Store) Close() error {
	return nil
}

func (s *Store) OrderUpsert(_ context.Context, order model.Order) (model.Order, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := orderKey{order.Key.Tenant, order.Key.Provider, order.Key.ProviderOrderID}
	id, exists := s.byKey[key]
	if !exists {
		id = uuid.New()
		stored := model.Order{ID: id, Key: order.Key, Data: order.Data}
		stored.Data.Status = order.Data.ExternalStatus
		stored.Data.ProducerNet = decimal.Zero
		stored.Data.ApprovedAt = nil
		stored.Data.CompletedAt = nil
		stored.Data.Items = nil
		stored.Data.ProviderTxnIDs = nil
		s.orders[id] = &stored
		s.byKey[key] = id
	}
	stored := s.orders[id]

	mainProduct := ""
	for _, item := range order.Data.Items {
		if item.Type == model.ItemTypeMain && mainProduct == "" {
			mainProduct = item.ProductID
		}
		if !hasItem(stored.Data.Items, item) {
			stored.Data.Items = append(stored.Data.Items, item)
		}
	}

	s.mapTxn(stored, order.Key.ProviderOrderID, mainProduct)
	for _, item := range order.Data.Items {
		if item.ProviderTransactionID != "" {
			s.mapTxn(stored, item.ProviderTransactionID, item.ProductID)
		}
	}
	for _, txn := range order.Data.ProviderTxnIDs {
		s.mapTxn(stored, txn, mainProduct)
	}

	return copyOrder(stored), !exists, nil
}

func hasItem(items []model.OrderItem, item model.OrderItem) bool {
	for _, existing := range items {
		if existing.ProductID == item.ProductID && existing.OfferID == item.OfferID {
			return true
		}
	}
	return false
}

func (s *Store) mapTxn(order *model.Order, txn string, productID string) {
	key := txnKey{order.Key.Tenant, order.Key.Provider, txn}
	if _, ok := s.txns[key]; ok {
		return
	}
	s.txns[key] = model.ProviderOrderMap{
		Tenant:                order.Key.Tenant,
		Provider:              order.Key.Provider,
		ProviderTransactionID: txn,
		OrderID:               order.ID,
		ProductID:             productID,
	}
	order.Data.ProviderTxnIDs = append(order.Data.ProviderTxnIDs, txn)
	sort.Strings(order.Data.ProviderTxnIDs)
}

func copyOrder(order *model.Order) model.Order {
	out := *order
	out.Data.Items = append([]model.OrderItem(nil), order.Data.Items...)
	out.Data.ProviderTxnIDs = append([]string(nil), order.Data.ProviderTxnIDs...)
	return out
}

// order returns the tenant's order; orders of other tenants are invisible.
func (s *Store) order(tenant string, id uuid.UUID) (*model.Order, error) {
	order, ok := s.orders[id]
	if !ok || order.Key.Tenant != tenant {
		return nil, store.ErrOrderNotFound
	}
	return order, nil
}

func (s *Store) OrderGet(_ context.Context, tenant string, id uuid.UUID) (model.Order, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.order(tenant, id)
	if err != nil {
		return model.Order{}, err
	}
	return copyOrder(order), nil
}

func (s *Store) OrderEvents(_ context.Context, tenant string, id uuid.UUID) ([]model.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.orderEvents(tenant, id), nil
}

func (s *Store) orderEvents(tenant string, id uuid.UUID) []model.LedgerEvent {
	var events []model.LedgerEvent
	for _, e := range s.events {
		if e.Tenant == tenant && e.OrderID == id {
			events = append(events, e)
		}
	}
	return events
}

func (s *Store) TransactionResolve(_ context.Context, tenant string, provider string, transactionID string) (model.ProviderOrderMap, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	mapping, ok := s.txns[txnKey{tenant, provider, transactionID}]
	if !ok {
		return model.ProviderOrderMap{}, store.ErrNotFound
	}
	return mapping, nil
}

func (s *Store) AppendAndRecompute(_ context.Context, event model.LedgerEvent) (model.AppendResult, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.order(event.Tenant, event.OrderID)
	if err != nil {
		return model.AppendResult{}, err
	}
	dedup := event.Tenant + "\x00" + event.IdempotencyKey
	if _, ok := s.keys[dedup]; ok {
		return model.AppendResult{Duplicate: true, Status: order.Data.Status}, nil
	}
	if order.Data.Currency != event.Data.Currency {
		return model.AppendResult{}, store.ErrCurrencyMismatch
	}

	s.lastID++
	event.ID = s.lastID
	event.CreatedAt = s.now()
	s.events = append(s.events, event)
	s.keys[dedup] = struct{}{}

	before := order.Data.Status
	derivation := s.recompute(order)
	return model.AppendResult{
		EventID: event.ID,
		Status:  derivation.Status,
		Changed: derivation.Status != before,
	}, nil
}

func (s *Store) recompute(order *model.Order) model.Derivation {
	totals := status.Aggregate(s.orderEvents(order.Key.Tenant, order.ID))
	derivation := status.Resolve(totals, order.Data.ExternalStatus)

	order.Data.Status = derivation.Status
	order.Data.ProducerNet = totals.Net
	if status.Approved(derivation.Status) && order.Data.ApprovedAt == nil {
		now := s.now()
		order.Data.ApprovedAt = &now
	}
	return derivation
}

func (s *Store) OrderRecompute(_ context.Context, tenant string, id uuid.UUID) (model.Derivation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.order(tenant, id)
	if err != nil {
		return model.Derivation{}, err
	}
	return s.recompute(order), nil
}

func (s *Store) isOrphan(e model.LedgerEvent, createdBefore time.Time) bool {
	if !e.Data.Type.RequiresSale() || e.CreatedAt.After(createdBefore) {
		return false
	}
	for _, sibling := range s.events {
		if sibling.Tenant == e.Tenant &&
			sibling.OrderID == e.OrderID &&
			sibling.Data.ProviderTransactionID == e.Data.ProviderTransactionID &&
			sibling.Data.Type == model.EventSale {
			return false
		}
	}
	return true
}

func (s *Store) OrphansFind(_ context.Context, tenant string, afterID int64, createdBefore time.Time, limit int) ([]model.OrphanRef, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var refs []model.OrphanRef
	for _, e := range s.events {
		if len(refs) >= limit {
			break
		}
		if e.Tenant != tenant || e.ID <= afterID {
			continue
		}
		if s.isOrphan(e, createdBefore) {
			refs = append(refs, model.OrphanRef{EventID: e.ID, OrderID: e.OrderID})
		}
	}
	return refs, nil
}

func (s *Store) OrphansRemove(_ context.Context, tenant string, orderID uuid.UUID, createdBefore time.Time) (model.RemovedOrphans, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	order, err := s.order(tenant, orderID)
	if err != nil {
		return model.RemovedOrphans{}, err
	}
	result := model.RemovedOrphans{
		OrderID:      orderID,
		StatusBefore: order.Data.Status,
		StatusAfter:  order.Data.Status,
	}

	kept := s.events[:0:0]
	for _, e := range s.events {
		if e.Tenant == tenant && e.OrderID == orderID && s.isOrphan(e, createdBefore) {
			result.Events = append(result.Events, e)
			continue
		}
		kept = append(kept, e)
	}
	if len(result.Events) == 0 {
		return result, nil
	}
	s.events = kept
	for _, e := range result.Events {
		delete(s.keys, e.Tenant+"\x00"+e.IdempotencyKey)
	}

	result.StatusAfter = s.recompute(order).Status
	return result, nil
}

func (s *Store) LedgerEventsInRange(_ context.Context, tenant string, from time.Time, to time.Time) ([]model.LedgerEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var events []model.LedgerEvent
	for _, e := range s.events {
		if e.Tenant != tenant || e.Data.OccurredAt.Before(from) || !e.Data.OccurredAt.Before(to) {
			continue
		}
		events = append(events, e)
	}
	return events, nil
}

func (s *Store) SplitRulePut(_ context.Context, rule model.SplitRule) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	key := ruleKey{rule.Tenant, rule.ProductID, rule.PartnerType, rule.PartnerName}
	if rule.IsActive {
		total := rule.Percentage
		for other, existing := range s.rules {
			if other == key || !existing.IsActive ||
				other.tenant != rule.Tenant || other.productID != rule.ProductID {
				continue
			}
			total = total.Add(existing.Percentage)
		}
		if total.GreaterThan(decimal.NewFromInt(1)) {
			return store.ErrSplitExceeded
		}
	}

	s.rules[key] = rule
	return nil
}

func (s *Store) SplitRuleGet(_ context.Context, tenant string) ([]model.SplitRule, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var rules []model.SplitRule
	for key, rule := range s.rules {
		if key.tenant == tenant {
			rules = append(rules, rule)
		}
	}
	sort.Slice(rules, func(i, j int) bool {
		a, b := rules[i], rules[j]
		if a.ProductID != b.ProductID {
			return a.ProductID < b.ProductID
		}
		if a.PartnerType != b.PartnerType {
			return a.PartnerType < b.PartnerType
		}
		return a.PartnerName < b.PartnerName
	})
	return rules, nil
}

func (s *Store) TenantList(_ context.Context) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	seen := make(map[string]struct{})
	var tenants []string
	for key := range s.byKey {
		if _, ok := seen[key.tenant]; ok {
			continue
		}
		seen[key.tenant] = struct{}{}
		tenants = append(tenants, key.tenant)
	}
	sort.Strings(tenants)
	return tenants, nil
}
