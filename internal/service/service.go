package service

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/iurnickita/orderledger/internal/model"
	"github.com/iurnickita/orderledger/internal/revenue"
	"github.com/iurnickita/orderledger/internal/service/config"
	"github.com/iurnickita/orderledger/internal/store"
)

type Service interface {
	UpsertOrder(ctx context.Context, order model.Order) (model.Order, bool, error)
	GetOrder(ctx context.Context, tenant string, id uuid.UUID) (model.Order, []model.LedgerEvent, error)
	// AppendEvent records a provider event once and recomputes the status of
	// its order. A repeated delivery is reported as Duplicate, not as an error.
	AppendEvent(ctx context.Context, event model.LedgerEvent) (model.AppendResult, error)
	DeriveStatus(ctx context.Context, tenant string, id uuid.UUID) (model.Derivation, error)
	Reconcile(ctx context.Context, tenant string) (model.ReconcileReport, error)
	// ReconcileAsOf removes events that were orphans at asOf minus the grace
	// period. Repeating a run with the same asOf removes nothing new.
	ReconcileAsOf(ctx context.Context, tenant string, asOf time.Time) (model.ReconcileReport, error)
	ComputeAllocations(ctx context.Context, tenant string, from, to time.Time, granularity model.Granularity) ([]model.AllocationRow, error)
	Revenue(ctx context.Context, tenant string, from, to time.Time, granularity model.Granularity) ([]model.RevenueRow, error)
	PutSplitRule(ctx context.Context, rule model.SplitRule) error
	ListSplitRules(ctx context.Context, tenant string) ([]model.SplitRule, error)
	Tenants(ctx context.Context) ([]string, error)
	Location() *time.Location
}

var (
	ErrValidation    = errors.New("validation failed")
	ErrOrderNotFound = errors.New("order not found")
)

type service struct {
	cfg      config.Config
	store    store.Store
	location *time.Location
	zaplog   *zap.Logger
	now      func() time.Time
}

func NewService(cfg config.Config, store store.Store, zaplog *zap.Logger) (Service, error) {
	location, err := time.LoadLocation(cfg.ReportTimezone)
	if err != nil {
		return nil, fmt.Errorf("report timezone: %w", err)
	}
	if cfg.ReconcileChunk <= 0 {
		return nil, fmt.Errorf("%w: reconcile chunk must be positive", ErrValidation)
	}

	service := service{
		cfg:      cfg,
		store:    store,
		location: location,
		zaplog:   zaplog,
		now:      time.Now}

	return &service, nil
}

func (service *service) Location() *time.Location {
	return service.location
}

// mapStoreError приводит ошибки хранилища к ошибкам сервиса
func mapStoreError(err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, store.ErrOrderNotFound):
		return ErrOrderNotFound
	case errors.Is(err, store.ErrCurrencyMismatch), errors.Is(err, store.ErrSplitExceeded):
		return fmt.Errorf("%w: %v", ErrValidation, err)
	default:
		return err
	}
}

// retry повторяет fn при конфликте параллельных пересчетов
func (service *service) retry(ctx context.Context, op string, fn func() error) error {
	backoff := service.cfg.RetryBackoff
	for attempt := 0; ; attempt++ {
		err := fn()
		if !errors.Is(err, store.ErrConflict) || attempt >= service.cfg.MaxRetries {
			return err
		}
		service.zaplog.Warn("recomputation conflict, retrying",
			zap.String("op", op),
			zap.Int("attempt", attempt+1),
			zap.Duration("backoff", backoff),
		)
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(backoff):
		}
		backoff *= 2
	}
}

func (service *service) UpsertOrder(ctx context.Context, order model.Order) (model.Order, bool, error) {
	if order.Data.ExternalStatus == "" {
		order.Data.ExternalStatus = model.OrderStatusPending
	}
	if order.Data.OrderedAt.IsZero() {
		order.Data.OrderedAt = service.now()
	}
	if err := validateOrder(order); err != nil {
		return model.Order{}, false, err
	}

	var stored model.Order
	var created bool
	err := service.retry(ctx, "upsert_order", func() (err error) {
		stored, created, err = service.store.OrderUpsert(ctx, order)
		return err
	})
	if err != nil {
		return model.Order{}, false, mapStoreError(err)
	}
	if created {
		service.zaplog.Info("order registered",
			zap.String("tenant", stored.Key.Tenant),
			zap.String("order_id", stored.ID.String()),
			zap.String("provider", stored.Key.Provider),
			zap.String("provider_order_id", stored.Key.ProviderOrderID),
		)
	}
	return stored, created, nil
}

func (service *service) GetOrder(ctx context.Context, tenant string, id uuid.UUID) (model.Order, []model.LedgerEvent, error) {
	order, err := service.store.OrderGet(ctx, tenant, id)
	if err != nil {
		return model.Order{}, nil, mapStoreError(err)
	}
	events, err := service.store.OrderEvents(ctx, tenant, id)
	if err != nil {
		return model.Order{}, nil, err
	}
	return order, events, nil
}

func (service *service) AppendEvent(ctx context.Context, event model.LedgerEvent) (model.AppendResult, error) {
	if err := validateEvent(event); err != nil {
		return model.AppendResult{}, err
	}
	if event.IdempotencyKey == "" {
		event.IdempotencyKey = model.IdempotencyKey(event.Data.Provider,
			event.Data.ProviderTransactionID,
			event.Data.Type,
			event.Data.Actor)
	}

	if service.cfg.AppendTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, service.cfg.AppendTimeout)
		defer cancel()
	}

	// Заказ по транзакции провайдера
	mapping, err := service.store.TransactionResolve(ctx, event.Tenant, event.Data.Provider, event.Data.ProviderTransactionID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return model.AppendResult{}, fmt.Errorf("%w: transaction %s of %s",
				ErrOrderNotFound, event.Data.ProviderTransactionID, event.Data.Provider)
		}
		return model.AppendResult{}, err
	}
	event.OrderID = mapping.OrderID
	if event.Data.ProductID == "" {
		event.Data.ProductID = mapping.ProductID
	}

	var result model.AppendResult
	err = service.retry(ctx, "append_event", func() (err error) {
		result, err = service.store.AppendAndRecompute(ctx, event)
		return err
	})
	if err != nil {
		return model.AppendResult{}, mapStoreError(err)
	}

	fields := []zap.Field{
		zap.String("tenant", event.Tenant),
		zap.String("order_id", event.OrderID.String()),
		zap.String("idempotency_key", event.IdempotencyKey),
		zap.String("status", string(result.Status)),
	}
	if result.Duplicate {
		service.zaplog.Info("duplicate ledger event ignored", fields...)
	} else {
		service.zaplog.Info("ledger event appended",
			append(fields, zap.Int64("event_id", result.EventID), zap.Bool("status_changed", result.Changed))...)
	}
	return result, nil
}

func (service *service) DeriveStatus(ctx context.Context, tenant string, id uuid.UUID) (model.Derivation, error) {
	var derivation model.Derivation
	err := service.retry(ctx, "derive_status", func() (err error) {
		derivation, err = service.store.OrderRecompute(ctx, tenant, id)
		return err
	})
	return derivation, mapStoreError(err)
}

// Reconcile сверяет арендатора на текущий момент
func (service *service) Reconcile(ctx context.Context, tenant string) (model.ReconcileReport, error) {
	return service.ReconcileAsOf(ctx, tenant, service.now())
}

// ReconcileAsOf удаляет сиротские события арендатора порциями и пересчитывает
// затронутые заказы, каждый в своей транзакции. Граница фиксируется один раз
// на весь прогон.
func (service *service) ReconcileAsOf(ctx context.Context, tenant string, asOf time.Time) (model.ReconcileReport, error) {
	report := model.ReconcileReport{Tenant: tenant}
	if tenant == "" {
		return report, invalid("tenant is required")
	}
	if asOf.IsZero() {
		return report, invalid("as_of is required")
	}
	cutoff := asOf.Add(-service.cfg.ReconcileGrace)

	var cursor int64
	for {
		refs, err := service.store.OrphansFind(ctx, tenant, cursor, cutoff, service.cfg.ReconcileChunk)
		if err != nil {
			return report, err
		}

		done := make(map[uuid.UUID]struct{})
		for _, ref := range refs {
			cursor = ref.EventID
			if _, ok := done[ref.OrderID]; ok {
				continue
			}
			done[ref.OrderID] = struct{}{}

			var removed model.RemovedOrphans
			err = service.retry(ctx, "reconcile", func() (err error) {
				removed, err = service.store.OrphansRemove(ctx, tenant, ref.OrderID, cutoff)
				return err
			})
			if err != nil {
				return report, mapStoreError(err)
			}
			if len(removed.Events) == 0 {
				continue
			}

			report.Orders++
			report.EventsRemoved += len(removed.Events)
			if removed.StatusBefore != removed.StatusAfter {
				report.StatusChanges++
			}
			for _, e := range removed.Events {
				service.zaplog.Info("orphan ledger event removed",
					zap.String("tenant", tenant),
					zap.String("order_id", removed.OrderID.String()),
					zap.Int64("event_id", e.ID),
					zap.String("idempotency_key", e.IdempotencyKey),
					zap.String("event_type", string(e.Data.Type)),
					zap.String("amount", e.Data.Amount.StringFixed(2)),
					zap.String("currency", e.Data.Currency),
				)
			}
		}

		if len(refs) < service.cfg.ReconcileChunk {
			break
		}
	}

	service.zaplog.Info("reconciliation finished",
		zap.String("tenant", tenant),
		zap.Time("cutoff", cutoff),
		zap.Int("orders", report.Orders),
		zap.Int("events_removed", report.EventsRemoved),
		zap.Int("status_changes", report.StatusChanges),
	)
	return report, nil
}

func (service *service) reportEvents(ctx context.Context, tenant string, from, to time.Time, granularity model.Granularity) ([]model.LedgerEvent, error) {
	if tenant == "" {
		return nil, invalid("tenant is required")
	}
	if !granularity.Valid() {
		return nil, invalid("unknown granularity %q", granularity)
	}
	if !from.Before(to) {
		return nil, invalid("empty period range")
	}
	return service.store.LedgerEventsInRange(ctx, tenant, from, to)
}

func (service *service) ComputeAllocations(ctx context.Context, tenant string, from, to time.Time, granularity model.Granularity) ([]model.AllocationRow, error) {
	events, err := service.reportEvents(ctx, tenant, from, to, granularity)
	if err != nil {
		return nil, err
	}
	rules, err := service.store.SplitRuleGet(ctx, tenant)
	if err != nil {
		return nil, err
	}
	return revenue.Allocate(tenant, events, rules, service.location, granularity), nil
}

func (service *service) Revenue(ctx context.Context, tenant string, from, to time.Time, granularity model.Granularity) ([]model.RevenueRow, error) {
	events, err := service.reportEvents(ctx, tenant, from, to, granularity)
	if err != nil {
		return nil, err
	}
	return revenue.Summarize(tenant, events, service.location, granularity), nil
}

func (service *service) PutSplitRule(ctx context.Context, rule model.SplitRule) error {
	if err := validateSplitRule(rule); err != nil {
		return err
	}
	return mapStoreError(service.store.SplitRulePut(ctx, rule))
}

func (service *service) ListSplitRules(ctx context.Context, tenant string) ([]model.SplitRule, error) {
	return service.store.SplitRuleGet(ctx, tenant)
}

func (service *service) Tenants(ctx context.Context) ([]string, error) {
	if len(service.cfg.ReconcileTenants) > 0 {
		return service.cfg.ReconcileTenants, nil
	}
	return service.store.TenantList(ctx)
}
