package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/require"

	"github.com/iurnickita/orderledger/internal/model"
)

const tenant = "tenant-1"

var testNow = time.Date(2026, 10, 15, 12, 0, 0, 0, time.UTC)

func newMockStore(t *testing.T) (*store, sqlmock.Sqlmock) {
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	s := newStore(db)
	s.now = func() time.Time { return testNow }
	return s, mock
}

func lockRows(status, external, currency string) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"status", "external_status", "currency"}).
		AddRow(status, external, currency)
}

func totalsRows(sale, refund, net string, count int) *sqlmock.Rows {
	return sqlmock.NewRows([]string{"sale", "refund", "net", "count"}).
		AddRow(sale, refund, net, count)
}

func saleEvent(orderID uuid.UUID) model.LedgerEvent {
	return model.LedgerEvent{
		IdempotencyKey: model.IdempotencyKey("hotmart", "TX-1", model.EventSale, model.ActorProducer),
		Tenant:         tenant,
		OrderID:        orderID,
		Data: model.LedgerEventData{
			Provider:              "hotmart",
			ProviderTransactionID: "TX-1",
			ProductID:             "course",
			Type:                  model.EventSale,
			Actor:                 model.ActorProducer,
			Amount:                decimal.RequireFromString("100.00"),
			Currency:              "BRL",
			OccurredAt:            testNow,
			Payload:               json.RawMessage(`{"status":"APPROVED"}`),
		},
	}
}

func TestStoreAppendAndRecompute(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WithArgs(tenant, orderID).
		WillReturnRows(lockRows("pending", "pending", "BRL"))
	mock.ExpectQuery(regexp.QuoteMeta(queryEventInsert)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(7)))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderTotals)).
		WithArgs(tenant, orderID).
		WillReturnRows(totalsRows("100.00", "0", "100.00", 1))
	mock.ExpectExec(regexp.QuoteMeta(queryOrderDerived)).
		WithArgs("approved", sqlmock.AnyArg(), testNow, testNow, tenant, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	result, err := s.AppendAndRecompute(ctx, saleEvent(orderID))
	require.NoError(t, err)
	require.Equal(t, int64(7), result.EventID)
	require.False(t, result.Duplicate)
	require.True(t, result.Changed)
	require.Equal(t, model.OrderStatusApproved, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAppendDuplicate(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	orderID := uuid.New()

	// Повторная доставка: INSERT ничего не возвращает, пересчета нет
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(lockRows("approved", "pending", "BRL"))
	mock.ExpectQuery(regexp.QuoteMeta(queryEventInsert)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectCommit()

	result, err := s.AppendAndRecompute(ctx, saleEvent(orderID))
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.False(t, result.Changed)
	require.Equal(t, model.OrderStatusApproved, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAppendOrderNotFound(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(sqlmock.NewRows([]string{"status", "external_status", "currency"}))
	mock.ExpectRollback()

	_, err := s.AppendAndRecompute(ctx, saleEvent(uuid.New()))
	require.ErrorIs(t, err, ErrOrderNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAppendCurrencyMismatch(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(lockRows("pending", "pending", "USD"))
	mock.ExpectQuery(regexp.QuoteMeta(queryEventExists)).
		WithArgs(tenant, "hotmart:TX-1:sale:producer").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(false))
	mock.ExpectRollback()

	_, err := s.AppendAndRecompute(ctx, saleEvent(uuid.New()))
	require.ErrorIs(t, err, ErrCurrencyMismatch)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAppendDuplicateWithOtherCurrency(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	// Повторная доставка с другой валютой - дубликат, а не ошибка
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(lockRows("approved", "pending", "USD"))
	mock.ExpectQuery(regexp.QuoteMeta(queryEventExists)).
		WithArgs(tenant, "hotmart:TX-1:sale:producer").
		WillReturnRows(sqlmock.NewRows([]string{"exists"}).AddRow(true))
	mock.ExpectCommit()

	result, err := s.AppendAndRecompute(ctx, saleEvent(uuid.New()))
	require.NoError(t, err)
	require.True(t, result.Duplicate)
	require.Equal(t, model.OrderStatusApproved, result.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreAppendFailsWhenRecomputeFails(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(lockRows("pending", "pending", "BRL"))
	mock.ExpectQuery(regexp.QuoteMeta(queryEventInsert)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(int64(8)))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderTotals)).
		WillReturnError(errors.New("connection reset"))
	mock.ExpectRollback()

	_, err := s.AppendAndRecompute(ctx, saleEvent(uuid.New()))
	require.Error(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSerializationFailureIsConflict(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnError(&pgconn.PgError{Code: "40P01"})
	mock.ExpectRollback()

	_, err := s.AppendAndRecompute(ctx, saleEvent(uuid.New()))
	require.ErrorIs(t, err, ErrConflict)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreOrderRecomputeWithoutEvidence(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	orderID := uuid.New()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(lockRows("pending", "pending", "BRL"))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderTotals)).
		WillReturnRows(totalsRows("0", "0", "0", 0))
	mock.ExpectExec(regexp.QuoteMeta(queryOrderDerived)).
		WithArgs("pending", sqlmock.AnyArg(), nil, testNow, tenant, orderID).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	derivation, err := s.OrderRecompute(ctx, tenant, orderID)
	require.NoError(t, err)
	require.True(t, derivation.Unchanged)
	require.Equal(t, model.OrderStatusPending, derivation.Status)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreOrphansRemove(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	orderID := uuid.New()
	cutoff := testNow.Add(-time.Hour)

	// Отмена бампа до одобрения: единственное событие - сирота
	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(lockRows("cancelled", "pending", "BRL"))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrphansDelete)).
		WithArgs(tenant, orderID, cutoff).
		WillReturnRows(sqlmock.NewRows([]string{"id", "idempotency_key", "provider", "provider_transaction_id",
			"event_type", "actor", "amount", "currency", "occurred_at"}).
			AddRow(int64(3), "hotmart:TX-2:refund:producer", "hotmart", "TX-2", "refund", "producer", "-20.00", "BRL", testNow))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderTotals)).
		WillReturnRows(totalsRows("0", "0", "0", 0))
	mock.ExpectExec(regexp.QuoteMeta(queryOrderDerived)).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	removed, err := s.OrphansRemove(ctx, tenant, orderID, cutoff)
	require.NoError(t, err)
	require.Len(t, removed.Events, 1)
	require.Equal(t, model.EventRefund, removed.Events[0].Data.Type)
	require.True(t, removed.Events[0].Data.Amount.Equal(decimal.RequireFromString("-20")))
	require.Equal(t, model.OrderStatusCancelled, removed.StatusBefore)
	require.Equal(t, model.OrderStatusPending, removed.StatusAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreOrphansRemoveNothing(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderLock)).
		WillReturnRows(lockRows("approved", "pending", "BRL"))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrphansDelete)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "idempotency_key", "provider", "provider_transaction_id",
			"event_type", "actor", "amount", "currency", "occurred_at"}))
	mock.ExpectCommit()

	removed, err := s.OrphansRemove(ctx, tenant, uuid.New(), testNow)
	require.NoError(t, err)
	require.Empty(t, removed.Events)
	require.Equal(t, removed.StatusBefore, removed.StatusAfter)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreOrphansFind(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	orderID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(queryOrphansFind)).
		WithArgs(tenant, int64(10), testNow, 50).
		WillReturnRows(sqlmock.NewRows([]string{"id", "order_id"}).
			AddRow(int64(11), orderID.String()).
			AddRow(int64(12), orderID.String()))

	refs, err := s.OrphansFind(ctx, tenant, 10, testNow, 50)
	require.NoError(t, err)
	require.Equal(t, []model.OrphanRef{{EventID: 11, OrderID: orderID}, {EventID: 12, OrderID: orderID}}, refs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreTransactionResolve(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	orderID := uuid.New()

	mock.ExpectQuery(regexp.QuoteMeta(queryTransactionResolve)).
		WithArgs(tenant, "hotmart", "TX-1").
		WillReturnRows(sqlmock.NewRows([]string{"order_id", "product_id"}).AddRow(orderID.String(), "course"))
	mock.ExpectQuery(regexp.QuoteMeta(queryTransactionResolve)).
		WithArgs(tenant, "hotmart", "TX-404").
		WillReturnError(sql.ErrNoRows)

	mapping, err := s.TransactionResolve(ctx, tenant, "hotmart", "TX-1")
	require.NoError(t, err)
	require.Equal(t, orderID, mapping.OrderID)
	require.Equal(t, "course", mapping.ProductID)

	_, err = s.TransactionResolve(ctx, tenant, "hotmart", "TX-404")
	require.ErrorIs(t, err, ErrNotFound)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreOrderUpsertExisting(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()
	orderID := uuid.New()

	order := model.Order{
		Key: model.OrderKey{Tenant: tenant, Provider: "hotmart", ProviderOrderID: "HP-1"},
		Data: model.OrderData{
			ExternalStatus: model.OrderStatusPending,
			Currency:       "BRL",
			OrderedAt:      testNow,
		},
	}

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderInsert)).
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderIDByKey)).
		WithArgs(tenant, "hotmart", "HP-1").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(orderID.String()))
	mock.ExpectExec(regexp.QuoteMeta(queryMapInsert)).
		WithArgs(tenant, "hotmart", "HP-1", orderID, "").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderGet)).
		WithArgs(tenant, orderID).
		WillReturnRows(sqlmock.NewRows([]string{"provider", "provider_order_id", "buyer_email", "buyer_name", "status",
			"external_status", "currency", "customer_paid_amount", "gross_base_amount", "producer_net_amount",
			"ordered_at", "approved_at", "completed_at"}).
			AddRow("hotmart", "HP-1", "", "", "approved", "pending", "BRL", "100.00", "100.00", "90.10", testNow, testNow, nil))
	mock.ExpectQuery(regexp.QuoteMeta(queryItemsGet)).
		WithArgs(orderID).
		WillReturnRows(sqlmock.NewRows([]string{"item_type", "product_id", "offer_id", "base_price", "funnel_id", "provider_transaction_id"}))
	mock.ExpectQuery(regexp.QuoteMeta(queryOrderTxnGet)).
		WithArgs(tenant, orderID).
		WillReturnRows(sqlmock.NewRows([]string{"provider_transaction_id"}).AddRow("HP-1"))

	stored, created, err := s.OrderUpsert(ctx, order)
	require.NoError(t, err)
	require.False(t, created)
	require.Equal(t, orderID, stored.ID)
	// статус существующего заказа не перезаписывается
	require.Equal(t, model.OrderStatusApproved, stored.Data.Status)
	require.NotNil(t, stored.Data.ApprovedAt)
	require.Nil(t, stored.Data.CompletedAt)
	require.Equal(t, []string{"HP-1"}, stored.Data.ProviderTxnIDs)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSplitRules(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(querySplitRuleLock)).
		WithArgs(tenant, "course").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(querySplitRuleSum)).
		WithArgs(tenant, "course", "affiliate", "ana").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0.667"))
	mock.ExpectExec(regexp.QuoteMeta(querySplitRulePut)).
		WithArgs(tenant, "course", "affiliate", "ana", sqlmock.AnyArg(), true).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()
	mock.ExpectQuery(regexp.QuoteMeta(querySplitRuleGet)).
		WithArgs(tenant).
		WillReturnRows(sqlmock.NewRows([]string{"product_id", "partner_type", "partner_name", "percentage", "is_active"}).
			AddRow("course", "affiliate", "ana", "0.333", true))

	err := s.SplitRulePut(ctx, model.SplitRule{
		Tenant:      tenant,
		ProductID:   "course",
		PartnerType: model.PartnerAffiliate,
		PartnerName: "ana",
		Percentage:  decimal.RequireFromString("0.333"),
		IsActive:    true,
	})
	require.NoError(t, err)

	rules, err := s.SplitRuleGet(ctx, tenant)
	require.NoError(t, err)
	require.Len(t, rules, 1)
	require.Equal(t, model.PartnerAffiliate, rules[0].PartnerType)
	require.True(t, rules[0].Percentage.Equal(decimal.RequireFromString("0.333")))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSplitRuleExceeded(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(querySplitRuleLock)).
		WithArgs(tenant, "course").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectQuery(regexp.QuoteMeta(querySplitRuleSum)).
		WithArgs(tenant, "course", "coproducer", "bia").
		WillReturnRows(sqlmock.NewRows([]string{"sum"}).AddRow("0.6"))
	mock.ExpectRollback()

	err := s.SplitRulePut(ctx, model.SplitRule{
		Tenant:      tenant,
		ProductID:   "course",
		PartnerType: model.PartnerCoproducer,
		PartnerName: "bia",
		Percentage:  decimal.RequireFromString("0.6"),
		IsActive:    true,
	})
	require.ErrorIs(t, err, ErrSplitExceeded)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreSplitRuleDeactivateSkipsSum(t *testing.T) {
	s, mock := newMockStore(t)
	ctx := context.Background()

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta(querySplitRuleLock)).
		WithArgs(tenant, "course").
		WillReturnResult(sqlmock.NewResult(0, 0))
	mock.ExpectExec(regexp.QuoteMeta(querySplitRulePut)).
		WithArgs(tenant, "course", "coproducer", "bia", sqlmock.AnyArg(), false).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	err := s.SplitRulePut(ctx, model.SplitRule{
		Tenant:      tenant,
		ProductID:   "course",
		PartnerType: model.PartnerCoproducer,
		PartnerName: "bia",
		Percentage:  decimal.RequireFromString("0.9"),
	})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestStoreMigrate(t *testing.T) {
	s, mock := newMockStore(t)

	for _, table := range []string{
		"CREATE TABLE IF NOT EXISTS orders",
		"CREATE TABLE IF NOT EXISTS order_items",
		"CREATE TABLE IF NOT EXISTS provider_order_map",
		"CREATE TABLE IF NOT EXISTS ledger_events",
		"CREATE INDEX IF NOT EXISTS ledger_events_order_txn_idx",
		"CREATE INDEX IF NOT EXISTS ledger_events_occurred_idx",
		"CREATE TABLE IF NOT EXISTS revenue_split_rules",
	} {
		mock.ExpectExec(regexp.QuoteMeta(table)).WillReturnResult(sqlmock.NewResult(0, 0))
	}

	require.NoError(t, s.migrate(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}
