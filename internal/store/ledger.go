package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/iurnickita/orderledger/internal/model"
	"github.com/iurnickita/orderledger/internal/status"
)

const orphanTypesSQL = "('refund', 'chargeback', 'platform_fee', 'affiliate', 'coproducer')"

const (
	queryOrderLock = "SELECT status, external_status, currency" +
		" FROM orders" +
		" WHERE tenant_id = $1 AND id = $2" +
		" FOR UPDATE"

	queryOrderTotals = "SELECT" +
		" COALESCE(SUM(amount) FILTER (WHERE event_type = 'sale'), 0)," +
		" COALESCE(SUM(ABS(amount)) FILTER (WHERE event_type IN ('refund', 'chargeback')), 0)," +
		" COALESCE(SUM(amount) FILTER (WHERE event_type <> 'payout'), 0)," +
		" COUNT(*)" +
		" FROM ledger_events" +
		" WHERE tenant_id = $1 AND order_id = $2"

	queryOrderDerived = "UPDATE orders" +
		" SET status = $1, producer_net_amount = $2, approved_at = COALESCE(approved_at, $3), updated_at = $4" +
		" WHERE tenant_id = $5 AND id = $6"

	queryEventInsert = "INSERT INTO ledger_events (tenant_id, idempotency_key, order_id, provider, provider_transaction_id," +
		" product_id, event_type, actor, amount, currency, occurred_at, raw_payload, created_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)" +
		" ON CONFLICT (tenant_id, idempotency_key) DO NOTHING" +
		" RETURNING id"

	queryEventExists = "SELECT EXISTS (SELECT 1 FROM ledger_events WHERE tenant_id = $1 AND idempotency_key = $2)"

	queryOrphansFind = "SELECT e.id, e.order_id" +
		" FROM ledger_events AS e" +
		" WHERE e.tenant_id = $1" +
		"   AND e.id > $2" +
		"   AND e.created_at <= $3" +
		"   AND e.event_type IN " + orphanTypesSQL +
		"   AND NOT EXISTS (SELECT 1 FROM ledger_events AS s" +
		"     WHERE s.tenant_id = e.tenant_id" +
		"       AND s.order_id = e.order_id" +
		"       AND s.provider_transaction_id = e.provider_transaction_id" +
		"       AND s.event_type = 'sale')" +
		" ORDER BY e.id" +
		" LIMIT $4"

	queryOrphansDelete = "DELETE FROM ledger_events AS e" +
		" WHERE e.tenant_id = $1" +
		"   AND e.order_id = $2" +
		"   AND e.created_at <= $3" +
		"   AND e.event_type IN " + orphanTypesSQL +
		"   AND NOT EXISTS (SELECT 1 FROM ledger_events AS s" +
		"     WHERE s.tenant_id = e.tenant_id" +
		"       AND s.order_id = e.order_id" +
		"       AND s.provider_transaction_id = e.provider_transaction_id" +
		"       AND s.event_type = 'sale')" +
		" RETURNING e.id, e.idempotency_key, e.provider, e.provider_transaction_id, e.event_type, e.actor, e.amount, e.currency, e.occurred_at"
)

// lockedOrder - строка заказа, заблокированная до конца транзакции
type lockedOrder struct {
	tenant         string
	id             uuid.UUID
	status         model.OrderStatus
	externalStatus model.OrderStatus
	currency       string
}

func lockOrder(ctx context.Context, tx *sql.Tx, tenant string, id uuid.UUID) (lockedOrder, error) {
	order := lockedOrder{tenant: tenant, id: id}
	row := tx.QueryRowContext(ctx, queryOrderLock, tenant, id)
	err := row.Scan(&order.status, &order.externalStatus, &order.currency)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return lockedOrder{}, ErrOrderNotFound
		}
		return lockedOrder{}, err
	}
	return order, nil
}

// recompute пересчитывает статус заблокированного заказа по его журналу
func (store *store) recompute(ctx context.Context, tx *sql.Tx, order lockedOrder) (model.Derivation, error) {
	var totals status.Totals
	row := tx.QueryRowContext(ctx, queryOrderTotals, order.tenant, order.id)
	err := row.Scan(&totals.Sale, &totals.Refund, &totals.Net, &totals.Events)
	if err != nil {
		return model.Derivation{}, err
	}

	derivation := status.Resolve(totals, order.externalStatus)

	now := store.now()
	var approvedAt any
	if status.Approved(derivation.Status) {
		approvedAt = now
	}
	_, err = tx.ExecContext(ctx, queryOrderDerived,
		derivation.Status,
		totals.Net,
		approvedAt,
		now,
		order.tenant,
		order.id)
	if err != nil {
		return model.Derivation{}, err
	}
	return derivation, nil
}

func (store *store) AppendAndRecompute(ctx context.Context, event model.LedgerEvent) (model.AppendResult, error) {
	var result model.AppendResult
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		// Блокировка заказа: пересчеты одного заказа выполняются строго по очереди
		order, err := lockOrder(ctx, tx, event.Tenant, event.OrderID)
		if err != nil {
			return err
		}
		if order.currency != event.Data.Currency {
			// Повторная доставка остается дубликатом и с другой валютой
			var exists bool
			err = tx.QueryRowContext(ctx, queryEventExists, event.Tenant, event.IdempotencyKey).Scan(&exists)
			if err != nil {
				return err
			}
			if exists {
				result.Duplicate = true
				result.Status = order.status
				return nil
			}
			return ErrCurrencyMismatch
		}

		row := tx.QueryRowContext(ctx, queryEventInsert,
			event.Tenant,
			event.IdempotencyKey,
			event.OrderID,
			event.Data.Provider,
			event.Data.ProviderTransactionID,
			event.Data.ProductID,
			event.Data.Type,
			event.Data.Actor,
			event.Data.Amount,
			event.Data.Currency,
			event.Data.OccurredAt,
			payloadArg(event.Data.Payload),
			store.now())
		err = row.Scan(&result.EventID)
		if err != nil {
			// Повторная доставка: событие уже в журнале
			if errors.Is(err, sql.ErrNoRows) {
				result.Duplicate = true
				result.Status = order.status
				return nil
			}
			return err
		}

		derivation, err := store.recompute(ctx, tx, order)
		if err != nil {
			return err
		}
		result.Status = derivation.Status
		result.Changed = derivation.Status != order.status
		return nil
	})
	if err != nil {
		return model.AppendResult{}, err
	}
	return result, nil
}

func (store *store) OrderRecompute(ctx context.Context, tenant string, id uuid.UUID) (model.Derivation, error) {
	var derivation model.Derivation
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		order, err := lockOrder(ctx, tx, tenant, id)
		if err != nil {
			return err
		}
		derivation, err = store.recompute(ctx, tx, order)
		return err
	})
	return derivation, err
}

func (store *store) OrphansFind(ctx context.Context, tenant string, afterID int64, createdBefore time.Time, limit int) ([]model.OrphanRef, error) {
	rows, err := store.database.QueryContext(ctx, queryOrphansFind, tenant, afterID, createdBefore, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var refs []model.OrphanRef
	for rows.Next() {
		var ref model.OrphanRef
		if err := rows.Scan(&ref.EventID, &ref.OrderID); err != nil {
			return nil, err
		}
		refs = append(refs, ref)
	}
	return refs, rows.Err()
}

func (store *store) OrphansRemove(ctx context.Context, tenant string, orderID uuid.UUID, createdBefore time.Time) (model.RemovedOrphans, error) {
	result := model.RemovedOrphans{OrderID: orderID}
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		order, err := lockOrder(ctx, tx, tenant, orderID)
		if err != nil {
			return err
		}
		result.StatusBefore = order.status
		result.StatusAfter = order.status

		rows, err := tx.QueryContext(ctx, queryOrphansDelete, tenant, orderID, createdBefore)
		if err != nil {
			return err
		}
		for rows.Next() {
			event := model.LedgerEvent{Tenant: tenant, OrderID: orderID}
			err = rows.Scan(&event.ID,
				&event.IdempotencyKey,
				&event.Data.Provider,
				&event.Data.ProviderTransactionID,
				&event.Data.Type,
				&event.Data.Actor,
				&event.Data.Amount,
				&event.Data.Currency,
				&event.Data.OccurredAt)
			if err != nil {
				rows.Close()
				return err
			}
			result.Events = append(result.Events, event)
		}
		rows.Close()
		if err = rows.Err(); err != nil {
			return err
		}
		if len(result.Events) == 0 {
			return nil
		}

		derivation, err := store.recompute(ctx, tx, order)
		if err != nil {
			return err
		}
		result.StatusAfter = derivation.Status
		return nil
	})
	if err != nil {
		return model.RemovedOrphans{}, err
	}
	return result, nil
}

func payloadArg(payload model.RawPayload) any {
	if len(payload) == 0 {
		return nil
	}
	return string(payload)
}
