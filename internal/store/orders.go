package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"

	"github.com/iurnickita/orderledger/internal/model"
)

const (
	queryOrderInsert = "INSERT INTO orders (id, tenant_id, provider, provider_order_id, buyer_email, buyer_name," +
		" status, external_status, currency, customer_paid_amount, gross_base_amount, ordered_at, updated_at)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13)" +
		" ON CONFLICT (tenant_id, provider, provider_order_id) DO NOTHING" +
		" RETURNING id"

	queryOrderIDByKey = "SELECT id FROM orders" +
		" WHERE tenant_id = $1 AND provider = $2 AND provider_order_id = $3"

	queryItemInsert = "INSERT INTO order_items (order_id, item_type, product_id, offer_id, base_price, funnel_id, provider_transaction_id)" +
		" VALUES ($1, $2, $3, $4, $5, $6, $7)" +
		" ON CONFLICT (order_id, product_id, offer_id) DO NOTHING"

	queryMapInsert = "INSERT INTO provider_order_map (tenant_id, provider, provider_transaction_id, order_id, product_id)" +
		" VALUES ($1, $2, $3, $4, $5)" +
		" ON CONFLICT (tenant_id, provider, provider_transaction_id) DO NOTHING"

	queryOrderGet = "SELECT provider, provider_order_id, buyer_email, buyer_name, status, external_status, currency," +
		" customer_paid_amount, gross_base_amount, producer_net_amount, ordered_at, approved_at, completed_at" +
		" FROM orders" +
		" WHERE tenant_id = $1 AND id = $2"

	queryItemsGet = "SELECT item_type, product_id, offer_id, base_price, funnel_id, provider_transaction_id" +
		" FROM order_items" +
		" WHERE order_id = $1" +
		" ORDER BY item_type = 'main' DESC, product_id, offer_id"

	queryOrderTxnGet = "SELECT provider_transaction_id FROM provider_order_map" +
		" WHERE tenant_id = $1 AND order_id = $2" +
		" ORDER BY provider_transaction_id"

	queryTransactionResolve = "SELECT order_id, product_id FROM provider_order_map" +
		" WHERE tenant_id = $1 AND provider = $2 AND provider_transaction_id = $3"

	eventColumns = "id, idempotency_key, order_id, provider, provider_transaction_id, product_id," +
		" event_type, actor, amount, currency, occurred_at, raw_payload, created_at"

	queryOrderEvents = "SELECT " + eventColumns +
		" FROM ledger_events" +
		" WHERE tenant_id = $1 AND order_id = $2" +
		" ORDER BY id"

	queryEventsInRange = "SELECT " + eventColumns +
		" FROM ledger_events" +
		" WHERE tenant_id = $1 AND occurred_at >= $2 AND occurred_at < $3" +
		" ORDER BY id"

	querySplitRulePut = "INSERT INTO revenue_split_rules (tenant_id, product_id, partner_type, partner_name, percentage, is_active)" +
		" VALUES ($1, $2, $3, $4, $5, $6)" +
		" ON CONFLICT (tenant_id, product_id, partner_type, partner_name)" +
		" DO UPDATE SET percentage = EXCLUDED.percentage, is_active = EXCLUDED.is_active"

	querySplitRuleLock = "SELECT pg_advisory_xact_lock(hashtext($1 || ':' || $2))"

	querySplitRuleSum = "SELECT COALESCE(SUM(percentage), 0)" +
		" FROM revenue_split_rules" +
		" WHERE tenant_id = $1 AND product_id = $2 AND is_active" +
		"   AND NOT (partner_type = $3 AND partner_name = $4)"

	querySplitRuleGet = "SELECT product_id, partner_type, partner_name, percentage, is_active" +
		" FROM revenue_split_rules" +
		" WHERE tenant_id = $1" +
		" ORDER BY product_id, partner_type, partner_name"

	queryTenantList = "SELECT DISTINCT tenant_id FROM orders ORDER BY tenant_id"
)

func (store *store) OrderUpsert(ctx context.Context, order model.Order) (model.Order, bool, error) {
	var created bool
	err := store.inTx(ctx, func(tx *sql.Tx) error {
		now := store.now()
		id := uuid.New()

		// Запись нового заказа; существующий заказ не меняется
		row := tx.QueryRowContext(ctx, queryOrderInsert,
			id,
			order.Key.Tenant,
			order.Key.Provider,
			order.Key.ProviderOrderID,
			order.Data.BuyerEmail,
			order.Data.BuyerName,
			order.Data.ExternalStatus,
			order.Data.ExternalStatus,
			order.Data.Currency,
			order.Data.CustomerPaid,
			order.Data.GrossBase,
			order.Data.OrderedAt,
			now)
		err := row.Scan(&order.ID)
		switch {
		case err == nil:
			created = true
		case errors.Is(err, sql.ErrNoRows):
			row = tx.QueryRowContext(ctx, queryOrderIDByKey,
				order.Key.Tenant,
				order.Key.Provider,
				order.Key.ProviderOrderID)
			if err = row.Scan(&order.ID); err != nil {
				return err
			}
		default:
			return err
		}

		// Позиции
		mainProduct := ""
		for _, item := range order.Data.Items {
			if item.Type == model.ItemTypeMain && mainProduct == "" {
				mainProduct = item.ProductID
			}
			_, err = tx.ExecContext(ctx, queryItemInsert,
				order.ID,
				item.Type,
				item.ProductID,
				item.OfferID,
				item.BasePrice,
				item.FunnelID,
				item.ProviderTransactionID)
			if err != nil {
				return err
			}
		}

		// Транзакции провайдера: сам заказ, транзакции позиций, прочие
		mapped := map[string]string{order.Key.ProviderOrderID: mainProduct}
		for _, item := range order.Data.Items {
			if item.ProviderTransactionID != "" {
				mapped[item.ProviderTransactionID] = item.ProductID
			}
		}
		for _, txn := range order.Data.ProviderTxnIDs {
			if _, ok := mapped[txn]; !ok {
				mapped[txn] = mainProduct
			}
		}
		for txn, product := range mapped {
			_, err = tx.ExecContext(ctx, queryMapInsert,
				order.Key.Tenant,
				order.Key.Provider,
				txn,
				order.ID,
				product)
			if err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return model.Order{}, false, err
	}

	stored, err := store.OrderGet(ctx, order.Key.Tenant, order.ID)
	if err != nil {
		return model.Order{}, false, err
	}
	return stored, created, nil
}

func (store *store) OrderGet(ctx context.Context, tenant string, id uuid.UUID) (model.Order, error) {
	order := model.Order{ID: id, Key: model.OrderKey{Tenant: tenant}}
	var approvedAt, completedAt sql.NullTime
	row := store.database.QueryRowContext(ctx, queryOrderGet, tenant, id)
	err := row.Scan(&order.Key.Provider,
		&order.Key.ProviderOrderID,
		&order.Data.BuyerEmail,
		&order.Data.BuyerName,
		&order.Data.Status,
		&order.Data.ExternalStatus,
		&order.Data.Currency,
		&order.Data.CustomerPaid,
		&order.Data.GrossBase,
		&order.Data.ProducerNet,
		&order.Data.OrderedAt,
		&approvedAt,
		&completedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.Order{}, ErrOrderNotFound
		}
		return model.Order{}, err
	}
	if approvedAt.Valid {
		order.Data.ApprovedAt = &approvedAt.Time
	}
	if completedAt.Valid {
		order.Data.CompletedAt = &completedAt.Time
	}

	// Позиции заказа
	rows, err := store.database.QueryContext(ctx, queryItemsGet, id)
	if err != nil {
		return model.Order{}, err
	}
	defer rows.Close()
	for rows.Next() {
		var item model.OrderItem
		err = rows.Scan(&item.Type,
			&item.ProductID,
			&item.OfferID,
			&item.BasePrice,
			&item.FunnelID,
			&item.ProviderTransactionID)
		if err != nil {
			return model.Order{}, err
		}
		order.Data.Items = append(order.Data.Items, item)
	}
	if err = rows.Err(); err != nil {
		return model.Order{}, err
	}

	// Транзакции провайдера
	txnRows, err := store.database.QueryContext(ctx, queryOrderTxnGet, tenant, id)
	if err != nil {
		return model.Order{}, err
	}
	defer txnRows.Close()
	for txnRows.Next() {
		var txn string
		if err = txnRows.Scan(&txn); err != nil {
			return model.Order{}, err
		}
		order.Data.ProviderTxnIDs = append(order.Data.ProviderTxnIDs, txn)
	}
	if err = txnRows.Err(); err != nil {
		return model.Order{}, err
	}

	return order, nil
}

func (store *store) TransactionResolve(ctx context.Context, tenant string, provider string, transactionID string) (model.ProviderOrderMap, error) {
	mapping := model.ProviderOrderMap{
		Tenant:                tenant,
		Provider:              provider,
		ProviderTransactionID: transactionID,
	}
	row := store.database.QueryRowContext(ctx, queryTransactionResolve, tenant, provider, transactionID)
	err := row.Scan(&mapping.OrderID, &mapping.ProductID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return model.ProviderOrderMap{}, ErrNotFound
		}
		return model.ProviderOrderMap{}, err
	}
	return mapping, nil
}

func (store *store) OrderEvents(ctx context.Context, tenant string, id uuid.UUID) ([]model.LedgerEvent, error) {
	return store.queryEvents(ctx, tenant, queryOrderEvents, tenant, id)
}

func (store *store) LedgerEventsInRange(ctx context.Context, tenant string, from time.Time, to time.Time) ([]model.LedgerEvent, error) {
	return store.queryEvents(ctx, tenant, queryEventsInRange, tenant, from, to)
}

func (store *store) queryEvents(ctx context.Context, tenant string, query string, args ...any) ([]model.LedgerEvent, error) {
	rows, err := store.database.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var events []model.LedgerEvent
	for rows.Next() {
		event := model.LedgerEvent{Tenant: tenant}
		var payload []byte
		err = rows.Scan(&event.ID,
			&event.IdempotencyKey,
			&event.OrderID,
			&event.Data.Provider,
			&event.Data.ProviderTransactionID,
			&event.Data.ProductID,
			&event.Data.Type,
			&event.Data.Actor,
			&event.Data.Amount,
			&event.Data.Currency,
			&event.Data.OccurredAt,
			&payload,
			&event.CreatedAt)
		if err != nil {
			return nil, err
		}
		event.Data.Payload = payload
		events = append(events, event)
	}
	return events, rows.Err()
}

func (store *store) SplitRulePut(ctx context.Context, rule model.SplitRule) error {
	return store.inTx(ctx, func(tx *sql.Tx) error {
		// Правила одного продукта меняются последовательно
		_, err := tx.ExecContext(ctx, querySplitRuleLock, rule.Tenant, rule.ProductID)
		if err != nil {
			return err
		}

		if rule.IsActive {
			var others decimal.Decimal
			err = tx.QueryRowContext(ctx, querySplitRuleSum,
				rule.Tenant,
				rule.ProductID,
				rule.PartnerType,
				rule.PartnerName).Scan(&others)
			if err != nil {
				return err
			}
			if others.Add(rule.Percentage).GreaterThan(decimal.NewFromInt(1)) {
				return ErrSplitExceeded
			}
		}

		_, err = tx.ExecContext(ctx, querySplitRulePut,
			rule.Tenant,
			rule.ProductID,
			rule.PartnerType,
			rule.PartnerName,
			rule.Percentage,
			rule.IsActive)
		return err
	})
}

func (store *store) SplitRuleGet(ctx context.Context, tenant string) ([]model.SplitRule, error) {
	rows, err := store.database.QueryContext(ctx, querySplitRuleGet, tenant)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var rules []model.SplitRule
	for rows.Next() {
		rule := model.SplitRule{Tenant: tenant}
		err = rows.Scan(&rule.ProductID,
			&rule.PartnerType,
			&rule.PartnerName,
			&rule.Percentage,
			&rule.IsActive)
		if err != nil {
			return nil, err
		}
		rules = append(rules, rule)
	}
	return rules, rows.Err()
}

func (store *store) TenantList(ctx context.Context) ([]string, error) {
	rows, err := store.database.QueryContext(ctx, queryTenantList)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tenants []string
	for rows.Next() {
		var tenant string
		if err := rows.Scan(&tenant); err != nil {
			return nil, err
		}
		tenants = append(tenants, tenant)
	}
	return tenants, rows.Err()
}
