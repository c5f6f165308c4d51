package store

import (
	"context"
	"database/sql"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgconn"
	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/iurnickita/orderledger/internal/model"
	"github.com/iurnickita/orderledger/internal/store/config"
)

type Store interface {
	OrderUpsert(ctx context.Context, order model.Order) (model.Order, bool, error)
	OrderGet(ctx context.Context, tenant string, id uuid.UUID) (model.Order, error)
	OrderEvents(ctx context.Context, tenant string, id uuid.UUID) ([]model.LedgerEvent, error)
	OrderRecompute(ctx context.Context, tenant string, id uuid.UUID) (model.Derivation, error)
	TransactionResolve(ctx context.Context, tenant string, provider string, transactionID string) (model.ProviderOrderMap, error)
	// AppendAndRecompute inserts the event and recomputes the order status
	// in one transaction. A repeated idempotency key is reported as Duplicate.
	AppendAndRecompute(ctx context.Context, event model.LedgerEvent) (model.AppendResult, error)
	OrphansFind(ctx context.Context, tenant string, afterID int64, createdBefore time.Time, limit int) ([]model.OrphanRef, error)
	OrphansRemove(ctx context.Context, tenant string, orderID uuid.UUID, createdBefore time.Time) (model.RemovedOrphans, error)
	LedgerEventsInRange(ctx context.Context, tenant string, from time.Time, to time.Time) ([]model.LedgerEvent, error)
	SplitRulePut(ctx context.Context, rule model.SplitRule) error
	SplitRuleGet(ctx context.Context, tenant string) ([]model.SplitRule, error)
	TenantList(ctx context.Context) ([]string, error)
	Close() error
}

var (
	ErrNotFound         = errors.New("not found")
	ErrOrderNotFound    = errors.New("order not found")
	ErrConflict         = errors.New("concurrent update conflict")
	ErrCurrencyMismatch = errors.New("currency does not match order currency")
	ErrSplitExceeded    = errors.New("active split percentages of a product exceed 1")
)

type store struct {
	database *sql.DB
	now      func() time.Time
}

func NewStore(cfg config.Config) (Store, error) {
	db, err := sql.Open("pgx", cfg.DBDsn)
	if err != nil {
		return nil, err
	}
	if cfg.MaxOpenConns > 0 {
		db.SetMaxOpenConns(cfg.MaxOpenConns)
	}

	store := newStore(db)

	ctx, cancel := context.WithTimeout(context.Background(), cfg.MigrateTimeout)
	defer cancel()
	if err = store.migrate(ctx); err != nil {
		db.Close()
		return nil, err
	}

	return store, nil
}

func newStore(db *sql.DB) *store {
	return &store{
		database: db,
		now:      time.Now,
	}
}

func (store *store) migrate(ctx context.Context) error {
	// Таблица заказов.
	// Статус меняется только пересчетом по журналу, external_status - статус,
	// присвоенный извне, к нему заказ возвращается, когда в журнале нет данных
	_, err := store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS orders ("+
			" id UUID PRIMARY KEY,"+
			" tenant_id VARCHAR (64) NOT NULL,"+
			" provider VARCHAR (32) NOT NULL,"+
			" provider_order_id VARCHAR (128) NOT NULL,"+
			" buyer_email VARCHAR (320) NOT NULL DEFAULT '',"+
			" buyer_name VARCHAR (200) NOT NULL DEFAULT '',"+
			" status VARCHAR (20) NOT NULL,"+
			" external_status VARCHAR (20) NOT NULL,"+
			" currency CHAR (3) NOT NULL,"+
			" customer_paid_amount NUMERIC (14, 2) NOT NULL DEFAULT 0,"+
			" gross_base_amount NUMERIC (14, 2) NOT NULL DEFAULT 0,"+
			" producer_net_amount NUMERIC (14, 2) NOT NULL DEFAULT 0,"+
			" ordered_at TIMESTAMPTZ NOT NULL,"+
			" approved_at TIMESTAMPTZ,"+
			" completed_at TIMESTAMPTZ,"+
			" updated_at TIMESTAMPTZ NOT NULL,"+
			" UNIQUE (tenant_id, provider, provider_order_id)"+
			" );")
	if err != nil {
		return err
	}

	// Позиции заказа
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS order_items ("+
			" order_id UUID NOT NULL REFERENCES orders (id) ON DELETE CASCADE,"+
			" item_type VARCHAR (10) NOT NULL,"+
			" product_id VARCHAR (128) NOT NULL,"+
			" offer_id VARCHAR (128) NOT NULL DEFAULT '',"+
			" base_price NUMERIC (14, 2) NOT NULL DEFAULT 0,"+
			" funnel_id VARCHAR (64) NOT NULL DEFAULT '',"+
			" provider_transaction_id VARCHAR (128) NOT NULL DEFAULT '',"+
			" PRIMARY KEY (order_id, product_id, offer_id)"+
			" );")
	if err != nil {
		return err
	}

	// Транзакции провайдера -> заказ.
	// Идентификатор транзакции не всегда совпадает с идентификатором заказа
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS provider_order_map ("+
			" tenant_id VARCHAR (64) NOT NULL,"+
			" provider VARCHAR (32) NOT NULL,"+
			" provider_transaction_id VARCHAR (128) NOT NULL,"+
			" order_id UUID NOT NULL REFERENCES orders (id) ON DELETE CASCADE,"+
			" product_id VARCHAR (128) NOT NULL DEFAULT '',"+
			" PRIMARY KEY (tenant_id, provider, provider_transaction_id)"+
			" );")
	if err != nil {
		return err
	}

	// Журнал финансовых событий.
	// Записи не редактируются, удаляются только сиротские события при сверке
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS ledger_events ("+
			" id BIGSERIAL PRIMARY KEY,"+
			" tenant_id VARCHAR (64) NOT NULL,"+
			" idempotency_key VARCHAR (400) NOT NULL,"+
			" order_id UUID NOT NULL REFERENCES orders (id) ON DELETE CASCADE,"+
			" provider VARCHAR (32) NOT NULL,"+
			" provider_transaction_id VARCHAR (128) NOT NULL,"+
			" product_id VARCHAR (128) NOT NULL DEFAULT '',"+
			" event_type VARCHAR (16) NOT NULL,"+
			" actor VARCHAR (16) NOT NULL,"+
			" amount NUMERIC (14, 2) NOT NULL,"+
			" currency CHAR (3) NOT NULL,"+
			" occurred_at TIMESTAMPTZ NOT NULL,"+
			" raw_payload JSONB,"+
			" created_at TIMESTAMPTZ NOT NULL,"+
			" UNIQUE (tenant_id, idempotency_key)"+
			" );")
	if err != nil {
		return err
	}
	_, err = store.database.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS ledger_events_order_txn_idx"+
			" ON ledger_events (tenant_id, order_id, provider_transaction_id, event_type);")
	if err != nil {
		return err
	}
	_, err = store.database.ExecContext(ctx,
		"CREATE INDEX IF NOT EXISTS ledger_events_occurred_idx"+
			" ON ledger_events (tenant_id, occurred_at);")
	if err != nil {
		return err
	}

	// Правила распределения выручки между партнерами
	_, err = store.database.ExecContext(ctx,
		"CREATE TABLE IF NOT EXISTS revenue_split_rules ("+
			" tenant_id VARCHAR (64) NOT NULL,"+
			" product_id VARCHAR (128) NOT NULL,"+
			" partner_type VARCHAR (16) NOT NULL,"+
			" partner_name VARCHAR (200) NOT NULL,"+
			" percentage NUMERIC (6, 5) NOT NULL CHECK (percentage >= 0 AND percentage <= 1),"+
			" is_active BOOLEAN NOT NULL DEFAULT TRUE,"+
			" PRIMARY KEY (tenant_id, product_id, partner_type, partner_name)"+
			" );")
	return err
}

func (store *store) Close() error {
	return store.database.Close()
}

// inTx выполняет fn в транзакции; ошибки сериализации приводятся к ErrConflict
func (store *store) inTx(ctx context.Context, fn func(tx *sql.Tx) error) error {
	tx, err := store.database.BeginTx(ctx, nil)
	if err != nil {
		return mapError(err)
	}
	defer func() { _ = tx.Rollback() }()

	if err = fn(tx); err != nil {
		return mapError(err)
	}
	return mapError(tx.Commit())
}

func mapError(err error) error {
	if err == nil {
		return nil
	}
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		switch pgErr.Code {
		case "40001", "40P01": // serialization_failure, deadlock_detected
			return ErrConflict
		}
	}
	return err
}
