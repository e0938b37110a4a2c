/*
Package postgres provides a PostgreSQL implementation of the storage interfaces.

PURPOSE:
  Same contract as store/sqlite, for multi-instance deployments. Selected by
  DATABASE_URL; the SQLite store remains the default.

DIFFERENCES FROM SQLITE:
  - DATE, NUMERIC and TIMESTAMPTZ columns instead of TEXT
  - No process mutex: concurrent ensures are settled by the unique index
    and INSERT ... ON CONFLICT
  - UpsertEntry is a single statement; the WHERE on DO UPDATE skips
    identical snapshots and (xmax = 0) tells an insert from an update

NUMERICS:
  Decimals cross the wire as text (::numeric in, ::text out) so no float
  ever touches a balance or a cost.

SEE ALSO:
  - store/sqlite/sqlite.go: Reference implementation and schema notes
*/
package postgres

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/shopspring/decimal"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

const schema = `
CREATE TABLE IF NOT EXISTS warehouses (
	id TEXT PRIMARY KEY,
	code TEXT NOT NULL UNIQUE,
	name TEXT NOT NULL
);

CREATE TABLE IF NOT EXISTS skus (
	code TEXT PRIMARY KEY,
	description TEXT NOT NULL DEFAULT ''
);

CREATE TABLE IF NOT EXISTS inventory_transactions (
	seq BIGSERIAL PRIMARY KEY,
	id TEXT NOT NULL UNIQUE,
	warehouse_code TEXT NOT NULL,
	sku_code TEXT NOT NULL,
	batch_lot TEXT NOT NULL,
	transaction_type TEXT NOT NULL,
	transaction_date DATE NOT NULL,
	cartons_in BIGINT NOT NULL DEFAULT 0,
	cartons_out BIGINT NOT NULL DEFAULT 0,
	units_per_carton BIGINT,
	storage_pallets_in BIGINT NOT NULL DEFAULT 0,
	shipping_pallets_out BIGINT NOT NULL DEFAULT 0,
	storage_cartons_per_pallet BIGINT,
	shipping_cartons_per_pallet BIGINT,
	purchase_order_id TEXT,
	purchase_order_line_id TEXT,
	reference_id TEXT NOT NULL DEFAULT '',
	created_by TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMPTZ NOT NULL DEFAULT now()
);

CREATE INDEX IF NOT EXISTS idx_inventory_tx_warehouse_date
	ON inventory_transactions(warehouse_code, transaction_date, seq);
CREATE INDEX IF NOT EXISTS idx_inventory_tx_po
	ON inventory_transactions(purchase_order_id) WHERE purchase_order_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS purchase_orders (
	id TEXT PRIMARY KEY,
	status TEXT NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE TABLE IF NOT EXISTS storage_ledger_entries (
	id TEXT PRIMARY KEY,
	warehouse_code TEXT NOT NULL,
	warehouse_name TEXT NOT NULL DEFAULT '',
	sku_code TEXT NOT NULL,
	sku_description TEXT NOT NULL DEFAULT '',
	batch_lot TEXT NOT NULL,
	week_ending_date DATE NOT NULL,
	closing_balance BIGINT NOT NULL,
	average_balance NUMERIC(18,4) NOT NULL,
	storage_rate_per_carton NUMERIC(18,6),
	total_storage_cost NUMERIC(18,2),
	is_cost_calculated BOOLEAN NOT NULL DEFAULT false,
	rate_effective_date DATE,
	cost_rate_id TEXT,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL,
	CONSTRAINT uq_storage_ledger_key UNIQUE (warehouse_code, sku_code, batch_lot, week_ending_date)
);

CREATE INDEX IF NOT EXISTS idx_storage_ledger_week
	ON storage_ledger_entries(week_ending_date, warehouse_code);
CREATE INDEX IF NOT EXISTS idx_storage_ledger_cost_rate
	ON storage_ledger_entries(cost_rate_id) WHERE cost_rate_id IS NOT NULL;

CREATE TABLE IF NOT EXISTS cost_rates (
	id TEXT PRIMARY KEY,
	warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
	cost_category TEXT NOT NULL,
	cost_name TEXT NOT NULL DEFAULT '',
	cost_value NUMERIC(18,6) NOT NULL,
	unit_of_measure TEXT NOT NULL DEFAULT '',
	effective_date DATE NOT NULL,
	end_date DATE,
	created_at TIMESTAMPTZ NOT NULL,
	updated_at TIMESTAMPTZ NOT NULL
);

CREATE INDEX IF NOT EXISTS idx_cost_rates_lookup
	ON cost_rates(warehouse_id, cost_category, effective_date);

CREATE TABLE IF NOT EXISTS snapshot_runs (
	id TEXT PRIMARY KEY,
	week_ending_date DATE NOT NULL,
	trigger_source TEXT NOT NULL,
	status TEXT NOT NULL,
	processed INTEGER NOT NULL DEFAULT 0,
	cost_calculated INTEGER NOT NULL DEFAULT 0,
	failed_warehouses JSONB,
	error TEXT NOT NULL DEFAULT '',
	started_at TIMESTAMPTZ NOT NULL,
	completed_at TIMESTAMPTZ
);

CREATE INDEX IF NOT EXISTS idx_snapshot_runs_week
	ON snapshot_runs(week_ending_date, status);
`

// Store implements storage.Store and storage.Producer on a pgx pool.
type Store struct {
	*queries
	pool *pgxpool.Pool
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Producer = (*Store)(nil)
)

// New connects, pings and migrates.
func New(ctx context.Context, databaseURL string) (*Store, error) {
	config, err := pgxpool.ParseConfig(databaseURL)
	if err != nil {
		return nil, fmt.Errorf("unable to parse DATABASE_URL: %w", err)
	}

	pool, err := pgxpool.NewWithConfig(ctx, config)
	if err != nil {
		return nil, fmt.Errorf("unable to create connection pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("unable to ping database: %w", err)
	}

	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return &Store{
		pool:    pool,
		queries: &queries{q: pool, now: func() time.Time { return time.Now().UTC() }},
	}, nil
}

func (s *Store) Close() error {
	s.pool.Close()
	return nil
}

func (s *Store) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// WithTx executes fn within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx)

	if err := fn(&txStore{queries: &queries{q: tx, now: s.now}}); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func (s *Store) DeleteRate(ctx context.Context, id string) (int, error) {
	var detached int
	err := s.WithTx(ctx, func(st storage.Store) error {
		var err error
		detached, err = st.DeleteRate(ctx, id)
		return err
	})
	return detached, err
}

func (s *Store) PurgeTransaction(ctx context.Context, id ledger.TransactionID) (int, error) {
	var removed int
	err := s.WithTx(ctx, func(st storage.Store) error {
		var err error
		removed, err = st.(*txStore).PurgeTransaction(ctx, id)
		return err
	})
	return removed, err
}

// Reset truncates every table (for demos and tests).
func (s *Store) Reset(ctx context.Context) error {
	_, err := s.pool.Exec(ctx, `TRUNCATE TABLE snapshot_runs, storage_ledger_entries, cost_rates,
		inventory_transactions, purchase_orders, skus, warehouses CASCADE`)
	return err
}

type txStore struct {
	*queries
}

func (t *txStore) WithTx(_ context.Context, fn func(storage.Store) error) error {
	return fn(t)
}

// =============================================================================
// QUERIES
// =============================================================================

type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

type queries struct {
	q   querier
	now func() time.Time
}

// conds accumulates WHERE clauses with numbered placeholders.
type conds struct {
	where []string
	args  []any
}

func (c *conds) add(expr string, arg any) {
	c.args = append(c.args, arg)
	c.where = append(c.where, strings.ReplaceAll(expr, "?", fmt.Sprintf("$%d", len(c.args))))
}

func (c *conds) sql() string {
	if len(c.where) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(c.where, " AND ")
}

const transactionColumns = `seq, id, warehouse_code, sku_code, batch_lot, transaction_type, transaction_date,
	cartons_in, cartons_out, units_per_carton, storage_pallets_in, shipping_pallets_out,
	storage_cartons_per_pallet, shipping_cartons_per_pallet, purchase_order_id, purchase_order_line_id,
	reference_id, created_by`

func (qs *queries) Transactions(ctx context.Context, tq storage.TransactionQuery) ([]ledger.Transaction, error) {
	var c conds
	if tq.WarehouseCode != "" {
		c.add("warehouse_code = ?", tq.WarehouseCode)
	}
	if tq.SKUCode != "" {
		c.add("sku_code = ?", tq.SKUCode)
	}
	if tq.BatchLot != "" {
		c.add("batch_lot = ?", tq.BatchLot)
	}
	if tq.From != nil {
		c.add("transaction_date >= ?", tq.From.Time)
	}
	if tq.To != nil {
		c.add("transaction_date <= ?", tq.To.Time)
	}

	rows, err := qs.q.Query(ctx, "SELECT "+transactionColumns+" FROM inventory_transactions"+c.sql()+
		" ORDER BY transaction_date, seq", c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var txs []ledger.Transaction
	for rows.Next() {
		tx, err := scanTransaction(rows)
		if err != nil {
			return nil, err
		}
		txs = append(txs, tx)
	}
	return txs, rows.Err()
}

func scanTransaction(row pgx.Row) (ledger.Transaction, error) {
	var (
		tx             ledger.Transaction
		id, txType     string
		txDate         time.Time
		poID, poLineID *string
	)
	if err := row.Scan(
		&tx.Seq, &id, &tx.WarehouseCode, &tx.SKUCode, &tx.BatchLot, &txType, &txDate,
		&tx.CartonsIn, &tx.CartonsOut, &tx.UnitsPerCarton, &tx.StoragePalletsIn, &tx.ShippingPalletsOut,
		&tx.StorageCartonsPerPallet, &tx.ShippingCartonsPerPallet, &poID, &poLineID,
		&tx.ReferenceID, &tx.CreatedBy,
	); err != nil {
		return ledger.Transaction{}, err
	}
	tx.ID = ledger.TransactionID(id)
	tx.Type = ledger.TransactionType(txType)
	tx.Date = ledger.DateOf(txDate)
	tx.PurchaseOrderID = poID
	tx.PurchaseOrderLineID = poLineID
	return tx, nil
}

func (qs *queries) PurchaseOrderStatuses(ctx context.Context, ids []string) (map[string]ledger.PurchaseOrderStatus, error) {
	out := make(map[string]ledger.PurchaseOrderStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := qs.q.Query(ctx, "SELECT id, status FROM purchase_orders WHERE id = ANY($1)", ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var id, status string
		if err := rows.Scan(&id, &status); err != nil {
			return nil, err
		}
		out[id] = ledger.PurchaseOrderStatus(status)
	}
	return out, rows.Err()
}

func (qs *queries) ListWarehouses(ctx context.Context) ([]storage.Warehouse, error) {
	rows, err := qs.q.Query(ctx, "SELECT id, code, name FROM warehouses ORDER BY code")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Warehouse
	for rows.Next() {
		var w storage.Warehouse
		if err := rows.Scan(&w.ID, &w.Code, &w.Name); err != nil {
			return nil, err
		}
		out = append(out, w)
	}
	return out, rows.Err()
}

func (qs *queries) GetWarehouse(ctx context.Context, code string) (*storage.Warehouse, error) {
	return qs.getWarehouse(ctx, "SELECT id, code, name FROM warehouses WHERE code = $1", code)
}

func (qs *queries) GetWarehouseByID(ctx context.Context, id string) (*storage.Warehouse, error) {
	return qs.getWarehouse(ctx, "SELECT id, code, name FROM warehouses WHERE id = $1", id)
}

func (qs *queries) getWarehouse(ctx context.Context, query, arg string) (*storage.Warehouse, error) {
	var w storage.Warehouse
	err := qs.q.QueryRow(ctx, query, arg).Scan(&w.ID, &w.Code, &w.Name)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &w, nil
}

func (qs *queries) SKUDescriptions(ctx context.Context, codes []string) (map[string]string, error) {
	out := make(map[string]string, len(codes))
	if len(codes) == 0 {
		return out, nil
	}
	rows, err := qs.q.Query(ctx, "SELECT code, description FROM skus WHERE code = ANY($1)", codes)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	for rows.Next() {
		var code, desc string
		if err := rows.Scan(&code, &desc); err != nil {
			return nil, err
		}
		out[code] = desc
	}
	return out, rows.Err()
}

// =============================================================================
// STORAGE LEDGER ENTRIES
// =============================================================================

const entryColumns = `id, warehouse_code, warehouse_name, sku_code, sku_description, batch_lot, week_ending_date,
	closing_balance, average_balance::text, storage_rate_per_carton::text, total_storage_cost::text,
	is_cost_calculated, rate_effective_date, cost_rate_id, created_at, updated_at`

func (qs *queries) GetEntry(ctx context.Context, key storage.EntryKey) (*storage.Entry, error) {
	e, err := scanEntry(qs.q.QueryRow(ctx, "SELECT "+entryColumns+` FROM storage_ledger_entries
		WHERE warehouse_code = $1 AND sku_code = $2 AND batch_lot = $3 AND week_ending_date = $4`,
		key.WarehouseCode, key.SKUCode, key.BatchLot, ledger.WeekOf(key.WeekEndingDate).End.Time))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

func (qs *queries) UpsertEntry(ctx context.Context, e storage.Entry) (storage.UpsertOutcome, error) {
	week := ledger.WeekOf(e.WeekEndingDate).End
	now := qs.now()

	var inserted bool
	err := qs.q.QueryRow(ctx, `
		INSERT INTO storage_ledger_entries (id, warehouse_code, warehouse_name, sku_code, sku_description,
			batch_lot, week_ending_date, closing_balance, average_balance, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9::text::numeric, $10, $10)
		ON CONFLICT ON CONSTRAINT uq_storage_ledger_key DO UPDATE SET
			warehouse_name = EXCLUDED.warehouse_name,
			sku_description = EXCLUDED.sku_description,
			closing_balance = EXCLUDED.closing_balance,
			average_balance = EXCLUDED.average_balance,
			updated_at = EXCLUDED.updated_at
		WHERE storage_ledger_entries.closing_balance IS DISTINCT FROM EXCLUDED.closing_balance
			OR storage_ledger_entries.average_balance IS DISTINCT FROM EXCLUDED.average_balance
			OR storage_ledger_entries.warehouse_name IS DISTINCT FROM EXCLUDED.warehouse_name
			OR storage_ledger_entries.sku_description IS DISTINCT FROM EXCLUDED.sku_description
		RETURNING (xmax = 0)`,
		uuid.NewString(), e.WarehouseCode, e.WarehouseName, e.SKUCode, e.SKUDescription,
		e.BatchLot, week.Time, e.ClosingBalance, e.AverageBalance.String(), now,
	).Scan(&inserted)
	if errors.Is(err, pgx.ErrNoRows) {
		return storage.UpsertUnchanged, nil
	}
	if err != nil {
		return storage.UpsertUnchanged, err
	}
	if inserted {
		return storage.UpsertCreated, nil
	}
	return storage.UpsertUpdated, nil
}

func (qs *queries) ListEntries(ctx context.Context, f storage.EntryFilter) ([]storage.Entry, error) {
	var c conds
	if f.WarehouseCode != "" {
		c.add("warehouse_code = ?", f.WarehouseCode)
	}
	if f.SKUCode != "" {
		c.add("sku_code = ?", f.SKUCode)
	}
	if f.BatchLot != "" {
		c.add("batch_lot = ?", f.BatchLot)
	}
	if f.WeekEndingDate != nil {
		c.add("week_ending_date = ?", ledger.WeekOf(*f.WeekEndingDate).End.Time)
	}
	if f.WeekFrom != nil {
		c.add("week_ending_date >= ?", f.WeekFrom.Time)
	}
	if f.WeekTo != nil {
		c.add("week_ending_date <= ?", f.WeekTo.Time)
	}
	if f.CostRateID != "" {
		c.add("cost_rate_id = ?", f.CostRateID)
	}
	if f.CostCalculated != nil {
		c.add("is_cost_calculated = ?", *f.CostCalculated)
	}

	rows, err := qs.q.Query(ctx, "SELECT "+entryColumns+" FROM storage_ledger_entries"+c.sql()+
		" ORDER BY week_ending_date, warehouse_code, sku_code, batch_lot", c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

func (qs *queries) SaveEntryCost(ctx context.Context, entryID string, c storage.EntryCost) error {
	tag, err := qs.q.Exec(ctx, `
		UPDATE storage_ledger_entries SET
			storage_rate_per_carton = $1::text::numeric,
			total_storage_cost = $2::text::numeric,
			rate_effective_date = $3,
			cost_rate_id = $4,
			is_cost_calculated = true,
			updated_at = $5
		WHERE id = $6`,
		c.RatePerCarton.String(), c.TotalCost.StringFixed(storage.MoneyScale),
		c.RateEffectiveDate.Time, c.CostRateID, qs.now(), entryID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Kind: "storage_ledger_entry", ID: entryID}
	}
	return nil
}

func (qs *queries) ClearEntryCost(ctx context.Context, entryID string) error {
	tag, err := qs.q.Exec(ctx, `
		UPDATE storage_ledger_entries SET
			storage_rate_per_carton = NULL,
			total_storage_cost = NULL,
			rate_effective_date = NULL,
			cost_rate_id = NULL,
			is_cost_calculated = false,
			updated_at = $1
		WHERE id = $2`,
		qs.now(), entryID,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return &ledger.NotFoundError{Kind: "storage_ledger_entry", ID: entryID}
	}
	return nil
}

func scanEntry(row pgx.Row) (storage.Entry, error) {
	var (
		e             storage.Entry
		week          time.Time
		avg           string
		rate, total   *string
		rateEffective *time.Time
	)
	if err := row.Scan(
		&e.ID, &e.WarehouseCode, &e.WarehouseName, &e.SKUCode, &e.SKUDescription, &e.BatchLot, &week,
		&e.ClosingBalance, &avg, &rate, &total, &e.IsCostCalculated,
		&rateEffective, &e.CostRateID, &e.CreatedAt, &e.UpdatedAt,
	); err != nil {
		return storage.Entry{}, err
	}

	var err error
	e.WeekEndingDate = ledger.DateOf(week)
	if e.AverageBalance, err = decimal.NewFromString(avg); err != nil {
		return storage.Entry{}, fmt.Errorf("entry %s average_balance: %w", e.ID, err)
	}
	if e.StorageRatePerCarton, err = parseDecimalPtr(rate); err != nil {
		return storage.Entry{}, err
	}
	if e.TotalStorageCost, err = parseDecimalPtr(total); err != nil {
		return storage.Entry{}, err
	}
	e.RateEffectiveDate = datePtr(rateEffective)
	return e, nil
}

// =============================================================================
// COST RATES
// =============================================================================

const rateColumns = `id, warehouse_id, cost_category, cost_name, cost_value::text, unit_of_measure,
	effective_date, end_date, created_at, updated_at`

func (qs *queries) ListRates(ctx context.Context, warehouseID, category string) ([]storage.CostRate, error) {
	var c conds
	if warehouseID != "" {
		c.add("warehouse_id = ?", warehouseID)
	}
	if category != "" {
		c.add("cost_category = ?", category)
	}

	rows, err := qs.q.Query(ctx, "SELECT "+rateColumns+" FROM cost_rates"+c.sql()+
		" ORDER BY effective_date, created_at, id", c.args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []storage.CostRate
	for rows.Next() {
		r, err := scanRate(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

func (qs *queries) GetRate(ctx context.Context, id string) (*storage.CostRate, error) {
	r, err := scanRate(qs.q.QueryRow(ctx, "SELECT "+rateColumns+" FROM cost_rates WHERE id = $1", id))
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &r, nil
}

func (qs *queries) SaveRate(ctx context.Context, r storage.CostRate) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	var end *time.Time
	if r.EndDate != nil {
		end = &r.EndDate.Time
	}
	_, err := qs.q.Exec(ctx, `
		INSERT INTO cost_rates (id, warehouse_id, cost_category, cost_name, cost_value, unit_of_measure,
			effective_date, end_date, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5::text::numeric, $6, $7, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			cost_name = EXCLUDED.cost_name,
			cost_value = EXCLUDED.cost_value,
			unit_of_measure = EXCLUDED.unit_of_measure,
			effective_date = EXCLUDED.effective_date,
			end_date = EXCLUDED.end_date,
			updated_at = EXCLUDED.updated_at`,
		r.ID, r.WarehouseID, r.CostCategory, r.CostName, r.CostValue.String(), r.UnitOfMeasure,
		r.EffectiveDate.Time, end, r.CreatedAt, r.UpdatedAt,
	)
	return err
}

func (qs *queries) DeleteRate(ctx context.Context, id string) (int, error) {
	tag, err := qs.q.Exec(ctx,
		"UPDATE storage_ledger_entries SET cost_rate_id = NULL, updated_at = $1 WHERE cost_rate_id = $2",
		qs.now(), id)
	if err != nil {
		return 0, err
	}
	if _, err := qs.q.Exec(ctx, "DELETE FROM cost_rates WHERE id = $1", id); err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

func scanRate(row pgx.Row) (storage.CostRate, error) {
	var (
		r         storage.CostRate
		value     string
		effective time.Time
		end       *time.Time
	)
	if err := row.Scan(
		&r.ID, &r.WarehouseID, &r.CostCategory, &r.CostName, &value, &r.UnitOfMeasure,
		&effective, &end, &r.CreatedAt, &r.UpdatedAt,
	); err != nil {
		return storage.CostRate{}, err
	}
	v, err := decimal.NewFromString(value)
	if err != nil {
		return storage.CostRate{}, fmt.Errorf("cost rate %s value: %w", r.ID, err)
	}
	r.CostValue = v
	r.EffectiveDate = ledger.DateOf(effective)
	r.EndDate = datePtr(end)
	return r, nil
}

// =============================================================================
// SNAPSHOT RUNS
// =============================================================================

func (qs *queries) SaveRun(ctx context.Context, run storage.SnapshotRun) error {
	failed, err := json.Marshal(run.FailedWarehouses)
	if err != nil {
		return err
	}
	_, err = qs.q.Exec(ctx, `
		INSERT INTO snapshot_runs (id, week_ending_date, trigger_source, status, processed, cost_calculated,
			failed_warehouses, error, started_at, completed_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::text::jsonb, $8, $9, $10)
		ON CONFLICT (id) DO UPDATE SET
			status = EXCLUDED.status,
			processed = EXCLUDED.processed,
			cost_calculated = EXCLUDED.cost_calculated,
			failed_warehouses = EXCLUDED.failed_warehouses,
			error = EXCLUDED.error,
			completed_at = EXCLUDED.completed_at`,
		run.ID, run.WeekEndingDate.Time, string(run.Trigger), string(run.Status),
		run.Processed, run.CostCalculated, string(failed), run.Error, run.StartedAt, run.CompletedAt,
	)
	return err
}

func (qs *queries) ListRuns(ctx context.Context, limit int) ([]storage.SnapshotRun, error) {
	query := `SELECT id, week_ending_date, trigger_source, status, processed, cost_calculated,
			failed_warehouses::text, error, started_at, completed_at
		FROM snapshot_runs ORDER BY started_at DESC`
	var args []any
	if limit > 0 {
		query += " LIMIT $1"
		args = append(args, limit)
	}
	rows, err := qs.q.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []storage.SnapshotRun
	for rows.Next() {
		var (
			r               storage.SnapshotRun
			week            time.Time
			trigger, status string
			failed          *string
		)
		if err := rows.Scan(&r.ID, &week, &trigger, &status, &r.Processed, &r.CostCalculated,
			&failed, &r.Error, &r.StartedAt, &r.CompletedAt); err != nil {
			return nil, err
		}
		r.WeekEndingDate = ledger.DateOf(week)
		r.Trigger = storage.RunTrigger(trigger)
		r.Status = storage.RunStatus(status)
		if failed != nil && *failed != "null" {
			if err := json.Unmarshal([]byte(*failed), &r.FailedWarehouses); err != nil {
				return nil, fmt.Errorf("run %s failed warehouses: %w", r.ID, err)
			}
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

func (qs *queries) IsWeekComplete(ctx context.Context, weekEnding ledger.Date) (bool, error) {
	var done bool
	err := qs.q.QueryRow(ctx,
		"SELECT EXISTS (SELECT 1 FROM snapshot_runs WHERE week_ending_date = $1 AND status = $2)",
		ledger.WeekOf(weekEnding).End.Time, string(storage.RunCompleted),
	).Scan(&done)
	return done, err
}

// =============================================================================
// PRODUCER
// =============================================================================

func (qs *queries) SaveWarehouse(ctx context.Context, w storage.Warehouse) error {
	if w.Code == "" {
		return &ledger.ValidationError{Field: "code", Message: "required"}
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := qs.q.Exec(ctx, `
		INSERT INTO warehouses (id, code, name) VALUES ($1, $2, $3)
		ON CONFLICT (code) DO UPDATE SET name = EXCLUDED.name`,
		w.ID, w.Code, w.Name)
	return err
}

func (qs *queries) SaveSKU(ctx context.Context, s storage.SKU) error {
	if s.Code == "" {
		return &ledger.ValidationError{Field: "code", Message: "required"}
	}
	_, err := qs.q.Exec(ctx, `
		INSERT INTO skus (code, description) VALUES ($1, $2)
		ON CONFLICT (code) DO UPDATE SET description = EXCLUDED.description`,
		s.Code, s.Description)
	return err
}

func (qs *queries) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	wh, err := qs.GetWarehouse(ctx, tx.WarehouseCode)
	if err != nil {
		return ledger.Transaction{}, err
	}
	if wh == nil {
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "warehouse", ID: tx.WarehouseCode}
	}
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(uuid.NewString())
	}

	err = qs.q.QueryRow(ctx, `
		INSERT INTO inventory_transactions (id, warehouse_code, sku_code, batch_lot, transaction_type,
			transaction_date, cartons_in, cartons_out, units_per_carton, storage_pallets_in,
			shipping_pallets_out, storage_cartons_per_pallet, shipping_cartons_per_pallet,
			purchase_order_id, purchase_order_line_id, reference_id, created_by, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18)
		RETURNING seq`,
		string(tx.ID), tx.WarehouseCode, tx.SKUCode, tx.BatchLot, string(tx.Type),
		tx.Date.Time, tx.CartonsIn, tx.CartonsOut, tx.UnitsPerCarton, tx.StoragePalletsIn,
		tx.ShippingPalletsOut, tx.StorageCartonsPerPallet, tx.ShippingCartonsPerPallet,
		tx.PurchaseOrderID, tx.PurchaseOrderLineID, tx.ReferenceID, tx.CreatedBy, qs.now(),
	).Scan(&tx.Seq)
	if err != nil {
		if isUniqueViolation(err) {
			return ledger.Transaction{}, &ledger.ValidationError{Field: "id", Message: "transaction " + string(tx.ID) + " already exists"}
		}
		return ledger.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	return tx, nil
}

func (qs *queries) SetPurchaseOrderStatus(ctx context.Context, id string, status ledger.PurchaseOrderStatus) error {
	switch status {
	case ledger.POActive, ledger.POClosed, ledger.POCancelled:
	default:
		return &ledger.ValidationError{Field: "status", Message: "must be ACTIVE, CLOSED or CANCELLED"}
	}
	_, err := qs.q.Exec(ctx, `
		INSERT INTO purchase_orders (id, status, updated_at) VALUES ($1, $2, $3)
		ON CONFLICT (id) DO UPDATE SET status = EXCLUDED.status, updated_at = EXCLUDED.updated_at`,
		id, string(status), qs.now())
	return err
}

func (qs *queries) PurgeTransaction(ctx context.Context, id ledger.TransactionID) (int, error) {
	tx, err := scanTransaction(qs.q.QueryRow(ctx,
		"SELECT "+transactionColumns+" FROM inventory_transactions WHERE id = $1", string(id)))
	if errors.Is(err, pgx.ErrNoRows) {
		return 0, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	if err != nil {
		return 0, err
	}

	if _, err := qs.q.Exec(ctx, "DELETE FROM inventory_transactions WHERE id = $1", string(id)); err != nil {
		return 0, err
	}
	tag, err := qs.q.Exec(ctx, `
		DELETE FROM storage_ledger_entries
		WHERE warehouse_code = $1 AND sku_code = $2 AND batch_lot = $3 AND week_ending_date >= $4`,
		tx.WarehouseCode, tx.SKUCode, tx.BatchLot, ledger.WeekOf(tx.Date).End.Time)
	if err != nil {
		return 0, err
	}
	return int(tag.RowsAffected()), nil
}

// Helper functions

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23505"
}

func parseDecimalPtr(s *string) (*decimal.Decimal, error) {
	if s == nil {
		return nil, nil
	}
	d, err := decimal.NewFromString(*s)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func datePtr(t *time.Time) *ledger.Date {
	if t == nil {
		return nil
	}
	d := ledger.DateOf(*t)
	return &d
}
