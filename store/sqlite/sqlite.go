/*
Package sqlite provides a SQLite-backed implementation of the storage interfaces.

PURPOSE:
  Implements storage.Store (transaction feed, directory, storage ledger
  entries, cost rates, snapshot runs) and storage.Producer using SQLite.
  store/postgres carries the same schema in the PostgreSQL dialect.

INTERFACES IMPLEMENTED:
  storage.Store:    Everything the engine reads and writes
  storage.Producer: Write side of warehouses, SKUs, transactions, POs

KEY TABLES:
  inventory_transactions: Append-only movement log; seq is creation order
  purchase_orders:        Current status only (CANCELLED excludes lines)
  storage_ledger_entries: One row per (warehouse, sku, batch, week)
  cost_rates:             Versioned, time-bounded prices
  snapshot_runs:          Audit trail of generator invocations

UNIQUENESS:
  idx_storage_ledger_key is the constraint the snapshot generator relies on.
  UpsertEntry uses INSERT ... ON CONFLICT DO UPDATE, so two concurrent
  ensures of the same week converge on one row.

STORAGE FORMATS:
  Dates are TEXT 'YYYY-MM-DD' (sortable), decimals are TEXT (exact),
  timestamps are fixed-width UTC TEXT so ORDER BY matches time order.

CONCURRENCY:
  WithTx is serialized by a mutex; SQLite allows one writer anyway. All SQL
  lives on queries, which runs against either *sql.DB or *sql.Tx, so the
  transactional view never reaches back into the locked Store.

USAGE:
  store, err := sqlite.New("./data/storage-ledger.db")
  if err != nil {
      log.Fatal(err)
  }
  defer store.Close()

  engine := storage.NewEngine(store, logger, storage.EngineOptions{})

SEE ALSO:
  - storage/store.go: Interface definitions
  - storage/memstore: In-memory implementation for testing
*/
package sqlite

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/mattn/go-sqlite3"
	"github.com/shopspring/decimal"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// timeLayout is fixed-width so lexical order equals time order.
const timeLayout = "2006-01-02T15:04:05.000000000Z"

// Store implements storage.Store and storage.Producer using SQLite.
type Store struct {
	*queries
	db *sql.DB
	mu sync.Mutex
}

var (
	_ storage.Store    = (*Store)(nil)
	_ storage.Producer = (*Store)(nil)
)

// New creates a new SQLite store with the given database path.
// Use ":memory:" for an in-memory database.
func New(dbPath string) (*Store, error) {
	db, err := sql.Open("sqlite3", dbPath+"?_foreign_keys=on&_journal_mode=WAL&_busy_timeout=5000&_txlock=immediate")
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	if dbPath == ":memory:" {
		// Every connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	store := &Store{
		db:      db,
		queries: &queries{q: db, now: func() time.Time { return time.Now().UTC() }},
	}
	if err := store.migrate(); err != nil {
		db.Close()
		return nil, fmt.Errorf("failed to migrate database: %w", err)
	}

	return store, nil
}

// Close closes the database connection.
func (s *Store) Close() error {
	return s.db.Close()
}

// Ping checks the connection, for health endpoints.
func (s *Store) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// migrate creates the database schema.
func (s *Store) migrate() error {
	schema := `
	CREATE TABLE IF NOT EXISTS warehouses (
		id TEXT PRIMARY KEY,
		code TEXT NOT NULL UNIQUE,
		name TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS skus (
		code TEXT PRIMARY KEY,
		description TEXT NOT NULL DEFAULT ''
	);

	-- Inventory transactions (append-only; purge is a maintenance operation)
	CREATE TABLE IF NOT EXISTS inventory_transactions (
		seq INTEGER PRIMARY KEY AUTOINCREMENT,
		id TEXT NOT NULL UNIQUE,
		warehouse_code TEXT NOT NULL,
		sku_code TEXT NOT NULL,
		batch_lot TEXT NOT NULL,
		transaction_type TEXT NOT NULL,
		transaction_date TEXT NOT NULL,
		cartons_in INTEGER NOT NULL DEFAULT 0,
		cartons_out INTEGER NOT NULL DEFAULT 0,
		units_per_carton INTEGER,
		storage_pallets_in INTEGER NOT NULL DEFAULT 0,
		shipping_pallets_out INTEGER NOT NULL DEFAULT 0,
		storage_cartons_per_pallet INTEGER,
		shipping_cartons_per_pallet INTEGER,
		purchase_order_id TEXT,
		purchase_order_line_id TEXT,
		reference_id TEXT NOT NULL DEFAULT '',
		created_by TEXT NOT NULL DEFAULT '',
		created_at TEXT NOT NULL
	);

	-- Replay hot path: one warehouse up to a date, in (date, seq) order
	CREATE INDEX IF NOT EXISTS idx_inventory_tx_warehouse_date
		ON inventory_transactions(warehouse_code, transaction_date, seq);
	CREATE INDEX IF NOT EXISTS idx_inventory_tx_batch
		ON inventory_transactions(warehouse_code, sku_code, batch_lot);
	CREATE INDEX IF NOT EXISTS idx_inventory_tx_po
		ON inventory_transactions(purchase_order_id) WHERE purchase_order_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS purchase_orders (
		id TEXT PRIMARY KEY,
		status TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE TABLE IF NOT EXISTS storage_ledger_entries (
		id TEXT PRIMARY KEY,
		warehouse_code TEXT NOT NULL,
		warehouse_name TEXT NOT NULL DEFAULT '',
		sku_code TEXT NOT NULL,
		sku_description TEXT NOT NULL DEFAULT '',
		batch_lot TEXT NOT NULL,
		week_ending_date TEXT NOT NULL,
		closing_balance INTEGER NOT NULL,
		average_balance TEXT NOT NULL,
		storage_rate_per_carton TEXT,
		total_storage_cost TEXT,
		is_cost_calculated INTEGER NOT NULL DEFAULT 0,
		rate_effective_date TEXT,
		cost_rate_id TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE UNIQUE INDEX IF NOT EXISTS idx_storage_ledger_key
		ON storage_ledger_entries(warehouse_code, sku_code, batch_lot, week_ending_date);
	CREATE INDEX IF NOT EXISTS idx_storage_ledger_week
		ON storage_ledger_entries(week_ending_date, warehouse_code);
	CREATE INDEX IF NOT EXISTS idx_storage_ledger_cost_rate
		ON storage_ledger_entries(cost_rate_id) WHERE cost_rate_id IS NOT NULL;

	CREATE TABLE IF NOT EXISTS cost_rates (
		id TEXT PRIMARY KEY,
		warehouse_id TEXT NOT NULL REFERENCES warehouses(id),
		cost_category TEXT NOT NULL,
		cost_name TEXT NOT NULL DEFAULT '',
		cost_value TEXT NOT NULL,
		unit_of_measure TEXT NOT NULL DEFAULT '',
		effective_date TEXT NOT NULL,
		end_date TEXT,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);

	CREATE INDEX IF NOT EXISTS idx_cost_rates_lookup
		ON cost_rates(warehouse_id, cost_category, effective_date);

	CREATE TABLE IF NOT EXISTS snapshot_runs (
		id TEXT PRIMARY KEY,
		week_ending_date TEXT NOT NULL,
		trigger_source TEXT NOT NULL,
		status TEXT NOT NULL,
		processed INTEGER NOT NULL DEFAULT 0,
		cost_calculated INTEGER NOT NULL DEFAULT 0,
		failed_warehouses_json TEXT,
		error TEXT NOT NULL DEFAULT '',
		started_at TEXT NOT NULL,
		completed_at TEXT
	);

	CREATE INDEX IF NOT EXISTS idx_snapshot_runs_week
		ON snapshot_runs(week_ending_date, status);
	`

	_, err := s.db.Exec(schema)
	return err
}

// =============================================================================
// TRANSACTIONAL STORE
// =============================================================================

// WithTx executes a function within a database transaction.
func (s *Store) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	sqlTx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer sqlTx.Rollback()

	view := &txStore{queries: &queries{q: sqlTx, now: s.now}}
	if err := fn(view); err != nil {
		return err
	}

	return sqlTx.Commit()
}

// DeleteRate detaches citing entries and deletes the rate atomically.
func (s *Store) DeleteRate(ctx context.Context, id string) (int, error) {
	var detached int
	err := s.WithTx(ctx, func(st storage.Store) error {
		var err error
		detached, err = st.DeleteRate(ctx, id)
		return err
	})
	return detached, err
}

// PurgeTransaction removes the transaction and its stale entries atomically.
func (s *Store) PurgeTransaction(ctx context.Context, id ledger.TransactionID) (int, error) {
	var removed int
	err := s.WithTx(ctx, func(st storage.Store) error {
		var err error
		removed, err = st.(*txStore).PurgeTransaction(ctx, id)
		return err
	})
	return removed, err
}

// Reset deletes all data (for demos and tests).
func (s *Store) Reset(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	for _, table := range []string{
		"snapshot_runs",
		"storage_ledger_entries",
		"cost_rates",
		"inventory_transactions",
		"purchase_orders",
		"skus",
		"warehouses",
	} {
		if _, err := s.db.ExecContext(ctx, "DELETE FROM "+table); err != nil {
			return fmt.Errorf("failed to reset %s: %w", table, err)
		}
	}
	return nil
}

// txStore is the view handed to WithTx callbacks. Nested WithTx calls join
// the enclosing transaction.
type txStore struct {
	*queries
}

func (t *txStore) WithTx(_ context.Context, fn func(storage.Store) error) error {
	return fn(t)
}

// =============================================================================
// QUERIES - SQL shared by the Store and the transactional view
// =============================================================================

type querier interface {
	ExecContext(ctx context.Context, query string, args ...any) (sql.Result, error)
	QueryContext(ctx context.Context, query string, args ...any) (*sql.Rows, error)
	QueryRowContext(ctx context.Context, query string, args ...any) *sql.Row
}

type queries struct {
	q   querier
	now func() time.Time
}

type scanner interface {
	Scan(dest ...any) error
}

// =============================================================================
// TRANSACTION FEED
// =============================================================================

const transactionColumns = `seq, id, warehouse_code, sku_code, batch_lot, transaction_type, transaction_date,
	cartons_in, cartons_out, units_per_carton, storage_pallets_in, shipping_pallets_out,
	storage_cartons_per_pallet, shipping_cartons_per_pallet, purchase_order_id, purchase_order_line_id,
	reference_id, created_by`

func (qs *queries) Transactions(ctx context.Context, tq storage.TransactionQuery) ([]ledger.Transaction, error) {
	var (
		where []string
		args  []any
	)
	if tq.WarehouseCode != "" {
		where = append(where, "warehouse_code = ?")
		args = append(args, tq.WarehouseCode)
	}
	if tq.SKUCode != "" {
		where = append(where, "sku_code = ?")
		args = append(args, tq.SKUCode)
	}
	if tq.BatchLot != "" {
		where = append(where, "batch_lot = ?")
		args = append(args, tq.BatchLot)
	}
	if tq.From != nil {
		where = append(where, "transaction_date >= ?")
		args = append(args, tq.From.String())
	}
	if tq.To != nil {
		where = append(where, "transaction_date <= ?")
		args = append(args, tq.To.String())
	}

	query := "SELECT " + transactionColumns + " FROM inventory_transactions" +
		whereClause(where) + " ORDER BY transaction_date, seq"

	rows, err := qs.q.QueryContext(ctx, query, args...)
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

func scanTransaction(row scanner) (ledger.Transaction, error) {
	var (
		tx                  ledger.Transaction
		id, txType, txDate  string
		unitsPerCarton      sql.NullInt64
		storageCPP, shipCPP sql.NullInt64
		poID, poLineID      sql.NullString
	)
	if err := row.Scan(
		&tx.Seq, &id, &tx.WarehouseCode, &tx.SKUCode, &tx.BatchLot, &txType, &txDate,
		&tx.CartonsIn, &tx.CartonsOut, &unitsPerCarton, &tx.StoragePalletsIn, &tx.ShippingPalletsOut,
		&storageCPP, &shipCPP, &poID, &poLineID,
		&tx.ReferenceID, &tx.CreatedBy,
	); err != nil {
		return ledger.Transaction{}, err
	}

	d, err := ledger.ParseDate(txDate)
	if err != nil {
		return ledger.Transaction{}, fmt.Errorf("transaction %s: %w", id, err)
	}
	tx.ID = ledger.TransactionID(id)
	tx.Type = ledger.TransactionType(txType)
	tx.Date = d
	tx.UnitsPerCarton = fromNullInt(unitsPerCarton)
	tx.StorageCartonsPerPallet = fromNullInt(storageCPP)
	tx.ShippingCartonsPerPallet = fromNullInt(shipCPP)
	tx.PurchaseOrderID = fromNullString(poID)
	tx.PurchaseOrderLineID = fromNullString(poLineID)
	return tx, nil
}

func (qs *queries) PurchaseOrderStatuses(ctx context.Context, ids []string) (map[string]ledger.PurchaseOrderStatus, error) {
	out := make(map[string]ledger.PurchaseOrderStatus, len(ids))
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := qs.q.QueryContext(ctx,
		"SELECT id, status FROM purchase_orders WHERE id IN ("+placeholders(len(ids))+")",
		stringArgs(ids)...)
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

// =============================================================================
// DIRECTORY
// =============================================================================

func (qs *queries) ListWarehouses(ctx context.Context) ([]storage.Warehouse, error) {
	rows, err := qs.q.QueryContext(ctx, "SELECT id, code, name FROM warehouses ORDER BY code")
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
	return qs.getWarehouse(ctx, "SELECT id, code, name FROM warehouses WHERE code = ?", code)
}

func (qs *queries) GetWarehouseByID(ctx context.Context, id string) (*storage.Warehouse, error) {
	return qs.getWarehouse(ctx, "SELECT id, code, name FROM warehouses WHERE id = ?", id)
}

func (qs *queries) getWarehouse(ctx context.Context, query string, arg string) (*storage.Warehouse, error) {
	var w storage.Warehouse
	err := qs.q.QueryRowContext(ctx, query, arg).Scan(&w.ID, &w.Code, &w.Name)
	if errors.Is(err, sql.ErrNoRows) {
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
	rows, err := qs.q.QueryContext(ctx,
		"SELECT code, description FROM skus WHERE code IN ("+placeholders(len(codes))+")",
		stringArgs(codes)...)
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
	closing_balance, average_balance, storage_rate_per_carton, total_storage_cost, is_cost_calculated,
	rate_effective_date, cost_rate_id, created_at, updated_at`

func (qs *queries) GetEntry(ctx context.Context, key storage.EntryKey) (*storage.Entry, error) {
	week := ledger.WeekOf(key.WeekEndingDate).End
	row := qs.q.QueryRowContext(ctx,
		"SELECT "+entryColumns+` FROM storage_ledger_entries
		WHERE warehouse_code = ? AND sku_code = ? AND batch_lot = ? AND week_ending_date = ?`,
		key.WarehouseCode, key.SKUCode, key.BatchLot, week.String())
	e, err := scanEntry(row)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &e, nil
}

// UpsertEntry writes the snapshot fields. Identical snapshots are skipped so
// re-running a week leaves updated_at alone.
func (qs *queries) UpsertEntry(ctx context.Context, e storage.Entry) (storage.UpsertOutcome, error) {
	e.WeekEndingDate = ledger.WeekOf(e.WeekEndingDate).End
	existing, err := qs.GetEntry(ctx, e.Key())
	if err != nil {
		return storage.UpsertUnchanged, err
	}
	if existing != nil && existing.SameSnapshot(e) {
		return storage.UpsertUnchanged, nil
	}

	id := uuid.NewString()
	now := formatTime(qs.now())
	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO storage_ledger_entries (id, warehouse_code, warehouse_name, sku_code, sku_description,
			batch_lot, week_ending_date, closing_balance, average_balance, is_cost_calculated,
			created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, 0, ?, ?)
		ON CONFLICT(warehouse_code, sku_code, batch_lot, week_ending_date) DO UPDATE SET
			warehouse_name = excluded.warehouse_name,
			sku_description = excluded.sku_description,
			closing_balance = excluded.closing_balance,
			average_balance = excluded.average_balance,
			updated_at = excluded.updated_at`,
		id, e.WarehouseCode, e.WarehouseName, e.SKUCode, e.SKUDescription,
		e.BatchLot, e.WeekEndingDate.String(), e.ClosingBalance, e.AverageBalance.String(),
		now, now,
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return storage.UpsertUnchanged, fmt.Errorf("entry %s: %w", e.Key().BatchKey(), err)
		}
		return storage.UpsertUnchanged, err
	}

	if existing != nil {
		return storage.UpsertUpdated, nil
	}
	// A concurrent writer may have created the row between our read and insert.
	var storedID string
	if err := qs.q.QueryRowContext(ctx, `
		SELECT id FROM storage_ledger_entries
		WHERE warehouse_code = ? AND sku_code = ? AND batch_lot = ? AND week_ending_date = ?`,
		e.WarehouseCode, e.SKUCode, e.BatchLot, e.WeekEndingDate.String(),
	).Scan(&storedID); err != nil {
		return storage.UpsertUnchanged, err
	}
	if storedID != id {
		return storage.UpsertUpdated, nil
	}
	return storage.UpsertCreated, nil
}

func (qs *queries) ListEntries(ctx context.Context, f storage.EntryFilter) ([]storage.Entry, error) {
	var (
		where []string
		args  []any
	)
	if f.WarehouseCode != "" {
		where = append(where, "warehouse_code = ?")
		args = append(args, f.WarehouseCode)
	}
	if f.SKUCode != "" {
		where = append(where, "sku_code = ?")
		args = append(args, f.SKUCode)
	}
	if f.BatchLot != "" {
		where = append(where, "batch_lot = ?")
		args = append(args, f.BatchLot)
	}
	if f.WeekEndingDate != nil {
		where = append(where, "week_ending_date = ?")
		args = append(args, ledger.WeekOf(*f.WeekEndingDate).End.String())
	}
	if f.WeekFrom != nil {
		where = append(where, "week_ending_date >= ?")
		args = append(args, f.WeekFrom.String())
	}
	if f.WeekTo != nil {
		where = append(where, "week_ending_date <= ?")
		args = append(args, f.WeekTo.String())
	}
	if f.CostRateID != "" {
		where = append(where, "cost_rate_id = ?")
		args = append(args, f.CostRateID)
	}
	if f.CostCalculated != nil {
		where = append(where, "is_cost_calculated = ?")
		args = append(args, boolToInt(*f.CostCalculated))
	}

	query := "SELECT " + entryColumns + " FROM storage_ledger_entries" + whereClause(where) +
		" ORDER BY week_ending_date, warehouse_code, sku_code, batch_lot"

	rows, err := qs.q.QueryContext(ctx, query, args...)
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
	res, err := qs.q.ExecContext(ctx, `
		UPDATE storage_ledger_entries SET
			storage_rate_per_carton = ?,
			total_storage_cost = ?,
			rate_effective_date = ?,
			cost_rate_id = ?,
			is_cost_calculated = 1,
			updated_at = ?
		WHERE id = ?`,
		c.RatePerCarton.String(), c.TotalCost.StringFixed(storage.MoneyScale),
		c.RateEffectiveDate.String(), c.CostRateID, formatTime(qs.now()), entryID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "storage_ledger_entry", ID: entryID}
	}
	return nil
}

func (qs *queries) ClearEntryCost(ctx context.Context, entryID string) error {
	res, err := qs.q.ExecContext(ctx, `
		UPDATE storage_ledger_entries SET
			storage_rate_per_carton = NULL,
			total_storage_cost = NULL,
			rate_effective_date = NULL,
			cost_rate_id = NULL,
			is_cost_calculated = 0,
			updated_at = ?
		WHERE id = ?`,
		formatTime(qs.now()), entryID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return &ledger.NotFoundError{Kind: "storage_ledger_entry", ID: entryID}
	}
	return nil
}

func scanEntry(row scanner) (storage.Entry, error) {
	var (
		e                     storage.Entry
		week, avg             string
		rate, total           sql.NullString
		rateEffective, rateID sql.NullString
		calculated            int
		createdAt, updatedAt  string
	)
	if err := row.Scan(
		&e.ID, &e.WarehouseCode, &e.WarehouseName, &e.SKUCode, &e.SKUDescription, &e.BatchLot, &week,
		&e.ClosingBalance, &avg, &rate, &total, &calculated,
		&rateEffective, &rateID, &createdAt, &updatedAt,
	); err != nil {
		return storage.Entry{}, err
	}

	var err error
	if e.WeekEndingDate, err = ledger.ParseDate(week); err != nil {
		return storage.Entry{}, err
	}
	if e.AverageBalance, err = decimal.NewFromString(avg); err != nil {
		return storage.Entry{}, fmt.Errorf("entry %s average_balance: %w", e.ID, err)
	}
	if e.StorageRatePerCarton, err = parseNullDecimal(rate); err != nil {
		return storage.Entry{}, err
	}
	if e.TotalStorageCost, err = parseNullDecimal(total); err != nil {
		return storage.Entry{}, err
	}
	if e.RateEffectiveDate, err = parseNullDate(rateEffective); err != nil {
		return storage.Entry{}, err
	}
	e.IsCostCalculated = calculated != 0
	e.CostRateID = fromNullString(rateID)
	e.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	e.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
	return e, nil
}

// =============================================================================
// COST RATES
// =============================================================================

const rateColumns = `id, warehouse_id, cost_category, cost_name, cost_value, unit_of_measure,
	effective_date, end_date, created_at, updated_at`

func (qs *queries) ListRates(ctx context.Context, warehouseID, category string) ([]storage.CostRate, error) {
	var (
		where []string
		args  []any
	)
	if warehouseID != "" {
		where = append(where, "warehouse_id = ?")
		args = append(args, warehouseID)
	}
	if category != "" {
		where = append(where, "cost_category = ?")
		args = append(args, category)
	}

	rows, err := qs.q.QueryContext(ctx,
		"SELECT "+rateColumns+" FROM cost_rates"+whereClause(where)+" ORDER BY effective_date, created_at, id",
		args...)
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
	r, err := scanRate(qs.q.QueryRowContext(ctx, "SELECT "+rateColumns+" FROM cost_rates WHERE id = ?", id))
	if errors.Is(err, sql.ErrNoRows) {
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
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO cost_rates (id, warehouse_id, cost_category, cost_name, cost_value, unit_of_measure,
			effective_date, end_date, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			cost_name = excluded.cost_name,
			cost_value = excluded.cost_value,
			unit_of_measure = excluded.unit_of_measure,
			effective_date = excluded.effective_date,
			end_date = excluded.end_date,
			updated_at = excluded.updated_at`,
		r.ID, r.WarehouseID, r.CostCategory, r.CostName, r.CostValue.String(), r.UnitOfMeasure,
		r.EffectiveDate.String(), nullDate(r.EndDate), formatTime(r.CreatedAt), formatTime(r.UpdatedAt),
	)
	return err
}

func (qs *queries) DeleteRate(ctx context.Context, id string) (int, error) {
	res, err := qs.q.ExecContext(ctx,
		"UPDATE storage_ledger_entries SET cost_rate_id = NULL, updated_at = ? WHERE cost_rate_id = ?",
		formatTime(qs.now()), id)
	if err != nil {
		return 0, err
	}
	detached, _ := res.RowsAffected()

	if _, err := qs.q.ExecContext(ctx, "DELETE FROM cost_rates WHERE id = ?", id); err != nil {
		return 0, err
	}
	return int(detached), nil
}

func scanRate(row scanner) (storage.CostRate, error) {
	var (
		r                    storage.CostRate
		value, effective     string
		end                  sql.NullString
		createdAt, updatedAt string
	)
	if err := row.Scan(
		&r.ID, &r.WarehouseID, &r.CostCategory, &r.CostName, &value, &r.UnitOfMeasure,
		&effective, &end, &createdAt, &updatedAt,
	); err != nil {
		return storage.CostRate{}, err
	}

	var err error
	if r.CostValue, err = decimal.NewFromString(value); err != nil {
		return storage.CostRate{}, fmt.Errorf("cost rate %s value: %w", r.ID, err)
	}
	if r.EffectiveDate, err = ledger.ParseDate(effective); err != nil {
		return storage.CostRate{}, err
	}
	if r.EndDate, err = parseNullDate(end); err != nil {
		return storage.CostRate{}, err
	}
	r.CreatedAt, _ = time.Parse(timeLayout, createdAt)
	r.UpdatedAt, _ = time.Parse(timeLayout, updatedAt)
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
	var completedAt *string
	if run.CompletedAt != nil {
		s := formatTime(*run.CompletedAt)
		completedAt = &s
	}

	_, err = qs.q.ExecContext(ctx, `
		INSERT INTO snapshot_runs (id, week_ending_date, trigger_source, status, processed, cost_calculated,
			failed_warehouses_json, error, started_at, completed_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			status = excluded.status,
			processed = excluded.processed,
			cost_calculated = excluded.cost_calculated,
			failed_warehouses_json = excluded.failed_warehouses_json,
			error = excluded.error,
			completed_at = excluded.completed_at`,
		run.ID, run.WeekEndingDate.String(), string(run.Trigger), string(run.Status),
		run.Processed, run.CostCalculated, string(failed), run.Error,
		formatTime(run.StartedAt), completedAt,
	)
	return err
}

func (qs *queries) ListRuns(ctx context.Context, limit int) ([]storage.SnapshotRun, error) {
	if limit <= 0 {
		limit = -1
	}
	rows, err := qs.q.QueryContext(ctx, `
		SELECT id, week_ending_date, trigger_source, status, processed, cost_calculated,
			failed_warehouses_json, error, started_at, completed_at
		FROM snapshot_runs
		ORDER BY started_at DESC
		LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var runs []storage.SnapshotRun
	for rows.Next() {
		var (
			r                     storage.SnapshotRun
			week, trigger, status string
			failed, completedAt   sql.NullString
			startedAt             string
		)
		if err := rows.Scan(&r.ID, &week, &trigger, &status, &r.Processed, &r.CostCalculated,
			&failed, &r.Error, &startedAt, &completedAt); err != nil {
			return nil, err
		}
		if r.WeekEndingDate, err = ledger.ParseDate(week); err != nil {
			return nil, err
		}
		r.Trigger = storage.RunTrigger(trigger)
		r.Status = storage.RunStatus(status)
		if failed.Valid && failed.String != "" && failed.String != "null" {
			if err := json.Unmarshal([]byte(failed.String), &r.FailedWarehouses); err != nil {
				return nil, fmt.Errorf("run %s failed warehouses: %w", r.ID, err)
			}
		}
		r.StartedAt, _ = time.Parse(timeLayout, startedAt)
		if completedAt.Valid {
			t, _ := time.Parse(timeLayout, completedAt.String)
			r.CompletedAt = &t
		}
		runs = append(runs, r)
	}
	return runs, rows.Err()
}

// IsWeekComplete checks if a snapshot run already completed the week.
func (qs *queries) IsWeekComplete(ctx context.Context, weekEnding ledger.Date) (bool, error) {
	var count int
	err := qs.q.QueryRowContext(ctx,
		"SELECT COUNT(*) FROM snapshot_runs WHERE week_ending_date = ? AND status = ?",
		ledger.WeekOf(weekEnding).End.String(), string(storage.RunCompleted),
	).Scan(&count)
	if err != nil {
		return false, err
	}
	return count > 0, nil
}

// =============================================================================
// PRODUCER - Warehouses, SKUs, transactions, purchase orders
// =============================================================================

func (qs *queries) SaveWarehouse(ctx context.Context, w storage.Warehouse) error {
	if w.Code == "" {
		return &ledger.ValidationError{Field: "code", Message: "required"}
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO warehouses (id, code, name) VALUES (?, ?, ?)
		ON CONFLICT(code) DO UPDATE SET name = excluded.name`,
		w.ID, w.Code, w.Name)
	return err
}

func (qs *queries) SaveSKU(ctx context.Context, s storage.SKU) error {
	if s.Code == "" {
		return &ledger.ValidationError{Field: "code", Message: "required"}
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO skus (code, description) VALUES (?, ?)
		ON CONFLICT(code) DO UPDATE SET description = excluded.description`,
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

	res, err := qs.q.ExecContext(ctx, `
		INSERT INTO inventory_transactions (id, warehouse_code, sku_code, batch_lot, transaction_type,
			transaction_date, cartons_in, cartons_out, units_per_carton, storage_pallets_in,
			shipping_pallets_out, storage_cartons_per_pallet, shipping_cartons_per_pallet,
			purchase_order_id, purchase_order_line_id, reference_id, created_by, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)`,
		string(tx.ID), tx.WarehouseCode, tx.SKUCode, tx.BatchLot, string(tx.Type),
		tx.Date.String(), tx.CartonsIn, tx.CartonsOut, nullInt(tx.UnitsPerCarton), tx.StoragePalletsIn,
		tx.ShippingPalletsOut, nullInt(tx.StorageCartonsPerPallet), nullInt(tx.ShippingCartonsPerPallet),
		nullStr(tx.PurchaseOrderID), nullStr(tx.PurchaseOrderLineID), tx.ReferenceID, tx.CreatedBy,
		formatTime(qs.now()),
	)
	if err != nil {
		if isUniqueConstraintError(err) {
			return ledger.Transaction{}, &ledger.ValidationError{Field: "id", Message: "transaction " + string(tx.ID) + " already exists"}
		}
		return ledger.Transaction{}, fmt.Errorf("failed to insert transaction: %w", err)
	}
	if tx.Seq, err = res.LastInsertId(); err != nil {
		return ledger.Transaction{}, err
	}
	return tx, nil
}

func (qs *queries) SetPurchaseOrderStatus(ctx context.Context, id string, status ledger.PurchaseOrderStatus) error {
	switch status {
	case ledger.POActive, ledger.POClosed, ledger.POCancelled:
	default:
		return &ledger.ValidationError{Field: "status", Message: "must be ACTIVE, CLOSED or CANCELLED"}
	}
	_, err := qs.q.ExecContext(ctx, `
		INSERT INTO purchase_orders (id, status, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET status = excluded.status, updated_at = excluded.updated_at`,
		id, string(status), formatTime(qs.now()))
	return err
}

func (qs *queries) PurgeTransaction(ctx context.Context, id ledger.TransactionID) (int, error) {
	tx, err := scanTransaction(qs.q.QueryRowContext(ctx,
		"SELECT "+transactionColumns+" FROM inventory_transactions WHERE id = ?", string(id)))
	if errors.Is(err, sql.ErrNoRows) {
		return 0, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	if err != nil {
		return 0, err
	}

	if _, err := qs.q.ExecContext(ctx, "DELETE FROM inventory_transactions WHERE id = ?", string(id)); err != nil {
		return 0, err
	}
	res, err := qs.q.ExecContext(ctx, `
		DELETE FROM storage_ledger_entries
		WHERE warehouse_code = ? AND sku_code = ? AND batch_lot = ? AND week_ending_date >= ?`,
		tx.WarehouseCode, tx.SKUCode, tx.BatchLot, ledger.WeekOf(tx.Date).End.String())
	if err != nil {
		return 0, err
	}
	removed, _ := res.RowsAffected()
	return int(removed), nil
}

// Helper functions

func whereClause(conds []string) string {
	if len(conds) == 0 {
		return ""
	}
	return " WHERE " + strings.Join(conds, " AND ")
}

func placeholders(n int) string {
	return strings.TrimSuffix(strings.Repeat("?,", n), ",")
}

func stringArgs(ss []string) []any {
	args := make([]any, len(ss))
	for i, s := range ss {
		args[i] = s
	}
	return args
}

func formatTime(t time.Time) string {
	return t.UTC().Format(timeLayout)
}

func nullInt(v *int64) sql.NullInt64 {
	if v == nil {
		return sql.NullInt64{}
	}
	return sql.NullInt64{Int64: *v, Valid: true}
}

func nullStr(v *string) sql.NullString {
	if v == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: *v, Valid: true}
}

func nullDate(d *ledger.Date) sql.NullString {
	if d == nil {
		return sql.NullString{}
	}
	return sql.NullString{String: d.String(), Valid: true}
}

func fromNullInt(v sql.NullInt64) *int64 {
	if !v.Valid {
		return nil
	}
	n := v.Int64
	return &n
}

func fromNullString(v sql.NullString) *string {
	if !v.Valid {
		return nil
	}
	s := v.String
	return &s
}

func parseNullDate(v sql.NullString) (*ledger.Date, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := ledger.ParseDate(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func parseNullDecimal(v sql.NullString) (*decimal.Decimal, error) {
	if !v.Valid {
		return nil, nil
	}
	d, err := decimal.NewFromString(v.String)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func boolToInt(b bool) int {
	if b {
		return 1
	}
	return 0
}

func isUniqueConstraintError(err error) bool {
	var sqliteErr sqlite3.Error
	if errors.As(err, &sqliteErr) {
		return sqliteErr.ExtendedCode == sqlite3.ErrConstraintUnique ||
			sqliteErr.ExtendedCode == sqlite3.ErrConstraintPrimaryKey
	}
	return false
}
