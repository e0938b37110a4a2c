/*
store.go - Persistence interfaces for the storage ledger engine

KEY INTERFACES:
  TransactionFeed: Read-only view of the inventory transaction log
  Directory:       Warehouse and SKU lookups
  EntryStore:      Storage ledger entries (upsert by unique key)
  RateStore:       Cost rates
  RunLog:          Snapshot run audit records
  Store:           All of the above plus WithTx
  Producer:        Write side of the collaborators (used by admin glue only)

TRANSACTIONS:
  WithTx runs fn against a Store bound to one database transaction. The
  snapshot generator opens one per warehouse, so a failure or timeout in one
  warehouse rolls back only that warehouse's rows.

UNIQUENESS:
  Implementations MUST enforce (warehouse_code, sku_code, batch_lot,
  week_ending_date) as a unique constraint, and UpsertEntry MUST turn an
  "already exists" race into an update.

IMPLEMENTATIONS:
  - store/sqlite: default
  - store/postgres: pgx pool
  - storage/memstore: tests
*/
package storage

import (
	"context"

	"github.com/warp/storage-ledger/ledger"
)

// TransactionQuery scopes a transaction fetch. Empty strings mean "any".
type TransactionQuery struct {
	WarehouseCode string
	SKUCode       string
	BatchLot      string
	From          *ledger.Date
	To            *ledger.Date
}

type TransactionFeed interface {
	// Transactions returns matching transactions ordered by (date, seq).
	Transactions(ctx context.Context, q TransactionQuery) ([]ledger.Transaction, error)

	// PurchaseOrderStatuses returns the current status of each known id.
	// Unknown ids are absent from the map.
	PurchaseOrderStatuses(ctx context.Context, ids []string) (map[string]ledger.PurchaseOrderStatus, error)
}

type Directory interface {
	ListWarehouses(ctx context.Context) ([]Warehouse, error)
	// GetWarehouse returns nil, nil when the code is unknown.
	GetWarehouse(ctx context.Context, code string) (*Warehouse, error)
	// GetWarehouseByID returns nil, nil when the id is unknown.
	GetWarehouseByID(ctx context.Context, id string) (*Warehouse, error)
	SKUDescriptions(ctx context.Context, codes []string) (map[string]string, error)
}

type EntryStore interface {
	// GetEntry returns nil, nil when no entry has the key.
	GetEntry(ctx context.Context, key EntryKey) (*Entry, error)

	// UpsertEntry writes the snapshot fields of e. Cost fields of an
	// existing row are never touched here.
	UpsertEntry(ctx context.Context, e Entry) (UpsertOutcome, error)

	// ListEntries returns entries ordered by (week, warehouse, sku, batch).
	ListEntries(ctx context.Context, f EntryFilter) ([]Entry, error)

	// SaveEntryCost sets the cost fields and marks the entry calculated.
	SaveEntryCost(ctx context.Context, entryID string, c EntryCost) error

	// ClearEntryCost nulls the cost fields and marks the entry uncalculated.
	ClearEntryCost(ctx context.Context, entryID string) error
}

type RateStore interface {
	// ListRates returns rates for warehouse+category (both optional),
	// ordered by effective date then creation time.
	ListRates(ctx context.Context, warehouseID, category string) ([]CostRate, error)

	// GetRate returns nil, nil when the id is unknown.
	GetRate(ctx context.Context, id string) (*CostRate, error)

	// SaveRate inserts or replaces a rate by id.
	SaveRate(ctx context.Context, r CostRate) error

	// DeleteRate nulls cost_rate_id on citing entries, then removes the rate.
	// Returns the number of entries detached.
	DeleteRate(ctx context.Context, id string) (int, error)
}

type RunLog interface {
	SaveRun(ctx context.Context, run SnapshotRun) error
	ListRuns(ctx context.Context, limit int) ([]SnapshotRun, error)
	// IsWeekComplete reports a completed run without failures for the week.
	IsWeekComplete(ctx context.Context, weekEnding ledger.Date) (bool, error)
}

// Store is everything the engine reads and writes.
type Store interface {
	TransactionFeed
	Directory
	EntryStore
	RateStore
	RunLog

	// WithTx executes fn within a transaction; fn's error rolls it back.
	WithTx(ctx context.Context, fn func(Store) error) error
}

// Producer is the write side of the external collaborators. The engine
// itself never calls it; admin glue and tests do.
type Producer interface {
	SaveWarehouse(ctx context.Context, w Warehouse) error
	SaveSKU(ctx context.Context, s SKU) error

	// AppendTransaction stores a validated transaction and assigns Seq.
	AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error)

	SetPurchaseOrderStatus(ctx context.Context, id string, status ledger.PurchaseOrderStatus) error

	// PurgeTransaction is the maintenance delete: it removes the transaction
	// and every entry of its batch from the transaction's week onward.
	// Returns the number of entries removed.
	PurgeTransaction(ctx context.Context, id ledger.TransactionID) (int, error)
}
