/*
Package ledger provides the inventory transaction ledger and its replay engine.

PURPOSE:
  This package holds the immutable inventory facts (receive, ship, adjust)
  and the pure functions that replay them into stock balances. It performs
  no I/O: callers fetch transactions, hand them over, and get balances back.

KEY CONCEPTS IN THIS FILE (types.go):
  - Transaction: An immutable inventory movement for one batch in one warehouse
  - BatchKey: (warehouse, SKU, batch/lot) - the unit balances are tracked at
  - Balance: Derived stock position of one batch, never a source of truth
  - PurchaseOrderStatus: Current state of a linked purchase order

DESIGN PRINCIPLES:
  1. Immutability: Transactions are never edited; corrections are new transactions
  2. Determinism: Same transactions in, same balances out (no clock, no randomness)
  3. Typed fields: Optional attributes are typed pointers, never free-form maps

USAGE:
  balances, err := ledger.Aggregate(txs, ledger.Options{
      IncludeZeroStock: false,
      Exclude:          ledger.CancelledPurchaseOrders(statuses),
  })

SEE ALSO:
  - aggregate.go: Replay of transactions into balances
  - average.go: Time-weighted weekly averages
  - calendar.go: Date and Week types
*/
package ledger

import (
	"github.com/shopspring/decimal"
)

// =============================================================================
// TRANSACTION - Immutable inventory movement
// =============================================================================

type TransactionType string

const (
	TxReceive TransactionType = "RECEIVE"
	TxShip    TransactionType = "SHIP"
	TxAdjust  TransactionType = "ADJUST"
)

func (t TransactionType) Valid() bool {
	switch t {
	case TxReceive, TxShip, TxAdjust:
		return true
	}
	return false
}

type TransactionID string

// Transaction is one inventory movement. Quantities are carried as separate
// in/out columns; at most one side is non-zero on a well-formed record.
type Transaction struct {
	ID            TransactionID
	Seq           int64 // creation order, breaks ties between same-day transactions
	WarehouseCode string
	SKUCode       string
	BatchLot      string
	Type          TransactionType
	Date          Date

	CartonsIn          int64
	CartonsOut         int64
	UnitsPerCarton     *int64
	StoragePalletsIn   int64
	ShippingPalletsOut int64

	// Pallet configuration, only honoured on RECEIVE.
	StorageCartonsPerPallet  *int64
	ShippingCartonsPerPallet *int64

	PurchaseOrderID     *string
	PurchaseOrderLineID *string

	ReferenceID string
	CreatedBy   string
}

// Key returns the batch this transaction moves.
func (tx Transaction) Key() BatchKey {
	return BatchKey{WarehouseCode: tx.WarehouseCode, SKUCode: tx.SKUCode, BatchLot: tx.BatchLot}
}

// NetCartons is cartonsIn - cartonsOut.
func (tx Transaction) NetCartons() int64 {
	return tx.CartonsIn - tx.CartonsOut
}

// Validate rejects malformed records. It is applied by producers before a
// transaction is stored; Aggregate never corrects bad input.
func (tx Transaction) Validate() error {
	switch {
	case tx.WarehouseCode == "":
		return &ValidationError{Field: "warehouse_code", Message: "required"}
	case tx.SKUCode == "":
		return &ValidationError{Field: "sku_code", Message: "required"}
	case tx.BatchLot == "":
		return &ValidationError{Field: "batch_lot", Message: "required"}
	case !tx.Type.Valid():
		return &ValidationError{Field: "transaction_type", Message: "must be RECEIVE, SHIP or ADJUST"}
	case tx.Date.IsZero():
		return &ValidationError{Field: "transaction_date", Message: "required"}
	case tx.CartonsIn < 0 || tx.CartonsOut < 0:
		return &ValidationError{Field: "cartons", Message: "must not be negative"}
	case tx.CartonsIn > 0 && tx.CartonsOut > 0:
		return &ValidationError{Field: "cartons", Message: "cartons_in and cartons_out cannot both be set"}
	case tx.StoragePalletsIn < 0 || tx.ShippingPalletsOut < 0:
		return &ValidationError{Field: "pallets", Message: "must not be negative"}
	case tx.Type == TxReceive && tx.CartonsOut > 0:
		return &ValidationError{Field: "cartons_out", Message: "RECEIVE cannot ship cartons"}
	case tx.Type == TxShip && tx.CartonsIn > 0:
		return &ValidationError{Field: "cartons_in", Message: "SHIP cannot receive cartons"}
	}
	if tx.UnitsPerCarton != nil && *tx.UnitsPerCarton <= 0 {
		return &ValidationError{Field: "units_per_carton", Message: "must be positive"}
	}
	if tx.StorageCartonsPerPallet != nil && *tx.StorageCartonsPerPallet <= 0 {
		return &ValidationError{Field: "storage_cartons_per_pallet", Message: "must be positive"}
	}
	if tx.ShippingCartonsPerPallet != nil && *tx.ShippingCartonsPerPallet <= 0 {
		return &ValidationError{Field: "shipping_cartons_per_pallet", Message: "must be positive"}
	}
	return nil
}

// =============================================================================
// PURCHASE ORDER STATUS - Owned by the purchasing collaborator
// =============================================================================

type PurchaseOrderStatus string

const (
	POActive    PurchaseOrderStatus = "ACTIVE"
	POClosed    PurchaseOrderStatus = "CLOSED"
	POCancelled PurchaseOrderStatus = "CANCELLED"
)

// =============================================================================
// BALANCE - Derived stock position of one batch
// =============================================================================

// BatchKey identifies a batch inside a warehouse.
type BatchKey struct {
	WarehouseCode string
	SKUCode       string
	BatchLot      string
}

func (k BatchKey) String() string {
	return k.WarehouseCode + "/" + k.SKUCode + "/" + k.BatchLot
}

func (k BatchKey) less(o BatchKey) bool {
	if k.WarehouseCode != o.WarehouseCode {
		return k.WarehouseCode < o.WarehouseCode
	}
	if k.SKUCode != o.SKUCode {
		return k.SKUCode < o.SKUCode
	}
	return k.BatchLot < o.BatchLot
}

// Balance is computed by replay. It is never persisted as the source of truth.
type Balance struct {
	WarehouseCode string
	SKUCode       string
	BatchLot      string

	CurrentCartons int64
	CurrentUnits   int64
	CurrentPallets int64

	// Sticky: set by RECEIVE, never cleared by SHIP/ADJUST.
	StorageCartonsPerPallet  *int64
	ShippingCartonsPerPallet *int64

	UnitsPerCarton      *int64
	FirstReceiveDate    *Date
	LastTransactionDate Date
}

func (b Balance) Key() BatchKey {
	return BatchKey{WarehouseCode: b.WarehouseCode, SKUCode: b.SKUCode, BatchLot: b.BatchLot}
}

// CartonsDecimal is the carton balance as a decimal, for averaging and pricing.
func (b Balance) CartonsDecimal() decimal.Decimal {
	return decimal.NewFromInt(b.CurrentCartons)
}
