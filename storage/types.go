/*
Package storage turns the inventory ledger into a priced weekly storage ledger.

PURPOSE:
  The ledger package answers "what is on hand?". This package answers
  "what did it cost to store it, week by week?". It owns the lifecycle of
  storage ledger entries, resolves versioned cost rates, and prices entries.

COMPONENTS:
  SnapshotGenerator: one entry per (warehouse, SKU, batch, week ending date)
  RateService:       cost rate resolution and admin writes
  CostCalculator:    first-pass pricing and correction recalculation
  Reporter:          balances and the filtered storage ledger read path

OWNERSHIP:
  - Entries exist because the SnapshotGenerator made them
  - Cost fields on entries belong to the CostCalculator
  - Nothing here mutates inventory transactions

SEE ALSO:
  - store.go: Persistence interfaces
  - ledger/aggregate.go: The replay engine used for every balance
*/
package storage

import (
	"time"

	"github.com/shopspring/decimal"
	"github.com/warp/storage-ledger/ledger"
)

// CategoryStorage is the cost category used to price storage entries.
const CategoryStorage = "storage"

// MoneyScale is the number of decimal places kept on costs.
const MoneyScale = 2

// =============================================================================
// DIRECTORY RECORDS - Owned by external collaborators
// =============================================================================

type Warehouse struct {
	ID   string
	Code string
	Name string
}

type SKU struct {
	Code        string
	Description string
}

// =============================================================================
// STORAGE LEDGER ENTRY - Weekly snapshot of one batch
// =============================================================================

// EntryKey is the uniqueness key of a storage ledger entry.
type EntryKey struct {
	WarehouseCode  string
	SKUCode        string
	BatchLot       string
	WeekEndingDate ledger.Date
}

func (k EntryKey) BatchKey() ledger.BatchKey {
	return ledger.BatchKey{WarehouseCode: k.WarehouseCode, SKUCode: k.SKUCode, BatchLot: k.BatchLot}
}

type Entry struct {
	ID             string
	WarehouseCode  string
	WarehouseName  string
	SKUCode        string
	SKUDescription string
	BatchLot       string
	WeekEndingDate ledger.Date

	ClosingBalance int64
	AverageBalance decimal.Decimal

	// Cost fields: all nil with IsCostCalculated=false is a valid state.
	StorageRatePerCarton *decimal.Decimal
	TotalStorageCost     *decimal.Decimal
	IsCostCalculated     bool
	RateEffectiveDate    *ledger.Date
	CostRateID           *string

	CreatedAt time.Time
	UpdatedAt time.Time
}

func (e Entry) Key() EntryKey {
	return EntryKey{
		WarehouseCode:  e.WarehouseCode,
		SKUCode:        e.SKUCode,
		BatchLot:       e.BatchLot,
		WeekEndingDate: e.WeekEndingDate,
	}
}

// SameSnapshot reports whether the snapshot-owned fields match.
func (e Entry) SameSnapshot(o Entry) bool {
	return e.ClosingBalance == o.ClosingBalance &&
		e.AverageBalance.Equal(o.AverageBalance) &&
		e.WarehouseName == o.WarehouseName &&
		e.SKUDescription == o.SKUDescription
}

// EntryCost is the cost-bearing part of an entry, written by the calculator.
type EntryCost struct {
	RatePerCarton     decimal.Decimal
	TotalCost         decimal.Decimal
	RateEffectiveDate ledger.Date
	CostRateID        string
}

// UpsertOutcome tells the caller what an upsert did.
type UpsertOutcome int

const (
	UpsertUnchanged UpsertOutcome = iota
	UpsertCreated
	UpsertUpdated
)

// EntryFilter selects entries. Zero values mean "any".
type EntryFilter struct {
	WarehouseCode  string
	SKUCode        string
	BatchLot       string
	WeekEndingDate *ledger.Date
	WeekFrom       *ledger.Date
	WeekTo         *ledger.Date
	CostRateID     string
	CostCalculated *bool
}

// Matches applies the filter in memory. Stores use it where SQL is not involved.
func (f EntryFilter) Matches(e Entry) bool {
	switch {
	case f.WarehouseCode != "" && e.WarehouseCode != f.WarehouseCode:
		return false
	case f.SKUCode != "" && e.SKUCode != f.SKUCode:
		return false
	case f.BatchLot != "" && e.BatchLot != f.BatchLot:
		return false
	case f.WeekEndingDate != nil && !e.WeekEndingDate.Equal(*f.WeekEndingDate):
		return false
	case f.WeekFrom != nil && e.WeekEndingDate.Before(*f.WeekFrom):
		return false
	case f.WeekTo != nil && e.WeekEndingDate.After(*f.WeekTo):
		return false
	case f.CostRateID != "" && (e.CostRateID == nil || *e.CostRateID != f.CostRateID):
		return false
	case f.CostCalculated != nil && e.IsCostCalculated != *f.CostCalculated:
		return false
	}
	return true
}

// =============================================================================
// COST RATE - Versioned, time-bounded price
// =============================================================================

// CostRate applies on the half-open window [EffectiveDate, EndDate).
type CostRate struct {
	ID            string
	WarehouseID   string
	CostCategory  string
	CostName      string
	CostValue     decimal.Decimal
	UnitOfMeasure string
	EffectiveDate ledger.Date
	EndDate       *ledger.Date
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Covers reports whether the rate is in effect on d.
func (r CostRate) Covers(d ledger.Date) bool {
	if d.Before(r.EffectiveDate) {
		return false
	}
	return r.EndDate == nil || d.Before(*r.EndDate)
}

// Overlaps reports whether two windows share at least one day.
func (r CostRate) Overlaps(o CostRate) bool {
	// a.start < b.end && b.start < a.end, with nil end meaning +inf.
	aBeforeBEnd := o.EndDate == nil || r.EffectiveDate.Before(*o.EndDate)
	bBeforeAEnd := r.EndDate == nil || o.EffectiveDate.Before(*r.EndDate)
	return aBeforeBEnd && bBeforeAEnd && !r.empty() && !o.empty()
}

func (r CostRate) empty() bool {
	return r.EndDate != nil && !r.EffectiveDate.Before(*r.EndDate)
}

// =============================================================================
// SNAPSHOT RUN - Audit record of a generator invocation
// =============================================================================

type RunStatus string

const (
	RunRunning   RunStatus = "running"
	RunCompleted RunStatus = "completed"
	RunPartial   RunStatus = "partial"
	RunFailed    RunStatus = "failed"
)

type RunTrigger string

const (
	TriggerSchedule RunTrigger = "schedule"
	TriggerAdmin    RunTrigger = "admin"
)

type SnapshotRun struct {
	ID               string
	WeekEndingDate   ledger.Date
	Trigger          RunTrigger
	Status           RunStatus
	Processed        int
	CostCalculated   int
	FailedWarehouses []string
	Error            string
	StartedAt        time.Time
	CompletedAt      *time.Time
}
