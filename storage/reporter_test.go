package storage_test

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// =============================================================================
// BALANCE TESTS
// =============================================================================

func TestBalances_ExcludeCancelledPurchaseOrders(t *testing.T) {
	// GIVEN: One kept receipt and one on a cancelled purchase order
	f := newFixture(t)
	f.receive("WH1", "SKU-A", "B1", "2025-01-06", 10)
	f.receiveForPO("WH1", "SKU-A", "B1", "2025-01-07", 90, "PO-9")
	require.NoError(t, f.mem.SetPurchaseOrderStatus(f.ctx, "PO-9", ledger.POCancelled))

	// WHEN: Reading balances
	balances, err := f.engine.Reports.Balances(f.ctx, storage.BalanceScope{WarehouseCode: "WH1"})

	// THEN: Only the kept receipt counts
	require.NoError(t, err)
	require.Len(t, balances, 1)
	assert.Equal(t, int64(10), balances[0].CurrentCartons)
}

func TestBalances_AsOfAndZeroStock(t *testing.T) {
	f := newFixture(t)
	f.receive("WH1", "SKU-A", "B1", "2025-01-06", 10)
	f.ship("WH1", "SKU-A", "B1", "2025-01-08", 10)

	asOf := date("2025-01-07")
	before, err := f.engine.Reports.Balances(f.ctx, storage.BalanceScope{AsOf: &asOf})
	require.NoError(t, err)
	require.Len(t, before, 1)
	assert.Equal(t, int64(10), before[0].CurrentCartons)

	now, err := f.engine.Reports.Balances(f.ctx, storage.BalanceScope{})
	require.NoError(t, err)
	assert.Empty(t, now)

	withZero, err := f.engine.Reports.Balances(f.ctx, storage.BalanceScope{IncludeZeroStock: true})
	require.NoError(t, err)
	assert.Len(t, withZero, 1)
}

func TestBalances_UnknownWarehouse(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Reports.Balances(f.ctx, storage.BalanceScope{WarehouseCode: "NOPE"})

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

// =============================================================================
// STORAGE LEDGER READ TESTS
// =============================================================================

func TestStorageLedger_HidesEntriesOfLaterCancelledOrders(t *testing.T) {
	// GIVEN: An entry built while its purchase order was active
	f := newFixture(t)
	f.receiveForPO("WH1", "SKU-A", "B1", "2025-01-06", 50, "PO-1")
	f.receive("WH1", "SKU-B", "B2", "2025-01-06", 5)
	f.ensure("2025-01-12", false)
	require.NotNil(t, f.entry("WH1", "SKU-A", "B1", "2025-01-12"))

	// WHEN: The order is cancelled afterwards
	require.NoError(t, f.mem.SetPurchaseOrderStatus(f.ctx, "PO-1", ledger.POCancelled))
	page, err := f.engine.Reports.StorageLedger(f.ctx, storage.LedgerQuery{})

	// THEN: The entry still exists but is filtered from reads
	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "SKU-B", page.Entries[0].SKUCode)
	assert.NotNil(t, f.entry("WH1", "SKU-A", "B1", "2025-01-12"))
}

func TestStorageLedger_BatchWithKeptTransactionsStaysVisible(t *testing.T) {
	// GIVEN: A batch with one kept and one cancelled receipt
	f := newFixture(t)
	f.receive("WH1", "SKU-A", "B1", "2025-01-06", 5)
	f.receiveForPO("WH1", "SKU-A", "B1", "2025-01-07", 50, "PO-1")
	f.ensure("2025-01-12", false)
	require.NoError(t, f.mem.SetPurchaseOrderStatus(f.ctx, "PO-1", ledger.POCancelled))

	page, err := f.engine.Reports.StorageLedger(f.ctx, storage.LedgerQuery{})

	require.NoError(t, err)
	assert.Equal(t, 1, page.Total)
}

func TestStorageLedger_PaginationAndSummary(t *testing.T) {
	// GIVEN: Three weeks of one batch, the first two priced
	f := newFixture(t)
	f.createRate("WH1", "1.00", "2025-01-01", storage.WriteOptions{})
	f.receive("WH1", "SKU-A", "B1", "2025-01-06", 7)
	f.ensure("2025-01-12", true)
	f.ensure("2025-01-19", true)
	f.ensure("2025-01-26", false)

	// WHEN: Reading page two with a page size of two
	page, err := f.engine.Reports.StorageLedger(f.ctx, storage.LedgerQuery{Limit: 2, Offset: 2, WithSummary: true})

	// THEN: The last week is returned, the summary covers all three
	require.NoError(t, err)
	assert.Equal(t, 3, page.Total)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, date("2025-01-26"), page.Entries[0].WeekEndingDate)

	require.NotNil(t, page.Summary)
	assert.Equal(t, 3, page.Summary.Entries)
	assert.Equal(t, int64(21), page.Summary.TotalClosing)
	assert.Equal(t, "14.00", page.Summary.TotalCost.StringFixed(2))
	assert.Equal(t, 2, page.Summary.CostCalculated)
	assert.Equal(t, 1, page.Summary.Uncosted)
}

func TestStorageLedger_Filters(t *testing.T) {
	f := newFixture(t, "WH1", "WH2")
	f.receive("WH1", "SKU-A", "B1", "2025-01-06", 1)
	f.receive("WH2", "SKU-B", "B2", "2025-01-06", 1)
	f.ensure("2025-01-12", false)
	f.ensure("2025-01-19", false)

	from := date("2025-01-13")
	page, err := f.engine.Reports.StorageLedger(f.ctx, storage.LedgerQuery{
		Filter: storage.EntryFilter{WarehouseCode: "WH2", WeekFrom: &from},
	})

	require.NoError(t, err)
	require.Len(t, page.Entries, 1)
	assert.Equal(t, "WH2", page.Entries[0].WarehouseCode)
	assert.Equal(t, date("2025-01-19"), page.Entries[0].WeekEndingDate)
}

func TestStorageLedger_NegativeOffsetRejected(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Reports.StorageLedger(f.ctx, storage.LedgerQuery{Offset: -1})

	assert.ErrorIs(t, err, ledger.ErrValidation)
}
