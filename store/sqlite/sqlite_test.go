package sqlite_test

import (
	"context"
	"errors"
	"io"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
	"github.com/warp/storage-ledger/store/sqlite"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func newStore(t *testing.T) *sqlite.Store {
	t.Helper()
	s, err := sqlite.New(":memory:")
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })
	return s
}

func seed(t *testing.T, s *sqlite.Store) string {
	t.Helper()
	ctx := context.Background()
	require.NoError(t, s.SaveWarehouse(ctx, storage.Warehouse{Code: "WH1", Name: "Main"}))
	require.NoError(t, s.SaveSKU(ctx, storage.SKU{Code: "SKU-A", Description: "Widget A"}))
	wh, err := s.GetWarehouse(ctx, "WH1")
	require.NoError(t, err)
	require.NotNil(t, wh)
	return wh.ID
}

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func i64(v int64) *int64 { return &v }
func str(s string) *string { return &s }

func date(s string) ledger.Date { return ledger.MustParseDate(s) }

func entry(week string, closing int64, avg string) storage.Entry {
	return storage.Entry{
		WarehouseCode:  "WH1",
		WarehouseName:  "Main",
		SKUCode:        "SKU-A",
		SKUDescription: "Widget A",
		BatchLot:       "B1",
		WeekEndingDate: date(week),
		ClosingBalance: closing,
		AverageBalance: decimal.RequireFromString(avg),
	}
}

// =============================================================================
// TRANSACTION FEED TESTS
// =============================================================================

func TestTransactions_RoundTripAndOrder(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	// GIVEN: Two same-day transactions inserted out of date order with a third
	later, err := s.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode: "WH1", SKUCode: "SKU-A", BatchLot: "B1",
		Type: ledger.TxShip, Date: date("2025-01-08"), CartonsOut: 5,
	})
	require.NoError(t, err)
	first, err := s.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode: "WH1", SKUCode: "SKU-A", BatchLot: "B1",
		Type: ledger.TxReceive, Date: date("2025-01-06"), CartonsIn: 50,
		UnitsPerCarton: i64(12), StorageCartonsPerPallet: i64(25),
		PurchaseOrderID: str("PO-1"), ReferenceID: "GRN-7",
	})
	require.NoError(t, err)
	second, err := s.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode: "WH1", SKUCode: "SKU-A", BatchLot: "B1",
		Type: ledger.TxAdjust, Date: date("2025-01-06"), CartonsIn: 1,
	})
	require.NoError(t, err)
	assert.Greater(t, second.Seq, first.Seq)

	// WHEN: Reading the feed
	txs, err := s.Transactions(ctx, storage.TransactionQuery{WarehouseCode: "WH1"})

	// THEN: Ordered by (date, seq) with optional fields intact
	require.NoError(t, err)
	require.Len(t, txs, 3)
	assert.Equal(t, first.ID, txs[0].ID)
	assert.Equal(t, second.ID, txs[1].ID)
	assert.Equal(t, later.ID, txs[2].ID)
	require.NotNil(t, txs[0].UnitsPerCarton)
	assert.Equal(t, int64(12), *txs[0].UnitsPerCarton)
	assert.Equal(t, int64(25), *txs[0].StorageCartonsPerPallet)
	assert.Nil(t, txs[0].ShippingCartonsPerPallet)
	assert.Equal(t, "PO-1", *txs[0].PurchaseOrderID)
	assert.Equal(t, "GRN-7", txs[0].ReferenceID)

	to := date("2025-01-07")
	upTo, err := s.Transactions(ctx, storage.TransactionQuery{To: &to})
	require.NoError(t, err)
	assert.Len(t, upTo, 2)
}

func TestAppendTransaction_Rejections(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.AppendTransaction(ctx, ledger.Transaction{WarehouseCode: "WH1", SKUCode: "SKU-A", Type: ledger.TxReceive, Date: date("2025-01-06")})
	assert.ErrorIs(t, err, ledger.ErrValidation)

	_, err = s.AppendTransaction(ctx, ledger.Transaction{WarehouseCode: "NOPE", SKUCode: "SKU-A", BatchLot: "B1", Type: ledger.TxReceive, Date: date("2025-01-06")})
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestPurchaseOrderStatuses(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	require.NoError(t, s.SetPurchaseOrderStatus(ctx, "PO-1", ledger.POActive))
	require.NoError(t, s.SetPurchaseOrderStatus(ctx, "PO-1", ledger.POCancelled))
	require.NoError(t, s.SetPurchaseOrderStatus(ctx, "PO-2", ledger.POClosed))

	got, err := s.PurchaseOrderStatuses(ctx, []string{"PO-1", "PO-2", "PO-3"})

	require.NoError(t, err)
	assert.Equal(t, map[string]ledger.PurchaseOrderStatus{"PO-1": ledger.POCancelled, "PO-2": ledger.POClosed}, got)
	assert.ErrorIs(t, s.SetPurchaseOrderStatus(ctx, "PO-1", "LOST"), ledger.ErrValidation)
}

// =============================================================================
// ENTRY TESTS
// =============================================================================

func TestUpsertEntry_Outcomes(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	out, err := s.UpsertEntry(ctx, entry("2025-01-12", 70, "82.8571"))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertCreated, out)

	out, err = s.UpsertEntry(ctx, entry("2025-01-12", 70, "82.8571"))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUnchanged, out)

	// Mid-week dates normalise to the same row
	out, err = s.UpsertEntry(ctx, entry("2025-01-09", 60, "80"))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUpdated, out)

	all, err := s.ListEntries(ctx, storage.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, all, 1)
	assert.Equal(t, int64(60), all[0].ClosingBalance)
	assert.Equal(t, date("2025-01-12"), all[0].WeekEndingDate)
}

func TestUpsertEntry_PreservesCost(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	_, err := s.UpsertEntry(ctx, entry("2025-01-12", 10, "10"))
	require.NoError(t, err)
	e, err := s.GetEntry(ctx, entry("2025-01-12", 0, "0").Key())
	require.NoError(t, err)
	require.NoError(t, s.SaveEntryCost(ctx, e.ID, storage.EntryCost{
		RatePerCarton:     decimal.RequireFromString("0.5"),
		TotalCost:         decimal.RequireFromString("5"),
		RateEffectiveDate: date("2025-01-01"),
		CostRateID:        "rate-1",
	}))

	_, err = s.UpsertEntry(ctx, entry("2025-01-12", 12, "11"))
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, e.Key())
	require.NoError(t, err)
	assert.Equal(t, int64(12), got.ClosingBalance)
	assert.True(t, got.IsCostCalculated)
	assert.Equal(t, "5.00", got.TotalStorageCost.StringFixed(2))
	assert.Equal(t, "rate-1", *got.CostRateID)
	assert.Equal(t, date("2025-01-01"), *got.RateEffectiveDate)
}

func TestSaveEntryCost_UnknownEntry(t *testing.T) {
	s := newStore(t)

	err := s.SaveEntryCost(context.Background(), "missing", storage.EntryCost{})

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestClearEntryCost(t *testing.T) {
	// GIVEN: A priced entry
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	_, err := s.UpsertEntry(ctx, entry("2025-01-12", 10, "10"))
	require.NoError(t, err)
	e, err := s.GetEntry(ctx, entry("2025-01-12", 0, "0").Key())
	require.NoError(t, err)
	require.NoError(t, s.SaveEntryCost(ctx, e.ID, storage.EntryCost{
		RatePerCarton:     decimal.RequireFromString("0.5"),
		TotalCost:         decimal.RequireFromString("5"),
		RateEffectiveDate: date("2025-01-01"),
		CostRateID:        "rate-1",
	}))

	// WHEN: Clearing its cost
	require.NoError(t, s.ClearEntryCost(ctx, e.ID))

	// THEN: The entry is uncosted again and keeps its snapshot
	got, err := s.GetEntry(ctx, e.Key())
	require.NoError(t, err)
	assert.False(t, got.IsCostCalculated)
	assert.Nil(t, got.TotalStorageCost)
	assert.Nil(t, got.StorageRatePerCarton)
	assert.Nil(t, got.RateEffectiveDate)
	assert.Nil(t, got.CostRateID)
	assert.Equal(t, int64(10), got.ClosingBalance)

	assert.ErrorIs(t, s.ClearEntryCost(ctx, "missing"), ledger.ErrNotFound)
}

func TestListEntries_Filters(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	for _, w := range []string{"2025-01-12", "2025-01-19", "2025-01-26"} {
		_, err := s.UpsertEntry(ctx, entry(w, 1, "1"))
		require.NoError(t, err)
	}

	from, to := date("2025-01-13"), date("2025-01-26")
	uncalculated := false
	got, err := s.ListEntries(ctx, storage.EntryFilter{WeekFrom: &from, WeekTo: &to, CostCalculated: &uncalculated})

	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, date("2025-01-19"), got[0].WeekEndingDate)
	assert.Equal(t, date("2025-01-26"), got[1].WeekEndingDate)
}

// =============================================================================
// RATE TESTS
// =============================================================================

func TestDeleteRate_NullsLink(t *testing.T) {
	s := newStore(t)
	whID := seed(t, s)
	ctx := context.Background()

	now := time.Now().UTC()
	rate := storage.CostRate{
		ID: "rate-1", WarehouseID: whID, CostCategory: storage.CategoryStorage,
		CostValue: decimal.RequireFromString("0.50"), EffectiveDate: date("2025-01-01"),
		CreatedAt: now, UpdatedAt: now,
	}
	require.NoError(t, s.SaveRate(ctx, rate))
	_, err := s.UpsertEntry(ctx, entry("2025-01-12", 10, "10"))
	require.NoError(t, err)
	e, err := s.GetEntry(ctx, entry("2025-01-12", 0, "0").Key())
	require.NoError(t, err)
	require.NoError(t, s.SaveEntryCost(ctx, e.ID, storage.EntryCost{
		RatePerCarton: rate.CostValue, TotalCost: decimal.RequireFromString("5"),
		RateEffectiveDate: rate.EffectiveDate, CostRateID: rate.ID,
	}))

	detached, err := s.DeleteRate(ctx, rate.ID)

	require.NoError(t, err)
	assert.Equal(t, 1, detached)
	got, err := s.GetEntry(ctx, e.Key())
	require.NoError(t, err)
	assert.Nil(t, got.CostRateID)
	assert.Equal(t, "5.00", got.TotalStorageCost.StringFixed(2))
	gone, err := s.GetRate(ctx, rate.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSaveRate_RoundTripAndOrder(t *testing.T) {
	s := newStore(t)
	whID := seed(t, s)
	ctx := context.Background()

	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	end := date("2025-02-01")
	require.NoError(t, s.SaveRate(ctx, storage.CostRate{
		ID: "feb", WarehouseID: whID, CostCategory: storage.CategoryStorage,
		CostValue: decimal.RequireFromString("1.20"), EffectiveDate: date("2025-02-01"),
		CreatedAt: base.Add(time.Minute), UpdatedAt: base.Add(time.Minute),
	}))
	require.NoError(t, s.SaveRate(ctx, storage.CostRate{
		ID: "jan", WarehouseID: whID, CostCategory: storage.CategoryStorage,
		CostValue: decimal.RequireFromString("1.00"), EffectiveDate: date("2025-01-01"), EndDate: &end,
		CreatedAt: base, UpdatedAt: base,
	}))

	rates, err := s.ListRates(ctx, whID, storage.CategoryStorage)

	require.NoError(t, err)
	require.Len(t, rates, 2)
	assert.Equal(t, "jan", rates[0].ID)
	assert.Equal(t, end, *rates[0].EndDate)
	assert.True(t, rates[1].CostValue.Equal(decimal.RequireFromString("1.2")))
	assert.Nil(t, rates[1].EndDate)
	assert.True(t, rates[0].CreatedAt.Equal(base))
}

// =============================================================================
// TRANSACTION TESTS
// =============================================================================

func TestWithTx_RollbackOnError(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()
	boom := errors.New("boom")

	err := s.WithTx(ctx, func(st storage.Store) error {
		if _, err := st.UpsertEntry(ctx, entry("2025-01-12", 10, "10")); err != nil {
			return err
		}
		return boom
	})

	assert.ErrorIs(t, err, boom)
	got, err := s.ListEntries(ctx, storage.EntryFilter{})
	require.NoError(t, err)
	assert.Empty(t, got)
}

func TestConcurrentEnsures_OneRowPerKey(t *testing.T) {
	// GIVEN: A file-backed store and a week of activity in two warehouses
	s, err := sqlite.New(filepath.Join(t.TempDir(), "ledger.db"))
	require.NoError(t, err)
	defer s.Close()
	ctx := context.Background()
	require.NoError(t, s.SaveWarehouse(ctx, storage.Warehouse{Code: "WH1", Name: "Main"}))
	require.NoError(t, s.SaveWarehouse(ctx, storage.Warehouse{Code: "WH2", Name: "Overflow"}))
	for _, wh := range []string{"WH1", "WH2"} {
		for _, batch := range []string{"B1", "B2", "B3"} {
			_, err := s.AppendTransaction(ctx, ledger.Transaction{
				WarehouseCode: wh, SKUCode: "SKU-A", BatchLot: batch,
				Type: ledger.TxReceive, Date: date("2025-01-06"), CartonsIn: 10,
			})
			require.NoError(t, err)
		}
	}
	engine := storage.NewEngine(s, quietLogger(), storage.EngineOptions{Concurrency: 2})

	// WHEN: Several callers ensure the same week at once
	var wg sync.WaitGroup
	errs := make([]error, 4)
	for i := range errs {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, errs[i] = engine.Snapshots.EnsureWeeklyEntries(ctx, date("2025-01-12"), storage.EnsureOptions{})
		}()
	}
	wg.Wait()

	// THEN: Every call succeeds and each key exists exactly once
	for _, err := range errs {
		require.NoError(t, err)
	}
	all, err := s.ListEntries(ctx, storage.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, all, 6)
}

// =============================================================================
// RUN LOG AND MAINTENANCE TESTS
// =============================================================================

func TestRuns(t *testing.T) {
	s := newStore(t)
	ctx := context.Background()
	started := time.Date(2025, time.January, 13, 2, 0, 0, 0, time.UTC)

	run := storage.SnapshotRun{
		ID: "run-1", WeekEndingDate: date("2025-01-12"), Trigger: storage.TriggerSchedule,
		Status: storage.RunRunning, StartedAt: started,
	}
	require.NoError(t, s.SaveRun(ctx, run))
	done, err := s.IsWeekComplete(ctx, date("2025-01-12"))
	require.NoError(t, err)
	assert.False(t, done)

	completed := started.Add(time.Minute)
	run.Status = storage.RunPartial
	run.FailedWarehouses = []string{"WH2"}
	run.CompletedAt = &completed
	require.NoError(t, s.SaveRun(ctx, run))

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 1)
	assert.Equal(t, storage.RunPartial, runs[0].Status)
	assert.Equal(t, []string{"WH2"}, runs[0].FailedWarehouses)
	assert.True(t, runs[0].CompletedAt.Equal(completed))

	run.Status = storage.RunCompleted
	run.FailedWarehouses = nil
	require.NoError(t, s.SaveRun(ctx, run))
	done, err = s.IsWeekComplete(ctx, date("2025-01-10"))
	require.NoError(t, err)
	assert.True(t, done)
}

func TestPurgeTransaction_RemovesStaleEntries(t *testing.T) {
	s := newStore(t)
	seed(t, s)
	ctx := context.Background()

	tx, err := s.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode: "WH1", SKUCode: "SKU-A", BatchLot: "B1",
		Type: ledger.TxReceive, Date: date("2025-01-15"), CartonsIn: 10,
	})
	require.NoError(t, err)
	for _, w := range []string{"2025-01-12", "2025-01-19", "2025-01-26"} {
		_, err := s.UpsertEntry(ctx, entry(w, 1, "1"))
		require.NoError(t, err)
	}

	removed, err := s.PurgeTransaction(ctx, tx.ID)

	require.NoError(t, err)
	assert.Equal(t, 2, removed)
	left, err := s.ListEntries(ctx, storage.EntryFilter{})
	require.NoError(t, err)
	require.Len(t, left, 1)
	assert.Equal(t, date("2025-01-12"), left[0].WeekEndingDate)

	_, err = s.PurgeTransaction(ctx, tx.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
