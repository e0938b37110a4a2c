package postgres_test

import (
	"context"
	"os"
	"sync"
	"testing"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
	"github.com/warp/storage-ledger/store/postgres"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

// setupTestDB connects to TEST_DATABASE_URL and truncates every table.
// Tests are skipped when the variable is not set.
func setupTestDB(t *testing.T) (*postgres.Store, context.Context) {
	t.Helper()
	_ = godotenv.Load("../../.env")

	dbURL := os.Getenv("TEST_DATABASE_URL")
	if dbURL == "" {
		t.Skip("TEST_DATABASE_URL not set, skipping postgres integration test")
	}

	ctx := context.Background()
	s, err := postgres.New(ctx, dbURL)
	require.NoError(t, err)
	t.Cleanup(func() { s.Close() })

	require.NoError(t, s.Reset(ctx))
	require.NoError(t, s.SaveWarehouse(ctx, storage.Warehouse{Code: "WH1", Name: "Main"}))
	require.NoError(t, s.SaveSKU(ctx, storage.SKU{Code: "SKU-A", Description: "Widget A"}))
	return s, ctx
}

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
// INTEGRATION TESTS
// =============================================================================

func TestPostgres_TransactionsOrderedByDateThenSeq(t *testing.T) {
	s, ctx := setupTestDB(t)

	_, err := s.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode: "WH1", SKUCode: "SKU-A", BatchLot: "B1",
		Type: ledger.TxShip, Date: date("2025-01-08"), CartonsOut: 5,
	})
	require.NoError(t, err)
	first, err := s.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode: "WH1", SKUCode: "SKU-A", BatchLot: "B1",
		Type: ledger.TxReceive, Date: date("2025-01-06"), CartonsIn: 10,
	})
	require.NoError(t, err)

	txs, err := s.Transactions(ctx, storage.TransactionQuery{WarehouseCode: "WH1"})

	require.NoError(t, err)
	require.Len(t, txs, 2)
	assert.Equal(t, first.ID, txs[0].ID)
	assert.Equal(t, date("2025-01-06"), txs[0].Date)
	assert.Equal(t, int64(5), txs[1].CartonsOut)
}

func TestPostgres_UpsertOutcomes(t *testing.T) {
	s, ctx := setupTestDB(t)

	out, err := s.UpsertEntry(ctx, entry("2025-01-12", 70, "82.8571"))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertCreated, out)

	out, err = s.UpsertEntry(ctx, entry("2025-01-12", 70, "82.8571"))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUnchanged, out)

	out, err = s.UpsertEntry(ctx, entry("2025-01-12", 60, "75.0000"))
	require.NoError(t, err)
	assert.Equal(t, storage.UpsertUpdated, out)

	got, err := s.GetEntry(ctx, entry("2025-01-12", 0, "0").Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, int64(60), got.ClosingBalance)
	assert.Equal(t, "75.0000", got.AverageBalance.StringFixed(4))
	assert.False(t, got.IsCostCalculated)
}

func TestPostgres_UpsertPreservesCost(t *testing.T) {
	s, ctx := setupTestDB(t)
	wh, err := s.GetWarehouse(ctx, "WH1")
	require.NoError(t, err)

	rate := storage.CostRate{
		ID: "rate-1", WarehouseID: wh.ID, CostCategory: storage.CategoryStorage,
		CostValue: decimal.RequireFromString("0.35"), EffectiveDate: date("2025-01-01"),
	}
	require.NoError(t, s.SaveRate(ctx, rate))

	_, err = s.UpsertEntry(ctx, entry("2025-01-12", 70, "82.8571"))
	require.NoError(t, err)
	e, err := s.GetEntry(ctx, entry("2025-01-12", 0, "0").Key())
	require.NoError(t, err)
	require.NoError(t, s.SaveEntryCost(ctx, e.ID, storage.CostFor(*e, rate)))

	_, err = s.UpsertEntry(ctx, entry("2025-01-12", 71, "83.0000"))
	require.NoError(t, err)

	got, err := s.GetEntry(ctx, e.Key())
	require.NoError(t, err)
	assert.True(t, got.IsCostCalculated)
	assert.Equal(t, "29.00", got.TotalStorageCost.StringFixed(2))
	require.NotNil(t, got.CostRateID)
	assert.Equal(t, "rate-1", *got.CostRateID)
}

func TestPostgres_DeleteRateDetachesEntries(t *testing.T) {
	s, ctx := setupTestDB(t)
	wh, err := s.GetWarehouse(ctx, "WH1")
	require.NoError(t, err)

	rate := storage.CostRate{
		ID: "rate-1", WarehouseID: wh.ID, CostCategory: storage.CategoryStorage,
		CostValue: decimal.RequireFromString("1.00"), EffectiveDate: date("2025-01-01"),
	}
	require.NoError(t, s.SaveRate(ctx, rate))
	_, err = s.UpsertEntry(ctx, entry("2025-01-12", 10, "10.0000"))
	require.NoError(t, err)
	e, err := s.GetEntry(ctx, entry("2025-01-12", 0, "0").Key())
	require.NoError(t, err)
	require.NoError(t, s.SaveEntryCost(ctx, e.ID, storage.CostFor(*e, rate)))

	detached, err := s.DeleteRate(ctx, "rate-1")

	require.NoError(t, err)
	assert.Equal(t, 1, detached)
	got, err := s.GetEntry(ctx, e.Key())
	require.NoError(t, err)
	assert.Nil(t, got.CostRateID)
	assert.Equal(t, "10.00", got.TotalStorageCost.StringFixed(2))
	r, err := s.GetRate(ctx, "rate-1")
	require.NoError(t, err)
	assert.Nil(t, r)
}

func TestPostgres_ConcurrentUpsertsCreateOneRow(t *testing.T) {
	s, ctx := setupTestDB(t)

	var wg sync.WaitGroup
	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := s.UpsertEntry(ctx, entry("2025-01-12", 70, "82.8571"))
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		require.NoError(t, err)
	}

	entries, err := s.ListEntries(ctx, storage.EntryFilter{})
	require.NoError(t, err)
	assert.Len(t, entries, 1)
}

func TestPostgres_RunsAndWeekCompletion(t *testing.T) {
	s, ctx := setupTestDB(t)
	week := date("2025-01-12")

	require.NoError(t, s.SaveRun(ctx, storage.SnapshotRun{
		ID: "run-1", WeekEndingDate: week, Trigger: storage.TriggerSchedule,
		Status: storage.RunPartial, FailedWarehouses: []string{"WH2"},
	}))
	done, err := s.IsWeekComplete(ctx, week)
	require.NoError(t, err)
	assert.False(t, done)

	require.NoError(t, s.SaveRun(ctx, storage.SnapshotRun{
		ID: "run-2", WeekEndingDate: week, Trigger: storage.TriggerAdmin, Status: storage.RunCompleted,
	}))
	done, err = s.IsWeekComplete(ctx, week)
	require.NoError(t, err)
	assert.True(t, done)

	runs, err := s.ListRuns(ctx, 0)
	require.NoError(t, err)
	require.Len(t, runs, 2)
}

func TestPostgres_EngineEndToEnd(t *testing.T) {
	// GIVEN: A receipt and a rate in a real database
	s, ctx := setupTestDB(t)
	_, err := s.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode: "WH1", SKUCode: "SKU-A", BatchLot: "B1",
		Type: ledger.TxReceive, Date: date("2025-01-06"), CartonsIn: 10,
	})
	require.NoError(t, err)
	wh, err := s.GetWarehouse(ctx, "WH1")
	require.NoError(t, err)
	engine := storage.NewEngine(s, nil, storage.EngineOptions{})
	_, err = engine.Rates.CreateRate(ctx, storage.NewRate{
		WarehouseID: wh.ID, CostCategory: storage.CategoryStorage,
		CostValue: decimal.RequireFromString("5.00"), EffectiveDate: date("2025-01-01"),
	}, storage.WriteOptions{})
	require.NoError(t, err)

	// WHEN: Ensuring the week with pricing
	_, err = engine.Snapshots.EnsureWeeklyEntries(ctx, date("2025-01-12"), storage.EnsureOptions{CalculateCosts: true})
	require.NoError(t, err)

	// THEN: The entry is priced
	got, err := s.GetEntry(ctx, entry("2025-01-12", 0, "0").Key())
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "50.00", got.TotalStorageCost.StringFixed(2))
}
