package storage_test

import (
	"context"
	"errors"
	"io"
	"sync"
	"testing"
	"time"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/require"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
	"github.com/warp/storage-ledger/storage/memstore"
)

// =============================================================================
// TEST HELPERS
// =============================================================================

func quietLogger() *logrus.Logger {
	l := logrus.New()
	l.SetOutput(io.Discard)
	return l
}

func date(s string) ledger.Date { return ledger.MustParseDate(s) }

func dec(s string) decimal.Decimal { return decimal.RequireFromString(s) }

func str(s string) *string { return &s }

type fixture struct {
	t      *testing.T
	ctx    context.Context
	mem    *memstore.Memory
	engine *storage.Engine

	mu    sync.Mutex
	clock time.Time
}

func newFixture(t *testing.T, warehouses ...string) *fixture {
	t.Helper()
	if len(warehouses) == 0 {
		warehouses = []string{"WH1"}
	}
	f := &fixture{
		t:     t,
		ctx:   context.Background(),
		clock: time.Date(2025, time.February, 1, 9, 0, 0, 0, time.UTC),
	}
	f.mem = memstore.NewWithClock(f.now)
	for _, code := range warehouses {
		require.NoError(t, f.mem.SaveWarehouse(f.ctx, storage.Warehouse{Code: code, Name: code + " Warehouse"}))
	}
	require.NoError(t, f.mem.SaveSKU(f.ctx, storage.SKU{Code: "SKU-A", Description: "Widget A"}))
	require.NoError(t, f.mem.SaveSKU(f.ctx, storage.SKU{Code: "SKU-B", Description: "Widget B"}))

	f.engine = storage.NewEngine(f.mem, quietLogger(), storage.EngineOptions{Concurrency: 2, Now: f.now})
	return f
}

// now advances one second per call so CreatedAt stamps are strictly ordered.
func (f *fixture) now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.clock = f.clock.Add(time.Second)
	return f.clock
}

func (f *fixture) warehouseID(code string) string {
	f.t.Helper()
	wh, err := f.mem.GetWarehouse(f.ctx, code)
	require.NoError(f.t, err)
	require.NotNil(f.t, wh)
	return wh.ID
}

func (f *fixture) append(tx ledger.Transaction) ledger.Transaction {
	f.t.Helper()
	stored, err := f.mem.AppendTransaction(f.ctx, tx)
	require.NoError(f.t, err)
	return stored
}

func (f *fixture) receive(wh, sku, batch, on string, cartons int64) ledger.Transaction {
	return f.append(ledger.Transaction{
		WarehouseCode: wh,
		SKUCode:       sku,
		BatchLot:      batch,
		Type:          ledger.TxReceive,
		Date:          date(on),
		CartonsIn:     cartons,
	})
}

func (f *fixture) receiveForPO(wh, sku, batch, on string, cartons int64, po string) ledger.Transaction {
	require.NoError(f.t, f.mem.SetPurchaseOrderStatus(f.ctx, po, ledger.POActive))
	return f.append(ledger.Transaction{
		WarehouseCode:   wh,
		SKUCode:         sku,
		BatchLot:        batch,
		Type:            ledger.TxReceive,
		Date:            date(on),
		CartonsIn:       cartons,
		PurchaseOrderID: str(po),
	})
}

func (f *fixture) ship(wh, sku, batch, on string, cartons int64) ledger.Transaction {
	return f.append(ledger.Transaction{
		WarehouseCode: wh,
		SKUCode:       sku,
		BatchLot:      batch,
		Type:          ledger.TxShip,
		Date:          date(on),
		CartonsOut:    cartons,
	})
}

func (f *fixture) createRate(wh, value, effective string, opts storage.WriteOptions) storage.CostRate {
	f.t.Helper()
	change, err := f.engine.Rates.CreateRate(f.ctx, storage.NewRate{
		WarehouseID:   f.warehouseID(wh),
		CostName:      "Pallet storage",
		CostValue:     dec(value),
		UnitOfMeasure: "carton/week",
		EffectiveDate: date(effective),
	}, opts)
	require.NoError(f.t, err)
	return change.Rate
}

func (f *fixture) ensure(weekEnding string, calculate bool) *storage.EnsureResult {
	f.t.Helper()
	res, err := f.engine.Snapshots.EnsureWeeklyEntries(f.ctx, date(weekEnding), storage.EnsureOptions{CalculateCosts: calculate})
	require.NoError(f.t, err)
	return res
}

func (f *fixture) entry(wh, sku, batch, weekEnding string) *storage.Entry {
	f.t.Helper()
	e, err := f.mem.GetEntry(f.ctx, storage.EntryKey{
		WarehouseCode:  wh,
		SKUCode:        sku,
		BatchLot:       batch,
		WeekEndingDate: date(weekEnding),
	})
	require.NoError(f.t, err)
	return e
}

// failingStore makes every transaction read for one warehouse fail.
type failingStore struct {
	storage.Store
	warehouse string
}

var errInjected = errors.New("injected read failure")

func (s *failingStore) Transactions(ctx context.Context, q storage.TransactionQuery) ([]ledger.Transaction, error) {
	if q.WarehouseCode == s.warehouse {
		return nil, errInjected
	}
	return s.Store.Transactions(ctx, q)
}

func (s *failingStore) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Store) error {
		return fn(&failingStore{Store: tx, warehouse: s.warehouse})
	})
}

// stallingStore blocks the upsert of one batch of one warehouse until the
// caller's context ends.
type stallingStore struct {
	storage.Store
	warehouse string
	batch     string
}

func (s *stallingStore) UpsertEntry(ctx context.Context, e storage.Entry) (storage.UpsertOutcome, error) {
	if e.WarehouseCode == s.warehouse && e.BatchLot == s.batch {
		<-ctx.Done()
		return storage.UpsertUnchanged, ctx.Err()
	}
	return s.Store.UpsertEntry(ctx, e)
}

func (s *stallingStore) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	return s.Store.WithTx(ctx, func(tx storage.Store) error {
		return fn(&stallingStore{Store: tx, warehouse: s.warehouse, batch: s.batch})
	})
}

// cancellingStore cancels a context after its first committed transaction.
type cancellingStore struct {
	storage.Store
	cancel context.CancelFunc
}

func (s *cancellingStore) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	if err := s.Store.WithTx(ctx, fn); err != nil {
		return err
	}
	s.cancel()
	return nil
}
