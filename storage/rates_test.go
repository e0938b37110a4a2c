package storage_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// =============================================================================
// RATE RESOLUTION TESTS
// =============================================================================

func TestRateTable_ResolveHalfOpenWindow(t *testing.T) {
	end := date("2025-02-01")
	table := storage.NewRateTable("wh-1", storage.CategoryStorage, []storage.CostRate{
		{ID: "jan", CostValue: dec("1.00"), EffectiveDate: date("2025-01-01"), EndDate: &end},
		{ID: "feb", CostValue: dec("1.20"), EffectiveDate: date("2025-02-01")},
	}, quietLogger())

	tests := []struct {
		on   string
		want string
	}{
		{"2025-01-01", "jan"},
		{"2025-01-31", "jan"},
		{"2025-02-01", "feb"},
		{"2030-06-01", "feb"},
	}
	for _, tt := range tests {
		t.Run(tt.on, func(t *testing.T) {
			r, err := table.Resolve(date(tt.on))
			require.NoError(t, err)
			assert.Equal(t, tt.want, r.ID)
		})
	}

	_, err := table.Resolve(date("2024-12-31"))
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestRateTable_OverlapResolvesToNewest(t *testing.T) {
	// GIVEN: Two rates that both cover January 10th
	base := time.Date(2025, time.January, 1, 0, 0, 0, 0, time.UTC)
	table := storage.NewRateTable("wh-1", storage.CategoryStorage, []storage.CostRate{
		{ID: "old", CostValue: dec("1.00"), EffectiveDate: date("2025-01-01"), CreatedAt: base},
		{ID: "new", CostValue: dec("2.00"), EffectiveDate: date("2025-01-05"), CreatedAt: base.Add(time.Hour)},
	}, quietLogger())

	// WHEN: Resolving inside the overlap
	r, err := table.Resolve(date("2025-01-10"))

	// THEN: The most recently created rate wins; the anomaly is only logged
	require.NoError(t, err)
	assert.Equal(t, "new", r.ID)
}

// =============================================================================
// HISTORICAL PRICING TESTS
// =============================================================================

// historicalFixture: 10 cartons steady from Jan 6th, rate 0.50 from Jan 6th,
// superseded by 0.60 from Jan 13th, two weeks ensured and priced.
func historicalFixture(t *testing.T) (*fixture, storage.CostRate, storage.CostRate) {
	f := newFixture(t)
	f.receive("WH1", "SKU-A", "B1", "2025-01-06", 10)
	jan := f.createRate("WH1", "5.00", "2025-01-06", storage.WriteOptions{})
	feb := f.createRate("WH1", "6.00", "2025-01-13", storage.WriteOptions{})
	f.ensure("2025-01-12", true)
	f.ensure("2025-01-19", true)
	return f, jan, feb
}

func TestHistoricalPricing_EachWeekUsesItsRate(t *testing.T) {
	f, jan, feb := historicalFixture(t)

	first := f.entry("WH1", "SKU-A", "B1", "2025-01-12")
	second := f.entry("WH1", "SKU-A", "B1", "2025-01-19")

	assert.Equal(t, "50.00", first.TotalStorageCost.StringFixed(2))
	assert.Equal(t, jan.ID, *first.CostRateID)
	assert.Equal(t, "60.00", second.TotalStorageCost.StringFixed(2))
	assert.Equal(t, feb.ID, *second.CostRateID)

	// The superseded rate was closed at the new effective date
	closed, err := f.engine.Rates.GetRate(f.ctx, jan.ID)
	require.NoError(t, err)
	require.NotNil(t, closed.EndDate)
	assert.Equal(t, date("2025-01-13"), *closed.EndDate)
}

func TestUpdateRate_WithoutRecalculateLeavesHistory(t *testing.T) {
	f, jan, _ := historicalFixture(t)

	value := dec("5.50")
	change, err := f.engine.Rates.UpdateRate(f.ctx, jan.ID, storage.RateUpdate{CostValue: &value}, storage.WriteOptions{})

	require.NoError(t, err)
	assert.Equal(t, 0, change.Recalculated)
	assert.Equal(t, "50.00", f.entry("WH1", "SKU-A", "B1", "2025-01-12").TotalStorageCost.StringFixed(2))
}

func TestUpdateRate_RecalculateTouchesOnlyCitingEntries(t *testing.T) {
	// GIVEN: Two priced weeks on different rates
	f, jan, _ := historicalFixture(t)

	// WHEN: Correcting the first rate with recalculation
	value := dec("5.50")
	change, err := f.engine.Rates.UpdateRate(f.ctx, jan.ID, storage.RateUpdate{CostValue: &value}, storage.WriteOptions{Recalculate: true})

	// THEN: Only the week that cites it is re-priced
	require.NoError(t, err)
	assert.Equal(t, 1, change.Recalculated)
	assert.Equal(t, "55.00", f.entry("WH1", "SKU-A", "B1", "2025-01-12").TotalStorageCost.StringFixed(2))
	assert.Equal(t, "60.00", f.entry("WH1", "SKU-A", "B1", "2025-01-19").TotalStorageCost.StringFixed(2))
}

func TestUpdateRate_ShrinkStrandingEntriesConflicts(t *testing.T) {
	f, jan, _ := historicalFixture(t)

	end := date("2025-01-10")
	_, err := f.engine.Rates.UpdateRate(f.ctx, jan.ID, storage.RateUpdate{EndDate: &end}, storage.WriteOptions{})

	var conflict *ledger.ConflictError
	require.True(t, errors.As(err, &conflict))
	assert.Equal(t, jan.ID, conflict.RateID)
	assert.Equal(t, 1, conflict.AffectedEntries)

	// Nothing was written
	r, err := f.engine.Rates.GetRate(f.ctx, jan.ID)
	require.NoError(t, err)
	assert.Equal(t, date("2025-01-13"), *r.EndDate)
}

func TestUpdateRate_ShrinkWithRecalculateClearsUncoveredEntries(t *testing.T) {
	// GIVEN: The week ending Jan 12th priced at the first rate
	f, jan, _ := historicalFixture(t)

	// WHEN: Shrinking that rate so nothing covers Jan 12th, with recalculation
	end := date("2025-01-10")
	change, err := f.engine.Rates.UpdateRate(f.ctx, jan.ID, storage.RateUpdate{EndDate: &end}, storage.WriteOptions{Recalculate: true})

	// THEN: The entry loses its cost instead of citing a rate that no longer covers it
	require.NoError(t, err)
	assert.Equal(t, 0, change.Recalculated)
	assert.Equal(t, 1, change.Uncosted)

	e := f.entry("WH1", "SKU-A", "B1", "2025-01-12")
	assert.False(t, e.IsCostCalculated)
	assert.Nil(t, e.TotalStorageCost)
	assert.Nil(t, e.StorageRatePerCarton)
	assert.Nil(t, e.CostRateID)

	// AND: The other week is untouched
	assert.Equal(t, "60.00", f.entry("WH1", "SKU-A", "B1", "2025-01-19").TotalStorageCost.StringFixed(2))
}

func TestUpdateRate_OverlapRejected(t *testing.T) {
	f, _, feb := historicalFixture(t)

	start := date("2025-01-08")
	_, err := f.engine.Rates.UpdateRate(f.ctx, feb.ID, storage.RateUpdate{EffectiveDate: &start}, storage.WriteOptions{})

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreateRate_OverlapWithClosedRateRejected(t *testing.T) {
	f, _, _ := historicalFixture(t)

	end := date("2025-01-20")
	_, err := f.engine.Rates.CreateRate(f.ctx, storage.NewRate{
		WarehouseID:   f.warehouseID("WH1"),
		CostValue:     dec("7.00"),
		EffectiveDate: date("2025-01-08"),
		EndDate:       &end,
	}, storage.WriteOptions{})

	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestCreateRate_SupersedingPricedWeekNeedsRecalculate(t *testing.T) {
	// GIVEN: An open-ended rate that already priced two weeks
	f := newFixture(t)
	f.receive("WH1", "SKU-A", "B1", "2025-01-06", 10)
	open := f.createRate("WH1", "5.00", "2025-01-06", storage.WriteOptions{})
	f.ensure("2025-01-12", true)
	f.ensure("2025-01-19", true)

	// WHEN: A later rate would take over the second week
	in := storage.NewRate{WarehouseID: f.warehouseID("WH1"), CostValue: dec("6.00"), EffectiveDate: date("2025-01-13")}
	_, err := f.engine.Rates.CreateRate(f.ctx, in, storage.WriteOptions{})

	// THEN: It conflicts unless recalculation is requested
	assert.ErrorIs(t, err, ledger.ErrConflict)

	change, err := f.engine.Rates.CreateRate(f.ctx, in, storage.WriteOptions{Recalculate: true})
	require.NoError(t, err)
	require.Len(t, change.Closed, 1)
	assert.Equal(t, open.ID, change.Closed[0].ID)
	assert.Equal(t, 1, change.Recalculated)
	assert.Equal(t, "50.00", f.entry("WH1", "SKU-A", "B1", "2025-01-12").TotalStorageCost.StringFixed(2))
	assert.Equal(t, "60.00", f.entry("WH1", "SKU-A", "B1", "2025-01-19").TotalStorageCost.StringFixed(2))
}

func TestCreateRate_Validation(t *testing.T) {
	f := newFixture(t)

	tests := []struct {
		name string
		in   storage.NewRate
		want error
	}{
		{"missing warehouse", storage.NewRate{CostValue: dec("1"), EffectiveDate: date("2025-01-01")}, ledger.ErrValidation},
		{"negative value", storage.NewRate{WarehouseID: f.warehouseID("WH1"), CostValue: dec("-1"), EffectiveDate: date("2025-01-01")}, ledger.ErrValidation},
		{"missing effective date", storage.NewRate{WarehouseID: f.warehouseID("WH1"), CostValue: dec("1")}, ledger.ErrValidation},
		{"unknown warehouse", storage.NewRate{WarehouseID: "nope", CostValue: dec("1"), EffectiveDate: date("2025-01-01")}, ledger.ErrNotFound},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := f.engine.Rates.CreateRate(f.ctx, tt.in, storage.WriteOptions{})
			assert.ErrorIs(t, err, tt.want)
		})
	}
}

// =============================================================================
// DELETION TESTS
// =============================================================================

func TestDeleteRate_RequiresConfirmation(t *testing.T) {
	f, _, feb := historicalFixture(t)

	_, err := f.engine.Rates.DeleteRate(f.ctx, feb.ID, false)

	assert.ErrorIs(t, err, ledger.ErrConfirmationRequired)
	assert.ErrorIs(t, err, ledger.ErrValidation)
}

func TestDeleteRate_PreservesHistoricalCost(t *testing.T) {
	// GIVEN: A rate cited by a priced entry
	f, _, feb := historicalFixture(t)

	// WHEN: Deleting it with confirmation
	detached, err := f.engine.Rates.DeleteRate(f.ctx, feb.ID, true)

	// THEN: The entry keeps its figures and loses only the link
	require.NoError(t, err)
	assert.Equal(t, 1, detached)
	e := f.entry("WH1", "SKU-A", "B1", "2025-01-19")
	assert.True(t, e.IsCostCalculated)
	assert.Equal(t, "60.00", e.TotalStorageCost.StringFixed(2))
	assert.Equal(t, "6.00", e.StorageRatePerCarton.StringFixed(2))
	assert.Nil(t, e.CostRateID)

	_, err = f.engine.Rates.GetRate(f.ctx, feb.ID)
	assert.ErrorIs(t, err, ledger.ErrNotFound)
}

func TestDeleteRate_Unknown(t *testing.T) {
	f := newFixture(t)

	_, err := f.engine.Rates.DeleteRate(f.ctx, "missing", true)

	assert.ErrorIs(t, err, ledger.ErrNotFound)
}
