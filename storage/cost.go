package storage

import (
	"context"
	"errors"

	"github.com/sirupsen/logrus"
	"github.com/warp/storage-ledger/ledger"
)

// =============================================================================
// COST CALCULATOR - Prices storage ledger entries
// =============================================================================

// CostCalculator has two entry points sharing one pricing routine:
//   - CalculateForWeek touches only entries with IsCostCalculated=false,
//     so routine scheduling never re-prices a settled week.
//   - Recalculate overwrites entries already priced (admin correction pass).
//
// An entry whose week has no covering rate stays uncosted; that is an
// expected state until a rate is back-filled, not an error. A priced entry
// that no longer resolves loses its cost fields.
type CostCalculator struct {
	Store Store
	Log   logrus.FieldLogger
}

type CostResult struct {
	WeekEndingDate ledger.Date
	CostCalculated int
	Recalculated   int
	Uncosted       int
}

type RecalculateOptions struct {
	WarehouseCode string // empty = all warehouses
	Confirm       bool
}

func (c *CostCalculator) log() logrus.FieldLogger {
	return orDefault(c.Log).WithField("component", "cost")
}

// CalculateForWeek prices entries of the week that have not been priced yet.
func (c *CostCalculator) CalculateForWeek(ctx context.Context, weekEnding ledger.Date, warehouseCode string) (*CostResult, error) {
	week := ledger.WeekOf(weekEnding)
	res := &CostResult{WeekEndingDate: week.End}

	err := c.Store.WithTx(ctx, func(st Store) error {
		priced, uncosted, err := c.calculateIn(ctx, st, week.End, warehouseCode, newRateLookup(st, c.log()))
		res.CostCalculated, res.Uncosted = priced, uncosted
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log().WithFields(logrus.Fields{
		"week_ending": week.End.String(),
		"warehouse":   warehouseCode,
		"calculated":  res.CostCalculated,
		"uncosted":    res.Uncosted,
	}).Info("storage costs calculated")
	return res, nil
}

// Recalculate re-prices the already-priced entries of the week in scope
// against the rate table as it is now. Entries never priced are left to
// CalculateForWeek. Requires opts.Confirm.
func (c *CostCalculator) Recalculate(ctx context.Context, weekEnding ledger.Date, opts RecalculateOptions) (*CostResult, error) {
	if !opts.Confirm {
		return nil, ledger.ErrConfirmationRequired
	}
	week := ledger.WeekOf(weekEnding)
	res := &CostResult{WeekEndingDate: week.End}

	err := c.Store.WithTx(ctx, func(st Store) error {
		if opts.WarehouseCode != "" {
			wh, err := st.GetWarehouse(ctx, opts.WarehouseCode)
			if err != nil {
				return err
			}
			if wh == nil {
				return &ledger.NotFoundError{Kind: "warehouse", ID: opts.WarehouseCode}
			}
		}
		end := week.End
		calculated := true
		entries, err := st.ListEntries(ctx, EntryFilter{
			WarehouseCode:  opts.WarehouseCode,
			WeekEndingDate: &end,
			CostCalculated: &calculated,
		})
		if err != nil {
			return err
		}
		priced, uncosted, err := c.priceEntries(ctx, st, entries, newRateLookup(st, c.log()))
		res.Recalculated, res.Uncosted = priced, uncosted
		return err
	})
	if err != nil {
		return nil, err
	}

	c.log().WithFields(logrus.Fields{
		"week_ending":  week.End.String(),
		"warehouse":    opts.WarehouseCode,
		"recalculated": res.Recalculated,
		"uncosted":     res.Uncosted,
	}).Info("storage costs recalculated")
	return res, nil
}

// calculateIn is the first-pass routine, also used by the snapshot
// generator inside its per-warehouse transaction.
func (c *CostCalculator) calculateIn(ctx context.Context, st Store, weekEnd ledger.Date, warehouseCode string, lookup *rateLookup) (int, int, error) {
	uncalculated := false
	entries, err := st.ListEntries(ctx, EntryFilter{
		WarehouseCode:  warehouseCode,
		WeekEndingDate: &weekEnd,
		CostCalculated: &uncalculated,
	})
	if err != nil {
		return 0, 0, err
	}
	return c.priceEntries(ctx, st, entries, lookup)
}

// priceEntries resolves and writes cost for each entry. Returns the number
// priced and the number left uncosted; previously priced entries that no
// longer resolve are cleared.
func (c *CostCalculator) priceEntries(ctx context.Context, st Store, entries []Entry, lookup *rateLookup) (priced, uncosted int, err error) {
	for _, e := range entries {
		if err := ctx.Err(); err != nil {
			return priced, uncosted, err
		}

		wh, err := lookup.warehouse(ctx, e.WarehouseCode)
		if err != nil {
			return priced, uncosted, err
		}
		if wh == nil {
			c.log().WithFields(logrus.Fields{
				"entry_id":  e.ID,
				"warehouse": e.WarehouseCode,
			}).Warn("entry references unknown warehouse, left uncosted")
			if err := c.clear(ctx, st, e); err != nil {
				return priced, uncosted, err
			}
			uncosted++
			continue
		}

		table, err := lookup.table(ctx, wh.ID, CategoryStorage)
		if err != nil {
			return priced, uncosted, err
		}
		rate, err := table.Resolve(e.WeekEndingDate)
		if errors.Is(err, ledger.ErrNotFound) {
			if err := c.clear(ctx, st, e); err != nil {
				return priced, uncosted, err
			}
			uncosted++
			continue
		}
		if err != nil {
			return priced, uncosted, err
		}

		if err := st.SaveEntryCost(ctx, e.ID, CostFor(e, *rate)); err != nil {
			return priced, uncosted, err
		}
		priced++
	}
	return priced, uncosted, nil
}

func (c *CostCalculator) clear(ctx context.Context, st Store, e Entry) error {
	if !e.IsCostCalculated {
		return nil
	}
	c.log().WithFields(logrus.Fields{
		"entry_id":    e.ID,
		"warehouse":   e.WarehouseCode,
		"week_ending": e.WeekEndingDate.String(),
	}).Warn("no rate covers priced entry, cost cleared")
	return st.ClearEntryCost(ctx, e.ID)
}

// CostFor prices one entry: rate x average balance, rounded to cents.
func CostFor(e Entry, rate CostRate) EntryCost {
	return EntryCost{
		RatePerCarton:     rate.CostValue,
		TotalCost:         rate.CostValue.Mul(e.AverageBalance).Round(MoneyScale),
		RateEffectiveDate: rate.EffectiveDate,
		CostRateID:        rate.ID,
	}
}
