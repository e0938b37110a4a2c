/*
snapshot.go - Weekly storage ledger snapshot generation

PURPOSE:
  Materialises one storage ledger entry per (warehouse, SKU, batch, week
  ending date) from the transaction log. Runs from an external trigger
  (scheduler, admin action, API call) and to completion; it owns no
  background goroutine.

PER WAREHOUSE:
  1. Fetch kept transactions up to the week's Sunday
  2. Closing balances: ledger.Aggregate with AsOf = Sunday
  3. Average balances: ledger.WeeklyAverages over Monday..Sunday
  4. Upsert entries inside one database transaction
  5. Optionally price new entries (first-pass cost) in the same transaction

WHICH BATCHES GET AN ENTRY:
  - non-zero closing or average balance, or
  - zero balance but at least one transaction inside the week
  Batches depleted in an earlier week with no activity since, and batches
  with no kept transactions at all, get nothing.

FAILURE MODEL:
  Per-warehouse transactional, not globally atomic. A failed or timed-out
  warehouse rolls back alone; the others stay committed and the caller gets
  a PartialFailureError naming the failed warehouses.

IDEMPOTENCE:
  Re-running a week with no new transactions changes nothing: the upsert
  is skipped when the snapshot fields are identical.
*/
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"
	"github.com/warp/storage-ledger/ledger"
	"golang.org/x/sync/errgroup"
)

type SnapshotGenerator struct {
	Store      Store
	Calculator *CostCalculator
	Log        logrus.FieldLogger

	// WarehouseTimeout bounds each warehouse unit of work. Zero = no limit.
	WarehouseTimeout time.Duration

	// Concurrency caps warehouses processed in parallel. <=1 = sequential.
	Concurrency int

	Now func() time.Time
}

type EnsureOptions struct {
	// CalculateCosts runs the first-pass cost calculation for the week's
	// uncosted entries of each warehouse in the same transaction.
	CalculateCosts bool

	// WarehouseCodes restricts the run (e.g. retrying failed warehouses).
	WarehouseCodes []string
}

type WarehouseResult struct {
	WarehouseCode  string
	Processed      int
	Created        int
	Updated        int
	Unchanged      int
	CostCalculated int
	Uncosted       int
	Err            error
}

type EnsureResult struct {
	WeekEndingDate ledger.Date
	Processed      int
	Created        int
	Updated        int
	Unchanged      int
	CostCalculated int
	Uncosted       int
	Warehouses     []WarehouseResult
}

func (g *SnapshotGenerator) log() logrus.FieldLogger {
	return orDefault(g.Log).WithField("component", "snapshot")
}

// EnsureWeeklyEntries builds or refreshes every entry of the week ending on
// (or containing) weekEnding. On partial failure it returns the result for
// all warehouses together with a *ledger.PartialFailureError.
func (g *SnapshotGenerator) EnsureWeeklyEntries(ctx context.Context, weekEnding ledger.Date, opts EnsureOptions) (*EnsureResult, error) {
	week := ledger.WeekOf(weekEnding)
	log := g.log().WithField("week_ending", week.End.String())

	warehouses, err := g.selectWarehouses(ctx, opts.WarehouseCodes)
	if err != nil {
		return nil, err
	}

	results := make([]WarehouseResult, len(warehouses))
	eg, egCtx := errgroup.WithContext(ctx)
	if g.Concurrency > 1 {
		eg.SetLimit(g.Concurrency)
	} else {
		eg.SetLimit(1)
	}
	for i, wh := range warehouses {
		eg.Go(func() error {
			// Failures are recorded per warehouse, never returned, so one
			// warehouse cannot cancel the others through egCtx.
			results[i] = g.ensureWarehouse(egCtx, week, wh, opts)
			return nil
		})
	}
	_ = eg.Wait()

	res := &EnsureResult{WeekEndingDate: week.End, Warehouses: results}
	failures := make(map[string]error)
	for _, r := range results {
		if r.Err != nil {
			failures[r.WarehouseCode] = r.Err
			log.WithField("warehouse", r.WarehouseCode).WithError(r.Err).Error("weekly snapshot failed")
			continue
		}
		res.Processed += r.Processed
		res.Created += r.Created
		res.Updated += r.Updated
		res.Unchanged += r.Unchanged
		res.CostCalculated += r.CostCalculated
		res.Uncosted += r.Uncosted
	}

	log.WithFields(logrus.Fields{
		"warehouses":      len(warehouses),
		"failed":          len(failures),
		"processed":       res.Processed,
		"created":         res.Created,
		"updated":         res.Updated,
		"cost_calculated": res.CostCalculated,
	}).Info("weekly snapshot finished")

	if len(failures) > 0 {
		return res, &ledger.PartialFailureError{Operation: "ensure weekly entries " + week.End.String(), Failures: failures}
	}
	return res, nil
}

// Backfill walks the calendar week by week over [from, to]. It keeps going
// past partial failures and stops on context cancellation.
func (g *SnapshotGenerator) Backfill(ctx context.Context, from, to ledger.Date, opts EnsureOptions) ([]*EnsureResult, error) {
	weeks := ledger.WeeksBetween(from, to)
	if len(weeks) == 0 {
		return nil, &ledger.ValidationError{Field: "to", Message: "must not be before from"}
	}

	var (
		out      []*EnsureResult
		failures = make(map[string]error)
	)
	for _, w := range weeks {
		if err := ctx.Err(); err != nil {
			return out, err
		}
		res, err := g.EnsureWeeklyEntries(ctx, w.End, opts)
		if res != nil {
			out = append(out, res)
		}
		if err != nil {
			pf, ok := err.(*ledger.PartialFailureError)
			if !ok {
				return out, err
			}
			for code, cause := range pf.Failures {
				failures[code+"@"+w.End.String()] = cause
			}
		}
	}
	if len(failures) > 0 {
		return out, &ledger.PartialFailureError{Operation: "backfill", Failures: failures}
	}
	return out, nil
}

// RunAndRecord wraps EnsureWeeklyEntries with a SnapshotRun audit record.
func (g *SnapshotGenerator) RunAndRecord(ctx context.Context, weekEnding ledger.Date, trigger RunTrigger, opts EnsureOptions) (*EnsureResult, *SnapshotRun, error) {
	week := ledger.WeekOf(weekEnding)
	run := SnapshotRun{
		ID:             uuid.NewString(),
		WeekEndingDate: week.End,
		Trigger:        trigger,
		Status:         RunRunning,
		StartedAt:      g.now(),
	}
	if err := g.Store.SaveRun(ctx, run); err != nil {
		return nil, nil, fmt.Errorf("failed to save run record: %w", err)
	}

	res, runErr := g.EnsureWeeklyEntries(ctx, week.End, opts)

	completed := g.now()
	run.CompletedAt = &completed
	switch pf := runErr.(type) {
	case nil:
		run.Status = RunCompleted
	case *ledger.PartialFailureError:
		run.Status = RunPartial
		run.FailedWarehouses = pf.FailedWarehouses()
		run.Error = pf.Error()
	default:
		run.Status = RunFailed
		run.Error = runErr.Error()
	}
	if res != nil {
		run.Processed = res.Processed
		run.CostCalculated = res.CostCalculated
	}

	// Recorded even when ctx was cancelled.
	if err := g.Store.SaveRun(context.WithoutCancel(ctx), run); err != nil {
		g.log().WithError(err).Error("failed to update run record")
	}
	return res, &run, runErr
}

func (g *SnapshotGenerator) now() time.Time {
	if g.Now != nil {
		return g.Now().UTC()
	}
	return time.Now().UTC()
}

func (g *SnapshotGenerator) selectWarehouses(ctx context.Context, codes []string) ([]Warehouse, error) {
	if len(codes) == 0 {
		all, err := g.Store.ListWarehouses(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list warehouses: %w", err)
		}
		return all, nil
	}
	out := make([]Warehouse, 0, len(codes))
	for _, code := range codes {
		wh, err := g.Store.GetWarehouse(ctx, code)
		if err != nil {
			return nil, err
		}
		if wh == nil {
			return nil, &ledger.NotFoundError{Kind: "warehouse", ID: code}
		}
		out = append(out, *wh)
	}
	return out, nil
}

func (g *SnapshotGenerator) ensureWarehouse(ctx context.Context, week ledger.Week, wh Warehouse, opts EnsureOptions) WarehouseResult {
	res := WarehouseResult{WarehouseCode: wh.Code}
	if g.WarehouseTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.WarehouseTimeout)
		defer cancel()
	}

	err := g.Store.WithTx(ctx, func(st Store) error {
		res = WarehouseResult{WarehouseCode: wh.Code}
		entries, err := buildEntries(ctx, st, week, wh)
		if err != nil {
			return err
		}

		for _, e := range entries {
			if err := ctx.Err(); err != nil {
				return err
			}
			outcome, err := st.UpsertEntry(ctx, e)
			if err != nil {
				return fmt.Errorf("upsert %s: %w", e.Key().BatchKey(), err)
			}
			res.Processed++
			switch outcome {
			case UpsertCreated:
				res.Created++
			case UpsertUpdated:
				res.Updated++
			default:
				res.Unchanged++
			}
		}

		if opts.CalculateCosts {
			priced, uncosted, err := g.calculator().calculateIn(ctx, st, week.End, wh.Code, newRateLookup(st, g.log()))
			if err != nil {
				return err
			}
			res.CostCalculated, res.Uncosted = priced, uncosted
		}
		return nil
	})
	if err != nil {
		res.Err = err
	}
	return res
}

func (g *SnapshotGenerator) calculator() *CostCalculator {
	if g.Calculator != nil {
		return g.Calculator
	}
	return &CostCalculator{Store: g.Store, Log: g.Log}
}

// buildEntries derives the week's entries for one warehouse. Pure apart
// from the reads it makes through st.
func buildEntries(ctx context.Context, st Store, week ledger.Week, wh Warehouse) ([]Entry, error) {
	end := week.End
	txs, err := st.Transactions(ctx, TransactionQuery{WarehouseCode: wh.Code, To: &end})
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	if len(txs) == 0 {
		return nil, nil
	}

	exclusion, err := exclusionFor(ctx, st, txs)
	if err != nil {
		return nil, err
	}

	closing, err := ledger.Aggregate(txs, ledger.Options{IncludeZeroStock: true, Exclude: exclusion, AsOf: &end})
	if err != nil {
		return nil, err
	}
	averages := ledger.WeeklyAverages(txs, week, exclusion)

	avgByKey := make(map[ledger.BatchKey]ledger.WeekAverage, len(averages))
	for _, a := range averages {
		avgByKey[a.Key] = a
	}

	var selected []ledger.Balance
	skuSet := make(map[string]bool)
	for _, b := range closing {
		a := avgByKey[b.Key()]
		if b.CurrentCartons == 0 && a.Average.IsZero() && a.TransactionsInWeek == 0 {
			continue
		}
		selected = append(selected, b)
		skuSet[b.SKUCode] = true
	}
	if len(selected) == 0 {
		return nil, nil
	}

	skus := make([]string, 0, len(skuSet))
	for s := range skuSet {
		skus = append(skus, s)
	}
	sort.Strings(skus)
	descriptions, err := st.SKUDescriptions(ctx, skus)
	if err != nil {
		return nil, fmt.Errorf("failed to load sku descriptions: %w", err)
	}

	entries := make([]Entry, 0, len(selected))
	for _, b := range selected {
		entries = append(entries, Entry{
			WarehouseCode:  wh.Code,
			WarehouseName:  wh.Name,
			SKUCode:        b.SKUCode,
			SKUDescription: descriptions[b.SKUCode],
			BatchLot:       b.BatchLot,
			WeekEndingDate: end,
			ClosingBalance: b.CurrentCartons,
			AverageBalance: avgByKey[b.Key()].Average,
		})
	}
	return entries, nil
}

// exclusionFor builds the cancelled-PO exclusion for txs from current
// purchase order statuses.
func exclusionFor(ctx context.Context, feed TransactionFeed, txs []ledger.Transaction) (ledger.Exclusion, error) {
	ids := ledger.PurchaseOrderIDs(txs)
	if len(ids) == 0 {
		return ledger.NoExclusion, nil
	}
	statuses, err := feed.PurchaseOrderStatuses(ctx, ids)
	if err != nil {
		return nil, fmt.Errorf("failed to load purchase order statuses: %w", err)
	}
	return ledger.CancelledPurchaseOrders(statuses), nil
}
