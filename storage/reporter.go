package storage

import (
	"context"
	"fmt"

	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/storage-ledger/ledger"
)

// =============================================================================
// REPORTER - Read path for balances and the storage ledger
// =============================================================================

type Reporter struct {
	Store Store
	Log   logrus.FieldLogger
}

const (
	DefaultPageSize = 100
	MaxPageSize     = 1000
)

// BalanceScope narrows a balance query. Empty codes mean "any".
type BalanceScope struct {
	WarehouseCode    string
	SKUCode          string
	BatchLot         string
	AsOf             *ledger.Date
	IncludeZeroStock bool
}

// Balances replays the transactions in scope, with cancelled purchase
// orders excluded.
func (r *Reporter) Balances(ctx context.Context, scope BalanceScope) ([]ledger.Balance, error) {
	if scope.WarehouseCode != "" {
		wh, err := r.Store.GetWarehouse(ctx, scope.WarehouseCode)
		if err != nil {
			return nil, err
		}
		if wh == nil {
			return nil, &ledger.NotFoundError{Kind: "warehouse", ID: scope.WarehouseCode}
		}
	}

	txs, err := r.Store.Transactions(ctx, TransactionQuery{
		WarehouseCode: scope.WarehouseCode,
		SKUCode:       scope.SKUCode,
		BatchLot:      scope.BatchLot,
		To:            scope.AsOf,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to load transactions: %w", err)
	}
	exclusion, err := exclusionFor(ctx, r.Store, txs)
	if err != nil {
		return nil, err
	}

	balances, err := ledger.Aggregate(txs, ledger.Options{
		IncludeZeroStock: scope.IncludeZeroStock,
		Exclude:          exclusion,
		AsOf:             scope.AsOf,
	})
	if err != nil {
		orDefault(r.Log).WithField("component", "reporter").
			WithField("warehouse", scope.WarehouseCode).
			WithError(err).Error("balance replay failed")
		return nil, err
	}
	return balances, nil
}

// LedgerQuery selects a page of the storage ledger.
type LedgerQuery struct {
	Filter      EntryFilter
	Limit       int
	Offset      int
	WithSummary bool
}

type LedgerSummary struct {
	Entries        int
	TotalClosing   int64
	TotalAverage   decimal.Decimal
	TotalCost      decimal.Decimal
	CostCalculated int
	Uncosted       int
}

type LedgerPage struct {
	Entries []Entry
	Total   int
	Limit   int
	Offset  int
	Summary *LedgerSummary
}

// StorageLedger lists entries, hiding those whose only contributing
// transactions belong to cancelled purchase orders. Hidden entries still
// exist; pagination and summary apply to the visible set.
func (r *Reporter) StorageLedger(ctx context.Context, q LedgerQuery) (*LedgerPage, error) {
	limit := q.Limit
	if limit <= 0 {
		limit = DefaultPageSize
	}
	if limit > MaxPageSize {
		limit = MaxPageSize
	}
	if q.Offset < 0 {
		return nil, &ledger.ValidationError{Field: "offset", Message: "must not be negative"}
	}

	entries, err := r.Store.ListEntries(ctx, q.Filter)
	if err != nil {
		return nil, err
	}
	visible, err := r.visibleEntries(ctx, entries)
	if err != nil {
		return nil, err
	}

	page := &LedgerPage{Total: len(visible), Limit: limit, Offset: q.Offset}
	if q.Offset < len(visible) {
		end := q.Offset + limit
		if end > len(visible) {
			end = len(visible)
		}
		page.Entries = visible[q.Offset:end]
	}
	if q.WithSummary {
		page.Summary = summarize(visible)
	}
	return page, nil
}

// visibleEntries drops entries with no kept transaction on or before their
// week but at least one excluded one.
func (r *Reporter) visibleEntries(ctx context.Context, entries []Entry) ([]Entry, error) {
	latest := make(map[string]ledger.Date)
	for _, e := range entries {
		if d, ok := latest[e.WarehouseCode]; !ok || e.WeekEndingDate.After(d) {
			latest[e.WarehouseCode] = e.WeekEndingDate
		}
	}

	type contribution struct {
		firstKept     *ledger.Date
		firstExcluded *ledger.Date
	}
	contrib := make(map[ledger.BatchKey]*contribution)

	for code, to := range latest {
		to := to
		txs, err := r.Store.Transactions(ctx, TransactionQuery{WarehouseCode: code, To: &to})
		if err != nil {
			return nil, fmt.Errorf("failed to load transactions: %w", err)
		}
		exclusion, err := exclusionFor(ctx, r.Store, txs)
		if err != nil {
			return nil, err
		}
		kept, excluded := ledger.Partition(txs, exclusion)
		for _, tx := range kept {
			c := contrib[tx.Key()]
			if c == nil {
				c = &contribution{}
				contrib[tx.Key()] = c
			}
			if c.firstKept == nil || tx.Date.Before(*c.firstKept) {
				d := tx.Date
				c.firstKept = &d
			}
		}
		for _, tx := range excluded {
			c := contrib[tx.Key()]
			if c == nil {
				c = &contribution{}
				contrib[tx.Key()] = c
			}
			if c.firstExcluded == nil || tx.Date.Before(*c.firstExcluded) {
				d := tx.Date
				c.firstExcluded = &d
			}
		}
	}

	out := make([]Entry, 0, len(entries))
	for _, e := range entries {
		c := contrib[e.Key().BatchKey()]
		if c != nil {
			hasKept := c.firstKept != nil && !c.firstKept.After(e.WeekEndingDate)
			hasExcluded := c.firstExcluded != nil && !c.firstExcluded.After(e.WeekEndingDate)
			if !hasKept && hasExcluded {
				continue
			}
		}
		out = append(out, e)
	}
	return out, nil
}

func summarize(entries []Entry) *LedgerSummary {
	s := &LedgerSummary{TotalAverage: decimal.Zero, TotalCost: decimal.Zero}
	for _, e := range entries {
		s.Entries++
		s.TotalClosing += e.ClosingBalance
		s.TotalAverage = s.TotalAverage.Add(e.AverageBalance)
		if e.IsCostCalculated && e.TotalStorageCost != nil {
			s.TotalCost = s.TotalCost.Add(*e.TotalStorageCost)
			s.CostCalculated++
		} else {
			s.Uncosted++
		}
	}
	return s
}
