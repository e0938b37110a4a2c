/*
aggregate.go - Replay of inventory transactions into batch balances

PURPOSE:
  Aggregate is the ledger aggregator. It walks transactions in
  (date, creation order) and keeps one running accumulator per batch.
  Balance is always derived this way - there is no stored balance that
  could drift from the log.

REPLAY RULES (per transaction):
  1. Excluded transactions (cancelled purchase orders) are filtered out first
  2. currentCartons += cartonsIn - cartonsOut
  3. unitsPerCarton follows the most recent non-null value
  4. lastTransactionDate always moves to the transaction date
  5. firstReceiveDate is set by the first RECEIVE
  6. On RECEIVE, pallet configuration is overwritten only by non-null values

GUARANTEES:
  - Pure: no I/O, no clock, inputs are not mutated
  - Deterministic: output ordered by (warehouse, SKU, batch)
  - Honest: a negative carton balance is reported as DataIntegrityError,
    never clamped

SEE ALSO:
  - average.go: Time-weighted weekly replay sharing the same accumulator
  - exclusion.go: Purchase order exclusion capability
*/
package ledger

import (
	"fmt"
	"sort"
)

// Options controls Aggregate.
type Options struct {
	// IncludeZeroStock keeps batches whose final carton balance is zero.
	IncludeZeroStock bool

	// Exclude filters transactions before replay. Nil keeps everything.
	Exclude Exclusion

	// AsOf, when set, ignores transactions dated after it.
	AsOf *Date
}

// Aggregate replays txs into balances. See the file comment for the rules.
func Aggregate(txs []Transaction, opts Options) ([]Balance, error) {
	ordered := sortedCopy(txs)
	kept, _ := Partition(ordered, opts.Exclude)

	accs := make(map[BatchKey]*accumulator)
	for _, tx := range kept {
		if opts.AsOf != nil && tx.Date.After(*opts.AsOf) {
			break
		}
		acc, ok := accs[tx.Key()]
		if !ok {
			acc = newAccumulator(tx.Key())
			accs[tx.Key()] = acc
		}
		acc.apply(tx)
	}

	balances := make([]Balance, 0, len(accs))
	var negative []string
	for key, acc := range accs {
		b := acc.balance()
		if b.CurrentCartons < 0 {
			negative = append(negative, fmt.Sprintf("%s=%d", key, b.CurrentCartons))
		}
		if b.CurrentCartons == 0 && !opts.IncludeZeroStock {
			continue
		}
		balances = append(balances, b)
	}

	if len(negative) > 0 {
		sort.Strings(negative)
		return nil, &DataIntegrityError{
			Invariant: "carton balance must not be negative",
			Keys:      negative,
		}
	}

	sort.Slice(balances, func(i, j int) bool { return balances[i].Key().less(balances[j].Key()) })
	return balances, nil
}

// sortedCopy orders by (date, seq) without touching the caller's slice.
// Callers are expected to pass ordered input; the stable sort makes the
// result independent of that expectation.
func sortedCopy(txs []Transaction) []Transaction {
	out := make([]Transaction, len(txs))
	copy(out, txs)
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Seq < out[j].Seq
	})
	return out
}

// =============================================================================
// ACCUMULATOR - Running state for one batch
// =============================================================================

type accumulator struct {
	key          BatchKey
	cartons      int64
	palletsIn    int64
	palletsOut   int64
	unitsPerCtn  *int64
	storageCPP   *int64
	shippingCPP  *int64
	firstReceive *Date
	lastTx       Date
}

func newAccumulator(key BatchKey) *accumulator {
	return &accumulator{key: key}
}

func (a *accumulator) apply(tx Transaction) {
	a.cartons += tx.NetCartons()
	a.palletsIn += tx.StoragePalletsIn
	a.palletsOut += tx.ShippingPalletsOut

	if tx.UnitsPerCarton != nil {
		a.unitsPerCtn = copyInt(tx.UnitsPerCarton)
	}
	a.lastTx = tx.Date

	if tx.Type == TxReceive {
		if a.firstReceive == nil {
			d := tx.Date
			a.firstReceive = &d
		}
		if tx.StorageCartonsPerPallet != nil {
			a.storageCPP = copyInt(tx.StorageCartonsPerPallet)
		}
		if tx.ShippingCartonsPerPallet != nil {
			a.shippingCPP = copyInt(tx.ShippingCartonsPerPallet)
		}
	}
}

func (a *accumulator) balance() Balance {
	b := Balance{
		WarehouseCode:            a.key.WarehouseCode,
		SKUCode:                  a.key.SKUCode,
		BatchLot:                 a.key.BatchLot,
		CurrentCartons:           a.cartons,
		StorageCartonsPerPallet:  copyInt(a.storageCPP),
		ShippingCartonsPerPallet: copyInt(a.shippingCPP),
		UnitsPerCarton:           copyInt(a.unitsPerCtn),
		LastTransactionDate:      a.lastTx,
	}
	if a.firstReceive != nil {
		d := *a.firstReceive
		b.FirstReceiveDate = &d
	}
	if a.unitsPerCtn != nil {
		b.CurrentUnits = a.cartons * *a.unitsPerCtn
	}
	b.CurrentPallets = a.pallets()
	return b
}

// pallets derives pallet count from the storage configuration when known,
// otherwise from the pallet movements recorded on transactions.
func (a *accumulator) pallets() int64 {
	if a.storageCPP != nil && *a.storageCPP > 0 {
		if a.cartons <= 0 {
			return 0
		}
		return (a.cartons + *a.storageCPP - 1) / *a.storageCPP
	}
	return a.palletsIn - a.palletsOut
}

func copyInt(p *int64) *int64 {
	if p == nil {
		return nil
	}
	v := *p
	return &v
}
