package ledger

// Exclusion decides which transactions are dropped before replay. The ledger
// never looks up purchase orders itself; callers inject what they know.
type Exclusion interface {
	IsExcluded(tx Transaction) bool
}

// ExclusionFunc adapts a function to Exclusion.
type ExclusionFunc func(tx Transaction) bool

func (f ExclusionFunc) IsExcluded(tx Transaction) bool { return f(tx) }

// NoExclusion keeps every transaction.
var NoExclusion Exclusion = ExclusionFunc(func(Transaction) bool { return false })

// CancelledPurchaseOrders excludes transactions linked to a purchase order
// whose current status is CANCELLED. Unknown purchase orders are kept.
type CancelledPurchaseOrders map[string]PurchaseOrderStatus

func (c CancelledPurchaseOrders) IsExcluded(tx Transaction) bool {
	if tx.PurchaseOrderID == nil {
		return false
	}
	return c[*tx.PurchaseOrderID] == POCancelled
}

// PurchaseOrderIDs collects the distinct purchase orders referenced by txs,
// in first-seen order.
func PurchaseOrderIDs(txs []Transaction) []string {
	seen := make(map[string]bool)
	var ids []string
	for _, tx := range txs {
		if tx.PurchaseOrderID == nil || seen[*tx.PurchaseOrderID] {
			continue
		}
		seen[*tx.PurchaseOrderID] = true
		ids = append(ids, *tx.PurchaseOrderID)
	}
	return ids
}

// Partition splits txs into kept and excluded, preserving order.
func Partition(txs []Transaction, ex Exclusion) (kept, excluded []Transaction) {
	if ex == nil {
		ex = NoExclusion
	}
	kept = make([]Transaction, 0, len(txs))
	for _, tx := range txs {
		if ex.IsExcluded(tx) {
			excluded = append(excluded, tx)
			continue
		}
		kept = append(kept, tx)
	}
	return kept, excluded
}
