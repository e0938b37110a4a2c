// Package memstore provides an in-memory storage.Store for tests and demos.
package memstore

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// =============================================================================
// MEMORY STORE - In-memory implementation (for testing/dev)
// =============================================================================

// Memory guards a state with a mutex. WithTx works on a clone of the state
// and swaps it in only when fn succeeds, so a failed fn leaves no trace.
type Memory struct {
	mu sync.Mutex
	st *state
}

var (
	_ storage.Store    = (*Memory)(nil)
	_ storage.Producer = (*Memory)(nil)
)

func New() *Memory {
	return &Memory{st: newState(func() time.Time { return time.Now().UTC() })}
}

// NewWithClock uses now for CreatedAt/UpdatedAt stamps.
func NewWithClock(now func() time.Time) *Memory {
	return &Memory{st: newState(now)}
}

func (m *Memory) WithTx(ctx context.Context, fn func(storage.Store) error) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	view := m.st.clone()
	if err := fn(view); err != nil {
		return err
	}
	m.st = view
	return nil
}

// Reset drops all data.
func (m *Memory) Reset(_ context.Context) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.st = newState(m.st.now)
	return nil
}

func (m *Memory) Transactions(ctx context.Context, q storage.TransactionQuery) ([]ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.Transactions(ctx, q)
}

func (m *Memory) PurchaseOrderStatuses(ctx context.Context, ids []string) (map[string]ledger.PurchaseOrderStatus, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.PurchaseOrderStatuses(ctx, ids)
}

func (m *Memory) ListWarehouses(ctx context.Context) ([]storage.Warehouse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListWarehouses(ctx)
}

func (m *Memory) GetWarehouse(ctx context.Context, code string) (*storage.Warehouse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetWarehouse(ctx, code)
}

func (m *Memory) GetWarehouseByID(ctx context.Context, id string) (*storage.Warehouse, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetWarehouseByID(ctx, id)
}

func (m *Memory) SKUDescriptions(ctx context.Context, codes []string) (map[string]string, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SKUDescriptions(ctx, codes)
}

func (m *Memory) GetEntry(ctx context.Context, key storage.EntryKey) (*storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetEntry(ctx, key)
}

func (m *Memory) UpsertEntry(ctx context.Context, e storage.Entry) (storage.UpsertOutcome, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.UpsertEntry(ctx, e)
}

func (m *Memory) ListEntries(ctx context.Context, f storage.EntryFilter) ([]storage.Entry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListEntries(ctx, f)
}

func (m *Memory) SaveEntryCost(ctx context.Context, entryID string, c storage.EntryCost) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveEntryCost(ctx, entryID, c)
}

func (m *Memory) ClearEntryCost(ctx context.Context, entryID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ClearEntryCost(ctx, entryID)
}

func (m *Memory) ListRates(ctx context.Context, warehouseID, category string) ([]storage.CostRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListRates(ctx, warehouseID, category)
}

func (m *Memory) GetRate(ctx context.Context, id string) (*storage.CostRate, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.GetRate(ctx, id)
}

func (m *Memory) SaveRate(ctx context.Context, r storage.CostRate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveRate(ctx, r)
}

func (m *Memory) DeleteRate(ctx context.Context, id string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.DeleteRate(ctx, id)
}

func (m *Memory) SaveRun(ctx context.Context, run storage.SnapshotRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveRun(ctx, run)
}

func (m *Memory) ListRuns(ctx context.Context, limit int) ([]storage.SnapshotRun, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.ListRuns(ctx, limit)
}

func (m *Memory) IsWeekComplete(ctx context.Context, weekEnding ledger.Date) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.IsWeekComplete(ctx, weekEnding)
}

func (m *Memory) SaveWarehouse(ctx context.Context, w storage.Warehouse) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveWarehouse(ctx, w)
}

func (m *Memory) SaveSKU(ctx context.Context, s storage.SKU) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SaveSKU(ctx, s)
}

func (m *Memory) AppendTransaction(ctx context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.AppendTransaction(ctx, tx)
}

func (m *Memory) SetPurchaseOrderStatus(ctx context.Context, id string, status ledger.PurchaseOrderStatus) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.SetPurchaseOrderStatus(ctx, id, status)
}

func (m *Memory) PurgeTransaction(ctx context.Context, id ledger.TransactionID) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.st.PurgeTransaction(ctx, id)
}

// =============================================================================
// STATE - Unlocked data; also serves as the transactional view
// =============================================================================

type state struct {
	now func() time.Time

	warehouses map[string]storage.Warehouse // by code
	skus       map[string]storage.SKU
	txs        []ledger.Transaction // append order
	nextSeq    int64
	pos        map[string]ledger.PurchaseOrderStatus
	entries    map[storage.EntryKey]storage.Entry
	entryKeys  map[string]storage.EntryKey // by entry id
	rates      map[string]storage.CostRate
	runs       map[string]storage.SnapshotRun
}

func newState(now func() time.Time) *state {
	return &state{
		now:        now,
		warehouses: make(map[string]storage.Warehouse),
		skus:       make(map[string]storage.SKU),
		pos:        make(map[string]ledger.PurchaseOrderStatus),
		entries:    make(map[storage.EntryKey]storage.Entry),
		entryKeys:  make(map[string]storage.EntryKey),
		rates:      make(map[string]storage.CostRate),
		runs:       make(map[string]storage.SnapshotRun),
		nextSeq:    1,
	}
}

// clone copies every map. Records are values and are replaced, never
// mutated in place, so sharing their pointer fields is safe.
func (s *state) clone() *state {
	c := &state{
		now:        s.now,
		warehouses: make(map[string]storage.Warehouse, len(s.warehouses)),
		skus:       make(map[string]storage.SKU, len(s.skus)),
		txs:        append([]ledger.Transaction(nil), s.txs...),
		nextSeq:    s.nextSeq,
		pos:        make(map[string]ledger.PurchaseOrderStatus, len(s.pos)),
		entries:    make(map[storage.EntryKey]storage.Entry, len(s.entries)),
		entryKeys:  make(map[string]storage.EntryKey, len(s.entryKeys)),
		rates:      make(map[string]storage.CostRate, len(s.rates)),
		runs:       make(map[string]storage.SnapshotRun, len(s.runs)),
	}
	for k, v := range s.warehouses {
		c.warehouses[k] = v
	}
	for k, v := range s.skus {
		c.skus[k] = v
	}
	for k, v := range s.pos {
		c.pos[k] = v
	}
	for k, v := range s.entries {
		c.entries[k] = v
	}
	for k, v := range s.entryKeys {
		c.entryKeys[k] = v
	}
	for k, v := range s.rates {
		c.rates[k] = v
	}
	for k, v := range s.runs {
		c.runs[k] = v
	}
	return c
}

// WithTx on the view nests: the outer transaction already isolates it.
func (s *state) WithTx(_ context.Context, fn func(storage.Store) error) error {
	return fn(s)
}

func (s *state) Transactions(_ context.Context, q storage.TransactionQuery) ([]ledger.Transaction, error) {
	var out []ledger.Transaction
	for _, tx := range s.txs {
		switch {
		case q.WarehouseCode != "" && tx.WarehouseCode != q.WarehouseCode:
			continue
		case q.SKUCode != "" && tx.SKUCode != q.SKUCode:
			continue
		case q.BatchLot != "" && tx.BatchLot != q.BatchLot:
			continue
		case q.From != nil && tx.Date.Before(*q.From):
			continue
		case q.To != nil && tx.Date.After(*q.To):
			continue
		}
		out = append(out, tx)
	}
	sort.SliceStable(out, func(i, j int) bool {
		if !out[i].Date.Equal(out[j].Date) {
			return out[i].Date.Before(out[j].Date)
		}
		return out[i].Seq < out[j].Seq
	})
	return out, nil
}

func (s *state) PurchaseOrderStatuses(_ context.Context, ids []string) (map[string]ledger.PurchaseOrderStatus, error) {
	out := make(map[string]ledger.PurchaseOrderStatus, len(ids))
	for _, id := range ids {
		if st, ok := s.pos[id]; ok {
			out[id] = st
		}
	}
	return out, nil
}

func (s *state) ListWarehouses(_ context.Context) ([]storage.Warehouse, error) {
	out := make([]storage.Warehouse, 0, len(s.warehouses))
	for _, w := range s.warehouses {
		out = append(out, w)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Code < out[j].Code })
	return out, nil
}

func (s *state) GetWarehouse(_ context.Context, code string) (*storage.Warehouse, error) {
	w, ok := s.warehouses[code]
	if !ok {
		return nil, nil
	}
	return &w, nil
}

func (s *state) GetWarehouseByID(_ context.Context, id string) (*storage.Warehouse, error) {
	for _, w := range s.warehouses {
		if w.ID == id {
			w := w
			return &w, nil
		}
	}
	return nil, nil
}

func (s *state) SKUDescriptions(_ context.Context, codes []string) (map[string]string, error) {
	out := make(map[string]string, len(codes))
	for _, c := range codes {
		if sku, ok := s.skus[c]; ok {
			out[c] = sku.Description
		}
	}
	return out, nil
}

func (s *state) GetEntry(_ context.Context, key storage.EntryKey) (*storage.Entry, error) {
	e, ok := s.entries[normalizeKey(key)]
	if !ok {
		return nil, nil
	}
	return &e, nil
}

func (s *state) UpsertEntry(_ context.Context, e storage.Entry) (storage.UpsertOutcome, error) {
	key := normalizeKey(e.Key())
	now := s.now()

	existing, ok := s.entries[key]
	if !ok {
		e.WeekEndingDate = key.WeekEndingDate
		if e.ID == "" {
			e.ID = uuid.NewString()
		}
		e.StorageRatePerCarton = nil
		e.TotalStorageCost = nil
		e.IsCostCalculated = false
		e.RateEffectiveDate = nil
		e.CostRateID = nil
		e.CreatedAt = now
		e.UpdatedAt = now
		s.entries[key] = e
		s.entryKeys[e.ID] = key
		return storage.UpsertCreated, nil
	}

	if existing.SameSnapshot(e) {
		return storage.UpsertUnchanged, nil
	}
	existing.ClosingBalance = e.ClosingBalance
	existing.AverageBalance = e.AverageBalance
	existing.WarehouseName = e.WarehouseName
	existing.SKUDescription = e.SKUDescription
	existing.UpdatedAt = now
	s.entries[key] = existing
	return storage.UpsertUpdated, nil
}

func (s *state) ListEntries(_ context.Context, f storage.EntryFilter) ([]storage.Entry, error) {
	var out []storage.Entry
	for _, e := range s.entries {
		if f.Matches(e) {
			out = append(out, e)
		}
	}
	sortEntries(out)
	return out, nil
}

func (s *state) SaveEntryCost(_ context.Context, entryID string, c storage.EntryCost) error {
	key, ok := s.entryKeys[entryID]
	if !ok {
		return &ledger.NotFoundError{Kind: "storage_ledger_entry", ID: entryID}
	}
	e := s.entries[key]
	rate := c.RatePerCarton
	total := c.TotalCost
	eff := c.RateEffectiveDate
	rateID := c.CostRateID
	e.StorageRatePerCarton = &rate
	e.TotalStorageCost = &total
	e.RateEffectiveDate = &eff
	e.CostRateID = &rateID
	e.IsCostCalculated = true
	e.UpdatedAt = s.now()
	s.entries[key] = e
	return nil
}

func (s *state) ClearEntryCost(_ context.Context, entryID string) error {
	key, ok := s.entryKeys[entryID]
	if !ok {
		return &ledger.NotFoundError{Kind: "storage_ledger_entry", ID: entryID}
	}
	e := s.entries[key]
	e.StorageRatePerCarton = nil
	e.TotalStorageCost = nil
	e.RateEffectiveDate = nil
	e.CostRateID = nil
	e.IsCostCalculated = false
	e.UpdatedAt = s.now()
	s.entries[key] = e
	return nil
}

func (s *state) ListRates(_ context.Context, warehouseID, category string) ([]storage.CostRate, error) {
	var out []storage.CostRate
	for _, r := range s.rates {
		if warehouseID != "" && r.WarehouseID != warehouseID {
			continue
		}
		if category != "" && r.CostCategory != category {
			continue
		}
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].EffectiveDate.Equal(out[j].EffectiveDate) {
			return out[i].EffectiveDate.Before(out[j].EffectiveDate)
		}
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (s *state) GetRate(_ context.Context, id string) (*storage.CostRate, error) {
	r, ok := s.rates[id]
	if !ok {
		return nil, nil
	}
	return &r, nil
}

func (s *state) SaveRate(_ context.Context, r storage.CostRate) error {
	if r.ID == "" {
		r.ID = uuid.NewString()
	}
	s.rates[r.ID] = r
	return nil
}

func (s *state) DeleteRate(_ context.Context, id string) (int, error) {
	detached := 0
	for k, e := range s.entries {
		if e.CostRateID != nil && *e.CostRateID == id {
			e.CostRateID = nil
			e.UpdatedAt = s.now()
			s.entries[k] = e
			detached++
		}
	}
	delete(s.rates, id)
	return detached, nil
}

func (s *state) SaveRun(_ context.Context, run storage.SnapshotRun) error {
	s.runs[run.ID] = run
	return nil
}

func (s *state) ListRuns(_ context.Context, limit int) ([]storage.SnapshotRun, error) {
	out := make([]storage.SnapshotRun, 0, len(s.runs))
	for _, r := range s.runs {
		out = append(out, r)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (s *state) IsWeekComplete(_ context.Context, weekEnding ledger.Date) (bool, error) {
	for _, r := range s.runs {
		if r.WeekEndingDate.Equal(weekEnding) && r.Status == storage.RunCompleted {
			return true, nil
		}
	}
	return false, nil
}

func (s *state) SaveWarehouse(_ context.Context, w storage.Warehouse) error {
	if w.Code == "" {
		return &ledger.ValidationError{Field: "code", Message: "required"}
	}
	if existing, ok := s.warehouses[w.Code]; ok && w.ID == "" {
		w.ID = existing.ID
	}
	if w.ID == "" {
		w.ID = uuid.NewString()
	}
	s.warehouses[w.Code] = w
	return nil
}

func (s *state) SaveSKU(_ context.Context, sku storage.SKU) error {
	if sku.Code == "" {
		return &ledger.ValidationError{Field: "code", Message: "required"}
	}
	s.skus[sku.Code] = sku
	return nil
}

func (s *state) AppendTransaction(_ context.Context, tx ledger.Transaction) (ledger.Transaction, error) {
	if err := tx.Validate(); err != nil {
		return ledger.Transaction{}, err
	}
	if _, ok := s.warehouses[tx.WarehouseCode]; !ok {
		return ledger.Transaction{}, &ledger.NotFoundError{Kind: "warehouse", ID: tx.WarehouseCode}
	}
	if tx.ID == "" {
		tx.ID = ledger.TransactionID(uuid.NewString())
	}
	tx.Seq = s.nextSeq
	s.nextSeq++
	s.txs = append(s.txs, tx)
	return tx, nil
}

func (s *state) SetPurchaseOrderStatus(_ context.Context, id string, status ledger.PurchaseOrderStatus) error {
	switch status {
	case ledger.POActive, ledger.POClosed, ledger.POCancelled:
	default:
		return &ledger.ValidationError{Field: "status", Message: "must be ACTIVE, CLOSED or CANCELLED"}
	}
	s.pos[id] = status
	return nil
}

func (s *state) PurgeTransaction(_ context.Context, id ledger.TransactionID) (int, error) {
	idx := -1
	for i, tx := range s.txs {
		if tx.ID == id {
			idx = i
			break
		}
	}
	if idx < 0 {
		return 0, &ledger.NotFoundError{Kind: "transaction", ID: string(id)}
	}
	tx := s.txs[idx]
	s.txs = append(s.txs[:idx:idx], s.txs[idx+1:]...)

	from := ledger.WeekOf(tx.Date).End
	removed := 0
	for k, e := range s.entries {
		if k.BatchKey() == tx.Key() && !e.WeekEndingDate.Before(from) {
			delete(s.entries, k)
			delete(s.entryKeys, e.ID)
			removed++
		}
	}
	return removed, nil
}

// normalizeKey pins the week to its Sunday so callers may pass any day.
func normalizeKey(k storage.EntryKey) storage.EntryKey {
	k.WeekEndingDate = ledger.WeekOf(k.WeekEndingDate).End
	return k
}

func sortEntries(es []storage.Entry) {
	sort.Slice(es, func(i, j int) bool {
		a, b := es[i], es[j]
		if !a.WeekEndingDate.Equal(b.WeekEndingDate) {
			return a.WeekEndingDate.Before(b.WeekEndingDate)
		}
		if a.WarehouseCode != b.WarehouseCode {
			return a.WarehouseCode < b.WarehouseCode
		}
		if a.SKUCode != b.SKUCode {
			return a.SKUCode < b.SKUCode
		}
		return a.BatchLot < b.BatchLot
	})
}
