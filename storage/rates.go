/*
rates.go - Cost rate resolution and administration

RESOLUTION:
  A rate applies on [effectiveDate, endDate). For (warehouse, category, date)
  exactly one rate should cover the date. Resolution reads the rate table
  as it is now and never re-prices anything by itself: changing a rate
  affects entries only through an explicit recalculation.

CACHING:
  Rates are read-mostly. A RateTable is loaded once per invocation and
  passed down the call; there is no process-wide cache, so an admin
  correction is visible to the very next call.

WRITES:
  CreateRate  - auto-closes an earlier open-ended rate it supersedes,
                rejects any other overlap
  UpdateRate  - value/name/unit/window changes; window shrinks that strand
                citing entries need Recalculate (ConflictError otherwise)
  DeleteRate  - needs confirmation; citing entries keep their cost figures
                and lose only the cost_rate_id link
*/
package storage

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/storage-ledger/ledger"
)

// =============================================================================
// RATE TABLE - Invocation-scoped lookup for one warehouse+category
// =============================================================================

type RateTable struct {
	WarehouseID string
	Category    string
	rates       []CostRate
	log         logrus.FieldLogger
}

func NewRateTable(warehouseID, category string, rates []CostRate, log logrus.FieldLogger) *RateTable {
	sorted := make([]CostRate, len(rates))
	copy(sorted, rates)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].EffectiveDate.Before(sorted[j].EffectiveDate)
	})
	return &RateTable{WarehouseID: warehouseID, Category: category, rates: sorted, log: orDefault(log)}
}

// Resolve selects the rate covering on. Overlapping candidates break the
// non-overlap invariant: the most recently created one wins and the
// anomaly is logged.
func (t *RateTable) Resolve(on ledger.Date) (*CostRate, error) {
	var candidates []CostRate
	for _, r := range t.rates {
		if r.Covers(on) {
			candidates = append(candidates, r)
		}
	}

	if len(candidates) == 0 {
		return nil, &ledger.NotFoundError{
			Kind: "cost_rate",
			ID:   fmt.Sprintf("%s/%s@%s", t.WarehouseID, t.Category, on),
		}
	}

	if len(candidates) > 1 {
		sort.SliceStable(candidates, func(i, j int) bool {
			if !candidates[i].CreatedAt.Equal(candidates[j].CreatedAt) {
				return candidates[i].CreatedAt.After(candidates[j].CreatedAt)
			}
			return candidates[i].ID > candidates[j].ID
		})
		ids := make([]string, len(candidates))
		for i, c := range candidates {
			ids[i] = c.ID
		}
		anomaly := &ledger.DataIntegrityError{
			Invariant: "cost rate windows must not overlap",
			Keys:      ids,
			Detail:    "resolved to most recently created rate " + candidates[0].ID,
		}
		t.log.WithFields(logrus.Fields{
			"warehouse_id": t.WarehouseID,
			"category":     t.Category,
			"on":           on.String(),
		}).WithError(anomaly).Warn("ambiguous cost rate resolution")
	}

	winner := candidates[0]
	return &winner, nil
}

// rateLookup caches warehouses and rate tables for one invocation.
type rateLookup struct {
	store      Store
	log        logrus.FieldLogger
	warehouses map[string]*Warehouse
	tables     map[string]*RateTable
}

func newRateLookup(st Store, log logrus.FieldLogger) *rateLookup {
	return &rateLookup{
		store:      st,
		log:        orDefault(log),
		warehouses: make(map[string]*Warehouse),
		tables:     make(map[string]*RateTable),
	}
}

func (l *rateLookup) warehouse(ctx context.Context, code string) (*Warehouse, error) {
	if w, ok := l.warehouses[code]; ok {
		return w, nil
	}
	w, err := l.store.GetWarehouse(ctx, code)
	if err != nil {
		return nil, err
	}
	l.warehouses[code] = w
	return w, nil
}

func (l *rateLookup) table(ctx context.Context, warehouseID, category string) (*RateTable, error) {
	k := warehouseID + "\x00" + category
	if t, ok := l.tables[k]; ok {
		return t, nil
	}
	rates, err := l.store.ListRates(ctx, warehouseID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost rates: %w", err)
	}
	t := NewRateTable(warehouseID, category, rates, l.log)
	l.tables[k] = t
	return t, nil
}

// =============================================================================
// RATE SERVICE - Resolver plus admin writes
// =============================================================================

type RateService struct {
	Store      Store
	Calculator *CostCalculator
	Log        logrus.FieldLogger
	Now        func() time.Time
}

// NewRate is the input to CreateRate.
type NewRate struct {
	WarehouseID   string
	CostCategory  string
	CostName      string
	CostValue     decimal.Decimal
	UnitOfMeasure string
	EffectiveDate ledger.Date
	EndDate       *ledger.Date
}

// RateUpdate carries optional changes. ClearEndDate reopens a closed rate.
type RateUpdate struct {
	CostName      *string
	CostValue     *decimal.Decimal
	UnitOfMeasure *string
	EffectiveDate *ledger.Date
	EndDate       *ledger.Date
	ClearEndDate  bool
}

// WriteOptions: Recalculate re-prices every entry citing a changed rate in
// the same transaction, which also permits window shrinks.
type WriteOptions struct {
	Recalculate bool
}

// RateChange reports exactly what a write touched.
type RateChange struct {
	Rate         CostRate
	Closed       []CostRate
	Recalculated int
	Uncosted     int
}

func (s *RateService) log() logrus.FieldLogger {
	return orDefault(s.Log).WithField("component", "rates")
}

func (s *RateService) now() time.Time {
	if s.Now != nil {
		return s.Now().UTC()
	}
	return time.Now().UTC()
}

// Resolve returns the rate in effect for warehouse+category on the date.
func (s *RateService) Resolve(ctx context.Context, warehouseID, category string, on ledger.Date) (*CostRate, error) {
	t, err := s.LoadTable(ctx, warehouseID, category)
	if err != nil {
		return nil, err
	}
	return t.Resolve(on)
}

// LoadTable loads a RateTable for use across one invocation.
func (s *RateService) LoadTable(ctx context.Context, warehouseID, category string) (*RateTable, error) {
	if category == "" {
		category = CategoryStorage
	}
	rates, err := s.Store.ListRates(ctx, warehouseID, category)
	if err != nil {
		return nil, fmt.Errorf("failed to load cost rates: %w", err)
	}
	return NewRateTable(warehouseID, category, rates, s.log()), nil
}

func (s *RateService) ListRates(ctx context.Context, warehouseID, category string) ([]CostRate, error) {
	return s.Store.ListRates(ctx, warehouseID, category)
}

func (s *RateService) GetRate(ctx context.Context, id string) (*CostRate, error) {
	r, err := s.Store.GetRate(ctx, id)
	if err != nil {
		return nil, err
	}
	if r == nil {
		return nil, &ledger.NotFoundError{Kind: "cost_rate", ID: id}
	}
	return r, nil
}

// CreateRate adds a rate. An open-ended rate that started earlier in the
// same warehouse+category is closed at the new effective date.
func (s *RateService) CreateRate(ctx context.Context, in NewRate, opts WriteOptions) (*RateChange, error) {
	if in.CostCategory == "" {
		in.CostCategory = CategoryStorage
	}
	now := s.now()
	rate := CostRate{
		ID:            uuid.NewString(),
		WarehouseID:   in.WarehouseID,
		CostCategory:  in.CostCategory,
		CostName:      in.CostName,
		CostValue:     in.CostValue,
		UnitOfMeasure: in.UnitOfMeasure,
		EffectiveDate: in.EffectiveDate,
		EndDate:       in.EndDate,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if err := validateRate(rate); err != nil {
		return nil, err
	}

	change := &RateChange{Rate: rate}
	err := s.Store.WithTx(ctx, func(st Store) error {
		wh, err := st.GetWarehouseByID(ctx, rate.WarehouseID)
		if err != nil {
			return err
		}
		if wh == nil {
			return &ledger.NotFoundError{Kind: "warehouse", ID: rate.WarehouseID}
		}

		existing, err := st.ListRates(ctx, rate.WarehouseID, rate.CostCategory)
		if err != nil {
			return err
		}

		var closed []CostRate
		for _, e := range existing {
			if !e.Overlaps(rate) {
				continue
			}
			if e.EndDate != nil || !e.EffectiveDate.Before(rate.EffectiveDate) {
				return &ledger.ValidationError{
					Field:   "effective_date",
					Message: fmt.Sprintf("window overlaps cost rate %s starting %s", e.ID, e.EffectiveDate),
				}
			}
			end := rate.EffectiveDate
			e.EndDate = &end
			e.UpdatedAt = now
			closed = append(closed, e)
		}

		var toReprice []Entry
		for _, c := range closed {
			stranded, err := strandedEntries(ctx, st, c)
			if err != nil {
				return err
			}
			if len(stranded) > 0 && !opts.Recalculate {
				return &ledger.ConflictError{
					RateID:          c.ID,
					AffectedEntries: len(stranded),
					Message:         "closing the superseded rate would strand entries that cite it",
				}
			}
			toReprice = append(toReprice, stranded...)
		}

		for _, c := range closed {
			if err := st.SaveRate(ctx, c); err != nil {
				return err
			}
		}
		if err := st.SaveRate(ctx, rate); err != nil {
			return err
		}

		if opts.Recalculate {
			priced, uncosted, err := s.calculator().priceEntries(ctx, st, toReprice, newRateLookup(st, s.log()))
			if err != nil {
				return err
			}
			change.Recalculated, change.Uncosted = priced, uncosted
		}
		change.Closed = closed
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log().WithFields(logrus.Fields{
		"rate_id":      rate.ID,
		"warehouse_id": rate.WarehouseID,
		"effective":    rate.EffectiveDate.String(),
		"closed":       len(change.Closed),
		"recalculated": change.Recalculated,
	}).Info("cost rate created")
	return change, nil
}

// UpdateRate changes a rate in place. A new cost value applies to future
// pricing only, unless Recalculate is requested.
func (s *RateService) UpdateRate(ctx context.Context, id string, upd RateUpdate, opts WriteOptions) (*RateChange, error) {
	change := &RateChange{}
	err := s.Store.WithTx(ctx, func(st Store) error {
		current, err := st.GetRate(ctx, id)
		if err != nil {
			return err
		}
		if current == nil {
			return &ledger.NotFoundError{Kind: "cost_rate", ID: id}
		}

		next := *current
		if upd.CostName != nil {
			next.CostName = *upd.CostName
		}
		if upd.CostValue != nil {
			next.CostValue = *upd.CostValue
		}
		if upd.UnitOfMeasure != nil {
			next.UnitOfMeasure = *upd.UnitOfMeasure
		}
		if upd.EffectiveDate != nil {
			next.EffectiveDate = *upd.EffectiveDate
		}
		if upd.ClearEndDate {
			next.EndDate = nil
		} else if upd.EndDate != nil {
			end := *upd.EndDate
			next.EndDate = &end
		}
		next.UpdatedAt = s.now()

		if err := validateRate(next); err != nil {
			return err
		}

		others, err := st.ListRates(ctx, next.WarehouseID, next.CostCategory)
		if err != nil {
			return err
		}
		for _, o := range others {
			if o.ID != next.ID && o.Overlaps(next) {
				return &ledger.ValidationError{
					Field:   "window",
					Message: fmt.Sprintf("window overlaps cost rate %s starting %s", o.ID, o.EffectiveDate),
				}
			}
		}

		stranded, err := strandedEntries(ctx, st, next)
		if err != nil {
			return err
		}
		if len(stranded) > 0 && !opts.Recalculate {
			return &ledger.ConflictError{
				RateID:          next.ID,
				AffectedEntries: len(stranded),
				Message:         "new window no longer covers entries that cite this rate",
			}
		}

		if err := st.SaveRate(ctx, next); err != nil {
			return err
		}
		change.Rate = next

		if opts.Recalculate {
			citing, err := st.ListEntries(ctx, EntryFilter{CostRateID: next.ID})
			if err != nil {
				return err
			}
			priced, uncosted, err := s.calculator().priceEntries(ctx, st, citing, newRateLookup(st, s.log()))
			if err != nil {
				return err
			}
			change.Recalculated, change.Uncosted = priced, uncosted
		}
		return nil
	})
	if err != nil {
		return nil, err
	}

	s.log().WithFields(logrus.Fields{
		"rate_id":      id,
		"recalculated": change.Recalculated,
	}).Info("cost rate updated")
	return change, nil
}

// CloseRate ends a rate's window at end (exclusive).
func (s *RateService) CloseRate(ctx context.Context, id string, end ledger.Date, opts WriteOptions) (*RateChange, error) {
	return s.UpdateRate(ctx, id, RateUpdate{EndDate: &end}, opts)
}

// DeleteRate hard-deletes a rate. Entries that cite it keep their rate and
// cost figures; only cost_rate_id is cleared. Returns entries detached.
func (s *RateService) DeleteRate(ctx context.Context, id string, confirm bool) (int, error) {
	if !confirm {
		return 0, ledger.ErrConfirmationRequired
	}
	var detached int
	err := s.Store.WithTx(ctx, func(st Store) error {
		r, err := st.GetRate(ctx, id)
		if err != nil {
			return err
		}
		if r == nil {
			return &ledger.NotFoundError{Kind: "cost_rate", ID: id}
		}
		detached, err = st.DeleteRate(ctx, id)
		return err
	})
	if err != nil {
		return 0, err
	}
	s.log().WithFields(logrus.Fields{"rate_id": id, "detached": detached}).Info("cost rate deleted")
	return detached, nil
}

func (s *RateService) calculator() *CostCalculator {
	if s.Calculator != nil {
		return s.Calculator
	}
	return &CostCalculator{Store: s.Store, Log: s.Log}
}

func validateRate(r CostRate) error {
	switch {
	case r.WarehouseID == "":
		return &ledger.ValidationError{Field: "warehouse_id", Message: "required"}
	case r.CostCategory == "":
		return &ledger.ValidationError{Field: "cost_category", Message: "required"}
	case r.EffectiveDate.IsZero():
		return &ledger.ValidationError{Field: "effective_date", Message: "required"}
	case r.CostValue.IsNegative():
		return &ledger.ValidationError{Field: "cost_value", Message: "must not be negative"}
	case r.EndDate != nil && r.EndDate.Before(r.EffectiveDate):
		return &ledger.ValidationError{Field: "end_date", Message: "must not be before effective_date"}
	}
	return nil
}

// strandedEntries are entries citing r whose week r would no longer cover.
func strandedEntries(ctx context.Context, st Store, r CostRate) ([]Entry, error) {
	citing, err := st.ListEntries(ctx, EntryFilter{CostRateID: r.ID})
	if err != nil {
		return nil, err
	}
	var out []Entry
	for _, e := range citing {
		if !r.Covers(e.WeekEndingDate) {
			out = append(out, e)
		}
	}
	return out, nil
}

func orDefault(l logrus.FieldLogger) logrus.FieldLogger {
	if l == nil {
		return logrus.StandardLogger()
	}
	return l
}
