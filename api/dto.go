/*
dto.go - Data Transfer Objects for API requests and responses

PURPOSE:
  Defines the JSON structures for API communication. These types decouple
  the storage model from the external API contract.

NAMING CONVENTION:
  - *DTO: Response types returned to clients
  - *Request: Request body types from clients
  - *Response: Complex response wrappers

FORMATS:
  - Dates are "YYYY-MM-DD" strings
  - Decimals are strings: average balances with 4 places, costs with 2,
    rates as stored. No float ever reaches a client.

TYPES:
  Balances:        BalanceDTO
  Storage ledger:  EntryDTO, LedgerPageDTO, LedgerSummaryDTO
  Snapshots:       EnsureRequest, BackfillRequest, EnsureResultDTO, SnapshotRunDTO
  Costs:           CalculateRequest, RecalculateRequest, CostResultDTO
  Cost rates:      CostRateDTO, CreateRateRequest, UpdateRateRequest, RateChangeDTO
  Producer glue:   WarehouseRequest, SKURequest, TransactionRequest, PurchaseOrderStatusRequest

VALIDATION:
  Validation is done in handlers and the storage package, not in DTOs.
  DTOs are pure data carriers.

SEE ALSO:
  - handlers.go: Uses these types
  - storage/types.go: Storage model
*/
package api

import (
	"time"

	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// =============================================================================
// BALANCES
// =============================================================================

type BalanceDTO struct {
	WarehouseCode            string `json:"warehouse_code"`
	SKUCode                  string `json:"sku_code"`
	BatchLot                 string `json:"batch_lot"`
	CurrentCartons           int64  `json:"current_cartons"`
	CurrentUnits             int64  `json:"current_units"`
	CurrentPallets           int64  `json:"current_pallets"`
	StorageCartonsPerPallet  *int64 `json:"storage_cartons_per_pallet,omitempty"`
	ShippingCartonsPerPallet *int64 `json:"shipping_cartons_per_pallet,omitempty"`
	UnitsPerCarton           *int64 `json:"units_per_carton,omitempty"`
	FirstReceiveDate         string `json:"first_receive_date,omitempty"`
	LastTransactionDate      string `json:"last_transaction_date"`
}

func toBalanceDTO(b ledger.Balance) BalanceDTO {
	return BalanceDTO{
		WarehouseCode:            b.WarehouseCode,
		SKUCode:                  b.SKUCode,
		BatchLot:                 b.BatchLot,
		CurrentCartons:           b.CurrentCartons,
		CurrentUnits:             b.CurrentUnits,
		CurrentPallets:           b.CurrentPallets,
		StorageCartonsPerPallet:  b.StorageCartonsPerPallet,
		ShippingCartonsPerPallet: b.ShippingCartonsPerPallet,
		UnitsPerCarton:           b.UnitsPerCarton,
		FirstReceiveDate:         optDate(b.FirstReceiveDate),
		LastTransactionDate:      b.LastTransactionDate.String(),
	}
}

// =============================================================================
// STORAGE LEDGER
// =============================================================================

type EntryDTO struct {
	ID                   string  `json:"id"`
	WarehouseCode        string  `json:"warehouse_code"`
	WarehouseName        string  `json:"warehouse_name"`
	SKUCode              string  `json:"sku_code"`
	SKUDescription       string  `json:"sku_description"`
	BatchLot             string  `json:"batch_lot"`
	WeekEndingDate       string  `json:"week_ending_date"`
	ClosingBalance       int64   `json:"closing_balance"`
	AverageBalance       string  `json:"average_balance"`
	StorageRatePerCarton *string `json:"storage_rate_per_carton"`
	TotalStorageCost     *string `json:"total_storage_cost"`
	IsCostCalculated     bool    `json:"is_cost_calculated"`
	RateEffectiveDate    *string `json:"rate_effective_date"`
	CostRateID           *string `json:"cost_rate_id"`
	CreatedAt            string  `json:"created_at"`
	UpdatedAt            string  `json:"updated_at"`
}

func toEntryDTO(e storage.Entry) EntryDTO {
	dto := EntryDTO{
		ID:               e.ID,
		WarehouseCode:    e.WarehouseCode,
		WarehouseName:    e.WarehouseName,
		SKUCode:          e.SKUCode,
		SKUDescription:   e.SKUDescription,
		BatchLot:         e.BatchLot,
		WeekEndingDate:   e.WeekEndingDate.String(),
		ClosingBalance:   e.ClosingBalance,
		AverageBalance:   e.AverageBalance.StringFixed(4),
		IsCostCalculated: e.IsCostCalculated,
		CostRateID:       e.CostRateID,
		CreatedAt:        e.CreatedAt.Format(time.RFC3339),
		UpdatedAt:        e.UpdatedAt.Format(time.RFC3339),
	}
	if e.StorageRatePerCarton != nil {
		s := e.StorageRatePerCarton.String()
		dto.StorageRatePerCarton = &s
	}
	if e.TotalStorageCost != nil {
		s := e.TotalStorageCost.StringFixed(storage.MoneyScale)
		dto.TotalStorageCost = &s
	}
	if e.RateEffectiveDate != nil {
		s := e.RateEffectiveDate.String()
		dto.RateEffectiveDate = &s
	}
	return dto
}

type LedgerSummaryDTO struct {
	Entries        int    `json:"entries"`
	TotalClosing   int64  `json:"total_closing_balance"`
	TotalAverage   string `json:"total_average_balance"`
	TotalCost      string `json:"total_storage_cost"`
	CostCalculated int    `json:"cost_calculated"`
	Uncosted       int    `json:"uncosted"`
}

type LedgerPageDTO struct {
	Entries []EntryDTO        `json:"entries"`
	Total   int               `json:"total"`
	Limit   int               `json:"limit"`
	Offset  int               `json:"offset"`
	Summary *LedgerSummaryDTO `json:"summary,omitempty"`
}

func toLedgerPageDTO(p *storage.LedgerPage) LedgerPageDTO {
	dto := LedgerPageDTO{
		Entries: make([]EntryDTO, len(p.Entries)),
		Total:   p.Total,
		Limit:   p.Limit,
		Offset:  p.Offset,
	}
	for i, e := range p.Entries {
		dto.Entries[i] = toEntryDTO(e)
	}
	if s := p.Summary; s != nil {
		dto.Summary = &LedgerSummaryDTO{
			Entries:        s.Entries,
			TotalClosing:   s.TotalClosing,
			TotalAverage:   s.TotalAverage.StringFixed(4),
			TotalCost:      s.TotalCost.StringFixed(storage.MoneyScale),
			CostCalculated: s.CostCalculated,
			Uncosted:       s.Uncosted,
		}
	}
	return dto
}

// =============================================================================
// SNAPSHOTS
// =============================================================================

type EnsureRequest struct {
	WeekEndingDate string   `json:"week_ending_date"`
	CalculateCosts bool     `json:"calculate_costs"`
	WarehouseCodes []string `json:"warehouse_codes,omitempty"`
}

type BackfillRequest struct {
	From           string `json:"from"`
	To             string `json:"to"`
	CalculateCosts bool   `json:"calculate_costs"`
}

type WarehouseResultDTO struct {
	WarehouseCode  string `json:"warehouse_code"`
	Processed      int    `json:"processed"`
	Created        int    `json:"created"`
	Updated        int    `json:"updated"`
	Unchanged      int    `json:"unchanged"`
	CostCalculated int    `json:"cost_calculated"`
	Uncosted       int    `json:"uncosted"`
	Error          string `json:"error,omitempty"`
}

type EnsureResultDTO struct {
	WeekEndingDate string               `json:"week_ending_date"`
	Processed      int                  `json:"processed"`
	Created        int                  `json:"created"`
	Updated        int                  `json:"updated"`
	Unchanged      int                  `json:"unchanged"`
	CostCalculated int                  `json:"cost_calculated"`
	Uncosted       int                  `json:"uncosted"`
	Warehouses     []WarehouseResultDTO `json:"warehouses"`
	Run            *SnapshotRunDTO      `json:"run,omitempty"`
}

func toEnsureResultDTO(r *storage.EnsureResult) EnsureResultDTO {
	dto := EnsureResultDTO{
		WeekEndingDate: r.WeekEndingDate.String(),
		Processed:      r.Processed,
		Created:        r.Created,
		Updated:        r.Updated,
		Unchanged:      r.Unchanged,
		CostCalculated: r.CostCalculated,
		Uncosted:       r.Uncosted,
		Warehouses:     make([]WarehouseResultDTO, len(r.Warehouses)),
	}
	for i, w := range r.Warehouses {
		dto.Warehouses[i] = WarehouseResultDTO{
			WarehouseCode:  w.WarehouseCode,
			Processed:      w.Processed,
			Created:        w.Created,
			Updated:        w.Updated,
			Unchanged:      w.Unchanged,
			CostCalculated: w.CostCalculated,
			Uncosted:       w.Uncosted,
		}
		if w.Err != nil {
			dto.Warehouses[i].Error = w.Err.Error()
		}
	}
	return dto
}

type SnapshotRunDTO struct {
	ID               string   `json:"id"`
	WeekEndingDate   string   `json:"week_ending_date"`
	Trigger          string   `json:"trigger"`
	Status           string   `json:"status"`
	Processed        int      `json:"processed"`
	CostCalculated   int      `json:"cost_calculated"`
	FailedWarehouses []string `json:"failed_warehouses,omitempty"`
	Error            string   `json:"error,omitempty"`
	StartedAt        string   `json:"started_at"`
	CompletedAt      *string  `json:"completed_at,omitempty"`
}

func toSnapshotRunDTO(r storage.SnapshotRun) SnapshotRunDTO {
	dto := SnapshotRunDTO{
		ID:               r.ID,
		WeekEndingDate:   r.WeekEndingDate.String(),
		Trigger:          string(r.Trigger),
		Status:           string(r.Status),
		Processed:        r.Processed,
		CostCalculated:   r.CostCalculated,
		FailedWarehouses: r.FailedWarehouses,
		Error:            r.Error,
		StartedAt:        r.StartedAt.Format(time.RFC3339),
	}
	if r.CompletedAt != nil {
		s := r.CompletedAt.Format(time.RFC3339)
		dto.CompletedAt = &s
	}
	return dto
}

// =============================================================================
// COSTS
// =============================================================================

type CalculateRequest struct {
	WeekEndingDate string `json:"week_ending_date"`
	WarehouseCode  string `json:"warehouse_code,omitempty"`
}

type RecalculateRequest struct {
	WeekEndingDate string `json:"week_ending_date"`
	WarehouseCode  string `json:"warehouse_code,omitempty"`
	Confirm        bool   `json:"confirm"`
}

type CostResultDTO struct {
	WeekEndingDate string `json:"week_ending_date"`
	CostCalculated int    `json:"cost_calculated"`
	Recalculated   int    `json:"recalculated"`
	Uncosted       int    `json:"uncosted"`
}

func toCostResultDTO(r *storage.CostResult) CostResultDTO {
	return CostResultDTO{
		WeekEndingDate: r.WeekEndingDate.String(),
		CostCalculated: r.CostCalculated,
		Recalculated:   r.Recalculated,
		Uncosted:       r.Uncosted,
	}
}

// =============================================================================
// COST RATES
// =============================================================================

type CostRateDTO struct {
	ID            string  `json:"id"`
	WarehouseID   string  `json:"warehouse_id"`
	CostCategory  string  `json:"cost_category"`
	CostName      string  `json:"cost_name"`
	CostValue     string  `json:"cost_value"`
	UnitOfMeasure string  `json:"unit_of_measure"`
	EffectiveDate string  `json:"effective_date"`
	EndDate       *string `json:"end_date"`
	CreatedAt     string  `json:"created_at"`
	UpdatedAt     string  `json:"updated_at"`
}

func toCostRateDTO(r storage.CostRate) CostRateDTO {
	dto := CostRateDTO{
		ID:            r.ID,
		WarehouseID:   r.WarehouseID,
		CostCategory:  r.CostCategory,
		CostName:      r.CostName,
		CostValue:     r.CostValue.String(),
		UnitOfMeasure: r.UnitOfMeasure,
		EffectiveDate: r.EffectiveDate.String(),
		CreatedAt:     r.CreatedAt.Format(time.RFC3339),
		UpdatedAt:     r.UpdatedAt.Format(time.RFC3339),
	}
	if r.EndDate != nil {
		s := r.EndDate.String()
		dto.EndDate = &s
	}
	return dto
}

// CreateRateRequest: Recalculate re-prices entries the new rate takes over.
type CreateRateRequest struct {
	WarehouseID   string  `json:"warehouse_id"`
	CostCategory  string  `json:"cost_category"`
	CostName      string  `json:"cost_name"`
	CostValue     string  `json:"cost_value"`
	UnitOfMeasure string  `json:"unit_of_measure"`
	EffectiveDate string  `json:"effective_date"`
	EndDate       *string `json:"end_date,omitempty"`
	Recalculate   bool    `json:"recalculate"`
}

// UpdateRateRequest carries optional fields. ClearEndDate reopens the rate.
type UpdateRateRequest struct {
	CostName      *string `json:"cost_name,omitempty"`
	CostValue     *string `json:"cost_value,omitempty"`
	UnitOfMeasure *string `json:"unit_of_measure,omitempty"`
	EffectiveDate *string `json:"effective_date,omitempty"`
	EndDate       *string `json:"end_date,omitempty"`
	ClearEndDate  bool    `json:"clear_end_date"`
	Recalculate   bool    `json:"recalculate"`
}

type RateChangeDTO struct {
	Rate         CostRateDTO   `json:"rate"`
	Closed       []CostRateDTO `json:"closed,omitempty"`
	Recalculated int           `json:"recalculated"`
	Uncosted     int           `json:"uncosted"`
}

func toRateChangeDTO(c *storage.RateChange) RateChangeDTO {
	dto := RateChangeDTO{
		Rate:         toCostRateDTO(c.Rate),
		Recalculated: c.Recalculated,
		Uncosted:     c.Uncosted,
	}
	for _, r := range c.Closed {
		dto.Closed = append(dto.Closed, toCostRateDTO(r))
	}
	return dto
}

// =============================================================================
// PRODUCER GLUE
// =============================================================================

type WarehouseRequest struct {
	Code string `json:"code"`
	Name string `json:"name"`
}

type WarehouseDTO struct {
	ID   string `json:"id"`
	Code string `json:"code"`
	Name string `json:"name"`
}

type SKURequest struct {
	Code        string `json:"code"`
	Description string `json:"description"`
}

type TransactionRequest struct {
	ID                       string  `json:"id,omitempty"`
	WarehouseCode            string  `json:"warehouse_code"`
	SKUCode                  string  `json:"sku_code"`
	BatchLot                 string  `json:"batch_lot"`
	TransactionType          string  `json:"transaction_type"`
	TransactionDate          string  `json:"transaction_date"`
	CartonsIn                int64   `json:"cartons_in"`
	CartonsOut               int64   `json:"cartons_out"`
	UnitsPerCarton           *int64  `json:"units_per_carton,omitempty"`
	StoragePalletsIn         int64   `json:"storage_pallets_in"`
	ShippingPalletsOut       int64   `json:"shipping_pallets_out"`
	StorageCartonsPerPallet  *int64  `json:"storage_cartons_per_pallet,omitempty"`
	ShippingCartonsPerPallet *int64  `json:"shipping_cartons_per_pallet,omitempty"`
	PurchaseOrderID          *string `json:"purchase_order_id,omitempty"`
	PurchaseOrderLineID      *string `json:"purchase_order_line_id,omitempty"`
	ReferenceID              string  `json:"reference_id,omitempty"`
	CreatedBy                string  `json:"created_by,omitempty"`
}

type TransactionDTO struct {
	ID              string `json:"id"`
	Seq             int64  `json:"seq"`
	WarehouseCode   string `json:"warehouse_code"`
	SKUCode         string `json:"sku_code"`
	BatchLot        string `json:"batch_lot"`
	TransactionType string `json:"transaction_type"`
	TransactionDate string `json:"transaction_date"`
	CartonsIn       int64  `json:"cartons_in"`
	CartonsOut      int64  `json:"cartons_out"`
}

func toTransactionDTO(tx ledger.Transaction) TransactionDTO {
	return TransactionDTO{
		ID:              string(tx.ID),
		Seq:             tx.Seq,
		WarehouseCode:   tx.WarehouseCode,
		SKUCode:         tx.SKUCode,
		BatchLot:        tx.BatchLot,
		TransactionType: string(tx.Type),
		TransactionDate: tx.Date.String(),
		CartonsIn:       tx.CartonsIn,
		CartonsOut:      tx.CartonsOut,
	}
}

type PurchaseOrderStatusRequest struct {
	Status string `json:"status"`
}

// =============================================================================
// SCENARIOS / ERRORS
// =============================================================================

// ScenarioDTO represents a demo scenario.
type ScenarioDTO struct {
	ID          string `json:"id"`
	Name        string `json:"name"`
	Description string `json:"description"`
}

// ErrorResponse is the standard error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Code    string `json:"code,omitempty"`
	Details any    `json:"details,omitempty"`
}

func optDate(d *ledger.Date) string {
	if d == nil {
		return ""
	}
	return d.String()
}
