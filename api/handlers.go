/*
handlers.go - HTTP API handlers for the storage ledger engine

PURPOSE:
  Exposes the storage ledger engine via REST API. Handles HTTP
  request/response, JSON serialization, and delegates to the storage package.

ENDPOINTS:
  Reads:
    GET    /api/balances                   Current batch balances
    GET    /api/storage-ledger             Filtered, paginated weekly entries
    GET    /api/cost-rates                 List rates
    GET    /api/cost-rates/resolve         Rate in effect on a date

  Admin (see auth.go):
    POST   /api/storage-ledger/ensure      Ensure one week (recorded run)
    POST   /api/storage-ledger/backfill    Ensure a range of weeks
    POST   /api/storage-ledger/calculate   First-pass pricing
    POST   /api/storage-ledger/recalculate Re-price a week (confirm required)
    POST   /api/cost-rates                 Create rate
    PATCH  /api/cost-rates/{id}            Update or close rate
    DELETE /api/cost-rates/{id}            Delete rate (confirm required)
    GET    /api/admin/snapshot-runs        Run log

  Producer glue (admin):
    POST   /api/warehouses, /api/skus, /api/transactions
    POST   /api/purchase-orders/{id}/status
    DELETE /api/transactions/{id}          Maintenance purge (confirm required)

ERROR HANDLING:
  Errors are returned as JSON with appropriate HTTP status:
  - 400: Validation errors, missing confirmation
  - 404: Resource not found
  - 409: Conflict (rate change would strand priced entries)
  - 207: Partial failure; body carries the per-warehouse result
  - 500: Internal errors

SEE ALSO:
  - dto.go: Request/response data structures
  - scenarios.go: Demo scenario loader
  - server.go: Router setup and middleware
*/
package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/go-chi/chi/v5"
	"github.com/shopspring/decimal"
	"github.com/sirupsen/logrus"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// =============================================================================
// HANDLER CONTEXT
// =============================================================================

// Backend is a store that also accepts producer writes and can be wiped.
// store/sqlite, store/postgres and storage/memstore all qualify.
type Backend interface {
	storage.Store
	storage.Producer
	Reset(ctx context.Context) error
}

// Handler holds all dependencies for HTTP handlers.
type Handler struct {
	Store  Backend
	Engine *storage.Engine
	Log    logrus.FieldLogger

	// scenarioMu serializes scenario loads and guards currentScenario.
	scenarioMu      sync.Mutex
	currentScenario string
}

// NewHandler creates a handler over an engine built on store.
func NewHandler(store Backend, engine *storage.Engine, log logrus.FieldLogger) *Handler {
	if log == nil {
		log = logrus.StandardLogger()
	}
	return &Handler{Store: store, Engine: engine, Log: log.WithField("component", "api")}
}

// =============================================================================
// READ HANDLERS
// =============================================================================

// GetBalances returns batch balances with cancelled purchase orders excluded.
// GET /api/balances?warehouse=&sku=&batch=&as_of=&include_zero=
func (h *Handler) GetBalances(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	asOf, err := optionalDate(q.Get("as_of"), "as_of")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	includeZero, err := optionalBool(q.Get("include_zero"), "include_zero")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	balances, err := h.Engine.Reports.Balances(r.Context(), storage.BalanceScope{
		WarehouseCode:    q.Get("warehouse"),
		SKUCode:          q.Get("sku"),
		BatchLot:         q.Get("batch"),
		AsOf:             asOf,
		IncludeZeroStock: includeZero,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	dtos := make([]BalanceDTO, len(balances))
	for i, b := range balances {
		dtos[i] = toBalanceDTO(b)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// GetStorageLedger returns a page of weekly entries.
// GET /api/storage-ledger?warehouse=&sku=&batch=&week=&week_from=&week_to=&costed=&limit=&offset=&summary=
func (h *Handler) GetStorageLedger(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	var (
		query storage.LedgerQuery
		err   error
	)
	query.Filter = storage.EntryFilter{
		WarehouseCode: q.Get("warehouse"),
		SKUCode:       q.Get("sku"),
		BatchLot:      q.Get("batch"),
		CostRateID:    q.Get("cost_rate_id"),
	}
	if query.Filter.WeekEndingDate, err = optionalDate(q.Get("week"), "week"); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if query.Filter.WeekFrom, err = optionalDate(q.Get("week_from"), "week_from"); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if query.Filter.WeekTo, err = optionalDate(q.Get("week_to"), "week_to"); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if v := q.Get("costed"); v != "" {
		costed, err := optionalBool(v, "costed")
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		query.Filter.CostCalculated = &costed
	}
	if query.Limit, err = optionalInt(q.Get("limit"), "limit"); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if query.Offset, err = optionalInt(q.Get("offset"), "offset"); err != nil {
		h.writeDomainError(w, err)
		return
	}
	if query.WithSummary, err = optionalBool(q.Get("summary"), "summary"); err != nil {
		h.writeDomainError(w, err)
		return
	}

	page, err := h.Engine.Reports.StorageLedger(r.Context(), query)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toLedgerPageDTO(page))
}

// =============================================================================
// SNAPSHOT HANDLERS
// =============================================================================

// EnsureWeek builds or refreshes a week's entries and records the run.
// POST /api/storage-ledger/ensure
func (h *Handler) EnsureWeek(w http.ResponseWriter, r *http.Request) {
	var req EnsureRequest
	if !decodeBody(w, r, &req) {
		return
	}
	week, err := requiredDate(req.WeekEndingDate, "week_ending_date")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	res, run, err := h.Engine.Snapshots.RunAndRecord(r.Context(), week, storage.TriggerAdmin, storage.EnsureOptions{
		CalculateCosts: req.CalculateCosts,
		WarehouseCodes: req.WarehouseCodes,
	})
	if res == nil {
		h.writeDomainError(w, err)
		return
	}

	dto := toEnsureResultDTO(res)
	if run != nil {
		runDTO := toSnapshotRunDTO(*run)
		dto.Run = &runDTO
	}
	if err != nil {
		h.writePartial(w, err, dto)
		return
	}
	writeJSON(w, http.StatusOK, dto)
}

// Backfill ensures every week in [from, to].
// POST /api/storage-ledger/backfill
func (h *Handler) Backfill(w http.ResponseWriter, r *http.Request) {
	var req BackfillRequest
	if !decodeBody(w, r, &req) {
		return
	}
	from, err := requiredDate(req.From, "from")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	to, err := requiredDate(req.To, "to")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	results, err := h.Engine.Snapshots.Backfill(r.Context(), from, to, storage.EnsureOptions{CalculateCosts: req.CalculateCosts})
	dtos := make([]EnsureResultDTO, len(results))
	for i, res := range results {
		dtos[i] = toEnsureResultDTO(res)
	}
	if err != nil {
		if len(results) == 0 {
			h.writeDomainError(w, err)
			return
		}
		h.writePartial(w, err, dtos)
		return
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ListSnapshotRuns returns the run log, newest first.
// GET /api/admin/snapshot-runs?limit=
func (h *Handler) ListSnapshotRuns(w http.ResponseWriter, r *http.Request) {
	limit, err := optionalInt(r.URL.Query().Get("limit"), "limit")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if limit <= 0 {
		limit = 50
	}

	runs, err := h.Store.ListRuns(r.Context(), limit)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]SnapshotRunDTO, len(runs))
	for i, run := range runs {
		dtos[i] = toSnapshotRunDTO(run)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// =============================================================================
// COST HANDLERS
// =============================================================================

// CalculateCosts prices the week's uncosted entries.
// POST /api/storage-ledger/calculate
func (h *Handler) CalculateCosts(w http.ResponseWriter, r *http.Request) {
	var req CalculateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	week, err := requiredDate(req.WeekEndingDate, "week_ending_date")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	res, err := h.Engine.Costs.CalculateForWeek(r.Context(), week, req.WarehouseCode)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCostResultDTO(res))
}

// Recalculate re-prices every entry of the week.
// POST /api/storage-ledger/recalculate
func (h *Handler) Recalculate(w http.ResponseWriter, r *http.Request) {
	var req RecalculateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	week, err := requiredDate(req.WeekEndingDate, "week_ending_date")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	res, err := h.Engine.Costs.Recalculate(r.Context(), week, storage.RecalculateOptions{
		WarehouseCode: req.WarehouseCode,
		Confirm:       req.Confirm,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCostResultDTO(res))
}

// =============================================================================
// COST RATE HANDLERS
// =============================================================================

// ListRates returns rates ordered by effective date.
// GET /api/cost-rates?warehouse_id=&category=
func (h *Handler) ListRates(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	rates, err := h.Engine.Rates.ListRates(r.Context(), q.Get("warehouse_id"), q.Get("category"))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]CostRateDTO, len(rates))
	for i, rate := range rates {
		dtos[i] = toCostRateDTO(rate)
	}
	writeJSON(w, http.StatusOK, dtos)
}

// ResolveRate returns the rate in effect on a date.
// GET /api/cost-rates/resolve?warehouse_id=&category=&on=
func (h *Handler) ResolveRate(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	warehouseID := q.Get("warehouse_id")
	if warehouseID == "" {
		h.writeDomainError(w, &ledger.ValidationError{Field: "warehouse_id", Message: "required"})
		return
	}
	on, err := requiredDate(q.Get("on"), "on")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	rate, err := h.Engine.Rates.Resolve(r.Context(), warehouseID, q.Get("category"), on)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toCostRateDTO(*rate))
}

// CreateRate adds a rate, closing an open-ended predecessor.
// POST /api/cost-rates
func (h *Handler) CreateRate(w http.ResponseWriter, r *http.Request) {
	var req CreateRateRequest
	if !decodeBody(w, r, &req) {
		return
	}
	value, err := requiredDecimal(req.CostValue, "cost_value")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	effective, err := requiredDate(req.EffectiveDate, "effective_date")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	var end *ledger.Date
	if req.EndDate != nil {
		if end, err = optionalDate(*req.EndDate, "end_date"); err != nil {
			h.writeDomainError(w, err)
			return
		}
	}

	change, err := h.Engine.Rates.CreateRate(r.Context(), storage.NewRate{
		WarehouseID:   req.WarehouseID,
		CostCategory:  req.CostCategory,
		CostName:      req.CostName,
		CostValue:     value,
		UnitOfMeasure: req.UnitOfMeasure,
		EffectiveDate: effective,
		EndDate:       end,
	}, storage.WriteOptions{Recalculate: req.Recalculate})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toRateChangeDTO(change))
}

// UpdateRate changes value, name, unit or window of a rate.
// PATCH /api/cost-rates/{id}
func (h *Handler) UpdateRate(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	var req UpdateRateRequest
	if !decodeBody(w, r, &req) {
		return
	}

	upd := storage.RateUpdate{
		CostName:      req.CostName,
		UnitOfMeasure: req.UnitOfMeasure,
		ClearEndDate:  req.ClearEndDate,
	}
	if req.CostValue != nil {
		v, err := requiredDecimal(*req.CostValue, "cost_value")
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		upd.CostValue = &v
	}
	if req.EffectiveDate != nil {
		d, err := requiredDate(*req.EffectiveDate, "effective_date")
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		upd.EffectiveDate = &d
	}
	if req.EndDate != nil {
		d, err := requiredDate(*req.EndDate, "end_date")
		if err != nil {
			h.writeDomainError(w, err)
			return
		}
		upd.EndDate = &d
	}

	change, err := h.Engine.Rates.UpdateRate(r.Context(), id, upd, storage.WriteOptions{Recalculate: req.Recalculate})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toRateChangeDTO(change))
}

// DeleteRate removes a rate and detaches citing entries.
// DELETE /api/cost-rates/{id}?confirm=true
func (h *Handler) DeleteRate(w http.ResponseWriter, r *http.Request) {
	confirm, err := optionalBool(r.URL.Query().Get("confirm"), "confirm")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	detached, err := h.Engine.Rates.DeleteRate(r.Context(), chi.URLParam(r, "id"), confirm)
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "deleted", "detached_entries": detached})
}

// =============================================================================
// PRODUCER GLUE
// =============================================================================

// CreateWarehouse registers or renames a warehouse.
// POST /api/warehouses
func (h *Handler) CreateWarehouse(w http.ResponseWriter, r *http.Request) {
	var req WarehouseRequest
	if !decodeBody(w, r, &req) {
		return
	}
	ctx := r.Context()
	if err := h.Store.SaveWarehouse(ctx, storage.Warehouse{Code: req.Code, Name: req.Name}); err != nil {
		h.writeDomainError(w, err)
		return
	}
	wh, err := h.Store.GetWarehouse(ctx, req.Code)
	if err != nil || wh == nil {
		writeError(w, http.StatusInternalServerError, "Failed to read back warehouse", err)
		return
	}
	writeJSON(w, http.StatusCreated, WarehouseDTO{ID: wh.ID, Code: wh.Code, Name: wh.Name})
}

// ListWarehouses returns every registered warehouse.
// GET /api/warehouses
func (h *Handler) ListWarehouses(w http.ResponseWriter, r *http.Request) {
	warehouses, err := h.Store.ListWarehouses(r.Context())
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	dtos := make([]WarehouseDTO, len(warehouses))
	for i, wh := range warehouses {
		dtos[i] = WarehouseDTO{ID: wh.ID, Code: wh.Code, Name: wh.Name}
	}
	writeJSON(w, http.StatusOK, dtos)
}

// CreateSKU registers or updates a SKU description.
// POST /api/skus
func (h *Handler) CreateSKU(w http.ResponseWriter, r *http.Request) {
	var req SKURequest
	if !decodeBody(w, r, &req) {
		return
	}
	if err := h.Store.SaveSKU(r.Context(), storage.SKU{Code: req.Code, Description: req.Description}); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// CreateTransaction appends an inventory transaction.
// POST /api/transactions
func (h *Handler) CreateTransaction(w http.ResponseWriter, r *http.Request) {
	var req TransactionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	date, err := requiredDate(req.TransactionDate, "transaction_date")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}

	tx, err := h.Store.AppendTransaction(r.Context(), ledger.Transaction{
		ID:                       ledger.TransactionID(req.ID),
		WarehouseCode:            req.WarehouseCode,
		SKUCode:                  req.SKUCode,
		BatchLot:                 req.BatchLot,
		Type:                     ledger.TransactionType(strings.ToUpper(req.TransactionType)),
		Date:                     date,
		CartonsIn:                req.CartonsIn,
		CartonsOut:               req.CartonsOut,
		UnitsPerCarton:           req.UnitsPerCarton,
		StoragePalletsIn:         req.StoragePalletsIn,
		ShippingPalletsOut:       req.ShippingPalletsOut,
		StorageCartonsPerPallet:  req.StorageCartonsPerPallet,
		ShippingCartonsPerPallet: req.ShippingCartonsPerPallet,
		PurchaseOrderID:          req.PurchaseOrderID,
		PurchaseOrderLineID:      req.PurchaseOrderLineID,
		ReferenceID:              req.ReferenceID,
		CreatedBy:                req.CreatedBy,
	})
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toTransactionDTO(tx))
}

// PurgeTransaction deletes a transaction and its batch's entries from its
// week onward. The next ensure rebuilds them.
// DELETE /api/transactions/{id}?confirm=true
func (h *Handler) PurgeTransaction(w http.ResponseWriter, r *http.Request) {
	confirm, err := optionalBool(r.URL.Query().Get("confirm"), "confirm")
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	if !confirm {
		h.writeDomainError(w, ledger.ErrConfirmationRequired)
		return
	}

	id := chi.URLParam(r, "id")
	removed, err := h.Store.PurgeTransaction(r.Context(), ledger.TransactionID(id))
	if err != nil {
		h.writeDomainError(w, err)
		return
	}
	h.Log.WithFields(logrus.Fields{"transaction_id": id, "entries_removed": removed}).Info("transaction purged")
	writeJSON(w, http.StatusOK, map[string]any{"status": "purged", "entries_removed": removed})
}

// SetPurchaseOrderStatus records a purchase order status change.
// POST /api/purchase-orders/{id}/status
func (h *Handler) SetPurchaseOrderStatus(w http.ResponseWriter, r *http.Request) {
	var req PurchaseOrderStatusRequest
	if !decodeBody(w, r, &req) {
		return
	}
	id := chi.URLParam(r, "id")
	status := ledger.PurchaseOrderStatus(strings.ToUpper(req.Status))
	if err := h.Store.SetPurchaseOrderStatus(r.Context(), id, status); err != nil {
		h.writeDomainError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"id": id, "status": string(status)})
}

// =============================================================================
// HELPERS
// =============================================================================

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string, err error) {
	resp := ErrorResponse{Error: message}
	if err != nil {
		resp.Details = err.Error()
	}
	writeJSON(w, status, resp)
}

// writeDomainError maps the ledger error taxonomy to a status code.
func (h *Handler) writeDomainError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ledger.ErrConfirmationRequired):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "confirmation_required"})
	case ledger.IsClientError(err):
		writeJSON(w, http.StatusBadRequest, ErrorResponse{Error: err.Error(), Code: "validation"})
	case ledger.IsNotFound(err):
		writeJSON(w, http.StatusNotFound, ErrorResponse{Error: err.Error(), Code: "not_found"})
	case ledger.IsConflict(err):
		writeJSON(w, http.StatusConflict, ErrorResponse{Error: err.Error(), Code: "conflict"})
	case errors.Is(err, ledger.ErrDataIntegrity):
		h.Log.WithError(err).Error("data integrity violation")
		writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: err.Error(), Code: "data_integrity"})
	default:
		h.Log.WithError(err).Error("request failed")
		writeError(w, http.StatusInternalServerError, "Internal error", err)
	}
}

// writePartial answers 207 when some warehouses committed and others did not.
func (h *Handler) writePartial(w http.ResponseWriter, err error, body any) {
	var pf *ledger.PartialFailureError
	if !errors.As(err, &pf) {
		h.writeDomainError(w, err)
		return
	}
	h.Log.WithField("failed_warehouses", pf.FailedWarehouses()).Warn(pf.Error())
	writeJSON(w, http.StatusMultiStatus, map[string]any{
		"error":             pf.Error(),
		"failed_warehouses": pf.FailedWarehouses(),
		"result":            body,
	})
}

func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if err := json.NewDecoder(r.Body).Decode(dst); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body", err)
		return false
	}
	return true
}

func requiredDate(s, field string) (ledger.Date, error) {
	if s == "" {
		return ledger.Date{}, &ledger.ValidationError{Field: field, Message: "required"}
	}
	d, err := ledger.ParseDate(s)
	if err != nil {
		return ledger.Date{}, &ledger.ValidationError{Field: field, Message: "must be YYYY-MM-DD"}
	}
	return d, nil
}

func optionalDate(s, field string) (*ledger.Date, error) {
	if s == "" {
		return nil, nil
	}
	d, err := requiredDate(s, field)
	if err != nil {
		return nil, err
	}
	return &d, nil
}

func optionalBool(s, field string) (bool, error) {
	if s == "" {
		return false, nil
	}
	b, err := strconv.ParseBool(s)
	if err != nil {
		return false, &ledger.ValidationError{Field: field, Message: "must be true or false"}
	}
	return b, nil
}

func optionalInt(s, field string) (int, error) {
	if s == "" {
		return 0, nil
	}
	n, err := strconv.Atoi(s)
	if err != nil {
		return 0, &ledger.ValidationError{Field: field, Message: "must be an integer"}
	}
	return n, nil
}

func requiredDecimal(s, field string) (decimal.Decimal, error) {
	if s == "" {
		return decimal.Zero, &ledger.ValidationError{Field: field, Message: "required"}
	}
	d, err := decimal.NewFromString(s)
	if err != nil {
		return decimal.Zero, &ledger.ValidationError{Field: field, Message: "must be a decimal number"}
	}
	return d, nil
}
