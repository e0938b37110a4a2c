/*
scenarios.go - Demo scenario loaders for testing and demonstrations

PURPOSE:
  Provides pre-built scenarios that populate the database with realistic
  data for demos. Each scenario registers warehouses and SKUs, appends
  inventory transactions, creates cost rates and backfills the weeks.

AVAILABLE SCENARIOS:
  historical-pricing: Rate change on 2025-02-01; January weeks price at
                      0.50/carton, February weeks at 0.60/carton
  cancelled-order:    Receipt on a purchase order that is cancelled after
                      its week was snapshotted; reads hide the entry

HOW SCENARIOS WORK:
 1. Reset database (clear all data)
 2. Register warehouses and SKUs
 3. Append transactions (and purchase order statuses)
 4. Create cost rates
 5. Backfill the covered weeks with pricing

USAGE VIA API:
  POST /api/scenarios/load
  {"scenario_id": "historical-pricing"}

NOTE:
  Scenarios reset the database. Only use in development/demo environments.

SEE ALSO:
  - handlers.go: Producer glue handlers
  - storage/snapshot.go: Backfill
*/
package api

import (
	"context"
	"fmt"
	"net/http"

	"github.com/shopspring/decimal"
	"github.com/warp/storage-ledger/ledger"
	"github.com/warp/storage-ledger/storage"
)

// =============================================================================
// SCENARIO DEFINITIONS
// =============================================================================

var scenarios = []ScenarioDTO{
	{
		ID:          "historical-pricing",
		Name:        "Historical Pricing",
		Description: "100 cartons stored across a rate change: 0.50/carton in January, 0.60/carton from February",
	},
	{
		ID:          "cancelled-order",
		Name:        "Cancelled Purchase Order",
		Description: "A receipt whose purchase order is cancelled after snapshotting is hidden from reads",
	},
}

// ListScenarios returns available scenarios.
func (h *Handler) ListScenarios(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, scenarios)
}

// GetCurrentScenario returns the currently loaded scenario, if any.
func (h *Handler) GetCurrentScenario(w http.ResponseWriter, r *http.Request) {
	h.scenarioMu.Lock()
	current := h.currentScenario
	h.scenarioMu.Unlock()

	for _, s := range scenarios {
		if s.ID == current {
			writeJSON(w, http.StatusOK, s)
			return
		}
	}
	writeJSON(w, http.StatusOK, nil)
}

// LoadScenario resets the database and loads a predefined scenario.
func (h *Handler) LoadScenario(w http.ResponseWriter, r *http.Request) {
	var req struct {
		ScenarioID string `json:"scenario_id"`
	}
	if !decodeBody(w, r, &req) {
		return
	}

	var loader func(context.Context) error
	switch req.ScenarioID {
	case "historical-pricing":
		loader = h.loadHistoricalPricingScenario
	case "cancelled-order":
		loader = h.loadCancelledOrderScenario
	default:
		writeError(w, http.StatusBadRequest, "Unknown scenario", nil)
		return
	}

	h.scenarioMu.Lock()
	defer h.scenarioMu.Unlock()

	ctx := r.Context()
	if err := h.Store.Reset(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, "Failed to reset database", err)
		return
	}
	h.currentScenario = ""

	if err := loader(ctx); err != nil {
		writeError(w, http.StatusInternalServerError, fmt.Sprintf("Failed to load scenario: %v", err), err)
		return
	}
	h.currentScenario = req.ScenarioID
	h.Log.WithField("scenario", req.ScenarioID).Info("scenario loaded")

	writeJSON(w, http.StatusOK, map[string]string{"status": "loaded", "scenario": req.ScenarioID})
}

// =============================================================================
// SCENARIO LOADERS
// =============================================================================

func (h *Handler) loadHistoricalPricingScenario(ctx context.Context) error {
	wh, err := h.seedDirectory(ctx, "WH-EAST", "East Distribution Center",
		storage.SKU{Code: "SKU-100", Description: "Ceramic Mug 12oz"})
	if err != nil {
		return err
	}

	// Received the Monday before the first rate, so every week averages 100.
	if _, err := h.Store.AppendTransaction(ctx, ledger.Transaction{
		WarehouseCode:           wh.Code,
		SKUCode:                 "SKU-100",
		BatchLot:                "LOT-2024-12",
		Type:                    ledger.TxReceive,
		Date:                    ledger.NewDate(2024, 12, 30),
		CartonsIn:               100,
		UnitsPerCarton:          int64Ptr(24),
		StoragePalletsIn:        3,
		StorageCartonsPerPallet: int64Ptr(40),
		ReferenceID:             "GRN-0001",
		CreatedBy:               "scenario",
	}); err != nil {
		return err
	}

	febFirst := ledger.NewDate(2025, 2, 1)
	if _, err := h.Engine.Rates.CreateRate(ctx, storage.NewRate{
		WarehouseID:   wh.ID,
		CostName:      "Pallet storage (winter)",
		CostValue:     decimal.RequireFromString("0.50"),
		UnitOfMeasure: "carton/week",
		EffectiveDate: ledger.NewDate(2025, 1, 1),
		EndDate:       &febFirst,
	}, storage.WriteOptions{}); err != nil {
		return err
	}
	if _, err := h.Engine.Rates.CreateRate(ctx, storage.NewRate{
		WarehouseID:   wh.ID,
		CostName:      "Pallet storage",
		CostValue:     decimal.RequireFromString("0.60"),
		UnitOfMeasure: "carton/week",
		EffectiveDate: febFirst,
	}, storage.WriteOptions{}); err != nil {
		return err
	}

	_, err = h.Engine.Snapshots.Backfill(ctx, ledger.NewDate(2025, 1, 5), ledger.NewDate(2025, 2, 9),
		storage.EnsureOptions{CalculateCosts: true})
	return err
}

func (h *Handler) loadCancelledOrderScenario(ctx context.Context) error {
	wh, err := h.seedDirectory(ctx, "WH-WEST", "West Fulfillment",
		storage.SKU{Code: "SKU-200", Description: "Steel Water Bottle"},
		storage.SKU{Code: "SKU-201", Description: "Bottle Cap Spare"})
	if err != nil {
		return err
	}

	po := "PO-7781"
	if err := h.Store.SetPurchaseOrderStatus(ctx, po, ledger.POActive); err != nil {
		return err
	}
	txs := []ledger.Transaction{
		{
			WarehouseCode: wh.Code, SKUCode: "SKU-200", BatchLot: "LOT-A",
			Type: ledger.TxReceive, Date: ledger.NewDate(2025, 1, 6), CartonsIn: 50,
			PurchaseOrderID: &po, ReferenceID: "GRN-0100", CreatedBy: "scenario",
		},
		{
			WarehouseCode: wh.Code, SKUCode: "SKU-201", BatchLot: "LOT-B",
			Type: ledger.TxReceive, Date: ledger.NewDate(2025, 1, 6), CartonsIn: 20,
			ReferenceID: "GRN-0101", CreatedBy: "scenario",
		},
		{
			WarehouseCode: wh.Code, SKUCode: "SKU-201", BatchLot: "LOT-B",
			Type: ledger.TxShip, Date: ledger.NewDate(2025, 1, 9), CartonsOut: 5,
			ReferenceID: "SO-5500", CreatedBy: "scenario",
		},
	}
	for _, tx := range txs {
		if _, err := h.Store.AppendTransaction(ctx, tx); err != nil {
			return err
		}
	}

	if _, err := h.Engine.Rates.CreateRate(ctx, storage.NewRate{
		WarehouseID:   wh.ID,
		CostName:      "Shelf storage",
		CostValue:     decimal.RequireFromString("0.25"),
		UnitOfMeasure: "carton/week",
		EffectiveDate: ledger.NewDate(2025, 1, 1),
	}, storage.WriteOptions{}); err != nil {
		return err
	}

	if _, err := h.Engine.Snapshots.EnsureWeeklyEntries(ctx, ledger.NewDate(2025, 1, 12),
		storage.EnsureOptions{CalculateCosts: true}); err != nil {
		return err
	}
	return h.Store.SetPurchaseOrderStatus(ctx, po, ledger.POCancelled)
}

func (h *Handler) seedDirectory(ctx context.Context, code, name string, skus ...storage.SKU) (*storage.Warehouse, error) {
	if err := h.Store.SaveWarehouse(ctx, storage.Warehouse{Code: code, Name: name}); err != nil {
		return nil, err
	}
	for _, s := range skus {
		if err := h.Store.SaveSKU(ctx, s); err != nil {
			return nil, err
		}
	}
	wh, err := h.Store.GetWarehouse(ctx, code)
	if err != nil {
		return nil, err
	}
	if wh == nil {
		return nil, &ledger.NotFoundError{Kind: "warehouse", ID: code}
	}
	return wh, nil
}

func int64Ptr(v int64) *int64 { return &v }
