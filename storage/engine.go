package storage

import (
	"time"

	"github.com/sirupsen/logrus"
)

// Engine bundles the components over one Store. All of them are stateless
// apart from the Store, so an Engine is safe for concurrent use.
type Engine struct {
	Store     Store
	Snapshots *SnapshotGenerator
	Costs     *CostCalculator
	Rates     *RateService
	Reports   *Reporter
}

type EngineOptions struct {
	WarehouseTimeout time.Duration
	Concurrency      int
	Now              func() time.Time
}

func NewEngine(store Store, log logrus.FieldLogger, opts EngineOptions) *Engine {
	log = orDefault(log)
	costs := &CostCalculator{Store: store, Log: log}
	return &Engine{
		Store: store,
		Snapshots: &SnapshotGenerator{
			Store:            store,
			Calculator:       costs,
			Log:              log,
			WarehouseTimeout: opts.WarehouseTimeout,
			Concurrency:      opts.Concurrency,
			Now:              opts.Now,
		},
		Costs:   costs,
		Rates:   &RateService{Store: store, Calculator: costs, Log: log, Now: opts.Now},
		Reports: &Reporter{Store: store, Log: log},
	}
}
