package injector

import (
	"github.com/google/wire"

	"github.com/zeusync/workbench/internal/config"
	"github.com/zeusync/workbench/internal/core/events/bus"
	"github.com/zeusync/workbench/internal/core/locking"
	"github.com/zeusync/workbench/internal/core/observability/log"
	"github.com/zeusync/workbench/internal/core/observability/metrics"
	"github.com/zeusync/workbench/internal/core/storage"
	"github.com/zeusync/workbench/internal/server"
)

var ProviderSet = wire.NewSet(
	ProvideLogger,
	ProvideEventBus,
	ProvideMetrics,
	ProvideStore,
	locking.NewManager,
	server.NewHub,
	server.New,
)

func ProvideLogger(cfg config.Config) log.Log {
	return log.New(cfg.LogLevel())
}

func ProvideEventBus() bus.EventBus {
	return bus.New()
}

// ProvideMetrics registers the collectors and hooks them into the bus so
// every published notification is counted.
func ProvideMetrics(eventBus bus.EventBus) (*metrics.Metrics, error) {
	m, err := metrics.NewDefault()
	if err != nil {
		return nil, err
	}
	eventBus.AddObserver(m)
	return m, nil
}

func ProvideStore(cfg storage.Config, logger log.Log) (storage.Store, func(), error) {
	store, err := storage.Open(cfg)
	if err != nil {
		return nil, nil, err
	}
	cleanup := func() {
		if err := store.Close(); err != nil {
			logger.Warn("Failed to close store", log.Error(err))
		}
	}
	return store, cleanup, nil
}
