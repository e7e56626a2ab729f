package commands

import (
	"net/http"
	"path/filepath"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/lifecycle"
	"github.com/moolen/retrace/internal/logging"
	"github.com/moolen/retrace/internal/storage"
	"github.com/moolen/retrace/internal/tracing"
)

// storeFilename is the persistent event log inside data_dir.
const storeFilename = "events.jsonl"

// host bundles the long-lived pieces a command runs against: the lifecycle
// manager with tracing, optional persistent store, and the engine wired to
// a private Prometheus registry.
type host struct {
	cfg      *config.Config
	manager  *lifecycle.Manager
	engine   *engine.Engine
	tracing  *tracing.Provider
	registry *prometheus.Registry
}

// newHost builds the component graph: tracing first, then the store when
// data_dir is configured, then the engine depending on the store so replay
// in engine.Start sees an opened store.
func newHost(cfg *config.Config) (*host, error) {
	registry := prometheus.NewRegistry()
	manager := lifecycle.NewManager()

	tracingProvider, err := tracing.NewProvider(cfg)
	if err != nil {
		return nil, err
	}
	if err := manager.Register(tracingProvider); err != nil {
		return nil, err
	}

	var store storage.Store = storage.Nop{}
	var engineDeps []lifecycle.Component
	if cfg.DataDir != "" {
		js := storage.NewJSONL(filepath.Join(cfg.DataDir, storeFilename))
		if err := manager.Register(js); err != nil {
			return nil, err
		}
		store = js
		engineDeps = append(engineDeps, js)
	}

	eng, err := engine.New(engine.Options{
		Config:     cfg,
		Store:      store,
		Registerer: registry,
	})
	if err != nil {
		return nil, err
	}
	if err := manager.Register(eng, engineDeps...); err != nil {
		return nil, err
	}

	return &host{
		cfg:      cfg,
		manager:  manager,
		engine:   eng,
		tracing:  tracingProvider,
		registry: registry,
	}, nil
}

// serveMetrics exposes the host's registry on addr in the background.
func (h *host) serveMetrics(addr string) *http.Server {
	logger := logging.GetLogger("metrics")
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(h.registry, promhttp.HandlerOpts{}))
	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}
	go func() {
		logger.Info("metrics listening on %s", addr)
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			logger.Error("metrics server failed: %v", err)
		}
	}()
	return srv
}
