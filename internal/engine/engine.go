// Package engine is the causality core: it ingests events into the graph,
// runs the relation detectors, scores anomalies, extracts recurring
// patterns, and answers chain, root-cause, and prediction requests.
//
// Concurrency follows a single-writer model. Ingest takes the write lock
// and performs the whole pipeline inside it, so every reader observes the
// graph either before or after an event, never mid-insert. Queries run
// under the read lock via View, one lock hold per statement.
package engine

import (
	"context"
	"sync"
	"sync/atomic"

	lru "github.com/hashicorp/golang-lru/v2"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/moolen/retrace/internal/bus"
	"github.com/moolen/retrace/internal/clock"
	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/logging"
	"github.com/moolen/retrace/internal/metrics"
	"github.com/moolen/retrace/internal/models"
	"github.com/moolen/retrace/internal/storage"
)

// Options configures a new Engine. Config is required; everything else has
// a working default: a fresh bus, the system clock, no metrics, no
// persistence.
type Options struct {
	Config     *config.Config
	Bus        *bus.Bus
	Clock      clock.Clock
	Store      storage.Store
	Registerer prometheus.Registerer
}

// Engine owns the graph, its indexes, the pattern store, and the chain
// cache. All mutation happens in Ingest under the write lock.
type Engine struct {
	mu sync.RWMutex

	cfg      *config.Config
	graph    *graph.Graph
	temporal *graph.TemporalIndex
	services *graph.ServiceIndex
	spans    *graph.SpanIndex

	patterns *PatternStore
	chains   *lru.Cache[string, *Chain]

	bus     *bus.Bus
	clk     clock.Clock
	metrics *metrics.Metrics
	store   storage.Store
	logger  *logging.Logger

	ingested atomic.Uint64
	rejected atomic.Uint64
	evicted  atomic.Uint64

	// replaying suppresses store appends while Start feeds persisted
	// events back through Ingest, so replay never rewrites the store.
	replaying atomic.Bool
}

// New builds an engine from opts.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.DefaultConfig()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	cfg = cfg.Clone()

	patterns, err := NewPatternStore(cfg.PatternCap)
	if err != nil {
		return nil, err
	}
	chains, err := lru.New[string, *Chain](cfg.ActiveChainsCap)
	if err != nil {
		return nil, models.NewInternalError("chain cache: %v", err)
	}

	b := opts.Bus
	if b == nil {
		b = bus.New()
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	store := opts.Store
	if store == nil {
		store = storage.Nop{}
	}

	return &Engine{
		cfg:      cfg,
		graph:    graph.New(),
		temporal: graph.NewTemporalIndex(),
		services: graph.NewServiceIndex(),
		spans:    graph.NewSpanIndex(),
		patterns: patterns,
		chains:   chains,
		bus:      b,
		clk:      clk,
		metrics:  metrics.New(opts.Registerer),
		store:    store,
		logger:   logging.GetLogger("engine"),
	}, nil
}

// Bus returns the engine's event bus for subscribers.
func (e *Engine) Bus() *bus.Bus {
	return e.bus
}

// Metrics returns the engine's metrics sink so the query layer can record
// into the same registry.
func (e *Engine) Metrics() *metrics.Metrics {
	return e.metrics
}

// Config returns the currently applied configuration. The returned value
// must be treated as read-only; ApplyConfig swaps the pointer atomically
// under the write lock.
func (e *Engine) Config() *config.Config {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.cfg
}

// Ingest validates and inserts one event, then runs the full analysis
// pipeline under the write lock: indexing, the four detectors, anomaly
// scoring, pattern extraction, publication, eviction, and persistence.
// The returned node is the live graph node; callers must not mutate it.
func (e *Engine) Ingest(event *models.Event) (*graph.Node, error) {
	if event == nil {
		return nil, models.NewInvalidEventError("event must not be nil")
	}
	if err := event.Validate(); err != nil {
		e.rejected.Add(1)
		e.metrics.EventRejected()
		return nil, err
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	// An event older than the retention floor would be evicted before any
	// query could see it, so reject it outright.
	if newest, ok := e.temporal.Newest(); ok {
		if event.Timestamp < newest-e.cfg.RetentionWindowMs {
			e.rejected.Add(1)
			e.metrics.EventRejected()
			return nil, models.NewInvalidEventError(
				"event %q at %d is older than the retention floor", event.ID, event.Timestamp)
		}
	}

	node, err := e.graph.Insert(event)
	if err != nil {
		e.rejected.Add(1)
		e.metrics.EventRejected()
		return nil, err
	}

	e.temporal.Put(event.Timestamp, event.ID)
	prevID := e.services.Put(event)
	e.spans.Put(event.TraceID, event.SpanID, event.ID, event.Timestamp)

	e.runStage("detect:trace", func() { e.detectTrace(node) })
	e.runStage("detect:temporal", func() { e.detectTemporal(node) })
	e.runStage("detect:service", func() { e.detectServiceTrigger(node) })
	e.runStage("detect:dataflow", func() { e.detectDataflow(node) })
	e.runStage("anomaly", func() { e.scoreAnomaly(node, prevID) })
	e.runStage("patterns", func() { e.updatePatterns(node) })

	e.ingested.Add(1)
	e.metrics.EventIngested()
	e.bus.Publish(bus.TopicEventProcessed, bus.EventProcessed{
		Event:        event,
		AnomalyScore: node.AnomalyScore,
	})

	e.evictLocked()

	stats := e.graph.Stats()
	e.metrics.SetGraphSize(stats.Nodes, stats.Edges)

	if !e.replaying.Load() {
		if err := e.store.Append(event); err != nil {
			e.logger.WarnWithFields("event store append failed",
				logging.Field("event_id", event.ID),
				logging.Field("error", err.Error()),
			)
		}
	}

	return node, nil
}

// runStage isolates one analysis stage: a panic inside a detector, the
// anomaly scorer, or pattern extraction is logged and the ingest
// continues. The event is already inserted at this point; losing one
// stage's enrichment is better than losing the event.
func (e *Engine) runStage(name string, fn func()) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.ErrorWithFields("analysis stage failed",
				logging.Field("stage", name),
				logging.Field("panic", r),
			)
		}
	}()
	fn()
}

// addEdge inserts an edge and publishes causality:detected when the pair
// is new. Rejections (self edges, missing endpoints) are expected during
// replay and only logged at debug.
func (e *Engine) addEdge(fromID, toID string, confidence float64, edgeType graph.EdgeType) {
	if confidence > 1.0 {
		confidence = 1.0
	}
	created, err := e.graph.AddEdge(fromID, toID, confidence, edgeType)
	if err != nil {
		e.logger.Debug("edge %s -> %s rejected: %v", fromID, toID, err)
		return
	}
	if !created {
		return
	}
	e.metrics.EdgeCreated(string(edgeType))
	e.bus.Publish(bus.TopicCausalityDetected, bus.CausalityDetected{
		CauseID:    fromID,
		EffectID:   toID,
		Confidence: confidence,
		EdgeType:   string(edgeType),
	})
}

// ApplyConfig swaps the engine's tunables under the write lock. Used by
// the config file watcher; an invalid config is rejected and the running
// one stays in effect.
func (e *Engine) ApplyConfig(cfg *config.Config) error {
	if cfg == nil {
		return config.NewConfigError("config must not be nil")
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	next := cfg.Clone()

	e.mu.Lock()
	defer e.mu.Unlock()
	if next.ActiveChainsCap != e.cfg.ActiveChainsCap {
		e.chains.Resize(next.ActiveChainsCap)
	}
	if next.PatternCap != e.cfg.PatternCap {
		e.patterns.Resize(next.PatternCap)
	}
	e.cfg = next
	e.logger.Info("configuration applied")
	return nil
}

// Stats reports counters and the graph's shape.
type Stats struct {
	Graph        graph.Stats `json:"graph"`
	Ingested     uint64      `json:"ingested"`
	Rejected     uint64      `json:"rejected"`
	Evicted      uint64      `json:"evicted"`
	Patterns     int         `json:"patterns"`
	ActiveChains int         `json:"activeChains"`
	OldestMs     int64       `json:"oldestMs"`
	NewestMs     int64       `json:"newestMs"`
}

// Stats returns a consistent snapshot.
func (e *Engine) Stats() Stats {
	e.mu.RLock()
	defer e.mu.RUnlock()
	oldest, _ := e.temporal.Oldest()
	newest, _ := e.temporal.Newest()
	return Stats{
		Graph:        e.graph.Stats(),
		Ingested:     e.ingested.Load(),
		Rejected:     e.rejected.Load(),
		Evicted:      e.evicted.Load(),
		Patterns:     e.patterns.Len(),
		ActiveChains: e.chains.Len(),
		OldestMs:     oldest,
		NewestMs:     newest,
	}
}

// Pattern returns a stored pattern by ID, for bus subscribers that want
// the full signature behind a pattern:matched notification.
func (e *Engine) Pattern(id string) (*Pattern, bool) {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.patterns.Get(id)
}

// Name implements lifecycle.Component.
func (e *Engine) Name() string { return "engine" }

// Start replays persisted events back into the graph. Replay reuses the
// regular ingest path, so edges, anomalies, and patterns are rebuilt
// exactly as they were detected live; rejected events (duplicates, too
// old) are skipped and counted.
func (e *Engine) Start(ctx context.Context) error {
	e.replaying.Store(true)
	defer e.replaying.Store(false)

	replayed, skipped := 0, 0
	err := e.store.Replay(ctx, 0, func(ev *models.Event) error {
		if _, err := e.Ingest(ev); err != nil {
			skipped++
			return nil
		}
		replayed++
		return nil
	})
	if err != nil {
		return err
	}
	if replayed > 0 || skipped > 0 {
		e.logger.InfoWithFields("replay complete",
			logging.Field("replayed", replayed),
			logging.Field("skipped", skipped),
		)
	}
	return nil
}

// Stop implements lifecycle.Component. The store is a separate component
// and flushes itself; the engine has nothing to tear down.
func (e *Engine) Stop(ctx context.Context) error { return nil }
