// Package metrics defines the Prometheus collectors for the engine and the
// query layer. Collectors are built against an injected Registerer so tests
// can use a private registry and library consumers can skip registration
// entirely by passing nil.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds all collectors. A nil *Metrics is valid: every method is a
// no-op, so callers never need to guard instrumentation sites.
type Metrics struct {
	eventsIngested prometheus.Counter
	eventsRejected prometheus.Counter
	nodesEvicted   prometheus.Counter
	edgesCreated   *prometheus.CounterVec
	anomalies      *prometheus.CounterVec
	patternMatches prometheus.Counter

	graphNodes prometheus.Gauge
	graphEdges prometheus.Gauge

	queries       *prometheus.CounterVec
	queryErrors   *prometheus.CounterVec
	queryDuration prometheus.Histogram
	cacheHits     prometheus.Counter
	cacheMisses   prometheus.Counter
}

// New creates the collector set and registers it with reg. A nil reg
// returns nil, which disables all instrumentation.
func New(reg prometheus.Registerer) *Metrics {
	if reg == nil {
		return nil
	}

	m := &Metrics{
		eventsIngested: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_events_ingested_total",
			Help: "Total number of events accepted by the engine",
		}),
		eventsRejected: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_events_rejected_total",
			Help: "Total number of events rejected as invalid",
		}),
		nodesEvicted: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_nodes_evicted_total",
			Help: "Total number of nodes evicted by retention",
		}),
		edgesCreated: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrace_edges_created_total",
			Help: "Total number of causality edges created, by detector type",
		}, []string{"type"}),
		anomalies: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrace_anomalies_detected_total",
			Help: "Total number of anomalies published, by classification",
		}, []string{"classification"}),
		patternMatches: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_pattern_matches_total",
			Help: "Total number of pattern:matched publications",
		}),
		graphNodes: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retrace_graph_nodes",
			Help: "Current number of nodes in the causality graph",
		}),
		graphEdges: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "retrace_graph_edges",
			Help: "Current number of edges in the causality graph",
		}),
		queries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrace_queries_total",
			Help: "Total number of TimeQL statements executed, by kind",
		}, []string{"kind"}),
		queryErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "retrace_query_errors_total",
			Help: "Total number of TimeQL failures, by error kind",
		}, []string{"kind"}),
		queryDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "retrace_query_duration_seconds",
			Help:    "TimeQL statement execution latency",
			Buckets: prometheus.ExponentialBuckets(0.0001, 4, 10),
		}),
		cacheHits: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_query_cache_hits_total",
			Help: "Total number of query result cache hits",
		}),
		cacheMisses: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "retrace_query_cache_misses_total",
			Help: "Total number of query result cache misses",
		}),
	}

	reg.MustRegister(
		m.eventsIngested, m.eventsRejected, m.nodesEvicted,
		m.edgesCreated, m.anomalies, m.patternMatches,
		m.graphNodes, m.graphEdges,
		m.queries, m.queryErrors, m.queryDuration,
		m.cacheHits, m.cacheMisses,
	)
	return m
}

// EventIngested counts one accepted event.
func (m *Metrics) EventIngested() {
	if m == nil {
		return
	}
	m.eventsIngested.Inc()
}

// EventRejected counts one invalid event.
func (m *Metrics) EventRejected() {
	if m == nil {
		return
	}
	m.eventsRejected.Inc()
}

// NodesEvicted counts n nodes removed by retention eviction.
func (m *Metrics) NodesEvicted(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.nodesEvicted.Add(float64(n))
}

// EdgeCreated counts one new edge by detector type.
func (m *Metrics) EdgeCreated(edgeType string) {
	if m == nil {
		return
	}
	m.edgesCreated.WithLabelValues(edgeType).Inc()
}

// AnomalyDetected counts one published anomaly by classification.
func (m *Metrics) AnomalyDetected(classification string) {
	if m == nil {
		return
	}
	m.anomalies.WithLabelValues(classification).Inc()
}

// PatternMatched counts one pattern:matched publication.
func (m *Metrics) PatternMatched() {
	if m == nil {
		return
	}
	m.patternMatches.Inc()
}

// SetGraphSize records current node and edge counts.
func (m *Metrics) SetGraphSize(nodes, edges int) {
	if m == nil {
		return
	}
	m.graphNodes.Set(float64(nodes))
	m.graphEdges.Set(float64(edges))
}

// QueryExecuted records one statement execution with its latency.
func (m *Metrics) QueryExecuted(kind string, seconds float64) {
	if m == nil {
		return
	}
	m.queries.WithLabelValues(kind).Inc()
	m.queryDuration.Observe(seconds)
}

// QueryFailed counts one statement failure by error kind.
func (m *Metrics) QueryFailed(errorKind string) {
	if m == nil {
		return
	}
	m.queryErrors.WithLabelValues(errorKind).Inc()
}

// CacheHit counts one result cache hit.
func (m *Metrics) CacheHit() {
	if m == nil {
		return
	}
	m.cacheHits.Inc()
}

// CacheMiss counts one result cache miss.
func (m *Metrics) CacheMiss() {
	if m == nil {
		return
	}
	m.cacheMisses.Inc()
}
