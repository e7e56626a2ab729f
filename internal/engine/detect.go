package engine

import (
	"math"

	"github.com/moolen/retrace/internal/graph"
)

// Edge confidences for the explicit detectors. Trace linkage is exact;
// service triggers are declared by the producer but unverified.
const (
	traceConfidence   = 1.0
	serviceConfidence = 0.9
)

// detectTrace links an event to its parent span. The span index resolves
// (trace ID, parent span ID) to the most recent event on that span, which
// makes the relationship exact rather than inferred.
func (e *Engine) detectTrace(n *graph.Node) {
	ev := n.Event
	if ev.TraceID == "" || ev.ParentSpanID == "" {
		return
	}
	parentID, ok := e.spans.MostRecent(ev.TraceID, ev.ParentSpanID)
	if !ok || parentID == ev.ID {
		return
	}
	e.addEdge(parentID, ev.ID, traceConfidence, graph.EdgeTypeTrace)
}

// detectTemporal scans the correlation window before the new event and
// creates an edge from every candidate whose decayed confidence clears the
// threshold. Confidence decays exponentially with the gap, with a third of
// the window as the decay constant; same-service and same-trace proximity
// boost it.
func (e *Engine) detectTemporal(n *graph.Node) {
	window := e.cfg.CorrelationWindowMs
	decay := float64(window) / 3.0
	newTS := n.Timestamp()

	e.temporal.Range(newTS-window, newTS, func(ts int64, id string) bool {
		if id == n.ID() {
			return true
		}
		candidate, ok := e.graph.Get(id)
		if !ok {
			return true
		}
		conf := math.Exp(-math.Abs(float64(newTS-ts)) / decay)
		if candidate.Event.ServiceID == n.Event.ServiceID {
			conf *= 1.2
		}
		if candidate.Event.TraceID != "" && candidate.Event.TraceID == n.Event.TraceID {
			conf *= 1.5
		}
		if conf > 1.0 {
			conf = 1.0
		}
		if conf >= e.cfg.ConfidenceThreshold {
			e.addEdge(id, n.ID(), conf, graph.EdgeTypeTemporal)
		}
		return true
	})
}

// detectServiceTrigger honors an explicit triggered_by declaration in the
// event's metadata. The referenced event must already be in the graph.
func (e *Engine) detectServiceTrigger(n *graph.Node) {
	trigger := n.Event.TriggeredBy()
	if trigger == "" || trigger == n.ID() {
		return
	}
	if !e.graph.Has(trigger) {
		return
	}
	e.addEdge(trigger, n.ID(), serviceConfidence, graph.EdgeTypeService)
}

// detectDataflow links events whose payloads overlap: within a short
// window, a recent event sharing most data keys and values with the new
// one likely fed it. The similarity itself becomes the edge confidence.
func (e *Engine) detectDataflow(n *graph.Node) {
	if len(n.Event.Data) == 0 {
		return
	}
	newTS := n.Timestamp()
	e.temporal.Range(newTS-e.cfg.DataflowWindowMs, newTS, func(ts int64, id string) bool {
		if id == n.ID() {
			return true
		}
		candidate, ok := e.graph.Get(id)
		if !ok || len(candidate.Event.Data) == 0 {
			return true
		}
		sim := dataSimilarity(candidate, n)
		if sim > e.cfg.DataflowSimilarity {
			e.addEdge(id, n.ID(), sim, graph.EdgeTypeDataflow)
		}
		return true
	})
}

// dataSimilarity is the share of keys with equal values relative to the
// larger of the two payloads.
func dataSimilarity(a, b *graph.Node) float64 {
	larger := len(a.Event.Data)
	if len(b.Event.Data) > larger {
		larger = len(b.Event.Data)
	}
	if larger == 0 {
		return 0
	}
	shared := 0
	for key, av := range a.Event.Data {
		if bv, ok := b.Event.Data[key]; ok && av.Equal(bv) {
			shared++
		}
	}
	return float64(shared) / float64(larger)
}
