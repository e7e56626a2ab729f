package engine

import (
	"math"

	"github.com/moolen/retrace/internal/bus"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// expectedCauses is the causality-shape expectation: most events have one
// direct cause. Deviation in either direction raises the score.
const expectedCauses = 1.0

// Anomaly classifications, ordered by severity.
const (
	ClassificationError    = "error"
	ClassificationCritical = "critical"
	ClassificationWarning  = "warning"
	ClassificationInfo     = "info"
)

// scoreAnomaly combines the data, interval, and shape components by
// maximum, stores the score on the node, and publishes anomaly:detected
// when it clears the threshold. Runs after the detectors so the shape
// component sees the event's incoming edges.
func (e *Engine) scoreAnomaly(n *graph.Node, prevID string) {
	score := dataScore(n.Event)
	if s := e.intervalScore(n, prevID); s > score {
		score = s
	}
	if s := shapeScore(n); s > score {
		score = s
	}
	n.AnomalyScore = score

	if score <= e.cfg.AnomalyThreshold {
		return
	}
	classification := classify(n.Event, score)
	e.metrics.AnomalyDetected(classification)
	e.bus.Publish(bus.TopicAnomalyDetected, bus.AnomalyDetected{
		Event:          n.Event,
		Score:          score,
		Classification: classification,
	})
}

// dataScore applies the fixed payload rules and returns the strongest
// match: a 5xx status outranks an error payload outranks high latency.
func dataScore(ev *models.Event) float64 {
	score := 0.0
	if _, ok := ev.Data["error"]; ok {
		score = 0.8
	}
	if status, ok := ev.DataNumber("status"); ok && status >= 500 {
		if score < 0.9 {
			score = 0.9
		}
	}
	if latency, ok := ev.DataNumber("latency"); ok && latency > 1000 {
		if score < 0.7 {
			score = 0.7
		}
	}
	return score
}

// intervalScore measures deviation from the expected inter-arrival gap for
// the event's (service, type) pair. The first event of a pair scores zero.
func (e *Engine) intervalScore(n *graph.Node, prevID string) float64 {
	if prevID == "" {
		return 0
	}
	prev, ok := e.graph.Get(prevID)
	if !ok {
		return 0
	}
	expected := float64(e.cfg.ExpectedIntervalFor(n.Event.ServiceID, n.Event.Type))
	gap := float64(n.Timestamp() - prev.Timestamp())
	return math.Min(math.Abs(gap-expected)/expected, 1)
}

// shapeScore measures deviation of the incoming-edge count from the
// expected single cause.
func shapeScore(n *graph.Node) float64 {
	actual := float64(len(n.CausedBy))
	return math.Min(math.Abs(actual-expectedCauses)/expectedCauses, 1)
}

// classify maps a published anomaly onto its severity label. An explicit
// error payload wins regardless of score.
func classify(ev *models.Event, score float64) string {
	if _, ok := ev.Data["error"]; ok {
		return ClassificationError
	}
	switch {
	case score > 0.95:
		return ClassificationCritical
	case score > 0.9:
		return ClassificationWarning
	default:
		return ClassificationInfo
	}
}
