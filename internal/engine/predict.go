package engine

import (
	"sort"

	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// Prediction sources.
const (
	SourcePattern = "pattern"
	SourceHistory = "history"
)

const (
	// patternPredictionConfidence is the flat confidence of a candidate
	// derived from a stored pattern's type sequence
	patternPredictionConfidence = 0.7
	// historyConfidenceFactor discounts an outgoing edge's confidence
	// when projecting it forward
	historyConfidenceFactor = 0.8
	// DefaultPredictionMinConfidence is the cutoff PREDICT applies
	DefaultPredictionMinConfidence = 0.3
)

// Prediction is one likely follow-up event.
type Prediction struct {
	EventType  models.EventType `json:"eventType"`
	ServiceID  string           `json:"serviceId"`
	Timestamp  int64            `json:"timestamp"`
	Confidence float64          `json:"confidence"`
	Source     string           `json:"source"`
}

// Predictions combines two candidate sources for the anchor event: stored
// patterns whose type sequence continues past the anchor's type, and the
// anchor's own outgoing edges within the horizon. Candidates dedup by
// (type, service, 100 ms bucket) keeping the highest confidence, drop
// below minConfidence (zero keeps all), and sort by confidence descending
// with full tie-breaking so identical graph states return identical
// output.
func (v *View) Predictions(eventID string, horizonMs int64, minConfidence float64, admit func(*graph.Node) bool) ([]Prediction, error) {
	node, ok := v.engine.graph.Get(eventID)
	if !ok || (admit != nil && !admit(node)) {
		return nil, models.NewNotFoundError("event %q not found", eventID)
	}

	var candidates []Prediction

	for _, p := range v.engine.patterns.All() {
		if err := v.ctx.Err(); err != nil {
			return nil, models.FromContextErr(err)
		}
		types := p.Signature.EventTypes
		i := indexOfType(types, string(node.Event.Type))
		if i < 0 || i >= len(types)-1 {
			continue
		}
		step := p.Signature.DurationMs / int64(len(types))
		candidates = append(candidates, Prediction{
			EventType:  models.EventType(types[i+1]),
			ServiceID:  node.Event.ServiceID,
			Timestamp:  node.Timestamp() + step,
			Confidence: patternPredictionConfidence,
			Source:     SourcePattern,
		})
	}

	for _, edge := range sortedAdjacency(node.Causes) {
		follower, ok := v.engine.graph.Get(edge.To)
		if !ok {
			continue
		}
		if admit != nil && !admit(follower) {
			continue
		}
		gap := follower.Timestamp() - node.Timestamp()
		if gap > horizonMs {
			continue
		}
		candidates = append(candidates, Prediction{
			EventType:  follower.Event.Type,
			ServiceID:  follower.Event.ServiceID,
			Timestamp:  node.Timestamp() + gap,
			Confidence: edge.Confidence * historyConfidenceFactor,
			Source:     SourceHistory,
		})
	}

	return rankPredictions(candidates, minConfidence), nil
}

func indexOfType(types []string, t string) int {
	for i, candidate := range types {
		if candidate == t {
			return i
		}
	}
	return -1
}

func rankPredictions(candidates []Prediction, minConfidence float64) []Prediction {
	type key struct {
		eventType models.EventType
		serviceID string
		bucket    int64
	}
	best := make(map[key]int, len(candidates))
	order := make([]key, 0, len(candidates))
	for i, c := range candidates {
		k := key{c.EventType, c.ServiceID, floorDiv(c.Timestamp, 100)}
		if j, ok := best[k]; ok {
			if c.Confidence > candidates[j].Confidence {
				best[k] = i
			}
			continue
		}
		best[k] = i
		order = append(order, k)
	}

	out := make([]Prediction, 0, len(order))
	for _, k := range order {
		c := candidates[best[k]]
		if c.Confidence < minConfidence {
			continue
		}
		out = append(out, c)
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].Confidence != out[j].Confidence {
			return out[i].Confidence > out[j].Confidence
		}
		if out[i].Timestamp != out[j].Timestamp {
			return out[i].Timestamp < out[j].Timestamp
		}
		if out[i].EventType != out[j].EventType {
			return out[i].EventType < out[j].EventType
		}
		return out[i].ServiceID < out[j].ServiceID
	})
	return out
}

func floorDiv(a, b int64) int64 {
	q := a / b
	if a%b != 0 && (a < 0) != (b < 0) {
		q--
	}
	return q
}
