package engine

import (
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// RootCause is the outcome of a backward root-cause search. Confidence is
// the path confidence from the queried event to the selected root; Score
// is only set when no zero-incoming candidate existed and the ranked
// fallback picked the root.
type RootCause struct {
	Event      *models.Event `json:"event"`
	Confidence float64       `json:"confidence"`
	Depth      int           `json:"depth"`
	Score      float64       `json:"score,omitempty"`
	ChainID    string        `json:"chainId"`
}

// RootCause traces backward from eventID and picks the most plausible
// origin. Chain members with no incoming edges are preferred, highest
// path confidence first, earliest timestamp on ties. When the chain has
// no such member (cycles, fully connected neighborhoods), every member is
// ranked by a blame score combining path confidence, error evidence,
// anomaly score, and proximity to the queried event.
func (v *View) RootCause(eventID string, admit func(*graph.Node) bool) (*RootCause, error) {
	chain, err := v.TraceFrom(eventID, DirectionBackward, 0, 0, admit)
	if err != nil {
		return nil, err
	}

	var root *ChainEvent
	for i := range chain.Events {
		ce := &chain.Events[i]
		node, ok := v.engine.graph.Get(ce.EventID)
		if !ok || len(node.CausedBy) != 0 {
			continue
		}
		if root == nil ||
			ce.PathConfidence > root.PathConfidence ||
			(ce.PathConfidence == root.PathConfidence && ce.Timestamp < root.Timestamp) {
			root = ce
		}
	}
	if root != nil {
		node, _ := v.engine.graph.Get(root.EventID)
		return &RootCause{
			Event:      node.Event,
			Confidence: root.PathConfidence,
			Depth:      root.Depth,
			ChainID:    chain.ID,
		}, nil
	}

	chainLen := float64(chain.Len())
	var best *ChainEvent
	bestScore := 0.0
	for i := range chain.Events {
		ce := &chain.Events[i]
		node, ok := v.engine.graph.Get(ce.EventID)
		if !ok {
			continue
		}
		score := ce.PathConfidence
		if node.Event.IsError() {
			score *= 1.5
		}
		score *= 1 + node.AnomalyScore
		score *= 1 - 0.5*(float64(ce.Depth)/chainLen)
		if best == nil || score > bestScore ||
			(score == bestScore && ce.Timestamp < best.Timestamp) {
			best, bestScore = ce, score
		}
	}
	if best == nil {
		return nil, models.NewNotFoundError("no root candidate for %q", eventID)
	}
	node, _ := v.engine.graph.Get(best.EventID)
	return &RootCause{
		Event:      node.Event,
		Confidence: best.PathConfidence,
		Depth:      best.Depth,
		Score:      bestScore,
		ChainID:    chain.ID,
	}, nil
}
