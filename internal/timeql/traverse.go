package timeql

import (
	"context"
	"encoding/json"

	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/graph"
)

// TraversePayload is the TRAVERSE result: the materialized chain, possibly
// truncated by an UNTIL clause.
type TraversePayload struct {
	Chain     *engine.Chain `json:"chain"`
	Truncated bool          `json:"truncated"`
}

func (x *Executor) executeTraverse(ctx context.Context, tenantID string, s *TraverseStatement) ([]byte, error) {
	var payload *TraversePayload
	err := x.engine.View(ctx, func(v *engine.View) error {
		chain, err := v.TraceFrom(s.EventID, s.Direction, 0, 0, tenantAdmit(tenantID))
		if err != nil {
			return err
		}
		payload = &TraversePayload{Chain: chain}
		if len(s.Until) > 0 {
			payload.Chain, payload.Truncated, err = truncateChain(v, chain, s.Until)
		}
		return err
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// truncateChain cuts the event list at the first event satisfying conds,
// keeping that event. The stored chain stays whole; the cut operates on a
// copy, and edges leading past the cut are dropped with it.
func truncateChain(v *engine.View, c *engine.Chain, conds []Condition) (*engine.Chain, bool, error) {
	for i, ev := range c.Events {
		node, ok := v.Node(ev.EventID)
		if !ok {
			continue
		}
		match, err := evalConditions(node, conds)
		if err != nil {
			return nil, false, err
		}
		if !match {
			continue
		}

		out := *c
		out.Events = c.Events[:i+1]
		kept := make(map[string]bool, len(out.Events))
		for _, e := range out.Events {
			kept[e.EventID] = true
		}
		var edges []graph.Edge
		for _, edge := range c.Edges {
			if kept[edge.From] && kept[edge.To] {
				edges = append(edges, edge)
			}
		}
		out.Edges = edges
		out.EndTime = out.Events[len(out.Events)-1].Timestamp
		return &out, true, nil
	}
	return c, false, nil
}
