package engine

import (
	"context"
	"sort"

	"github.com/google/uuid"

	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// Direction selects which adjacency a chain traversal follows.
type Direction string

const (
	// DirectionBackward walks incoming edges toward root causes
	DirectionBackward Direction = "backward"
	// DirectionForward walks outgoing edges toward effects
	DirectionForward Direction = "forward"
	// DirectionBoth walks both adjacencies
	DirectionBoth Direction = "both"
)

// ParseDirection maps a user-supplied direction string onto Direction.
func ParseDirection(s string) (Direction, error) {
	switch Direction(s) {
	case DirectionBackward, DirectionForward, DirectionBoth:
		return Direction(s), nil
	default:
		return "", models.NewInvalidEventError("invalid direction %q, want backward, forward, or both", s)
	}
}

// ChainEvent is one node visited by a traversal. Depth is the BFS distance
// from the root; PathConfidence is the product of edge confidences along
// the path that discovered the node.
type ChainEvent struct {
	EventID        string           `json:"eventId"`
	Timestamp      int64            `json:"timestamp"`
	ServiceID      string           `json:"serviceId"`
	Type           models.EventType `json:"type"`
	Depth          int              `json:"depth"`
	PathConfidence float64          `json:"pathConfidence"`
}

// Chain is a materialized traversal: the visited events sorted by
// timestamp, the edges that discovered them, and an aggregate confidence.
// Chains are immutable once built; the engine keeps recent ones in an
// LRU-bounded map for pattern extraction and later reference.
type Chain struct {
	ID         string       `json:"id"`
	RootEvent  string       `json:"rootEvent"`
	Direction  Direction    `json:"direction"`
	Events     []ChainEvent `json:"events"`
	Edges      []graph.Edge `json:"edges"`
	StartTime  int64        `json:"startTime"`
	EndTime    int64        `json:"endTime"`
	Confidence float64      `json:"confidence"`

	sig Signature
}

// Signature returns the chain's pattern signature, computed at build time.
func (c *Chain) Signature() Signature {
	return c.sig
}

// Len returns the number of events in the chain.
func (c *Chain) Len() int {
	return len(c.Events)
}

type traceOptions struct {
	direction     Direction
	maxDepth      int
	minConfidence float64
	// filter limits which nodes the traversal may enter; nil admits all.
	// Query paths use it for tenant isolation.
	filter func(*graph.Node) bool
}

type chainVisit struct {
	id       string
	depth    int
	pathConf float64
}

// traceChain walks the graph breadth-first from rootID. Only edges with
// confidence >= minConfidence are followed; a visited set keeps the output
// acyclic even though the graph itself may contain cycles. Neighbor
// expansion is in sorted-ID order so identical graph states always produce
// identical chains.
//
// Locking is the caller's concern: ingest calls this under the engine's
// write lock, queries under the read lock.
func traceChain(ctx context.Context, g *graph.Graph, rootID string, opts traceOptions) (*Chain, error) {
	root, ok := g.Get(rootID)
	if !ok || (opts.filter != nil && !opts.filter(root)) {
		return nil, models.NewNotFoundError("event %q not found", rootID)
	}
	if opts.maxDepth < 0 {
		opts.maxDepth = 0
	}

	visited := map[string]chainVisit{
		rootID: {id: rootID, depth: 0, pathConf: 1.0},
	}
	var edges []graph.Edge
	queue := []chainVisit{visited[rootID]}

	for len(queue) > 0 {
		if err := ctx.Err(); err != nil {
			return nil, models.FromContextErr(err)
		}
		cur := queue[0]
		queue = queue[1:]
		if cur.depth >= opts.maxDepth {
			continue
		}
		node, ok := g.Get(cur.id)
		if !ok {
			continue
		}

		for _, edge := range neighborEdges(node, opts.direction) {
			if edge.Confidence < opts.minConfidence {
				continue
			}
			nextID := edge.From
			if nextID == cur.id {
				nextID = edge.To
			}
			if _, seen := visited[nextID]; seen {
				continue
			}
			next, ok := g.Get(nextID)
			if !ok || (opts.filter != nil && !opts.filter(next)) {
				continue
			}
			visit := chainVisit{
				id:       nextID,
				depth:    cur.depth + 1,
				pathConf: cur.pathConf * edge.Confidence,
			}
			visited[nextID] = visit
			edges = append(edges, *edge)
			queue = append(queue, visit)
		}
	}

	chain := &Chain{
		ID:        uuid.NewString(),
		RootEvent: rootID,
		Direction: opts.direction,
		Edges:     edges,
	}

	chain.Events = make([]ChainEvent, 0, len(visited))
	for id, visit := range visited {
		node, ok := g.Get(id)
		if !ok {
			continue
		}
		chain.Events = append(chain.Events, ChainEvent{
			EventID:        id,
			Timestamp:      node.Timestamp(),
			ServiceID:      node.Event.ServiceID,
			Type:           node.Event.Type,
			Depth:          visit.depth,
			PathConfidence: visit.pathConf,
		})
	}
	sort.Slice(chain.Events, func(i, j int) bool {
		if chain.Events[i].Timestamp != chain.Events[j].Timestamp {
			return chain.Events[i].Timestamp < chain.Events[j].Timestamp
		}
		return chain.Events[i].EventID < chain.Events[j].EventID
	})

	if len(chain.Events) > 0 {
		chain.StartTime = chain.Events[0].Timestamp
		chain.EndTime = chain.Events[len(chain.Events)-1].Timestamp
	}
	chain.Confidence = chainConfidence(edges)
	chain.sig = extractSignature(chain)
	return chain, nil
}

// neighborEdges returns the edges the traversal may follow from node,
// sorted by peer ID for determinism. Backward follows incoming edges,
// forward outgoing, both the union.
func neighborEdges(node *graph.Node, dir Direction) []*graph.Edge {
	var out []*graph.Edge
	if dir == DirectionBackward || dir == DirectionBoth {
		out = append(out, sortedAdjacency(node.CausedBy)...)
	}
	if dir == DirectionForward || dir == DirectionBoth {
		out = append(out, sortedAdjacency(node.Causes)...)
	}
	return out
}

func sortedAdjacency(adj map[string]*graph.Edge) []*graph.Edge {
	if len(adj) == 0 {
		return nil
	}
	keys := make([]string, 0, len(adj))
	for k := range adj {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	out := make([]*graph.Edge, len(keys))
	for i, k := range keys {
		out[i] = adj[k]
	}
	return out
}

// chainConfidence aggregates traversed edge confidences:
// 0.7*mean + 0.3*min, or 1.0 for a chain with no edges.
func chainConfidence(edges []graph.Edge) float64 {
	if len(edges) == 0 {
		return 1.0
	}
	sum := 0.0
	min := edges[0].Confidence
	for _, e := range edges {
		sum += e.Confidence
		if e.Confidence < min {
			min = e.Confidence
		}
	}
	mean := sum / float64(len(edges))
	return 0.7*mean + 0.3*min
}
