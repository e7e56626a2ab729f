// Package graph holds the in-memory causality graph and its secondary
// indexes. None of the types here lock: the engine serializes all access
// behind its own RWMutex, so a Graph plus its indexes always change
// together or not at all.
package graph

import (
	"github.com/moolen/retrace/internal/models"
)

// Graph is the node store with forward and backward adjacency.
type Graph struct {
	nodes map[string]*Node

	edgeCount   int
	edgesByType map[EdgeType]int64
}

// New returns an empty graph.
func New() *Graph {
	return &Graph{
		nodes:       make(map[string]*Node),
		edgesByType: make(map[EdgeType]int64),
	}
}

// Insert wraps the event in a node and stores it. The event must already
// be validated. Duplicate IDs are rejected so ingested events stay
// immutable.
func (g *Graph) Insert(event *models.Event) (*Node, error) {
	if _, exists := g.nodes[event.ID]; exists {
		return nil, models.NewInvalidEventError("duplicate event id %q", event.ID)
	}
	node := &Node{
		Event:      event,
		Causes:     make(map[string]*Edge),
		CausedBy:   make(map[string]*Edge),
		Confidence: 1.0,
	}
	g.nodes[event.ID] = node
	return node, nil
}

// Get returns the node for an event ID.
func (g *Graph) Get(id string) (*Node, bool) {
	n, ok := g.nodes[id]
	return n, ok
}

// Has reports whether an event ID is stored.
func (g *Graph) Has(id string) bool {
	_, ok := g.nodes[id]
	return ok
}

// Len returns the number of nodes.
func (g *Graph) Len() int {
	return len(g.nodes)
}

// AddEdge records that from caused to. Returns true when the edge did not
// exist before. Re-adding an existing pair keeps the maximum confidence
// and the higher-precedence type, and returns false. Confidence above 1.0
// clamps; confidence at or below zero, self edges, and unknown endpoints
// are rejected.
func (g *Graph) AddEdge(fromID, toID string, confidence float64, edgeType EdgeType) (bool, error) {
	if fromID == toID {
		return false, models.NewInvalidEventError("self edge on %q", fromID)
	}
	if confidence <= 0 {
		return false, models.NewInvalidEventError("edge confidence must be positive, got %f", confidence)
	}
	if confidence > 1.0 {
		confidence = 1.0
	}

	from, ok := g.nodes[fromID]
	if !ok {
		return false, models.NewNotFoundError("edge source %q not found", fromID)
	}
	to, ok := g.nodes[toID]
	if !ok {
		return false, models.NewNotFoundError("edge target %q not found", toID)
	}

	if existing, ok := from.Causes[toID]; ok {
		if confidence > existing.Confidence {
			existing.Confidence = confidence
		}
		if edgeType.Precedence() > existing.Type.Precedence() {
			g.edgesByType[existing.Type]--
			g.edgesByType[edgeType]++
			existing.Type = edgeType
		}
		return false, nil
	}

	edge := &Edge{From: fromID, To: toID, Confidence: confidence, Type: edgeType}
	from.Causes[toID] = edge
	to.CausedBy[fromID] = edge
	g.edgeCount++
	g.edgesByType[edgeType]++
	return true, nil
}

// Remove unlinks and deletes a node, cleaning the adjacency of every
// neighbor. Returns the removed node, or nil if the ID is unknown.
func (g *Graph) Remove(id string) *Node {
	node, ok := g.nodes[id]
	if !ok {
		return nil
	}

	for toID, edge := range node.Causes {
		if to, ok := g.nodes[toID]; ok {
			delete(to.CausedBy, id)
		}
		g.edgeCount--
		g.edgesByType[edge.Type]--
	}
	for fromID, edge := range node.CausedBy {
		if from, ok := g.nodes[fromID]; ok {
			delete(from.Causes, id)
		}
		g.edgeCount--
		g.edgesByType[edge.Type]--
	}

	delete(g.nodes, id)
	return node
}

// Stats returns node and edge counts by type.
func (g *Graph) Stats() Stats {
	byType := make(map[EdgeType]int64, len(g.edgesByType))
	for t, c := range g.edgesByType {
		if c != 0 {
			byType[t] = c
		}
	}
	return Stats{
		Nodes:       len(g.nodes),
		Edges:       g.edgeCount,
		EdgesByType: byType,
	}
}
