package graph

import (
	"github.com/moolen/retrace/internal/models"
)

// EdgeType classifies how a causal relation was detected. Precedence
// matters when two detectors find the same (from, to) pair: the stronger
// signal's type is recorded.
type EdgeType string

const (
	// EdgeTypeTrace links parent and child spans of one trace
	EdgeTypeTrace EdgeType = "trace"
	// EdgeTypeService links an event to its explicit triggered_by cause
	EdgeTypeService EdgeType = "service"
	// EdgeTypeDataflow links events sharing payload values
	EdgeTypeDataflow EdgeType = "dataflow"
	// EdgeTypeTemporal links events close in time, the weakest signal
	EdgeTypeTemporal EdgeType = "temporal"
)

// Precedence orders edge types by signal strength:
// trace > service > dataflow > temporal. Unknown types rank lowest.
func (t EdgeType) Precedence() int {
	switch t {
	case EdgeTypeTrace:
		return 4
	case EdgeTypeService:
		return 3
	case EdgeTypeDataflow:
		return 2
	case EdgeTypeTemporal:
		return 1
	default:
		return 0
	}
}

// Edge is a directed causal relation: From happened and (probably) caused To.
type Edge struct {
	From       string   `json:"from"`       // causing event ID
	To         string   `json:"to"`         // effect event ID
	Confidence float64  `json:"confidence"` // (0.0, 1.0]
	Type       EdgeType `json:"type"`       // detection signal
}

// Node wraps one ingested event with its causal adjacency. Causes holds
// outgoing edges (this event caused those), CausedBy holds incoming edges,
// both keyed by the neighbor's event ID. The maps mirror each other:
// a.Causes[b] exists iff b.CausedBy[a] exists and both hold the same edge.
type Node struct {
	Event *models.Event `json:"event"`

	Causes   map[string]*Edge `json:"causes,omitempty"`
	CausedBy map[string]*Edge `json:"causedBy,omitempty"`

	// AnomalyScore is assigned once at ingest, 0.0-1.0
	AnomalyScore float64 `json:"anomalyScore"`

	// Confidence is the trust in the node itself, 1.0 for direct ingest
	Confidence float64 `json:"confidence"`
}

// ID returns the wrapped event's ID.
func (n *Node) ID() string {
	return n.Event.ID
}

// Timestamp returns the wrapped event's timestamp in Unix milliseconds.
func (n *Node) Timestamp() int64 {
	return n.Event.Timestamp
}

// Stats summarizes graph shape.
type Stats struct {
	Nodes       int                `json:"nodes"`
	Edges       int                `json:"edges"`
	EdgesByType map[EdgeType]int64 `json:"edgesByType"`
}
