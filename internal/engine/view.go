package engine

import (
	"context"

	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// View is a consistent read handle over the engine. It is only valid
// inside the callback passed to Engine.View; the read lock is held for
// that whole span, so one query statement sees one graph state.
type View struct {
	engine *Engine
	ctx    context.Context
}

// View runs fn under the engine's read lock.
func (e *Engine) View(ctx context.Context, fn func(*View) error) error {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fn(&View{engine: e, ctx: ctx})
}

// Config returns the configuration in effect for this view.
func (v *View) Config() *config.Config {
	return v.engine.cfg
}

// Node returns the graph node for an event ID.
func (v *View) Node(id string) (*graph.Node, bool) {
	return v.engine.graph.Get(id)
}

// Newest returns the largest event timestamp in the graph.
func (v *View) Newest() (int64, bool) {
	return v.engine.temporal.Newest()
}

// Oldest returns the smallest event timestamp in the graph.
func (v *View) Oldest() (int64, bool) {
	return v.engine.temporal.Oldest()
}

// EachBetween visits nodes with lo <= timestamp <= hi ascending. The
// view's context is polled every iteration so a cancelled or expired
// query stops mid-scan; fn returns false to stop early.
func (v *View) EachBetween(lo, hi int64, fn func(*graph.Node) bool) error {
	var ctxErr error
	v.engine.temporal.Range(lo, hi, func(ts int64, id string) bool {
		if err := v.ctx.Err(); err != nil {
			ctxErr = models.FromContextErr(err)
			return false
		}
		node, ok := v.engine.graph.Get(id)
		if !ok {
			return true
		}
		return fn(node)
	})
	return ctxErr
}

// LatestAt returns the most recent admitted node with timestamp <= at.
func (v *View) LatestAt(at int64, admit func(*graph.Node) bool) (*graph.Node, bool) {
	var found *graph.Node
	v.engine.temporal.Descend(at, func(ts int64, id string) bool {
		node, ok := v.engine.graph.Get(id)
		if !ok {
			return true
		}
		if admit != nil && !admit(node) {
			return true
		}
		found = node
		return false
	})
	return found, found != nil
}

// TraceFrom walks the graph from rootID and materializes a chain. Zero
// maxDepth and minConfidence fall back to the configured defaults. The
// chain is recorded in the active set so later ingests can fold it into
// patterns. admit limits the traversal, nil admits every node.
func (v *View) TraceFrom(rootID string, direction Direction, maxDepth int, minConfidence float64, admit func(*graph.Node) bool) (*Chain, error) {
	cfg := v.engine.cfg
	if maxDepth <= 0 {
		maxDepth = cfg.MaxChainDepth
	}
	if minConfidence <= 0 {
		minConfidence = cfg.ConfidenceThreshold
	}
	chain, err := traceChain(v.ctx, v.engine.graph, rootID, traceOptions{
		direction:     direction,
		maxDepth:      maxDepth,
		minConfidence: minConfidence,
		filter:        admit,
	})
	if err != nil {
		return nil, err
	}
	v.engine.chains.Add(chain.ID, chain)
	return chain, nil
}

// TraceChain traces from rootID without tenant scoping. This is the
// host-facing entry; the query layer goes through View with a tenant
// filter instead.
func (e *Engine) TraceChain(ctx context.Context, rootID string, direction Direction, maxDepth int, minConfidence float64) (*Chain, error) {
	var chain *Chain
	err := e.View(ctx, func(v *View) error {
		var err error
		chain, err = v.TraceFrom(rootID, direction, maxDepth, minConfidence, nil)
		return err
	})
	return chain, err
}

// FindRootCause searches the backward chain of eventID for its most
// plausible origin, using the configured depth and confidence defaults.
func (e *Engine) FindRootCause(ctx context.Context, eventID string) (*RootCause, error) {
	var rc *RootCause
	err := e.View(ctx, func(v *View) error {
		var err error
		rc, err = v.RootCause(eventID, nil)
		return err
	})
	return rc, err
}

// Predict returns likely follow-up events for an anchor, unscoped.
func (e *Engine) Predict(ctx context.Context, eventID string, horizonMs int64, minConfidence float64) ([]Prediction, error) {
	var preds []Prediction
	err := e.View(ctx, func(v *View) error {
		var err error
		preds, err = v.Predictions(eventID, horizonMs, minConfidence, nil)
		return err
	})
	return preds, err
}
