package engine

// evictLocked enforces the retention window and the node high-water mark.
// Runs at the end of every ingest; the caller holds the write lock.
func (e *Engine) evictLocked() {
	newest, ok := e.temporal.Newest()
	if !ok {
		return
	}
	floor := newest - e.cfg.RetentionWindowMs

	removed := 0
	if oldest, ok := e.temporal.Oldest(); ok && oldest < floor {
		removed += e.removeBefore(floor)
	}

	// Retention alone may not shrink a burst; shed the oldest timestamp
	// buckets until the graph fits under the high-water mark.
	for e.graph.Len() > e.cfg.NodeHighWater {
		oldest, ok := e.temporal.Oldest()
		if !ok {
			break
		}
		removed += e.removeBefore(oldest + 1)
	}

	if removed == 0 {
		return
	}
	e.evicted.Add(uint64(removed))
	e.metrics.NodesEvicted(removed)
	e.logger.Debug("evicted %d expired nodes", removed)
}

// removeBefore drops every node with timestamp < floor from the graph and
// all indexes, cascading edge removal to the neighbors. Chains and
// patterns are unaffected: they hold copies, not references, and serve as
// history beyond the retention horizon.
func (e *Engine) removeBefore(floor int64) int {
	ids := e.temporal.CutBefore(floor)
	for _, id := range ids {
		node := e.graph.Remove(id)
		if node == nil {
			continue
		}
		e.services.Remove(node.Event)
		e.spans.Remove(node.Event.TraceID, node.Event.SpanID, node.Event.ID)
	}
	return len(ids)
}
