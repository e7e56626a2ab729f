package graph

// SpanIndex resolves (trace ID, span ID) pairs to event IDs so the trace
// detector finds a parent span in O(1). Several events may share a span
// (span:start and span:end do); lookups pick the latest by timestamp, so
// entries carry their timestamps.
type SpanIndex struct {
	bySpan map[string][]spanEntry
}

type spanEntry struct {
	id string
	ts int64
}

// NewSpanIndex returns an empty index.
func NewSpanIndex() *SpanIndex {
	return &SpanIndex{bySpan: make(map[string][]spanEntry)}
}

func spanKey(traceID, spanID string) string {
	return traceID + "\x00" + spanID
}

// Put indexes an event under its (trace, span) pair. Events without both
// IDs are skipped.
func (ix *SpanIndex) Put(traceID, spanID, eventID string, ts int64) {
	if traceID == "" || spanID == "" {
		return
	}
	key := spanKey(traceID, spanID)
	ix.bySpan[key] = append(ix.bySpan[key], spanEntry{id: eventID, ts: ts})
}

// Remove drops an event from its (trace, span) bucket.
func (ix *SpanIndex) Remove(traceID, spanID, eventID string) {
	if traceID == "" || spanID == "" {
		return
	}
	key := spanKey(traceID, spanID)
	entries := ix.bySpan[key]
	for i, e := range entries {
		if e.id != eventID {
			continue
		}
		entries = append(entries[:i], entries[i+1:]...)
		if len(entries) == 0 {
			delete(ix.bySpan, key)
		} else {
			ix.bySpan[key] = entries
		}
		return
	}
}

// MostRecent returns the latest event recorded for (trace, span).
func (ix *SpanIndex) MostRecent(traceID, spanID string) (string, bool) {
	entries := ix.bySpan[spanKey(traceID, spanID)]
	if len(entries) == 0 {
		return "", false
	}
	best := entries[0]
	for _, e := range entries[1:] {
		if e.ts >= best.ts {
			best = e
		}
	}
	return best.id, true
}
