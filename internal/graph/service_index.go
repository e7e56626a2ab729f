package graph

import (
	"sort"

	"github.com/moolen/retrace/internal/models"
)

// ServiceIndex groups event IDs per service in insertion order and keeps a
// last-event pointer per (service, event type) for the interval anomaly
// rule.
type ServiceIndex struct {
	byService map[string][]string
	lastOf    map[string]string
	lastTS    map[string]int64
}

// NewServiceIndex returns an empty index.
func NewServiceIndex() *ServiceIndex {
	return &ServiceIndex{
		byService: make(map[string][]string),
		lastOf:    make(map[string]string),
		lastTS:    make(map[string]int64),
	}
}

func pairKey(serviceID string, eventType models.EventType) string {
	return serviceID + "\x00" + string(eventType)
}

// Put indexes the event and returns the ID of the previous latest event of
// the same (service, type), empty when the event is the first of its pair.
// The pointer only advances for events at or after the current latest, so
// late arrivals do not rewind it.
func (ix *ServiceIndex) Put(e *models.Event) (prevID string) {
	ix.byService[e.ServiceID] = append(ix.byService[e.ServiceID], e.ID)

	key := pairKey(e.ServiceID, e.Type)
	prevID = ix.lastOf[key]
	if prev, ok := ix.lastTS[key]; !ok || e.Timestamp >= prev {
		ix.lastOf[key] = e.ID
		ix.lastTS[key] = e.Timestamp
	}
	return prevID
}

// Remove drops the event from its service list and clears a matching
// last-event pointer. The pointer is not rewound to an older event; the
// next ingest of that pair re-establishes it.
func (ix *ServiceIndex) Remove(e *models.Event) {
	ids := ix.byService[e.ServiceID]
	for i, id := range ids {
		if id != e.ID {
			continue
		}
		ids = append(ids[:i], ids[i+1:]...)
		if len(ids) == 0 {
			delete(ix.byService, e.ServiceID)
		} else {
			ix.byService[e.ServiceID] = ids
		}
		break
	}

	key := pairKey(e.ServiceID, e.Type)
	if ix.lastOf[key] == e.ID {
		delete(ix.lastOf, key)
		delete(ix.lastTS, key)
	}
}

// LastOf returns the latest event ID for a (service, type) pair.
func (ix *ServiceIndex) LastOf(serviceID string, eventType models.EventType) (string, bool) {
	id, ok := ix.lastOf[pairKey(serviceID, eventType)]
	return id, ok
}

// EventsFor returns the IDs recorded for a service, oldest first.
func (ix *ServiceIndex) EventsFor(serviceID string) []string {
	ids := ix.byService[serviceID]
	out := make([]string, len(ids))
	copy(out, ids)
	return out
}

// Services returns all indexed service IDs, sorted.
func (ix *ServiceIndex) Services() []string {
	out := make([]string, 0, len(ix.byService))
	for s := range ix.byService {
		out = append(out, s)
	}
	sort.Strings(out)
	return out
}

// Len returns the number of indexed IDs across all services.
func (ix *ServiceIndex) Len() int {
	n := 0
	for _, ids := range ix.byService {
		n += len(ids)
	}
	return n
}
