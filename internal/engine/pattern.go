package engine

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"

	lru "github.com/hashicorp/golang-lru/v2"

	"github.com/moolen/retrace/internal/bus"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// durationToleranceMs is the maximum duration delta for two signatures with
// identical event-type sequences to count as the same pattern.
const durationToleranceMs = 1000

// Signature summarizes a chain for pattern matching: the ordered event-type
// sequence, the set of participating services, the total duration, and the
// set of edge types traversed.
type Signature struct {
	EventTypes []string `json:"eventTypes"`
	Services   []string `json:"services"`
	DurationMs int64    `json:"durationMs"`
	EdgeTypes  []string `json:"edgeTypes"`
}

func extractSignature(c *Chain) Signature {
	sig := Signature{
		EventTypes: make([]string, len(c.Events)),
		DurationMs: c.EndTime - c.StartTime,
	}
	services := map[string]struct{}{}
	for i, ev := range c.Events {
		sig.EventTypes[i] = string(ev.Type)
		services[ev.ServiceID] = struct{}{}
	}
	sig.Services = sortedSet(services)

	edgeTypes := map[string]struct{}{}
	for _, e := range c.Edges {
		edgeTypes[string(e.Type)] = struct{}{}
	}
	sig.EdgeTypes = sortedSet(edgeTypes)
	return sig
}

func sortedSet(set map[string]struct{}) []string {
	out := make([]string, 0, len(set))
	for k := range set {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}

// Similar reports whether two signatures describe the same recurring
// behavior: identical event-type sequences with durations within the
// tolerance. Services may differ; the same cascade shape recurring on
// another service pair is still the same pattern.
func (s Signature) Similar(other Signature) bool {
	if len(s.EventTypes) != len(other.EventTypes) {
		return false
	}
	for i, t := range s.EventTypes {
		if t != other.EventTypes[i] {
			return false
		}
	}
	d := s.DurationMs - other.DurationMs
	if d < 0 {
		d = -d
	}
	return d < durationToleranceMs
}

// hash derives a stable content ID from the signature's type sequence,
// services, and edge types. Duration is excluded: similar signatures vary
// in duration but name the same pattern.
func (s Signature) hash() string {
	h := sha256.New()
	h.Write([]byte(strings.Join(s.EventTypes, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(s.Services, "\x1f")))
	h.Write([]byte{0})
	h.Write([]byte(strings.Join(s.EdgeTypes, "\x1f")))
	return hex.EncodeToString(h.Sum(nil))[:16]
}

// Pattern is a recurring chain signature with occurrence bookkeeping.
// FirstSeen and LastSeen are wall-clock milliseconds.
type Pattern struct {
	ID          string    `json:"id"`
	Signature   Signature `json:"signature"`
	Occurrences int       `json:"occurrences"`
	FirstSeen   int64     `json:"firstSeen"`
	LastSeen    int64     `json:"lastSeen"`
}

// Fits reports whether an event could belong to this pattern: its service
// is one of the pattern's services and its type appears in the sequence.
func (p *Pattern) Fits(ev *models.Event) bool {
	inService := false
	for _, s := range p.Signature.Services {
		if s == ev.ServiceID {
			inService = true
			break
		}
	}
	if !inService {
		return false
	}
	for _, t := range p.Signature.EventTypes {
		if t == string(ev.Type) {
			return true
		}
	}
	return false
}

// PatternStore keeps detected patterns in an LRU-bounded cache keyed by
// content hash. All methods assume the engine's lock discipline; the store
// itself relies on the cache's internal synchronization only for the
// concurrent-reader case.
type PatternStore struct {
	cache *lru.Cache[string, *Pattern]
}

// NewPatternStore builds a store holding at most cap patterns.
func NewPatternStore(cap int) (*PatternStore, error) {
	cache, err := lru.New[string, *Pattern](cap)
	if err != nil {
		return nil, models.NewInternalError("pattern store: %v", err)
	}
	return &PatternStore{cache: cache}, nil
}

// Observe records one occurrence of sig. If a similar pattern exists its
// occurrence count is incremented and its recency refreshed; otherwise a
// new pattern is inserted. The returned bool is true when the pattern was
// already known.
func (ps *PatternStore) Observe(sig Signature, nowMs int64) (*Pattern, bool) {
	for _, id := range ps.cache.Keys() {
		p, ok := ps.cache.Peek(id)
		if !ok || !p.Signature.Similar(sig) {
			continue
		}
		p.Occurrences++
		p.LastSeen = nowMs
		ps.cache.Get(id) // bump recency
		return p, true
	}

	p := &Pattern{
		ID:          sig.hash(),
		Signature:   sig,
		Occurrences: 1,
		FirstSeen:   nowMs,
		LastSeen:    nowMs,
	}
	ps.cache.Add(p.ID, p)
	return p, false
}

// Get returns the pattern with the given ID.
func (ps *PatternStore) Get(id string) (*Pattern, bool) {
	return ps.cache.Peek(id)
}

// All returns every stored pattern, least recently used first.
func (ps *PatternStore) All() []*Pattern {
	return ps.cache.Values()
}

// Len returns the number of stored patterns.
func (ps *PatternStore) Len() int {
	return ps.cache.Len()
}

// Resize adjusts the store's capacity, evicting the least recently used
// patterns if it shrinks.
func (ps *PatternStore) Resize(cap int) {
	if cap > 0 {
		ps.cache.Resize(cap)
	}
}

// patternRecencyMs bounds how far behind the newest event a chain may end
// and still take part in pattern extraction.
const patternRecencyMs = 60_000

// updatePatterns materializes the chain behind the newly ingested event
// and folds every recently touched chain into the pattern store. Chains
// whose end falls more than a minute (event time) behind the newest event
// are left alone. Caller holds the write lock.
func (e *Engine) updatePatterns(n *graph.Node) {
	if len(n.CausedBy) > 0 {
		chain, err := traceChain(context.Background(), e.graph, n.ID(), traceOptions{
			direction:     DirectionBackward,
			maxDepth:      e.cfg.MaxChainDepth,
			minConfidence: e.cfg.ConfidenceThreshold,
			filter:        tenantFilter(n.Event.TenantID),
		})
		if err == nil && chain.Len() > 1 {
			e.chains.Add(chain.ID, chain)
		}
	}

	newest, ok := e.temporal.Newest()
	if !ok {
		return
	}
	recentFloor := newest - patternRecencyMs
	now := e.clk.Now().UnixMilli()

	for _, chain := range e.chains.Values() {
		if chain.Len() < 2 || chain.EndTime <= recentFloor {
			continue
		}
		p, known := e.patterns.Observe(chain.Signature(), now)
		if !known || !p.Fits(n.Event) {
			continue
		}
		e.metrics.PatternMatched()
		e.bus.Publish(bus.TopicPatternMatched, bus.PatternMatched{
			Event:       n.Event,
			PatternID:   p.ID,
			Occurrences: p.Occurrences,
		})
	}
}

// tenantFilter admits nodes belonging to one tenant. The empty tenant is
// a regular value: untagged events form their own scope.
func tenantFilter(tenantID string) func(*graph.Node) bool {
	return func(n *graph.Node) bool { return n.Event.TenantID == tenantID }
}
