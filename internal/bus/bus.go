// Package bus implements the in-process event bus the engine publishes on.
//
// Four topics exist, enumerated statically:
//
//	event:processed    - every successfully ingested event
//	causality:detected - first creation of a causal edge
//	pattern:matched    - an ingested event fits a known pattern
//	anomaly:detected   - an event scored above the anomaly threshold
//
// Dispatch is synchronous and in subscription order: Publish returns after
// every subscriber ran. The engine publishes while holding its write lock,
// so subscribers must be fast and must never call back into engine write
// paths. A panicking subscriber is recovered and logged; it never takes the
// engine down.
package bus

import (
	"sync"
	"sync/atomic"

	"github.com/moolen/retrace/internal/logging"
	"github.com/moolen/retrace/internal/models"
)

// Topic names one of the four bus channels.
type Topic string

const (
	// TopicEventProcessed fires after every successful ingest
	TopicEventProcessed Topic = "event:processed"
	// TopicCausalityDetected fires when an edge is first created
	TopicCausalityDetected Topic = "causality:detected"
	// TopicPatternMatched fires when an event fits a stored pattern
	TopicPatternMatched Topic = "pattern:matched"
	// TopicAnomalyDetected fires when an event crosses the anomaly threshold
	TopicAnomalyDetected Topic = "anomaly:detected"
)

// Topics lists all bus topics in a stable order.
func Topics() []Topic {
	return []Topic{
		TopicEventProcessed,
		TopicCausalityDetected,
		TopicPatternMatched,
		TopicAnomalyDetected,
	}
}

// EventProcessed is the payload on event:processed.
type EventProcessed struct {
	Event        *models.Event
	AnomalyScore float64
}

// CausalityDetected is the payload on causality:detected.
type CausalityDetected struct {
	CauseID    string
	EffectID   string
	Confidence float64
	EdgeType   string
}

// PatternMatched is the payload on pattern:matched.
type PatternMatched struct {
	Event       *models.Event
	PatternID   string
	Occurrences int
}

// AnomalyDetected is the payload on anomaly:detected.
type AnomalyDetected struct {
	Event          *models.Event
	Score          float64
	Classification string
}

// Subscriber receives one payload. The concrete type matches the topic's
// payload struct above.
type Subscriber func(payload interface{})

// Bus is a fixed-topic synchronous publisher. The zero value is not usable;
// construct with New.
type Bus struct {
	mu     sync.RWMutex
	subs   map[Topic][]Subscriber
	logger *logging.Logger

	published map[Topic]*atomic.Uint64
	recovered atomic.Uint64
}

// New returns an empty bus.
func New() *Bus {
	published := make(map[Topic]*atomic.Uint64, 4)
	for _, t := range Topics() {
		published[t] = &atomic.Uint64{}
	}
	return &Bus{
		subs:      make(map[Topic][]Subscriber),
		logger:    logging.GetLogger("bus"),
		published: published,
	}
}

// Subscribe registers fn on topic. Register subscribers before the engine
// starts publishing; subscriptions taken later only see subsequent events.
func (b *Bus) Subscribe(topic Topic, fn Subscriber) {
	if fn == nil {
		return
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	b.subs[topic] = append(b.subs[topic], fn)
}

// Publish dispatches payload to every subscriber of topic, in order.
func (b *Bus) Publish(topic Topic, payload interface{}) {
	b.mu.RLock()
	subs := b.subs[topic]
	b.mu.RUnlock()

	if c, ok := b.published[topic]; ok {
		c.Add(1)
	}

	for _, fn := range subs {
		b.dispatch(topic, fn, payload)
	}
}

func (b *Bus) dispatch(topic Topic, fn Subscriber, payload interface{}) {
	defer func() {
		if r := recover(); r != nil {
			b.recovered.Add(1)
			b.logger.ErrorWithFields("subscriber panicked",
				logging.Field("topic", string(topic)),
				logging.Field("panic", r),
			)
		}
	}()
	fn(payload)
}

// Stats reports per-topic publish counts and the number of recovered
// subscriber panics.
type Stats struct {
	Published map[Topic]uint64
	Recovered uint64
}

// Stats returns a snapshot of bus counters.
func (b *Bus) Stats() Stats {
	s := Stats{Published: make(map[Topic]uint64, len(b.published))}
	for t, c := range b.published {
		s.Published[t] = c.Load()
	}
	s.Recovered = b.recovered.Load()
	return s
}
