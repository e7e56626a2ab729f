package commands

import (
	"context"
	"fmt"
	"math/rand"
	"os"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/moolen/retrace/internal/models"
	"github.com/moolen/retrace/internal/storage"
)

var (
	gendataOutPath      string
	gendataScenarioPath string
	gendataSeed         int64
)

var gendataCmd = &cobra.Command{
	Use:   "gendata --out events.jsonl",
	Short: "Generate a synthetic event file with service cascades",
	Long: `Gendata writes a JSONL event file for demos and load tests. Events are
generated per service at a fixed interval; a configurable fraction of
them are errors, and errors propagate along cascade edges to downstream
services sharing the origin's trace.

Without --scenario a built-in three-service topology is used (api, db,
web with a db->api cascade). A scenario file looks like:

  start_ms: 1700000000000
  duration_ms: 60000
  tenant: acme
  services:
    - id: db
      name: postgres
      interval_ms: 1000
      error_rate: 0.1
      event_types: [system:metrics]
  cascades:
    - from: db
      to: api
      delay_ms: 50
      probability: 0.9

Omitted cascade probabilities default to 1.0. The same seed reproduces
the same file.`,
	RunE: runGendata,
}

func init() {
	gendataCmd.Flags().StringVar(&gendataOutPath, "out", "", "Output JSONL file (required)")
	gendataCmd.Flags().StringVar(&gendataScenarioPath, "scenario", "", "Scenario YAML file (default: built-in topology)")
	gendataCmd.Flags().Int64Var(&gendataSeed, "seed", 0, "Random seed (0 = current time)")
	_ = gendataCmd.MarkFlagRequired("out")
}

// scenario describes what to generate. All timestamps are Unix
// milliseconds.
type scenario struct {
	StartMs    int64             `yaml:"start_ms"`
	DurationMs int64             `yaml:"duration_ms"`
	Tenant     string            `yaml:"tenant"`
	Services   []scenarioService `yaml:"services"`
	Cascades   []scenarioCascade `yaml:"cascades"`
}

type scenarioService struct {
	ID         string   `yaml:"id"`
	Name       string   `yaml:"name"`
	IntervalMs int64    `yaml:"interval_ms"`
	ErrorRate  float64  `yaml:"error_rate"`
	EventTypes []string `yaml:"event_types"`
}

type scenarioCascade struct {
	From        string  `yaml:"from"`
	To          string  `yaml:"to"`
	DelayMs     int64   `yaml:"delay_ms"`
	Probability float64 `yaml:"probability"`
}

// cascadeDepthLimit bounds transitive error propagation so cyclic
// cascade definitions cannot generate unbounded chains.
const cascadeDepthLimit = 4

func defaultScenario() *scenario {
	return &scenario{
		DurationMs: 60_000,
		Services: []scenarioService{
			{ID: "api", Name: "api-gateway", IntervalMs: 1000, ErrorRate: 0.02,
				EventTypes: []string{string(models.EventTypeHTTPRequest)}},
			{ID: "db", Name: "postgres", IntervalMs: 2000, ErrorRate: 0.10,
				EventTypes: []string{string(models.EventTypeMetrics)}},
			{ID: "web", Name: "web-frontend", IntervalMs: 500, ErrorRate: 0.01,
				EventTypes: []string{string(models.EventTypeHTTPRequest)}},
		},
		Cascades: []scenarioCascade{
			{From: "db", To: "api", DelayMs: 50, Probability: 0.9},
			{From: "api", To: "web", DelayMs: 30, Probability: 0.5},
		},
	}
}

func loadScenario(path string) (*scenario, error) {
	if path == "" {
		return defaultScenario(), nil
	}
	raw, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario %q: %w", path, err)
	}
	sc := &scenario{}
	if err := yaml.Unmarshal(raw, sc); err != nil {
		return nil, fmt.Errorf("failed to parse scenario %q: %w", path, err)
	}
	return sc, nil
}

func (sc *scenario) validate() error {
	if len(sc.Services) == 0 {
		return fmt.Errorf("scenario defines no services")
	}
	if sc.DurationMs <= 0 {
		return fmt.Errorf("duration_ms must be positive, got %d", sc.DurationMs)
	}
	ids := map[string]bool{}
	for i := range sc.Services {
		svc := &sc.Services[i]
		if svc.ID == "" {
			return fmt.Errorf("service %d has no id", i)
		}
		if ids[svc.ID] {
			return fmt.Errorf("duplicate service id %q", svc.ID)
		}
		ids[svc.ID] = true
		if svc.IntervalMs <= 0 {
			return fmt.Errorf("service %q: interval_ms must be positive", svc.ID)
		}
		if svc.ErrorRate < 0 || svc.ErrorRate > 1 {
			return fmt.Errorf("service %q: error_rate must be in [0,1]", svc.ID)
		}
		if len(svc.EventTypes) == 0 {
			svc.EventTypes = []string{string(models.EventTypeHTTPRequest)}
		}
	}
	for i := range sc.Cascades {
		c := &sc.Cascades[i]
		if !ids[c.From] || !ids[c.To] {
			return fmt.Errorf("cascade %d references unknown service (%q -> %q)", i, c.From, c.To)
		}
		if c.Probability == 0 {
			c.Probability = 1.0
		}
		if c.Probability < 0 || c.Probability > 1 {
			return fmt.Errorf("cascade %d: probability must be in [0,1]", i)
		}
		if c.DelayMs <= 0 {
			c.DelayMs = 50
		}
	}
	return nil
}

func runGendata(cmd *cobra.Command, _ []string) error {
	sc, err := loadScenario(gendataScenarioPath)
	if err != nil {
		return err
	}
	if err := sc.validate(); err != nil {
		return err
	}
	if sc.StartMs <= 0 {
		sc.StartMs = time.Now().Add(-10 * time.Minute).UnixMilli()
	}

	seed := gendataSeed
	if seed == 0 {
		seed = time.Now().UnixNano()
	}

	gen := &generator{sc: sc, rng: rand.New(rand.NewSource(seed))}
	events := gen.run()

	out := storage.NewJSONL(gendataOutPath)
	ctx := context.Background()
	if err := out.Start(ctx); err != nil {
		return err
	}
	for _, ev := range events {
		if err := out.Append(ev); err != nil {
			_ = out.Stop(ctx)
			return err
		}
	}
	if err := out.Stop(ctx); err != nil {
		return err
	}

	w := cmd.OutOrStdout()
	fmt.Fprintf(w, "Generated %d events (%d errors, %d cascaded) for %d services\n",
		len(events), gen.errors, gen.cascaded, len(sc.Services))
	fmt.Fprintf(w, "  Time range: %d .. %d ms\n", sc.StartMs, sc.StartMs+sc.DurationMs)
	fmt.Fprintf(w, "  Seed: %d\n", seed)
	fmt.Fprintf(w, "  Output: %s\n", gendataOutPath)
	return nil
}

type generator struct {
	sc  *scenario
	rng *rand.Rand

	events   []*models.Event
	errors   int
	cascaded int
}

// id draws a UUID from the seeded rng so the whole file, identifiers
// included, is reproducible for a given seed.
func (g *generator) id() string {
	u, err := uuid.NewRandomFromReader(g.rng)
	if err != nil {
		return uuid.NewString()
	}
	return u.String()
}

// run walks every service's tick schedule, emits its events, and
// propagates errors along cascade edges. The result is sorted by
// timestamp so the file replays in order.
func (g *generator) run() []*models.Event {
	end := g.sc.StartMs + g.sc.DurationMs
	for i := range g.sc.Services {
		svc := &g.sc.Services[i]
		for ts := g.sc.StartMs; ts < end; ts += svc.IntervalMs {
			g.tick(svc, g.jitter(ts, svc.IntervalMs))
		}
	}
	sort.SliceStable(g.events, func(i, j int) bool {
		return g.events[i].Timestamp < g.events[j].Timestamp
	})
	return g.events
}

// jitter spreads ticks around their nominal slot so services do not
// emit in lockstep.
func (g *generator) jitter(ts, intervalMs int64) int64 {
	spread := intervalMs / 5
	if spread <= 0 {
		return ts
	}
	ts += g.rng.Int63n(2*spread+1) - spread
	if ts < g.sc.StartMs {
		ts = g.sc.StartMs
	}
	return ts
}

func (g *generator) tick(svc *scenarioService, ts int64) {
	if g.rng.Float64() < svc.ErrorRate {
		ev := g.emitError(svc.ID, svc.Name, ts, g.id(), "", "")
		g.errors++
		g.cascade(ev, 0)
		return
	}

	kind := models.EventType(svc.EventTypes[g.rng.Intn(len(svc.EventTypes))])
	ev := g.emit(svc.ID, svc.Name, kind, ts, g.id(), g.id(), "")
	if kind == models.EventTypeHTTPRequest {
		// Pair every request with a response on the same trace so the
		// request-response detector has something to link.
		latency := 5 + g.rng.Int63n(60)
		rsp := g.emit(svc.ID, svc.Name, models.EventTypeHTTPResponse,
			ts+latency, ev.TraceID, g.id(), ev.SpanID)
		rsp.Data = models.DataFrom(map[string]interface{}{
			"status":      200,
			"duration_ms": latency,
		})
	}
}

// cascade propagates an error to downstream services. Cascaded errors
// share the origin's trace and name it in triggered_by, so the trace
// and trigger detectors both see the chain.
func (g *generator) cascade(src *models.Event, depth int) {
	if depth >= cascadeDepthLimit {
		return
	}
	for _, c := range g.sc.Cascades {
		if c.From != src.ServiceID || g.rng.Float64() >= c.Probability {
			continue
		}
		name := ""
		for i := range g.sc.Services {
			if g.sc.Services[i].ID == c.To {
				name = g.sc.Services[i].Name
			}
		}
		ev := g.emitError(c.To, name, src.Timestamp+c.DelayMs, src.TraceID, src.SpanID, src.ID)
		g.errors++
		g.cascaded++
		g.cascade(ev, depth+1)
	}
}

func (g *generator) emit(serviceID, serviceName string, kind models.EventType, ts int64, traceID, spanID, parentSpanID string) *models.Event {
	ev := &models.Event{
		ID:           g.id(),
		Timestamp:    ts,
		Type:         kind,
		ServiceID:    serviceID,
		ServiceName:  serviceName,
		TraceID:      traceID,
		SpanID:       spanID,
		ParentSpanID: parentSpanID,
		TenantID:     g.sc.Tenant,
	}
	switch kind {
	case models.EventTypeHTTPRequest:
		ev.Data = models.DataFrom(map[string]interface{}{
			"method": httpMethods[g.rng.Intn(len(httpMethods))],
			"path":   httpPaths[g.rng.Intn(len(httpPaths))],
		})
	case models.EventTypeMetrics:
		ev.Data = models.DataFrom(map[string]interface{}{
			"cpu":    10 + g.rng.Float64()*80,
			"memory": 256 + g.rng.Float64()*1024,
		})
	}
	g.events = append(g.events, ev)
	return ev
}

func (g *generator) emitError(serviceID, serviceName string, ts int64, traceID, parentSpanID, triggeredBy string) *models.Event {
	ev := &models.Event{
		ID:           g.id(),
		Timestamp:    ts,
		Type:         models.EventTypeError,
		ServiceID:    serviceID,
		ServiceName:  serviceName,
		TraceID:      traceID,
		SpanID:       g.id(),
		ParentSpanID: parentSpanID,
		TenantID:     g.sc.Tenant,
		Data: models.DataFrom(map[string]interface{}{
			"message": errorMessages[g.rng.Intn(len(errorMessages))],
			"status":  500 + g.rng.Intn(4),
		}),
	}
	if triggeredBy != "" {
		ev.Metadata = map[string]string{models.MetadataTriggeredBy: triggeredBy}
	}
	g.events = append(g.events, ev)
	return ev
}

var (
	httpMethods = []string{"GET", "GET", "GET", "POST", "PUT", "DELETE"}
	httpPaths   = []string{
		"/api/v1/orders", "/api/v1/users", "/api/v1/items",
		"/api/v1/checkout", "/healthz",
	}
	errorMessages = []string{
		"connection refused", "context deadline exceeded",
		"too many open connections", "upstream timeout",
		"transaction rollback",
	}
)
