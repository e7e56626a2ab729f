package commands

import (
	"context"
	"math/rand"
	"os"
	"path/filepath"
	"sort"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/retrace/internal/models"
	"github.com/moolen/retrace/internal/storage"
)

func TestDefaultScenarioIsValid(t *testing.T) {
	sc := defaultScenario()
	require.NoError(t, sc.validate())
	assert.Len(t, sc.Services, 3)
}

func TestScenarioValidation(t *testing.T) {
	cases := []struct {
		name string
		sc   scenario
	}{
		{"no services", scenario{DurationMs: 1000}},
		{"zero duration", scenario{Services: []scenarioService{{ID: "a", IntervalMs: 100}}}},
		{"zero interval", scenario{DurationMs: 1000,
			Services: []scenarioService{{ID: "a"}}}},
		{"error rate out of range", scenario{DurationMs: 1000,
			Services: []scenarioService{{ID: "a", IntervalMs: 100, ErrorRate: 1.5}}}},
		{"duplicate service id", scenario{DurationMs: 1000,
			Services: []scenarioService{
				{ID: "a", IntervalMs: 100},
				{ID: "a", IntervalMs: 100},
			}}},
		{"cascade to unknown service", scenario{DurationMs: 1000,
			Services: []scenarioService{{ID: "a", IntervalMs: 100}},
			Cascades: []scenarioCascade{{From: "a", To: "ghost"}}}},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			assert.Error(t, tc.sc.validate())
		})
	}
}

func TestScenarioDefaultsApplied(t *testing.T) {
	sc := scenario{
		DurationMs: 1000,
		Services:   []scenarioService{{ID: "a", IntervalMs: 100}, {ID: "b", IntervalMs: 100}},
		Cascades:   []scenarioCascade{{From: "a", To: "b"}},
	}
	require.NoError(t, sc.validate())
	assert.Equal(t, []string{string(models.EventTypeHTTPRequest)}, sc.Services[0].EventTypes)
	assert.Equal(t, 1.0, sc.Cascades[0].Probability, "omitted probability means always")
	assert.Equal(t, int64(50), sc.Cascades[0].DelayMs)
}

func TestLoadScenarioFromYAML(t *testing.T) {
	path := filepath.Join(t.TempDir(), "scenario.yaml")
	raw := `
start_ms: 1000
duration_ms: 5000
tenant: acme
services:
  - id: db
    name: postgres
    interval_ms: 500
    error_rate: 0.25
    event_types: ["system:metrics"]
cascades:
  - from: db
    to: db
    delay_ms: 10
    probability: 0.5
`
	require.NoError(t, os.WriteFile(path, []byte(raw), 0o644))

	sc, err := loadScenario(path)
	require.NoError(t, err)
	assert.Equal(t, int64(1000), sc.StartMs)
	assert.Equal(t, "acme", sc.Tenant)
	require.Len(t, sc.Services, 1)
	assert.Equal(t, "postgres", sc.Services[0].Name)
	assert.Equal(t, 0.25, sc.Services[0].ErrorRate)
	require.Len(t, sc.Cascades, 1)
	assert.Equal(t, 0.5, sc.Cascades[0].Probability)
}

func TestLoadScenarioMissingFile(t *testing.T) {
	_, err := loadScenario(filepath.Join(t.TempDir(), "nope.yaml"))
	assert.Error(t, err)
}

func newGenerator(t *testing.T, sc *scenario, seed int64) *generator {
	t.Helper()
	require.NoError(t, sc.validate())
	return &generator{sc: sc, rng: rand.New(rand.NewSource(seed))}
}

func TestGeneratorIsDeterministic(t *testing.T) {
	first := newGenerator(t, defaultScenario(), 42).run()
	second := newGenerator(t, defaultScenario(), 42).run()
	require.Equal(t, first, second, "same seed must reproduce the same events")

	other := newGenerator(t, defaultScenario(), 43).run()
	assert.NotEqual(t, first, other)
}

func TestGeneratorEventsAreValidAndOrdered(t *testing.T) {
	events := newGenerator(t, defaultScenario(), 7).run()
	require.NotEmpty(t, events)

	for _, ev := range events {
		require.NoError(t, ev.Validate())
	}
	assert.True(t, sort.SliceIsSorted(events, func(i, j int) bool {
		return events[i].Timestamp < events[j].Timestamp
	}))
}

func TestGeneratorCascadesShareTrace(t *testing.T) {
	sc := &scenario{
		StartMs:    1000,
		DurationMs: 5000,
		Services: []scenarioService{
			{ID: "db", IntervalMs: 1000, ErrorRate: 1.0},
			{ID: "api", IntervalMs: 100_000},
		},
		Cascades: []scenarioCascade{{From: "db", To: "api", DelayMs: 50, Probability: 1.0}},
	}
	events := newGenerator(t, sc, 1).run()

	byID := make(map[string]*models.Event, len(events))
	dbErrors, apiErrors := 0, 0
	for _, ev := range events {
		byID[ev.ID] = ev
		if ev.Type != models.EventTypeError {
			continue
		}
		switch ev.ServiceID {
		case "db":
			dbErrors++
		case "api":
			apiErrors++
		}
	}
	assert.Equal(t, 5, dbErrors, "error_rate 1.0 means every tick fails")
	assert.Equal(t, dbErrors, apiErrors, "probability 1.0 cascades every failure")

	for _, ev := range events {
		if ev.ServiceID != "api" || ev.Type != models.EventTypeError {
			continue
		}
		src := byID[ev.TriggeredBy()]
		require.NotNil(t, src, "cascaded error must name its cause")
		assert.Equal(t, "db", src.ServiceID)
		assert.Equal(t, src.TraceID, ev.TraceID)
		assert.Equal(t, src.SpanID, ev.ParentSpanID)
		assert.Equal(t, src.Timestamp+50, ev.Timestamp)
	}
}

func TestGeneratorPairsRequestsWithResponses(t *testing.T) {
	sc := &scenario{
		StartMs:    1000,
		DurationMs: 3000,
		Services: []scenarioService{
			{ID: "web", IntervalMs: 1000, EventTypes: []string{string(models.EventTypeHTTPRequest)}},
		},
	}
	events := newGenerator(t, sc, 9).run()

	requests := map[string]*models.Event{} // span id -> request
	responses := 0
	for _, ev := range events {
		switch ev.Type {
		case models.EventTypeHTTPRequest:
			requests[ev.SpanID] = ev
		case models.EventTypeHTTPResponse:
			responses++
			req := requests[ev.ParentSpanID]
			require.NotNil(t, req, "response must parent its request's span")
			assert.Equal(t, req.TraceID, ev.TraceID)
			assert.Greater(t, ev.Timestamp, req.Timestamp)
		}
	}
	assert.Equal(t, len(requests), responses)
}

func TestRunGendataWritesReplayableFile(t *testing.T) {
	outPath := filepath.Join(t.TempDir(), "events.jsonl")

	prevOut, prevScenario, prevSeed := gendataOutPath, gendataScenarioPath, gendataSeed
	t.Cleanup(func() {
		gendataOutPath, gendataScenarioPath, gendataSeed = prevOut, prevScenario, prevSeed
		gendataCmd.SetOut(nil)
	})
	gendataOutPath = outPath
	gendataScenarioPath = ""
	gendataSeed = 42

	gendataCmd.SetOut(testWriter{t})
	require.NoError(t, runGendata(gendataCmd, nil))

	var got []*models.Event
	err := storage.NewJSONL(outPath).Replay(context.Background(), 0, func(ev *models.Event) error {
		got = append(got, ev)
		return nil
	})
	require.NoError(t, err)
	require.NotEmpty(t, got)
	for _, ev := range got {
		require.NoError(t, ev.Validate())
	}
}

type testWriter struct{ t *testing.T }

func (w testWriter) Write(p []byte) (int, error) {
	w.t.Log(string(p))
	return len(p), nil
}
