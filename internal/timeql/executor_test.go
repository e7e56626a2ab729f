package timeql

import (
	"context"
	"encoding/json"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/retrace/internal/clock"
	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/models"
)

func newTestExecutor(t *testing.T, nowMs int64) (*Executor, *engine.Engine, *clock.Manual) {
	t.Helper()
	clk := clock.NewManualMillis(nowMs)
	eng, err := engine.New(engine.Options{
		Config: config.DefaultConfig(),
		Clock:  clk,
	})
	require.NoError(t, err)
	x, err := NewExecutor(Options{Engine: eng, Clock: clk})
	require.NoError(t, err)
	return x, eng, clk
}

func ev(id string, ts int64, service string, eventType models.EventType) *models.Event {
	return &models.Event{
		ID:        id,
		Timestamp: ts,
		ServiceID: service,
		Type:      eventType,
	}
}

func ingest(t *testing.T, eng *engine.Engine, events ...*models.Event) {
	t.Helper()
	for _, e := range events {
		_, err := eng.Ingest(e)
		require.NoError(t, err)
	}
}

// ingestErrorTrain loads n error events 500 ms apart starting at ts=500,
// all on one service, mirroring the recurring-cascade fixture.
func ingestErrorTrain(t *testing.T, eng *engine.Engine, n int) {
	t.Helper()
	for i := 1; i <= n; i++ {
		ingest(t, eng, ev(fmt.Sprintf("e%d", i), int64(i)*500, "api", models.EventTypeError))
	}
}

func unmarshalResult[T any](t *testing.T, res *Result) *T {
	t.Helper()
	out := new(T)
	require.NoError(t, json.Unmarshal(res.Result, out))
	return out
}

func TestStateAtDegradedHealth(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng,
		ev("err-1", 2000, "db", models.EventTypeError),
		ev("err-2", 4000, "api", models.EventTypeError),
		ev("err-3", 9000, "web", models.EventTypeError),
	)

	res, err := x.Query(context.Background(), "", "STATE AT '10000'")
	require.NoError(t, err)
	assert.Equal(t, KindState, res.Type)
	assert.False(t, res.CacheHit)

	state := unmarshalResult[StatePayload](t, res)
	assert.Equal(t, 3, state.Summary.ErrorCount)
	assert.Equal(t, HealthDegraded, state.Summary.Health)
	assert.Equal(t, 3, state.Summary.ServiceCount)
	assert.Len(t, state.Services, 3)
	for _, svc := range state.Services {
		assert.Equal(t, StatusError, svc.Status)
	}
}

func TestStateAtExcludesLaterEvents(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng,
		ev("a", 1000, "api", models.EventTypeError),
		ev("b", 6000, "api", models.EventTypeError),
	)

	res, err := x.Query(context.Background(), "", "STATE AT '5000'")
	require.NoError(t, err)
	state := unmarshalResult[StatePayload](t, res)
	assert.Equal(t, 1, state.Summary.EventCount)
	assert.Equal(t, "a", state.Services["api"].LastEvent.ID)
}

func TestStateActiveRequests(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	started := ev("s1-start", 1000, "api", models.EventTypeSpanStart)
	started.SpanID = "s1"
	finished := ev("s1-end", 2000, "api", models.EventTypeSpanEnd)
	finished.SpanID = "s1"
	open := ev("s2-req", 3000, "web", models.EventTypeHTTPRequest)
	open.SpanID = "s2"
	ingest(t, eng, started, finished, open)

	res, err := x.Query(context.Background(), "", "STATE AT '5000'")
	require.NoError(t, err)
	state := unmarshalResult[StatePayload](t, res)

	require.Len(t, state.ActiveRequests, 1)
	assert.Equal(t, "s2-req", state.ActiveRequests[0].ID)
	assert.Equal(t, 1, state.Summary.ActiveRequests)
	assert.Equal(t, HealthHealthy, state.Summary.Health)
}

func TestStateMetricsLastWriteWins(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	m1 := ev("m1", 1000, "host", models.EventTypeMetrics)
	m1.Data = models.DataFrom(map[string]interface{}{"cpu": 40.0, "memory": 1000.0})
	m2 := ev("m2", 2000, "host", models.EventTypeMetrics)
	m2.Data = models.DataFrom(map[string]interface{}{"cpu": 75.0})
	ingest(t, eng, m1, m2)

	res, err := x.Query(context.Background(), "", "STATE AT '5000'")
	require.NoError(t, err)
	state := unmarshalResult[StatePayload](t, res)

	cpu, ok := state.Metrics["cpu"].Number()
	require.True(t, ok)
	assert.Equal(t, 75.0, cpu)
	mem, ok := state.Metrics["memory"].Number()
	require.True(t, ok)
	assert.Equal(t, 1000.0, mem)
}

func TestStateWhereFiltersOnlyServiceMap(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng,
		ev("a", 1000, "api", models.EventTypeError),
		ev("b", 2000, "db", models.EventTypeError),
	)

	res, err := x.Query(context.Background(), "", "STATE AT '5000' WHERE serviceId == 'api'")
	require.NoError(t, err)
	state := unmarshalResult[StatePayload](t, res)

	assert.Len(t, state.Services, 1)
	assert.Contains(t, state.Services, "api")
	// Summary and error list still describe the unfiltered fold.
	assert.Equal(t, 2, state.Summary.ErrorCount)
	assert.Equal(t, 2, state.Summary.ServiceCount)
	assert.Len(t, state.Errors, 2)
}

func TestStateUnknownFieldSurfaces(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng, ev("a", 1000, "api", models.EventTypeError))

	_, err := x.Query(context.Background(), "", "STATE AT '5000' WHERE bogus == 1")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrUnknownField))
}

func TestTraverseBackwardChain(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	dbErr := ev("db", 1000, "db", models.EventTypeError)
	dbErr.Data = models.DataFrom(map[string]interface{}{"message": "pool exhausted"})
	gw := ev("gw", 1050, "gateway", models.EventTypeHTTPRequest)
	gw.TraceID, gw.SpanID = "t1", "s1"
	resp := ev("resp", 1080, "gateway", models.EventTypeError)
	resp.TraceID, resp.SpanID, resp.ParentSpanID = "t1", "s2", "s1"
	resp.Data = models.DataFrom(map[string]interface{}{"status": 503.0})
	ingest(t, eng, dbErr, gw, resp)

	res, err := x.Query(context.Background(), "", "TRAVERSE FROM 'resp' FOLLOWING backward")
	require.NoError(t, err)
	assert.Equal(t, KindTraverse, res.Type)

	payload := unmarshalResult[TraversePayload](t, res)
	require.NotNil(t, payload.Chain)
	assert.False(t, payload.Truncated)
	assert.Equal(t, "resp", payload.Chain.RootEvent)
	require.Len(t, payload.Chain.Events, 3)
	assert.Equal(t, "db", payload.Chain.Events[0].EventID)
	assert.Equal(t, "gw", payload.Chain.Events[1].EventID)
	assert.Equal(t, "resp", payload.Chain.Events[2].EventID)
}

func TestTraverseUntilTruncates(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	dbErr := ev("db", 1000, "db", models.EventTypeError)
	gw := ev("gw", 1050, "gateway", models.EventTypeHTTPRequest)
	gw.TraceID, gw.SpanID = "t1", "s1"
	resp := ev("resp", 1080, "gateway", models.EventTypeError)
	resp.TraceID, resp.SpanID, resp.ParentSpanID = "t1", "s2", "s1"
	ingest(t, eng, dbErr, gw, resp)

	res, err := x.Query(context.Background(), "",
		"TRAVERSE FROM 'resp' FOLLOWING backward UNTIL eventType == 'http:request'")
	require.NoError(t, err)

	payload := unmarshalResult[TraversePayload](t, res)
	assert.True(t, payload.Truncated)
	require.Len(t, payload.Chain.Events, 2)
	assert.Equal(t, "db", payload.Chain.Events[0].EventID)
	assert.Equal(t, "gw", payload.Chain.Events[1].EventID)
	assert.Equal(t, int64(1050), payload.Chain.EndTime)
	for _, edge := range payload.Chain.Edges {
		assert.NotEqual(t, "resp", edge.From)
		assert.NotEqual(t, "resp", edge.To)
	}
}

func TestTraverseUnknownEvent(t *testing.T) {
	x, _, _ := newTestExecutor(t, 10_000)

	_, err := x.Query(context.Background(), "", "TRAVERSE FROM 'ghost' FOLLOWING backward")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestMatchConsecutiveErrorPairs(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 5000)
	ingestErrorTrain(t, eng, 10)

	res, err := x.Query(context.Background(), "",
		"MATCH PATTERN WHERE eventType='error' FOLLOWED BY eventType='error' WITHIN 1 seconds IN LAST 1 minutes")
	require.NoError(t, err)
	assert.Equal(t, KindMatch, res.Type)

	payload := unmarshalResult[MatchPayload](t, res)
	assert.Equal(t, 9, payload.Count)
	require.Len(t, payload.Matches, 9)
	for i, m := range payload.Matches {
		require.Len(t, m.Events, 2)
		assert.Equal(t, fmt.Sprintf("e%d", i+1), m.Events[0].ID)
		assert.Equal(t, fmt.Sprintf("e%d", i+2), m.Events[1].ID)
		assert.Equal(t, int64(500), m.DurationMs)
	}
}

func TestMatchSingleConditionEmitsSingles(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 5000)
	ingest(t, eng,
		ev("a", 1000, "api", models.EventTypeError),
		ev("b", 2000, "db", models.EventTypeError),
		ev("c", 3000, "api", models.EventTypeHTTPRequest),
	)

	res, err := x.Query(context.Background(), "", "MATCH PATTERN WHERE eventType == 'error' WITHIN 1 s")
	require.NoError(t, err)

	payload := unmarshalResult[MatchPayload](t, res)
	assert.Equal(t, 2, payload.Count)
	for _, m := range payload.Matches {
		require.Len(t, m.Events, 1)
		assert.Zero(t, m.DurationMs)
	}
}

func TestMatchPairsNeverCrossWindow(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng,
		ev("a", 1000, "api", models.EventTypeError),
		ev("b", 4000, "api", models.EventTypeError),
	)

	res, err := x.Query(context.Background(), "",
		"MATCH PATTERN WHERE eventType='error' FOLLOWED BY eventType='error' WITHIN 1 s")
	require.NoError(t, err)
	payload := unmarshalResult[MatchPayload](t, res)
	assert.Zero(t, payload.Count, "3 s gap must not pair under a 1 s window")
}

func TestTimelineFiltersAndDerivesFields(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	for i := 1; i <= 5; i++ {
		req := ev(fmt.Sprintf("req%d", i), int64(i)*1000-500, "api", models.EventTypeHTTPRequest)
		resp := ev(fmt.Sprintf("resp%d", i), int64(i)*1000, "api", models.EventTypeHTTPResponse)
		ingest(t, eng, req, resp)
	}

	res, err := x.Query(context.Background(), "",
		"TIMELINE FROM '0' TO '5000' WHERE eventType = 'http:request'")
	require.NoError(t, err)
	assert.Equal(t, KindTimeline, res.Type)

	payload := unmarshalResult[TimelinePayload](t, res)
	assert.Equal(t, 5, payload.Count)
	require.Len(t, payload.Entries, 5)

	var prev int64
	for _, entry := range payload.Entries {
		assert.Equal(t, models.EventTypeHTTPRequest, entry.Event.Type)
		assert.GreaterOrEqual(t, entry.Event.Timestamp, prev, "entries sorted ascending")
		prev = entry.Event.Timestamp
	}
	first := payload.Entries[0]
	assert.Equal(t, int64(500), first.RelativeTimeMs)
	assert.InDelta(t, 10.0, first.TimePercent, 1e-9)
	last := payload.Entries[4]
	assert.Equal(t, int64(4500), last.RelativeTimeMs)
	assert.InDelta(t, 90.0, last.TimePercent, 1e-9)
}

func TestCompareDiffsStates(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	dbErr := ev("db-err", 1500, "db", models.EventTypeError)
	dbErr.Data = models.DataFrom(map[string]interface{}{"message": "pool exhausted"})
	apiTick := ev("api-1", 1000, "api", models.EventType("worker:tick"))
	m1 := ev("m1", 1200, "host", models.EventTypeMetrics)
	m1.Data = models.DataFrom(map[string]interface{}{"cpu": 40.0, "memory": 1000.0})

	dbOK := ev("db-ok", 3000, "db", models.EventType("worker:tick"))
	webErr := ev("web-err", 4000, "web", models.EventTypeError)
	webErr.Data = models.DataFrom(map[string]interface{}{"message": "timeout"})
	m2 := ev("m2", 4500, "host", models.EventTypeMetrics)
	m2.Data = models.DataFrom(map[string]interface{}{"cpu": 60.0, "memory": 900.0})

	ingest(t, eng, apiTick, m1, dbErr, dbOK, webErr, m2)

	res, err := x.Query(context.Background(), "", "COMPARE '2000' WITH '5000' FOR cpu, memory")
	require.NoError(t, err)
	assert.Equal(t, KindCompare, res.Type)

	payload := unmarshalResult[ComparePayload](t, res)
	assert.Equal(t, []string{"web"}, payload.ServicesAdded)
	assert.Empty(t, payload.ServicesRemoved)

	require.Len(t, payload.StatusChanged, 1)
	assert.Equal(t, "db", payload.StatusChanged[0].ServiceID)
	assert.Equal(t, StatusError, payload.StatusChanged[0].Before)
	assert.Equal(t, StatusOK, payload.StatusChanged[0].After)

	require.Len(t, payload.Metrics, 2)
	cpu := payload.Metrics[0]
	assert.Equal(t, "cpu", cpu.Metric)
	assert.Equal(t, 40.0, cpu.Before)
	assert.Equal(t, 60.0, cpu.After)
	assert.Equal(t, 20.0, cpu.Change)
	assert.InDelta(t, 50.0, cpu.ChangePercent, 1e-9)
	mem := payload.Metrics[1]
	assert.Equal(t, -100.0, mem.Change)
	assert.InDelta(t, -10.0, mem.ChangePercent, 1e-9)

	assert.Equal(t, []string{"timeout"}, payload.ErrorsAdded)
	assert.Empty(t, payload.ErrorsResolved)
}

func TestCompareSymmetry(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	m1 := ev("m1", 1000, "host", models.EventTypeMetrics)
	m1.Data = models.DataFrom(map[string]interface{}{"cpu": 40.0})
	web := ev("web-1", 4000, "web", models.EventType("worker:tick"))
	m2 := ev("m2", 4500, "host", models.EventTypeMetrics)
	m2.Data = models.DataFrom(map[string]interface{}{"cpu": 60.0})
	ingest(t, eng, m1, web, m2)

	forward, err := x.Query(context.Background(), "", "COMPARE '2000' WITH '5000' FOR cpu")
	require.NoError(t, err)
	backward, err := x.Query(context.Background(), "", "COMPARE '5000' WITH '2000' FOR cpu")
	require.NoError(t, err)

	fwd := unmarshalResult[ComparePayload](t, forward)
	bwd := unmarshalResult[ComparePayload](t, backward)

	assert.Equal(t, fwd.ServicesAdded, bwd.ServicesRemoved)
	assert.Equal(t, fwd.ServicesRemoved, bwd.ServicesAdded)
	require.Len(t, bwd.Metrics, 1)
	assert.Equal(t, -fwd.Metrics[0].Change, bwd.Metrics[0].Change)
}

func TestPredictAfterErrorTrain(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 5000)
	ingestErrorTrain(t, eng, 10)

	res, err := x.Query(context.Background(), "", "PREDICT NEXT 1 seconds FROM '4500'")
	require.NoError(t, err)
	assert.Equal(t, KindPredict, res.Type)
	assert.False(t, res.CacheHit)

	payload := unmarshalResult[PredictPayload](t, res)
	require.NotNil(t, payload.Anchor)
	assert.Equal(t, "e9", payload.Anchor.ID)
	require.NotEmpty(t, payload.Predictions)

	top := payload.Predictions[0]
	assert.Equal(t, models.EventTypeError, top.EventType)
	assert.Contains(t, []string{LikelihoodLikely, LikelihoodVeryLikely}, top.Likelihood)
	assert.Equal(t, engine.SourceHistory, top.Source)
	assert.Equal(t, int64(500), top.TimeFromNowMs)
	assert.Greater(t, payload.Confidence, 0.6)

	for i := 1; i < len(payload.Predictions); i++ {
		assert.GreaterOrEqual(t, payload.Predictions[i-1].Confidence, payload.Predictions[i].Confidence)
	}
}

func TestPredictWithoutAnchorReturnsEmpty(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 5000)
	ingest(t, eng, ev("late", 4000, "api", models.EventTypeError))

	res, err := x.Query(context.Background(), "", "PREDICT NEXT 1 s FROM '100'")
	require.NoError(t, err)

	payload := unmarshalResult[PredictPayload](t, res)
	assert.Nil(t, payload.Anchor)
	assert.Empty(t, payload.Predictions)
	assert.Zero(t, payload.Confidence)
}

func TestPredictIsNeverCached(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 5000)
	ingestErrorTrain(t, eng, 3)

	first, err := x.Query(context.Background(), "", "PREDICT NEXT 1 s FROM '1000'")
	require.NoError(t, err)
	second, err := x.Query(context.Background(), "", "PREDICT NEXT 1 s FROM '1000'")
	require.NoError(t, err)

	assert.False(t, first.CacheHit)
	assert.False(t, second.CacheHit)
	assert.Zero(t, x.Cache().Stats().Entries)
}

func TestCacheHitReturnsIdenticalRows(t *testing.T) {
	x, eng, clk := newTestExecutor(t, 10_000)
	ingest(t, eng,
		ev("a", 1000, "api", models.EventTypeHTTPRequest),
		ev("b", 2000, "api", models.EventTypeHTTPResponse),
	)

	first, err := x.Query(context.Background(), "", "TIMELINE FROM '0' TO '5000'")
	require.NoError(t, err)
	assert.False(t, first.CacheHit)

	second, err := x.Query(context.Background(), "", "TIMELINE FROM '0' TO '5000'")
	require.NoError(t, err)
	assert.True(t, second.CacheHit)
	assert.Equal(t, first.Result, second.Result, "cached rows must be byte-identical")

	// A differently spelled but equivalent statement shares the entry.
	third, err := x.Query(context.Background(), "", "timeline   from '0' to '5000'")
	require.NoError(t, err)
	assert.True(t, third.CacheHit)

	stats := x.Cache().Stats()
	assert.Equal(t, uint64(2), stats.Hits)
	assert.Equal(t, uint64(1), stats.Misses)

	// TTL expiry forces a re-execution.
	clk.Advance(61 * time.Second)
	fourth, err := x.Query(context.Background(), "", "TIMELINE FROM '0' TO '5000'")
	require.NoError(t, err)
	assert.False(t, fourth.CacheHit)
	assert.Equal(t, uint64(1), x.Cache().Stats().Expired)
}

func TestCacheIsTenantScoped(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	acme := ev("acme-1", 1000, "api", models.EventTypeError)
	acme.TenantID = "acme"
	globex := ev("globex-1", 2000, "api", models.EventTypeError)
	globex.TenantID = "globex"
	ingest(t, eng, acme, globex)

	resAcme, err := x.Query(context.Background(), "acme", "STATE AT '5000'")
	require.NoError(t, err)
	resGlobex, err := x.Query(context.Background(), "globex", "STATE AT '5000'")
	require.NoError(t, err)

	assert.False(t, resGlobex.CacheHit, "tenants must not share cache entries")

	stateAcme := unmarshalResult[StatePayload](t, resAcme)
	require.Len(t, stateAcme.Errors, 1)
	assert.Equal(t, "acme-1", stateAcme.Errors[0].ID)

	stateGlobex := unmarshalResult[StatePayload](t, resGlobex)
	require.Len(t, stateGlobex.Errors, 1)
	assert.Equal(t, "globex-1", stateGlobex.Errors[0].ID)
}

func TestTenantIsolation(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)

	acme := ev("acme-1", 1000, "api", models.EventTypeError)
	acme.TenantID = "acme"
	globex := ev("globex-1", 1100, "api", models.EventTypeError)
	globex.TenantID = "globex"
	ingest(t, eng, acme, globex)

	res, err := x.Query(context.Background(), "acme", "TIMELINE FROM '0' TO '5000'")
	require.NoError(t, err)
	payload := unmarshalResult[TimelinePayload](t, res)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, "acme-1", payload.Entries[0].Event.ID)

	// A foreign tenant's event is invisible to TRAVERSE.
	_, err = x.Query(context.Background(), "acme", "TRAVERSE FROM 'globex-1' FOLLOWING backward")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrNotFound))
}

func TestQueryCancelled(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng, ev("a", 1000, "api", models.EventTypeError))

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := x.Query(ctx, "", "STATE AT '5000'")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrCancelled))

	// The failure is not cached; a healthy call still executes.
	res, err := x.Query(context.Background(), "", "STATE AT '5000'")
	require.NoError(t, err)
	assert.False(t, res.CacheHit)
}

func TestParseErrorSurfacesFromQuery(t *testing.T) {
	x, _, _ := newTestExecutor(t, 10_000)
	_, err := x.Query(context.Background(), "", "STATE NEAR '5000'")
	require.Error(t, err)
	assert.True(t, models.IsKind(err, models.ErrParse))
}

func TestResultEnvelope(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng, ev("a", 1000, "api", models.EventTypeError))

	res, err := x.Query(context.Background(), "acme", "STATE AT now")
	require.NoError(t, err)
	assert.Equal(t, KindState, res.Type)
	assert.Equal(t, "acme", res.TenantID)
	assert.Equal(t, int64(10_000), res.ExecutedAtMs)
	assert.Zero(t, res.ElapsedMs)
	assert.NotEmpty(t, res.Result)
}

func TestRelativeTimeUsesClock(t *testing.T) {
	x, eng, _ := newTestExecutor(t, 10_000)
	ingest(t, eng,
		ev("old", 3000, "api", models.EventTypeError),
		ev("new", 8000, "api", models.EventTypeError),
	)

	// now=10000, so 5 seconds ago is 5000: only the event at 8000 remains.
	res, err := x.Query(context.Background(), "", "TIMELINE FROM '5 s ago' TO now")
	require.NoError(t, err)
	payload := unmarshalResult[TimelinePayload](t, res)
	require.Len(t, payload.Entries, 1)
	assert.Equal(t, "new", payload.Entries[0].Event.ID)
}
