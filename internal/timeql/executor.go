package timeql

import (
	"context"
	"encoding/json"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/singleflight"

	"github.com/moolen/retrace/internal/clock"
	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/logging"
	"github.com/moolen/retrace/internal/models"
)

// Result is the envelope every statement returns. Result holds the
// statement-specific payload, marshaled once; cache hits return the same
// payload bytes with a fresh envelope.
type Result struct {
	Type         string          `json:"type"`
	TenantID     string          `json:"tenantId"`
	ExecutedAtMs int64           `json:"executedAtMs"`
	ElapsedMs    int64           `json:"elapsedMs"`
	CacheHit     bool            `json:"cacheHit"`
	Result       json.RawMessage `json:"result"`
}

// Executor parses and runs TimeQL statements against an engine. Every
// statement executes under one engine read lock, so it observes a single
// consistent graph state. Identical in-flight statements are coalesced
// and completed results are cached per tenant with a TTL.
type Executor struct {
	engine *engine.Engine
	cache  *Cache
	clk    clock.Clock
	group  singleflight.Group
	logger *logging.Logger
	tracer trace.Tracer
}

// Options configures an Executor. Engine is required; a nil Clock means
// wall time and a nil Tracer falls back to the global provider.
type Options struct {
	Engine *engine.Engine
	Clock  clock.Clock
	Tracer trace.Tracer
}

// NewExecutor creates an executor. Cache capacity and TTL come from the
// engine's configuration at construction time.
func NewExecutor(opts Options) (*Executor, error) {
	if opts.Engine == nil {
		return nil, models.NewInternalError("executor requires an engine")
	}
	clk := opts.Clock
	if clk == nil {
		clk = clock.New()
	}
	cfg := opts.Engine.Config()
	cache, err := NewCache(cfg.QueryCacheCap, cfg.QueryCacheTTL(), clk)
	if err != nil {
		return nil, err
	}
	tracer := opts.Tracer
	if tracer == nil {
		tracer = otel.Tracer("timeql")
	}
	return &Executor{
		engine: opts.Engine,
		cache:  cache,
		clk:    clk,
		logger: logging.GetLogger("timeql"),
		tracer: tracer,
	}, nil
}

// Cache exposes the result cache, mainly for stats endpoints and tests.
func (x *Executor) Cache() *Cache {
	return x.cache
}

// Query parses and executes one statement for a tenant.
func (x *Executor) Query(ctx context.Context, tenantID, text string) (*Result, error) {
	stmt, err := Parse(text)
	if err != nil {
		x.engine.Metrics().QueryFailed(string(models.KindOf(err)))
		x.logger.Debug("parse failed: tenant=%s err=%v", tenantID, err)
		return nil, err
	}
	return x.Run(ctx, tenantID, stmt)
}

// Run executes a parsed statement for a tenant.
func (x *Executor) Run(ctx context.Context, tenantID string, stmt Statement) (*Result, error) {
	start := x.clk.Now()
	ctx, cancel := context.WithTimeout(ctx, x.engine.Config().QueryTimeout())
	defer cancel()

	ctx, span := x.tracer.Start(ctx, "timeql.execute",
		trace.WithAttributes(
			attribute.String("query.kind", stmt.Kind()),
			attribute.String("query.tenant", tenantID),
		),
	)
	defer span.End()

	logger := x.logger
	if sc := span.SpanContext(); sc.IsValid() {
		// Carry the span identity on the context so query logs can be
		// correlated with the exported trace.
		ctx = context.WithValue(ctx, logging.TraceIDKey(), sc.TraceID().String())
		ctx = context.WithValue(ctx, logging.SpanIDKey(), sc.SpanID().String())
		logger = logger.WithContext(ctx)
	}

	payload, hit, err := x.resolve(ctx, tenantID, stmt)
	if err != nil {
		err = models.FromContextErr(err)
		span.RecordError(err)
		span.SetStatus(codes.Error, "query failed")
		x.engine.Metrics().QueryFailed(string(models.KindOf(err)))
		logger.Debug("query failed: kind=%s tenant=%s err=%v", stmt.Kind(), tenantID, err)
		return nil, err
	}

	elapsed := x.clk.Now().Sub(start)
	x.engine.Metrics().QueryExecuted(stmt.Kind(), elapsed.Seconds())
	span.SetAttributes(
		attribute.Bool("result.cache_hit", hit),
		attribute.Int64("result.elapsed_ms", elapsed.Milliseconds()),
	)

	return &Result{
		Type:         stmt.Kind(),
		TenantID:     tenantID,
		ExecutedAtMs: start.UnixMilli(),
		ElapsedMs:    elapsed.Milliseconds(),
		CacheHit:     hit,
		Result:       payload,
	}, nil
}

// resolve produces the payload bytes for a statement, consulting the
// cache for every kind except PREDICT, whose output depends on the
// moving anchor and must not be replayed. Misses are deduplicated
// through singleflight so a thundering herd of identical statements
// executes once.
func (x *Executor) resolve(ctx context.Context, tenantID string, stmt Statement) ([]byte, bool, error) {
	if stmt.Kind() == KindPredict {
		payload, err := x.execute(ctx, tenantID, stmt)
		return payload, false, err
	}

	key := CacheKey(stmt, tenantID)
	if payload, ok := x.cache.Get(key); ok {
		x.engine.Metrics().CacheHit()
		return payload, true, nil
	}
	x.engine.Metrics().CacheMiss()

	v, err, _ := x.group.Do(key, func() (interface{}, error) {
		payload, err := x.execute(ctx, tenantID, stmt)
		if err != nil {
			return nil, err
		}
		x.cache.Put(key, stmt.Kind(), payload)
		return payload, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.([]byte), false, nil
}

func (x *Executor) execute(ctx context.Context, tenantID string, stmt Statement) ([]byte, error) {
	switch s := stmt.(type) {
	case *StateStatement:
		return x.executeState(ctx, tenantID, s)
	case *TraverseStatement:
		return x.executeTraverse(ctx, tenantID, s)
	case *MatchStatement:
		return x.executeMatch(ctx, tenantID, s)
	case *TimelineStatement:
		return x.executeTimeline(ctx, tenantID, s)
	case *CompareStatement:
		return x.executeCompare(ctx, tenantID, s)
	case *PredictStatement:
		return x.executePredict(ctx, tenantID, s)
	default:
		return nil, models.NewInternalError("unhandled statement kind %q", stmt.Kind())
	}
}

// tenantAdmit scopes graph access to one tenant. Tenancy is strict
// equality; events ingested without a tenant belong to the "" tenant.
func tenantAdmit(tenantID string) func(*graph.Node) bool {
	return func(n *graph.Node) bool {
		return n.Event.TenantID == tenantID
	}
}

func (x *Executor) nowMs() int64 {
	return x.clk.Now().UnixMilli()
}
