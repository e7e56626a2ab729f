package engine

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/moolen/retrace/internal/config"
	"github.com/moolen/retrace/internal/models"
)

func TestEvictionDropsExpiredNodes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetentionWindowMs = 1000
	e := newTestEngine(t, cfg)

	_, err := e.Ingest(ev("a", 1000, "api", models.EventTypeError))
	require.NoError(t, err)
	_, err = e.Ingest(ev("b", 1500, "api", models.EventTypeError))
	require.NoError(t, err)
	_, err = e.Ingest(ev("c", 2600, "api", models.EventTypeError))
	require.NoError(t, err)

	assert.False(t, e.graph.Has("a"))
	assert.False(t, e.graph.Has("b"))
	assert.True(t, e.graph.Has("c"))

	stats := e.Stats()
	assert.Equal(t, 1, stats.Graph.Nodes)
	assert.Equal(t, uint64(2), stats.Evicted)
	assert.Equal(t, int64(2600), stats.OldestMs)
}

func TestEvictionCleansEdgesAndIndexes(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetentionWindowMs = 1000
	e := newTestEngine(t, cfg)

	_, err := e.Ingest(ev("a", 1000, "api", models.EventTypeError))
	require.NoError(t, err)
	b, err := e.Ingest(ev("b", 1400, "api", models.EventTypeError))
	require.NoError(t, err)
	require.Contains(t, b.CausedBy, "a")

	_, err = e.Ingest(ev("c", 2600, "api", models.EventTypeError))
	require.NoError(t, err)

	assert.Empty(t, b.CausedBy, "edge to the evicted node removed")
	assert.Equal(t, 0, e.Stats().Graph.Edges)
	_, ok := e.services.LastOf("api", models.EventTypeError)
	assert.True(t, ok, "pointer now at the surviving event")
}

func TestHighWaterEviction(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.NodeHighWater = 2
	e := newTestEngine(t, cfg)

	_, err := e.Ingest(ev("a", 1000, "api", models.EventTypeError))
	require.NoError(t, err)
	_, err = e.Ingest(ev("b", 2000, "api", models.EventTypeError))
	require.NoError(t, err)
	_, err = e.Ingest(ev("c", 3000, "api", models.EventTypeError))
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, 2, stats.Graph.Nodes, "high-water mark enforced despite young events")
	assert.False(t, e.graph.Has("a"), "oldest evicted first")
	assert.True(t, e.graph.Has("c"))
}

func TestEvictionKeepsChainsAsHistory(t *testing.T) {
	cfg := config.DefaultConfig()
	cfg.RetentionWindowMs = 1000
	e := newTestEngine(t, cfg)

	_, err := e.Ingest(ev("a", 1000, "api", models.EventTypeError))
	require.NoError(t, err)
	_, err = e.Ingest(ev("b", 1100, "api", models.EventTypeError))
	require.NoError(t, err)
	require.Equal(t, 1, e.Stats().ActiveChains)

	_, err = e.Ingest(ev("late", 90_000, "api", models.EventTypeError))
	require.NoError(t, err)

	stats := e.Stats()
	assert.Equal(t, 1, stats.Graph.Nodes, "a and b evicted")
	assert.Equal(t, 1, stats.ActiveChains, "materialized chain survives its events")
}
