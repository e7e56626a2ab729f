package timeql

import (
	"context"
	"encoding/json"
	"sort"

	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// defaultMatchLookbackMs is the scan range when IN LAST is omitted.
const defaultMatchLookbackMs = 24 * 60 * 60 * 1000

// PatternOccurrence is one MATCH PATTERN hit: the matched event, or the
// matched pair with the gap between them.
type PatternOccurrence struct {
	Events     []*models.Event `json:"events"`
	DurationMs int64           `json:"durationMs"`
}

// MatchPayload is the MATCH PATTERN result.
type MatchPayload struct {
	FromMs  int64               `json:"fromMs"`
	ToMs    int64               `json:"toMs"`
	Matches []PatternOccurrence `json:"matches"`
	Count   int                 `json:"count"`
}

func (x *Executor) executeMatch(ctx context.Context, tenantID string, s *MatchStatement) ([]byte, error) {
	lookback := s.LastMs
	if lookback <= 0 {
		lookback = defaultMatchLookbackMs
	}
	to := x.nowMs()
	from := to - lookback

	payload := &MatchPayload{FromMs: from, ToMs: to}
	err := x.engine.View(ctx, func(v *engine.View) error {
		firsts, seconds, err := collectMatches(v, tenantID, from, to, s)
		if err != nil {
			return err
		}

		for _, a := range firsts {
			if s.Second == nil {
				payload.Matches = append(payload.Matches, PatternOccurrence{
					Events: []*models.Event{a.Event},
				})
				continue
			}
			// Earliest b with a.ts < b.ts <= a.ts + within. The
			// candidates are in scan order, so binary search finds it.
			limit := a.Timestamp() + s.WithinMs
			i := sort.Search(len(seconds), func(i int) bool {
				return seconds[i].Timestamp() > a.Timestamp()
			})
			if i < len(seconds) && seconds[i].Timestamp() <= limit {
				b := seconds[i]
				payload.Matches = append(payload.Matches, PatternOccurrence{
					Events:     []*models.Event{a.Event, b.Event},
					DurationMs: b.Timestamp() - a.Timestamp(),
				})
			}
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	payload.Count = len(payload.Matches)
	return json.Marshal(payload)
}

// collectMatches scans the range once, bucketing nodes that satisfy the
// first and second condition sets.
func collectMatches(v *engine.View, tenantID string, from, to int64, s *MatchStatement) (firsts, seconds []*graph.Node, err error) {
	var evalErr error
	scanErr := v.EachBetween(from, to, func(n *graph.Node) bool {
		if n.Event.TenantID != tenantID {
			return true
		}
		ok, err := evalConditions(n, s.First)
		if err != nil {
			evalErr = err
			return false
		}
		if ok {
			firsts = append(firsts, n)
		}
		if s.Second != nil {
			ok, err := evalConditions(n, s.Second)
			if err != nil {
				evalErr = err
				return false
			}
			if ok {
				seconds = append(seconds, n)
			}
		}
		return true
	})
	if scanErr != nil {
		return nil, nil, scanErr
	}
	if evalErr != nil {
		return nil, nil, evalErr
	}
	return firsts, seconds, nil
}
