package timeql

import (
	"context"
	"encoding/json"

	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// TimelineEntry is one event on the timeline with its position relative
// to the queried range.
type TimelineEntry struct {
	Event          *models.Event `json:"event"`
	RelativeTimeMs int64         `json:"relativeTimeMs"`
	TimePercent    float64       `json:"timePercent"`
}

// TimelinePayload is the TIMELINE result, entries sorted by timestamp
// ascending.
type TimelinePayload struct {
	FromMs  int64           `json:"fromMs"`
	ToMs    int64           `json:"toMs"`
	Entries []TimelineEntry `json:"entries"`
	Count   int             `json:"count"`
}

func (x *Executor) executeTimeline(ctx context.Context, tenantID string, s *TimelineStatement) ([]byte, error) {
	now := x.nowMs()
	from := s.From.ResolveMillis(now)
	to := s.To.ResolveMillis(now)

	payload := &TimelinePayload{FromMs: from, ToMs: to}
	var evalErr error
	err := x.engine.View(ctx, func(v *engine.View) error {
		return v.EachBetween(from, to, func(n *graph.Node) bool {
			if n.Event.TenantID != tenantID {
				return true
			}
			ok, err := evalConditions(n, s.Where)
			if err != nil {
				evalErr = err
				return false
			}
			if !ok {
				return true
			}
			payload.Entries = append(payload.Entries, TimelineEntry{
				Event:          n.Event,
				RelativeTimeMs: n.Timestamp() - from,
				TimePercent:    timePercent(n.Timestamp(), from, to),
			})
			return true
		})
	})
	if err != nil {
		return nil, err
	}
	if evalErr != nil {
		return nil, evalErr
	}
	payload.Count = len(payload.Entries)
	return json.Marshal(payload)
}

// timePercent places ts within [from, to] as 0-100. A degenerate range
// puts everything at 0.
func timePercent(ts, from, to int64) float64 {
	if to == from {
		return 0
	}
	return float64(ts-from) / float64(to-from) * 100
}
