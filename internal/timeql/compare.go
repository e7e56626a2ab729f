package timeql

import (
	"context"
	"encoding/json"
	"sort"
	"strings"

	"golang.org/x/sync/errgroup"

	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/models"
)

// ServiceStatusChange records a service whose status flipped between the
// two compared instants.
type ServiceStatusChange struct {
	ServiceID string `json:"serviceId"`
	Before    string `json:"before"`
	After     string `json:"after"`
}

// MetricChange is the before/after of one requested metric path.
type MetricChange struct {
	Metric        string  `json:"metric"`
	Before        float64 `json:"before"`
	After         float64 `json:"after"`
	Change        float64 `json:"change"`
	ChangePercent float64 `json:"changePercent"`
}

// ComparePayload is the COMPARE result: a diff of the system states at
// the two instants.
type ComparePayload struct {
	FromMs          int64                 `json:"fromMs"`
	ToMs            int64                 `json:"toMs"`
	HealthBefore    string                `json:"healthBefore"`
	HealthAfter     string                `json:"healthAfter"`
	ServicesAdded   []string              `json:"servicesAdded"`
	ServicesRemoved []string              `json:"servicesRemoved"`
	StatusChanged   []ServiceStatusChange `json:"statusChanged"`
	Metrics         []MetricChange        `json:"metrics,omitempty"`
	ErrorsAdded     []string              `json:"errorsAdded"`
	ErrorsResolved  []string              `json:"errorsResolved"`
}

func (x *Executor) executeCompare(ctx context.Context, tenantID string, s *CompareStatement) ([]byte, error) {
	now := x.nowMs()
	t1 := s.Left.ResolveMillis(now)
	t2 := s.Right.ResolveMillis(now)

	var before, after *StatePayload
	err := x.engine.View(ctx, func(v *engine.View) error {
		// Both folds are pure reads over the same view; run them in
		// parallel, the read lock is held for the whole callback.
		g, _ := errgroup.WithContext(ctx)
		g.Go(func() error {
			var err error
			before, err = foldState(v, tenantID, t1, nil)
			return err
		})
		g.Go(func() error {
			var err error
			after, err = foldState(v, tenantID, t2, nil)
			return err
		})
		return g.Wait()
	})
	if err != nil {
		return nil, err
	}

	return json.Marshal(diffStates(t1, t2, before, after, s.Metrics))
}

func diffStates(t1, t2 int64, before, after *StatePayload, metricPaths []string) *ComparePayload {
	out := &ComparePayload{
		FromMs:       t1,
		ToMs:         t2,
		HealthBefore: before.Summary.Health,
		HealthAfter:  after.Summary.Health,
	}

	for id := range after.Services {
		if _, ok := before.Services[id]; !ok {
			out.ServicesAdded = append(out.ServicesAdded, id)
		}
	}
	for id, b := range before.Services {
		a, ok := after.Services[id]
		if !ok {
			out.ServicesRemoved = append(out.ServicesRemoved, id)
			continue
		}
		if a.Status != b.Status {
			out.StatusChanged = append(out.StatusChanged, ServiceStatusChange{
				ServiceID: id,
				Before:    b.Status,
				After:     a.Status,
			})
		}
	}
	sort.Strings(out.ServicesAdded)
	sort.Strings(out.ServicesRemoved)
	sort.Slice(out.StatusChanged, func(i, j int) bool {
		return out.StatusChanged[i].ServiceID < out.StatusChanged[j].ServiceID
	})

	for _, path := range metricPaths {
		key := strings.TrimPrefix(path, "metrics.")
		b, _ := before.Metrics[key].Number()
		a, _ := after.Metrics[key].Number()
		change := MetricChange{
			Metric: path,
			Before: b,
			After:  a,
			Change: a - b,
		}
		if b != 0 {
			change.ChangePercent = (a - b) / b * 100
		}
		out.Metrics = append(out.Metrics, change)
	}

	out.ErrorsAdded, out.ErrorsResolved = diffErrors(before.Errors, after.Errors)
	return out
}

// diffErrors compares the two error sets by message text: data.message
// when present, data.error otherwise, the event ID as a last resort so
// unnamed errors still diff by identity.
func diffErrors(before, after []*models.Event) (added, resolved []string) {
	beforeSet := errorMessages(before)
	afterSet := errorMessages(after)
	for msg := range afterSet {
		if !beforeSet[msg] {
			added = append(added, msg)
		}
	}
	for msg := range beforeSet {
		if !afterSet[msg] {
			resolved = append(resolved, msg)
		}
	}
	sort.Strings(added)
	sort.Strings(resolved)
	return added, resolved
}

func errorMessages(events []*models.Event) map[string]bool {
	set := make(map[string]bool, len(events))
	for _, e := range events {
		msg, ok := e.DataString("message")
		if !ok {
			msg, ok = e.DataString("error")
		}
		if !ok || msg == "" {
			msg = e.ID
		}
		set[msg] = true
	}
	return set
}
