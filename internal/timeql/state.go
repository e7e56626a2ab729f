package timeql

import (
	"context"
	"encoding/json"

	"github.com/moolen/retrace/internal/engine"
	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// System health labels, derived from error and active-request counts.
const (
	HealthHealthy  = "healthy"
	HealthDegraded = "degraded"
	HealthCritical = "critical"
)

// Per-service status labels, derived from the service's last event.
const (
	StatusOK    = "ok"
	StatusError = "error"
)

// ServiceState is one service's slice of the reconstructed state.
type ServiceState struct {
	ServiceID  string        `json:"serviceId"`
	Status     string        `json:"status"`
	EventCount int           `json:"eventCount"`
	EventIDs   []string      `json:"eventIds"`
	LastEvent  *models.Event `json:"lastEvent"`
}

// StateSummary aggregates the full fold; it is computed before any WHERE
// filtering, so it always describes the whole tenant.
type StateSummary struct {
	ServiceCount   int    `json:"serviceCount"`
	EventCount     int    `json:"eventCount"`
	ErrorCount     int    `json:"errorCount"`
	ActiveRequests int    `json:"activeRequests"`
	Health         string `json:"health"`
}

// StatePayload is the STATE AT result: the system state reconstructed by
// folding every event at or before the target instant.
type StatePayload struct {
	At             int64                    `json:"at"`
	Services       map[string]*ServiceState `json:"services"`
	Errors         []*models.Event          `json:"errors"`
	ActiveRequests []*models.Event          `json:"activeRequests"`
	Metrics        map[string]models.Value  `json:"metrics"`
	Summary        StateSummary             `json:"summary"`
}

func (x *Executor) executeState(ctx context.Context, tenantID string, s *StateStatement) ([]byte, error) {
	at := s.At.ResolveMillis(x.nowMs())
	var payload *StatePayload
	err := x.engine.View(ctx, func(v *engine.View) error {
		var err error
		payload, err = foldState(v, tenantID, at, s.Where)
		return err
	})
	if err != nil {
		return nil, err
	}
	return json.Marshal(payload)
}

// foldState replays the tenant's events up to at. Requests are considered
// active when a span:start or http:request has no span:end/http:response
// with the same span id before the target instant; metrics merge all
// system:metrics payloads with last-write-wins.
func foldState(v *engine.View, tenantID string, at int64, where []Condition) (*StatePayload, error) {
	state := &StatePayload{
		At:       at,
		Services: make(map[string]*ServiceState),
		Metrics:  make(map[string]models.Value),
	}
	lastNodes := make(map[string]*graph.Node)
	closedSpans := make(map[string]bool)
	var opened []*models.Event
	var evalErr error
	total := 0

	err := v.EachBetween(0, at, func(n *graph.Node) bool {
		if n.Event.TenantID != tenantID {
			return true
		}
		e := n.Event
		total++

		svc := state.Services[e.ServiceID]
		if svc == nil {
			svc = &ServiceState{ServiceID: e.ServiceID}
			state.Services[e.ServiceID] = svc
		}
		svc.EventCount++
		svc.EventIDs = append(svc.EventIDs, e.ID)
		// The scan is timestamp-ascending, so the last write is the
		// latest event.
		svc.LastEvent = e
		lastNodes[e.ServiceID] = n

		if e.IsError() {
			state.Errors = append(state.Errors, e)
		}

		switch e.Type {
		case models.EventTypeSpanStart, models.EventTypeHTTPRequest:
			opened = append(opened, e)
		case models.EventTypeSpanEnd, models.EventTypeHTTPResponse:
			if e.SpanID != "" {
				closedSpans[e.SpanID] = true
			}
		case models.EventTypeMetrics:
			for k, val := range e.Data {
				state.Metrics[k] = val
			}
		}
		return true
	})
	if err != nil {
		return nil, err
	}

	for _, e := range opened {
		if e.SpanID == "" || !closedSpans[e.SpanID] {
			state.ActiveRequests = append(state.ActiveRequests, e)
		}
	}

	for _, svc := range state.Services {
		if svc.LastEvent.IsError() {
			svc.Status = StatusError
		} else {
			svc.Status = StatusOK
		}
	}

	state.Summary = StateSummary{
		ServiceCount:   len(state.Services),
		EventCount:     total,
		ErrorCount:     len(state.Errors),
		ActiveRequests: len(state.ActiveRequests),
		Health:         healthOf(len(state.Errors), len(state.ActiveRequests)),
	}

	// WHERE narrows the service map and nothing else; conditions are
	// evaluated against each service's last event.
	if len(where) > 0 {
		for id := range state.Services {
			ok, err := evalConditions(lastNodes[id], where)
			if err != nil {
				evalErr = err
				break
			}
			if !ok {
				delete(state.Services, id)
			}
		}
	}
	if evalErr != nil {
		return nil, evalErr
	}
	return state, nil
}

func healthOf(errors, activeRequests int) string {
	switch {
	case errors == 0 && activeRequests < 100:
		return HealthHealthy
	case errors < 5 && activeRequests < 200:
		return HealthDegraded
	default:
		return HealthCritical
	}
}
