package timeql

import (
	"strings"

	"github.com/moolen/retrace/internal/graph"
	"github.com/moolen/retrace/internal/models"
)

// resolveField maps a condition field onto the node's value. Top-level
// fields accept both camelCase and snake_case spellings; data.<key> and
// metadata.<key> reach into the payload maps. An unresolvable top-level
// field is an UnknownField error, while an absent payload key is merely
// not present (the condition evaluates false).
func resolveField(n *graph.Node, field string) (models.Value, bool, error) {
	if strings.HasPrefix(field, "data.") {
		v, ok := n.Event.Data[strings.TrimPrefix(field, "data.")]
		return v, ok, nil
	}
	if strings.HasPrefix(field, "metadata.") {
		s, ok := n.Event.Metadata[strings.TrimPrefix(field, "metadata.")]
		return models.StringValue(s), ok, nil
	}

	switch strings.ToLower(strings.ReplaceAll(field, "_", "")) {
	case "id", "eventid":
		return models.StringValue(n.Event.ID), true, nil
	case "timestamp", "ts":
		return models.NumberValue(float64(n.Event.Timestamp)), true, nil
	case "type", "eventtype":
		return models.StringValue(string(n.Event.Type)), true, nil
	case "service", "serviceid":
		return models.StringValue(n.Event.ServiceID), true, nil
	case "servicename":
		return models.StringValue(n.Event.ServiceName), true, nil
	case "trace", "traceid":
		return models.StringValue(n.Event.TraceID), true, nil
	case "span", "spanid":
		return models.StringValue(n.Event.SpanID), true, nil
	case "parentspan", "parentspanid":
		return models.StringValue(n.Event.ParentSpanID), true, nil
	case "tenant", "tenantid":
		return models.StringValue(n.Event.TenantID), true, nil
	case "anomalyscore":
		return models.NumberValue(n.AnomalyScore), true, nil
	default:
		return models.Value{}, false, models.NewUnknownFieldError(field)
	}
}

// evalCondition evaluates one condition against a node.
func evalCondition(n *graph.Node, c Condition) (bool, error) {
	v, present, err := resolveField(n, c.Field)
	if err != nil {
		return false, err
	}
	if !present {
		return false, nil
	}
	return compare(v, c.Op, c.Arg), nil
}

// evalConditions evaluates an AND-joined condition list.
func evalConditions(n *graph.Node, conds []Condition) (bool, error) {
	for _, c := range conds {
		ok, err := evalCondition(n, c)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

// compare applies op between a field value and the query operand. When
// both sides coerce to numbers the comparison is numeric, so "503" and
// 503 compare equal. Otherwise equality works on canonical strings and
// the ordering operators are false.
func compare(v models.Value, op Op, arg Operand) bool {
	target := models.StringValue(arg.Text)
	if arg.Number {
		target = models.NumberValue(arg.Value)
	}

	if vn, ok := v.Number(); ok {
		if tn, ok := target.Number(); ok {
			switch op {
			case OpEq:
				return vn == tn
			case OpNeq:
				return vn != tn
			case OpLt:
				return vn < tn
			case OpLte:
				return vn <= tn
			case OpGt:
				return vn > tn
			case OpGte:
				return vn >= tn
			}
			return false
		}
	}

	switch op {
	case OpEq:
		return v.Canonical() == target.Canonical()
	case OpNeq:
		return v.Canonical() != target.Canonical()
	default:
		return false
	}
}
