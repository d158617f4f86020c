package trigger

import (
	"encoding/json"
	"fmt"

	"github.com/casbin/govaluate"
	"github.com/tidwall/gjson"
)

// EvaluateCondition evaluates a boolean condition expression against an
// event. Top-level parameters: event_type, source, source_id, plus every
// top-level key of the event data map. A payload("a.b.c") function looks up
// dotted paths in the raw payload for fields the data map does not surface.
//
// An empty condition is true. A condition that evaluates to a non-boolean
// is an error, not a silent match.
func EvaluateCondition(condition string, event *ExternalEvent) (bool, error) {
	if condition == "" {
		return true, nil
	}

	fns := map[string]govaluate.ExpressionFunction{
		"payload": func(args ...any) (any, error) {
			if len(args) != 1 {
				return nil, fmt.Errorf("payload() takes one path argument, got %d", len(args))
			}
			path, ok := args[0].(string)
			if !ok {
				return nil, fmt.Errorf("payload() path must be a string")
			}
			return payloadLookup(event, path), nil
		},
	}

	expr, err := govaluate.NewEvaluableExpressionWithFunctions(condition, fns)
	if err != nil {
		return false, fmt.Errorf("parse condition %q: %w", condition, err)
	}

	params := map[string]any{
		"event_type": event.Type,
		"source":     event.Source,
		"source_id":  event.SourceID(),
	}
	for k, v := range event.Data {
		if _, taken := params[k]; !taken {
			params[k] = v
		}
	}

	out, err := expr.Evaluate(params)
	if err != nil {
		return false, fmt.Errorf("evaluate condition %q: %w", condition, err)
	}
	b, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("condition %q evaluated to %T, want bool", condition, out)
	}
	return b, nil
}

// payloadLookup resolves a dotted path against the raw payload, falling
// back to the decoded data map. Missing paths return nil.
func payloadLookup(event *ExternalEvent, path string) any {
	if len(event.RawPayload) > 0 {
		if res := gjson.GetBytes(event.RawPayload, path); res.Exists() {
			return res.Value()
		}
	}
	if res := gjson.Get(mustJSON(event.Data), path); res.Exists() {
		return res.Value()
	}
	return nil
}

// mustJSON serialises a value to a JSON string (best-effort).
func mustJSON(v any) string {
	b, _ := json.Marshal(v)
	return string(b)
}
