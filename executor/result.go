package executor

import "fmt"

// ResultStatus is the normalized outcome of one step dispatch.
type ResultStatus string

const (
	StatusSuccess    ResultStatus = "success"
	StatusError      ResultStatus = "error"
	StatusCheckpoint ResultStatus = "checkpoint"
)

// ExecutionResult is the single result type every capability execution is
// normalized into, regardless of what shape the capability returned.
type ExecutionResult struct {
	Status          ResultStatus   `json:"status"`
	Output          map[string]any `json:"output,omitempty"`
	Error           string         `json:"error,omitempty"`
	ExecutionTimeMs int64          `json:"executionTimeMs"`
	Metadata        map[string]any `json:"metadata,omitempty"`
}

// LegacyResult is the result shape older deterministic handlers return.
type LegacyResult struct {
	Success bool           `json:"success"`
	Data    map[string]any `json:"data,omitempty"`
	Message string         `json:"message,omitempty"`
}

// Normalize converts whatever a capability returned into one
// ExecutionResult. Typed results pass through, legacy and dict-shaped
// results are interpreted, and anything else becomes a success output.
// A nil value normalizes to an empty success.
func Normalize(v any) *ExecutionResult {
	switch r := v.(type) {
	case nil:
		return &ExecutionResult{Status: StatusSuccess}
	case *ExecutionResult:
		if r.Status == "" {
			r.Status = StatusSuccess
		}
		return r
	case ExecutionResult:
		return Normalize(&r)
	case *LegacyResult:
		return Normalize(*r)
	case LegacyResult:
		res := &ExecutionResult{Status: StatusSuccess, Output: r.Data}
		if !r.Success {
			res.Status = StatusError
			res.Error = r.Message
		}
		return res
	case map[string]any:
		return normalizeMap(r)
	default:
		return &ExecutionResult{
			Status: StatusSuccess,
			Output: map[string]any{"result": v},
		}
	}
}

// normalizeMap interprets a dict-shaped result: a recognized "status" field
// drives the outcome, otherwise the whole map is the output of a success.
func normalizeMap(m map[string]any) *ExecutionResult {
	status, _ := m["status"].(string)
	switch ResultStatus(status) {
	case StatusSuccess, StatusError, StatusCheckpoint:
		res := &ExecutionResult{Status: ResultStatus(status)}
		if out, ok := m["output"].(map[string]any); ok {
			res.Output = out
		}
		if errMsg, ok := m["error"].(string); ok {
			res.Error = errMsg
		}
		if meta, ok := m["metadata"].(map[string]any); ok {
			res.Metadata = meta
		}
		return res
	default:
		return &ExecutionResult{Status: StatusSuccess, Output: m}
	}
}

// Errorf builds an error result with a formatted message.
func Errorf(format string, args ...any) *ExecutionResult {
	return &ExecutionResult{Status: StatusError, Error: fmt.Sprintf(format, args...)}
}
