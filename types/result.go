package types

// WorkerResult is what a worker reports for one invocation.
type WorkerResult struct {
	Success         bool           `json:"success"`
	Data            map[string]any `json:"data"`
	Error           string         `json:"error,omitempty"`
	ConfidenceScore float64        `json:"confidence_score"`
	ToolCalls       []string       `json:"tool_calls"`
}

// NewResult builds a result with the default confidence of 1.0.
func NewResult(success bool, data map[string]any, toolCalls ...string) WorkerResult {
	if data == nil {
		data = map[string]any{}
	}
	return WorkerResult{
		Success:         success,
		Data:            data,
		ConfidenceScore: 1.0,
		ToolCalls:       append([]string{}, toolCalls...),
	}
}

// Failed builds a hard-failure result. Confidence is zero so gates treat it as unreliable.
func Failed(err error) WorkerResult {
	msg := "unknown error"
	if err != nil {
		msg = err.Error()
	}
	return WorkerResult{
		Success:         false,
		Data:            map[string]any{},
		Error:           msg,
		ConfidenceScore: 0.0,
		ToolCalls:       []string{},
	}
}
